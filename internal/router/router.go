package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/psds-microservice/helpy/paths"
	"github.com/psds-microservice/support-chat-service/api"
	"github.com/psds-microservice/support-chat-service/internal/handler"
	"github.com/psds-microservice/support-chat-service/internal/middleware"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Handlers struct {
	Health   *handler.HealthHandler
	Tickets  *handler.TicketHandler
	Messages *handler.MessageHandler
	WS       *handler.WSHandler
	Editor   *handler.EditorHandler
}

type Options struct {
	AdminToken  string
	CORSOrigins []string
	// AssistLimiter bounds LLM calls across all callers; nil means unlimited.
	AssistLimiter *rate.Limiter
	Logger        *zap.Logger
}

func New(h Handlers, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Metrics(), middleware.Logger(opts.Logger.Named("http")))
	r.Use(middleware.CORS(opts.CORSOrigins))

	r.GET(paths.PathHealth, h.Health.Health)
	r.GET(paths.PathReady, h.Health.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET(paths.PathSwagger, func(c *gin.Context) { c.Redirect(http.StatusFound, paths.PathSwagger+"/") })
	r.GET(paths.PathSwagger+"/*any", func(c *gin.Context) {
		if strings.TrimPrefix(c.Param("any"), "/") == "openapi.json" {
			c.Data(http.StatusOK, "application/json", api.OpenAPISpec)
			return
		}
		if strings.TrimPrefix(c.Param("any"), "/") == "" {
			c.Request.URL.Path = paths.PathSwagger + "/index.html"
			c.Request.RequestURI = paths.PathSwagger + "/index.html"
		}
		ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL(paths.PathSwagger+"/openapi.json"))(c)
	})

	v1 := r.Group("/api/v1", middleware.Identity(opts.AdminToken))
	{
		v1.POST("/tickets", h.Tickets.Create)
		v1.GET("/tickets", middleware.RequireAdmin(), h.Tickets.List)
		v1.GET("/tickets/:ref", h.Tickets.Get)
		v1.PUT("/tickets/:ref", middleware.RequireAdmin(), h.Tickets.Update)
		v1.GET("/tickets/:ref/messages", h.Messages.List)
		v1.POST("/tickets/:ref/messages", h.Messages.Send)
		v1.GET("/tickets/:ref/ws", h.WS.Stream)

		editor := v1.Group("/editor")
		editor.POST("/paste", h.Editor.Paste)
		assist := []gin.HandlerFunc{middleware.RequireAdmin()}
		if opts.AssistLimiter != nil {
			assist = append(assist, middleware.RateLimit(opts.AssistLimiter))
		}
		editor.POST("/assist", append(assist, h.Editor.Assist)...)
	}

	return r
}
