package handler

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/psds-microservice/support-chat-service/internal/middleware"
	"github.com/psds-microservice/support-chat-service/internal/realtime"
	"github.com/psds-microservice/support-chat-service/internal/service"
	"go.uber.org/zap"
)

// WSHandler upgrades GET /tickets/:ref/ws into a ticket event stream.
type WSHandler struct {
	tickets  service.TicketServicer
	hub      *realtime.Hub
	pub      realtime.Publisher
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewWSHandler subscribes on hub and forwards client broadcasts through pub, which is the
// NATS bridge when one is configured.
func NewWSHandler(tickets service.TicketServicer, hub *realtime.Hub, pub realtime.Publisher, origins []string, log *zap.Logger) *WSHandler {
	return &WSHandler{
		tickets: tickets,
		hub:     hub,
		pub:     pub,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
}

// originChecker allows requests without Origin (non-browser clients), any origin for "*",
// otherwise exact matches.
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed["*"] {
			return true
		}
		if allowed[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

func (h *WSHandler) Stream(c *gin.Context) {
	t, ok := loadTicket(c, h.tickets)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	sub := h.hub.Subscribe(realtime.TicketChannels(t.ID)...)
	isAdmin := middleware.CallerFrom(c).IsAdmin
	realtime.NewTicketSession(conn, sub, h.pub, t.ID, isAdmin, h.log).Serve(c.Request.Context())
}
