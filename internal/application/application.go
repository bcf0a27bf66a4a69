package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/support-chat-service/internal/assistant"
	"github.com/psds-microservice/support-chat-service/internal/config"
	"github.com/psds-microservice/support-chat-service/internal/database"
	"github.com/psds-microservice/support-chat-service/internal/handler"
	"github.com/psds-microservice/support-chat-service/internal/kafka"
	"github.com/psds-microservice/support-chat-service/internal/realtime"
	"github.com/psds-microservice/support-chat-service/internal/router"
	"github.com/psds-microservice/support-chat-service/internal/searchindex"
	"github.com/psds-microservice/support-chat-service/internal/service"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// API is the HTTP server with its real-time hub and side channels.
type API struct {
	cfg      *config.Config
	log      *zap.Logger
	db       *gorm.DB
	hub      *realtime.Hub
	bridge   *realtime.NATSBridge
	producer *kafka.Producer
	httpSrv  *http.Server
}

func NewAPI(ctx context.Context, cfg *config.Config, log *zap.Logger) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.AutoMigrate {
		if err := database.MigrateUp(ctx, cfg.DatabaseURL(), database.Migrations(), log.Named("migrate")); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	db, err := database.Open(cfg.DSN(), cfg.LogLevel == "debug")
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	a := &API{cfg: cfg, log: log, db: db}
	a.hub = realtime.NewHub(cfg.InstanceID, log)
	var pub realtime.Publisher = a.hub
	if cfg.NATSURL != "" {
		nc, err := realtime.ConnectNATS(cfg.NATSURL, "support-chat-"+cfg.InstanceID)
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("nats: %w", err)
		}
		if a.bridge, err = realtime.NewNATSBridge(a.hub, nc, log); err != nil {
			nc.Close()
			a.closeResources()
			return nil, fmt.Errorf("nats bridge: %w", err)
		}
		pub = a.bridge
	}
	a.producer = kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicTicket, log)

	deps := service.Deps{
		Realtime: pub,
		Events:   a.producer,
		Search:   searchindex.NewClient(cfg.SearchServiceURL, log),
		Log:      log.Named("service"),
	}
	ticketSvc := service.NewTicketService(db, deps)
	messageSvc := service.NewMessageService(db, deps)

	var gen handler.Generator
	if ai, err := assistant.New(assistant.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.Model,
	}, log); err == nil {
		gen = ai
	} else if !errors.Is(err, assistant.ErrNotConfigured) {
		a.closeResources()
		return nil, fmt.Errorf("assistant: %w", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	h := router.New(router.Handlers{
		Health:   handler.NewHealthHandler(db),
		Tickets:  handler.NewTicketHandler(ticketSvc),
		Messages: handler.NewMessageHandler(ticketSvc, messageSvc),
		WS:       handler.NewWSHandler(ticketSvc, a.hub, pub, cfg.CORSOrigins, log),
		Editor:   handler.NewEditorHandler(gen),
	}, router.Options{
		AdminToken:    cfg.AdminToken,
		CORSOrigins:   cfg.CORSOrigins,
		AssistLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
		Logger:        log,
	})

	a.httpSrv = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return a, nil
}

// Run serves until ctx ends, then shuts down gracefully.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	a.log.Info("HTTP server listening",
		zap.String("addr", a.httpSrv.Addr),
		zap.String("swagger", base+"/swagger"),
		zap.String("health", base+"/health"),
		zap.String("metrics", base+"/metrics"),
		zap.String("api", base+"/api/v1/"),
		zap.Bool("nats", a.bridge != nil),
		zap.Bool("kafka", a.producer.Enabled()),
	)

	errc := make(chan error, 1)
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errc:
		if ok {
			runErr = fmt.Errorf("http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Closing the hub ends every WebSocket session; Shutdown does not track hijacked conns.
	a.hub.Close()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("http shutdown: %w", err)
	}
	a.closeResources()
	a.log.Info("HTTP server stopped")
	return runErr
}

func (a *API) closeResources() {
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.log.Warn("close nats bridge", zap.Error(err))
		}
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.log.Warn("close kafka producer", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			a.log.Warn("close database", zap.Error(err))
		}
	}
}
