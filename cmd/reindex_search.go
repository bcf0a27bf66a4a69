package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psds-microservice/support-chat-service/internal/database"
	"github.com/psds-microservice/support-chat-service/internal/kafka"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/psds-microservice/support-chat-service/internal/searchindex"
	"github.com/sony/gobreaker/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reindexBatchSize = 100

var reindexSearchCmd = &cobra.Command{
	Use:   "reindex-search",
	Short: "Reindex all tickets into search. Prefers Kafka; falls back to HTTP if SEARCH_SERVICE_URL is set.",
	RunE:  runReindexSearch,
}

// indexFunc receives every ticket with the text of its latest message.
type indexFunc func(ctx context.Context, t *model.SupportTicket, lastMessage string) error

func runReindexSearch(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	conn, err := database.Open(cfg.DSN(), false)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close(conn) }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	var index indexFunc
	switch {
	case len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopicTicket != "":
		log.Info("reindex-search: using Kafka", zap.String("topic", cfg.KafkaTopicTicket))
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicTicket, log)
		defer func() { _ = producer.Close() }()
		index = func(ctx context.Context, t *model.SupportTicket, _ string) error {
			producer.ProduceTicketEvent(ctx, kafka.NewTicketEvent(kafka.EventTicketUpdated, t, nil))
			return nil
		}
	case cfg.SearchServiceURL != "":
		log.Info("reindex-search: using HTTP", zap.String("url", cfg.SearchServiceURL))
		index = searchindex.NewClient(cfg.SearchServiceURL, log).IndexTicket
	default:
		log.Warn("reindex-search: neither KAFKA_BROKERS nor SEARCH_SERVICE_URL set, nothing to do")
		return nil
	}

	n, err := reindexTickets(ctx, conn, index, log)
	if err != nil {
		return err
	}
	log.Info("reindex-search: done", zap.Int("tickets", n))
	return nil
}

// reindexTickets walks tickets in id order. A failing ticket is logged and skipped; the walk
// stops only on database errors, cancellation or an open search breaker.
func reindexTickets(ctx context.Context, db *gorm.DB, index indexFunc, log *zap.Logger) (int, error) {
	var (
		tickets []model.SupportTicket
		done    int
		failed  int
	)
	res := db.WithContext(ctx).FindInBatches(&tickets, reindexBatchSize, func(tx *gorm.DB, batch int) error {
		for i := range tickets {
			t := &tickets[i]
			var last model.TicketMessage
			if err := db.WithContext(ctx).Where("ticket_id = ?", t.ID).
				Order("created_at DESC, id DESC").Limit(1).Find(&last).Error; err != nil {
				return fmt.Errorf("latest message of ticket %d: %w", t.ID, err)
			}
			if err := index(ctx, t, last.Message); err != nil {
				if ctx.Err() != nil || errors.Is(err, gobreaker.ErrOpenState) {
					return err
				}
				failed++
				log.Warn("reindex-search: ticket failed", zap.Uint64("ticket_id", t.ID), zap.Error(err))
				continue
			}
			done++
		}
		log.Info("reindex-search: progress", zap.Int("batch", batch), zap.Int("indexed", done), zap.Int("failed", failed))
		return nil
	})
	if res.Error != nil {
		return done, fmt.Errorf("reindex-search: %w", res.Error)
	}
	return done, nil
}
