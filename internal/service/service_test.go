package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/psds-microservice/support-chat-service/internal/kafka"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/psds-microservice/support-chat-service/internal/realtime"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("Failed to connect database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	// every pooled connection would otherwise open its own empty in-memory database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&model.SupportTicket{}, &model.TicketMessage{}); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

type recorder struct {
	mu      sync.Mutex
	events  []realtime.Event
	kafka   []kafka.TicketEvent
	indexed []string
}

func (r *recorder) Publish(_ context.Context, ev realtime.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ProduceTicketEvent(_ context.Context, ev kafka.TicketEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kafka = append(r.kafka, ev)
}

func (r *recorder) IndexTicketAsync(t *model.SupportTicket, lastMessage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, t.TicketNumber)
}

func (r *recorder) deps() Deps {
	return Deps{Realtime: r, Events: r, Search: r}
}

func (r *recorder) channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Channel+":"+string(ev.Kind))
	}
	return out
}

func (r *recorder) kafkaNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.kafka))
	for _, ev := range r.kafka {
		out = append(out, ev.Event)
	}
	return out
}

var day = time.Date(2024, 1, 1, 15, 4, 5, 0, time.UTC)

func seedTicket(t *testing.T, db *gorm.DB, number string, status model.TicketStatus) *model.SupportTicket {
	t.Helper()
	ticket := &model.SupportTicket{
		TicketNumber: number,
		Subject:      "Cannot log in",
		Status:       status,
		Priority:     model.TicketPriorityMedium,
		UserID:       optional("user-1"),
		CreatedAt:    day,
		UpdatedAt:    day,
	}
	if err := db.Create(ticket).Error; err != nil {
		t.Fatalf("seed ticket: %v", err)
	}
	return ticket
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
