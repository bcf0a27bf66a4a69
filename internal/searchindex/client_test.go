package searchindex

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

func ticket() *model.SupportTicket {
	return &model.SupportTicket{
		ID:           3,
		TicketNumber: "TKT-20240101-0003",
		Subject:      "Refund",
		Status:       model.TicketStatusOpen,
		Priority:     model.TicketPriorityMedium,
	}
}

func TestIndexTicket_PostsPayload(t *testing.T) {
	var got IndexTicketPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/search/index/ticket" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := jsoniter.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	if err := c.IndexTicket(context.Background(), ticket(), "still broken"); err != nil {
		t.Fatalf("IndexTicket() error = %v", err)
	}
	if got.TicketID != 3 || got.TicketNumber != "TKT-20240101-0003" || got.LastMessage != "still broken" {
		t.Errorf("payload = %+v", got)
	}
}

func TestIndexTicket_Disabled(t *testing.T) {
	c := NewClient("", zap.NewNop())
	if err := c.IndexTicket(context.Background(), ticket(), ""); !errors.Is(err, ErrDisabled) {
		t.Errorf("IndexTicket() error = %v, want ErrDisabled", err)
	}
	c.IndexTicketAsync(ticket(), "")
}

func TestIndexTicket_BreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zap.NewNop())
	for i := 0; i < 5; i++ {
		if err := c.IndexTicket(context.Background(), ticket(), ""); err == nil {
			t.Fatal("expected error from failing server")
		}
	}
	err := c.IndexTicket(context.Background(), ticket(), "")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want open breaker", err)
	}
	if n := calls.Load(); n != 5 {
		t.Errorf("server calls = %d, want 5", n)
	}
}
