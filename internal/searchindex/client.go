// Package searchindex pushes tickets to the search service for full-text indexing.
package searchindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/psds-microservice/support-chat-service/internal/metrics"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrDisabled is returned by IndexTicket when no search service is configured.
var ErrDisabled = errors.New("searchindex: disabled")

// Indexer is what services depend on.
type Indexer interface {
	IndexTicketAsync(t *model.SupportTicket, lastMessage string)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[struct{}]
	log        *zap.Logger
}

// NewClient returns a client whose calls are no-ops when baseURL is empty. After five
// consecutive failures calls are skipped for 30s.
func NewClient(baseURL string, log *zap.Logger) *Client {
	log = log.Named("searchindex")
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log,
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:    "searchindex",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info("circuit breaker state", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

// IndexTicketPayload is the body of POST /search/index/ticket.
type IndexTicketPayload struct {
	TicketID     uint64 `json:"ticket_id"`
	TicketNumber string `json:"ticket_number"`
	Subject      string `json:"subject"`
	Status       string `json:"status"`
	Priority     string `json:"priority"`
	Category     string `json:"category,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	GuestEmail   string `json:"guest_email,omitempty"`
	LastMessage  string `json:"last_message,omitempty"`
}

func NewPayload(t *model.SupportTicket, lastMessage string) IndexTicketPayload {
	return IndexTicketPayload{
		TicketID:     t.ID,
		TicketNumber: t.TicketNumber,
		Subject:      t.Subject,
		Status:       string(t.Status),
		Priority:     string(t.Priority),
		Category:     t.Category,
		UserID:       t.UserID.ValueOrZero(),
		GuestEmail:   t.GuestEmail.ValueOrZero(),
		LastMessage:  lastMessage,
	}
}

func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// IndexTicket sends one ticket synchronously.
func (c *Client) IndexTicket(ctx context.Context, t *model.SupportTicket, lastMessage string) error {
	if c.baseURL == "" {
		return ErrDisabled
	}
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.post(ctx, NewPayload(t, lastMessage))
	})
	return err
}

func (c *Client) post(ctx context.Context, payload IndexTicketPayload) error {
	body, err := jsoniter.Marshal(payload)
	if err != nil {
		return fmt.Errorf("searchindex: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search/index/ticket", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("searchindex: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("searchindex: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("searchindex: status %d for ticket %d", resp.StatusCode, payload.TicketID)
	}
	return nil
}

// IndexTicketAsync indexes in a goroutine so the API response is not delayed.
func (c *Client) IndexTicketAsync(t *model.SupportTicket, lastMessage string) {
	if c.baseURL == "" {
		return
	}
	snapshot := *t
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.IndexTicket(ctx, &snapshot, lastMessage); err != nil {
			metrics.SideEffectFailures.WithLabelValues("search").Inc()
			c.log.Warn("index ticket", zap.Uint64("ticket_id", snapshot.ID), zap.Error(err))
		}
	}()
}
