package kafka

import (
	"context"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/psds-microservice/support-chat-service/internal/metrics"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	EventTicketCreated  = "ticket.created"
	EventTicketUpdated  = "ticket.updated"
	EventMessageCreated = "message.created"
)

// TicketEvent is the record written to the ticket topic.
type TicketEvent struct {
	Event        string    `json:"event"`
	TicketID     uint64    `json:"ticket_id"`
	TicketNumber string    `json:"ticket_number"`
	Subject      string    `json:"subject,omitempty"`
	Status       string    `json:"status"`
	Priority     string    `json:"priority"`
	Category     string    `json:"category,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	MessageID    uint64    `json:"message_id,omitempty"`
	IsAdmin      bool      `json:"is_admin,omitempty"`
	At           time.Time `json:"at"`
}

// NewTicketEvent fills the ticket fields of an event; m is optional.
func NewTicketEvent(event string, t *model.SupportTicket, m *model.TicketMessage) TicketEvent {
	ev := TicketEvent{
		Event:        event,
		TicketID:     t.ID,
		TicketNumber: t.TicketNumber,
		Subject:      t.Subject,
		Status:       string(t.Status),
		Priority:     string(t.Priority),
		Category:     t.Category,
		UserID:       t.UserID.ValueOrZero(),
		At:           time.Now().UTC(),
	}
	if m != nil {
		ev.MessageID = m.ID
		ev.IsAdmin = m.IsAdmin
		ev.At = m.CreatedAt.UTC()
	}
	return ev
}

// TicketEventProducer is what services depend on so tests can record events.
type TicketEventProducer interface {
	ProduceTicketEvent(ctx context.Context, ev TicketEvent)
}

// Producer writes ticket events to Kafka. Writes are asynchronous and best effort: they never
// block or fail the API call that triggered them.
type Producer struct {
	writer *kafka.Writer
	topic  string
	log    *zap.Logger
}

// NewProducer returns a no-op producer when brokers or topic are empty.
func NewProducer(brokers []string, topic string, log *zap.Logger) *Producer {
	p := &Producer{topic: topic, log: log.Named("kafka")}
	if len(brokers) == 0 || topic == "" {
		return p
	}
	p.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion:             p.completed,
	}
	return p
}

func (p *Producer) Enabled() bool {
	return p.writer != nil
}

// ProduceTicketEvent keys the record by ticket id so events of one ticket stay ordered.
func (p *Producer) ProduceTicketEvent(ctx context.Context, ev TicketEvent) {
	if p.writer == nil {
		return
	}
	body, err := jsoniter.Marshal(ev)
	if err != nil {
		p.log.Warn("marshal ticket event", zap.String("event", ev.Event), zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(ev.TicketID, 10)),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Event)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.fail(err, 1)
	}
}

func (p *Producer) completed(messages []kafka.Message, err error) {
	if err != nil {
		p.fail(err, len(messages))
	}
}

func (p *Producer) fail(err error, n int) {
	metrics.SideEffectFailures.WithLabelValues("kafka").Add(float64(n))
	p.log.Warn("write ticket events", zap.String("topic", p.topic), zap.Int("count", n), zap.Error(err))
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
