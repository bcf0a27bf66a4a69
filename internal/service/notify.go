package service

import (
	"context"

	"github.com/psds-microservice/support-chat-service/internal/kafka"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/psds-microservice/support-chat-service/internal/realtime"
	"github.com/psds-microservice/support-chat-service/internal/searchindex"
	"go.uber.org/zap"
)

// Deps are the side channels notified after a commit. Nil fields are skipped. None of them
// can fail a request.
type Deps struct {
	Realtime realtime.Publisher
	Events   kafka.TicketEventProducer
	Search   searchindex.Indexer
	Log      *zap.Logger
}

type notifier struct {
	Deps
}

func newNotifier(d Deps) notifier {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return notifier{Deps: d}
}

func (n notifier) messageInserted(ctx context.Context, m *model.TicketMessage) {
	if n.Realtime == nil {
		return
	}
	ev, err := realtime.NewInsert(realtime.MessagesChannel(m.TicketID), m)
	if err == nil {
		err = n.Realtime.Publish(ctx, ev)
	}
	if err != nil {
		n.Log.Warn("publish message insert", zap.Uint64("ticket_id", m.TicketID), zap.Error(err))
	}
}

func (n notifier) ticketUpdated(ctx context.Context, t *model.SupportTicket) {
	if n.Realtime == nil {
		return
	}
	ev, err := realtime.NewUpdate(realtime.StatusChannel(t.ID), t)
	if err == nil {
		err = n.Realtime.Publish(ctx, ev)
	}
	if err != nil {
		n.Log.Warn("publish ticket update", zap.Uint64("ticket_id", t.ID), zap.Error(err))
	}
}

func (n notifier) event(ctx context.Context, name string, t *model.SupportTicket, m *model.TicketMessage) {
	if n.Events != nil {
		n.Events.ProduceTicketEvent(ctx, kafka.NewTicketEvent(name, t, m))
	}
}

func (n notifier) index(t *model.SupportTicket, lastMessage string) {
	if n.Search != nil {
		n.Search.IndexTicketAsync(t, lastMessage)
	}
}
