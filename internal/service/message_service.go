package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/psds-microservice/support-chat-service/internal/errs"
	"github.com/psds-microservice/support-chat-service/internal/kafka"
	"github.com/psds-microservice/support-chat-service/internal/metrics"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageServicer interface {
	List(ctx context.Context, ticketID uint64) ([]model.TicketMessage, error)
	Send(ctx context.Context, ticketID uint64, in SendInput) (*SendResult, error)
}

type SendInput struct {
	Message  string
	IsAdmin  bool
	SenderID string
	// ClientMessageID is the sender's temporary id. A repeated send with the same id returns
	// the stored row instead of inserting again.
	ClientMessageID string
}

type SendResult struct {
	Message  *model.TicketMessage
	Ticket   *model.SupportTicket
	Reopened bool
}

type MessageService struct {
	db     *gorm.DB
	notify notifier
}

func NewMessageService(db *gorm.DB, deps Deps) *MessageService {
	return &MessageService{db: db, notify: newNotifier(deps)}
}

// List returns the conversation oldest first.
func (s *MessageService) List(ctx context.Context, ticketID uint64) ([]model.TicketMessage, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.SupportTicket{}).Where("id = ?", ticketID).Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errs.ErrTicketNotFound
	}
	var items []model.TicketMessage
	err := s.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC").Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return items, nil
}

// Send appends a message. The closed check, the insert and the reopen rule run in one
// transaction; notifications go out after commit.
func (s *MessageService) Send(ctx context.Context, ticketID uint64, in SendInput) (*SendResult, error) {
	if strings.TrimSpace(in.Message) == "" {
		return nil, errs.ErrEmptyMessage
	}
	res := &SendResult{}
	duplicate := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.SupportTicket
		if err := lockForUpdate(tx).First(&t, ticketID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errs.ErrTicketNotFound
			}
			return err
		}
		res.Ticket = &t

		if in.ClientMessageID != "" {
			var prev model.TicketMessage
			err := tx.Where("ticket_id = ? AND client_message_id = ?", ticketID, in.ClientMessageID).
				Limit(1).Find(&prev).Error
			if err != nil {
				return err
			}
			if prev.ID != 0 {
				res.Message = &prev
				duplicate = true
				return nil
			}
		}
		if !t.Status.AcceptsReplies() {
			return errs.ErrTicketClosed
		}

		m := &model.TicketMessage{
			TicketID:        ticketID,
			Message:         in.Message,
			IsAdmin:         in.IsAdmin,
			SenderID:        optional(in.SenderID),
			ClientMessageID: optional(in.ClientMessageID),
		}
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		res.Message = m

		updates := map[string]interface{}{"updated_at": m.CreatedAt}
		next := t.Status
		if !in.IsAdmin {
			next = t.Status.AfterCustomerReply()
		}
		if next != t.Status {
			updates["status"] = next
			res.Reopened = true
		}
		if err := tx.Model(&t).Updates(updates).Error; err != nil {
			return err
		}
		t.Status, t.UpdatedAt = next, m.CreatedAt
		return nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrTicketNotFound) || errors.Is(err, errs.ErrTicketClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("send message: %w", err)
	}
	if duplicate {
		return res, nil
	}

	metrics.MessagesSentTotal.WithLabelValues(metrics.Sender(in.IsAdmin)).Inc()
	if res.Reopened {
		metrics.TicketReopenedTotal.Inc()
		s.notify.Log.Info("ticket reopened by customer reply", zap.Uint64("ticket_id", ticketID))
	}
	s.notify.messageInserted(ctx, res.Message)
	s.notify.ticketUpdated(ctx, res.Ticket)
	s.notify.event(ctx, kafka.EventMessageCreated, res.Ticket, res.Message)
	s.notify.index(res.Ticket, res.Message.Message)
	return res, nil
}

// lockForUpdate serializes concurrent sends on one ticket. SQLite has no row locks and
// runs write transactions one at a time anyway.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
