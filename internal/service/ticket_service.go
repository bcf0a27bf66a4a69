package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v5"
	"github.com/psds-microservice/support-chat-service/internal/errs"
	"github.com/psds-microservice/support-chat-service/internal/kafka"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"gorm.io/gorm"
)

const maxNumberAttempts = 5

// TicketServicer is the ticket record API used by the HTTP handlers.
type TicketServicer interface {
	Create(ctx context.Context, in CreateTicketInput) (*model.SupportTicket, error)
	GetByRef(ctx context.Context, ref string) (*model.SupportTicket, error)
	List(ctx context.Context, filter TicketFilter, limit, offset int) ([]model.SupportTicket, int64, error)
	Update(ctx context.Context, id uint64, changes TicketChanges) (*model.SupportTicket, error)
	UpdateStatus(ctx context.Context, id uint64, status model.TicketStatus) (*model.SupportTicket, error)
}

type CreateTicketInput struct {
	Subject    string
	Category   string
	Priority   string
	GuestName  string
	GuestEmail string
	UserID     string
	// Message is an optional first customer message stored with the ticket.
	Message string
}

type TicketFilter struct {
	Status   string
	Priority string
	Category string
	UserID   string
}

// TicketChanges holds the admin-editable fields; nil means unchanged.
type TicketChanges struct {
	Status   *string
	Priority *string
	Category *string
	Subject  *string
}

type TicketService struct {
	db     *gorm.DB
	notify notifier
	now    func() time.Time
}

func NewTicketService(db *gorm.DB, deps Deps) *TicketService {
	return &TicketService{db: db, notify: newNotifier(deps), now: utcNow}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

func optional(s string) null.String {
	s = strings.TrimSpace(s)
	return null.NewString(s, s != "")
}

func (s *TicketService) Create(ctx context.Context, in CreateTicketInput) (*model.SupportTicket, error) {
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", errs.ErrInvalidInput)
	}
	priority, err := model.ParsePriority(in.Priority)
	if err != nil {
		return nil, err
	}
	t := &model.SupportTicket{
		Subject:    subject,
		Status:     model.TicketStatusOpen,
		Priority:   priority,
		Category:   strings.TrimSpace(in.Category),
		GuestName:  optional(in.GuestName),
		GuestEmail: optional(in.GuestEmail),
		UserID:     optional(in.UserID),
	}
	if err := t.ValidateRequester(); err != nil {
		return nil, err
	}

	var first *model.TicketMessage
	day := s.now()
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		first = nil
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			seq, err := nextSequence(tx, day)
			if err != nil {
				return err
			}
			t.ID = 0
			t.TicketNumber = model.FormatTicketNumber(day, seq+attempt)
			if err := tx.Create(t).Error; err != nil {
				return err
			}
			if text := strings.TrimSpace(in.Message); text != "" {
				first = &model.TicketMessage{TicketID: t.ID, Message: in.Message, SenderID: t.UserID}
				return tx.Create(first).Error
			}
			return nil
		})
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}

	s.notify.event(ctx, kafka.EventTicketCreated, t, nil)
	if first != nil {
		s.notify.event(ctx, kafka.EventMessageCreated, t, first)
		s.notify.index(t, first.Message)
	} else {
		s.notify.index(t, "")
	}
	return t, nil
}

// nextSequence is the 1-based position of a new ticket within its UTC day.
func nextSequence(tx *gorm.DB, day time.Time) (int, error) {
	var n int64
	prefix := strings.TrimSuffix(model.FormatTicketNumber(day, 0), "0000")
	if err := tx.Model(&model.SupportTicket{}).Where("ticket_number LIKE ?", prefix+"%").Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count tickets of day: %w", err)
	}
	return int(n) + 1, nil
}

// GetByRef resolves a numeric id or a ticket number.
func (s *TicketService) GetByRef(ctx context.Context, ref string) (*model.SupportTicket, error) {
	ref = strings.TrimSpace(ref)
	var t model.SupportTicket
	q := s.db.WithContext(ctx)
	switch {
	case model.IsTicketNumber(ref):
		q = q.Where("ticket_number = ?", ref)
	default:
		id, err := strconv.ParseUint(ref, 10, 64)
		if err != nil || id == 0 {
			return nil, errs.ErrTicketNotFound
		}
		q = q.Where("id = ?", id)
	}
	if err := q.First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *TicketService) get(ctx context.Context, id uint64) (*model.SupportTicket, error) {
	var t model.SupportTicket
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrTicketNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *TicketService) List(ctx context.Context, filter TicketFilter, limit, offset int) ([]model.SupportTicket, int64, error) {
	var items []model.SupportTicket
	var total int64
	tx := s.db.WithContext(ctx).Model(&model.SupportTicket{})
	if filter.Status != "" {
		st, err := model.ParseStatus(filter.Status)
		if err != nil {
			return nil, 0, err
		}
		tx = tx.Where("status = ?", st)
	}
	if filter.Priority != "" {
		p, err := model.ParsePriority(filter.Priority)
		if err != nil {
			return nil, 0, err
		}
		tx = tx.Where("priority = ?", p)
	}
	if filter.Category != "" {
		tx = tx.Where("category = ?", filter.Category)
	}
	if filter.UserID != "" {
		tx = tx.Where("user_id = ?", filter.UserID)
	}
	// Count total before pagination
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if offset > 0 {
		tx = tx.Offset(offset)
	}
	if err := tx.Order("created_at DESC").Order("id DESC").Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Update applies admin changes; the last writer wins. Closing stamps closed_at, any other
// status clears it.
func (s *TicketService) Update(ctx context.Context, id uint64, changes TicketChanges) (*model.SupportTicket, error) {
	t, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if changes.Status != nil {
		st, err := model.ParseStatus(*changes.Status)
		if err != nil {
			return nil, err
		}
		updates["status"] = st
		if st == model.TicketStatusClosed {
			if t.ClosedAt == nil {
				updates["closed_at"] = s.now()
			}
		} else {
			updates["closed_at"] = nil
		}
	}
	if changes.Priority != nil {
		p, err := model.ParsePriority(*changes.Priority)
		if err != nil {
			return nil, err
		}
		updates["priority"] = p
	}
	if changes.Category != nil {
		updates["category"] = strings.TrimSpace(*changes.Category)
	}
	if changes.Subject != nil {
		subject := strings.TrimSpace(*changes.Subject)
		if subject == "" {
			return nil, fmt.Errorf("%w: subject must not be empty", errs.ErrInvalidInput)
		}
		updates["subject"] = subject
	}
	if len(updates) == 0 {
		return t, nil
	}
	if err := s.db.WithContext(ctx).Model(t).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update ticket %d: %w", id, err)
	}
	// Reload so the event carries the stored row.
	if t, err = s.get(ctx, id); err != nil {
		return nil, err
	}

	s.notify.ticketUpdated(ctx, t)
	s.notify.event(ctx, kafka.EventTicketUpdated, t, nil)
	s.notify.index(t, "")
	return t, nil
}

func (s *TicketService) UpdateStatus(ctx context.Context, id uint64, status model.TicketStatus) (*model.SupportTicket, error) {
	st := string(status)
	return s.Update(ctx, id, TicketChanges{Status: &st})
}
