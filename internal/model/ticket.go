package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v5"
	"github.com/psds-microservice/support-chat-service/internal/errs"
)

type TicketStatus string

const (
	TicketStatusOpen            TicketStatus = "open"
	TicketStatusInProgress      TicketStatus = "in_progress"
	TicketStatusWaitingCustomer TicketStatus = "waiting_customer"
	TicketStatusWaitingInternal TicketStatus = "waiting_internal"
	TicketStatusResolved        TicketStatus = "resolved"
	TicketStatusClosed          TicketStatus = "closed"
)

var ticketStatuses = map[TicketStatus]bool{
	TicketStatusOpen:            true,
	TicketStatusInProgress:      true,
	TicketStatusWaitingCustomer: true,
	TicketStatusWaitingInternal: true,
	TicketStatusResolved:        true,
	TicketStatusClosed:          true,
}

// ParseStatus accepts only the six lifecycle values.
func ParseStatus(s string) (TicketStatus, error) {
	st := TicketStatus(strings.TrimSpace(s))
	if !ticketStatuses[st] {
		return "", fmt.Errorf("%w: %q", errs.ErrInvalidStatus, s)
	}
	return st, nil
}

// AcceptsReplies reports whether new messages may be appended.
func (s TicketStatus) AcceptsReplies() bool {
	return s != TicketStatusClosed
}

// IsTerminal is true for closed tickets.
func (s TicketStatus) IsTerminal() bool {
	return s == TicketStatusClosed
}

// AfterCustomerReply returns the status a ticket moves to when the customer writes.
// A reply to a ticket that waits on the customer or was resolved reopens it.
func (s TicketStatus) AfterCustomerReply() TicketStatus {
	switch s {
	case TicketStatusWaitingCustomer, TicketStatusResolved:
		return TicketStatusOpen
	default:
		return s
	}
}

type TicketPriority string

const (
	TicketPriorityLow      TicketPriority = "low"
	TicketPriorityMedium   TicketPriority = "medium"
	TicketPriorityHigh     TicketPriority = "high"
	TicketPriorityUrgent   TicketPriority = "urgent"
	TicketPriorityCritical TicketPriority = "critical"
)

// ParsePriority defaults an empty value to medium.
func ParsePriority(s string) (TicketPriority, error) {
	p := TicketPriority(strings.TrimSpace(s))
	switch p {
	case "":
		return TicketPriorityMedium, nil
	case TicketPriorityLow, TicketPriorityMedium, TicketPriorityHigh, TicketPriorityUrgent, TicketPriorityCritical:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", errs.ErrInvalidPriority, s)
}

type SupportTicket struct {
	ID           uint64         `gorm:"primaryKey" json:"id"`
	TicketNumber string         `gorm:"type:varchar(32);uniqueIndex;not null" json:"ticket_number"`
	Subject      string         `gorm:"type:varchar(255);not null" json:"subject"`
	Status       TicketStatus   `gorm:"type:varchar(32);index;not null" json:"status"`
	Priority     TicketPriority `gorm:"type:varchar(32);index;not null" json:"priority"`
	Category     string         `gorm:"type:varchar(64);index" json:"category,omitempty"`
	GuestName    null.String    `gorm:"type:varchar(255)" json:"guest_name"`
	GuestEmail   null.String    `gorm:"type:varchar(255)" json:"guest_email"`
	UserID       null.String    `gorm:"type:varchar(64);index" json:"user_id"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

func (SupportTicket) TableName() string {
	return "support_tickets"
}

// ValidateRequester enforces that exactly one of guest contact or user id identifies the requester.
func (t *SupportTicket) ValidateRequester() error {
	hasUser := strings.TrimSpace(t.UserID.ValueOrZero()) != ""
	hasGuest := strings.TrimSpace(t.GuestName.ValueOrZero()) != "" && strings.TrimSpace(t.GuestEmail.ValueOrZero()) != ""
	hasPartialGuest := t.GuestName.Valid || t.GuestEmail.Valid
	switch {
	case hasUser && !hasPartialGuest:
		return nil
	case hasGuest && !hasUser:
		return nil
	default:
		return errs.ErrInvalidRequester
	}
}

// OwnedBy reports whether callerID is the registered user behind the ticket.
func (t *SupportTicket) OwnedBy(callerID string) bool {
	return callerID != "" && t.UserID.Valid && t.UserID.String == callerID
}

// FormatTicketNumber renders the human-readable code, e.g. TKT-20240101-0001.
func FormatTicketNumber(day time.Time, seq int) string {
	return fmt.Sprintf("TKT-%s-%04d", day.UTC().Format("20060102"), seq)
}

// IsTicketNumber is a cheap shape check used to tell numbers from numeric ids.
func IsTicketNumber(ref string) bool {
	return strings.HasPrefix(ref, "TKT-")
}
