package model

import (
	"time"

	"github.com/guregu/null/v5"
)

// TicketMessage is one append-only entry of a ticket conversation.
type TicketMessage struct {
	ID              uint64      `gorm:"primaryKey" json:"id"`
	TicketID        uint64      `gorm:"index:idx_ticket_messages_ticket_created,priority:1;not null" json:"ticket_id"`
	Message         string      `gorm:"type:text;not null" json:"message"`
	IsAdmin         bool        `gorm:"not null;default:false" json:"is_admin"`
	SenderID        null.String `gorm:"type:varchar(64)" json:"sender_id"`
	ClientMessageID null.String `gorm:"type:varchar(64);index" json:"client_message_id"`
	CreatedAt       time.Time   `gorm:"index:idx_ticket_messages_ticket_created,priority:2" json:"created_at"`
}

func (TicketMessage) TableName() string {
	return "ticket_messages"
}

// Before orders messages by creation time, then id.
func (m *TicketMessage) Before(o *TicketMessage) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}
