package feed

import (
	"slices"
	"time"

	"github.com/guregu/null/v5"
	"github.com/psds-microservice/support-chat-service/internal/model"
)

// Entry is one line of the conversation as the client sees it. Pending entries are optimistic
// rows not yet acknowledged by the server; their Message.ID is zero.
type Entry struct {
	Message model.TicketMessage
	TempID  string
	Pending bool
}

// State is the client view of one ticket. Every Apply method is a pure transition that reports
// whether anything changed.
type State struct {
	Ticket  model.SupportTicket
	Entries []Entry
}

// Clone returns a copy that shares nothing mutable with s.
func (s *State) Clone() State {
	out := State{Ticket: s.Ticket, Entries: slices.Clone(s.Entries)}
	if s.Ticket.ClosedAt != nil {
		at := *s.Ticket.ClosedAt
		out.Ticket.ClosedAt = &at
	}
	return out
}

// AddPending appends an optimistic entry for a message being sent.
func (s *State) AddPending(tempID, text string, isAdmin bool, at time.Time) {
	s.Entries = append(s.Entries, Entry{
		Message: model.TicketMessage{
			TicketID:        s.Ticket.ID,
			Message:         text,
			IsAdmin:         isAdmin,
			ClientMessageID: null.StringFrom(tempID),
			CreatedAt:       at,
		},
		TempID:  tempID,
		Pending: true,
	})
	s.sort()
}

// ApplyInsert adds a server row unless its id is already present. A pending entry carrying the
// same client message id is replaced by the row.
func (s *State) ApplyInsert(row model.TicketMessage) bool {
	if row.TicketID != 0 && s.Ticket.ID != 0 && row.TicketID != s.Ticket.ID {
		return false
	}
	if s.indexOfID(row.ID) >= 0 {
		return false
	}
	if row.ClientMessageID.Valid {
		if i := s.indexOfTemp(row.ClientMessageID.String); i >= 0 {
			s.Entries[i] = Entry{Message: row}
			s.sort()
			return true
		}
	}
	s.Entries = append(s.Entries, Entry{Message: row})
	s.sort()
	return true
}

// ApplyConfirm swaps the pending entry for the stored row. When the row already arrived through
// another path the pending entry is just dropped.
func (s *State) ApplyConfirm(tempID string, row model.TicketMessage) bool {
	i := s.indexOfTemp(tempID)
	if s.indexOfID(row.ID) >= 0 {
		if i < 0 {
			return false
		}
		s.Entries = slices.Delete(s.Entries, i, i+1)
		return true
	}
	if i < 0 {
		s.Entries = append(s.Entries, Entry{Message: row})
	} else {
		s.Entries[i] = Entry{Message: row}
	}
	s.sort()
	return true
}

// ApplyRollback removes a failed optimistic entry.
func (s *State) ApplyRollback(tempID string) bool {
	i := s.indexOfTemp(tempID)
	if i < 0 {
		return false
	}
	s.Entries = slices.Delete(s.Entries, i, i+1)
	return true
}

// ApplySnapshot replaces every confirmed entry with rows. Pending entries survive unless rows
// already holds their client message id.
func (s *State) ApplySnapshot(rows []model.TicketMessage) bool {
	next := make([]Entry, 0, len(rows)+1)
	seenTemp := make(map[string]bool)
	for _, r := range rows {
		next = append(next, Entry{Message: r})
		if r.ClientMessageID.Valid {
			seenTemp[r.ClientMessageID.String] = true
		}
	}
	for _, e := range s.Entries {
		if e.Pending && !seenTemp[e.TempID] {
			next = append(next, e)
		}
	}
	sortEntries(next)
	if entriesEqual(s.Entries, next) {
		return false
	}
	s.Entries = next
	return true
}

// ApplyTicket merges the non-zero fields of t into the local ticket. ClosedAt is taken as-is
// whenever t carries a status.
func (s *State) ApplyTicket(t model.SupportTicket) bool {
	if t.ID != 0 && s.Ticket.ID != 0 && t.ID != s.Ticket.ID {
		return false
	}
	before := s.Ticket
	cur := &s.Ticket
	if t.ID != 0 {
		cur.ID = t.ID
	}
	if t.TicketNumber != "" {
		cur.TicketNumber = t.TicketNumber
	}
	if t.Subject != "" {
		cur.Subject = t.Subject
	}
	if t.Status != "" {
		cur.Status = t.Status
		// closed_at travels with the status; a reopened ticket clears it.
		cur.ClosedAt = nil
		if t.ClosedAt != nil {
			at := *t.ClosedAt
			cur.ClosedAt = &at
		}
	}
	if t.Priority != "" {
		cur.Priority = t.Priority
	}
	if t.Category != "" {
		cur.Category = t.Category
	}
	if t.GuestName.Valid {
		cur.GuestName = t.GuestName
	}
	if t.GuestEmail.Valid {
		cur.GuestEmail = t.GuestEmail
	}
	if t.UserID.Valid {
		cur.UserID = t.UserID
	}
	if !t.CreatedAt.IsZero() {
		cur.CreatedAt = t.CreatedAt
	}
	if !t.UpdatedAt.IsZero() {
		cur.UpdatedAt = t.UpdatedAt
	}
	return !ticketsEqual(before, *cur)
}

// setStatus is the local half of the auto-reopen rule.
func (s *State) setStatus(st model.TicketStatus) bool {
	if s.Ticket.Status == st {
		return false
	}
	s.Ticket.Status = st
	return true
}

func (s *State) indexOfID(id uint64) int {
	if id == 0 {
		return -1
	}
	for i, e := range s.Entries {
		if !e.Pending && e.Message.ID == id {
			return i
		}
	}
	return -1
}

func (s *State) indexOfTemp(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, e := range s.Entries {
		if e.Pending && e.TempID == tempID {
			return i
		}
	}
	return -1
}

func (s *State) sort() {
	sortEntries(s.Entries)
}

// sortEntries orders by created_at; on equal times confirmed rows come first, by id.
func sortEntries(es []Entry) {
	slices.SortStableFunc(es, func(a, b Entry) int {
		if c := a.Message.CreatedAt.Compare(b.Message.CreatedAt); c != 0 {
			return c
		}
		if a.Pending != b.Pending {
			if a.Pending {
				return 1
			}
			return -1
		}
		switch {
		case a.Message.ID < b.Message.ID:
			return -1
		case a.Message.ID > b.Message.ID:
			return 1
		}
		return 0
	})
}

func entriesEqual(a, b []Entry) bool {
	return slices.EqualFunc(a, b, func(x, y Entry) bool {
		return x.TempID == y.TempID &&
			x.Pending == y.Pending &&
			messagesEqual(x.Message, y.Message)
	})
}

func messagesEqual(a, b model.TicketMessage) bool {
	return a.ID == b.ID &&
		a.TicketID == b.TicketID &&
		a.Message == b.Message &&
		a.IsAdmin == b.IsAdmin &&
		a.SenderID == b.SenderID &&
		a.ClientMessageID == b.ClientMessageID &&
		a.CreatedAt.Equal(b.CreatedAt)
}

func ticketsEqual(a, b model.SupportTicket) bool {
	closedEqual := (a.ClosedAt == nil) == (b.ClosedAt == nil) &&
		(a.ClosedAt == nil || a.ClosedAt.Equal(*b.ClosedAt))
	return closedEqual &&
		a.ID == b.ID &&
		a.TicketNumber == b.TicketNumber &&
		a.Subject == b.Subject &&
		a.Status == b.Status &&
		a.Priority == b.Priority &&
		a.Category == b.Category &&
		a.GuestName == b.GuestName &&
		a.GuestEmail == b.GuestEmail &&
		a.UserID == b.UserID &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt)
}
