package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psds-microservice/support-chat-service/internal/errs"
	"github.com/psds-microservice/support-chat-service/internal/model"
)

func newTicketService(t *testing.T) (*TicketService, *recorder) {
	rec := &recorder{}
	svc := NewTicketService(setupTestDB(t), rec.deps())
	svc.now = func() time.Time { return day }
	return svc, rec
}

func TestTicketService_CreateNumbersPerDay(t *testing.T) {
	svc, rec := newTicketService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateTicketInput{Subject: "Login", GuestName: "Ann", GuestEmail: "ann@example.com"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second, err := svc.Create(ctx, CreateTicketInput{Subject: "Billing", UserID: "user-2", Priority: "urgent"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if first.TicketNumber != "TKT-20240101-0001" || second.TicketNumber != "TKT-20240101-0002" {
		t.Errorf("numbers = %s, %s", first.TicketNumber, second.TicketNumber)
	}
	if first.Status != model.TicketStatusOpen || first.Priority != model.TicketPriorityMedium {
		t.Errorf("defaults = %s/%s", first.Status, first.Priority)
	}
	if second.Priority != model.TicketPriorityUrgent {
		t.Errorf("priority = %s", second.Priority)
	}

	svc.now = func() time.Time { return day.Add(24 * time.Hour) }
	next, err := svc.Create(ctx, CreateTicketInput{Subject: "Next day", UserID: "user-3"})
	if err != nil {
		t.Fatal(err)
	}
	if next.TicketNumber != "TKT-20240102-0001" {
		t.Errorf("next day number = %s", next.TicketNumber)
	}
	if got := rec.kafkaNames(); len(got) != 3 || got[0] != "ticket.created" {
		t.Errorf("kafka events = %v", got)
	}
}

func TestTicketService_CreateRetriesOnCollision(t *testing.T) {
	svc, _ := newTicketService(t)
	// One ticket exists but it already took the second number of the day.
	seedTicket(t, svc.db, "TKT-20240101-0002", model.TicketStatusOpen)

	got, err := svc.Create(context.Background(), CreateTicketInput{Subject: "Login", UserID: "user-1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got.TicketNumber != "TKT-20240101-0003" {
		t.Errorf("number = %s, want TKT-20240101-0003", got.TicketNumber)
	}
}

func TestTicketService_CreateWithFirstMessage(t *testing.T) {
	svc, rec := newTicketService(t)
	ticket, err := svc.Create(context.Background(), CreateTicketInput{
		Subject: "Login", GuestName: "Ann", GuestEmail: "ann@example.com", Message: "It says 500",
	})
	if err != nil {
		t.Fatal(err)
	}
	var msgs []model.TicketMessage
	if err := svc.db.Where("ticket_id = ?", ticket.ID).Find(&msgs).Error; err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Message != "It says 500" || msgs[0].IsAdmin {
		t.Errorf("messages = %+v", msgs)
	}
	if got := rec.kafkaNames(); !equalStrings(got, []string{"ticket.created", "message.created"}) {
		t.Errorf("kafka events = %v", got)
	}
}

func TestTicketService_CreateValidation(t *testing.T) {
	tests := []struct {
		name string
		in   CreateTicketInput
		want error
	}{
		{"no subject", CreateTicketInput{Subject: "  ", UserID: "u"}, errs.ErrInvalidInput},
		{"no requester", CreateTicketInput{Subject: "x"}, errs.ErrInvalidRequester},
		{"guest without email", CreateTicketInput{Subject: "x", GuestName: "Ann"}, errs.ErrInvalidRequester},
		{"both requesters", CreateTicketInput{Subject: "x", UserID: "u", GuestName: "Ann", GuestEmail: "a@b.c"}, errs.ErrInvalidRequester},
		{"bad priority", CreateTicketInput{Subject: "x", UserID: "u", Priority: "asap"}, errs.ErrInvalidPriority},
	}
	svc, _ := newTicketService(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(context.Background(), tt.in); !errors.Is(err, tt.want) {
				t.Errorf("Create() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTicketService_GetByRef(t *testing.T) {
	svc, _ := newTicketService(t)
	seeded := seedTicket(t, svc.db, "TKT-20240101-0001", model.TicketStatusOpen)
	ctx := context.Background()

	for _, ref := range []string{"1", "TKT-20240101-0001", " TKT-20240101-0001 "} {
		got, err := svc.GetByRef(ctx, ref)
		if err != nil {
			t.Fatalf("GetByRef(%q) error = %v", ref, err)
		}
		if got.ID != seeded.ID {
			t.Errorf("GetByRef(%q) id = %d", ref, got.ID)
		}
	}
	for _, ref := range []string{"2", "TKT-20240101-0009", "abc", "0", ""} {
		if _, err := svc.GetByRef(ctx, ref); !errors.Is(err, errs.ErrTicketNotFound) {
			t.Errorf("GetByRef(%q) error = %v, want not found", ref, err)
		}
	}
}

func TestTicketService_List(t *testing.T) {
	svc, _ := newTicketService(t)
	ctx := context.Background()
	a := seedTicket(t, svc.db, "TKT-20240101-0001", model.TicketStatusOpen)
	b := seedTicket(t, svc.db, "TKT-20240101-0002", model.TicketStatusResolved)
	c := seedTicket(t, svc.db, "TKT-20240101-0003", model.TicketStatusOpen)
	svc.db.Model(c).Update("created_at", day.Add(time.Hour))

	items, total, err := svc.List(ctx, TicketFilter{}, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(items) != 2 || items[0].ID != c.ID || items[1].ID != b.ID {
		t.Errorf("page = %d items of %d, first ids %v", len(items), total, ids(items))
	}

	items, total, err = svc.List(ctx, TicketFilter{Status: "open"}, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(items) != 2 || items[1].ID != a.ID {
		t.Errorf("open = %v (total %d)", ids(items), total)
	}

	if _, _, err := svc.List(ctx, TicketFilter{Status: "pending"}, 0, 0); !errors.Is(err, errs.ErrInvalidStatus) {
		t.Errorf("List(bad status) error = %v", err)
	}
}

func ids(items []model.SupportTicket) []uint64 {
	out := make([]uint64, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestTicketService_UpdateClosesAndReopens(t *testing.T) {
	svc, rec := newTicketService(t)
	ctx := context.Background()
	seeded := seedTicket(t, svc.db, "TKT-20240101-0001", model.TicketStatusOpen)

	closed, err := svc.UpdateStatus(ctx, seeded.ID, model.TicketStatusClosed)
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if closed.Status != model.TicketStatusClosed || closed.ClosedAt == nil {
		t.Fatalf("closed ticket = %+v", closed)
	}
	if !closed.UpdatedAt.After(day) {
		t.Errorf("updated_at not refreshed: %s", closed.UpdatedAt)
	}

	priority, subject := "high", "Login loop"
	reopened, err := svc.Update(ctx, seeded.ID, TicketChanges{Status: strPtr("in_progress"), Priority: &priority, Subject: &subject})
	if err != nil {
		t.Fatal(err)
	}
	if reopened.ClosedAt != nil || reopened.Priority != model.TicketPriorityHigh || reopened.Subject != subject {
		t.Errorf("reopened ticket = %+v", reopened)
	}

	if got := rec.channels(); !equalStrings(got, []string{"ticket-status-1:update", "ticket-status-1:update"}) {
		t.Errorf("realtime events = %v", got)
	}
}

func TestTicketService_UpdateErrors(t *testing.T) {
	svc, _ := newTicketService(t)
	ctx := context.Background()
	seeded := seedTicket(t, svc.db, "TKT-20240101-0001", model.TicketStatusOpen)

	if _, err := svc.Update(ctx, 99, TicketChanges{Status: strPtr("open")}); !errors.Is(err, errs.ErrTicketNotFound) {
		t.Errorf("missing ticket error = %v", err)
	}
	if _, err := svc.Update(ctx, seeded.ID, TicketChanges{Status: strPtr("done")}); !errors.Is(err, errs.ErrInvalidStatus) {
		t.Errorf("bad status error = %v", err)
	}
	if _, err := svc.Update(ctx, seeded.ID, TicketChanges{Subject: strPtr(" ")}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("empty subject error = %v", err)
	}
	same, err := svc.Update(ctx, seeded.ID, TicketChanges{})
	if err != nil || same.ID != seeded.ID {
		t.Errorf("empty changes = %+v, %v", same, err)
	}
}

func strPtr(s string) *string { return &s }
