package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v5"
	"github.com/psds-microservice/support-chat-service/internal/errs"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/psds-microservice/support-chat-service/internal/presence"
	"github.com/psds-microservice/support-chat-service/internal/realtime"
	"go.uber.org/zap"
)

// memBackend applies the server-side rules and publishes row events like the real service.
type memBackend struct {
	mu      sync.Mutex
	hub     *realtime.Hub
	ticket  model.SupportTicket
	rows    []model.TicketMessage
	nextID  uint64
	sendErr error
	// admin marks sends as coming from the admin panel.
	admin   bool
}

func newMemBackend(hub *realtime.Hub, status model.TicketStatus) *memBackend {
	return &memBackend{
		hub: hub,
		ticket: model.SupportTicket{
			ID:           1,
			TicketNumber: "TKT-20240101-0001",
			Subject:      "Cannot log in",
			Status:       status,
			Priority:     model.TicketPriorityMedium,
			GuestName:    null.StringFrom("Ann"),
			GuestEmail:   null.StringFrom("ann@example.com"),
			UpdatedAt:    time.Now().Add(-time.Hour),
		},
		nextID: 1,
	}
}

func (b *memBackend) LoadTicket(_ context.Context, ref string) (*model.SupportTicket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ref != b.ticket.TicketNumber && ref != strconv.FormatUint(b.ticket.ID, 10) {
		return nil, errs.ErrTicketNotFound
	}
	// Same rule as the API: a guest ticket is not reachable by numeric id.
	if ref != b.ticket.TicketNumber && !b.admin && !b.ticket.UserID.Valid {
		return nil, errs.ErrForbidden
	}
	t := b.ticket
	return &t, nil
}

func (b *memBackend) ListMessages(_ context.Context, _ uint64) ([]model.TicketMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.TicketMessage, len(b.rows))
	copy(out, b.rows)
	return out, nil
}

func (b *memBackend) SendMessage(ctx context.Context, _ uint64, req SendRequest) (*model.TicketMessage, error) {
	return b.insert(ctx, req, b.admin, true)
}

// insert stores a row. publish=false simulates a lost real-time event.
func (b *memBackend) insert(ctx context.Context, req SendRequest, isAdmin, publish bool) (*model.TicketMessage, error) {
	b.mu.Lock()
	if b.sendErr != nil {
		b.mu.Unlock()
		return nil, b.sendErr
	}
	if !b.ticket.Status.AcceptsReplies() {
		b.mu.Unlock()
		return nil, errs.ErrTicketClosed
	}
	m := model.TicketMessage{
		ID:        b.nextID,
		TicketID:  b.ticket.ID,
		Message:   req.Message,
		IsAdmin:   isAdmin,
		CreatedAt: time.Now(),
	}
	if req.ClientMessageID != "" {
		m.ClientMessageID = null.StringFrom(req.ClientMessageID)
	}
	b.nextID++
	b.rows = append(b.rows, m)
	if !isAdmin {
		b.ticket.Status = b.ticket.Status.AfterCustomerReply()
	}
	b.ticket.UpdatedAt = time.Now()
	ticket := b.ticket
	b.mu.Unlock()

	if publish && b.hub != nil {
		if ev, err := realtime.NewInsert(realtime.MessagesChannel(ticket.ID), m); err == nil {
			_ = b.hub.Publish(ctx, ev)
		}
		if ev, err := realtime.NewUpdate(realtime.StatusChannel(ticket.ID), ticket); err == nil {
			_ = b.hub.Publish(ctx, ev)
		}
	}
	return &m, nil
}

func openSession(t *testing.T, backend *memBackend, opts Options) *Session {
	t.Helper()
	f := New(backend, HubSubscriber{Hub: backend.hub}, opts)
	s, err := f.Open(context.Background(), backend.ticket.TicketNumber)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func settled(s *Session, n int) func() bool {
	return func() bool {
		st := s.Snapshot()
		if len(st.Entries) != n {
			return false
		}
		for _, e := range st.Entries {
			if e.Pending {
				return false
			}
		}
		return true
	}
}

func TestOpen_UnknownTicket(t *testing.T) {
	backend := newMemBackend(realtime.NewHub("test", zap.NewNop()), model.TicketStatusOpen)
	f := New(backend, HubSubscriber{Hub: backend.hub}, Options{})
	_, err := f.Open(context.Background(), "TKT-19990101-0001")
	if !errors.Is(err, errs.ErrTicketNotFound) {
		t.Fatalf("Open() error = %v, want ErrTicketNotFound", err)
	}
}

func TestSession_EachMessageExactlyOnce(t *testing.T) {
	hub := realtime.NewHub("test", zap.NewNop())
	defer hub.Close()
	backend := newMemBackend(hub, model.TicketStatusOpen)
	s := openSession(t, backend, Options{PollInterval: 15 * time.Millisecond})

	const n = 8
	for i := 0; i < n; i++ {
		if _, err := s.Send(context.Background(), fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}
	eventually(t, "all messages confirmed", settled(s, n))

	// Let a few polls and late events land, then check again.
	time.Sleep(60 * time.Millisecond)
	st := s.Snapshot()
	if len(st.Entries) != n {
		t.Fatalf("entries = %d, want %d", len(st.Entries), n)
	}
	seen := map[uint64]bool{}
	for i, e := range st.Entries {
		if seen[e.Message.ID] {
			t.Errorf("message %d listed twice", e.Message.ID)
		}
		seen[e.Message.ID] = true
		if i > 0 && e.Message.CreatedAt.Before(st.Entries[i-1].Message.CreatedAt) {
			t.Errorf("entry %d out of order", i)
		}
		if want := fmt.Sprintf("msg %d", i); e.Message.Message != want {
			t.Errorf("entry %d = %q, want %q", i, e.Message.Message, want)
		}
	}
}

func TestSession_CustomerReplyReopens(t *testing.T) {
	cases := []struct {
		from model.TicketStatus
		want model.TicketStatus
	}{
		{model.TicketStatusResolved, model.TicketStatusOpen},
		{model.TicketStatusWaitingCustomer, model.TicketStatusOpen},
		{model.TicketStatusOpen, model.TicketStatusOpen},
		{model.TicketStatusInProgress, model.TicketStatusInProgress},
		{model.TicketStatusWaitingInternal, model.TicketStatusWaitingInternal},
	}
	for _, tc := range cases {
		t.Run(string(tc.from), func(t *testing.T) {
			backend := newMemBackend(realtime.NewHub("test", zap.NewNop()), tc.from)
			s := openSession(t, backend, Options{PollInterval: time.Hour})

			m, err := s.Send(context.Background(), "still broken")
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if m.IsAdmin {
				t.Error("customer message stored as admin")
			}
			if got := s.Snapshot().Ticket.Status; got != tc.want {
				t.Errorf("local status = %s, want %s", got, tc.want)
			}
			eventually(t, "server status event", func() bool {
				st := s.Snapshot().Ticket
				return st.Status == tc.want && st.UpdatedAt.After(time.Now().Add(-time.Minute))
			})
		})
	}
}

func TestSession_AdminReplyKeepsStatus(t *testing.T) {
	backend := newMemBackend(realtime.NewHub("test", zap.NewNop()), model.TicketStatusResolved)
	backend.admin = true
	f := New(backend, HubSubscriber{Hub: backend.hub}, Options{IsAdmin: true, PollInterval: time.Hour})
	s, err := f.Open(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m, err := s.Send(context.Background(), "we shipped a fix")
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsAdmin {
		t.Error("admin message stored as customer")
	}
	eventually(t, "admin message confirmed", settled(s, 1))
	if got := s.Snapshot().Ticket.Status; got != model.TicketStatusResolved {
		t.Errorf("status = %s, want resolved", got)
	}
}

func TestSession_ClosedTicketRejectedLocally(t *testing.T) {
	backend := newMemBackend(realtime.NewHub("test", zap.NewNop()), model.TicketStatusClosed)
	s := openSession(t, backend, Options{PollInterval: time.Hour})

	if _, err := s.Send(context.Background(), "hello?"); !errors.Is(err, errs.ErrTicketClosed) {
		t.Fatalf("Send() error = %v, want ErrTicketClosed", err)
	}
	if n := len(s.Snapshot().Entries); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
	if len(backend.rows) != 0 {
		t.Error("backend was called for a closed ticket")
	}
}

func TestSession_EmptyMessageRejected(t *testing.T) {
	backend := newMemBackend(realtime.NewHub("test", zap.NewNop()), model.TicketStatusOpen)
	s := openSession(t, backend, Options{PollInterval: time.Hour})
	if _, err := s.Send(context.Background(), "  \n\t"); !errors.Is(err, errs.ErrEmptyMessage) {
		t.Fatalf("Send() error = %v, want ErrEmptyMessage", err)
	}
}

func TestSession_FailedSendRollsBack(t *testing.T) {
	backend := newMemBackend(realtime.NewHub("test", zap.NewNop()), model.TicketStatusResolved)
	s := openSession(t, backend, Options{PollInterval: time.Hour})
	if _, err := s.Send(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first message", settled(s, 1))
	before := s.Snapshot()

	boom := errors.New("network down")
	backend.mu.Lock()
	backend.sendErr = boom
	backend.mu.Unlock()

	if _, err := s.Send(context.Background(), "second"); !errors.Is(err, boom) {
		t.Fatalf("Send() error = %v, want %v", err, boom)
	}
	after := s.Snapshot()
	if !entriesEqual(before.Entries, after.Entries) {
		t.Errorf("entries after failure = %v, want %v", texts(after), texts(before))
	}
	if after.Ticket.Status != before.Ticket.Status {
		t.Errorf("status changed on failed send: %s -> %s", before.Ticket.Status, after.Ticket.Status)
	}
}

func TestSession_PollRecoversMissedEvents(t *testing.T) {
	hub := realtime.NewHub("test", zap.NewNop())
	defer hub.Close()
	backend := newMemBackend(hub, model.TicketStatusOpen)
	s := openSession(t, backend, Options{IsAdmin: true, PollInterval: 20 * time.Millisecond})

	if _, err := backend.insert(context.Background(), SendRequest{Message: "lost event"}, false, false); err != nil {
		t.Fatal(err)
	}
	backend.mu.Lock()
	backend.ticket.Priority = model.TicketPriorityHigh
	backend.mu.Unlock()

	eventually(t, "poll to pick up the row", settled(s, 1))
	eventually(t, "poll to pick up the ticket", func() bool {
		return s.Snapshot().Ticket.Priority == model.TicketPriorityHigh
	})
}

func TestSession_GuestPollSyncsStatus(t *testing.T) {
	backend := newMemBackend(realtime.NewHub("test", zap.NewNop()), model.TicketStatusOpen)
	s := openSession(t, backend, Options{PollInterval: 20 * time.Millisecond})

	backend.mu.Lock()
	backend.ticket.Status = model.TicketStatusInProgress
	backend.mu.Unlock()
	if _, err := backend.insert(context.Background(), SendRequest{Message: "looking into it"}, true, false); err != nil {
		t.Fatal(err)
	}

	eventually(t, "guest poll to pick up the status", func() bool {
		return s.Snapshot().Ticket.Status == model.TicketStatusInProgress
	})
	eventually(t, "guest poll to pick up the row", settled(s, 1))
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context, ...string) (Stream, error) {
	return nil, errors.New("websocket handshake: 502")
}

func TestOpen_SubscribeFailureFallsBackToPolling(t *testing.T) {
	backend := newMemBackend(realtime.NewHub("test", zap.NewNop()), model.TicketStatusOpen)
	s, err := New(backend, failingSubscriber{}, Options{PollInterval: 20 * time.Millisecond}).
		Open(context.Background(), backend.ticket.TicketNumber)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if _, err := backend.insert(context.Background(), SendRequest{Message: "hello"}, true, false); err != nil {
		t.Fatal(err)
	}
	eventually(t, "poll to pick up the row", settled(s, 1))

	if _, err := s.Send(context.Background(), "thanks"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	eventually(t, "own message confirmed", settled(s, 2))
}

func TestSession_CloseReleasesEverything(t *testing.T) {
	hub := realtime.NewHub("test", zap.NewNop())
	defer hub.Close()
	backend := newMemBackend(hub, model.TicketStatusOpen)
	f := New(backend, HubSubscriber{Hub: hub}, Options{PollInterval: 10 * time.Millisecond})
	s, err := f.Open(context.Background(), "TKT-20240101-0001")
	if err != nil {
		t.Fatal(err)
	}
	if hub.SubscriberCount(realtime.MessagesChannel(1)) != 1 {
		t.Fatal("session did not subscribe")
	}

	s.Close()
	s.Close()

	if n := hub.SubscriberCount(realtime.MessagesChannel(1)); n != 0 {
		t.Errorf("subscribers after close = %d", n)
	}
	if _, ok := <-s.Changes(); ok {
		// A buffered signal may remain; the channel must still be closed after it.
		if _, ok := <-s.Changes(); ok {
			t.Error("Changes() not closed")
		}
	}
	if _, err := s.Send(context.Background(), "late"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send() after Close error = %v", err)
	}
}

func TestSession_PresenceBetweenSides(t *testing.T) {
	hub := realtime.NewHub("test", zap.NewNop())
	defer hub.Close()
	backend := newMemBackend(hub, model.TicketStatusOpen)

	customer := openSession(t, backend, Options{PollInterval: time.Hour, Publisher: hub})
	admin := openSession(t, backend, Options{IsAdmin: true, PollInterval: time.Hour, Publisher: hub})

	if ok, err := customer.Typing(context.Background()); err != nil || !ok {
		t.Fatalf("Typing() = %v, %v", ok, err)
	}
	if ok, _ := customer.Typing(context.Background()); ok {
		t.Error("second Typing() inside cooldown was broadcast")
	}
	eventually(t, "admin to see customer typing", admin.PeerTyping)
	if customer.PeerTyping() {
		t.Error("customer sees its own typing")
	}

	m, err := customer.Send(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "typing indicator to clear", func() bool { return !admin.PeerTyping() })

	time.Sleep(time.Millisecond)
	if ok, err := admin.MarkRead(context.Background(), presence.FocusState{Visible: true, Focused: true}); err != nil || !ok {
		t.Fatalf("MarkRead() = %v, %v", ok, err)
	}
	eventually(t, "customer to see read receipt", func() bool { return customer.Seen(m) })
}

func TestSession_TypingExpirySignalsChanges(t *testing.T) {
	hub := realtime.NewHub("test", zap.NewNop())
	defer hub.Close()
	backend := newMemBackend(hub, model.TicketStatusOpen)
	customer := openSession(t, backend, Options{PollInterval: time.Hour, Publisher: hub})
	admin := openSession(t, backend, Options{IsAdmin: true, PollInterval: time.Hour, TypingTimeout: 250 * time.Millisecond})

	if ok, err := customer.Typing(context.Background()); err != nil || !ok {
		t.Fatalf("Typing() = %v, %v", ok, err)
	}
	eventually(t, "admin to see customer typing", admin.PeerTyping)
	for drained := false; !drained; {
		select {
		case <-admin.Changes():
		default:
			drained = true
		}
	}

	select {
	case <-admin.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no change signalled when typing expired")
	}
	if admin.PeerTyping() {
		t.Error("indicator still on after expiry signal")
	}
}
