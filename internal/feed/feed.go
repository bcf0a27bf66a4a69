// Package feed keeps a live client view of one ticket conversation. It merges the initial load,
// real-time events, a periodic poll and optimistic sends into a single ordered list.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psds-microservice/support-chat-service/internal/errs"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/psds-microservice/support-chat-service/internal/presence"
	"github.com/psds-microservice/support-chat-service/internal/realtime"
	"go.uber.org/zap"
)

const DefaultPollInterval = 5 * time.Second

var ErrSessionClosed = errors.New("feed: session closed")

// SendRequest is the body of a message send.
type SendRequest struct {
	Message         string `json:"message"`
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// Backend is the server side of the feed. ref is a numeric id or a ticket number.
type Backend interface {
	LoadTicket(ctx context.Context, ref string) (*model.SupportTicket, error)
	ListMessages(ctx context.Context, ticketID uint64) ([]model.TicketMessage, error)
	SendMessage(ctx context.Context, ticketID uint64, req SendRequest) (*model.TicketMessage, error)
}

// Stream is a live subscription. *realtime.Subscription satisfies it.
type Stream interface {
	C() <-chan realtime.Event
	Close()
}

type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (Stream, error)
}

// HubSubscriber subscribes directly on an in-process hub.
type HubSubscriber struct {
	Hub *realtime.Hub
}

func (h HubSubscriber) Subscribe(_ context.Context, channels ...string) (Stream, error) {
	return h.Hub.Subscribe(channels...), nil
}

type Options struct {
	// IsAdmin is the side of the conversation the local user is on.
	IsAdmin        bool
	PollInterval   time.Duration
	TypingCooldown time.Duration
	TypingTimeout  time.Duration
	// Publisher carries typing and read signals; nil disables them.
	Publisher realtime.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
	NewTempID func() string
}

type Feed struct {
	backend Backend
	sub     Subscriber
	opts    Options
}

func New(backend Backend, sub Subscriber, opts Options) *Feed {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewTempID == nil {
		opts.NewTempID = uuid.NewString
	}
	return &Feed{backend: backend, sub: sub, opts: opts}
}

// Open loads the ticket and its messages, subscribes to its channels and starts polling.
func (f *Feed) Open(ctx context.Context, ref string) (*Session, error) {
	ticket, err := f.backend.LoadTicket(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("feed: load ticket %s: %w", ref, err)
	}
	rows, err := f.backend.ListMessages(ctx, ticket.ID)
	if err != nil {
		return nil, fmt.Errorf("feed: list messages: %w", err)
	}
	log := f.opts.Logger.With(zap.Uint64("ticket_id", ticket.ID))
	stream, err := f.sub.Subscribe(ctx, realtime.TicketChannels(ticket.ID)...)
	if err != nil {
		// Polling keeps the view correct without real-time events.
		log.Warn("subscribe failed, polling only", zap.Error(err))
		stream = closedStream()
	}
	ref = pollRef(ticket, ref)

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		feed:      f,
		ticketID:  ticket.ID,
		ref:       ref,
		stream:    stream,
		cancel:    cancel,
		changes:   make(chan struct{}, 1),
		indicator: presence.NewIndicator(f.opts.IsAdmin, f.opts.TypingTimeout),
		reads:     presence.NewReadTracker(f.opts.IsAdmin),
		log:       log,
	}
	if f.opts.Publisher != nil {
		s.signals = presence.NewBroadcaster(f.opts.Publisher, ticket.ID, f.opts.IsAdmin, f.opts.TypingCooldown,
			presence.WithClock(f.opts.Now))
	}
	s.state.Ticket = *ticket
	s.state.ApplySnapshot(rows)

	s.wg.Add(2)
	go s.listen(runCtx)
	go s.poll(runCtx)
	return s, nil
}

// pollRef prefers the ticket number, which every caller allowed to open the ticket may use.
func pollRef(t *model.SupportTicket, opened string) string {
	if t.TicketNumber != "" {
		return t.TicketNumber
	}
	return opened
}

type noStream struct {
	c chan realtime.Event
}

func closedStream() Stream {
	c := make(chan realtime.Event)
	close(c)
	return noStream{c: c}
}

func (n noStream) C() <-chan realtime.Event { return n.c }

func (noStream) Close() {}

// Session is one open ticket view. All methods are safe for concurrent use.
type Session struct {
	feed     *Feed
	ticketID uint64
	// ref is what polls load the ticket by. Guest tickets are not reachable by numeric id.
	ref      string
	stream   Stream
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *zap.Logger

	indicator *presence.Indicator
	reads     *presence.ReadTracker
	signals   *presence.Broadcaster
	// typingExpiry signals Changes when the peer typing indicator runs out. Guarded by mu.
	typingExpiry *time.Timer

	mu      sync.Mutex
	state   State
	closed  bool
	changes chan struct{}
	// rowsSeq counts rows that reached the list outside a poll; a poll that raced with one
	// skips its message snapshot.
	rowsSeq uint64
}

func (s *Session) TicketID() uint64 {
	return s.ticketID
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Changes signals after state changes. Signals coalesce; it is closed by Close.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// PeerTyping reports whether the other side is typing right now. Changes fires both when
// the indicator turns on and when it expires.
func (s *Session) PeerTyping() bool {
	return s.indicator.Typing(s.feed.opts.Now())
}

// Seen reports whether the peer has read an own message.
func (s *Session) Seen(m *model.TicketMessage) bool {
	return s.reads.Seen(m)
}

// Typing broadcasts a throttled typing signal.
func (s *Session) Typing(ctx context.Context) (bool, error) {
	if s.signals == nil {
		return false, nil
	}
	return s.signals.Typing(ctx)
}

// MarkRead sends a read receipt when the view is active.
func (s *Session) MarkRead(ctx context.Context, focus presence.FocusState) (bool, error) {
	if s.signals == nil {
		return false, nil
	}
	return s.signals.Read(ctx, s.feed.opts.Now(), focus)
}

// Send appends an optimistic entry, stores the message and reconciles the entry with the
// stored row, or removes it on failure.
func (s *Session) Send(ctx context.Context, text string) (*model.TicketMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.ErrEmptyMessage
	}
	opts := s.feed.opts
	tempID := opts.NewTempID()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if !s.state.Ticket.Status.AcceptsReplies() {
		s.mu.Unlock()
		return nil, errs.ErrTicketClosed
	}
	s.state.AddPending(tempID, text, opts.IsAdmin, opts.Now())
	s.notifyLocked()
	s.mu.Unlock()

	row, err := s.feed.backend.SendMessage(ctx, s.ticketID, SendRequest{Message: text, ClientMessageID: tempID})

	s.mu.Lock()
	if err != nil {
		if s.state.ApplyRollback(tempID) {
			s.notifyLocked()
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("feed: send: %w", err)
	}
	changed := s.state.ApplyConfirm(tempID, *row)
	if !opts.IsAdmin {
		changed = s.state.setStatus(s.state.Ticket.Status.AfterCustomerReply()) || changed
	}
	s.rowsSeq++
	if changed {
		s.notifyLocked()
	}
	s.mu.Unlock()

	if s.signals != nil {
		if err := s.signals.MessageSent(ctx); err != nil {
			s.log.Debug("message_sent signal failed", zap.Error(err))
		}
	}
	return row, nil
}

// Close stops polling and unsubscribes. It is idempotent and returns after every goroutine
// of the session has exited.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.typingExpiry != nil {
		s.typingExpiry.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	s.stream.Close()
	s.wg.Wait()

	s.mu.Lock()
	close(s.changes)
	s.mu.Unlock()
}

func (s *Session) notifyLocked() {
	if s.closed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) listen(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.stream.C():
			if !ok {
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Session) handle(ev realtime.Event) {
	switch ev.Channel {
	case realtime.MessagesChannel(s.ticketID):
		if ev.Kind != realtime.KindInsert {
			return
		}
		var row model.TicketMessage
		if err := ev.Decode(&row); err != nil {
			s.log.Warn("bad message event", zap.Error(err))
			return
		}
		s.indicator.ObserveMessage(&row)
		s.mu.Lock()
		if s.state.ApplyInsert(row) {
			s.rowsSeq++
			s.notifyLocked()
		}
		s.mu.Unlock()

	case realtime.StatusChannel(s.ticketID):
		var t model.SupportTicket
		if err := ev.Decode(&t); err != nil {
			s.log.Warn("bad status event", zap.Error(err))
			return
		}
		s.mu.Lock()
		if s.state.ApplyTicket(t) {
			s.notifyLocked()
		}
		s.mu.Unlock()

	case realtime.TypingChannel(s.ticketID):
		changed := s.indicator.Observe(ev, s.feed.opts.Now())
		changed = s.reads.Observe(ev) || changed
		s.mu.Lock()
		if ev.Name == realtime.EventTyping {
			s.armTypingExpiryLocked()
		}
		if changed {
			s.notifyLocked()
		}
		s.mu.Unlock()
	}
}

func (s *Session) armTypingExpiryLocked() {
	if s.closed {
		return
	}
	d := s.indicator.Until().Sub(s.feed.opts.Now())
	if d <= 0 {
		return
	}
	if s.typingExpiry != nil {
		s.typingExpiry.Stop()
	}
	s.typingExpiry = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.indicator.Typing(s.feed.opts.Now()) {
			s.notifyLocked()
		}
	})
}

func (s *Session) poll(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.feed.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refresh(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("poll failed", zap.Error(err))
			}
		}
	}
}

// refresh re-fetches the ticket and its messages and applies them as server truth.
func (s *Session) refresh(ctx context.Context) error {
	s.mu.Lock()
	seq := s.rowsSeq
	s.mu.Unlock()

	ticket, err := s.feed.backend.LoadTicket(ctx, s.ref)
	if err != nil {
		return err
	}
	rows, err := s.feed.backend.ListMessages(ctx, s.ticketID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.state.ApplyTicket(*ticket)
	if seq == s.rowsSeq {
		changed = s.state.ApplySnapshot(rows) || changed
	}
	if changed {
		s.notifyLocked()
	}
	return nil
}
