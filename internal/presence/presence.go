// Package presence implements the ephemeral typing and read-receipt signals of a ticket chat.
// Nothing here is persisted and delivery is best effort.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/psds-microservice/support-chat-service/internal/realtime"
	"golang.org/x/time/rate"
)

const (
	DefaultTypingCooldown = 2 * time.Second
	DefaultTypingTimeout  = 3 * time.Second
)

// Signal is the payload of typing, read and message_sent broadcasts.
type Signal struct {
	IsAdmin   bool      `json:"is_admin"`
	Timestamp time.Time `json:"timestamp"`
}

// FocusState describes the viewing tab. Read receipts go out only when both are true.
type FocusState struct {
	Visible bool
	Focused bool
}

func (f FocusState) Active() bool {
	return f.Visible && f.Focused
}

// Broadcaster sends the local side's signals on the ticket typing channel.
type Broadcaster struct {
	pub     realtime.Publisher
	channel string
	isAdmin bool
	limiter *rate.Limiter
	now     func() time.Time
}

type Option func(*Broadcaster)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

func NewBroadcaster(pub realtime.Publisher, ticketID uint64, isAdmin bool, cooldown time.Duration, opts ...Option) *Broadcaster {
	if cooldown <= 0 {
		cooldown = DefaultTypingCooldown
	}
	b := &Broadcaster{
		pub:     pub,
		channel: realtime.TypingChannel(ticketID),
		isAdmin: isAdmin,
		limiter: rate.NewLimiter(rate.Every(cooldown), 1),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Typing broadcasts at most once per cooldown window. It reports whether a broadcast went out.
func (b *Broadcaster) Typing(ctx context.Context) (bool, error) {
	now := b.now()
	if !b.limiter.AllowN(now, 1) {
		return false, nil
	}
	return true, b.send(ctx, realtime.EventTyping, now)
}

// Read broadcasts a read receipt for everything up to ts, only for an active view.
func (b *Broadcaster) Read(ctx context.Context, ts time.Time, focus FocusState) (bool, error) {
	if !focus.Active() {
		return false, nil
	}
	return true, b.send(ctx, realtime.EventRead, ts)
}

// MessageSent tells the peer to drop its typing indicator.
func (b *Broadcaster) MessageSent(ctx context.Context) error {
	return b.send(ctx, realtime.EventMessageSent, b.now())
}

func (b *Broadcaster) send(ctx context.Context, name string, ts time.Time) error {
	ev, err := realtime.NewBroadcast(b.channel, name, Signal{IsAdmin: b.isAdmin, Timestamp: ts.UTC()})
	if err != nil {
		return err
	}
	if err := b.pub.Publish(ctx, ev); err != nil {
		return fmt.Errorf("presence: broadcast %s: %w", name, err)
	}
	return nil
}

// peerSignal decodes a broadcast from the other side. Own signals echo back through the
// channel and are ignored.
func peerSignal(ev realtime.Event, isAdmin bool) (Signal, bool) {
	if ev.Kind != realtime.KindBroadcast {
		return Signal{}, false
	}
	var sig Signal
	if err := ev.Decode(&sig); err != nil {
		return Signal{}, false
	}
	if sig.IsAdmin == isAdmin {
		return Signal{}, false
	}
	return sig, true
}

// Indicator tracks whether the peer is typing.
type Indicator struct {
	isAdmin bool
	timeout time.Duration

	mu    sync.Mutex
	until time.Time
}

func NewIndicator(isAdmin bool, timeout time.Duration) *Indicator {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Indicator{isAdmin: isAdmin, timeout: timeout}
}

// Observe applies a typing-channel event received at now. It reports whether the
// indicator changed.
func (i *Indicator) Observe(ev realtime.Event, now time.Time) bool {
	if _, ok := peerSignal(ev, i.isAdmin); !ok {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	was := now.Before(i.until)
	switch ev.Name {
	case realtime.EventTyping:
		i.until = now.Add(i.timeout)
		return !was
	case realtime.EventMessageSent:
		i.until = time.Time{}
		return was
	}
	return false
}

// ObserveMessage clears the indicator when the peer's message lands.
func (i *Indicator) ObserveMessage(m *model.TicketMessage) {
	if m.IsAdmin == i.isAdmin {
		return
	}
	i.mu.Lock()
	i.until = time.Time{}
	i.mu.Unlock()
}

// Typing reports whether the peer is typing at now; it auto-clears after the timeout.
func (i *Indicator) Typing(now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return now.Before(i.until)
}

// Until is when the current typing signal expires; zero when the peer is not typing.
func (i *Indicator) Until() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.until
}

// ReadTracker remembers the latest read receipt from the peer.
type ReadTracker struct {
	isAdmin bool

	mu       sync.Mutex
	lastRead time.Time
}

func NewReadTracker(isAdmin bool) *ReadTracker {
	return &ReadTracker{isAdmin: isAdmin}
}

// Observe applies a read event; older receipts never move the mark backwards.
func (r *ReadTracker) Observe(ev realtime.Event) bool {
	if ev.Name != realtime.EventRead {
		return false
	}
	sig, ok := peerSignal(ev, r.isAdmin)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !sig.Timestamp.After(r.lastRead) {
		return false
	}
	r.lastRead = sig.Timestamp
	return true
}

// Seen is true for own messages created no later than the peer's last read receipt.
func (r *ReadTracker) Seen(m *model.TicketMessage) bool {
	if m.IsAdmin != r.isAdmin {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.lastRead.IsZero() && !m.CreatedAt.After(r.lastRead)
}

func (r *ReadTracker) LastRead() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRead
}
