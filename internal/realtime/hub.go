package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/psds-microservice/support-chat-service/internal/metrics"
	"go.uber.org/zap"
)

var ErrHubClosed = errors.New("realtime: hub closed")

const defaultSubscriptionBuffer = 64

// Hub is the in-process notifier. Publish never blocks: a subscriber with a full buffer
// loses the event.
type Hub struct {
	origin string
	buffer int
	log    *zap.Logger

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewHub(origin string, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		origin: origin,
		buffer: defaultSubscriptionBuffer,
		log:    log.Named("realtime-hub"),
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Origin identifies this process in published events.
func (h *Hub) Origin() string {
	return h.origin
}

// Subscribe registers a subscription on one or more channels.
func (h *Hub) Subscribe(channels ...string) *Subscription {
	s := &Subscription{hub: h, channels: channels, c: make(chan Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closed = true
		close(s.c)
		return s
	}
	for _, ch := range channels {
		set, ok := h.subs[ch]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.subs[ch] = set
		}
		set[s] = struct{}{}
	}
	return s
}

// Stamp fills origin and time on events created locally.
func (h *Hub) Stamp(ev Event) Event {
	if ev.Origin == "" {
		ev.Origin = h.origin
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}

// Publish stamps and delivers ev to local subscribers.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	return h.Deliver(h.Stamp(ev))
}

// Deliver fans ev out without stamping it; used for events arriving from other instances.
func (h *Hub) Deliver(ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	metrics.RealtimeEventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	for s := range h.subs[ev.Channel] {
		select {
		case s.c <- ev:
		default:
			metrics.RealtimeEventsDropped.Inc()
			h.log.Warn("subscriber buffer full, dropping event",
				zap.String("channel", ev.Channel), zap.String("kind", string(ev.Kind)))
		}
	}
	return nil
}

// SubscriberCount is the number of subscriptions on channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Close ends every subscription. Further publishes fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	done := make(map[*Subscription]struct{})
	for _, set := range h.subs {
		for s := range set {
			if _, ok := done[s]; ok {
				continue
			}
			done[s] = struct{}{}
			s.closed = true
			close(s.c)
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.log.Info("realtime hub stopped", zap.Int("subscriptions_closed", len(done)))
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.channels {
		if set, ok := h.subs[ch]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, ch)
			}
		}
	}
	close(s.c)
}

// Subscription receives events for its channels until Close. C is closed afterwards.
type Subscription struct {
	hub      *Hub
	channels []string
	c        chan Event
	// closed is guarded by hub.mu.
	closed bool
}

func (s *Subscription) C() <-chan Event {
	return s.c
}

func (s *Subscription) Channels() []string {
	return s.channels
}

// Close is idempotent.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}
