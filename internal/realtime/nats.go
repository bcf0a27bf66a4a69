package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/psds-microservice/support-chat-service/internal/metrics"
	"go.uber.org/zap"
)

const subjectPrefix = "support.realtime."

// ConnectNATS dials the NATS server used for cross-instance fan-out.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSBridge publishes hub events to NATS and re-injects events from other instances
// into the local hub. Events carrying this hub's origin are never re-delivered.
type NATSBridge struct {
	hub *Hub
	nc  *nats.Conn
	sub *nats.Subscription
	log *zap.Logger
}

func NewNATSBridge(hub *Hub, nc *nats.Conn, log *zap.Logger) (*NATSBridge, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &NATSBridge{hub: hub, nc: nc, log: log.Named("realtime-nats")}
	sub, err := nc.Subscribe(subjectPrefix+">", b.onMessage)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s>: %w", subjectPrefix, err)
	}
	b.sub = sub
	return b, nil
}

func subject(channel string) string {
	return subjectPrefix + channel
}

func (b *NATSBridge) onMessage(m *nats.Msg) {
	ev, err := Unmarshal(m.Data)
	if err != nil {
		b.log.Warn("dropping malformed event", zap.String("subject", m.Subject), zap.Error(err))
		return
	}
	if ev.Origin == b.hub.Origin() {
		return
	}
	if err := b.hub.Deliver(ev); err != nil {
		b.log.Debug("deliver remote event", zap.Error(err))
	}
}

// Publish delivers locally first, then forwards to NATS. A NATS failure is logged and
// swallowed; polling covers the gap on other instances.
func (b *NATSBridge) Publish(ctx context.Context, ev Event) error {
	ev = b.hub.Stamp(ev)
	if err := b.hub.Deliver(ev); err != nil {
		return err
	}
	data, err := Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	if err := b.nc.Publish(subject(ev.Channel), data); err != nil {
		metrics.SideEffectFailures.WithLabelValues("nats").Inc()
		b.log.Warn("nats publish failed", zap.String("channel", ev.Channel), zap.Error(err))
	}
	return nil
}

// Flush waits until the server has processed pending publishes.
func (b *NATSBridge) Flush(timeout time.Duration) error {
	return b.nc.FlushTimeout(timeout)
}

// Close unsubscribes and drains the connection.
func (b *NATSBridge) Close() error {
	if err := b.sub.Unsubscribe(); err != nil {
		b.log.Debug("unsubscribe", zap.Error(err))
	}
	return b.nc.Drain()
}
