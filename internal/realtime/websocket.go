package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/psds-microservice/support-chat-service/internal/metrics"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Frame types exchanged over a ticket WebSocket.
const (
	FrameEvent     = "event"
	FrameBroadcast = "broadcast"
	FramePing      = "ping"
	FramePong      = "pong"
)

// Frame is the wire envelope. Server → client frames carry Event; client → server broadcast
// frames carry Name and Payload.
type Frame struct {
	Type    string `json:"type"`
	Event   *Event `json:"data,omitempty"`
	Name    string `json:"event,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

var errBroadcastRejected = errors.New("realtime: only typing, read and message_sent broadcasts are accepted")

// TicketSession pumps events of one ticket to a WebSocket connection and forwards the
// client's ephemeral broadcasts to the ticket typing channel.
type TicketSession struct {
	conn     *websocket.Conn
	sub      *Subscription
	pub      Publisher
	ticketID uint64
	isAdmin  bool
	log      *zap.Logger
}

// NewTicketSession serves one connection. isAdmin is the side of the authenticated caller and
// overrides whatever side the client claims in its broadcasts.
func NewTicketSession(conn *websocket.Conn, sub *Subscription, pub Publisher, ticketID uint64, isAdmin bool, log *zap.Logger) *TicketSession {
	if log == nil {
		log = zap.NewNop()
	}
	return &TicketSession{
		conn:     conn,
		sub:      sub,
		pub:      pub,
		ticketID: ticketID,
		isAdmin:  isAdmin,
		log:      log.Named("ws").With(zap.Uint64("ticket_id", ticketID)),
	}
}

// Serve blocks until the client disconnects or ctx ends. The subscription and the connection
// are always closed on return.
func (s *TicketSession) Serve(ctx context.Context) {
	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump(ctx)
	}()
	s.readPump(ctx)
	cancel()
	s.sub.Close()
	<-done
}

func (s *TicketSession) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.log.Error("failed to set read deadline", zap.Error(err))
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f struct {
			Type    string         `json:"type"`
			Name    string         `json:"event"`
			Payload map[string]any `json:"payload"`
		}
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("unexpected websocket close", zap.Error(err))
			}
			return
		}
		switch f.Type {
		case FramePing:
			// Application-level keepalive from clients that cannot send control frames.
			_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		case FrameBroadcast:
			if err := s.forward(ctx, f.Name, f.Payload); err != nil {
				s.log.Debug("broadcast rejected", zap.String("event", f.Name), zap.Error(err))
			}
		}
	}
}

func (s *TicketSession) forward(ctx context.Context, name string, payload map[string]any) error {
	switch name {
	case EventTyping, EventRead, EventMessageSent:
	default:
		return errBroadcastRejected
	}
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["is_admin"] = s.isAdmin
	ev, err := NewBroadcast(TypingChannel(s.ticketID), name, payload)
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, ev)
}

func (s *TicketSession) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// Unblocks readPump when the hub or ctx ends the session first.
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev, ok := <-s.sub.C():
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.log.Error("failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := s.conn.WriteJSON(Frame{Type: FrameEvent, Event: &ev}); err != nil {
				s.log.Debug("failed to write event", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
