// Package realtime is the Real-time Notifier: per-ticket pub/sub channels carrying row-insert,
// row-update and ephemeral broadcast events.
//
// Delivery is unordered, may duplicate and may miss events. Consumers reconcile by id and rely on
// polling as the backstop.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

type Kind string

const (
	KindInsert    Kind = "insert"
	KindUpdate    Kind = "update"
	KindBroadcast Kind = "broadcast"
)

// Broadcast event names on the typing channel.
const (
	EventTyping      = "typing"
	EventRead        = "read"
	EventMessageSent = "message_sent"
)

// Event is a single notification on a channel. Payload is the changed row for insert/update
// and a free-form object for broadcasts.
type Event struct {
	Channel string          `json:"channel"`
	Kind    Kind            `json:"kind"`
	Name    string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Origin  string          `json:"origin,omitempty"`
	At      time.Time       `json:"at"`
}

// Publisher fans an event out. Implementations: *Hub, *NATSBridge, the WebSocket client.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func MessagesChannel(ticketID uint64) string {
	return "ticket-messages-" + strconv.FormatUint(ticketID, 10)
}

func StatusChannel(ticketID uint64) string {
	return "ticket-status-" + strconv.FormatUint(ticketID, 10)
}

func TypingChannel(ticketID uint64) string {
	return "typing-" + strconv.FormatUint(ticketID, 10)
}

// TicketChannels lists every channel a ticket view subscribes to.
func TicketChannels(ticketID uint64) []string {
	return []string{MessagesChannel(ticketID), StatusChannel(ticketID), TypingChannel(ticketID)}
}

// ParseTicketID extracts the ticket id from any of the three channel names.
func ParseTicketID(channel string) (uint64, error) {
	i := strings.LastIndexByte(channel, '-')
	if i < 0 {
		return 0, fmt.Errorf("realtime: malformed channel %q", channel)
	}
	return strconv.ParseUint(channel[i+1:], 10, 64)
}

func NewInsert(channel string, row any) (Event, error) {
	return newEvent(channel, KindInsert, "", row)
}

func NewUpdate(channel string, row any) (Event, error) {
	return newEvent(channel, KindUpdate, "", row)
}

func NewBroadcast(channel, name string, payload any) (Event, error) {
	return newEvent(channel, KindBroadcast, name, payload)
}

func newEvent(channel string, kind Kind, name string, payload any) (Event, error) {
	ev := Event{Channel: channel, Kind: kind, Name: name}
	if payload != nil {
		raw, err := codec.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("realtime: marshal %s payload: %w", kind, err)
		}
		ev.Payload = raw
	}
	return ev, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("realtime: empty payload on %s", e.Channel)
	}
	return codec.Unmarshal(e.Payload, v)
}

func Marshal(ev Event) ([]byte, error) {
	return codec.Marshal(ev)
}

func Unmarshal(data []byte) (Event, error) {
	var ev Event
	if err := codec.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("realtime: unmarshal event: %w", err)
	}
	if ev.Channel == "" || ev.Kind == "" {
		return Event{}, fmt.Errorf("realtime: event missing channel or kind")
	}
	return ev, nil
}
