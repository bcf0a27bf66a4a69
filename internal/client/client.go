// Package client talks to the support chat API over HTTP and WebSocket. It is the Backend,
// Subscriber and Publisher of a remote feed session.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/psds-microservice/support-chat-service/internal/errs"
	"github.com/psds-microservice/support-chat-service/internal/feed"
	"github.com/psds-microservice/support-chat-service/internal/middleware"
	"github.com/psds-microservice/support-chat-service/internal/model"
	"github.com/psds-microservice/support-chat-service/internal/realtime"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// APIError is a non-2xx answer. It unwraps to the matching domain error so callers can use
// errors.Is across the wire.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return errs.ErrTicketNotFound
	case http.StatusConflict:
		return errs.ErrTicketClosed
	case http.StatusForbidden:
		return errs.ErrForbidden
	case http.StatusBadRequest:
		return errs.ErrInvalidInput
	}
	return nil
}

type Options struct {
	AdminToken string
	CallerID   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	base   *url.URL
	opts   Options
	http   *http.Client
	dialer *websocket.Dialer
	log    *zap.Logger

	mu    sync.Mutex
	conns map[uint64]*stream
	// refs remembers the ticket number of every loaded ticket. Guest tickets are only
	// reachable by number.
	refs map[uint64]string
}

func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("client: invalid base url %q", baseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		base:   u,
		opts:   opts,
		http:   opts.HTTPClient,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    opts.Logger.Named("client"),
		conns:  make(map[uint64]*stream),
		refs:   make(map[uint64]string),
	}, nil
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.opts.AdminToken != "" {
		h.Set(middleware.HeaderAdminToken, c.opts.AdminToken)
	}
	if c.opts.CallerID != "" {
		h.Set(middleware.HeaderCallerID, c.opts.CallerID)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, r)
	if err != nil {
		return fmt.Errorf("client: new request: %w", err)
	}
	req.Header = c.header()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}

func ticketPath(ref string) string {
	return "/api/v1/tickets/" + url.PathEscape(ref)
}

func (c *Client) pathFor(ticketID uint64) string {
	c.mu.Lock()
	ref, ok := c.refs[ticketID]
	c.mu.Unlock()
	if !ok {
		ref = strconv.FormatUint(ticketID, 10)
	}
	return ticketPath(ref)
}

// LoadTicket accepts a ticket number or a numeric id. An id of a ticket loaded before is sent
// as its number.
func (c *Client) LoadTicket(ctx context.Context, ref string) (*model.SupportTicket, error) {
	path := ticketPath(ref)
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		path = c.pathFor(id)
	}
	var t model.SupportTicket
	if err := c.do(ctx, http.MethodGet, path, nil, &t); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.refs[t.ID] = t.TicketNumber
	c.mu.Unlock()
	return &t, nil
}

func (c *Client) ListMessages(ctx context.Context, ticketID uint64) ([]model.TicketMessage, error) {
	var out struct {
		Messages []model.TicketMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, c.pathFor(ticketID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) SendMessage(ctx context.Context, ticketID uint64, req feed.SendRequest) (*model.TicketMessage, error) {
	var out struct {
		Message model.TicketMessage `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, c.pathFor(ticketID)+"/messages", req, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// Subscribe opens the ticket WebSocket. All channels must belong to one ticket. There is no
// reconnect: when the socket drops the stream ends and the feed keeps polling.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (feed.Stream, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("client: no channels")
	}
	ticketID, err := realtime.ParseTicketID(channels[0])
	if err != nil {
		return nil, err
	}
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += c.pathFor(ticketID) + "/ws"
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), c.header())
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: "websocket handshake"}
		}
		return nil, fmt.Errorf("client: dial %s: %w", u.String(), err)
	}

	s := &stream{
		client:   c,
		ticketID: ticketID,
		conn:     conn,
		want:     make(map[string]bool, len(channels)),
		c:        make(chan realtime.Event, 64),
		done:     make(chan struct{}),
	}
	for _, ch := range channels {
		s.want[ch] = true
	}
	c.mu.Lock()
	if old, ok := c.conns[ticketID]; ok {
		defer old.Close()
	}
	c.conns[ticketID] = s
	c.mu.Unlock()

	go s.read()
	return s, nil
}

// Publish sends a broadcast through the open socket of the event's ticket. Only broadcasts
// travel client to server; row events are produced by the API itself.
func (c *Client) Publish(_ context.Context, ev realtime.Event) error {
	if ev.Kind != realtime.KindBroadcast {
		return fmt.Errorf("client: cannot publish %s events", ev.Kind)
	}
	ticketID, err := realtime.ParseTicketID(ev.Channel)
	if err != nil {
		return err
	}
	c.mu.Lock()
	s := c.conns[ticketID]
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("client: no open stream for ticket %d", ticketID)
	}
	return s.write(realtime.Frame{Type: realtime.FrameBroadcast, Name: ev.Name, Payload: ev.Payload})
}

type stream struct {
	client   *Client
	ticketID uint64
	conn     *websocket.Conn
	want     map[string]bool
	c        chan realtime.Event

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (s *stream) C() <-chan realtime.Event {
	return s.c
}

func (s *stream) write(f realtime.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(f)
}

func (s *stream) read() {
	defer close(s.c)
	for {
		var f realtime.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				s.client.log.Debug("websocket closed", zap.Uint64("ticket_id", s.ticketID), zap.Error(err))
			}
			return
		}
		if f.Type != realtime.FrameEvent || f.Event == nil || !s.want[f.Event.Channel] {
			continue
		}
		select {
		case s.c <- *f.Event:
		case <-s.done:
			return
		}
	}
}

// Close is idempotent.
func (s *stream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.client.mu.Lock()
		if s.client.conns[s.ticketID] == s {
			delete(s.client.conns, s.ticketID)
		}
		s.client.mu.Unlock()
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}
