package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ernie/mcgate/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
	queueSize      = 64
)

// eventTypes are the values accepted in ?events=
var eventTypes = []string{
	domain.EventServerUpdate,
	domain.EventLabelChanged,
	domain.EventVerification,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Read-only feed, same policy as the CORS headers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Feed streams domain events to WebSocket subscribers as JSON frames, one
// event per frame. A subscriber chooses event types with ?events=a,b and
// gets all of them otherwise. On connect it is sent the latest server_update
// so it never starts blank. A subscriber whose queue fills up is
// disconnected.
type Feed struct {
	status StatusSource
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	conn   *websocket.Conn
	topics map[string]bool
	queue  chan domain.Event
	remote string
}

func (s *subscriber) wants(eventType string) bool {
	return len(s.topics) == 0 || s.topics[eventType]
}

// NewFeed creates a Feed. status may be nil.
func NewFeed(status StatusSource, logger *slog.Logger) *Feed {
	return &Feed{
		status: status,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run publishes events until ctx is done or events is closed, then
// disconnects every subscriber and refuses new ones.
func (f *Feed) Run(ctx context.Context, events <-chan domain.Event) {
	defer f.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			f.Publish(ev)
		}
	}
}

// Publish queues ev for every subscriber that asked for its type
func (f *Feed) Publish(ev domain.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.queue <- ev:
		default:
			f.logger.Warn("websocket subscriber too slow, disconnecting",
				slog.String("remote", s.remote),
				slog.String("event", ev.Type))
			f.dropLocked(s)
		}
	}
}

// Subscribers returns the number of connected subscribers
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *Feed) add(s *subscriber) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if f.status != nil && s.wants(domain.EventServerUpdate) {
		if st, _ := f.status.Snapshot(); st != nil {
			s.queue <- domain.Event{Type: domain.EventServerUpdate, Timestamp: st.LastUpdated, Data: st}
		}
	}
	f.subs[s] = struct{}{}
	n := len(f.subs)
	f.logger.Info("websocket subscriber connected", slog.String("remote", s.remote), slog.Int("total", n))
	return true
}

func (f *Feed) remove(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropLocked(s) {
		f.logger.Info("websocket subscriber disconnected", slog.String("remote", s.remote), slog.Int("total", len(f.subs)))
	}
}

// dropLocked closes s's queue; its writer then sends a close frame
func (f *Feed) dropLocked(s *subscriber) bool {
	if _, ok := f.subs[s]; !ok {
		return false
	}
	delete(f.subs, s)
	close(s.queue)
	return true
}

func (f *Feed) shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for s := range f.subs {
		f.dropLocked(s)
	}
}

// parseTopics reads ?events=. An empty value subscribes to everything.
func parseTopics(raw string) (map[string]bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	topics := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if !slices.Contains(eventTypes, t) {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		topics[t] = true
	}
	return topics, nil
}

// remoteHost is the address logged for a subscriber. A reverse proxy in
// front of the API sets X-Forwarded-For or X-Real-IP.
func remoteHost(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	topics, err := parseTopics(req.URL.Query().Get("events"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := &subscriber{
		conn:   conn,
		topics: topics,
		queue:  make(chan domain.Event, queueSize),
		remote: remoteHost(req),
	}
	if !r.feed.add(s) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go r.feed.write(s)
	go r.feed.read(s)
}

// read drains the connection so pongs and the peer's close are seen.
// Subscribers never send anything meaningful.
func (f *Feed) read(s *subscriber) {
	defer func() {
		f.remove(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				f.logger.Debug("websocket read failed", slog.String("remote", s.remote), slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (f *Feed) write(s *subscriber) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-s.queue:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				f.logger.Debug("websocket write failed", slog.String("remote", s.remote), slog.String("error", err.Error()))
				return
			}

		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
