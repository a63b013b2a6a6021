// Package client implements the chat sync engine: a per-connection
// state machine that merges a history snapshot with the live websocket
// stream so every message is rendered exactly once, and that resyncs
// automatically after a disconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

// State is the connection state of a Session.
type State int

const (
	Connecting State = iota
	Live
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	// DefaultRetryInterval is the fixed reconnect backoff.
	DefaultRetryInterval = 700 * time.Millisecond

	// DefaultHistoryLimit bounds the resync snapshot. Messages that
	// scrolled past this window while the client was disconnected are
	// permanently missed; that is a documented limitation, not a bug.
	DefaultHistoryLimit = 120

	writeWait = 3 * time.Second
)

// ErrNotLive is returned by Send while the session is connecting or
// disconnected. Outbound sends are never queued across reconnects.
var ErrNotLive = errors.New("session is not live")

// Config configures a Session. Callbacks are invoked from the session
// goroutine, one at a time.
type Config struct {
	// BaseURL is the server root, e.g. "http://127.0.0.1:8000".
	BaseURL  string
	Username string

	HistoryLimit  int
	RetryInterval time.Duration

	OnMessage     func(*store.Message)
	OnClear       func()
	OnStateChange func(State)

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Session is one client's live connection and delivery cursor.
// Run drives Connecting -> Live -> Disconnected -> Connecting until
// the context is cancelled.
type Session struct {
	cfg Config

	mu              sync.Mutex
	state           State
	lastDeliveredId int64
	conn            *websocket.Conn
}

func New(cfg Config) *Session {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Session{
		cfg:   cfg,
		state: Disconnected,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastDeliveredId returns the highest message id delivered so far.
func (s *Session) LastDeliveredId() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDeliveredId
}

// Send posts a text message over the live socket. Rejected with
// ErrNotLive unless the session is Live.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Live || s.conn == nil {
		return ErrNotLive
	}

	frame := &ws.ClientFrame{
		Type:     ws.EventMessage,
		Username: s.cfg.Username,
		Text:     text,
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, out)
}

// Run blocks until ctx is cancelled, reconnecting with a fixed backoff
// after every transport failure. The retry timer is owned by this loop
// and dies with the context, so a torn down session leaves no timer
// behind.
func (s *Session) Run(ctx context.Context) {
	defer s.setState(Disconnected)

	for {
		s.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		glog.V(5).Infof("session disconnected, retrying in %s", s.cfg.RetryInterval)
		timer := time.NewTimer(s.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce runs one Connecting -> Live cycle: subscribe first, then
// fetch the snapshot, then stream. Events that arrive between the
// subscribe and the snapshot sit in the socket and are replayed through
// the same id filter afterwards, so nothing is missed and nothing is
// delivered twice.
func (s *Session) connectOnce(ctx context.Context) {
	s.setState(Connecting)

	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.wsURL(), nil)
	if err != nil {
		glog.V(5).Infof("dial: %v", err)
		s.setState(Disconnected)
		return
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		conn.Close()
		s.setState(Disconnected)
	}()

	// Unblock the read loop on teardown.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	snapshot, err := s.fetchHistory(ctx)
	if err != nil {
		glog.V(5).Infof("history: %v", err)
		return
	}
	for _, m := range snapshot {
		s.deliver(m)
	}

	s.setState(Live)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("read: %v", err)
			return
		}

		var ev ws.ServerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			glog.Errorf("bad server frame: %s, err: %v", string(raw), err)
			continue
		}

		switch ev.Type {
		case ws.EventMessage:
			if ev.Message != nil {
				s.deliver(ev.Message)
			}
		case ws.EventCleared:
			// rendered state goes away; the delivery cursor stays,
			// ids keep increasing across clears.
			glog.V(5).Info("cleared event")
			if s.cfg.OnClear != nil {
				s.cfg.OnClear()
			}
		default:
			glog.V(5).Infof("skip server frame type %q", ev.Type)
		}
	}
}

// deliver hands m to OnMessage unless it was already delivered.
func (s *Session) deliver(m *store.Message) {
	s.mu.Lock()
	if m.Id <= s.lastDeliveredId {
		s.mu.Unlock()
		return
	}
	s.lastDeliveredId = m.Id
	s.mu.Unlock()

	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(m)
	}
}

func (s *Session) fetchHistory(ctx context.Context) ([]*store.Message, error) {
	url := fmt.Sprintf("%s/history?limit=%d", strings.TrimSuffix(s.cfg.BaseURL, "/"), s.cfg.HistoryLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Messages []*store.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

func (s *Session) wsURL() string {
	base := strings.TrimSuffix(s.cfg.BaseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	glog.V(5).Infof("session state: %s", state)
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(state)
	}
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// abort drops the current transport, forcing the Run loop through one
// Disconnected -> Connecting cycle. Used by tests.
func (s *Session) abort() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
