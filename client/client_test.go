package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/upload"
	"github.com/mqy/minichat/ws"
)

type recorder struct {
	mu       sync.Mutex
	messages []*store.Message
	clears   int
}

func (r *recorder) onMessage(m *store.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
}

func (r *recorder) onClear() {
	r.mu.Lock()
	r.clears++
	r.mu.Unlock()
}

func (r *recorder) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Id
	}
	return out
}

func (r *recorder) clearCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clears
}

func newTestServer(t *testing.T) (*httptest.Server, *ws.Hub) {
	t.Helper()
	base := t.TempDir()

	s, err := store.Open(context.Background(), filepath.Join(base, "chat.db"))
	require.NoError(t, err)

	fs, err := upload.NewFileStore(filepath.Join(base, "uploads"), filepath.Join(base, "uploads.db"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })

	hub := ws.NewHub(s, fs, nil)
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	api.NewHandler(hub.Api(), auth.New("secret", "pw", "", 0)).Register(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, hub
}

func startSession(t *testing.T, server *httptest.Server, rec *recorder, username string) (*Session, context.CancelFunc) {
	t.Helper()
	s := New(Config{
		BaseURL:       server.URL,
		Username:      username,
		RetryInterval: 50 * time.Millisecond,
		OnMessage:     rec.onMessage,
		OnClear:       rec.onClear,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
	return s, cancel
}

func waitLive(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == Live }, 5*time.Second, 10*time.Millisecond)
}

func TestSnapshotThenLiveStream(t *testing.T) {
	server, hub := newTestServer(t)
	ctx := context.Background()

	// history exists before the session connects.
	for i := 0; i < 3; i++ {
		_, err := hub.Api().PostText(ctx, "Alice", "old")
		require.NoError(t, err)
	}

	rec := &recorder{}
	s, _ := startSession(t, server, rec, "Bob")
	waitLive(t, s)

	assert.Equal(t, []int64{1, 2, 3}, rec.ids())
	assert.Equal(t, int64(3), s.LastDeliveredId())

	// live messages continue the sequence.
	_, err := hub.Api().PostText(ctx, "Alice", "new")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.LastDeliveredId() == 4 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4}, rec.ids())
}

func TestExactlyOnceAcrossReconnect(t *testing.T) {
	server, hub := newTestServer(t)
	ctx := context.Background()

	rec := &recorder{}
	s, _ := startSession(t, server, rec, "Bob")
	waitLive(t, s)

	for i := 0; i < 3; i++ {
		_, err := hub.Api().PostText(ctx, "Alice", "before drop")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return s.LastDeliveredId() == 3 }, 5*time.Second, 10*time.Millisecond)

	// drop the transport; messages keep flowing while disconnected.
	s.abort()
	for i := 0; i < 2; i++ {
		_, err := hub.Api().PostText(ctx, "Alice", "while down")
		require.NoError(t, err)
	}

	// the session resyncs from the snapshot and delivers only the two
	// unseen messages: no duplicates, no gaps.
	require.Eventually(t, func() bool { return s.LastDeliveredId() == 5 }, 5*time.Second, 10*time.Millisecond)
	waitLive(t, s)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, rec.ids())

	// and the live stream continues.
	_, err := hub.Api().PostText(ctx, "Alice", "after resync")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.LastDeliveredId() == 6 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, rec.ids())
}

func TestClearedEvent(t *testing.T) {
	server, hub := newTestServer(t)
	ctx := context.Background()

	rec := &recorder{}
	s, _ := startSession(t, server, rec, "Bob")
	waitLive(t, s)

	_, err := hub.Api().PostText(ctx, "Alice", "doomed")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.LastDeliveredId() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Api().Clear(ctx))
	require.Eventually(t, func() bool { return rec.clearCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// the delivery cursor is unaffected: ids keep increasing, so the
	// next message is still delivered.
	assert.Equal(t, int64(1), s.LastDeliveredId())

	_, err = hub.Api().PostText(ctx, "Alice", "fresh start")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.LastDeliveredId() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestSendRequiresLive(t *testing.T) {
	server, _ := newTestServer(t)

	rec := &recorder{}
	s := New(Config{
		BaseURL:   server.URL,
		Username:  "Alice",
		OnMessage: rec.onMessage,
	})

	// not started yet.
	assert.ErrorIs(t, s.Send("too early"), ErrNotLive)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitLive(t, s)

	require.NoError(t, s.Send("hello"))

	// the send is stored and comes back on the own stream.
	require.Eventually(t, func() bool { return s.LastDeliveredId() == 1 }, 5*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	m := rec.messages[0]
	rec.mu.Unlock()
	assert.Equal(t, "Alice", m.Username)
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, store.KindText, m.Kind)
}

func TestRunStopsOnCancel(t *testing.T) {
	server, _ := newTestServer(t)

	s := New(Config{BaseURL: server.URL, Username: "Bob", RetryInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	waitLive(t, s)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel; retry timer leaked")
	}
	assert.Equal(t, Disconnected, s.State())
}
