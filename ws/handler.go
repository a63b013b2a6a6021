package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/store"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	ServerStop   SessionError = 4
	SlowConsumer SessionError = 5
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096

	// per session send queue depth.
	dataChanDepth = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The chat is same-origin in practice but served behind arbitrary
	// reverse proxies, so origin is not checked.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler manages one active websocket connection. Every connection is
// an independent session: the server keeps no delivery cursor for it,
// the client resyncs from /history after a reconnect.
type Handler struct {
	sync.Mutex

	hub *Hub
	api *ChatApi

	sid        string
	ip         string
	createTime int64

	conn     *websocket.Conn
	dataChan chan *SessionData

	closing bool
}

// SessionData is the data structure for dataChan.
type SessionData struct {
	Error SessionError
	Event *ServerEvent
}

func (h *Handler) String() string {
	return h.sid + "@" + h.ip
}

// close marks the session closing and closes the send queue. The close
// frame and the conn teardown happen on the sendLoop goroutine, the
// only writer of the connection. No lock is held while touching the
// hub's handler store.
func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	h.closing = true
	close(h.dataChan)
	h.Unlock()

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		h.hub.delHandler(h.sid)
	}
}

// enqueue appends v to the send queue without blocking. Returns false
// only when the queue is full; a closing session swallows v and
// reports true.
func (h *Handler) enqueue(v *SessionData) bool {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return true
	}
	select {
	case h.dataChan <- v:
		return true
	default:
		return false
	}
}

func sendEvent(conn *websocket.Conn, ev *ServerEvent) error {
	out, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

// recvLoop reads client frames and posts text messages. Malformed or
// unsupported frames are skipped, storage failures are logged and the
// session keeps serving.
func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing {
		_, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			if !h.enqueue(&SessionData{Error: ReadError}) {
				// full queue, the error would never drain; close here.
				h.close(ReadError)
			}
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client frame: %s", string(msg))

		var frame ClientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			glog.Errorf("recvLoop(): bad frame: %s, err: %v", string(msg), err)
			continue
		}
		if frame.Type != EventMessage {
			glog.V(5).Infof("recvLoop(): skip frame type %q", frame.Type)
			continue
		}

		if _, err := h.api.PostText(context.Background(), frame.Username, frame.Text); err != nil {
			if errors.Is(err, store.ErrEmptyContent) {
				continue
			}
			glog.Errorf("recvLoop(): post text error, session: %s, err: %v", h, err)
		}
	}
}

// sendLoop is the single writer of the connection: events, pings and
// the final close frame all go out from here.
func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		h.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
		h.conn.Close()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // close() already ran
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			}

			if err := sendEvent(h.conn, v.Event); err != nil {
				glog.Errorf("sendLoop(): write error, session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.V(5).Infof("sendLoop(): ping error, session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
