package ws

import (
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/minichat/metrics"
)

// memory handler store for live sessions.
type HandlerStore struct {
	sync.Mutex
	handlers map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{
		handlers: make(map[string]*Handler),
	}
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	hs.handlers[handler.sid] = handler
	hs.Unlock()
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

func (hs *HandlerStore) count() int {
	hs.Lock()
	defer hs.Unlock()
	return len(hs.handlers)
}

// broadcast hands ev to every live handler inside one critical
// section, so all sessions observe publishes in the same relative
// order. A handler with a full send queue is too slow to keep up; the
// event is dropped and the session closed, its reconnect resync is the
// recovery path.
func (hs *HandlerStore) broadcast(ev *ServerEvent) {
	var slow []*Handler

	hs.Lock()
	for _, h := range hs.handlers {
		if !h.enqueue(&SessionData{Event: ev}) {
			glog.Errorf("broadcast: session %s send queue full, dropping", h.sid)
			metrics.EventsDropped.Inc()
			slow = append(slow, h)
		}
	}
	hs.Unlock()

	// close() re-enters the store lock via delHandler, so slow sessions
	// are closed only after the lock is released. The connection itself
	// is torn down by each session's own sendLoop.
	for _, h := range slow {
		h.close(SlowConsumer)
	}
}

func (hs *HandlerStore) close() {
	hs.Lock()
	slice := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		slice = append(slice, h)
	}
	hs.Unlock()

	for _, h := range slice {
		h.close(ServerStop)
	}
}
