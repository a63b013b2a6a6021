package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/mirror"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/upload"
)

// Hub owns the set of live websocket sessions and fans chat events out
// to all of them.
type Hub struct {
	api    *ChatApi
	hstore *HandlerStore
}

// NewHub creates a Hub and its ChatApi. mir may be nil.
func NewHub(messageStore store.IMessageStore, uploads *upload.FileStore, mir *mirror.Mirror) *Hub {
	h := &Hub{
		hstore: newHandlerStore(),
	}
	h.api = &ChatApi{
		store:   messageStore,
		uploads: uploads,
		mirror:  mir,
		hub:     h,
	}
	return h
}

// Api returns the serialized mutation entry point shared with the HTTP
// layer.
func (h *Hub) Api() *ChatApi {
	return h.api
}

// ServeHTTP upgrades the request and starts the session loops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// If the upgrade fails, Upgrade replies to the client itself.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrade error: %v", err)
		return
	}

	handler := &Handler{
		hub:        h,
		api:        h.api,
		sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		ip:         getRemoteIP(r),
		createTime: time.Now().Unix(),
		conn:       conn,
		dataChan:   make(chan *SessionData, dataChanDepth),
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.V(5).Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(handler.sid)
		return nil
	})

	h.addHandler(handler)
	glog.V(5).Infof("session opened: %s", handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

// Broadcast delivers ev to every registered session, same relative
// order for all of them.
func (h *Hub) Broadcast(ev *ServerEvent) {
	metrics.EventsBroadcast.WithLabelValues(ev.Type).Inc()
	h.hstore.broadcast(ev)
}

// Sessions returns the number of live sessions.
func (h *Hub) Sessions() int {
	return h.hstore.count()
}

// Shutdown closes every live session. Used on server stop.
func (h *Hub) Shutdown(ctx context.Context) {
	glog.Infof("close connections ...")
	h.hstore.close()
	metrics.SessionsLive.Set(0)
	glog.Infof("close connections done")
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	metrics.SessionsLive.Inc()
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		metrics.SessionsLive.Dec()
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			for _, x := range strings.Split(ips, ",") {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
