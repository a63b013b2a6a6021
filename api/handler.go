// Package api exposes the HTTP surface: history snapshot, media
// upload, and the admin login/clear operations.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/upload"
	"github.com/mqy/minichat/ws"
)

// Handler holds the shared collaborators of the HTTP endpoints.
type Handler struct {
	chat  *ws.ChatApi
	admin *auth.Admin
}

func NewHandler(chat *ws.ChatApi, admin *auth.Admin) *Handler {
	return &Handler{
		chat:  chat,
		admin: admin,
	}
}

// Register installs the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/history", h.History)
	mux.HandleFunc("/upload", h.Upload)
	mux.HandleFunc("/admin/login", h.AdminLogin)
	mux.HandleFunc("/admin/clear", h.AdminClear)
}

type historyResp struct {
	Messages []*store.Message `json:"messages"`
}

type loginReq struct {
	Password string `json:"password"`
}

type loginResp struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

type okResp struct {
	Ok  bool   `json:"ok"`
	Url string `json:"url,omitempty"`
}

// History serves GET /history?limit=N, messages in ascending id order.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeDetail(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	var limit int
	if s := r.URL.Query().Get("limit"); s != "" {
		// a bad limit falls back to the server default instead of failing.
		limit, _ = strconv.Atoi(s)
	}

	messages, err := h.chat.History(r.Context(), limit)
	if err != nil {
		glog.Errorf("History(): %v", err)
		writeDetail(w, http.StatusInternalServerError, "storage error")
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, &historyResp{Messages: messages})
}

// Upload serves POST /upload?username=<name> with a multipart "file"
// part. The stored message is broadcast before this returns.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	username := r.URL.Query().Get("username")

	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")

	msg, err := h.chat.PostUpload(r.Context(), file, contentType, username)
	switch {
	case errors.Is(err, upload.ErrMediaType):
		metrics.UploadsRejected.WithLabelValues("type").Inc()
		writeDetail(w, http.StatusBadRequest, "only common image and video types are allowed")
		return
	case errors.Is(err, upload.ErrTooLarge):
		metrics.UploadsRejected.WithLabelValues("size").Inc()
		writeDetail(w, http.StatusRequestEntityTooLarge, "file exceeds the upload size limit")
		return
	case err != nil:
		glog.Errorf("Upload(): %v", err)
		writeDetail(w, http.StatusInternalServerError, "storage error")
		return
	}

	writeJSON(w, http.StatusOK, &okResp{Ok: true, Url: msg.Content})
}

// AdminLogin serves POST /admin/login {password}.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req loginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "bad request body")
		return
	}

	token, err := h.admin.Login(req.Password)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "wrong password")
		return
	}
	writeJSON(w, http.StatusOK, &loginResp{Token: token, ExpiresIn: h.admin.TTLSeconds()})
}

// AdminClear serves POST /admin/clear with a bearer token. A bad or
// expired token rejects the request before anything is mutated.
func (h *Handler) AdminClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	token, err := auth.FromHeader(r.Header.Get("Authorization"))
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "missing admin token")
		return
	}
	if err := h.admin.Verify(token); err != nil {
		writeDetail(w, http.StatusUnauthorized, "invalid/expired admin token")
		return
	}

	if err := h.chat.Clear(r.Context()); err != nil {
		glog.Errorf("AdminClear(): %v", err)
		writeDetail(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, &okResp{Ok: true})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("write response: %v", err)
	}
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
