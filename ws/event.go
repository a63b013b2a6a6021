package ws

import "github.com/mqy/minichat/store"

// Server to client frame types.
const (
	EventMessage = "message"
	EventCleared = "cleared"
)

// ServerEvent is one server to client JSON frame: either a new message
// or a clear-all notification.
type ServerEvent struct {
	Type    string         `json:"type"`
	Message *store.Message `json:"message,omitempty"`
}

// ClientFrame is a client to server JSON frame. Only text sends travel
// over the socket; media goes through the upload endpoint.
type ClientFrame struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Text     string `json:"text,omitempty"`
}
