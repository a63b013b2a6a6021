package store

import (
	"context"
	"errors"
)

// Message kinds. Media kinds carry an /uploads/ URL as content.
const (
	KindText  = "text"
	KindImage = "image"
	KindVideo = "video"
)

const (
	// MaxUsernameLen bounds the sanitized username, in runes.
	MaxUsernameLen = 24

	// MaxTextLen bounds text message content, in runes.
	MaxTextLen = 2000

	// AnonymousName replaces an empty username.
	AnonymousName = "Anonymous"
)

// Validation errors. Callers map these to client visible failures;
// nothing is stored when Append returns one of them.
var (
	ErrBadKind      = errors.New("unknown message kind")
	ErrEmptyContent = errors.New("empty message content")
)

// Message is one entry of the append-only chat log.
// Id is assigned by the store, strictly increasing and never reused,
// not even across ClearAll. Ts is the append time in unix seconds.
type Message struct {
	Id       int64  `json:"id"`
	Ts       int64  `json:"ts"`
	Username string `json:"username"`
	Kind     string `json:"kind"`
	Content  string `json:"content"`
}

type IMessageStore interface {
	// Append validates kind and content, sanitizes username, assigns
	// id and ts atomically, and stores the message.
	Append(ctx context.Context, username, kind, content string) (*Message, error)

	// History returns the most recent `limit` messages in ascending id
	// order. The result is a consistent snapshot of a prefix of the
	// append order. limit is clamped to [1, MaxHistoryLimit]; values
	// <= 0 select DefaultHistoryLimit.
	History(ctx context.Context, limit int) ([]*Message, error)

	// ClearAll removes every message. The id sequence is kept so ids
	// assigned after a clear continue from the pre-clear maximum.
	ClearAll(ctx context.Context) error

	// MaxId returns the highest id ever assigned, 0 if none.
	MaxId(ctx context.Context) (int64, error)
}
