package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/golang/glog"
	_ "modernc.org/sqlite"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 300
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts INTEGER NOT NULL,
    username TEXT NOT NULL,
    kind TEXT NOT NULL,
    content TEXT NOT NULL
);`

const (
	insertMessageSQL = "INSERT INTO messages (ts, username, kind, content) VALUES (?,?,?,?)"
	historySQL       = "SELECT id, ts, username, kind, content FROM messages ORDER BY id DESC LIMIT ?"
	clearSQL         = "DELETE FROM messages"
	// AUTOINCREMENT records the high water mark in sqlite_sequence, so
	// a cleared log keeps counting from the old maximum. sqlite_sequence
	// is intentionally left alone on clear.
	maxIdSQL = "SELECT COALESCE(seq, 0) FROM sqlite_sequence WHERE name='messages'"
)

// messageStore implements IMessageStore on a local sqlite file.
type messageStore struct {
	*sql.DB
}

// Open opens (and if needed creates) the message database at path.
// Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*messageStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	// modernc sqlite serializes writers per connection; a single
	// connection avoids SQLITE_BUSY between concurrent appends.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, err
	}
	return &messageStore{db}, nil
}

func (s *messageStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *messageStore) Append(ctx context.Context, username, kind, content string) (*Message, error) {
	switch kind {
	case KindText:
		content = TruncateRunes(trimSpace(content), MaxTextLen)
	case KindImage, KindVideo:
		// content is an opaque storage reference produced by the
		// upload handler, stored verbatim.
	default:
		return nil, ErrBadKind
	}
	if content == "" {
		return nil, ErrEmptyContent
	}

	msg := &Message{
		Ts:       time.Now().Unix(),
		Username: SanitizeUsername(username),
		Kind:     kind,
		Content:  content,
	}

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insertMessageSQL, msg.Ts, msg.Username, msg.Kind, msg.Content)
		if err != nil {
			glog.Errorf("insert message exec err: %v", err)
			return err
		}
		msg.Id, err = res.LastInsertId()
		return err
	}); err != nil {
		return nil, err
	}

	return msg, nil
}

func (s *messageStore) History(ctx context.Context, limit int) ([]*Message, error) {
	// limit <= 0 selects the default window rather than clamping to a
	// single message, matching the IMessageStore contract.
	if limit <= 0 {
		limit = DefaultHistoryLimit
	} else if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	var out []*Message
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, historySQL, limit)
		if err != nil {
			glog.Errorf("history query err: %v", err)
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.Id, &m.Ts, &m.Username, &m.Kind, &m.Content); err != nil {
				glog.Errorf("history scan err: %v", err)
				return err
			}
			out = append(out, &m)
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}

	// Query is newest first; callers want ascending id order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *messageStore) ClearAll(ctx context.Context) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, clearSQL)
		return err
	})
}

func (s *messageStore) MaxId(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	row := s.QueryRowContext(ctx, maxIdSQL)
	if err := row.Scan(&max); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	if max.Valid {
		return max.Int64, nil
	}
	return 0, nil
}
