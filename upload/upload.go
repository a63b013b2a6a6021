// Package upload persists user submitted media files and keeps a
// durable index of what was uploaded by whom.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"go.etcd.io/bbolt"

	"github.com/mqy/minichat/store"
)

// URLPrefix is where stored files are served from.
const URLPrefix = "/uploads/"

var (
	ErrMediaType = errors.New("unsupported media type")
	ErrTooLarge  = errors.New("file exceeds the upload size limit")
)

// fileExt maps accepted media types to the stored file extension.
var fileExt = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

var indexBucket = []byte("uploads")

// Meta is the per-file index record.
type Meta struct {
	Username string `json:"username"`
	Mime     string `json:"mime"`
	Size     int64  `json:"size"`
	Ts       int64  `json:"ts"`
}

// Kind returns the message kind for an accepted media type.
func Kind(contentType string) (string, bool) {
	if _, ok := fileExt[contentType]; !ok {
		return "", false
	}
	if strings.HasPrefix(contentType, "video/") {
		return store.KindVideo, true
	}
	return store.KindImage, true
}

// FileStore writes media files under dir and indexes them in a bbolt
// database. The index lives outside dir so Clear can wipe dir blindly.
type FileStore struct {
	dir      string
	maxBytes int64
	db       *bbolt.DB
}

func NewFileStore(dir, indexPath string, maxUploadMB int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0750); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(indexPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &FileStore{
		dir:      dir,
		maxBytes: int64(maxUploadMB) * 1024 * 1024,
		db:       db,
	}, nil
}

func (fs *FileStore) Close() error {
	return fs.db.Close()
}

// MaxBytes is the configured per-file size limit.
func (fs *FileStore) MaxBytes() int64 {
	return fs.maxBytes
}

// Save validates and persists one media file, returning the URL path
// usable as message content. The file is written to a temp name and
// renamed into place; any failure leaves no partial file behind.
func (fs *FileStore) Save(ctx context.Context, r io.Reader, contentType, username string) (string, error) {
	ext, ok := fileExt[contentType]
	if !ok {
		return "", ErrMediaType
	}

	// Read one byte past the limit to tell "at limit" from "over".
	raw, err := io.ReadAll(io.LimitReader(r, fs.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if int64(len(raw)) > fs.maxBytes {
		return "", ErrTooLarge
	}

	name := strings.ReplaceAll(uuid.New(), "-", "") + ext
	final := filepath.Join(fs.dir, name)
	tmp := filepath.Join(fs.dir, ".tmp-"+name)

	if err := os.WriteFile(tmp, raw, 0640); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish upload: %w", err)
	}

	meta := &Meta{
		Username: store.SanitizeUsername(username),
		Mime:     contentType,
		Size:     int64(len(raw)),
		Ts:       time.Now().Unix(),
	}
	value, _ := json.Marshal(meta)

	if err := fs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexBucket).Put([]byte(name), value)
	}); err != nil {
		_ = os.Remove(final)
		return "", fmt.Errorf("index upload: %w", err)
	}

	glog.V(5).Infof("stored upload %s (%s, %d bytes) from %s", name, contentType, len(raw), meta.Username)
	return URLPrefix + name, nil
}

// Get returns the index record for a stored file name, nil if unknown.
func (fs *FileStore) Get(name string) (*Meta, error) {
	var meta *Meta
	err := fs.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(indexBucket).Get([]byte(name))
		if value == nil {
			return nil
		}
		meta = &Meta{}
		return json.Unmarshal(value, meta)
	})
	return meta, err
}

// Count returns the number of indexed files.
func (fs *FileStore) Count() (int, error) {
	var n int
	err := fs.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(indexBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Remove deletes one stored file and its index entry. Used to roll an
// upload back when the message append fails.
func (fs *FileStore) Remove(name string) error {
	if err := fs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexBucket).Delete([]byte(name))
	}); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(fs.dir, name))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Clear removes every stored file and empties the index. Unlink
// failures are logged and skipped so a stuck file cannot wedge the
// admin clear operation.
func (fs *FileStore) Clear(ctx context.Context) error {
	if err := fs.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(indexBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(indexBucket)
		return err
	}); err != nil {
		return err
	}

	// Sweep the directory itself to also catch files that predate the
	// index or leftover temp files.
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(fs.dir, e.Name())); err != nil {
			glog.Errorf("clear uploads: remove %s: %v", e.Name(), err)
		}
	}
	return nil
}
