package ws

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/minichat/metrics"
	"github.com/mqy/minichat/mirror"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/upload"
)

// ChatApi is the single mutation point of the chat log. postMu is held
// across append + mirror + broadcast, so the global publish order seen
// by every session equals id order, and a clear never interleaves with
// a concurrent post.
type ChatApi struct {
	postMu sync.Mutex

	store   store.IMessageStore
	uploads *upload.FileStore
	mirror  *mirror.Mirror // nil when mirroring is disabled
	hub     *Hub
}

// PostText validates, stores and broadcasts one text message.
func (api *ChatApi) PostText(ctx context.Context, username, text string) (*store.Message, error) {
	api.postMu.Lock()
	defer api.postMu.Unlock()

	msg, err := api.store.Append(ctx, username, store.KindText, text)
	if err != nil {
		return nil, err
	}
	api.published(msg)
	return msg, nil
}

// PostUpload persists the media file, stores the message referencing it
// and broadcasts. The file is removed again when the append fails, so
// a failed post leaves no orphan upload behind.
func (api *ChatApi) PostUpload(ctx context.Context, r io.Reader, contentType, username string) (*store.Message, error) {
	// File I/O stays outside the post lock.
	url, err := api.uploads.Save(ctx, r, contentType, username)
	if err != nil {
		return nil, err
	}
	kind, _ := upload.Kind(contentType) // Save already validated the type

	api.postMu.Lock()
	defer api.postMu.Unlock()

	msg, err := api.store.Append(ctx, username, kind, url)
	if err != nil {
		if err2 := api.uploads.Remove(strings.TrimPrefix(url, upload.URLPrefix)); err2 != nil {
			glog.Errorf("PostUpload(): rollback %s: %v", url, err2)
		}
		return nil, err
	}
	metrics.UploadsStored.Inc()
	api.published(msg)
	return msg, nil
}

// History returns the snapshot clients merge with the live stream.
func (api *ChatApi) History(ctx context.Context, limit int) ([]*store.Message, error) {
	return api.store.History(ctx, limit)
}

// Clear empties the message log and the upload directory and tells
// every session to discard its rendered state.
func (api *ChatApi) Clear(ctx context.Context) error {
	api.postMu.Lock()
	defer api.postMu.Unlock()

	if err := api.store.ClearAll(ctx); err != nil {
		return err
	}
	api.hub.Broadcast(&ServerEvent{Type: EventCleared})
	metrics.AdminClears.Inc()

	// The message log is the source of truth and is already empty;
	// a failed file sweep is logged, not surfaced.
	if err := api.uploads.Clear(ctx); err != nil {
		glog.Errorf("Clear(): upload sweep: %v", err)
	}
	return nil
}

// published runs under postMu after a successful append.
func (api *ChatApi) published(msg *store.Message) {
	metrics.MessagesStored.WithLabelValues(msg.Kind).Inc()
	if api.mirror != nil {
		api.mirror.Publish(msg)
	}
	api.hub.Broadcast(&ServerEvent{Type: EventMessage, Message: msg})
}
