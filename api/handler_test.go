package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/store"
	mock_store "github.com/mqy/minichat/store/mock"
	"github.com/mqy/minichat/upload"
	"github.com/mqy/minichat/ws"
)

const (
	testSecret   = "test-secret"
	testPassword = "hunter2"
)

func newTestServer(t *testing.T) (*httptest.Server, store.IMessageStore, *upload.FileStore, *auth.Admin) {
	t.Helper()
	base := t.TempDir()

	s, err := store.Open(context.Background(), filepath.Join(base, "chat.db"))
	require.NoError(t, err)

	fs, err := upload.NewFileStore(filepath.Join(base, "uploads"), filepath.Join(base, "uploads.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })

	admin := auth.New(testSecret, testPassword, "", time.Minute)
	hub := ws.NewHub(s, fs, nil)

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	NewHandler(hub.Api(), admin).Register(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, s, fs, admin
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func multipartBody(t *testing.T, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="upload.bin"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return &buf, w.FormDataContentType()
}

func TestHistoryEndpoint(t *testing.T) {
	server, s, _, _ := newTestServer(t)

	var resp struct {
		Messages []*store.Message `json:"messages"`
	}
	code := getJSON(t, server.URL+"/history", &resp)
	assert.Equal(t, http.StatusOK, code)
	// empty history is an empty array, not null.
	assert.NotNil(t, resp.Messages)
	assert.Empty(t, resp.Messages)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, "Alice", store.KindText, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	code = getJSON(t, server.URL+"/history?limit=3", &resp)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, resp.Messages[0].Id+1, resp.Messages[1].Id)
	assert.Equal(t, resp.Messages[1].Id+1, resp.Messages[2].Id)
	assert.Equal(t, "m9", resp.Messages[2].Content)

	// junk limit falls back to the default.
	code = getJSON(t, server.URL+"/history?limit=zzz", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, resp.Messages, 10)
}

func TestHistoryStorageError(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	storeMock := mock_store.NewMockIMessageStore(mockCtrl)
	storeMock.EXPECT().History(gomock.Any(), 0).Return(nil, errors.New("disk error")).Times(1)

	base := t.TempDir()
	fs, err := upload.NewFileStore(filepath.Join(base, "uploads"), filepath.Join(base, "uploads.db"), 1)
	require.NoError(t, err)
	defer fs.Close()

	hub := ws.NewHub(storeMock, fs, nil)
	mux := http.NewServeMux()
	NewHandler(hub.Api(), auth.New(testSecret, testPassword, "", 0)).Register(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	var resp map[string]string
	code := getJSON(t, server.URL+"/history", &resp)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "storage error", resp["detail"])
}

func TestUploadEndpoint(t *testing.T) {
	server, s, fs, _ := newTestServer(t)

	body, contentType := multipartBody(t, "image/png", []byte("png-bytes"))
	resp, err := http.Post(server.URL+"/upload?username=Alice", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ok struct {
		Ok  bool   `json:"ok"`
		Url string `json:"url"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ok))
	assert.True(t, ok.Ok)
	assert.True(t, strings.HasPrefix(ok.Url, upload.URLPrefix))

	// the upload produced exactly one image message.
	hist, err := s.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.KindImage, hist[0].Kind)
	assert.Equal(t, ok.Url, hist[0].Content)
	assert.Equal(t, "Alice", hist[0].Username)

	n, err := fs.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUploadRejections(t *testing.T) {
	server, s, fs, _ := newTestServer(t)

	// disallowed media type.
	body, contentType := multipartBody(t, "application/pdf", []byte("%PDF"))
	resp, err := http.Post(server.URL+"/upload?username=Alice", contentType, body)
	require.NoError(t, err)
	var detail map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, detail["detail"])

	// oversized file (limit is 1 MB in newTestServer).
	body, contentType = multipartBody(t, "image/png", bytes.Repeat([]byte("a"), 1024*1024+1))
	resp, err = http.Post(server.URL+"/upload?username=Alice", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	// missing file part.
	resp, err = http.Post(server.URL+"/upload?username=Alice", "multipart/form-data; boundary=x", strings.NewReader("--x--"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// nothing stored, nothing appended.
	hist, err := s.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, hist)

	n, err := fs.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAdminLogin(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	resp, err := http.Post(server.URL+"/admin/login", "application/json",
		strings.NewReader(`{"password":"wrong"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(server.URL+"/admin/login", "application/json",
		strings.NewReader(`{"password":"hunter2"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Token)
	assert.Equal(t, int64(60), body.ExpiresIn)
}

func adminClear(t *testing.T, serverURL, token string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, serverURL+"/admin/clear", nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestAdminClear(t *testing.T) {
	server, s, _, admin := newTestServer(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "Alice", store.KindText, "keep until cleared")
	require.NoError(t, err)

	// missing and invalid tokens reject without touching the store.
	assert.Equal(t, http.StatusUnauthorized, adminClear(t, server.URL, ""))
	assert.Equal(t, http.StatusUnauthorized, adminClear(t, server.URL, "bogus.token"))

	hist, err := s.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	token, err := admin.Login(testPassword)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, adminClear(t, server.URL, token))

	hist, err = s.History(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestAdminClearExpiredToken(t *testing.T) {
	base := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(base, "chat.db"))
	require.NoError(t, err)
	fs, err := upload.NewFileStore(filepath.Join(base, "uploads"), filepath.Join(base, "uploads.db"), 1)
	require.NoError(t, err)
	defer fs.Close()

	// 1ns TTL rounds down to a zero-second lifetime: the token expires
	// as soon as the clock ticks to the next second.
	admin := auth.New(testSecret, testPassword, "", time.Nanosecond)
	hub := ws.NewHub(s, fs, nil)
	mux := http.NewServeMux()
	NewHandler(hub.Api(), admin).Register(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err = s.Append(context.Background(), "Alice", store.KindText, "survives expired clear")
	require.NoError(t, err)

	token, err := admin.Login(testPassword)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return errors.Is(admin.Verify(token), auth.ErrExpiredToken)
	}, 3*time.Second, 50*time.Millisecond)

	assert.Equal(t, http.StatusUnauthorized, adminClear(t, server.URL, token))

	hist, err := s.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}
