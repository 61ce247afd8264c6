package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/ogthumb/internal/encode"
	"github.com/maauso/ogthumb/internal/media"
	"github.com/maauso/ogthumb/internal/media/mediatest"
	"github.com/maauso/ogthumb/internal/session"
	"github.com/maauso/ogthumb/internal/storage"
)

// mp4Header is the leading ftyp box of an ISO base media file.
var mp4Header = []byte{0, 0, 0, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0, 0, 2, 0, 'i', 's', 'o', 'm', 'm', 'p', '4', '1'}

var testMeta = media.Metadata{Width: 640, Height: 360, Duration: 12, FrameRate: 25}

type testEnv struct {
	router http.Handler
	opener *mediatest.Opener
	store  *storage.LocalStorage
}

func newTestEnv(t *testing.T, opts ...HandlerOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	opener := mediatest.NewOpener(testMeta)

	cfg := session.DefaultConfig()
	cfg.SeekTimeout = 200 * time.Millisecond
	svc := session.NewService(session.NewMemoryRepository(), store, opener, cfg, session.WithLogger(logger))
	t.Cleanup(func() { _ = svc.CloseAll(context.Background()) })

	h := NewHandlers(svc, logger, opts...)
	return &testEnv{
		router: NewRouter(h, logger, DefaultConfig()),
		opener: opener,
		store:  store,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(method, target string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/sessions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func videoBytes() []byte {
	return append(append([]byte{}, mp4Header...), bytes.Repeat([]byte{0}, 4096)...)
}

// createSession uploads a video and returns the created session.
func (e *testEnv) createSession(t *testing.T) SessionResponse {
	t.Helper()
	rec := e.do(uploadRequest(t, "video", "clip.mp4", videoBytes()))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	err := json.NewDecoder(rec.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}

func TestCreateSession_Upload(t *testing.T) {
	e := newTestEnv(t)

	resp := e.createSession(t)

	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "READY", resp.Status)
	assert.Equal(t, "clip.mp4", resp.SourceName)
	assert.True(t, resp.Captured)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, 640, resp.Metadata.Width)
	assert.Equal(t, 12.0, resp.Metadata.Duration)

	require.NotNil(t, resp.Thumbnail)
	assert.Equal(t, "image/jpeg", resp.Thumbnail.MIMEType)
	assert.Equal(t, 1200, resp.Thumbnail.Width)
	assert.Equal(t, 630, resp.Thumbnail.Height)
	assert.Equal(t, 5.0, resp.Thumbnail.Position)
	assert.Equal(t, "auto", resp.Thumbnail.Mode)
	assert.True(t, strings.HasPrefix(resp.Thumbnail.DataURL, "data:image/jpeg;base64,"))
}

func TestCreateSession_UploadWithoutExtension(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(uploadRequest(t, "video", "clip", videoBytes()))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "clip.mp4", resp.SourceName)
}

func TestCreateSession_UploadNotVideo(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(uploadRequest(t, "video", "notes.mp4", []byte("just some text, not a video")))

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "UNSUPPORTED_MEDIA_TYPE", decodeError(t, rec).Code)
}

func TestCreateSession_UploadMissingField(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(uploadRequest(t, "file", "clip.mp4", videoBytes()))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_VIDEO", decodeError(t, rec).Code)
}

func TestCreateSession_UploadTooLarge(t *testing.T) {
	e := newTestEnv(t, WithMaxUploadBytes(1024))

	rec := e.do(uploadRequest(t, "video", "clip.mp4", videoBytes()))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "VIDEO_TOO_LARGE", decodeError(t, rec).Code)
}

func TestCreateSession_InvalidSource(t *testing.T) {
	e := newTestEnv(t)
	e.opener.New = func(string) *mediatest.Resource {
		r := mediatest.NewAutoResource(testMeta)
		r.FailLoad(media.ErrNoVideoStream)
		return r
	}

	rec := e.do(uploadRequest(t, "video", "clip.mp4", videoBytes()))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "INVALID_SOURCE", resp.Code)
	assert.NotEmpty(t, resp.SessionID)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/sessions/"+resp.SessionID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var sess SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sess))
	assert.Equal(t, "FAILED", sess.Status)
	assert.NotEmpty(t, sess.Error)
	assert.Nil(t, sess.Thumbnail)
}

func TestCreateSession_JSONValidation(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"no source", CreateSessionRequest{}, "VALIDATION_ERROR"},
		{"both sources", CreateSessionRequest{URL: "https://example.com/a.mp4", S3Key: "a.mp4"}, "VALIDATION_ERROR"},
		{"bad url", CreateSessionRequest{URL: "ftp://example.com/a.mp4"}, "VALIDATION_ERROR"},
		{"url disabled", CreateSessionRequest{URL: "https://example.com/a.mp4"}, "URL_SOURCE_DISABLED"},
		{"s3 disabled", CreateSessionRequest{S3Key: "videos/a.mp4"}, "S3_NOT_CONFIGURED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.doJSON(http.MethodPost, "/sessions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestCreateSession_InvalidJSON(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("{invalid"))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_JSON", decodeError(t, rec).Code)
}

func TestCreateSession_UnsupportedContentType(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("x"))
	req.Header.Set("Content-Type", "text/plain")
	rec := e.do(req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestGetSession_NotFound(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/sessions/ses_missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeError(t, rec).Code)
}

func TestListSessions(t *testing.T) {
	e := newTestEnv(t)
	first := e.createSession(t)
	second := e.createSession(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Sessions, 2)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, []string{resp.Sessions[0].ID, resp.Sessions[1].ID})
	require.NotNil(t, resp.Sessions[0].Thumbnail)
	assert.Empty(t, resp.Sessions[0].Thumbnail.DataURL)
}

func TestCapture(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t)

	t.Run("captures at timestamp", func(t *testing.T) {
		rec := e.doJSON(http.MethodPost, "/sessions/"+sess.ID+"/capture", CaptureRequest{Timestamp: ptr(7.0)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp SessionResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.NotNil(t, resp.Thumbnail)
		assert.Equal(t, 7.0, resp.Thumbnail.Position)
		assert.Equal(t, "seek", resp.Thumbnail.Mode)
	})

	t.Run("clamps past the end", func(t *testing.T) {
		rec := e.doJSON(http.MethodPost, "/sessions/"+sess.ID+"/capture", CaptureRequest{Timestamp: ptr(99.0)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp SessionResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, 12.0, resp.Thumbnail.Position)
	})

	t.Run("requires timestamp", func(t *testing.T) {
		rec := e.doJSON(http.MethodPost, "/sessions/"+sess.ID+"/capture", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
	})

	t.Run("rejects negative timestamp", func(t *testing.T) {
		rec := e.doJSON(http.MethodPost, "/sessions/"+sess.ID+"/capture", CaptureRequest{Timestamp: ptr(-1.0)})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCapture_Timeout(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t)
	e.opener.Last().AutoSeek = false

	rec := e.doJSON(http.MethodPost, "/sessions/"+sess.ID+"/capture", CaptureRequest{Timestamp: ptr(7.0)})

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "SEEK_TIMEOUT", decodeError(t, rec).Code)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID+"/thumbnail?format=json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var th ThumbnailResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&th))
	assert.Equal(t, 5.0, th.Position)
}

func TestPlayPauseCaptureCurrent(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t)

	rec := e.do(httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/play", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Playing)

	e.opener.Last().Present(4.2)

	rec = e.do(httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/capture/current", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.InDelta(t, 4.2, resp.Thumbnail.Position, 1e-9)
	assert.Equal(t, "current", resp.Thumbnail.Mode)

	rec = e.do(httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/pause", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Playing)
}

func TestThumbnail_JPEG(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID+"/thumbnail", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "5.000", rec.Header().Get("X-Thumbnail-Position"))

	img, err := encode.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 1200, img.Bounds().Dx())
	assert.Equal(t, 630, img.Bounds().Dy())
}

func TestCropFlow(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t)
	base := "/sessions/" + sess.ID

	rec := e.doJSON(http.MethodPut, base+"/crop", CropRequest{X: ptr(0.0), Y: ptr(0.0), Zoom: ptr(1.0)})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_SNAPSHOT", decodeError(t, rec).Code)

	rec = e.doJSON(http.MethodPost, base+"/snapshot", SnapshotRequest{Timestamp: ptr(2.0)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, 2.0, resp.Snapshot.Position)
	require.NotNil(t, resp.Snapshot.Crop)
	assert.Equal(t, 640.0, resp.Snapshot.Crop.Rect.Width)

	rec = e.doJSON(http.MethodPut, base+"/crop", CropRequest{X: ptr(100.0), Y: ptr(50.0), Zoom: ptr(2.0)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cr CropResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cr))
	assert.Equal(t, 2.0, cr.Zoom)
	assert.InDelta(t, 320.0, cr.Rect.Width, 1e-9)
	assert.InDelta(t, 168.0, cr.Rect.Height, 1e-9)

	rec = e.do(httptest.NewRequest(http.MethodGet, base+"/crop/preview", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	preview, err := encode.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 640, preview.Bounds().Dx())
	assert.Equal(t, 360, preview.Bounds().Dy())

	rec = e.doJSON(http.MethodPost, base+"/crop/finalize", FinalizeRequest{Quality: ptr(1.5)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.doJSON(http.MethodPost, base+"/crop/finalize", FinalizeRequest{Quality: ptr(0.8)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Thumbnail)
	assert.Equal(t, "crop", resp.Thumbnail.Mode)
	assert.Equal(t, 1200, resp.Thumbnail.Width)
	assert.Equal(t, 630, resp.Thumbnail.Height)
	assert.Equal(t, 2.0, resp.Thumbnail.Position)
}

func TestSnapshot_EmptyBody(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sess.ID+"/snapshot", nil)
	rec := e.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, 5.0, resp.Snapshot.Position)
}

func TestDeleteSession(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t)
	res := e.opener.Last()

	rec := e.do(httptest.NewRequest(http.MethodDelete, "/sessions/"+sess.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, res.Closed())

	entries, err := os.ReadDir(e.store.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/sessions/"+sess.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(httptest.NewRequest(http.MethodDelete, "/sessions/"+sess.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics(t *testing.T) {
	e := newTestEnv(t)
	e.createSession(t)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ogthumb_captures_total{mode="auto",result="ok"}`)
	assert.Contains(t, rec.Body.String(), "ogthumb_sessions_open")
}

func TestCORSMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h := NewHandlers(nil, logger)

	cfg := Config{AllowedOrigins: []string{"https://example.com"}}
	router := NewRouter(h, logger, cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware(logger)(panicHandler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp ErrorResponse
	err := json.NewDecoder(rec.Body).Decode(&resp)
	require.NoError(t, err)
	assert.Equal(t, "INTERNAL_ERROR", resp.Code)
}

func ptr(v float64) *float64 { return &v }
