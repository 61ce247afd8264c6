package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/maauso/ogthumb/internal/crop"
	"github.com/maauso/ogthumb/internal/encode"
	"github.com/maauso/ogthumb/internal/fetch"
	"github.com/maauso/ogthumb/internal/frame"
	"github.com/maauso/ogthumb/internal/media"
	"github.com/maauso/ogthumb/internal/seek"
	"github.com/maauso/ogthumb/internal/session"
	"github.com/maauso/ogthumb/internal/storage"
)

// sniffLen is how many leading upload bytes are inspected for the type.
const sniffLen = 3072

// DefaultMaxUploadBytes is the upload limit when none is configured.
const DefaultMaxUploadBytes = 512 << 20

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service        *session.Service
	validator      *validator.Validate
	logger         *slog.Logger
	maxUploadBytes int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithMaxUploadBytes limits multipart upload size.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *session.Service, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:        service,
		validator:      validator.New(),
		logger:         logger,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateSession handles POST /sessions requests. A multipart body uploads
// the video; a JSON body names a URL or S3 key.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		in  session.OpenInput
		err error
	)
	switch mediaType {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
		in, err = h.uploadInput(r)
	case "application/json", "":
		in, err = h.remoteInput(r)
	default:
		writeError(w, http.StatusUnsupportedMediaType, "expected multipart/form-data or application/json", "UNSUPPORTED_CONTENT_TYPE")
		return
	}
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	sess, err := h.service.Open(r.Context(), in)
	if err != nil {
		status, code := errorStatus(err)
		resp := ErrorResponse{Error: err.Error(), Code: code}
		if sess != nil {
			resp.SessionID = sess.ID
		}
		h.logFailure("create session", err, status)
		writeJSON(w, status, resp)
		return
	}

	h.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("source", sess.SourceName),
	)
	writeJSON(w, http.StatusCreated, sessionResponse(sess, false, 0, true))
}

// requestError is a client error detected before reaching the service.
type requestError struct {
	status  int
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

func (h *Handlers) writeRequestError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		h.logger.Warn("invalid request",
			slog.String("code", re.code),
			slog.String("error", re.message),
		)
		writeError(w, re.status, re.message, re.code)
		return
	}
	status, code := errorStatus(err)
	h.logFailure("read request", err, status)
	writeError(w, status, err.Error(), code)
}

// uploadInput streams the "video" part, checking its leading bytes are a
// video container.
func (h *Handlers) uploadInput(r *http.Request) (session.OpenInput, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return session.OpenInput{}, &requestError{http.StatusBadRequest, "INVALID_MULTIPART", err.Error()}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return session.OpenInput{}, &requestError{http.StatusBadRequest, "MISSING_VIDEO", `multipart field "video" is required`}
		}
		if err != nil {
			return session.OpenInput{}, err
		}
		if part.FormName() != "video" {
			continue
		}

		head := make([]byte, sniffLen)
		n, err := io.ReadFull(part, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return session.OpenInput{}, err
		}
		head = head[:n]
		if n == 0 {
			return session.OpenInput{}, &requestError{http.StatusBadRequest, "EMPTY_VIDEO", "uploaded video is empty"}
		}

		mt := mimetype.Detect(head)
		if !strings.HasPrefix(mt.String(), "video/") {
			return session.OpenInput{}, &requestError{
				http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE",
				fmt.Sprintf("uploaded file is %s, not a video", mt.String()),
			}
		}

		name := part.FileName()
		if name == "" {
			name = "upload"
		}
		if filepath.Ext(name) == "" {
			name += mt.Extension()
		}

		// The part stays readable until the next NextPart call, so the
		// service can stream it into temp storage.
		return session.OpenInput{
			Name:   name,
			Reader: io.MultiReader(bytes.NewReader(head), part),
		}, nil
	}
}

func (h *Handlers) remoteInput(r *http.Request) (session.OpenInput, error) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return session.OpenInput{}, &requestError{http.StatusBadRequest, "INVALID_JSON", "invalid JSON body"}
	}
	if err := h.validator.Struct(req); err != nil {
		return session.OpenInput{}, &requestError{http.StatusBadRequest, "VALIDATION_ERROR", err.Error()}
	}
	if (req.URL == "") == (req.S3Key == "") {
		return session.OpenInput{}, &requestError{http.StatusBadRequest, "VALIDATION_ERROR", "exactly one of url or s3_key is required"}
	}
	return session.OpenInput{Name: req.Name, URL: req.URL, S3Key: req.S3Key}, nil
}

// ListSessions handles GET /sessions requests.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.List(r.Context())
	if err != nil {
		h.writeServiceError(w, "list sessions", err)
		return
	}
	resp := SessionListResponse{Sessions: make([]SessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, sessionResponse(s, false, 0, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSession handles GET /sessions/{id} requests.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(view.Session, view.Playing, view.Position, true))
}

// DeleteSession handles DELETE /sessions/{id} requests.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, "close session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Capture handles POST /sessions/{id}/capture requests.
func (h *Handlers) Capture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	sess, err := h.service.CaptureAt(r.Context(), chi.URLParam(r, "id"), *req.Timestamp)
	h.writeSession(w, r, "capture", sess, err)
}

// CaptureCurrent handles POST /sessions/{id}/capture/current requests.
func (h *Handlers) CaptureCurrent(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.CaptureCurrent(r.Context(), chi.URLParam(r, "id"))
	h.writeSession(w, r, "capture current", sess, err)
}

// Play handles POST /sessions/{id}/play requests.
func (h *Handlers) Play(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Play(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, "play", err)
		return
	}
	h.GetSession(w, r)
}

// Pause handles POST /sessions/{id}/pause requests.
func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, "pause", err)
		return
	}
	h.GetSession(w, r)
}

// Snapshot handles POST /sessions/{id}/snapshot requests.
func (h *Handlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	var req SnapshotRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	sess, err := h.service.Snapshot(r.Context(), chi.URLParam(r, "id"), req.Timestamp)
	h.writeSession(w, r, "snapshot", sess, err)
}

// UpdateCrop handles PUT /sessions/{id}/crop requests.
func (h *Handlers) UpdateCrop(w http.ResponseWriter, r *http.Request) {
	var req CropRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	state, err := h.service.UpdateCrop(r.Context(), chi.URLParam(r, "id"),
		crop.Point{X: *req.X, Y: *req.Y}, *req.Zoom)
	if err != nil {
		h.writeServiceError(w, "update crop", err)
		return
	}
	writeJSON(w, http.StatusOK, cropResponse(state))
}

// CropPreview handles GET /sessions/{id}/crop/preview requests.
func (h *Handlers) CropPreview(w http.ResponseWriter, r *http.Request) {
	img, err := h.service.Preview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "crop preview", err)
		return
	}
	writeImage(w, img)
}

// FinalizeCrop handles POST /sessions/{id}/crop/finalize requests.
func (h *Handlers) FinalizeCrop(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	sess, err := h.service.Finalize(r.Context(), chi.URLParam(r, "id"), req.Quality)
	h.writeSession(w, r, "finalize crop", sess, err)
}

// Thumbnail handles GET /sessions/{id}/thumbnail requests. The JPEG is
// returned as image/jpeg, or as JSON with ?format=json.
func (h *Handlers) Thumbnail(w http.ResponseWriter, r *http.Request) {
	th, err := h.service.Thumbnail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, "get thumbnail", err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, thumbnailResponse(th))
		return
	}
	w.Header().Set("X-Thumbnail-Position", strconv.FormatFloat(th.Position, 'f', 3, 64))
	writeImage(w, th.Image)
}

// decode reads and validates a JSON body. With allowEmpty an empty body
// leaves dst at its zero value.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			h.logger.Warn("failed to decode request body",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
			return false
		}
	}
	if err := h.validator.Struct(dst); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

// writeSession writes the session after a capture. A failed capture still
// reports the error; the previous thumbnail is available via GET.
func (h *Handlers) writeSession(w http.ResponseWriter, r *http.Request, op string, sess *session.Session, err error) {
	if err != nil {
		h.writeServiceError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(sess, false, 0, true))
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, op string, err error) {
	status, code := errorStatus(err)
	h.logFailure(op, err, status)
	writeError(w, status, err.Error(), code)
}

func (h *Handlers) logFailure(op string, err error, status int) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout {
		level = slog.LevelError
	}
	h.logger.Log(context.Background(), level, op+" failed",
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
}

// errorStatus maps domain errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes), errors.Is(err, fetch.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "VIDEO_TOO_LARGE"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, seek.ErrClosed), errors.Is(err, media.ErrClosed):
		return http.StatusConflict, "SESSION_CLOSED"
	case errors.Is(err, session.ErrNoSource):
		return http.StatusBadRequest, "NO_SOURCE"
	case errors.Is(err, session.ErrDownloadUnavailable):
		return http.StatusBadRequest, "URL_SOURCE_DISABLED"
	case errors.Is(err, session.ErrNoSnapshot):
		return http.StatusConflict, "NO_SNAPSHOT"
	case errors.Is(err, session.ErrNoThumbnail):
		return http.StatusNotFound, "NO_THUMBNAIL"
	case errors.Is(err, storage.ErrS3NotConfigured):
		return http.StatusBadRequest, "S3_NOT_CONFIGURED"
	case errors.Is(err, storage.ErrObjectNotFound):
		return http.StatusNotFound, "S3_OBJECT_NOT_FOUND"
	case errors.Is(err, fetch.ErrInvalidURL):
		return http.StatusBadRequest, "INVALID_URL"
	case errors.Is(err, fetch.ErrRequestFailed), errors.Is(err, fetch.ErrServerError), errors.Is(err, fetch.ErrRateLimited):
		return http.StatusBadGateway, "DOWNLOAD_FAILED"
	case errors.Is(err, frame.ErrInvalidSource):
		return http.StatusUnprocessableEntity, "INVALID_SOURCE"
	case errors.Is(err, frame.ErrInvalidTarget):
		return http.StatusInternalServerError, "INVALID_TARGET"
	case errors.Is(err, frame.ErrSourceNotReady), errors.Is(err, media.ErrMetadataNotLoaded):
		return http.StatusConflict, "SOURCE_NOT_READY"
	case errors.Is(err, frame.ErrRectOutOfBounds):
		return http.StatusUnprocessableEntity, "RECT_OUT_OF_BOUNDS"
	case errors.Is(err, media.ErrNoFrame):
		return http.StatusUnprocessableEntity, "NO_FRAME"
	case errors.Is(err, seek.ErrSeekTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "SEEK_TIMEOUT"
	case errors.Is(err, seek.ErrSuperseded):
		return http.StatusConflict, "SUPERSEDED"
	case errors.Is(err, crop.ErrEmptyCropRegion):
		return http.StatusUnprocessableEntity, "EMPTY_CROP_REGION"
	case errors.Is(err, crop.ErrInvalidZoom), errors.Is(err, crop.ErrInvalidCrop):
		return http.StatusBadRequest, "INVALID_CROP"
	case errors.Is(err, encode.ErrInvalidQuality):
		return http.StatusBadRequest, "INVALID_QUALITY"
	case errors.Is(err, encode.ErrEncode):
		return http.StatusInternalServerError, "ENCODE_FAILED"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "REQUEST_CANCELLED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func cropResponse(s crop.State) CropResponse {
	return CropResponse{X: s.Crop.X, Y: s.Crop.Y, Zoom: s.Zoom, Rect: rectResponse(s.Rect)}
}

// writeImage writes an encoded image as the response body.
func writeImage(w http.ResponseWriter, img *encode.EncodedImage) {
	w.Header().Set("Content-Type", img.MIMEType())
	w.Header().Set("Content-Length", strconv.Itoa(img.Size()))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		slog.Error("failed to write image response", slog.String("error", err.Error()))
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
