package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/maauso/ogthumb/internal/crop"
	"github.com/maauso/ogthumb/internal/encode"
	"github.com/maauso/ogthumb/internal/fetch"
	"github.com/maauso/ogthumb/internal/frame"
	"github.com/maauso/ogthumb/internal/media"
	"github.com/maauso/ogthumb/internal/metrics"
	"github.com/maauso/ogthumb/internal/seek"
	"github.com/maauso/ogthumb/internal/storage"
)

// Static errors for session operations.
var (
	// ErrNoSource is returned when OpenInput names no video.
	ErrNoSource = errors.New("session: no video source given")
	// ErrDownloadUnavailable is returned for URL sources without a downloader.
	ErrDownloadUnavailable = errors.New("session: URL sources are not enabled")
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session: closed")
	// ErrNoSnapshot is returned by crop operations before a raw snapshot.
	ErrNoSnapshot = errors.New("session: no raw snapshot to crop")
	// ErrNoThumbnail is returned when no thumbnail was produced yet.
	ErrNoThumbnail = errors.New("session: no thumbnail captured")
)

// Config holds the capture settings shared by all sessions.
type Config struct {
	Target             frame.TargetSpec
	Quality            float64
	PreferredTimestamp float64
	SeekTimeout        time.Duration
	MaxZoom            float64
}

// DefaultConfig returns the 1200x630 JPEG defaults.
func DefaultConfig() Config {
	return Config{
		Target:             frame.DefaultTarget,
		Quality:            encode.DefaultQuality,
		PreferredTimestamp: seek.DefaultPreferredTimestamp,
		SeekTimeout:        seek.DefaultTimeout,
		MaxZoom:            crop.DefaultMaxZoom,
	}
}

// OpenInput names the video for a new session. Exactly one of Reader,
// Path, URL or S3Key is used, in that order of precedence.
type OpenInput struct {
	// Name is the user-facing filename; also the temp file name hint.
	Name string
	// Reader streams uploaded bytes into temp storage.
	Reader io.Reader
	// Path is an existing local file. It is not removed on close.
	Path string
	// URL is downloaded into temp storage.
	URL string
	// S3Key is fetched from the configured bucket into temp storage.
	S3Key string
}

// View is a read-only copy of a session together with its live playback
// state.
type View struct {
	*Session
	Playing  bool
	Position float64
}

// live holds the runtime objects of an open session. mu serializes access
// to the refiner and raw snapshot; saveMu serializes repository updates.
type live struct {
	ctrl *seek.Controller

	mu      sync.Mutex
	raw     *frame.Still
	refiner *crop.Refiner

	saveMu sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDownloader enables URL sources.
func WithDownloader(d fetch.Downloader) ServiceOption {
	return func(s *Service) {
		s.downloader = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service orchestrates thumbnail capture for sessions.
//
// Dependencies:
//   - storage.Storage: temp files for uploads, URL and S3 sources
//   - media.Opener: decodable video resources
//   - fetch.Downloader: optional URL sources
//   - Repository: session persistence
type Service struct {
	repo       Repository
	store      storage.Storage
	opener     media.Opener
	downloader fetch.Downloader
	cfg        Config
	logger     *slog.Logger

	mu   sync.Mutex
	live map[string]*live
}

// NewService creates a new Service.
func NewService(repo Repository, store storage.Storage, opener media.Opener, cfg Config, opts ...ServiceOption) *Service {
	def := DefaultConfig()
	if cfg.Target.Width == 0 && cfg.Target.Height == 0 {
		cfg.Target = def.Target
	}
	if cfg.Quality == 0 {
		cfg.Quality = def.Quality
	}
	if cfg.SeekTimeout <= 0 {
		cfg.SeekTimeout = def.SeekTimeout
	}
	if cfg.MaxZoom < 1 {
		cfg.MaxZoom = def.MaxZoom
	}

	s := &Service{
		repo:   repo,
		store:  store,
		opener: opener,
		cfg:    cfg,
		logger: slog.Default(),
		live:   make(map[string]*live),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the capture settings.
func (s *Service) Config() Config {
	return s.cfg
}

// Open stores the video, opens it and runs the automatic pipeline: seek to
// the default timestamp, capture the fit rectangle and encode it.
//
// If the video is stored but the automatic capture fails, the FAILED
// session is returned together with the error.
func (s *Service) Open(ctx context.Context, in OpenInput) (*Session, error) {
	videoPath, name, temps, err := s.resolveSource(ctx, in)
	if err != nil {
		return nil, err
	}

	sess := New()
	sess.SourceName = name
	sess.VideoPath = videoPath
	sess.TempFiles = temps

	s.logger.Info("opening session",
		slog.String("session_id", sess.ID),
		slog.String("source", name),
	)

	res, err := s.opener.Open(videoPath)
	if err != nil {
		s.logger.Error("failed to open video",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
		_ = sess.Fail(err.Error())
		if saveErr := s.repo.Save(ctx, sess); saveErr != nil {
			s.cleanup(sess)
			return nil, saveErr
		}
		return sess.Clone(), fmt.Errorf("%w: %w", frame.ErrInvalidSource, err)
	}

	// The live handle is registered before the session becomes visible, so
	// a Close that finds the session also finds its controller.
	l := &live{
		ctrl: seek.NewController(res,
			seek.WithPreferredTimestamp(s.cfg.PreferredTimestamp),
			seek.WithTimeout(s.cfg.SeekTimeout),
			seek.WithLogger(s.logger.With(slog.String("session_id", sess.ID))),
		),
	}
	s.mu.Lock()
	s.live[sess.ID] = l
	s.mu.Unlock()
	metrics.SessionsOpen.Inc()

	if err := s.repo.Save(ctx, sess); err != nil {
		s.mu.Lock()
		delete(s.live, sess.ID)
		s.mu.Unlock()
		metrics.SessionsOpen.Dec()
		_ = l.ctrl.Close()
		s.cleanup(sess)
		return nil, err
	}

	start := time.Now()
	still, err := l.ctrl.SeekAndCapture(ctx, nil)
	if meta, ok := l.ctrl.Metadata(); ok {
		_, _ = s.update(ctx, sess.ID, func(cur *Session) error {
			cur.SetMetadata(meta)
			return nil
		})
	}
	var th *Thumbnail
	if err == nil {
		th, err = s.render(still, ModeAuto)
	}
	observe(ModeAuto, start, &err)
	if err == nil {
		return s.saveThumbnail(ctx, sess.ID, th)
	}

	s.logger.Warn("automatic capture failed",
		slog.String("session_id", sess.ID),
		slog.String("error", err.Error()),
	)
	failed, updErr := s.update(ctx, sess.ID, func(cur *Session) error {
		return cur.Fail(err.Error())
	})
	if updErr != nil {
		return nil, updErr
	}
	return failed, err
}

// resolveSource puts the video on local disk and returns its path, display
// name and any temp files created for it.
func (s *Service) resolveSource(ctx context.Context, in OpenInput) (string, string, []string, error) {
	switch {
	case in.Reader != nil:
		name := in.Name
		if name == "" {
			name = "upload"
		}
		p, err := s.store.SaveTemp(ctx, name, in.Reader)
		if err != nil {
			return "", "", nil, fmt.Errorf("store upload: %w", err)
		}
		return p, name, []string{p}, nil

	case in.Path != "":
		name := in.Name
		if name == "" {
			name = path.Base(in.Path)
		}
		return in.Path, name, nil, nil

	case in.URL != "":
		if s.downloader == nil {
			return "", "", nil, ErrDownloadUnavailable
		}
		name := in.Name
		if name == "" {
			name = nameFromURL(in.URL)
		}
		p, err := s.download(ctx, name, in.URL)
		if err != nil {
			return "", "", nil, err
		}
		return p, name, []string{p}, nil

	case in.S3Key != "":
		p, err := s.store.FetchFromS3(ctx, in.S3Key)
		if err != nil {
			return "", "", nil, err
		}
		name := in.Name
		if name == "" {
			name = path.Base(in.S3Key)
		}
		return p, name, []string{p}, nil
	}
	return "", "", nil, ErrNoSource
}

// download streams the URL straight into temp storage.
func (s *Service) download(ctx context.Context, name, rawURL string) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		_, err := s.downloader.Download(ctx, rawURL, pw)
		_ = pw.CloseWithError(err)
	}()

	p, err := s.store.SaveTemp(ctx, name, pr)
	_ = pr.Close()
	if err != nil {
		return "", fmt.Errorf("download video: %w", err)
	}
	return p, nil
}

func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "remote"
	}
	return path.Base(u.Path)
}

// CaptureAt seeks to t (clamped to the video) and replaces the thumbnail
// with the fit capture at that position.
func (s *Service) CaptureAt(ctx context.Context, sessionID string, t float64) (_ *Session, err error) {
	defer observe(ModeSeek, time.Now(), &err)

	l, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	still, err := l.ctrl.SeekAndCapture(ctx, &t)
	if err != nil {
		return s.fail(ctx, sessionID, "capture at timestamp", err)
	}
	th, err := s.render(still, ModeSeek)
	if err != nil {
		return s.fail(ctx, sessionID, "capture at timestamp", err)
	}
	return s.saveThumbnail(ctx, sessionID, th)
}

// CaptureCurrent replaces the thumbnail with the fit capture of the frame
// currently presented, without seeking or pausing.
func (s *Service) CaptureCurrent(ctx context.Context, sessionID string) (_ *Session, err error) {
	defer observe(ModeCurrent, time.Now(), &err)

	l, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	still, err := l.ctrl.CaptureCurrent()
	if err != nil {
		return s.fail(ctx, sessionID, "capture current frame", err)
	}
	th, err := s.render(still, ModeCurrent)
	if err != nil {
		return s.fail(ctx, sessionID, "capture current frame", err)
	}
	return s.saveThumbnail(ctx, sessionID, th)
}

// render runs the fit capture and encode steps.
func (s *Service) render(still frame.Still, mode CaptureMode) (*Thumbnail, error) {
	img, rect, err := frame.CaptureFit(still, s.cfg.Target)
	if err != nil {
		return nil, err
	}
	enc, err := encode.Encode(img, encode.Options{Quality: s.cfg.Quality})
	if err != nil {
		return nil, err
	}
	return &Thumbnail{
		Image:     enc,
		Mode:      mode,
		Position:  still.Position,
		Rect:      rect,
		CreatedAt: time.Now(),
	}, nil
}

func (s *Service) saveThumbnail(ctx context.Context, sessionID string, th *Thumbnail) (*Session, error) {
	sess, err := s.update(ctx, sessionID, func(cur *Session) error {
		return cur.SetThumbnail(th)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("thumbnail captured",
		slog.String("session_id", sessionID),
		slog.String("mode", string(th.Mode)),
		slog.Float64("position", th.Position),
		slog.Int("size", th.Image.Size()),
	)
	return sess, nil
}

// fail records a failed operation on the session, keeping the previous
// thumbnail, and returns err. A superseded capture is not recorded since
// the request that replaced it reports its own outcome.
func (s *Service) fail(ctx context.Context, sessionID, op string, err error) (*Session, error) {
	s.logger.Warn(op+" failed",
		slog.String("session_id", sessionID),
		slog.String("error", err.Error()),
	)
	if errors.Is(err, seek.ErrSuperseded) {
		return nil, err
	}
	sess, updErr := s.update(ctx, sessionID, func(cur *Session) error {
		cur.RecordError(err.Error())
		return nil
	})
	if updErr != nil {
		return nil, updErr
	}
	return sess, err
}

// update applies fn to the stored session and saves it. Updates to one
// session are serialized.
func (s *Service) update(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error) {
	l := s.handle(sessionID)
	if l != nil {
		l.saveMu.Lock()
		defer l.saveMu.Unlock()
	}

	sess, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Play starts playback so CaptureCurrent has a moving frame to read.
func (s *Service) Play(ctx context.Context, sessionID string) error {
	l, err := s.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	return l.ctrl.Play()
}

// Pause stops playback.
func (s *Service) Pause(ctx context.Context, sessionID string) error {
	l, err := s.lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	l.ctrl.Pause()
	return nil
}

// Snapshot captures the raw full-resolution frame at t (nil applies the
// default timestamp policy) and resets the crop to the fit rectangle.
func (s *Service) Snapshot(ctx context.Context, sessionID string, t *float64) (*Session, error) {
	l, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	still, err := l.ctrl.SeekAndCapture(ctx, t)
	if err != nil {
		return s.fail(ctx, sessionID, "snapshot", err)
	}
	raw, err := frame.Capture(still, nil, s.cfg.Target)
	if err != nil {
		return s.fail(ctx, sessionID, "snapshot", err)
	}

	logger := s.logger.With(slog.String("session_id", sessionID))
	refiner, err := crop.NewRefiner(raw.Bounds().Dx(), raw.Bounds().Dy(), s.cfg.Target,
		crop.WithMaxZoom(s.cfg.MaxZoom),
		crop.WithOnCropComplete(func(r frame.Rect) {
			logger.Debug("crop updated",
				slog.Float64("x", r.X),
				slog.Float64("y", r.Y),
				slog.Float64("width", r.Width),
				slog.Float64("height", r.Height),
			)
		}),
	)
	if err != nil {
		return s.fail(ctx, sessionID, "snapshot", err)
	}

	l.mu.Lock()
	l.raw = &frame.Still{Image: raw, Position: still.Position}
	l.refiner = refiner
	state := refiner.State()
	l.mu.Unlock()

	return s.update(ctx, sessionID, func(cur *Session) error {
		cur.SetSnapshot(still.Position, state)
		return nil
	})
}

// UpdateCrop moves and zooms the crop rectangle over the raw snapshot.
func (s *Service) UpdateCrop(ctx context.Context, sessionID string, p crop.Point, zoom float64) (crop.State, error) {
	l, err := s.lookup(ctx, sessionID)
	if err != nil {
		return crop.State{}, err
	}

	l.mu.Lock()
	if l.refiner == nil {
		l.mu.Unlock()
		return crop.State{}, ErrNoSnapshot
	}
	_, err = l.refiner.Set(p, zoom)
	state := l.refiner.State()
	l.mu.Unlock()
	if err != nil {
		return crop.State{}, err
	}

	if _, err := s.update(ctx, sessionID, func(cur *Session) error {
		cur.SetCrop(state)
		return nil
	}); err != nil {
		return crop.State{}, err
	}
	return state, nil
}

// Preview renders the crop overlay over the raw snapshot as a JPEG.
func (s *Service) Preview(ctx context.Context, sessionID string) (*encode.EncodedImage, error) {
	l, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.refiner == nil {
		l.mu.Unlock()
		return nil, ErrNoSnapshot
	}
	raw, rect := l.raw.Image, l.refiner.Rect()
	l.mu.Unlock()

	img, err := crop.Preview(raw, rect)
	if err != nil {
		return nil, err
	}
	return encode.Encode(img, encode.Options{Quality: s.cfg.Quality})
}

// Finalize crops the raw snapshot with the current crop rectangle, scales
// it to the target and encodes it as the new thumbnail. A nil quality uses
// the configured one.
func (s *Service) Finalize(ctx context.Context, sessionID string, quality *float64) (_ *Session, err error) {
	defer observe(ModeCrop, time.Now(), &err)

	l, err := s.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	q := s.cfg.Quality
	if quality != nil {
		if err := encode.ValidateQuality(*quality); err != nil {
			return nil, err
		}
		q = *quality
	}

	l.mu.Lock()
	if l.refiner == nil {
		l.mu.Unlock()
		return nil, ErrNoSnapshot
	}
	raw, rect := *l.raw, l.refiner.Rect()
	l.mu.Unlock()

	img, err := crop.Finalize(raw.Image, rect, s.cfg.Target)
	if err != nil {
		return s.fail(ctx, sessionID, "finalize crop", err)
	}
	enc, err := encode.Encode(img, encode.Options{Quality: q})
	if err != nil {
		return s.fail(ctx, sessionID, "finalize crop", err)
	}
	return s.saveThumbnail(ctx, sessionID, &Thumbnail{
		Image:     enc,
		Mode:      ModeCrop,
		Position:  raw.Position,
		Rect:      rect,
		CreatedAt: time.Now(),
	})
}

// Get returns a session with its live playback state.
func (s *Service) Get(ctx context.Context, sessionID string) (*View, error) {
	sess, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	v := &View{Session: sess}
	if l := s.handle(sessionID); l != nil {
		v.Playing = l.ctrl.Playing()
		v.Position = l.ctrl.Position()
	}
	return v, nil
}

// List returns all sessions.
func (s *Service) List(ctx context.Context) ([]*Session, error) {
	return s.repo.List(ctx)
}

// Thumbnail returns the last thumbnail of a session.
func (s *Service) Thumbnail(ctx context.Context, sessionID string) (*Thumbnail, error) {
	sess, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Thumbnail == nil {
		return nil, ErrNoThumbnail
	}
	return sess.Thumbnail, nil
}

// Close stops the session's video, removes its temp files and deletes it.
func (s *Service) Close(ctx context.Context, sessionID string) error {
	sess, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	l := s.live[sessionID]
	delete(s.live, sessionID)
	s.mu.Unlock()

	if l != nil {
		metrics.SessionsOpen.Dec()
		if err := l.ctrl.Close(); err != nil {
			s.logger.Warn("failed to close video",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.cleanup(sess)
	_ = sess.Close()

	s.logger.Info("session closed", slog.String("session_id", sessionID))
	return s.repo.Delete(ctx, sessionID)
}

// CloseAll closes every session. Used on shutdown.
func (s *Service) CloseAll(ctx context.Context) error {
	sessions, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, sess := range sessions {
		if err := s.Close(ctx, sess.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) cleanup(sess *Session) {
	if len(sess.TempFiles) == 0 {
		return
	}
	// Cleanup must run even when the request context is already done.
	if err := s.store.CleanupTemp(context.Background(), sess.TempFiles); err != nil {
		s.logger.Warn("failed to clean up temp files",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
}

func observe(mode CaptureMode, start time.Time, err *error) {
	metrics.ObserveCapture(string(mode), start, *err)
}

func (s *Service) handle(sessionID string) *live {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[sessionID]
}

// lookup returns the runtime objects of an open session.
func (s *Service) lookup(ctx context.Context, sessionID string) (*live, error) {
	sess, err := s.repo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	l := s.handle(sessionID)
	if l == nil || sess.IsTerminal() {
		return nil, ErrSessionClosed
	}
	return l, nil
}
