package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/maauso/ogthumb/internal/frame"
)

// eventBuffer is the capacity of a resource's event channel.
const eventBuffer = 16

// VideoOption configures a Video.
type VideoOption func(*Video)

// WithFFmpegPath sets the ffmpeg binary. Defaults to "ffmpeg" (found via PATH).
func WithFFmpegPath(path string) VideoOption {
	return func(v *Video) {
		if path != "" {
			v.ffmpegPath = path
		}
	}
}

// WithProber sets the metadata prober. Defaults to DefaultProber().
func WithProber(p Prober) VideoOption {
	return func(v *Video) {
		if p != nil {
			v.prober = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) VideoOption {
	return func(v *Video) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// Video is a Resource backed by a local file and the ffmpeg CLI. Each seek
// decodes one frame in its own ffmpeg process; a newer seek kills the
// previous process and its completion is never presented.
type Video struct {
	path       string
	ffmpegPath string
	prober     Prober
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	events chan Event

	mu          sync.Mutex
	meta        Metadata
	metaLoaded  bool
	loading     bool
	position    float64
	frame       image.Image
	framePos    float64
	latest      uint64
	seekCancel  context.CancelFunc
	playCancel  context.CancelFunc
	playDone    chan struct{}
	closed      bool
	closeEvents sync.Once
}

var _ Resource = (*Video)(nil)

// NewVideo creates a Video for the file at path. Metadata is not loaded
// until Load is called.
func NewVideo(path string, opts ...VideoOption) *Video {
	ctx, cancel := context.WithCancel(context.Background())
	v := &Video{
		path:       path,
		ffmpegPath: "ffmpeg",
		prober:     DefaultProber(),
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(slog.String("video", path))
	return v
}

// Path returns the file path.
func (v *Video) Path() string {
	return v.path
}

// Load implements Resource.
func (v *Video) Load() {
	v.mu.Lock()
	if v.closed || v.loading || v.metaLoaded {
		v.mu.Unlock()
		return
	}
	v.loading = true
	v.wg.Add(1)
	v.mu.Unlock()

	go func() {
		defer v.wg.Done()

		meta, err := v.prober.Probe(v.ctx, v.path)

		v.mu.Lock()
		v.loading = false
		if err == nil {
			v.meta = meta
			v.metaLoaded = true
		}
		v.mu.Unlock()

		if err != nil {
			v.logger.Warn("metadata load failed", slog.String("error", err.Error()))
			v.emit(Event{Kind: EventError, Err: err})
			return
		}

		v.logger.Debug("metadata loaded",
			slog.Int("width", meta.Width),
			slog.Int("height", meta.Height),
			slog.Float64("duration", meta.Duration),
			slog.Float64("frame_rate", meta.FrameRate),
		)
		v.emit(Event{Kind: EventMetadataLoaded})
	}()
}

// Metadata implements Resource.
func (v *Video) Metadata() (Metadata, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.meta, v.metaLoaded
}

// Seek implements Resource. Playback stops.
func (v *Video) Seek(token uint64, t float64) {
	v.stopPlayback()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if token < v.latest {
		v.mu.Unlock()
		v.logger.Debug("ignoring out-of-order seek",
			slog.Uint64("token", token),
			slog.Uint64("latest", v.latest),
		)
		return
	}
	if v.seekCancel != nil {
		v.seekCancel()
	}
	ctx, cancel := context.WithCancel(v.ctx)
	v.seekCancel = cancel
	v.latest = token
	v.position = t
	interval := v.meta.FrameInterval()
	v.wg.Add(1)
	v.mu.Unlock()

	go func() {
		defer v.wg.Done()
		defer cancel()

		img, err := v.decodeAt(ctx, t, interval)

		v.mu.Lock()
		if token != v.latest || v.closed {
			v.mu.Unlock()
			v.logger.Debug("dropping superseded seek", slog.Uint64("token", token))
			return
		}
		if err == nil {
			v.frame = img
			v.framePos = t
		}
		v.mu.Unlock()

		if err != nil {
			v.emit(Event{Kind: EventError, Token: token, Position: t, Err: err})
			return
		}
		v.emit(Event{Kind: EventSeeked, Token: token, Position: t, Frame: img})
	}()
}

// decodeAt decodes the frame at t. Positions at or past the last frame
// produce no output, so it steps back up to two frame intervals.
func (v *Video) decodeAt(ctx context.Context, t, interval float64) (image.Image, error) {
	for i := 0; i < 3; i++ {
		at := math.Max(0, t-float64(i)*interval)

		var out bytes.Buffer
		if err := runFFmpeg(ctx, v.ffmpegPath, frameArgs(v.path, at), &out); err != nil {
			return nil, err
		}
		if out.Len() > 0 {
			img, err := imaging.Decode(&out)
			if err != nil {
				return nil, fmt.Errorf("decode frame at %.3fs: %w", at, err)
			}
			return img, nil
		}
		if at == 0 {
			break
		}
	}
	return nil, fmt.Errorf("%w at %.3fs", ErrNoFrame, t)
}

// Play implements Resource. Frames are decoded in real time from the
// current position; each one becomes the presented frame.
func (v *Video) Play() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}
	if !v.metaLoaded {
		return ErrMetadataNotLoaded
	}
	if v.playCancel != nil {
		return nil
	}

	start := v.position
	if start >= v.meta.Duration {
		start = 0
	}

	ctx, cancel := context.WithCancel(v.ctx)
	done := make(chan struct{})
	v.playCancel = cancel
	v.playDone = done
	meta := v.meta

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer close(done)
		defer cancel()

		err := v.stream(ctx, meta, start)

		v.mu.Lock()
		if v.playDone == done {
			v.playCancel = nil
			v.playDone = nil
		}
		v.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			v.logger.Warn("playback failed", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// stream runs ffmpeg in real-time mode and presents each raw frame.
func (v *Video) stream(ctx context.Context, meta Metadata, start float64) error {
	args := playbackArgs(v.path, start)
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, v.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("playback pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}

	size := meta.Width * meta.Height * 4
	interval := meta.FrameInterval()
	for n := 0; ; n++ {
		buf := make([]byte, size)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			_ = cmd.Wait()
			return fmt.Errorf("read playback frame: %w", err)
		}

		img := &image.RGBA{
			Pix:    buf,
			Stride: meta.Width * 4,
			Rect:   image.Rect(0, 0, meta.Width, meta.Height),
		}
		pos := math.Min(start+float64(n)*interval, meta.Duration)

		v.mu.Lock()
		if ctx.Err() == nil {
			v.frame = img
			v.framePos = pos
			v.position = pos
		}
		v.mu.Unlock()
	}

	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return &FFmpegError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// Pause implements Resource.
func (v *Video) Pause() {
	v.stopPlayback()
}

func (v *Video) stopPlayback() {
	v.mu.Lock()
	cancel, done := v.playCancel, v.playDone
	v.playCancel = nil
	v.playDone = nil
	v.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Playing implements Resource.
func (v *Video) Playing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playCancel != nil
}

// Position implements Resource.
func (v *Video) Position() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.position
}

// CurrentFrame implements frame.Source.
func (v *Video) CurrentFrame() (image.Image, error) {
	still, err := v.Presented()
	if err != nil {
		return nil, err
	}
	return still.Image, nil
}

// Presented implements Resource.
func (v *Video) Presented() (frame.Still, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frame == nil {
		return frame.Still{}, frame.ErrSourceNotReady
	}
	return frame.Still{Image: v.frame, Position: v.framePos}, nil
}

// Events implements Resource.
func (v *Video) Events() <-chan Event {
	return v.events
}

// Close implements Resource. It waits for running ffmpeg processes to exit.
func (v *Video) Close() error {
	v.stopPlayback()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	v.cancel()
	v.wg.Wait()
	v.closeEvents.Do(func() { close(v.events) })
	return nil
}

func (v *Video) emit(ev Event) {
	select {
	case v.events <- ev:
	case <-v.ctx.Done():
	}
}

// VideoOpener opens local files as Videos.
type VideoOpener struct {
	opts []VideoOption
}

// NewVideoOpener creates an Opener that applies opts to every Video.
func NewVideoOpener(opts ...VideoOption) *VideoOpener {
	return &VideoOpener{opts: opts}
}

// Open implements Opener.
func (o *VideoOpener) Open(path string) (Resource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open video: %s is a directory", path)
	}
	return NewVideo(path, o.opts...), nil
}
