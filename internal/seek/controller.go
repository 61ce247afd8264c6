// Package seek drives a media.Resource to a timestamp and hands back the
// frame decoded there, rejecting completions of superseded requests.
package seek

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/maauso/ogthumb/internal/frame"
	"github.com/maauso/ogthumb/internal/media"
)

// Default settings.
const (
	DefaultPreferredTimestamp = 5.0
	DefaultTimeout            = 5 * time.Second
)

// Static errors for seek operations.
var (
	// ErrSeekTimeout is returned when no completion arrives in time.
	ErrSeekTimeout = errors.New("seek: timed out waiting for frame")
	// ErrSuperseded is returned to a request replaced by a newer one.
	ErrSuperseded = errors.New("seek: superseded by a newer request")
	// ErrClosed is returned once the controller is closed.
	ErrClosed = errors.New("seek: controller closed")
)

// Option configures a Controller.
type Option func(*Controller)

// WithPreferredTimestamp sets the timestamp used when none is requested.
func WithPreferredTimestamp(seconds float64) Option {
	return func(c *Controller) {
		if seconds >= 0 {
			c.preferred = seconds
		}
	}
}

// WithTimeout bounds both the metadata wait and each seek wait.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type result struct {
	still frame.Still
	err   error
}

// Controller is the only writer of a resource's playback position. At most
// one seek is outstanding: issuing a new one fails the pending waiter with
// ErrSuperseded, and a seeked signal is accepted only for the latest token.
type Controller struct {
	res       media.Resource
	preferred float64
	timeout   time.Duration
	logger    *slog.Logger

	metaReady chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// seekMu keeps Seek calls on the resource in token order.
	seekMu sync.Mutex

	mu      sync.Mutex
	meta    media.Metadata
	metaErr error
	token   uint64
	waiter  chan result
	closed  bool
}

// NewController starts loading res and begins consuming its signals.
func NewController(res media.Resource, opts ...Option) *Controller {
	c := &Controller{
		res:       res,
		preferred: DefaultPreferredTimestamp,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
		metaReady: make(chan struct{}),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.dispatch()
	res.Load()
	return c
}

// DefaultTimestamp picks the seek target when the caller gave none: the
// preferred position when the video is long enough, else its midpoint.
func DefaultTimestamp(duration, preferred float64) float64 {
	if duration <= 0 || math.IsNaN(duration) {
		return 0
	}
	if duration >= preferred {
		return preferred
	}
	return duration / 2
}

// Clamp restricts t to [0, duration]. A zero, negative or NaN duration
// clamps every t to 0.
func Clamp(t, duration float64) float64 {
	if math.IsNaN(t) || t < 0 {
		return 0
	}
	if math.IsNaN(duration) || duration <= 0 {
		return 0
	}
	if t > duration {
		return duration
	}
	return t
}

// WaitMetadata blocks until the resource reports its metadata.
func (c *Controller) WaitMetadata(ctx context.Context) (media.Metadata, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-c.metaReady:
	case <-ctx.Done():
		return media.Metadata{}, ctx.Err()
	case <-c.done:
		return media.Metadata{}, ErrClosed
	case <-timer.C:
		return media.Metadata{}, fmt.Errorf("waiting for metadata: %w", ErrSeekTimeout)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metaErr != nil {
		return media.Metadata{}, fmt.Errorf("%w: %w", frame.ErrInvalidSource, c.metaErr)
	}
	return c.meta, nil
}

// Metadata returns the metadata if it is already loaded.
func (c *Controller) Metadata() (media.Metadata, bool) {
	select {
	case <-c.metaReady:
	default:
		return media.Metadata{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta, c.metaErr == nil
}

// SeekAndCapture seeks to t (nil applies DefaultTimestamp) and returns the
// frame decoded for this request.
func (c *Controller) SeekAndCapture(ctx context.Context, t *float64) (frame.Still, error) {
	meta, err := c.WaitMetadata(ctx)
	if err != nil {
		return frame.Still{}, err
	}

	var target float64
	if t == nil {
		target = DefaultTimestamp(meta.Duration, c.preferred)
	} else {
		target = Clamp(*t, meta.Duration)
	}

	token, wait, err := c.issue(target)
	if err != nil {
		return frame.Still{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-wait:
		return r.still, r.err
	case <-ctx.Done():
		c.abandon(token)
		return frame.Still{}, ctx.Err()
	case <-timer.C:
		c.abandon(token)
		c.logger.Warn("seek timed out",
			slog.Uint64("token", token),
			slog.Float64("position", target),
			slog.Duration("timeout", c.timeout),
		)
		return frame.Still{}, ErrSeekTimeout
	}
}

// issue registers a new request and hands its token to the resource. Tokens
// reach the resource in the order they were allocated.
func (c *Controller) issue(target float64) (uint64, chan result, error) {
	c.seekMu.Lock()
	defer c.seekMu.Unlock()

	token, wait, err := c.register()
	if err != nil {
		return 0, nil, err
	}
	c.logger.Debug("seek requested",
		slog.Uint64("token", token),
		slog.Float64("position", target),
	)
	c.res.Seek(token, target)
	return token, wait, nil
}

// register allocates the next token and supersedes any pending waiter.
func (c *Controller) register() (uint64, chan result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrClosed
	}
	if c.waiter != nil {
		c.waiter <- result{err: ErrSuperseded}
	}
	c.token++
	c.waiter = make(chan result, 1)
	return c.token, c.waiter, nil
}

func (c *Controller) abandon(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.waiter = nil
	}
}

// resolve delivers r to the waiter of token if it is still the latest.
func (c *Controller) resolve(token uint64, r result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.token || c.waiter == nil {
		return false
	}
	c.waiter <- r
	c.waiter = nil
	return true
}

func (c *Controller) dispatch() {
	defer close(c.stopped)
	metaOnce := sync.Once{}
	markMeta := func() { metaOnce.Do(func() { close(c.metaReady) }) }

	for {
		var (
			ev media.Event
			ok bool
		)
		select {
		case <-c.done:
			return
		case ev, ok = <-c.res.Events():
		}
		if !ok {
			c.shutdown()
			return
		}

		switch ev.Kind {
		case media.EventMetadataLoaded:
			meta, loaded := c.res.Metadata()
			c.mu.Lock()
			if loaded {
				c.meta = meta
			} else {
				c.metaErr = media.ErrMetadataNotLoaded
			}
			c.mu.Unlock()
			markMeta()
			c.logger.Debug("metadata loaded",
				slog.Int("width", meta.Width),
				slog.Int("height", meta.Height),
				slog.Float64("duration", meta.Duration),
			)

		case media.EventSeeked:
			still := frame.Still{Image: ev.Frame, Position: ev.Position}
			if still.Image == nil {
				var err error
				still, err = c.res.Presented()
				if err != nil {
					c.resolve(ev.Token, result{err: err})
					continue
				}
			}
			if !c.resolve(ev.Token, result{still: still}) {
				c.logger.Debug("stale seek completion ignored", slog.Uint64("token", ev.Token))
			}

		case media.EventError:
			if ev.Token == 0 {
				c.mu.Lock()
				c.metaErr = ev.Err
				c.mu.Unlock()
				markMeta()
				c.logger.Error("metadata load failed", slog.String("error", errString(ev.Err)))
				continue
			}
			c.resolve(ev.Token, result{err: ev.Err})
		}
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.waiter != nil {
		c.waiter <- result{err: ErrClosed}
		c.waiter = nil
	}
	c.closeOnce.Do(func() { close(c.done) })
}

// CaptureCurrent reads the presented frame without seeking or waiting.
func (c *Controller) CaptureCurrent() (frame.Still, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return frame.Still{}, ErrClosed
	}
	return c.res.Presented()
}

// Play starts playback from the current position.
func (c *Controller) Play() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.res.Play()
}

// Pause stops playback.
func (c *Controller) Pause() {
	c.res.Pause()
}

// Playing reports whether the resource is playing.
func (c *Controller) Playing() bool {
	return c.res.Playing()
}

// Position returns the resource's current position.
func (c *Controller) Position() float64 {
	return c.res.Position()
}

// Close fails any pending waiter with ErrClosed and closes the resource.
func (c *Controller) Close() error {
	c.shutdown()
	<-c.stopped
	return c.res.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
