// Package mediatest provides a scripted in-memory media.Resource for tests.
package mediatest

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/maauso/ogthumb/internal/frame"
	"github.com/maauso/ogthumb/internal/media"
)

// Seek records one Seek call.
type Seek struct {
	Token uint64
	At    float64
}

// Resource is a media.Resource whose signals are driven by the test.
//
// With AutoLoad, Load emits the metadata immediately. With AutoSeek, every
// Seek completes immediately with a frame rendered by Render.
type Resource struct {
	AutoLoad bool
	AutoSeek bool
	// Render draws the frame for a position. Defaults to FrameFor.
	Render func(meta media.Metadata, t float64) image.Image

	mu       sync.Mutex
	meta     media.Metadata
	loaded   bool
	loadErr  error
	loads    int
	seeks    []Seek
	latest   uint64
	position float64
	frame    image.Image
	framePos float64
	playing  bool
	closed   bool
	events   chan media.Event
	once     sync.Once
}

var _ media.Resource = (*Resource)(nil)

// NewResource creates a Resource with the given metadata.
func NewResource(meta media.Metadata) *Resource {
	return &Resource{
		meta:   meta,
		events: make(chan media.Event, 64),
	}
}

// NewAutoResource creates a Resource that loads and seeks immediately.
func NewAutoResource(meta media.Metadata) *Resource {
	r := NewResource(meta)
	r.AutoLoad = true
	r.AutoSeek = true
	return r
}

// FailLoad makes the next Load report err instead of metadata.
func (r *Resource) FailLoad(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadErr = err
}

// Load implements media.Resource.
func (r *Resource) Load() {
	r.mu.Lock()
	r.loads++
	auto := r.AutoLoad
	r.mu.Unlock()
	if auto {
		r.FinishLoad()
	}
}

// Loads returns the number of Load calls.
func (r *Resource) Loads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads
}

// FinishLoad emits the metadata-loaded (or load error) signal.
func (r *Resource) FinishLoad() {
	r.mu.Lock()
	err := r.loadErr
	if err == nil {
		r.loaded = true
	}
	r.mu.Unlock()

	if err != nil {
		r.emit(media.Event{Kind: media.EventError, Err: err})
		return
	}
	r.emit(media.Event{Kind: media.EventMetadataLoaded})
}

// Metadata implements media.Resource.
func (r *Resource) Metadata() (media.Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta, r.loaded
}

// Seek implements media.Resource. A token lower than the latest one seen
// is ignored and not recorded.
func (r *Resource) Seek(token uint64, t float64) {
	r.mu.Lock()
	if token < r.latest {
		r.mu.Unlock()
		return
	}
	r.latest = token
	r.seeks = append(r.seeks, Seek{Token: token, At: t})
	r.position = t
	r.playing = false
	auto := r.AutoSeek
	r.mu.Unlock()

	if auto {
		r.CompleteSeek(token)
	}
}

// Seeks returns the recorded Seek calls.
func (r *Resource) Seeks() []Seek {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Seek(nil), r.seeks...)
}

// LastSeek returns the most recent Seek call.
func (r *Resource) LastSeek() (Seek, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seeks) == 0 {
		return Seek{}, false
	}
	return r.seeks[len(r.seeks)-1], true
}

// CompleteSeek presents the frame for the recorded seek with token and
// emits its seeked signal, regardless of whether it is the latest.
func (r *Resource) CompleteSeek(token uint64) {
	r.mu.Lock()
	var at float64
	found := false
	for _, s := range r.seeks {
		if s.Token == token {
			at = s.At
			found = true
		}
	}
	if !found {
		r.mu.Unlock()
		return
	}
	img := r.render(at)
	r.frame = img
	r.framePos = at
	r.mu.Unlock()

	r.emit(media.Event{Kind: media.EventSeeked, Token: token, Position: at, Frame: img})
}

// FailSeek emits an error signal for token.
func (r *Resource) FailSeek(token uint64, err error) {
	r.emit(media.Event{Kind: media.EventError, Token: token, Err: err})
}

// Present sets the presented frame as if playback had reached t.
func (r *Resource) Present(t float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frame = r.render(t)
	r.framePos = t
	r.position = t
}

func (r *Resource) render(t float64) image.Image {
	if r.Render != nil {
		return r.Render(r.meta, t)
	}
	return FrameFor(r.meta, t)
}

// Play implements media.Resource.
func (r *Resource) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return media.ErrClosed
	}
	if !r.loaded {
		return media.ErrMetadataNotLoaded
	}
	r.playing = true
	return nil
}

// Pause implements media.Resource.
func (r *Resource) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = false
}

// Playing implements media.Resource.
func (r *Resource) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

// Position implements media.Resource.
func (r *Resource) Position() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// CurrentFrame implements frame.Source.
func (r *Resource) CurrentFrame() (image.Image, error) {
	still, err := r.Presented()
	if err != nil {
		return nil, err
	}
	return still.Image, nil
}

// Presented implements media.Resource.
func (r *Resource) Presented() (frame.Still, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frame == nil {
		return frame.Still{}, frame.ErrSourceNotReady
	}
	return frame.Still{Image: r.frame, Position: r.framePos}, nil
}

// Events implements media.Resource.
func (r *Resource) Events() <-chan media.Event {
	return r.events
}

// Close implements media.Resource.
func (r *Resource) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.once.Do(func() { close(r.events) })
	return nil
}

// Closed reports whether Close was called.
func (r *Resource) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// emit drops the signal when the resource is closed or the buffer is full.
func (r *Resource) emit(ev media.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
	}
}

// FrameFor renders a solid frame whose red channel encodes t in tenths of a
// second, so tests can tell which position a capture came from.
func FrameFor(meta media.Metadata, t float64) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, meta.Width, meta.Height))
	c := color.RGBA{R: TenthsOf(t), G: 40, B: 80, A: 255}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}

// TenthsOf returns the red channel value FrameFor uses for t.
func TenthsOf(t float64) uint8 {
	return uint8(int(t*10+0.5) % 256)
}

// Opener opens a fresh Resource per path.
type Opener struct {
	mu        sync.Mutex
	New       func(path string) *Resource
	Err       error
	Opened    map[string]*Resource
	openOrder []string
}

var _ media.Opener = (*Opener)(nil)

// NewOpener creates an Opener producing auto resources with meta.
func NewOpener(meta media.Metadata) *Opener {
	return &Opener{
		New:    func(string) *Resource { return NewAutoResource(meta) },
		Opened: make(map[string]*Resource),
	}
}

// Open implements media.Opener.
func (o *Opener) Open(path string) (media.Resource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	r := o.New(path)
	o.Opened[path] = r
	o.openOrder = append(o.openOrder, path)
	return r, nil
}

// Last returns the most recently opened Resource.
func (o *Opener) Last() *Resource {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.openOrder) == 0 {
		return nil
	}
	return o.Opened[o.openOrder[len(o.openOrder)-1]]
}

// Drain discards pending events until ctx is done. Useful when a test
// drives a Resource without a consumer.
func Drain(ctx context.Context, r media.Resource) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-r.Events():
			if !ok {
				return
			}
		}
	}
}
