// Package crop implements the manual refinement stage: an interactive crop
// rectangle and zoom over a raw captured frame, and the final resample of
// that rectangle into the fixed thumbnail size.
package crop

import (
	"errors"
	"fmt"
	"math"

	"github.com/maauso/ogthumb/internal/frame"
)

// DefaultMaxZoom is the largest zoom factor accepted by a Refiner.
const DefaultMaxZoom = 3.0

// Static errors for crop refinement.
var (
	// ErrEmptyCropRegion is returned when a crop rectangle has no area.
	ErrEmptyCropRegion = errors.New("crop: empty crop region")
	// ErrInvalidZoom is returned for NaN or infinite zoom values.
	ErrInvalidZoom = errors.New("crop: invalid zoom")
	// ErrInvalidCrop is returned for NaN or infinite crop positions.
	ErrInvalidCrop = errors.New("crop: invalid crop position")
)

// Point is the top-left corner of the crop rectangle in source pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// State is a snapshot of the refiner.
type State struct {
	Crop Point      `json:"crop"`
	Zoom float64    `json:"zoom"`
	Rect frame.Rect `json:"rect"`
}

// Refiner holds the crop and zoom over a raw frame of fixed size. The
// effective rectangle always has the target aspect ratio, stays inside the
// frame, and shrinks as zoom grows.
//
// A Refiner is not safe for concurrent use.
type Refiner struct {
	width   int
	height  int
	maxZoom float64
	base    frame.Rect

	crop Point
	zoom float64

	onCropComplete func(frame.Rect)
}

// Option configures a Refiner.
type Option func(*Refiner)

// WithMaxZoom sets the upper zoom bound. Values below 1 are ignored.
func WithMaxZoom(z float64) Option {
	return func(r *Refiner) {
		if z >= 1 && !math.IsInf(z, 0) {
			r.maxZoom = z
		}
	}
}

// WithOnCropComplete registers fn to receive the effective rectangle after
// every change.
func WithOnCropComplete(fn func(frame.Rect)) Option {
	return func(r *Refiner) {
		r.onCropComplete = fn
	}
}

// NewRefiner creates a Refiner for a width x height frame. It starts at zoom
// 1 with the centered fit rectangle.
func NewRefiner(width, height int, target frame.TargetSpec, opts ...Option) (*Refiner, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	base, err := frame.FitTarget(width, height, target)
	if err != nil {
		return nil, err
	}

	r := &Refiner{
		width:   width,
		height:  height,
		maxZoom: DefaultMaxZoom,
		base:    base,
		crop:    Point{X: base.X, Y: base.Y},
		zoom:    1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// MaxZoom returns the upper zoom bound.
func (r *Refiner) MaxZoom() float64 {
	return r.maxZoom
}

// Rect returns the effective source rectangle.
func (r *Refiner) Rect() frame.Rect {
	w, h := r.size(r.zoom)
	return frame.Rect{X: r.crop.X, Y: r.crop.Y, Width: w, Height: h}
}

// State returns the current crop, zoom and rectangle.
func (r *Refiner) State() State {
	return State{Crop: r.crop, Zoom: r.zoom, Rect: r.Rect()}
}

// SetCrop moves the rectangle to p, clamped to the frame.
func (r *Refiner) SetCrop(p Point) (frame.Rect, error) {
	if !finite(p.X) || !finite(p.Y) {
		return r.Rect(), fmt.Errorf("%w: %+v", ErrInvalidCrop, p)
	}
	r.crop = r.clamp(p, r.zoom)
	return r.changed(), nil
}

// SetZoom changes the zoom, clamped to [1, MaxZoom], keeping the
// rectangle's centre where possible.
func (r *Refiner) SetZoom(z float64) (frame.Rect, error) {
	if !finite(z) {
		return r.Rect(), fmt.Errorf("%w: %v", ErrInvalidZoom, z)
	}
	z = r.clampZoom(z)

	w, h := r.size(r.zoom)
	cx := r.crop.X + w/2
	cy := r.crop.Y + h/2

	nw, nh := r.size(z)
	r.zoom = z
	r.crop = r.clamp(Point{X: cx - nw/2, Y: cy - nh/2}, z)
	return r.changed(), nil
}

// Set applies zoom first and then the crop position, emitting one change.
func (r *Refiner) Set(p Point, z float64) (frame.Rect, error) {
	if !finite(z) {
		return r.Rect(), fmt.Errorf("%w: %v", ErrInvalidZoom, z)
	}
	if !finite(p.X) || !finite(p.Y) {
		return r.Rect(), fmt.Errorf("%w: %+v", ErrInvalidCrop, p)
	}
	r.zoom = r.clampZoom(z)
	r.crop = r.clamp(p, r.zoom)
	return r.changed(), nil
}

// Reset returns to zoom 1 and the centered fit rectangle.
func (r *Refiner) Reset() frame.Rect {
	r.zoom = 1
	r.crop = Point{X: r.base.X, Y: r.base.Y}
	return r.changed()
}

func (r *Refiner) changed() frame.Rect {
	rect := r.Rect()
	if r.onCropComplete != nil {
		r.onCropComplete(rect)
	}
	return rect
}

func (r *Refiner) size(z float64) (float64, float64) {
	return r.base.Width / z, r.base.Height / z
}

func (r *Refiner) clampZoom(z float64) float64 {
	return math.Max(1, math.Min(z, r.maxZoom))
}

func (r *Refiner) clamp(p Point, z float64) Point {
	w, h := r.size(z)
	return Point{
		X: math.Max(0, math.Min(p.X, float64(r.width)-w)),
		Y: math.Max(0, math.Min(p.Y, float64(r.height)-h)),
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
