// Package frame provides the pixel geometry of thumbnail generation: the
// aspect-preserving fit rectangle and the capture of a video frame into a
// fixed-size raster.
package frame

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// Static errors for frame geometry and capture.
var (
	// ErrInvalidSource is returned when the source has zero or unknown dimensions,
	// typically because video metadata has not been loaded yet.
	ErrInvalidSource = errors.New("frame: invalid source dimensions")
	// ErrInvalidTarget is returned when the target dimensions are not positive.
	ErrInvalidTarget = errors.New("frame: invalid target dimensions")
	// ErrSourceNotReady is returned when no decoded frame is available.
	ErrSourceNotReady = errors.New("frame: source has no decoded frame")
	// ErrRectOutOfBounds is returned when a source rectangle is degenerate or
	// extends beyond the frame.
	ErrRectOutOfBounds = errors.New("frame: rectangle outside source bounds")
)

// boundsTolerance absorbs float rounding when checking a rectangle against
// integer frame bounds.
const boundsTolerance = 1e-6

// TargetSpec is the fixed output size of a thumbnail.
type TargetSpec struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultTarget is the Open Graph preview card size.
var DefaultTarget = TargetSpec{Width: 1200, Height: 630}

// Validate returns ErrInvalidTarget if either dimension is not positive.
func (t TargetSpec) Validate() error {
	if t.Width <= 0 || t.Height <= 0 {
		return fmt.Errorf("%w: width=%d, height=%d", ErrInvalidTarget, t.Width, t.Height)
	}
	return nil
}

// Aspect returns width/height.
func (t TargetSpec) Aspect() float64 {
	return float64(t.Width) / float64(t.Height)
}

// Bounds returns the target as an image rectangle anchored at the origin.
func (t TargetSpec) Bounds() image.Rectangle {
	return image.Rect(0, 0, t.Width, t.Height)
}

// Rect is a rectangle in source pixel coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Aspect returns width/height, or 0 for an empty rectangle.
func (r Rect) Aspect() float64 {
	if r.Empty() {
		return 0
	}
	return r.Width / r.Height
}

// Within reports whether the rectangle is non-empty and lies inside
// [0, w] x [0, h].
func (r Rect) Within(w, h int) bool {
	if r.Empty() {
		return false
	}
	return r.X >= -boundsTolerance &&
		r.Y >= -boundsTolerance &&
		r.X+r.Width <= float64(w)+boundsTolerance &&
		r.Y+r.Height <= float64(h)+boundsTolerance
}

// Image returns the rectangle rounded to whole pixels.
func (r Rect) Image() image.Rectangle {
	x0 := int(math.Round(r.X))
	y0 := int(math.Round(r.Y))
	x1 := int(math.Round(r.X + r.Width))
	y1 := int(math.Round(r.Y + r.Height))
	return image.Rect(x0, y0, x1, y1)
}

// Full returns the rectangle covering a whole w x h frame.
func Full(w, h int) Rect {
	return Rect{Width: float64(w), Height: float64(h)}
}

// Fit computes the centered source sub-rectangle whose aspect ratio equals
// tgtW/tgtH and which covers as much of the source as possible. Source
// content outside the rectangle is cropped, never padded.
//
// Fit is pure: identical inputs always produce identical outputs.
func Fit(srcW, srcH, tgtW, tgtH float64) (Rect, error) {
	if !(srcW > 0) || !(srcH > 0) || math.IsInf(srcW, 0) || math.IsInf(srcH, 0) {
		return Rect{}, fmt.Errorf("%w: %vx%v", ErrInvalidSource, srcW, srcH)
	}
	if !(tgtW > 0) || !(tgtH > 0) || math.IsInf(tgtW, 0) || math.IsInf(tgtH, 0) {
		return Rect{}, fmt.Errorf("%w: %vx%v", ErrInvalidTarget, tgtW, tgtH)
	}

	scale := math.Min(srcW/tgtW, srcH/tgtH)
	drawW := tgtW * scale
	drawH := tgtH * scale

	return Rect{
		X:      (srcW - drawW) / 2,
		Y:      (srcH - drawH) / 2,
		Width:  drawW,
		Height: drawH,
	}, nil
}

// FitTarget is Fit for an integer source size and a TargetSpec.
func FitTarget(srcW, srcH int, target TargetSpec) (Rect, error) {
	return Fit(float64(srcW), float64(srcH), float64(target.Width), float64(target.Height))
}
