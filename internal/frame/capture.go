package frame

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Source supplies the currently decoded video frame.
// Implementations return ErrSourceNotReady when no frame has been decoded.
type Source interface {
	CurrentFrame() (image.Image, error)
}

// Still is a decoded frame captured at a known playback position.
type Still struct {
	Image    image.Image
	Position float64
}

// CurrentFrame implements Source.
func (s Still) CurrentFrame() (image.Image, error) {
	if s.Image == nil || s.Image.Bounds().Empty() {
		return nil, ErrSourceNotReady
	}
	return s.Image, nil
}

// Capture copies pixel data from the source's current frame into a new
// raster buffer.
//
// With a nil rect the full native frame is copied at its own resolution
// (raw snapshot for manual cropping). Otherwise only the rect sub-region is
// read and resampled to exactly the target size. The source is never
// modified.
func Capture(src Source, rect *Rect, target TargetSpec) (*image.RGBA, error) {
	if src == nil {
		return nil, ErrSourceNotReady
	}
	img, err := src.CurrentFrame()
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, ErrSourceNotReady
	}

	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidSource)
	}

	if rect == nil {
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst, nil
	}

	if err := target.Validate(); err != nil {
		return nil, err
	}
	if !rect.Within(b.Dx(), b.Dy()) {
		return nil, fmt.Errorf("%w: %+v in %dx%d", ErrRectOutOfBounds, *rect, b.Dx(), b.Dy())
	}

	dst := image.NewRGBA(target.Bounds())
	sx := float64(target.Width) / rect.Width
	sy := float64(target.Height) / rect.Height

	// Maps source pixel space to destination pixel space, so the rect
	// lands exactly on the target bounds at sub-pixel precision.
	s2d := f64.Aff3{
		sx, 0, -(float64(b.Min.X) + rect.X) * sx,
		0, sy, -(float64(b.Min.Y) + rect.Y) * sy,
	}
	draw.CatmullRom.Transform(dst, s2d, img, b, draw.Src, nil)

	return dst, nil
}

// CaptureFit captures the Fit rectangle of the source's current frame,
// scaled to the target. This is the automatic pipeline's single step.
func CaptureFit(src Source, target TargetSpec) (*image.RGBA, Rect, error) {
	if src == nil {
		return nil, Rect{}, ErrSourceNotReady
	}
	img, err := src.CurrentFrame()
	if err != nil {
		return nil, Rect{}, err
	}
	if img == nil {
		return nil, Rect{}, ErrSourceNotReady
	}

	b := img.Bounds()
	rect, err := FitTarget(b.Dx(), b.Dy(), target)
	if err != nil {
		return nil, Rect{}, err
	}

	out, err := Capture(Still{Image: img}, &rect, target)
	if err != nil {
		return nil, Rect{}, err
	}
	return out, rect, nil
}
