package crop

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/maauso/ogthumb/internal/frame"
)

// Finalize cuts rect out of raw and resamples it to exactly the target size.
// The rectangle must lie inside the raw bounds; it is rounded to whole
// pixels before cropping.
func Finalize(raw image.Image, rect frame.Rect, target frame.TargetSpec) (*image.NRGBA, error) {
	if rect.Empty() {
		return nil, fmt.Errorf("%w: %+v", ErrEmptyCropRegion, rect)
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if raw == nil || raw.Bounds().Empty() {
		return nil, frame.ErrSourceNotReady
	}

	b := raw.Bounds()
	if !rect.Within(b.Dx(), b.Dy()) {
		return nil, fmt.Errorf("%w: %+v outside %v", frame.ErrRectOutOfBounds, rect, b)
	}
	r := rect.Image().Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil, fmt.Errorf("%w: %+v outside %v", ErrEmptyCropRegion, rect, b)
	}

	cropped := imaging.Crop(raw, r)
	return imaging.Resize(cropped, target.Width, target.Height, imaging.Lanczos), nil
}

// Preview draws the crop rectangle over raw: the area outside the rectangle
// is dimmed, the rectangle gets a border and rule-of-thirds guides.
func Preview(raw image.Image, rect frame.Rect) (image.Image, error) {
	if raw == nil || raw.Bounds().Empty() {
		return nil, frame.ErrSourceNotReady
	}
	b := raw.Bounds()
	if !rect.Within(b.Dx(), b.Dy()) {
		return nil, fmt.Errorf("%w: %+v", frame.ErrRectOutOfBounds, rect)
	}

	dc := gg.NewContext(b.Dx(), b.Dy())
	dc.DrawImage(raw, -b.Min.X, -b.Min.Y)

	w := float64(b.Dx())
	h := float64(b.Dy())
	right := rect.X + rect.Width
	bottom := rect.Y + rect.Height

	dc.SetRGBA(0, 0, 0, 0.5)
	dc.DrawRectangle(0, 0, w, rect.Y)
	dc.DrawRectangle(0, bottom, w, h-bottom)
	dc.DrawRectangle(0, rect.Y, rect.X, rect.Height)
	dc.DrawRectangle(right, rect.Y, w-right, rect.Height)
	dc.Fill()

	line := max(1, w/600)

	dc.SetRGBA(1, 1, 1, 0.5)
	dc.SetLineWidth(line)
	for i := 1; i <= 2; i++ {
		x := rect.X + rect.Width*float64(i)/3
		y := rect.Y + rect.Height*float64(i)/3
		dc.DrawLine(x, rect.Y, x, bottom)
		dc.DrawLine(rect.X, y, right, y)
	}
	dc.Stroke()

	dc.SetRGB(1, 1, 1)
	dc.SetLineWidth(line * 2)
	dc.DrawRectangle(rect.X, rect.Y, rect.Width, rect.Height)
	dc.Stroke()

	return dc.Image(), nil
}
