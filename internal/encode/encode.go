// Package encode serializes raster buffers into compressed thumbnail images.
package encode

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// DefaultQuality is used by both the automatic and the crop pipeline when
// no quality is given.
const DefaultQuality = 0.9

// MIMEType is the media type of every EncodedImage.
const MIMEType = "image/jpeg"

// Static errors for encoding.
var (
	// ErrEncode is returned when the buffer cannot be encoded, including
	// zero-sized buffers.
	ErrEncode = errors.New("encode: cannot encode image")
	// ErrInvalidQuality is returned when quality is outside (0, 1].
	ErrInvalidQuality = errors.New("encode: quality must be in (0, 1]")
)

// Options configures JPEG encoding.
type Options struct {
	// Quality in (0, 1]. Zero means DefaultQuality.
	Quality float64
}

// EncodedImage is a JPEG byte sequence with its nominal dimensions.
type EncodedImage struct {
	Data   []byte
	Width  int
	Height int
}

// MIMEType returns the media type of the image.
func (e *EncodedImage) MIMEType() string {
	return MIMEType
}

// DataURL returns the image as a self-contained data URL.
func (e *EncodedImage) DataURL() string {
	return "data:" + MIMEType + ";base64," + base64.StdEncoding.EncodeToString(e.Data)
}

// Size returns the encoded size in bytes.
func (e *EncodedImage) Size() int {
	return len(e.Data)
}

// Encode compresses img as JPEG.
// Only the decoded pixel content is reproducible across library versions,
// not the compressed bytes.
func Encode(img image.Image, opts Options) (*EncodedImage, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty buffer", ErrEncode)
	}

	q, err := jpegQuality(opts.Quality)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	b := img.Bounds()
	return &EncodedImage{
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// Decode decodes encoded image bytes.
func Decode(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// ValidateQuality returns ErrInvalidQuality unless q is in (0, 1].
func ValidateQuality(q float64) error {
	if math.IsNaN(q) || q <= 0 || q > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidQuality, q)
	}
	return nil
}

// jpegQuality maps a (0, 1] quality to the 1-100 JPEG scale.
func jpegQuality(q float64) (int, error) {
	if q == 0 {
		q = DefaultQuality
	}
	if err := ValidateQuality(q); err != nil {
		return 0, err
	}
	n := int(math.Round(q * 100))
	if n < 1 {
		n = 1
	}
	return n, nil
}
