// Package media provides decodable video resources: metadata probing, seeking
// to a timestamp and presenting decoded frames.
package media

import (
	"errors"
	"image"

	"github.com/maauso/ogthumb/internal/frame"
)

// Static errors for media operations.
var (
	// ErrNoVideoStream is returned when the file contains no video track.
	ErrNoVideoStream = errors.New("media: no video stream")
	// ErrNoFrame is returned when ffmpeg produced no frame for a position.
	ErrNoFrame = errors.New("media: no frame decoded")
	// ErrMetadataNotLoaded is returned by operations that need metadata
	// before it is available.
	ErrMetadataNotLoaded = errors.New("media: metadata not loaded")
	// ErrClosed is returned by operations on a closed resource.
	ErrClosed = errors.New("media: resource closed")
	// ErrIncompleteMetadata is returned when a probe found a video track
	// without usable dimensions or duration.
	ErrIncompleteMetadata = errors.New("media: incomplete metadata")
)

// Metadata describes a video once it is known.
type Metadata struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Duration  float64 `json:"duration"`
	FrameRate float64 `json:"frame_rate"`
}

// Valid reports whether the dimensions are known and the duration is sane.
func (m Metadata) Valid() bool {
	return m.Width > 0 && m.Height > 0 && m.Duration >= 0
}

// FrameInterval returns the duration of one frame in seconds, assuming 25
// fps when the rate is unknown.
func (m Metadata) FrameInterval() float64 {
	if m.FrameRate > 0 {
		return 1 / m.FrameRate
	}
	return 1.0 / 25
}

// EventKind identifies a resource signal.
type EventKind int

const (
	// EventMetadataLoaded fires once when dimensions and duration are known.
	EventMetadataLoaded EventKind = iota + 1
	// EventSeeked fires when the frame for a seek request is decoded.
	EventSeeked
	// EventError reports a failed metadata load (Token 0) or seek.
	EventError
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventMetadataLoaded:
		return "loadedmetadata"
	case EventSeeked:
		return "seeked"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single-shot signal from a Resource.
type Event struct {
	Kind EventKind
	// Token echoes the seek request token. Zero for metadata events.
	Token    uint64
	Position float64
	// Frame is the decoded frame for EventSeeked.
	Frame image.Image
	Err   error
}

// Resource is a decodable video. Seek and Load are asynchronous: completion
// is reported on Events. A seeked event is emitted only for the most recent
// token; completions of superseded requests are dropped.
type Resource interface {
	frame.Source

	// Load starts loading metadata. It is idempotent.
	Load()
	// Metadata returns the metadata and whether it has been loaded.
	Metadata() (Metadata, bool)
	// Seek requests the frame at t seconds, tagged with token.
	Seek(token uint64, t float64)
	// Play starts presenting frames in real time from the current position.
	Play() error
	// Pause stops playback at the presented frame.
	Pause()
	// Playing reports whether playback is running.
	Playing() bool
	// Position returns the current playback position in seconds.
	Position() float64
	// Presented returns the presented frame together with its position.
	Presented() (frame.Still, error)
	// Events returns the signal channel. It is closed by Close.
	Events() <-chan Event
	// Close stops all work and releases the resource.
	Close() error
}

// Opener opens video files as Resources.
type Opener interface {
	Open(path string) (Resource, error)
}
