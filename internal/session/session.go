// Package session provides the Session aggregate for thumbnail capture
// sessions: one source video, its capture state and the last thumbnail
// produced from it. It also provides the repository port and the Service
// that runs the automatic and manual capture pipelines.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/maauso/ogthumb/internal/crop"
	"github.com/maauso/ogthumb/internal/encode"
	"github.com/maauso/ogthumb/internal/frame"
	"github.com/maauso/ogthumb/internal/media"
	"github.com/maauso/ogthumb/internal/session/id"
)

// Status represents the current state of a Session.
type Status string

const (
	// StatusLoading indicates the video is being loaded and first captured.
	StatusLoading Status = "LOADING"
	// StatusReady indicates the session has a thumbnail and accepts captures.
	StatusReady Status = "READY"
	// StatusFailed indicates the automatic capture failed. A later
	// successful capture moves the session back to READY.
	StatusFailed Status = "FAILED"
	// StatusClosed indicates the session released its video.
	StatusClosed Status = "CLOSED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusLoading: {StatusReady, StatusFailed, StatusClosed},
	StatusReady:   {StatusClosed},
	StatusFailed:  {StatusReady, StatusClosed},
	StatusClosed:  {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// CaptureMode identifies which pipeline produced a thumbnail.
type CaptureMode string

const (
	// ModeAuto is the default-timestamp capture run when a session opens.
	ModeAuto CaptureMode = "auto"
	// ModeSeek is a capture at a caller-chosen timestamp.
	ModeSeek CaptureMode = "seek"
	// ModeCurrent is an analog capture of the presented frame.
	ModeCurrent CaptureMode = "current"
	// ModeCrop is a finalized manual crop.
	ModeCrop CaptureMode = "crop"
)

// Thumbnail is an encoded capture and where it came from.
type Thumbnail struct {
	Image    *encode.EncodedImage
	Mode     CaptureMode
	Position float64
	// Rect is the source rectangle that was scaled to the target.
	Rect      frame.Rect
	CreatedAt time.Time
}

// Session is a thumbnail capture session aggregate.
type Session struct {
	mu sync.RWMutex

	// ID is the unique identifier for this session.
	ID string
	// Status is the current session state.
	Status Status
	// SourceName is the user-facing name of the video.
	SourceName string
	// VideoPath is the local file the video is decoded from.
	VideoPath string
	// TempFiles are removed when the session closes.
	TempFiles []string
	// Metadata is known once the video has loaded.
	Metadata media.Metadata
	// Captured is true once any thumbnail has been produced.
	Captured bool
	// Snapshot is true while a raw frame is held for manual cropping.
	Snapshot bool
	// SnapshotPosition is the position of the raw frame.
	SnapshotPosition float64
	// Crop is the crop state over the raw frame, if any.
	Crop *crop.State
	// Thumbnail is the last successfully produced thumbnail.
	Thumbnail *Thumbnail
	// Error contains the last capture failure, if any.
	Error string
	// CreatedAt is when the session was created.
	CreatedAt time.Time
	// UpdatedAt is when the session was last updated.
	UpdatedAt time.Time
	// ClosedAt is when the session was closed.
	ClosedAt time.Time
}

// New creates a new Session with a generated ID and initial LOADING status.
func New() *Session {
	return NewWithID(id.Generate())
}

// NewWithID creates a new Session with the specified ID and initial LOADING status.
// Useful for testing or when ID needs to be externally generated.
func NewWithID(sessionID string) *Session {
	now := time.Now()
	return &Session{
		ID:        sessionID,
		Status:    StatusLoading,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the session status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (s *Session) TransitionTo(status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(status)
}

func (s *Session) transitionLocked(status Status) error {
	if s.Status == status && status != StatusClosed {
		return nil
	}
	if !canTransition(s.Status, status) {
		return ErrInvalidTransition
	}

	s.Status = status
	s.UpdatedAt = time.Now()
	if status == StatusClosed {
		s.ClosedAt = s.UpdatedAt
	}
	return nil
}

// SetMetadata records the loaded video metadata.
func (s *Session) SetMetadata(meta media.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metadata = meta
	s.UpdatedAt = time.Now()
}

// SetThumbnail stores a new thumbnail, clears the last error and moves a
// loading or failed session to READY.
func (s *Session) SetThumbnail(th *Thumbnail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status == StatusClosed {
		return ErrInvalidTransition
	}
	if err := s.transitionLocked(StatusReady); err != nil {
		return err
	}
	s.Thumbnail = th
	s.Captured = true
	s.Error = ""
	s.UpdatedAt = time.Now()
	return nil
}

// Fail transitions a loading session to FAILED with an error message.
// Returns ErrInvalidTransition if the transition is not allowed.
func (s *Session) Fail(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StatusFailed); err != nil {
		return err
	}
	s.Error = errMsg
	return nil
}

// RecordError keeps a capture failure without changing the status or
// the previous thumbnail.
func (s *Session) RecordError(errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Error = errMsg
	s.UpdatedAt = time.Now()
}

// SetSnapshot marks that a raw frame at position is held, with its
// initial crop state.
func (s *Session) SetSnapshot(position float64, state crop.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Snapshot = true
	s.SnapshotPosition = position
	s.Crop = &state
	s.UpdatedAt = time.Now()
}

// SetCrop records the current crop state.
func (s *Session) SetCrop(state crop.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Crop = &state
	s.UpdatedAt = time.Now()
}

// Close transitions the session to CLOSED.
func (s *Session) Close() error {
	return s.TransitionTo(StatusClosed)
}

// GetStatus returns the current session status (thread-safe).
func (s *Session) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// IsTerminal returns true if the session is closed.
func (s *Session) IsTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status == StatusClosed
}

// Clone creates a deep copy of the session for safe reads.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	temps := make([]string, len(s.TempFiles))
	copy(temps, s.TempFiles)

	var cropState *crop.State
	if s.Crop != nil {
		c := *s.Crop
		cropState = &c
	}

	var thumb *Thumbnail
	if s.Thumbnail != nil {
		t := *s.Thumbnail
		thumb = &t
	}

	return &Session{
		ID:               s.ID,
		Status:           s.Status,
		SourceName:       s.SourceName,
		VideoPath:        s.VideoPath,
		TempFiles:        temps,
		Metadata:         s.Metadata,
		Captured:         s.Captured,
		Snapshot:         s.Snapshot,
		SnapshotPosition: s.SnapshotPosition,
		Crop:             cropState,
		Thumbnail:        thumb,
		Error:            s.Error,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		ClosedAt:         s.ClosedAt,
	}
}
