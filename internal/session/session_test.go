package session

import (
	"testing"

	"github.com/maauso/ogthumb/internal/crop"
	"github.com/maauso/ogthumb/internal/encode"
	"github.com/maauso/ogthumb/internal/frame"
)

func TestNew(t *testing.T) {
	s := New()

	if s.ID == "" {
		t.Error("expected session to have an ID")
	}
	if s.Status != StatusLoading {
		t.Errorf("expected status %s, got %s", StatusLoading, s.Status)
	}
	if s.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if s.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}
	if s.Captured {
		t.Error("expected new session not to be captured")
	}
}

func TestNewWithID(t *testing.T) {
	id := "test-session-123"
	s := NewWithID(id)

	if s.ID != id {
		t.Errorf("expected ID %s, got %s", id, s.ID)
	}
	if s.Status != StatusLoading {
		t.Errorf("expected status %s, got %s", StatusLoading, s.Status)
	}
}

func TestSession_ValidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"LOADING to READY", StatusLoading, StatusReady, false},
		{"LOADING to FAILED", StatusLoading, StatusFailed, false},
		{"LOADING to CLOSED", StatusLoading, StatusClosed, false},
		{"READY to CLOSED", StatusReady, StatusClosed, false},
		{"FAILED to READY", StatusFailed, StatusReady, false},
		{"FAILED to CLOSED", StatusFailed, StatusClosed, false},
		{"READY to READY", StatusReady, StatusReady, false},
		{"READY to FAILED", StatusReady, StatusFailed, true},
		{"READY to LOADING", StatusReady, StatusLoading, true},
		{"CLOSED to READY", StatusClosed, StatusReady, true},
		{"CLOSED to CLOSED", StatusClosed, StatusClosed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			s.Status = tt.from

			err := s.TransitionTo(tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("TransitionTo() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && s.Status != tt.to {
				t.Errorf("expected status %s, got %s", tt.to, s.Status)
			}
			if tt.wantErr && err != ErrInvalidTransition {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestSession_Close_SetsClosedAt(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ClosedAt.IsZero() {
		t.Error("expected ClosedAt to be set")
	}
	if !s.IsTerminal() {
		t.Error("expected closed session to be terminal")
	}
}

func TestSession_SetThumbnail(t *testing.T) {
	s := New()
	_ = s.Fail("boom")

	th := &Thumbnail{Image: &encode.EncodedImage{Data: []byte{1}, Width: 1200, Height: 630}, Mode: ModeSeek}
	if err := s.SetThumbnail(th); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.GetStatus() != StatusReady {
		t.Errorf("expected READY, got %s", s.GetStatus())
	}
	if !s.Captured {
		t.Error("expected Captured to be true")
	}
	if s.Error != "" {
		t.Errorf("expected error to be cleared, got %q", s.Error)
	}

	_ = s.Close()
	if err := s.SetThumbnail(th); err != ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition on closed session, got %v", err)
	}
}

func TestSession_RecordError_KeepsThumbnail(t *testing.T) {
	s := New()
	th := &Thumbnail{Image: &encode.EncodedImage{Data: []byte{1}}, Position: 5}
	_ = s.SetThumbnail(th)

	s.RecordError("seek timed out")

	if s.Thumbnail != th {
		t.Error("expected previous thumbnail to be kept")
	}
	if s.Status != StatusReady {
		t.Errorf("expected status to stay READY, got %s", s.Status)
	}
	if s.Error != "seek timed out" {
		t.Errorf("unexpected error %q", s.Error)
	}
}

func TestSession_Clone(t *testing.T) {
	s := New()
	s.TempFiles = []string{"/tmp/a.mp4"}
	s.SetSnapshot(2, crop.State{Zoom: 1, Rect: frame.Rect{Width: 100, Height: 52.5}})
	_ = s.SetThumbnail(&Thumbnail{Image: &encode.EncodedImage{Data: []byte{1}}, Position: 2})

	c := s.Clone()
	if c.ID != s.ID || c.Status != s.Status {
		t.Error("clone should copy identity and status")
	}

	c.TempFiles[0] = "changed"
	c.Crop.Zoom = 3
	c.Thumbnail.Position = 9

	if s.TempFiles[0] != "/tmp/a.mp4" {
		t.Error("modifying clone TempFiles should not affect original")
	}
	if s.Crop.Zoom != 1 {
		t.Error("modifying clone Crop should not affect original")
	}
	if s.Thumbnail.Position != 2 {
		t.Error("modifying clone Thumbnail should not affect original")
	}
}
