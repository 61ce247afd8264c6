// Package server provides the HTTP API for thumbnail capture sessions.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/maauso/ogthumb/internal/frame"
	"github.com/maauso/ogthumb/internal/session"
)

// CreateSessionRequest is the JSON body for creating a session from a
// remote video. Exactly one of URL or S3Key must be set. Uploads use
// multipart/form-data with a "video" file field instead.
type CreateSessionRequest struct {
	// URL is an http(s) video URL to download.
	URL string `json:"url" validate:"omitempty,url,startswith=http"`
	// S3Key is an object key in the configured bucket.
	S3Key string `json:"s3_key" validate:"omitempty,max=1024"`
	// Name overrides the display name.
	Name string `json:"name" validate:"omitempty,max=255"`
}

// CaptureRequest is the body for capturing at a timestamp.
type CaptureRequest struct {
	// Timestamp in seconds; clamped to the video duration.
	Timestamp *float64 `json:"timestamp" validate:"required,gte=0"`
}

// SnapshotRequest is the body for taking a raw snapshot. An empty body
// applies the default timestamp policy.
type SnapshotRequest struct {
	Timestamp *float64 `json:"timestamp" validate:"omitempty,gte=0"`
}

// CropRequest is the body for updating the crop rectangle.
type CropRequest struct {
	// X and Y are the top-left corner in source pixels.
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
	// Zoom is clamped to [1, max zoom].
	Zoom *float64 `json:"zoom" validate:"required,gte=1"`
}

// FinalizeRequest is the body for finalizing the crop.
type FinalizeRequest struct {
	// Quality in (0, 1]; defaults to the configured quality.
	Quality *float64 `json:"quality" validate:"omitempty,gt=0,lte=1"`
}

// RectResponse is a source rectangle in pixels.
type RectResponse struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// MetadataResponse describes the loaded video.
type MetadataResponse struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Duration  float64 `json:"duration"`
	FrameRate float64 `json:"frame_rate,omitempty"`
}

// CropResponse is the crop state over the raw snapshot.
type CropResponse struct {
	X    float64      `json:"x"`
	Y    float64      `json:"y"`
	Zoom float64      `json:"zoom"`
	Rect RectResponse `json:"rect"`
}

// SnapshotResponse describes the raw frame held for manual cropping.
type SnapshotResponse struct {
	Position float64       `json:"position"`
	Crop     *CropResponse `json:"crop,omitempty"`
}

// ThumbnailResponse is an encoded thumbnail.
type ThumbnailResponse struct {
	// DataURL is the JPEG as a data: URL.
	DataURL  string       `json:"data_url,omitempty"`
	MIMEType string       `json:"mime_type"`
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Size     int          `json:"size"`
	Position float64      `json:"position"`
	Mode     string       `json:"mode"`
	Rect     RectResponse `json:"rect"`
}

// SessionResponse is the HTTP response for session details.
type SessionResponse struct {
	ID         string             `json:"id"`
	Status     string             `json:"status"`
	SourceName string             `json:"source_name"`
	Metadata   *MetadataResponse  `json:"metadata,omitempty"`
	Captured   bool               `json:"captured"`
	Playing    bool               `json:"playing"`
	Position   float64            `json:"position"`
	Snapshot   *SnapshotResponse  `json:"snapshot,omitempty"`
	Thumbnail  *ThumbnailResponse `json:"thumbnail,omitempty"`
	// Error is the last capture failure; the thumbnail is the last success.
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionListResponse lists sessions without thumbnail payloads.
type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// SessionID is set when a session was created but its first capture failed.
	SessionID string `json:"session_id,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

func rectResponse(r frame.Rect) RectResponse {
	return RectResponse{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

func thumbnailResponse(th *session.Thumbnail) *ThumbnailResponse {
	if th == nil || th.Image == nil {
		return nil
	}
	return &ThumbnailResponse{
		DataURL:  th.Image.DataURL(),
		MIMEType: th.Image.MIMEType(),
		Width:    th.Image.Width,
		Height:   th.Image.Height,
		Size:     th.Image.Size(),
		Position: th.Position,
		Mode:     string(th.Mode),
		Rect:     rectResponse(th.Rect),
	}
}

// sessionResponse maps a session to its DTO. withImage controls whether
// the thumbnail data URL is included.
func sessionResponse(s *session.Session, playing bool, position float64, withImage bool) SessionResponse {
	resp := SessionResponse{
		ID:         s.ID,
		Status:     string(s.Status),
		SourceName: s.SourceName,
		Captured:   s.Captured,
		Playing:    playing,
		Position:   position,
		Error:      s.Error,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
	if s.Metadata.Valid() && s.Metadata.Width > 0 {
		resp.Metadata = &MetadataResponse{
			Width:     s.Metadata.Width,
			Height:    s.Metadata.Height,
			Duration:  s.Metadata.Duration,
			FrameRate: s.Metadata.FrameRate,
		}
	}
	if s.Snapshot {
		snap := &SnapshotResponse{Position: s.SnapshotPosition}
		if s.Crop != nil {
			c := cropResponse(*s.Crop)
			snap.Crop = &c
		}
		resp.Snapshot = snap
	}
	if th := thumbnailResponse(s.Thumbnail); th != nil {
		if !withImage {
			th.DataURL = ""
		}
		resp.Thumbnail = th
	}
	return resp
}
