// Package metrics exposes Prometheus collectors for thumbnail capture.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maauso/ogthumb/internal/seek"
)

// Capture results used as the "result" label.
const (
	ResultOK         = "ok"
	ResultTimeout    = "timeout"
	ResultSuperseded = "superseded"
	ResultError      = "error"
)

var (
	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ogthumb_captures_total",
		Help: "Total number of thumbnail captures, by mode and result",
	}, []string{"mode", "result"})

	CaptureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ogthumb_capture_duration_seconds",
		Help:    "Duration of a capture from request to encoded JPEG",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"mode"})

	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ogthumb_sessions_open",
		Help: "Number of sessions holding an open video",
	})

	DownloadRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ogthumb_download_retries_total",
		Help: "Total number of retried video download requests",
	})
)

// ObserveCapture records one capture attempt that started at start.
func ObserveCapture(mode string, start time.Time, err error) {
	CapturesTotal.WithLabelValues(mode, Result(err)).Inc()
	CaptureDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// Result classifies a capture error.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, seek.ErrSeekTimeout):
		return ResultTimeout
	case errors.Is(err, seek.ErrSuperseded):
		return ResultSuperseded
	default:
		return ResultError
	}
}
