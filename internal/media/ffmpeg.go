package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// baseArgs are prepended to every ffmpeg invocation.
var baseArgs = []string{"-nostdin", "-hide_banner", "-loglevel", "error"}

// frameArgs builds the arguments that decode the single frame at t seconds
// and write it as PNG to stdout.
func frameArgs(path string, t float64) []string {
	args := ffmpeg.Input(path, ffmpeg.KwArgs{"ss": formatSeconds(t)}).
		Output("pipe:", ffmpeg.KwArgs{
			"frames:v": 1,
			"format":   "image2",
			"vcodec":   "png",
		}).
		GetArgs()
	return append(append([]string{}, baseArgs...), args...)
}

// playbackArgs builds the arguments that stream raw RGBA frames from t
// seconds onwards at the native frame rate.
func playbackArgs(path string, t float64) []string {
	args := ffmpeg.Input(path, ffmpeg.KwArgs{"ss": formatSeconds(t)}).
		Output("pipe:", ffmpeg.KwArgs{
			"format":  "rawvideo",
			"pix_fmt": "rgba",
		}).
		GetArgs()
	out := append(append([]string{}, baseArgs...), "-re")
	return append(out, args...)
}

// runFFmpeg executes ffmpeg with the given arguments, writing its stdout to
// stdout, and returns an error containing stderr output if the command fails.
func runFFmpeg(ctx context.Context, ffmpegPath string, args []string, stdout io.Writer) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

func formatSeconds(t float64) string {
	return strconv.FormatFloat(t, 'f', 3, 64)
}
