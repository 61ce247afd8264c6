// Package main provides a command line tool that grabs a social-card
// thumbnail from a local video file.
package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/maauso/ogthumb/internal/crop"
	"github.com/maauso/ogthumb/internal/encode"
	"github.com/maauso/ogthumb/internal/frame"
	"github.com/maauso/ogthumb/internal/media"
	"github.com/maauso/ogthumb/internal/seek"
)

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "ogthumb",
		Usage: "Capture 1200x630 JPEG thumbnails from video files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "ffmpeg",
				Usage: "Path to the ffmpeg binary",
				Value: "ffmpeg",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log debug output to stderr",
			},
		},
		Commands: []*cli.Command{
			grabCommand(stdout),
			probeCommand(stdout),
		},
	}
}

func grabCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "grab",
		Usage: "Seek to a timestamp and write the thumbnail",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"i"},
				Usage:    "Video file",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "JPEG output file, or - for a data URL on stdout",
				Value:   "thumbnail.jpg",
			},
			&cli.Float64Flag{
				Name:  "at",
				Usage: "Timestamp in seconds (default: 5s, or the midpoint of shorter videos)",
				Value: -1,
			},
			&cli.StringFlag{
				Name:  "crop",
				Usage: "Source rectangle X,Y,W,H in pixels (default: centred fit)",
			},
			&cli.Float64Flag{
				Name:  "quality",
				Usage: "JPEG quality in (0, 1]",
				Value: encode.DefaultQuality,
			},
			&cli.IntFlag{
				Name:  "width",
				Usage: "Thumbnail width",
				Value: frame.DefaultTarget.Width,
			},
			&cli.IntFlag{
				Name:  "height",
				Usage: "Thumbnail height",
				Value: frame.DefaultTarget.Height,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Maximum wait for metadata and for the seek",
				Value: seek.DefaultTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			quality := cmd.Float64("quality")
			if err := encode.ValidateQuality(quality); err != nil {
				return err
			}
			target := frame.TargetSpec{Width: cmd.Int("width"), Height: cmd.Int("height")}
			if err := target.Validate(); err != nil {
				return err
			}
			var rect *frame.Rect
			if s := cmd.String("crop"); s != "" {
				r, err := parseRect(s)
				if err != nil {
					return err
				}
				rect = &r
			}
			var at *float64
			if t := cmd.Float64("at"); t >= 0 {
				at = &t
			}

			logger := newLogger(cmd.Bool("verbose"))
			opener := media.NewVideoOpener(
				media.WithFFmpegPath(cmd.String("ffmpeg")),
				media.WithLogger(logger),
			)

			img, pos, err := grab(ctx, opener, cmd.String("input"), grabOptions{
				At:      at,
				Rect:    rect,
				Target:  target,
				Quality: quality,
				Timeout: cmd.Duration("timeout"),
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			out := cmd.String("output")
			if out == "-" {
				_, err := fmt.Fprintln(stdout, img.DataURL())
				return err
			}
			if err := os.WriteFile(out, img.Data, 0o600); err != nil {
				return fmt.Errorf("write thumbnail: %w", err)
			}
			_, err = fmt.Fprintf(stdout, "%s: %dx%d, %d bytes, at %.3fs\n", out, img.Width, img.Height, img.Size(), pos)
			return err
		},
	}
}

func probeCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "probe",
		Usage:     "Print video dimensions, duration and frame rate",
		ArgsUsage: "<video>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("a video path is required")
			}
			meta, err := media.DefaultProber().Probe(ctx, path)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(stdout, "%dx%d, %.3fs, %.3f fps\n", meta.Width, meta.Height, meta.Duration, meta.FrameRate)
			return err
		},
	}
}

type grabOptions struct {
	At      *float64
	Rect    *frame.Rect
	Target  frame.TargetSpec
	Quality float64
	Timeout time.Duration
	Logger  *slog.Logger
}

// grab opens the video, seeks and encodes one thumbnail. It returns the
// image and the position it was taken at.
func grab(ctx context.Context, opener media.Opener, path string, opts grabOptions) (*encode.EncodedImage, float64, error) {
	res, err := opener.Open(path)
	if err != nil {
		return nil, 0, err
	}
	ctrl := seek.NewController(res,
		seek.WithTimeout(opts.Timeout),
		seek.WithLogger(opts.Logger),
	)
	defer func() { _ = ctrl.Close() }()

	still, err := ctrl.SeekAndCapture(ctx, opts.At)
	if err != nil {
		return nil, 0, err
	}

	var img image.Image
	if opts.Rect != nil {
		img, err = crop.Finalize(still.Image, *opts.Rect, opts.Target)
	} else {
		img, _, err = frame.CaptureFit(still, opts.Target)
	}
	if err != nil {
		return nil, 0, err
	}

	enc, err := encode.Encode(img, encode.Options{Quality: opts.Quality})
	if err != nil {
		return nil, 0, err
	}
	return enc, still.Position, nil
}

var errBadRect = errors.New("crop must be X,Y,W,H")

// parseRect parses "X,Y,W,H".
func parseRect(s string) (frame.Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return frame.Rect{}, errBadRect
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return frame.Rect{}, fmt.Errorf("%w: %q", errBadRect, p)
		}
		v[i] = f
	}
	r := frame.Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	if r.X < 0 || r.Y < 0 || r.Empty() {
		return frame.Rect{}, fmt.Errorf("%w: %q", errBadRect, s)
	}
	return r, nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
