package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Prober reads video metadata from a file.
type Prober interface {
	Probe(ctx context.Context, path string) (Metadata, error)
}

// ChainProber tries each prober in order and returns the first success.
type ChainProber []Prober

// Probe implements Prober.
func (c ChainProber) Probe(ctx context.Context, path string) (Metadata, error) {
	var lastErr error
	for _, p := range c {
		meta, err := p.Probe(ctx, path)
		if err == nil {
			return meta, nil
		}
		if ctx.Err() != nil {
			return Metadata{}, ctx.Err()
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrNoVideoStream
	}
	return Metadata{}, lastErr
}

// DefaultProber parses MP4/MOV headers in-process and falls back to ffprobe.
func DefaultProber() Prober {
	return ChainProber{MP4Prober{}, FFprobeProber{}}
}

// MP4Prober reads metadata from the moov box of ISO BMFF files without
// spawning a process. Other containers are rejected.
type MP4Prober struct{}

// Probe implements Prober.
func (MP4Prober) Probe(_ context.Context, path string) (Metadata, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v", ".mov":
	default:
		return Metadata{}, fmt.Errorf("mp4 probe: unsupported container %q", filepath.Ext(path))
	}

	f, err := os.Open(path) // #nosec G304 - path is provided by trusted caller
	if err != nil {
		return Metadata{}, fmt.Errorf("mp4 probe: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	return ProbeMP4(f)
}

// ProbeMP4 reads metadata of the first video track of an MP4 stream.
func ProbeMP4(r io.ReadSeeker) (Metadata, error) {
	file, err := mp4.DecodeFile(r, mp4.WithDecodeMode(mp4.DecModeLazyMdat))
	if err != nil {
		return Metadata{}, fmt.Errorf("mp4 probe: decode: %w", err)
	}

	moov := file.Moov
	if moov == nil && file.Init != nil {
		moov = file.Init.Moov
	}
	if moov == nil {
		return Metadata{}, ErrNoVideoStream
	}

	turns, err := quarterTurns(r)
	if err != nil {
		return Metadata{}, fmt.Errorf("mp4 probe: track matrix: %w", err)
	}

	for i, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Hdlr.HandlerType != "vide" {
			continue
		}

		var meta Metadata
		var stbl *mp4.StblBox
		if trak.Mdia.Minf != nil {
			stbl = trak.Mdia.Minf.Stbl
		}
		if stbl != nil && stbl.Stsd != nil {
			for _, child := range stbl.Stsd.Children {
				if vse, ok := child.(*mp4.VisualSampleEntryBox); ok {
					meta.Width = int(vse.Width)
					meta.Height = int(vse.Height)
					break
				}
			}
		}

		// ffmpeg autorotates decoded frames, so report display dimensions.
		if i < len(turns) && turns[i] {
			meta.Width, meta.Height = meta.Height, meta.Width
		}

		if mdhd := trak.Mdia.Mdhd; mdhd != nil && mdhd.Timescale > 0 {
			meta.Duration = float64(mdhd.Duration) / float64(mdhd.Timescale)
		}
		if meta.Duration == 0 && moov.Mvhd != nil && moov.Mvhd.Timescale > 0 {
			meta.Duration = float64(moov.Mvhd.Duration) / float64(moov.Mvhd.Timescale)
		}

		if stbl != nil && stbl.Stts != nil && meta.Duration > 0 {
			var samples uint64
			for _, n := range stbl.Stts.SampleCount {
				samples += uint64(n)
			}
			meta.FrameRate = float64(samples) / meta.Duration
		}

		// Fragmented files carry no sample tables or duration in moov.
		if !meta.Valid() || meta.Duration == 0 {
			return Metadata{}, fmt.Errorf("%w: %+v", ErrIncompleteMetadata, meta)
		}
		return meta, nil
	}

	return Metadata{}, ErrNoVideoStream
}

// FFprobeProber reads metadata with ffprobe.
type FFprobeProber struct {
	// Timeout bounds a probe when ctx has no deadline. Zero means 10s.
	Timeout time.Duration
}

// Probe implements Prober.
func (p FFprobeProber) Probe(ctx context.Context, path string) (Metadata, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := ffmpeg.ProbeWithTimeout(path, timeout, ffmpeg.KwArgs{})
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return Metadata{}, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return Metadata{}, fmt.Errorf("ffprobe: %w", r.err)
		}
		return parseProbeJSON([]byte(r.out))
	}
}

// quarterTurns reports, per trak in moov order, whether the tkhd matrix
// rotates the track by 90 or 270 degrees. mp4ff skips the matrix when it
// decodes tkhd, so the boxes are walked here by header.
func quarterTurns(r io.ReadSeeker) ([]bool, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	for {
		hdr, err := mp4.DecodeHeader(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, err
		}
		n := int64(hdr.Size) - int64(hdr.Hdrlen)
		if hdr.Name != "moov" {
			if _, err := r.Seek(n, io.SeekCurrent); err != nil {
				return nil, err
			}
			continue
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		var turns []bool
		err = eachBox(body, func(name string, trak []byte) error {
			if name != "trak" {
				return nil
			}
			turn := false
			err := eachBox(trak, func(name string, tkhd []byte) error {
				if name == "tkhd" {
					turn = matrixQuarterTurn(tkhd)
				}
				return nil
			})
			turns = append(turns, turn)
			return err
		})
		return turns, err
	}
}

// eachBox calls fn for every box directly inside data.
func eachBox(data []byte, fn func(name string, body []byte) error) error {
	rd := bytes.NewReader(data)
	for rd.Len() > 0 {
		start := int64(len(data) - rd.Len())
		hdr, err := mp4.DecodeHeader(rd)
		if err != nil {
			return err
		}
		end := start + int64(hdr.Size)
		if end > int64(len(data)) {
			return fmt.Errorf("box %q overruns its parent", hdr.Name)
		}
		if err := fn(hdr.Name, data[start+int64(hdr.Hdrlen):end]); err != nil {
			return err
		}
		if _, err := rd.Seek(end, io.SeekStart); err != nil {
			return err
		}
	}
	return nil
}

// matrixQuarterTurn inspects the {a, b, u, c, d, v, x, y, w} matrix of a
// tkhd payload.
func matrixQuarterTurn(tkhd []byte) bool {
	if len(tkhd) < 1 {
		return false
	}
	off := 40
	if tkhd[0] == 1 {
		off = 52
	}
	if len(tkhd) < off+20 {
		return false
	}
	at := func(i int) int32 { return int32(binary.BigEndian.Uint32(tkhd[off+4*i:])) }
	a, b, c, d := at(0), at(1), at(3), at(4)
	return a == 0 && d == 0 && b != 0 && c != 0
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Duration     string `json:"duration"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Tags         struct {
		Rotate string `json:"rotate"`
	} `json:"tags"`
	SideDataList []struct {
		Rotation float64 `json:"rotation"`
	} `json:"side_data_list"`
}

// parseProbeJSON extracts the first video stream's metadata from ffprobe's
// -show_format -show_streams JSON output.
func parseProbeJSON(data []byte) (Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Metadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}

		meta := Metadata{
			Width:     s.Width,
			Height:    s.Height,
			FrameRate: parseRate(s.AvgFrameRate),
		}
		if meta.FrameRate == 0 {
			meta.FrameRate = parseRate(s.RFrameRate)
		}

		// ffmpeg autorotates decoded frames, so report display dimensions.
		if quarterTurn(s) {
			meta.Width, meta.Height = meta.Height, meta.Width
		}

		meta.Duration = parseSeconds(out.Format.Duration)
		if meta.Duration == 0 {
			meta.Duration = parseSeconds(s.Duration)
		}

		if !meta.Valid() {
			return Metadata{}, fmt.Errorf("%w: %+v", ErrIncompleteMetadata, meta)
		}
		return meta, nil
	}

	return Metadata{}, ErrNoVideoStream
}

func quarterTurn(s probeStream) bool {
	rot, _ := strconv.ParseFloat(s.Tags.Rotate, 64)
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			rot = sd.Rotation
		}
	}
	r := int(rot) % 180
	return r == 90 || r == -90
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseSeconds(s)
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseSeconds(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}
