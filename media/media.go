// Package media wraps the ffmpeg/ffprobe invocations used for cutting clip
// ranges out of segment files, concatenating them, and producing thumbnails.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ToolError wraps a media tool failure with its stderr tail so callers can
// classify it without re-running the command.
type ToolError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// CutRange is a local offset range within one segment file.
type CutRange struct {
	FilePath string
	Start    float64 // seconds from segment start
	Duration float64 // seconds
}

// Cutter abstracts clip extraction (for tests/mocks).
type Cutter interface {
	// Extract cuts each range from its segment and concatenates the pieces,
	// in order, into outPath. Returns the output duration in seconds.
	Extract(ctx context.Context, ranges []CutRange, outPath string) (float64, error)
	// Thumbnail writes a still frame from the clip to thumbPath.
	Thumbnail(ctx context.Context, clipPath, thumbPath string) error
}

// configurable for tests
var DefaultCutter Cutter = FFmpegCutter{}

// FFmpegCutter shells out to ffmpeg and ffprobe.
type FFmpegCutter struct{}

func ffmpegBin() string {
	if p := os.Getenv("FFMPEG_PATH"); p != "" {
		return p
	}
	return "ffmpeg"
}

func ffprobeBin() string {
	if p := os.Getenv("FFPROBE_PATH"); p != "" {
		return p
	}
	return "ffprobe"
}

func (FFmpegCutter) Extract(ctx context.Context, ranges []CutRange, outPath string) (float64, error) {
	if len(ranges) == 0 {
		return 0, errors.New("no ranges to extract")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir clip dir: %w", err)
	}

	if len(ranges) == 1 {
		if err := cutOne(ctx, ranges[0], outPath); err != nil {
			return 0, err
		}
		return Probe(ctx, outPath)
	}

	// Multi-segment: cut each piece to a temp file, then concat with the
	// demuxer. Stream copy keeps this fast; clips are short.
	tmpDir, err := os.MkdirTemp(filepath.Dir(outPath), "clipparts-")
	if err != nil {
		return 0, fmt.Errorf("mkdir temp: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	listPath := filepath.Join(tmpDir, "concat.txt")
	var list strings.Builder
	for i, r := range ranges {
		part := filepath.Join(tmpDir, fmt.Sprintf("part_%03d.mp4", i))
		if err := cutOne(ctx, r, part); err != nil {
			return 0, err
		}
		fmt.Fprintf(&list, "file '%s'\n", part)
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return 0, fmt.Errorf("write concat list: %w", err)
	}

	out, err := exec.CommandContext(ctx, ffmpegBin(),
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", outPath).CombinedOutput()
	if err != nil {
		return 0, &ToolError{Tool: "ffmpeg concat", Stderr: tail(string(out)), Err: err}
	}
	return Probe(ctx, outPath)
}

func cutOne(ctx context.Context, r CutRange, outPath string) error {
	// -ss before -i seeks on the input, which is both faster and keyframe
	// accurate enough for stream-copied live captures.
	out, err := exec.CommandContext(ctx, ffmpegBin(),
		"-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(r.Start),
		"-i", r.FilePath,
		"-t", formatSeconds(r.Duration),
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", outPath).CombinedOutput()
	if err != nil {
		return &ToolError{Tool: "ffmpeg cut", Stderr: tail(string(out)), Err: err}
	}
	return nil
}

func (FFmpegCutter) Thumbnail(ctx context.Context, clipPath, thumbPath string) error {
	out, err := exec.CommandContext(ctx, ffmpegBin(),
		"-hide_banner", "-loglevel", "error",
		"-i", clipPath,
		"-vframes", "1",
		"-vf", "scale=320:-1",
		"-y", thumbPath).CombinedOutput()
	if err != nil {
		return &ToolError{Tool: "ffmpeg thumbnail", Stderr: tail(string(out)), Err: err}
	}
	return nil
}

// Probe returns the duration of a media file in seconds.
func Probe(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, ffprobeBin(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path).Output()
	if err != nil {
		stderr := ""
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			stderr = tail(string(ee.Stderr))
		}
		return 0, &ToolError{Tool: "ffprobe", Stderr: stderr, Err: err}
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return d, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 400 {
		s = s[len(s)-400:]
	}
	return s
}
