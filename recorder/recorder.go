// Package recorder owns the capture processes that write live broadcast media
// into segment files. One capture runs per active recording; rotation stops
// the current capture and starts a fresh one on the next file.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ErrAdapterUnavailable signals that the capture tool could not be started.
// The rotation scheduler treats this as a degraded recording and retries.
var ErrAdapterUnavailable = errors.New("capture adapter unavailable")

// Capture is a running segment writer.
type Capture interface {
	// Stop flushes and terminates the writer. The segment file is complete
	// after Stop returns.
	Stop() error
}

// Adapter abstracts the capture tool (for tests/mocks).
type Adapter interface {
	Start(ctx context.Context, source, filePath string) (Capture, error)
}

// configurable for tests
var DefaultAdapter Adapter = defaultAdapter()

// CAPTURE_ADAPTER selects the capture pipeline: "streamlink" resolves
// platform page URLs, "ffmpeg" reads a direct HLS URL.
func defaultAdapter() Adapter {
	if os.Getenv("CAPTURE_ADAPTER") == "ffmpeg" {
		return ffmpegAdapter{}
	}
	return StreamlinkAdapter{}
}

// ffmpegAdapter copies the source stream into an mp4 without re-encoding.
type ffmpegAdapter struct{}

type ffmpegCapture struct {
	cmd *exec.Cmd
}

func (ffmpegAdapter) Start(ctx context.Context, source, filePath string) (Capture, error) {
	bin := os.Getenv("FFMPEG_PATH")
	if bin == "" {
		bin = "ffmpeg"
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir segment dir: %w", err)
	}
	// -movflags +faststart is not usable on a stream we may kill; fragmented
	// mp4 keeps the file readable even if the process dies.
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "warning",
		"-i", source,
		"-c", "copy",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4", filePath)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	return &ffmpegCapture{cmd: cmd}, nil
}

func (c *ffmpegCapture) Stop() error {
	if c.cmd.Process == nil {
		return nil
	}
	// SIGINT lets ffmpeg finalize the container before exiting.
	_ = c.cmd.Process.Signal(syscall.SIGINT)
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		_ = c.cmd.Process.Kill()
		<-done
		return nil
	}
}

// Recorder tracks the live captures of all active recordings.
type Recorder struct {
	Adapter Adapter
	Dir     string

	mu     sync.Mutex
	active map[string]Capture // recording ID -> capture
}

func New(dir string) *Recorder {
	return &Recorder{Adapter: DefaultAdapter, Dir: dir, active: make(map[string]Capture)}
}

// SegmentFile returns the canonical path for a segment of a recording.
func (r *Recorder) SegmentFile(recordingID string, seq int) string {
	return filepath.Join(r.Dir, recordingID, fmt.Sprintf("seg_%05d.mp4", seq))
}

// Begin starts capturing the first segment of a recording.
func (r *Recorder) Begin(ctx context.Context, recordingID, source, filePath string) error {
	cap, err := r.Adapter.Start(ctx, source, filePath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.active[recordingID] = cap
	r.mu.Unlock()
	slog.Info("capture started", slog.String("recording_id", recordingID), slog.String("file", filePath))
	return nil
}

// Rotate stops the current capture and starts the next segment's. If the new
// capture cannot start, the old one is already stopped; the caller marks the
// recording degraded and retries on the next tick.
func (r *Recorder) Rotate(ctx context.Context, recordingID, source, newFile string) error {
	r.mu.Lock()
	cur, ok := r.active[recordingID]
	delete(r.active, recordingID)
	r.mu.Unlock()
	if ok {
		if err := cur.Stop(); err != nil {
			slog.Warn("stop capture", slog.String("recording_id", recordingID), slog.Any("err", err))
		}
	}
	return r.Begin(ctx, recordingID, source, newFile)
}

// End stops the recording's capture, finalizing its last segment file.
func (r *Recorder) End(recordingID string) {
	r.mu.Lock()
	cur, ok := r.active[recordingID]
	delete(r.active, recordingID)
	r.mu.Unlock()
	if ok {
		if err := cur.Stop(); err != nil {
			slog.Warn("stop capture", slog.String("recording_id", recordingID), slog.Any("err", err))
		}
		slog.Info("capture stopped", slog.String("recording_id", recordingID))
	}
}

// Active reports whether a capture is running for the recording.
func (r *Recorder) Active(recordingID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[recordingID]
	return ok
}
