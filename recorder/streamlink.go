package recorder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// StreamlinkAdapter captures via streamlink piped into ffmpeg. Streamlink
// resolves the platform page URL to the live HLS feed and streams it to
// stdout; ffmpeg remuxes into the segment file without re-encoding.
type StreamlinkAdapter struct{}

type streamlinkCapture struct {
	sl *exec.Cmd
	ff *exec.Cmd
}

func (StreamlinkAdapter) Start(ctx context.Context, source, filePath string) (Capture, error) {
	slBin := os.Getenv("STREAMLINK_PATH")
	if slBin == "" {
		slBin = "streamlink"
	}
	ffBin := os.Getenv("FFMPEG_PATH")
	if ffBin == "" {
		ffBin = "ffmpeg"
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir segment dir: %w", err)
	}

	sl := exec.CommandContext(ctx, slBin, "--stdout", "--quiet", source, "best")
	ff := exec.CommandContext(ctx, ffBin,
		"-hide_banner", "-loglevel", "warning",
		"-i", "pipe:0",
		"-c", "copy",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4", filePath)

	pipe, err := sl.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	ff.Stdin = pipe
	ff.Stderr = os.Stderr
	sl.Stderr = os.Stderr

	if err := sl.Start(); err != nil {
		return nil, fmt.Errorf("%w: streamlink: %v", ErrAdapterUnavailable, err)
	}
	if err := ff.Start(); err != nil {
		_ = sl.Process.Kill()
		return nil, fmt.Errorf("%w: ffmpeg: %v", ErrAdapterUnavailable, err)
	}
	return &streamlinkCapture{sl: sl, ff: ff}, nil
}

func (c *streamlinkCapture) Stop() error {
	// Killing streamlink closes ffmpeg's stdin, which finalizes the file.
	if c.sl.Process != nil {
		_ = c.sl.Process.Signal(syscall.SIGTERM)
	}
	done := make(chan struct{})
	go func() {
		_ = c.sl.Wait()
		_ = c.ff.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(15 * time.Second):
		if c.sl.Process != nil {
			_ = c.sl.Process.Kill()
		}
		if c.ff.Process != nil {
			_ = c.ff.Process.Kill()
		}
		<-done
		return nil
	}
}
