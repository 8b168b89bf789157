// Package rotation runs the segment rotation scheduler and the retention
// sweeper. Rotation closes each recording's open segment on the configured
// interval and opens the next one at the exact same timestamp, so consecutive
// segments tile the recording with no gaps or overlaps.
package rotation

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onnwee/clip-tender/backend/config"
	"github.com/onnwee/clip-tender/backend/db"
	"github.com/onnwee/clip-tender/backend/recorder"
	"github.com/onnwee/clip-tender/backend/telemetry"
	"github.com/onnwee/clip-tender/backend/timeline"
)

// Scheduler drives rotation and retention for all active recordings.
type Scheduler struct {
	Store    *timeline.Store
	Recorder *recorder.Recorder
	Cfg      *config.Config

	// Source resolves the capture URL for a stream. Wired to the platform
	// clients at startup; swapped in tests.
	Source func(ctx context.Context, st *timeline.Stream) (string, error)
}

// Start runs the scheduler loop until ctx is cancelled. The first pass runs
// immediately so a restart does not wait a full tick.
func (s *Scheduler) Start(ctx context.Context) {
	tick := s.Cfg.PollInterval
	slog.Info("rotation scheduler starting", slog.Duration("tick", tick), slog.Duration("rotation_interval", s.Cfg.RotationInterval))
	if err := s.runOnce(ctx); err != nil {
		slog.Warn("rotation pass", slog.Any("err", err))
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("rotation scheduler stopped")
			return
		case <-ticker.C:
			if err := s.runOnce(ctx); err != nil {
				slog.Warn("rotation pass", slog.Any("err", err))
			}
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) error {
	db.Heartbeat(ctx, s.Store.DB, "job_rotation_last")

	recs, err := s.Store.ActiveRecordings(ctx)
	if err != nil {
		return err
	}
	telemetry.SetActiveRecordings(len(recs))
	now := time.Now().UTC()
	for _, rec := range recs {
		s.rotateIfDue(ctx, rec, now)
	}
	if s.Cfg.AutoDelete && s.Cfg.RetentionWindow > 0 {
		s.sweepRetention(ctx, now)
	}
	return nil
}

func (s *Scheduler) rotateIfDue(ctx context.Context, rec timeline.Recording, now time.Time) {
	open, err := s.Store.OpenSegment(ctx, rec.ID)
	if err != nil {
		slog.Warn("open segment lookup", slog.String("recording_id", rec.ID), slog.Any("err", err))
		return
	}
	if open == nil {
		return
	}
	// A degraded recording rotates immediately to restart its capture.
	if !rec.Degraded && now.Sub(open.StartTime) < s.Cfg.RotationInterval {
		return
	}

	st, err := s.Store.GetStream(ctx, rec.StreamID)
	if err != nil {
		slog.Warn("stream lookup", slog.String("recording_id", rec.ID), slog.Any("err", err))
		return
	}
	source, err := s.Source(ctx, st)
	if err != nil {
		slog.Warn("resolve capture source", slog.String("stream", st.Name), slog.Any("err", err))
		s.markDegraded(ctx, rec, true)
		return
	}

	newFile := s.Recorder.SegmentFile(rec.ID, open.Seq+1)
	if err := s.Recorder.Rotate(ctx, rec.ID, source, newFile); err != nil {
		slog.Error("capture rotation failed", slog.String("recording_id", rec.ID), slog.Any("err", err))
		s.markDegraded(ctx, rec, true)
		return
	}
	boundary := time.Now().UTC()
	closed, opened, err := s.Store.RotateSegment(ctx, rec.ID, newFile, boundary)
	if err != nil {
		slog.Error("segment rotation failed", slog.String("recording_id", rec.ID), slog.Any("err", err))
		s.markDegraded(ctx, rec, true)
		return
	}
	telemetry.SegmentsRotated.Inc()
	s.markDegraded(ctx, rec, false)
	slog.Info("segment rotated",
		slog.String("recording_id", rec.ID),
		slog.Int("closed_seq", closed.Seq),
		slog.Int("opened_seq", opened.Seq),
		slog.Time("boundary", boundary))
}

func (s *Scheduler) markDegraded(ctx context.Context, rec timeline.Recording, degraded bool) {
	if rec.Degraded == degraded {
		return
	}
	if err := s.Store.SetRecordingDegraded(ctx, rec.ID, degraded); err != nil {
		slog.Warn("set degraded", slog.String("recording_id", rec.ID), slog.Any("err", err))
	}
}

// sweepRetention deletes segment files older than the retention window that no
// in-flight clip job depends on, then cleans up stale extraction temp dirs.
func (s *Scheduler) sweepRetention(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.Cfg.RetentionWindow)
	segs, err := s.Store.DeletableSegments(ctx, cutoff)
	if err != nil {
		slog.Warn("retention query", slog.Any("err", err))
		return
	}
	for _, seg := range segs {
		ok, err := s.Store.MarkSegmentDeleted(ctx, seg.ID)
		if err != nil {
			slog.Warn("mark segment deleted", slog.Int64("segment_id", seg.ID), slog.Any("err", err))
			continue
		}
		if !ok {
			// A clip job pinned it between the query and now. Next sweep.
			continue
		}
		if err := os.Remove(seg.FilePath); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove segment file", slog.String("file", seg.FilePath), slog.Any("err", err))
		}
		telemetry.SegmentsDeleted.Inc()
		slog.Info("segment deleted by retention", slog.Int64("segment_id", seg.ID), slog.String("file", seg.FilePath))
	}
	s.cleanupTempDirs(now)
}

// cleanupTempDirs removes extraction scratch dirs older than an hour,
// leftovers from crashed extraction attempts.
func (s *Scheduler) cleanupTempDirs(now time.Time) {
	entries, err := os.ReadDir(s.Cfg.ClipsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "clipparts-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > time.Hour {
			_ = os.RemoveAll(filepath.Join(s.Cfg.ClipsDir, e.Name()))
		}
	}
}
