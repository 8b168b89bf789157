// Package clip resolves trigger windows into extracted clip files. The
// resolver maps each job's absolute time window onto the segment timeline of
// the covering recording, waits (bounded) for media that hasn't been written
// yet, and drives the cutter over the spanned segments.
package clip

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/onnwee/clip-tender/backend/config"
	"github.com/onnwee/clip-tender/backend/db"
	"github.com/onnwee/clip-tender/backend/media"
	"github.com/onnwee/clip-tender/backend/telemetry"
	"github.com/onnwee/clip-tender/backend/timeline"
)

// Resolver drives pending and waiting clip jobs to a terminal state.
type Resolver struct {
	Store  *timeline.Store
	Cfg    *config.Config
	Cutter media.Cutter

	// AutoEnqueue, when non-nil, is called with each finished clip so uploads
	// can be queued without the resolver importing the upload package.
	AutoEnqueue func(ctx context.Context, c *timeline.Clip)
}

// Start runs the resolver loop until ctx is cancelled.
func (r *Resolver) Start(ctx context.Context) {
	tick := r.Cfg.ResolverTick
	slog.Info("clip resolver starting", slog.Duration("tick", tick), slog.Duration("max_wait", r.Cfg.ClipMaxWait), slog.String("wait_policy", r.Cfg.ClipWaitPolicy))
	if err := r.runOnce(ctx); err != nil {
		slog.Warn("resolver pass", slog.Any("err", err))
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("clip resolver stopped")
			return
		case <-ticker.C:
			if err := r.runOnce(ctx); err != nil {
				slog.Warn("resolver pass", slog.Any("err", err))
			}
		}
	}
}

func (r *Resolver) runOnce(ctx context.Context) error {
	db.Heartbeat(ctx, r.Store.DB, "job_clip_resolver_last")

	jobs, err := r.Store.ResolvableClipJobs(ctx, 100)
	if err != nil {
		return err
	}
	waiting := 0
	for _, job := range jobs {
		state, err := r.resolve(ctx, job)
		if err != nil {
			slog.Warn("resolve clip job", slog.String("clip_job_id", job.ID), slog.Any("err", err))
		}
		if state == timeline.ClipJobWaiting {
			waiting++
		}
	}
	telemetry.SetWaitingJobs(waiting)
	return nil
}

// resolve advances one job and returns the state it landed in.
func (r *Resolver) resolve(ctx context.Context, job timeline.ClipJob) (string, error) {
	now := time.Now().UTC()
	logger := slog.Default().With(slog.String("clip_job_id", job.ID), slog.String("component", "clip_resolver"))

	rec, err := r.coveringRecording(ctx, &job)
	if err != nil {
		return r.fail(ctx, job, err.Error())
	}

	segs, err := r.Store.Segments(ctx, rec.ID)
	if err != nil {
		return job.State, err
	}
	if len(segs) == 0 {
		return r.fail(ctx, job, "segment unavailable: no retained segments")
	}

	ws, we := job.WindowStart, job.WindowEnd
	truncated := job.Truncated

	// Retention check reads the store directly so a sweep between queries
	// cannot hide head loss.
	earliest, retained, err := r.Store.EarliestRetainedStart(ctx, rec.ID)
	if err != nil {
		return job.State, err
	}
	if !retained {
		return r.fail(ctx, job, "segment unavailable: no retained segments")
	}
	if we.Sub(earliest) <= 0 {
		return r.fail(ctx, job, "segment unavailable: window precedes retained media")
	}
	if ws.Before(earliest) {
		// Any head loss to retention fails the job, even when the tail still
		// overlaps retained media. A window reaching before the recording's
		// first segment lost nothing; it only trims to where media begins.
		if segs[0].Seq > 1 {
			return r.fail(ctx, job, "segment unavailable: window head no longer retained")
		}
		ws = earliest
		truncated = true
	}

	// Coverage: closed segments end at their boundary; an open segment is
	// being written continuously, so it covers up to the current wall clock.
	coverage := coverageEnd(segs, now)
	if rec.State == timeline.RecordingClosed && we.After(coverage) {
		// No more media will ever arrive for a closed recording.
		if ws.Sub(coverage) >= 0 {
			return r.fail(ctx, job, "window beyond end of closed recording")
		}
		we = coverage
		truncated = true
	}

	if we.After(coverage) {
		deadline := job.CreatedAt.Add(r.Cfg.ClipMaxWait)
		if job.WaitDeadline != nil {
			deadline = *job.WaitDeadline
		}
		if now.Before(deadline) {
			if job.State != timeline.ClipJobWaiting {
				logger.Info("waiting for segment data", slog.Time("window_end", we), slog.Time("coverage", coverage), slog.Time("deadline", deadline))
			}
			return timeline.ClipJobWaiting, r.Store.SetClipJobWaiting(ctx, job.ID, deadline)
		}
		// Deadline passed: honor the configured policy.
		if r.Cfg.ClipWaitPolicy == config.WaitPolicyFail {
			return r.fail(ctx, job, "timed out waiting for segment data")
		}
		if ws.Sub(coverage) >= 0 {
			return r.fail(ctx, job, "timed out waiting for segment data: no media in window")
		}
		we = coverage
		truncated = true
		logger.Info("window truncated to available media", slog.Time("window_end", we))
	}

	ranges, segIDs := cutPlan(segs, ws, we, now)
	if len(ranges) == 0 {
		return r.fail(ctx, job, "segment unavailable: window not covered by retained media")
	}

	if job.Attempts >= r.Cfg.ClipMaxAttempts {
		return r.fail(ctx, job, fmt.Sprintf("extraction failed after %d attempts: %s", job.Attempts, job.Error))
	}
	if err := r.Store.BeginExtraction(ctx, job.ID, rec.ID, segIDs); err != nil {
		return job.State, err
	}
	if truncated && !job.Truncated {
		// Persist the clamp now so the job row reports it while extracting
		// and across requeues.
		if err := r.Store.SetClipJobTruncated(ctx, job.ID); err != nil {
			logger.Warn("mark truncated", slog.Any("err", err))
		}
	}

	outPath := filepath.Join(r.Cfg.ClipsDir, fmt.Sprintf("clip_%s.mp4", job.ID))
	var dur float64
	var exErr error
	elapsed := telemetry.TimeFunc(telemetry.ExtractionDuration, func() {
		dur, exErr = r.Cutter.Extract(ctx, ranges, outPath)
	})
	if exErr != nil {
		class := ClassifyExtractionError(exErr)
		logger.Warn("extraction failed",
			slog.Any("err", exErr),
			slog.String("class", class.String()),
			slog.Int("attempts", job.Attempts+1),
			slog.Duration("elapsed", elapsed))
		if class == ErrorClassFatal || job.Attempts+1 >= r.Cfg.ClipMaxAttempts {
			return r.fail(ctx, job, exErr.Error())
		}
		return timeline.ClipJobPending, r.Store.RequeueClipJob(ctx, job.ID, exErr.Error())
	}

	thumbPath := filepath.Join(r.Cfg.ClipsDir, fmt.Sprintf("clip_%s.jpg", job.ID))
	if err := r.Cutter.Thumbnail(ctx, outPath, thumbPath); err != nil {
		logger.Warn("thumbnail failed", slog.Any("err", err))
		thumbPath = ""
	}

	c := &timeline.Clip{
		StreamID:    job.StreamID,
		FilePath:    outPath,
		Thumbnail:   thumbPath,
		Duration:    dur,
		WindowStart: ws,
		WindowEnd:   we,
		Truncated:   truncated,
		Score:       job.Score,
	}
	if err := r.Store.CompleteClipJob(ctx, job.ID, c); err != nil {
		return job.State, err
	}
	telemetry.ClipsExtracted.Inc()
	if truncated {
		telemetry.ClipsTruncated.Inc()
	}
	logger.Info("clip extracted",
		slog.String("clip_id", c.ID),
		slog.Float64("duration_s", dur),
		slog.Bool("truncated", truncated),
		slog.Duration("elapsed", elapsed))
	if r.AutoEnqueue != nil {
		r.AutoEnqueue(ctx, c)
	}
	return timeline.ClipJobReady, nil
}

func (r *Resolver) fail(ctx context.Context, job timeline.ClipJob, reason string) (string, error) {
	telemetry.ClipsFailed.Inc()
	slog.Warn("clip job failed", slog.String("clip_job_id", job.ID), slog.String("reason", reason))
	return timeline.ClipJobFailed, r.Store.FailClipJob(ctx, job.ID, reason)
}

// coveringRecording finds the recording whose lifespan contains the window.
// A job already bound to a recording keeps it.
func (r *Resolver) coveringRecording(ctx context.Context, job *timeline.ClipJob) (*timeline.Recording, error) {
	if job.RecordingID != "" {
		return r.Store.GetRecording(ctx, job.RecordingID)
	}
	rec, err := r.Store.RecordingCovering(ctx, job.StreamID, job.WindowStart)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no recording covers window starting %s", job.WindowStart.Format(time.RFC3339))
	}
	return rec, nil
}

// coverageEnd returns how far the segment timeline extends: the last closed
// boundary, or the wall clock if a segment is still being written.
func coverageEnd(segs []timeline.Segment, now time.Time) time.Time {
	end := segs[0].StartTime
	for _, s := range segs {
		if s.EndTime == nil {
			return now
		}
		if s.EndTime.After(end) {
			end = *s.EndTime
		}
	}
	return end
}

// cutPlan maps the absolute window [ws, we) onto local offset ranges of the
// segments that overlap it, in seq order.
func cutPlan(segs []timeline.Segment, ws, we, now time.Time) ([]media.CutRange, []int64) {
	var ranges []media.CutRange
	var ids []int64
	for _, s := range segs {
		segEnd := now
		if s.EndTime != nil {
			segEnd = *s.EndTime
		}
		if !s.StartTime.Before(we) || !segEnd.After(ws) {
			continue
		}
		from := ws
		if s.StartTime.After(from) {
			from = s.StartTime
		}
		to := we
		if segEnd.Before(to) {
			to = segEnd
		}
		ranges = append(ranges, media.CutRange{
			FilePath: s.FilePath,
			Start:    from.Sub(s.StartTime).Seconds(),
			Duration: to.Sub(from).Seconds(),
		})
		ids = append(ids, s.ID)
	}
	return ranges, ids
}
