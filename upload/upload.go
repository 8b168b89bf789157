// Package upload pushes finished clips to their destinations. Each
// destination is processed sequentially in job order; failed attempts are
// re-queued with exponential backoff until the attempt budget runs out.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/clip-tender/backend/config"
	"github.com/onnwee/clip-tender/backend/db"
	"github.com/onnwee/clip-tender/backend/telemetry"
	"github.com/onnwee/clip-tender/backend/timeline"
	"github.com/onnwee/clip-tender/backend/youtubeapi"
)

const uploadTick = 15 * time.Second

// Uploader abstracts one upload destination (for tests/mocks).
type Uploader interface {
	Upload(ctx context.Context, path, title, description string) (string, error)
}

// YouTubeUploader adapts the youtubeapi service to the Uploader seam.
type YouTubeUploader struct {
	Svc *youtubeapi.Service
}

func (u YouTubeUploader) Upload(ctx context.Context, path, title, description string) (string, error) {
	svc, err := u.Svc.Client(ctx)
	if err != nil {
		return "", fmt.Errorf("youtube client: %w", err)
	}
	return youtubeapi.UploadClip(ctx, svc, path, youtubeapi.ClipMeta{Title: title, Description: description})
}

// Orchestrator drains the upload queue.
type Orchestrator struct {
	Store     *timeline.Store
	Cfg       *config.Config
	Uploaders map[string]Uploader // destination -> implementation
}

// Start runs the orchestrator loop until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	slog.Info("upload orchestrator starting",
		slog.Duration("tick", uploadTick),
		slog.Int("max_attempts", o.Cfg.UploadMaxAttempts),
		slog.Duration("backoff_base", o.Cfg.UploadBackoffBase))
	if err := o.runOnce(ctx); err != nil {
		slog.Warn("upload pass", slog.Any("err", err))
	}
	ticker := time.NewTicker(uploadTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("upload orchestrator stopped")
			return
		case <-ticker.C:
			if err := o.runOnce(ctx); err != nil {
				slog.Warn("upload pass", slog.Any("err", err))
			}
		}
	}
}

func (o *Orchestrator) runOnce(ctx context.Context) error {
	db.Heartbeat(ctx, o.Store.DB, "job_upload_last")

	var depth int
	_ = o.Store.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM upload_jobs WHERE state='queued'`).Scan(&depth)
	telemetry.SetUploadQueueDepth(depth)

	jobs, err := o.Store.DueUploadJobs(ctx, time.Now().UTC(), 20)
	if err != nil {
		return err
	}
	// One destination at a time, preserving job order within it.
	byDest := map[string][]timeline.UploadJob{}
	var order []string
	for _, j := range jobs {
		if _, seen := byDest[j.Destination]; !seen {
			order = append(order, j.Destination)
		}
		byDest[j.Destination] = append(byDest[j.Destination], j)
	}
	for _, dest := range order {
		up, ok := o.Uploaders[dest]
		if !ok {
			for _, j := range byDest[dest] {
				_ = o.Store.MarkUploadFailed(ctx, j.ID, fmt.Sprintf("no uploader for destination %q", dest))
				telemetry.UploadsFailed.Inc()
			}
			continue
		}
		for _, j := range byDest[dest] {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.process(ctx, up, j)
		}
	}
	return nil
}

func (o *Orchestrator) process(ctx context.Context, up Uploader, job timeline.UploadJob) {
	logger := slog.Default().With(slog.String("upload_job_id", job.ID), slog.String("destination", job.Destination))
	claimed, err := o.Store.MarkUploadStarted(ctx, job.ID)
	if err != nil || !claimed {
		if err != nil {
			logger.Warn("claim upload", slog.Any("err", err))
		}
		return
	}
	attempt := job.Attempts + 1

	c, err := o.Store.GetClip(ctx, job.ClipID)
	if err != nil {
		_ = o.Store.MarkUploadFailed(ctx, job.ID, fmt.Sprintf("load clip: %v", err))
		telemetry.UploadsFailed.Inc()
		return
	}
	title, description := describeClip(c)

	upCtx, cancel := context.WithTimeout(ctx, o.Cfg.UploadTimeout)
	defer cancel()
	var url string
	var upErr error
	elapsed := telemetry.TimeFunc(telemetry.UploadDuration, func() {
		url, upErr = up.Upload(upCtx, c.FilePath, title, description)
	})
	if upErr == nil {
		if err := o.Store.MarkUploadSucceeded(ctx, job.ID, url); err != nil {
			logger.Warn("record upload success", slog.Any("err", err))
			return
		}
		telemetry.UploadsSucceeded.Inc()
		logger.Info("clip uploaded", slog.String("url", url), slog.Int("attempt", attempt), slog.Duration("elapsed", elapsed))
		return
	}

	if classifyUploadError(upErr) == errPermanent || attempt >= o.Cfg.UploadMaxAttempts {
		_ = o.Store.MarkUploadFailed(ctx, job.ID, upErr.Error())
		telemetry.UploadsFailed.Inc()
		logger.Error("upload failed terminally", slog.Any("err", upErr), slog.Int("attempt", attempt))
		return
	}
	next := time.Now().UTC().Add(Backoff(o.Cfg.UploadBackoffBase, o.Cfg.UploadBackoffCap, attempt))
	_ = o.Store.MarkUploadRetry(ctx, job.ID, upErr.Error(), next)
	telemetry.UploadRetries.Inc()
	logger.Warn("upload re-queued", slog.Any("err", upErr), slog.Int("attempt", attempt), slog.Time("next_attempt", next))
}

// Backoff returns base*2^(attempt-1), capped at limit. Attempt counts from 1.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

type errKind int

const (
	errTransient errKind = iota
	errPermanent
)

// classifyUploadError: auth, quota and invalid-input errors will not succeed
// on retry; network and server errors might.
func classifyUploadError(err error) errKind {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "quotaexceeded"),
		strings.Contains(lower, "quota exceeded"),
		strings.Contains(lower, "401"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "invalid_grant"),
		strings.Contains(lower, "no youtube token"),
		strings.Contains(lower, "no such file"):
		return errPermanent
	default:
		return errTransient
	}
}

func describeClip(c *timeline.Clip) (title, description string) {
	title = fmt.Sprintf("Clip %s", c.WindowStart.Format("2006-01-02 15:04:05"))
	description = fmt.Sprintf("Auto-extracted clip covering %s to %s (score %.1f).",
		c.WindowStart.Format(time.RFC3339), c.WindowEnd.Format(time.RFC3339), c.Score)
	if c.Truncated {
		description += " Window truncated to available media."
	}
	return title, description
}
