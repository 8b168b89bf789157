package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateClipJob inserts a pending job. ID is assigned if empty.
func (s *Store) CreateClipJob(ctx context.Context, j *ClipJob) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.State == "" {
		j.State = ClipJobPending
	}
	var recID sql.NullString
	if j.RecordingID != "" {
		recID = sql.NullString{String: j.RecordingID, Valid: true}
	}
	return s.DB.QueryRowContext(ctx,
		`INSERT INTO clip_jobs (id, stream_id, recording_id, trigger_id, window_start, window_end, state, score, fired_at, wait_deadline, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW()) RETURNING created_at`,
		j.ID, j.StreamID, recID, j.TriggerID, j.WindowStart, j.WindowEnd, j.State, j.Score, j.FiredAt, j.WaitDeadline).
		Scan(&j.CreatedAt)
}

func (s *Store) GetClipJob(ctx context.Context, id string) (*ClipJob, error) {
	j := &ClipJob{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, stream_id, COALESCE(recording_id,''), trigger_id, window_start, window_end, state, attempts, truncated, score,
		        COALESCE(error,''), COALESCE(clip_id,''), fired_at, wait_deadline, created_at
		 FROM clip_jobs WHERE id=$1`, id).
		Scan(&j.ID, &j.StreamID, &j.RecordingID, &j.TriggerID, &j.WindowStart, &j.WindowEnd, &j.State, &j.Attempts,
			&j.Truncated, &j.Score, &j.Error, &j.ClipID, &j.FiredAt, &j.WaitDeadline, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ListClipJobs returns jobs filtered by state ("" for all), newest first.
func (s *Store) ListClipJobs(ctx context.Context, state string, limit int) ([]ClipJob, error) {
	q := `SELECT id, stream_id, COALESCE(recording_id,''), trigger_id, window_start, window_end, state, attempts, truncated, score,
	             COALESCE(error,''), COALESCE(clip_id,''), fired_at, wait_deadline, created_at
	      FROM clip_jobs`
	args := []any{}
	if state != "" {
		q += ` WHERE state=$1`
		args = append(args, state)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ClipJob
	for rows.Next() {
		var j ClipJob
		if err := rows.Scan(&j.ID, &j.StreamID, &j.RecordingID, &j.TriggerID, &j.WindowStart, &j.WindowEnd, &j.State,
			&j.Attempts, &j.Truncated, &j.Score, &j.Error, &j.ClipID, &j.FiredAt, &j.WaitDeadline, &j.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ResolvableClipJobs returns jobs the resolver should look at this tick:
// pending jobs plus waiting jobs (whose coverage or deadline may have moved).
func (s *Store) ResolvableClipJobs(ctx context.Context, limit int) ([]ClipJob, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, stream_id, COALESCE(recording_id,''), trigger_id, window_start, window_end, state, attempts, truncated, score,
		        COALESCE(error,''), COALESCE(clip_id,''), fired_at, wait_deadline, created_at
		 FROM clip_jobs WHERE state IN ('pending','waiting_for_segment') ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ClipJob
	for rows.Next() {
		var j ClipJob
		if err := rows.Scan(&j.ID, &j.StreamID, &j.RecordingID, &j.TriggerID, &j.WindowStart, &j.WindowEnd, &j.State,
			&j.Attempts, &j.Truncated, &j.Score, &j.Error, &j.ClipID, &j.FiredAt, &j.WaitDeadline, &j.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// LastFiredAt returns the most recent fired_at of any clip job for this
// trigger and stream. Debounce state survives restarts because it is derived
// from the jobs themselves.
func (s *Store) LastFiredAt(ctx context.Context, triggerID, streamID int64) (*time.Time, error) {
	var t sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT MAX(fired_at) FROM clip_jobs WHERE trigger_id=$1 AND stream_id=$2`, triggerID, streamID).Scan(&t)
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// SetClipJobWaiting moves a job to waiting_for_segment. The deadline is set
// only on the first transition so repeated waits never extend it.
func (s *Store) SetClipJobWaiting(ctx context.Context, id string, deadline time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE clip_jobs SET state='waiting_for_segment', wait_deadline=COALESCE(wait_deadline,$1), updated_at=NOW()
		 WHERE id=$2 AND state IN ('pending','waiting_for_segment')`, deadline, id)
	return err
}

// BeginExtraction transitions the job to extracting, binds it to the
// recording, bumps attempts, and pins the covering segments via segment_refs.
// All in one transaction so retention can never delete a segment the
// extraction is about to read.
func (s *Store) BeginExtraction(ctx context.Context, id, recordingID string, segmentIDs []int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE clip_jobs SET state='extracting', recording_id=$1, attempts=attempts+1, updated_at=NOW()
		 WHERE id=$2 AND state IN ('pending','waiting_for_segment','extracting')`, recordingID, id)
	if err != nil {
		return fmt.Errorf("mark extracting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("clip job %s not in a resolvable state", id)
	}
	for _, segID := range segmentIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO segment_refs (clip_job_id, segment_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, id, segID); err != nil {
			return fmt.Errorf("pin segment %d: %w", segID, err)
		}
	}
	return tx.Commit()
}

// CompleteClipJob records the finished clip and moves the job to ready,
// releasing its segment pins. One transaction: a ready job always has its clip
// row and never holds refs.
func (s *Store) CompleteClipJob(ctx context.Context, jobID string, c *Clip) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO clips (id, clip_job_id, stream_id, file_path, thumbnail_path, duration_seconds, window_start, window_end, truncated, score, created_at)
		 VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$7,$8,$9,$10,NOW()) RETURNING created_at`,
		c.ID, jobID, c.StreamID, c.FilePath, c.Thumbnail, c.Duration, c.WindowStart, c.WindowEnd, c.Truncated, c.Score).
		Scan(&c.CreatedAt); err != nil {
		return fmt.Errorf("insert clip: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE clip_jobs SET state='ready', clip_id=$1, truncated=$2, error=NULL, updated_at=NOW() WHERE id=$3`,
		c.ID, c.Truncated, jobID); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM segment_refs WHERE clip_job_id=$1`, jobID); err != nil {
		return fmt.Errorf("release segment refs: %w", err)
	}
	c.ClipJobID = jobID
	return tx.Commit()
}

// FailClipJob moves a job to failed with a reason and releases its segment pins.
func (s *Store) FailClipJob(ctx context.Context, jobID, reason string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE clip_jobs SET state='failed', error=$1, updated_at=NOW() WHERE id=$2`, reason, jobID); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM segment_refs WHERE clip_job_id=$1`, jobID); err != nil {
		return fmt.Errorf("release segment refs: %w", err)
	}
	return tx.Commit()
}

// RequeueClipJob drops a job back to pending after a transient extraction
// error, keeping its attempt count and segment pins.
func (s *Store) RequeueClipJob(ctx context.Context, jobID, lastErr string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE clip_jobs SET state='pending', error=$1, updated_at=NOW() WHERE id=$2 AND state='extracting'`, lastErr, jobID)
	return err
}

// SetClipJobTruncated records that the window was clamped before extraction.
func (s *Store) SetClipJobTruncated(ctx context.Context, jobID string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE clip_jobs SET truncated=TRUE, updated_at=NOW() WHERE id=$1`, jobID)
	return err
}

// SegmentRefs returns the segment IDs a job has pinned.
func (s *Store) SegmentRefs(ctx context.Context, jobID string) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT segment_id FROM segment_refs WHERE clip_job_id=$1 ORDER BY segment_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
