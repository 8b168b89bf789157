package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *Store) GetClip(ctx context.Context, id string) (*Clip, error) {
	c := &Clip{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, COALESCE(clip_job_id,''), stream_id, file_path, COALESCE(thumbnail_path,''), duration_seconds,
		        window_start, window_end, truncated, score, created_at
		 FROM clips WHERE id=$1`, id).
		Scan(&c.ID, &c.ClipJobID, &c.StreamID, &c.FilePath, &c.Thumbnail, &c.Duration,
			&c.WindowStart, &c.WindowEnd, &c.Truncated, &c.Score, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) ListClips(ctx context.Context, streamID int64, limit int) ([]Clip, error) {
	q := `SELECT id, COALESCE(clip_job_id,''), stream_id, file_path, COALESCE(thumbnail_path,''), duration_seconds,
	             window_start, window_end, truncated, score, created_at
	      FROM clips`
	args := []any{}
	if streamID > 0 {
		q += ` WHERE stream_id=$1`
		args = append(args, streamID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Clip
	for rows.Next() {
		var c Clip
		if err := rows.Scan(&c.ID, &c.ClipJobID, &c.StreamID, &c.FilePath, &c.Thumbnail, &c.Duration,
			&c.WindowStart, &c.WindowEnd, &c.Truncated, &c.Score, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EnqueueUpload creates a queued upload job for a clip, due immediately.
func (s *Store) EnqueueUpload(ctx context.Context, clipID, destination string) (*UploadJob, error) {
	j := &UploadJob{ID: uuid.New().String(), ClipID: clipID, Destination: destination, State: UploadQueued}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO upload_jobs (id, clip_id, destination, state, next_attempt_at, created_at)
		 VALUES ($1,$2,$3,'queued',NOW(),NOW()) RETURNING next_attempt_at, created_at`,
		j.ID, clipID, destination).Scan(&j.NextAttemptAt, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) GetUploadJob(ctx context.Context, id string) (*UploadJob, error) {
	j := &UploadJob{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, clip_id, destination, state, attempts, COALESCE(last_error,''), next_attempt_at, COALESCE(remote_url,''), created_at
		 FROM upload_jobs WHERE id=$1`, id).
		Scan(&j.ID, &j.ClipID, &j.Destination, &j.State, &j.Attempts, &j.LastError, &j.NextAttemptAt, &j.RemoteURL, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) ListUploadJobs(ctx context.Context, state string, limit int) ([]UploadJob, error) {
	q := `SELECT id, clip_id, destination, state, attempts, COALESCE(last_error,''), next_attempt_at, COALESCE(remote_url,''), created_at
	      FROM upload_jobs`
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
	return scanUploadJobs(rows)
}

// DueUploadJobs returns queued jobs whose next_attempt_at has passed, oldest
// first, one row per destination at most limit total. The orchestrator runs
// destinations sequentially so ordering within a destination is preserved.
func (s *Store) DueUploadJobs(ctx context.Context, now time.Time, limit int) ([]UploadJob, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, clip_id, destination, state, attempts, COALESCE(last_error,''), next_attempt_at, COALESCE(remote_url,''), created_at
		 FROM upload_jobs WHERE state='queued' AND next_attempt_at <= $1 ORDER BY next_attempt_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUploadJobs(rows)
}

// MarkUploadStarted transitions queued -> uploading and bumps attempts.
// Returns false if the job was not queued (another worker claimed it).
func (s *Store) MarkUploadStarted(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE upload_jobs SET state='uploading', attempts=attempts+1, updated_at=NOW() WHERE id=$1 AND state='queued'`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) MarkUploadSucceeded(ctx context.Context, id, remoteURL string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE upload_jobs SET state='succeeded', remote_url=$1, last_error=NULL, updated_at=NOW() WHERE id=$2`, remoteURL, id)
	return err
}

// MarkUploadRetry re-queues a transiently failed upload for a later attempt.
func (s *Store) MarkUploadRetry(ctx context.Context, id, lastErr string, nextAttempt time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE upload_jobs SET state='queued', last_error=$1, next_attempt_at=$2, updated_at=NOW() WHERE id=$3`,
		lastErr, nextAttempt, id)
	return err
}

func (s *Store) MarkUploadFailed(ctx context.Context, id, lastErr string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE upload_jobs SET state='failed', last_error=$1, updated_at=NOW() WHERE id=$2`, lastErr, id)
	return err
}

// RetryUploadJob manually re-queues a failed upload, resetting its schedule.
func (s *Store) RetryUploadJob(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE upload_jobs SET state='queued', next_attempt_at=NOW(), updated_at=NOW() WHERE id=$1 AND state='failed'`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanUploadJobs(rows *sql.Rows) ([]UploadJob, error) {
	var out []UploadJob
	for rows.Next() {
		var j UploadJob
		if err := rows.Scan(&j.ID, &j.ClipID, &j.Destination, &j.State, &j.Attempts, &j.LastError,
			&j.NextAttemptAt, &j.RemoteURL, &j.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
