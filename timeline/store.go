package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store wraps the Postgres connection. Methods that touch more than one row
// run inside a transaction so concurrent readers observe either the pre- or
// post-mutation timeline, never a half-updated one.
type Store struct {
	DB *sql.DB
}

// ErrRecordingActive is returned when starting a recording for a stream that
// already has one active.
var ErrRecordingActive = errors.New("stream already has an active recording")

// ErrNoOpenSegment is returned when rotating or closing a recording that has
// no open segment (already closed or never started).
var ErrNoOpenSegment = errors.New("recording has no open segment")

func New(db *sql.DB) *Store { return &Store{DB: db} }

// ---- streams ----

func (s *Store) CreateStream(ctx context.Context, st *Stream) error {
	if st.Platform == "" {
		st.Platform = "twitch"
	}
	return s.DB.QueryRowContext(ctx,
		`INSERT INTO streams (name, platform, channel_ref, auto_record, created_at) VALUES ($1,$2,$3,$4,NOW())
		 RETURNING id, created_at`,
		st.Name, st.Platform, st.ChannelRef, st.AutoRecord).Scan(&st.ID, &st.CreatedAt)
}

func (s *Store) GetStream(ctx context.Context, id int64) (*Stream, error) {
	st := &Stream{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, platform, COALESCE(channel_ref,''), live, auto_record, created_at FROM streams WHERE id=$1`, id).
		Scan(&st.ID, &st.Name, &st.Platform, &st.ChannelRef, &st.Live, &st.AutoRecord, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) ListStreams(ctx context.Context) ([]Stream, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, platform, COALESCE(channel_ref,''), live, auto_record, created_at FROM streams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stream
	for rows.Next() {
		var st Stream
		if err := rows.Scan(&st.ID, &st.Name, &st.Platform, &st.ChannelRef, &st.Live, &st.AutoRecord, &st.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStream(ctx context.Context, st *Stream) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE streams SET name=$1, platform=$2, channel_ref=$3, auto_record=$4, updated_at=NOW() WHERE id=$5`,
		st.Name, st.Platform, st.ChannelRef, st.AutoRecord, st.ID)
	return err
}

func (s *Store) DeleteStream(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM streams WHERE id=$1`, id)
	return err
}

// SetStreamLive records a live-state transition. Only the stream monitor calls this.
func (s *Store) SetStreamLive(ctx context.Context, id int64, live bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE streams SET live=$1, updated_at=NOW() WHERE id=$2`, live, id)
	return err
}

// ---- recordings and segments ----

// StartRecording creates an active recording for the stream with its first
// open segment. Returns ErrRecordingActive if one already exists (enforced by
// a partial unique index, so concurrent monitors cannot double-start).
func (s *Store) StartRecording(ctx context.Context, streamID int64, firstFile string, now time.Time) (*Recording, *Segment, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rec := &Recording{ID: uuid.New().String(), StreamID: streamID, State: RecordingActive, StartedAt: now}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO recordings (id, stream_id, state, started_at, created_at) VALUES ($1,$2,$3,$4,NOW())`,
		rec.ID, streamID, RecordingActive, now); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrRecordingActive
		}
		return nil, nil, fmt.Errorf("insert recording: %w", err)
	}
	seg := &Segment{RecordingID: rec.ID, Seq: 1, StartTime: now, FilePath: firstFile, State: SegmentOpen}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO segments (recording_id, seq, start_time, file_path, state, created_at) VALUES ($1,1,$2,$3,'open',NOW()) RETURNING id`,
		rec.ID, now, firstFile).Scan(&seg.ID); err != nil {
		return nil, nil, fmt.Errorf("insert first segment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return rec, seg, nil
}

// ActiveRecording returns the stream's active recording, or nil.
func (s *Store) ActiveRecording(ctx context.Context, streamID int64) (*Recording, error) {
	rec := &Recording{}
	var ended sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, stream_id, state, degraded, started_at, ended_at FROM recordings WHERE stream_id=$1 AND state='active'`, streamID).
		Scan(&rec.ID, &rec.StreamID, &rec.State, &rec.Degraded, &rec.StartedAt, &ended)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		rec.EndedAt = &ended.Time
	}
	return rec, nil
}

// ActiveRecordings lists all active recordings (the rotation scheduler's work set).
func (s *Store) ActiveRecordings(ctx context.Context) ([]Recording, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, stream_id, state, degraded, started_at FROM recordings WHERE state='active' ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recording
	for rows.Next() {
		var r Recording
		if err := rows.Scan(&r.ID, &r.StreamID, &r.State, &r.Degraded, &r.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRecording(ctx context.Context, id string) (*Recording, error) {
	rec := &Recording{}
	var ended sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, stream_id, state, degraded, started_at, ended_at FROM recordings WHERE id=$1`, id).
		Scan(&rec.ID, &rec.StreamID, &rec.State, &rec.Degraded, &rec.StartedAt, &ended)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		rec.EndedAt = &ended.Time
	}
	return rec, nil
}

// RecordingCovering returns the stream's recording whose lifespan contains
// the instant at, or nil. An active recording's lifespan extends to now.
func (s *Store) RecordingCovering(ctx context.Context, streamID int64, at time.Time) (*Recording, error) {
	rec := &Recording{}
	var ended sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, stream_id, state, degraded, started_at, ended_at FROM recordings
		 WHERE stream_id=$1 AND started_at <= $2 AND (ended_at IS NULL OR ended_at > $2)
		 ORDER BY started_at DESC LIMIT 1`, streamID, at).
		Scan(&rec.ID, &rec.StreamID, &rec.State, &rec.Degraded, &rec.StartedAt, &ended)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		rec.EndedAt = &ended.Time
	}
	return rec, nil
}

// RotateSegment closes the open segment at rotation time and links a new open
// segment starting exactly where the old one ended. Single transaction: a
// concurrent clip-extraction read sees either the pre- or post-rotation
// timeline, and the contiguity invariant (new.start == old.end) holds by
// construction.
func (s *Store) RotateSegment(ctx context.Context, recordingID, newFile string, now time.Time) (closed *Segment, opened *Segment, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	closed = &Segment{RecordingID: recordingID, State: SegmentClosed}
	err = tx.QueryRowContext(ctx,
		`UPDATE segments SET end_time=$1, state='closed', updated_at=NOW()
		 WHERE recording_id=$2 AND state='open'
		 RETURNING id, seq, start_time, file_path`, now, recordingID).
		Scan(&closed.ID, &closed.Seq, &closed.StartTime, &closed.FilePath)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNoOpenSegment
	}
	if err != nil {
		return nil, nil, fmt.Errorf("close open segment: %w", err)
	}
	closed.EndTime = &now

	opened = &Segment{RecordingID: recordingID, Seq: closed.Seq + 1, StartTime: now, FilePath: newFile, State: SegmentOpen}
	if err = tx.QueryRowContext(ctx,
		`INSERT INTO segments (recording_id, seq, start_time, file_path, state, created_at) VALUES ($1,$2,$3,$4,'open',NOW()) RETURNING id`,
		recordingID, opened.Seq, now, newFile).Scan(&opened.ID); err != nil {
		return nil, nil, fmt.Errorf("open new segment: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, nil, err
	}
	return closed, opened, nil
}

// CloseRecording final-rotates: the open segment gets its end_time and the
// recording leaves the active state. Idempotent for an already closed recording.
func (s *Store) CloseRecording(ctx context.Context, recordingID string, now time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE segments SET end_time=$1, state='closed', updated_at=NOW() WHERE recording_id=$2 AND state='open'`,
		now, recordingID); err != nil {
		return fmt.Errorf("close open segment: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE recordings SET state='closed', ended_at=$1, updated_at=NOW() WHERE id=$2 AND state='active'`,
		now, recordingID); err != nil {
		return fmt.Errorf("close recording: %w", err)
	}
	return tx.Commit()
}

// SetRecordingDegraded flags a recording whose adapter rotation failed; the
// scheduler retries on its next tick.
func (s *Store) SetRecordingDegraded(ctx context.Context, recordingID string, degraded bool) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE recordings SET degraded=$1, updated_at=NOW() WHERE id=$2`, degraded, recordingID)
	return err
}

// Segments returns the recording's non-deleted segments ordered by seq.
func (s *Store) Segments(ctx context.Context, recordingID string) ([]Segment, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, recording_id, seq, start_time, end_time, file_path, state
		 FROM segments WHERE recording_id=$1 AND state <> 'deleted' ORDER BY seq`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSegments(rows)
}

// OpenSegment returns the recording's open segment, or nil.
func (s *Store) OpenSegment(ctx context.Context, recordingID string) (*Segment, error) {
	seg := Segment{}
	var end sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, recording_id, seq, start_time, end_time, file_path, state
		 FROM segments WHERE recording_id=$1 AND state='open'`, recordingID).
		Scan(&seg.ID, &seg.RecordingID, &seg.Seq, &seg.StartTime, &end, &seg.FilePath, &seg.State)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if end.Valid {
		seg.EndTime = &end.Time
	}
	return &seg, nil
}

// DeletableSegments returns closed segments of a stream's recordings whose
// end_time is older than cutoff and which no non-terminal clip job references.
// The dependency check is part of the query so retention and extraction cannot
// race past each other.
func (s *Store) DeletableSegments(ctx context.Context, cutoff time.Time) ([]Segment, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT sg.id, sg.recording_id, sg.seq, sg.start_time, sg.end_time, sg.file_path, sg.state
		 FROM segments sg
		 WHERE sg.state='closed' AND sg.end_time < $1
		   AND NOT EXISTS (
		     SELECT 1 FROM segment_refs sr
		     JOIN clip_jobs cj ON cj.id = sr.clip_job_id
		     WHERE sr.segment_id = sg.id AND cj.state NOT IN ('ready','failed')
		   )
		 ORDER BY sg.end_time`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSegments(rows)
}

// MarkSegmentDeleted transitions a segment to deleted, refusing if a
// non-terminal clip job still references it (second line of defense against a
// job created between DeletableSegments and the file removal).
func (s *Store) MarkSegmentDeleted(ctx context.Context, segmentID int64) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE segments SET state='deleted', updated_at=NOW()
		 WHERE id=$1 AND state='closed'
		   AND NOT EXISTS (
		     SELECT 1 FROM segment_refs sr
		     JOIN clip_jobs cj ON cj.id = sr.clip_job_id
		     WHERE sr.segment_id = segments.id AND cj.state NOT IN ('ready','failed')
		   )`, segmentID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EarliestRetainedStart returns the start_time of the oldest non-deleted
// segment of the recording, used to detect windows that fell out of retention.
func (s *Store) EarliestRetainedStart(ctx context.Context, recordingID string) (time.Time, bool, error) {
	var t sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT MIN(start_time) FROM segments WHERE recording_id=$1 AND state <> 'deleted'`, recordingID).Scan(&t)
	if err != nil {
		return time.Time{}, false, err
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time, true, nil
}

func scanSegments(rows *sql.Rows) ([]Segment, error) {
	var out []Segment
	for rows.Next() {
		var seg Segment
		var end sql.NullTime
		if err := rows.Scan(&seg.ID, &seg.RecordingID, &seg.Seq, &seg.StartTime, &end, &seg.FilePath, &seg.State); err != nil {
			return nil, err
		}
		if end.Valid {
			seg.EndTime = &end.Time
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// isUniqueViolation matches Postgres unique constraint errors without binding
// to a driver-specific error type.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}
