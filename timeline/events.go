package timeline

import (
	"context"
	"database/sql"
	"time"
)

// InsertEvent stores a normalized signal sample.
func (s *Store) InsertEvent(ctx context.Context, e *Event) error {
	return s.DB.QueryRowContext(ctx,
		`INSERT INTO events (stream_id, kind, value, ts) VALUES ($1,$2,$3,$4) RETURNING id`,
		e.StreamID, e.Kind, e.Value, e.TS).Scan(&e.ID)
}

// UnprocessedEvents returns up to limit unprocessed events in timestamp order.
// The trigger evaluator is the single consumer, so no row locking is needed.
func (s *Store) UnprocessedEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, stream_id, kind, value, ts FROM events WHERE NOT processed ORDER BY ts LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.StreamID, &e.Kind, &e.Value, &e.TS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventTS returns the newest event timestamp seen for a stream. The
// second return is false when the stream has no events yet.
func (s *Store) LatestEventTS(ctx context.Context, streamID int64) (time.Time, bool, error) {
	var t sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM events WHERE stream_id=$1`, streamID).Scan(&t)
	if err != nil {
		return time.Time{}, false, err
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time, true, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE events SET processed=TRUE WHERE id=$1`, id)
	return err
}

// TrailingAverage returns the mean value of a stream's events of one kind over
// the window ending at ts, and the number of samples. A spike check compares
// the current sample against this baseline.
func (s *Store) TrailingAverage(ctx context.Context, streamID int64, kind string, ts time.Time, window time.Duration) (float64, int, error) {
	var avg sql.NullFloat64
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT AVG(value), COUNT(*) FROM events
		 WHERE stream_id=$1 AND kind=$2 AND ts >= $3 AND ts < $4`,
		streamID, kind, ts.Add(-window), ts).Scan(&avg, &n)
	if err != nil {
		return 0, 0, err
	}
	return avg.Float64, n, nil
}
