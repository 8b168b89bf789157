package timeline

import (
	"context"
)

func (s *Store) CreateTrigger(ctx context.Context, t *Trigger) error {
	return s.DB.QueryRowContext(ctx,
		`INSERT INTO triggers (name, kind, threshold, spike_factor, pre_buffer_seconds, post_buffer_seconds, enabled, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NOW()) RETURNING id`,
		t.Name, t.Kind, t.Threshold, t.SpikeFactor, t.PreBuffer, t.PostBuffer, t.Enabled).Scan(&t.ID)
}

func (s *Store) GetTrigger(ctx context.Context, id int64) (*Trigger, error) {
	t := &Trigger{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, name, kind, threshold, spike_factor, pre_buffer_seconds, post_buffer_seconds, enabled FROM triggers WHERE id=$1`, id).
		Scan(&t.ID, &t.Name, &t.Kind, &t.Threshold, &t.SpikeFactor, &t.PreBuffer, &t.PostBuffer, &t.Enabled)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) UpdateTrigger(ctx context.Context, t *Trigger) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE triggers SET name=$1, kind=$2, threshold=$3, spike_factor=$4, pre_buffer_seconds=$5, post_buffer_seconds=$6, enabled=$7, updated_at=NOW()
		 WHERE id=$8`,
		t.Name, t.Kind, t.Threshold, t.SpikeFactor, t.PreBuffer, t.PostBuffer, t.Enabled, t.ID)
	return err
}

func (s *Store) DeleteTrigger(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM triggers WHERE id=$1`, id)
	return err
}

// ListTriggers returns all triggers; pass enabledOnly to restrict to active rules.
func (s *Store) ListTriggers(ctx context.Context, enabledOnly bool) ([]Trigger, error) {
	q := `SELECT id, name, kind, threshold, spike_factor, pre_buffer_seconds, post_buffer_seconds, enabled FROM triggers`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY id`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Trigger
	for rows.Next() {
		var t Trigger
		if err := rows.Scan(&t.ID, &t.Name, &t.Kind, &t.Threshold, &t.SpikeFactor, &t.PreBuffer, &t.PostBuffer, &t.Enabled); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
