// Package trigger evaluates incoming events against the configured trigger
// rules and creates clip jobs for the windows that fire. Evaluation is
// debounced per trigger and stream so a burst of qualifying events yields a
// single clip.
package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/clip-tender/backend/config"
	"github.com/onnwee/clip-tender/backend/db"
	"github.com/onnwee/clip-tender/backend/telemetry"
	"github.com/onnwee/clip-tender/backend/timeline"
)

// baselineWindow is how far back the chat-rate spike check averages.
const baselineWindow = 5 * time.Minute

// minBaselineSamples gates the spike check; with fewer samples the plain
// threshold decides alone.
const minBaselineSamples = 3

// Evaluator polls unprocessed events and fires triggers.
type Evaluator struct {
	Store *timeline.Store
	Cfg   *config.Config
}

// Start runs the evaluation loop until ctx is cancelled.
func (e *Evaluator) Start(ctx context.Context) {
	tick := e.Cfg.TriggerTick
	slog.Info("trigger evaluator starting", slog.Duration("tick", tick))
	if err := e.runOnce(ctx); err != nil {
		slog.Warn("trigger evaluation", slog.Any("err", err))
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("trigger evaluator stopped")
			return
		case <-ticker.C:
			if err := e.runOnce(ctx); err != nil {
				slog.Warn("trigger evaluation", slog.Any("err", err))
			}
		}
	}
}

func (e *Evaluator) runOnce(ctx context.Context) error {
	db.Heartbeat(ctx, e.Store.DB, "job_trigger_eval_last")

	events, err := e.Store.UnprocessedEvents(ctx, 500)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	triggers, err := e.Store.ListTriggers(ctx, true)
	if err != nil {
		return err
	}
	for _, ev := range events {
		for _, tr := range triggers {
			if tr.Kind != ev.Kind {
				continue
			}
			fired, err := e.matches(ctx, tr, ev)
			if err != nil {
				slog.Warn("trigger match", slog.Int64("trigger_id", tr.ID), slog.Any("err", err))
				continue
			}
			if !fired {
				continue
			}
			if err := e.fire(ctx, tr, ev); err != nil {
				slog.Warn("trigger fire", slog.Int64("trigger_id", tr.ID), slog.Any("err", err))
			}
		}
		if err := e.Store.MarkEventProcessed(ctx, ev.ID); err != nil {
			slog.Warn("mark event processed", slog.Int64("event_id", ev.ID), slog.Any("err", err))
		}
	}
	return nil
}

// matches applies the trigger's rule to one event.
func (e *Evaluator) matches(ctx context.Context, tr timeline.Trigger, ev timeline.Event) (bool, error) {
	if ev.Value < tr.Threshold {
		return false, nil
	}
	if tr.Kind == timeline.TriggerChatRate && tr.SpikeFactor > 0 {
		avg, n, err := e.Store.TrailingAverage(ctx, ev.StreamID, ev.Kind, ev.TS, baselineWindow)
		if err != nil {
			return false, err
		}
		if n >= minBaselineSamples && ev.Value < tr.SpikeFactor*avg {
			return false, nil
		}
	}
	return true, nil
}

// fire creates the clip job unless a previous firing of the same trigger on
// the same stream is still within its own window span (debounce).
func (e *Evaluator) fire(ctx context.Context, tr timeline.Trigger, ev timeline.Event) error {
	span := time.Duration((tr.PreBuffer + tr.PostBuffer) * float64(time.Second))
	last, err := e.Store.LastFiredAt(ctx, tr.ID, ev.StreamID)
	if err != nil {
		return err
	}
	if last != nil && ev.TS.Sub(*last) < span {
		slog.Debug("trigger debounced",
			slog.Int64("trigger_id", tr.ID),
			slog.Int64("stream_id", ev.StreamID),
			slog.Time("last_fired", *last))
		return nil
	}

	fired := ev.TS
	job := &timeline.ClipJob{
		StreamID:    ev.StreamID,
		TriggerID:   &tr.ID,
		WindowStart: ev.TS.Add(-time.Duration(tr.PreBuffer * float64(time.Second))),
		WindowEnd:   ev.TS.Add(time.Duration(tr.PostBuffer * float64(time.Second))),
		Score:       Score(tr.Kind, ev.Value),
		FiredAt:     &fired,
	}
	if err := e.Store.CreateClipJob(ctx, job); err != nil {
		return err
	}
	telemetry.TriggerFired(tr.Kind)
	slog.Info("trigger fired",
		slog.Int64("trigger_id", tr.ID),
		slog.String("kind", tr.Kind),
		slog.Int64("stream_id", ev.StreamID),
		slog.Float64("value", ev.Value),
		slog.String("clip_job_id", job.ID),
		slog.Time("window_start", job.WindowStart),
		slog.Time("window_end", job.WindowEnd))
	return nil
}

// Score rates a firing on a 0-10 scale from its kind and magnitude. Bigger
// donations and stronger chat bursts rank higher; manual requests sit in the
// middle.
func Score(kind string, value float64) float64 {
	switch kind {
	case timeline.TriggerDonation:
		switch {
		case value >= 100:
			return 9.5
		case value >= 50:
			return 8.5
		case value >= 10:
			return 7.0
		default:
			return 6.0
		}
	case timeline.TriggerChatRate:
		switch {
		case value >= 200:
			return 9.0
		case value >= 100:
			return 8.0
		default:
			return 7.0
		}
	case timeline.TriggerSentiment:
		return 7.5
	default:
		return 5.0
	}
}
