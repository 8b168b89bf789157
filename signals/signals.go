// Package signals normalizes external engagement samples (donations, chat
// rate, sentiment) into events on the timeline, and hosts the chat-rate
// sampler that derives message throughput from Twitch IRC.
package signals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/clip-tender/backend/telemetry"
	"github.com/onnwee/clip-tender/backend/timeline"
)

// Known event kinds. Triggers match on these.
const (
	KindDonation  = "donation"
	KindChatRate  = "chat_rate"
	KindSentiment = "sentiment"
)

// ErrStaleEvent marks an event whose timestamp falls outside the skew bound.
type ErrStaleEvent struct {
	TS   time.Time
	Skew time.Duration
}

func (e *ErrStaleEvent) Error() string {
	return fmt.Sprintf("event timestamp %s outside skew tolerance %s", e.TS.Format(time.RFC3339), e.Skew)
}

// Ingestor validates and stores incoming events.
type Ingestor struct {
	Store *timeline.Store
	// Skew bounds out-of-order arrival. An event older than the latest seen
	// timestamp for its stream by more than Skew is dropped as stale; one
	// leading the local clock by more than Skew is dropped as well.
	Skew time.Duration
}

// Ingest normalizes and persists one event. The timestamp is converted to UTC;
// a zero timestamp is stamped with the current time.
func (in *Ingestor) Ingest(ctx context.Context, e *timeline.Event) error {
	now := time.Now().UTC()
	if e.TS.IsZero() {
		e.TS = now
	}
	e.TS = e.TS.UTC()
	if e.TS.After(now.Add(in.Skew)) {
		telemetry.EventsDroppedStale.Inc()
		return &ErrStaleEvent{TS: e.TS, Skew: in.Skew}
	}
	switch e.Kind {
	case KindDonation, KindChatRate, KindSentiment:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	latest, seen, err := in.Store.LatestEventTS(ctx, e.StreamID)
	if err != nil {
		return fmt.Errorf("latest event ts: %w", err)
	}
	if seen && e.TS.Before(latest.Add(-in.Skew)) {
		telemetry.EventsDroppedStale.Inc()
		return &ErrStaleEvent{TS: e.TS, Skew: in.Skew}
	}
	if err := in.Store.InsertEvent(ctx, e); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	slog.Debug("event ingested",
		slog.Int64("stream_id", e.StreamID),
		slog.String("kind", e.Kind),
		slog.Float64("value", e.Value),
		slog.Time("ts", e.TS))
	return nil
}
