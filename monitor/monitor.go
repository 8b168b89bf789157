// Package monitor polls platform APIs for live status and drives recording
// lifecycle transitions: a stream going live starts a recording and its
// signal samplers, going offline finalizes them. Transitions are idempotent;
// a crashed monitor resumes from whatever state the timeline holds.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/clip-tender/backend/config"
	"github.com/onnwee/clip-tender/backend/db"
	"github.com/onnwee/clip-tender/backend/kickapi"
	"github.com/onnwee/clip-tender/backend/recorder"
	"github.com/onnwee/clip-tender/backend/signals"
	"github.com/onnwee/clip-tender/backend/telemetry"
	"github.com/onnwee/clip-tender/backend/timeline"
	"github.com/onnwee/clip-tender/backend/twitchapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

// LiveChecker reports whether a channel is currently broadcasting.
type LiveChecker interface {
	Check(ctx context.Context, channel string) (live bool, err error)
}

type twitchChecker struct{ hc *twitchapi.HelixClient }

func (t twitchChecker) Check(ctx context.Context, channel string) (bool, error) {
	info, err := t.hc.GetStream(ctx, channel)
	return info != nil, err
}

type kickChecker struct{ kc *kickapi.Client }

func (k kickChecker) Check(ctx context.Context, channel string) (bool, error) {
	info, err := k.kc.GetStream(ctx, channel)
	return info != nil, err
}

// youtubeChecker searches for an active live broadcast on a channel via the
// Data API. Needs an API key; channel is the YouTube channel ID.
type youtubeChecker struct{ apiKey string }

func (y youtubeChecker) Check(ctx context.Context, channel string) (bool, error) {
	svc, err := yt.NewService(ctx, option.WithAPIKey(y.apiKey))
	if err != nil {
		return false, err
	}
	res, err := svc.Search.List([]string{"id"}).
		ChannelId(channel).
		EventType("live").
		Type("video").
		MaxResults(1).
		Context(ctx).Do()
	if err != nil {
		return false, err
	}
	return len(res.Items) > 0, nil
}

// Monitor owns the live-status poll loop.
type Monitor struct {
	Store    *timeline.Store
	Recorder *recorder.Recorder
	Cfg      *config.Config
	Ingestor *signals.Ingestor

	// Checkers by platform name. Populated by NewMonitor; replaced in tests.
	Checkers map[string]LiveChecker

	mu       sync.Mutex
	samplers map[int64]context.CancelFunc // stream ID -> chat sampler cancel
}

func NewMonitor(store *timeline.Store, rec *recorder.Recorder, cfg *config.Config, ing *signals.Ingestor) *Monitor {
	hc := &twitchapi.HelixClient{
		AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
		ClientID:       cfg.TwitchClientID,
	}
	checkers := map[string]LiveChecker{
		"twitch": twitchChecker{hc: hc},
		"kick":   kickChecker{kc: &kickapi.Client{}},
	}
	if cfg.YTAPIKey != "" {
		checkers["youtube"] = youtubeChecker{apiKey: cfg.YTAPIKey}
	}
	return &Monitor{
		Store:    store,
		Recorder: rec,
		Cfg:      cfg,
		Ingestor: ing,
		Checkers: checkers,
		samplers: make(map[int64]context.CancelFunc),
	}
}

// SourceURL resolves the capture source for a stream. Used by the rotation
// scheduler when it restarts a degraded capture.
func SourceURL(st *timeline.Stream) string {
	channel := st.ChannelRef
	if channel == "" {
		channel = st.Name
	}
	switch st.Platform {
	case "kick":
		return "https://kick.com/" + channel
	case "youtube":
		// streamlink resolves a channel's current live broadcast from this URL.
		return "https://www.youtube.com/channel/" + channel + "/live"
	default:
		return "https://twitch.tv/" + channel
	}
}

// Start runs the poll loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	tick := m.Cfg.PollInterval
	slog.Info("stream monitor starting", slog.Duration("tick", tick))
	if err := m.runOnce(ctx); err != nil {
		slog.Warn("monitor pass", slog.Any("err", err))
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("stream monitor stopped")
			return
		case <-ticker.C:
			if err := m.runOnce(ctx); err != nil {
				slog.Warn("monitor pass", slog.Any("err", err))
			}
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context) error {
	db.Heartbeat(ctx, m.Store.DB, "job_monitor_last")

	streams, err := m.Store.ListStreams(ctx)
	if err != nil {
		return err
	}
	for _, st := range streams {
		if !st.AutoRecord {
			// Monitoring switched off; finalize any recording still running.
			m.ensureStopped(ctx, st)
			continue
		}
		checker, ok := m.Checkers[st.Platform]
		if !ok {
			slog.Warn("no live checker for platform", slog.String("platform", st.Platform), slog.String("stream", st.Name))
			continue
		}
		channel := st.ChannelRef
		if channel == "" {
			channel = st.Name
		}
		live, err := checker.Check(ctx, channel)
		if err != nil {
			slog.Warn("live check failed", slog.String("stream", st.Name), slog.Any("err", err))
			continue
		}
		if live {
			m.ensureRecording(ctx, st)
		} else {
			m.ensureStopped(ctx, st)
		}
	}
	return nil
}

// ensureRecording starts capture for a live stream that has none.
func (m *Monitor) ensureRecording(ctx context.Context, st timeline.Stream) {
	if !st.Live {
		if err := m.Store.SetStreamLive(ctx, st.ID, true); err != nil {
			slog.Warn("set live", slog.String("stream", st.Name), slog.Any("err", err))
		}
	}
	active, err := m.Store.ActiveRecording(ctx, st.ID)
	if err != nil {
		slog.Warn("active recording lookup", slog.String("stream", st.Name), slog.Any("err", err))
		return
	}
	if active != nil {
		// Recording exists; make sure its capture survived (e.g. after a
		// process restart the capture map is empty).
		if !m.Recorder.Active(active.ID) {
			m.restartCapture(ctx, st, active)
		}
		return
	}

	now := time.Now().UTC()
	// Segment seq 1 path is fixed; StartRecording assigns the ID first, so
	// capture begins after the row exists and uses its real ID.
	rec, seg, err := m.Store.StartRecording(ctx, st.ID, "", now)
	if err != nil {
		if errors.Is(err, timeline.ErrRecordingActive) {
			return
		}
		slog.Error("start recording", slog.String("stream", st.Name), slog.Any("err", err))
		return
	}
	firstFile := m.Recorder.SegmentFile(rec.ID, seg.Seq)
	if _, err := m.Store.DB.ExecContext(ctx, `UPDATE segments SET file_path=$1 WHERE id=$2`, firstFile, seg.ID); err != nil {
		slog.Warn("set first segment path", slog.Any("err", err))
	}
	if err := m.Recorder.Begin(ctx, rec.ID, SourceURL(&st), firstFile); err != nil {
		slog.Error("begin capture", slog.String("stream", st.Name), slog.Any("err", err))
		if err := m.Store.SetRecordingDegraded(ctx, rec.ID, true); err != nil {
			slog.Warn("set degraded", slog.Any("err", err))
		}
	} else {
		telemetry.RecordingsStarted.Inc()
		slog.Info("recording started", slog.String("stream", st.Name), slog.String("recording_id", rec.ID))
	}
	m.startSampler(ctx, st)
}

// restartCapture re-attaches a capture to a recording that lost its process.
func (m *Monitor) restartCapture(ctx context.Context, st timeline.Stream, rec *timeline.Recording) {
	open, err := m.Store.OpenSegment(ctx, rec.ID)
	if err != nil || open == nil {
		return
	}
	// The interrupted segment file stays as-is; capture resumes on the next
	// seq so the timeline keeps its one-file-per-segment property.
	newFile := m.Recorder.SegmentFile(rec.ID, open.Seq+1)
	if err := m.Recorder.Begin(ctx, rec.ID, SourceURL(&st), newFile); err != nil {
		slog.Error("restart capture", slog.String("stream", st.Name), slog.Any("err", err))
		return
	}
	if _, _, err := m.Store.RotateSegment(ctx, rec.ID, newFile, time.Now().UTC()); err != nil {
		slog.Error("rotate after capture restart", slog.String("stream", st.Name), slog.Any("err", err))
		return
	}
	slog.Info("capture re-attached", slog.String("stream", st.Name), slog.String("recording_id", rec.ID))
	m.startSampler(ctx, st)
}

// ensureStopped finalizes the recording of a stream that went offline.
func (m *Monitor) ensureStopped(ctx context.Context, st timeline.Stream) {
	if st.Live {
		if err := m.Store.SetStreamLive(ctx, st.ID, false); err != nil {
			slog.Warn("set offline", slog.String("stream", st.Name), slog.Any("err", err))
		}
	}
	m.stopSampler(st.ID)
	active, err := m.Store.ActiveRecording(ctx, st.ID)
	if err != nil || active == nil {
		return
	}
	m.Recorder.End(active.ID)
	if err := m.Store.CloseRecording(ctx, active.ID, time.Now().UTC()); err != nil {
		slog.Error("close recording", slog.String("recording_id", active.ID), slog.Any("err", err))
		return
	}
	slog.Info("recording closed", slog.String("stream", st.Name), slog.String("recording_id", active.ID))
}

func (m *Monitor) startSampler(ctx context.Context, st timeline.Stream) {
	if st.Platform != "twitch" || m.Ingestor == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.samplers[st.ID]; running {
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	m.samplers[st.ID] = cancel
	stream := st
	go signals.StartChatRateSampler(sctx, m.Cfg, m.Ingestor, &stream)
}

func (m *Monitor) stopSampler(streamID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.samplers[streamID]; ok {
		cancel()
		delete(m.samplers, streamID)
	}
}
