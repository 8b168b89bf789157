package signals

import (
	"context"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/clip-tender/backend/config"
	"github.com/onnwee/clip-tender/backend/timeline"
)

// StartChatRateSampler joins the stream's Twitch channel and emits chat_rate
// events: messages per second averaged over each sampling window. Runs until
// ctx is cancelled.
func StartChatRateSampler(ctx context.Context, cfg *config.Config, ing *Ingestor, st *timeline.Stream) {
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Info("twitch chat creds not set; skipping chat rate sampler", slog.String("stream", st.Name))
		return
	}
	channel := st.ChannelRef
	if channel == "" {
		channel = st.Name
	}
	client := twitch.NewClient(cfg.TwitchBotUsername, cfg.TwitchOAuthToken)

	var mu sync.Mutex
	var count int
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	every := cfg.ChatRateEvery
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				n := count
				count = 0
				mu.Unlock()
				rate := float64(n) / every.Seconds()
				ev := &timeline.Event{StreamID: st.ID, Kind: KindChatRate, Value: rate, TS: time.Now().UTC()}
				if err := ing.Ingest(ctx, ev); err != nil {
					slog.Warn("chat rate ingest", slog.String("stream", st.Name), slog.Any("err", err))
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(channel)
	slog.Info("chat rate sampler starting", slog.String("stream", st.Name), slog.String("channel", channel), slog.Duration("every", every))
	if err := client.Connect(); err != nil {
		slog.Error("twitch chat connect error", slog.String("stream", st.Name), slog.Any("err", err))
	}
	<-done
}
