package upload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/clip-tender/backend/config"
	dbpkg "github.com/onnwee/clip-tender/backend/db"
	"github.com/onnwee/clip-tender/backend/telemetry"
	"github.com/onnwee/clip-tender/backend/timeline"
)

func TestBackoffMonotonicCapped(t *testing.T) {
	base := 30 * time.Second
	limit := 15 * time.Minute
	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := Backoff(base, limit, attempt)
		if d < prev {
			t.Fatalf("attempt %d: backoff %v < previous %v", attempt, d, prev)
		}
		if d > limit {
			t.Fatalf("attempt %d: backoff %v exceeds cap %v", attempt, d, limit)
		}
		prev = d
	}
	if got := Backoff(base, limit, 1); got != base {
		t.Errorf("first attempt: got %v want %v", got, base)
	}
	if got := Backoff(base, limit, 3); got != 2*time.Minute {
		t.Errorf("third attempt: got %v want 2m", got)
	}
	if got := Backoff(base, limit, 100); got != limit {
		t.Errorf("deep attempt: got %v want cap %v", got, limit)
	}
}

func TestClassifyUploadError(t *testing.T) {
	cases := []struct {
		err  error
		want errKind
	}{
		{errors.New("googleapi: Error 403: quotaExceeded"), errPermanent},
		{errors.New("oauth2: cannot fetch token: 400 invalid_grant"), errPermanent},
		{errors.New("open /clips/clip_x.mp4: no such file or directory"), errPermanent},
		{errors.New("Post \"https://youtube.googleapis.com\": dial tcp: i/o timeout"), errTransient},
		{errors.New("googleapi: Error 500: backendError"), errTransient},
	}
	for _, tc := range cases {
		if got := classifyUploadError(tc.err); got != tc.want {
			t.Errorf("classifyUploadError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

type fakeUploader struct {
	calls int
	errs  []error // consumed per call; nil means success
	url   string
}

func (f *fakeUploader) Upload(ctx context.Context, path, title, description string) (string, error) {
	defer func() { f.calls++ }()
	if f.calls < len(f.errs) && f.errs[f.calls] != nil {
		return "", f.errs[f.calls]
	}
	return f.url, nil
}

func setupOrchestrator(t *testing.T, fu *fakeUploader) (*Orchestrator, *timeline.Store) {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Errorf("failed to close db: %v", err)
		}
	})
	if err := dbpkg.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	telemetry.Init()
	store := timeline.New(conn)
	cfg := &config.Config{
		UploadMaxAttempts: 3,
		UploadBackoffBase: 30 * time.Second,
		UploadBackoffCap:  15 * time.Minute,
		UploadTimeout:     time.Minute,
	}
	return &Orchestrator{Store: store, Cfg: cfg, Uploaders: map[string]Uploader{"youtube": fu}}, store
}

func makeClip(t *testing.T, store *timeline.Store) *timeline.Clip {
	t.Helper()
	ctx := context.Background()
	st := &timeline.Stream{Name: fmt.Sprintf("upload-%d", time.Now().UnixNano()), Platform: "twitch"}
	if err := store.CreateStream(ctx, st); err != nil {
		t.Fatal(err)
	}
	job := &timeline.ClipJob{StreamID: st.ID, WindowStart: time.Now().Add(-time.Minute), WindowEnd: time.Now()}
	if err := store.CreateClipJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	c := &timeline.Clip{StreamID: st.ID, FilePath: "/clips/c.mp4", Duration: 20, WindowStart: job.WindowStart, WindowEnd: job.WindowEnd}
	if err := store.CompleteClipJob(ctx, job.ID, c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestOrchestratorSuccess(t *testing.T) {
	fu := &fakeUploader{url: "https://www.youtube.com/watch?v=abc123"}
	o, store := setupOrchestrator(t, fu)
	ctx := context.Background()
	c := makeClip(t, store)

	up, err := store.EnqueueUpload(ctx, c.ID, "youtube")
	if err != nil {
		t.Fatal(err)
	}
	if err := o.runOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetUploadJob(ctx, up.ID)
	if got.State != timeline.UploadSucceeded || got.RemoteURL != fu.url {
		t.Fatalf("after run: %+v", got)
	}
	if fu.calls != 1 {
		t.Fatalf("uploader calls: %d", fu.calls)
	}
}

func TestOrchestratorTransientRetriesThenFails(t *testing.T) {
	transient := errors.New("googleapi: Error 503: Service Unavailable")
	fu := &fakeUploader{errs: []error{transient, transient, transient}, url: "https://example"}
	o, store := setupOrchestrator(t, fu)
	ctx := context.Background()
	c := makeClip(t, store)

	up, err := store.EnqueueUpload(ctx, c.ID, "youtube")
	if err != nil {
		t.Fatal(err)
	}

	// First attempt: re-queued with a future next_attempt_at.
	if err := o.runOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetUploadJob(ctx, up.ID)
	if got.State != timeline.UploadQueued || got.Attempts != 1 {
		t.Fatalf("after first attempt: %+v", got)
	}
	if !got.NextAttemptAt.After(time.Now().UTC()) {
		t.Fatalf("next attempt not pushed out: %v", got.NextAttemptAt)
	}

	// Backed-off job is not picked up again this tick.
	if err := o.runOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if fu.calls != 1 {
		t.Fatalf("uploader called while backed off: %d", fu.calls)
	}

	// Exhaust the budget by making the job due again.
	for i := 0; i < 2; i++ {
		if _, err := store.DB.ExecContext(ctx, `UPDATE upload_jobs SET next_attempt_at=NOW() WHERE id=$1`, up.ID); err != nil {
			t.Fatal(err)
		}
		if err := o.runOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}
	got, _ = store.GetUploadJob(ctx, up.ID)
	if got.State != timeline.UploadFailed || got.Attempts != 3 {
		t.Fatalf("after exhausting attempts: %+v", got)
	}
}

func TestOrchestratorPermanentFailsImmediately(t *testing.T) {
	fu := &fakeUploader{errs: []error{errors.New("googleapi: Error 403: quotaExceeded")}}
	o, store := setupOrchestrator(t, fu)
	ctx := context.Background()
	c := makeClip(t, store)

	up, err := store.EnqueueUpload(ctx, c.ID, "youtube")
	if err != nil {
		t.Fatal(err)
	}
	if err := o.runOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetUploadJob(ctx, up.ID)
	if got.State != timeline.UploadFailed || got.Attempts != 1 {
		t.Fatalf("after permanent error: %+v", got)
	}
}

func TestOrchestratorUnknownDestination(t *testing.T) {
	fu := &fakeUploader{}
	o, store := setupOrchestrator(t, fu)
	ctx := context.Background()
	c := makeClip(t, store)

	up, err := store.EnqueueUpload(ctx, c.ID, "vimeo")
	if err != nil {
		t.Fatal(err)
	}
	if err := o.runOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetUploadJob(ctx, up.ID)
	if got.State != timeline.UploadFailed {
		t.Fatalf("unknown destination job: %+v", got)
	}
	if fu.calls != 0 {
		t.Fatalf("uploader called for unknown destination")
	}
}
