package clip

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/onnwee/clip-tender/backend/config"
	dbpkg "github.com/onnwee/clip-tender/backend/db"
	"github.com/onnwee/clip-tender/backend/media"
	"github.com/onnwee/clip-tender/backend/telemetry"
	"github.com/onnwee/clip-tender/backend/timeline"
)

type fakeCutter struct {
	ranges []media.CutRange
	err    error
}

func (f *fakeCutter) Extract(ctx context.Context, ranges []media.CutRange, outPath string) (float64, error) {
	f.ranges = ranges
	if f.err != nil {
		return 0, f.err
	}
	var total float64
	for _, r := range ranges {
		total += r.Duration
	}
	return total, nil
}

func (f *fakeCutter) Thumbnail(ctx context.Context, clipPath, thumbPath string) error { return nil }

func setupResolver(t *testing.T) (*Resolver, *timeline.Store) {
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
		ClipsDir:        t.TempDir(),
		ResolverTick:    time.Second,
		ClipMaxWait:     10 * time.Minute,
		ClipWaitPolicy:  config.WaitPolicyTruncate,
		ClipMaxAttempts: 3,
	}
	return &Resolver{Store: store, Cfg: cfg, Cutter: &fakeCutter{}}, store
}

func makeStream(t *testing.T, store *timeline.Store) *timeline.Stream {
	t.Helper()
	st := &timeline.Stream{Name: fmt.Sprintf("resolver-%d", time.Now().UnixNano()), Platform: "twitch"}
	if err := store.CreateStream(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestResolveCoveredWindow(t *testing.T) {
	r, store := setupResolver(t)
	ctx := context.Background()
	st := makeStream(t, store)
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)

	rec, _, err := store.StartRecording(ctx, st.ID, "/data/seg1.mp4", base)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.RotateSegment(ctx, rec.ID, "/data/seg2.mp4", base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	// Window straddling the rotation boundary.
	job := &timeline.ClipJob{
		StreamID:    st.ID,
		WindowStart: base.Add(3550 * time.Second),
		WindowEnd:   base.Add(3660 * time.Second),
		Score:       8.5,
	}
	if err := store.CreateClipJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.GetClipJob(ctx, job.ID)
	state, err := r.resolve(ctx, *stored)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if state != timeline.ClipJobReady {
		t.Fatalf("state: got %s want ready", state)
	}

	fc := r.Cutter.(*fakeCutter)
	if len(fc.ranges) != 2 {
		t.Fatalf("cut ranges: %+v", fc.ranges)
	}

	done, _ := store.GetClipJob(ctx, job.ID)
	if done.ClipID == "" || done.Truncated {
		t.Fatalf("job after resolve: %+v", done)
	}
	c, err := store.GetClip(ctx, done.ClipID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Score != 8.5 || c.Duration != 110 {
		t.Fatalf("clip: score=%v duration=%v", c.Score, c.Duration)
	}
	if refs, _ := store.SegmentRefs(ctx, job.ID); len(refs) != 0 {
		t.Fatalf("refs not released: %v", refs)
	}
}

func TestResolveFutureWindowWaits(t *testing.T) {
	r, store := setupResolver(t)
	ctx := context.Background()
	st := makeStream(t, store)
	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)

	if _, _, err := store.StartRecording(ctx, st.ID, "/data/live1.mp4", base); err != nil {
		t.Fatal(err)
	}

	job := &timeline.ClipJob{
		StreamID:    st.ID,
		WindowStart: time.Now().UTC().Add(-10 * time.Second),
		WindowEnd:   time.Now().UTC().Add(30 * time.Second), // post-buffer still in the future
	}
	if err := store.CreateClipJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.GetClipJob(ctx, job.ID)
	state, err := r.resolve(ctx, *stored)
	if err != nil {
		t.Fatal(err)
	}
	if state != timeline.ClipJobWaiting {
		t.Fatalf("state: got %s want waiting_for_segment", state)
	}
	got, _ := store.GetClipJob(ctx, job.ID)
	if got.WaitDeadline == nil {
		t.Fatal("wait deadline not set")
	}
}

func TestResolveWaitDeadlineTruncates(t *testing.T) {
	r, store := setupResolver(t)
	ctx := context.Background()
	st := makeStream(t, store)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	if _, _, err := store.StartRecording(ctx, st.ID, "/data/live1.mp4", base); err != nil {
		t.Fatal(err)
	}

	job := &timeline.ClipJob{
		StreamID:    st.ID,
		WindowStart: time.Now().UTC().Add(-20 * time.Second),
		WindowEnd:   time.Now().UTC().Add(5 * time.Minute),
	}
	if err := store.CreateClipJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	// Force an already-expired deadline.
	if err := store.SetClipJobWaiting(ctx, job.ID, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.GetClipJob(ctx, job.ID)
	state, err := r.resolve(ctx, *stored)
	if err != nil {
		t.Fatal(err)
	}
	if state != timeline.ClipJobReady {
		t.Fatalf("state: got %s want ready", state)
	}
	got, _ := store.GetClipJob(ctx, job.ID)
	if !got.Truncated {
		t.Fatal("job not marked truncated")
	}
}

func TestResolveWaitDeadlineFailPolicy(t *testing.T) {
	r, store := setupResolver(t)
	r.Cfg.ClipWaitPolicy = config.WaitPolicyFail
	ctx := context.Background()
	st := makeStream(t, store)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	if _, _, err := store.StartRecording(ctx, st.ID, "/data/live1.mp4", base); err != nil {
		t.Fatal(err)
	}
	job := &timeline.ClipJob{
		StreamID:    st.ID,
		WindowStart: time.Now().UTC().Add(-20 * time.Second),
		WindowEnd:   time.Now().UTC().Add(5 * time.Minute),
	}
	if err := store.CreateClipJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := store.SetClipJobWaiting(ctx, job.ID, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.GetClipJob(ctx, job.ID)
	state, err := r.resolve(ctx, *stored)
	if err != nil {
		t.Fatal(err)
	}
	if state != timeline.ClipJobFailed {
		t.Fatalf("state: got %s want failed", state)
	}
}

func TestResolveWindowBeforeRetentionFails(t *testing.T) {
	r, store := setupResolver(t)
	ctx := context.Background()
	st := makeStream(t, store)
	base := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Second)

	rec, seg1, err := store.StartRecording(ctx, st.ID, "/data/seg1.mp4", base)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.RotateSegment(ctx, rec.ID, "/data/seg2.mp4", base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	// Simulate retention removing the first segment.
	if ok, err := store.MarkSegmentDeleted(ctx, seg1.ID); err != nil || !ok {
		t.Fatalf("delete seg1: ok=%v err=%v", ok, err)
	}

	job := &timeline.ClipJob{
		StreamID:    st.ID,
		WindowStart: base.Add(5 * time.Minute),
		WindowEnd:   base.Add(6 * time.Minute),
	}
	if err := store.CreateClipJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.GetClipJob(ctx, job.ID)
	state, err := r.resolve(ctx, *stored)
	if err != nil {
		t.Fatal(err)
	}
	if state != timeline.ClipJobFailed {
		t.Fatalf("state: got %s want failed", state)
	}
	got, _ := store.GetClipJob(ctx, job.ID)
	if got.Error == "" {
		t.Fatal("expected failure reason")
	}
}

func TestResolveHeadLostToRetentionFails(t *testing.T) {
	r, store := setupResolver(t)
	ctx := context.Background()
	st := makeStream(t, store)
	base := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Second)

	rec, seg1, err := store.StartRecording(ctx, st.ID, "/data/seg1.mp4", base)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.RotateSegment(ctx, rec.ID, "/data/seg2.mp4", base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if ok, err := store.MarkSegmentDeleted(ctx, seg1.ID); err != nil || !ok {
		t.Fatalf("delete seg1: ok=%v err=%v", ok, err)
	}

	// Head sits in the deleted segment, tail overlaps the retained one. The
	// job must fail rather than serve a clip missing its head.
	job := &timeline.ClipJob{
		StreamID:    st.ID,
		WindowStart: base.Add(55 * time.Minute),
		WindowEnd:   base.Add(65 * time.Minute),
	}
	if err := store.CreateClipJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.GetClipJob(ctx, job.ID)
	state, err := r.resolve(ctx, *stored)
	if err != nil {
		t.Fatal(err)
	}
	if state != timeline.ClipJobFailed {
		t.Fatalf("state: got %s want failed", state)
	}
	got, _ := store.GetClipJob(ctx, job.ID)
	if got.Error == "" {
		t.Fatal("expected failure reason")
	}
}

func TestResolveHeadBeforeRecordingTrims(t *testing.T) {
	r, store := setupResolver(t)
	ctx := context.Background()
	st := makeStream(t, store)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	rec, _, err := store.StartRecording(ctx, st.ID, "/data/seg1.mp4", base)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.RotateSegment(ctx, rec.ID, "/data/seg2.mp4", base.Add(30*time.Minute)); err != nil {
		t.Fatal(err)
	}

	// Pre-buffer reaches before the broadcast started. Nothing was deleted;
	// the clip trims to the first segment and carries the annotation.
	job := &timeline.ClipJob{
		StreamID:    st.ID,
		RecordingID: rec.ID,
		WindowStart: base.Add(-30 * time.Second),
		WindowEnd:   base.Add(60 * time.Second),
	}
	if err := store.CreateClipJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.GetClipJob(ctx, job.ID)
	state, err := r.resolve(ctx, *stored)
	if err != nil {
		t.Fatal(err)
	}
	if state != timeline.ClipJobReady {
		t.Fatalf("state: got %s want ready", state)
	}
	got, _ := store.GetClipJob(ctx, job.ID)
	if !got.Truncated {
		t.Fatal("job not marked truncated")
	}
	c, err := store.GetClip(ctx, got.ClipID)
	if err != nil {
		t.Fatal(err)
	}
	if !c.WindowStart.Equal(base) {
		t.Fatalf("clip window start = %v, want %v", c.WindowStart, base)
	}
	if !c.Truncated {
		t.Fatal("clip not marked truncated")
	}
}
