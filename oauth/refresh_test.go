package oauth

import (
	"context"
	"database/sql"
	"os"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	dbpkg "github.com/onnwee/clip-tender/backend/db"
)

func setupRefreshDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	dbc, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = dbc.Close() })
	if err := dbpkg.Migrate(context.Background(), dbc); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return dbc
}

func TestRefresherSkipsFreshToken(t *testing.T) {
	db := setupRefreshDB(t)
	ctx := context.Background()

	if err := dbpkg.UpsertOAuthToken(ctx, db, "test-fresh", "access123", "refresh456",
		time.Now().Add(time.Hour), "scope1"); err != nil {
		t.Fatalf("upsert token: %v", err)
	}

	var called atomic.Bool
	fn := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		called.Store(true)
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	rctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	StartRefresher(rctx, db, "test-fresh", 50*time.Millisecond, 30*time.Minute, fn)
	<-rctx.Done()

	if called.Load() {
		t.Error("token an hour from expiry should not be refreshed with a 30m window")
	}
}

func TestRefresherRefreshesWithinWindow(t *testing.T) {
	db := setupRefreshDB(t)
	ctx := context.Background()

	if err := dbpkg.UpsertOAuthToken(ctx, db, "test-soon", "old-access", "old-refresh",
		time.Now().Add(5*time.Minute), "scope1"); err != nil {
		t.Fatalf("upsert token: %v", err)
	}

	var called atomic.Bool
	newExpiry := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	fn := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		if refreshToken != "old-refresh" {
			t.Errorf("refresh called with wrong token: %q", refreshToken)
		}
		called.Store(true)
		return "new-access", "new-refresh", newExpiry, "scope2", nil
	}

	rctx, cancel := context.WithCancel(ctx)
	StartRefresher(rctx, db, "test-soon", 50*time.Millisecond, 15*time.Minute, fn)

	// Pre-refresh jitter can delay the call by up to 5s.
	deadline := time.Now().Add(8 * time.Second)
	for !called.Load() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	if !called.Load() {
		t.Fatal("refresh should have been called for a token expiring within the window")
	}

	// Persisted values are readable back through the helpers.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		access, refresh, _, _, err := dbpkg.GetOAuthToken(ctx, db, "test-soon")
		if err != nil {
			t.Fatalf("get token: %v", err)
		}
		if access == "new-access" && refresh == "new-refresh" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("refreshed token was not persisted")
}

func TestRefresherKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	db := setupRefreshDB(t)
	ctx := context.Background()

	if err := dbpkg.UpsertOAuthToken(ctx, db, "test-keep", "old-access", "keep-me",
		time.Now().Add(time.Minute), "scope1"); err != nil {
		t.Fatalf("upsert token: %v", err)
	}

	var called atomic.Bool
	fn := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		called.Store(true)
		// Provider rotated only the access token.
		return "rotated-access", "", time.Now().Add(time.Hour), "", nil
	}

	rctx, cancel := context.WithCancel(ctx)
	StartRefresher(rctx, db, "test-keep", 50*time.Millisecond, 15*time.Minute, fn)

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		access, refresh, _, scope, err := dbpkg.GetOAuthToken(ctx, db, "test-keep")
		if err != nil {
			t.Fatalf("get token: %v", err)
		}
		if access == "rotated-access" {
			cancel()
			if refresh != "keep-me" {
				t.Errorf("refresh token = %q, want keep-me", refresh)
			}
			if scope != "scope1" {
				t.Errorf("scope = %q, want scope1", scope)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if !called.Load() {
		t.Fatal("refresh was never called")
	}
	t.Error("rotated access token was not persisted")
}
