package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	dbpkg "github.com/onnwee/clip-tender/backend/db"
	"github.com/onnwee/clip-tender/backend/telemetry"
	"github.com/onnwee/clip-tender/backend/timeline"
)

func setupTestDB(t *testing.T) *sql.DB {
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
	telemetry.Init()
	return dbc
}

func createTestStream(t *testing.T, handler http.Handler) timeline.Stream {
	t.Helper()
	body := fmt.Sprintf(`{"name":"srv_%d","platform":"twitch","auto_record":false}`, time.Now().UnixNano())
	req := httptest.NewRequest(http.MethodPost, "/streams", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create stream status = %d: %s", w.Code, w.Body.String())
	}
	var st timeline.Stream
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	return st
}

func TestCORS(t *testing.T) {
	db := setupTestDB(t)
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodOptions, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		t.Errorf("OPTIONS request status = %d, want %d or %d", resp.StatusCode, http.StatusNoContent, http.StatusOK)
	}

	headers := []string{
		"Access-Control-Allow-Origin",
		"Access-Control-Allow-Methods",
		"Access-Control-Allow-Headers",
	}
	for _, h := range headers {
		if resp.Header.Get(h) == "" {
			t.Errorf("missing CORS header: %s", h)
		}
	}
}

func TestHealthzEndpoint(t *testing.T) {
	db := setupTestDB(t)
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", w.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(w.Result().Body)
	if len(body) == 0 {
		t.Error("healthz returned empty response")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	db := setupTestDB(t)
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("metrics status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "go_") {
		t.Error("metrics output missing go runtime metrics")
	}
}

func TestCorrelationIDPropagation(t *testing.T) {
	db := setupTestDB(t)
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "test-corr-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "test-corr-123" {
		t.Errorf("X-Correlation-ID = %q, want test-corr-123", got)
	}

	// Absent header gets a generated ID
	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected generated correlation ID")
	}
}

func TestStreamCRUD(t *testing.T) {
	db := setupTestDB(t)
	handler := NewMux(context.Background(), db)

	st := createTestStream(t, handler)
	if st.ID == 0 {
		t.Fatal("expected assigned stream id")
	}

	// detail
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/streams/%d", st.ID), nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stream detail status = %d", w.Code)
	}
	var detail struct {
		Stream timeline.Stream `json:"stream"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Stream.Name != st.Name {
		t.Errorf("detail name = %q, want %q", detail.Stream.Name, st.Name)
	}

	// update
	st.AutoRecord = true
	body, _ := json.Marshal(st)
	req = httptest.NewRequest(http.MethodPut, fmt.Sprintf("/streams/%d", st.ID), bytes.NewReader(body))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stream update status = %d", w.Code)
	}

	// delete
	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/streams/%d", st.ID), nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("stream delete status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/streams/%d", st.ID), nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("deleted stream detail status = %d, want 404", w.Code)
	}
}

func TestStreamCreateValidation(t *testing.T) {
	db := setupTestDB(t)
	handler := NewMux(context.Background(), db)

	cases := []string{
		`{"platform":"twitch"}`,              // no name
		`{"name":"x","platform":"dailymotion"}`, // bad platform
		`not json`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/streams", strings.NewReader(body))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestTriggerCRUDAndEventIngestion(t *testing.T) {
	db := setupTestDB(t)
	handler := NewMux(context.Background(), db)
	st := createTestStream(t, handler)

	// create trigger
	body := `{"name":"big donos","kind":"donation","threshold":50,"pre_buffer_seconds":10,"post_buffer_seconds":20,"enabled":true}`
	req := httptest.NewRequest(http.MethodPost, "/triggers", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create trigger status = %d: %s", w.Code, w.Body.String())
	}
	var tr timeline.Trigger
	if err := json.Unmarshal(w.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode trigger: %v", err)
	}

	// invalid kind rejected
	req = httptest.NewRequest(http.MethodPost, "/triggers", strings.NewReader(`{"name":"bad","kind":"applause","threshold":1}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid kind status = %d, want 400", w.Code)
	}

	// ingest an event
	evt := fmt.Sprintf(`{"stream_id":%d,"kind":"donation","value":75}`, st.ID)
	req = httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(evt))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("event ingest status = %d: %s", w.Code, w.Body.String())
	}

	// event for unknown stream rejected
	req = httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"stream_id":999999999,"kind":"donation","value":5}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown stream event status = %d, want 404", w.Code)
	}

	// far-future timestamp rejected as stale
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	evt = fmt.Sprintf(`{"stream_id":%d,"kind":"donation","value":5,"ts":"%s"}`, st.ID, future)
	req = httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(evt))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("future event status = %d, want 422", w.Code)
	}

	// delete trigger
	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/triggers/%d", tr.ID), nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete trigger status = %d", w.Code)
	}
}

func TestManualClipJobCreate(t *testing.T) {
	db := setupTestDB(t)
	handler := NewMux(context.Background(), db)
	st := createTestStream(t, handler)

	start := time.Now().Add(-2 * time.Minute).UTC()
	end := start.Add(time.Minute)
	body := fmt.Sprintf(`{"stream_id":%d,"window_start":"%s","window_end":"%s"}`,
		st.ID, start.Format(time.RFC3339), end.Format(time.RFC3339))
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create job status = %d: %s", w.Code, w.Body.String())
	}
	var job timeline.ClipJob
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.State != timeline.ClipJobPending {
		t.Errorf("job state = %q, want pending", job.State)
	}
	if job.TriggerID != nil {
		t.Error("manual job must not carry a trigger")
	}
	if job.Score != 5.0 {
		t.Errorf("manual job score = %v, want 5.0", job.Score)
	}

	// detail round trip
	req = httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("job detail status = %d", w.Code)
	}

	// inverted window rejected
	body = fmt.Sprintf(`{"stream_id":%d,"window_start":"%s","window_end":"%s"}`,
		st.ID, end.Format(time.RFC3339), start.Format(time.RFC3339))
	req = httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("inverted window status = %d, want 400", w.Code)
	}
}

func TestUploadRetryRequiresFailedJob(t *testing.T) {
	db := setupTestDB(t)
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodPost, "/uploads/00000000-0000-0000-0000-000000000000/retry", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("retry on missing job status = %d, want 409", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	db := setupTestDB(t)
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	for _, key := range []string{"active_recordings", "open_segments", "uploads_queued", "retry_config"} {
		if _, ok := resp[key]; !ok {
			t.Errorf("status missing key %q", key)
		}
	}
}

func TestAdminMonitorRequiresAuth(t *testing.T) {
	db := setupTestDB(t)
	t.Setenv("ADMIN_TOKEN", "sekrit")
	handler := NewMux(context.Background(), db)

	req := httptest.NewRequest(http.MethodGet, "/admin/monitor", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/monitor", nil)
	req.Header.Set("X-Admin-Token", "sekrit")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated admin status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var stats map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode monitor: %v", err)
	}
	if _, ok := stats["jobs_pending"]; !ok {
		t.Error("monitor missing jobs_pending")
	}
}
