package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/onnwee/clip-tender/backend/timeline"
)

// HandleConfig handles GET and PUT requests for safe configuration keys.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	// Only allow GET/PUT for known keys; secrets must not be exposed here.
	safeKeys := map[string]bool{
		"LOG_LEVEL":           true,
		"LOG_FORMAT":          true,
		"ROTATION_INTERVAL":   true,
		"RETENTION_WINDOW":    true,
		"AUTO_DELETE":         true,
		"POLL_INTERVAL":       true,
		"EVENT_SKEW":          true,
		"TRIGGER_TICK":        true,
		"CHAT_RATE_WINDOW":    true,
		"RESOLVER_TICK":       true,
		"CLIP_MAX_WAIT":       true,
		"CLIP_WAIT_POLICY":    true,
		"CLIP_MAX_ATTEMPTS":   true,
		"AUTO_UPLOAD":         true,
		"UPLOAD_DESTINATION":  true,
		"UPLOAD_MAX_ATTEMPTS": true,
		"UPLOAD_BACKOFF_BASE": true,
		"UPLOAD_BACKOFF_CAP":  true,
	}
	switch r.Method {
	case http.MethodGet:
		// Return safe keys with values from kv overrides if present
		out := map[string]string{}
		for k := range safeKeys {
			var v string
			_ = h.db.QueryRowContext(r.Context(), `SELECT value FROM kv WHERE key=$1`, "cfg:"+k).Scan(&v)
			if v == "" {
				v = os.Getenv(k)
			}
			if v != "" {
				out[k] = v
			}
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPut:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		for k, v := range body {
			if !safeKeys[k] {
				continue
			}
			if _, err := h.db.ExecContext(
				r.Context(),
				`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW()) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
				"cfg:"+k,
				strings.TrimSpace(v),
			); err != nil {
				slog.Error("failed to update config", slog.String("key", k), slog.Any("err", err))
				http.Error(w, "failed to update config", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStatus returns a lightweight status summary: recording and queue
// counts plus the effective retry configuration.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	var activeRecordings, openSegments int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recordings WHERE state=$1`, timeline.RecordingActive).Scan(&activeRecordings)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM segments WHERE state=$1`, timeline.SegmentOpen).Scan(&openSegments)
	resp["active_recordings"] = activeRecordings
	resp["open_segments"] = openSegments

	// Clip job counts by state
	type stateCount struct {
		State string `json:"state"`
		Count int    `json:"count"`
	}
	var jobCounts []stateCount
	rows, err := h.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM clip_jobs GROUP BY state ORDER BY state
	`)
	if err == nil {
		defer func() {
			if err := rows.Close(); err != nil {
				slog.Warn("failed to close rows", slog.Any("err", err))
			}
		}()
		for rows.Next() {
			var sc stateCount
			if err := rows.Scan(&sc.State, &sc.Count); err == nil {
				jobCounts = append(jobCounts, sc)
			}
		}
	}
	if len(jobCounts) > 0 {
		resp["jobs_by_state"] = jobCounts
	}

	var uploadsQueued, uploadsFailed, clipsTotal int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_jobs WHERE state=$1`, timeline.UploadQueued).Scan(&uploadsQueued)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_jobs WHERE state=$1`, timeline.UploadFailed).Scan(&uploadsFailed)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clips`).Scan(&clipsTotal)
	resp["uploads_queued"] = uploadsQueued
	resp["uploads_failed"] = uploadsFailed
	resp["clips"] = clipsTotal

	retryConfig := map[string]any{
		"clip_max_attempts":   getEnvInt("CLIP_MAX_ATTEMPTS", 3),
		"clip_wait_policy":    os.Getenv("CLIP_WAIT_POLICY"),
		"upload_max_attempts": getEnvInt("UPLOAD_MAX_ATTEMPTS", 5),
		"upload_backoff_base": os.Getenv("UPLOAD_BACKOFF_BASE"),
	}
	if retryConfig["clip_wait_policy"] == "" {
		retryConfig["clip_wait_policy"] = "truncate"
	}
	if retryConfig["upload_backoff_base"] == "" {
		retryConfig["upload_backoff_base"] = "30s"
	}
	resp["retry_config"] = retryConfig

	writeJSON(w, http.StatusOK, resp)
}
