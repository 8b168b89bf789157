package server

import (
	"net/http"
	"time"
)

// HandleAdminMonitor returns a monitoring summary including worker heartbeats
// and queue stats.
func (h *Handlers) HandleAdminMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	// Fetch worker heartbeats
	keys := []string{"job_monitor_last", "job_rotation_last", "job_trigger_eval_last", "job_clip_resolver_last", "job_upload_last"}
	stats := map[string]any{}
	for _, k := range keys {
		var val string
		row := h.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, k)
		_ = row.Scan(&val)
		if val != "" {
			stats[k] = val
		}
	}

	// Queue counts
	var pending, waiting, extracting, ready, failed int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clip_jobs WHERE state='pending'`).Scan(&pending)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clip_jobs WHERE state='waiting_for_segment'`).Scan(&waiting)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clip_jobs WHERE state='extracting'`).Scan(&extracting)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clip_jobs WHERE state='ready'`).Scan(&ready)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clip_jobs WHERE state='failed'`).Scan(&failed)
	stats["jobs_pending"] = pending
	stats["jobs_waiting"] = waiting
	stats["jobs_extracting"] = extracting
	stats["jobs_ready"] = ready
	stats["jobs_failed"] = failed

	var unprocessedEvents, pinnedSegments int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE processed=false`).Scan(&unprocessedEvents)
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT segment_id) FROM segment_refs`).Scan(&pinnedSegments)
	stats["events_unprocessed"] = unprocessedEvents
	stats["segments_pinned"] = pinnedSegments

	// Oldest unresolved job
	var oldestID string
	var oldestCreated time.Time
	row := h.db.QueryRowContext(ctx, `SELECT id, created_at FROM clip_jobs WHERE state IN ('pending','waiting_for_segment') ORDER BY created_at ASC LIMIT 1`)
	_ = row.Scan(&oldestID, &oldestCreated)
	if oldestID != "" {
		stats["oldest_unresolved"] = map[string]any{"id": oldestID, "created_at": oldestCreated}
	}
	writeJSON(w, http.StatusOK, stats)
}
