package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/clip-tender/backend/timeline"
)

// HandleStreams lists monitored streams or registers a new one.
func (h *Handlers) HandleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.store.ListStreams(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var st timeline.Stream
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		if st.Name == "" {
			http.Error(w, "name required", 400)
			return
		}
		if st.Platform != "twitch" && st.Platform != "kick" && st.Platform != "youtube" {
			http.Error(w, "platform must be twitch, kick, or youtube", 400)
			return
		}
		if err := h.store.CreateStream(r.Context(), &st); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, st)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleStreamsDispatcher routes requests under /streams/{id}/* to sub-handlers.
func (h *Handlers) HandleStreamsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/streams/")
	parts := strings.Split(path, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch tail {
	case "":
		h.handleStreamDetail(w, r, id)
	case "recordings":
		h.handleStreamRecordings(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleStreamDetail(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		st, err := h.store.GetStream(r.Context(), id)
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp := map[string]any{"stream": st}
		if rec, err := h.store.ActiveRecording(r.Context(), id); err == nil && rec != nil {
			resp["active_recording"] = rec
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPut:
		var st timeline.Stream
		if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		st.ID = id
		if err := h.store.UpdateStream(r.Context(), &st); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, st)
	case http.MethodDelete:
		if err := h.store.DeleteStream(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleStreamRecordings(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := h.db.QueryContext(r.Context(), `
        SELECT id, stream_id, state, degraded, started_at, ended_at
        FROM recordings WHERE stream_id=$1
        ORDER BY started_at DESC LIMIT $2
    `, id, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	list := make([]timeline.Recording, 0)
	for rows.Next() {
		var rec timeline.Recording
		if err := rows.Scan(&rec.ID, &rec.StreamID, &rec.State, &rec.Degraded, &rec.StartedAt, &rec.EndedAt); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		list = append(list, rec)
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleRecordingsDispatcher routes requests under /recordings/{id}/*.
func (h *Handlers) HandleRecordingsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/recordings/")
	parts := strings.Split(path, "/")
	recID := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case recID == "":
		http.NotFound(w, r)
	case tail == "":
		h.handleRecordingDetail(w, r, recID)
	case tail == "segments":
		h.handleRecordingSegments(w, r, recID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleRecordingDetail(w http.ResponseWriter, r *http.Request, recID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := h.store.GetRecording(r.Context(), recID)
	if err == sql.ErrNoRows {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var segCount int
	var coveredSecs float64
	_ = h.db.QueryRowContext(r.Context(), `
        SELECT COUNT(*),
               COALESCE(EXTRACT(EPOCH FROM (MAX(COALESCE(end_time, NOW())) - MIN(start_time))), 0)
        FROM segments WHERE recording_id=$1 AND state!='deleted'
    `, recID).Scan(&segCount, &coveredSecs)
	writeJSON(w, http.StatusOK, map[string]any{
		"recording":       rec,
		"segments":        segCount,
		"covered_seconds": coveredSecs,
	})
}

func (h *Handlers) handleRecordingSegments(w http.ResponseWriter, r *http.Request, recID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	segs, err := h.store.Segments(r.Context(), recID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type segment struct {
		timeline.Segment
		DurationSeconds float64 `json:"duration_seconds"`
	}
	list := make([]segment, 0, len(segs))
	for _, s := range segs {
		list = append(list, segment{Segment: s, DurationSeconds: s.Duration().Seconds()})
	}
	writeJSON(w, http.StatusOK, list)
}
