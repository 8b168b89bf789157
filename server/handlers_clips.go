package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/clip-tender/backend/config"
	"github.com/onnwee/clip-tender/backend/timeline"
)

// HandleClipJobs lists clip jobs or creates a manual one.
func (h *Handlers) HandleClipJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseIntQuery(r, "limit", 50)
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		state := r.URL.Query().Get("state")
		list, err := h.store.ListClipJobs(r.Context(), state, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		h.handleClipJobCreate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleClipJobCreate accepts a manual clip request with an explicit window.
func (h *Handlers) handleClipJobCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StreamID    int64     `json:"stream_id"`
		WindowStart time.Time `json:"window_start"`
		WindowEnd   time.Time `json:"window_end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", 400)
		return
	}
	if req.StreamID == 0 {
		http.Error(w, "stream_id required", 400)
		return
	}
	if !req.WindowEnd.After(req.WindowStart) {
		http.Error(w, "window_end must be after window_start", 400)
		return
	}
	if req.WindowEnd.Sub(req.WindowStart) > 10*time.Minute {
		http.Error(w, "window too large (max 10m)", 400)
		return
	}
	var one int
	if err := h.db.QueryRowContext(r.Context(), `SELECT 1 FROM streams WHERE id=$1`, req.StreamID).Scan(&one); err != nil {
		http.Error(w, "unknown stream", 404)
		return
	}
	// Manual requests carry no trigger and a neutral score.
	job := &timeline.ClipJob{
		StreamID:    req.StreamID,
		WindowStart: req.WindowStart.UTC(),
		WindowEnd:   req.WindowEnd.UTC(),
		Score:       5.0,
	}
	if err := h.store.CreateClipJob(r.Context(), job); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// HandleClipJobsDispatcher routes /jobs/{id} requests.
func (h *Handlers) HandleClipJobsDispatcher(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job, err := h.store.GetClipJob(r.Context(), id)
	if err == sql.ErrNoRows {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"job": job}
	if refs, err := h.store.SegmentRefs(r.Context(), id); err == nil && len(refs) > 0 {
		resp["segment_refs"] = refs
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleClipsList returns extracted clips, optionally filtered by stream.
func (h *Handlers) HandleClipsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	streamID := parseInt64Query(r, "stream_id", 0)
	list, err := h.store.ListClips(r.Context(), streamID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleClipsDispatcher routes /clips/{id} and /clips/{id}/upload.
func (h *Handlers) HandleClipsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/clips/")
	parts := strings.Split(path, "/")
	clipID := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case clipID == "":
		http.NotFound(w, r)
	case tail == "":
		h.handleClipDetail(w, r, clipID)
	case tail == "upload":
		h.handleClipUpload(w, r, clipID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleClipDetail(w http.ResponseWriter, r *http.Request, clipID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c, err := h.store.GetClip(r.Context(), clipID)
	if err == sql.ErrNoRows {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleClipUpload enqueues an upload for a finished clip.
func (h *Handlers) handleClipUpload(w http.ResponseWriter, r *http.Request, clipID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.store.GetClip(r.Context(), clipID); err != nil {
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	dest := r.URL.Query().Get("destination")
	if dest == "" {
		if cfg, err := config.Load(); err == nil {
			dest = cfg.UploadDestination
		}
	}
	if dest == "" {
		dest = "youtube"
	}
	job, err := h.store.EnqueueUpload(r.Context(), clipID, dest)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// HandleUploadsList returns upload jobs, optionally filtered by state.
func (h *Handlers) HandleUploadsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	state := r.URL.Query().Get("state")
	list, err := h.store.ListUploadJobs(r.Context(), state, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleUploadsDispatcher routes /uploads/{id} and /uploads/{id}/retry.
func (h *Handlers) HandleUploadsDispatcher(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/uploads/")
	parts := strings.Split(path, "/")
	jobID := parts[0]
	tail := ""
	if len(parts) > 1 {
		tail = strings.Join(parts[1:], "/")
	}
	switch {
	case jobID == "":
		http.NotFound(w, r)
	case tail == "":
		h.handleUploadDetail(w, r, jobID)
	case tail == "retry":
		h.handleUploadRetry(w, r, jobID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleUploadDetail(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	job, err := h.store.GetUploadJob(r.Context(), jobID)
	if err == sql.ErrNoRows {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleUploadRetry requeues a failed upload job.
func (h *Handlers) handleUploadRetry(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ok, err := h.store.RetryUploadJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "upload job not found or not in failed state", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "requeued", "id": jobID})
}
