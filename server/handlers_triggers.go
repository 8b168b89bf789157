package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/clip-tender/backend/signals"
	"github.com/onnwee/clip-tender/backend/timeline"
)

func validTriggerKind(kind string) bool {
	switch kind {
	case timeline.TriggerDonation, timeline.TriggerChatRate, timeline.TriggerSentiment:
		return true
	}
	return false
}

// HandleTriggers lists trigger rules or creates a new one.
func (h *Handlers) HandleTriggers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		enabledOnly := r.URL.Query().Get("enabled") == "1"
		list, err := h.store.ListTriggers(r.Context(), enabledOnly)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var tr timeline.Trigger
		if err := json.NewDecoder(r.Body).Decode(&tr); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		if !validTriggerKind(tr.Kind) {
			http.Error(w, "kind must be donation, chat_rate or sentiment", 400)
			return
		}
		if tr.PreBuffer < 0 || tr.PostBuffer < 0 {
			http.Error(w, "buffers must be non-negative", 400)
			return
		}
		if err := h.store.CreateTrigger(r.Context(), &tr); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, tr)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleTriggersDispatcher routes /triggers/{id} requests.
func (h *Handlers) HandleTriggersDispatcher(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/triggers/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		tr, err := h.store.GetTrigger(r.Context(), id)
		if err == sql.ErrNoRows {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, tr)
	case http.MethodPut:
		var tr timeline.Trigger
		if err := json.NewDecoder(r.Body).Decode(&tr); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		if !validTriggerKind(tr.Kind) {
			http.Error(w, "kind must be donation, chat_rate or sentiment", 400)
			return
		}
		tr.ID = id
		if err := h.store.UpdateTrigger(r.Context(), &tr); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, tr)
	case http.MethodDelete:
		if err := h.store.DeleteTrigger(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleEvents ingests an external signal event for a stream.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var e timeline.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		http.Error(w, "invalid json", 400)
		return
	}
	if e.StreamID == 0 {
		http.Error(w, "stream_id required", 400)
		return
	}
	var one int
	if err := h.db.QueryRowContext(r.Context(), `SELECT 1 FROM streams WHERE id=$1`, e.StreamID).Scan(&one); err != nil {
		http.Error(w, "unknown stream", 404)
		return
	}
	if err := h.ingestor.Ingest(r.Context(), &e); err != nil {
		var stale *signals.ErrStaleEvent
		if errors.As(err, &stale) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}
