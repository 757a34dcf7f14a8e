package handlers

import (
	"net/http"
	"strconv"
	"time"
)

func (api *API) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := api.notes.QueueStats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load queue stats")
		return
	}

	response := map[string]any{
		"pending":    stats.Pending,
		"processing": stats.Processing,
		"completed":  stats.Completed,
		"failed":     stats.Failed,
		"total":      stats.Total,
	}
	if stats.OldestPending != nil {
		response["oldest_pending_age_seconds"] = int64(time.Since(*stats.OldestPending).Seconds())
	}
	writeJSON(w, http.StatusOK, response)
}

func (api *API) FailedJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	failed, err := api.notes.FailedJobs(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list failed jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": failed, "count": len(failed)})
}
