package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mira/mira-back/internal/policy"
	"github.com/mira/mira-back/internal/repository"
)

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, "jobID")), 10, 64)
	if err != nil || jobID <= 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id must be a positive integer")
		return
	}

	job, err := api.notes.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "job not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}

	response := map[string]any{
		"job_id":      job.ID,
		"note_id":     job.NoteID,
		"status":      job.Status,
		"retry_count": job.RetryCount,
		"created_at":  job.CreatedAt,
		"updated_at":  job.UpdatedAt,
	}
	if job.StartedAt != nil {
		response["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		response["completed_at"] = job.CompletedAt
	}
	if job.ErrorMessage != nil && strings.TrimSpace(*job.ErrorMessage) != "" {
		response["error"] = map[string]any{
			"code":    "processing_error",
			"message": policy.OperatorError(job.ErrorMessage, 200),
		}
	}

	writeJSON(w, http.StatusOK, response)
}
