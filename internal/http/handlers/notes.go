package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mira/mira-back/internal/policy"
	"github.com/mira/mira-back/internal/repository"
)

type createNoteRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func (api *API) CreateNote(w http.ResponseWriter, r *http.Request) {
	var request createNoteRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	payloadHash := hashPayload(request)
	if idempotencyKey != "" {
		if entry, ok := api.idempotency.Get(idempotencyKey); ok {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "idempotency key reused with a different payload")
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"note_id": entry.NoteID,
				"job_id":  entry.JobID,
				"status":  "queued",
			})
			return
		}
	}

	note, job, err := api.notes.CreateNote(r.Context(), request.UserID, request.Content)
	if err != nil {
		var violation *policy.PolicyViolationError
		if errors.As(err, &violation) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": map[string]any{
					"code":       "policy_violation",
					"message":    violation.Error(),
					"violations": violation.Violations,
				},
			})
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to create note")
		return
	}

	if idempotencyKey != "" {
		api.idempotency.Put(idempotencyKey, payloadHash, note.ID, job.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"note_id": note.ID,
		"job_id":  job.ID,
		"status":  "queued",
	})
}

func (api *API) GetNote(w http.ResponseWriter, r *http.Request) {
	noteID := strings.TrimSpace(chi.URLParam(r, "noteID"))
	note, err := api.notes.GetNote(r.Context(), noteID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "note not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load note")
		return
	}

	response := map[string]any{
		"note_id":       note.ID,
		"user_id":       note.UserID,
		"content":       note.Content,
		"ai_enhanced":   note.AIEnhanced,
		"is_processing": note.IsProcessing,
		"created_at":    note.CreatedAt,
		"updated_at":    note.UpdatedAt,
	}
	if len(note.RichContext) > 0 {
		response["rich_context"] = jsonRawOrFallback(note.RichContext)
	}
	writeJSON(w, http.StatusOK, response)
}

func jsonRawOrFallback(value []byte) any {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err == nil {
		return decoded
	}
	return string(value)
}
