package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mira/mira-back/internal/progress"
)

const (
	sseBuffer    = 32
	sseHeartbeat = 15 * time.Second
)

// NoteEvents streams progress for one note until it completes or fails for
// good. Retryable errors are forwarded and the stream stays open.
func (api *API) NoteEvents(w http.ResponseWriter, r *http.Request) {
	noteID := strings.TrimSpace(chi.URLParam(r, "noteID"))
	api.stream(w, r, progress.NoteTopic(noteID), true)
}

// Events streams every progress event from every worker.
func (api *API) Events(w http.ResponseWriter, r *http.Request) {
	api.stream(w, r, progress.BroadcastTopic, false)
}

func (api *API) stream(w http.ResponseWriter, r *http.Request, topic string, stopOnTerminal bool) {
	controller := http.NewResponseController(w)
	if err := controller.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.WarnContext(r.Context(), "failed to clear write deadline for event stream", "error", err)
	}

	events, cancel := api.hub.Subscribe(topic, sseBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := controller.Flush(); err != nil {
		slog.WarnContext(r.Context(), "event stream not flushable", "error", err)
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
				return
			}
			if stopOnTerminal && isTerminal(event) {
				_ = controller.Flush()
				return
			}
		}
		if err := controller.Flush(); err != nil {
			return
		}
	}
}

func isTerminal(event progress.Event) bool {
	switch event.Type {
	case progress.EventComplete:
		return true
	case progress.EventError:
		return event.Stage != progress.StageRetry
	default:
		return false
	}
}
