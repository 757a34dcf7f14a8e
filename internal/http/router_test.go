package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mira/mira-back/internal/http/handlers"
	"github.com/mira/mira-back/internal/progress"
	"github.com/mira/mira-back/internal/queue"
	"github.com/mira/mira-back/internal/repository"
	"github.com/mira/mira-back/internal/service"
)

type testServer struct {
	server *httptest.Server
	hub    *progress.Hub
	queue  *queue.Queue
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	store := repository.NewMemoryStore()
	q := queue.New(store, queue.Config{MaxRetries: 1})
	hub := progress.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	handler := NewRouter(ctx, RouterDependencies{
		API:            handlers.NewAPI(service.NewNotesService(store, q), hub),
		AuthToken:      token,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, hub: hub, queue: q}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	request, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(response.Body).Decode(&decoded)
	return response, decoded
}

func TestCreateAndReadNote(t *testing.T) {
	s := newTestServer(t, "")

	response, body := s.do(t, http.MethodPost, "/v1/notes", `{"user_id":"user-1","content":"Remind me to call the dentist tomorrow"}`, nil)
	require.Equal(t, http.StatusAccepted, response.StatusCode)
	noteID, _ := body["note_id"].(string)
	require.NotEmpty(t, noteID)
	jobID := int64(body["job_id"].(float64))

	response, body = s.do(t, http.MethodGet, "/v1/notes/"+noteID, "", nil)
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, true, body["is_processing"])
	assert.Equal(t, false, body["ai_enhanced"])

	response, body = s.do(t, http.MethodGet, "/v1/jobs/"+strconv.FormatInt(jobID, 10), "", nil)
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "pending", body["status"])

	response, body = s.do(t, http.MethodGet, "/v1/queue/stats", "", nil)
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, float64(1), body["pending"])
	assert.Contains(t, body, "oldest_pending_age_seconds")
}

func TestCreateNoteValidation(t *testing.T) {
	s := newTestServer(t, "")

	response, _ := s.do(t, http.MethodPost, "/v1/notes", `{"user_id":"user-1","content":"  "}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, response.StatusCode)

	response, _ = s.do(t, http.MethodPost, "/v1/notes", `{"user_id":"user-1","unknown":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	response, _ = s.do(t, http.MethodGet, "/v1/notes/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, response.StatusCode)

	response, _ = s.do(t, http.MethodGet, "/v1/jobs/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestCreateNoteIdempotency(t *testing.T) {
	s := newTestServer(t, "")
	headers := map[string]string{"Idempotency-Key": "key-1"}

	_, first := s.do(t, http.MethodPost, "/v1/notes", `{"user_id":"user-1","content":"buy milk"}`, headers)
	_, second := s.do(t, http.MethodPost, "/v1/notes", `{"user_id":"user-1","content":"buy milk"}`, headers)
	assert.Equal(t, first["note_id"], second["note_id"])

	response, _ := s.do(t, http.MethodPost, "/v1/notes", `{"user_id":"user-1","content":"buy bread"}`, headers)
	assert.Equal(t, http.StatusConflict, response.StatusCode)

	stats, err := s.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestFailedJobsEndpoint(t *testing.T) {
	s := newTestServer(t, "secret")
	auth := map[string]string{"Authorization": "Bearer secret"}

	response, _ := s.do(t, http.MethodGet, "/v1/queue/failed", "", nil)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

	_, created := s.do(t, http.MethodPost, "/v1/notes", `{"user_id":"user-1","content":"buy milk"}`, auth)
	require.NotEmpty(t, created["note_id"])

	ctx := context.Background()
	jobs, err := s.queue.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	s.queue.Fail(ctx, jobs[0], assert.AnError)
	s.queue.Fail(ctx, jobs[0], assert.AnError)

	response, body := s.do(t, http.MethodGet, "/v1/queue/failed?limit=10", "", auth)
	require.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	response, _ = s.do(t, http.MethodGet, "/v1/queue/failed?limit=-1", "", auth)
	assert.Equal(t, http.StatusBadRequest, response.StatusCode)

	response, body = s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func openNoteStream(t *testing.T, ctx context.Context, s *testServer, noteID string) *http.Response {
	t.Helper()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/v1/notes/"+noteID+"/events", nil)
	require.NoError(t, err)

	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", response.Header.Get("Content-Type"))

	topic := progress.NoteTopic(noteID)
	require.Eventually(t, func() bool { return s.hub.SubscriberCount(topic) == 1 }, time.Second, 5*time.Millisecond)
	return response
}

// readEvents consumes the stream until the server closes it.
func readEvents(t *testing.T, response *http.Response) []progress.Event {
	t.Helper()
	var received []progress.Event
	scanner := bufio.NewScanner(response.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event progress.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		received = append(received, event)
	}
	return received
}

func TestNoteEventStream(t *testing.T) {
	s := newTestServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	response := openNoteStream(t, ctx, s, "note-1")
	defer response.Body.Close()

	_ = s.hub.Emit(ctx, "note-1", progress.Event{Type: progress.EventProgress, Stage: progress.StageMemory, Message: "Looking"})
	_ = s.hub.Emit(ctx, "note-2", progress.Event{Type: progress.EventProgress, Stage: progress.StageMemory, Message: "other note"})
	_ = s.hub.Emit(ctx, "note-1", progress.Event{Type: progress.EventComplete, Stage: progress.StageComplete, Message: "Done"})

	received := readEvents(t, response)
	require.Len(t, received, 2)
	assert.Equal(t, progress.StageMemory, received[0].Stage)
	assert.Equal(t, "note-1", received[0].NoteID)
	assert.Equal(t, progress.EventComplete, received[1].Type)

	require.Eventually(t, func() bool { return s.hub.SubscriberCount(progress.NoteTopic("note-1")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestNoteEventStreamStaysOpenAcrossRetries(t *testing.T) {
	s := newTestServer(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	response := openNoteStream(t, ctx, s, "note-1")
	defer response.Body.Close()

	_ = s.hub.Emit(ctx, "note-1", progress.Event{Type: progress.EventError, Stage: progress.StageRetry, Message: "will retry"})
	_ = s.hub.Emit(ctx, "note-1", progress.Event{Type: progress.EventProgress, Stage: progress.StageReasoning, Message: "Thinking"})
	_ = s.hub.Emit(ctx, "note-1", progress.Event{Type: progress.EventError, Stage: progress.StageFailed, Message: "gave up"})

	received := readEvents(t, response)
	require.Len(t, received, 3)
	assert.Equal(t, progress.StageRetry, received[0].Stage)
	assert.Equal(t, progress.StageReasoning, received[1].Stage)
	assert.Equal(t, progress.StageFailed, received[2].Stage)
}
