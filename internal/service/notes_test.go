package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mira/mira-back/internal/domain"
	"github.com/mira/mira-back/internal/policy"
	"github.com/mira/mira-back/internal/queue"
	"github.com/mira/mira-back/internal/repository"
)

func newService() (*NotesService, *repository.MemoryStore, *queue.Queue) {
	store := repository.NewMemoryStore()
	q := queue.New(store, queue.Config{MaxRetries: 1})
	return NewNotesService(store, q), store, q
}

func TestCreateNoteEnqueuesJob(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	note, job, err := svc.CreateNote(ctx, " user-1 ", "Remind me to call the dentist tomorrow")
	require.NoError(t, err)
	assert.NotEmpty(t, note.ID)
	assert.Equal(t, "user-1", note.UserID)
	assert.Equal(t, note.ID, job.NoteID)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, "Remind me to call the dentist tomorrow", job.Text)

	stored, err := svc.GetNote(ctx, note.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsProcessing)
	assert.False(t, stored.AIEnhanced)

	stats, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestCreateNoteRejectsEmptyContent(t *testing.T) {
	svc, _, _ := newService()
	_, _, err := svc.CreateNote(context.Background(), "user-1", "  ")
	assert.True(t, errors.Is(err, policy.ErrContentPolicyViolation))
}

func TestFailedJobsMasksErrors(t *testing.T) {
	svc, _, q := newService()
	ctx := context.Background()

	_, job, err := svc.CreateNote(ctx, "user-1", "email bob later")
	require.NoError(t, err)

	cause := errors.New("provider rejected input for bob@example.com: " + strings.Repeat("z", 300))
	for range 2 {
		claimed, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		q.Fail(ctx, claimed[0], cause)
	}

	failed, err := svc.FailedJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].JobID)
	assert.Equal(t, 2, failed[0].RetryCount)
	assert.NotContains(t, failed[0].Error, "bob@example.com")
	assert.LessOrEqual(t, len(failed[0].Error), 203)

	_, err = svc.GetJob(ctx, 9999)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
