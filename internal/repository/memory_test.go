package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mira/mira-back/internal/domain"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		retry, max int
		wantStatus domain.JobStatus
		wantRetry  int
	}{
		{retry: 0, max: 3, wantStatus: domain.JobStatusPending, wantRetry: 1},
		{retry: 2, max: 3, wantStatus: domain.JobStatusPending, wantRetry: 3},
		{retry: 3, max: 3, wantStatus: domain.JobStatusFailed, wantRetry: 4},
		{retry: 0, max: 0, wantStatus: domain.JobStatusFailed, wantRetry: 1},
	}
	for _, tt := range tests {
		status, retry := NextStatus(tt.retry, tt.max)
		assert.Equal(t, tt.wantStatus, status)
		assert.Equal(t, tt.wantRetry, retry)
	}
}

func TestWithTxCommitsAtomically(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	job, err := store.CreateNoteWithJob(ctx, &domain.Note{ID: "n1", UserID: "u1", Content: "hi"})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx Tx) error {
		_, err := tx.LockNote(ctx, "n1")
		require.NoError(t, err)
		require.NoError(t, tx.SaveEnhancement(ctx, "n1", json.RawMessage(`{"answer":"x"}`)))
		require.NoError(t, tx.MarkCompleted(ctx, job.ID))
		return errors.New("abort")
	})
	require.Error(t, err)

	note, err := store.GetNote(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, note.AIEnhanced)
	assert.True(t, note.IsProcessing)
	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, stored.Status)

	require.NoError(t, store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockNote(ctx, "n1"); err != nil {
			return err
		}
		if err := tx.SaveEnhancement(ctx, "n1", json.RawMessage(`{"answer":"x"}`)); err != nil {
			return err
		}
		return tx.MarkCompleted(ctx, job.ID)
	}))

	note, err = store.GetNote(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, note.AIEnhanced)
	assert.False(t, note.IsProcessing)
	assert.JSONEq(t, `{"answer":"x"}`, string(note.RichContext))
}

func TestLockNoteIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.PutNote(&domain.Note{ID: "n1", UserID: "u1"})

	require.NoError(t, store.WithTx(ctx, func(outer Tx) error {
		_, err := outer.LockNote(ctx, "n1")
		require.NoError(t, err)

		_, err = outer.LockNote(ctx, "n1")
		assert.NoError(t, err, "re-locking inside the same transaction succeeds")

		innerErr := store.WithTx(ctx, func(inner Tx) error {
			_, err := inner.LockNote(ctx, "n1")
			return err
		})
		assert.ErrorIs(t, innerErr, ErrNoteLocked)

		_, err = outer.LockNote(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	}))

	require.NoError(t, store.WithTx(ctx, func(tx Tx) error {
		_, err := tx.LockNote(ctx, "n1")
		return err
	}), "lock is released when the transaction ends")
}

func TestFactQueriesAndTouch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	recent := now.Add(-2 * time.Hour)
	store.PutFact(&domain.MemoryFact{ID: "f1", UserID: "u1", Name: "Dentist appointment", ExtractionConfidence: 0.8})
	store.PutFact(&domain.MemoryFact{ID: "f2", UserID: "u1", Name: "Sister", Metadata: json.RawMessage(`{"city":"Lisbon"}`), ExtractionConfidence: 0.9, LastAccessed: &recent})
	store.PutFact(&domain.MemoryFact{ID: "f3", UserID: "u2", Name: "Dentist", ExtractionConfidence: 1})

	found, err := store.SearchFacts(ctx, "u1", []string{"dentist", "lisbon"}, 10)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "f2", found[0].ID)

	none, err := store.SearchFacts(ctx, "u1", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	recentFacts, err := store.RecentFacts(ctx, "u1", now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, recentFacts, 1)
	assert.Equal(t, "f2", recentFacts[0].ID)

	touched, err := store.TouchFacts(ctx, []string{"f1", "f2"}, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, touched)

	touched, err = store.TouchFacts(ctx, []string{"f1", "f2"}, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, touched)

	fact, ok := store.GetFact("f1")
	require.True(t, ok)
	require.NotNil(t, fact.LastAccessed)
	assert.Equal(t, now, *fact.LastAccessed)
}
