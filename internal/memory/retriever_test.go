package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mira/mira-back/internal/domain"
	"github.com/mira/mira-back/internal/repository"
)

type countingFactStore struct {
	repository.FactStore
	searches int
	recents  int
	touchErr error
}

func (s *countingFactStore) SearchFacts(ctx context.Context, userID string, keywords []string, limit int) ([]domain.MemoryFact, error) {
	s.searches++
	return s.FactStore.SearchFacts(ctx, userID, keywords, limit)
}

func (s *countingFactStore) RecentFacts(ctx context.Context, userID string, since time.Time, limit int) ([]domain.MemoryFact, error) {
	s.recents++
	return s.FactStore.RecentFacts(ctx, userID, since, limit)
}

func (s *countingFactStore) TouchFacts(ctx context.Context, ids []string, staleBefore time.Time) (int, error) {
	if s.touchErr != nil {
		return 0, s.touchErr
	}
	return s.FactStore.TouchFacts(ctx, ids, staleBefore)
}

func ptrTime(value time.Time) *time.Time {
	return &value
}

func TestExtractKeywords(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "empty", text: "", want: []string{}},
		{name: "only short and stopwords", text: "and the was it is, of to", want: []string{}},
		{name: "punctuation stripped", text: "DENTIST!!! (appointment) invoice?", want: []string{"dentist", "appointment", "invoice"}},
		{name: "non-ascii splits tokens", text: "Zürich meeting über café", want: []string{"rich", "meeting", "ber", "caf"}},
		{name: "deduped in order", text: "milk bread milk eggs bread", want: []string{"milk", "bread", "eggs"}},
		{
			name: "capped",
			text: "alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima",
			want: []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel", "india", "juliet"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractKeywords(tt.text))
		})
	}
}

func TestExtractKeywordsStripsQuerySyntax(t *testing.T) {
	keywords := ExtractKeywords(`dentist'; DROP TABLE invoices;-- %_ "zebra"`)
	assert.Contains(t, keywords, "dentist")
	assert.Contains(t, keywords, "invoices")
	assert.Contains(t, keywords, "zebra")
	for _, keyword := range keywords {
		assert.Regexp(t, `^[a-z0-9]{3,}$`, keyword)
	}
}

func TestRetrieveSkipsQueriesForEmptyKeywords(t *testing.T) {
	store := &countingFactStore{FactStore: repository.NewMemoryStore()}
	retriever := NewRetriever(store)

	facts, err := retriever.Retrieve(context.Background(), "user-1", "and the, it is so!")
	require.NoError(t, err)
	assert.Empty(t, facts)
	assert.Zero(t, store.searches)
	assert.Zero(t, store.recents)
}

func TestRetrieveReturnsAtMostTenScoredFacts(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := repository.NewMemoryStore()
	for i := 0; i < 25; i++ {
		store.PutFact(&domain.MemoryFact{
			ID:                   fmt.Sprintf("fact-%02d", i),
			UserID:               "user-1",
			Name:                 fmt.Sprintf("dentist appointment %d", i),
			Type:                 "event",
			ExtractionConfidence: float64(i%10) / 10,
		})
	}

	retriever := NewRetriever(store)
	retriever.SetClock(func() time.Time { return now })

	facts, err := retriever.Retrieve(context.Background(), "user-1", "Remind me to call the dentist tomorrow")
	require.NoError(t, err)
	require.Len(t, facts, MaxFacts)
	for i, fact := range facts {
		assert.Positive(t, fact.Relevance)
		assert.Equal(t, 1, fact.KeywordMatches)
		if i > 0 {
			assert.GreaterOrEqual(t, facts[i-1].Relevance, fact.Relevance)
		}
	}
}

func TestRetrieveScoresAndFiltersByRecency(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := repository.NewMemoryStore()
	store.PutFact(&domain.MemoryFact{
		ID: "topical", UserID: "user-1", Name: "Dentist", Type: "person",
		Metadata:             json.RawMessage(`{"office":"Smile dental clinic"}`),
		ExtractionConfidence: 0.9,
		LastAccessed:         ptrTime(now.Add(-3 * 24 * time.Hour)),
	})
	store.PutFact(&domain.MemoryFact{
		ID: "recent-unrelated", UserID: "user-1", Name: "Gym membership",
		ExtractionConfidence: 0.9,
		LastAccessed:         ptrTime(now.Add(-2 * time.Hour)),
	})
	store.PutFact(&domain.MemoryFact{
		ID: "week-old-unrelated", UserID: "user-1", Name: "Car insurance",
		ExtractionConfidence: 0.9,
		LastAccessed:         ptrTime(now.Add(-25 * time.Hour)),
	})
	store.PutFact(&domain.MemoryFact{
		ID: "other-user", UserID: "user-2", Name: "Dentist",
		ExtractionConfidence: 1,
	})

	retriever := NewRetriever(store)
	retriever.SetClock(func() time.Time { return now })

	facts, err := retriever.Retrieve(context.Background(), "user-1", "call the dentist about dental cleaning")
	require.NoError(t, err)
	require.Len(t, facts, 2)

	// 0.9*0.5 + 2*0.1 + 0.15
	assert.Equal(t, "topical", facts[0].ID)
	assert.Equal(t, 2, facts[0].KeywordMatches)
	assert.InDelta(t, 0.8, facts[0].Relevance, 1e-9)
	assert.Equal(t, weekBoost, facts[0].RecencyBoost)

	// 0.9*0.5 + 0 + 0.3
	assert.Equal(t, "recent-unrelated", facts[1].ID)
	assert.Zero(t, facts[1].KeywordMatches)
	assert.InDelta(t, 0.75, facts[1].Relevance, 1e-9)
}

func TestRetrieveThrottlesTouch(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	recentlyTouched := now.Add(-10 * time.Minute)
	store := repository.NewMemoryStore()
	store.SetClock(func() time.Time { return now })
	store.PutFact(&domain.MemoryFact{ID: "never", UserID: "user-1", Name: "passport renewal", ExtractionConfidence: 0.5})
	store.PutFact(&domain.MemoryFact{ID: "hot", UserID: "user-1", Name: "passport office", ExtractionConfidence: 0.5, LastAccessed: ptrTime(recentlyTouched)})
	store.PutFact(&domain.MemoryFact{ID: "cold", UserID: "user-1", Name: "passport photos", ExtractionConfidence: 0.5, LastAccessed: ptrTime(now.Add(-2 * time.Hour))})

	retriever := NewRetriever(store)
	retriever.SetClock(func() time.Time { return now })

	facts, err := retriever.Retrieve(context.Background(), "user-1", "renew passport")
	require.NoError(t, err)
	require.Len(t, facts, 3)

	never, _ := store.GetFact("never")
	require.NotNil(t, never.LastAccessed)
	assert.True(t, never.LastAccessed.Equal(now))

	cold, _ := store.GetFact("cold")
	assert.True(t, cold.LastAccessed.Equal(now))

	hot, _ := store.GetFact("hot")
	assert.True(t, hot.LastAccessed.Equal(recentlyTouched))
}

func TestRetrieveIgnoresTouchFailure(t *testing.T) {
	memoryStore := repository.NewMemoryStore()
	memoryStore.PutFact(&domain.MemoryFact{ID: "f1", UserID: "user-1", Name: "groceries list", ExtractionConfidence: 0.4})
	store := &countingFactStore{FactStore: memoryStore, touchErr: errors.New("connection reset")}

	facts, err := NewRetriever(store).Retrieve(context.Background(), "user-1", "buy groceries")
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestFormatContext(t *testing.T) {
	facts := []domain.ScoredFact{
		{MemoryFact: domain.MemoryFact{Name: "Dr. Lee", Type: "person", Metadata: json.RawMessage(`{"role":"dentist","phone":"555"}`)}, Relevance: 0.6},
		{MemoryFact: domain.MemoryFact{Name: "dr.  lee", Type: "person"}, Relevance: 0.2},
		{MemoryFact: domain.MemoryFact{Name: "Smile Clinic", Type: "place"}, Relevance: 0.9},
	}

	text := FormatContext(facts, 0)
	assert.Equal(t, "What you know about this user:\n[1] Smile Clinic (place)\n[2] Dr. Lee (person): phone=555, role=dentist", text)
	assert.Empty(t, FormatContext(nil, 0))
}
