package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/orsinium-labs/stopwords"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mira/mira-back/internal/domain"
	"github.com/mira/mira-back/internal/repository"
)

const (
	MaxFacts    = 10
	MaxKeywords = 10

	searchLimit = 50
	recentLimit = 20

	dayBoost  = 0.3
	weekBoost = 0.15

	touchInterval = time.Hour
)

var english = stopwords.MustGet("en")

// ExtractKeywords turns note text into query-safe keywords: lowercase,
// ASCII letters and digits only, longer than two characters, stopwords removed,
// first occurrence order, at most MaxKeywords.
func ExtractKeywords(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	})

	seen := make(map[string]struct{}, len(tokens))
	keywords := make([]string, 0, MaxKeywords)
	for _, token := range tokens {
		if len(token) <= 2 || english.Contains(token) {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}
		keywords = append(keywords, token)
		if len(keywords) == MaxKeywords {
			break
		}
	}
	return keywords
}

type Retriever struct {
	store  repository.FactStore
	now    func() time.Time
	tracer trace.Tracer
}

func NewRetriever(store repository.FactStore) *Retriever {
	return &Retriever{
		store:  store,
		now:    time.Now,
		tracer: otel.Tracer("github.com/mira/mira-back/internal/memory"),
	}
}

func (r *Retriever) SetClock(now func() time.Time) {
	r.now = now
}

// Retrieve returns up to MaxFacts of the user's facts ranked by relevance
// to text. Returned facts get their last-accessed time refreshed, at most
// once per hour each.
func (r *Retriever) Retrieve(ctx context.Context, userID, text string) ([]domain.ScoredFact, error) {
	keywords := ExtractKeywords(text)
	if len(keywords) == 0 {
		return nil, nil
	}

	ctx, span := r.tracer.Start(ctx, "memory.retrieve",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.Int("keywords", len(keywords)),
		))
	defer span.End()

	now := r.now()
	matched, err := r.store.SearchFacts(ctx, userID, keywords, searchLimit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search facts: %w", err)
	}
	recent, err := r.store.RecentFacts(ctx, userID, now.Add(-24*time.Hour), recentLimit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("recent facts: %w", err)
	}

	scored := rank(mergeFacts(matched, recent), keywords, now)
	span.SetAttributes(attribute.Int("facts", len(scored)))

	r.touch(ctx, scored, now)
	return scored, nil
}

func (r *Retriever) touch(ctx context.Context, facts []domain.ScoredFact, now time.Time) {
	if len(facts) == 0 {
		return
	}
	staleBefore := now.Add(-touchInterval)
	ids := make([]string, 0, len(facts))
	for _, fact := range facts {
		if fact.LastAccessed == nil || fact.LastAccessed.Before(staleBefore) {
			ids = append(ids, fact.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if _, err := r.store.TouchFacts(ctx, ids, staleBefore); err != nil {
		slog.WarnContext(ctx, "failed to update fact access time",
			"error", err,
			"facts", len(ids))
	}
}

func mergeFacts(groups ...[]domain.MemoryFact) []domain.MemoryFact {
	seen := make(map[string]struct{})
	merged := make([]domain.MemoryFact, 0)
	for _, group := range groups {
		for _, fact := range group {
			if _, ok := seen[fact.ID]; ok {
				continue
			}
			seen[fact.ID] = struct{}{}
			merged = append(merged, fact)
		}
	}
	return merged
}

func rank(facts []domain.MemoryFact, keywords []string, now time.Time) []domain.ScoredFact {
	scored := make([]domain.ScoredFact, 0, len(facts))
	for _, fact := range facts {
		matches := countMatches(fact, keywords)
		boost := recencyBoost(fact.LastAccessed, now)
		if matches == 0 && boost < dayBoost {
			continue
		}
		scored = append(scored, domain.ScoredFact{
			MemoryFact:     fact,
			KeywordMatches: matches,
			RecencyBoost:   boost,
			Relevance:      score(fact.ExtractionConfidence, matches, boost),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Relevance != scored[j].Relevance {
			return scored[i].Relevance > scored[j].Relevance
		}
		if scored[i].ExtractionConfidence != scored[j].ExtractionConfidence {
			return scored[i].ExtractionConfidence > scored[j].ExtractionConfidence
		}
		return scored[i].ID < scored[j].ID
	})

	if len(scored) > MaxFacts {
		scored = scored[:MaxFacts]
	}
	return scored
}

func score(confidence float64, matches int, boost float64) float64 {
	if matches > 5 {
		matches = 5
	}
	return confidence*0.5 + float64(matches)*0.1 + boost
}

func countMatches(fact domain.MemoryFact, keywords []string) int {
	haystack := strings.ToLower(fact.Name + " " + string(fact.Metadata))
	matches := 0
	for _, keyword := range keywords {
		if strings.Contains(haystack, keyword) {
			matches++
		}
	}
	return matches
}

func recencyBoost(lastAccessed *time.Time, now time.Time) float64 {
	if lastAccessed == nil {
		return 0
	}
	age := now.Sub(*lastAccessed)
	switch {
	case age <= 24*time.Hour:
		return dayBoost
	case age <= 7*24*time.Hour:
		return weekBoost
	default:
		return 0
	}
}
