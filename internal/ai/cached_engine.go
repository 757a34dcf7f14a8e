package ai

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mira/mira-back/internal/cache"
	"github.com/mira/mira-back/internal/domain"
)

// CachedEngine serves repeat notes from a result cache. Options.SkipCache
// bypasses both the lookup and the store.
type CachedEngine struct {
	next  Engine
	cache *cache.ResultCache
}

func NewCachedEngine(next Engine, results *cache.ResultCache) *CachedEngine {
	return &CachedEngine{next: next, cache: results}
}

func (e *CachedEngine) ProcessNote(
	ctx context.Context,
	userID, text string,
	opts Options,
) (domain.ReasoningResult, error) {
	if opts.SkipCache || e.cache == nil {
		return e.next.ProcessNote(ctx, userID, text, opts)
	}

	contextPart := ""
	if opts.IncludeContext {
		contextPart = opts.Context
	}
	signature := cache.BuildSignature(promptVersion, userID, text, contextPart)

	if entry, ok := e.cache.Get(signature); ok {
		var result domain.ReasoningResult
		if err := json.Unmarshal(entry.Value, &result); err == nil {
			markCached(&result)
			return result, nil
		}
	}

	result, err := e.next.ProcessNote(ctx, userID, text, opts)
	if err != nil {
		return domain.ReasoningResult{}, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		slog.WarnContext(ctx, "skipping result cache", "error", err)
		return result, nil
	}
	modelID := ""
	if result.Meta != nil {
		modelID = result.Meta.Model
	}
	e.cache.Set(signature, cache.Entry{Value: encoded, ModelID: modelID})
	return result, nil
}

func markCached(result *domain.ReasoningResult) {
	if result.Meta == nil {
		result.Meta = &domain.ReasoningMeta{Confidence: 0.5}
	}
	cached := true
	result.Meta.Cached = &cached
	result.Meta.LatencyMS = nil
}
