package ai

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/mira/mira-back/internal/domain"
)

const heuristicModel = "heuristic-v1"

var (
	taskPrefixes = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:remind me to|remember to|don'?t forget to|i need to|need to|i have to|have to|i should|todo:?|to-do:?)\s+`)
	timingWords  = regexp.MustCompile(`(?i)\b(today|tonight|tomorrow(?: morning| afternoon| evening| night)?|this (?:morning|afternoon|evening|weekend|week)|next (?:week|month|monday|tuesday|wednesday|thursday|friday|saturday|sunday)|on (?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)|in \d+ (?:minutes?|hours?|days?|weeks?))\b`)
)

// HeuristicEngine extracts tasks with phrase rules. It needs no provider and
// keeps the pipeline usable when no LLM key is configured.
type HeuristicEngine struct{}

func NewHeuristicEngine() *HeuristicEngine {
	return &HeuristicEngine{}
}

func (HeuristicEngine) ProcessNote(
	ctx context.Context,
	_ string,
	text string,
	_ Options,
) (domain.ReasoningResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReasoningResult{}, err
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return domain.ReasoningResult{}, errors.New("note text is required")
	}

	start := time.Now()
	result := domain.ReasoningResult{Answer: "Noted."}
	confidence := 0.4

	if loc := taskPrefixes.FindStringIndex(trimmed); loc != nil {
		body := trimmed[loc[1]:]
		timing := strings.ToLower(timingWords.FindString(body))
		if timing != "" {
			body = timingWords.ReplaceAllString(body, "")
		}
		name := capitalize(strings.Trim(strings.Join(strings.Fields(body), " "), " .,;:!"))
		if name != "" {
			taskConfidence := 0.6
			result.Task = &domain.ReasoningTask{
				Task:       name,
				TimingHint: timing,
				Confidence: &taskConfidence,
			}
			result.Answer = "Added to your tasks: " + name + "."
			confidence = 0.6
		}
	}

	latency := float64(time.Since(start).Milliseconds())
	cached := false
	result.Meta = &domain.ReasoningMeta{
		Confidence: confidence,
		LatencyMS:  &latency,
		Model:      heuristicModel,
		Cached:     &cached,
	}
	return result, nil
}

func capitalize(value string) string {
	for index, r := range value {
		return string(unicode.ToUpper(r)) + value[index+len(string(r)):]
	}
	return value
}
