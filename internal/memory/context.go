package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mira/mira-back/internal/domain"
)

const (
	DefaultContextTokens = 600

	maxMetadataLength = 160
)

// FormatContext renders ranked facts as a prompt block. Facts are deduped by
// name and added in relevance order until maxTokens would be exceeded.
func FormatContext(facts []domain.ScoredFact, maxTokens int) string {
	if len(facts) == 0 {
		return ""
	}
	if maxTokens <= 0 {
		maxTokens = DefaultContextTokens
	}

	ordered := dedupeFacts(facts)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Relevance > ordered[j].Relevance
	})

	lines := make([]string, 0, len(ordered))
	totalTokens := 0
	for _, fact := range ordered {
		line := describeFact(fact)
		tokens := estimateTokens(line)
		if tokens <= 0 || totalTokens+tokens > maxTokens {
			continue
		}
		lines = append(lines, line)
		totalTokens += tokens
	}
	if len(lines) == 0 {
		return ""
	}

	builder := strings.Builder{}
	builder.WriteString("What you know about this user:\n")
	for index, line := range lines {
		builder.WriteString(fmt.Sprintf("[%d] %s\n", index+1, line))
	}
	return strings.TrimSpace(builder.String())
}

func describeFact(fact domain.ScoredFact) string {
	line := strings.Join(strings.Fields(fact.Name), " ")
	if fact.Type != "" {
		line += " (" + fact.Type + ")"
	}
	if details := summarizeMetadata(fact.Metadata); details != "" {
		line += ": " + details
	}
	return line
}

// summarizeMetadata flattens the string values of a metadata object.
func summarizeMetadata(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return ""
	}

	keys := make([]string, 0, len(decoded))
	for key := range decoded {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value, ok := decoded[key].(string)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		parts = append(parts, key+"="+strings.TrimSpace(value))
	}
	return domain.Truncate(strings.Join(parts, ", "), maxMetadataLength)
}

func dedupeFacts(facts []domain.ScoredFact) []domain.ScoredFact {
	seen := make(map[string]int, len(facts))
	result := make([]domain.ScoredFact, 0, len(facts))
	for _, fact := range facts {
		key := strings.ToLower(strings.Join(strings.Fields(fact.Name), " "))
		if index, exists := seen[key]; exists {
			if fact.Relevance > result[index].Relevance {
				result[index] = fact
			}
			continue
		}
		seen[key] = len(result)
		result = append(result, fact)
	}
	return result
}

func estimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	count := len([]rune(trimmed)) / 4
	if count < 1 {
		count = 1
	}
	return count
}
