package domain

import "strings"

// ReasoningResult is what a reasoning engine hands back for one note.
// Answer stays untyped because engines decode loosely shaped model output.
type ReasoningResult struct {
	Answer any             `json:"answer"`
	Task   *ReasoningTask  `json:"task,omitempty"`
	Tasks  []ReasoningTask `json:"tasks,omitempty"`
	Meta   *ReasoningMeta  `json:"meta,omitempty"`
}

type ReasoningTask struct {
	Task       string   `json:"task"`
	TimingHint string   `json:"timing_hint,omitempty"`
	DueDate    string   `json:"due_date,omitempty"`
	Details    string   `json:"details,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type ReasoningMeta struct {
	Confidence float64     `json:"confidence"`
	LatencyMS  *float64    `json:"latency_ms,omitempty"`
	Model      string      `json:"model,omitempty"`
	Cached     *bool       `json:"cached,omitempty"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// AnswerText returns the answer when it is a non-blank string.
func (r ReasoningResult) AnswerText() (string, bool) {
	text, ok := r.Answer.(string)
	if !ok || strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}
