package ai

import (
	"strings"
	"unicode/utf8"
)

type NoteSize string

const (
	NoteShort NoteSize = "short"
	NoteLong  NoteSize = "long"

	longNoteRunes = 600
)

type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
}

type ModelRouterConfig struct {
	ShortPrimary  string
	ShortFallback string

	LongPrimary  string
	LongFallback string
}

// ModelRouter picks models by note size. Long notes go to a stronger model
// with a larger output budget.
type ModelRouter struct {
	config ModelRouterConfig
}

func NewModelRouter(config ModelRouterConfig) *ModelRouter {
	if strings.TrimSpace(config.ShortPrimary) == "" {
		config.ShortPrimary = "gpt-4.1-mini"
	}
	if strings.TrimSpace(config.ShortFallback) == "" {
		config.ShortFallback = "gpt-4.1-nano"
	}
	if strings.TrimSpace(config.LongPrimary) == "" {
		config.LongPrimary = "gpt-4.1"
	}
	if strings.TrimSpace(config.LongFallback) == "" {
		config.LongFallback = config.ShortPrimary
	}

	return &ModelRouter{config: config}
}

func ClassifyNote(text string) NoteSize {
	if utf8.RuneCountInString(strings.TrimSpace(text)) >= longNoteRunes {
		return NoteLong
	}
	return NoteShort
}

func (r *ModelRouter) Select(size NoteSize) ModelProfile {
	switch size {
	case NoteLong:
		return ModelProfile{
			PrimaryModel:    r.config.LongPrimary,
			FallbackModel:   r.config.LongFallback,
			Temperature:     0.2,
			MaxOutputTokens: 900,
		}
	default:
		return ModelProfile{
			PrimaryModel:    r.config.ShortPrimary,
			FallbackModel:   r.config.ShortFallback,
			Temperature:     0.3,
			MaxOutputTokens: 500,
		}
	}
}
