package domain

import (
	"encoding/json"
	"time"
)

// MemoryFact is a long-term fact extracted from a user's earlier notes.
// The pipeline reads facts and bumps LastAccessed; nothing else.
type MemoryFact struct {
	ID                   string
	UserID               string
	Name                 string
	Type                 string
	Metadata             json.RawMessage
	ExtractionConfidence float64
	LastAccessed         *time.Time
	CreatedAt            time.Time
}

type ScoredFact struct {
	MemoryFact
	KeywordMatches int
	RecencyBoost   float64
	Relevance      float64
}
