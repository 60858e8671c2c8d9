package domain

import (
	"context"
	"time"
)

type SuggestionKind string

const (
	SuggestionKeyword SuggestionKind = "keyword"
)

type SuggestionStatus string

const (
	SuggestionPending SuggestionStatus = "pending"
)

// Suggestion is a candidate rule/keyword change for human review. The hot
// path only ever appends these.
type Suggestion struct {
	ID         SuggestionID     `json:"id"`
	TenantID   TenantID         `json:"tenant_id"`
	Kind       SuggestionKind   `json:"kind"`
	Status     SuggestionStatus `json:"status"`
	ScenarioID ScenarioID       `json:"scenario_id"`
	Phrases    []string         `json:"phrases"`
	Utterance  string           `json:"utterance"`
	Source     Tier             `json:"source"`
	Confidence float64          `json:"confidence"`
	CreatedAt  time.Time        `json:"created_at"`
}

// SuggestionStore persists candidate suggestions.
type SuggestionStore interface {
	AppendSuggestion(ctx context.Context, s *Suggestion) error
	ListSuggestions(ctx context.Context, tenant TenantID, limit int) ([]*Suggestion, error)
}
