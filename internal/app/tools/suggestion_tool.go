package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/PabloGalante/callcore/internal/domain"
)

const maxPhrases = 5

// KeywordSuggestionTool records keyword phrases that would have let the rule
// tier catch an utterance a slower tier had to resolve. Suggestions only go
// to review; nothing on the turn path reads them.
type KeywordSuggestionTool struct {
	store domain.SuggestionStore
	now   func() time.Time
}

func NewKeywordSuggestionTool(store domain.SuggestionStore) *KeywordSuggestionTool {
	return &KeywordSuggestionTool{
		store: store,
		now:   time.Now,
	}
}

func (t *KeywordSuggestionTool) Name() string {
	return "keyword_suggestion"
}

// Call expects:
//
//	{
//	  "scenario_id": "ac-down",
//	  "utterance":   "my air conditioner stopped blowing cold air",
//	  "source":      "generative",
//	  "confidence":  0.82,
//	  "existing":    []string{"ac is down", "not cooling"}
//	}
//
// TenantID comes from ToolContext.
func (t *KeywordSuggestionTool) Call(
	ctx context.Context,
	tctx ToolContext,
	input map[string]any,
) (map[string]any, error) {
	if tctx.TenantID == "" {
		return nil, fmt.Errorf("keyword_suggestion: missing TenantID in ToolContext")
	}
	scenario := getString(input, "scenario_id")
	utterance := getString(input, "utterance")
	if scenario == "" || utterance == "" {
		return nil, fmt.Errorf("keyword_suggestion: scenario_id and utterance are required")
	}

	phrases := CandidatePhrases(utterance, getStrings(input, "existing"))
	if len(phrases) == 0 {
		return map[string]any{"status": "skipped", "reason": "no candidate phrases"}, nil
	}

	s := &domain.Suggestion{
		ID:         domain.SuggestionID(uuid.NewString()),
		TenantID:   domain.TenantID(tctx.TenantID),
		Kind:       domain.SuggestionKeyword,
		Status:     domain.SuggestionPending,
		ScenarioID: domain.ScenarioID(scenario),
		Phrases:    phrases,
		Utterance:  utterance,
		Source:     domain.Tier(getString(input, "source")),
		Confidence: getFloat(input, "confidence"),
		CreatedAt:  t.now().UTC(),
	}
	if err := t.store.AppendSuggestion(ctx, s); err != nil {
		return nil, fmt.Errorf("keyword_suggestion: append failed: %w", err)
	}

	return map[string]any{
		"status":        "ok",
		"suggestion_id": string(s.ID),
		"phrases":       phrases,
	}, nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "but": true,
	"can": true, "could": true, "do": true, "does": true, "for": true, "from": true, "have": true,
	"hello": true, "hi": true, "i": true, "im": true, "in": true, "is": true, "it": true, "its": true,
	"just": true, "me": true, "my": true, "of": true, "on": true, "or": true, "our": true, "please": true,
	"so": true, "that": true, "the": true, "there": true, "this": true, "to": true, "uh": true, "um": true,
	"was": true, "we": true, "with": true, "you": true, "your": true, "would": true, "like": true,
}

// CandidatePhrases turns an utterance into up to five two-word phrases of
// content words, skipping phrases the scenario already has.
func CandidatePhrases(utterance string, existing []string) []string {
	have := make(map[string]bool, len(existing))
	for _, e := range existing {
		have[strings.ToLower(strings.TrimSpace(e))] = true
	}

	words := strings.FieldsFunc(strings.ToLower(utterance), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var content []string
	for _, w := range words {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		content = append(content, w)
	}

	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p == "" || seen[p] || have[p] || len(out) >= maxPhrases {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(content) == 1 {
		add(content[0])
	}
	for i := 0; i+1 < len(content); i++ {
		add(content[i] + " " + content[i+1])
	}
	return out
}

// --- internal helpers --- //

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case fmt.Stringer:
			return s.String()
		}
	}
	return ""
}

func getStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func getFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
