package tools_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/callcore/internal/app/tools"
	"github.com/PabloGalante/callcore/internal/domain"
)

type recordingStore struct {
	got []*domain.Suggestion
	err error
}

func (s *recordingStore) AppendSuggestion(_ context.Context, sg *domain.Suggestion) error {
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, sg)
	return nil
}

func (s *recordingStore) ListSuggestions(context.Context, domain.TenantID, int) ([]*domain.Suggestion, error) {
	return s.got, nil
}

func TestCandidatePhrases(t *testing.T) {
	got := tools.CandidatePhrases("Hi, my air conditioner stopped blowing cold air!", []string{"cold air"})
	assert.Equal(t, []string{"air conditioner", "conditioner stopped", "stopped blowing", "blowing cold"}, got)

	assert.Equal(t, []string{"furnace"}, tools.CandidatePhrases("the furnace", nil))
	assert.Empty(t, tools.CandidatePhrases("um hi", nil))
}

func TestKeywordSuggestionToolAppends(t *testing.T) {
	store := &recordingStore{}
	tool := tools.NewKeywordSuggestionTool(store)

	out, err := tool.Call(context.Background(), tools.ToolContext{TenantID: "acme", CallID: "c1"}, map[string]any{
		"scenario_id": "ac-down",
		"utterance":   "air conditioner quit",
		"source":      "generative",
		"confidence":  0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out["status"])

	require.Len(t, store.got, 1)
	s := store.got[0]
	assert.Equal(t, domain.TenantID("acme"), s.TenantID)
	assert.Equal(t, domain.ScenarioID("ac-down"), s.ScenarioID)
	assert.Equal(t, domain.SuggestionPending, s.Status)
	assert.Equal(t, domain.TierGenerative, s.Source)
	assert.Equal(t, []string{"air conditioner", "conditioner quit"}, s.Phrases)
	assert.NotEmpty(t, s.ID)
}

func TestKeywordSuggestionToolValidation(t *testing.T) {
	store := &recordingStore{err: errors.New("down")}
	tool := tools.NewKeywordSuggestionTool(store)

	_, err := tool.Call(context.Background(), tools.ToolContext{}, map[string]any{"scenario_id": "x", "utterance": "y"})
	assert.Error(t, err)

	_, err = tool.Call(context.Background(), tools.ToolContext{TenantID: "acme"}, map[string]any{"utterance": "y"})
	assert.Error(t, err)

	_, err = tool.Call(context.Background(), tools.ToolContext{TenantID: "acme"}, map[string]any{"scenario_id": "x", "utterance": "broken furnace"})
	assert.Error(t, err)
}
