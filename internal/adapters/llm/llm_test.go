package llm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/callcore/internal/adapters/llm"
	"github.com/PabloGalante/callcore/internal/domain"
)

var catalog = []domain.Scenario{
	{ID: "ac-down", Intent: "ac_repair", Category: "TROUBLESHOOT", Keywords: []string{"ac broken", "air conditioner not cooling"}},
	{ID: "hours", Intent: "business_hours", Category: "INFO", Keywords: []string{"when are you open", "opening hours"}},
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name string
		text string
		want domain.GenerativeResult
		err  bool
	}{
		{
			name: "plain json",
			text: `{"scenario_id":"hours","intent":"business_hours","confidence":0.82}`,
			want: domain.GenerativeResult{ScenarioID: "hours", Intent: "business_hours", Confidence: 0.82},
		},
		{
			name: "fenced",
			text: "```json\n{\"intent\":\"pricing\",\"response\":\"Let me check.\",\"confidence\":1.4}\n```",
			want: domain.GenerativeResult{Intent: "pricing", Text: "Let me check.", Confidence: 1},
		},
		{name: "empty", text: "  ", err: true},
		{name: "prose", text: "I think the caller wants hours", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := llm.ParseResult(tt.text)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildPromptListsCatalog(t *testing.T) {
	p := llm.BuildPrompt("my AC is broken", domain.GenerativeContext{Scenarios: catalog, Lane: domain.LaneDiscovery})

	assert.Contains(t, p.System, "single JSON object")
	assert.Contains(t, p.User, "id=ac-down intent=ac_repair")
	assert.Contains(t, p.User, "id=hours")
	assert.Contains(t, p.User, "Caller said:\nmy AC is broken")
}

func TestMockPicksOverlappingScenario(t *testing.T) {
	m := llm.NewMockLLM()
	gctx := domain.GenerativeContext{Scenarios: catalog}

	got, err := m.Complete(context.Background(), "what are your opening hours", gctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ScenarioID("hours"), got.ScenarioID)
	assert.Greater(t, got.Confidence, 0.0)

	got, err = m.Complete(context.Background(), "zebra", gctx)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentUnknown, got.Intent)
	assert.Empty(t, got.ScenarioID)
}

func TestMockHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := llm.NewMockLLM().Complete(ctx, "hours", domain.GenerativeContext{Scenarios: catalog})
	assert.ErrorIs(t, err, context.Canceled)
}
