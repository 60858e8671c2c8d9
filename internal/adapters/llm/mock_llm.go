package llm

import (
	"context"
	"strings"

	"github.com/PabloGalante/callcore/internal/domain"
)

// MockLLM picks the scenario whose keywords and description share the most
// words with the utterance. It is what local mode runs instead of Vertex.
type MockLLM struct{}

func NewMockLLM() *MockLLM {
	return &MockLLM{}
}

func (m *MockLLM) Complete(ctx context.Context, utterance string, gctx domain.GenerativeContext) (domain.GenerativeResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.GenerativeResult{}, err
	}

	said := words(utterance)
	if len(said) == 0 {
		return domain.GenerativeResult{Intent: domain.IntentUnknown}, nil
	}

	var (
		best      domain.Scenario
		bestScore float64
	)
	for _, s := range gctx.Scenarios {
		vocab := words(strings.Join(append([]string{s.Description}, s.Keywords...), " "))
		if len(vocab) == 0 {
			continue
		}
		hits := 0
		for w := range said {
			if vocab[w] {
				hits++
			}
		}
		score := float64(hits) / float64(len(said))
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	if bestScore == 0 {
		return domain.GenerativeResult{Intent: domain.IntentUnknown}, nil
	}
	return domain.GenerativeResult{
		ScenarioID: best.ID,
		Intent:     best.Intent,
		Category:   best.Category,
		Confidence: bestScore,
	}, nil
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "my": true, "i": true,
	"to": true, "and": true, "it": true, "of": true, "you": true, "do": true,
}

func words(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if !stopWords[w] {
			out[w] = true
		}
	}
	return out
}
