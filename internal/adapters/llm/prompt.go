package llm

import (
	"fmt"
	"strings"

	"github.com/PabloGalante/callcore/internal/domain"
)

const baseSystemPrompt = `
You classify one utterance from a caller on a phone line answered by a small business.

Rules:
- Pick the catalog scenario that answers the caller, if one does. Copy its id exactly.
- If none fits, give a short spoken reply (one or two sentences) and a snake_case intent.
- If you cannot tell what the caller wants, use the intent "unknown" and an empty response.
- Confidence is your probability that the choice is right, between 0 and 1.
- Never promise prices, appointments or callbacks.

Answer with a single JSON object and nothing else:
{"scenario_id": "...", "intent": "...", "category": "...", "response": "...", "confidence": 0.0}
`

// Prompt is the system instruction plus the user content sent to the model.
type Prompt struct {
	System string
	User   string
}

// BuildPrompt renders the scenario catalog and the utterance. Scenario
// responses stay out of the prompt; the router maps ids back to them.
func BuildPrompt(utterance string, gctx domain.GenerativeContext) Prompt {
	var b strings.Builder
	if len(gctx.Scenarios) > 0 {
		b.WriteString("Catalog:\n")
		for _, s := range gctx.Scenarios {
			fmt.Fprintf(&b, "- id=%s intent=%s category=%s", s.ID, s.Intent, s.Category)
			if s.Description != "" {
				fmt.Fprintf(&b, " about=%q", s.Description)
			}
			if len(s.Keywords) > 0 {
				fmt.Fprintf(&b, " e.g. %q", strings.Join(s.Keywords, "; "))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if gctx.Lane != "" {
		fmt.Fprintf(&b, "Call stage: %s\n", strings.ToLower(string(gctx.Lane)))
	}
	b.WriteString("Caller said:\n")
	b.WriteString(utterance)

	return Prompt{
		System: strings.TrimSpace(baseSystemPrompt),
		User:   b.String(),
	}
}
