package router

import (
	"math"
	"strings"

	"github.com/PabloGalante/callcore/internal/domain"
)

// ruleMatch is the best keyword hit of the rule tier.
type ruleMatch struct {
	scenario   domain.Scenario
	confidence float64
	keywords   []string
}

// scoreKeywords scores every scenario by the words of its keyword phrases
// found in text: confidence = 1 - 0.5^w. A one-word hit is 0.5, three words
// reach 0.875. Ties keep catalog order.
func scoreKeywords(text string, scenarios []domain.Scenario) (ruleMatch, bool) {
	padded := " " + text + " "
	var best ruleMatch
	found := false
	for _, s := range scenarios {
		words := 0
		var hits []string
		for _, kw := range s.Keywords {
			nk := Normalize(kw)
			if nk == "" {
				continue
			}
			if strings.Contains(padded, " "+nk+" ") {
				words += len(strings.Fields(nk))
				hits = append(hits, kw)
			}
		}
		if words == 0 {
			continue
		}
		conf := 1 - math.Pow(0.5, float64(words))
		if !found || conf > best.confidence {
			best = ruleMatch{scenario: s, confidence: conf, keywords: hits}
			found = true
		}
	}
	return best, found
}
