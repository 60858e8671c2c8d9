package agentflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/PabloGalante/callcore/internal/app/router"
	"github.com/PabloGalante/callcore/internal/domain"
)

var (
	frustrationPhrases = []string{
		"ridiculous", "frustrated", "frustrating", "annoying", "annoyed", "waste of time",
		"already told you", "for the last time", "unbelievable", "come on", "fed up", "this is taking forever",
	}
	distrustPhrases = []string{
		"are you a robot", "are you real", "is this a bot", "is this a robot", "scam",
		"dont trust", "real person", "how do i know", "is this legit",
	}
	refusalPhrases = []string{
		"rather not", "prefer not", "not telling", "none of your business",
		"dont want to give", "wont give", "not giving", "no thanks",
	}
	affirmativePhrases = []string{
		"yes", "yeah", "yep", "yup", "correct", "thats right", "right", "sure", "absolutely",
		"exactly", "uh huh", "sounds good", "go ahead", "ok", "okay", "affirmative",
	}
	negativePhrases = []string{
		"no", "nope", "nah", "not right", "not correct", "thats not", "wrong", "incorrect",
	}
)

// containsPhrase matches whole words of an already normalized text.
func containsPhrase(norm string, phrases []string) bool {
	padded := " " + norm + " "
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

func isAffirmative(utterance string) bool {
	norm := router.Normalize(utterance)
	return containsPhrase(norm, affirmativePhrases) && !containsPhrase(norm, negativePhrases)
}

func isNegative(utterance string) bool {
	return containsPhrase(router.Normalize(utterance), negativePhrases)
}

func isRefusal(utterance string) bool {
	return containsPhrase(router.Normalize(utterance), refusalPhrases)
}

// DetectFlags returns the behavior flags an utterance raises. previous is
// the normalized utterance of the last turn.
func DetectFlags(utterance, previous string) []domain.BehaviorFlag {
	norm := router.Normalize(utterance)
	var flags []domain.BehaviorFlag
	if containsPhrase(norm, frustrationPhrases) {
		flags = append(flags, domain.FlagFrustration)
	}
	if containsPhrase(norm, distrustPhrases) {
		flags = append(flags, domain.FlagDistrust)
	}
	if containsPhrase(norm, refusalPhrases) {
		flags = append(flags, domain.FlagRefusal)
	}
	if norm != "" && norm == previous {
		flags = append(flags, domain.FlagRepeat)
	}
	return flags
}

// TriggerStage turns caller signals into behavior flags for the overlay.
type TriggerStage struct{}

func NewTriggerStage() *TriggerStage { return &TriggerStage{} }

func (s *TriggerStage) Name() domain.StageName { return domain.StageTrigger }

func (s *TriggerStage) Run(_ context.Context, t *Turn) (domain.StageDecision, error) {
	flags := DetectFlags(t.Utterance, t.Session.LastUtterance)
	t.Session.Flags = flags
	t.Session.LastUtterance = router.Normalize(t.Utterance)

	if len(flags) == 0 {
		return domain.StageDecision{
			Stage:     domain.StageTrigger,
			Attempted: true,
			Outcome:   domain.DecisionNoMatch,
			Reason:    "no behavior signals",
		}, nil
	}
	return domain.StageDecision{
		Stage:     domain.StageTrigger,
		Attempted: true,
		Outcome:   domain.DecisionMatched,
		Reason:    fmt.Sprintf("flags: %v", flags),
	}, nil
}
