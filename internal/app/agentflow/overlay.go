package agentflow

import (
	"context"
	"fmt"

	"github.com/PabloGalante/callcore/internal/app/policy"
	"github.com/PabloGalante/callcore/internal/domain"
)

// FallbackPrompt is drafted when no stage answered the turn.
const FallbackPrompt = "Sorry, I didn't catch that. Could you say it again?"

// PolicyStage overlays the tenant's rules on whatever the earlier stages
// drafted. Its result is final.
type PolicyStage struct {
	engine *policy.Engine
}

func NewPolicyStage(engine *policy.Engine) *PolicyStage {
	return &PolicyStage{engine: engine}
}

func (s *PolicyStage) Name() domain.StageName { return domain.StagePolicy }

func (s *PolicyStage) Run(ctx context.Context, t *Turn) (domain.StageDecision, error) {
	if !t.drafted() {
		t.draft(domain.OwnerFallback, FallbackPrompt, domain.ActionContinue)
	}

	art := t.Artifact
	if art == nil {
		art = policy.DefaultArtifact()
	}
	tc := policy.TurnContext{
		TenantID: t.Session.TenantID,
		CallID:   t.Session.CallID,
		Lane:     t.Session.Lane,
		Flags:    t.Session.Flags,
	}

	var res policy.Result
	if s.engine != nil {
		res = s.engine.Apply(ctx, t.Draft, t.Utterance, tc, art, t.Config.Budgets.Policy)
	} else {
		res = policy.Apply(t.Draft, t.Utterance, tc, art)
	}
	t.Result = res
	t.Decisions = append(t.Decisions, res.Decisions...)

	if overridden(res) {
		t.Owner = domain.OwnerPolicy
	}
	if res.Action == domain.ActionTransfer {
		t.emit(EventTransfer)
	}

	d := domain.StageDecision{
		Stage:     domain.StagePolicy,
		Attempted: true,
		Outcome:   domain.DecisionNoMatch,
		Reason:    fmt.Sprintf("artifact v%d %s, no rules applied", res.Version, res.Checksum),
	}
	if len(res.AppliedRuleIDs) > 0 {
		d.Outcome = domain.DecisionApplied
		d.RuleIDs = res.AppliedRuleIDs
		d.Reason = fmt.Sprintf("artifact v%d %s, %d rules applied", res.Version, res.Checksum, len(res.AppliedRuleIDs))
	}
	return d, nil
}

// overridden reports whether an edge case or transfer rule replaced the
// draft outright.
func overridden(res policy.Result) bool {
	if res.ShortCircuit {
		return true
	}
	for _, d := range res.Decisions {
		if d.Stage == domain.StagePolicyTransfer && len(d.RuleIDs) > 0 {
			return true
		}
	}
	return false
}
