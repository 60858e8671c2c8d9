package policy

import (
	"fmt"
	"strings"

	"github.com/PabloGalante/callcore/internal/domain"
)

const defaultTransferMessage = "One moment, I'm transferring you now."

// Draft is what the conversation stages propose before the overlay.
type Draft struct {
	Response       string
	Action         domain.Action
	TransferTarget string
}

// TurnContext is the call state rules may look at.
type TurnContext struct {
	TenantID domain.TenantID
	CallID   domain.CallID
	Lane     domain.Lane
	Flags    []domain.BehaviorFlag
}

func (tc TurnContext) hasFlag(f domain.BehaviorFlag) bool {
	for _, have := range tc.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// Rejection is an action a stage proposed that the allowlist refused.
type Rejection struct {
	Stage  domain.StageName `json:"stage"`
	RuleID domain.RuleID    `json:"rule_id,omitempty"`
	Action domain.Action    `json:"action"`
}

// Result is the overlay outcome.
type Result struct {
	Response       string                 `json:"response"`
	Action         domain.Action          `json:"action"`
	TransferTarget string                 `json:"transfer_target,omitempty"`
	AppliedRuleIDs []domain.RuleID        `json:"applied_rule_ids"`
	ShortCircuit   bool                   `json:"short_circuit"`
	Rejected       []Rejection            `json:"rejected,omitempty"`
	Decisions      []domain.StageDecision `json:"decisions"`
	Version        int64                  `json:"version"`
	Checksum       string                 `json:"checksum"`
}

// Apply overlays the artifact on a draft. Categories run in fixed order:
// edge case, transfer, guardrail, behavior; then every final action passes
// the allowlist. Apply is pure and safe for concurrent use.
func Apply(draft Draft, utterance string, tc TurnContext, art *Artifact) Result {
	res := Result{
		Response:       draft.Response,
		Action:         draft.Action,
		TransferTarget: art.resolveTarget(draft.TransferTarget),
		AppliedRuleIDs: []domain.RuleID{},
		Version:        art.Version,
		Checksum:       art.Checksum,
	}
	if !res.Action.Valid() {
		res.Action = domain.ActionContinue
	}

	if d := applyEdgeCases(&res, utterance, art); res.ShortCircuit {
		res.Decisions = append(res.Decisions, d)
		reason := fmt.Sprintf("short-circuited by edge case %s", res.AppliedRuleIDs[0])
		res.Decisions = append(res.Decisions,
			domain.Skipped(domain.StagePolicyTransfer, reason),
			domain.Skipped(domain.StagePolicyGuardrail, reason),
			domain.Skipped(domain.StagePolicyBehavior, reason),
		)
	} else {
		res.Decisions = append(res.Decisions,
			d,
			applyTransfers(&res, utterance, art),
			applyGuardrails(&res, art),
			applyBehaviors(&res, utterance, tc, art),
		)
	}
	res.Decisions = append(res.Decisions, applyAllowlist(&res, art))
	return res
}

func applyEdgeCases(res *Result, utterance string, art *Artifact) domain.StageDecision {
	d := domain.StageDecision{Stage: domain.StagePolicyEdgeCase, Attempted: true}
	if len(art.edgeCases) == 0 {
		return domain.Skipped(domain.StagePolicyEdgeCase, "no edge case rules")
	}
	for _, cr := range art.edgeCases {
		p, ok := matchAny(cr.patterns, utterance)
		if !ok {
			continue
		}
		r := cr.rule.(domain.EdgeCaseRule)
		if r.Response != "" {
			res.Response = r.Response
		}
		res.Action = r.Action
		res.TransferTarget = ""
		if r.Action == domain.ActionTransfer {
			res.TransferTarget = art.resolveTarget(r.TransferTarget)
		}
		res.ShortCircuit = true
		res.AppliedRuleIDs = append(res.AppliedRuleIDs, cr.meta.ID)

		d.Outcome = domain.DecisionMatched
		d.RuleIDs = []domain.RuleID{cr.meta.ID}
		d.Reason = fmt.Sprintf("pattern %q matched", p.source)
		return d
	}
	d.Outcome = domain.DecisionNoMatch
	d.Reason = fmt.Sprintf("%d edge case rules, none matched", len(art.edgeCases))
	return d
}

func applyTransfers(res *Result, utterance string, art *Artifact) domain.StageDecision {
	d := domain.StageDecision{Stage: domain.StagePolicyTransfer, Attempted: true}
	if len(art.transfers) == 0 {
		return domain.Skipped(domain.StagePolicyTransfer, "no transfer rules")
	}
	for _, cr := range art.transfers {
		p, ok := matchAny(cr.patterns, utterance)
		if !ok {
			continue
		}
		r := cr.rule.(domain.TransferRule)
		d.RuleIDs = []domain.RuleID{cr.meta.ID}

		if !art.Allows(r.Action) {
			res.Rejected = append(res.Rejected, Rejection{Stage: domain.StagePolicyTransfer, RuleID: cr.meta.ID, Action: r.Action})
			res.Response = art.safeMessage
			res.Action = domain.ActionContinue
			res.TransferTarget = ""
			d.Outcome = domain.DecisionFailed
			d.Reason = fmt.Sprintf("action %s proposed by %s is not on the allowlist", r.Action, cr.meta.ID)
			return d
		}

		res.Action = r.Action
		res.TransferTarget = ""
		if r.Action == domain.ActionTransfer {
			res.TransferTarget = art.resolveTarget(r.Target)
		}
		res.Response = r.Response
		if res.Response == "" {
			res.Response = defaultTransferMessage
		}
		res.AppliedRuleIDs = append(res.AppliedRuleIDs, cr.meta.ID)
		d.Outcome = domain.DecisionMatched
		d.Reason = fmt.Sprintf("pattern %q matched", p.source)
		return d
	}
	d.Outcome = domain.DecisionNoMatch
	d.Reason = fmt.Sprintf("%d transfer rules, none matched", len(art.transfers))
	return d
}

func applyGuardrails(res *Result, art *Artifact) domain.StageDecision {
	d := domain.StageDecision{Stage: domain.StagePolicyGuardrail, Attempted: true}
	if len(art.guardrails) == 0 {
		return domain.Skipped(domain.StagePolicyGuardrail, "no guardrail rules")
	}

	text := res.Response
	for _, cr := range art.guardrails {
		r := cr.rule.(domain.GuardrailRule)
		hit := false
		for _, p := range cr.patterns {
			text = p.re.ReplaceAllStringFunc(text, func(m string) string {
				if art.approved(m) {
					return m
				}
				hit = true
				return r.Replacement
			})
		}
		if hit {
			res.AppliedRuleIDs = append(res.AppliedRuleIDs, cr.meta.ID)
			d.RuleIDs = append(d.RuleIDs, cr.meta.ID)
		}
	}
	if len(d.RuleIDs) == 0 {
		d.Outcome = domain.DecisionNoMatch
		d.Reason = "response has no disallowed content"
		return d
	}
	res.Response = tidy(text)
	d.Outcome = domain.DecisionApplied
	d.Reason = fmt.Sprintf("%d guardrails substituted content", len(d.RuleIDs))
	return d
}

// approved reports whether a guardrail match is one of the configured
// variable values. Phone-like values compare by digits only.
func (a *Artifact) approved(match string) bool {
	m := strings.TrimSpace(match)
	md := digitsOnly(m)
	for _, v := range a.variables {
		if strings.EqualFold(strings.TrimSpace(v), m) {
			return true
		}
		if len(md) >= 7 && digitsOnly(v) == md {
			return true
		}
	}
	return false
}

func applyBehaviors(res *Result, utterance string, tc TurnContext, art *Artifact) domain.StageDecision {
	d := domain.StageDecision{Stage: domain.StagePolicyBehavior, Attempted: true}
	if len(art.behaviors) == 0 {
		return domain.Skipped(domain.StagePolicyBehavior, "no behavior rules")
	}
	for _, cr := range art.behaviors {
		r := cr.rule.(domain.BehaviorRule)
		reason := ""
		for _, f := range r.Flags {
			if tc.hasFlag(f) {
				reason = fmt.Sprintf("flag %s set", f)
				break
			}
		}
		if reason == "" {
			if p, ok := matchAny(cr.patterns, utterance); ok {
				reason = fmt.Sprintf("pattern %q matched", p.source)
			}
		}
		if reason == "" {
			continue
		}
		res.Response = tidy(strings.Join([]string{r.Prefix, res.Response, r.Suffix}, " "))
		res.AppliedRuleIDs = append(res.AppliedRuleIDs, cr.meta.ID)
		d.Outcome = domain.DecisionApplied
		d.RuleIDs = []domain.RuleID{cr.meta.ID}
		d.Reason = reason
		return d
	}
	d.Outcome = domain.DecisionNoMatch
	d.Reason = fmt.Sprintf("%d behavior rules, none matched", len(art.behaviors))
	return d
}

// applyAllowlist is the last gate: whatever produced the action, only
// allowlisted actions leave the overlay.
func applyAllowlist(res *Result, art *Artifact) domain.StageDecision {
	d := domain.StageDecision{Stage: domain.StagePolicyAllowlist, Attempted: true}
	if art.Allows(res.Action) {
		d.Outcome = domain.DecisionNoMatch
		d.Reason = fmt.Sprintf("action %s allowed", res.Action)
		return d
	}
	res.Rejected = append(res.Rejected, Rejection{Stage: domain.StagePolicyAllowlist, Action: res.Action})
	d.Outcome = domain.DecisionApplied
	d.Reason = fmt.Sprintf("action %s is not on the allowlist; downgraded to %s", res.Action, domain.ActionContinue)
	res.Response = art.safeMessage
	res.Action = domain.ActionContinue
	res.TransferTarget = ""
	return d
}

func tidy(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
