package domain

import (
	"sort"
	"time"
)

// StageName identifies a turn stage. Configuration fields reference these
// names to declare which stage consumes them.
type StageName string

const (
	StageTurn    StageName = "turn"
	StageExtract StageName = "extract"
	StageTriage  StageName = "triage"
	StageDialog  StageName = "dialog"
	StageBooking StageName = "booking"
	StageClosing StageName = "closing"
	StageTrigger StageName = "triggers"
	StagePolicy  StageName = "policy"
	StageSession StageName = "session"

	StageRouterMemory     StageName = "router.memory"
	StageRouterCache      StageName = "router.cache"
	StageRouterRule       StageName = "router.rule"
	StageRouterSemantic   StageName = "router.semantic"
	StageRouterGenerative StageName = "router.generative"
	StageRouter           StageName = "router"

	StagePolicyEdgeCase  StageName = "policy.edge_case"
	StagePolicyTransfer  StageName = "policy.transfer"
	StagePolicyGuardrail StageName = "policy.guardrail"
	StagePolicyBehavior  StageName = "policy.behavior"
	StagePolicyAllowlist StageName = "policy.allowlist"
)

var knownStages = []StageName{
	StageTurn, StageExtract, StageTriage, StageDialog, StageBooking, StageClosing,
	StageTrigger, StagePolicy, StageSession,
	StageRouter, StageRouterMemory, StageRouterCache, StageRouterRule, StageRouterSemantic, StageRouterGenerative,
	StagePolicyEdgeCase, StagePolicyTransfer, StagePolicyGuardrail, StagePolicyBehavior, StagePolicyAllowlist,
}

// KnownStages returns every stage name in sorted order.
func KnownStages() []StageName {
	out := append([]StageName(nil), knownStages...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func IsKnownStage(s StageName) bool {
	for _, k := range knownStages {
		if k == s {
			return true
		}
	}
	return false
}

type DecisionOutcome string

const (
	DecisionMatched DecisionOutcome = "matched"
	DecisionNoMatch DecisionOutcome = "no_match"
	DecisionSkipped DecisionOutcome = "skipped"
	DecisionApplied DecisionOutcome = "applied"
	DecisionFailed  DecisionOutcome = "failed"
)

// StageDecision is the record every stage leaves behind, whether it ran or not.
type StageDecision struct {
	Stage     StageName       `json:"stage"`
	Attempted bool            `json:"attempted"`
	Outcome   DecisionOutcome `json:"outcome"`
	Reason    string          `json:"reason"`
	RuleIDs   []RuleID        `json:"rule_ids,omitempty"`
	Latency   time.Duration   `json:"latency_ns"`
}

func Skipped(stage StageName, reason string) StageDecision {
	return StageDecision{Stage: stage, Outcome: DecisionSkipped, Reason: reason}
}
