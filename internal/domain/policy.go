package domain

// RuleKind names the four rule categories in precedence order.
type RuleKind string

const (
	KindEdgeCase  RuleKind = "edge_case"
	KindTransfer  RuleKind = "transfer"
	KindGuardrail RuleKind = "guardrail"
	KindBehavior  RuleKind = "behavior"
)

// RuleKinds returns the categories in the order they are applied.
func RuleKinds() []RuleKind {
	return []RuleKind{KindEdgeCase, KindTransfer, KindGuardrail, KindBehavior}
}

// RuleMeta is shared by every rule category.
//
// Patterns are literal phrases matched case-insensitively on word
// boundaries, or regular expressions when written as /expr/.
type RuleMeta struct {
	ID       RuleID
	Priority int
	Enabled  bool
	Patterns []string
}

// Rule is the closed set of operator-authored rules. Only the four types in
// this file implement it.
type Rule interface {
	Meta() RuleMeta
	Kind() RuleKind
	isRule()
}

// EdgeCaseRule replaces the whole turn and stops later categories.
type EdgeCaseRule struct {
	RuleMeta
	Response       string
	Action         Action
	TransferTarget string
}

// TransferRule forces a handoff. Action defaults to TRANSFER.
type TransferRule struct {
	RuleMeta
	Target   string
	Response string
	Action   Action
}

// GuardrailRule substitutes disallowed content in the outgoing response.
type GuardrailRule struct {
	RuleMeta
	Replacement string
}

// BehaviorRule adjusts tone. It fires on behavior flags or utterance patterns.
type BehaviorRule struct {
	RuleMeta
	Flags  []BehaviorFlag
	Prefix string
	Suffix string
}

func (r EdgeCaseRule) Meta() RuleMeta  { return r.RuleMeta }
func (r TransferRule) Meta() RuleMeta  { return r.RuleMeta }
func (r GuardrailRule) Meta() RuleMeta { return r.RuleMeta }
func (r BehaviorRule) Meta() RuleMeta  { return r.RuleMeta }

func (EdgeCaseRule) Kind() RuleKind  { return KindEdgeCase }
func (TransferRule) Kind() RuleKind  { return KindTransfer }
func (GuardrailRule) Kind() RuleKind { return KindGuardrail }
func (BehaviorRule) Kind() RuleKind  { return KindBehavior }

func (EdgeCaseRule) isRule()  {}
func (TransferRule) isRule()  {}
func (GuardrailRule) isRule() {}
func (BehaviorRule) isRule()  {}

// RuleSet is the operator-authored source of a policy artifact.
type RuleSet struct {
	TenantID        TenantID
	Version         int64
	Variables       map[string]string
	AllowedActions  []Action
	TransferTargets map[string]string
	SafeMessage     string
	Rules           []Rule
}
