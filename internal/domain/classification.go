package domain

import "time"

// Tier is one classification strategy, cheapest first.
type Tier string

const (
	TierMemory     Tier = "memory"
	TierCache      Tier = "cache"
	TierRule       Tier = "rule"
	TierSemantic   Tier = "semantic"
	TierGenerative Tier = "generative"
	TierNone       Tier = "none"
)

// TierStatus is what happened when a tier was considered.
type TierStatus string

const (
	TierAccepted       TierStatus = "accepted"
	TierBelowThreshold TierStatus = "below_threshold"
	TierNoMatch        TierStatus = "no_match"
	TierSkipped        TierStatus = "skipped"
	TierFailed         TierStatus = "failed"
	TierTimedOut       TierStatus = "timed_out"
)

type TierOutcome struct {
	Tier       Tier          `json:"tier"`
	Status     TierStatus    `json:"status"`
	Confidence float64       `json:"confidence,omitempty"`
	ScenarioID ScenarioID    `json:"scenario_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Latency    time.Duration `json:"latency_ns"`
}

// ClassificationResult is produced once per utterance.
type ClassificationResult struct {
	Tier           Tier          `json:"tier"`
	ScenarioID     ScenarioID    `json:"scenario_id,omitempty"`
	Intent         string        `json:"intent"`
	Category       string        `json:"category,omitempty"`
	Confidence     float64       `json:"confidence"`
	Response       string        `json:"response,omitempty"`
	Action         Action        `json:"action,omitempty"`
	TransferTarget string        `json:"transfer_target,omitempty"`
	Unknown        bool          `json:"unknown"`
	Reason         string        `json:"reason,omitempty"`
	Latency        time.Duration `json:"latency_ns"`
	Attempts       []TierOutcome `json:"attempts"`
}

const IntentUnknown = "unknown"

// UnknownResult is the explicit "unknown, escalate" answer of the last tier.
func UnknownResult(reason string) ClassificationResult {
	return ClassificationResult{
		Tier:    TierNone,
		Intent:  IntentUnknown,
		Unknown: true,
		Reason:  reason,
	}
}

// SessionContext is the slice of call state the router needs.
type SessionContext struct {
	TenantID TenantID
	CallID   CallID
	CallerID CallerID
	Turn     int
	Lane     Lane
}

// Scenario is a pre-authored answer that can satisfy a turn.
type Scenario struct {
	ID             ScenarioID `yaml:"id" json:"id" stage:"router.rule,router.semantic,router.generative,router.memory,router.cache"`
	Intent         string     `yaml:"intent" json:"intent" stage:"router.memory,router.rule"`
	Category       string     `yaml:"category" json:"category" stage:"triage"`
	Keywords       []string   `yaml:"keywords" json:"keywords" stage:"router.rule"`
	Description    string     `yaml:"description" json:"description,omitempty" stage:"router.semantic,router.generative"`
	Response       string     `yaml:"response" json:"response" stage:"triage"`
	Action         Action     `yaml:"action" json:"action,omitempty" stage:"triage"`
	TransferTarget string     `yaml:"transfer_target" json:"transfer_target,omitempty" stage:"triage"`
}

// Candidate is one ranked hit from semantic search.
type Candidate struct {
	ScenarioID ScenarioID `json:"scenario_id"`
	Score      float64    `json:"score"`
}

// GenerativeContext is what the generative provider is allowed to see.
type GenerativeContext struct {
	TenantID  TenantID
	CallID    CallID
	Lane      Lane
	Scenarios []Scenario
}

// GenerativeResult is either free text or a structured intent.
type GenerativeResult struct {
	Text       string     `json:"response"`
	Intent     string     `json:"intent"`
	Category   string     `json:"category"`
	ScenarioID ScenarioID `json:"scenario_id"`
	Confidence float64    `json:"confidence"`
}
