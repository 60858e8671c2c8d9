package domain

import "time"

// CallerIntentHistory counts successful classifications per caller and intent.
type CallerIntentHistory struct {
	TenantID   TenantID   `json:"tenant_id"`
	CallerID   CallerID   `json:"caller_id"`
	Intent     string     `json:"intent"`
	ScenarioID ScenarioID `json:"scenario_id"`
	Category   string     `json:"category"`
	Successes  int64      `json:"successes"`
	LastSeen   time.Time  `json:"last_seen"`
}

type ResolutionKey struct {
	Intent     string     `json:"intent"`
	Category   string     `json:"category"`
	ScenarioID ScenarioID `json:"scenario_id"`
}

// ResolutionPath scores how often a scenario actually resolved calls.
type ResolutionPath struct {
	ResolutionKey
	Attempts  int64     `json:"attempts"`
	Successes int64     `json:"successes"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p ResolutionPath) SuccessRate() float64 {
	if p.Attempts <= 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Attempts)
}

// CachedResponse maps a normalized utterance to a previous answer.
type CachedResponse struct {
	Normalized     string     `json:"normalized"`
	ScenarioID     ScenarioID `json:"scenario_id,omitempty"`
	Intent         string     `json:"intent"`
	Category       string     `json:"category,omitempty"`
	Response       string     `json:"response"`
	Action         Action     `json:"action,omitempty"`
	TransferTarget string     `json:"transfer_target,omitempty"`
	Confidence     float64    `json:"confidence"`
	Hits           int64      `json:"hits"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
