package policy

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

// DefaultBudget is the apply budget when the tenant sets none.
const DefaultBudget = 10 * time.Millisecond

// Engine is Apply with logging, metrics and the latency budget around it.
type Engine struct {
	registry *Registry
	metrics  *observability.Metrics
}

func NewEngine(registry *Registry, metrics *observability.Metrics) *Engine {
	return &Engine{registry: registry, metrics: metrics}
}

// Artifact resolves the tenant's artifact, falling back to the safe default.
func (e *Engine) Artifact(ctx context.Context, tenant domain.TenantID) (*Artifact, bool) {
	if e.registry == nil {
		return DefaultArtifact(), true
	}
	return e.registry.Resolve(ctx, tenant)
}

// Apply runs the overlay. Going over budget is logged and counted; the
// result is returned either way.
func (e *Engine) Apply(ctx context.Context, draft Draft, utterance string, tc TurnContext, art *Artifact, budget time.Duration) Result {
	if art == nil {
		art = DefaultArtifact()
	}
	if budget <= 0 {
		budget = DefaultBudget
	}

	_, span := observability.StartSpan(ctx, "policy.apply",
		attribute.String("tenant_id", string(tc.TenantID)),
		attribute.Int64("policy.version", art.Version))
	start := time.Now()
	res := Apply(draft, utterance, tc, art)
	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.String("policy.action", string(res.Action)),
		attribute.Int("policy.applied_rules", len(res.AppliedRuleIDs)))
	observability.EndSpan(span, nil)

	log := observability.LoggerFromContext(ctx)
	for _, rej := range res.Rejected {
		e.metrics.RecordPolicyRejection(string(rej.Action))
		log.Warn("policy rejected action",
			"error", domain.ErrUnauthorizedAction,
			"stage", rej.Stage,
			"rule_id", rej.RuleID,
			"action", rej.Action,
			"policy_version", art.Version)
	}
	if elapsed > budget {
		e.metrics.RecordBudgetExceeded(string(domain.StagePolicy))
		log.Warn("policy apply over budget",
			"elapsed_us", elapsed.Microseconds(),
			"budget_us", budget.Microseconds())
	}
	log.Debug("policy applied",
		"action", res.Action,
		"applied_rules", res.AppliedRuleIDs,
		"short_circuit", res.ShortCircuit)
	return res
}
