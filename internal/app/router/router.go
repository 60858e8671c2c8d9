package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/PabloGalante/callcore/internal/app/tools"
	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

// MemoryConfidence is reported when a caller's known intent is reused.
const MemoryConfidence = 0.95

// Router classifies utterances by trying tiers from cheapest to most
// expensive and stopping at the first one that clears its threshold.
type Router struct {
	tenants    config.TenantSource
	memory     domain.MemoryStore
	searcher   domain.SemanticSearcher
	generative domain.GenerativeProvider
	suggest    tools.Tool
	metrics    *observability.Metrics
	rec        *recorder
	now        func() time.Time
}

type Option func(*Router)

func WithMemory(m domain.MemoryStore) Option {
	return func(r *Router) { r.memory = m }
}

func WithSearcher(s domain.SemanticSearcher) Option {
	return func(r *Router) { r.searcher = s }
}

func WithGenerative(g domain.GenerativeProvider) Option {
	return func(r *Router) { r.generative = g }
}

func WithSuggestions(t tools.Tool) Option {
	return func(r *Router) { r.suggest = t }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func New(tenants config.TenantSource, opts ...Option) *Router {
	r := &Router{
		tenants: tenants,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.rec = newRecorder(r.metrics)
	return r
}

// tierFunc runs one tier. A nil result means the tier did not accept.
type tierFunc func(ctx context.Context, in *input) (*domain.ClassificationResult, domain.TierOutcome)

type input struct {
	utterance  string
	normalized string
	sc         domain.SessionContext
	cfg        config.TenantConfig
}

// Classify never fails: provider errors, timeouts and misses all fall
// through, and the last resort is an explicit unknown result.
func (r *Router) Classify(ctx context.Context, utterance string, sc domain.SessionContext) domain.ClassificationResult {
	start := time.Now()
	cfg := r.tenants.Tenant(sc.TenantID)
	log := observability.LoggerFromContext(ctx)

	ctx, span := observability.StartSpan(ctx, "router.classify",
		attribute.String("tenant_id", string(sc.TenantID)),
		attribute.Int("turn", sc.Turn))

	budget := cfg.Budgets.Classification
	if budget <= 0 {
		budget = config.DefaultTenantConfig(sc.TenantID).Budgets.Classification
	}
	tctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	in := &input{utterance: utterance, normalized: Normalize(utterance), sc: sc, cfg: cfg}
	tiers := []struct {
		tier domain.Tier
		run  tierFunc
	}{
		{domain.TierMemory, r.memoryTier},
		{domain.TierCache, r.cacheTier},
		{domain.TierRule, r.ruleTier},
		{domain.TierSemantic, r.semanticTier},
		{domain.TierGenerative, r.generativeTier},
	}

	var (
		result   *domain.ClassificationResult
		attempts []domain.TierOutcome
	)
	for _, t := range tiers {
		if result != nil {
			attempts = append(attempts, skipped(t.tier, "an earlier tier accepted"))
			continue
		}
		if tctx.Err() != nil {
			attempts = append(attempts, skipped(t.tier, "classification budget exhausted"))
			continue
		}

		tierStart := time.Now()
		res, out := t.run(tctx, in)
		out.Tier = t.tier
		out.Latency = time.Since(tierStart)
		attempts = append(attempts, out)
		r.metrics.RecordTier(string(t.tier), string(out.Status), out.Latency)

		switch out.Status {
		case domain.TierFailed:
			log.Warn("classification tier failed", "tier", t.tier, "error", out.Reason)
		case domain.TierTimedOut:
			r.metrics.RecordBudgetExceeded("router." + string(t.tier))
			log.Warn("classification tier timed out", "tier", t.tier, "latency_ms", out.Latency.Milliseconds())
		}
		if out.Status == domain.TierAccepted {
			result = res
		}
	}

	final := domain.UnknownResult("no tier cleared its threshold; escalate")
	if tctx.Err() != nil && result == nil {
		final.Reason = "classification budget exhausted; escalate"
		r.metrics.RecordBudgetExceeded(string(domain.StageRouter))
		log.Warn("classification over budget", "budget_ms", budget.Milliseconds())
	}
	if result != nil {
		final = *result
	}
	final.Attempts = attempts
	final.Latency = time.Since(start)

	span.SetAttributes(
		attribute.String("router.tier", string(final.Tier)),
		attribute.Float64("router.confidence", final.Confidence))
	observability.EndSpan(span, nil)

	log.Info("utterance classified",
		"tier", final.Tier,
		"scenario_id", final.ScenarioID,
		"confidence", final.Confidence,
		"unknown", final.Unknown,
		"latency_ms", final.Latency.Milliseconds())

	r.afterClassify(ctx, in, final)
	return final
}

// Wait blocks until background memory updates finish.
func (r *Router) Wait() {
	r.rec.Wait()
}

func skipped(t domain.Tier, reason string) domain.TierOutcome {
	return domain.TierOutcome{Tier: t, Status: domain.TierSkipped, Reason: reason}
}

func (r *Router) memoryTier(ctx context.Context, in *input) (*domain.ClassificationResult, domain.TierOutcome) {
	mc := in.cfg.Memory
	switch {
	case !mc.Enabled:
		return nil, skipped(domain.TierMemory, "memory disabled for tenant")
	case r.memory == nil:
		return nil, skipped(domain.TierMemory, "no memory store configured")
	case in.sc.CallerID == "":
		return nil, skipped(domain.TierMemory, "caller unknown")
	case in.sc.Turn > 1:
		return nil, skipped(domain.TierMemory, "memory skip only applies to the first turn")
	}

	hist, err := callTier(ctx, 0, func(ctx context.Context) ([]domain.CallerIntentHistory, error) {
		return r.memory.CallerIntents(ctx, in.sc.TenantID, in.sc.CallerID)
	})
	if err != nil {
		return nil, failure(domain.TierMemory, err)
	}

	var best *domain.CallerIntentHistory
	for i := range hist {
		h := &hist[i]
		if h.Successes < mc.MinCallerSuccesses {
			continue
		}
		if _, ok := in.cfg.Scenario(h.ScenarioID); !ok {
			continue
		}
		if best == nil || h.Successes > best.Successes {
			best = h
		}
	}
	if best == nil {
		return nil, domain.TierOutcome{Status: domain.TierNoMatch,
			Reason: fmt.Sprintf("no intent with %d or more successes for caller", mc.MinCallerSuccesses)}
	}

	s, _ := in.cfg.Scenario(best.ScenarioID)
	// A caller who names a different problem is not routed by habit.
	if m, ok := scoreKeywords(in.normalized, in.cfg.Scenarios); ok && m.scenario.ID != s.ID {
		return nil, domain.TierOutcome{Status: domain.TierNoMatch, ScenarioID: m.scenario.ID,
			Reason: fmt.Sprintf("utterance matches %q keywords, not remembered %q", m.scenario.ID, s.ID)}
	}
	key := domain.ResolutionKey{Intent: best.Intent, Category: best.Category, ScenarioID: best.ScenarioID}
	path, err := callTier(ctx, 0, func(ctx context.Context) (domain.ResolutionPath, error) {
		return r.memory.Resolution(ctx, in.sc.TenantID, key)
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, failure(domain.TierMemory, err)
	}
	if err == nil && path.Attempts >= mc.MinResolutionSamples && path.SuccessRate() < mc.MinResolutionRate {
		return nil, domain.TierOutcome{Status: domain.TierBelowThreshold, ScenarioID: s.ID, Confidence: path.SuccessRate(),
			Reason: fmt.Sprintf("resolution rate %.2f below %.2f", path.SuccessRate(), mc.MinResolutionRate)}
	}

	res := fromScenario(domain.TierMemory, s, MemoryConfidence)
	res.Reason = fmt.Sprintf("caller resolved %q %d times before", best.Intent, best.Successes)
	return &res, accepted(res)
}

func (r *Router) cacheTier(ctx context.Context, in *input) (*domain.ClassificationResult, domain.TierOutcome) {
	switch {
	case !in.cfg.Memory.CacheEnabled:
		return nil, skipped(domain.TierCache, "response cache disabled for tenant")
	case r.memory == nil:
		return nil, skipped(domain.TierCache, "no memory store configured")
	case in.normalized == "":
		return nil, domain.TierOutcome{Status: domain.TierNoMatch, Reason: "empty utterance"}
	}

	entry, err := callTier(ctx, 0, func(ctx context.Context) (domain.CachedResponse, error) {
		return r.memory.CachedResponse(ctx, in.sc.TenantID, in.normalized)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.TierOutcome{Status: domain.TierNoMatch, Reason: "utterance not cached"}
	}
	if err != nil {
		return nil, failure(domain.TierCache, err)
	}

	var res domain.ClassificationResult
	if entry.ScenarioID != "" {
		s, ok := in.cfg.Scenario(entry.ScenarioID)
		if !ok {
			return nil, domain.TierOutcome{Status: domain.TierNoMatch, ScenarioID: entry.ScenarioID,
				Reason: "cached scenario no longer in catalog"}
		}
		res = fromScenario(domain.TierCache, s, entry.Confidence)
	} else {
		res = domain.ClassificationResult{
			Tier:           domain.TierCache,
			Intent:         entry.Intent,
			Category:       entry.Category,
			Confidence:     entry.Confidence,
			Response:       entry.Response,
			Action:         entry.Action,
			TransferTarget: entry.TransferTarget,
		}
	}
	res.Reason = fmt.Sprintf("answered %d times before", entry.Hits)
	return &res, accepted(res)
}

func (r *Router) ruleTier(ctx context.Context, in *input) (*domain.ClassificationResult, domain.TierOutcome) {
	if !in.cfg.Tiers.Rule {
		return nil, skipped(domain.TierRule, "rule tier disabled for tenant")
	}
	if len(in.cfg.Scenarios) == 0 {
		return nil, skipped(domain.TierRule, "no scenarios configured")
	}

	m, err := callTier(ctx, in.cfg.Budgets.RuleTier, func(context.Context) (*ruleMatch, error) {
		if m, ok := scoreKeywords(in.normalized, in.cfg.Scenarios); ok {
			return &m, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, failure(domain.TierRule, err)
	}
	if m == nil {
		return nil, domain.TierOutcome{Status: domain.TierNoMatch, Reason: "no scenario keywords matched"}
	}
	if m.confidence < in.cfg.Thresholds.Rule {
		return nil, domain.TierOutcome{Status: domain.TierBelowThreshold, ScenarioID: m.scenario.ID, Confidence: m.confidence,
			Reason: fmt.Sprintf("confidence %.2f below %.2f", m.confidence, in.cfg.Thresholds.Rule)}
	}
	res := fromScenario(domain.TierRule, m.scenario, m.confidence)
	res.Reason = fmt.Sprintf("keywords %q matched", m.keywords)
	return &res, accepted(res)
}

func (r *Router) semanticTier(ctx context.Context, in *input) (*domain.ClassificationResult, domain.TierOutcome) {
	switch {
	case !in.cfg.Tiers.Semantic:
		return nil, skipped(domain.TierSemantic, "semantic tier disabled for tenant")
	case r.searcher == nil:
		return nil, skipped(domain.TierSemantic, "no semantic search provider configured")
	case in.normalized == "":
		return nil, domain.TierOutcome{Status: domain.TierNoMatch, Reason: "empty utterance"}
	}

	cands, err := callTier(ctx, in.cfg.Budgets.SemanticTier, func(ctx context.Context) ([]domain.Candidate, error) {
		return r.searcher.Search(ctx, in.sc.TenantID, in.utterance)
	})
	if err != nil {
		return nil, failure(domain.TierSemantic, err)
	}

	for _, c := range rankCandidates(cands) {
		s, ok := in.cfg.Scenario(c.ScenarioID)
		if !ok {
			continue
		}
		if c.Score < in.cfg.Thresholds.Semantic {
			return nil, domain.TierOutcome{Status: domain.TierBelowThreshold, ScenarioID: s.ID, Confidence: c.Score,
				Reason: fmt.Sprintf("similarity %.2f below %.2f", c.Score, in.cfg.Thresholds.Semantic)}
		}
		res := fromScenario(domain.TierSemantic, s, c.Score)
		res.Reason = fmt.Sprintf("similarity %.2f", c.Score)
		return &res, accepted(res)
	}
	return nil, domain.TierOutcome{Status: domain.TierNoMatch, Reason: "no candidate maps to a catalog scenario"}
}

func (r *Router) generativeTier(ctx context.Context, in *input) (*domain.ClassificationResult, domain.TierOutcome) {
	switch {
	case !in.cfg.Tiers.Generative:
		return nil, skipped(domain.TierGenerative, "generative tier disabled for tenant")
	case r.generative == nil:
		return nil, skipped(domain.TierGenerative, "no generative provider configured")
	case in.normalized == "":
		return nil, domain.TierOutcome{Status: domain.TierNoMatch, Reason: "empty utterance"}
	}

	gctx := domain.GenerativeContext{
		TenantID:  in.sc.TenantID,
		CallID:    in.sc.CallID,
		Lane:      in.sc.Lane,
		Scenarios: in.cfg.Scenarios,
	}
	g, err := callTier(ctx, in.cfg.Budgets.GenerativeTier, func(ctx context.Context) (domain.GenerativeResult, error) {
		return r.generative.Complete(ctx, in.utterance, gctx)
	})
	if err != nil {
		return nil, failure(domain.TierGenerative, err)
	}

	threshold := in.cfg.Thresholds.Generative
	if g.ScenarioID != "" {
		if s, ok := in.cfg.Scenario(g.ScenarioID); ok {
			if g.Confidence < threshold {
				return nil, domain.TierOutcome{Status: domain.TierBelowThreshold, ScenarioID: s.ID, Confidence: g.Confidence,
					Reason: fmt.Sprintf("confidence %.2f below %.2f", g.Confidence, threshold)}
			}
			res := fromScenario(domain.TierGenerative, s, g.Confidence)
			res.Reason = "model selected a catalog scenario"
			return &res, accepted(res)
		}
	}
	if g.Text == "" || g.Intent == "" || g.Intent == domain.IntentUnknown {
		return nil, domain.TierOutcome{Status: domain.TierNoMatch, Confidence: g.Confidence, Reason: "model returned no usable intent"}
	}
	if g.Confidence < threshold {
		return nil, domain.TierOutcome{Status: domain.TierBelowThreshold, Confidence: g.Confidence,
			Reason: fmt.Sprintf("confidence %.2f below %.2f", g.Confidence, threshold)}
	}
	res := domain.ClassificationResult{
		Tier:       domain.TierGenerative,
		Intent:     g.Intent,
		Category:   g.Category,
		Confidence: g.Confidence,
		Response:   g.Text,
		Action:     domain.ActionContinue,
		Reason:     "model answered with free text",
	}
	return &res, accepted(res)
}

func fromScenario(t domain.Tier, s domain.Scenario, conf float64) domain.ClassificationResult {
	action := s.Action
	if action == "" {
		action = domain.ActionContinue
	}
	return domain.ClassificationResult{
		Tier:           t,
		ScenarioID:     s.ID,
		Intent:         s.Intent,
		Category:       s.Category,
		Confidence:     conf,
		Response:       s.Response,
		Action:         action,
		TransferTarget: s.TransferTarget,
	}
}

func accepted(res domain.ClassificationResult) domain.TierOutcome {
	return domain.TierOutcome{
		Status:     domain.TierAccepted,
		Confidence: res.Confidence,
		ScenarioID: res.ScenarioID,
		Reason:     res.Reason,
	}
}

func failure(t domain.Tier, err error) domain.TierOutcome {
	status := domain.TierFailed
	if errors.Is(err, context.DeadlineExceeded) {
		status = domain.TierTimedOut
	}
	return domain.TierOutcome{Tier: t, Status: status, Reason: fmt.Errorf("%w: %s: %w", domain.ErrTierFailure, t, err).Error()}
}
