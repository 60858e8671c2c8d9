package router_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/callcore/internal/adapters/storage/memory"
	"github.com/PabloGalante/callcore/internal/app/router"
	"github.com/PabloGalante/callcore/internal/app/tools"
	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
)

type fakeSearcher struct {
	calls  atomic.Int32
	cands  []domain.Candidate
	err    error
	delay  time.Duration
	ignore bool // keep sleeping after ctx is done
}

func (f *fakeSearcher) Search(ctx context.Context, _ domain.TenantID, _ string) ([]domain.Candidate, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		if f.ignore {
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return f.cands, f.err
}

type fakeGenerative struct {
	calls atomic.Int32
	res   domain.GenerativeResult
	err   error
}

func (f *fakeGenerative) Complete(context.Context, string, domain.GenerativeContext) (domain.GenerativeResult, error) {
	f.calls.Add(1)
	return f.res, f.err
}

func tenant() config.TenantConfig {
	cfg := config.DefaultTenantConfig("acme")
	cfg.Tiers.Generative = true
	cfg.Scenarios = []domain.Scenario{
		{ID: "ac-down", Intent: "ac_not_cooling", Category: "TROUBLESHOOT", Keywords: []string{"ac is down", "not cooling"}, Response: "Check the breaker."},
		{ID: "hours", Intent: "business_hours", Category: "INFO", Keywords: []string{"hours", "open"}, Response: "We're open 8 to 6."},
	}
	return cfg
}

func sc() domain.SessionContext {
	return domain.SessionContext{TenantID: "acme", CallID: "c1", CallerID: "+15550100", Turn: 1, Lane: domain.LaneDiscovery}
}

func statusOf(res domain.ClassificationResult, tier domain.Tier) domain.TierStatus {
	for _, a := range res.Attempts {
		if a.Tier == tier {
			return a.Status
		}
	}
	return ""
}

func TestRuleTierShortCircuitsLaterTiers(t *testing.T) {
	s := &fakeSearcher{}
	g := &fakeGenerative{}
	r := router.New(config.NewTenantRegistry(tenant()), router.WithSearcher(s), router.WithGenerative(g))

	res := r.Classify(context.Background(), "My AC is down!", sc())

	assert.Equal(t, domain.TierRule, res.Tier)
	assert.Equal(t, domain.ScenarioID("ac-down"), res.ScenarioID)
	assert.InDelta(t, 0.875, res.Confidence, 1e-9)
	assert.Equal(t, "Check the breaker.", res.Response)
	assert.Zero(t, s.calls.Load())
	assert.Zero(t, g.calls.Load())
	assert.Equal(t, domain.TierSkipped, statusOf(res, domain.TierSemantic))
	assert.Len(t, res.Attempts, 5)
}

func TestSemanticRunsOnlyWhenRuleTierFallsShort(t *testing.T) {
	s := &fakeSearcher{cands: []domain.Candidate{{ScenarioID: "ghost", Score: 0.99}, {ScenarioID: "ac-down", Score: 0.89}}}
	g := &fakeGenerative{}
	r := router.New(config.NewTenantRegistry(tenant()), router.WithSearcher(s), router.WithGenerative(g))

	// "open" is a one-word keyword: 0.5 is below the 0.8 rule threshold.
	res := r.Classify(context.Background(), "the unit won't blow cold, are you open", sc())

	assert.Equal(t, domain.TierBelowThreshold, statusOf(res, domain.TierRule))
	assert.Equal(t, domain.TierSemantic, res.Tier)
	assert.Equal(t, domain.ScenarioID("ac-down"), res.ScenarioID)
	assert.Equal(t, 0.89, res.Confidence)
	assert.Equal(t, int32(1), s.calls.Load())
	assert.Zero(t, g.calls.Load())
}

func TestProviderFailureFallsThrough(t *testing.T) {
	s := &fakeSearcher{err: errors.New("vector index unavailable")}
	g := &fakeGenerative{res: domain.GenerativeResult{ScenarioID: "hours", Confidence: 0.8}}
	r := router.New(config.NewTenantRegistry(tenant()), router.WithSearcher(s), router.WithGenerative(g))

	res := r.Classify(context.Background(), "when can someone come by", sc())

	assert.Equal(t, domain.TierFailed, statusOf(res, domain.TierSemantic))
	assert.Equal(t, domain.TierGenerative, res.Tier)
	assert.Equal(t, domain.ScenarioID("hours"), res.ScenarioID)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestGenerativeDisabledYieldsUnknown(t *testing.T) {
	cfg := tenant()
	cfg.Tiers.Generative = false
	g := &fakeGenerative{res: domain.GenerativeResult{ScenarioID: "hours", Confidence: 0.9}}
	r := router.New(config.NewTenantRegistry(cfg), router.WithSearcher(&fakeSearcher{}), router.WithGenerative(g))

	res := r.Classify(context.Background(), "something else entirely", sc())

	assert.True(t, res.Unknown)
	assert.Equal(t, domain.IntentUnknown, res.Intent)
	assert.Equal(t, domain.TierNone, res.Tier)
	assert.Equal(t, domain.TierSkipped, statusOf(res, domain.TierGenerative))
	assert.Zero(t, g.calls.Load())
}

func TestGenerativeProviderErrorNeverEscapes(t *testing.T) {
	g := &fakeGenerative{err: errors.New("quota exceeded")}
	r := router.New(config.NewTenantRegistry(tenant()), router.WithGenerative(g))

	res := r.Classify(context.Background(), "something else entirely", sc())
	assert.True(t, res.Unknown)
	assert.Equal(t, domain.TierFailed, statusOf(res, domain.TierGenerative))
}

func TestSlowProviderTimesOut(t *testing.T) {
	cfg := tenant()
	cfg.Tiers.Generative = false
	cfg.Budgets.SemanticTier = 20 * time.Millisecond
	s := &fakeSearcher{cands: []domain.Candidate{{ScenarioID: "ac-down", Score: 0.95}}, delay: 300 * time.Millisecond, ignore: true}
	r := router.New(config.NewTenantRegistry(cfg), router.WithSearcher(s))

	start := time.Now()
	res := r.Classify(context.Background(), "the unit won't blow cold", sc())

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, domain.TierTimedOut, statusOf(res, domain.TierSemantic))
	assert.True(t, res.Unknown)
}

func TestClassificationBudgetSkipsRemainingTiers(t *testing.T) {
	cfg := tenant()
	cfg.Budgets.Classification = 30 * time.Millisecond
	cfg.Budgets.SemanticTier = time.Second
	s := &fakeSearcher{delay: time.Second}
	g := &fakeGenerative{res: domain.GenerativeResult{ScenarioID: "hours", Confidence: 0.9}}
	r := router.New(config.NewTenantRegistry(cfg), router.WithSearcher(s), router.WithGenerative(g))

	res := r.Classify(context.Background(), "the unit won't blow cold", sc())

	assert.True(t, res.Unknown)
	assert.Contains(t, res.Reason, "budget")
	assert.Equal(t, domain.TierSkipped, statusOf(res, domain.TierGenerative))
	assert.Zero(t, g.calls.Load())
}

func TestCacheServesRepeatedUtterance(t *testing.T) {
	mem := memory.NewMemoryStore()
	r := router.New(config.NewTenantRegistry(tenant()), router.WithMemory(mem))

	first := r.Classify(context.Background(), "My AC is down!", sc())
	require.Equal(t, domain.TierRule, first.Tier)
	r.Wait()

	second := r.Classify(context.Background(), "my ac is down", sc())
	assert.Equal(t, domain.TierCache, second.Tier)
	assert.Equal(t, domain.ScenarioID("ac-down"), second.ScenarioID)
	assert.Equal(t, domain.TierSkipped, statusOf(second, domain.TierRule))
	r.Wait()

	entry, err := mem.CachedResponse(context.Background(), "acme", "my ac is down")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Hits)
}

func TestMemorySkipForKnownCaller(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, mem.IncrementCallerIntent(ctx, "acme", domain.CallerIntentHistory{
			CallerID: "+15550100", Intent: "ac_not_cooling", ScenarioID: "ac-down", Category: "TROUBLESHOOT",
		}))
	}
	cfg := tenant()
	cfg.Memory.CacheEnabled = false
	r := router.New(config.NewTenantRegistry(cfg), router.WithMemory(mem))

	res := r.Classify(ctx, "hi, it's me again", sc())
	assert.Equal(t, domain.TierMemory, res.Tier)
	assert.Equal(t, router.MemoryConfidence, res.Confidence)
	assert.Equal(t, domain.ScenarioID("ac-down"), res.ScenarioID)

	later := sc()
	later.Turn = 2
	res = r.Classify(ctx, "hi, it's me again", later)
	assert.Equal(t, domain.TierSkipped, statusOf(res, domain.TierMemory))
	assert.NotEqual(t, domain.TierMemory, res.Tier)
	r.Wait()
}

func TestMemorySkipYieldsToOtherScenarioKeywords(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, mem.IncrementCallerIntent(ctx, "acme", domain.CallerIntentHistory{
			CallerID: "+15550100", Intent: "ac_not_cooling", ScenarioID: "ac-down", Category: "TROUBLESHOOT",
		}))
	}
	cfg := tenant()
	cfg.Memory.CacheEnabled = false
	r := router.New(config.NewTenantRegistry(cfg), router.WithMemory(mem))

	res := r.Classify(ctx, "what are your hours, are you open today", sc())
	assert.Equal(t, domain.TierNoMatch, statusOf(res, domain.TierMemory))
	assert.NotEqual(t, domain.TierMemory, res.Tier)
	assert.NotEqual(t, domain.ScenarioID("ac-down"), res.ScenarioID)
	for _, a := range res.Attempts {
		if a.Tier == domain.TierMemory {
			assert.Equal(t, domain.ScenarioID("hours"), a.ScenarioID)
		}
	}
	r.Wait()
}

func TestMemorySkipRespectsResolutionRate(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemoryStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, mem.IncrementCallerIntent(ctx, "acme", domain.CallerIntentHistory{
			CallerID: "+15550100", Intent: "ac_not_cooling", ScenarioID: "ac-down", Category: "TROUBLESHOOT",
		}))
	}
	key := domain.ResolutionKey{Intent: "ac_not_cooling", Category: "TROUBLESHOOT", ScenarioID: "ac-down"}
	for i := 0; i < 5; i++ {
		require.NoError(t, mem.RecordResolution(ctx, "acme", key, i == 0))
	}
	r := router.New(config.NewTenantRegistry(tenant()), router.WithMemory(mem))

	res := r.Classify(ctx, "hi, it's me again", sc())
	assert.Equal(t, domain.TierBelowThreshold, statusOf(res, domain.TierMemory))
	assert.NotEqual(t, domain.TierMemory, res.Tier)
	r.Wait()
}

func TestGenerativeResolutionWritesSuggestion(t *testing.T) {
	store := memory.NewSuggestionStore()
	g := &fakeGenerative{res: domain.GenerativeResult{ScenarioID: "ac-down", Confidence: 0.7}}
	r := router.New(config.NewTenantRegistry(tenant()),
		router.WithGenerative(g),
		router.WithSuggestions(tools.NewKeywordSuggestionTool(store)))

	res := r.Classify(context.Background(), "air conditioner blowing warm", sc())
	require.Equal(t, domain.TierGenerative, res.Tier)
	r.Wait()

	got, err := store.ListSuggestions(context.Background(), "acme", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.ScenarioID("ac-down"), got[0].ScenarioID)
	assert.Contains(t, got[0].Phrases, "air conditioner")
}

func TestRecordOutcomeScoresServedScenarios(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewMemoryStore()
	r := router.New(config.NewTenantRegistry(tenant()), router.WithMemory(mem))

	served := []domain.ServedScenario{
		{ScenarioID: "ac-down", Intent: "ac_not_cooling", Category: "TROUBLESHOOT"},
		{ScenarioID: "ac-down", Intent: "ac_not_cooling", Category: "TROUBLESHOOT"},
	}
	r.RecordOutcome(ctx, "acme", served, domain.OutcomeResolved)
	r.Wait()

	path, err := mem.Resolution(ctx, "acme", domain.ResolutionKey{Intent: "ac_not_cooling", Category: "TROUBLESHOOT", ScenarioID: "ac-down"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), path.Attempts)
	assert.Equal(t, int64(1), path.Successes)
}

func TestClassifyIsDeterministicWithoutMemory(t *testing.T) {
	s := &fakeSearcher{cands: []domain.Candidate{{ScenarioID: "ac-down", Score: 0.72}}}
	r := router.New(config.NewTenantRegistry(tenant()), router.WithSearcher(s))

	a := r.Classify(context.Background(), "the unit won't blow cold", sc())
	b := r.Classify(context.Background(), "the unit won't blow cold", sc())
	assert.Equal(t, a.Tier, b.Tier)
	assert.Equal(t, a.ScenarioID, b.ScenarioID)
	assert.Equal(t, a.Confidence, b.Confidence)
	assert.Equal(t, a.Response, b.Response)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "this is mrs johnson 123 market st ac is down", router.Normalize("This is Mrs. Johnson, 123 Market St — AC is down"))
	assert.Equal(t, "dont", router.Normalize("  Don't!! "))
	assert.Equal(t, "", router.Normalize("?!"))
}
