package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/PabloGalante/callcore/internal/app/tools"
	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

// callTier runs fn in its own goroutine under an optional timeout and
// returns as soon as ctx is done, even if fn ignores cancellation. A panic in
// fn becomes an error.
func callTier[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				var zero T
				done <- outcome{zero, fmt.Errorf("provider panicked: %v", p)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		if o.err == nil && ctx.Err() != nil {
			// Finished, but too late to count.
			var zero T
			return zero, ctx.Err()
		}
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// rankCandidates sorts by score, highest first, keeping provider order on ties.
func rankCandidates(in []domain.Candidate) []domain.Candidate {
	out := append([]domain.Candidate(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// afterClassify schedules the memory side effects of a classification.
func (r *Router) afterClassify(ctx context.Context, in *input, res domain.ClassificationResult) {
	if res.Unknown {
		return
	}
	tenant := in.sc.TenantID
	now := r.now().UTC()

	if r.memory != nil && in.sc.CallerID != "" && res.Intent != "" && in.cfg.Memory.Enabled {
		rec := domain.CallerIntentHistory{
			TenantID:   tenant,
			CallerID:   in.sc.CallerID,
			Intent:     res.Intent,
			ScenarioID: res.ScenarioID,
			Category:   res.Category,
			Successes:  1,
			LastSeen:   now,
		}
		r.rec.Go(ctx, "caller_intent", func(ctx context.Context) error {
			return r.memory.IncrementCallerIntent(ctx, tenant, rec)
		})
	}

	// Memory hits are per caller, not per wording, so they are not cached.
	if r.memory != nil && res.Tier != domain.TierMemory && in.cfg.Memory.CacheEnabled && in.normalized != "" && res.Response != "" {
		entry := domain.CachedResponse{
			Normalized:     in.normalized,
			ScenarioID:     res.ScenarioID,
			Intent:         res.Intent,
			Category:       res.Category,
			Response:       res.Response,
			Action:         res.Action,
			TransferTarget: res.TransferTarget,
			Confidence:     res.Confidence,
			Hits:           1,
			UpdatedAt:      now,
		}
		r.rec.Go(ctx, "response_cache", func(ctx context.Context) error {
			return r.memory.PutCachedResponse(ctx, tenant, entry)
		})
	}

	if res.Tier == domain.TierGenerative && res.ScenarioID != "" && r.suggest != nil {
		var existing []string
		if s, ok := in.cfg.Scenario(res.ScenarioID); ok {
			existing = s.Keywords
		}
		tctx := tools.ToolContext{TenantID: string(tenant), CallID: string(in.sc.CallID)}
		args := map[string]any{
			"scenario_id": string(res.ScenarioID),
			"utterance":   in.utterance,
			"source":      string(res.Tier),
			"confidence":  res.Confidence,
			"existing":    existing,
		}
		r.rec.Go(ctx, "suggestion", func(ctx context.Context) error {
			_, err := r.suggest.Call(ctx, tctx, args)
			return err
		})
	}
}

// RecordOutcome scores the resolution paths of the scenarios served during a
// call once its outcome is known. It runs in the background.
func (r *Router) RecordOutcome(ctx context.Context, tenant domain.TenantID, served []domain.ServedScenario, outcome domain.CallOutcome) {
	if r.memory == nil || len(served) == 0 {
		return
	}
	success := outcome.Successful()
	seen := make(map[domain.ResolutionKey]bool, len(served))
	for _, s := range served {
		key := domain.ResolutionKey{Intent: s.Intent, Category: s.Category, ScenarioID: s.ScenarioID}
		if seen[key] {
			continue
		}
		seen[key] = true
		r.rec.Go(ctx, "resolution_path", func(ctx context.Context) error {
			return r.memory.RecordResolution(ctx, tenant, key, success)
		})
	}
	observability.LoggerFromContext(ctx).Debug("resolution paths scheduled",
		"scenarios", len(seen),
		"outcome", outcome)
}
