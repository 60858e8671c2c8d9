package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

const compileLockTTL = 30 * time.Second

// Compiler validates, builds and publishes rule sets, one compile per tenant
// at a time.
type Compiler struct {
	locker   Locker
	registry *Registry
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewCompiler(locker Locker, registry *Registry, metrics *observability.Metrics) *Compiler {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Compiler{
		locker:   locker,
		registry: registry,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Compile builds rs and publishes it as the tenant's active artifact. A
// version of zero means "next". A compile already running for the tenant
// makes this one fail with ErrCompileInProgress.
func (c *Compiler) Compile(ctx context.Context, rs domain.RuleSet) (art *Artifact, report Report, err error) {
	log := observability.LoggerFromContext(ctx).With("tenant_id", rs.TenantID)
	ctx, span := observability.StartSpan(ctx, "policy.compile")
	defer func() {
		observability.EndSpan(span, err)
		c.metrics.RecordPolicyCompile(compileStatus(err))
	}()

	if rs.TenantID == "" {
		return nil, Report{}, fmt.Errorf("%w: tenant_id is required", domain.ErrInvalidRuleSet)
	}

	unlock, ok, err := c.locker.TryLock(ctx, "policy-compile:"+string(rs.TenantID), compileLockTTL)
	if err != nil {
		return nil, Report{}, fmt.Errorf("acquire compile lock: %w", err)
	}
	if !ok {
		log.Warn("policy compile rejected, another compile holds the lock")
		return nil, Report{}, domain.ErrCompileInProgress
	}
	defer unlock()

	// The durable record, not this replica's cached pointer, says which
	// version is active.
	current, err := c.registry.Latest(ctx, rs.TenantID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, Report{}, fmt.Errorf("load active artifact: %w", err)
	}
	var activeVersion int64
	if current != nil {
		activeVersion = current.Version
	}
	switch {
	case rs.Version == 0:
		rs.Version = activeVersion + 1
	case rs.Version <= activeVersion:
		return nil, Report{}, fmt.Errorf("%w: active %d, got %d", domain.ErrStaleVersion, activeVersion, rs.Version)
	}

	art, report, err = Build(rs, c.now())
	if err != nil {
		return nil, Report{}, err
	}
	for _, cf := range report.Conflicts {
		log.Warn("policy compile conflict, demoted later rule",
			"kind", cf.Kind,
			"priority", cf.Priority,
			"kept", cf.Kept,
			"demoted", cf.Demoted,
			"patterns", cf.Patterns)
	}

	if err := c.registry.Publish(ctx, art); err != nil {
		return nil, Report{}, err
	}
	log.Info("policy artifact published",
		"version", art.Version,
		"checksum", art.Checksum,
		"rules", report.Rules,
		"conflicts", len(report.Conflicts))
	return art, report, nil
}

func compileStatus(err error) string {
	switch {
	case err == nil:
		return "published"
	case errors.Is(err, domain.ErrCompileInProgress):
		return "locked"
	case errors.Is(err, domain.ErrStaleVersion):
		return "stale"
	case errors.Is(err, domain.ErrInvalidRuleSet):
		return "invalid"
	default:
		return "error"
	}
}
