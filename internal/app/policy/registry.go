package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

// ActiveKey is the durable document holding a tenant's published rule set.
const ActiveKey = "policy/active"

// DefaultRefreshInterval bounds how long a replica serves an artifact
// before checking the durable record for a newer version.
const DefaultRefreshInterval = 5 * time.Second

// record is the persisted form of a published artifact.
type record struct {
	Version    int64     `json:"version"`
	Checksum   string    `json:"checksum"`
	CompiledAt time.Time `json:"compiled_at"`
	RuleSet    Document  `json:"rule_set"`
}

type tenantSlot struct {
	art     atomic.Pointer[Artifact]
	checked atomic.Int64 // unix nanos of the last durable read
}

// Registry holds the active artifact per tenant. Reads are lock-free loads
// of an atomic pointer; publishing swaps the pointer. The durable record is
// the source of truth shared by replicas, and each replica revalidates
// against it every refresh interval.
type Registry struct {
	durable domain.DurableStore
	metrics *observability.Metrics
	now     func() time.Time
	refresh time.Duration

	mu      sync.Mutex
	slots   map[domain.TenantID]*tenantSlot
	misses  map[domain.TenantID]time.Time
	loading singleflight.Group
}

type RegistryOption func(*Registry)

// WithRefreshInterval sets how often Resolve rereads the durable record.
// Zero rereads it on every call.
func WithRefreshInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d >= 0 {
			r.refresh = d
		}
	}
}

func NewRegistry(durable domain.DurableStore, metrics *observability.Metrics, opts ...RegistryOption) *Registry {
	r := &Registry{
		durable: durable,
		metrics: metrics,
		now:     time.Now,
		refresh: DefaultRefreshInterval,
		slots:   make(map[domain.TenantID]*tenantSlot),
		misses:  make(map[domain.TenantID]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) slot(tenant domain.TenantID) *tenantSlot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[tenant]
	if !ok {
		s = &tenantSlot{}
		r.slots[tenant] = s
	}
	return s
}

// Active returns the in-memory artifact without touching storage.
func (r *Registry) Active(tenant domain.TenantID) (*Artifact, bool) {
	art := r.slot(tenant).art.Load()
	return art, art != nil
}

// Resolve returns the tenant's artifact, loading it on a cold cache and
// revalidating it once the refresh interval has passed. It never fails:
// anything short of a verified artifact resolves to the safe default,
// reported by fromDefault.
func (r *Registry) Resolve(ctx context.Context, tenant domain.TenantID) (art *Artifact, fromDefault bool) {
	log := observability.LoggerFromContext(ctx)

	s := r.slot(tenant)
	if a := s.art.Load(); a != nil {
		if r.durable == nil || r.now().Sub(time.Unix(0, s.checked.Load())) < r.refresh {
			return a, false
		}
		latest, err := r.Latest(ctx, tenant)
		if err != nil {
			// Keep serving what we have; the next interval tries again.
			log.Warn("policy revalidation failed, serving cached artifact",
				"tenant_id", tenant,
				"version", a.Version,
				"error", err)
			return a, false
		}
		return latest, false
	}

	a, err := r.Load(ctx, tenant)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn("policy artifact unavailable, using safe default",
				"tenant_id", tenant,
				"error", fmt.Errorf("%w: %w", domain.ErrArtifactUnavailable, err))
		}
		r.metrics.RecordPolicyFallback()
		return DefaultArtifact(), true
	}
	return a, false
}

// Load installs the persisted artifact on a cold cache. A tenant with nothing
// persisted is not asked again until the refresh interval passes.
func (r *Registry) Load(ctx context.Context, tenant domain.TenantID) (*Artifact, error) {
	if a, ok := r.Active(tenant); ok {
		return a, nil
	}

	r.mu.Lock()
	if at, ok := r.misses[tenant]; ok && r.now().Sub(at) < r.refresh {
		r.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	r.mu.Unlock()

	a, err := r.Latest(ctx, tenant)
	if errors.Is(err, domain.ErrNotFound) {
		r.mu.Lock()
		r.misses[tenant] = r.now()
		r.mu.Unlock()
	}
	return a, err
}

// Latest reads the durable record, installs it when it is newer than the
// in-memory artifact and returns whichever is newest. Concurrent calls for a
// tenant share one read. Without a durable store it reports the in-memory
// artifact.
func (r *Registry) Latest(ctx context.Context, tenant domain.TenantID) (*Artifact, error) {
	if r.durable == nil {
		if a, ok := r.Active(tenant); ok {
			return a, nil
		}
		return nil, domain.ErrNotFound
	}

	v, err, _ := r.loading.Do(string(tenant), func() (any, error) {
		s := r.slot(tenant)
		a, err := r.read(ctx, tenant, s.art.Load())
		s.checked.Store(r.now().UnixNano())
		if err != nil {
			return nil, err
		}
		return r.install(s, a), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

// install swaps a in unless the slot already holds the same or a newer
// version, and returns what the slot holds afterwards.
func (r *Registry) install(s *tenantSlot, a *Artifact) *Artifact {
	for {
		cur := s.art.Load()
		if cur != nil && cur.Version >= a.Version {
			return cur
		}
		if s.art.CompareAndSwap(cur, a) {
			return a
		}
	}
}

// read decodes the durable record. When it matches cur the rebuild is
// skipped; otherwise the rule set is rebuilt and its checksum verified.
func (r *Registry) read(ctx context.Context, tenant domain.TenantID, cur *Artifact) (*Artifact, error) {
	raw, err := r.durable.GetDocument(ctx, tenant, ActiveKey)
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode policy record: %w", err)
	}
	if cur != nil && cur.Version == rec.Version && cur.Checksum == rec.Checksum {
		return cur, nil
	}

	rs, err := rec.RuleSet.RuleSet()
	if err != nil {
		return nil, err
	}
	rs.Version = rec.Version
	art, _, err := Build(rs, rec.CompiledAt)
	if err != nil {
		return nil, err
	}
	if art.Checksum != rec.Checksum {
		return nil, fmt.Errorf("policy record checksum mismatch: stored %s, rebuilt %s", rec.Checksum, art.Checksum)
	}
	return art, nil
}

// Publish persists the artifact and then makes it active. Versions only move
// forward: publishing a version at or below the active one fails with
// ErrStaleVersion and leaves the active artifact untouched. Callers serialize
// publishes per tenant through the compile lock.
func (r *Registry) Publish(ctx context.Context, art *Artifact) error {
	s := r.slot(art.TenantID)
	if cur := s.art.Load(); cur != nil && art.Version <= cur.Version {
		return fmt.Errorf("%w: active %d, got %d", domain.ErrStaleVersion, cur.Version, art.Version)
	}

	if r.durable != nil {
		raw, err := json.Marshal(record{
			Version:    art.Version,
			Checksum:   art.Checksum,
			CompiledAt: art.CompiledAt,
			RuleSet:    art.document,
		})
		if err != nil {
			return fmt.Errorf("encode policy record: %w", err)
		}
		if err := r.durable.PutDocument(ctx, art.TenantID, ActiveKey, raw); err != nil {
			return fmt.Errorf("persist policy artifact: %w", err)
		}
	}

	if got := r.install(s, art); got != art {
		return fmt.Errorf("%w: active %d, got %d", domain.ErrStaleVersion, got.Version, art.Version)
	}
	s.checked.Store(r.now().UnixNano())

	r.mu.Lock()
	delete(r.misses, art.TenantID)
	r.mu.Unlock()
	return nil
}
