package search

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
)

const defaultTopK = 5

type entry struct {
	id  domain.ScenarioID
	vec []float32
}

// Index is an in-process vector index over each tenant's scenario catalog.
// A tenant is embedded on its first search; Reindex replaces it.
type Index struct {
	embedder domain.Embedder
	tenants  config.TenantSource
	topK     int

	mu      sync.RWMutex
	entries map[domain.TenantID][]entry
	group   singleflight.Group
}

func NewIndex(embedder domain.Embedder, tenants config.TenantSource) *Index {
	return &Index{
		embedder: embedder,
		tenants:  tenants,
		topK:     defaultTopK,
		entries:  make(map[domain.TenantID][]entry),
	}
}

// Search implements domain.SemanticSearcher. Candidates come back best first.
func (x *Index) Search(ctx context.Context, tenant domain.TenantID, text string) ([]domain.Candidate, error) {
	entries, err := x.tenantEntries(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	q, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	out := make([]domain.Candidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.Candidate{ScenarioID: e.id, Score: Cosine(q, e.vec)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > x.topK {
		out = out[:x.topK]
	}
	return out, nil
}

// Reindex embeds the scenarios and replaces the tenant's entries.
func (x *Index) Reindex(ctx context.Context, tenant domain.TenantID, scenarios []domain.Scenario) error {
	entries := make([]entry, 0, len(scenarios))
	for _, s := range scenarios {
		text := ScenarioText(s.Description, s.Keywords)
		if text == "" {
			continue
		}
		vec, err := x.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embed scenario %s: %w", s.ID, err)
		}
		entries = append(entries, entry{id: s.ID, vec: vec})
	}

	x.mu.Lock()
	x.entries[tenant] = entries
	x.mu.Unlock()
	return nil
}

func (x *Index) tenantEntries(ctx context.Context, tenant domain.TenantID) ([]entry, error) {
	x.mu.RLock()
	entries, ok := x.entries[tenant]
	x.mu.RUnlock()
	if ok {
		return entries, nil
	}

	_, err, _ := x.group.Do(string(tenant), func() (any, error) {
		return nil, x.Reindex(ctx, tenant, x.tenants.Tenant(tenant).Scenarios)
	})
	if err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.entries[tenant], nil
}
