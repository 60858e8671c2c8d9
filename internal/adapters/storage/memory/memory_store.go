package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PabloGalante/callcore/internal/domain"
)

type callerKey struct {
	tenant domain.TenantID
	caller domain.CallerID
	intent string
}

type resolutionKey struct {
	tenant domain.TenantID
	key    domain.ResolutionKey
}

type responseKey struct {
	tenant     domain.TenantID
	normalized string
}

// MemoryStore keeps memory records in process. Every write holds the lock
// for the whole read-modify-write, which makes increments atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	callers     map[callerKey]domain.CallerIntentHistory
	resolutions map[resolutionKey]domain.ResolutionPath
	responses   map[responseKey]domain.CachedResponse
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		callers:     make(map[callerKey]domain.CallerIntentHistory),
		resolutions: make(map[resolutionKey]domain.ResolutionPath),
		responses:   make(map[responseKey]domain.CachedResponse),
		now:         time.Now,
	}
}

func (s *MemoryStore) IncrementCallerIntent(_ context.Context, tenant domain.TenantID, rec domain.CallerIntentHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := callerKey{tenant: tenant, caller: rec.CallerID, intent: rec.Intent}
	cur, ok := s.callers[k]
	if !ok {
		cur = domain.CallerIntentHistory{TenantID: tenant, CallerID: rec.CallerID, Intent: rec.Intent}
	}
	cur.ScenarioID = rec.ScenarioID
	cur.Category = rec.Category
	cur.Successes++
	cur.LastSeen = rec.LastSeen
	if cur.LastSeen.IsZero() {
		cur.LastSeen = s.now().UTC()
	}
	s.callers[k] = cur
	return nil
}

// CallerIntents returns the caller's records, most successful first.
func (s *MemoryStore) CallerIntents(_ context.Context, tenant domain.TenantID, caller domain.CallerID) ([]domain.CallerIntentHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.CallerIntentHistory
	for k, v := range s.callers {
		if k.tenant == tenant && k.caller == caller {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Successes != out[j].Successes {
			return out[i].Successes > out[j].Successes
		}
		return out[i].Intent < out[j].Intent
	})
	return out, nil
}

func (s *MemoryStore) RecordResolution(_ context.Context, tenant domain.TenantID, key domain.ResolutionKey, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := resolutionKey{tenant: tenant, key: key}
	cur, ok := s.resolutions[k]
	if !ok {
		cur = domain.ResolutionPath{ResolutionKey: key}
	}
	cur.Attempts++
	if success {
		cur.Successes++
	}
	cur.UpdatedAt = s.now().UTC()
	s.resolutions[k] = cur
	return nil
}

func (s *MemoryStore) Resolution(_ context.Context, tenant domain.TenantID, key domain.ResolutionKey) (domain.ResolutionPath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.resolutions[resolutionKey{tenant: tenant, key: key}]
	if !ok {
		return domain.ResolutionPath{}, domain.ErrNotFound
	}
	return p, nil
}

// PutCachedResponse upserts the entry and bumps its hit count.
func (s *MemoryStore) PutCachedResponse(_ context.Context, tenant domain.TenantID, entry domain.CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := responseKey{tenant: tenant, normalized: entry.Normalized}
	hits := s.responses[k].Hits + 1
	entry.Hits = hits
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = s.now().UTC()
	}
	s.responses[k] = entry
	return nil
}

func (s *MemoryStore) CachedResponse(_ context.Context, tenant domain.TenantID, normalized string) (domain.CachedResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.responses[responseKey{tenant: tenant, normalized: normalized}]
	if !ok {
		return domain.CachedResponse{}, domain.ErrNotFound
	}
	return e, nil
}
