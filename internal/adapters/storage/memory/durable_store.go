package memory

import (
	"context"
	"sync"

	"github.com/PabloGalante/callcore/internal/domain"
)

// DurableStore keeps documents in process memory. It is the local-mode
// stand-in for Firestore.
type DurableStore struct {
	mu   sync.RWMutex
	docs map[domain.TenantID]map[string][]byte
}

func NewDurableStore() *DurableStore {
	return &DurableStore{
		docs: make(map[domain.TenantID]map[string][]byte),
	}
}

func (s *DurableStore) GetDocument(_ context.Context, tenant domain.TenantID, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[tenant][key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (s *DurableStore) PutDocument(_ context.Context, tenant domain.TenantID, key string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.docs[tenant]
	if !ok {
		byKey = make(map[string][]byte)
		s.docs[tenant] = byKey
	}
	byKey[key] = append([]byte(nil), doc...)
	return nil
}

func (s *DurableStore) DeleteDocument(_ context.Context, tenant domain.TenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs[tenant], key)
	return nil
}
