package memory

import (
	"context"
	"sync"

	"github.com/PabloGalante/callcore/internal/domain"
)

type SuggestionStore struct {
	mu          sync.RWMutex
	suggestions map[domain.TenantID][]*domain.Suggestion
}

func NewSuggestionStore() *SuggestionStore {
	return &SuggestionStore{
		suggestions: make(map[domain.TenantID][]*domain.Suggestion),
	}
}

func (s *SuggestionStore) AppendSuggestion(_ context.Context, sg *domain.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.suggestions[sg.TenantID] = append(s.suggestions[sg.TenantID], sg)
	return nil
}

// ListSuggestions returns the newest suggestions first.
func (s *SuggestionStore) ListSuggestions(_ context.Context, tenant domain.TenantID, limit int) ([]*domain.Suggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.suggestions[tenant]
	out := make([]*domain.Suggestion, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
