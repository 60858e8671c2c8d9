package suggestions

import (
	"context"
	"fmt"

	"github.com/PabloGalante/callcore/internal/domain"
)

const (
	defaultLimit = 20
	maxLimit     = 200
)

// Service reads the candidate keyword suggestions written during calls.
// Reviewing them happens elsewhere.
type Service struct {
	store domain.SuggestionStore
}

func NewService(store domain.SuggestionStore) *Service {
	return &Service{store: store}
}

// List returns the newest suggestions of a tenant. A limit of zero or less
// means the default.
func (s *Service) List(ctx context.Context, tenant domain.TenantID, limit int) ([]*domain.Suggestion, error) {
	if s.store == nil {
		return []*domain.Suggestion{}, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	out, err := s.store.ListSuggestions(ctx, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("list suggestions for %s: %w", tenant, err)
	}
	if out == nil {
		out = []*domain.Suggestion{}
	}
	return out, nil
}
