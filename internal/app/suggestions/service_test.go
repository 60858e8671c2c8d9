package suggestions_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/callcore/internal/adapters/storage/memory"
	"github.com/PabloGalante/callcore/internal/app/suggestions"
	"github.com/PabloGalante/callcore/internal/domain"
)

func TestListAppliesLimits(t *testing.T) {
	ctx := context.Background()
	store := memory.NewSuggestionStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		require.NoError(t, store.AppendSuggestion(ctx, &domain.Suggestion{
			ID:        domain.SuggestionID(fmt.Sprintf("s-%02d", i)),
			TenantID:  "acme",
			Kind:      domain.SuggestionKeyword,
			Status:    domain.SuggestionPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	svc := suggestions.NewService(store)

	got, err := svc.List(ctx, "acme", 0)
	require.NoError(t, err)
	assert.Len(t, got, 20)
	assert.Equal(t, domain.SuggestionID("s-29"), got[0].ID)

	got, err = svc.List(ctx, "acme", 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	got, err = svc.List(ctx, "other", 5)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestListWithoutStore(t *testing.T) {
	got, err := suggestions.NewService(nil).List(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
