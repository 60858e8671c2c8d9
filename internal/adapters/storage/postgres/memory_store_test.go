package postgres_test

import (
	"context"
	"io/fs"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/callcore/internal/adapters/storage/postgres"
	"github.com/PabloGalante/callcore/internal/domain"
)

func TestMigrationsAreEmbedded(t *testing.T) {
	files, err := fs.Glob(postgres.Migrations(), "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	data, err := fs.ReadFile(postgres.Migrations(), files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "-- +goose Up")
	assert.Contains(t, string(data), "-- +goose Down")
}

// The store tests need a real database: CALLCORE_TEST_POSTGRES_DSN.
func openStore(t *testing.T) (*postgres.MemoryStore, domain.TenantID) {
	t.Helper()
	dsn := os.Getenv("CALLCORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLCORE_TEST_POSTGRES_DSN not set")
	}
	s, err := postgres.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, domain.TenantID("test-" + uuid.NewString())
}

func TestResolutionIncrementsAreAtomic(t *testing.T) {
	s, tenant := openStore(t)
	ctx := context.Background()
	key := domain.ResolutionKey{Intent: "ac_repair", Category: "TROUBLESHOOT", ScenarioID: "ac-down"}

	_, err := s.Resolution(ctx, tenant, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.RecordResolution(ctx, tenant, key, i%2 == 0))
		}(i)
	}
	wg.Wait()

	p, err := s.Resolution(ctx, tenant, key)
	require.NoError(t, err)
	assert.Equal(t, int64(10), p.Attempts)
	assert.Equal(t, int64(5), p.Successes)
}

func TestCallerIntentsOrderedBySuccesses(t *testing.T) {
	s, tenant := openStore(t)
	ctx := context.Background()
	caller := domain.CallerID("+15551234567")

	require.NoError(t, s.IncrementCallerIntent(ctx, tenant, domain.CallerIntentHistory{CallerID: caller, Intent: "hours"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementCallerIntent(ctx, tenant, domain.CallerIntentHistory{CallerID: caller, Intent: "ac_repair", ScenarioID: "ac-down"}))
	}

	got, err := s.CallerIntents(ctx, tenant, caller)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ac_repair", got[0].Intent)
	assert.Equal(t, int64(3), got[0].Successes)
	assert.Equal(t, domain.ScenarioID("ac-down"), got[0].ScenarioID)
}

func TestCachedResponseCountsHits(t *testing.T) {
	s, tenant := openStore(t)
	ctx := context.Background()
	entry := domain.CachedResponse{Normalized: "when are you open", Intent: "business_hours", Response: "We're open 8 to 5.", Action: domain.ActionContinue}

	require.NoError(t, s.PutCachedResponse(ctx, tenant, entry))
	require.NoError(t, s.PutCachedResponse(ctx, tenant, entry))

	got, err := s.CachedResponse(ctx, tenant, "when are you open")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Hits)
	assert.Equal(t, domain.ActionContinue, got.Action)
	assert.Equal(t, "We're open 8 to 5.", got.Response)
}
