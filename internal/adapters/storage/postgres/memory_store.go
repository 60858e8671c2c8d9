package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PabloGalante/callcore/internal/domain"
)

// MemoryStore keeps memory records in Postgres. Every write is a single
// INSERT .. ON CONFLICT statement, so increments are atomic across replicas.
type MemoryStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects, pings and migrates.
func Open(ctx context.Context, dsn string) (*MemoryStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewMemoryStore(pool), nil
}

func NewMemoryStore(pool *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{pool: pool, now: time.Now}
}

func (s *MemoryStore) Close() {
	s.pool.Close()
}

func (s *MemoryStore) IncrementCallerIntent(ctx context.Context, tenant domain.TenantID, rec domain.CallerIntentHistory) error {
	seen := rec.LastSeen
	if seen.IsZero() {
		seen = s.now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO caller_intents (tenant_id, caller_id, intent, scenario_id, category, successes, last_seen)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (tenant_id, caller_id, intent) DO UPDATE SET
			scenario_id = EXCLUDED.scenario_id,
			category    = EXCLUDED.category,
			successes   = caller_intents.successes + 1,
			last_seen   = EXCLUDED.last_seen`,
		string(tenant), string(rec.CallerID), rec.Intent, string(rec.ScenarioID), rec.Category, seen)
	if err != nil {
		return fmt.Errorf("postgres IncrementCallerIntent: %w", err)
	}
	return nil
}

func (s *MemoryStore) CallerIntents(ctx context.Context, tenant domain.TenantID, caller domain.CallerID) ([]domain.CallerIntentHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT intent, scenario_id, category, successes, last_seen
		FROM caller_intents
		WHERE tenant_id = $1 AND caller_id = $2
		ORDER BY successes DESC, intent
		LIMIT 20`,
		string(tenant), string(caller))
	if err != nil {
		return nil, fmt.Errorf("postgres CallerIntents: %w", err)
	}
	defer rows.Close()

	var out []domain.CallerIntentHistory
	for rows.Next() {
		rec := domain.CallerIntentHistory{TenantID: tenant, CallerID: caller}
		var scenario string
		if err := rows.Scan(&rec.Intent, &scenario, &rec.Category, &rec.Successes, &rec.LastSeen); err != nil {
			return nil, fmt.Errorf("postgres CallerIntents scan: %w", err)
		}
		rec.ScenarioID = domain.ScenarioID(scenario)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres CallerIntents: %w", err)
	}
	return out, nil
}

func (s *MemoryStore) RecordResolution(ctx context.Context, tenant domain.TenantID, key domain.ResolutionKey, success bool) error {
	var inc int64
	if success {
		inc = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO resolution_paths (tenant_id, intent, category, scenario_id, attempts, successes, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6)
		ON CONFLICT (tenant_id, intent, category, scenario_id) DO UPDATE SET
			attempts   = resolution_paths.attempts + 1,
			successes  = resolution_paths.successes + EXCLUDED.successes,
			updated_at = EXCLUDED.updated_at`,
		string(tenant), key.Intent, key.Category, string(key.ScenarioID), inc, s.now().UTC())
	if err != nil {
		return fmt.Errorf("postgres RecordResolution: %w", err)
	}
	return nil
}

func (s *MemoryStore) Resolution(ctx context.Context, tenant domain.TenantID, key domain.ResolutionKey) (domain.ResolutionPath, error) {
	p := domain.ResolutionPath{ResolutionKey: key}
	err := s.pool.QueryRow(ctx, `
		SELECT attempts, successes, updated_at
		FROM resolution_paths
		WHERE tenant_id = $1 AND intent = $2 AND category = $3 AND scenario_id = $4`,
		string(tenant), key.Intent, key.Category, string(key.ScenarioID)).
		Scan(&p.Attempts, &p.Successes, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ResolutionPath{}, domain.ErrNotFound
		}
		return domain.ResolutionPath{}, fmt.Errorf("postgres Resolution: %w", err)
	}
	return p, nil
}

func (s *MemoryStore) PutCachedResponse(ctx context.Context, tenant domain.TenantID, e domain.CachedResponse) error {
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = s.now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cached_responses
			(tenant_id, normalized, scenario_id, intent, category, response, action, transfer_target, confidence, hits, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10)
		ON CONFLICT (tenant_id, normalized) DO UPDATE SET
			scenario_id     = EXCLUDED.scenario_id,
			intent          = EXCLUDED.intent,
			category        = EXCLUDED.category,
			response        = EXCLUDED.response,
			action          = EXCLUDED.action,
			transfer_target = EXCLUDED.transfer_target,
			confidence      = EXCLUDED.confidence,
			hits            = cached_responses.hits + 1,
			updated_at      = EXCLUDED.updated_at`,
		string(tenant), e.Normalized, string(e.ScenarioID), e.Intent, e.Category, e.Response,
		string(e.Action), e.TransferTarget, e.Confidence, updated)
	if err != nil {
		return fmt.Errorf("postgres PutCachedResponse: %w", err)
	}
	return nil
}

func (s *MemoryStore) CachedResponse(ctx context.Context, tenant domain.TenantID, normalized string) (domain.CachedResponse, error) {
	e := domain.CachedResponse{Normalized: normalized}
	var scenario, action string
	err := s.pool.QueryRow(ctx, `
		SELECT scenario_id, intent, category, response, action, transfer_target, confidence, hits, updated_at
		FROM cached_responses
		WHERE tenant_id = $1 AND normalized = $2`,
		string(tenant), normalized).
		Scan(&scenario, &e.Intent, &e.Category, &e.Response, &action, &e.TransferTarget, &e.Confidence, &e.Hits, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CachedResponse{}, domain.ErrNotFound
		}
		return domain.CachedResponse{}, fmt.Errorf("postgres CachedResponse: %w", err)
	}
	e.ScenarioID = domain.ScenarioID(scenario)
	e.Action = domain.Action(action)
	return e, nil
}
