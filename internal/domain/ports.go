package domain

import (
	"context"
	"time"
)

// SemanticSearcher ranks scenarios by similarity to an utterance.
type SemanticSearcher interface {
	Search(ctx context.Context, tenant TenantID, text string) ([]Candidate, error)
}

// GenerativeProvider is the paid last-resort classifier. Implementations
// must honor ctx cancellation.
type GenerativeProvider interface {
	Complete(ctx context.Context, prompt string, gctx GenerativeContext) (GenerativeResult, error)
}

// Embedder turns text into a vector for semantic search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DurableStore is the source of truth: opaque documents by (tenant, key).
// Missing documents return ErrNotFound.
type DurableStore interface {
	GetDocument(ctx context.Context, tenant TenantID, key string) ([]byte, error)
	PutDocument(ctx context.Context, tenant TenantID, key string, doc []byte) error
	DeleteDocument(ctx context.Context, tenant TenantID, key string) error
}

// SharedCache is the cross-process fast tier. Misses return ErrNotFound.
type SharedCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore holds the aggregates that let classification be skipped.
// Every write is an atomic upsert or increment.
type MemoryStore interface {
	IncrementCallerIntent(ctx context.Context, tenant TenantID, rec CallerIntentHistory) error
	CallerIntents(ctx context.Context, tenant TenantID, caller CallerID) ([]CallerIntentHistory, error)

	RecordResolution(ctx context.Context, tenant TenantID, key ResolutionKey, success bool) error
	Resolution(ctx context.Context, tenant TenantID, key ResolutionKey) (ResolutionPath, error)

	PutCachedResponse(ctx context.Context, tenant TenantID, entry CachedResponse) error
	CachedResponse(ctx context.Context, tenant TenantID, normalized string) (CachedResponse, error)
}
