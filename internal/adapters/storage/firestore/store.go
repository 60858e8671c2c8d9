package firestore

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PabloGalante/callcore/internal/domain"
)

// Store is the Firestore-backed durable tier. Everything a tenant owns lives
// under tenants/{tenant}.
type Store struct {
	client *firestore.Client
	now    func() time.Time
}

// NewStore creates a Firestore store for the given project
// (CALLCORE_GCP_PROJECT).
func NewStore(ctx context.Context, projectID string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	return &Store{client: client, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// ─────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────

func (s *Store) tenantDoc(tenant domain.TenantID) *firestore.DocumentRef {
	return s.client.Collection("tenants").Doc(string(tenant))
}

func (s *Store) documentsCol(tenant domain.TenantID) *firestore.CollectionRef {
	return s.tenantDoc(tenant).Collection("documents")
}

// Keys such as "sessions/<call>" are paths; Firestore IDs cannot contain "/".
func (s *Store) documentRef(tenant domain.TenantID, key string) *firestore.DocumentRef {
	return s.documentsCol(tenant).Doc(url.PathEscape(key))
}

func notFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// ─────────────────────────────────────────
// Firestore Types
// ─────────────────────────────────────────

type documentDoc struct {
	Key       string    `firestore:"key"`
	Data      []byte    `firestore:"data"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// ─────────────────────────────────────────
// DurableStore implementation
// ─────────────────────────────────────────

func (s *Store) GetDocument(ctx context.Context, tenant domain.TenantID, key string) ([]byte, error) {
	snap, err := s.documentRef(tenant, key).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("document %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("firestore GetDocument: %w", err)
	}

	var doc documentDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore GetDocument decode: %w", err)
	}
	return doc.Data, nil
}

func (s *Store) PutDocument(ctx context.Context, tenant domain.TenantID, key string, data []byte) error {
	doc := documentDoc{
		Key:       key,
		Data:      data,
		UpdatedAt: s.now().UTC(),
	}
	if _, err := s.documentRef(tenant, key).Set(ctx, doc); err != nil {
		return fmt.Errorf("firestore PutDocument: %w", err)
	}
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, tenant domain.TenantID, key string) error {
	if _, err := s.documentRef(tenant, key).Delete(ctx); err != nil && !notFound(err) {
		return fmt.Errorf("firestore DeleteDocument: %w", err)
	}
	return nil
}
