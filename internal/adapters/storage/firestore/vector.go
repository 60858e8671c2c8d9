package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/PabloGalante/callcore/internal/adapters/search"
	"github.com/PabloGalante/callcore/internal/domain"
)

const (
	embeddingField = "embedding"
	distanceField  = "vector_distance"
)

type scenarioVectorDoc struct {
	ScenarioID string             `firestore:"scenario_id"`
	Embedding  firestore.Vector32 `firestore:"embedding"`
}

// Searcher runs the semantic tier as a Firestore nearest-neighbour query over
// per-tenant scenario embeddings. It needs a vector index on
// tenants/*/scenario_vectors.embedding.
type Searcher struct {
	store    *Store
	embedder domain.Embedder
	limit    int
}

func NewSearcher(store *Store, embedder domain.Embedder) *Searcher {
	return &Searcher{store: store, embedder: embedder, limit: 5}
}

func (s *Searcher) vectorsCol(tenant domain.TenantID) *firestore.CollectionRef {
	return s.store.tenantDoc(tenant).Collection("scenario_vectors")
}

// Search implements domain.SemanticSearcher. Cosine distance is turned back
// into a similarity score.
func (s *Searcher) Search(ctx context.Context, tenant domain.TenantID, text string) ([]domain.Candidate, error) {
	q, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	vq := s.vectorsCol(tenant).FindNearest(embeddingField, firestore.Vector32(q), s.limit,
		firestore.DistanceMeasureCosine, &firestore.FindNearestOptions{DistanceResultField: distanceField})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	var out []domain.Candidate
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore FindNearest: %w", err)
		}

		dist, _ := snap.Data()[distanceField].(float64)
		out = append(out, domain.Candidate{
			ScenarioID: domain.ScenarioID(snap.Ref.ID),
			Score:      1 - dist,
		})
	}
	return out, nil
}

// IndexScenarios embeds the catalog and replaces the tenant's vectors.
// Scenarios that dropped out of the catalog are deleted.
func (s *Searcher) IndexScenarios(ctx context.Context, tenant domain.TenantID, scenarios []domain.Scenario) error {
	keep := make(map[string]bool, len(scenarios))
	bw := s.store.client.BulkWriter(ctx)

	for _, sc := range scenarios {
		text := search.ScenarioText(sc.Description, sc.Keywords)
		if text == "" {
			continue
		}
		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			bw.End()
			return fmt.Errorf("embed scenario %s: %w", sc.ID, err)
		}
		keep[string(sc.ID)] = true
		if _, err := bw.Set(s.vectorsCol(tenant).Doc(string(sc.ID)), scenarioVectorDoc{
			ScenarioID: string(sc.ID),
			Embedding:  firestore.Vector32(vec),
		}); err != nil {
			bw.End()
			return fmt.Errorf("firestore IndexScenarios: %w", err)
		}
	}

	refs, err := s.vectorsCol(tenant).DocumentRefs(ctx).GetAll()
	if err != nil {
		bw.End()
		return fmt.Errorf("firestore IndexScenarios list: %w", err)
	}
	for _, ref := range refs {
		if keep[ref.ID] {
			continue
		}
		if _, err := bw.Delete(ref); err != nil {
			bw.End()
			return fmt.Errorf("firestore IndexScenarios delete: %w", err)
		}
	}

	bw.End()
	return nil
}
