package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/PabloGalante/callcore/internal/domain"
)

type suggestionDoc struct {
	Kind       string    `firestore:"kind"`
	Status     string    `firestore:"status"`
	ScenarioID string    `firestore:"scenario_id"`
	Phrases    []string  `firestore:"phrases"`
	Utterance  string    `firestore:"utterance"`
	Source     string    `firestore:"source"`
	Confidence float64   `firestore:"confidence"`
	CreatedAt  time.Time `firestore:"created_at"`
}

func (s *Store) suggestionsCol(tenant domain.TenantID) *firestore.CollectionRef {
	return s.tenantDoc(tenant).Collection("suggestions")
}

// ─────────────────────────────────────────
// SuggestionStore implementation
// ─────────────────────────────────────────

func (s *Store) AppendSuggestion(ctx context.Context, sg *domain.Suggestion) error {
	doc := suggestionDoc{
		Kind:       string(sg.Kind),
		Status:     string(sg.Status),
		ScenarioID: string(sg.ScenarioID),
		Phrases:    sg.Phrases,
		Utterance:  sg.Utterance,
		Source:     string(sg.Source),
		Confidence: sg.Confidence,
		CreatedAt:  sg.CreatedAt,
	}
	if _, err := s.suggestionsCol(sg.TenantID).Doc(string(sg.ID)).Create(ctx, doc); err != nil {
		return fmt.Errorf("firestore AppendSuggestion: %w", err)
	}
	return nil
}

func (s *Store) ListSuggestions(ctx context.Context, tenant domain.TenantID, limit int) ([]*domain.Suggestion, error) {
	q := s.suggestionsCol(tenant).OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*domain.Suggestion
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore ListSuggestions: %w", err)
		}

		var doc suggestionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode suggestionDoc: %w", err)
		}
		out = append(out, &domain.Suggestion{
			ID:         domain.SuggestionID(snap.Ref.ID),
			TenantID:   tenant,
			Kind:       domain.SuggestionKind(doc.Kind),
			Status:     domain.SuggestionStatus(doc.Status),
			ScenarioID: domain.ScenarioID(doc.ScenarioID),
			Phrases:    doc.Phrases,
			Utterance:  doc.Utterance,
			Source:     domain.Tier(doc.Source),
			Confidence: doc.Confidence,
			CreatedAt:  doc.CreatedAt,
		})
	}
	return out, nil
}
