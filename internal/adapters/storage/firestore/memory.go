package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/PabloGalante/callcore/internal/domain"
)

// Memory records use server-side increments, so concurrent writers from
// several replicas never lose a count.

type callerIntentDoc struct {
	CallerID   string    `firestore:"caller_id"`
	Intent     string    `firestore:"intent"`
	ScenarioID string    `firestore:"scenario_id"`
	Category   string    `firestore:"category"`
	Successes  int64     `firestore:"successes"`
	LastSeen   time.Time `firestore:"last_seen"`
}

type resolutionDoc struct {
	Intent     string    `firestore:"intent"`
	Category   string    `firestore:"category"`
	ScenarioID string    `firestore:"scenario_id"`
	Attempts   int64     `firestore:"attempts"`
	Successes  int64     `firestore:"successes"`
	UpdatedAt  time.Time `firestore:"updated_at"`
}

type cachedResponseDoc struct {
	Normalized     string    `firestore:"normalized"`
	ScenarioID     string    `firestore:"scenario_id"`
	Intent         string    `firestore:"intent"`
	Category       string    `firestore:"category"`
	Response       string    `firestore:"response"`
	Action         string    `firestore:"action"`
	TransferTarget string    `firestore:"transfer_target"`
	Confidence     float64   `firestore:"confidence"`
	Hits           int64     `firestore:"hits"`
	UpdatedAt      time.Time `firestore:"updated_at"`
}

// docID hashes free-form keys into a valid, bounded document ID.
func docID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:40]
}

func (s *Store) callerIntentsCol(tenant domain.TenantID) *firestore.CollectionRef {
	return s.tenantDoc(tenant).Collection("caller_intents")
}

func (s *Store) resolutionsCol(tenant domain.TenantID) *firestore.CollectionRef {
	return s.tenantDoc(tenant).Collection("resolution_paths")
}

func (s *Store) responsesCol(tenant domain.TenantID) *firestore.CollectionRef {
	return s.tenantDoc(tenant).Collection("cached_responses")
}

// ─────────────────────────────────────────
// MemoryStore implementation
// ─────────────────────────────────────────

func (s *Store) IncrementCallerIntent(ctx context.Context, tenant domain.TenantID, rec domain.CallerIntentHistory) error {
	seen := rec.LastSeen
	if seen.IsZero() {
		seen = s.now().UTC()
	}
	ref := s.callerIntentsCol(tenant).Doc(docID(string(rec.CallerID), rec.Intent))
	_, err := ref.Set(ctx, map[string]any{
		"caller_id":   string(rec.CallerID),
		"intent":      rec.Intent,
		"scenario_id": string(rec.ScenarioID),
		"category":    rec.Category,
		"successes":   firestore.Increment(1),
		"last_seen":   seen,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("firestore IncrementCallerIntent: %w", err)
	}
	return nil
}

func (s *Store) CallerIntents(ctx context.Context, tenant domain.TenantID, caller domain.CallerID) ([]domain.CallerIntentHistory, error) {
	q := s.callerIntentsCol(tenant).
		Where("caller_id", "==", string(caller)).
		OrderBy("successes", firestore.Desc).
		Limit(20)

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []domain.CallerIntentHistory
	for {
		snap, err := iter.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, fmt.Errorf("firestore CallerIntents: %w", err)
		}

		var doc callerIntentDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode callerIntentDoc: %w", err)
		}
		out = append(out, domain.CallerIntentHistory{
			TenantID:   tenant,
			CallerID:   domain.CallerID(doc.CallerID),
			Intent:     doc.Intent,
			ScenarioID: domain.ScenarioID(doc.ScenarioID),
			Category:   doc.Category,
			Successes:  doc.Successes,
			LastSeen:   doc.LastSeen,
		})
	}
	return out, nil
}

func (s *Store) RecordResolution(ctx context.Context, tenant domain.TenantID, key domain.ResolutionKey, success bool) error {
	var inc int64
	if success {
		inc = 1
	}
	ref := s.resolutionsCol(tenant).Doc(docID(key.Intent, key.Category, string(key.ScenarioID)))
	_, err := ref.Set(ctx, map[string]any{
		"intent":      key.Intent,
		"category":    key.Category,
		"scenario_id": string(key.ScenarioID),
		"attempts":    firestore.Increment(1),
		"successes":   firestore.Increment(inc),
		"updated_at":  s.now().UTC(),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("firestore RecordResolution: %w", err)
	}
	return nil
}

func (s *Store) Resolution(ctx context.Context, tenant domain.TenantID, key domain.ResolutionKey) (domain.ResolutionPath, error) {
	snap, err := s.resolutionsCol(tenant).Doc(docID(key.Intent, key.Category, string(key.ScenarioID))).Get(ctx)
	if err != nil {
		if notFound(err) {
			return domain.ResolutionPath{}, domain.ErrNotFound
		}
		return domain.ResolutionPath{}, fmt.Errorf("firestore Resolution: %w", err)
	}

	var doc resolutionDoc
	if err := snap.DataTo(&doc); err != nil {
		return domain.ResolutionPath{}, fmt.Errorf("firestore Resolution decode: %w", err)
	}
	return domain.ResolutionPath{
		ResolutionKey: key,
		Attempts:      doc.Attempts,
		Successes:     doc.Successes,
		UpdatedAt:     doc.UpdatedAt,
	}, nil
}

func (s *Store) PutCachedResponse(ctx context.Context, tenant domain.TenantID, entry domain.CachedResponse) error {
	updated := entry.UpdatedAt
	if updated.IsZero() {
		updated = s.now().UTC()
	}
	ref := s.responsesCol(tenant).Doc(docID(entry.Normalized))
	_, err := ref.Set(ctx, map[string]any{
		"normalized":      entry.Normalized,
		"scenario_id":     string(entry.ScenarioID),
		"intent":          entry.Intent,
		"category":        entry.Category,
		"response":        entry.Response,
		"action":          string(entry.Action),
		"transfer_target": entry.TransferTarget,
		"confidence":      entry.Confidence,
		"hits":            firestore.Increment(1),
		"updated_at":      updated,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("firestore PutCachedResponse: %w", err)
	}
	return nil
}

func (s *Store) CachedResponse(ctx context.Context, tenant domain.TenantID, normalized string) (domain.CachedResponse, error) {
	snap, err := s.responsesCol(tenant).Doc(docID(normalized)).Get(ctx)
	if err != nil {
		if notFound(err) {
			return domain.CachedResponse{}, domain.ErrNotFound
		}
		return domain.CachedResponse{}, fmt.Errorf("firestore CachedResponse: %w", err)
	}

	var doc cachedResponseDoc
	if err := snap.DataTo(&doc); err != nil {
		return domain.CachedResponse{}, fmt.Errorf("firestore CachedResponse decode: %w", err)
	}
	return domain.CachedResponse{
		Normalized:     doc.Normalized,
		ScenarioID:     domain.ScenarioID(doc.ScenarioID),
		Intent:         doc.Intent,
		Category:       doc.Category,
		Response:       doc.Response,
		Action:         domain.Action(doc.Action),
		TransferTarget: doc.TransferTarget,
		Confidence:     doc.Confidence,
		Hits:           doc.Hits,
		UpdatedAt:      doc.UpdatedAt,
	}, nil
}
