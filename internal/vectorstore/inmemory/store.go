// Package inmemory provides the reference Store implementation. It is not
// persistent; it bounds the behavior the wire backends must reproduce and
// seeds the shared property tests.
package inmemory

import (
	"context"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/memnet-ai/memnet/internal/vectorstore"
)

// Store keeps every item in a map guarded by a single mutex. Search is a
// linear cosine scan.
type Store struct {
	mu         sync.Mutex
	items      map[string]vectorstore.MemoryItem
	vectorSize int
	log        *zap.Logger
}

var _ vectorstore.Store = (*Store)(nil)

func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{items: make(map[string]vectorstore.MemoryItem), log: logger}
}

func (s *Store) EnsureCollectionExists(_ context.Context, vectorSize int, allowRecreation bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vectorSize != 0 && s.vectorSize != vectorSize {
		if !allowRecreation {
			return &vectorstore.SchemaMismatchError{Collection: "inmemory", Existing: s.vectorSize, Requested: vectorSize}
		}
		s.log.Info("recreating in-memory collection",
			zap.Int("old_dim", s.vectorSize),
			zap.Int("new_dim", vectorSize))
		s.items = make(map[string]vectorstore.MemoryItem)
	}
	s.vectorSize = vectorSize
	return nil
}

func (s *Store) Insert(_ context.Context, items []vectorstore.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vectorSize == 0 {
		return vectorstore.ErrNotInitialized
	}
	if err := vectorstore.ValidateItems(items, s.vectorSize); err != nil {
		return err
	}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return nil
}

// Update is delete-then-insert under the same lock; for a map keyed by id
// that collapses to assignment.
func (s *Store) Update(ctx context.Context, items []vectorstore.MemoryItem) error {
	return s.Insert(ctx, items)
}

func (s *Store) Search(_ context.Context, query []float32, userID string, limit int) ([]vectorstore.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]vectorstore.SearchResult, 0, limit)
	for _, it := range s.items {
		if userID != "" && it.UserID != userID {
			continue
		}
		score := cosineSimilarity(query, it.Embedding)
		results = append(results, vectorstore.SearchResult{Item: it, Score: vectorstore.ClampScore(score)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) List(_ context.Context, userID string, limit int) ([]vectorstore.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]vectorstore.MemoryItem, 0, limit)
	for _, it := range s.items {
		if userID != "" && it.UserID != userID {
			continue
		}
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) Get(_ context.Context, id string) (*vectorstore.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		cp := it
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *Store) DeleteByUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, it := range s.items {
		if it.UserID == userID {
			delete(s.items, id)
		}
	}
	return nil
}

// cosineSimilarity returns dot(a,b)/(|a|*|b|), or 0 when either magnitude
// is zero or the lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
