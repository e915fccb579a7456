// Package vectorstore defines the contract every memory backend implements.
//
// Backends translate the operations below into their native wire protocol;
// the memory service depends only on this interface. Scores returned by
// Search are similarities in [0,1], never raw distances.
package vectorstore

import (
	"context"
	"time"
)

// MemoryItem is the unit of persisted memory.
type MemoryItem struct {
	ID        string                 `json:"id"`
	Data      string                 `json:"data"`
	Embedding []float32              `json:"embedding,omitempty"`
	UserID    string                 `json:"userId,omitempty"`
	AgentID   string                 `json:"agentId,omitempty"`
	RunID     string                 `json:"runId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	// Hash is the md5 of Data, kept for exact-duplicate diagnostics.
	Hash      string     `json:"hash,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// SearchResult pairs an item with its similarity score (1 = most similar).
// Embedding is not required to be populated on search results.
type SearchResult struct {
	Item  MemoryItem `json:"item"`
	Score float64    `json:"score"`
}

// Store is implemented by every backend. A userID of "" means no partition
// restriction.
type Store interface {
	// EnsureCollectionExists creates the collection if missing. When it
	// exists with a different vector dimension the backend recreates it
	// if allowRecreation is set, otherwise returns SchemaMismatchError.
	// Idempotent when dimensions match.
	EnsureCollectionExists(ctx context.Context, vectorSize int, allowRecreation bool) error

	// Insert upserts items by id. Where the backend supports it, the write
	// is acknowledged so a subsequent Get observes the item.
	Insert(ctx context.Context, items []MemoryItem) error

	// Update is semantically delete-then-insert for the listed ids.
	// Backends with native upsert may short-circuit.
	Update(ctx context.Context, items []MemoryItem) error

	// Search runs ANN search and returns up to limit results scored as
	// similarity, restricted to userID when set.
	Search(ctx context.Context, query []float32, userID string, limit int) ([]SearchResult, error)

	// List returns up to limit items for the partition, newest first.
	List(ctx context.Context, userID string, limit int) ([]MemoryItem, error)

	// Get returns the item or nil when absent.
	Get(ctx context.Context, id string) (*MemoryItem, error)

	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) error
}

// ClampScore bounds a similarity to [0,1] so threshold comparisons are
// well-defined across backends.
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// ValidateItems rejects writes whose embeddings do not match the declared
// collection dimension. A vectorSize of 0 skips the dimension check (the
// backend has not been initialized with one).
func ValidateItems(items []MemoryItem, vectorSize int) error {
	for i := range items {
		if items[i].ID == "" {
			return ErrMissingID
		}
		if items[i].Data == "" {
			return ErrEmptyData
		}
		if len(items[i].Embedding) == 0 {
			return ErrEmptyEmbedding
		}
		if vectorSize > 0 && len(items[i].Embedding) != vectorSize {
			return &DimensionError{Expected: vectorSize, Got: len(items[i].Embedding)}
		}
	}
	return nil
}
