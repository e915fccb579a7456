// Package memory implements the memory lifecycle: conversations are
// distilled into atomic facts, embedded, deduplicated against what the
// vector store already holds, and retrieved by semantic search.
package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memnet-ai/memnet/internal/llm"
	"github.com/memnet-ai/memnet/internal/metrics"
	"github.com/memnet-ai/memnet/internal/vectorstore"
)

// probeLimit is how many nearest neighbors the duplicate check considers.
const probeLimit = 5

// defaultLimit applies to Search and GetAll when the caller passes no limit.
const defaultLimit = 100

// Embedder produces vectors for text.
type Embedder interface {
	VectorSize(ctx context.Context) (int, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// LLM covers the three prompt-driven operations the pipeline needs.
type LLM interface {
	ExtractMemories(ctx context.Context, conversation string) ([]llm.ExtractedMemory, error)
	MergeMemories(ctx context.Context, existing, update string) (string, error)
	Rerank(ctx context.Context, query string, results []vectorstore.SearchResult) ([]vectorstore.SearchResult, error)
}

// Config controls the lifecycle pipeline. DuplicateThreshold and
// EnableReranking are hot-reloadable at runtime.
type Config struct {
	DuplicateThreshold float64
	EnableReranking    bool
	HistoryLimit       int // newest messages considered per Add, 0 = all
}

// Service orchestrates extraction, deduplication and retrieval over a
// pluggable vector store.
type Service struct {
	store    vectorstore.Store
	embedder Embedder
	llm      LLM
	log      *zap.Logger

	mu  sync.RWMutex
	cfg Config
}

func NewService(store vectorstore.Store, embedder Embedder, provider LLM, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		llm:      provider,
		cfg:      cfg,
		log:      logger,
	}
}

// Initialize probes the embedding dimension and makes sure the backing
// collection exists with it.
func (s *Service) Initialize(ctx context.Context, allowRecreation bool) error {
	size, err := s.embedder.VectorSize(ctx)
	if err != nil {
		return fmt.Errorf("probe vector size: %w", err)
	}
	return s.store.EnsureCollectionExists(ctx, size, allowRecreation)
}

// Reconfigure swaps the hot-reloadable knobs.
func (s *Service) Reconfigure(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Add runs the write pipeline: extract facts from the conversation, then
// for each fact either consolidate it into a sufficiently similar existing
// memory or store it as a new one.
func (s *Service) Add(ctx context.Context, req AddRequest) (*AddResponse, error) {
	cfg := s.config()
	conversation := joinMessages(req.Messages, cfg.HistoryLimit)
	if strings.TrimSpace(conversation) == "" {
		return &AddResponse{Results: []MemoryResult{}}, nil
	}

	extracted, err := s.llm.ExtractMemories(ctx, conversation)
	if err != nil {
		return nil, fmt.Errorf("extract memories: %w", err)
	}
	if len(extracted) == 0 {
		return &AddResponse{Results: []MemoryResult{}}, nil
	}

	texts := make([]string, len(extracted))
	for i, m := range extracted {
		texts[i] = m.Data
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed candidates: %w", err)
	}

	var (
		inserts []vectorstore.MemoryItem
		updates []vectorstore.MemoryItem
		results []MemoryResult
	)
	now := time.Now().UTC()

	for i, candidate := range texts {
		neighbors, err := s.store.Search(ctx, vectors[i], req.UserID, probeLimit)
		if err != nil {
			return nil, fmt.Errorf("probe duplicates: %w", err)
		}

		if len(neighbors) > 0 && neighbors[0].Score > cfg.DuplicateThreshold {
			existing := neighbors[0].Item
			merged, err := s.llm.MergeMemories(ctx, existing.Data, candidate)
			if err != nil {
				return nil, fmt.Errorf("merge memories: %w", err)
			}
			vec, err := s.embedder.Embed(ctx, merged)
			if err != nil {
				return nil, fmt.Errorf("embed merged memory: %w", err)
			}
			updated := now
			existing.Data = merged
			existing.Embedding = vec
			existing.Hash = hashText(merged)
			existing.UpdatedAt = &updated
			updates = append(updates, existing)
			results = append(results, MemoryResult{ID: existing.ID, Memory: merged, Event: EventUpdate})
			s.log.Debug("consolidated memory",
				zap.String("id", existing.ID),
				zap.Float64("score", neighbors[0].Score))
			continue
		}

		item := vectorstore.MemoryItem{
			ID:        uuid.NewString(),
			Data:      candidate,
			Embedding: vectors[i],
			UserID:    req.UserID,
			AgentID:   req.AgentID,
			RunID:     req.RunID,
			Metadata:  req.Metadata,
			Hash:      hashText(candidate),
			CreatedAt: now,
		}
		inserts = append(inserts, item)
		results = append(results, MemoryResult{ID: item.ID, Memory: candidate, Event: EventAdd})
	}

	// Counters reflect persisted events only, so they move after the
	// flushes succeed.
	if len(inserts) > 0 {
		if err := s.store.Insert(ctx, inserts); err != nil {
			return nil, fmt.Errorf("flush inserts: %w", err)
		}
		metrics.MemoryEvents.WithLabelValues(EventAdd).Add(float64(len(inserts)))
	}
	if len(updates) > 0 {
		if err := s.store.Update(ctx, updates); err != nil {
			return nil, fmt.Errorf("flush updates: %w", err)
		}
		metrics.MemoryEvents.WithLabelValues(EventUpdate).Add(float64(len(updates)))
	}

	s.log.Info("memories added",
		zap.String("user_id", req.UserID),
		zap.Int("extracted", len(extracted)),
		zap.Int("inserted", len(inserts)),
		zap.Int("updated", len(updates)))
	return &AddResponse{Results: results}, nil
}

// Search embeds the query, asks the store for nearest neighbors, then
// optionally reranks. Rerank failures fall back to the store order.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]vectorstore.SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	cfg := s.config()
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	vec, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := s.store.Search(ctx, vec, req.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("search store: %w", err)
	}

	reranked := "false"
	if cfg.EnableReranking && len(results) > 1 {
		out, err := s.llm.Rerank(ctx, req.Query, results)
		if err != nil {
			s.log.Warn("rerank failed, keeping store order", zap.Error(err))
		} else {
			results = out
			reranked = "true"
		}
	}
	metrics.MemorySearches.WithLabelValues(reranked).Inc()
	return results, nil
}

// Update rewrites one memory's content in place. Returns false when the id
// does not exist.
func (s *Service) Update(ctx context.Context, id, content string) (bool, error) {
	if strings.TrimSpace(content) == "" {
		return false, fmt.Errorf("content must not be empty")
	}
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return false, fmt.Errorf("embed content: %w", err)
	}
	updated := time.Now().UTC()
	existing.Data = content
	existing.Embedding = vec
	existing.Hash = hashText(content)
	existing.UpdatedAt = &updated

	if err := s.store.Update(ctx, []vectorstore.MemoryItem{*existing}); err != nil {
		return false, err
	}
	metrics.MemoryEvents.WithLabelValues(EventUpdate).Inc()
	return true, nil
}

// Get returns one memory, or nil when absent.
func (s *Service) Get(ctx context.Context, id string) (*vectorstore.MemoryItem, error) {
	return s.store.Get(ctx, id)
}

// GetAll lists a user's memories, newest first.
func (s *Service) GetAll(ctx context.Context, userID string, limit int) ([]vectorstore.MemoryItem, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.store.List(ctx, userID, limit)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

func (s *Service) DeleteAll(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("userId must not be empty")
	}
	return s.store.DeleteByUser(ctx, userID)
}

// joinMessages flattens the newest historyLimit turns into the prompt
// transcript.
func joinMessages(messages []Message, historyLimit int) string {
	if historyLimit > 0 && len(messages) > historyLimit {
		messages = messages[len(messages)-historyLimit:]
	}
	var sb strings.Builder
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}
	return sb.String()
}

func hashText(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
