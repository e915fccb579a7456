// Package embeddings turns text into dense float32 vectors via an
// OpenAI-compatible embeddings endpoint, with local LRU and optional Redis
// caching in front of the wire.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/memnet-ai/memnet/internal/circuitbreaker"
	"github.com/memnet-ai/memnet/internal/metrics"
	"github.com/memnet-ai/memnet/internal/tracing"
)

// ErrEmptyInput is returned when a caller asks to embed nothing.
var ErrEmptyInput = errors.New("embeddings: empty input")

// Config controls the embedder client.
type Config struct {
	Endpoint          string // base URL, e.g. https://api.openai.com/v1
	Model             string
	APIKey            string
	Timeout           time.Duration
	CacheTTL          time.Duration
	MaxLRU            int
	RequestsPerSecond float64 // 0 disables client-side rate limiting
}

// Service is the embedding client. The detected vector size is written once
// under mu and read many times; Initialize-before-use is the service's
// responsibility.
type Service struct {
	cfg     Config
	http    *circuitbreaker.HTTPClient
	limiter *rate.Limiter
	cache   Cache
	lru     *LocalLRU
	log     *zap.Logger

	mu         sync.Mutex
	vectorSize int
}

// New builds a Service. cache may be nil; logger may be nil.
func New(cfg Config, cache Cache, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.MaxLRU == 0 {
		cfg.MaxLRU = 2048
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Service{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPClient(httpClient, "embedder", logger),
		limiter: limiter,
		cache:   cache,
		lru:     NewLocalLRU(cfg.MaxLRU),
		log:     logger,
	}
}

// VectorSize reports the embedder's native dimension, detected by embedding
// a sentinel string on first call and cached afterwards.
func (s *Service) VectorSize(ctx context.Context) (int, error) {
	s.mu.Lock()
	cached := s.vectorSize
	s.mu.Unlock()
	if cached > 0 {
		return cached, nil
	}

	vec, err := s.Embed(ctx, "test")
	if err != nil {
		return 0, fmt.Errorf("detect embedding dimension: %w", err)
	}

	s.mu.Lock()
	if s.vectorSize == 0 {
		s.vectorSize = len(vec)
	}
	size := s.vectorSize
	s.mu.Unlock()

	s.log.Info("detected embedding dimension",
		zap.String("model", s.cfg.Model),
		zap.Int("dimension", size))
	return size, nil
}

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	key := MakeKey(s.cfg.Model, text)
	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.RecordEmbeddingRequest(s.cfg.Model, "lru_hit", 0)
		return v, nil
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, 30*time.Minute)
			metrics.RecordEmbeddingRequest(s.cfg.Model, "cache_hit", 0)
			return v, nil
		}
	}

	vecs, err := s.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	out := vecs[0]
	s.lru.Set(ctx, key, out, 30*time.Minute)
	if s.cache != nil {
		s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
	}
	return out, nil
}

// EmbedBatch embeds multiple texts in one request, preserving input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	results := make([][]float32, len(texts))
	var uncached []string
	var uncachedIdx []int

	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, ErrEmptyInput
		}
		key := MakeKey(s.cfg.Model, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.RecordEmbeddingRequest(s.cfg.Model, "lru_hit", 0)
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, 30*time.Minute)
				metrics.RecordEmbeddingRequest(s.cfg.Model, "cache_hit", 0)
				continue
			}
		}
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	vecs, err := s.request(ctx, uncached)
	if err != nil {
		return nil, err
	}
	for i, vec := range vecs {
		idx := uncachedIdx[i]
		results[idx] = vec
		key := MakeKey(s.cfg.Model, uncached[i])
		s.lru.Set(ctx, key, vec, 30*time.Minute)
		if s.cache != nil {
			s.cache.Set(ctx, key, vec, s.cfg.CacheTTL)
		}
	}
	return results, nil
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (s *Service) request(ctx context.Context, texts []string) ([][]float32, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	url := strings.TrimRight(s.cfg.Endpoint, "/") + "/embeddings"

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(embedRequest{Input: texts, Model: s.cfg.Model})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.RecordEmbeddingRequest(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbeddingRequest(s.cfg.Model, "error", time.Since(start).Seconds())
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		metrics.RecordEmbeddingRequest(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(er.Data) != len(texts) {
		metrics.RecordEmbeddingRequest(s.cfg.Model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding endpoint returned %d vectors for %d texts", len(er.Data), len(texts))
	}

	// The endpoint may return entries out of order; index is authoritative.
	sort.Slice(er.Data, func(i, j int) bool { return er.Data[i].Index < er.Data[j].Index })
	out := make([][]float32, len(er.Data))
	for i, d := range er.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	metrics.RecordEmbeddingRequest(s.cfg.Model, "ok", time.Since(start).Seconds())
	return out, nil
}
