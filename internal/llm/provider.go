// Package llm implements the three prompt-driven operations the memory
// pipeline needs: extraction, merging and reranking. It speaks the
// OpenAI-compatible chat completions wire format.
//
// Extraction and reranking degrade silently on malformed model output
// (empty list, identity order): those are expected model-quality failures,
// not system failures. Transport errors always propagate.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/memnet-ai/memnet/internal/circuitbreaker"
	"github.com/memnet-ai/memnet/internal/metrics"
	"github.com/memnet-ai/memnet/internal/tracing"
	"github.com/memnet-ai/memnet/internal/vectorstore"
)

// ExtractedMemory is a single statement produced by the extractor.
type ExtractedMemory struct {
	Data string `json:"data"`
}

// Config controls the LLM client.
type Config struct {
	Endpoint          string // base URL, e.g. https://api.openai.com/v1
	Model             string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables client-side rate limiting
}

// Provider is the chat-completions client.
type Provider struct {
	cfg     Config
	http    *circuitbreaker.HTTPClient
	limiter *rate.Limiter
	log     *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Provider{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPClient(httpClient, "llm", logger),
		limiter: limiter,
		log:     logger,
	}
}

// ExtractMemories distills a conversation into atomic statements. Returns
// an empty list when the model output cannot be parsed.
func (p *Provider) ExtractMemories(ctx context.Context, conversation string) ([]ExtractedMemory, error) {
	start := time.Now()
	content, err := p.complete(ctx, extractSystemPrompt, conversation)
	if err != nil {
		metrics.RecordLLMRequest("extract", "error", time.Since(start).Seconds())
		return nil, err
	}

	var parsed struct {
		Memories []ExtractedMemory `json:"memories"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &parsed); err != nil {
		p.log.Warn("unparseable extraction response, treating as empty",
			zap.Error(err),
			zap.String("model", p.cfg.Model))
		metrics.RecordLLMRequest("extract", "unparseable", time.Since(start).Seconds())
		return nil, nil
	}

	out := make([]ExtractedMemory, 0, len(parsed.Memories))
	for _, m := range parsed.Memories {
		if strings.TrimSpace(m.Data) != "" {
			out = append(out, ExtractedMemory{Data: strings.TrimSpace(m.Data)})
		}
	}
	metrics.RecordLLMRequest("extract", "ok", time.Since(start).Seconds())
	return out, nil
}

// MergeMemories consolidates an existing memory with a new one about the
// same fact, preferring the newer on conflict.
func (p *Provider) MergeMemories(ctx context.Context, existing, update string) (string, error) {
	start := time.Now()
	user := fmt.Sprintf("Existing memory: %s\nNew memory: %s", existing, update)
	content, err := p.complete(ctx, mergeSystemPrompt, user)
	if err != nil {
		metrics.RecordLLMRequest("merge", "error", time.Since(start).Seconds())
		return "", err
	}
	merged := strings.TrimSpace(stripFences(content))
	if merged == "" {
		// Model returned nothing usable; the newer statement stands alone.
		merged = update
	}
	metrics.RecordLLMRequest("merge", "ok", time.Since(start).Seconds())
	return merged, nil
}

// Rerank reorders search results by relevance to the query. The model's
// order is authoritative; out-of-range indices are filtered and omitted
// indices are dropped. On parse failure the input order is returned
// unchanged (fail-open).
func (p *Provider) Rerank(ctx context.Context, query string, results []vectorstore.SearchResult) ([]vectorstore.SearchResult, error) {
	if len(results) == 0 {
		return results, nil
	}
	start := time.Now()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nMemories:\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n", i, r.Item.Data)
	}

	content, err := p.complete(ctx, rerankSystemPrompt, sb.String())
	if err != nil {
		metrics.RecordLLMRequest("rerank", "error", time.Since(start).Seconds())
		return nil, err
	}

	var parsed struct {
		RankedIndices []int `json:"ranked_indices"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &parsed); err != nil {
		p.log.Warn("unparseable rerank response, keeping store order",
			zap.Error(err),
			zap.String("model", p.cfg.Model))
		metrics.RecordLLMRequest("rerank", "unparseable", time.Since(start).Seconds())
		return results, nil
	}

	reranked := make([]vectorstore.SearchResult, 0, len(results))
	for _, idx := range parsed.RankedIndices {
		if idx >= 0 && idx < len(results) {
			reranked = append(reranked, results[idx])
		}
	}
	metrics.RecordLLMRequest("rerank", "ok", time.Since(start).Seconds())
	return reranked, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// complete issues a single one-shot completion and returns the raw content.
func (p *Provider) complete(ctx context.Context, system, user string) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	url := strings.TrimRight(p.cfg.Endpoint, "/") + "/chat/completions"

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body := chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := p.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("llm endpoint returned %d: %s", resp.StatusCode, string(b))
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("llm endpoint returned no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

// stripFences removes a surrounding markdown code fence, which models emit
// even when asked for bare JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
