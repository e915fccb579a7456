// Package qdrant implements the vectorstore contract over Qdrant's HTTP
// API. One point per memory; partition keys live in the point payload and
// are matched with must/match filters.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/memnet-ai/memnet/internal/circuitbreaker"
	"github.com/memnet-ai/memnet/internal/metrics"
	"github.com/memnet-ai/memnet/internal/tracing"
	"github.com/memnet-ai/memnet/internal/vectorstore"
)

const backendName = "qdrant"

// Config controls the Qdrant client.
type Config struct {
	Endpoint   string // e.g. http://localhost:6333
	Collection string
	APIKey     string
	Timeout    time.Duration
}

// Client is a minimal Qdrant HTTP client implementing vectorstore.Store.
type Client struct {
	cfg  Config
	base *url.URL
	http *circuitbreaker.HTTPClient
	log  *zap.Logger

	vectorSize int
}

var _ vectorstore.Store = (*Client)(nil)

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("qdrant: endpoint is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant: collection name is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("qdrant: parse endpoint: %w", err)
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:  cfg,
		base: base,
		http: circuitbreaker.NewHTTPClient(httpClient, "qdrant", logger),
		log:  logger,
	}, nil
}

// url canonicalizes a path against the configured base so sibling
// operations cannot disagree about leading slashes.
func (c *Client) url(parts ...string) string {
	return c.base.JoinPath(parts...).String()
}

func (c *Client) do(ctx context.Context, method, u string, body interface{}, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(buf)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, method, u)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &vectorstore.ProtocolError{Backend: backendName, Status: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("qdrant: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

type collectionInfoResponse struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

func (c *Client) EnsureCollectionExists(ctx context.Context, vectorSize int, allowRecreation bool) error {
	start := time.Now()
	var info collectionInfoResponse
	status, err := c.do(ctx, http.MethodGet, c.url("collections", c.cfg.Collection), nil, &info)
	switch {
	case err == nil:
		existing := info.Result.Config.Params.Vectors.Size
		if existing == vectorSize {
			c.vectorSize = vectorSize
			metrics.RecordVectorStoreRequest(backendName, "ensure", "ok", time.Since(start).Seconds())
			return nil
		}
		if !allowRecreation {
			metrics.RecordVectorStoreRequest(backendName, "ensure", "mismatch", time.Since(start).Seconds())
			return &vectorstore.SchemaMismatchError{Collection: c.cfg.Collection, Existing: existing, Requested: vectorSize}
		}
		c.log.Info("recreating collection with new dimension",
			zap.String("collection", c.cfg.Collection),
			zap.Int("old_dim", existing),
			zap.Int("new_dim", vectorSize))
		if _, err := c.do(ctx, http.MethodDelete, c.url("collections", c.cfg.Collection), nil, nil); err != nil {
			metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
			return err
		}
	case status != http.StatusNotFound:
		metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
		return err
	}

	createBody := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	if _, err := c.do(ctx, http.MethodPut, c.url("collections", c.cfg.Collection), createBody, nil); err != nil {
		metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
		return err
	}
	c.vectorSize = vectorSize
	metrics.RecordVectorStoreRequest(backendName, "ensure", "ok", time.Since(start).Seconds())
	return nil
}

type point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}

func (c *Client) upsert(ctx context.Context, op string, items []vectorstore.MemoryItem) error {
	if c.vectorSize == 0 {
		return vectorstore.ErrNotInitialized
	}
	if err := vectorstore.ValidateItems(items, c.vectorSize); err != nil {
		return err
	}
	start := time.Now()
	points := make([]point, len(items))
	for i, it := range items {
		points[i] = point{ID: it.ID, Vector: it.Embedding, Payload: itemPayload(it)}
	}
	// wait=true so a subsequent Get observes the write.
	u := c.url("collections", c.cfg.Collection, "points") + "?wait=true"
	_, err := c.do(ctx, http.MethodPut, u, map[string]interface{}{"points": points}, nil)
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, op, "error", time.Since(start).Seconds())
		return err
	}
	metrics.RecordVectorStoreRequest(backendName, op, "ok", time.Since(start).Seconds())
	return nil
}

func (c *Client) Insert(ctx context.Context, items []vectorstore.MemoryItem) error {
	return c.upsert(ctx, "insert", items)
}

// Update relies on Qdrant's native upsert; no delete round-trip needed.
func (c *Client) Update(ctx context.Context, items []vectorstore.MemoryItem) error {
	return c.upsert(ctx, "update", items)
}

type scoredPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

func (c *Client) Search(ctx context.Context, query []float32, userID string, limit int) ([]vectorstore.SearchResult, error) {
	start := time.Now()
	body := map[string]interface{}{
		"query":        query,
		"limit":        limit,
		"with_payload": true,
	}
	if f := userFilter(userID); f != nil {
		body["filter"] = f
	}

	var qr struct {
		Result struct {
			Points []scoredPoint `json:"points"`
		} `json:"result"`
	}
	_, err := c.do(ctx, http.MethodPost, c.url("collections", c.cfg.Collection, "points", "query"), body, &qr)
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "search", "error", time.Since(start).Seconds())
		return nil, err
	}

	results := make([]vectorstore.SearchResult, 0, len(qr.Result.Points))
	for _, p := range qr.Result.Points {
		item := payloadItem(fmt.Sprintf("%v", p.ID), p.Payload)
		// Cosine scores from Qdrant are already similarities.
		results = append(results, vectorstore.SearchResult{Item: item, Score: vectorstore.ClampScore(p.Score)})
	}
	metrics.RecordVectorStoreRequest(backendName, "search", "ok", time.Since(start).Seconds())
	return results, nil
}

func (c *Client) List(ctx context.Context, userID string, limit int) ([]vectorstore.MemoryItem, error) {
	start := time.Now()
	body := map[string]interface{}{
		"limit":        limit,
		"with_payload": true,
	}
	if f := userFilter(userID); f != nil {
		body["filter"] = f
	}

	var sr struct {
		Result struct {
			Points []scoredPoint `json:"points"`
		} `json:"result"`
	}
	_, err := c.do(ctx, http.MethodPost, c.url("collections", c.cfg.Collection, "points", "scroll"), body, &sr)
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "list", "error", time.Since(start).Seconds())
		return nil, err
	}

	items := make([]vectorstore.MemoryItem, 0, len(sr.Result.Points))
	for _, p := range sr.Result.Points {
		items = append(items, payloadItem(fmt.Sprintf("%v", p.ID), p.Payload))
	}
	// Scroll order is storage order; sort newest first client-side.
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	metrics.RecordVectorStoreRequest(backendName, "list", "ok", time.Since(start).Seconds())
	return items, nil
}

func (c *Client) Get(ctx context.Context, id string) (*vectorstore.MemoryItem, error) {
	start := time.Now()
	var gr struct {
		Result struct {
			ID      interface{}            `json:"id"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	status, err := c.do(ctx, http.MethodGet, c.url("collections", c.cfg.Collection, "points", id), nil, &gr)
	if status == http.StatusNotFound {
		metrics.RecordVectorStoreRequest(backendName, "get", "miss", time.Since(start).Seconds())
		return nil, nil
	}
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "get", "error", time.Since(start).Seconds())
		return nil, err
	}
	item := payloadItem(id, gr.Result.Payload)
	metrics.RecordVectorStoreRequest(backendName, "get", "ok", time.Since(start).Seconds())
	return &item, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	start := time.Now()
	u := c.url("collections", c.cfg.Collection, "points", "delete") + "?wait=true"
	_, err := c.do(ctx, http.MethodPost, u, map[string]interface{}{"points": []string{id}}, nil)
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "delete", "error", time.Since(start).Seconds())
		return err
	}
	metrics.RecordVectorStoreRequest(backendName, "delete", "ok", time.Since(start).Seconds())
	return nil
}

func (c *Client) DeleteByUser(ctx context.Context, userID string) error {
	start := time.Now()
	u := c.url("collections", c.cfg.Collection, "points", "delete") + "?wait=true"
	_, err := c.do(ctx, http.MethodPost, u, map[string]interface{}{"filter": userFilter(userID)}, nil)
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "delete_by_user", "error", time.Since(start).Seconds())
		return err
	}
	metrics.RecordVectorStoreRequest(backendName, "delete_by_user", "ok", time.Since(start).Seconds())
	return nil
}

// userFilter builds a Qdrant must/match filter, or nil for no restriction.
func userFilter(userID string) map[string]interface{} {
	if userID == "" {
		return nil
	}
	return map[string]interface{}{
		"must": []map[string]interface{}{
			{"key": "userId", "match": map[string]interface{}{"value": userID}},
		},
	}
}

func itemPayload(it vectorstore.MemoryItem) map[string]interface{} {
	payload := map[string]interface{}{
		"data":      it.Data,
		"createdAt": it.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if it.UserID != "" {
		payload["userId"] = it.UserID
	}
	if it.AgentID != "" {
		payload["agentId"] = it.AgentID
	}
	if it.RunID != "" {
		payload["runId"] = it.RunID
	}
	if it.Metadata != nil {
		payload["metadata"] = it.Metadata
	}
	if it.Hash != "" {
		payload["hash"] = it.Hash
	}
	if it.UpdatedAt != nil {
		payload["updatedAt"] = it.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return payload
}

func payloadItem(id string, payload map[string]interface{}) vectorstore.MemoryItem {
	item := vectorstore.MemoryItem{ID: id}
	if payload == nil {
		return item
	}
	if v, ok := payload["data"].(string); ok {
		item.Data = v
	}
	if v, ok := payload["userId"].(string); ok {
		item.UserID = v
	}
	if v, ok := payload["agentId"].(string); ok {
		item.AgentID = v
	}
	if v, ok := payload["runId"].(string); ok {
		item.RunID = v
	}
	if v, ok := payload["metadata"].(map[string]interface{}); ok {
		item.Metadata = v
	}
	if v, ok := payload["hash"].(string); ok {
		item.Hash = v
	}
	if v, ok := payload["createdAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			item.CreatedAt = ts
		}
	}
	if v, ok := payload["updatedAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			item.UpdatedAt = &ts
		}
	}
	return item
}
