// Package redisstore implements the vectorstore contract on Redis with the
// RediSearch module. Memories live in hashes keyed {collection}:{id}; the
// embedding is a little-endian float32 blob indexed by an HNSW cosine index.
package redisstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memnet-ai/memnet/internal/metrics"
	"github.com/memnet-ai/memnet/internal/vectorstore"
)

const (
	backendName = "redis"
	scoreField  = "__embedding_score"
)

// Config controls the Redis store. APIKey carries credentials as
// "username:password" or a bare password.
type Config struct {
	Addr       string
	Collection string
	APIKey     string
	DB         int
}

type Store struct {
	rdb        redis.UniversalClient
	collection string
	log        *zap.Logger

	vectorSize int
}

var _ vectorstore.Store = (*Store)(nil)

func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redisstore: addr is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("redisstore: collection is required")
	}
	var username, password string
	if cfg.APIKey != "" {
		if user, pass, ok := strings.Cut(cfg.APIKey, ":"); ok {
			username, password = user, pass
		} else {
			password = cfg.APIKey
		}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: username,
		Password: password,
		DB:       cfg.DB,
		// RESP2 keeps FT.SEARCH replies positional.
		Protocol: 2,
	})
	return NewWithClient(rdb, cfg.Collection, logger), nil
}

// NewWithClient wraps an existing connection; used by tests.
func NewWithClient(rdb redis.UniversalClient, collection string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: rdb, collection: collection, log: logger}
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) key(id string) string { return s.collection + ":" + id }
func (s *Store) schemaKey() string    { return "memnet:schema:" + s.collection }

func (s *Store) EnsureCollectionExists(ctx context.Context, vectorSize int, allowRecreation bool) error {
	start := time.Now()
	existing, err := s.rdb.Get(ctx, s.schemaKey()).Result()
	switch {
	case err == redis.Nil:
		// First use, fall through to index creation.
	case err != nil:
		metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
		return fmt.Errorf("redisstore: read schema: %w", err)
	default:
		dim, convErr := strconv.Atoi(existing)
		if convErr != nil {
			return fmt.Errorf("redisstore: corrupt schema key %q: %w", existing, convErr)
		}
		if dim == vectorSize {
			s.vectorSize = vectorSize
			metrics.RecordVectorStoreRequest(backendName, "ensure", "ok", time.Since(start).Seconds())
			return nil
		}
		if !allowRecreation {
			metrics.RecordVectorStoreRequest(backendName, "ensure", "mismatch", time.Since(start).Seconds())
			return &vectorstore.SchemaMismatchError{Collection: s.collection, Existing: dim, Requested: vectorSize}
		}
		s.log.Info("recreating index with new dimension",
			zap.String("collection", s.collection),
			zap.Int("old_dim", dim),
			zap.Int("new_dim", vectorSize))
		// DD drops the indexed hashes along with the index.
		if err := s.rdb.Do(ctx, "FT.DROPINDEX", s.collection, "DD").Err(); err != nil && !isUnknownIndex(err) {
			metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
			return fmt.Errorf("redisstore: drop index: %w", err)
		}
	}

	err = s.rdb.Do(ctx,
		"FT.CREATE", s.collection, "ON", "HASH", "PREFIX", "1", s.collection+":",
		"SCHEMA",
		"user_id", "TAG",
		"data", "TEXT",
		"embedding", "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(vectorSize),
		"DISTANCE_METRIC", "COSINE",
	).Err()
	if err != nil && !isIndexExists(err) {
		metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
		return fmt.Errorf("redisstore: create index: %w", err)
	}
	if err := s.rdb.Set(ctx, s.schemaKey(), strconv.Itoa(vectorSize), 0).Err(); err != nil {
		metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
		return fmt.Errorf("redisstore: record schema: %w", err)
	}
	s.vectorSize = vectorSize
	metrics.RecordVectorStoreRequest(backendName, "ensure", "ok", time.Since(start).Seconds())
	return nil
}

func isUnknownIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index") || strings.Contains(msg, "no such index")
}

func isIndexExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func (s *Store) Insert(ctx context.Context, items []vectorstore.MemoryItem) error {
	return s.upsert(ctx, "insert", items)
}

func (s *Store) Update(ctx context.Context, items []vectorstore.MemoryItem) error {
	return s.upsert(ctx, "update", items)
}

func (s *Store) upsert(ctx context.Context, op string, items []vectorstore.MemoryItem) error {
	if s.vectorSize == 0 {
		return vectorstore.ErrNotInitialized
	}
	if err := vectorstore.ValidateItems(items, s.vectorSize); err != nil {
		return err
	}
	start := time.Now()
	pipe := s.rdb.Pipeline()
	for _, it := range items {
		fields, err := itemFields(it)
		if err != nil {
			return err
		}
		pipe.HSet(ctx, s.key(it.ID), fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RecordVectorStoreRequest(backendName, op, "error", time.Since(start).Seconds())
		return fmt.Errorf("redisstore: upsert: %w", err)
	}
	metrics.RecordVectorStoreRequest(backendName, op, "ok", time.Since(start).Seconds())
	return nil
}

// knnQuery composes the single KNN query shape the index supports, with the
// user filter as a tag predicate when present.
func knnQuery(userID string) string {
	base := "*"
	if userID != "" {
		base = "(@user_id:{" + escapeTag(userID) + "})"
	}
	return base + "=>[KNN $k @embedding $vec AS " + scoreField + "]"
}

// escapeTag backslash-escapes the characters RediSearch treats as syntax
// inside a tag predicate.
func escapeTag(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case ',', '.', '<', '>', '{', '}', '[', ']', '"', '\'', ':', ';',
			'!', '@', '#', '$', '%', '^', '&', '*', '(', ')', '-', '+',
			'=', '~', '|', '/', '\\', ' ':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *Store) Search(ctx context.Context, query []float32, userID string, limit int) ([]vectorstore.SearchResult, error) {
	start := time.Now()
	raw, err := s.rdb.Do(ctx,
		"FT.SEARCH", s.collection, knnQuery(userID),
		"PARAMS", "4", "k", strconv.Itoa(limit), "vec", string(encodeVector(query)),
		"SORTBY", scoreField,
		"LIMIT", "0", strconv.Itoa(limit),
		"DIALECT", "2",
	).Result()
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "search", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("redisstore: search: %w", err)
	}

	results, err := parseSearchReply(raw)
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "search", "error", time.Since(start).Seconds())
		return nil, err
	}
	metrics.RecordVectorStoreRequest(backendName, "search", "ok", time.Since(start).Seconds())
	return results, nil
}

// parseSearchReply decodes the positional RESP2 FT.SEARCH reply:
// [count, key1, [field1, value1, ...], key2, ...].
func parseSearchReply(raw interface{}) ([]vectorstore.SearchResult, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("redisstore: unexpected search reply %T", raw)
	}
	results := make([]vectorstore.SearchResult, 0, (len(arr)-1)/2)
	for i := 1; i+1 < len(arr); i += 2 {
		fieldList, ok := arr[i+1].([]interface{})
		if !ok {
			return nil, fmt.Errorf("redisstore: unexpected document reply %T", arr[i+1])
		}
		fields := make(map[string]string, len(fieldList)/2)
		for j := 0; j+1 < len(fieldList); j += 2 {
			k, _ := fieldList[j].(string)
			v, _ := fieldList[j+1].(string)
			fields[k] = v
		}
		item, err := fieldsItem(fields)
		if err != nil {
			return nil, err
		}
		distance, err := strconv.ParseFloat(fields[scoreField], 64)
		if err != nil {
			return nil, fmt.Errorf("redisstore: bad score %q: %w", fields[scoreField], err)
		}
		results = append(results, vectorstore.SearchResult{
			Item:  item,
			Score: vectorstore.ClampScore(1 - distance),
		})
	}
	return results, nil
}

func (s *Store) List(ctx context.Context, userID string, limit int) ([]vectorstore.MemoryItem, error) {
	start := time.Now()
	items, err := s.scanItems(ctx, userID)
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "list", "error", time.Since(start).Seconds())
		return nil, err
	}
	sortByCreatedAtDesc(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	metrics.RecordVectorStoreRequest(backendName, "list", "ok", time.Since(start).Seconds())
	return items, nil
}

func (s *Store) Get(ctx context.Context, id string) (*vectorstore.MemoryItem, error) {
	start := time.Now()
	fields, err := s.rdb.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "get", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("redisstore: get: %w", err)
	}
	if len(fields) == 0 {
		metrics.RecordVectorStoreRequest(backendName, "get", "miss", time.Since(start).Seconds())
		return nil, nil
	}
	item, err := fieldsItem(fields)
	if err != nil {
		return nil, err
	}
	metrics.RecordVectorStoreRequest(backendName, "get", "ok", time.Since(start).Seconds())
	return &item, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		metrics.RecordVectorStoreRequest(backendName, "delete", "error", time.Since(start).Seconds())
		return fmt.Errorf("redisstore: delete: %w", err)
	}
	metrics.RecordVectorStoreRequest(backendName, "delete", "ok", time.Since(start).Seconds())
	return nil
}

func (s *Store) DeleteByUser(ctx context.Context, userID string) error {
	start := time.Now()
	items, err := s.scanItems(ctx, userID)
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "delete_by_user", "error", time.Since(start).Seconds())
		return err
	}
	if len(items) == 0 {
		metrics.RecordVectorStoreRequest(backendName, "delete_by_user", "ok", time.Since(start).Seconds())
		return nil
	}
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = s.key(it.ID)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		metrics.RecordVectorStoreRequest(backendName, "delete_by_user", "error", time.Since(start).Seconds())
		return fmt.Errorf("redisstore: delete by user: %w", err)
	}
	metrics.RecordVectorStoreRequest(backendName, "delete_by_user", "ok", time.Since(start).Seconds())
	return nil
}

// scanItems walks the hash keyspace under the collection prefix; empty
// userID matches everything.
func (s *Store) scanItems(ctx context.Context, userID string) ([]vectorstore.MemoryItem, error) {
	var items []vectorstore.MemoryItem
	iter := s.rdb.Scan(ctx, 0, s.collection+":*", 0).Iterator()
	for iter.Next(ctx) {
		fields, err := s.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: scan read: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		if userID != "" && fields["user_id"] != userID {
			continue
		}
		item, err := fieldsItem(fields)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redisstore: scan: %w", err)
	}
	return items, nil
}

func sortByCreatedAtDesc(items []vectorstore.MemoryItem) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

func itemFields(it vectorstore.MemoryItem) (map[string]interface{}, error) {
	fields := map[string]interface{}{
		"id":         it.ID,
		"data":       it.Data,
		"user_id":    it.UserID,
		"agent_id":   it.AgentID,
		"run_id":     it.RunID,
		"hash":       it.Hash,
		"created_at": it.CreatedAt.UTC().Format(time.RFC3339Nano),
		"embedding":  string(encodeVector(it.Embedding)),
	}
	if it.UpdatedAt != nil {
		fields["updated_at"] = it.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if it.Metadata != nil {
		b, err := json.Marshal(it.Metadata)
		if err != nil {
			return nil, fmt.Errorf("redisstore: encode metadata: %w", err)
		}
		fields["metadata"] = string(b)
	}
	return fields, nil
}

func fieldsItem(fields map[string]string) (vectorstore.MemoryItem, error) {
	item := vectorstore.MemoryItem{
		ID:      fields["id"],
		Data:    fields["data"],
		UserID:  fields["user_id"],
		AgentID: fields["agent_id"],
		RunID:   fields["run_id"],
		Hash:    fields["hash"],
	}
	if v := fields["created_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return item, fmt.Errorf("redisstore: bad created_at for %s: %w", item.ID, err)
		}
		item.CreatedAt = t
	}
	if v := fields["updated_at"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return item, fmt.Errorf("redisstore: bad updated_at for %s: %w", item.ID, err)
		}
		item.UpdatedAt = &t
	}
	if v := fields["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &item.Metadata); err != nil {
			return item, fmt.Errorf("redisstore: decode metadata for %s: %w", item.ID, err)
		}
	}
	return item, nil
}

// encodeVector packs float32 components as little-endian bytes, the layout
// RediSearch expects for FLOAT32 vector fields.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec
}
