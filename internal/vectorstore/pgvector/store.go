// Package pgvector implements the vectorstore contract on Postgres with the
// pgvector extension. One row per memory, scalar fields as columns, cosine
// distance via the <=> operator converted to similarity.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/memnet-ai/memnet/internal/metrics"
	"github.com/memnet-ai/memnet/internal/vectorstore"
)

const backendName = "pgvector"

// Collection names become table names; restrict them to safe identifiers.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config controls the Postgres store.
type Config struct {
	DSN        string // lib/pq connection string or URL
	Collection string
}

type Store struct {
	db    *sqlx.DB
	table string
	log   *zap.Logger

	vectorSize int
}

var _ vectorstore.Store = (*Store)(nil)

func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgvector: dsn is required")
	}
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector: connect: %w", err)
	}
	return NewWithDB(db, cfg.Collection, logger)
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sqlx.DB, collection string, logger *zap.Logger) (*Store, error) {
	if !identPattern.MatchString(collection) {
		return nil, fmt.Errorf("pgvector: invalid collection name %q", collection)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, table: collection, log: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) EnsureCollectionExists(ctx context.Context, vectorSize int, allowRecreation bool) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
		return fmt.Errorf("pgvector: create extension: %w", err)
	}

	var reg sql.NullString
	if err := s.db.GetContext(ctx, &reg, "SELECT to_regclass($1)::text", s.table); err != nil {
		metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
		return fmt.Errorf("pgvector: probe table: %w", err)
	}

	if reg.Valid {
		// pgvector stores the declared dimension in atttypmod.
		var existing int
		err := s.db.GetContext(ctx, &existing,
			"SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'", s.table)
		if err != nil {
			metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
			return fmt.Errorf("pgvector: read embedding dimension: %w", err)
		}
		if existing == vectorSize {
			s.vectorSize = vectorSize
			metrics.RecordVectorStoreRequest(backendName, "ensure", "ok", time.Since(start).Seconds())
			return nil
		}
		if !allowRecreation {
			metrics.RecordVectorStoreRequest(backendName, "ensure", "mismatch", time.Since(start).Seconds())
			return &vectorstore.SchemaMismatchError{Collection: s.table, Existing: existing, Requested: vectorSize}
		}
		s.log.Info("recreating table with new dimension",
			zap.String("table", s.table),
			zap.Int("old_dim", existing),
			zap.Int("new_dim", vectorSize))
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", s.table)); err != nil {
			metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
			return fmt.Errorf("pgvector: drop table: %w", err)
		}
	}

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		embedding vector(%d) NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ
	)`, s.table, vectorSize)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
		return fmt.Errorf("pgvector: create table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)",
		s.table, s.table)); err != nil {
		metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
		return fmt.Errorf("pgvector: create vector index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s_user_id_idx ON %s (user_id)",
		s.table, s.table)); err != nil {
		metrics.RecordVectorStoreRequest(backendName, "ensure", "error", time.Since(start).Seconds())
		return fmt.Errorf("pgvector: create user index: %w", err)
	}
	s.vectorSize = vectorSize
	metrics.RecordVectorStoreRequest(backendName, "ensure", "ok", time.Since(start).Seconds())
	return nil
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
	query := fmt.Sprintf(`INSERT INTO %s
		(id, data, embedding, user_id, agent_id, run_id, metadata, hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			hash = EXCLUDED.hash,
			updated_at = EXCLUDED.updated_at`, s.table)
	for _, it := range items {
		meta, err := marshalMetadata(it.Metadata)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, query,
			it.ID, it.Data, vectorLiteral(it.Embedding),
			it.UserID, it.AgentID, it.RunID,
			meta, it.Hash, it.CreatedAt, it.UpdatedAt)
		if err != nil {
			metrics.RecordVectorStoreRequest(backendName, op, "error", time.Since(start).Seconds())
			return fmt.Errorf("pgvector: upsert %s: %w", it.ID, err)
		}
	}
	metrics.RecordVectorStoreRequest(backendName, op, "ok", time.Since(start).Seconds())
	return nil
}

type row struct {
	ID        string         `db:"id"`
	Data      string         `db:"data"`
	UserID    string         `db:"user_id"`
	AgentID   string         `db:"agent_id"`
	RunID     string         `db:"run_id"`
	Metadata  []byte         `db:"metadata"`
	Hash      string         `db:"hash"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt *time.Time     `db:"updated_at"`
	Score     sql.NullFloat64 `db:"score"`
}

const itemColumns = "id, data, user_id, agent_id, run_id, metadata, hash, created_at, updated_at"

func (s *Store) Search(ctx context.Context, query []float32, userID string, limit int) ([]vectorstore.SearchResult, error) {
	start := time.Now()
	var (
		rows []row
		err  error
	)
	if userID != "" {
		q := fmt.Sprintf(`SELECT %s, 1 - (embedding <=> $1) AS score FROM %s
			WHERE user_id = $2 ORDER BY embedding <=> $1 LIMIT $3`, itemColumns, s.table)
		err = s.db.SelectContext(ctx, &rows, q, vectorLiteral(query), userID, limit)
	} else {
		q := fmt.Sprintf(`SELECT %s, 1 - (embedding <=> $1) AS score FROM %s
			ORDER BY embedding <=> $1 LIMIT $2`, itemColumns, s.table)
		err = s.db.SelectContext(ctx, &rows, q, vectorLiteral(query), limit)
	}
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "search", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}

	results := make([]vectorstore.SearchResult, 0, len(rows))
	for _, r := range rows {
		item, err := r.toItem()
		if err != nil {
			return nil, err
		}
		results = append(results, vectorstore.SearchResult{
			Item:  item,
			Score: vectorstore.ClampScore(r.Score.Float64),
		})
	}
	metrics.RecordVectorStoreRequest(backendName, "search", "ok", time.Since(start).Seconds())
	return results, nil
}

func (s *Store) List(ctx context.Context, userID string, limit int) ([]vectorstore.MemoryItem, error) {
	start := time.Now()
	var (
		rows []row
		err  error
	)
	if userID != "" {
		q := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2", itemColumns, s.table)
		err = s.db.SelectContext(ctx, &rows, q, userID, limit)
	} else {
		q := fmt.Sprintf("SELECT %s FROM %s ORDER BY created_at DESC LIMIT $1", itemColumns, s.table)
		err = s.db.SelectContext(ctx, &rows, q, limit)
	}
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "list", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("pgvector: list: %w", err)
	}

	items := make([]vectorstore.MemoryItem, 0, len(rows))
	for _, r := range rows {
		item, err := r.toItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	metrics.RecordVectorStoreRequest(backendName, "list", "ok", time.Since(start).Seconds())
	return items, nil
}

func (s *Store) Get(ctx context.Context, id string) (*vectorstore.MemoryItem, error) {
	start := time.Now()
	var r row
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", itemColumns, s.table)
	err := s.db.GetContext(ctx, &r, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordVectorStoreRequest(backendName, "get", "miss", time.Since(start).Seconds())
		return nil, nil
	}
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "get", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("pgvector: get: %w", err)
	}
	item, err := r.toItem()
	if err != nil {
		return nil, err
	}
	metrics.RecordVectorStoreRequest(backendName, "get", "ok", time.Since(start).Seconds())
	return &item, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table), id)
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "delete", "error", time.Since(start).Seconds())
		return fmt.Errorf("pgvector: delete: %w", err)
	}
	metrics.RecordVectorStoreRequest(backendName, "delete", "ok", time.Since(start).Seconds())
	return nil
}

func (s *Store) DeleteByUser(ctx context.Context, userID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id = $1", s.table), userID)
	if err != nil {
		metrics.RecordVectorStoreRequest(backendName, "delete_by_user", "error", time.Since(start).Seconds())
		return fmt.Errorf("pgvector: delete by user: %w", err)
	}
	metrics.RecordVectorStoreRequest(backendName, "delete_by_user", "ok", time.Since(start).Seconds())
	return nil
}

func (r row) toItem() (vectorstore.MemoryItem, error) {
	item := vectorstore.MemoryItem{
		ID:        r.ID,
		Data:      r.Data,
		UserID:    r.UserID,
		AgentID:   r.AgentID,
		RunID:     r.RunID,
		Hash:      r.Hash,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &item.Metadata); err != nil {
			return item, fmt.Errorf("pgvector: decode metadata for %s: %w", r.ID, err)
		}
	}
	return item, nil
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("pgvector: encode metadata: %w", err)
	}
	return b, nil
}

// vectorLiteral renders a pgvector input literal, e.g. [0.1,0.2,0.3].
func vectorLiteral(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
