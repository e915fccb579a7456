package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memnet-ai/memnet/internal/vectorstore"
)

// newMiniStore backs the store with miniredis. The search module is not
// available there, so vectorSize is set directly and the tests exercise the
// hash read/write paths.
func newMiniStore(t *testing.T, dim int) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := NewWithClient(rdb, "memnet_collection", nil)
	s.vectorSize = dim
	return s
}

func testItem(id, userID string, vec []float32) vectorstore.MemoryItem {
	return vectorstore.MemoryItem{
		ID:        id,
		Data:      "memory " + id,
		Embedding: vec,
		UserID:    userID,
		Metadata:  map[string]interface{}{"source": "chat"},
		CreatedAt: time.Now().UTC(),
	}
}

// newMiniStoreRaw leaves initialization to the test.
func newMiniStoreRaw(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb, "memnet_collection", nil)
}

func TestEnsureAdoptsExistingIndex(t *testing.T) {
	s := newMiniStoreRaw(t)
	ctx := context.Background()

	// A prior process already created the index and recorded its
	// dimension; a fresh store must pick it up and accept writes.
	require.NoError(t, s.rdb.Set(ctx, s.schemaKey(), "3", 0).Err())
	require.NoError(t, s.EnsureCollectionExists(ctx, 3, false))

	require.NoError(t, s.Insert(ctx, []vectorstore.MemoryItem{testItem("m1", "u1", []float32{1, 0, 0})}))
	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "memory m1", got.Data)
}

func TestEnsureDimensionMismatch(t *testing.T) {
	s := newMiniStoreRaw(t)
	ctx := context.Background()

	require.NoError(t, s.rdb.Set(ctx, s.schemaKey(), "1536", 0).Err())

	err := s.EnsureCollectionExists(ctx, 1024, false)
	var sm *vectorstore.SchemaMismatchError
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, 1536, sm.Existing)
	assert.Equal(t, 1024, sm.Requested)
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := newMiniStore(t, 3)
	ctx := context.Background()

	it := testItem("m1", "u1", []float32{1, 0, 0})
	it.AgentID = "a1"
	require.NoError(t, s.Insert(ctx, []vectorstore.MemoryItem{it}))

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "memory m1", got.Data)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "a1", got.AgentID)
	assert.Equal(t, map[string]interface{}{"source": "chat"}, got.Metadata)
	assert.WithinDuration(t, it.CreatedAt, got.CreatedAt, time.Microsecond)
	assert.Nil(t, got.UpdatedAt)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newMiniStore(t, 3)

	got, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInsertBeforeInitialize(t *testing.T) {
	s := newMiniStore(t, 0)

	err := s.Insert(context.Background(), []vectorstore.MemoryItem{testItem("m1", "u1", []float32{1})})
	assert.ErrorIs(t, err, vectorstore.ErrNotInitialized)
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	s := newMiniStore(t, 3)

	err := s.Insert(context.Background(), []vectorstore.MemoryItem{testItem("m1", "u1", []float32{1, 0})})
	var de *vectorstore.DimensionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, de.Expected)
	assert.Equal(t, 2, de.Got)
}

func TestUpdatePersistsUpdatedAt(t *testing.T) {
	s := newMiniStore(t, 3)
	ctx := context.Background()

	it := testItem("m1", "u1", []float32{1, 0, 0})
	require.NoError(t, s.Insert(ctx, []vectorstore.MemoryItem{it}))

	updated := time.Now().UTC().Add(time.Minute)
	it.Data = "memory m1 revised"
	it.UpdatedAt = &updated
	require.NoError(t, s.Update(ctx, []vectorstore.MemoryItem{it}))

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "memory m1 revised", got.Data)
	require.NotNil(t, got.UpdatedAt)
	assert.WithinDuration(t, updated, *got.UpdatedAt, time.Microsecond)
}

func TestDeleteErases(t *testing.T) {
	s := newMiniStore(t, 3)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, []vectorstore.MemoryItem{testItem("m1", "u1", []float32{1, 0, 0})}))
	require.NoError(t, s.Delete(ctx, "m1"))

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteByUserLeavesOtherUsers(t *testing.T) {
	s := newMiniStore(t, 3)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, []vectorstore.MemoryItem{
		testItem("m1", "u1", []float32{1, 0, 0}),
		testItem("m2", "u1", []float32{0, 1, 0}),
		testItem("m3", "u2", []float32{0, 0, 1}),
	}))
	require.NoError(t, s.DeleteByUser(ctx, "u1"))

	items, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "m3", items[0].ID)
}

func TestListNewestFirstWithLimit(t *testing.T) {
	s := newMiniStore(t, 3)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"m1", "m2", "m3"} {
		it := testItem(id, "u1", []float32{1, 0, 0})
		it.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Insert(ctx, []vectorstore.MemoryItem{it}))
	}

	items, err := s.List(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "m3", items[0].ID)
	assert.Equal(t, "m2", items[1].ID)
}

func TestKNNQueryComposition(t *testing.T) {
	assert.Equal(t, "*=>[KNN $k @embedding $vec AS __embedding_score]", knnQuery(""))
	assert.Equal(t, "(@user_id:{u1})=>[KNN $k @embedding $vec AS __embedding_score]", knnQuery("u1"))
	assert.Equal(t, `(@user_id:{alice\@example\.com})=>[KNN $k @embedding $vec AS __embedding_score]`,
		knnQuery("alice@example.com"))
}

func TestEscapeTag(t *testing.T) {
	assert.Equal(t, "plain", escapeTag("plain"))
	assert.Equal(t, `user\-1`, escapeTag("user-1"))
	assert.Equal(t, `a\ b\{c\}`, escapeTag("a b{c}"))
}

func TestVectorCodecRoundTrip(t *testing.T) {
	in := []float32{0.25, -1, 3.5, 0}
	out := decodeVector(encodeVector(in))
	assert.Equal(t, in, out)

	assert.Empty(t, decodeVector(encodeVector(nil)))
}

func TestParseSearchReply(t *testing.T) {
	created := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	raw := []interface{}{
		int64(2),
		"memnet_collection:m1",
		[]interface{}{
			"id", "m1",
			"data", "User likes tea.",
			"user_id", "u1",
			"created_at", created.Format(time.RFC3339Nano),
			"__embedding_score", "0.12",
		},
		"memnet_collection:m2",
		[]interface{}{
			"id", "m2",
			"data", "User likes coffee.",
			"user_id", "u1",
			"created_at", created.Format(time.RFC3339Nano),
			"__embedding_score", "1.7",
		},
	}

	results, err := parseSearchReply(raw)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "m1", results[0].Item.ID)
	assert.InDelta(t, 0.88, results[0].Score, 1e-9)
	assert.Equal(t, created, results[0].Item.CreatedAt)
	// Distance beyond 1 clamps to zero similarity.
	assert.Equal(t, 0.0, results[1].Score)
}

func TestParseSearchReplyEmpty(t *testing.T) {
	results, err := parseSearchReply([]interface{}{int64(0)})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestParseSearchReplyMalformed(t *testing.T) {
	_, err := parseSearchReply("not an array")
	assert.Error(t, err)
}
