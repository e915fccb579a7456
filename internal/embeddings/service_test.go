package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEmbedder(t *testing.T, dim int, calls *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		require.Equal(t, "/v1/embeddings", r.URL.Path)

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type datum struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Data []datum `json:"data"`
		}{}
		// Return entries in reverse to exercise index-based reordering.
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float64, dim)
			vec[0] = float64(len(req.Input[i]))
			resp.Data = append(resp.Data, datum{Embedding: vec, Index: i})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestVectorSizeProbeCachesDimension(t *testing.T) {
	var calls int64
	srv := fakeEmbedder(t, 1536, &calls)
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL + "/v1"}, nil, nil)
	ctx := context.Background()

	size, err := s.VectorSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1536, size)

	size, err = s.VectorSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1536, size)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	s := New(Config{Endpoint: "http://unused"}, nil, nil)
	_, err := s.Embed(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = s.EmbedBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	var calls int64
	srv := fakeEmbedder(t, 4, &calls)
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL + "/v1"}, nil, nil)
	vecs, err := s.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	// Server encodes len(text) into component 0.
	assert.Equal(t, float32(1), vecs[0][0])
	assert.Equal(t, float32(2), vecs[1][0])
	assert.Equal(t, float32(3), vecs[2][0])
}

func TestEmbedUsesLRU(t *testing.T) {
	var calls int64
	srv := fakeEmbedder(t, 4, &calls)
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL + "/v1"}, nil, nil)
	ctx := context.Background()

	_, err := s.Embed(ctx, "hello")
	require.NoError(t, err)
	_, err = s.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestEmbedSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := New(Config{Endpoint: srv.URL + "/v1"}, nil, nil)
	_, err := s.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestLocalLRUEvictsOldest(t *testing.T) {
	lru := NewLocalLRU(2)
	ctx := context.Background()
	lru.Set(ctx, "a", []float32{1}, time.Minute)
	lru.Set(ctx, "b", []float32{2}, time.Minute)
	lru.Set(ctx, "c", []float32{3}, time.Minute)

	_, ok := lru.Get(ctx, "a")
	assert.False(t, ok)
	v, ok := lru.Get(ctx, "c")
	require.True(t, ok)
	assert.Equal(t, []float32{3}, v)
}

func TestLocalLRUExpiry(t *testing.T) {
	lru := NewLocalLRU(4)
	ctx := context.Background()
	lru.Set(ctx, "a", []float32{1}, -time.Second)
	_, ok := lru.Get(ctx, "a")
	assert.False(t, ok)
}
