// Package httpapi exposes the memory service over a small JSON HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/memnet-ai/memnet/internal/memory"
	"github.com/memnet-ai/memnet/internal/metrics"
	"github.com/memnet-ai/memnet/internal/vectorstore"
)

// MemoryService is the part of the memory engine the API needs.
type MemoryService interface {
	Add(ctx context.Context, req memory.AddRequest) (*memory.AddResponse, error)
	Search(ctx context.Context, req memory.SearchRequest) ([]vectorstore.SearchResult, error)
	Update(ctx context.Context, id, content string) (bool, error)
	Get(ctx context.Context, id string) (*vectorstore.MemoryItem, error)
	GetAll(ctx context.Context, userID string, limit int) ([]vectorstore.MemoryItem, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context, userID string) error
}

type Server struct {
	svc MemoryService
	log *zap.Logger
	mux *http.ServeMux
}

func NewServer(svc MemoryService, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, log: logger, mux: http.NewServeMux()}

	s.route("POST /v1/memories", s.handleAdd)
	s.route("GET /v1/memories", s.handleList)
	s.route("DELETE /v1/memories", s.handleDeleteAll)
	s.route("GET /v1/memories/{id}", s.handleGet)
	s.route("PATCH /v1/memories/{id}", s.handleUpdate)
	s.route("DELETE /v1/memories/{id}", s.handleDelete)
	s.route("POST /v1/search", s.handleSearch)

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// route wraps a handler with request logging and the per-route counter.
func (s *Server) route(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		metrics.HTTPRequests.WithLabelValues(pattern, strconv.Itoa(sw.code)).Inc()
		s.log.Debug("request",
			zap.String("route", pattern),
			zap.Int("code", sw.code),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req memory.AddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("messages must not be empty"))
		return
	}
	resp, err := s.svc.Add(r.Context(), req)
	if err != nil {
		s.fail(w, "add", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req memory.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query must not be empty"))
		return
	}
	results, err := s.svc.Search(r.Context(), req)
	if err != nil {
		s.fail(w, "search", err)
		return
	}
	type hit struct {
		ID        string                 `json:"id"`
		Memory    string                 `json:"memory"`
		Score     float64                `json:"score"`
		UserID    string                 `json:"userId,omitempty"`
		Metadata  map[string]interface{} `json:"metadata,omitempty"`
		CreatedAt time.Time              `json:"createdAt"`
		UpdatedAt *time.Time             `json:"updatedAt,omitempty"`
	}
	hits := make([]hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, hit{
			ID:        res.Item.ID,
			Memory:    res.Item.Data,
			Score:     res.Score,
			UserID:    res.Item.UserID,
			Metadata:  res.Item.Metadata,
			CreatedAt: res.Item.CreatedAt,
			UpdatedAt: res.Item.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": hits})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	items, err := s.svc.GetAll(r.Context(), userID, limit)
	if err != nil {
		s.fail(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "get", err)
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("memory not found"))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data string `json:"data"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Data == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("data must not be empty"))
		return
	}
	ok, err := s.svc.Update(r.Context(), r.PathValue("id"), req.Data)
	if err != nil {
		s.fail(w, "update", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("memory not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("userId is required"))
		return
	}
	if err := s.svc.DeleteAll(r.Context(), userID); err != nil {
		s.fail(w, "delete_all", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.log.Error("request failed", zap.String("op", op), zap.Error(err))

	var pe *vectorstore.ProtocolError
	if errors.As(err, &pe) {
		writeError(w, http.StatusBadGateway, fmt.Errorf("%s backend error", pe.Backend))
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
