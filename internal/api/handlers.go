// Package api exposes the memory engine over HTTP (chi router, bearer auth)
// and over MCP for assistant integrations.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/engram/internal/backfill"
	"github.com/kalambet/engram/internal/memory"
	"github.com/kalambet/engram/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps carries everything the HTTP handlers need.
type AppDeps struct {
	Memory   *memory.Engine
	Store    *storage.Store
	Backfill *backfill.Runner
	Token    string
}

// NewAppHandler returns the HTTP API. All routes except /health require the
// bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/recall", handleRecall(deps))
		r.Post("/commit", handleCommit(deps))
		r.Post("/backfill", handleBackfill(deps))
		r.Get("/interactions", handleListInteractions(deps))
		r.Get("/interactions/{id}", handleGetInteraction(deps))
		r.Get("/entities", handleListEntities(deps))
		r.Get("/entities/{key}", handleGetEntity(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// RecallRequest is the body of POST /recall.
type RecallRequest struct {
	UserID string `json:"user_id"`
	Input  string `json:"input"`
}

func handleRecall(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RecallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		result, err := deps.Memory.Recall(r.Context(), req.UserID, req.Input)
		if err != nil {
			writeEngineError(w, err, "recall failed")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

// CommitRequest is the body of POST /commit.
type CommitRequest struct {
	UserID  string   `json:"user_id"`
	Input   string   `json:"input"`
	Output  string   `json:"output"`
	UsedIDs []string `json:"used_ids"`
}

func handleCommit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CommitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id, err := deps.Memory.Commit(r.Context(), req.UserID, req.Input, req.Output, req.UsedIDs)
		if err != nil {
			writeEngineError(w, err, "commit failed")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": id})
	}
}

// BackfillRequest is the body of POST /backfill.
type BackfillRequest struct {
	Limit int `json:"limit"`
}

func handleBackfill(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req BackfillRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Limit <= 0 || req.Limit > 1000 {
			req.Limit = 100
		}

		report, err := deps.Backfill.Run(r.Context(), req.Limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "backfill failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(report)
	}
}

func handleListInteractions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user query parameter is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		interactions, err := deps.Store.ListInteractions(r.Context(), userID, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}
		if interactions == nil {
			interactions = []storage.Interaction{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(interactions)
	}
}

func handleGetInteraction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user query parameter is required")
			return
		}
		id := chi.URLParam(r, "id")

		interaction, err := deps.Store.GetInteraction(r.Context(), userID, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(interaction)
	}
}

func handleListEntities(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user query parameter is required")
			return
		}
		limit := parseIntParam(r, "limit", 50, 200)
		offset := parseIntParam(r, "offset", 0, 0)

		entities, err := deps.Store.ListEntities(r.Context(), userID, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list entities: %v", err)
			return
		}
		if entities == nil {
			entities = []storage.Entity{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entities)
	}
}

func handleGetEntity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user query parameter is required")
			return
		}
		key := chi.URLParam(r, "key")

		entity, err := deps.Store.GetEntity(r.Context(), userID, key)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "entity not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get entity: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(entity)
	}
}

// writeEngineError maps engine errors onto HTTP statuses: bad input is the
// caller's fault, everything else is ours.
func writeEngineError(w http.ResponseWriter, err error, prefix string) {
	if errors.Is(err, memory.ErrInvalidInput) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", prefix, err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", prefix, err)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
