// Package server exposes the trail engine over HTTP. Handlers are thin:
// decode, delegate, map the error taxonomy onto status codes. Live trail
// events stream over SSE.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"trailengine/internal/embedding"
	"trailengine/internal/engine"
	"trailengine/internal/forkmerge"
	"trailengine/internal/logging"
	"trailengine/internal/store"
	"trailengine/internal/synchub"
	"trailengine/internal/types"
)

// Server handles the HTTP surface of the trail engine.
type Server struct {
	trails   *store.TrailStore
	engine   *engine.Engine
	merges   *forkmerge.Manager
	hub      *synchub.Hub
	embedder embedding.Engine
}

// New wires the HTTP surface.
func New(trails *store.TrailStore, eng *engine.Engine, merges *forkmerge.Manager, hub *synchub.Hub, embedder embedding.Engine) *Server {
	return &Server{trails: trails, engine: eng, merges: merges, hub: hub, embedder: embedder}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /trails", s.handleCreateTrail)
	mux.HandleFunc("GET /trails", s.handleListTrails)
	mux.HandleFunc("GET /trails/{id}", s.handleGetTrail)
	mux.HandleFunc("POST /trails/{id}/navigate", s.handleNavigate)
	mux.HandleFunc("POST /trails/{id}/fork", s.handleFork)
	mux.HandleFunc("POST /trails/{id}/archive", s.handleArchive)
	mux.HandleFunc("GET /trails/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /merges", s.handleMerge)
	mux.HandleFunc("GET /merges/{id}", s.handleGetMerge)
	mux.HandleFunc("POST /merges/{id}/conflicts/{cid}", s.handleResolveConflict)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /stats", s.handleStats)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.APIDebug("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// TRAIL HANDLERS
// =============================================================================

func (s *Server) handleCreateTrail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Creator string `json:"creator"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}

	trail, err := s.trails.CreateTrail(req.Name, req.Creator)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trail)
}

func (s *Server) handleListTrails(w http.ResponseWriter, r *http.Request) {
	trails, err := s.trails.ListTrails()
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trails": trails})
}

func (s *Server) handleGetTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := s.trails.ReadTrail(r.PathValue("id"))
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trail":     trail,
		"explorers": s.hub.Explorers(trail.ID),
	})
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req engine.NavigateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.TrailID = r.PathValue("id")
	if req.Edge == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("edge is required"))
		return
	}

	result, err := s.engine.Navigate(r.Context(), req)
	if errors.Is(err, types.ErrVersionConflict) {
		// Expected under concurrency: the caller re-reads and retries.
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"result": result,
			"error":  err.Error(),
		})
		return
	}
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AtStep   int    `json:"at_step"`
		Explorer string `json:"explorer"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	child, err := s.merges.Fork(r.PathValue("id"), req.AtStep, req.Explorer, req.Name)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.trails.ArchiveTrail(r.PathValue("id")); err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// =============================================================================
// MERGE HANDLERS
// =============================================================================

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceIDs  []string `json:"source_ids"`
		Strategy   string   `json:"strategy"`
		Explorer   string   `json:"explorer"`
		TargetName string   `json:"target_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	strategy, err := types.ParseMergeStrategy(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %q", err, req.Strategy))
		return
	}

	merge, err := s.merges.Merge(r.Context(), req.SourceIDs, strategy, req.Explorer, req.TargetName)
	if errors.Is(err, types.ErrMergePending) {
		// Conflicts need explorer resolution before the target exists.
		writeJSON(w, http.StatusAccepted, merge)
		return
	}
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, merge)
}

func (s *Server) handleGetMerge(w http.ResponseWriter, r *http.Request) {
	merge, err := s.merges.GetMerge(r.PathValue("id"))
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merge)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	merge, err := s.merges.ResolveConflict(r.PathValue("id"), r.PathValue("cid"), req.Resolution)
	if errors.Is(err, types.ErrMergePending) {
		writeJSON(w, http.StatusAccepted, merge)
		return
	}
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merge)
}

// =============================================================================
// SEARCH / STATS
// =============================================================================

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("q is required"))
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	vec, err := s.embedder.Embed(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("query embedding failed: %w", err))
		return
	}
	trails, err := s.trails.SearchByEmbedding(vec, limit)
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trails": trails})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.trails.Stats()
	if err != nil {
		writeTaxonomyError(w, err)
		return
	}
	stats["dropped_events"] = s.hub.Dropped()
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.API("Response encoding failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logging.API("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeTaxonomyError maps the engine's error taxonomy onto HTTP status codes.
func writeTaxonomyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrTrailNotFound), errors.Is(err, types.ErrMergeNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, types.ErrVersionConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, types.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, types.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, types.ErrMergePending), errors.Is(err, types.ErrUnknownStrategy):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
