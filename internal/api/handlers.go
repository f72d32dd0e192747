package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"caremap/internal/clusters"
	"caremap/internal/geocode"
	"caremap/internal/model"
)

// ListClustersHandler handles GET /v1/clusters?search=&postcode=
func (s *Server) ListClustersHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items := s.Clusters.Filter(q.Get("search"), q.Get("postcode"))
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// CreateClusterHandler handles POST /v1/clusters. A cluster whose client assignments
// partly failed is still reported as created, with the failures listed.
func (s *Server) CreateClusterHandler(w http.ResponseWriter, r *http.Request) {
	var spec model.ClusterSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	c, err := s.Clusters.Create(r.Context(), spec)
	var ae *clusters.AssignError
	switch {
	case errors.As(err, &ae):
		failed := make(map[string]string, len(ae.Failed))
		for id, e := range ae.Failed {
			failed[id] = e.Error()
		}
		writeJSON(w, http.StatusCreated, map[string]any{"cluster": c, "failedAssignments": failed})
		return
	case err != nil:
		writeError(w, r, "Create cluster failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cluster": c})
}

// PostcodesHandler handles GET /v1/clusters/postcodes
func (s *Server) PostcodesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"postcodes": s.Clusters.Postcodes()})
}

// UpdateClusterHandler handles PUT /v1/clusters/{id}
func (s *Server) UpdateClusterHandler(w http.ResponseWriter, r *http.Request) {
	var patch model.ClusterPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	c, err := s.Clusters.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeError(w, r, "Update cluster failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cluster": c})
}

// DeleteClusterHandler handles DELETE /v1/clusters/{id}
func (s *Server) DeleteClusterHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Clusters.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, "Delete cluster failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SelectClusterHandler handles POST /v1/clusters/{id}/select and centres the map on it.
func (s *Server) SelectClusterHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := s.Clusters.Select(r.Context(), id)
	if err != nil {
		writeError(w, r, "Select cluster failed", err)
		return
	}
	if s.View != nil {
		s.View.Refresh(r.Context(), s.Clusters.Snapshot())
		s.View.FocusCluster(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"membership": m})
}

type moveRequest struct {
	TargetID string `json:"targetId"`
}

// MoveAllHandler handles POST /v1/clusters/{id}/move-all
func (s *Server) MoveAllHandler(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	moved, err := s.Clusters.MoveAll(r.Context(), r.PathValue("id"), req.TargetID)
	if err != nil {
		writeError(w, r, "Move members failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"moved": moved})
}

// MoveMemberHandler handles POST /v1/members/{kind}/{id}/move
func (s *Server) MoveMemberHandler(w http.ResponseWriter, r *http.Request) {
	kind, ok := model.ParseMemberKind(r.PathValue("kind"))
	if !ok {
		writeError(w, r, "Invalid member kind", &model.ValidationError{Field: "kind", Message: "kind must be client or caretaker"})
		return
	}
	var req moveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	if err := s.Clusters.MoveMember(r.Context(), r.PathValue("id"), kind, req.TargetID); err != nil {
		writeError(w, r, "Move member failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"moved": 1})
}

// SnapshotHandler handles GET /v1/snapshot
func (s *Server) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Clusters.Snapshot())
}

// MapLayersHandler handles GET /v1/map/layers. It renders the current snapshot first,
// then returns the visible layers (all layers with ?all=1) as GeoJSON.
func (s *Server) MapLayersHandler(w http.ResponseWriter, r *http.Request) {
	if s.View == nil {
		writeProblem(w, http.StatusNotFound, "Map disabled", "", r.URL.Path)
		return
	}
	s.View.Refresh(r.Context(), s.Clusters.Snapshot())
	fc := s.View.GeoJSON(r.URL.Query().Get("all") != "1")
	b, err := fc.MarshalJSON()
	if err != nil {
		writeError(w, r, "Encode layers failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// MapZoomHandler handles POST /v1/map/zoom
func (s *Server) MapZoomHandler(w http.ResponseWriter, r *http.Request) {
	if s.View == nil {
		writeProblem(w, http.StatusNotFound, "Map disabled", "", r.URL.Path)
		return
	}
	var req struct {
		Zoom *float64 `json:"zoom"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	if req.Zoom == nil {
		writeError(w, r, "Invalid zoom", &model.ValidationError{Field: "zoom", Message: "zoom is required"})
		return
	}
	tier := s.View.SetZoom(*req.Zoom)
	writeJSON(w, http.StatusOK, map[string]any{"tier": tier, "camera": s.View.Camera()})
}

// MapClickHandler handles POST /v1/map/click. Clicking a cluster marker also selects it.
func (s *Server) MapClickHandler(w http.ResponseWriter, r *http.Request) {
	if s.View == nil {
		writeProblem(w, http.StatusNotFound, "Map disabled", "", r.URL.Path)
		return
	}
	var req struct {
		LayerID string `json:"layerId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, "Invalid JSON", err)
		return
	}
	res, ok := s.View.Click(req.LayerID)
	if !ok {
		writeProblem(w, http.StatusNotFound, "Layer not clickable", req.LayerID, r.URL.Path)
		return
	}
	if res.SelectedCluster != "" {
		if _, err := s.Clusters.Select(r.Context(), res.SelectedCluster); err != nil {
			writeError(w, r, "Select cluster failed", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// MapConfigHandler handles GET /v1/map/config
func (s *Server) MapConfigHandler(w http.ResponseWriter, r *http.Request) {
	if s.View == nil {
		writeProblem(w, http.StatusNotFound, "Map disabled", "", r.URL.Path)
		return
	}
	cfg := s.View.Config()
	initial := s.View.InitialCamera(s.Clusters.Clusters())
	writeJSON(w, http.StatusOK, map[string]any{
		"apiKey":        cfg.APIKey,
		"initialCenter": initial.Center,
		"initialZoom":   initial.Zoom,
		"zoomThreshold": cfg.ZoomThreshold,
		"camera":        map[string]any{"center": cfg.Center, "zoom": cfg.Zoom},
		"tier":          cfg.Tier,
	})
}

// AddressSearchHandler handles GET /v1/address-search?q=
func (s *Server) AddressSearchHandler(w http.ResponseWriter, r *http.Request) {
	if s.Geocoder == nil {
		writeProblem(w, http.StatusNotFound, "Address search disabled", "", r.URL.Path)
		return
	}
	items, err := s.Geocoder.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, r, "Address search failed", err)
		return
	}
	if items == nil {
		items = []geocode.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": items})
}

// AddressResolveHandler handles GET /v1/address-resolve?q=. A miss or a search failure
// still answers 200 with the fallback coordinate and a warning.
func (s *Server) AddressResolveHandler(w http.ResponseWriter, r *http.Request) {
	if s.Geocoder == nil {
		writeProblem(w, http.StatusNotFound, "Address search disabled", "", r.URL.Path)
		return
	}
	q := r.URL.Query().Get("q")
	p, err := s.Geocoder.Resolve(r.Context(), q)
	out := map[string]any{"location": p, "fallback": err != nil}
	if err != nil {
		out["warning"] = err.Error()
		s.Log.Warn("address resolved to fallback", zap.String("query", q), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler pings every registered dependency.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	for name, p := range s.Ready {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", name+": "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
