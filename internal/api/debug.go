package api

import (
	"net/http"
	"time"

	"caremap/internal/buildinfo"
)

// DebugJSON serves build metadata and the non-secret configuration.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.Clusters.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.Vars,
		"clusters": map[string]any{
			"count":      len(snap.Clusters),
			"selected":   snap.SelectedID,
			"generation": snap.Generation,
		},
	})
}
