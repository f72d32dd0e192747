// Package api is the HTTP facade UI shells use to drive the cluster store and the map.
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"caremap/internal/auth"
	"caremap/internal/clusters"
	"caremap/internal/events"
	"caremap/internal/geocode"
	"caremap/internal/mapview"
	"caremap/internal/metrics"
	"caremap/internal/model"
)

// Geocoder is the address search the facade exposes.
type Geocoder interface {
	Search(ctx context.Context, query string) ([]geocode.Suggestion, error)
	Resolve(ctx context.Context, query string) (model.GeoPoint, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Clusters *clusters.Store
	View     *mapview.Viewport
	Geocoder Geocoder
	Broker   events.Broker
	// Auth guards /v1 routes; nil leaves them open.
	Auth *auth.Verifier
	// Ready maps a dependency name to its readiness check.
	Ready map[string]Pinger
	// Vars is extra configuration shown on /debug/vars.
	Vars map[string]any
	Log  *zap.Logger
}

// Handler builds the route table wrapped in the access log and metrics middleware.
func (s *Server) Handler() http.Handler {
	if s.Log == nil {
		s.Log = zap.L()
	}
	if s.Broker == nil {
		s.Broker = events.Discard{}
	}
	mux := http.NewServeMux()

	// Clusters
	mux.HandleFunc("GET /v1/clusters", s.ListClustersHandler)
	mux.HandleFunc("POST /v1/clusters", s.CreateClusterHandler)
	mux.HandleFunc("GET /v1/clusters/postcodes", s.PostcodesHandler)
	mux.HandleFunc("PUT /v1/clusters/{id}", s.UpdateClusterHandler)
	mux.HandleFunc("DELETE /v1/clusters/{id}", s.DeleteClusterHandler)
	mux.HandleFunc("POST /v1/clusters/{id}/select", s.SelectClusterHandler)
	mux.HandleFunc("POST /v1/clusters/{id}/move-all", s.MoveAllHandler)
	mux.HandleFunc("POST /v1/members/{kind}/{id}/move", s.MoveMemberHandler)
	mux.HandleFunc("GET /v1/snapshot", s.SnapshotHandler)

	// Map
	mux.HandleFunc("GET /v1/map/layers", s.MapLayersHandler)
	mux.HandleFunc("POST /v1/map/zoom", s.MapZoomHandler)
	mux.HandleFunc("POST /v1/map/click", s.MapClickHandler)
	mux.HandleFunc("GET /v1/map/config", s.MapConfigHandler)

	// Address search
	mux.HandleFunc("GET /v1/address-search", s.AddressSearchHandler)
	mux.HandleFunc("GET /v1/address-resolve", s.AddressResolveHandler)

	// Events
	mux.HandleFunc("GET /v1/events/stream", s.EventStreamHandler)
	mux.HandleFunc("GET /v1/events/ws", s.EventWSHandler)

	// Ops
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /debug/vars", s.DebugJSON)

	return s.logMiddleware(metricsMiddleware(s.authMiddleware(mux)))
}
