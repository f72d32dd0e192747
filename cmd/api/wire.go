package main

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"caremap/internal/api"
	"caremap/internal/config"
	"caremap/internal/events"
	"caremap/internal/mapview"
	"caremap/internal/model"
	"caremap/internal/resilience"
	"caremap/internal/store"
)

// backend is the store the server runs against plus its cleanup.
type backend struct {
	store.Store
	close func()
}

func buildBackend(ctx context.Context, c *config.Config, log *zap.Logger) (backend, error) {
	switch c.Store.Driver {
	case "memory":
		m := store.NewMemory()
		if c.Store.SeedFile != "" {
			seed, err := store.LoadSeed(c.Store.SeedFile)
			if err != nil {
				return backend{}, err
			}
			seed.Apply(m)
			log.Info("seeded in-memory store", zap.String("file", c.Store.SeedFile), zap.Int("clusters", len(seed.Clusters)))
		}
		return backend{Store: m, close: func() {}}, nil
	case "postgres":
		pg, err := store.NewPostgres(ctx, c.Store.DatabaseURL)
		if err != nil {
			return backend{}, err
		}
		if c.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return backend{}, err
			}
		}
		return backend{Store: pg, close: pg.Close}, nil
	case "remote":
		retry := resilience.DefaultRetryConfig()
		if c.Backend.MaxAttempts > 0 {
			retry.MaxAttempts = c.Backend.MaxAttempts
		}
		r := store.NewRemote(c.Backend.BaseURL,
			store.WithHTTPClient(&http.Client{Timeout: c.Backend.Timeout}),
			store.WithRateLimit(c.Backend.RateLimit),
			store.WithRetry(retry),
			store.WithToken(c.Backend.Token),
			store.WithLogger(log),
		)
		return backend{Store: r, close: func() {}}, nil
	}
	return backend{}, eris.Errorf("unknown store driver %q", c.Store.Driver)
}

// brokerDeps is the event broker plus the readiness check of a shared one.
type brokerDeps struct {
	events.Broker
	ping  api.Pinger
	close func()
}

func buildBroker(c *config.Config, log *zap.Logger) (brokerDeps, error) {
	if c.Broker.RedisURL == "" {
		return brokerDeps{Broker: events.NewMemory(), close: func() {}}, nil
	}
	rb, err := events.NewRedis(c.Broker.RedisURL, log)
	if err != nil {
		return brokerDeps{}, err
	}
	return brokerDeps{Broker: rb, ping: rb, close: func() { _ = rb.Close() }}, nil
}

func viewportConfig(c *config.Config) mapview.Config {
	vc := mapview.DefaultConfig()
	vc.APIKey = c.Map.APIKey
	vc.ZoomThreshold = c.Map.ZoomThreshold
	vc.Fallback = fallback(c)
	vc.ClusterRadiusM = c.Map.ClusterRadiusM
	vc.CirclePoints = c.Map.CirclePoints
	vc.GroupLinkKm = c.Grouping.LinkKm
	vc.ResolveTTL = c.Map.ResolveTTL
	return vc
}

func fallback(c *config.Config) model.GeoPoint {
	return model.GeoPoint{Lat: c.Map.FallbackLat, Lng: c.Map.FallbackLon}
}

// debugVars is the configuration shown on /debug/vars. Secrets are reported by presence only.
func debugVars(c *config.Config) map[string]any {
	return map[string]any{
		"port":             c.Server.Port,
		"auth_mode":        c.Server.Auth.Mode,
		"store_driver":     c.Store.Driver,
		"has_database_url": c.Store.DatabaseURL != "",
		"has_backend_url":  c.Backend.BaseURL != "",
		"has_redis_url":    c.Broker.RedisURL != "",
		"has_map_api_key":  c.Map.APIKey != "",
		"zoom_threshold":   c.Map.ZoomThreshold,
		"refresh_interval": c.Refresh.Interval.String(),
		"tracing_enabled":  c.Tracing.Enabled,
	}
}
