package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"caremap/internal/api"
	"caremap/internal/assign"
	"caremap/internal/auth"
	"caremap/internal/clusters"
	"caremap/internal/geocode"
	"caremap/internal/mapview"
	"caremap/internal/metrics"
	"caremap/internal/refresh"
	"caremap/internal/tracing"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		log := zap.L()

		shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, log)
		if err != nil {
			return err
		}
		defer tracing.Shutdown(context.Background(), shutdownTracing, log)
		metrics.RegisterDefault()

		be, err := buildBackend(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer be.close()

		broker, err := buildBroker(cfg, log)
		if err != nil {
			return err
		}
		defer broker.close()

		cs := clusters.New(be.Store,
			clusters.WithBroker(broker),
			clusters.WithLogger(log),
			clusters.WithFallback(fallback(cfg)),
		)
		if _, err := cs.Load(ctx); err != nil {
			// The refresh worker or the first UI command retries; start anyway.
			log.Warn("initial cluster load failed", zap.Error(err))
		}

		resolver := assign.New(be.Store, nil,
			assign.WithSpread(cfg.Map.CarerSpreadM),
			assign.WithConcurrency(cfg.Backend.Concurrency),
			assign.WithLogger(log),
		)
		view := mapview.New(viewportConfig(cfg), resolver, mapview.WithBroker(broker), mapview.WithLogger(log))
		updates, unsubscribe := cs.Subscribe()
		defer unsubscribe()
		go view.Follow(ctx, updates)

		geocoder := geocode.New(cfg.Geocode.BaseURL,
			geocode.WithUserAgent(cfg.Geocode.UserAgent),
			geocode.WithRateLimit(cfg.Geocode.RateLimit),
			geocode.WithMinQuery(cfg.Geocode.MinQuery),
			geocode.WithLimit(cfg.Geocode.Limit),
			geocode.WithFallback(fallback(cfg)),
			geocode.WithLogger(log),
		)

		worker := refresh.NewWorker(cs, cfg.Refresh.Interval, log)
		worker.Start()
		defer worker.Shutdown()

		verifier, err := auth.NewVerifier(cfg.Server.Auth)
		if err != nil {
			return err
		}

		ready := map[string]api.Pinger{}
		if p, ok := be.Store.(api.Pinger); ok {
			ready["store"] = p
		}
		if broker.ping != nil {
			ready["broker"] = broker.ping
		}
		srvDeps := &api.Server{
			Clusters: cs,
			View:     view,
			Geocoder: geocoder,
			Broker:   broker,
			Auth:     verifier,
			Ready:    ready,
			Vars:     debugVars(cfg),
			Log:      log,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srvDeps.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			log.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		log.Info("starting server", zap.Int("port", port), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
