package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leafsii/keyv/internal/api"
	"github.com/leafsii/keyv/internal/events"
	"github.com/leafsii/keyv/internal/metrics"
	"github.com/leafsii/keyv/internal/ws"
	"github.com/leafsii/keyv/pkg/keyv"
	"github.com/leafsii/keyv/pkg/kv"
	"github.com/leafsii/keyv/pkg/kv/coalesce"
	"github.com/leafsii/keyv/pkg/kv/instrument"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the key-value HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("http-addr", ":8080", "HTTP listen address")
	flags.Int("rate-limit-rpm", 600, "requests per minute allowed on /v1 (0 disables)")
	flags.String("cors-allowed-origins", "http://localhost:3000", "comma-separated CORS origins")
	flags.Bool("coalesce-reads", true, "share one backend read between concurrent Gets of a key")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	cfg := c.cfg
	logger := c.logger.Sugar()

	logger.Infow("Starting keyv API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"backend", cfg.Store.Backend,
		"version", Version,
	)

	metricsObj, metricsHandler, err := metrics.Setup("keyv")
	if err != nil {
		return err
	}
	defer metricsObj.Shutdown(context.Background())

	store, err := kv.NewStoreFromConfig(ctx, cfg.KV(c.logger))
	if err != nil {
		return err
	}
	instrumented, err := instrument.New(store, metricsObj.Meter, cfg.Store.Backend)
	if err != nil {
		_ = store.Close()
		return err
	}

	bus := events.NewBus(c.logger)
	defer bus.Close()

	var chain kv.Store = events.NewStore(instrumented, bus)
	if cfg.Store.CoalesceReads {
		chain = coalesce.New(chain, api.RequestTimeout)
	}

	k, err := keyv.New(ctx, chain)
	if err != nil {
		_ = store.Close()
		return err
	}
	defer k.Close()
	logger.Infow("Store initialized",
		"backend", cfg.Store.Backend,
		"ttl_policy", k.TTLPolicy().String(),
		"coalesce_reads", cfg.Store.CoalesceReads,
	)

	hub := ws.NewHub(bus, cfg.Security.CORSAllowedOrigins, logger, metricsObj)
	go hub.Run(ctx)

	handler := api.NewHandler(k, cfg.Store.Backend, logger).WithStreams(hub, ws.NewSSEHandler(bus, logger))
	middleware := api.NewMiddleware(logger, metricsObj)
	router := handler.Routes(middleware, metricsHandler, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)

	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: api.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Errorw("Server startup failed", "error", err)
		return err
	case <-ctx.Done():
		logger.Infow("Shutdown signal received")

		// End open event streams so Shutdown does not wait on them.
		bus.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
		return nil
	}
}
