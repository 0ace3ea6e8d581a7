package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eteran/hashstore/internal/storage"
	"github.com/eteran/hashstore/pkg/core"
)

const shutdownTimeout = 10 * time.Second

func openEngine(ctx context.Context, cfg settings) (*storage.Engine, error) {
	backend, err := cfg.backendConfig()
	if err != nil {
		return nil, err
	}

	engine, err := storage.OpenEngine(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Backend, err)
	}
	return engine, nil
}

func newServer(cfg settings, engine *storage.Engine) (*http.Server, error) {
	server, err := core.NewServer(core.NewConfig(
		core.WithStorageEngine(engine),
		core.WithChunkSize(cfg.ChunkSize),
		core.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create hashstore server: %w", err)
	}

	// Bodies are streamed and may be arbitrarily large, so only the header
	// read is bounded.
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}, nil
}

func runServe(ctx context.Context, cfg settings) error {
	engine, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	httpServer, err := newServer(cfg, engine)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if reclaimer, ok := engine.Reclaimer(); ok && cfg.SweepInterval > 0 {
		eg.Go(func() error {
			storage.NewSweeper(reclaimer, cfg.StagingMaxAge).Run(ctx, cfg.SweepInterval)
			return nil
		})
	}

	eg.Go(func() error {
		slog.Info("Starting hashstore HTTP server", "listen", cfg.Listen, "backend", cfg.Backend)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Hashstore started")
	return eg.Wait()
}

func runSweep(ctx context.Context, cfg settings) (int, error) {
	engine, err := openEngine(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer engine.Close()

	reclaimer, ok := engine.Reclaimer()
	if !ok {
		return 0, fmt.Errorf("%s backend has no staging area to sweep", cfg.Backend)
	}

	return storage.NewSweeper(reclaimer, cfg.StagingMaxAge).Sweep(ctx)
}
