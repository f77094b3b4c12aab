// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/spacegate/internal/api"
	"github.com/ManuGH/spacegate/internal/clock"
	"github.com/ManuGH/spacegate/internal/config"
	"github.com/ManuGH/spacegate/internal/forecast"
	"github.com/ManuGH/spacegate/internal/health"
	"github.com/ManuGH/spacegate/internal/hub"
	sglog "github.com/ManuGH/spacegate/internal/log"
	"github.com/ManuGH/spacegate/internal/occupancy/engine"
	"github.com/ManuGH/spacegate/internal/occupancy/store"
	"github.com/ManuGH/spacegate/internal/ratelimit"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	sglog.Configure(sglog.Config{Level: "info", Service: "spacegate", Version: version})
	logger := sglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Auto-load ${SPACEGATE_DATA_DIR}/spacegate.yaml when no explicit path is
	// given, so operator-saved config persists across restarts.
	effectivePath := *configPath
	if effectivePath == "" {
		dataDir := config.ParseString("SPACEGATE_DATA_DIR", "./data")
		autoPath := filepath.Join(dataDir, "spacegate.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectivePath = autoPath
		}
	}

	cfg, err := config.Load(effectivePath)
	if err != nil {
		logger.Fatal().Err(err).Str("config_path", effectivePath).Msg("failed to load configuration")
	}

	sglog.Configure(sglog.Config{Level: cfg.LogLevel, Service: "spacegate", Version: version})
	if effectivePath != "" {
		logger.Info().Str("source", "file").Str("path", effectivePath).Msg("configuration loaded")
	} else {
		logger.Info().Str("source", "env+defaults").Msg("configuration loaded")
	}
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.ListenAddr).
		Int("max_capacity", cfg.MaxCapacity).
		Msg("starting spacegate")
	if cfg.APIToken == "" {
		logger.Warn().Msg("API token not configured, operator surface is unauthenticated. Set SPACEGATE_API_TOKEN.")
	}

	if err := run(ctx, cfg, effectivePath, logger); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("server exiting")
}

func run(ctx context.Context, cfg config.Config, configPath string, logger zerolog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewSqliteStore(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info().Str("db_path", cfg.DBPath()).Msg("store opened")

	clk := clock.Real{}
	h := hub.New()
	defer h.Close()

	fc := forecast.New(forecast.Config{
		Alpha:        cfg.Forecast.Alpha,
		Gamma:        cfg.Forecast.Gamma,
		Delta:        cfg.Forecast.Delta,
		Eta:          cfg.Forecast.Eta,
		SeasonLength: cfg.Forecast.SeasonLength,
		Window:       cfg.Forecast.Window,
	})

	eng, err := engine.New(ctx, engine.Config{
		MaxCapacity:   cfg.MaxCapacity,
		SessionLength: cfg.SessionLength,
		Weights:       engine.DefaultConfig().Weights,
		FailFastAfter: cfg.FailFastAfter,
		RateWindow:    cfg.RateWindow,
		NotifyBuffer:  engine.DefaultConfig().NotifyBuffer,
	}, clk, st, h, fc)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	// Warm-start the forecaster from the last day of persisted observations.
	window, err := st.ObservationsSince(ctx, clk.Now().Add(-24*time.Hour))
	if err != nil {
		logger.Warn().Err(err).Msg("observation history unavailable, forecaster starts cold")
	} else if n := fc.WarmStart(window, cfg.MaxCapacity); n > 0 {
		logger.Info().Int("replayed", n).Msg("forecaster warm-started")
	}

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewStoreChecker(st))
	hm.RegisterChecker(health.NewPersistenceChecker(eng.StoreHealth, cfg.FailFastAfter))
	hm.RegisterChecker(health.NewSweepChecker(eng.LastSweep, cfg.SweepInterval))

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.New(ratelimit.DefaultConfig())
	} else {
		logger.Warn().Msg("rate limiting disabled")
	}

	srv := api.NewServer(api.Options{
		Engine:         eng,
		Hub:            h,
		Store:          st,
		Health:         hm,
		Limiter:        limiter,
		APIToken:       cfg.APIToken,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	holder := config.NewHolder(cfg, configPath)
	if err := holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Msg("config watcher not started")
	}
	defer holder.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// No blanket write timeout: the SSE stream stays open indefinitely.
		IdleTimeout: 120 * time.Second,
	}

	reloads := make(chan config.Config, 1)
	holder.RegisterListener(reloads)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case newCfg := <-reloads:
				sglog.Configure(sglog.Config{Level: newCfg.LogLevel, Service: "spacegate", Version: version})
				if newCfg.MaxCapacity != cfg.MaxCapacity && newCfg.MaxCapacity >= 1 {
					if _, err := eng.SetMaxCapacity(gctx, newCfg.MaxCapacity); err != nil {
						logger.Warn().Err(err).Int("max_capacity", newCfg.MaxCapacity).Msg("reloaded capacity not applied")
					}
				}
				cfg.LogLevel = newCfg.LogLevel
				cfg.MaxCapacity = newCfg.MaxCapacity
				logger.Info().Str("log_level", newCfg.LogLevel).Int("max_capacity", newCfg.MaxCapacity).Msg("reloaded configuration applied")
			}
		}
	})
	g.Go(func() error { return engine.NewSweeper(eng, clk, cfg.SweepInterval).Run(gctx) })
	g.Go(func() error { return engine.NewStatusScheduler(eng, clk, cfg.SweepInterval).Run(gctx) })

	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down http server")
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
