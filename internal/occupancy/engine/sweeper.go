// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/spacegate/internal/clock"
	"github.com/ManuGH/spacegate/internal/log"
)

const observationRetention = 7 * 24 * time.Hour

// Sweeper periodically force-closes expired sessions via Engine.SweepOnce
// and prunes old forecaster observations.
type Sweeper struct {
	eng      *Engine
	clk      clock.Clock
	interval time.Duration
	logger   zerolog.Logger
}

// NewSweeper returns a sweeper with the given tick interval (default 60s).
func NewSweeper(eng *Engine, clk clock.Clock, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		eng:      eng,
		clk:      clk,
		interval: interval,
		logger:   log.WithComponent("sweeper"),
	}
}

// Run ticks until ctx is cancelled. In-flight sweeps complete before return.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clk.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return nil
		case <-ticker.C():
			now := s.clk.Now()
			closed, err := s.eng.SweepOnce(ctx, now)
			if err != nil {
				s.logger.Error().Err(err).Msg("sweep pass failed")
				continue
			}
			if closed > 0 {
				s.logger.Info().Int("closed", closed).Msg("sweep closed expired sessions")
			}
			if pruned, err := s.eng.store.PruneObservations(ctx, now.Add(-observationRetention)); err != nil {
				s.logger.Warn().Err(err).Msg("observation prune failed")
			} else if pruned > 0 {
				s.logger.Debug().Int("pruned", pruned).Msg("old observations pruned")
			}
		}
	}
}
