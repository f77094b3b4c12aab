// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/spacegate/internal/clock"
	"github.com/ManuGH/spacegate/internal/log"
	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

// StatusScheduler applies the auto-open/auto-close windows: on weekdays,
// when the wall clock crosses a configured boundary between two ticks, it
// writes the corresponding status record. Manual status changes between
// boundaries stay in effect; MAINTENANCE is never overridden.
type StatusScheduler struct {
	eng      *Engine
	clk      clock.Clock
	interval time.Duration
	logger   zerolog.Logger

	lastMinute int // minute-of-day at the previous tick, -1 before the first
}

// NewStatusScheduler returns a scheduler with the given tick interval
// (default 60s).
func NewStatusScheduler(eng *Engine, clk clock.Clock, interval time.Duration) *StatusScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &StatusScheduler{
		eng:        eng,
		clk:        clk,
		interval:   interval,
		logger:     log.WithComponent("status-scheduler"),
		lastMinute: -1,
	}
}

// Run ticks until ctx is cancelled.
func (s *StatusScheduler) Run(ctx context.Context) error {
	ticker := s.clk.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("status scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("status scheduler stopped")
			return nil
		case <-ticker.C():
			s.Tick(ctx, s.clk.Now())
		}
	}
}

// Tick evaluates the schedule at now. Exposed for deterministic tests.
func (s *StatusScheduler) Tick(ctx context.Context, now time.Time) {
	cur := now.Hour()*60 + now.Minute()
	last := s.lastMinute
	s.lastMinute = cur

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return
	}

	rec := s.eng.StatusSnapshot()
	if !rec.AutoEnabled || rec.Status == model.StatusMaintenance {
		return
	}

	var want model.Status
	if rec.AutoOpen != "" {
		if m, err := model.ParseHHMM(rec.AutoOpen); err == nil && crossed(last, cur, m) {
			want = model.StatusOpen
		}
	}
	if rec.AutoClose != "" {
		if m, err := model.ParseHHMM(rec.AutoClose); err == nil && crossed(last, cur, m) {
			want = model.StatusClosed
		}
	}
	if want == "" || want == rec.Status {
		return
	}

	next := rec
	next.Status = want
	next.Message = "scheduled " + string(want)
	next.UpdatedAt = now
	next.UpdatedBy = "scheduler"

	s.eng.mu.Lock()
	_, err := s.eng.applyStatusLocked(ctx, next)
	s.eng.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldNewStatus, string(want)).Msg("scheduled status change failed")
		return
	}
	s.logger.Info().Str(log.FieldNewStatus, string(want)).Msg("scheduled status applied")
}

// crossed reports whether the boundary minute lies in (last, cur], handling
// the midnight wrap. A first tick (last < 0) only fires when cur is exactly
// the boundary.
func crossed(last, cur, boundary int) bool {
	if last < 0 {
		return cur == boundary
	}
	if last == cur {
		return false
	}
	if last < cur {
		return boundary > last && boundary <= cur
	}
	// Wrapped past midnight.
	return boundary > last || boundary <= cur
}
