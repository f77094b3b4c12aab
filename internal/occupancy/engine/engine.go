// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package engine is the admission controller and facade of the occupancy
// core. All state-mutating operations (scan, eviction, sweep, status and
// capacity changes) run under one space-wide mutex; the forecaster and the
// notification hub own separate locks that are only touched after the space
// lock is released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/spacegate/internal/clock"
	"github.com/ManuGH/spacegate/internal/forecast"
	"github.com/ManuGH/spacegate/internal/hub"
	"github.com/ManuGH/spacegate/internal/log"
	"github.com/ManuGH/spacegate/internal/metrics"
	"github.com/ManuGH/spacegate/internal/occupancy/model"
	"github.com/ManuGH/spacegate/internal/occupancy/ranker"
	"github.com/ManuGH/spacegate/internal/occupancy/registry"
	"github.com/ManuGH/spacegate/internal/occupancy/store"
)

const (
	maxCapacityLimit = 10000
	frequencyWindow  = 30 * 24 * time.Hour
)

// Config holds the engine tunables.
type Config struct {
	// MaxCapacity seeds the capacity singleton on first start. An existing
	// persisted value wins.
	MaxCapacity int
	// SessionLength is the slot duration; the session deadline is entry
	// time plus this value.
	SessionLength time.Duration
	// Weights for the removal-score ranker. Must sum to 1.0.
	Weights ranker.Weights
	// FailFastAfter is how long the store may keep failing before scans
	// short-circuit with persistence_unavailable.
	FailFastAfter time.Duration
	// RateWindow is the trailing window for entry/exit rates per minute.
	RateWindow time.Duration
	// NotifyBuffer bounds the ordered notification queue.
	NotifyBuffer int
}

// DefaultConfig returns the standard engine tunables.
func DefaultConfig() Config {
	return Config{
		MaxCapacity:   50,
		SessionLength: time.Hour,
		Weights:       ranker.DefaultWeights(),
		FailFastAfter: 30 * time.Second,
		RateWindow:    5 * time.Minute,
		NotifyBuffer:  256,
	}
}

// StateView is the consistent cross-component snapshot returned to callers.
type StateView struct {
	Count         int       `json:"count"`
	Max           int       `json:"max"`
	Percent       float64   `json:"percent"`
	Full          bool      `json:"full"`
	Near          bool      `json:"near"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	OpenSessions  int       `json:"open_sessions"`
	LastUpdate    time.Time `json:"last_update"`
}

// SessionView is one occupant's open session with its remaining time.
type SessionView struct {
	Occupant   model.OccupantID `json:"occupant"`
	EnteredAt  time.Time        `json:"entered_at"`
	Deadline   time.Time        `json:"deadline"`
	Remaining  time.Duration    `json:"remaining_seconds"`
	Seq        uint64           `json:"seq"`
	Privileged bool             `json:"privileged"`
}

// ForecastView bundles a forecast run with the state it was computed from.
type ForecastView struct {
	Current     int              `json:"current"`
	Max         int              `json:"max"`
	NetRate     float64          `json:"net_rate"`
	CrowdStatus string           `json:"crowd_status"`
	Points      []forecast.Point `json:"forecasts"`
	Model       forecast.State   `json:"model_state"`
}

// Engine serializes all occupancy mutations behind the space lock and owns
// the cached counter, status and session registry.
type Engine struct {
	cfg    Config
	clk    clock.Clock
	store  store.Store
	hub    *hub.Hub
	fc     *forecast.Model
	logger zerolog.Logger

	mu         sync.Mutex // space lock
	reg        *registry.Registry
	snap       model.CapacitySnapshot
	status     model.StatusRecord
	firstErrAt time.Time // zero while the store is healthy
	lastErr    error
	alertLevel string // "", "NEAR" or "FULL"; tracks alert transitions
	entries    []time.Time
	exits      []time.Time
	lastSweep  time.Time

	notifyQ chan hub.Event
}

// New builds the engine and rebuilds in-memory state from the store: the
// counter from the full event log and the session registry from open ENTRY
// events. Weights are asserted here so a bad table fails the process early.
func New(ctx context.Context, cfg Config, clk clock.Clock, st store.Store, h *hub.Hub, fc *forecast.Model) (*Engine, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.SessionLength <= 0 {
		cfg.SessionLength = time.Hour
	}
	if cfg.FailFastAfter <= 0 {
		cfg.FailFastAfter = 30 * time.Second
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 5 * time.Minute
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = 256
	}

	e := &Engine{
		cfg:     cfg,
		clk:     clk,
		store:   st,
		hub:     h,
		fc:      fc,
		reg:     registry.New(),
		logger:  log.WithComponent("engine"),
		notifyQ: make(chan hub.Event, cfg.NotifyBuffer),
	}

	if err := st.EnsureCapacity(ctx, cfg.MaxCapacity); err != nil {
		return nil, fmt.Errorf("ensure capacity: %w", err)
	}
	if _, err := st.RebuildCounter(ctx); err != nil {
		return nil, fmt.Errorf("rebuild counter: %w", err)
	}
	snap, err := st.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	e.snap = snap

	status, err := st.CurrentStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("load status: %w", err)
	}
	e.status = status

	if err := e.rebuildRegistry(ctx); err != nil {
		return nil, err
	}
	e.alertLevel = alertLevelFor(e.snap)

	metrics.SetOccupancy(e.snap.Count, e.snap.Max)
	e.logger.Info().
		Int(log.FieldCount, e.snap.Count).
		Int(log.FieldMax, e.snap.Max).
		Int("open_sessions", e.reg.Len()).
		Str(log.FieldNewStatus, string(e.status.Status)).
		Msg("engine state rebuilt from store")
	return e, nil
}

// rebuildRegistry restores one open session per occupant whose latest log
// event is an ENTRY, re-snapshotting ranker attributes from the profile.
func (e *Engine) rebuildRegistry(ctx context.Context) error {
	open, err := e.store.OpenEntries(ctx)
	if err != nil {
		return fmt.Errorf("load open entries: %w", err)
	}
	for i, ev := range open {
		s := model.Session{
			Occupant:        ev.Occupant,
			EnteredAt:       ev.Timestamp,
			Deadline:        ev.Deadline,
			Seq:             uint64(i + 1),
			Cooperativeness: 0.5,
		}
		if s.Deadline.IsZero() {
			s.Deadline = ev.Timestamp.Add(e.cfg.SessionLength)
		}
		occ, err := e.store.Occupant(ctx, ev.Occupant)
		if err != nil {
			return fmt.Errorf("load occupant %s: %w", ev.Occupant, err)
		}
		if occ != nil {
			s.Privileged = occ.Tier == model.TierPrivileged
			s.Age = occ.Age
			s.Demographic = occ.Demographic
			s.Cooperativeness = occ.Cooperativeness
			s.MonthlyVisits = occ.FrequencyUsed
			s.LastVisit = occ.LastVisit
		}
		e.reg.Restore(s)
	}
	return nil
}

// Run drains the ordered notification queue into the hub until ctx is
// cancelled, then flushes whatever is still queued. Exactly one Run per
// engine; enqueue order equals commit order.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.notifyQ:
					e.hub.Dispatch(ev)
				default:
					return nil
				}
			}
		case ev := <-e.notifyQ:
			e.hub.Dispatch(ev)
		}
	}
}

// HandleScan resolves the token and performs an ENTRY or EXIT under the
// space lock. Business rejections come back in the outcome kind with a nil
// error; a non-nil error means the store failed and nothing was changed.
func (e *Engine) HandleScan(ctx context.Context, token string) (model.ScanOutcome, error) {
	now := e.clk.Now()

	e.mu.Lock()
	out, obs, err := e.handleScanLocked(ctx, token, now)
	e.mu.Unlock()

	metrics.IncScan(string(out.Kind))
	e.feedForecast(ctx, obs)
	return out, err
}

func (e *Engine) handleScanLocked(ctx context.Context, token string, now time.Time) (model.ScanOutcome, *model.Observation, error) {
	if e.unavailableLocked(now) {
		// Cheap probe so the gate clears once the store heals.
		if _, err := e.store.Snapshot(ctx); err != nil {
			e.lastErr = err
			return model.ScanOutcome{Kind: model.OutcomePersistenceUnavailable}, nil,
				fmt.Errorf("store failing since %v: %w", e.firstErrAt, model.ErrPersistenceUnavailable)
		}
		e.clearStoreErrLocked()
	}

	occ, err := e.store.OccupantByToken(ctx, token)
	if err != nil {
		e.noteStoreErrLocked(now, err)
		return model.ScanOutcome{Kind: model.OutcomePersistenceUnavailable}, nil, err
	}
	if occ == nil {
		e.logger.Warn().Str(log.FieldOutcome, string(model.OutcomeInvalidToken)).Msg("scan with unknown token")
		return model.ScanOutcome{Kind: model.OutcomeInvalidToken}, nil, nil
	}

	if sess, ok := e.reg.Lookup(occ.ID); ok {
		return e.exitLocked(ctx, sess, now)
	}
	return e.entryLocked(ctx, *occ, now)
}

// exitLocked handles a voluntary exit scan.
func (e *Engine) exitLocked(ctx context.Context, sess model.Session, now time.Time) (model.ScanOutcome, *model.Observation, error) {
	closed, err := e.closeSessionLocked(ctx, sess.Occupant, now)
	if err != nil {
		return model.ScanOutcome{Kind: model.OutcomePersistenceUnavailable}, nil, err
	}

	e.enqueueLocked(hub.Event{
		Topic:    hub.TopicUserAction,
		Occupant: closed.Occupant,
		Payload:  actionPayload{Action: "exit", Occupant: string(closed.Occupant), At: now},
	})
	e.occupancyNoticesLocked()
	e.logger.Info().
		Str(log.FieldOccupantID, string(closed.Occupant)).
		Uint64(log.FieldSessionSeq, closed.Seq).
		Int(log.FieldCount, e.snap.Count).
		Msg("occupant exited")

	obs := e.observationLocked(now)
	return model.ScanOutcome{Kind: model.OutcomeExited, Session: &closed}, &obs, nil
}

// entryLocked handles an entry scan, evicting the top-ranked session when
// the space is full.
func (e *Engine) entryLocked(ctx context.Context, occ model.Occupant, now time.Time) (model.ScanOutcome, *model.Observation, error) {
	if e.status.Status != model.StatusOpen {
		return model.ScanOutcome{Kind: model.OutcomeRejectedClosed, StatusMessage: e.status.Message}, nil, nil
	}

	var evicted *model.Session
	if e.snap.Count >= e.snap.Max {
		// Above max (possible after a capacity reduction) a single eviction
		// cannot make room; refuse entries until occupancy drains.
		if e.snap.Count > e.snap.Max {
			return model.ScanOutcome{Kind: model.OutcomeRejectedFull}, nil, nil
		}
		ranked := e.rankLocked(now)
		if len(ranked) == 0 {
			return model.ScanOutcome{Kind: model.OutcomeRejectedFull}, nil, nil
		}
		victim := ranked[0]
		closed, err := e.closeSessionLocked(ctx, victim.Session.Occupant, now)
		if err != nil {
			return model.ScanOutcome{Kind: model.OutcomePersistenceUnavailable}, nil, err
		}
		metrics.IncEviction("capacity")
		e.enqueueLocked(hub.Event{
			Topic:    hub.TopicUserRemoved,
			Occupant: closed.Occupant,
			Payload:  removalPayload{Occupant: string(closed.Occupant), Score: victim.Breakdown.Total, At: now},
		})
		e.occupancyNoticesLocked()
		e.logger.Info().
			Str(log.FieldOccupantID, string(closed.Occupant)).
			Float64(log.FieldScore, victim.Breakdown.Total).
			Msg("session evicted to make room")
		evicted = &closed

		// Would indicate a bug in eviction.
		if e.snap.Count >= e.snap.Max {
			obs := e.observationLocked(now)
			return model.ScanOutcome{Kind: model.OutcomeRejectedFull, Evicted: evicted}, &obs, nil
		}
	}

	freq, err := e.store.EntryCount(ctx, occ.ID, now.Add(-frequencyWindow), now)
	if err != nil {
		e.noteStoreErrLocked(now, err)
		return model.ScanOutcome{Kind: model.OutcomePersistenceUnavailable, Evicted: evicted}, nil, err
	}
	// Count this admission too.
	occ.FrequencyUsed = freq + 1

	sess := model.Session{
		Occupant:        occ.ID,
		EnteredAt:       now,
		Deadline:        now.Add(e.cfg.SessionLength),
		Privileged:      occ.Tier == model.TierPrivileged,
		Age:             occ.Age,
		Demographic:     occ.Demographic,
		Cooperativeness: occ.Cooperativeness,
		MonthlyVisits:   occ.FrequencyUsed,
		LastVisit:       occ.LastVisit,
	}
	seq, err := e.reg.Open(sess)
	if err != nil {
		return model.ScanOutcome{Kind: model.OutcomePersistenceUnavailable, Evicted: evicted}, nil, err
	}
	sess.Seq = seq

	ev := model.VisitEvent{Occupant: occ.ID, Kind: model.EventEntry, Timestamp: now, Deadline: sess.Deadline}
	count, err := e.store.Commit(ctx, ev, &occ)
	if err != nil {
		_, _ = e.reg.Close(occ.ID) // roll back the open
		e.noteStoreErrLocked(now, err)
		return model.ScanOutcome{Kind: model.OutcomePersistenceUnavailable, Evicted: evicted}, nil, err
	}
	e.commitOKLocked(count, now)
	e.entries = append(e.entries, now)

	e.enqueueLocked(hub.Event{
		Topic:    hub.TopicUserAction,
		Occupant: occ.ID,
		Payload:  actionPayload{Action: "entry", Occupant: string(occ.ID), At: now, Deadline: &sess.Deadline},
	})
	e.occupancyNoticesLocked()
	e.logger.Info().
		Str(log.FieldOccupantID, string(occ.ID)).
		Uint64(log.FieldSessionSeq, sess.Seq).
		Time(log.FieldDeadline, sess.Deadline).
		Int(log.FieldCount, e.snap.Count).
		Msg("occupant admitted")

	obs := e.observationLocked(now)
	return model.ScanOutcome{Kind: model.OutcomeAdmitted, Session: &sess, Evicted: evicted}, &obs, nil
}

// closeSessionLocked is the shared exit primitive used by voluntary exits,
// evictions, the sweeper and force-remove. It closes the registry entry,
// updates the occupant profile (cooperativeness EMA, last visit) and commits
// the EXIT with the profile in one transaction. The registry close is rolled
// back when the commit fails, so the pair stays all-or-nothing.
func (e *Engine) closeSessionLocked(ctx context.Context, id model.OccupantID, ts time.Time) (model.Session, error) {
	closed, err := e.reg.Close(id)
	if err != nil {
		return model.Session{}, err
	}

	var prof *model.Occupant
	occ, err := e.store.Occupant(ctx, id)
	if err != nil {
		e.reg.Restore(closed)
		e.noteStoreErrLocked(ts, err)
		return model.Session{}, err
	}
	if occ != nil {
		if ts.Before(closed.Deadline) {
			occ.Cooperativeness = clamp01(0.8*occ.Cooperativeness + 0.2*1.0)
		} else {
			occ.Cooperativeness = clamp01(0.95*occ.Cooperativeness + 0.05*0.3)
		}
		occ.LastVisit = ts
		prof = occ
	}

	ev := model.VisitEvent{Occupant: id, Kind: model.EventExit, Timestamp: ts}
	count, err := e.store.Commit(ctx, ev, prof)
	if err != nil {
		e.reg.Restore(closed)
		e.noteStoreErrLocked(ts, err)
		return model.Session{}, err
	}
	e.commitOKLocked(count, ts)
	e.exits = append(e.exits, ts)
	return closed, nil
}

// SweepOnce force-closes every session whose deadline is at or before t,
// in ascending deadline order, synthesizing the EXIT at the deadline itself.
// Re-running at the same t is a no-op. It also captures the minute
// observation so the forecaster samples at least once per interval.
func (e *Engine) SweepOnce(ctx context.Context, t time.Time) (int, error) {
	e.mu.Lock()
	metrics.SweepRunsTotal.Inc()
	e.lastSweep = t

	var firstErr error
	closedCount := 0
	for _, sess := range e.reg.ExpiredAsOf(t) {
		// Defensive re-check: an earlier iteration's commit failure leaves
		// the session restored, and a concurrent path may have closed it.
		if _, ok := e.reg.Lookup(sess.Occupant); !ok {
			continue
		}
		ts := sess.Deadline
		if ts.After(t) {
			ts = t
		}
		closed, err := e.closeSessionLocked(ctx, sess.Occupant, ts)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		closedCount++
		metrics.SweepClosedTotal.Inc()
		metrics.IncEviction("expired")
		e.enqueueLocked(hub.Event{
			Topic:    hub.TopicSessionExpired,
			Occupant: closed.Occupant,
			Payload:  removalPayload{Occupant: string(closed.Occupant), At: ts},
		})
		e.occupancyNoticesLocked()
		e.logger.Info().
			Str(log.FieldOccupantID, string(closed.Occupant)).
			Time(log.FieldDeadline, closed.Deadline).
			Msg("session auto-expired")
	}
	obs := e.observationLocked(t)
	e.mu.Unlock()

	e.feedForecast(ctx, &obs)
	return closedCount, firstErr
}

// ListScored ranks all open sessions most-removable first.
func (e *Engine) ListScored() []ranker.Scored {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rankLocked(now)
}

// ForceRemoveTop evicts the top n ranked sessions, capped at the number of
// open sessions, and returns the removed occupants in eviction order.
func (e *Engine) ForceRemoveTop(ctx context.Context, n int) ([]model.OccupantID, error) {
	if n < 1 {
		return nil, fmt.Errorf("remove top %d: %w", n, model.ErrOutOfRange)
	}
	now := e.clk.Now()

	e.mu.Lock()
	var removed []model.OccupantID
	var firstErr error
	for i := 0; i < n; i++ {
		ranked := e.rankLocked(now)
		if len(ranked) == 0 {
			break
		}
		victim := ranked[0]
		closed, err := e.closeSessionLocked(ctx, victim.Session.Occupant, now)
		if err != nil {
			firstErr = err
			break
		}
		metrics.IncEviction("operator")
		e.enqueueLocked(hub.Event{
			Topic:    hub.TopicUserRemoved,
			Occupant: closed.Occupant,
			Payload:  removalPayload{Occupant: string(closed.Occupant), Score: victim.Breakdown.Total, At: now},
		})
		e.occupancyNoticesLocked()
		removed = append(removed, closed.Occupant)
	}
	obs := e.observationLocked(now)
	e.mu.Unlock()

	if len(removed) > 0 {
		e.logger.Info().Int("removed", len(removed)).Msg("operator removed top-ranked sessions")
	}
	e.feedForecast(ctx, &obs)
	return removed, firstErr
}

// SetMaxCapacity updates the configured maximum. Reducing it below the
// current count does not evict anyone; entries are refused until occupancy
// drains. The counter is rebuilt from the log after a reduction.
func (e *Engine) SetMaxCapacity(ctx context.Context, n int) (StateView, error) {
	if n < 1 || n > maxCapacityLimit {
		return StateView{}, fmt.Errorf("max capacity %d not in [1, %d]: %w", n, maxCapacityLimit, model.ErrOutOfRange)
	}
	now := e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	reduced := n < e.snap.Max
	snap, err := e.store.SetMaxCapacity(ctx, n)
	if err != nil {
		e.noteStoreErrLocked(now, err)
		return StateView{}, err
	}
	e.snap = snap
	if reduced {
		count, err := e.store.RebuildCounter(ctx)
		if err != nil {
			e.noteStoreErrLocked(now, err)
			return StateView{}, err
		}
		e.snap.Count = count
	}
	e.clearStoreErrLocked()
	metrics.SetOccupancy(e.snap.Count, e.snap.Max)
	e.occupancyNoticesLocked()
	e.logger.Info().Int(log.FieldMax, n).Int(log.FieldCount, e.snap.Count).Msg("max capacity changed")
	return e.stateLocked(), nil
}

// AdjustMode selects how AdjustOccupancy applies its amount.
type AdjustMode string

const (
	AdjustIncrease AdjustMode = "+"
	AdjustDecrease AdjustMode = "-"
	AdjustSet      AdjustMode = "="
)

// AdjustOccupancy is the operator correction surface for the counter. The
// resulting count must stay in [0, max].
func (e *Engine) AdjustOccupancy(ctx context.Context, mode AdjustMode, amount int) (StateView, error) {
	if amount < 0 {
		return StateView{}, fmt.Errorf("adjust amount %d negative: %w", amount, model.ErrOutOfRange)
	}
	now := e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	target := e.snap.Count
	switch mode {
	case AdjustIncrease:
		target += amount
	case AdjustDecrease:
		target -= amount
	case AdjustSet:
		target = amount
	default:
		return StateView{}, fmt.Errorf("adjust mode %q: %w", mode, model.ErrOutOfRange)
	}
	if target < 0 || target > e.snap.Max {
		return StateView{}, fmt.Errorf("adjusted count %d not in [0, %d]: %w", target, e.snap.Max, model.ErrOutOfRange)
	}

	snap, err := e.store.SetOccupancy(ctx, target)
	if err != nil {
		e.noteStoreErrLocked(now, err)
		return StateView{}, err
	}
	e.snap = snap
	e.clearStoreErrLocked()
	metrics.SetOccupancy(e.snap.Count, e.snap.Max)
	e.occupancyNoticesLocked()
	e.logger.Warn().Int(log.FieldCount, target).Str("mode", string(mode)).Msg("occupancy adjusted by operator")
	return e.stateLocked(), nil
}

// SetStatus appends a status record and broadcasts the change. Auto-schedule
// boundaries are validated as HH:MM when present.
func (e *Engine) SetStatus(ctx context.Context, rec model.StatusRecord) (model.StatusRecord, error) {
	if !rec.Status.Valid() {
		return model.StatusRecord{}, fmt.Errorf("status %q: %w", rec.Status, model.ErrInvalidStatus)
	}
	for _, boundary := range []string{rec.AutoOpen, rec.AutoClose} {
		if boundary == "" {
			continue
		}
		if _, err := model.ParseHHMM(boundary); err != nil {
			return model.StatusRecord{}, err
		}
	}
	rec.UpdatedAt = e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyStatusLocked(ctx, rec)
}

func (e *Engine) applyStatusLocked(ctx context.Context, rec model.StatusRecord) (model.StatusRecord, error) {
	old := e.status.Status
	if err := e.store.AppendStatus(ctx, rec); err != nil {
		e.noteStoreErrLocked(rec.UpdatedAt, err)
		return model.StatusRecord{}, err
	}
	e.clearStoreErrLocked()
	e.status = rec
	e.enqueueLocked(hub.Event{
		Topic:   hub.TopicStatusUpdate,
		Payload: statusPayload{Status: string(rec.Status), Message: rec.Message, UpdatedBy: rec.UpdatedBy},
	})
	e.logger.Info().
		Str(log.FieldOldStatus, string(old)).
		Str(log.FieldNewStatus, string(rec.Status)).
		Str("updated_by", rec.UpdatedBy).
		Msg("space status changed")
	return rec, nil
}

// State returns the consistent snapshot for the occupancy endpoint.
func (e *Engine) State() StateView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

// StatusSnapshot returns the cached current status record.
func (e *Engine) StatusSnapshot() model.StatusRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SessionInfo returns the occupant's open session, if any.
func (e *Engine) SessionInfo(id model.OccupantID) (SessionView, bool) {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.reg.Lookup(id)
	if !ok {
		return SessionView{}, false
	}
	return SessionView{
		Occupant:   s.Occupant,
		EnteredAt:  s.EnteredAt,
		Deadline:   s.Deadline,
		Remaining:  s.Remaining(now),
		Seq:        s.Seq,
		Privileged: s.Privileged,
	}, true
}

// Forecast produces k one-minute steps. Only a short critical section reads
// the cached counter and rates; the model's own mutex serializes the rest.
func (e *Engine) Forecast(k int) ForecastView {
	now := e.clk.Now()

	e.mu.Lock()
	count, max := e.snap.Count, e.snap.Max
	entryRate, exitRate := e.ratesLocked(now)
	level := alertLevelFor(e.snap)
	e.mu.Unlock()

	crowd := "normal"
	switch level {
	case "FULL":
		crowd = "full"
	case "NEAR":
		crowd = "near_full"
	}
	return ForecastView{
		Current:     count,
		Max:         max,
		NetRate:     entryRate - exitRate,
		CrowdStatus: crowd,
		Points:      e.fc.Forecast(now, k, max),
		Model:       e.fc.State(),
	}
}

// IngestHistory persists a batch of historical observations and warm-starts
// the forecaster from the trailing 24 hours. Returns the number loaded.
func (e *Engine) IngestHistory(ctx context.Context, batch []model.Observation) (int, error) {
	for _, obs := range batch {
		if err := e.store.PutObservation(ctx, obs); err != nil {
			return 0, fmt.Errorf("store observation %v: %w", obs.Minute, err)
		}
	}
	now := e.clk.Now()

	e.mu.Lock()
	max := e.snap.Max
	e.mu.Unlock()

	window, err := e.store.ObservationsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return 0, err
	}
	replayed := e.fc.WarmStart(window, max)
	e.logger.Info().Int("loaded", len(batch)).Int("replayed", replayed).Msg("forecast history ingested")
	return len(batch), nil
}

// LastSweep reports when the sweeper last ran, for the readiness probe.
func (e *Engine) LastSweep() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSweep
}

// StoreHealth reports whether the persistence store is currently failing and
// since when.
func (e *Engine) StoreHealth() (failingSince time.Time, lastErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firstErrAt, e.lastErr
}

func (e *Engine) stateLocked() StateView {
	return StateView{
		Count:         e.snap.Count,
		Max:           e.snap.Max,
		Percent:       e.snap.Percent(),
		Full:          e.snap.Full(),
		Near:          e.snap.Near(),
		Status:        string(e.status.Status),
		StatusMessage: e.status.Message,
		OpenSessions:  e.reg.Len(),
		LastUpdate:    e.snap.UpdatedAt,
	}
}

func (e *Engine) rankLocked(now time.Time) []ranker.Scored {
	return ranker.Rank(e.reg.List(), ranker.Context{
		Now:         now,
		TotalInside: e.reg.Len(),
		Weights:     e.cfg.Weights,
	})
}

func (e *Engine) commitOKLocked(count int, ts time.Time) {
	e.clearStoreErrLocked()
	e.snap.Count = count
	e.snap.UpdatedAt = ts
	metrics.SetOccupancy(count, e.snap.Max)
}

// occupancyNoticesLocked enqueues the broadcast occupancy_update and, on a
// transition into NEAR or FULL, a single occupancy_alert.
func (e *Engine) occupancyNoticesLocked() {
	e.enqueueLocked(hub.Event{
		Topic:   hub.TopicOccupancyUpdate,
		Payload: occupancyPayload{Count: e.snap.Count, Max: e.snap.Max, Percent: e.snap.Percent()},
	})

	level := alertLevelFor(e.snap)
	if level != e.alertLevel && level != "" {
		e.enqueueLocked(hub.Event{
			Topic:   hub.TopicOccupancyAlert,
			Payload: alertPayload{Level: level, Count: e.snap.Count, Max: e.snap.Max},
		})
	}
	e.alertLevel = level
}

// enqueueLocked pushes onto the ordered notification queue without blocking;
// a full queue drops the event, never the commit.
func (e *Engine) enqueueLocked(ev hub.Event) {
	select {
	case e.notifyQ <- ev:
	default:
		metrics.IncHubDrop(string(ev.Topic), "queue_full")
		e.logger.Warn().Str(log.FieldTopic, string(ev.Topic)).Msg("notification queue full, event dropped")
	}
}

func (e *Engine) unavailableLocked(now time.Time) bool {
	return !e.firstErrAt.IsZero() && now.Sub(e.firstErrAt) >= e.cfg.FailFastAfter
}

func (e *Engine) noteStoreErrLocked(now time.Time, err error) {
	metrics.PersistenceErrorsTotal.Inc()
	if e.firstErrAt.IsZero() {
		e.firstErrAt = now
	}
	e.lastErr = err
	e.logger.Error().Err(err).Time("failing_since", e.firstErrAt).Msg("persistence failure")
}

func (e *Engine) clearStoreErrLocked() {
	e.firstErrAt = time.Time{}
	e.lastErr = nil
}

// observationLocked captures the current minute bucket with rates over the
// trailing window. The rings are pruned here so they stay bounded.
func (e *Engine) observationLocked(now time.Time) model.Observation {
	entryRate, exitRate := e.ratesLocked(now)
	return model.Observation{
		Minute:    now.Truncate(time.Minute),
		Occupancy: float64(e.snap.Count),
		EntryRate: entryRate,
		ExitRate:  exitRate,
	}
}

func (e *Engine) ratesLocked(now time.Time) (entryRate, exitRate float64) {
	cutoff := now.Add(-e.cfg.RateWindow)
	e.entries = pruneBefore(e.entries, cutoff)
	e.exits = pruneBefore(e.exits, cutoff)
	minutes := e.cfg.RateWindow.Minutes()
	return float64(len(e.entries)) / minutes, float64(len(e.exits)) / minutes
}

// feedForecast pushes one observation to the model and persists the minute
// bucket. Runs strictly after the space lock is released; failures are
// logged, never propagated to the acting caller.
func (e *Engine) feedForecast(ctx context.Context, obs *model.Observation) {
	if obs == nil {
		return
	}
	e.mu.Lock()
	max := e.snap.Max
	e.mu.Unlock()

	e.fc.Observe(obs.Minute, obs.Occupancy, obs.NetRate(), max)
	if err := e.store.PutObservation(ctx, *obs); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn().Err(err).Msg("observation not persisted")
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

func alertLevelFor(c model.CapacitySnapshot) string {
	switch {
	case c.Full():
		return "FULL"
	case c.Near():
		return "NEAR"
	default:
		return ""
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Notification payloads.

type occupancyPayload struct {
	Count   int     `json:"count"`
	Max     int     `json:"max"`
	Percent float64 `json:"percent"`
}

type alertPayload struct {
	Level string `json:"level"` // NEAR or FULL
	Count int    `json:"count"`
	Max   int    `json:"max"`
}

type actionPayload struct {
	Action   string     `json:"action"` // entry or exit
	Occupant string     `json:"occupant"`
	At       time.Time  `json:"at"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

type removalPayload struct {
	Occupant string    `json:"occupant"`
	Score    float64   `json:"score,omitempty"`
	At       time.Time `json:"at"`
}

type statusPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	UpdatedBy string `json:"updated_by,omitempty"`
}
