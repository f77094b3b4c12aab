// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/spacegate/internal/clock"
	"github.com/ManuGH/spacegate/internal/forecast"
	"github.com/ManuGH/spacegate/internal/hub"
	"github.com/ManuGH/spacegate/internal/occupancy/model"
	"github.com/ManuGH/spacegate/internal/occupancy/store"
)

// base is a Monday, off-peak hour, so the demand factor is constant across
// the short test timelines.
var base = time.Date(2025, 3, 3, 6, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, maxCapacity int) (*Engine, *store.MemoryStore, *clock.Fake) {
	t.Helper()
	ms := store.NewMemoryStore()
	clk := clock.NewFake(base)
	cfg := DefaultConfig()
	cfg.MaxCapacity = maxCapacity

	e, err := New(context.Background(), cfg, clk, ms, hub.New(), forecast.New(forecast.DefaultConfig()))
	require.NoError(t, err)
	return e, ms, clk
}

func seedOccupant(t *testing.T, ms *store.MemoryStore, id, token string, tier model.Tier) {
	t.Helper()
	require.NoError(t, ms.PutOccupant(context.Background(), model.Occupant{
		ID:              model.OccupantID(id),
		Token:           token,
		Tier:            tier,
		Cooperativeness: 0.5,
	}))
}

// drainEvents empties the engine's notification queue.
func drainEvents(e *Engine) []hub.Event {
	var out []hub.Event
	for {
		select {
		case ev := <-e.notifyQ:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func topicsOf(events []hub.Event) map[hub.Topic]int {
	out := make(map[hub.Topic]int)
	for _, ev := range events {
		out[ev.Topic]++
	}
	return out
}

func TestHandleScan_AdmitThenVoluntaryExit(t *testing.T) {
	e, ms, clk := newTestEngine(t, 2)
	seedOccupant(t, ms, "A", "tok-a", model.TierRegular)
	ctx := context.Background()

	out, err := e.HandleScan(ctx, "tok-a")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAdmitted, out.Kind)
	require.NotNil(t, out.Session)
	assert.Equal(t, base.Add(time.Hour), out.Session.Deadline)
	assert.Equal(t, 1, e.State().Count)

	clk.Advance(10 * time.Second)
	out, err = e.HandleScan(ctx, "tok-a")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeExited, out.Kind)
	assert.Equal(t, 0, e.State().Count)

	events, err := ms.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventEntry, events[0].Kind)
	assert.Equal(t, model.EventExit, events[1].Kind)
	assert.Equal(t, base, events[0].Timestamp)
	assert.Equal(t, base.Add(10*time.Second), events[1].Timestamp)

	// Voluntary early exit bumps cooperativeness toward 1.
	occ, err := ms.Occupant(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, occ)
	assert.InDelta(t, 0.8*0.5+0.2*1.0, occ.Cooperativeness, 1e-9)
	assert.Equal(t, base.Add(10*time.Second), occ.LastVisit)
}

func TestHandleScan_UnknownToken(t *testing.T) {
	e, _, _ := newTestEngine(t, 5)

	out, err := e.HandleScan(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeInvalidToken, out.Kind)
	assert.Equal(t, 0, e.State().Count)
}

func TestHandleScan_RejectedWhenClosed(t *testing.T) {
	e, ms, _ := newTestEngine(t, 5)
	seedOccupant(t, ms, "B", "tok-b", model.TierRegular)
	ctx := context.Background()

	_, err := e.SetStatus(ctx, model.StatusRecord{Status: model.StatusClosed, Message: "renovation"})
	require.NoError(t, err)

	out, err := e.HandleScan(ctx, "tok-b")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejectedClosed, out.Kind)
	assert.Equal(t, "renovation", out.StatusMessage)
	assert.Equal(t, 0, e.State().Count)

	events, err := ms.Events(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHandleScan_ExitAllowedWhenClosed(t *testing.T) {
	e, ms, _ := newTestEngine(t, 5)
	seedOccupant(t, ms, "B", "tok-b", model.TierRegular)
	ctx := context.Background()

	out, err := e.HandleScan(ctx, "tok-b")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAdmitted, out.Kind)

	_, err = e.SetStatus(ctx, model.StatusRecord{Status: model.StatusClosed})
	require.NoError(t, err)

	out, err = e.HandleScan(ctx, "tok-b")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeExited, out.Kind)
}

func TestHandleScan_FullEvictsTopRanked(t *testing.T) {
	e, ms, clk := newTestEngine(t, 2)
	seedOccupant(t, ms, "U", "tok-u", model.TierPrivileged)
	seedOccupant(t, ms, "V", "tok-v", model.TierRegular)
	seedOccupant(t, ms, "W", "tok-w", model.TierRegular)
	ctx := context.Background()

	out, err := e.HandleScan(ctx, "tok-u")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAdmitted, out.Kind)

	clk.Advance(time.Minute)
	out, err = e.HandleScan(ctx, "tok-v")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAdmitted, out.Kind)
	drainEvents(e)

	clk.Advance(time.Minute)
	out, err = e.HandleScan(ctx, "tok-w")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAdmitted, out.Kind)

	// Privilege alone must protect U; the regular session V goes.
	require.NotNil(t, out.Evicted)
	assert.Equal(t, model.OccupantID("V"), out.Evicted.Occupant)
	assert.Equal(t, 2, e.State().Count)

	events, err := ms.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, model.EventExit, events[2].Kind)
	assert.Equal(t, model.OccupantID("V"), events[2].Occupant)
	assert.Equal(t, base.Add(2*time.Minute), events[2].Timestamp)
	assert.Equal(t, model.EventEntry, events[3].Kind)
	assert.Equal(t, model.OccupantID("W"), events[3].Occupant)
	assert.Equal(t, base.Add(2*time.Minute+time.Hour), events[3].Deadline)

	var removal *hub.Event
	for _, ev := range drainEvents(e) {
		if ev.Topic == hub.TopicUserRemoved {
			removal = &ev
			break
		}
	}
	require.NotNil(t, removal, "evicted occupant must get a user_removed notice")
	assert.Equal(t, model.OccupantID("V"), removal.Occupant)
}

func TestHandleScan_FullWithNothingToEvict(t *testing.T) {
	e, ms, _ := newTestEngine(t, 0)
	seedOccupant(t, ms, "X", "tok-x", model.TierRegular)

	out, err := e.HandleScan(context.Background(), "tok-x")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejectedFull, out.Kind)
	assert.Equal(t, 0, e.State().Count)
}

func TestHandleScan_FrequencyRecomputedOnEntry(t *testing.T) {
	e, ms, clk := newTestEngine(t, 5)
	seedOccupant(t, ms, "A", "tok-a", model.TierRegular)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := e.HandleScan(ctx, "tok-a")
		require.NoError(t, err)
		require.Equal(t, model.OutcomeAdmitted, out.Kind)
		clk.Advance(time.Minute)
		out, err = e.HandleScan(ctx, "tok-a")
		require.NoError(t, err)
		require.Equal(t, model.OutcomeExited, out.Kind)
		clk.Advance(time.Minute)
	}

	occ, err := ms.Occupant(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, occ)
	assert.Equal(t, 3, occ.FrequencyUsed)
}

func TestHandleScan_CommitFailureRollsBack(t *testing.T) {
	e, ms, _ := newTestEngine(t, 5)
	seedOccupant(t, ms, "A", "tok-a", model.TierRegular)
	ctx := context.Background()

	ms.CommitErr = errors.New("disk full")
	out, err := e.HandleScan(ctx, "tok-a")
	require.Error(t, err)
	assert.Equal(t, model.OutcomePersistenceUnavailable, out.Kind)
	assert.Equal(t, 0, e.State().Count)
	_, inside := e.SessionInfo("A")
	assert.False(t, inside, "failed admission must not leave a session behind")

	ms.CommitErr = nil
	out, err = e.HandleScan(ctx, "tok-a")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAdmitted, out.Kind)

	// Exit commit failure restores the open session.
	ms.CommitErr = errors.New("disk full")
	_, err = e.HandleScan(ctx, "tok-a")
	require.Error(t, err)
	_, inside = e.SessionInfo("A")
	assert.True(t, inside, "failed exit must restore the session")

	ms.CommitErr = nil
	out, err = e.HandleScan(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeExited, out.Kind)
}

func TestHandleScan_FailFastAfterPersistentErrors(t *testing.T) {
	e, ms, clk := newTestEngine(t, 5)
	seedOccupant(t, ms, "A", "tok-a", model.TierRegular)
	ctx := context.Background()

	ms.CommitErr = errors.New("io error")
	ms.SnapshotErr = errors.New("io error")
	_, err := e.HandleScan(ctx, "tok-a")
	require.Error(t, err)

	clk.Advance(31 * time.Second)
	out, err := e.HandleScan(ctx, "tok-a")
	require.ErrorIs(t, err, model.ErrPersistenceUnavailable)
	assert.Equal(t, model.OutcomePersistenceUnavailable, out.Kind)

	// Once the store heals the gate clears on the next scan.
	ms.CommitErr = nil
	ms.SnapshotErr = nil
	out, err = e.HandleScan(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAdmitted, out.Kind)
}

func TestOccupancyNeverExceedsMax(t *testing.T) {
	e, ms, clk := newTestEngine(t, 3)
	tokens := []string{"tok-1", "tok-2", "tok-3", "tok-4", "tok-5", "tok-6"}
	for i, tok := range tokens {
		seedOccupant(t, ms, string(rune('a'+i)), tok, model.TierRegular)
	}
	ctx := context.Background()

	for _, tok := range tokens {
		_, err := e.HandleScan(ctx, tok)
		require.NoError(t, err)
		st := e.State()
		assert.LessOrEqual(t, st.Count, st.Max)
		assert.GreaterOrEqual(t, st.Count, 0)
		clk.Advance(time.Second)
	}
	assert.Equal(t, 3, e.State().Count)
}

func TestAlertOncePerTransition(t *testing.T) {
	e, ms, clk := newTestEngine(t, 10)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		seedOccupant(t, ms, string(rune('a'+i)), "tok-"+string(rune('a'+i)), model.TierRegular)
	}

	var alerts []hub.Event
	for i := 0; i < 10; i++ {
		_, err := e.HandleScan(ctx, "tok-"+string(rune('a'+i)))
		require.NoError(t, err)
		for _, ev := range drainEvents(e) {
			if ev.Topic == hub.TopicOccupancyAlert {
				alerts = append(alerts, ev)
			}
		}
		clk.Advance(time.Second)
	}

	// 9/10 crosses into NEAR, 10/10 into FULL: exactly two alerts.
	require.Len(t, alerts, 2)
	assert.Equal(t, "NEAR", alerts[0].Payload.(alertPayload).Level)
	assert.Equal(t, "FULL", alerts[1].Payload.(alertPayload).Level)
}

func TestSweepOnce_ClosesExpiredAtDeadline(t *testing.T) {
	e, ms, clk := newTestEngine(t, 10)
	seedOccupant(t, ms, "Y", "tok-y", model.TierRegular)
	ctx := context.Background()

	out, err := e.HandleScan(ctx, "tok-y")
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAdmitted, out.Kind)
	deadline := out.Session.Deadline
	drainEvents(e)

	clk.Advance(time.Hour + time.Minute)
	closed, err := e.SweepOnce(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, e.State().Count)

	events, err := ms.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventExit, events[1].Kind)
	assert.Equal(t, deadline, events[1].Timestamp, "synthesized EXIT lands at the deadline, not the sweep time")

	topics := topicsOf(drainEvents(e))
	assert.Equal(t, 1, topics[hub.TopicSessionExpired])

	// Forced expiry decays cooperativeness toward 0.3.
	occ, err := ms.Occupant(ctx, "Y")
	require.NoError(t, err)
	assert.InDelta(t, 0.95*0.5+0.05*0.3, occ.Cooperativeness, 1e-9)
}

func TestSweepOnce_Idempotent(t *testing.T) {
	e, ms, clk := newTestEngine(t, 10)
	seedOccupant(t, ms, "Y", "tok-y", model.TierRegular)
	ctx := context.Background()

	_, err := e.HandleScan(ctx, "tok-y")
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	now := clk.Now()

	closed, err := e.SweepOnce(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, closed)

	closed, err = e.SweepOnce(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, closed, "second sweep at the same instant must be a no-op")

	events, err := ms.Events(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestForceRemoveTop(t *testing.T) {
	e, ms, clk := newTestEngine(t, 10)
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		seedOccupant(t, ms, id, "tok-"+id, model.TierRegular)
		_, err := e.HandleScan(context.Background(), "tok-"+id)
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}
	drainEvents(e)

	removed, err := e.ForceRemoveTop(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, e.State().Count)

	topics := topicsOf(drainEvents(e))
	assert.Equal(t, 2, topics[hub.TopicUserRemoved])

	// n larger than the registry is capped, not an error.
	removed, err = e.ForceRemoveTop(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	_, err = e.ForceRemoveTop(context.Background(), 0)
	require.ErrorIs(t, err, model.ErrOutOfRange)
}

func TestSetMaxCapacity_ReductionDoesNotEvict(t *testing.T) {
	e, ms, clk := newTestEngine(t, 5)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		seedOccupant(t, ms, id, "tok-"+id, model.TierRegular)
		_, err := e.HandleScan(ctx, "tok-"+id)
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	st, err := e.SetMaxCapacity(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Max)
	assert.Equal(t, 3, st.Count, "reduction must not truncate the counter")
	assert.Equal(t, 3, e.State().OpenSessions)

	// Entries refused while above the new max, and nobody is evicted for a
	// scan that cannot be admitted anyway.
	seedOccupant(t, ms, "d", "tok-d", model.TierRegular)
	out, err := e.HandleScan(ctx, "tok-d")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejectedFull, out.Kind)
	assert.Nil(t, out.Evicted)
	assert.Equal(t, 3, e.State().OpenSessions)

	_, err = e.SetMaxCapacity(ctx, 0)
	require.ErrorIs(t, err, model.ErrOutOfRange)
	_, err = e.SetMaxCapacity(ctx, 10001)
	require.ErrorIs(t, err, model.ErrOutOfRange)
}

func TestAdjustOccupancy(t *testing.T) {
	e, _, _ := newTestEngine(t, 10)
	ctx := context.Background()

	st, err := e.AdjustOccupancy(ctx, AdjustSet, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Count)

	st, err = e.AdjustOccupancy(ctx, AdjustIncrease, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, st.Count)

	st, err = e.AdjustOccupancy(ctx, AdjustDecrease, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Count)

	_, err = e.AdjustOccupancy(ctx, AdjustDecrease, 6)
	require.ErrorIs(t, err, model.ErrOutOfRange)
	_, err = e.AdjustOccupancy(ctx, AdjustIncrease, 6)
	require.ErrorIs(t, err, model.ErrOutOfRange)
	_, err = e.AdjustOccupancy(ctx, AdjustSet, -1)
	require.ErrorIs(t, err, model.ErrOutOfRange)
	_, err = e.AdjustOccupancy(ctx, AdjustMode("?"), 1)
	require.ErrorIs(t, err, model.ErrOutOfRange)
}

func TestSetStatus_Validation(t *testing.T) {
	e, _, _ := newTestEngine(t, 5)
	ctx := context.Background()

	_, err := e.SetStatus(ctx, model.StatusRecord{Status: "HALF_OPEN"})
	require.ErrorIs(t, err, model.ErrInvalidStatus)

	_, err = e.SetStatus(ctx, model.StatusRecord{Status: model.StatusOpen, AutoOpen: "8:00"})
	require.ErrorIs(t, err, model.ErrInvalidTimeFormat)

	rec, err := e.SetStatus(ctx, model.StatusRecord{
		Status:      model.StatusOpen,
		AutoOpen:    "08:00",
		AutoClose:   "18:00",
		AutoEnabled: true,
		UpdatedBy:   "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, rec.Status)

	topics := topicsOf(drainEvents(e))
	assert.Equal(t, 1, topics[hub.TopicStatusUpdate])
}

func TestStartupRebuildRestoresOpenSessions(t *testing.T) {
	e, ms, clk := newTestEngine(t, 5)
	ctx := context.Background()
	seedOccupant(t, ms, "A", "tok-a", model.TierRegular)
	seedOccupant(t, ms, "B", "tok-b", model.TierPrivileged)

	_, err := e.HandleScan(ctx, "tok-a")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = e.HandleScan(ctx, "tok-b")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = e.HandleScan(ctx, "tok-a") // A exits
	require.NoError(t, err)

	// A fresh engine over the same store sees only B inside.
	cfg := DefaultConfig()
	cfg.MaxCapacity = 5
	e2, err := New(ctx, cfg, clk, ms, hub.New(), forecast.New(forecast.DefaultConfig()))
	require.NoError(t, err)

	assert.Equal(t, 1, e2.State().Count)
	info, ok := e2.SessionInfo("B")
	require.True(t, ok)
	assert.True(t, info.Privileged)
	_, ok = e2.SessionInfo("A")
	assert.False(t, ok)
}

func TestListScored_OrderedAndBounded(t *testing.T) {
	e, ms, clk := newTestEngine(t, 10)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		tier := model.TierRegular
		if i%2 == 0 {
			tier = model.TierPrivileged
		}
		seedOccupant(t, ms, id, "tok-"+id, tier)
		_, err := e.HandleScan(ctx, "tok-"+id)
		require.NoError(t, err)
		clk.Advance(3 * time.Minute)
	}

	scored := e.ListScored()
	require.Len(t, scored, 5)
	for i := 1; i < len(scored); i++ {
		assert.GreaterOrEqual(t, scored[i-1].Breakdown.Total, scored[i].Breakdown.Total)
	}
	for _, s := range scored {
		assert.GreaterOrEqual(t, s.Breakdown.Total, 0.0)
		assert.LessOrEqual(t, s.Breakdown.Total, 1.0)
	}
}

func TestEngineRun_FlushesQueueOnShutdown(t *testing.T) {
	e, ms, _ := newTestEngine(t, 5)
	ctx := context.Background()
	seedOccupant(t, ms, "A", "tok-a", model.TierRegular)

	conn := e.hub.Register("")
	defer e.hub.Unregister(conn)

	_, err := e.HandleScan(ctx, "tok-a")
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, e.Run(runCtx))

	// Queued notifications were flushed to the hub before Run returned.
	var topics []hub.Topic
	for {
		select {
		case ev := <-conn.C():
			topics = append(topics, ev.Topic)
			continue
		default:
		}
		break
	}
	assert.Contains(t, topics, hub.TopicOccupancyUpdate)
}
