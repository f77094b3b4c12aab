// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

var base = time.Date(2025, 3, 3, 6, 0, 0, 0, time.UTC)

// forEachStore runs the conformance test against both Store implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := NewSqliteStore(filepath.Join(t.TempDir(), "spacegate.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		fn(t, st)
	})
}

func TestEnsureCapacity_Idempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.EnsureCapacity(ctx, 50))
		require.NoError(t, st.EnsureCapacity(ctx, 99), "second ensure keeps the existing singleton")

		snap, err := st.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, 50, snap.Max)
		assert.Equal(t, 0, snap.Count)
	})
}

func TestCommit_MovesCounterAndClampsExit(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.EnsureCapacity(ctx, 50))

		// EXIT on an empty space clamps at zero instead of going negative.
		count, err := st.Commit(ctx, model.VisitEvent{Occupant: "a", Kind: model.EventExit, Timestamp: base}, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		count, err = st.Commit(ctx, model.VisitEvent{
			Occupant: "a", Kind: model.EventEntry, Timestamp: base.Add(time.Minute), Deadline: base.Add(61 * time.Minute),
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		count, err = st.Commit(ctx, model.VisitEvent{
			Occupant: "b", Kind: model.EventEntry, Timestamp: base.Add(2 * time.Minute), Deadline: base.Add(62 * time.Minute),
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		count, err = st.Commit(ctx, model.VisitEvent{Occupant: "a", Kind: model.EventExit, Timestamp: base.Add(10 * time.Minute)}, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		events, err := st.Events(ctx)
		require.NoError(t, err)
		require.Len(t, events, 4)
		assert.Equal(t, model.EventExit, events[0].Kind)
		assert.Equal(t, base.Add(61*time.Minute).UnixMilli(), events[1].Deadline.UnixMilli())
	})
}

func TestCommit_WritesProfileAtomically(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.EnsureCapacity(ctx, 50))

		prof := model.Occupant{
			ID:              "a",
			Token:           "tok-a",
			Tier:            model.TierPrivileged,
			Age:             42,
			Demographic:     "member",
			Cooperativeness: 0.64,
			FrequencyUsed:   3,
			LastVisit:       base.Add(-24 * time.Hour),
		}
		_, err := st.Commit(ctx, model.VisitEvent{
			Occupant: "a", Kind: model.EventEntry, Timestamp: base, Deadline: base.Add(time.Hour),
		}, &prof)
		require.NoError(t, err)

		got, err := st.Occupant(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, prof.Token, got.Token)
		assert.Equal(t, prof.Tier, got.Tier)
		assert.Equal(t, prof.Age, got.Age)
		assert.Equal(t, prof.Demographic, got.Demographic)
		assert.InDelta(t, prof.Cooperativeness, got.Cooperativeness, 1e-9)
		assert.Equal(t, prof.FrequencyUsed, got.FrequencyUsed)
		assert.Equal(t, prof.LastVisit.UnixMilli(), got.LastVisit.UnixMilli())
	})
}

func TestRebuildCounter_FromLog(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.EnsureCapacity(ctx, 50))

		for i, kind := range []model.EventKind{
			model.EventEntry, model.EventEntry, model.EventExit, model.EventEntry,
		} {
			_, err := st.Commit(ctx, model.VisitEvent{
				Occupant: model.OccupantID(string(rune('a' + i))), Kind: kind, Timestamp: base.Add(time.Duration(i) * time.Minute),
			}, nil)
			require.NoError(t, err)
		}

		// Skew the counter, then rebuild from the log.
		_, err := st.SetOccupancy(ctx, 40)
		require.NoError(t, err)

		count, err := st.RebuildCounter(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		snap, err := st.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, snap.Count)
	})
}

func TestOpenEntries_LatestEventPerOccupant(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.EnsureCapacity(ctx, 50))

		commit := func(id string, kind model.EventKind, at time.Time, deadline time.Time) {
			_, err := st.Commit(ctx, model.VisitEvent{
				Occupant: model.OccupantID(id), Kind: kind, Timestamp: at, Deadline: deadline,
			}, nil)
			require.NoError(t, err)
		}

		commit("a", model.EventEntry, base, base.Add(time.Hour))
		commit("b", model.EventEntry, base.Add(time.Minute), base.Add(61*time.Minute))
		commit("a", model.EventExit, base.Add(2*time.Minute), time.Time{})
		commit("c", model.EventEntry, base.Add(3*time.Minute), base.Add(63*time.Minute))

		open, err := st.OpenEntries(ctx)
		require.NoError(t, err)
		require.Len(t, open, 2, "a has exited, only b and c remain open")
		assert.Equal(t, model.OccupantID("b"), open[0].Occupant)
		assert.Equal(t, model.OccupantID("c"), open[1].Occupant)
		assert.Equal(t, base.Add(61*time.Minute).UnixMilli(), open[0].Deadline.UnixMilli())
	})
}

func TestEntryCount_HalfOpenWindow(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.EnsureCapacity(ctx, 50))

		for _, at := range []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)} {
			_, err := st.Commit(ctx, model.VisitEvent{Occupant: "a", Kind: model.EventEntry, Timestamp: at}, nil)
			require.NoError(t, err)
		}
		_, err := st.Commit(ctx, model.VisitEvent{Occupant: "b", Kind: model.EventEntry, Timestamp: base}, nil)
		require.NoError(t, err)

		// [from, to): the entry exactly at to is excluded, at from included.
		n, err := st.EntryCount(ctx, "a", base, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = st.EntryCount(ctx, "a", base.Add(-time.Hour), base.Add(3*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestOccupantByToken_ResolvesAndMisses(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		got, err := st.OccupantByToken(ctx, "ghost")
		require.NoError(t, err)
		assert.Nil(t, got, "unknown token is (nil, nil), not an error")

		require.NoError(t, st.PutOccupant(ctx, model.Occupant{ID: "a", Token: "tok-1", Tier: model.TierRegular, Cooperativeness: 0.5}))
		got, err = st.OccupantByToken(ctx, "tok-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.OccupantID("a"), got.ID)

		// Re-issuing the token invalidates the old one.
		require.NoError(t, st.PutOccupant(ctx, model.Occupant{ID: "a", Token: "tok-2", Tier: model.TierRegular, Cooperativeness: 0.5}))
		got, err = st.OccupantByToken(ctx, "tok-1")
		require.NoError(t, err)
		assert.Nil(t, got)
		got, err = st.OccupantByToken(ctx, "tok-2")
		require.NoError(t, err)
		require.NotNil(t, got)
	})
}

func TestStatusHistory_DefaultsOpenAndAppends(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		rec, err := st.CurrentStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.StatusOpen, rec.Status, "empty history defaults to OPEN")

		require.NoError(t, st.AppendStatus(ctx, model.StatusRecord{
			Status: model.StatusClosed, Message: "renovation", UpdatedAt: base, UpdatedBy: "ops",
		}))
		require.NoError(t, st.AppendStatus(ctx, model.StatusRecord{
			Status: model.StatusMaintenance, AutoOpen: "08:00", AutoClose: "18:00", AutoEnabled: true,
			UpdatedAt: base.Add(time.Hour), UpdatedBy: "scheduler",
		}))

		rec, err = st.CurrentStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.StatusMaintenance, rec.Status)
		assert.Equal(t, "08:00", rec.AutoOpen)
		assert.Equal(t, "18:00", rec.AutoClose)
		assert.True(t, rec.AutoEnabled)
		assert.Equal(t, base.Add(time.Hour).UnixMilli(), rec.UpdatedAt.UnixMilli())
	})
}

func TestObservations_UpsertSinceAndPrune(t *testing.T) {
	forEachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			require.NoError(t, st.PutObservation(ctx, model.Observation{
				Minute:    base.Add(time.Duration(i) * time.Minute),
				Occupancy: float64(i),
				EntryRate: 0.5,
			}))
		}
		// Same minute again overwrites instead of duplicating.
		require.NoError(t, st.PutObservation(ctx, model.Observation{
			Minute: base, Occupancy: 42,
		}))

		obs, err := st.ObservationsSince(ctx, base)
		require.NoError(t, err)
		require.Len(t, obs, 5)
		assert.Equal(t, 42.0, obs[0].Occupancy)
		for i := 1; i < len(obs); i++ {
			assert.True(t, obs[i-1].Minute.Before(obs[i].Minute), "ascending minute order")
		}

		obs, err = st.ObservationsSince(ctx, base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Len(t, obs, 2)

		n, err := st.PruneObservations(ctx, base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		obs, err = st.ObservationsSince(ctx, base.Add(-time.Hour))
		require.NoError(t, err)
		assert.Len(t, obs, 2)
	})
}

func TestMemoryStore_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	require.NoError(t, ms.EnsureCapacity(ctx, 10))

	ms.CommitErr = assert.AnError
	_, err := ms.Commit(ctx, model.VisitEvent{Occupant: "a", Kind: model.EventEntry, Timestamp: base}, nil)
	require.Error(t, err)

	events, err := ms.Events(ctx)
	require.NoError(t, err)
	assert.Empty(t, events, "a failed commit must not mutate state")

	ms.SnapshotErr = assert.AnError
	_, err = ms.Snapshot(ctx)
	assert.Error(t, err)
}

func TestSqliteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "spacegate.db")

	st, err := NewSqliteStore(path)
	require.NoError(t, err)
	require.NoError(t, st.EnsureCapacity(ctx, 25))
	_, err = st.Commit(ctx, model.VisitEvent{
		Occupant: "a", Kind: model.EventEntry, Timestamp: base, Deadline: base.Add(time.Hour),
	}, &model.Occupant{ID: "a", Token: "tok-a", Tier: model.TierRegular, Cooperativeness: 0.5})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = NewSqliteStore(path)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	snap, err := st.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, snap.Max)
	assert.Equal(t, 1, snap.Count)

	open, err := st.OpenEntries(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.OccupantID("a"), open[0].Occupant)
}
