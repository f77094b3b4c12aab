// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package ranker

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

var base = time.Date(2025, 3, 3, 6, 0, 0, 0, time.UTC) // Monday, off-peak

func defaultCtx(now time.Time, inside int) Context {
	return Context{Now: now, TotalInside: inside, Weights: DefaultWeights()}
}

func TestWeightsValidate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())

	w := DefaultWeights()
	w.Demand = 0.2
	assert.Error(t, w.Validate())

	assert.Error(t, Weights{}.Validate())
}

func TestScore_Deterministic(t *testing.T) {
	s := model.Session{
		Occupant:        "u",
		EnteredAt:       base,
		Deadline:        base.Add(time.Hour),
		Seq:             1,
		Age:             30,
		Cooperativeness: 0.7,
		MonthlyVisits:   4,
		LastVisit:       base.Add(-48 * time.Hour),
	}
	ctx := defaultCtx(base.Add(20*time.Minute), 3)

	a := Score(s, 2, ctx)
	b := Score(s, 2, ctx)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("identical inputs produced different breakdowns:\n%s", diff)
	}
}

func TestScore_FactorNormalization(t *testing.T) {
	now := base.Add(30 * time.Minute)
	s := model.Session{
		Occupant:        "u",
		EnteredAt:       base,
		Deadline:        base.Add(time.Hour),
		Seq:             1,
		Age:             35,
		Cooperativeness: 0.5,
		MonthlyVisits:   5,
		LastVisit:       now.Add(-15 * 24 * time.Hour),
	}
	b := Score(s, 1, defaultCtx(now, 4))

	assert.InDelta(t, 0.25, b.TimeInside, 1e-9, "30 of 120 minutes")
	assert.InDelta(t, 0.25, b.Remaining, 1e-9, "30 of 120 minutes left")
	assert.InDelta(t, 0.25, b.EntryOrder, 1e-9, "rank 1 of 4")
	assert.InDelta(t, 0.5, b.Recency, 1e-9, "15 of 30 days ago")
	assert.InDelta(t, 0.5, b.Frequency, 1e-9, "5 of 10 visits")
	assert.InDelta(t, 1.0, b.Privilege, 1e-9, "regular tier")
	assert.InDelta(t, 0.5, b.Age, 1e-9, "(70-35)/70")
	assert.InDelta(t, 0.5, b.Demo, 1e-9)
	assert.InDelta(t, 0.5, b.Coop, 1e-9)
	assert.InDelta(t, 0.2, b.Demand, 1e-9, "06:30 is off-peak")
}

func TestScore_UnknownAttributes(t *testing.T) {
	s := model.Session{
		Occupant:  "u",
		EnteredAt: base,
		Deadline:  base.Add(time.Hour),
		Seq:       1,
	}
	b := Score(s, 1, defaultCtx(base, 1))

	assert.Equal(t, 0.5, b.Age, "unknown age scores neutral")
	assert.Equal(t, 0.0, b.Recency, "no prior visit")
	assert.Equal(t, 1.0, b.Frequency, "zero monthly visits")
	assert.Equal(t, 1.0, b.Coop, "cooperativeness 0 maximises the factor")
}

func TestScore_ClampsOverlongStays(t *testing.T) {
	s := model.Session{
		Occupant:  "u",
		EnteredAt: base,
		Deadline:  base.Add(time.Hour),
		Seq:       1,
	}
	b := Score(s, 1, defaultCtx(base.Add(5*time.Hour), 1))
	assert.Equal(t, 1.0, b.TimeInside)
	assert.Equal(t, 0.0, b.Remaining, "deadline passed, floored at zero")
}

func TestDemandFactor(t *testing.T) {
	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		hour int
		want float64
	}{
		{6, 0.2}, {8, 0.5}, {9, 1.0}, {11, 1.0}, {12, 0.2},
		{17, 1.0}, {19, 1.0}, {20, 0.5}, {21, 0.2}, {23, 0.2},
	}
	for _, tc := range cases {
		got := demandFactor(day.Add(time.Duration(tc.hour) * time.Hour))
		assert.Equal(t, tc.want, got, "hour %02d", tc.hour)
	}
}

func TestRank_RegularOutranksPrivilegedElder(t *testing.T) {
	// A privileged occupant who entered first still ranks below a regular
	// one: the privilege factor dominates two minutes of extra time inside.
	priv := model.Session{
		Occupant:        "priv",
		EnteredAt:       base,
		Deadline:        base.Add(time.Hour),
		Seq:             1,
		Privileged:      true,
		Cooperativeness: 0.5,
	}
	reg := model.Session{
		Occupant:        "reg",
		EnteredAt:       base.Add(time.Minute),
		Deadline:        base.Add(61 * time.Minute),
		Seq:             2,
		Cooperativeness: 0.5,
	}

	ranked := Rank([]model.Session{priv, reg}, defaultCtx(base.Add(2*time.Minute), 2))
	require.Len(t, ranked, 2)
	assert.Equal(t, model.OccupantID("reg"), ranked[0].Session.Occupant)
	assert.Greater(t, ranked[0].Breakdown.Total, ranked[1].Breakdown.Total)
}

func TestRank_SimultaneousEntriesRankBySeq(t *testing.T) {
	mk := func(id string, seq uint64) model.Session {
		return model.Session{
			Occupant:        model.OccupantID(id),
			EnteredAt:       base,
			Deadline:        base.Add(time.Hour),
			Seq:             seq,
			Cooperativeness: 0.5,
		}
	}
	// Identical entry times: entry rank falls back to seq, so the later
	// sequence carries the higher order factor and ranks first.
	ranked := Rank([]model.Session{mk("b", 2), mk("a", 1)}, defaultCtx(base.Add(10*time.Minute), 2))
	require.Len(t, ranked, 2)
	assert.Equal(t, model.OccupantID("b"), ranked[0].Session.Occupant)
	assert.Greater(t, ranked[0].Breakdown.Total, ranked[1].Breakdown.Total)
}

func TestRank_EmptyAndOrderStability(t *testing.T) {
	assert.Nil(t, Rank(nil, defaultCtx(base, 0)))

	sessions := []model.Session{
		{Occupant: "x", EnteredAt: base, Deadline: base.Add(time.Hour), Seq: 1, Cooperativeness: 0.5},
		{Occupant: "y", EnteredAt: base.Add(time.Minute), Deadline: base.Add(61 * time.Minute), Seq: 2, Cooperativeness: 0.5},
		{Occupant: "z", EnteredAt: base.Add(2 * time.Minute), Deadline: base.Add(62 * time.Minute), Seq: 3, Cooperativeness: 0.5},
	}
	input := append([]model.Session(nil), sessions...)
	ranked := Rank(input, defaultCtx(base.Add(10*time.Minute), 3))

	require.Len(t, ranked, 3)
	for i := 1; i < len(ranked); i++ {
		assert.GreaterOrEqual(t, ranked[i-1].Breakdown.Total, ranked[i].Breakdown.Total)
	}
	if diff := cmp.Diff(sessions, input); diff != "" {
		t.Fatalf("Rank mutated its input slice:\n%s", diff)
	}
}

func TestRank_ScoreRoundedToThreeDecimals(t *testing.T) {
	s := model.Session{
		Occupant:        "u",
		EnteredAt:       base,
		Deadline:        base.Add(time.Hour),
		Seq:             1,
		Cooperativeness: 1.0 / 3.0,
	}
	b := Score(s, 1, defaultCtx(base.Add(7*time.Minute), 1))
	scaled := b.Total * 1000
	assert.InDelta(t, scaled, float64(int(scaled+0.5)), 1e-9)
}
