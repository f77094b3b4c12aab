// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package ranker implements the removal-score function over open sessions.
// Score is pure: every input arrives as an argument, nothing global is read,
// so identical inputs always produce identical output.
package ranker

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

// Weights holds the factor weights. They must sum to 1.0; Validate is
// asserted at startup.
type Weights struct {
	TimeInside float64 // T: time already spent inside
	Remaining  float64 // R: remaining slot time
	EntryOrder float64 // O: entry order among currently inside
	Recency    float64 // L: recency of last prior visit
	Frequency  float64 // F: monthly visit frequency
	Privilege  float64 // P: membership tier
	Age        float64 // A: age-based factor
	Demo       float64 // G: demographic placeholder
	Coop       float64 // V: cooperativeness history
	Demand     float64 // D: time-of-day demand
}

// DefaultWeights returns the standard weight table.
func DefaultWeights() Weights {
	return Weights{
		TimeInside: 0.20,
		Remaining:  0.10,
		EntryOrder: 0.10,
		Recency:    0.08,
		Frequency:  0.08,
		Privilege:  0.08,
		Age:        0.05,
		Demo:       0.04,
		Coop:       0.12,
		Demand:     0.15,
	}
}

// Validate checks that the weights sum to 1.0 within floating tolerance.
func (w Weights) Validate() error {
	sum := w.TimeInside + w.Remaining + w.EntryOrder + w.Recency +
		w.Frequency + w.Privilege + w.Age + w.Demo + w.Coop + w.Demand
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("ranker weights sum to %v, want 1.0", sum)
	}
	return nil
}

// Normalization constants.
const (
	maxElapsedMinutes   = 120.0 // T_max
	maxRemainingMinutes = 120.0 // R_max
	recencyWindowDays   = 30.0
	maxMonthlyVisits    = 10.0
	maxAge              = 70.0 // A_max
	demoNeutral         = 0.5  // G placeholder; any other policy is a code change
)

// Context carries the rank-wide inputs for one scoring pass.
type Context struct {
	Now         time.Time
	TotalInside int
	Weights     Weights
}

// Breakdown exposes the normalized per-factor values alongside the total,
// so operators can audit why a session ranks where it does.
type Breakdown struct {
	TimeInside float64 `json:"T"`
	Remaining  float64 `json:"R"`
	EntryOrder float64 `json:"O"`
	Recency    float64 `json:"L"`
	Frequency  float64 `json:"F"`
	Privilege  float64 `json:"P"`
	Age        float64 `json:"A"`
	Demo       float64 `json:"G"`
	Coop       float64 `json:"V"`
	Demand     float64 `json:"D"`
	Total      float64 `json:"total"`
}

// Scored pairs a session with its score at ranking time.
type Scored struct {
	Session   model.Session
	Breakdown Breakdown
}

// Score computes the removal score of one session. entryRank is the 1-based
// position of the session among those currently inside, ordered by entry
// time (1 = earliest). Higher total = more removable.
func Score(s model.Session, entryRank int, ctx Context) Breakdown {
	w := ctx.Weights
	var b Breakdown

	elapsed := ctx.Now.Sub(s.EnteredAt).Minutes()
	b.TimeInside = clamp01(elapsed / maxElapsedMinutes)

	remaining := s.Deadline.Sub(ctx.Now).Minutes()
	if remaining < 0 {
		remaining = 0
	}
	b.Remaining = clamp01(remaining / maxRemainingMinutes)

	total := ctx.TotalInside
	if total < 1 {
		total = 1
	}
	b.EntryOrder = float64(entryRank) / float64(total)

	if !s.LastVisit.IsZero() {
		days := ctx.Now.Sub(s.LastVisit).Hours() / 24
		b.Recency = math.Max(0, 1-days/recencyWindowDays)
	}

	b.Frequency = 1 - math.Min(1, float64(s.MonthlyVisits)/maxMonthlyVisits)

	if !s.Privileged {
		b.Privilege = 1
	}

	if s.Age > 0 {
		b.Age = clamp01((maxAge - float64(s.Age)) / maxAge)
	} else {
		b.Age = 0.5 // unknown
	}

	b.Demo = demoNeutral

	b.Coop = clamp01(1 - s.Cooperativeness)

	b.Demand = demandFactor(ctx.Now)

	sum := w.TimeInside*b.TimeInside +
		w.Remaining*b.Remaining +
		w.EntryOrder*b.EntryOrder +
		w.Recency*b.Recency +
		w.Frequency*b.Frequency +
		w.Privilege*b.Privilege +
		w.Age*b.Age +
		w.Demo*b.Demo +
		w.Coop*b.Coop +
		w.Demand*b.Demand

	b.Total = clamp01(math.Round(sum*1000) / 1000)
	return b
}

// demandFactor maps local time of day onto expected demand: peak hours
// (09-12, 17-20) 1.0, shoulder hours (08-09, 20-21) 0.5, otherwise 0.2.
func demandFactor(now time.Time) float64 {
	h := now.Hour()
	switch {
	case (h >= 9 && h < 12) || (h >= 17 && h < 20):
		return 1.0
	case h == 8 || h == 20:
		return 0.5
	default:
		return 0.2
	}
}

// Rank scores every session and returns them most-removable first. The order
// is a strict total order: score descending, then non-privileged before
// privileged, then entry time ascending, then sequence number ascending.
func Rank(sessions []model.Session, ctx Context) []Scored {
	if len(sessions) == 0 {
		return nil
	}

	// Entry order (O) is rank 1 for the earliest entry. Work on a copy so
	// the caller's slice order is untouched.
	byEntry := append([]model.Session(nil), sessions...)
	sort.SliceStable(byEntry, func(i, j int) bool {
		if !byEntry[i].EnteredAt.Equal(byEntry[j].EnteredAt) {
			return byEntry[i].EnteredAt.Before(byEntry[j].EnteredAt)
		}
		return byEntry[i].Seq < byEntry[j].Seq
	})
	entryRank := make(map[uint64]int, len(byEntry))
	for i, s := range byEntry {
		entryRank[s.Seq] = i + 1
	}

	if ctx.TotalInside == 0 {
		ctx.TotalInside = len(sessions)
	}

	out := make([]Scored, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Scored{Session: s, Breakdown: Score(s, entryRank[s.Seq], ctx)})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Breakdown.Total != b.Breakdown.Total {
			return a.Breakdown.Total > b.Breakdown.Total
		}
		if a.Breakdown.Privilege != b.Breakdown.Privilege {
			return a.Breakdown.Privilege > b.Breakdown.Privilege // non-privileged first
		}
		if !a.Session.EnteredAt.Equal(b.Session.EnteredAt) {
			return a.Session.EnteredAt.Before(b.Session.EnteredAt)
		}
		return a.Session.Seq < b.Session.Seq
	})
	return out
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
