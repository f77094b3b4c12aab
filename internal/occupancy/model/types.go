// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package model defines the core occupancy domain types. Sessions refer to
// occupants by ID only; there are no back references.
package model

import "time"

// OccupantID is the stable identity of a person who can scan in and out.
type OccupantID string

// Occupant is the profile subset owned by the occupancy core.
type Occupant struct {
	ID    OccupantID
	Token string // opaque scan token
	Tier  Tier
	// Age is 0 when unknown.
	Age int
	// Demographic is empty when unknown.
	Demographic string
	// Cooperativeness is an exponentially smoothed history of compliant
	// exits in [0,1]. New occupants start at 0.5.
	Cooperativeness float64
	// FrequencyUsed is the ENTRY count over the trailing 30 days,
	// recomputed on every admission.
	FrequencyUsed int
	// LastVisit is zero when the occupant has never exited before.
	LastVisit time.Time
}

// Session is an open visit. It carries a snapshot of the occupant attributes
// the ranker needs, taken at admission time, so scoring never reads shared
// state.
type Session struct {
	Occupant  OccupantID
	EnteredAt time.Time
	// Deadline = EnteredAt + session length. The sweeper force-closes the
	// session once the deadline has passed.
	Deadline time.Time
	// Seq is monotone per process lifetime and breaks FIFO ties.
	Seq uint64

	// Occupant attribute snapshot for scoring.
	Privileged      bool
	Age             int // 0 = unknown
	Demographic     string
	Cooperativeness float64
	MonthlyVisits   int
	LastVisit       time.Time // zero = unknown
}

// Remaining returns the slot time left at now, floored at zero.
func (s Session) Remaining(now time.Time) time.Duration {
	if !now.Before(s.Deadline) {
		return 0
	}
	return s.Deadline.Sub(now)
}

// VisitEvent is an immutable log record. ENTRY events carry the session
// deadline; EXIT events do not.
type VisitEvent struct {
	Occupant  OccupantID
	Kind      EventKind
	Timestamp time.Time
	Deadline  time.Time // zero for EXIT
}

// CapacitySnapshot is the committed counter state.
type CapacitySnapshot struct {
	Count     int
	Max       int
	UpdatedAt time.Time
}

// Full reports whether the space is at capacity.
func (c CapacitySnapshot) Full() bool { return c.Count >= c.Max }

// Near reports whether occupancy is at or above 90% of capacity.
func (c CapacitySnapshot) Near() bool {
	return c.Max > 0 && float64(c.Count)/float64(c.Max) >= 0.9
}

// Percent returns occupancy as a percentage of capacity.
func (c CapacitySnapshot) Percent() float64 {
	if c.Max <= 0 {
		return 0
	}
	return float64(c.Count) / float64(c.Max) * 100
}

// StatusRecord is one entry of the append-only status history.
type StatusRecord struct {
	Status      Status
	Message     string
	AutoOpen    string // "HH:MM", empty when unset
	AutoClose   string // "HH:MM", empty when unset
	AutoEnabled bool
	UpdatedAt   time.Time
	UpdatedBy   string
}

// Observation is one minute bucket fed to the forecaster.
type Observation struct {
	Minute    time.Time // truncated to the minute
	Occupancy float64
	EntryRate float64
	ExitRate  float64
}

// NetRate returns entries minus exits per minute for the bucket.
func (o Observation) NetRate() float64 { return o.EntryRate - o.ExitRate }
