// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store persists the occupancy core: the append-only visit log with
// its reflected counter, occupant profiles, status history and forecaster
// observations.
package store

import (
	"context"
	"time"

	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

// Store is the persistence port of the occupancy engine. Implementations
// must make Commit atomic: the event append, the counter move and the
// optional occupant profile write land together or not at all.
type Store interface {
	// Commit appends a visit event and moves the counter (+1 ENTRY, -1 EXIT
	// clamped at zero) in one transaction. When occ is non-nil its profile
	// row is written in the same transaction. Returns the new counter.
	Commit(ctx context.Context, ev model.VisitEvent, occ *model.Occupant) (int, error)

	// Snapshot returns the committed counter state.
	Snapshot(ctx context.Context) (model.CapacitySnapshot, error)

	// EnsureCapacity inserts the capacity singleton with the given maximum
	// if it does not exist yet. Existing state is never overwritten.
	EnsureCapacity(ctx context.Context, max int) error

	// SetMaxCapacity updates the maximum without touching the counter.
	SetMaxCapacity(ctx context.Context, max int) (model.CapacitySnapshot, error)

	// SetOccupancy overwrites the counter (operator correction surface).
	SetOccupancy(ctx context.Context, count int) (model.CapacitySnapshot, error)

	// RebuildCounter recomputes the counter as ENTRY count minus EXIT count
	// over the full log, clamped at zero, and persists it.
	RebuildCounter(ctx context.Context) (int, error)

	// OpenEntries returns, per occupant, the latest event when it is an
	// ENTRY: the sessions that were open when the process stopped.
	OpenEntries(ctx context.Context) ([]model.VisitEvent, error)

	// EntryCount counts ENTRY events for the occupant in [from, to).
	EntryCount(ctx context.Context, id model.OccupantID, from, to time.Time) (int, error)

	// Events returns the full log ordered by append time. Intended for
	// startup rebuilds and tests, not hot paths.
	Events(ctx context.Context) ([]model.VisitEvent, error)

	// OccupantByToken resolves a scan token; (nil, nil) when unknown.
	OccupantByToken(ctx context.Context, token string) (*model.Occupant, error)

	// Occupant fetches a profile by ID; (nil, nil) when unknown.
	Occupant(ctx context.Context, id model.OccupantID) (*model.Occupant, error)

	// PutOccupant upserts a profile.
	PutOccupant(ctx context.Context, occ model.Occupant) error

	// CurrentStatus returns the latest status record, defaulting to OPEN
	// when the history is empty.
	CurrentStatus(ctx context.Context) (model.StatusRecord, error)

	// AppendStatus appends to the status history.
	AppendStatus(ctx context.Context, rec model.StatusRecord) error

	// PutObservation upserts a minute bucket for the forecaster.
	PutObservation(ctx context.Context, obs model.Observation) error

	// ObservationsSince returns minute buckets at or after from, ascending.
	ObservationsSince(ctx context.Context, from time.Time) ([]model.Observation, error)

	// PruneObservations deletes buckets before the cutoff and reports how
	// many were removed.
	PruneObservations(ctx context.Context, before time.Time) (int, error)

	Close() error
}
