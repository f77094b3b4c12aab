// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package registry indexes the currently open sessions. It is not safe for
// concurrent use on its own; the admission engine serialises access under
// the space-wide lock.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

// Registry holds open sessions keyed by occupant ID with a FIFO secondary
// order (entry time, then sequence number).
type Registry struct {
	sessions map[model.OccupantID]*model.Session
	nextSeq  uint64
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[model.OccupantID]*model.Session)}
}

// Open creates a session for the occupant and assigns the next sequence
// number. Fails with ErrAlreadyInside when the occupant has an open session.
func (r *Registry) Open(s model.Session) (uint64, error) {
	if _, ok := r.sessions[s.Occupant]; ok {
		return 0, fmt.Errorf("open %s: %w", s.Occupant, model.ErrAlreadyInside)
	}
	if !s.Deadline.After(s.EnteredAt) {
		return 0, fmt.Errorf("open %s: deadline %v not after entry %v", s.Occupant, s.Deadline, s.EnteredAt)
	}
	r.nextSeq++
	s.Seq = r.nextSeq
	r.sessions[s.Occupant] = &s
	return s.Seq, nil
}

// Close removes and returns the occupant's open session. Fails with
// ErrNotInside when there is none.
func (r *Registry) Close(id model.OccupantID) (model.Session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("close %s: %w", id, model.ErrNotInside)
	}
	delete(r.sessions, id)
	return *s, nil
}

// Lookup returns the occupant's open session, if any.
func (r *Registry) Lookup(id model.OccupantID) (model.Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// Len returns the number of open sessions.
func (r *Registry) Len() int { return len(r.sessions) }

// List returns all open sessions in stable FIFO order: entry timestamp
// ascending, then sequence number ascending.
func (r *Registry) List() []model.Session {
	out := make([]model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EnteredAt.Equal(out[j].EnteredAt) {
			return out[i].EnteredAt.Before(out[j].EnteredAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// ExpiredAsOf returns sessions whose deadline is at or before t, ordered by
// ascending deadline so synthesized EXITs stay chronological.
func (r *Registry) ExpiredAsOf(t time.Time) []model.Session {
	var out []model.Session
	for _, s := range r.sessions {
		if !s.Deadline.After(t) {
			out = append(out, *s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Restore re-inserts a session with its original sequence number. Used by
// the engine to roll back a Close after a failed persistence append and to
// rebuild the registry from the event log at startup.
func (r *Registry) Restore(s model.Session) {
	r.sessions[s.Occupant] = &s
	if s.Seq > r.nextSeq {
		r.nextSeq = s.Seq
	}
}
