package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuGH/spacegate/internal/occupancy/model"
)

// MemoryStore is an in-memory Store used by unit tests and local
// prototyping. The CommitErr hook injects persistence failures so rollback
// behaviour can be exercised deterministically.
type MemoryStore struct {
	mu           sync.Mutex
	events       []model.VisitEvent
	occupants    map[model.OccupantID]model.Occupant
	tokens       map[string]model.OccupantID
	status       []model.StatusRecord
	observations map[int64]model.Observation
	snap         model.CapacitySnapshot
	hasCapacity  bool

	// CommitErr, when non-nil, fails every Commit without mutating state.
	CommitErr error
	// SnapshotErr, when non-nil, fails every Snapshot.
	SnapshotErr error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		occupants:    make(map[model.OccupantID]model.Occupant),
		tokens:       make(map[string]model.OccupantID),
		observations: make(map[int64]model.Observation),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Commit(ctx context.Context, ev model.VisitEvent, occ *model.Occupant) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CommitErr != nil {
		return 0, m.CommitErr
	}

	m.events = append(m.events, ev)
	switch ev.Kind {
	case model.EventEntry:
		m.snap.Count++
	case model.EventExit:
		if m.snap.Count > 0 {
			m.snap.Count--
		}
	}
	m.snap.UpdatedAt = ev.Timestamp

	if occ != nil {
		m.putOccupantLocked(*occ)
	}
	return m.snap.Count, nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) (model.CapacitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SnapshotErr != nil {
		return model.CapacitySnapshot{}, m.SnapshotErr
	}
	return m.snap, nil
}

func (m *MemoryStore) EnsureCapacity(ctx context.Context, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasCapacity {
		m.snap = model.CapacitySnapshot{Max: max, UpdatedAt: time.Now()}
		m.hasCapacity = true
	}
	return nil
}

func (m *MemoryStore) SetMaxCapacity(ctx context.Context, max int) (model.CapacitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Max = max
	m.snap.UpdatedAt = time.Now()
	return m.snap, nil
}

func (m *MemoryStore) SetOccupancy(ctx context.Context, count int) (model.CapacitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Count = count
	m.snap.UpdatedAt = time.Now()
	return m.snap, nil
}

func (m *MemoryStore) RebuildCounter(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ev := range m.events {
		switch ev.Kind {
		case model.EventEntry:
			count++
		case model.EventExit:
			count--
		}
	}
	if count < 0 {
		count = 0
	}
	m.snap.Count = count
	return count, nil
}

func (m *MemoryStore) OpenEntries(ctx context.Context) ([]model.VisitEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last := make(map[model.OccupantID]model.VisitEvent)
	order := make(map[model.OccupantID]int)
	for i, ev := range m.events {
		last[ev.Occupant] = ev
		order[ev.Occupant] = i
	}

	var out []model.VisitEvent
	for _, ev := range last {
		if ev.Kind == model.EventEntry {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return order[out[i].Occupant] < order[out[j].Occupant]
	})
	return out, nil
}

func (m *MemoryStore) EntryCount(ctx context.Context, id model.OccupantID, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Occupant == id && ev.Kind == model.EventEntry &&
			!ev.Timestamp.Before(from) && ev.Timestamp.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Events(ctx context.Context) ([]model.VisitEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.VisitEvent(nil), m.events...), nil
}

func (m *MemoryStore) OccupantByToken(ctx context.Context, token string) (*model.Occupant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	if !ok {
		return nil, nil
	}
	occ := m.occupants[id]
	return &occ, nil
}

func (m *MemoryStore) Occupant(ctx context.Context, id model.OccupantID) (*model.Occupant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	occ, ok := m.occupants[id]
	if !ok {
		return nil, nil
	}
	return &occ, nil
}

func (m *MemoryStore) PutOccupant(ctx context.Context, occ model.Occupant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putOccupantLocked(occ)
	return nil
}

func (m *MemoryStore) putOccupantLocked(occ model.Occupant) {
	if prev, ok := m.occupants[occ.ID]; ok && prev.Token != occ.Token {
		delete(m.tokens, prev.Token)
	}
	m.occupants[occ.ID] = occ
	m.tokens[occ.Token] = occ.ID
}

func (m *MemoryStore) CurrentStatus(ctx context.Context) (model.StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.status) == 0 {
		return model.StatusRecord{Status: model.StatusOpen}, nil
	}
	return m.status[len(m.status)-1], nil
}

func (m *MemoryStore) AppendStatus(ctx context.Context, rec model.StatusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = append(m.status, rec)
	return nil
}

func (m *MemoryStore) PutObservation(ctx context.Context, obs model.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := obs.Minute.Truncate(time.Minute).UnixMilli()
	obs.Minute = time.UnixMilli(key)
	m.observations[key] = obs
	return nil
}

func (m *MemoryStore) ObservationsSince(ctx context.Context, from time.Time) ([]model.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Observation
	for _, obs := range m.observations {
		if !obs.Minute.Before(from) {
			out = append(out, obs)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })
	return out, nil
}

func (m *MemoryStore) PruneObservations(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, obs := range m.observations {
		if obs.Minute.Before(before) {
			delete(m.observations, key)
			n++
		}
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
