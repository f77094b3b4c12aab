// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/spacegate/internal/occupancy/model"
	"github.com/ManuGH/spacegate/internal/persistence/sqlite"
)

const schemaVersion = 1

// SqliteStore implements Store using SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens (or creates) the occupancy database at dbPath.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("occupancy store: migration failed: %w", err)
	}

	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS visit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occupant_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('ENTRY','EXIT')),
		ts_ms INTEGER NOT NULL,
		deadline_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_visit_events_occupant ON visit_events(occupant_id, id);
	CREATE INDEX IF NOT EXISTS idx_visit_events_ts ON visit_events(ts_ms);

	CREATE TABLE IF NOT EXISTS capacity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		max_capacity INTEGER NOT NULL,
		current_occupancy INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL,
		message TEXT,
		auto_open TEXT,
		auto_close TEXT,
		auto_enabled INTEGER NOT NULL DEFAULT 0,
		updated_at_ms INTEGER NOT NULL,
		updated_by TEXT
	);

	CREATE TABLE IF NOT EXISTS occupants (
		occupant_id TEXT PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		tier TEXT NOT NULL DEFAULT 'regular',
		age INTEGER,
		demographic TEXT,
		cooperativeness REAL NOT NULL DEFAULT 0.5,
		frequency_used INTEGER NOT NULL DEFAULT 0,
		last_visit_ms INTEGER
	);

	CREATE TABLE IF NOT EXISTS forecast_observations (
		minute_ms INTEGER PRIMARY KEY,
		occupancy REAL NOT NULL,
		entry_rate REAL NOT NULL,
		exit_rate REAL NOT NULL
	);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// --- Event log & counter ---

func (s *SqliteStore) Commit(ctx context.Context, ev model.VisitEvent, occ *model.Occupant) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var deadline sql.NullInt64
	if ev.Kind == model.EventEntry && !ev.Deadline.IsZero() {
		deadline = sql.NullInt64{Int64: ev.Deadline.UnixMilli(), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO visit_events (occupant_id, kind, ts_ms, deadline_ms) VALUES (?, ?, ?, ?)",
		string(ev.Occupant), string(ev.Kind), ev.Timestamp.UnixMilli(), deadline,
	); err != nil {
		return 0, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT current_occupancy FROM capacity WHERE id = 1").Scan(&count); err != nil {
		return 0, err
	}
	switch ev.Kind {
	case model.EventEntry:
		count++
	case model.EventExit:
		if count > 0 {
			count--
		}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE capacity SET current_occupancy = ?, updated_at_ms = ? WHERE id = 1",
		count, ev.Timestamp.UnixMilli(),
	); err != nil {
		return 0, err
	}

	if occ != nil {
		if err := putOccupantTx(ctx, tx, *occ); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SqliteStore) Snapshot(ctx context.Context) (model.CapacitySnapshot, error) {
	var snap model.CapacitySnapshot
	var updated int64
	err := s.DB.QueryRowContext(ctx,
		"SELECT max_capacity, current_occupancy, updated_at_ms FROM capacity WHERE id = 1",
	).Scan(&snap.Max, &snap.Count, &updated)
	if err != nil {
		return model.CapacitySnapshot{}, err
	}
	snap.UpdatedAt = time.UnixMilli(updated)
	return snap, nil
}

func (s *SqliteStore) EnsureCapacity(ctx context.Context, max int) error {
	_, err := s.DB.ExecContext(ctx,
		"INSERT OR IGNORE INTO capacity (id, max_capacity, current_occupancy, updated_at_ms) VALUES (1, ?, 0, ?)",
		max, time.Now().UnixMilli(),
	)
	return err
}

func (s *SqliteStore) SetMaxCapacity(ctx context.Context, max int) (model.CapacitySnapshot, error) {
	if _, err := s.DB.ExecContext(ctx,
		"UPDATE capacity SET max_capacity = ?, updated_at_ms = ? WHERE id = 1",
		max, time.Now().UnixMilli(),
	); err != nil {
		return model.CapacitySnapshot{}, err
	}
	return s.Snapshot(ctx)
}

func (s *SqliteStore) SetOccupancy(ctx context.Context, count int) (model.CapacitySnapshot, error) {
	if _, err := s.DB.ExecContext(ctx,
		"UPDATE capacity SET current_occupancy = ?, updated_at_ms = ? WHERE id = 1",
		count, time.Now().UnixMilli(),
	); err != nil {
		return model.CapacitySnapshot{}, err
	}
	return s.Snapshot(ctx)
}

func (s *SqliteStore) RebuildCounter(ctx context.Context) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var entries, exits int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FILTER (WHERE kind = 'ENTRY'), COUNT(*) FILTER (WHERE kind = 'EXIT') FROM visit_events",
	).Scan(&entries, &exits); err != nil {
		return 0, err
	}
	count := entries - exits
	if count < 0 {
		count = 0
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE capacity SET current_occupancy = ?, updated_at_ms = ? WHERE id = 1",
		count, time.Now().UnixMilli(),
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SqliteStore) OpenEntries(ctx context.Context) ([]model.VisitEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT occupant_id, kind, ts_ms, deadline_ms FROM visit_events v
		WHERE v.id = (SELECT MAX(w.id) FROM visit_events w WHERE w.occupant_id = v.occupant_id)
		  AND v.kind = 'ENTRY'
		ORDER BY v.id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *SqliteStore) EntryCount(ctx context.Context, id model.OccupantID, from, to time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM visit_events WHERE occupant_id = ? AND kind = 'ENTRY' AND ts_ms >= ? AND ts_ms < ?",
		string(id), from.UnixMilli(), to.UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *SqliteStore) Events(ctx context.Context) ([]model.VisitEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT occupant_id, kind, ts_ms, deadline_ms FROM visit_events ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]model.VisitEvent, error) {
	var out []model.VisitEvent
	for rows.Next() {
		var ev model.VisitEvent
		var occupant, kind string
		var ts int64
		var deadline sql.NullInt64
		if err := rows.Scan(&occupant, &kind, &ts, &deadline); err != nil {
			return nil, err
		}
		ev.Occupant = model.OccupantID(occupant)
		ev.Kind = model.EventKind(kind)
		ev.Timestamp = time.UnixMilli(ts)
		if deadline.Valid {
			ev.Deadline = time.UnixMilli(deadline.Int64)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Occupants ---

func (s *SqliteStore) OccupantByToken(ctx context.Context, token string) (*model.Occupant, error) {
	return scanOccupant(s.DB.QueryRowContext(ctx,
		"SELECT occupant_id, token, tier, age, demographic, cooperativeness, frequency_used, last_visit_ms FROM occupants WHERE token = ?",
		token))
}

func (s *SqliteStore) Occupant(ctx context.Context, id model.OccupantID) (*model.Occupant, error) {
	return scanOccupant(s.DB.QueryRowContext(ctx,
		"SELECT occupant_id, token, tier, age, demographic, cooperativeness, frequency_used, last_visit_ms FROM occupants WHERE occupant_id = ?",
		string(id)))
}

func (s *SqliteStore) PutOccupant(ctx context.Context, occ model.Occupant) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := putOccupantTx(ctx, tx, occ); err != nil {
		return err
	}
	return tx.Commit()
}

func putOccupantTx(ctx context.Context, tx *sql.Tx, occ model.Occupant) error {
	var age sql.NullInt64
	if occ.Age > 0 {
		age = sql.NullInt64{Int64: int64(occ.Age), Valid: true}
	}
	var demo sql.NullString
	if occ.Demographic != "" {
		demo = sql.NullString{String: occ.Demographic, Valid: true}
	}
	var lastVisit sql.NullInt64
	if !occ.LastVisit.IsZero() {
		lastVisit = sql.NullInt64{Int64: occ.LastVisit.UnixMilli(), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO occupants (occupant_id, token, tier, age, demographic, cooperativeness, frequency_used, last_visit_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(occupant_id) DO UPDATE SET
			token = excluded.token,
			tier = excluded.tier,
			age = excluded.age,
			demographic = excluded.demographic,
			cooperativeness = excluded.cooperativeness,
			frequency_used = excluded.frequency_used,
			last_visit_ms = excluded.last_visit_ms`,
		string(occ.ID), occ.Token, string(occ.Tier), age, demo,
		occ.Cooperativeness, occ.FrequencyUsed, lastVisit,
	)
	return err
}

func scanOccupant(row *sql.Row) (*model.Occupant, error) {
	var occ model.Occupant
	var id, tier string
	var age sql.NullInt64
	var demo sql.NullString
	var lastVisit sql.NullInt64

	err := row.Scan(&id, &occ.Token, &tier, &age, &demo, &occ.Cooperativeness, &occ.FrequencyUsed, &lastVisit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	occ.ID = model.OccupantID(id)
	occ.Tier = model.Tier(tier)
	if age.Valid {
		occ.Age = int(age.Int64)
	}
	if demo.Valid {
		occ.Demographic = demo.String
	}
	if lastVisit.Valid {
		occ.LastVisit = time.UnixMilli(lastVisit.Int64)
	}
	return &occ, nil
}

// --- Status history ---

func (s *SqliteStore) CurrentStatus(ctx context.Context) (model.StatusRecord, error) {
	var rec model.StatusRecord
	var status string
	var message, autoOpen, autoClose, updatedBy sql.NullString
	var autoEnabled int
	var updated int64

	err := s.DB.QueryRowContext(ctx, `
		SELECT status, message, auto_open, auto_close, auto_enabled, updated_at_ms, updated_by
		FROM status_history ORDER BY id DESC LIMIT 1`,
	).Scan(&status, &message, &autoOpen, &autoClose, &autoEnabled, &updated, &updatedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.StatusRecord{Status: model.StatusOpen}, nil
		}
		return model.StatusRecord{}, err
	}

	rec.Status = model.Status(status)
	rec.Message = message.String
	rec.AutoOpen = autoOpen.String
	rec.AutoClose = autoClose.String
	rec.AutoEnabled = autoEnabled != 0
	rec.UpdatedAt = time.UnixMilli(updated)
	rec.UpdatedBy = updatedBy.String
	return rec, nil
}

func (s *SqliteStore) AppendStatus(ctx context.Context, rec model.StatusRecord) error {
	enabled := 0
	if rec.AutoEnabled {
		enabled = 1
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO status_history (status, message, auto_open, auto_close, auto_enabled, updated_at_ms, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Status), rec.Message, rec.AutoOpen, rec.AutoClose, enabled,
		rec.UpdatedAt.UnixMilli(), rec.UpdatedBy,
	)
	return err
}

// --- Forecaster observations ---

func (s *SqliteStore) PutObservation(ctx context.Context, obs model.Observation) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO forecast_observations (minute_ms, occupancy, entry_rate, exit_rate)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(minute_ms) DO UPDATE SET
			occupancy = excluded.occupancy,
			entry_rate = excluded.entry_rate,
			exit_rate = excluded.exit_rate`,
		obs.Minute.Truncate(time.Minute).UnixMilli(), obs.Occupancy, obs.EntryRate, obs.ExitRate,
	)
	return err
}

func (s *SqliteStore) ObservationsSince(ctx context.Context, from time.Time) ([]model.Observation, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT minute_ms, occupancy, entry_rate, exit_rate FROM forecast_observations WHERE minute_ms >= ? ORDER BY minute_ms",
		from.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Observation
	for rows.Next() {
		var obs model.Observation
		var minute int64
		if err := rows.Scan(&minute, &obs.Occupancy, &obs.EntryRate, &obs.ExitRate); err != nil {
			return nil, err
		}
		obs.Minute = time.UnixMilli(minute)
		out = append(out, obs)
	}
	return out, rows.Err()
}

func (s *SqliteStore) PruneObservations(ctx context.Context, before time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		"DELETE FROM forecast_observations WHERE minute_ms < ?", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ Store = (*SqliteStore)(nil)
