package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/workmesh/workmesh/internal/model"

	_ "modernc.org/sqlite"
)

const createSchema = `
CREATE TABLE IF NOT EXISTS works (
    name         TEXT PRIMARY KEY,
    display_name TEXT,
    backend      TEXT,
    status       TEXT NOT NULL,
    last_error   TEXT,
    url          TEXT,
    restarts     INTEGER NOT NULL DEFAULT 0,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    stopped_at   DATETIME
);
CREATE TABLE IF NOT EXISTS deltas (
    work_name  TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    payload    BLOB NOT NULL,
    applied_at DATETIME NOT NULL,
    PRIMARY KEY (work_name, seq)
);
CREATE TABLE IF NOT EXISTS state_snapshots (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    taken_at DATETIME NOT NULL,
    tree     BLOB NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveWork upserts the persisted view of a work.
func (s *SQLiteStore) SaveWork(ctx context.Context, w *model.Work) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO works (
			name, display_name, backend, status, last_error, url,
			restarts, created_at, started_at, stopped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			display_name = excluded.display_name,
			backend      = excluded.backend,
			status       = excluded.status,
			last_error   = excluded.last_error,
			url          = excluded.url,
			restarts     = excluded.restarts,
			started_at   = excluded.started_at,
			stopped_at   = excluded.stopped_at`,
		w.Name, w.DisplayName, w.Backend, w.Status(), w.LastError(), w.URL,
		w.Restarts(), w.CreatedAt, w.StartedAt, w.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("save work: %w", err)
	}
	return nil
}

// GetWork retrieves a work record by name.
func (s *SQLiteStore) GetWork(ctx context.Context, name string) (*WorkRecord, error) {
	rec := &WorkRecord{}
	var createdAt time.Time
	var startedAt, stoppedAt sql.NullTime
	var displayName, backend, lastError, url sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, display_name, backend, status, last_error, url,
			restarts, created_at, started_at, stopped_at
		FROM works WHERE name = ?`, name,
	).Scan(
		&rec.Name, &displayName, &backend, &rec.Status, &lastError, &url,
		&rec.Restarts, &createdAt, &startedAt, &stoppedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work: %w", err)
	}

	rec.DisplayName = displayName.String
	rec.Backend = backend.String
	rec.LastError = lastError.String
	rec.URL = url.String
	rec.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	if startedAt.Valid {
		v := startedAt.Time.UTC().Format(time.RFC3339)
		rec.StartedAt = &v
	}
	if stoppedAt.Valid {
		v := stoppedAt.Time.UTC().Format(time.RFC3339)
		rec.StoppedAt = &v
	}
	return rec, nil
}

// ListWorks returns all work records ordered by name.
func (s *SQLiteStore) ListWorks(ctx context.Context) ([]*WorkRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM works ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list works: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan work name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate works: %w", err)
	}

	records := make([]*WorkRecord, 0, len(names))
	for _, name := range names {
		rec, err := s.GetWork(ctx, name)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// UpdateWorkStatus updates the status of a work after validating the
// transition against the current persisted status. For stopped and failed,
// it also sets stopped_at.
func (s *SQLiteStore) UpdateWorkStatus(ctx context.Context, name, status string) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM works WHERE name = ?`, name,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get current status: %w", err)
	}

	if current != status && !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if status == model.StatusStopped || status == model.StatusFailed {
		_, err = s.db.ExecContext(ctx,
			`UPDATE works SET status = ?, stopped_at = ? WHERE name = ?`,
			status, time.Now().UTC(), name,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE works SET status = ? WHERE name = ?`,
			status, name,
		)
	}
	if err != nil {
		return fmt.Errorf("update work status: %w", err)
	}
	return nil
}

// GetWorkStats returns aggregate orchestration statistics.
func (s *SQLiteStore) GetWorkStats(ctx context.Context) (*WorkStats, error) {
	stats := &WorkStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM works GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(restarts), 0) FROM works`,
	).Scan(&stats.TotalRestarts); err != nil {
		return nil, fmt.Errorf("sum restarts: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deltas`,
	).Scan(&stats.DeltasApplied); err != nil {
		return nil, fmt.Errorf("count deltas: %w", err)
	}

	return stats, nil
}

// AppendDelta journals an applied delta. The (work_name, seq) primary key
// makes re-journaling idempotent; a conflicting insert is reported as a
// duplicate, not an error.
func (s *SQLiteStore) AppendDelta(ctx context.Context, d *model.Delta) (bool, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("marshal delta: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deltas (work_name, seq, payload, applied_at)
		 VALUES (?, ?, ?, ?)`,
		d.WorkName, d.Seq, payload, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("append delta: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return affected == 0, nil
}

// ListDeltas returns the journaled deltas for a work in seq order.
func (s *SQLiteStore) ListDeltas(ctx context.Context, workName string) ([]*model.Delta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM deltas WHERE work_name = ? ORDER BY seq`, workName)
	if err != nil {
		return nil, fmt.Errorf("list deltas: %w", err)
	}
	defer rows.Close()

	var deltas []*model.Delta
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		d := &model.Delta{}
		if err := json.Unmarshal(payload, d); err != nil {
			return nil, fmt.Errorf("unmarshal delta: %w", err)
		}
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deltas: %w", err)
	}
	return deltas, nil
}

// SaveSnapshot stores a serialized state tree snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, tree []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_snapshots (taken_at, tree) VALUES (?, ?)`,
		time.Now().UTC(), tree,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent state tree snapshot, or ErrNotFound
// if none has been taken yet.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) ([]byte, error) {
	var tree []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT tree FROM state_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&tree)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return tree, nil
}
