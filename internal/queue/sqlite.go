package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const createMessagesTable = `
CREATE TABLE IF NOT EXISTS queue_messages (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    queue_id   TEXT NOT NULL,
    work_name  TEXT NOT NULL,
    role       TEXT NOT NULL,
    payload    BLOB NOT NULL,
    pushed_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_channel
    ON queue_messages (queue_id, work_name, role, id)`

// pollInterval is how often a blocked Pop re-checks the database for new
// messages. SQLite has no change notification, so delivery latency is
// bounded by this interval.
const pollInterval = 20 * time.Millisecond

// Compile-time interface satisfaction check.
var _ Fabric = (*SQLiteFabric)(nil)

// SQLiteFabric is a durable fabric backed by a SQLite file. A message row is
// deleted in the same transaction that reads it, and only committed once the
// payload is in hand, giving at-least-once delivery across processes that
// open the same file.
type SQLiteFabric struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

// NewSQLiteFabric opens (or creates) the fabric database at path.
func NewSQLiteFabric(path string) (*SQLiteFabric, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open fabric database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createMessagesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &SQLiteFabric{db: db}, nil
}

// Open returns a handle on the channel with the given identity. Handles are
// stateless views over the shared table, so two processes opening the same
// identity are wired point-to-point.
func (f *SQLiteFabric) Open(queueID, workName string, role Role) (Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	return &sqliteQueue{
		fabric:   f,
		queueID:  queueID,
		workName: workName,
		role:     role,
	}, nil
}

// Close closes the underlying database. Outstanding handles fail with
// ErrClosed afterwards.
func (f *SQLiteFabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.db.Close()
}

func (f *SQLiteFabric) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type sqliteQueue struct {
	fabric   *SQLiteFabric
	queueID  string
	workName string
	role     Role
}

func (q *sqliteQueue) Push(msg []byte) error {
	if q.fabric.isClosed() {
		return ErrClosed
	}
	_, err := q.fabric.db.Exec(
		`INSERT INTO queue_messages (queue_id, work_name, role, payload, pushed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		q.queueID, q.workName, string(q.role), msg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

func (q *sqliteQueue) Pop(timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if q.fabric.isClosed() {
			return nil, ErrClosed
		}

		msg, err := q.popOne()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return nil, err
		}

		if timeout == 0 {
			return nil, ErrEmpty
		}
		if timeout > 0 && time.Now().Add(pollInterval).After(deadline) {
			return nil, ErrEmpty
		}
		time.Sleep(pollInterval)
	}
}

// popOne removes and returns the head message in a single transaction so
// the row only disappears once its payload has been read.
func (q *sqliteQueue) popOne() ([]byte, error) {
	tx, err := q.fabric.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin pop: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var payload []byte
	err = tx.QueryRow(
		`SELECT id, payload FROM queue_messages
		 WHERE queue_id = ? AND work_name = ? AND role = ?
		 ORDER BY id LIMIT 1`,
		q.queueID, q.workName, string(q.role),
	).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("scan head message: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete head message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pop: %w", err)
	}
	return payload, nil
}

func (q *sqliteQueue) Close() error {
	// Handles are stateless; the fabric owns the connection.
	return nil
}
