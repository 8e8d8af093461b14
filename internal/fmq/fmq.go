// Package fmq is a persistent circular message queue stored in SQLite.
// Message ids increase monotonically; message id N lives in slot
// N % num_slots, so a writer that laps a slow reader overwrites the oldest
// messages and the reader detects the overrun.
//
// Several processes may open the same file: one writer and any number of
// readers. The database runs in WAL mode so readers never block the writer.
package fmq

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/pulsereader/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var logf = monitoring.Tagged("fmq")

// DefaultNumSlots is used when a new queue is created without a size.
const DefaultNumSlots = 1000

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("fmq: queue closed")
	// ErrNoMessage means the reader has caught up with the writer.
	ErrNoMessage = errors.New("fmq: no new message")
)

// Message is one queued unit. Data is a concatenation of envelopes.
type Message struct {
	ID      int64
	Written time.Time
	Data    []byte
}

// Queue is a handle on one queue database.
type Queue struct {
	db       *sql.DB
	path     string
	numSlots int64
	closed   atomic.Bool
}

// Open opens or creates the queue at path. numSlots only applies when the
// queue is created; an existing queue keeps its size.
func Open(path string, numSlots int) (*Queue, error) {
	if numSlots <= 0 {
		numSlots = DefaultNumSlots
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("queue %s: %s: %w", path, pragma, err)
		}
	}

	q := &Queue{db: db, path: path}
	if err := q.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	if err := q.initMeta(int64(numSlots)); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load queue migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(q.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	// m is not closed: that would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate queue %s: %w", q.path, err)
	}
	return nil
}

// migrateLogger implements migrate.Logger
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

func (q *Queue) initMeta(numSlots int64) error {
	if _, err := q.db.Exec(`INSERT OR IGNORE INTO fmq_meta (id, num_slots, last_msg_id) VALUES (1, ?, 0)`, numSlots); err != nil {
		return fmt.Errorf("init queue meta: %w", err)
	}
	if err := q.db.QueryRow(`SELECT num_slots FROM fmq_meta WHERE id = 1`).Scan(&q.numSlots); err != nil {
		return fmt.Errorf("read queue meta: %w", err)
	}
	if q.numSlots != numSlots {
		logf("queue %s already has %d slots; ignoring requested %d", q.path, q.numSlots, numSlots)
	}
	return nil
}

// DB exposes the underlying handle for diagnostics.
func (q *Queue) DB() *sql.DB { return q.db }

// Path returns the database file path.
func (q *Queue) Path() string { return q.path }

// NumSlots returns the ring size.
func (q *Queue) NumSlots() int64 { return q.numSlots }

// Write appends data as a new message and returns its id.
func (q *Queue) Write(ctx context.Context, data []byte) (int64, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT last_msg_id FROM fmq_meta WHERE id = 1`).Scan(&last); err != nil {
		return 0, fmt.Errorf("read last message id: %w", err)
	}
	id := last + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO fmq_slots (slot, msg_id, written_unix_nanos, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			msg_id = excluded.msg_id,
			written_unix_nanos = excluded.written_unix_nanos,
			data = excluded.data`,
		id%q.numSlots, id, time.Now().UnixNano(), data)
	if err != nil {
		return 0, fmt.Errorf("write slot for message %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE fmq_meta SET last_msg_id = ? WHERE id = 1`, id); err != nil {
		return 0, fmt.Errorf("update last message id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit message %d: %w", id, err)
	}
	return id, nil
}

// Latest returns the id of the newest message, or 0 for an empty queue.
func (q *Queue) Latest(ctx context.Context) (int64, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	var last int64
	if err := q.db.QueryRowContext(ctx, `SELECT last_msg_id FROM fmq_meta WHERE id = 1`).Scan(&last); err != nil {
		return 0, fmt.Errorf("read last message id: %w", err)
	}
	return last, nil
}

// Oldest returns the id of the oldest message still held in the ring.
// For an empty queue it returns 1, the id the first message will get.
func (q *Queue) Oldest(ctx context.Context) (int64, error) {
	last, err := q.Latest(ctx)
	if err != nil {
		return 0, err
	}
	return oldestFor(last, q.numSlots), nil
}

func oldestFor(last, numSlots int64) int64 {
	if last < numSlots {
		return 1
	}
	return last - numSlots + 1
}

// slot reads whatever message currently occupies the slot for id.
func (q *Queue) slot(ctx context.Context, id int64) (Message, bool, error) {
	var (
		m     Message
		nanos int64
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT msg_id, written_unix_nanos, data FROM fmq_slots WHERE slot = ?`, id%q.numSlots,
	).Scan(&m.ID, &nanos, &m.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("read slot for message %d: %w", id, err)
	}
	m.Written = time.Unix(0, nanos)
	return m, true, nil
}

// Close releases the database handle. Further calls return ErrClosed.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.db.Close()
}
