// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package eventqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remodance/remodance/lib/attendance"
	"github.com/remodance/remodance/lib/clock"
	"github.com/remodance/remodance/lib/codec"
	"github.com/remodance/remodance/lib/fault"
	"github.com/remodance/remodance/lib/sqlitepool"
)

var (
	// ErrNotFound is returned when an operation names an entry that
	// does not exist or is not in the state the operation requires.
	ErrNotFound = errors.New("eventqueue: no such entry")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("eventqueue: closed")
)

// Status is the delivery status of an entry.
type Status string

const (
	Pending         Status = "pending"
	InFlight        Status = "in-flight"
	Delivered       Status = "delivered"
	FailedPermanent Status = "failed-permanent"
)

// Terminal reports whether no further delivery attempt will be made.
func (s Status) Terminal() bool {
	return s == Delivered || s == FailedPermanent
}

// CorruptError is the last_error recorded for rows that fail digest
// verification.
const CorruptError = "corrupt"

// DefaultMaxAttempts is the retry ceiling when Config.MaxAttempts is
// zero.
const DefaultMaxAttempts = 10

// Entry is an event plus its delivery metadata.
type Entry struct {
	Event         attendance.Event `json:"event"`
	Status        Status           `json:"status"`
	AttemptCount  int              `json:"attempt_count"`
	NextAttemptAt time.Time        `json:"next_attempt_at"`
	LastError     string           `json:"last_error,omitempty"`
	EnqueuedAt    time.Time        `json:"enqueued_at"`
}

// ID returns the entry's id, which is also the event id.
func (e Entry) ID() int64 {
	return e.Event.ID
}

// Config holds the parameters for opening a queue.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// MaxAttempts is the number of failed attempts after which an
	// entry becomes failed-permanent. Defaults to DefaultMaxAttempts.
	MaxAttempts int

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Queue is the durable event queue. Safe for concurrent use: every
// operation runs under one mutex, and no operation performs network
// I/O.
type Queue struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	// notify is signaled (non-blocking, capacity 1) whenever an entry
	// becomes pending: on enqueue and on release.
	notify chan struct{}

	mu          sync.Mutex
	closed      bool
	maxAttempts int
}

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	event           BLOB    NOT NULL,
	digest          BLOB    NOT NULL,
	status          TEXT    NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	last_error      TEXT    NOT NULL DEFAULT '',
	enqueued_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_status_id ON queue (status, id);

CREATE TABLE IF NOT EXISTS attendance_status (
	singleton          INTEGER PRIMARY KEY CHECK (singleton = 1),
	state              TEXT    NOT NULL,
	manual_override    INTEGER NOT NULL,
	last_change_source TEXT    NOT NULL,
	changed_at         INTEGER NOT NULL
);
`

const entryColumns = "id, event, digest, status, attempt_count, next_attempt_at, last_error, enqueued_at"

// Open opens or creates the queue database.
func Open(cfg Config) (*Queue, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, durability("open", err)
	}

	queue := &Queue{
		pool:        pool,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		notify:      make(chan struct{}, 1),
		maxAttempts: cfg.MaxAttempts,
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, durability("open", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, durability("creating schema", err)
	}
	return queue, nil
}

// Close closes the database. Operations after Close return ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.pool.Close()
}

// Notify returns a channel that receives a value whenever an entry
// becomes pending. The channel has capacity 1; a consumer that was
// busy sees one coalesced signal.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// SetMaxAttempts changes the retry ceiling for subsequent failures.
func (q *Queue) SetMaxAttempts(maxAttempts int) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxAttempts = maxAttempts
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// withConn runs fn with a connection under the queue mutex. When
// immediate is set, fn runs inside an IMMEDIATE transaction that is
// committed when fn returns nil and rolled back otherwise.
func (q *Queue) withConn(ctx context.Context, immediate bool, fn func(conn *sqlite.Conn) error) (err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	conn, err := q.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer q.pool.Put(conn)

	if !immediate {
		return fn(conn)
	}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)
	return fn(conn)
}

// Enqueue durably appends event as a pending entry and returns it with
// its assigned id. It returns only after the write is committed.
func (q *Queue) Enqueue(ctx context.Context, event attendance.Event) (Entry, error) {
	var entry Entry
	err := q.withConn(ctx, true, func(conn *sqlite.Conn) error {
		var err error
		entry, err = q.insertLocked(conn, event)
		return err
	})
	if err != nil {
		return Entry{}, q.failure("enqueue", err)
	}
	q.logger.Debug("event enqueued", "event_id", entry.ID(), "event_type", event.Type)
	q.signal()
	return entry, nil
}

// Record durably appends event and stores status as the attendance
// status, in one transaction. It implements attendance.Recorder.
func (q *Queue) Record(ctx context.Context, event attendance.Event, status attendance.Status) (attendance.Event, error) {
	var entry Entry
	err := q.withConn(ctx, true, func(conn *sqlite.Conn) error {
		var err error
		entry, err = q.insertLocked(conn, event)
		if err != nil {
			return err
		}
		return saveStatusLocked(conn, status)
	})
	if err != nil {
		return attendance.Event{}, q.failure("record", err)
	}
	q.logger.Debug("event recorded", "event_id", entry.ID(), "event_type", event.Type, "state", status.State)
	q.signal()
	return entry.Event, nil
}

// SaveStatus durably stores the attendance status. It implements
// attendance.Recorder.
func (q *Queue) SaveStatus(ctx context.Context, status attendance.Status) error {
	err := q.withConn(ctx, true, func(conn *sqlite.Conn) error {
		return saveStatusLocked(conn, status)
	})
	if err != nil {
		return q.failure("save status", err)
	}
	return nil
}

// LoadStatus returns the persisted attendance status. The boolean is
// false on a first run, when no status has been saved.
func (q *Queue) LoadStatus(ctx context.Context) (attendance.Status, bool, error) {
	var status attendance.Status
	var found bool
	err := q.withConn(ctx, false, func(conn *sqlite.Conn) error {
		var err error
		status, found, err = loadStatusLocked(conn)
		return err
	})
	if err != nil {
		return attendance.Status{}, false, q.failure("load status", err)
	}
	return status, found, nil
}

func (q *Queue) insertLocked(conn *sqlite.Conn, event attendance.Event) (Entry, error) {
	event.ID = 0
	blob, err := codec.Marshal(event)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding event: %w", err)
	}
	digest := blake3.Sum256(blob)
	now := q.clock.Now()

	err = sqlitex.Execute(conn,
		"INSERT INTO queue (event, digest, status, attempt_count, next_attempt_at, last_error, enqueued_at) "+
			"VALUES (?, ?, ?, 0, ?, '', ?)",
		&sqlitex.ExecOptions{Args: []any{blob, digest[:], string(Pending), now.UnixNano(), now.UnixNano()}})
	if err != nil {
		return Entry{}, fmt.Errorf("inserting event: %w", err)
	}

	event.ID = conn.LastInsertRowID()
	return Entry{
		Event:         event,
		Status:        Pending,
		NextAttemptAt: now,
		EnqueuedAt:    now,
	}, nil
}

func saveStatusLocked(conn *sqlite.Conn, status attendance.Status) error {
	err := sqlitex.Execute(conn,
		"INSERT INTO attendance_status (singleton, state, manual_override, last_change_source, changed_at) "+
			"VALUES (1, ?, ?, ?, ?) "+
			"ON CONFLICT (singleton) DO UPDATE SET state = excluded.state, "+
			"manual_override = excluded.manual_override, "+
			"last_change_source = excluded.last_change_source, "+
			"changed_at = excluded.changed_at",
		&sqlitex.ExecOptions{Args: []any{
			string(status.State),
			status.ManualOverride,
			string(status.LastChangeSource),
			unixNanos(status.ChangedAt),
		}})
	if err != nil {
		return fmt.Errorf("saving attendance status: %w", err)
	}
	return nil
}

func loadStatusLocked(conn *sqlite.Conn) (attendance.Status, bool, error) {
	var status attendance.Status
	var found bool
	err := sqlitex.Execute(conn,
		"SELECT state, manual_override, last_change_source, changed_at FROM attendance_status WHERE singleton = 1",
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			status.State = attendance.State(stmt.ColumnText(0))
			status.ManualOverride = stmt.ColumnBool(1)
			status.LastChangeSource = attendance.Source(stmt.ColumnText(2))
			status.ChangedAt = fromUnixNanos(stmt.ColumnInt64(3))
			return nil
		}})
	if err != nil {
		return attendance.Status{}, false, fmt.Errorf("loading attendance status: %w", err)
	}
	if found && !status.State.Valid() {
		return attendance.Status{}, false, fmt.Errorf("persisted attendance state %q is invalid", status.State)
	}
	return status, found, nil
}

// durability wraps a storage error as a durability fault.
func durability(op string, err error) error {
	return fault.Durability("eventqueue: "+op, err).
		WithHint("check free disk space and permissions on the state directory")
}

// failure passes ErrClosed and ErrNotFound through unchanged and
// classifies everything else as a durability fault.
func (q *Queue) failure(op string, err error) error {
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrNotFound) {
		return err
	}
	wrapped := durability(op, err)
	q.logger.Error("event queue storage failure", "op", op, "error", err)
	return wrapped
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// scanEntry decodes a row selected with entryColumns. The boolean
// reports whether the stored digest matches the event blob.
func scanEntry(stmt *sqlite.Stmt) (Entry, bool) {
	id := stmt.ColumnInt64(0)
	blob := make([]byte, stmt.ColumnLen(1))
	stmt.ColumnBytes(1, blob)
	stored := make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, stored)

	entry := Entry{
		Status:        Status(stmt.ColumnText(3)),
		AttemptCount:  stmt.ColumnInt(4),
		NextAttemptAt: fromUnixNanos(stmt.ColumnInt64(5)),
		LastError:     stmt.ColumnText(6),
		EnqueuedAt:    fromUnixNanos(stmt.ColumnInt64(7)),
	}

	digest := blake3.Sum256(blob)
	valid := bytes.Equal(digest[:], stored)
	if valid {
		if err := codec.Unmarshal(blob, &entry.Event); err != nil {
			valid = false
		}
	}
	entry.Event.ID = id
	return entry, valid
}
