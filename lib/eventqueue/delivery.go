// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package eventqueue

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/remodance/remodance/lib/attendance"
)

// Recovery reports what LoadOnStartup found.
type Recovery struct {
	// Recovered is the number of entries reset from in-flight to
	// pending.
	Recovered int

	// Corrupt lists the ids of entries that failed digest verification
	// and were moved to failed-permanent.
	Corrupt []int64

	// Pending is the number of pending entries after recovery.
	Pending int

	// Status is the persisted attendance status. HasStatus is false
	// on a first run.
	Status    attendance.Status
	HasStatus bool
}

// LoadOnStartup prepares the queue after a process start. In one
// transaction it resets in-flight entries to pending, verifies the
// digest of every non-terminal entry, and loads the attendance status.
// Call it once, before the delivery worker starts.
func (q *Queue) LoadOnStartup(ctx context.Context) (Recovery, error) {
	var recovery Recovery
	err := q.withConn(ctx, true, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"UPDATE queue SET status = ? WHERE status = ?",
			&sqlitex.ExecOptions{Args: []any{string(Pending), string(InFlight)}})
		if err != nil {
			return fmt.Errorf("resetting in-flight entries: %w", err)
		}
		recovery.Recovered = conn.Changes()

		entries, err := selectEntries(conn, "WHERE status = ? ORDER BY id", string(Pending))
		if err != nil {
			return err
		}
		for _, scanned := range entries {
			if scanned.valid {
				recovery.Pending++
				continue
			}
			recovery.Corrupt = append(recovery.Corrupt, scanned.entry.ID())
			err := sqlitex.Execute(conn,
				"UPDATE queue SET status = ?, last_error = ? WHERE id = ?",
				&sqlitex.ExecOptions{Args: []any{string(FailedPermanent), CorruptError, scanned.entry.ID()}})
			if err != nil {
				return fmt.Errorf("quarantining entry %d: %w", scanned.entry.ID(), err)
			}
		}

		recovery.Status, recovery.HasStatus, err = loadStatusLocked(conn)
		return err
	})
	if err != nil {
		return Recovery{}, q.failure("load on startup", err)
	}

	if recovery.Recovered > 0 {
		q.logger.Warn("reset in-flight entries left by an unclean shutdown",
			"count", recovery.Recovered,
		)
	}
	for _, id := range recovery.Corrupt {
		q.logger.Error("queue entry failed integrity check, marked failed-permanent", "event_id", id)
	}
	if recovery.Pending > 0 {
		q.signal()
	}
	return recovery, nil
}

// Head returns the lowest-id non-terminal entry regardless of its
// backoff, or false when there is none. A head entry that fails digest
// verification is moved to failed-permanent and the next one is
// considered.
func (q *Queue) Head(ctx context.Context) (Entry, bool, error) {
	var head Entry
	var found bool
	var quarantined []int64
	err := q.withConn(ctx, true, func(conn *sqlite.Conn) error {
		for {
			scanned, ok, err := headLocked(conn)
			if err != nil || !ok {
				return err
			}
			if scanned.valid {
				head, found = scanned.entry, true
				return nil
			}
			id := scanned.entry.ID()
			err = sqlitex.Execute(conn,
				"UPDATE queue SET status = ?, last_error = ? WHERE id = ?",
				&sqlitex.ExecOptions{Args: []any{string(FailedPermanent), CorruptError, id}})
			if err != nil {
				return fmt.Errorf("quarantining entry %d: %w", id, err)
			}
			quarantined = append(quarantined, id)
		}
	})
	if err != nil {
		return Entry{}, false, q.failure("head", err)
	}
	for _, id := range quarantined {
		q.logger.Error("queue entry failed integrity check, marked failed-permanent", "event_id", id)
	}
	return head, found, nil
}

// PeekNext returns the entry to send next: the lowest-id non-terminal
// entry, provided it is pending and its backoff has elapsed. It
// returns false when the queue is empty, when the head is in flight,
// and when the head is still waiting out its backoff. Entries behind
// the head are never returned.
func (q *Queue) PeekNext(ctx context.Context) (Entry, bool, error) {
	head, found, err := q.Head(ctx)
	if err != nil || !found {
		return Entry{}, false, err
	}
	if head.Status != Pending || head.NextAttemptAt.After(q.clock.Now()) {
		return Entry{}, false, nil
	}
	return head, true, nil
}

func headLocked(conn *sqlite.Conn) (scannedEntry, bool, error) {
	entries, err := selectEntries(conn, "WHERE status IN (?, ?) ORDER BY id LIMIT 1", string(Pending), string(InFlight))
	if err != nil || len(entries) == 0 {
		return scannedEntry{}, false, err
	}
	return entries[0], true, nil
}

// MarkInFlight moves a pending entry to in-flight.
func (q *Queue) MarkInFlight(ctx context.Context, id int64) error {
	err := q.transition(ctx, id, "UPDATE queue SET status = ? WHERE id = ? AND status = ?",
		string(InFlight), id, string(Pending))
	if err != nil {
		return q.failure("mark in-flight", err)
	}
	return nil
}

// MarkDelivered removes a non-terminal entry. A second call for the
// same id returns ErrNotFound.
func (q *Queue) MarkDelivered(ctx context.Context, id int64) error {
	err := q.transition(ctx, id, "DELETE FROM queue WHERE id = ? AND status IN (?, ?)",
		id, string(Pending), string(InFlight))
	if err != nil {
		return q.failure("mark delivered", err)
	}
	q.logger.Debug("event delivered", "event_id", id)
	return nil
}

// Release moves an in-flight entry back to pending without counting
// an attempt. Used when delivery stops for reasons that are not the
// entry's fault, such as rejected credentials.
func (q *Queue) Release(ctx context.Context, id int64) error {
	err := q.transition(ctx, id, "UPDATE queue SET status = ? WHERE id = ? AND status = ?",
		string(Pending), id, string(InFlight))
	if err != nil {
		return q.failure("release", err)
	}
	q.signal()
	return nil
}

// MarkFailed records a failed attempt on an in-flight entry. The
// attempt count is incremented; if it reaches the retry ceiling the
// entry becomes failed-permanent, otherwise it returns to pending and
// becomes eligible again at nextAttemptAt. The updated entry is
// returned.
func (q *Queue) MarkFailed(ctx context.Context, id int64, nextAttemptAt time.Time, reason string) (Entry, error) {
	var updated Entry
	err := q.withConn(ctx, true, func(conn *sqlite.Conn) error {
		entries, err := selectEntries(conn, "WHERE id = ? AND status = ?", id, string(InFlight))
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("%w: %d is not in flight", ErrNotFound, id)
		}
		updated = entries[0].entry
		updated.AttemptCount++
		updated.LastError = reason
		updated.Status = Pending
		updated.NextAttemptAt = nextAttemptAt
		if updated.AttemptCount >= q.maxAttempts {
			updated.Status = FailedPermanent
		}

		return sqlitex.Execute(conn,
			"UPDATE queue SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{
				string(updated.Status),
				updated.AttemptCount,
				updated.NextAttemptAt.UnixNano(),
				updated.LastError,
				id,
			}})
	})
	if err != nil {
		return Entry{}, q.failure("mark failed", err)
	}

	if updated.Status == FailedPermanent {
		q.logger.Error("event reached retry ceiling, marked failed-permanent",
			"event_id", id,
			"attempts", updated.AttemptCount,
			"last_error", reason,
		)
	}
	return updated, nil
}

// transition runs a single-row state change and returns ErrNotFound
// when no row matched.
func (q *Queue) transition(ctx context.Context, id int64, query string, args ...any) error {
	return q.withConn(ctx, true, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil
	})
}

// Entries returns every stored entry in id order: pending, in-flight
// and failed-permanent.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := q.withConn(ctx, false, func(conn *sqlite.Conn) error {
		scanned, err := selectEntries(conn, "ORDER BY id")
		for _, row := range scanned {
			entries = append(entries, row.entry)
		}
		return err
	})
	if err != nil {
		return nil, q.failure("list entries", err)
	}
	return entries, nil
}

// Stats summarizes the queue.
type Stats struct {
	Pending         int `json:"pending"`
	InFlight        int `json:"in_flight"`
	FailedPermanent int `json:"failed_permanent"`

	// OldestPendingAt is the enqueue time of the head entry, zero when
	// nothing is waiting.
	OldestPendingAt time.Time `json:"oldest_pending_at,omitzero"`
}

// Stats counts entries by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := q.withConn(ctx, false, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"SELECT status, COUNT(*) FROM queue GROUP BY status",
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				count := stmt.ColumnInt(1)
				switch Status(stmt.ColumnText(0)) {
				case Pending:
					stats.Pending = count
				case InFlight:
					stats.InFlight = count
				case FailedPermanent:
					stats.FailedPermanent = count
				}
				return nil
			}})
		if err != nil {
			return err
		}
		head, found, err := headLocked(conn)
		if found {
			stats.OldestPendingAt = head.entry.EnqueuedAt
		}
		return err
	})
	if err != nil {
		return Stats{}, q.failure("stats", err)
	}
	return stats, nil
}

type scannedEntry struct {
	entry Entry
	valid bool
}

func selectEntries(conn *sqlite.Conn, clause string, args ...any) ([]scannedEntry, error) {
	var entries []scannedEntry
	err := sqlitex.Execute(conn, "SELECT "+entryColumns+" FROM queue "+clause,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, valid := scanEntry(stmt)
				entries = append(entries, scannedEntry{entry: entry, valid: valid})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("selecting entries: %w", err)
	}
	return entries, nil
}
