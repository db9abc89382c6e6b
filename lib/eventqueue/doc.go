// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventqueue is the durable, ordered delivery queue for
// attendance events, and the durable home of the attendance status.
//
// Storage is a single SQLite database in WAL mode with
// synchronous=FULL, so a committed write survives power loss. Every
// mutation runs in one IMMEDIATE transaction: an event and the status
// it produces are committed together ([Queue.Record]), and the queue
// can be reconstructed after an unclean shutdown with no entry lost
// and no entry reordered.
//
// Entries are keyed by an AUTOINCREMENT row id, which is also the
// event id: ids are assigned in commit order and never reused, even
// after the highest entry is delivered and deleted.
//
// Lifecycle of an entry:
//
//	Enqueue/Record -> pending -> MarkInFlight -> in-flight
//	in-flight -> MarkDelivered -> row deleted
//	in-flight -> MarkFailed    -> pending (attempts+1, backoff) or failed-permanent at the ceiling
//	in-flight -> Release       -> pending (attempts unchanged)
//
// Delivery is strictly head-of-line: [Queue.PeekNext] only ever
// returns the lowest-id non-terminal entry, and only once its backoff
// has elapsed. A later entry never overtakes an earlier one that is
// waiting to be retried; failed-permanent entries are terminal and
// skipped.
//
// [Queue.LoadOnStartup] resets entries left in-flight by a crash to
// pending (their outcome is unknown, so they are sent again: delivery
// is at-least-once) and verifies each row's blake3 digest, moving rows
// that fail verification to failed-permanent.
//
// Every storage failure is returned as a durability fault
// ([fault.CategoryDurability]); nothing fails silently.
package eventqueue
