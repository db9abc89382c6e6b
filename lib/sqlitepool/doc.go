// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the agent's local SQLite database.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies the same
// pragmas to every connection:
//
//   - journal_mode=WAL: readers (status queries from the control
//     socket) never block the writer (the state machine and the
//     delivery worker).
//   - synchronous=FULL: a commit is fsynced before it returns. The
//     event queue acknowledges an enqueue only after commit, so this is
//     what makes "enqueued" mean "survives power loss".
//   - busy_timeout=5000: wait for the write lock instead of failing
//     with SQLITE_BUSY.
//   - foreign_keys=OFF, temp_store=MEMORY.
//
// Callers Take a connection, use it from one goroutine, and Put it
// back. Statements are plain SQL through sqlitex.Execute; transactions
// use sqlitex.ImmediateTransaction.
package sqlitepool
