// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireSend] and [RequireClosed] wrap the
// select-with-timeout safety valve so tests never hang forever on a
// channel. They are the only place tests use the wall clock; all other
// timing goes through clock.Fake.
//
// [SocketDir] returns a short temporary directory for Unix sockets,
// whose paths are limited to 108 bytes.
//
// Helpers call t.Fatalf on failure.
package testutil
