// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the agent's local control protocol: the
// bridge between the running agent and its user interfaces.
//
// The protocol is CBOR over a Unix socket, one request per connection.
// A request is a CBOR map with an "action" field plus action-specific
// fields. A plain action answers with one [Response]. A stream action
// answers with a [Response] acknowledging the subscription, then keeps
// writing CBOR values on the same connection until the client hangs up
// or the server shuts down.
//
// Failures carry the fault category and hint of the handler's error
// (see lib/fault), so a UI can show an actionable message without
// parsing error strings.
//
// The socket is created with mode 0600: only the user running the
// agent can control it.
package control
