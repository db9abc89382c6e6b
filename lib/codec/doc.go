// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the agent's single CBOR configuration.
//
// JSON is reserved for the outbound collector request and for CLI
// --json output. Everything the agent keeps or exchanges locally is
// CBOR: the event blobs stored in the durable queue and the control
// socket protocol spoken between the agent and its UI clients.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same event always produces the same bytes. The queue relies on this:
// it stores a digest of the blob and re-verifies it after a restart.
//
// Struct tag convention: a type serialized only as CBOR uses `cbor`
// tags; a type that also appears in JSON output uses `json` tags only
// (fxamacker/cbor falls back to them). Never both on one field.
package codec
