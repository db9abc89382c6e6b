// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP and network helpers for the delivery
// path.
//
// Response helpers bound body reads so a misbehaving collector cannot
// exhaust memory; the agent only ever needs a short diagnostic excerpt
// of an error body. IsUnreachable classifies transport errors that
// mean "the network or the endpoint is not there" as opposed to a
// response that was received and refused.
package netutil

import (
	"io"
	"strings"
)

// MaxResponseSize bounds response body reads: 64 KB. Collector
// responses are tiny acknowledgements; the limit only guards against
// pathological servers.
const MaxResponseSize int64 = 64 << 10

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// ErrorBody returns up to limit bytes of an error response body for
// log and error messages. Read errors are ignored; a partial body is
// still useful.
func ErrorBody(body io.Reader, limit int) string {
	if limit <= 0 || int64(limit) > MaxResponseSize {
		limit = int(MaxResponseSize)
	}
	data, _ := io.ReadAll(io.LimitReader(body, int64(limit)))
	return strings.TrimSpace(string(data))
}

// DrainAndClose discards the rest of body so the connection can be
// reused, then closes it.
func DrainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, MaxResponseSize))
	_ = body.Close()
}
