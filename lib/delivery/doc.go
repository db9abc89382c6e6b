// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery drains the event queue to the remote collector.
//
// A single [Worker] goroutine runs the cycle: check that the endpoint
// is reachable, take the head of the queue, send it, and record the
// outcome. Only one event is ever in flight, so the collector observes
// events in queue order. The send runs outside every lock the rest of
// the agent uses; a slow collector never blocks a state change.
//
// Outcomes are classified by [Classify]:
//
//   - 2xx: delivered, the entry is removed.
//   - network failure, timeout, 408, 429, 5xx: retried with exponential
//     backoff (base * 2^attempts, capped) until the retry ceiling, then
//     marked failed-permanent and skipped.
//   - any other 4xx: retried the same way, but logged and surfaced as a
//     rejection because it usually means a persistent problem with the
//     event or the endpoint configuration.
//   - 401, 403, or an endpoint that cannot be used at all: the entry is
//     released without consuming an attempt and the whole queue pauses
//     until [Worker.Resume]. Retrying with the same credentials cannot
//     succeed, and skipping the entry would lose it.
//
// On shutdown the worker finishes its current step: an in-progress send
// runs on a context detached from cancellation and bounded by the
// request timeout, and its outcome is recorded before Run returns.
package delivery
