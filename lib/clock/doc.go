// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Anything in the agent that waits or reads the time (the activity
// sampler's poll ticker, the delivery worker's backoff and probe
// sleeps, event timestamps) takes a [Clock] instead of calling the
// time package. Production wiring passes [Real]; tests pass [Fake]
// and drive time explicitly:
//
//	fake := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
//	go worker.Run(ctx)
//	fake.WaitForTimers(1)       // the worker is now sleeping
//	fake.Advance(2 * time.Second)
//
// Waiters register with the fake clock when they are created and
// leave it when they fire or are stopped, so [FakeClock.WaitForTimers]
// counts only goroutines that are actually blocked on time. Code that
// abandons a wait (a select where another case won) should use
// [Clock.NewTimer] and Stop it rather than [Clock.After].
package clock
