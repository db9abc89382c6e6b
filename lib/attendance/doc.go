// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package attendance owns the authoritative attendance state and the
// events that record its changes.
//
// A [Machine] fuses three inputs into one state: activity transitions
// from the sampler, manual requests from the user interface, and the
// auto-mode setting. The transition rules:
//
//	CheckedOut + became-active (auto mode on)         -> CheckedIn, override cleared, source auto
//	CheckedIn  + became-idle   (auto mode on, no override) -> CheckedOut, source auto
//	CheckedIn  + became-active (auto mode on, override)    -> override cleared, no event
//	any        + manual toggle                          -> opposite state, override set, source manual
//	any        + activity      (auto mode off)          -> ignored
//
// A manual action suppresses the next same-direction automatic
// transition. A became-active edge always clears the override, so
// auto mode takes control again once new activity is observed.
//
// Every change is recorded before it is applied: the machine builds
// the [Event], hands it with the new [Status] to its [Recorder] (the
// durable queue), and only mutates its in-memory state once the
// recorder confirms. A recorder failure is a durability fault: the
// transition did not happen, the state is unchanged, and the error is
// returned to the caller.
package attendance
