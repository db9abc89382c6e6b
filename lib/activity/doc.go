// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package activity turns raw idle-time readings into edge-triggered
// activity transitions.
//
// An [IdleSource] reports how long the user has been idle. The
// [Sampler] polls it on a fixed period and classifies each reading:
// a reading at or above the idle timeout is idle, anything shorter is
// active. A [Transition] is produced only when the classification
// differs from the previous successful reading, so a user who stays
// idle for an hour produces one Became-Idle transition, not 3600.
//
// The sampler starts with no previous classification, so the first
// successful reading always produces a transition. A failed reading
// is logged and skipped: it is never interpreted as activity or
// inactivity. After three consecutive failures the sampler publishes
// [notify.MonitoringDegraded]; the next success publishes
// [notify.MonitoringRestored].
//
// The idle timeout is hot-reloadable through [Sampler.SetIdleTimeout].
package activity
