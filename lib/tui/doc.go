// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package tui renders the agent's state for terminals. The remodance
// CLI uses it for one-shot output (status, watch, queue) and for the
// live dashboard, a bubbletea program fed by the agent's notification
// stream.
//
// Rendering goes through a [Styles] value built from a
// lipgloss.Renderer, so callers choose the color profile: the CLI
// detects the terminal, tests pass termenv.Ascii and compare plain
// text.
package tui
