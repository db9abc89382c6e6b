// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint error handler shared by the
// Remodance binaries. It is the one place that writes to stderr
// without the structured logger, because main() may fail before the
// logger exists.
package process
