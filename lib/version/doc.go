// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the Remodance
// binaries. The variables are set at link time:
//
//	go build -ldflags "-X github.com/remodance/remodance/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
