// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading and saving for the
// attendance agent.
//
// Configuration lives in a single file named by the --config flag or
// the REMODANCE_CONFIG environment variable. The format is chosen by
// extension: .json and .jsonc files are parsed as JSON with comments
// and trailing commas, everything else as YAML. A missing file is not
// an error: the first run starts from [Default], and the first
// settings save creates the file.
//
// Unlike most configuration, this file is also written by the agent
// itself (the settings UI saves through [Store.Save]). Saves are
// atomic: the new content is written to a temporary file in the same
// directory, fsynced, renamed into place, and the parent directory is
// fsynced so a crash never leaves a torn file behind.
//
// Path fields support ${HOME}, ${REMODANCE_STATE} and ${VAR:-default}
// expansion after loading.
//
// Key exports:
//
//   - [Config] -- Settings plus agent and delivery tunables
//   - [Settings] -- the user-editable subset exchanged with the UI
//   - [Default] -- first-run configuration
//   - [Store] -- Load and Save against one file path
//   - [ErrInvalid] -- wrapped by every validation failure
//
// This package depends only on lib/fault.
package config
