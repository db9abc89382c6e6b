// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework for the remodance CLI.
//
// [Command] is a named command with optional [Command.Subcommands], a
// pflag.FlagSet factory, and a Run function. [Command.Execute] parses
// flags, routes subcommands, and prints structured help. An unknown
// command or flag gets a "did you mean" suggestion when one is within
// edit distance 3.
package cli
