// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Remodance is the user interface to the attendance agent. It shows
// the agent's status, checks in and out, edits the settings, inspects
// the delivery queue, and runs a live dashboard. Every command talks
// to a running remodance-agent over its control socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/remodance/remodance/cmd/remodance/cli"
	"github.com/remodance/remodance/lib/control"
	"github.com/remodance/remodance/lib/process"
	"github.com/remodance/remodance/lib/tui"
	"github.com/remodance/remodance/lib/version"
)

func main() {
	if err := run(); err != nil {
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		if hint := control.HintOf(err); hint != "" {
			err = fmt.Errorf("%w\nhint: %s", err, hint)
		}
		process.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	width := 0
	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	if interactive {
		if columns, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = columns
		}
	}

	env := &environment{
		ctx:         ctx,
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		styles:      tui.NewStyles(lipgloss.NewRenderer(os.Stdout), tui.DefaultTheme),
		width:       width,
		interactive: interactive,
	}
	return rootCommand(env).Execute(os.Args[1:])
}

// environment is what commands need from the process. Tests build one
// around buffers.
type environment struct {
	ctx    context.Context
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	styles tui.Styles

	// width is the terminal width, zero when stdout is not a terminal.
	width int

	// interactive is true when stdout is a terminal. Payload
	// highlighting and the dashboard require it.
	interactive bool
}

func rootCommand(env *environment) *cli.Command {
	var showVersion bool
	var root *cli.Command
	root = &cli.Command{
		Name: "remodance",
		Description: `Remodance records attendance. The agent (remodance-agent) watches
for user activity, checks you in and out, and delivers every change to
the collector. This command shows and controls the running agent.`,
		HelpOutput: env.stderr,
		Examples: []cli.Example{
			{Description: "Show whether you are checked in and whether events are waiting", Command: "remodance status"},
			{Description: "Check in or out by hand", Command: "remodance toggle"},
			{Description: "Follow the agent live", Command: "remodance dashboard"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("remodance", pflag.ContinueOnError)
			flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
			return flagSet
		},
		Run: func(args []string) error {
			if showVersion {
				fmt.Fprintln(env.stdout, "remodance "+version.Info())
				return nil
			}
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q\n\nRun 'remodance --help' for usage.", args[0])
			}
			root.PrintHelp(env.stderr)
			return &cli.ExitError{Code: 2}
		},
		Subcommands: []*cli.Command{
			statusCommand(env),
			changeCommand(env, "toggle", "Flip between checked in and checked out"),
			changeCommand(env, "check-in", "Check in (no change if already checked in)"),
			changeCommand(env, "check-out", "Check out (no change if already checked out)"),
			resumeCommand(env),
			settingsCommand(env),
			queueCommand(env),
			watchCommand(env),
			dashboardCommand(env),
		},
	}
	return root
}
