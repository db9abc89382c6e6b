// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/remodance/remodance/cmd/remodance/cli"
	"github.com/remodance/remodance/lib/notify"
	"github.com/remodance/remodance/lib/tui"
)

func watchCommand(env *environment) *cli.Command {
	var conn connection
	var outputJSON bool
	var count int
	var includeActivity bool
	return &cli.Command{
		Name:    "watch",
		Summary: "Print agent notifications as they happen",
		Description: `Follow the agent's notifications: attendance changes, connectivity,
delivery pauses and rejections, and monitoring problems. Runs until
interrupted, the agent stops, or --count notifications were printed.

Activity updates are frequent and hidden unless --activity is given.`,
		Examples: []cli.Example{
			{Command: "remodance watch"},
			{Description: "Wait for the next attendance change in a script", Command: "remodance watch --json --count 1"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			flagSet.BoolVar(&outputJSON, "json", false, "print one JSON object per line")
			flagSet.IntVar(&count, "count", 0, "exit after this many notifications (0: no limit)")
			flagSet.BoolVar(&includeActivity, "activity", false, "include activity updates")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			client, err := conn.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(env.ctx)
			defer cancel()
			notifications, err := client.Watch(ctx)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(env.stdout)
			printed := 0
			for notification := range notifications {
				if notification.Kind == notify.ActivityUpdate && !includeActivity {
					continue
				}
				if outputJSON {
					if err := encoder.Encode(notification); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(env.stdout, env.styles.Notification(notification))
				}
				printed++
				if count > 0 && printed >= count {
					return nil
				}
			}
			if env.ctx.Err() != nil {
				return nil
			}
			return errors.New("agent closed the notification stream")
		},
	}
}

func dashboardCommand(env *environment) *cli.Command {
	var conn connection
	return &cli.Command{
		Name:    "dashboard",
		Summary: "Live status view with check in/out and resume keys",
		Description: `Open a full-screen view of the agent that updates as notifications
arrive. Press t to check in or out, r to resume a paused queue, g to
refresh, ? for help, and q to quit.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("dashboard", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if !env.interactive {
				return errors.New("the dashboard needs a terminal; use 'remodance watch' instead")
			}
			client, err := conn.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(env.ctx)
			defer cancel()
			notifications, err := client.Watch(ctx)
			if err != nil {
				return err
			}

			model := tui.NewDashboard(client, notifications, env.styles)
			program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return nil
		},
	}
}
