// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/remodance/remodance/cmd/remodance/cli"
	"github.com/remodance/remodance/lib/agentapi"
)

func settingsCommand(env *environment) *cli.Command {
	var conn connection
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "settings",
		Summary: "Show or change the agent settings",
		Description: `Show the agent's settings. The API token is never displayed; the
output only says whether one is set.

Use 'remodance settings set' to change them.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("settings", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			view, err := call(env, &conn, func(ctx context.Context, client *agentapi.Client) (agentapi.SettingsView, error) {
				return client.Settings(ctx)
			})
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(env.stdout, view); done {
				return err
			}
			printSettings(env, view)
			return nil
		},
		Subcommands: []*cli.Command{settingsSetCommand(env)},
	}
}

func settingsSetCommand(env *environment) *cli.Command {
	var conn connection
	var output cli.JSONOutput
	var flagSet *pflag.FlagSet
	var (
		endpoint      string
		token         string
		tokenStdin    bool
		clearToken    bool
		username      string
		deviceID      string
		idleTimeout   int
		autoMode      bool
		developerMode bool
	)
	return &cli.Command{
		Name:    "set",
		Summary: "Change settings",
		Description: `Change the agent's settings. Only the flags given are changed. The
agent validates the result, writes it to its configuration file, and
applies it without a restart. Invalid settings are rejected and nothing
is written.

Changing the endpoint or the token resumes a paused delivery queue.`,
		Usage: "remodance settings set [flags]",
		Examples: []cli.Example{
			{Description: "Point the agent at a collector", Command: "remodance settings set --endpoint https://attendance.example.com/events"},
			{Description: "Store a token without putting it on the command line", Command: "pass show attendance | remodance settings set --token-stdin"},
			{Description: "Check out after 20 idle minutes", Command: "remodance settings set --idle-timeout 20 --auto-mode"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet = pflag.NewFlagSet("set", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			output.AddFlags(flagSet)
			flagSet.StringVar(&endpoint, "endpoint", "", "collector URL events are POSTed to")
			flagSet.StringVar(&token, "token", "", "API token (visible to other local users; prefer --token-stdin)")
			flagSet.BoolVar(&tokenStdin, "token-stdin", false, "read the API token from the first line of stdin")
			flagSet.BoolVar(&clearToken, "clear-token", false, "remove the API token")
			flagSet.StringVar(&username, "username", "", "user id reported with every event")
			flagSet.StringVar(&deviceID, "device-id", "", "device id reported with every event")
			flagSet.IntVar(&idleTimeout, "idle-timeout", 0, "idle threshold in minutes")
			flagSet.BoolVar(&autoMode, "auto-mode", false, "let activity drive attendance")
			flagSet.BoolVar(&developerMode, "developer-mode", false, "attach the monitoring configuration to events")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if !anyChanged(flagSet, settingFlags) {
				return fmt.Errorf("no settings given\n\nRun 'remodance settings set --help' for usage.")
			}
			if tokenStdin {
				if flagSet.Changed("token") {
					return fmt.Errorf("--token and --token-stdin are mutually exclusive")
				}
				line, err := bufio.NewReader(env.stdin).ReadString('\n')
				line = strings.TrimSpace(line)
				if line == "" {
					return fmt.Errorf("--token-stdin: no token on stdin (%v)", err)
				}
				token = line
			}
			if clearToken && token != "" {
				return fmt.Errorf("--clear-token cannot be combined with a new token")
			}

			view, err := call(env, &conn, func(ctx context.Context, client *agentapi.Client) (agentapi.SettingsView, error) {
				current, err := client.Settings(ctx)
				if err != nil {
					return agentapi.SettingsView{}, err
				}
				settings := current.Settings
				if flagSet.Changed("endpoint") {
					settings.APIEndpoint = endpoint
				}
				// An empty token keeps the stored one.
				settings.APIToken = token
				if flagSet.Changed("username") {
					settings.Username = username
				}
				if flagSet.Changed("device-id") {
					settings.DeviceID = deviceID
				}
				if flagSet.Changed("idle-timeout") {
					settings.IdleTimeoutMins = idleTimeout
				}
				if flagSet.Changed("auto-mode") {
					settings.AutoMode = autoMode
				}
				if flagSet.Changed("developer-mode") {
					settings.DeveloperMode = developerMode
				}
				return client.SaveSettings(ctx, settings, clearToken)
			})
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(env.stdout, view); done {
				return err
			}
			fmt.Fprintf(env.stdout, "saved to %s\n\n", view.Path)
			printSettings(env, view)
			return nil
		},
	}
}

// settingFlags are the flags of settings set that change a setting.
var settingFlags = []string{
	"endpoint", "token", "token-stdin", "clear-token", "username",
	"device-id", "idle-timeout", "auto-mode", "developer-mode",
}

func anyChanged(flagSet *pflag.FlagSet, names []string) bool {
	for _, name := range names {
		if flagSet.Changed(name) {
			return true
		}
	}
	return false
}

func printSettings(env *environment, view agentapi.SettingsView) {
	token := "not set"
	if view.TokenSet {
		token = "set"
	}
	onOff := func(value bool) string {
		if value {
			return "on"
		}
		return "off"
	}

	writer := tabwriter.NewWriter(env.stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(writer, "endpoint\t%s\n", view.Settings.APIEndpoint)
	fmt.Fprintf(writer, "token\t%s\n", token)
	fmt.Fprintf(writer, "username\t%s\n", view.Settings.Username)
	fmt.Fprintf(writer, "device id\t%s\n", view.Settings.DeviceID)
	fmt.Fprintf(writer, "idle timeout\t%dm\n", view.Settings.IdleTimeoutMins)
	fmt.Fprintf(writer, "auto mode\t%s\n", onOff(view.Settings.AutoMode))
	fmt.Fprintf(writer, "developer mode\t%s\n", onOff(view.Settings.DeveloperMode))
	fmt.Fprintf(writer, "file\t%s\n", view.Path)
	writer.Flush()
}
