// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/remodance/remodance/cmd/remodance/cli"
	"github.com/remodance/remodance/lib/agentapi"
)

func statusCommand(env *environment) *cli.Command {
	var conn connection
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "status",
		Summary: "Show attendance, monitoring and delivery status",
		Description: `Show the agent's status: the attendance state and what set it, the
activity classification, whether the collector is reachable, and how
many events are waiting for delivery. A paused queue is shown with the
reason and what to do about it.

Exits with status 3 when delivery is paused.`,
		Examples: []cli.Example{
			{Command: "remodance status"},
			{Description: "Machine-readable status", Command: "remodance status --json"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			status, err := call(env, &conn, func(ctx context.Context, client *agentapi.Client) (agentapi.StatusResponse, error) {
				return client.Status(ctx)
			})
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(env.stdout, status); done {
				return err
			}
			fmt.Fprintln(env.stdout, env.styles.Status(status, time.Now(), env.width))
			if status.Delivery.Paused {
				return &cli.ExitError{Code: 3}
			}
			return nil
		},
	}
}

// changeCommand builds toggle, check-in and check-out, which differ
// only in the action they call.
func changeCommand(env *environment, name, summary string) *cli.Command {
	var conn connection
	var output cli.JSONOutput
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Description: summary + `.

A manual change overrides automatic attendance until the next activity
transition. The resulting event is queued durably and delivered in the
background; this command does not wait for delivery.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			output.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			response, err := call(env, &conn, func(ctx context.Context, client *agentapi.Client) (agentapi.ChangeResponse, error) {
				switch name {
				case "check-in":
					return client.CheckIn(ctx)
				case "check-out":
					return client.CheckOut(ctx)
				default:
					return client.Toggle(ctx)
				}
			})
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(env.stdout, response); done {
				return err
			}
			if response.Event == nil {
				fmt.Fprintf(env.stdout, "%s (unchanged)\n", env.styles.State(response.Status.State))
				return nil
			}
			fmt.Fprintf(env.stdout, "%s  %s\n", env.styles.State(response.Status.State),
				env.styles.Faint.Render(fmt.Sprintf("event %d queued at %s", response.Event.ID, response.Event.Time)))
			return nil
		},
	}
}

func resumeCommand(env *environment) *cli.Command {
	var conn connection
	return &cli.Command{
		Name:    "resume",
		Summary: "Resume delivery after a configuration problem",
		Description: `Resume a paused delivery queue. Delivery pauses when the collector
rejects the credentials or the endpoint cannot be used, and stays
paused until resumed. Saving new settings resumes automatically when
the endpoint or token changed.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("resume", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			response, err := call(env, &conn, func(ctx context.Context, client *agentapi.Client) (agentapi.ResumeResponse, error) {
				return client.Resume(ctx)
			})
			if err != nil {
				return err
			}
			if response.Resumed {
				fmt.Fprintln(env.stdout, "delivery resumed")
			} else {
				fmt.Fprintln(env.stdout, "delivery was not paused")
			}
			return nil
		},
	}
}
