// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/pflag"

	"github.com/remodance/remodance/cmd/remodance/cli"
	"github.com/remodance/remodance/lib/agentapi"
	"github.com/remodance/remodance/lib/attendance"
	"github.com/remodance/remodance/lib/eventqueue"
	"github.com/remodance/remodance/lib/tui"
)

// lastErrorWidth is the column width for the last error in the queue
// table.
const lastErrorWidth = 48

func queueCommand(env *environment) *cli.Command {
	var conn connection
	var output cli.JSONOutput
	var showPayload bool
	var exportPath string
	return &cli.Command{
		Name:    "queue",
		Summary: "List events waiting for delivery",
		Description: `List the events the agent has not delivered yet: pending entries in
delivery order, the entry being sent, and entries that were given up
after too many attempts. Delivered events are not kept.

--export writes the entries with their request bodies to a
zstd-compressed JSON-lines file, for attaching to a support request or
replaying by hand.`,
		Examples: []cli.Example{
			{Command: "remodance queue"},
			{Description: "Show the request body of each event", Command: "remodance queue --payload"},
			{Description: "Save the queue for inspection elsewhere", Command: "remodance queue --export queue.jsonl.zst"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("queue", pflag.ContinueOnError)
			conn.AddFlags(flagSet)
			output.AddFlags(flagSet)
			flagSet.BoolVar(&showPayload, "payload", false, "print each event's request body")
			flagSet.StringVar(&exportPath, "export", "", "write entries as zstd-compressed JSON lines to this file")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			response, err := call(env, &conn, func(ctx context.Context, client *agentapi.Client) (agentapi.QueueResponse, error) {
				return client.Queue(ctx)
			})
			if err != nil {
				return err
			}

			if exportPath != "" {
				if err := exportQueueFile(exportPath, response.Entries); err != nil {
					return err
				}
				fmt.Fprintf(env.stderr, "exported %d entries to %s\n", len(response.Entries), exportPath)
			}

			if done, err := output.EmitJSON(env.stdout, response.Entries); done {
				return err
			}
			return printQueue(env, response, showPayload)
		},
	}
}

func printQueue(env *environment, response agentapi.QueueResponse, showPayload bool) error {
	stats := response.Stats
	fmt.Fprintf(env.stdout, "%d pending, %d in flight, %d failed\n", stats.Pending, stats.InFlight, stats.FailedPermanent)
	if len(response.Entries) == 0 {
		return nil
	}
	fmt.Fprintln(env.stdout)

	writer := tabwriter.NewWriter(env.stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSTATUS\tEVENT\tAT\tATTEMPTS\tNEXT\tLAST ERROR")
	for _, entry := range response.Entries {
		next := "-"
		if entry.Status == eventqueue.Pending && !entry.NextAttemptAt.IsZero() {
			next = entry.NextAttemptAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s %s\t%d\t%s\t%s\n",
			entry.ID(),
			entry.Status,
			entry.Event.Type,
			entry.Event.Date, entry.Event.Time,
			entry.AttemptCount,
			next,
			ansi.Truncate(entry.LastError, lastErrorWidth, "…"),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if !showPayload {
		return nil
	}
	for _, entry := range response.Entries {
		body, err := json.MarshalIndent(entry.Event.Payload(), "", "  ")
		if err != nil {
			return fmt.Errorf("encoding event %d: %w", entry.ID(), err)
		}
		text := string(body)
		if env.interactive {
			text = tui.HighlightJSON(text)
		}
		fmt.Fprintf(env.stdout, "\nevent %d (key %s):\n%s\n", entry.ID(), entry.Event.Key, text)
	}
	return nil
}

// exportRecord is one line of a queue export.
type exportRecord struct {
	Entry   eventqueue.Entry   `json:"entry"`
	Payload attendance.Payload `json:"payload"`
}

func exportQueueFile(path string, entries []eventqueue.Entry) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating export: %w", err)
	}
	if err := exportQueue(file, entries); err != nil {
		file.Close()
		return fmt.Errorf("writing export %s: %w", path, err)
	}
	return file.Close()
}

// exportQueue writes entries to w as zstd-compressed JSON lines.
func exportQueue(w io.Writer, entries []eventqueue.Entry) error {
	encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	buffered := bufio.NewWriter(encoder)
	lines := json.NewEncoder(buffered)
	for _, entry := range entries {
		if err := lines.Encode(exportRecord{Entry: entry, Payload: entry.Event.Payload()}); err != nil {
			encoder.Close()
			return err
		}
	}
	if err := buffered.Flush(); err != nil {
		encoder.Close()
		return err
	}
	return encoder.Close()
}
