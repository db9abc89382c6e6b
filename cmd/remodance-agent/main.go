// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Remodance-agent is the attendance agent. It samples user activity,
// drives the attendance state machine, records every change in a
// durable queue, and delivers the queue to the configured collector.
// User interfaces talk to it over the control socket (see lib/control
// and lib/agentapi).
//
// The configuration file is named by --config or REMODANCE_CONFIG. A
// missing file starts the agent with defaults; the first settings save
// creates it. SIGHUP reloads the file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/remodance/remodance/lib/config"
	"github.com/remodance/remodance/lib/process"
	"github.com/remodance/remodance/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var logLevel string
	var showVersion bool

	flagSet := pflag.NewFlagSet("remodance-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the configuration file (default: $"+config.EnvironmentVariable+")")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("remodance-agent")
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	path, err := config.ResolvePath(configPath)
	if err != nil {
		return err
	}
	store := config.NewStore(path)
	cfg, err := store.Load()
	if err != nil {
		return err
	}

	logger.Info("starting remodance-agent",
		"version", version.Info(),
		"config", path,
	)

	agent, err := newAgent(options{
		store:  store,
		config: cfg,
		logger: logger,
	})
	if err != nil {
		return err
	}
	defer agent.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	return agent.run(ctx, reload)
}
