// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/remodance/remodance/lib/agentapi"
	"github.com/remodance/remodance/lib/config"
)

// socketEnvironmentVariable names the control socket directly,
// bypassing the configuration file.
const socketEnvironmentVariable = "REMODANCE_SOCKET"

// callTimeout bounds one-shot control calls.
const callTimeout = 15 * time.Second

// connection resolves the agent's control socket. In order: --socket,
// REMODANCE_SOCKET, the control_socket of the configuration named by
// --config or REMODANCE_CONFIG, and finally the default configuration.
type connection struct {
	socketPath string
	configPath string
}

// AddFlags registers the connection flags.
func (c *connection) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.socketPath, "socket", "", "agent control socket (default: $"+socketEnvironmentVariable+" or control_socket from the configuration)")
	flagSet.StringVar(&c.configPath, "config", "", "agent configuration file (default: $"+config.EnvironmentVariable+")")
}

// resolve returns the control socket path.
func (c *connection) resolve() (string, error) {
	if c.socketPath != "" {
		return c.socketPath, nil
	}
	if path := os.Getenv(socketEnvironmentVariable); path != "" {
		return path, nil
	}

	cfg := config.Default()
	if path, err := config.ResolvePath(c.configPath); err == nil {
		loaded, err := config.NewStore(path).Load()
		if err != nil {
			return "", err
		}
		cfg = loaded
	}
	if cfg.Agent.ControlSocket == "" {
		return "", fmt.Errorf("no control socket configured: pass --socket or set %s", socketEnvironmentVariable)
	}
	return cfg.Agent.ControlSocket, nil
}

// client returns an agent client.
func (c *connection) client() (*agentapi.Client, error) {
	path, err := c.resolve()
	if err != nil {
		return nil, err
	}
	return agentapi.NewClient(path), nil
}

// call runs fn with a client and a bounded context.
func call[T any](env *environment, conn *connection, fn func(ctx context.Context, client *agentapi.Client) (T, error)) (T, error) {
	var zero T
	client, err := conn.client()
	if err != nil {
		return zero, err
	}
	ctx, cancel := context.WithTimeout(env.ctx, callTimeout)
	defer cancel()
	return fn(ctx, client)
}
