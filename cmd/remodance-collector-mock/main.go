// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Remodance-collector-mock serves lib/mockcollector on a TCP address
// for local development: point api_endpoint at
// http://<listen>/attendance and watch events arrive in the log or at
// GET /events.
//
// With --secret, requests must carry an HS256 bearer token whose
// subject is the event's user_id. --issue-token prints such a token
// for a user and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/remodance/remodance/lib/mockcollector"
	"github.com/remodance/remodance/lib/process"
	"github.com/remodance/remodance/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var listen string
	var secret string
	var issueFor string
	var tokenTTL time.Duration
	var failFirst int
	var failStatus int
	var showVersion bool

	flagSet := pflag.NewFlagSet("remodance-collector-mock", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", "127.0.0.1:8080", "TCP address to listen on")
	flagSet.StringVar(&secret, "secret", "", "HS256 secret; when set, requests need a bearer token")
	flagSet.StringVar(&issueFor, "issue-token", "", "print a token for this user_id and exit (requires --secret)")
	flagSet.DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens printed by --issue-token")
	flagSet.IntVar(&failFirst, "fail-first", 0, "respond to the first N POSTs with --fail-status")
	flagSet.IntVar(&failStatus, "fail-status", http.StatusServiceUnavailable, "status used by --fail-first")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("remodance-collector-mock")
		return nil
	}

	if issueFor != "" {
		if secret == "" {
			return errors.New("--issue-token requires --secret")
		}
		token, err := mockcollector.IssueToken(secret, issueFor, time.Now(), tokenTTL)
		if err != nil {
			return fmt.Errorf("signing token: %w", err)
		}
		fmt.Println(token)
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	collector := mockcollector.New(mockcollector.Config{
		Secret: secret,
		Logger: logger,
	})
	if failFirst > 0 {
		collector.FailNext(failFirst, failStatus)
	}

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}
	server := &http.Server{
		Handler:           collector.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	logger.Info("collector mock listening",
		"endpoint", "http://"+listener.Addr().String()+mockcollector.EventsPath,
		"auth", secret != "",
	)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownContext); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("collector mock stopped", "events", len(collector.Receipts()))
	return nil
}
