// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/remodance/remodance/lib/activity"
	"github.com/remodance/remodance/lib/attendance"
	"github.com/remodance/remodance/lib/clock"
	"github.com/remodance/remodance/lib/config"
	"github.com/remodance/remodance/lib/control"
	"github.com/remodance/remodance/lib/delivery"
	"github.com/remodance/remodance/lib/eventqueue"
	"github.com/remodance/remodance/lib/fault"
	"github.com/remodance/remodance/lib/lockfile"
	"github.com/remodance/remodance/lib/notify"
)

// options holds what newAgent needs from its caller. source and clock
// are replaced in tests.
type options struct {
	store  *config.Store
	config *config.Config
	source activity.IdleSource
	clock  clock.Clock
	logger *slog.Logger
}

// agent owns every long-lived component of the process.
type agent struct {
	logger    *slog.Logger
	clock     clock.Clock
	startedAt time.Time
	store     *config.Store

	lock    *lockfile.Lock
	queue   *eventqueue.Queue
	hub     *notify.Hub
	machine *attendance.Machine
	sampler *activity.Sampler
	sender  *delivery.HTTPSender
	limiter *rate.Limiter
	worker  *delivery.Worker
	server  *control.Server

	// samplePeriod is fixed for the life of the process.
	samplePeriod time.Duration

	// configMu serializes settings changes (SIGHUP and save-settings)
	// and protects cfg.
	configMu sync.Mutex
	cfg      *config.Config
}

// newAgent validates the configuration, takes the instance lock, opens
// and recovers the queue, and wires the components. Nothing runs until
// run is called. On error everything acquired so far is released.
func newAgent(opts options) (_ *agent, err error) {
	if opts.clock == nil {
		opts.clock = clock.Real()
	}
	cfg := opts.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timings, err := cfg.Timings()
	if err != nil {
		return nil, err
	}
	if opts.source == nil {
		opts.source = &activity.CommandIdleSource{Command: cfg.Agent.IdleCommand}
	}
	logger := opts.logger

	if err := os.MkdirAll(cfg.Agent.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	lock, err := lockfile.Acquire(filepath.Join(cfg.Agent.StateDir, "agent.lock"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			lock.Release()
		}
	}()

	queue, err := eventqueue.Open(eventqueue.Config{
		Path:        filepath.Join(cfg.Agent.StateDir, "queue.db"),
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Clock:       opts.clock,
		Logger:      logger.With("component", "eventqueue"),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			queue.Close()
		}
	}()

	recovery, err := queue.LoadOnStartup(context.Background())
	if err != nil {
		return nil, err
	}
	logger.Info("queue recovered",
		"pending", recovery.Pending,
		"reset_in_flight", recovery.Recovered,
		"corrupt", len(recovery.Corrupt),
		"first_run", !recovery.HasStatus,
	)

	initial := attendance.InitialStatus()
	if recovery.HasStatus {
		initial = recovery.Status
	}

	hub := notify.NewHub()
	a := &agent{
		logger:       logger,
		clock:        opts.clock,
		startedAt:    opts.clock.Now(),
		store:        opts.store,
		lock:         lock,
		queue:        queue,
		hub:          hub,
		samplePeriod: timings.SamplePeriod,
		cfg:          cfg,
	}

	a.machine = attendance.NewMachine(attendance.Config{
		Recorder:  queue,
		Settings:  machineSettings(cfg),
		Initial:   initial,
		Clock:     opts.clock,
		Publisher: hub,
		Logger:    logger.With("component", "attendance"),
	})
	a.sampler = activity.New(activity.Config{
		Source:      opts.source,
		IdleTimeout: cfg.IdleTimeout(),
		Clock:       opts.clock,
		Publisher:   hub,
		Logger:      logger.With("component", "activity"),
	})
	a.sender = delivery.NewHTTPSender(delivery.HTTPSenderConfig{
		Endpoint: cfg.APIEndpoint,
		Token:    cfg.APIToken,
	})
	a.limiter = rate.NewLimiter(rate.Limit(cfg.Delivery.RateLimit), cfg.Delivery.RateBurst)
	a.worker = delivery.New(delivery.Config{
		Queue:     queue,
		Sender:    a.sender,
		Prober:    a.sender,
		Policy:    retryPolicy(timings),
		Timings:   workerTimings(timings),
		Limiter:   a.limiter,
		Clock:     opts.clock,
		Publisher: hub,
		Logger:    logger.With("component", "delivery"),
	})

	a.server = control.NewServer(cfg.Agent.ControlSocket, logger.With("component", "control"))
	a.registerActions()

	logger.Info("attendance restored",
		"state", initial.State,
		"manual_override", initial.ManualOverride,
	)
	return a, nil
}

func machineSettings(cfg *config.Config) attendance.Settings {
	return attendance.Settings{
		UserID:          cfg.Username,
		DeviceID:        cfg.DeviceID,
		AutoMode:        cfg.AutoMode,
		DeveloperMode:   cfg.DeveloperMode,
		IdleTimeoutMins: cfg.IdleTimeoutMins,
	}
}

func retryPolicy(timings config.Timings) delivery.RetryPolicy {
	return delivery.RetryPolicy{BaseDelay: timings.BaseDelay, MaxDelay: timings.MaxDelay}
}

func workerTimings(timings config.Timings) delivery.Timings {
	return delivery.Timings{
		RequestTimeout: timings.RequestTimeout,
		ProbeInterval:  timings.ProbeInterval,
		IdleWait:       timings.IdleWait,
	}
}

// run starts the sampler, the delivery worker and the control server,
// reloads the configuration on every value from reload, and returns
// once ctx is cancelled and all three have stopped. An in-flight
// delivery completes before run returns.
func (a *agent) run(ctx context.Context, reload <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		a.sampler.Run(ctx, a.samplePeriod, a.observe)
	})
	wg.Go(func() {
		a.worker.Run(ctx)
	})

	serveErr := make(chan error, 1)
	wg.Go(func() {
		serveErr <- a.server.Serve(ctx)
	})

	a.logger.Info("agent running",
		"control_socket", a.currentConfig().Agent.ControlSocket,
		"sample_period", a.samplePeriod,
	)

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err = <-serveErr:
			// The control socket is the only way to operate the
			// agent; without it there is no point running.
			if err != nil {
				err = fmt.Errorf("control socket: %w", err)
			}
			cancel()
			break loop
		case <-reload:
			if reloadErr := a.reload(); reloadErr != nil {
				a.logger.Error("configuration reload failed, keeping current settings", "error", reloadErr)
			}
		}
	}

	a.logger.Info("shutting down")
	wg.Wait()
	a.logger.Info("shutdown complete")
	return err
}

// observe is the sampler's sink.
func (a *agent) observe(ctx context.Context, transition activity.Transition) error {
	_, _, err := a.machine.Observe(ctx, transition)
	return err
}

// close releases the queue and the instance lock.
func (a *agent) close() {
	if err := a.queue.Close(); err != nil {
		a.logger.Error("closing queue", "error", err)
	}
	if err := a.lock.Release(); err != nil {
		a.logger.Error("releasing lock", "error", err)
	}
}

func (a *agent) currentConfig() *config.Config {
	a.configMu.Lock()
	defer a.configMu.Unlock()
	return a.cfg
}

// reload rereads the configuration file and applies it.
func (a *agent) reload() error {
	a.configMu.Lock()
	defer a.configMu.Unlock()

	next, err := a.store.Load()
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	a.applyLocked(next)
	a.logger.Info("configuration reloaded", "path", a.store.Path())
	return nil
}

// applyLocked makes next the running configuration. next must be
// valid. Fields that only take effect at startup are kept and a
// warning is logged when they differ. The caller holds configMu.
func (a *agent) applyLocked(next *config.Config) {
	previous := a.cfg
	next = next.Clone()

	var restartOnly []string
	if next.Agent.StateDir != previous.Agent.StateDir {
		restartOnly = append(restartOnly, "agent.state_dir")
	}
	if next.Agent.ControlSocket != previous.Agent.ControlSocket {
		restartOnly = append(restartOnly, "agent.control_socket")
	}
	if next.Agent.SamplePeriod != previous.Agent.SamplePeriod {
		restartOnly = append(restartOnly, "agent.sample_period")
	}
	if !slices.Equal(next.Agent.IdleCommand, previous.Agent.IdleCommand) {
		restartOnly = append(restartOnly, "agent.idle_command")
	}
	if len(restartOnly) > 0 {
		a.logger.Warn("configuration changes take effect after restart", "fields", restartOnly)
		next.Agent = previous.Agent
	}

	// Validate has already parsed every duration.
	timings, _ := next.Timings()

	a.sampler.SetIdleTimeout(next.IdleTimeout())
	a.machine.UpdateSettings(machineSettings(next))
	if next.AutoMode && !previous.AutoMode {
		// Activity was not acted on while auto mode was off; the next
		// sample reports the current classification as a fresh edge.
		a.sampler.Forget()
	}
	a.queue.SetMaxAttempts(next.Delivery.MaxAttempts)
	a.worker.Update(retryPolicy(timings), workerTimings(timings))
	a.limiter.SetLimit(rate.Limit(next.Delivery.RateLimit))
	a.limiter.SetBurst(next.Delivery.RateBurst)

	if a.sender.Update(next.APIEndpoint, next.APIToken) {
		a.logger.Info("collector endpoint or credentials changed", "endpoint", next.APIEndpoint)
		if a.worker.Resume() {
			a.logger.Info("delivery resumed after credential change")
		}
	}

	a.cfg = next
}

// saveSettings validates settings, writes them to the configuration
// file, and applies them. An empty token keeps the current one unless
// clearToken is set.
func (a *agent) saveSettings(settings config.Settings, clearToken bool) (*config.Config, error) {
	a.configMu.Lock()
	defer a.configMu.Unlock()

	if settings.APIToken == "" && !clearToken {
		settings.APIToken = a.cfg.APIToken
	}
	next := a.cfg.Clone()
	next.Settings = settings
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := a.store.Save(next); err != nil {
		return nil, fault.Durability("saving settings", err).
			WithHint("check that the configuration file's directory is writable, then save again")
	}
	a.applyLocked(next)
	a.logger.Info("settings saved",
		"path", a.store.Path(),
		"auto_mode", next.AutoMode,
		"idle_timeout_mins", next.IdleTimeoutMins,
		"developer_mode", next.DeveloperMode,
	)
	return a.cfg, nil
}
