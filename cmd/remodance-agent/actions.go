// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/remodance/remodance/lib/agentapi"
	"github.com/remodance/remodance/lib/attendance"
	"github.com/remodance/remodance/lib/codec"
	"github.com/remodance/remodance/lib/config"
	"github.com/remodance/remodance/lib/control"
	"github.com/remodance/remodance/lib/version"
)

// watchBuffer is the notification backlog a slow watcher may build up
// before it starts missing notifications.
const watchBuffer = 64

func (a *agent) registerActions() {
	a.server.Handle(agentapi.ActionStatus, a.handleStatus)
	a.server.Handle(agentapi.ActionToggle, a.handleToggle)
	a.server.Handle(agentapi.ActionCheckIn, a.handleRequest(attendance.CheckedIn))
	a.server.Handle(agentapi.ActionCheckOut, a.handleRequest(attendance.CheckedOut))
	a.server.Handle(agentapi.ActionSettings, a.handleSettings)
	a.server.Handle(agentapi.ActionSaveSettings, a.handleSaveSettings)
	a.server.Handle(agentapi.ActionResume, a.handleResume)
	a.server.Handle(agentapi.ActionQueue, a.handleQueue)
	a.server.HandleStream(agentapi.ActionWatch, a.handleWatch)
}

func (a *agent) handleStatus(ctx context.Context, raw []byte) (any, error) {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.currentConfig()
	return agentapi.StatusResponse{
		Version:    version.Info(),
		StartedAt:  a.startedAt,
		Attendance: a.machine.Status(),
		Monitoring: agentapi.Monitoring{
			Activity:        a.sampler.Last().String(),
			Degraded:        a.sampler.Degraded(),
			IdleTimeoutMins: cfg.IdleTimeoutMins,
			AutoMode:        cfg.AutoMode,
		},
		Delivery: a.worker.State(),
		Queue:    stats,
		Endpoint: cfg.APIEndpoint,
	}, nil
}

func (a *agent) handleToggle(ctx context.Context, raw []byte) (any, error) {
	status, event, err := a.machine.Toggle(ctx)
	if err != nil {
		return nil, err
	}
	return agentapi.ChangeResponse{Status: status, Event: &event}, nil
}

func (a *agent) handleRequest(target attendance.State) func(context.Context, []byte) (any, error) {
	return func(ctx context.Context, raw []byte) (any, error) {
		status, event, err := a.machine.Request(ctx, target)
		if err != nil {
			return nil, err
		}
		return agentapi.ChangeResponse{Status: status, Event: event}, nil
	}
}

func (a *agent) handleSettings(ctx context.Context, raw []byte) (any, error) {
	return a.settingsView(a.currentConfig()), nil
}

func (a *agent) handleSaveSettings(ctx context.Context, raw []byte) (any, error) {
	var request agentapi.SaveSettingsRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	saved, err := a.saveSettings(request.Settings, request.ClearToken)
	if err != nil {
		return nil, err
	}
	return a.settingsView(saved), nil
}

func (a *agent) settingsView(cfg *config.Config) agentapi.SettingsView {
	settings := cfg.Settings
	settings.APIToken = ""
	return agentapi.SettingsView{
		Settings: settings,
		TokenSet: cfg.APIToken != "",
		Path:     a.store.Path(),
	}
}

func (a *agent) handleResume(ctx context.Context, raw []byte) (any, error) {
	return agentapi.ResumeResponse{Resumed: a.worker.Resume()}, nil
}

func (a *agent) handleQueue(ctx context.Context, raw []byte) (any, error) {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := a.queue.Entries(ctx)
	if err != nil {
		return nil, err
	}
	return agentapi.QueueResponse{Stats: stats, Entries: entries}, nil
}

// handleWatch forwards notifications until the client hangs up or the
// agent stops. The subscription exists before the client sees the
// acknowledgement, so nothing published after Watch returns is missed.
func (a *agent) handleWatch(ctx context.Context, raw []byte, stream *control.ServerStream) error {
	subscription := a.hub.Subscribe(watchBuffer)
	defer subscription.Close()
	if err := stream.Accept(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case notification, ok := <-subscription.C:
			if !ok {
				return nil
			}
			if err := stream.Send(notification); err != nil {
				return err
			}
		}
	}
}
