// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package agentapi

import (
	"context"

	"github.com/remodance/remodance/lib/config"
	"github.com/remodance/remodance/lib/control"
	"github.com/remodance/remodance/lib/notify"
)

// Client calls the agent's control actions.
type Client struct {
	control *control.Client
}

// NewClient returns a Client for the agent listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{control: control.NewClient(socketPath)}
}

// Status returns the agent's status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var response StatusResponse
	err := c.control.Call(ctx, ActionStatus, nil, &response)
	return response, err
}

// Toggle flips the attendance state.
func (c *Client) Toggle(ctx context.Context) (ChangeResponse, error) {
	return c.change(ctx, ActionToggle)
}

// CheckIn requests the checked-in state.
func (c *Client) CheckIn(ctx context.Context) (ChangeResponse, error) {
	return c.change(ctx, ActionCheckIn)
}

// CheckOut requests the checked-out state.
func (c *Client) CheckOut(ctx context.Context) (ChangeResponse, error) {
	return c.change(ctx, ActionCheckOut)
}

func (c *Client) change(ctx context.Context, action string) (ChangeResponse, error) {
	var response ChangeResponse
	err := c.control.Call(ctx, action, nil, &response)
	return response, err
}

// Settings returns the current settings.
func (c *Client) Settings(ctx context.Context) (SettingsView, error) {
	var response SettingsView
	err := c.control.Call(ctx, ActionSettings, nil, &response)
	return response, err
}

// SaveSettings validates, persists and applies settings.
func (c *Client) SaveSettings(ctx context.Context, settings config.Settings, clearToken bool) (SettingsView, error) {
	var response SettingsView
	fields := map[string]any{"settings": settings}
	if clearToken {
		fields["clear_token"] = true
	}
	err := c.control.Call(ctx, ActionSaveSettings, fields, &response)
	return response, err
}

// Resume lifts a delivery pause.
func (c *Client) Resume(ctx context.Context) (ResumeResponse, error) {
	var response ResumeResponse
	err := c.control.Call(ctx, ActionResume, nil, &response)
	return response, err
}

// Queue returns the queue statistics and entries.
func (c *Client) Queue(ctx context.Context) (QueueResponse, error) {
	var response QueueResponse
	err := c.control.Call(ctx, ActionQueue, nil, &response)
	return response, err
}

// Watch subscribes to the notification feed. Notifications arrive on
// the returned channel until ctx is done or the agent stops; the
// channel is then closed.
func (c *Client) Watch(ctx context.Context) (<-chan notify.Notification, error) {
	stream, err := c.control.Stream(ctx, ActionWatch, nil)
	if err != nil {
		return nil, err
	}
	notifications := make(chan notify.Notification)
	go func() {
		defer close(notifications)
		defer stream.Close()
		for {
			var notification notify.Notification
			if err := stream.Next(&notification); err != nil {
				return
			}
			select {
			case notifications <- notification:
			case <-ctx.Done():
				return
			}
		}
	}()
	return notifications, nil
}
