// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentapi defines the agent's control actions and their
// request and response types, and a typed client over lib/control.
//
// The agent serves these actions on its control socket; the remodance
// CLI and dashboard consume them. Types carry json tags so the CLI
// can print them with --json and CBOR uses the same field names.
package agentapi

import (
	"time"

	"github.com/remodance/remodance/lib/attendance"
	"github.com/remodance/remodance/lib/config"
	"github.com/remodance/remodance/lib/delivery"
	"github.com/remodance/remodance/lib/eventqueue"
)

// Action names.
const (
	ActionStatus       = "status"
	ActionToggle       = "toggle"
	ActionCheckIn      = "check-in"
	ActionCheckOut     = "check-out"
	ActionSettings     = "settings"
	ActionSaveSettings = "save-settings"
	ActionResume       = "resume"
	ActionQueue        = "queue"

	// ActionWatch is a stream action. After the acknowledgement the
	// agent writes one notify.Notification per event.
	ActionWatch = "watch"
)

// Monitoring describes the activity sampler.
type Monitoring struct {
	// Activity is the last classification: "active", "idle", or
	// "unknown" before the first successful sample.
	Activity string `json:"activity"`

	// Degraded is true after repeated idle-source failures.
	Degraded bool `json:"degraded"`

	IdleTimeoutMins int  `json:"idle_timeout_mins"`
	AutoMode        bool `json:"auto_mode"`
}

// StatusResponse is the reply to ActionStatus.
type StatusResponse struct {
	Version    string            `json:"version"`
	StartedAt  time.Time         `json:"started_at"`
	Attendance attendance.Status `json:"attendance"`
	Monitoring Monitoring        `json:"monitoring"`
	Delivery   delivery.State    `json:"delivery"`
	Queue      eventqueue.Stats  `json:"queue"`
	Endpoint   string            `json:"endpoint"`
}

// ChangeResponse is the reply to ActionToggle, ActionCheckIn and
// ActionCheckOut. Event is nil when the request did not change the
// state.
type ChangeResponse struct {
	Status attendance.Status `json:"status"`
	Event  *attendance.Event `json:"event,omitempty"`
}

// SettingsView is the reply to ActionSettings and ActionSaveSettings.
// The token itself is never sent back; TokenSet reports whether one is
// configured.
type SettingsView struct {
	Settings config.Settings `json:"settings"`
	TokenSet bool            `json:"token_set"`
	Path     string          `json:"path"`
}

// SaveSettingsRequest is the body of ActionSaveSettings. An empty
// Settings.APIToken keeps the configured token unless ClearToken is
// set.
type SaveSettingsRequest struct {
	Action     string          `json:"action"`
	Settings   config.Settings `json:"settings"`
	ClearToken bool            `json:"clear_token,omitempty"`
}

// ResumeResponse is the reply to ActionResume.
type ResumeResponse struct {
	// Resumed is false when delivery was not paused.
	Resumed bool `json:"resumed"`
}

// QueueResponse is the reply to ActionQueue.
type QueueResponse struct {
	Stats   eventqueue.Stats   `json:"stats"`
	Entries []eventqueue.Entry `json:"entries"`
}
