// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package attendance

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the attendance state.
type State string

const (
	CheckedIn  State = "checked-in"
	CheckedOut State = "checked-out"
)

// Opposite returns the other state.
func (s State) Opposite() State {
	if s == CheckedIn {
		return CheckedOut
	}
	return CheckedIn
}

// Valid reports whether s is one of the two states.
func (s State) Valid() bool {
	return s == CheckedIn || s == CheckedOut
}

// ParseState accepts a state name or the matching event type
// ("check-in", "check-out").
func ParseState(value string) (State, error) {
	switch value {
	case string(CheckedIn), string(CheckIn):
		return CheckedIn, nil
	case string(CheckedOut), string(CheckOut):
		return CheckedOut, nil
	}
	return "", fmt.Errorf("unknown attendance state %q", value)
}

// Source records what caused a state change.
type Source string

const (
	SourceAuto   Source = "auto"
	SourceManual Source = "manual"
)

// Status is the complete attendance state: the state itself, whether a
// manual override is active, and what caused the last change.
type Status struct {
	State            State     `json:"state"`
	ManualOverride   bool      `json:"manual_override"`
	LastChangeSource Source    `json:"last_change_source,omitempty"`
	ChangedAt        time.Time `json:"changed_at,omitzero"`
}

// InitialStatus is the status of a first run.
func InitialStatus() Status {
	return Status{State: CheckedOut}
}

// EventType is the wire name of a state change.
type EventType string

const (
	CheckIn  EventType = "check-in"
	CheckOut EventType = "check-out"
)

// EventTypeFor returns the event type that moves into state.
func EventTypeFor(state State) EventType {
	if state == CheckedIn {
		return CheckIn
	}
	return CheckOut
}

// DevConfig is the monitoring configuration snapshotted into events
// emitted while developer mode is on.
type DevConfig struct {
	IdleTimeoutMins int  `json:"idle_timeout_mins"`
	AutoMode        bool `json:"auto_mode"`
}

// Event is an immutable record of one attendance change. ID is zero
// until the recorder assigns the queue sequence number.
type Event struct {
	ID     int64     `json:"id"`
	Key    string    `json:"key"`
	Type   EventType `json:"event_type"`
	Source Source    `json:"source"`

	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`

	// Time and Date are the local wall-clock components at creation,
	// formatted HH:MM:SS and YYYY-MM-DD.
	Time string `json:"time"`
	Date string `json:"date"`

	// Timestamp is the creation instant in RFC 3339 UTC.
	Timestamp string `json:"timestamp"`

	Config *DevConfig `json:"config,omitempty"`
}

// Payload is the JSON body POSTed to the collector.
type Payload struct {
	EventType EventType   `json:"event_type"`
	UserID    string      `json:"user_id"`
	Payload   PayloadBody `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

// PayloadBody is the nested "payload" object of [Payload].
type PayloadBody struct {
	Time     string     `json:"time"`
	Date     string     `json:"date"`
	DeviceID string     `json:"device_id"`
	Config   *DevConfig `json:"config,omitempty"`
}

// Payload returns the wire form of the event.
func (e Event) Payload() Payload {
	return Payload{
		EventType: e.Type,
		UserID:    e.UserID,
		Payload: PayloadBody{
			Time:     e.Time,
			Date:     e.Date,
			DeviceID: e.DeviceID,
			Config:   e.Config,
		},
		Timestamp: e.Timestamp,
	}
}

// MarshalPayload returns the JSON request body for the event.
func (e Event) MarshalPayload() ([]byte, error) {
	return json.Marshal(e.Payload())
}
