// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package attendance

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remodance/remodance/lib/activity"
	"github.com/remodance/remodance/lib/clock"
	"github.com/remodance/remodance/lib/fault"
	"github.com/remodance/remodance/lib/notify"
)

// Recorder durably stores attendance changes.
type Recorder interface {
	// Record persists event and the status it produces in one atomic
	// write and returns the event with its assigned ID. Nothing is
	// persisted when it fails.
	Record(ctx context.Context, event Event, status Status) (Event, error)

	// SaveStatus persists a status change that produces no event.
	SaveStatus(ctx context.Context, status Status) error
}

// Settings are the configuration values the machine consults at
// transition time.
type Settings struct {
	UserID          string
	DeviceID        string
	AutoMode        bool
	DeveloperMode   bool
	IdleTimeoutMins int
}

// Config holds the Machine's collaborators.
type Config struct {
	Recorder Recorder
	Settings Settings

	// Initial is the restored status. Zero means [InitialStatus].
	Initial Status

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Location is the zone of the event's local time fields.
	// Defaults to time.Local.
	Location *time.Location

	// Publisher defaults to notify.Discard.
	Publisher notify.Publisher

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// NewKey generates idempotency keys. Defaults to random UUIDs.
	NewKey func() string
}

// Machine is the attendance state machine. All methods are safe for
// concurrent use; transitions are serialized.
type Machine struct {
	recorder  Recorder
	clock     clock.Clock
	location  *time.Location
	publisher notify.Publisher
	logger    *slog.Logger
	newKey    func() string

	// mu serializes transitions. It is held across the durable
	// write so that the persisted order of events matches the order
	// in which the in-memory state changes.
	mu       sync.Mutex
	status   Status
	settings Settings
}

// NewMachine returns a Machine in the restored status.
func NewMachine(config Config) *Machine {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Publisher == nil {
		config.Publisher = notify.Discard
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.NewKey == nil {
		config.NewKey = uuid.NewString
	}
	if !config.Initial.State.Valid() {
		config.Initial = InitialStatus()
	}
	return &Machine{
		recorder:  config.Recorder,
		clock:     config.Clock,
		location:  config.Location,
		publisher: config.Publisher,
		logger:    config.Logger,
		newKey:    config.NewKey,
		status:    config.Initial,
		settings:  config.Settings,
	}
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Settings returns the current settings.
func (m *Machine) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateSettings replaces the settings. Turning auto mode off or on
// does not touch an active manual override.
func (m *Machine) UpdateSettings(settings Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
}

// Observe applies an activity transition. It returns the resulting
// status and the recorded event, or nil when the transition caused no
// event.
func (m *Machine) Observe(ctx context.Context, transition activity.Transition) (Status, *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.settings.AutoMode {
		m.logger.Debug("activity ignored, auto mode off", "kind", transition.Kind)
		return m.status, nil, nil
	}

	current := m.status
	switch transition.Kind {
	case activity.BecameActive:
		if current.State == CheckedOut {
			next := Status{State: CheckedIn, ManualOverride: false, LastChangeSource: SourceAuto}
			return m.applyLocked(ctx, next)
		}
		if current.ManualOverride {
			next := current
			next.ManualOverride = false
			if err := m.recorder.SaveStatus(ctx, next); err != nil {
				return current, nil, m.durabilityFailure("clearing manual override", err)
			}
			m.status = next
			m.logger.Info("manual override cleared by activity", "state", next.State)
		}
		return m.status, nil, nil

	case activity.BecameIdle:
		if current.State == CheckedIn && !current.ManualOverride {
			next := Status{State: CheckedOut, ManualOverride: false, LastChangeSource: SourceAuto}
			return m.applyLocked(ctx, next)
		}
		return current, nil, nil
	}
	return current, nil, nil
}

// Toggle flips the state on a manual request and sets the manual
// override.
func (m *Machine) Toggle(ctx context.Context) (Status, Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := Status{State: m.status.State.Opposite(), ManualOverride: true, LastChangeSource: SourceManual}
	status, event, err := m.applyLocked(ctx, next)
	if err != nil {
		return status, Event{}, err
	}
	return status, *event, nil
}

// Request moves to target on a manual request. Requesting the current
// state changes nothing and returns a nil event.
func (m *Machine) Request(ctx context.Context, target State) (Status, *Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status.State == target {
		return m.status, nil, nil
	}
	next := Status{State: target, ManualOverride: true, LastChangeSource: SourceManual}
	return m.applyLocked(ctx, next)
}

// applyLocked records the event for next and then adopts it. m.mu must
// be held.
func (m *Machine) applyLocked(ctx context.Context, next Status) (Status, *Event, error) {
	now := m.clock.Now()
	next.ChangedAt = now
	event := m.buildEventLocked(next, now)

	recorded, err := m.recorder.Record(ctx, event, next)
	if err != nil {
		return m.status, nil, m.durabilityFailure("recording "+string(event.Type), err)
	}

	m.status = next
	m.logger.Info("attendance changed",
		"state", next.State,
		"source", next.LastChangeSource,
		"manual_override", next.ManualOverride,
		"event_id", recorded.ID,
	)
	m.publisher.Publish(notify.Notification{
		Kind:    notify.AttendanceChanged,
		At:      now,
		State:   string(next.State),
		Source:  string(next.LastChangeSource),
		EventID: recorded.ID,
	})
	return next, &recorded, nil
}

func (m *Machine) buildEventLocked(next Status, now time.Time) Event {
	local := now.In(m.location)
	event := Event{
		Key:       m.newKey(),
		Type:      EventTypeFor(next.State),
		Source:    next.LastChangeSource,
		UserID:    m.settings.UserID,
		DeviceID:  m.settings.DeviceID,
		Time:      local.Format("15:04:05"),
		Date:      local.Format("2006-01-02"),
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
	if m.settings.DeveloperMode {
		event.Config = &DevConfig{
			IdleTimeoutMins: m.settings.IdleTimeoutMins,
			AutoMode:        m.settings.AutoMode,
		}
	}
	return event
}

func (m *Machine) durabilityFailure(op string, err error) error {
	wrapped := fault.Durability("attendance: "+op, err).
		WithHint("the change was not saved; check free disk space and permissions on the state directory")
	m.logger.Error("attendance change not persisted",
		"op", op,
		"state", m.status.State,
		"error", err,
	)
	m.publisher.Publish(notify.Notification{
		Kind:     notify.DurabilityFailure,
		At:       m.clock.Now(),
		State:    string(m.status.State),
		Message:  wrapped.Error(),
		Category: string(fault.CategoryDurability),
		Hint:     wrapped.Hint,
	})
	return wrapped
}
