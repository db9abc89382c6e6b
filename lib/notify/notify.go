// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify carries notifications from the attendance core out to
// the user interface.
//
// The core publishes [Notification] values through the [Publisher]
// interface and never blocks on consumers. [Hub] is the fan-out
// implementation used by the agent: each subscriber gets a buffered
// channel, and a notification that does not fit in a subscriber's
// buffer is dropped for that subscriber only. Every notification
// carries a hub-wide sequence number so a subscriber can detect the
// gap a drop leaves behind and re-query the current status.
package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies what a notification reports.
type Kind string

const (
	// AttendanceChanged reports a new attendance state. State and
	// Source are set.
	AttendanceChanged Kind = "attendance_changed"

	// ActivityUpdate reports that user input was observed. Throttled
	// by the sampler.
	ActivityUpdate Kind = "activity_update"

	// MonitoringDegraded reports that the idle source failed several
	// consecutive times. Attendance is unaffected.
	MonitoringDegraded Kind = "monitoring_degraded"

	// MonitoringRestored reports the first successful idle sample
	// after MonitoringDegraded.
	MonitoringRestored Kind = "monitoring_restored"

	// ConnectivityChanged reports the endpoint becoming reachable or
	// unreachable. Online is set. The UI renders this as the offline
	// indicator.
	ConnectivityChanged Kind = "connectivity_changed"

	// DeliveryPaused reports that delivery stopped on a configuration
	// fault (rejected credentials, malformed endpoint) and waits for
	// an operator resume.
	DeliveryPaused Kind = "delivery_paused"

	// DeliveryResumed reports that a paused queue is draining again.
	DeliveryResumed Kind = "delivery_resumed"

	// EventRejected reports a definite 4xx rejection of an event that
	// is still being retried.
	EventRejected Kind = "event_rejected"

	// EventAbandoned reports an event that reached the retry ceiling
	// and was marked permanently failed.
	EventAbandoned Kind = "event_abandoned"

	// DurabilityFailure reports that a state change could not be
	// persisted and therefore did not happen.
	DurabilityFailure Kind = "durability_failure"
)

// Notification is one message to the user interface. Fields other
// than Kind, Sequence and At are set according to Kind.
type Notification struct {
	Kind     Kind      `json:"kind"`
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"at"`

	State  string `json:"state,omitempty"`
	Source string `json:"source,omitempty"`
	Online *bool  `json:"online,omitempty"`

	EventID  int64  `json:"event_id,omitempty"`
	Message  string `json:"message,omitempty"`
	Category string `json:"category,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

// Publisher accepts notifications. Implementations must not block.
type Publisher interface {
	Publish(Notification)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Notification) {}

// Hub fans notifications out to subscribers.
type Hub struct {
	// mu protects subscribers. Publish reads under RLock; Subscribe
	// and Close write under Lock.
	mu          sync.RWMutex
	subscribers []*Subscription

	sequence atomic.Uint64
	dropped  atomic.Uint64
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscription receives notifications on C until Close is called.
type Subscription struct {
	// C delivers notifications. It is closed by Close.
	C <-chan Notification

	hub    *Hub
	events chan Notification
	once   sync.Once
}

// Subscribe registers a subscriber with the given channel capacity.
// A capacity below 1 is raised to 1.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	events := make(chan Notification, buffer)
	subscription := &Subscription{C: events, hub: h, events: events}

	h.mu.Lock()
	h.subscribers = append(h.subscribers, subscription)
	h.mu.Unlock()
	return subscription
}

// Close unregisters the subscription and closes C. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		hub := s.hub
		hub.mu.Lock()
		for i, existing := range hub.subscribers {
			if existing == s {
				hub.subscribers = append(hub.subscribers[:i], hub.subscribers[i+1:]...)
				break
			}
		}
		close(s.events)
		hub.mu.Unlock()
	})
}

// Publish stamps the notification with the next sequence number and
// sends it to every subscriber whose buffer has room. A zero At is
// replaced with the current wall-clock time.
func (h *Hub) Publish(notification Notification) {
	notification.Sequence = h.sequence.Add(1)
	if notification.At.IsZero() {
		notification.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subscriber := range h.subscribers {
		select {
		case subscriber.events <- notification:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns how many per-subscriber deliveries were dropped
// because a buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
