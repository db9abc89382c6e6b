// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/remodance/remodance/lib/clock"
	"github.com/remodance/remodance/lib/notify"
)

// Classification is the idle/active reading of one sample.
type Classification int

const (
	// Unknown is the classification before the first successful
	// sample and after [Sampler.Forget].
	Unknown Classification = iota
	Idle
	Active
)

func (c Classification) String() string {
	switch c {
	case Idle:
		return "idle"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Kind is the direction of a Transition.
type Kind string

const (
	BecameIdle   Kind = "became-idle"
	BecameActive Kind = "became-active"
)

// Transition is an edge between idle and active.
type Transition struct {
	Kind Kind
	At   time.Time

	// IdleFor is the idle duration the transition was classified from.
	IdleFor time.Duration
}

// Sink consumes transitions. A returned error means the transition
// was not acted on; the sampler then forgets its last classification
// so the same edge is produced again on the next successful sample.
type Sink func(ctx context.Context, transition Transition) error

const (
	// DefaultDegradedAfter is the number of consecutive source
	// failures that raises a degraded-monitoring warning.
	DefaultDegradedAfter = 3

	// DefaultActivityUpdateInterval is the minimum spacing of
	// activity_update notifications while the user is active.
	DefaultActivityUpdateInterval = time.Minute
)

// Config holds the Sampler's collaborators.
type Config struct {
	Source IdleSource

	// IdleTimeout is the initial idle threshold.
	IdleTimeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Publisher receives monitoring and activity notifications.
	// Defaults to notify.Discard.
	Publisher notify.Publisher

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// DegradedAfter defaults to DefaultDegradedAfter.
	DegradedAfter int

	// ActivityUpdateInterval defaults to DefaultActivityUpdateInterval.
	ActivityUpdateInterval time.Duration
}

// Sampler classifies idle readings and emits edge transitions.
// Sample and Run are intended for one goroutine; SetIdleTimeout and
// Forget may be called from any goroutine.
type Sampler struct {
	source                 IdleSource
	clock                  clock.Clock
	publisher              notify.Publisher
	logger                 *slog.Logger
	degradedAfter          int
	activityUpdateInterval time.Duration

	mu                 sync.Mutex
	idleTimeout        time.Duration
	last               Classification
	failures           int
	degraded           bool
	lastActivityUpdate time.Time
}

// New returns a Sampler. The source is required.
func New(config Config) *Sampler {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Publisher == nil {
		config.Publisher = notify.Discard
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.DegradedAfter <= 0 {
		config.DegradedAfter = DefaultDegradedAfter
	}
	if config.ActivityUpdateInterval <= 0 {
		config.ActivityUpdateInterval = DefaultActivityUpdateInterval
	}
	return &Sampler{
		source:                 config.Source,
		clock:                  config.Clock,
		publisher:              config.Publisher,
		logger:                 config.Logger,
		degradedAfter:          config.DegradedAfter,
		activityUpdateInterval: config.ActivityUpdateInterval,
		idleTimeout:            config.IdleTimeout,
	}
}

// SetIdleTimeout changes the idle threshold. It takes effect on the
// next sample; the previous classification is kept, so a threshold
// change only produces a transition if it flips the next reading.
func (s *Sampler) SetIdleTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout != s.idleTimeout {
		s.logger.Info("idle timeout changed", "old", s.idleTimeout, "new", timeout)
	}
	s.idleTimeout = timeout
}

// IdleTimeout returns the current idle threshold.
func (s *Sampler) IdleTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleTimeout
}

// Last returns the classification of the most recent successful
// sample.
func (s *Sampler) Last() Classification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Degraded reports whether the source is currently failing.
func (s *Sampler) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Forget clears the previous classification so the next successful
// sample produces a transition whatever it reads.
func (s *Sampler) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = Unknown
}

// Sample reads the source once. It returns a transition and true when
// the classification changed, and false when it did not or when the
// source failed.
func (s *Sampler) Sample(ctx context.Context) (Transition, bool) {
	idle, err := s.source.IdleDuration(ctx)
	now := s.clock.Now()

	s.mu.Lock()
	var pending []notify.Notification
	defer func() {
		s.mu.Unlock()
		for _, notification := range pending {
			s.publisher.Publish(notification)
		}
	}()

	if err != nil {
		s.failures++
		s.logger.Warn("idle source failed, skipping sample",
			"error", err,
			"consecutive_failures", s.failures,
		)
		if s.failures == s.degradedAfter {
			s.degraded = true
			s.logger.Error("activity monitoring degraded",
				"consecutive_failures", s.failures,
			)
			pending = append(pending, notify.Notification{
				Kind:     notify.MonitoringDegraded,
				At:       now,
				Message:  err.Error(),
				Category: "transient",
				Hint:     "check that the idle probe works in this session",
			})
		}
		return Transition{}, false
	}

	s.failures = 0
	if s.degraded {
		s.degraded = false
		s.logger.Info("activity monitoring restored")
		pending = append(pending, notify.Notification{Kind: notify.MonitoringRestored, At: now})
	}

	classification := Active
	if idle >= s.idleTimeout {
		classification = Idle
	}

	if classification == Active && (s.lastActivityUpdate.IsZero() || now.Sub(s.lastActivityUpdate) >= s.activityUpdateInterval) {
		s.lastActivityUpdate = now
		pending = append(pending, notify.Notification{Kind: notify.ActivityUpdate, At: now})
	}

	if classification == s.last {
		return Transition{}, false
	}
	s.last = classification

	kind := BecameActive
	if classification == Idle {
		kind = BecameIdle
	}
	return Transition{Kind: kind, At: now, IdleFor: idle}, true
}

// Run samples every period until ctx is cancelled, passing each
// transition to sink.
func (s *Sampler) Run(ctx context.Context, period time.Duration, sink Sink) {
	ticker := s.clock.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		transition, ok := s.Sample(ctx)
		if !ok {
			continue
		}
		s.logger.Debug("activity transition",
			"kind", transition.Kind,
			"idle_for", transition.IdleFor,
		)
		if err := sink(ctx, transition); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("activity transition not applied, will retry on next sample",
				"kind", transition.Kind,
				"error", err,
			)
			s.Forget()
		}
	}
}
