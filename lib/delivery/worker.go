// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/remodance/remodance/lib/clock"
	"github.com/remodance/remodance/lib/eventqueue"
	"github.com/remodance/remodance/lib/fault"
	"github.com/remodance/remodance/lib/netutil"
	"github.com/remodance/remodance/lib/notify"
)

// Queue is the part of the event queue the worker drives.
type Queue interface {
	PeekNext(ctx context.Context) (eventqueue.Entry, bool, error)
	Head(ctx context.Context) (eventqueue.Entry, bool, error)
	MarkInFlight(ctx context.Context, id int64) error
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, nextAttemptAt time.Time, reason string) (eventqueue.Entry, error)
	Release(ctx context.Context, id int64) error
	Notify() <-chan struct{}
}

// Timings are the worker's waits.
type Timings struct {
	// RequestTimeout bounds one send.
	RequestTimeout time.Duration

	// ProbeInterval is the sleep between reachability checks while
	// offline, and after a queue storage error.
	ProbeInterval time.Duration

	// IdleWait is the longest sleep on an empty queue without a
	// wakeup.
	IdleWait time.Duration
}

// Config holds the Worker's collaborators.
type Config struct {
	Queue  Queue
	Sender Sender

	// Prober checks reachability before each send. Nil means the
	// endpoint is assumed reachable and only send failures count.
	Prober Prober

	Policy  RetryPolicy
	Timings Timings

	// Limiter paces sends. Nil means unlimited.
	Limiter *rate.Limiter

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Publisher defaults to notify.Discard.
	Publisher notify.Publisher

	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// State is a snapshot of the worker for status displays.
type State struct {
	// Online is false after a failed probe or an unreachable send,
	// and true after a successful one.
	Online bool `json:"online"`

	Paused        bool   `json:"paused"`
	PauseReason   string `json:"pause_reason,omitempty"`
	PauseCategory string `json:"pause_category,omitempty"`
	PauseHint     string `json:"pause_hint,omitempty"`

	// PausedAt is the id of the entry that caused the pause.
	PausedAt int64 `json:"paused_at,omitempty"`

	LastError string `json:"last_error,omitempty"`
	Delivered uint64 `json:"delivered"`
}

// bookkeepingAttempts is how many times a queue write recording a
// send outcome is tried before the worker pauses on it.
const bookkeepingAttempts = 3

const durabilityHint = "the queue database could not be written; check free space and permissions of the state directory, then resume delivery"

// bookkeeping is the queue write that records the outcome of one send,
// and what to do once it is stored.
type bookkeeping struct {
	id    int64
	op    string
	write func(ctx context.Context) error
	then  func()
}

// Worker drains the queue. Run it on one goroutine.
type Worker struct {
	queue     Queue
	sender    Sender
	prober    Prober
	limiter   *rate.Limiter
	clock     clock.Clock
	publisher notify.Publisher
	logger    *slog.Logger

	// resume wakes a paused worker. Capacity 1.
	resume chan struct{}

	delivered atomic.Uint64

	mu      sync.Mutex
	policy  RetryPolicy
	timings Timings
	state   State

	// unsettled is a bookkeeping write that failed every attempt. The
	// entry stays in flight, and the queue head with it, until the
	// write succeeds after a resume.
	unsettled *bookkeeping
}

// New returns a Worker. It starts online and unpaused.
func New(cfg Config) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Worker{
		queue:     cfg.Queue,
		sender:    cfg.Sender,
		prober:    cfg.Prober,
		limiter:   cfg.Limiter,
		clock:     cfg.Clock,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		resume:    make(chan struct{}, 1),
		policy:    cfg.Policy,
		timings:   cfg.Timings,
		state:     State{Online: true},
	}
}

// Update replaces the retry policy and timings for subsequent steps.
func (w *Worker) Update(policy RetryPolicy, timings Timings) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.policy = policy
	w.timings = timings
}

// State returns a snapshot of the worker state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	state := w.state
	state.Delivered = w.delivered.Load()
	return state
}

// Resume lifts a pause. It reports whether the worker was paused.
func (w *Worker) Resume() bool {
	w.mu.Lock()
	wasPaused := w.state.Paused
	pausedAt := w.state.PausedAt
	w.state.Paused = false
	w.state.PauseReason = ""
	w.state.PauseCategory = ""
	w.state.PauseHint = ""
	w.state.PausedAt = 0
	w.mu.Unlock()

	if !wasPaused {
		return false
	}
	w.logger.Info("delivery resumed", "event_id", pausedAt)
	w.publisher.Publish(notify.Notification{
		Kind:    notify.DeliveryResumed,
		At:      w.clock.Now(),
		EventID: pausedAt,
	})
	select {
	case w.resume <- struct{}{}:
	default:
	}
	return true
}

func (w *Worker) pause(id int64, cause error) {
	hint := fault.HintOf(cause)
	if IsAuthFailure(cause) {
		hint = "the collector rejected the credentials; update api_token in the settings, then resume delivery"
	}

	category := fault.CategoryOf(cause)
	if category == fault.CategoryInternal {
		category = fault.CategoryConfiguration
	}

	w.mu.Lock()
	w.state.Paused = true
	w.state.PausedAt = id
	w.state.PauseReason = cause.Error()
	w.state.PauseCategory = string(category)
	w.state.PauseHint = hint
	w.mu.Unlock()

	w.logger.Error("delivery paused",
		"event_id", id,
		"error", cause,
		"hint", hint,
	)
	w.publisher.Publish(notify.Notification{
		Kind:     notify.DeliveryPaused,
		At:       w.clock.Now(),
		EventID:  id,
		Message:  cause.Error(),
		Category: string(category),
		Hint:     hint,
	})
}

func (w *Worker) takeUnsettled() *bookkeeping {
	w.mu.Lock()
	defer w.mu.Unlock()
	pending := w.unsettled
	w.unsettled = nil
	return pending
}

// settle stores a send outcome, retrying with backoff. When every
// attempt fails the worker pauses with a durability fault and keeps
// the write for the next step after Resume.
func (w *Worker) settle(ctx context.Context, record bookkeeping) {
	policy, _ := w.currentTimings()
	detached := context.WithoutCancel(ctx)

	var err error
	for attempt := range bookkeepingAttempts {
		if attempt > 0 {
			w.sleep(ctx, policy.Delay(attempt-1), false)
		}
		if err = record.write(detached); err == nil {
			if record.then != nil {
				record.then()
			}
			return
		}
		w.logger.Error("recording delivery outcome failed",
			"event_id", record.id,
			"op", record.op,
			"attempt", attempt+1,
			"error", err,
		)
		if attempt == 0 {
			w.publisher.Publish(notify.Notification{
				Kind:     notify.DurabilityFailure,
				At:       w.clock.Now(),
				EventID:  record.id,
				Message:  fmt.Sprintf("%s: %v", record.op, err),
				Category: string(fault.CategoryDurability),
				Hint:     durabilityHint,
			})
		}
	}

	w.mu.Lock()
	w.unsettled = &record
	w.mu.Unlock()
	w.pause(record.id, fault.Durability(record.op, err).WithHint(durabilityHint))
}

func (w *Worker) paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Paused
}

func (w *Worker) setOnline(online bool, cause error) {
	w.mu.Lock()
	changed := w.state.Online != online
	w.state.Online = online
	if cause != nil {
		w.state.LastError = cause.Error()
	}
	w.mu.Unlock()

	if !changed {
		return
	}
	if online {
		w.logger.Info("collector reachable")
	} else {
		w.logger.Warn("collector unreachable", "error", cause)
	}
	notification := notify.Notification{
		Kind:   notify.ConnectivityChanged,
		At:     w.clock.Now(),
		Online: &online,
	}
	if cause != nil {
		notification.Message = cause.Error()
		notification.Category = string(fault.CategoryTransient)
	}
	w.publisher.Publish(notification)
}

func (w *Worker) currentTimings() (RetryPolicy, Timings) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.policy, w.timings
}

// Run drains the queue until ctx is cancelled. It returns after the
// step in progress completes.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("delivery worker started")
	defer w.logger.Info("delivery worker stopped")

	for ctx.Err() == nil {
		w.step(ctx)
	}
}

// step performs one cycle of the drain loop.
func (w *Worker) step(ctx context.Context) {
	_, timings := w.currentTimings()

	if w.paused() {
		select {
		case <-ctx.Done():
		case <-w.resume:
		}
		return
	}

	if record := w.takeUnsettled(); record != nil {
		w.settle(ctx, *record)
		return
	}

	if w.prober != nil {
		if err := w.prober.Probe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if fault.Is(err, fault.CategoryConfiguration) {
				w.pauseAtHead(ctx, err)
				return
			}
			w.setOnline(false, err)
			w.sleep(ctx, timings.ProbeInterval, false)
			return
		}
		w.setOnline(true, nil)
	}

	entry, ok, err := w.queue.PeekNext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("reading queue head failed", "error", err)
		w.sleep(ctx, timings.ProbeInterval, false)
		return
	}
	if !ok {
		w.sleep(ctx, w.idleDelay(ctx, timings.IdleWait), true)
		return
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return
	}
	w.deliver(ctx, entry)
}

// idleDelay returns how long to sleep when nothing is eligible: until
// the head's backoff expires, but no longer than idleWait.
func (w *Worker) idleDelay(ctx context.Context, idleWait time.Duration) time.Duration {
	head, found, err := w.queue.Head(ctx)
	if err != nil || !found || head.Status != eventqueue.Pending {
		return idleWait
	}
	until := head.NextAttemptAt.Sub(w.clock.Now())
	if until < idleWait {
		return until
	}
	return idleWait
}

// sleep waits for d, ctx, a resume, and (when wakeOnQueue is set) a
// queue signal.
func (w *Worker) sleep(ctx context.Context, d time.Duration, wakeOnQueue bool) {
	timer := w.clock.NewTimer(d)
	defer timer.Stop()

	var queueSignal <-chan struct{}
	if wakeOnQueue {
		queueSignal = w.queue.Notify()
	}
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-queueSignal:
	case <-w.resume:
	}
}

// pauseAtHead pauses on a failure detected before any entry was sent.
func (w *Worker) pauseAtHead(ctx context.Context, cause error) {
	var id int64
	if head, found, err := w.queue.Head(ctx); err == nil && found {
		id = head.ID()
	}
	w.pause(id, cause)
}

// deliver sends one entry and records the outcome. Bookkeeping and
// the send run on a context detached from ctx so that shutdown does
// not abandon a send halfway. A bookkeeping write that keeps failing
// pauses the worker; see settle.
func (w *Worker) deliver(ctx context.Context, entry eventqueue.Entry) {
	policy, timings := w.currentTimings()
	detached := context.WithoutCancel(ctx)
	id := entry.ID()

	if err := w.queue.MarkInFlight(detached, id); err != nil {
		w.logger.Error("marking entry in flight failed", "event_id", id, "error", err)
		w.sleep(ctx, timings.ProbeInterval, false)
		return
	}

	sendContext, cancel := context.WithTimeout(detached, timings.RequestTimeout)
	sendErr := w.sender.Send(sendContext, entry.Event)
	cancel()

	outcome := Classify(sendErr)
	logger := w.logger.With("event_id", id, "event_type", entry.Event.Type, "attempt", entry.AttemptCount+1)

	switch outcome {
	case Delivered:
		w.settle(ctx, bookkeeping{
			id: id,
			op: fmt.Sprintf("mark event %d delivered", id),
			write: func(ctx context.Context) error {
				return w.queue.MarkDelivered(ctx, id)
			},
			then: func() {
				w.delivered.Add(1)
				w.setOnline(true, nil)
				logger.Info("event delivered")
			},
		})

	case Pause:
		w.settle(ctx, bookkeeping{
			id: id,
			op: fmt.Sprintf("release event %d", id),
			write: func(ctx context.Context) error {
				return w.queue.Release(ctx, id)
			},
			then: func() { w.pause(id, sendErr) },
		})

	case Retry, Rejected:
		if netutil.IsUnreachable(sendErr) {
			w.setOnline(false, sendErr)
		} else {
			w.mu.Lock()
			w.state.LastError = sendErr.Error()
			w.mu.Unlock()
		}

		next := w.clock.Now().Add(policy.Delay(entry.AttemptCount))
		var updated eventqueue.Entry
		w.settle(ctx, bookkeeping{
			id: id,
			op: fmt.Sprintf("record failed attempt of event %d", id),
			write: func(ctx context.Context) error {
				var err error
				updated, err = w.queue.MarkFailed(ctx, id, next, sendErr.Error())
				return err
			},
			then: func() { w.reportFailure(logger, outcome, updated, sendErr, next) },
		})
	}
}

// reportFailure logs and publishes a failed attempt once it is stored.
func (w *Worker) reportFailure(logger *slog.Logger, outcome Outcome, updated eventqueue.Entry, sendErr error, next time.Time) {
	id := updated.ID()
	if outcome == Rejected {
		logger.Warn("endpoint rejected event",
			"error", sendErr,
			"next_attempt_at", next,
		)
		w.publisher.Publish(notify.Notification{
			Kind:     notify.EventRejected,
			At:       w.clock.Now(),
			EventID:  id,
			Message:  sendErr.Error(),
			Category: string(fault.CategoryConfiguration),
			Hint:     "the collector refuses this event; check api_endpoint and the collector's logs",
		})
	} else {
		logger.Warn("event delivery failed, will retry",
			"error", sendErr,
			"next_attempt_at", next,
		)
	}

	if updated.Status == eventqueue.FailedPermanent {
		w.publisher.Publish(notify.Notification{
			Kind:     notify.EventAbandoned,
			At:       w.clock.Now(),
			EventID:  id,
			Message:  fmt.Sprintf("gave up after %d attempts: %v", updated.AttemptCount, sendErr),
			Category: string(fault.CategoryPermanent),
			Hint:     "the event is kept in the queue for inspection and is not sent again",
		})
	}
}

// IsAuthFailure reports whether err is a 401 or 403 from the collector.
func IsAuthFailure(err error) bool {
	var statusError *StatusError
	if !errors.As(err, &statusError) {
		return false
	}
	return statusError.StatusCode == http.StatusUnauthorized || statusError.StatusCode == http.StatusForbidden
}
