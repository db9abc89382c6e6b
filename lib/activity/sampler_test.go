// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/remodance/remodance/lib/clock"
	"github.com/remodance/remodance/lib/notify"
	"github.com/remodance/remodance/lib/testutil"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// recordingPublisher collects notifications for inspection.
type recordingPublisher struct {
	mu            sync.Mutex
	notifications []notify.Notification
}

func (p *recordingPublisher) Publish(notification notify.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, notification)
}

func (p *recordingPublisher) kinds() []notify.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]notify.Kind, len(p.notifications))
	for i, notification := range p.notifications {
		kinds[i] = notification.Kind
	}
	return kinds
}

func (p *recordingPublisher) count(kind notify.Kind) int {
	count := 0
	for _, k := range p.kinds() {
		if k == kind {
			count++
		}
	}
	return count
}

func newTestSampler(source IdleSource, fake *clock.FakeClock, publisher notify.Publisher) *Sampler {
	return New(Config{
		Source:      source,
		IdleTimeout: 10 * time.Minute,
		Clock:       fake,
		Publisher:   publisher,
		Logger:      testLogger(),
	})
}

// sampleAll runs Sample once per scripted reading and returns the
// transition kinds produced.
func sampleAll(sampler *Sampler, count int) []Kind {
	var kinds []Kind
	for range count {
		if transition, ok := sampler.Sample(context.Background()); ok {
			kinds = append(kinds, transition.Kind)
		}
	}
	return kinds
}

func equalKinds(a, b []Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSamplerEdgeTriggered(t *testing.T) {
	tests := []struct {
		name    string
		minutes []int
		want    []Kind
	}{
		{"active then idle", []int{0, 5, 9, 11, 15}, []Kind{BecameActive, BecameIdle}},
		{"idle then active", []int{11, 15, 9, 0}, []Kind{BecameIdle, BecameActive}},
		{"threshold is idle", []int{9, 10}, []Kind{BecameActive, BecameIdle}},
		{"steady active", []int{0, 0, 1, 2, 3}, []Kind{BecameActive}},
		{"flapping", []int{0, 12, 0, 12}, []Kind{BecameActive, BecameIdle, BecameActive, BecameIdle}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			source := NewScriptedIdleSource(Minutes(test.minutes...)...)
			sampler := newTestSampler(source, clock.Fake(epoch), nil)

			got := sampleAll(sampler, len(test.minutes))
			if !equalKinds(got, test.want) {
				t.Errorf("transitions = %v, want %v", got, test.want)
			}
		})
	}
}

func TestSamplerTransitionCarriesReading(t *testing.T) {
	fake := clock.Fake(epoch)
	sampler := newTestSampler(NewScriptedIdleSource(Minutes(12)...), fake, nil)

	transition, ok := sampler.Sample(context.Background())
	if !ok {
		t.Fatal("expected a transition")
	}
	if transition.IdleFor != 12*time.Minute {
		t.Errorf("IdleFor = %v, want 12m", transition.IdleFor)
	}
	if !transition.At.Equal(epoch) {
		t.Errorf("At = %v, want %v", transition.At, epoch)
	}
	if sampler.Last() != Idle {
		t.Errorf("Last = %v, want idle", sampler.Last())
	}
}

func TestSamplerFailureIsNotASignal(t *testing.T) {
	failure := errors.New("display unavailable")
	source := NewScriptedIdleSource(
		Reading{Idle: 0},
		Reading{Err: failure},
		Reading{Err: failure},
		Reading{Idle: time.Minute},
	)
	publisher := &recordingPublisher{}
	sampler := newTestSampler(source, clock.Fake(epoch), publisher)

	got := sampleAll(sampler, 4)
	if !equalKinds(got, []Kind{BecameActive}) {
		t.Errorf("transitions = %v, want only the initial became-active", got)
	}
	if publisher.count(notify.MonitoringDegraded) != 0 {
		t.Error("two failures must not raise degraded monitoring")
	}
}

func TestSamplerDegradedAndRestored(t *testing.T) {
	failure := errors.New("probe exited 1")
	source := NewScriptedIdleSource(
		Reading{Err: failure},
		Reading{Err: failure},
		Reading{Err: failure},
		Reading{Err: failure},
		Reading{Idle: 20 * time.Minute},
	)
	publisher := &recordingPublisher{}
	sampler := newTestSampler(source, clock.Fake(epoch), publisher)

	for range 3 {
		sampler.Sample(context.Background())
	}
	if !sampler.Degraded() {
		t.Fatal("expected degraded after three failures")
	}
	if publisher.count(notify.MonitoringDegraded) != 1 {
		t.Fatalf("degraded notifications = %d, want 1", publisher.count(notify.MonitoringDegraded))
	}

	// A fourth failure does not repeat the warning.
	sampler.Sample(context.Background())
	if publisher.count(notify.MonitoringDegraded) != 1 {
		t.Errorf("degraded notifications = %d after fourth failure, want 1", publisher.count(notify.MonitoringDegraded))
	}

	transition, ok := sampler.Sample(context.Background())
	if !ok || transition.Kind != BecameIdle {
		t.Errorf("first success: got %+v, %v; want became-idle", transition, ok)
	}
	if sampler.Degraded() {
		t.Error("still degraded after success")
	}
	if publisher.count(notify.MonitoringRestored) != 1 {
		t.Errorf("restored notifications = %d, want 1", publisher.count(notify.MonitoringRestored))
	}
}

func TestSamplerActivityUpdateThrottled(t *testing.T) {
	fake := clock.Fake(epoch)
	publisher := &recordingPublisher{}
	sampler := newTestSampler(NewScriptedIdleSource(Minutes(0)...), fake, publisher)

	for range 30 {
		sampler.Sample(context.Background())
		fake.Advance(time.Second)
	}
	if got := publisher.count(notify.ActivityUpdate); got != 1 {
		t.Fatalf("activity updates in 30s = %d, want 1", got)
	}

	fake.Advance(30 * time.Second)
	sampler.Sample(context.Background())
	if got := publisher.count(notify.ActivityUpdate); got != 2 {
		t.Errorf("activity updates after a minute = %d, want 2", got)
	}
}

func TestSamplerIdleProducesNoActivityUpdate(t *testing.T) {
	publisher := &recordingPublisher{}
	sampler := newTestSampler(NewScriptedIdleSource(Minutes(30)...), clock.Fake(epoch), publisher)

	sampler.Sample(context.Background())
	if got := publisher.count(notify.ActivityUpdate); got != 0 {
		t.Errorf("activity updates while idle = %d, want 0", got)
	}
}

func TestSamplerSetIdleTimeout(t *testing.T) {
	source := NewScriptedIdleSource(Minutes(4, 4)...)
	sampler := newTestSampler(source, clock.Fake(epoch), nil)

	if transition, ok := sampler.Sample(context.Background()); !ok || transition.Kind != BecameActive {
		t.Fatalf("first sample: %+v, %v", transition, ok)
	}

	sampler.SetIdleTimeout(3 * time.Minute)
	if sampler.IdleTimeout() != 3*time.Minute {
		t.Fatalf("IdleTimeout = %v, want 3m", sampler.IdleTimeout())
	}
	transition, ok := sampler.Sample(context.Background())
	if !ok || transition.Kind != BecameIdle {
		t.Errorf("after lowering timeout: %+v, %v; want became-idle", transition, ok)
	}
}

func TestSamplerForget(t *testing.T) {
	sampler := newTestSampler(NewScriptedIdleSource(Minutes(0, 0)...), clock.Fake(epoch), nil)

	sampler.Sample(context.Background())
	sampler.Forget()
	if _, ok := sampler.Sample(context.Background()); !ok {
		t.Error("expected the active edge to be re-emitted after Forget")
	}
}

func TestSamplerRun(t *testing.T) {
	fake := clock.Fake(epoch)
	source := NewScriptedIdleSource(Minutes(0, 11)...)
	sampler := newTestSampler(source, fake, nil)

	transitions := make(chan Transition, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sampler.Run(ctx, time.Second, func(ctx context.Context, transition Transition) error {
			transitions <- transition
			return nil
		})
	}()

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	first := testutil.RequireReceive(t, transitions, 5*time.Second, "first transition")
	if first.Kind != BecameActive {
		t.Errorf("first = %s, want became-active", first.Kind)
	}

	fake.Advance(time.Second)
	second := testutil.RequireReceive(t, transitions, 5*time.Second, "second transition")
	if second.Kind != BecameIdle {
		t.Errorf("second = %s, want became-idle", second.Kind)
	}

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "Run did not return after cancel")
}

func TestSamplerRunRetriesRejectedTransition(t *testing.T) {
	fake := clock.Fake(epoch)
	sampler := newTestSampler(NewScriptedIdleSource(Minutes(0)...), fake, nil)

	var mu sync.Mutex
	calls := 0
	accepted := make(chan Transition, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sampler.Run(ctx, time.Second, func(ctx context.Context, transition Transition) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("disk full")
		}
		accepted <- transition
		return nil
	})

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	// The sink ran and failed; the next tick re-emits the same edge.
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	fake.Advance(time.Second)
	got := testutil.RequireReceive(t, accepted, 5*time.Second, "re-emitted transition")
	if got.Kind != BecameActive {
		t.Errorf("re-emitted kind = %s, want became-active", got.Kind)
	}
}

func TestParseMilliseconds(t *testing.T) {
	got, err := parseMilliseconds("61500\n")
	if err != nil {
		t.Fatalf("parseMilliseconds: %v", err)
	}
	if got != 61500*time.Millisecond {
		t.Errorf("got %v, want 1m1.5s", got)
	}
	for _, bad := range []string{"", "abc", "-5"} {
		if _, err := parseMilliseconds(bad); err == nil {
			t.Errorf("parseMilliseconds(%q) succeeded", bad)
		}
	}
}

func TestCommandIdleSource(t *testing.T) {
	source := &CommandIdleSource{Command: []string{"sh", "-c", "echo 4200"}}
	got, err := source.IdleDuration(context.Background())
	if err != nil {
		t.Fatalf("IdleDuration: %v", err)
	}
	if got != 4200*time.Millisecond {
		t.Errorf("got %v, want 4.2s", got)
	}

	failing := &CommandIdleSource{Command: []string{"sh", "-c", "echo no display >&2; exit 1"}}
	if _, err := failing.IdleDuration(context.Background()); err == nil {
		t.Error("expected error from failing probe")
	}
}
