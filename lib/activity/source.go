// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// IdleSource reports the time elapsed since the last user input.
// Implementations may fail transiently.
type IdleSource interface {
	IdleDuration(ctx context.Context) (time.Duration, error)
}

// CommandIdleSource runs an external probe that prints the idle time
// in milliseconds on stdout, such as xprintidle on X11.
type CommandIdleSource struct {
	// Command is the argv of the probe. Command[0] is resolved
	// through PATH.
	Command []string

	// Timeout bounds one probe run. Zero means two seconds.
	Timeout time.Duration
}

// IdleDuration runs the probe once.
func (s *CommandIdleSource) IdleDuration(ctx context.Context) (time.Duration, error) {
	if len(s.Command) == 0 {
		return 0, errors.New("idle command is empty")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return 0, fmt.Errorf("running %s: %w: %s", s.Command[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return 0, fmt.Errorf("running %s: %w", s.Command[0], err)
	}
	return parseMilliseconds(string(output))
}

func parseMilliseconds(output string) (time.Duration, error) {
	trimmed := strings.TrimSpace(output)
	milliseconds, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing idle milliseconds %q: %w", trimmed, err)
	}
	if milliseconds < 0 {
		return 0, fmt.Errorf("negative idle time %d", milliseconds)
	}
	return time.Duration(milliseconds) * time.Millisecond, nil
}

// Reading is one scripted result for [ScriptedIdleSource].
type Reading struct {
	Idle time.Duration
	Err  error
}

// ScriptedIdleSource replays a fixed list of readings, then repeats
// the last one. It is used by tests and by the agent's --idle-script
// development flag.
type ScriptedIdleSource struct {
	mu       sync.Mutex
	readings []Reading
	next     int
}

// NewScriptedIdleSource returns a source that replays readings.
func NewScriptedIdleSource(readings ...Reading) *ScriptedIdleSource {
	return &ScriptedIdleSource{readings: readings}
}

// Minutes is shorthand for a script of successful readings given in
// whole minutes.
func Minutes(values ...int) []Reading {
	readings := make([]Reading, len(values))
	for i, value := range values {
		readings[i] = Reading{Idle: time.Duration(value) * time.Minute}
	}
	return readings
}

// Append adds readings to the end of the script.
func (s *ScriptedIdleSource) Append(readings ...Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, readings...)
}

// IdleDuration returns the next scripted reading.
func (s *ScriptedIdleSource) IdleDuration(ctx context.Context) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readings) == 0 {
		return 0, errors.New("no scripted readings")
	}
	index := s.next
	if index >= len(s.readings) {
		index = len(s.readings) - 1
	} else {
		s.next++
	}
	reading := s.readings[index]
	return reading.Idle, reading.Err
}
