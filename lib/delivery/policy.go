// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"errors"
	"net/http"
	"time"

	"github.com/remodance/remodance/lib/fault"
)

// RetryPolicy computes backoff delays.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the wait after a failure of an entry that had already
// failed attempts times: BaseDelay * 2^attempts, capped at MaxDelay.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := p.BaseDelay
	for range attempts {
		if delay >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Outcome is the classification of one send attempt.
type Outcome int

const (
	// Delivered: the collector accepted the event.
	Delivered Outcome = iota

	// Retry: a transient failure. The entry is retried with backoff.
	Retry

	// Rejected: a definite 4xx rejection other than authentication.
	// Retried like Retry, reported distinctly.
	Rejected

	// Pause: the failure cannot be fixed by retrying (authentication,
	// unusable endpoint). The queue pauses without consuming an
	// attempt.
	Pause
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retry:
		return "retry"
	case Rejected:
		return "rejected"
	case Pause:
		return "pause"
	default:
		return "unknown"
	}
}

// Classify maps a Send error to an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Delivered
	}

	var statusError *StatusError
	if errors.As(err, &statusError) {
		code := statusError.StatusCode
		switch {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return Pause
		case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
			return Retry
		case code >= 400 && code < 500:
			return Rejected
		default:
			return Retry
		}
	}

	if fault.Is(err, fault.CategoryConfiguration) {
		return Pause
	}
	return Retry
}
