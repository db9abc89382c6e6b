// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault classifies agent errors by how the operator should
// react to them.
//
// Four categories cover every failure the agent reports:
//
//   - [CategoryTransient]: idle-source read failures, network
//     unreachable, timeouts, 5xx. Retried with backoff; shown only as
//     an "offline" or "degraded" indicator.
//   - [CategoryConfiguration]: rejected credentials, malformed
//     endpoint, invalid settings. Delivery pauses; the UI shows an
//     error banner with a remediation hint.
//   - [CategoryDurability]: the queue or status record could not be
//     persisted. The operation that needed it fails and nothing in
//     memory changes.
//   - [CategoryPermanent]: an event exhausted its retry budget and was
//     set aside for inspection.
//
// Errors of other origins have no category; [CategoryOf] reports them
// as [CategoryInternal].
package fault

import (
	"errors"
	"fmt"
)

// Category is the operator-facing class of an error.
type Category string

const (
	CategoryTransient     Category = "transient"
	CategoryConfiguration Category = "configuration"
	CategoryDurability    Category = "durability"
	CategoryPermanent     Category = "permanent"
	CategoryInternal      Category = "internal"
)

// Error is a categorized error. It wraps the underlying cause so
// errors.Is and errors.As still see it.
type Error struct {
	Category Category

	// Op names the operation that failed ("enqueue", "deliver event 7").
	Op string

	// Hint is a remediation hint for the UI banner. May be empty.
	Hint string

	Err error
}

// Error returns "op: cause". The hint is carried separately.
func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

// WithHint sets the remediation hint and returns the receiver.
func (e *Error) WithHint(format string, args ...any) *Error {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

// Transient wraps err as a transient failure of op.
func Transient(op string, err error) *Error {
	return &Error{Category: CategoryTransient, Op: op, Err: err}
}

// Configuration wraps err as a configuration failure of op.
func Configuration(op string, err error) *Error {
	return &Error{Category: CategoryConfiguration, Op: op, Err: err}
}

// Durability wraps err as a durability failure of op.
func Durability(op string, err error) *Error {
	return &Error{Category: CategoryDurability, Op: op, Err: err}
}

// Permanent wraps err as a permanent delivery failure of op.
func Permanent(op string, err error) *Error {
	return &Error{Category: CategoryPermanent, Op: op, Err: err}
}

// CategoryOf returns the category of the outermost *Error in err's
// chain, or CategoryInternal if there is none.
func CategoryOf(err error) Category {
	var faultError *Error
	if errors.As(err, &faultError) {
		return faultError.Category
	}
	return CategoryInternal
}

// HintOf returns the first non-empty hint in err's chain.
func HintOf(err error) string {
	for err != nil {
		var faultError *Error
		if !errors.As(err, &faultError) {
			return ""
		}
		if faultError.Hint != "" {
			return faultError.Hint
		}
		err = faultError.Err
	}
	return ""
}

// Is reports whether err carries the given category.
func Is(err error, category Category) bool {
	return CategoryOf(err) == category
}
