// SPDX-License-Identifier: GPL-3.0-or-later

package pipes

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigInvalid indicates a rejected pipe or flow set definition.
	ErrConfigInvalid = errors.New("pipes: invalid configuration")

	// ErrResourceExhausted indicates that a heap or a flow table is full.
	ErrResourceExhausted = errors.New("pipes: resource exhausted")

	// ErrHeapFull is returned by [*Heap.Insert] when the heap is at capacity.
	ErrHeapFull = fmt.Errorf("%w: heap is full", ErrResourceExhausted)

	// ErrClockRegression indicates that [*Scheduler.Advance] did not move forward.
	ErrClockRegression = errors.New("pipes: clock regression")

	// ErrInvariantViolation indicates inconsistent internal state.
	ErrInvariantViolation = errors.New("pipes: internal invariant violation")

	// ErrNoSuchPipe indicates that a pipe number is not configured.
	ErrNoSuchPipe = errors.New("pipes: no such pipe")

	// ErrNoSuchFlowSet indicates that a flow set number is not configured.
	ErrNoSuchFlowSet = errors.New("pipes: no such flow set")
)

// ConfigError describes why a definition was rejected.
//
// It unwraps to [ErrConfigInvalid].
type ConfigError struct {
	// Object is either "pipe" or "flowset".
	Object string

	// Number is the pipe or flow set number.
	Number int

	// Field is the offending field name.
	Field string

	// Reason explains the problem.
	Reason string
}

// Error implements error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipes: invalid %s %d: %s: %s", e.Object, e.Number, e.Field, e.Reason)
}

// Unwrap allows [errors.Is] to match [ErrConfigInvalid].
func (e *ConfigError) Unwrap() error {
	return ErrConfigInvalid
}
