package service

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is the default reason reported by a closed service
	ErrClosed = errors.New("service closed")

	// ErrBackpressureExceeded is returned when Call is invoked without a
	// preceding Ready observation
	ErrBackpressureExceeded = errors.New("backpressure exceeded: call issued without readiness")

	// ErrWorkerTerminated is returned for requests that can no longer be served
	// because the batch worker stopped
	ErrWorkerTerminated = errors.New("batch worker terminated")

	// ErrOutcomeMismatch is the fatal batch/outcome length violation
	ErrOutcomeMismatch = errors.New("batch outcome count mismatch")

	// ErrFallbackExhausted is returned when both primary and fallback failed
	ErrFallbackExhausted = errors.New("primary and fallback both failed")
)

// InnerServiceError wraps an error produced by a wrapped service.
// The inner error is kept verbatim and reachable through errors.Is/As.
type InnerServiceError struct {
	Err error
}

func (e *InnerServiceError) Error() string {
	return fmt.Sprintf("inner service: %v", e.Err)
}

func (e *InnerServiceError) Unwrap() error {
	return e.Err
}

// TerminatedError is delivered to every request failed by worker termination
type TerminatedError struct {
	Cause error
}

func (e *TerminatedError) Error() string {
	if e.Cause == nil {
		return ErrWorkerTerminated.Error()
	}
	return fmt.Sprintf("%s: %v", ErrWorkerTerminated.Error(), e.Cause)
}

func (e *TerminatedError) Is(target error) bool {
	return target == ErrWorkerTerminated
}

func (e *TerminatedError) Unwrap() error {
	return e.Cause
}

// MismatchError reports a batch whose outcome count differs from its size
type MismatchError struct {
	Want int
	Got  int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: batch has %d entries, got %d outcomes", ErrOutcomeMismatch.Error(), e.Want, e.Got)
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrOutcomeMismatch
}

// ExhaustedError carries the failures of both routes
type ExhaustedError struct {
	Primary  error
	Fallback error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: primary: %v; fallback: %v", ErrFallbackExhausted.Error(), e.Primary, e.Fallback)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrFallbackExhausted
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Primary != nil {
		errs = append(errs, e.Primary)
	}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	return errs
}

// IsPermanent returns true for conditions that will not clear on retry
func IsPermanent(err error) bool {
	return errors.Is(err, ErrWorkerTerminated) ||
		errors.Is(err, ErrFallbackExhausted) ||
		errors.Is(err, ErrClosed)
}

// IsTransient returns true for inner service failures the caller may retry
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	var inner *InnerServiceError
	return errors.As(err, &inner)
}
