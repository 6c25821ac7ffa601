package event

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class buckets a processing failure into the pipeline's error taxonomy.
// The class decides the handling path: retry, dead-letter, backpressure
// or instance halt.
type Class int

const (
	// ClassTransient covers network hiccups and timeouts. Retried with
	// bounded exponential backoff.
	ClassTransient Class = iota
	// ClassPermanent covers malformed events, schema mismatches and
	// transform faults. Routed to dead-letter immediately, never retried.
	ClassPermanent
	// ClassResource covers an unwritable sink or a saturated queue.
	// Triggers backpressure; never silent data loss.
	ClassResource
	// ClassFatal covers authorization failures and invalid configuration.
	// The instance halts and raises an alert.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassResource:
		return "resource"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its taxonomy class so callers up the
// stack can pick a handling path with errors.As.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// Permanent wraps err as dead-letterable.
func Permanent(err error) error {
	return &ClassifiedError{Class: ClassPermanent, Err: err}
}

// Resource wraps err as a resource-exhaustion condition.
func Resource(err error) error {
	return &ClassifiedError{Class: ClassResource, Err: err}
}

// Fatal wraps err as unrecoverable.
func Fatal(err error) error {
	return &ClassifiedError{Class: ClassFatal, Err: err}
}

// Classify returns the taxonomy class of err. Unwrapped timeouts and
// network errors default to transient; anything unclassified is treated as
// permanent so it cannot loop forever in a retry path.
func Classify(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	return ClassPermanent
}
