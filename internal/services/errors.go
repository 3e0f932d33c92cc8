package services

import "errors"

var (
	// ErrValidation covers rejected input before anything is persisted.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition protects the state machine: draft -> sent -> paid,
	// draft|sent -> cancelled, nothing out of a terminal state.
	ErrInvalidTransition = errors.New("invalid invoice state transition")

	// ErrPaymentFailed is a non-recoverable gateway failure. The wrapped
	// message carries the gateway debug id for support escalation.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrInsufficientCapture rejects a capture that settles less than the
	// invoice total.
	ErrInsufficientCapture = errors.New("captured amount below invoice total")
)
