package domain

import "errors"

var (
	// ErrInvalidSubscription rejects registration with a malformed
	// destination URL. Surfaced synchronously to the caller.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrAlreadyDelivered rejects replay of a delivered record, so
	// operators notice the mistake instead of duplicating side effects
	// on the receiver.
	ErrAlreadyDelivered = errors.New("delivery already delivered")

	// ErrNotFound is returned when a subscription or delivery id is
	// unknown.
	ErrNotFound = errors.New("not found")

	// ErrAttemptInFlight guards the one concurrency invariant the ledger
	// enforces: at most one attempt touches a delivery's state at a time.
	ErrAttemptInFlight = errors.New("delivery attempt already in flight")
)
