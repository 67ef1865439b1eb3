package storage

import "errors"

// Named failure kinds. Nothing else crosses the package boundary.
var (
	// ErrPersist wraps storage-down or constraint-violation failures
	// that must abort the caller's operation.
	ErrPersist = errors.New("persist failed")

	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUniquenessConflict signals an idempotent duplicate on a
	// dedupe/intent/trade key. Callers treat it as success.
	ErrUniquenessConflict = errors.New("uniqueness conflict")

	// ErrStaleVersion means a row-version CAS missed: another writer
	// got there first. Re-read and retry or give up.
	ErrStaleVersion = errors.New("stale row version")

	// ErrCooldownActive means the exit episode cooldown has not
	// elapsed for (trade, reason). Expected, not exceptional.
	ErrCooldownActive = errors.New("exit cooldown active")
)
