package types

import "errors"

var (
	// Argument errors
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInvalidLeaseTimeout = errors.New("invalid lease timeout")
	ErrUnknownTaskKind     = errors.New("unknown task kind")

	// Lock errors
	ErrLockNotFound = errors.New("lock not found")

	// Fault kinds
	// transaction context invalidated (expired or finished) before the write completed
	ErrTransactionNotActive = errors.New("transaction was no longer active")
	// more than one record matches a logical lock key
	ErrMultipleRecordsFound = errors.New("multiple lock records found")
	// post-commit verification found another owner
	ErrLockIntegrityViolation = errors.New("lock integrity violation")
	// an optimistic commit lost to a concurrent writer
	ErrConcurrentModification = errors.New("concurrent modification")
	// anything else the store failed with
	ErrStore = errors.New("store failure")
)
