package lock

import (
	"errors"
	"fmt"

	"github.com/pixperk/tasklock/pkg/store"
	"github.com/pixperk/tasklock/pkg/types"
)

// Fault is a classified failure of a lock operation. errors.Is matches both
// the fault kind (one of the types.Err* fault sentinels) and the cause.
type Fault struct {
	Kind       error
	Op         string
	ResourceID string
	TaskKind   string
	Err        error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("%s %s/%s: %v", f.Op, f.ResourceID, f.TaskKind, f.Kind)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}

// Label names the fault kind, as used in metrics.
func (f *Fault) Label() string {
	return faultLabel(f.Kind)
}

func newFault(kind error, op, resourceID, taskKind string, err error) *Fault {
	return &Fault{
		Kind:       kind,
		Op:         op,
		ResourceID: resourceID,
		TaskKind:   taskKind,
		Err:        err,
	}
}

// classify maps a store error to its fault kind
func classify(op, resourceID, taskKind string, err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	kind := types.ErrStore
	switch {
	case errors.Is(err, store.ErrTransactionNotActive):
		kind = types.ErrTransactionNotActive
	case errors.Is(err, store.ErrTooManyResults):
		kind = types.ErrMultipleRecordsFound
	case errors.Is(err, store.ErrConcurrentModification):
		kind = types.ErrConcurrentModification
	}
	return newFault(kind, op, resourceID, taskKind, err)
}

// metric label for a fault kind
func faultLabel(kind error) string {
	switch kind {
	case types.ErrTransactionNotActive:
		return "transaction_not_active"
	case types.ErrMultipleRecordsFound:
		return "multiple_records_found"
	case types.ErrLockIntegrityViolation:
		return "lock_integrity_violation"
	case types.ErrConcurrentModification:
		return "concurrent_modification"
	default:
		return "store"
	}
}
