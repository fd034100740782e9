package types

import (
	"fmt"
	"time"
)

// a lock record is the persisted lease on one (resource, task kind) pair
// it is overwritten in place on takeover and renewal and deleted on release
// at most one live record per logical key is intended but not enforced by the
// store; the lock manager detects and repairs duplicates
type LockRecord struct {
	ResourceID      string
	TaskKind        string
	OwnerToken      string
	ExpiresAtMillis int64 // absolute epoch millis
}

// checks if the lease was abandoned as of now
// strictly after expiry: a lease expiring at t is still live at t
func (r LockRecord) IsExpired(now time.Time) bool {
	return now.UnixMilli() > r.ExpiresAtMillis
}

func (r LockRecord) ExpiresAt() time.Time {
	return time.UnixMilli(r.ExpiresAtMillis)
}

// time left on the lease, negative once expired
func (r LockRecord) Remaining(now time.Time) time.Duration {
	return time.Duration(r.ExpiresAtMillis-now.UnixMilli()) * time.Millisecond
}

func (r LockRecord) String() string {
	return fmt.Sprintf("%s/%s owned by %q until %d", r.ResourceID, r.TaskKind, r.OwnerToken, r.ExpiresAtMillis)
}

// a task kind identifies a class of recurring task and its default lease duration
type TaskKind struct {
	Name         string
	LeaseTimeout time.Duration
}

func (k TaskKind) LeaseTimeoutMillis() int64 {
	return k.LeaseTimeout.Milliseconds()
}

func (k TaskKind) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("%w: task kind name is required", ErrInvalidArgument)
	}
	if k.LeaseTimeout <= 0 {
		return fmt.Errorf("%w: task kind %q has lease timeout %s", ErrInvalidLeaseTimeout, k.Name, k.LeaseTimeout)
	}
	return nil
}
