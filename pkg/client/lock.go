package client

import (
	"context"
	"fmt"
	"time"
)

// consecutive failed renewals KeepAlive tolerates before giving up
const maxRenewFailures = 3

// Lock is a lock held by a Client.
type Lock struct {
	client     *Client
	resourceID string
	taskKind   string
	lease      time.Duration // zero if unknown
}

func (l *Lock) ResourceID() string {
	return l.resourceID
}

func (l *Lock) TaskKind() string {
	return l.taskKind
}

// Renew extends the lease once. It returns ErrLockLost if the lock is no
// longer held.
func (l *Lock) Renew(ctx context.Context) error {
	ok, err := l.client.Renew(ctx, l.resourceID, l.taskKind)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrLockLost, l.resourceID, l.taskKind)
	}
	return nil
}

func (l *Lock) Release(ctx context.Context) error {
	ok, err := l.client.Release(ctx, l.resourceID, l.taskKind)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrLockLost, l.resourceID, l.taskKind)
	}
	return nil
}

// Lease is the lease granted on every renewal, zero if the server did not
// report it.
func (l *Lock) Lease() time.Duration {
	return l.lease
}

func (l *Lock) renewInterval() time.Duration {
	if l.lease > 0 {
		return l.lease / 3
	}
	return l.client.renewInterval
}

// KeepAlive renews the lease every third of the lease timeout until ctx is
// done or the lock is lost. It returns ctx's error in the first case and
// ErrLockLost, or the last renewal error, in the second.
func (l *Lock) KeepAlive(ctx context.Context) error {
	ticker := time.NewTicker(l.renewInterval())
	defer ticker.Stop()

	log := l.client.logger.With("resource_id", l.resourceID, "task_kind", l.taskKind)
	var failureCount int

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ok, err := l.client.Renew(ctx, l.resourceID, l.taskKind)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failureCount++
			log.Warn("renew failed", "attempt", failureCount, "error", err)
			if failureCount >= maxRenewFailures {
				log.Error("giving up on lock, lease may expire", "attempts", failureCount)
				return err
			}
			continue
		}
		if !ok {
			log.Warn("lock lost")
			return fmt.Errorf("%w: %s/%s", ErrLockLost, l.resourceID, l.taskKind)
		}

		//a success clears earlier failures
		if failureCount > 0 {
			log.Info("renew recovered", "failures", failureCount)
			failureCount = 0
		}
	}
}
