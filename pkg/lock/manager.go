// Package lock implements lease locks on top of a transactional store.
//
// A lock is identified by a resource id and a task kind and held by an opaque
// owner token until its lease expires. Every call is a single attempt: nothing
// here blocks or retries, callers decide when to try again.
//
// The store only isolates writes to records a transaction has read, so two
// callers that both find a lock absent can both commit a record. Obtain and
// Renew therefore re-read the lock after committing; an Obtain that finds it
// does not hold the lock deletes its own records and reports false.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tasklock/pkg/clock"
	"github.com/pixperk/tasklock/pkg/codec"
	"github.com/pixperk/tasklock/pkg/metrics"
	"github.com/pixperk/tasklock/pkg/store"
	"github.com/pixperk/tasklock/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/pixperk/tasklock/pkg/lock")

const (
	opObtain  = "obtain"
	opRenew   = "renew"
	opRelease = "release"
	opInspect = "inspect"
	opRepair  = "repair"
)

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithLogger(l hclog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

type Manager struct {
	store  store.Store
	clock  clock.Clock
	logger hclog.Logger
}

func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		clock:  clock.System{},
		logger: hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("lock")
	return m
}

// Obtain tries to take the lock for ownerToken until now plus the task kind's
// lease timeout. It succeeds when no record exists or the current lease has
// expired. A false result with a nil error means someone else holds the lock;
// a false result with a *Fault means the attempt failed or lost a race.
func (m *Manager) Obtain(ctx context.Context, ownerToken, resourceID string, kind types.TaskKind) (bool, error) {
	if err := validate(ownerToken, resourceID, kind); err != nil {
		return false, err
	}

	ctx, span := m.startSpan(ctx, "Manager.Obtain", ownerToken, resourceID, kind.Name)
	defer span.End()
	start := time.Now()
	log := m.logger.With("resource_id", resourceID, "task_kind", kind.Name, "owner_token", ownerToken)

	log.Debug("lock_acquire_attempt")
	result, err := m.obtain(ctx, log, ownerToken, resourceID, kind)
	m.observe(span, opObtain, kind.Name, start, result, err)
	return result == metrics.ResultAcquired, err
}

func (m *Manager) obtain(ctx context.Context, log hclog.Logger, ownerToken, resourceID string, kind types.TaskKind) (string, error) {
	txn, err := m.store.Begin(ctx, codec.Partition(resourceID, kind.Name))
	if err != nil {
		return metrics.ResultFault, classify(opObtain, resourceID, kind.Name, err)
	}
	defer txn.Rollback(ctx)

	e, err := store.QuerySingle(ctx, txn, codec.LockQuery(resourceID, kind.Name))
	if err != nil {
		return metrics.ResultFault, classify(opObtain, resourceID, kind.Name, err)
	}

	now := m.clock.Now()
	rec := types.LockRecord{
		ResourceID:      resourceID,
		TaskKind:        kind.Name,
		OwnerToken:      ownerToken,
		ExpiresAtMillis: now.Add(kind.LeaseTimeout).UnixMilli(),
	}

	if e == nil {
		e = codec.NewEntity(rec)
	} else {
		current, err := codec.FromEntity(e)
		if err != nil {
			return metrics.ResultFault, classify(opObtain, resourceID, kind.Name, err)
		}
		if !current.IsExpired(now) {
			log.Debug("lock_held", "holder", current.OwnerToken, "remaining", current.Remaining(now))
			return metrics.ResultHeld, nil
		}
		//overwrite in place, the record keeps its key
		log.Debug("lock_expired", "previous_owner", current.OwnerToken, "expired_at", current.ExpiresAtMillis)
		codec.SetRecord(e, rec)
	}

	if _, err := txn.Put(ctx, e); err != nil {
		return metrics.ResultFault, classify(opObtain, resourceID, kind.Name, err)
	}
	if err := txn.Commit(ctx); err != nil {
		return metrics.ResultFault, classify(opObtain, resourceID, kind.Name, err)
	}

	if err := m.verify(ctx, opObtain, ownerToken, resourceID, kind.Name); err != nil {
		log.Warn("lock_integrity_violation", "error", err)
		m.repair(ctx, log, ownerToken, resourceID, kind.Name)
		return metrics.ResultLostRace, err
	}

	log.Debug("lock_acquired", "expires_at", rec.ExpiresAtMillis)
	return metrics.ResultAcquired, nil
}

// Renew extends the lease if ownerToken holds the lock, even when the lease has
// already expired but nobody took it over. A renewal that commits but then
// fails verification returns false with an integrity violation; unlike Obtain
// it leaves the records alone.
func (m *Manager) Renew(ctx context.Context, ownerToken, resourceID string, kind types.TaskKind) (bool, error) {
	if err := validate(ownerToken, resourceID, kind); err != nil {
		return false, err
	}

	ctx, span := m.startSpan(ctx, "Manager.Renew", ownerToken, resourceID, kind.Name)
	defer span.End()
	start := time.Now()
	log := m.logger.With("resource_id", resourceID, "task_kind", kind.Name, "owner_token", ownerToken)

	result, err := m.renew(ctx, log, ownerToken, resourceID, kind)
	m.observe(span, opRenew, kind.Name, start, result, err)
	return result == metrics.ResultRenewed, err
}

func (m *Manager) renew(ctx context.Context, log hclog.Logger, ownerToken, resourceID string, kind types.TaskKind) (string, error) {
	txn, err := m.store.Begin(ctx, codec.Partition(resourceID, kind.Name))
	if err != nil {
		return metrics.ResultFault, classify(opRenew, resourceID, kind.Name, err)
	}
	defer txn.Rollback(ctx)

	e, err := store.QuerySingle(ctx, txn, codec.LockQuery(resourceID, kind.Name))
	if err != nil {
		return metrics.ResultFault, classify(opRenew, resourceID, kind.Name, err)
	}
	if e == nil {
		log.Debug("lock_renew_missing")
		return metrics.ResultNotFound, nil
	}

	current, err := codec.FromEntity(e)
	if err != nil {
		return metrics.ResultFault, classify(opRenew, resourceID, kind.Name, err)
	}
	if current.OwnerToken != ownerToken {
		log.Debug("lock_renew_denied", "holder", current.OwnerToken)
		return metrics.ResultNotOwner, nil
	}

	current.ExpiresAtMillis = clock.ExpiresAtMillis(m.clock, kind.LeaseTimeout)
	codec.SetRecord(e, current)
	if _, err := txn.Put(ctx, e); err != nil {
		return metrics.ResultFault, classify(opRenew, resourceID, kind.Name, err)
	}
	if err := txn.Commit(ctx); err != nil {
		return metrics.ResultFault, classify(opRenew, resourceID, kind.Name, err)
	}

	if err := m.verify(ctx, opRenew, ownerToken, resourceID, kind.Name); err != nil {
		log.Warn("lock_integrity_violation", "error", err)
		return metrics.ResultLostRace, err
	}

	log.Debug("lock_renewed", "expires_at", current.ExpiresAtMillis)
	return metrics.ResultRenewed, nil
}

// Release deletes the lock if ownerToken holds it. Releasing a lock that does
// not exist fails with types.ErrLockNotFound; releasing someone else's lock
// returns false.
func (m *Manager) Release(ctx context.Context, ownerToken, resourceID string, kind types.TaskKind) (bool, error) {
	if err := validateKey(ownerToken, resourceID, kind.Name); err != nil {
		return false, err
	}

	ctx, span := m.startSpan(ctx, "Manager.Release", ownerToken, resourceID, kind.Name)
	defer span.End()
	start := time.Now()
	log := m.logger.With("resource_id", resourceID, "task_kind", kind.Name, "owner_token", ownerToken)

	result, err := m.release(ctx, log, ownerToken, resourceID, kind.Name)
	m.observe(span, opRelease, kind.Name, start, result, err)
	return result == metrics.ResultReleased, err
}

func (m *Manager) release(ctx context.Context, log hclog.Logger, ownerToken, resourceID, taskKind string) (string, error) {
	txn, err := m.store.Begin(ctx, codec.Partition(resourceID, taskKind))
	if err != nil {
		return metrics.ResultFault, classify(opRelease, resourceID, taskKind, err)
	}
	defer txn.Rollback(ctx)

	e, err := store.QuerySingle(ctx, txn, codec.LockQuery(resourceID, taskKind))
	if err != nil {
		return metrics.ResultFault, classify(opRelease, resourceID, taskKind, err)
	}
	if e == nil {
		return metrics.ResultNotFound, fmt.Errorf("release %s/%s: %w", resourceID, taskKind, types.ErrLockNotFound)
	}

	current, err := codec.FromEntity(e)
	if err != nil {
		return metrics.ResultFault, classify(opRelease, resourceID, taskKind, err)
	}
	if current.OwnerToken != ownerToken {
		log.Debug("lock_release_denied", "holder", current.OwnerToken)
		return metrics.ResultNotOwner, nil
	}

	if err := txn.Delete(ctx, e.Key); err != nil {
		return metrics.ResultFault, classify(opRelease, resourceID, taskKind, err)
	}
	if err := txn.Commit(ctx); err != nil {
		return metrics.ResultFault, classify(opRelease, resourceID, taskKind, err)
	}

	log.Debug("lock_released")
	return metrics.ResultReleased, nil
}

// Inspect returns every record stored for the lock, expired or not. More than
// one record means a race is in flight or a repair failed.
func (m *Manager) Inspect(ctx context.Context, resourceID string, kind types.TaskKind) ([]types.LockRecord, error) {
	if resourceID == "" || kind.Name == "" {
		return nil, fmt.Errorf("%w: resource id and task kind are required", types.ErrInvalidArgument)
	}

	ctx, span := tracer.Start(ctx, "Manager.Inspect", trace.WithAttributes(
		attribute.String("tasklock.resource_id", resourceID),
		attribute.String("tasklock.task_kind", kind.Name),
	))
	defer span.End()

	entities, err := m.store.Query(ctx, codec.LockQuery(resourceID, kind.Name))
	if err != nil {
		f := classify(opInspect, resourceID, kind.Name, err)
		span.RecordError(f)
		span.SetStatus(codes.Error, "query failed")
		return nil, f
	}

	records := make([]types.LockRecord, 0, len(entities))
	for _, e := range entities {
		rec, err := codec.FromEntity(e)
		if err != nil {
			return nil, classify(opInspect, resourceID, kind.Name, err)
		}
		records = append(records, rec)
	}
	span.SetAttributes(attribute.Int("tasklock.records", len(records)))
	return records, nil
}

// verify re-reads the lock outside any transaction and checks that ownerToken
// holds it. When racing inserts left several records, the one committed first
// holds the lock and every later committer fails here. No record at all is a
// violation too.
func (m *Manager) verify(ctx context.Context, op, ownerToken, resourceID, taskKind string) error {
	entities, err := m.store.Query(ctx, codec.LockQuery(resourceID, taskKind))
	if err != nil {
		return classify(op, resourceID, taskKind, err)
	}
	e := store.Earliest(entities)
	if e == nil {
		return newFault(types.ErrLockIntegrityViolation, op, resourceID, taskKind, errors.New("record vanished after commit"))
	}

	rec, err := codec.FromEntity(e)
	if err != nil {
		return classify(op, resourceID, taskKind, err)
	}
	if rec.OwnerToken == ownerToken {
		return nil
	}
	if len(entities) > 1 {
		return newFault(types.ErrLockIntegrityViolation, op, resourceID, taskKind,
			fmt.Errorf("%w: first committed record is owned by %q", store.ErrTooManyResults, rec.OwnerToken))
	}
	return newFault(types.ErrLockIntegrityViolation, op, resourceID, taskKind,
		fmt.Errorf("lock is owned by %q, expected %q", rec.OwnerToken, ownerToken))
}

// repair deletes every record of the lock owned by ownerToken in its own
// transaction. Failures are logged and counted, never returned.
func (m *Manager) repair(ctx context.Context, log hclog.Logger, ownerToken, resourceID, taskKind string) {
	//cleanup runs even if the caller gave up
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "Manager.repair")
	defer span.End()

	deleted, err := m.deleteOwned(ctx, ownerToken, resourceID, taskKind)
	if err != nil {
		f := classify(opRepair, resourceID, taskKind, err)
		metrics.RepairTotal.WithLabelValues(taskKind, metrics.ResultFailure).Inc()
		metrics.FaultTotal.WithLabelValues(opRepair, faultLabel(f.Kind)).Inc()
		span.RecordError(f)
		span.SetStatus(codes.Error, "repair failed")
		log.Error("lock_repair_failed", "error", f)
		return
	}

	metrics.RepairTotal.WithLabelValues(taskKind, metrics.ResultSuccess).Inc()
	metrics.RepairDeletedTotal.Add(float64(deleted))
	span.SetAttributes(attribute.Int("tasklock.repair.deleted", deleted))
	log.Info("lock_repair", "deleted", deleted)
}

func (m *Manager) deleteOwned(ctx context.Context, ownerToken, resourceID, taskKind string) (int, error) {
	txn, err := m.store.Begin(ctx, codec.Partition(resourceID, taskKind))
	if err != nil {
		return 0, err
	}
	defer txn.Rollback(ctx)

	entities, err := txn.Query(ctx, codec.LockQuery(resourceID, taskKind))
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, e := range entities {
		if e.Index[codec.PropOwnerToken] != ownerToken {
			continue
		}
		if err := txn.Delete(ctx, e.Key); err != nil {
			return 0, err
		}
		deleted++
	}
	if err := txn.Commit(ctx); err != nil {
		return 0, err
	}
	return deleted, nil
}

func (m *Manager) startSpan(ctx context.Context, name, ownerToken, resourceID, taskKind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("tasklock.resource_id", resourceID),
		attribute.String("tasklock.task_kind", taskKind),
		attribute.String("tasklock.owner_token", ownerToken),
	))
}

// records the outcome of one operation on its span and in metrics
func (m *Manager) observe(span trace.Span, op, taskKind string, start time.Time, result string, err error) {
	metrics.LockOperationDuration.WithLabelValues(op, taskKind).Observe(time.Since(start).Seconds())
	metrics.LockOperationTotal.WithLabelValues(op, taskKind, result).Inc()
	span.SetAttributes(attribute.String("tasklock.result", result))

	var f *Fault
	if errors.As(err, &f) {
		metrics.FaultTotal.WithLabelValues(op, faultLabel(f.Kind)).Inc()
		if errors.Is(f, types.ErrLockIntegrityViolation) {
			metrics.IntegrityViolationTotal.WithLabelValues(op, taskKind).Inc()
		}
	}
	if err != nil && !errors.Is(err, types.ErrLockNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
}

func validateKey(ownerToken, resourceID, taskKind string) error {
	switch {
	case ownerToken == "":
		return fmt.Errorf("%w: owner token is required", types.ErrInvalidArgument)
	case resourceID == "":
		return fmt.Errorf("%w: resource id is required", types.ErrInvalidArgument)
	case taskKind == "":
		return fmt.Errorf("%w: task kind name is required", types.ErrInvalidArgument)
	}
	return nil
}

func validate(ownerToken, resourceID string, kind types.TaskKind) error {
	if err := validateKey(ownerToken, resourceID, kind.Name); err != nil {
		return err
	}
	return kind.Validate()
}
