package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/pixperk/tasklock/pkg/clock"
	"github.com/pixperk/tasklock/pkg/fsm"
	"github.com/pixperk/tasklock/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kind = "THING"

func newStore(t *testing.T, opts ...store.Option) store.Store {
	t.Helper()
	s := store.New(fsm.NewLocal(), opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func thing(name string) *store.Entity {
	return &store.Entity{
		Key:   store.Key{Kind: kind},
		Index: map[string]string{"name": name},
		Data:  []byte(name),
	}
}

func byName(name string) store.Query {
	return store.NewQuery(kind).Eq("name", name)
}

func TestPutAssignsKey(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.WithIDGenerator(func() string { return "fixed-id" }))

	txn, err := s.Begin(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", txn.Partition())

	e := thing("a")
	key, err := txn.Put(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, store.Key{Kind: kind, Partition: "p1", ID: "fixed-id"}, key)
	assert.Equal(t, key, e.Key, "put completes the caller's key")

	// nothing is visible before commit
	got, err := s.Query(ctx, byName("a"))
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, txn.Commit(ctx))

	got, err = s.Query(ctx, byName("a"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Version)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	txn, err := s.Begin(ctx, "p1")
	require.NoError(t, err)
	_, err = txn.Put(ctx, thing("a"))
	require.NoError(t, err)
	require.NoError(t, txn.Rollback(ctx))
	require.NoError(t, txn.Rollback(ctx), "rollback is idempotent")

	got, err := s.Query(ctx, byName("a"))
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.ErrorIs(t, txn.Commit(ctx), store.ErrTransactionNotActive)
}

func TestFinishedTransactionIsInactive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	txn, err := s.Begin(ctx, "p1")
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	_, err = txn.Put(ctx, thing("a"))
	assert.ErrorIs(t, err, store.ErrTransactionNotActive)
	_, err = txn.Query(ctx, byName("a"))
	assert.ErrorIs(t, err, store.ErrTransactionNotActive)
	assert.ErrorIs(t, txn.Commit(ctx), store.ErrTransactionNotActive)
}

func TestValidityWindow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManualMillis(0)
	s := newStore(t, store.WithClock(clk), store.WithTxnTimeout(time.Second))

	txn, err := s.Begin(ctx, "p1")
	require.NoError(t, err)
	_, err = txn.Put(ctx, thing("a"))
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = txn.Put(ctx, thing("b"))
	require.NoError(t, err, "still valid at the deadline")

	clk.Advance(time.Millisecond)
	assert.ErrorIs(t, txn.Commit(ctx), store.ErrTransactionNotActive)

	got, err := s.Query(ctx, store.NewQuery(kind))
	require.NoError(t, err)
	assert.Empty(t, got, "expired transaction must not write")
}

func TestOverwriteConflict(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	seed, _ := s.Begin(ctx, "p1")
	_, err := seed.Put(ctx, thing("a"))
	require.NoError(t, err)
	require.NoError(t, seed.Commit(ctx))

	// two transactions read the same version
	t1, _ := s.Begin(ctx, "p1")
	t2, _ := s.Begin(ctx, "p1")
	e1, err := store.QuerySingle(ctx, t1, byName("a"))
	require.NoError(t, err)
	e2, err := store.QuerySingle(ctx, t2, byName("a"))
	require.NoError(t, err)

	e1.Data = []byte("first")
	_, err = t1.Put(ctx, e1)
	require.NoError(t, err)
	e2.Data = []byte("second")
	_, err = t2.Put(ctx, e2)
	require.NoError(t, err)

	require.NoError(t, t1.Commit(ctx))
	assert.ErrorIs(t, t2.Commit(ctx), store.ErrConcurrentModification)

	got, err := store.QuerySingle(ctx, s, byName("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got.Data)
	assert.Equal(t, uint64(2), got.Version)
}

func TestDeleteOfReadEntityIsChecked(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	seed, _ := s.Begin(ctx, "p1")
	_, err := seed.Put(ctx, thing("a"))
	require.NoError(t, err)
	require.NoError(t, seed.Commit(ctx))

	deleter, _ := s.Begin(ctx, "p1")
	e, err := store.QuerySingle(ctx, deleter, byName("a"))
	require.NoError(t, err)
	require.NoError(t, deleter.Delete(ctx, e.Key))

	// someone overwrites it first
	writer, _ := s.Begin(ctx, "p1")
	w, _ := store.QuerySingle(ctx, writer, byName("a"))
	_, err = writer.Put(ctx, w)
	require.NoError(t, err)
	require.NoError(t, writer.Commit(ctx))

	assert.ErrorIs(t, deleter.Commit(ctx), store.ErrConcurrentModification)
}

func TestConcurrentInsertsBothCommit(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// phantoms are not detected: both see nothing and both insert
	t1, _ := s.Begin(ctx, "p1")
	t2, _ := s.Begin(ctx, "p1")
	for _, txn := range []store.Txn{t1, t2} {
		got, err := store.QuerySingle(ctx, txn, byName("a"))
		require.NoError(t, err)
		require.Nil(t, got)
		_, err = txn.Put(ctx, thing("a"))
		require.NoError(t, err)
	}
	require.NoError(t, t1.Commit(ctx))
	require.NoError(t, t2.Commit(ctx))

	_, err := store.QuerySingle(ctx, s, byName("a"))
	assert.ErrorIs(t, err, store.ErrTooManyResults)
}

func TestInvalidWrites(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	txn, _ := s.Begin(ctx, "p1")

	_, err := txn.Put(ctx, &store.Entity{})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
	assert.ErrorIs(t, txn.Delete(ctx, store.Key{Kind: kind}), store.ErrInvalidEntity)
}

func TestQueryMatches(t *testing.T) {
	e := thing("a")
	e.Index["color"] = "red"

	assert.True(t, store.NewQuery(kind).Matches(e))
	assert.True(t, byName("a").Eq("color", "red").Matches(e))
	assert.False(t, byName("a").Eq("color", "blue").Matches(e))
	assert.False(t, store.NewQuery("OTHER").Matches(e))

	base := byName("a")
	_ = base.Eq("color", "blue")
	assert.Len(t, base.Filters, 1, "Eq must not alias the receiver's filters")
}
