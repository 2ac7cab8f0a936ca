package concurrency_test

import (
	"context"
	"testing"

	"dinolock/pkg/concurrency"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSufficientLockHeld(t *testing.T) {
	t.Run("SharedFromNothing", testEnsureSharedFromNothing)
	t.Run("ExclusiveFromNothing", testEnsureExclusiveFromNothing)
	t.Run("SharedThenExclusive", testEnsureSharedThenExclusive)
	t.Run("AncestorSufficient", testEnsureAncestorSufficient)
	t.Run("IntentExclusiveToSIX", testEnsureIntentExclusiveToSIX)
	t.Run("IntentSharedEscalates", testEnsureIntentSharedEscalates)
	t.Run("ExclusiveOverChildren", testEnsureExclusiveOverChildren)
	t.Run("SharedAncestorToSIX", testEnsureSharedAncestorToSIX)
	t.Run("AlreadyHeld", testEnsureAlreadyHeld)
	t.Run("NoOp", testEnsureNoOp)
	t.Run("BadRequest", testEnsureBadRequest)
}

func setupEnsure(t *testing.T) (*concurrency.LockManager, *concurrency.Transaction) {
	t.Parallel()
	return concurrency.NewLockManager(), newTxn(1)
}

func ensure(t *testing.T, lm *concurrency.LockManager, txn *concurrency.Transaction, path string, lockType concurrency.LockType) {
	t.Helper()
	lc := contextFor(t, lm, path)
	require.NoError(t, concurrency.EnsureSufficientLockHeld(context.Background(), txn, lc, lockType))
	assert.True(t, concurrency.Substitutable(lc.GetEffectiveLockType(txn), lockType),
		"effective %s on %s does not cover %s", lc.GetEffectiveLockType(txn), path, lockType)
	checkInvariants(t, lm, txn)
}

func testEnsureSharedFromNothing(t *testing.T) {
	lm, t1 := setupEnsure(t)
	ensure(t, lm, t1, "database/T1", concurrency.S)
	assert.Equal(t, map[string]concurrency.LockType{
		"database":    concurrency.IS,
		"database/T1": concurrency.S,
	}, heldLocks(lm, t1))
}

func testEnsureExclusiveFromNothing(t *testing.T) {
	lm, t1 := setupEnsure(t)
	ensure(t, lm, t1, "database/T1/page3", concurrency.X)
	assert.Equal(t, map[string]concurrency.LockType{
		"database":          concurrency.IX,
		"database/T1":       concurrency.IX,
		"database/T1/page3": concurrency.X,
	}, heldLocks(lm, t1))
}

func testEnsureSharedThenExclusive(t *testing.T) {
	lm, t1 := setupEnsure(t)
	ensure(t, lm, t1, "database/T1/page3", concurrency.S)
	ensure(t, lm, t1, "database/T1/page3", concurrency.X)
	assert.Equal(t, map[string]concurrency.LockType{
		"database":          concurrency.IX,
		"database/T1":       concurrency.IX,
		"database/T1/page3": concurrency.X,
	}, heldLocks(lm, t1))
}

func testEnsureAncestorSufficient(t *testing.T) {
	lm, t1 := setupEnsure(t)
	t2 := newTxn(2)
	ctx := context.Background()
	require.NoError(t, lm.Context(concurrency.DatabaseResource).Acquire(ctx, t1, concurrency.S))
	ensure(t, lm, t1, "database/T1/page3", concurrency.S)
	assert.Equal(t, map[string]concurrency.LockType{"database": concurrency.S}, heldLocks(lm, t1))

	lm2 := concurrency.NewLockManager()
	require.NoError(t, lm2.Context(concurrency.DatabaseResource).Acquire(ctx, t2, concurrency.IX))
	require.NoError(t, contextFor(t, lm2, "database/T1").Acquire(ctx, t2, concurrency.X))
	ensure(t, lm2, t2, "database/T1/page3", concurrency.X)
	ensure(t, lm2, t2, "database/T1/page3", concurrency.S)
	assert.Equal(t, map[string]concurrency.LockType{
		"database":    concurrency.IX,
		"database/T1": concurrency.X,
	}, heldLocks(lm2, t2))
}

func testEnsureIntentExclusiveToSIX(t *testing.T) {
	lm, t1 := setupEnsure(t)
	ensure(t, lm, t1, "database/T1/page1", concurrency.X)
	ensure(t, lm, t1, "database/T1", concurrency.S)
	assert.Equal(t, map[string]concurrency.LockType{
		"database":          concurrency.IX,
		"database/T1":       concurrency.SIX,
		"database/T1/page1": concurrency.X,
	}, heldLocks(lm, t1))
}

func testEnsureIntentSharedEscalates(t *testing.T) {
	lm, t1 := setupEnsure(t)
	ensure(t, lm, t1, "database/T1/page1", concurrency.S)
	ensure(t, lm, t1, "database/T1/page2", concurrency.S)
	ensure(t, lm, t1, "database/T1", concurrency.S)
	assert.Equal(t, map[string]concurrency.LockType{
		"database":    concurrency.IS,
		"database/T1": concurrency.S,
	}, heldLocks(lm, t1))
	assert.Equal(t, 0, contextFor(t, lm, "database/T1").GetNumChildren(t1))
	assert.Equal(t, 1, lm.Context(concurrency.DatabaseResource).GetNumChildren(t1))
}

func testEnsureExclusiveOverChildren(t *testing.T) {
	lm, t1 := setupEnsure(t)
	ensure(t, lm, t1, "database/T1/page1", concurrency.S)
	ensure(t, lm, t1, "database/T1/page2", concurrency.X)
	ensure(t, lm, t1, "database/T1", concurrency.X)
	assert.Equal(t, map[string]concurrency.LockType{
		"database":    concurrency.IX,
		"database/T1": concurrency.X,
	}, heldLocks(lm, t1))
}

func testEnsureSharedAncestorToSIX(t *testing.T) {
	lm, t1 := setupEnsure(t)
	ensure(t, lm, t1, "database/T1", concurrency.S)
	ensure(t, lm, t1, "database/T1/page1", concurrency.X)
	assert.Equal(t, map[string]concurrency.LockType{
		"database":          concurrency.IX,
		"database/T1":       concurrency.SIX,
		"database/T1/page1": concurrency.X,
	}, heldLocks(lm, t1))
	// Reads anywhere below the SIX need nothing more.
	ensure(t, lm, t1, "database/T1/page2", concurrency.S)
	assert.Len(t, heldLocks(lm, t1), 3)
}

func testEnsureAlreadyHeld(t *testing.T) {
	sink := &recordingSink{}
	t.Parallel()
	lm := concurrency.NewLockManager(concurrency.WithEventSink(sink))
	t1 := newTxn(1)
	ensure(t, lm, t1, "database/T1", concurrency.X)
	n := sink.Len()
	ensure(t, lm, t1, "database/T1", concurrency.X)
	ensure(t, lm, t1, "database/T1", concurrency.S)
	assert.Equal(t, n, sink.Len())
}

func testEnsureNoOp(t *testing.T) {
	lm, t1 := setupEnsure(t)
	ctx := context.Background()
	lc := contextFor(t, lm, "database/T1")
	require.NoError(t, concurrency.EnsureSufficientLockHeld(ctx, t1, lc, concurrency.NL))
	require.NoError(t, concurrency.EnsureSufficientLockHeld(ctx, nil, lc, concurrency.X))
	require.NoError(t, concurrency.EnsureSufficientLockHeld(ctx, t1, nil, concurrency.X))
	assert.Empty(t, lm.GetTransactionLocks(t1))
}

func testEnsureBadRequest(t *testing.T) {
	lm, t1 := setupEnsure(t)
	lc := contextFor(t, lm, "database/T1")
	for _, lockType := range []concurrency.LockType{concurrency.IS, concurrency.IX, concurrency.SIX, concurrency.LockType(42)} {
		err := concurrency.EnsureSufficientLockHeld(context.Background(), t1, lc, lockType)
		require.Error(t, err)
		assert.True(t, errors.HasAssertionFailure(err), "%s: %v", lockType, err)
	}
	assert.Empty(t, lm.GetTransactionLocks(t1))
}
