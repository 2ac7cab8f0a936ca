package concurrency_test

import (
	"sync"
	"testing"
	"time"

	"dinolock/pkg/concurrency"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var DELAY_TIME = 10 * time.Millisecond

// recordingSink keeps every event the lock manager reports.
type recordingSink struct {
	mtx    sync.Mutex
	events []concurrency.Event
}

func (s *recordingSink) Record(ev concurrency.Event) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Events() []concurrency.Event {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]concurrency.Event(nil), s.events...)
}

func (s *recordingSink) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.events)
}

func newTxn(n int64) *concurrency.Transaction {
	return concurrency.NewTransaction(n, uuid.New())
}

// contextFor returns the lock context of the resource named `path`.
func contextFor(t *testing.T, lm *concurrency.LockManager, path string) *concurrency.LockContext {
	t.Helper()
	return concurrency.FromResourceName(lm, mustName(t, path))
}

// heldLocks returns the locks of `txn` as "name:TYPE" strings.
func heldLocks(lm *concurrency.LockManager, txn *concurrency.Transaction) map[string]concurrency.LockType {
	held := make(map[string]concurrency.LockType)
	for _, l := range lm.GetTransactionLocks(txn) {
		held[l.Name.String()] = l.Type
	}
	return held
}

// checkInvariants verifies the multigranularity, SIX and child counter
// invariants for `txn` against the lock manager's state.
func checkInvariants(t *testing.T, lm *concurrency.LockManager, txn *concurrency.Transaction) {
	t.Helper()
	locks := lm.GetTransactionLocks(txn)
	children := make(map[string]int)
	nodes := make(map[string]concurrency.ResourceName)
	for _, l := range locks {
		nodes[l.Name.String()] = l.Name
		parent, ok := l.Name.Parent()
		if !ok {
			continue
		}
		children[parent.String()]++
		nodes[parent.String()] = parent

		parentType := lm.GetLockType(txn, parent)
		assert.True(t, concurrency.CanBeParentLock(parentType, l.Type),
			"%s on %s held under %s on %s", l.Type, l.Name, parentType, parent)

		if l.Type == concurrency.S || l.Type == concurrency.IS {
			for a, ok := l.Name.Parent(); ok; a, ok = a.Parent() {
				assert.NotEqual(t, concurrency.SIX, lm.GetLockType(txn, a),
					"%s on %s held below SIX on %s", l.Type, l.Name, a)
			}
		}
	}
	for key, name := range nodes {
		lc := concurrency.FromResourceName(lm, name)
		assert.Equal(t, children[key], lc.GetNumChildren(txn), "child locks of %s", key)
	}
}

// waitForCount waits until `count` reports `want`.
func waitForCount(t *testing.T, count func() float64, want float64) {
	t.Helper()
	require.Eventually(t, func() bool { return count() == want }, time.Second, time.Millisecond)
}
