package concurrency

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DatabaseResource is the name of the root of the resource hierarchy.
const DatabaseResource = "database"

// Transaction Manager manages all of the transactions on a server.
// Every client runs 1 transaction at a time, so uuid (clientID) can be used to uniquely identify a Transaction.
// Locks are taken through the lock context tree rooted at DatabaseResource.
type TransactionManager struct {
	lockManager  *LockManager
	transactions map[uuid.UUID]*Transaction // Identifies the Transaction for a particular client
	nextTransNum atomic.Int64
	log          logrus.FieldLogger
	mtx          sync.RWMutex
}

func NewTransactionManager(lm *LockManager) *TransactionManager {
	return &TransactionManager{
		lockManager:  lm,
		transactions: make(map[uuid.UUID]*Transaction),
		log:          lm.log,
	}
}

func (tm *TransactionManager) GetLockManager() (lm *LockManager) {
	return tm.lockManager
}

// Database returns the root lock context.
func (tm *TransactionManager) Database() *LockContext {
	return tm.lockManager.Context(DatabaseResource)
}

// GetTransactions returns a snapshot of the running transactions.
func (tm *TransactionManager) GetTransactions() (txs map[uuid.UUID]*Transaction) {
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	txs = make(map[uuid.UUID]*Transaction, len(tm.transactions))
	for id, t := range tm.transactions {
		txs[id] = t
	}
	return txs
}

// Get a particular transaction of a client.
func (tm *TransactionManager) GetTransaction(clientId uuid.UUID) (tx *Transaction, found bool) {
	tm.mtx.RLock()
	defer tm.mtx.RUnlock()
	tx, found = tm.transactions[clientId]
	return tx, found
}

// Begin a transaction for the given client; error if already began.
func (tm *TransactionManager) Begin(clientId uuid.UUID) (*Transaction, error) {
	tm.mtx.Lock()
	defer tm.mtx.Unlock()
	if _, found := tm.transactions[clientId]; found {
		return nil, errors.New("transaction already began")
	}
	t := NewTransaction(tm.nextTransNum.Add(1), clientId)
	tm.transactions[clientId] = t
	tm.log.WithFields(logrus.Fields{"client": clientId, "txn": t.TransNum()}).Debug("transaction began")
	return t, nil
}

// Context returns the lock context for `name`.
func (tm *TransactionManager) Context(name ResourceName) *LockContext {
	return FromResourceName(tm.lockManager, name)
}

// Lock makes sure the client's transaction can perform actions requiring
// `lType` on the resource `name`. A deadlock or lock wait timeout aborts the
// transaction, releasing all of its locks.
func (tm *TransactionManager) Lock(ctx context.Context, clientId uuid.UUID, name ResourceName, lType LockType) error {
	transaction, found := tm.GetTransaction(clientId)
	if !found {
		return errors.New("no such transaction")
	}
	err := EnsureSufficientLockHeld(ctx, transaction, tm.Context(name), lType)
	if errors.Is(err, ErrDeadlock) || errors.Is(err, ErrLockWaitTimeout) {
		transaction.markAborted()
		if abortErr := tm.Abort(clientId); abortErr != nil {
			err = errors.CombineErrors(err, abortErr)
		}
		return errors.Wrap(err, "transaction aborted")
	}
	return err
}

// Unlock releases the client's lock on `name`.
func (tm *TransactionManager) Unlock(clientId uuid.UUID, name ResourceName) error {
	transaction, found := tm.GetTransaction(clientId)
	if !found {
		return errors.New("no such transaction")
	}
	return tm.Context(name).Release(transaction)
}

// DisableChildLocks stops finer-grained locking below `name` for contexts
// created from now on.
func (tm *TransactionManager) DisableChildLocks(name ResourceName) {
	tm.Context(name).DisableChildLocks()
}

// Commits the given transaction and removes it from the running transactions list.
func (tm *TransactionManager) Commit(clientId uuid.UUID) error {
	return tm.finish(clientId, "committed")
}

// Abort releases the given transaction's locks and removes it from the
// running transactions list.
func (tm *TransactionManager) Abort(clientId uuid.UUID) error {
	return tm.finish(clientId, "aborted")
}

func (tm *TransactionManager) finish(clientId uuid.UUID, outcome string) error {
	tm.mtx.Lock()
	t, found := tm.transactions[clientId]
	if !found {
		tm.mtx.Unlock()
		return errors.New("no transactions running")
	}
	delete(tm.transactions, clientId)
	tm.mtx.Unlock()

	err := tm.releaseAll(t)
	tm.log.WithFields(logrus.Fields{"client": clientId, "txn": t.TransNum()}).Debugf("transaction %s", outcome)
	return err
}

// releaseAll releases every lock of `t` through the lock context tree,
// deepest first so no lock is released while locks below it are held.
func (tm *TransactionManager) releaseAll(t *Transaction) error {
	locks := tm.lockManager.GetTransactionLocks(t)
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].Name.Depth() > locks[j].Name.Depth()
	})
	var err error
	for _, l := range locks {
		if releaseErr := tm.Context(l.Name).Release(t); releaseErr != nil {
			err = errors.CombineErrors(err, releaseErr)
		}
	}
	return err
}
