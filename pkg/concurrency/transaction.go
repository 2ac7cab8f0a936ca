package concurrency

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Each client will have at most one transaction running at a given time.
// The clientID identifies the client, the transaction number identifies the
// transaction to the lock manager and is never reused.
type Transaction struct {
	transNum int64
	clientId uuid.UUID
	aborted  bool
	mtx      sync.RWMutex
}

// NewTransaction returns a transaction with the given number for a client.
func NewTransaction(transNum int64, clientId uuid.UUID) *Transaction {
	return &Transaction{transNum: transNum, clientId: clientId}
}

func (t *Transaction) TransNum() int64 {
	return t.transNum
}

func (t *Transaction) GetClientID() (clientId uuid.UUID) {
	return t.clientId
}

// markAborted records that the lock manager gave up on the transaction.
func (t *Transaction) markAborted() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.aborted = true
}

// Aborted reports whether the transaction was aborted by a deadlock or a
// lock wait timeout.
func (t *Transaction) Aborted() bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.aborted
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn %d", t.transNum)
}
