package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// LockManager is the lock table: it owns every granted lock, decides whether
// requests on the same resource conflict, queues blocked requests, and
// detects deadlocks. It knows nothing about the resource hierarchy; that is
// the job of LockContext.
type LockManager struct {
	mtx       sync.Mutex
	resources map[string]*resourceEntry // resource name -> locks and wait queue
	txnLocks  map[int64][]Lock          // transaction number -> locks it holds
	waitsFor  *WaitsForGraph

	contexts sync.Map // root segment -> *LockContext

	waitTimeout time.Duration
	sink        EventSink
	metrics     *Metrics
	log         logrus.FieldLogger
}

// resourceEntry holds the granted locks and the FIFO wait queue of one
// resource.
type resourceEntry struct {
	name  ResourceName
	locks []Lock
	queue []*lockRequest
}

type lockRequest struct {
	txn          *Transaction
	kind         EventKind
	lock         Lock
	releaseNames []ResourceName
	granted      chan struct{} // closed once the request has been applied
}

// Option configures a LockManager.
type Option func(*LockManager)

// WithWaitTimeout bounds how long a request may wait; zero waits forever.
func WithWaitTimeout(d time.Duration) Option {
	return func(lm *LockManager) { lm.waitTimeout = d }
}

// WithEventSink reports every mutation to sink.
func WithEventSink(sink EventSink) Option {
	return func(lm *LockManager) { lm.sink = sink }
}

// WithMetrics records lock manager activity in m.
func WithMetrics(m *Metrics) Option {
	return func(lm *LockManager) { lm.metrics = m }
}

// WithLogger sets the logger; the default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(lm *LockManager) { lm.log = l }
}

func NewLockManager(opts ...Option) *LockManager {
	lm := &LockManager{
		resources: make(map[string]*resourceEntry),
		txnLocks:  make(map[int64][]Lock),
		waitsFor:  NewGraph(),
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(lm)
	}
	if lm.metrics == nil {
		lm.metrics = NewMetrics(nil)
	}
	return lm
}

// Context returns the root lock context for the top-level resource `name`,
// creating it on first use. It panics if `name` is not a single valid
// segment; untrusted paths should go through ParseResourceName and
// FromResourceName instead.
func (lm *LockManager) Context(name string) *LockContext {
	if ctx, ok := lm.contexts.Load(name); ok {
		return ctx.(*LockContext)
	}
	rn, err := NewResourceName(name)
	if err != nil {
		panic(errors.Wrap(err, "invalid root lock context"))
	}
	ctx, _ := lm.contexts.LoadOrStore(name, newLockContext(lm, nil, rn, false))
	return ctx.(*LockContext)
}

// Acquire grants `lockType` on `name` to `txn`, waiting behind conflicting
// locks and earlier waiters.
func (lm *LockManager) Acquire(ctx context.Context, txn *Transaction, name ResourceName, lockType LockType) error {
	lm.metrics.Requests.WithLabelValues(string(EventAcquire), lockType.String()).Inc()
	lm.mtx.Lock()
	if held := lm.lockTypeLocked(txn.TransNum(), name); held != NL {
		lm.mtx.Unlock()
		return errors.Wrapf(ErrDuplicateLockRequest, "%s already holds %s on %s", txn, held, name)
	}
	e := lm.entryLocked(name)
	req := newLockRequest(txn, EventAcquire, name, lockType, nil)
	if len(e.queue) == 0 && lm.compatibleLocked(e, lockType, txn.TransNum()) {
		lm.applyLocked(req)
		lm.mtx.Unlock()
		return nil
	}
	e.queue = append(e.queue, req)
	return lm.wait(ctx, e, req)
}

// Release releases `txn`'s lock on `name` and grants whatever the release
// unblocks.
func (lm *LockManager) Release(txn *Transaction, name ResourceName) error {
	lm.metrics.Requests.WithLabelValues(string(EventRelease), NL.String()).Inc()
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	held := lm.lockTypeLocked(txn.TransNum(), name)
	if held == NL {
		return errors.Wrapf(ErrNoLockHeld, "%s holds no lock on %s", txn, name)
	}
	e := lm.releaseLocked(txn.TransNum(), name)
	lm.record(Event{TransNum: txn.TransNum(), Kind: EventRelease, Name: name, Type: held})
	lm.processQueueLocked(e)
	return nil
}

// Promote upgrades `txn`'s lock on `name` to `newType` in place. A blocked
// promotion waits at the front of the queue.
func (lm *LockManager) Promote(ctx context.Context, txn *Transaction, name ResourceName, newType LockType) error {
	lm.metrics.Requests.WithLabelValues(string(EventPromote), newType.String()).Inc()
	lm.mtx.Lock()
	held := lm.lockTypeLocked(txn.TransNum(), name)
	switch {
	case held == newType:
		lm.mtx.Unlock()
		return errors.Wrapf(ErrDuplicateLockRequest, "%s already holds %s on %s", txn, newType, name)
	case held == NL:
		lm.mtx.Unlock()
		return errors.Wrapf(ErrNoLockHeld, "%s holds no lock on %s", txn, name)
	case !Substitutable(newType, held):
		lm.mtx.Unlock()
		return errors.Wrapf(ErrInvalidLock, "cannot promote %s to %s on %s", held, newType, name)
	}
	return lm.grantOrWaitFront(ctx, newLockRequest(txn, EventPromote, name, newType, nil))
}

// AcquireAndRelease atomically grants `lockType` on `name` and releases
// every lock of `txn` named in `releaseNames`. If `name` is among them the
// lock on `name` is replaced rather than released.
func (lm *LockManager) AcquireAndRelease(
	ctx context.Context,
	txn *Transaction,
	name ResourceName,
	lockType LockType,
	releaseNames []ResourceName,
) error {
	lm.metrics.Requests.WithLabelValues(string(EventAcquireAndRelease), lockType.String()).Inc()
	lm.mtx.Lock()
	replacing := false
	for _, r := range releaseNames {
		if lm.lockTypeLocked(txn.TransNum(), r) == NL {
			lm.mtx.Unlock()
			return errors.Wrapf(ErrNoLockHeld, "%s holds no lock on %s", txn, r)
		}
		if r.Equal(name) {
			replacing = true
		}
	}
	if held := lm.lockTypeLocked(txn.TransNum(), name); held != NL && !replacing {
		lm.mtx.Unlock()
		return errors.Wrapf(ErrDuplicateLockRequest, "%s already holds %s on %s", txn, held, name)
	}
	names := append([]ResourceName(nil), releaseNames...)
	return lm.grantOrWaitFront(ctx, newLockRequest(txn, EventAcquireAndRelease, name, lockType, names))
}

// grantOrWaitFront applies req if it is compatible with the other
// transactions' locks, and otherwise queues it ahead of ordinary acquires.
// Expects lm.mtx to be locked; returns with it unlocked.
func (lm *LockManager) grantOrWaitFront(ctx context.Context, req *lockRequest) error {
	e := lm.entryLocked(req.lock.Name)
	if lm.compatibleLocked(e, req.lock.Type, req.lock.TransNum) {
		lm.applyLocked(req)
		lm.mtx.Unlock()
		return nil
	}
	e.queue = append([]*lockRequest{req}, e.queue...)
	return lm.wait(ctx, e, req)
}

// GetLockType returns the type of lock `txn` holds on `name`, or NL.
func (lm *LockManager) GetLockType(txn *Transaction, name ResourceName) LockType {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	return lm.lockTypeLocked(txn.TransNum(), name)
}

// GetTransactionLocks returns every lock `txn` holds.
func (lm *LockManager) GetTransactionLocks(txn *Transaction) []Lock {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	return append([]Lock(nil), lm.txnLocks[txn.TransNum()]...)
}

// GetResourceLocks returns every lock held on `name`, by any transaction.
func (lm *LockManager) GetResourceLocks(name ResourceName) []Lock {
	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	if e, ok := lm.resources[name.String()]; ok {
		return append([]Lock(nil), e.locks...)
	}
	return nil
}

// wait blocks until req is granted, the context is done, the wait times out
// or waiting would deadlock. Expects lm.mtx to be locked and req to be
// queued on e; returns with lm.mtx unlocked.
func (lm *LockManager) wait(ctx context.Context, e *resourceEntry, req *lockRequest) error {
	txn := req.txn
	logger := lm.log.WithFields(logrus.Fields{"txn": txn.TransNum(), "resource": e.name.String(), "type": req.lock.Type})
	lm.metrics.Waits.Inc()
	lm.refreshWaitEdgesLocked(e)
	if lm.waitsFor.DetectCycleFrom(txn.TransNum()) {
		lm.cancelLocked(e, req)
		lm.record(Event{TransNum: txn.TransNum(), Kind: EventDeadlock, Name: e.name, Type: req.lock.Type})
		lm.mtx.Unlock()
		lm.metrics.Deadlocks.Inc()
		logger.Warn("lock request would deadlock")
		return errors.Wrapf(ErrDeadlock, "%s waiting for %s on %s", txn, req.lock.Type, e.name)
	}
	lm.mtx.Unlock()
	logger.Debug("waiting for lock")

	var timeout <-chan time.Time
	if lm.waitTimeout > 0 {
		timer := time.NewTimer(lm.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	start := time.Now()
	var err error
	select {
	case <-req.granted:
		lm.metrics.WaitDuration.Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		err = errors.Wrapf(ctx.Err(), "%s waiting for %s on %s", txn, req.lock.Type, e.name)
	case <-timeout:
		err = errors.Wrapf(ErrLockWaitTimeout, "%s waited %s for %s on %s", txn, lm.waitTimeout, req.lock.Type, e.name)
	}

	lm.mtx.Lock()
	defer lm.mtx.Unlock()
	select {
	case <-req.granted:
		// Granted while we were giving up; keep the lock.
		lm.metrics.WaitDuration.Observe(time.Since(start).Seconds())
		return nil
	default:
	}
	lm.cancelLocked(e, req)
	if errors.Is(err, ErrLockWaitTimeout) {
		lm.record(Event{TransNum: txn.TransNum(), Kind: EventTimeout, Name: e.name, Type: req.lock.Type})
		lm.metrics.Timeouts.Inc()
		logger.Warn("lock wait timed out")
	}
	return err
}

func newLockRequest(txn *Transaction, kind EventKind, name ResourceName, lockType LockType, releaseNames []ResourceName) *lockRequest {
	return &lockRequest{
		txn:          txn,
		kind:         kind,
		lock:         Lock{TransNum: txn.TransNum(), Name: name, Type: lockType},
		releaseNames: releaseNames,
		granted:      make(chan struct{}),
	}
}

// entryLocked returns the entry for `name`, creating it if needed.
func (lm *LockManager) entryLocked(name ResourceName) *resourceEntry {
	key := name.String()
	e, ok := lm.resources[key]
	if !ok {
		e = &resourceEntry{name: name}
		lm.resources[key] = e
	}
	return e
}

func (lm *LockManager) lockTypeLocked(transNum int64, name ResourceName) LockType {
	for _, l := range lm.txnLocks[transNum] {
		if l.Name.Equal(name) {
			return l.Type
		}
	}
	return NL
}

// compatibleLocked reports whether lockType is compatible with every lock on
// e held by a transaction other than `except`.
func (lm *LockManager) compatibleLocked(e *resourceEntry, lockType LockType, except int64) bool {
	for _, l := range e.locks {
		if l.TransNum != except && !Compatible(l.Type, lockType) {
			return false
		}
	}
	return true
}

// applyLocked grants req, performing its releases, and processes the queues
// of the released resources.
func (lm *LockManager) applyLocked(req *lockRequest) {
	transNum := req.lock.TransNum
	var released []*resourceEntry
	for _, r := range req.releaseNames {
		if r.Equal(req.lock.Name) {
			continue
		}
		released = append(released, lm.releaseLocked(transNum, r))
	}
	lm.grantLocked(req.lock)
	lm.waitsFor.RemoveOutgoing(transNum)
	close(req.granted)
	lm.record(Event{TransNum: transNum, Kind: req.kind, Name: req.lock.Name, Type: req.lock.Type, Released: req.releaseNames})
	lm.log.WithFields(logrus.Fields{"txn": transNum, "resource": req.lock.Name.String(), "type": req.lock.Type}).
		Debugf("lock %s granted", req.kind)
	for _, e := range released {
		lm.processQueueLocked(e)
	}
}

// grantLocked records `lock`, replacing the transaction's existing lock on
// the same resource if there is one.
func (lm *LockManager) grantLocked(lock Lock) {
	e := lm.entryLocked(lock.Name)
	for i, l := range e.locks {
		if l.TransNum == lock.TransNum {
			e.locks[i] = lock
			held := lm.txnLocks[lock.TransNum]
			for j, h := range held {
				if h.Name.Equal(lock.Name) {
					held[j] = lock
				}
			}
			return
		}
	}
	e.locks = append(e.locks, lock)
	lm.txnLocks[lock.TransNum] = append(lm.txnLocks[lock.TransNum], lock)
	lm.metrics.GrantedLocks.Inc()
}

// releaseLocked drops the transaction's lock on `name` and returns the
// resource's entry. The entry's queue is not processed.
func (lm *LockManager) releaseLocked(transNum int64, name ResourceName) *resourceEntry {
	e := lm.entryLocked(name)
	for i, l := range e.locks {
		if l.TransNum == transNum {
			e.locks = append(e.locks[:i], e.locks[i+1:]...)
			lm.metrics.GrantedLocks.Dec()
			break
		}
	}
	held := lm.txnLocks[transNum]
	for i, l := range held {
		if l.Name.Equal(name) {
			held = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(lm.txnLocks, transNum)
	} else {
		lm.txnLocks[transNum] = held
	}
	return e
}

// processQueueLocked grants queued requests on e in order until one cannot
// be granted, then refreshes the waits-for edges of the remaining waiters.
func (lm *LockManager) processQueueLocked(e *resourceEntry) {
	for len(e.queue) > 0 {
		req := e.queue[0]
		if !lm.compatibleLocked(e, req.lock.Type, req.lock.TransNum) {
			break
		}
		e.queue = e.queue[1:]
		lm.applyLocked(req)
	}
	lm.refreshWaitEdgesLocked(e)
	if len(e.locks) == 0 && len(e.queue) == 0 {
		delete(lm.resources, e.name.String())
	}
}

// cancelLocked removes a waiting request from e's queue. Requests behind it
// may now be grantable.
func (lm *LockManager) cancelLocked(e *resourceEntry, req *lockRequest) {
	for i, r := range e.queue {
		if r == req {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	lm.waitsFor.RemoveOutgoing(req.lock.TransNum)
	lm.processQueueLocked(e)
}

// refreshWaitEdgesLocked rebuilds the outgoing edges of every waiter on e:
// a waiter waits for the holders of conflicting locks and for the
// conflicting requests queued ahead of it.
func (lm *LockManager) refreshWaitEdgesLocked(e *resourceEntry) {
	for i, req := range e.queue {
		from := req.lock.TransNum
		lm.waitsFor.RemoveOutgoing(from)
		for _, l := range e.locks {
			if l.TransNum != from && !Compatible(l.Type, req.lock.Type) {
				lm.waitsFor.AddEdge(from, l.TransNum)
			}
		}
		for _, ahead := range e.queue[:i] {
			if ahead.lock.TransNum != from && !Compatible(ahead.lock.Type, req.lock.Type) {
				lm.waitsFor.AddEdge(from, ahead.lock.TransNum)
			}
		}
	}
}

func (lm *LockManager) record(ev Event) {
	if lm.sink == nil {
		return
	}
	if err := lm.sink.Record(ev); err != nil {
		lm.log.WithError(err).WithField("event", ev.String()).Error("failed to record lock event")
	}
}
