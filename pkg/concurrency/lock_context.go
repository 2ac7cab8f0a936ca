package concurrency

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// LockContext wraps the LockManager to provide the hierarchical structure of
// multigranularity locking. Locks should be acquired, released, promoted
// and escalated through a LockContext, which checks the request against the
// locks the transaction holds on the context's ancestors and descendants
// before handing it to the LockManager.
//
// Contexts are created by their parent on first access and live as long as
// the LockManager that owns the tree.
type LockContext struct {
	lockman  *LockManager
	parent   *LockContext // nil at the top of the hierarchy
	name     ResourceName
	readonly bool

	childLocksDisabled atomic.Bool
	children           sync.Map // segment -> *LockContext

	// Number of locks each transaction holds on children of this context.
	// Entries are removed when they drop to zero.
	childLocksMtx sync.Mutex
	numChildLocks map[int64]int
}

func newLockContext(lm *LockManager, parent *LockContext, name ResourceName, readonly bool) *LockContext {
	ctx := &LockContext{
		lockman:       lm,
		parent:        parent,
		name:          name,
		readonly:      readonly,
		numChildLocks: make(map[int64]int),
	}
	ctx.childLocksDisabled.Store(readonly)
	return ctx
}

// FromResourceName returns the lock context for `name`, creating the
// contexts along the path as needed. It panics on the zero ResourceName;
// names from NewResourceName or ParseResourceName are always safe.
func FromResourceName(lm *LockManager, name ResourceName) *LockContext {
	names := name.names
	ctx := lm.Context(names[0])
	for _, n := range names[1:] {
		ctx = ctx.ChildContext(n)
	}
	return ctx
}

// GetResourceName returns the name of the resource this context is for.
func (lc *LockContext) GetResourceName() ResourceName {
	return lc.name
}

// IsReadonly reports whether locking through this context is disabled.
func (lc *LockContext) IsReadonly() bool {
	return lc.readonly
}

// Acquire acquires a `lockType` lock for `txn`.
func (lc *LockContext) Acquire(ctx context.Context, txn *Transaction, lockType LockType) error {
	if lc.readonly {
		return errors.Wrapf(ErrUnsupported, "acquire %s on %s", lockType, lc.name)
	}
	if lc.parent != nil {
		if parentType := lc.parent.GetExplicitLockType(txn); !CanBeParentLock(parentType, lockType) {
			return errors.Wrapf(ErrInvalidLock, "%s on %s cannot be held under %s on %s",
				lockType, lc.name, parentType, lc.parent.name)
		}
	}
	if (lockType == S || lockType == IS) && lc.parent != nil && lc.parent.hasSIXAncestor(txn) {
		return errors.Wrapf(ErrInvalidLock, "%s on %s is redundant under a SIX ancestor", lockType, lc.name)
	}
	if lc.GetExplicitLockType(txn) == lockType {
		return errors.Wrapf(ErrDuplicateLockRequest, "%s already holds %s on %s", txn, lockType, lc.name)
	}
	if err := lc.lockman.Acquire(ctx, txn, lc.name, lockType); err != nil {
		return err
	}
	if lc.parent != nil {
		lc.parent.addChildLocks(txn.TransNum(), 1)
	}
	return nil
}

// Release releases `txn`'s lock on this context. It fails while `txn` still
// holds locks below this context.
func (lc *LockContext) Release(txn *Transaction) error {
	if lc.readonly {
		return errors.Wrapf(ErrUnsupported, "release on %s", lc.name)
	}
	if lc.GetExplicitLockType(txn) == NL {
		return errors.Wrapf(ErrNoLockHeld, "%s holds no lock on %s", txn, lc.name)
	}
	if n := lc.GetNumChildren(txn); n > 0 {
		return errors.Wrapf(ErrInvalidLock, "%s still holds %d child locks under %s", txn, n, lc.name)
	}
	if err := lc.lockman.Release(txn, lc.name); err != nil {
		return err
	}
	if lc.parent != nil {
		lc.parent.addChildLocks(txn.TransNum(), -1)
	}
	return nil
}

// Promote promotes `txn`'s lock on this context to `newLockType`. A
// promotion to SIX releases every S and IS lock `txn` holds below this
// context in the same step.
func (lc *LockContext) Promote(ctx context.Context, txn *Transaction, newLockType LockType) error {
	if lc.readonly {
		return errors.Wrapf(ErrUnsupported, "promote to %s on %s", newLockType, lc.name)
	}
	current := lc.GetExplicitLockType(txn)
	if current == newLockType {
		return errors.Wrapf(ErrDuplicateLockRequest, "%s already holds %s on %s", txn, newLockType, lc.name)
	}
	if current == NL {
		return errors.Wrapf(ErrNoLockHeld, "%s holds no lock on %s", txn, lc.name)
	}
	if !isPromotion(current, newLockType) {
		return errors.Wrapf(ErrInvalidLock, "%s to %s on %s is not a promotion", current, newLockType, lc.name)
	}
	if lc.parent != nil {
		if parentType := lc.parent.GetExplicitLockType(txn); !CanBeParentLock(parentType, newLockType) {
			return errors.Wrapf(ErrInvalidLock, "%s on %s cannot be held under %s on %s",
				newLockType, lc.name, parentType, lc.parent.name)
		}
	}

	if newLockType == SIX {
		if lc.parent != nil && lc.parent.hasSIXAncestor(txn) {
			return errors.Wrapf(ErrInvalidLock, "%s already holds SIX above %s", txn, lc.name)
		}
		descendants := lc.sisDescendants(txn)
		releaseNames := make([]ResourceName, 0, len(descendants)+1)
		for _, l := range descendants {
			releaseNames = append(releaseNames, l.Name)
		}
		releaseNames = append(releaseNames, lc.name)
		if err := lc.lockman.AcquireAndRelease(ctx, txn, lc.name, SIX, releaseNames); err != nil {
			return err
		}
		lc.forgetReleased(txn, descendants)
		return nil
	}

	if err := lc.checkChildrenAllow(txn, newLockType); err != nil {
		return err
	}
	return lc.lockman.Promote(ctx, txn, lc.name, newLockType)
}

// Escalate replaces every lock `txn` holds on this context and below with a
// single S or X lock on this context, whichever is the least permissive that
// still allows everything the old locks allowed. It makes at most one
// mutating call to the LockManager and none if nothing would change.
func (lc *LockContext) Escalate(ctx context.Context, txn *Transaction) error {
	if lc.readonly {
		return errors.Wrapf(ErrUnsupported, "escalate on %s", lc.name)
	}
	current := NL
	var descendants []Lock
	for _, l := range lc.lockman.GetTransactionLocks(txn) {
		switch {
		case l.Name.Equal(lc.name):
			current = l.Type
		case l.Name.IsDescendantOf(lc.name):
			descendants = append(descendants, l)
		}
	}
	if current == NL && len(descendants) == 0 {
		return errors.Wrapf(ErrNoLockHeld, "%s holds no lock on or below %s", txn, lc.name)
	}

	escalated := S
	if !escalatesToS(current) {
		escalated = X
	}
	for _, l := range descendants {
		if !escalatesToS(l.Type) {
			escalated = X
		}
	}
	if escalated == current && len(descendants) == 0 {
		return nil
	}

	releaseNames := make([]ResourceName, 0, len(descendants)+1)
	for _, l := range descendants {
		releaseNames = append(releaseNames, l.Name)
	}
	if current != NL {
		releaseNames = append(releaseNames, lc.name)
	}
	if err := lc.lockman.AcquireAndRelease(ctx, txn, lc.name, escalated, releaseNames); err != nil {
		return err
	}
	lc.forgetReleased(txn, descendants)
	lc.clearChildLocks(txn.TransNum())
	if current == NL && lc.parent != nil {
		lc.parent.addChildLocks(txn.TransNum(), 1)
	}
	return nil
}

func escalatesToS(t LockType) bool {
	return t == S || t == IS || t == NL
}

// isPromotion reports whether `to` is a valid promotion of `from`.
func isPromotion(from, to LockType) bool {
	if to == SIX && (from == IS || from == IX || from == S) {
		return true
	}
	return to != from && Substitutable(to, from)
}

// GetExplicitLockType returns the type of lock `txn` holds on this context,
// or NL if no lock is held here.
func (lc *LockContext) GetExplicitLockType(txn *Transaction) LockType {
	if txn == nil {
		return NL
	}
	return lc.lockman.GetLockType(txn, lc.name)
}

// GetEffectiveLockType returns the access `txn` has on this context, either
// explicitly or through a lock on an ancestor. Intent locks alone grant
// nothing.
func (lc *LockContext) GetEffectiveLockType(txn *Transaction) LockType {
	effective := NL
	for c := lc; c != nil; c = c.parent {
		switch c.GetExplicitLockType(txn) {
		case X:
			return X
		case S, SIX:
			effective = S
		}
	}
	return effective
}

// hasSIXAncestor reports whether `txn` holds SIX on this context or any of
// its ancestors.
func (lc *LockContext) hasSIXAncestor(txn *Transaction) bool {
	for c := lc; c != nil; c = c.parent {
		if c.GetExplicitLockType(txn) == SIX {
			return true
		}
	}
	return false
}

// sisDescendants returns the S and IS locks `txn` holds below this context.
func (lc *LockContext) sisDescendants(txn *Transaction) []Lock {
	var res []Lock
	for _, l := range lc.lockman.GetTransactionLocks(txn) {
		if l.Name.IsDescendantOf(lc.name) && (l.Type == S || l.Type == IS) {
			res = append(res, l)
		}
	}
	return res
}

// checkChildrenAllow fails if `txn` holds a lock on a child of this context
// that `newLockType` could not parent. Only scans the transaction's locks
// when the child counter says there are any.
func (lc *LockContext) checkChildrenAllow(txn *Transaction, newLockType LockType) error {
	if lc.GetNumChildren(txn) == 0 {
		return nil
	}
	depth := lc.name.Depth() + 1
	for _, l := range lc.lockman.GetTransactionLocks(txn) {
		if l.Name.Depth() != depth || !l.Name.IsDescendantOf(lc.name) {
			continue
		}
		if !CanBeParentLock(newLockType, l.Type) {
			return errors.Wrapf(ErrInvalidLock, "%s on %s cannot parent %s held on %s",
				newLockType, lc.name, l.Type, l.Name)
		}
	}
	return nil
}

// forgetReleased updates child lock counters after the locks in `released`
// were released below this context by a compound LockManager call.
func (lc *LockContext) forgetReleased(txn *Transaction, released []Lock) {
	for _, l := range released {
		parentName, ok := l.Name.Parent()
		if !ok {
			continue
		}
		lc.descendant(parentName).addChildLocks(txn.TransNum(), -1)
	}
}

// descendant returns the context for `name`, which must be this context or
// one of its descendants.
func (lc *LockContext) descendant(name ResourceName) *LockContext {
	ctx := lc
	for _, n := range name.names[lc.name.Depth():] {
		ctx = ctx.ChildContext(n)
	}
	return ctx
}

// addChildLocks adds delta to `transNum`'s child lock count, dropping the
// entry when it reaches zero.
func (lc *LockContext) addChildLocks(transNum int64, delta int) {
	lc.childLocksMtx.Lock()
	defer lc.childLocksMtx.Unlock()
	n := lc.numChildLocks[transNum] + delta
	if n <= 0 {
		delete(lc.numChildLocks, transNum)
		return
	}
	lc.numChildLocks[transNum] = n
}

func (lc *LockContext) clearChildLocks(transNum int64) {
	lc.childLocksMtx.Lock()
	defer lc.childLocksMtx.Unlock()
	delete(lc.numChildLocks, transNum)
}

// DisableChildLocks makes every child context created from now on
// readonly. This is used for indices and temporary tables, where
// finer-grained locks are not supported.
func (lc *LockContext) DisableChildLocks() {
	lc.childLocksDisabled.Store(true)
}

// ParentContext returns the parent context, or nil at the top.
func (lc *LockContext) ParentContext() *LockContext {
	return lc.parent
}

// ChildContext returns the context for the child named `name`, creating it
// on first access. Only one context ever exists per child. It panics if
// `name` is empty or contains ResourceSeparator; untrusted paths should go
// through ParseResourceName and FromResourceName instead.
func (lc *LockContext) ChildContext(name string) *LockContext {
	if child, ok := lc.children.Load(name); ok {
		return child.(*LockContext)
	}
	if err := validateSegment(name); err != nil {
		panic(errors.Wrapf(err, "invalid child of %s", lc.name))
	}
	readonly := lc.readonly || lc.childLocksDisabled.Load()
	child, _ := lc.children.LoadOrStore(name, newLockContext(lc.lockman, lc, lc.name.Child(name), readonly))
	return child.(*LockContext)
}

// ChildContextID returns the context for a numbered child such as a page.
func (lc *LockContext) ChildContextID(id int64) *LockContext {
	return lc.ChildContext(strconv.FormatInt(id, 10))
}

// GetNumChildren returns the number of locks `txn` holds on children of
// this context.
func (lc *LockContext) GetNumChildren(txn *Transaction) int {
	lc.childLocksMtx.Lock()
	defer lc.childLocksMtx.Unlock()
	return lc.numChildLocks[txn.TransNum()]
}

func (lc *LockContext) String() string {
	return "LockContext(" + lc.name.String() + ")"
}
