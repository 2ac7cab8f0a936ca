package concurrency

import (
	"context"

	"github.com/cockroachdb/errors"
)

// EnsureSufficientLockHeld makes sure `txn` can perform actions requiring
// `requestType` (S, X or NL) on `lockContext`, acquiring, promoting or
// escalating the fewest locks needed on the context and its ancestors.
// Callers should use it instead of calling LockContext methods directly.
//
// It does nothing when there is no transaction or context, or when NL is
// requested.
func EnsureSufficientLockHeld(ctx context.Context, txn *Transaction, lockContext *LockContext, requestType LockType) error {
	if requestType.IsIntent() || !requestType.Valid() {
		return errors.AssertionFailedf("lock request must be S, X or NL, got %s", requestType)
	}
	if txn == nil || lockContext == nil || requestType == NL {
		return nil
	}

	done, err := ensureAncestorsHeld(ctx, txn, lockContext, requestType)
	if err != nil || done {
		return err
	}

	current := lockContext.GetExplicitLockType(txn)
	if Substitutable(current, requestType) {
		return nil
	}
	if requestType == S {
		switch current {
		case NL:
			return lockContext.Acquire(ctx, txn, S)
		case IS:
			return lockContext.Escalate(ctx, txn)
		case IX:
			return lockContext.Promote(ctx, txn, SIX)
		default:
			return errors.AssertionFailedf("%s holds %s on %s but it does not cover S",
				txn, current, lockContext.GetResourceName())
		}
	}

	if current == NL {
		return lockContext.Acquire(ctx, txn, X)
	}
	// X cannot parent anything, so locks below must be folded in first.
	if lockContext.GetNumChildren(txn) > 0 {
		if err := lockContext.Escalate(ctx, txn); err != nil {
			return err
		}
		if Substitutable(lockContext.GetExplicitLockType(txn), X) {
			return nil
		}
	}
	return lockContext.Promote(ctx, txn, X)
}

// ensureAncestorsHeld walks the ancestors of `lockContext` from the root
// down, making each one able to parent `requestType`. It reports done when
// an ancestor's lock already grants `requestType` to the whole subtree.
func ensureAncestorsHeld(ctx context.Context, txn *Transaction, lockContext *LockContext, requestType LockType) (done bool, _ error) {
	var ancestors []*LockContext
	for a := lockContext.ParentContext(); a != nil; a = a.ParentContext() {
		ancestors = append(ancestors, a)
	}

	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		current := a.GetExplicitLockType(txn)
		if grantsSubtree(current, requestType) {
			return true, nil
		}
		if CanBeParentLock(current, requestType) {
			continue
		}
		switch {
		case current == NL:
			if err := a.Acquire(ctx, txn, ParentLock(requestType)); err != nil {
				return false, err
			}
		case requestType == X && current == IS:
			if err := a.Promote(ctx, txn, IX); err != nil {
				return false, err
			}
		case requestType == X && current == S:
			if err := a.Promote(ctx, txn, SIX); err != nil {
				return false, err
			}
		default:
			return false, errors.AssertionFailedf("%s holds %s on %s, which can neither parent nor be promoted for %s",
				txn, current, a.GetResourceName(), requestType)
		}
	}
	return false, nil
}

// grantsSubtree reports whether holding `held` on a resource already grants
// `requestType` on everything below it.
func grantsSubtree(held, requestType LockType) bool {
	if requestType == S {
		return held == S || held == SIX || held == X
	}
	return held == X
}
