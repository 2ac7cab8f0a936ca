package concurrency

import "github.com/cockroachdb/errors"

// Errors returned by the lock context layer and the lock manager. Callers
// match them with errors.Is; the returned errors wrap them with the
// resource and transaction involved.
var (
	// ErrUnsupported is returned for mutating calls on a readonly context.
	ErrUnsupported = errors.New("unsupported operation on readonly lock context")

	// ErrInvalidLock is returned when a request would violate multigranularity
	// constraints or is not a valid promotion.
	ErrInvalidLock = errors.New("invalid lock request")

	// ErrDuplicateLockRequest is returned when the transaction already holds
	// the lock it asks for.
	ErrDuplicateLockRequest = errors.New("duplicate lock request")

	// ErrNoLockHeld is returned when an operation needs a lock the transaction
	// does not hold.
	ErrNoLockHeld = errors.New("no lock held")

	// ErrDeadlock is returned to the transaction whose wait would close a
	// cycle in the waits-for graph.
	ErrDeadlock = errors.New("deadlock detected")

	// ErrLockWaitTimeout is returned when a blocked request is not granted
	// within the configured wait timeout.
	ErrLockWaitTimeout = errors.New("lock wait timeout")
)
