package concurrency

import (
	"fmt"
	"sort"
	"strings"

	"dinolock/pkg/repl"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Transaction REPL. Fails if a command cannot be registered.
func TransactionREPL(tm *TransactionManager) (*repl.REPL, error) {
	r := repl.NewRepl()
	commands := []struct {
		trigger string
		action  repl.ReplCommand
		help    string
	}{
		{"transaction", func(payload string, replConfig *repl.REPLConfig) (string, error) {
			return HandleTransaction(tm, payload, replConfig.GetAddr())
		}, "Handle transactions. usage: transaction <begin|commit|abort>"},
		{"lock", func(payload string, replConfig *repl.REPLConfig) (string, error) {
			return "", HandleLock(tm, payload, replConfig)
		}, "Ensure the transaction may read (S) or write (X) a resource. usage: lock <path> <S|X|NL>"},
		{"acquire", func(payload string, replConfig *repl.REPLConfig) (string, error) {
			return "", HandleAcquire(tm, payload, replConfig)
		}, "Acquire a lock on a resource. usage: acquire <path> <NL|IS|IX|S|SIX|X>"},
		{"release", func(payload string, replConfig *repl.REPLConfig) (string, error) {
			return "", HandleRelease(tm, payload, replConfig.GetAddr())
		}, "Release a lock on a resource. usage: release <path>"},
		{"promote", func(payload string, replConfig *repl.REPLConfig) (string, error) {
			return "", HandlePromote(tm, payload, replConfig)
		}, "Promote a lock on a resource. usage: promote <path> <IS|IX|S|SIX|X>"},
		{"escalate", func(payload string, replConfig *repl.REPLConfig) (string, error) {
			return "", HandleEscalate(tm, payload, replConfig)
		}, "Collapse the locks on and below a resource into one. usage: escalate <path>"},
		{"show", func(payload string, replConfig *repl.REPLConfig) (string, error) {
			return HandleShow(tm, payload, replConfig.GetAddr())
		}, "Show the transaction's lock state on a resource. usage: show <path>"},
		{"locks", func(payload string, replConfig *repl.REPLConfig) (string, error) {
			return HandleLocks(tm, payload, replConfig.GetAddr())
		}, "List the locks held by the transaction. usage: locks"},
		{"holders", func(payload string, replConfig *repl.REPLConfig) (string, error) {
			return HandleHolders(tm, payload)
		}, "List the locks every transaction holds on a resource. usage: holders <path>"},
		{"disable", func(payload string, replConfig *repl.REPLConfig) (string, error) {
			return "", HandleDisable(tm, payload)
		}, "Disable finer-grained locks below a resource. usage: disable <path>"},
	}
	for _, c := range commands {
		if err := r.AddCommand(c.trigger, c.action, c.help); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Handle transaction.
func HandleTransaction(tm *TransactionManager, payload string, clientId uuid.UUID) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: transaction <begin|commit|abort>
	if len(fields) != 2 {
		return "", errors.New("usage: transaction <begin|commit|abort>")
	}
	switch fields[1] {
	case "begin":
		t, err := tm.Begin(clientId)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("transaction %d began.", t.TransNum()), nil
	case "commit":
		return "", tm.Commit(clientId)
	case "abort":
		return "", tm.Abort(clientId)
	default:
		return "", errors.New("usage: transaction <begin|commit|abort>")
	}
}

// Handle lock: run the acquisition policy.
func HandleLock(tm *TransactionManager, payload string, replConfig *repl.REPLConfig) (err error) {
	fields := strings.Fields(payload)
	// Usage: lock <path> <S|X|NL>
	if len(fields) != 3 {
		return errors.New("usage: lock <path> <S|X|NL>")
	}
	name, lType, err := parsePathAndType(fields[1], fields[2])
	if err != nil {
		return errors.Wrap(err, "lock error")
	}
	if err = tm.Lock(replConfig.Context(), replConfig.GetAddr(), name, lType); err != nil {
		return errors.Wrap(err, "lock error")
	}
	return nil
}

// Handle acquire.
func HandleAcquire(tm *TransactionManager, payload string, replConfig *repl.REPLConfig) (err error) {
	fields := strings.Fields(payload)
	// Usage: acquire <path> <type>
	if len(fields) != 3 {
		return errors.New("usage: acquire <path> <NL|IS|IX|S|SIX|X>")
	}
	name, lType, err := parsePathAndType(fields[1], fields[2])
	if err != nil {
		return errors.Wrap(err, "acquire error")
	}
	t, err := getTransaction(tm, replConfig.GetAddr())
	if err != nil {
		return errors.Wrap(err, "acquire error")
	}
	if err = tm.Context(name).Acquire(replConfig.Context(), t, lType); err != nil {
		return errors.Wrap(err, "acquire error")
	}
	return nil
}

// Handle release.
func HandleRelease(tm *TransactionManager, payload string, clientId uuid.UUID) (err error) {
	fields := strings.Fields(payload)
	// Usage: release <path>
	if len(fields) != 2 {
		return errors.New("usage: release <path>")
	}
	name, err := ParseResourceName(fields[1])
	if err != nil {
		return errors.Wrap(err, "release error")
	}
	if err = tm.Unlock(clientId, name); err != nil {
		return errors.Wrap(err, "release error")
	}
	return nil
}

// Handle promote.
func HandlePromote(tm *TransactionManager, payload string, replConfig *repl.REPLConfig) (err error) {
	fields := strings.Fields(payload)
	// Usage: promote <path> <type>
	if len(fields) != 3 {
		return errors.New("usage: promote <path> <IS|IX|S|SIX|X>")
	}
	name, lType, err := parsePathAndType(fields[1], fields[2])
	if err != nil {
		return errors.Wrap(err, "promote error")
	}
	t, err := getTransaction(tm, replConfig.GetAddr())
	if err != nil {
		return errors.Wrap(err, "promote error")
	}
	if err = tm.Context(name).Promote(replConfig.Context(), t, lType); err != nil {
		return errors.Wrap(err, "promote error")
	}
	return nil
}

// Handle escalate.
func HandleEscalate(tm *TransactionManager, payload string, replConfig *repl.REPLConfig) (err error) {
	fields := strings.Fields(payload)
	// Usage: escalate <path>
	if len(fields) != 2 {
		return errors.New("usage: escalate <path>")
	}
	name, err := ParseResourceName(fields[1])
	if err != nil {
		return errors.Wrap(err, "escalate error")
	}
	t, err := getTransaction(tm, replConfig.GetAddr())
	if err != nil {
		return errors.Wrap(err, "escalate error")
	}
	if err = tm.Context(name).Escalate(replConfig.Context(), t); err != nil {
		return errors.Wrap(err, "escalate error")
	}
	return nil
}

// Handle show.
func HandleShow(tm *TransactionManager, payload string, clientId uuid.UUID) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: show <path>
	if len(fields) != 2 {
		return "", errors.New("usage: show <path>")
	}
	name, err := ParseResourceName(fields[1])
	if err != nil {
		return "", errors.Wrap(err, "show error")
	}
	t, err := getTransaction(tm, clientId)
	if err != nil {
		return "", errors.Wrap(err, "show error")
	}
	lc := tm.Context(name)
	return fmt.Sprintf("%s: explicit=%s effective=%s children=%d readonly=%t",
		name, lc.GetExplicitLockType(t), lc.GetEffectiveLockType(t), lc.GetNumChildren(t), lc.IsReadonly()), nil
}

// Handle locks.
func HandleLocks(tm *TransactionManager, payload string, clientId uuid.UUID) (output string, err error) {
	if len(strings.Fields(payload)) != 1 {
		return "", errors.New("usage: locks")
	}
	t, err := getTransaction(tm, clientId)
	if err != nil {
		return "", errors.Wrap(err, "locks error")
	}
	return formatLocks(tm.GetLockManager().GetTransactionLocks(t)), nil
}

// Handle holders.
func HandleHolders(tm *TransactionManager, payload string) (output string, err error) {
	fields := strings.Fields(payload)
	// Usage: holders <path>
	if len(fields) != 2 {
		return "", errors.New("usage: holders <path>")
	}
	name, err := ParseResourceName(fields[1])
	if err != nil {
		return "", errors.Wrap(err, "holders error")
	}
	return formatLocks(tm.GetLockManager().GetResourceLocks(name)), nil
}

// Handle disable.
func HandleDisable(tm *TransactionManager, payload string) (err error) {
	fields := strings.Fields(payload)
	// Usage: disable <path>
	if len(fields) != 2 {
		return errors.New("usage: disable <path>")
	}
	name, err := ParseResourceName(fields[1])
	if err != nil {
		return errors.Wrap(err, "disable error")
	}
	tm.DisableChildLocks(name)
	return nil
}

func getTransaction(tm *TransactionManager, clientId uuid.UUID) (*Transaction, error) {
	t, found := tm.GetTransaction(clientId)
	if !found {
		return nil, errors.New("no such transaction")
	}
	return t, nil
}

func parsePathAndType(path, lockType string) (ResourceName, LockType, error) {
	name, err := ParseResourceName(path)
	if err != nil {
		return ResourceName{}, NL, err
	}
	lType, err := ParseLockType(lockType)
	if err != nil {
		return ResourceName{}, NL, err
	}
	return name, lType, nil
}

// formatLocks prints one lock per line, ordered by transaction then name.
func formatLocks(locks []Lock) string {
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].TransNum != locks[j].TransNum {
			return locks[i].TransNum < locks[j].TransNum
		}
		return locks[i].Name.String() < locks[j].Name.String()
	})
	var sb strings.Builder
	for _, l := range locks {
		sb.WriteString(l.String())
		sb.WriteString("\n")
	}
	return sb.String()
}
