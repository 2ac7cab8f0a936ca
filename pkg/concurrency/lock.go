package concurrency

import (
	"fmt"
	"strings"
)

// A Lock is held by one transaction on one resource.
type Lock struct {
	TransNum int64
	Name     ResourceName
	Type     LockType
}

func (l Lock) String() string {
	return fmt.Sprintf("T%d: %s(%s)", l.TransNum, l.Type, l.Name)
}

// EventKind names a lock manager mutation.
type EventKind string

const (
	EventAcquire           EventKind = "acquire"
	EventRelease           EventKind = "release"
	EventPromote           EventKind = "promote"
	EventAcquireAndRelease EventKind = "acquire-release"
	EventDeadlock          EventKind = "deadlock"
	EventTimeout           EventKind = "timeout"
)

// An Event describes a change made (or refused) by the lock manager.
type Event struct {
	TransNum int64
	Kind     EventKind
	Name     ResourceName
	Type     LockType
	Released []ResourceName
}

func (e Event) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "< txn %d %s %s %s", e.TransNum, e.Kind, e.Name, e.Type)
	if len(e.Released) > 0 {
		released := make([]string, len(e.Released))
		for i, r := range e.Released {
			released[i] = r.String()
		}
		fmt.Fprintf(&sb, " release %s", strings.Join(released, ","))
	}
	sb.WriteString(" >")
	return sb.String()
}

// An EventSink is told about every lock manager mutation, in the order the
// mutations happen. Record is called with the lock manager's mutex held and
// must not call back into the lock manager.
type EventSink interface {
	Record(Event) error
}
