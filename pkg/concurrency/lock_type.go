package concurrency

import (
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
)

// LockType is one of the six multigranularity lock modes.
type LockType int

const (
	NL  LockType = iota // no lock held
	IS                  // intention shared
	IX                  // intention exclusive
	S                   // shared
	SIX                 // shared + intention exclusive
	X                   // exclusive
)

const numLockTypes = int(X) + 1

// Each row is the set of lock types related to the row's lock type. Rows
// are built once and only read afterwards.
var (
	compatibleRows  [numLockTypes]*bitset.BitSet
	parentableRows  [numLockTypes]*bitset.BitSet
	substituteRows  [numLockTypes]*bitset.BitSet
	lockTypeStrings = [numLockTypes]string{"NL", "IS", "IX", "S", "SIX", "X"}
)

func row(types ...LockType) *bitset.BitSet {
	b := bitset.New(uint(numLockTypes))
	for _, t := range types {
		b.Set(uint(t))
	}
	return b
}

func init() {
	compatibleRows = [numLockTypes]*bitset.BitSet{
		NL:  row(NL, IS, IX, S, SIX, X),
		IS:  row(NL, IS, IX, S, SIX),
		IX:  row(NL, IS, IX),
		S:   row(NL, IS, S),
		SIX: row(NL, IS),
		X:   row(NL),
	}
	parentableRows = [numLockTypes]*bitset.BitSet{
		NL:  row(NL),
		IS:  row(NL, IS, S),
		IX:  row(NL, IS, IX, S, SIX, X),
		S:   row(NL, IS, S),
		SIX: row(NL, IS, IX, S, SIX, X),
		X:   row(NL),
	}
	// substituteRows[t] is the set of lock types t may stand in for.
	substituteRows = [numLockTypes]*bitset.BitSet{
		NL:  row(NL),
		IS:  row(NL, IS),
		IX:  row(NL, IS, IX),
		S:   row(NL, IS, S),
		SIX: row(NL, IS, IX, S, SIX),
		X:   row(NL, IS, IX, S, SIX, X),
	}
}

// Valid reports whether t is one of the six lock types.
func (t LockType) Valid() bool {
	return t >= NL && t <= X
}

// Compatible reports whether two different transactions may hold a and b on
// the same resource at the same time.
func Compatible(a, b LockType) bool {
	if !a.Valid() || !b.Valid() {
		return false
	}
	return compatibleRows[a].Test(uint(b))
}

// CanBeParentLock reports whether holding parentLockType on a resource
// permits holding childLockType on one of its children.
func CanBeParentLock(parentLockType, childLockType LockType) bool {
	if !parentLockType.Valid() || !childLockType.Valid() {
		return false
	}
	return parentableRows[parentLockType].Test(uint(childLockType))
}

// Substitutable reports whether a transaction holding substitute has at
// least the access granted by required.
func Substitutable(substitute, required LockType) bool {
	if !substitute.Valid() || !required.Valid() {
		return false
	}
	return substituteRows[substitute].Test(uint(required))
}

// ParentLock returns the weakest lock a parent must hold for t to be held
// on a child.
func ParentLock(t LockType) LockType {
	switch t {
	case S, IS:
		return IS
	case X, IX, SIX:
		return IX
	default:
		return NL
	}
}

// IsIntent reports whether t announces locking at a finer granularity.
func (t LockType) IsIntent() bool {
	return t == IS || t == IX || t == SIX
}

func (t LockType) String() string {
	if !t.Valid() {
		return "UNKNOWN"
	}
	return lockTypeStrings[t]
}

// ParseLockType parses the String form of a lock type, ignoring case.
func ParseLockType(s string) (LockType, error) {
	for i, name := range lockTypeStrings {
		if strings.EqualFold(s, name) {
			return LockType(i), nil
		}
	}
	return NL, errors.Newf("unknown lock type %q", s)
}
