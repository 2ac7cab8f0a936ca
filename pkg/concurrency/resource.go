package concurrency

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ResourceSeparator separates the segments of a ResourceName in its text form.
const ResourceSeparator = "/"

// A ResourceName identifies a position in the resource hierarchy, e.g.
// database/T1/page3. It is immutable once constructed.
type ResourceName struct {
	names []string
}

// NewResourceName builds a name from its segments, root first.
func NewResourceName(names ...string) (ResourceName, error) {
	if len(names) == 0 {
		return ResourceName{}, errors.New("resource name must have at least one segment")
	}
	for _, n := range names {
		if err := validateSegment(n); err != nil {
			return ResourceName{}, err
		}
	}
	return ResourceName{names: append([]string(nil), names...)}, nil
}

// ParseResourceName parses the text form of a name.
func ParseResourceName(s string) (ResourceName, error) {
	return NewResourceName(strings.Split(strings.Trim(s, ResourceSeparator), ResourceSeparator)...)
}

func validateSegment(seg string) error {
	if seg == "" {
		return errors.New("resource name segment must not be empty")
	}
	if strings.Contains(seg, ResourceSeparator) {
		return errors.Newf("resource name segment %q must not contain %q", seg, ResourceSeparator)
	}
	return nil
}

// Child returns the name of the child segment seg below r.
func (r ResourceName) Child(seg string) ResourceName {
	names := make([]string, len(r.names), len(r.names)+1)
	copy(names, r.names)
	return ResourceName{names: append(names, seg)}
}

// Parent returns the name one level up, and false for a root name.
func (r ResourceName) Parent() (ResourceName, bool) {
	if len(r.names) <= 1 {
		return ResourceName{}, false
	}
	return ResourceName{names: r.names[:len(r.names)-1]}, true
}

// Names returns a copy of the segments, root first.
func (r ResourceName) Names() []string {
	return append([]string(nil), r.names...)
}

// Depth is the number of segments in the name.
func (r ResourceName) Depth() int {
	return len(r.names)
}

// IsDescendantOf reports whether other is a strict prefix of r.
func (r ResourceName) IsDescendantOf(other ResourceName) bool {
	if len(other.names) >= len(r.names) {
		return false
	}
	for i, n := range other.names {
		if r.names[i] != n {
			return false
		}
	}
	return true
}

// Equal reports whether both names have the same segments.
func (r ResourceName) Equal(other ResourceName) bool {
	if len(r.names) != len(other.names) {
		return false
	}
	for i, n := range r.names {
		if other.names[i] != n {
			return false
		}
	}
	return true
}

func (r ResourceName) String() string {
	return strings.Join(r.names, ResourceSeparator)
}
