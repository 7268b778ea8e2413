// Package vm provides the data structures that describe virtual memory in
// the simulated machine: permission bits, per-process page tables, and the
// physical frame table.
package vm

// PID stands for Process ID.
type PID uint32

// Access is a set of permission bits. It qualifies both a memory access
// (exactly one bit set) and the accesses a page-table entry allows (any
// combination).
type Access uint8

// The permission bits.
const (
	AccessRead Access = 1 << iota
	AccessWrite
)

// Allows reports whether the permission set a is sufficient for the
// requested access.
func (a Access) Allows(requested Access) bool {
	return a&requested == requested
}

func (a Access) String() string {
	switch {
	case a.Allows(AccessRead | AccessWrite):
		return "rw"
	case a.Allows(AccessWrite):
		return "w"
	case a.Allows(AccessRead):
		return "r"
	}

	return "none"
}
