// Package tlb provides the translation lookaside buffer of the simulated
// machine.
package tlb

import (
	"github.com/sarchlab/vmsim/vm"
)

// An Entry is one TLB slot: a cached vpn-to-pfn translation tagged with the
// permissions the underlying page-table entry allowed at insertion time.
type Entry struct {
	Valid  bool
	VPN    uint64
	PFN    uint64
	Access vm.Access
}

// Comp is a flat, fully-associative TLB. It caches translations for
// whichever page table is currently active, so it must be flushed on every
// process switch. The TLB performs no eviction; it is sized to hold every
// page the active table can map.
type Comp struct {
	name    string
	entries []Entry
}

// Name returns the name of the TLB.
func (c *Comp) Name() string {
	return c.name
}

// NumEntries returns the number of slots in the TLB.
func (c *Comp) NumEntries() int {
	return len(c.entries)
}

// Lookup translates vpn through the cache. It hits only when a valid entry
// for vpn exists and its permission tag satisfies the requested access; a
// valid entry with insufficient permissions is a miss. Lookup has no side
// effects.
func (c *Comp) Lookup(vpn uint64, access vm.Access) (pfn uint64, found bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.Valid && e.VPN == vpn && e.Access.Allows(access) {
			return e.PFN, true
		}
	}

	return 0, false
}

// Insert caches the translation from vpn to pfn. An existing entry for vpn
// is updated in place rather than duplicated; otherwise the first invalid
// slot is taken. Running out of slots violates the capacity guarantee the
// machine is built with and panics.
func (c *Comp) Insert(vpn uint64, access vm.Access, pfn uint64) {
	firstFree := -1

	for i := range c.entries {
		e := &c.entries[i]

		if e.Valid && e.VPN == vpn {
			e.Access = access
			e.PFN = pfn
			return
		}

		if !e.Valid && firstFree < 0 {
			firstFree = i
		}
	}

	if firstFree < 0 {
		panic("tlb capacity exceeded")
	}

	c.entries[firstFree] = Entry{
		Valid:  true,
		VPN:    vpn,
		PFN:    pfn,
		Access: access,
	}
}

// InvalidateFrame drops every entry that caches a translation to pfn. It
// must run whenever the sharing state of a frame changes, e.g. when the
// frame is freed or duplicated for copy-on-write.
func (c *Comp) InvalidateFrame(pfn uint64) {
	for i := range c.entries {
		if c.entries[i].Valid && c.entries[i].PFN == pfn {
			c.entries[i] = Entry{}
		}
	}
}

// Flush drops every entry.
func (c *Comp) Flush() {
	for i := range c.entries {
		c.entries[i] = Entry{}
	}
}

// Snapshot returns a copy of all slots, valid or not, for diagnosis.
func (c *Comp) Snapshot() []Entry {
	snapshot := make([]Entry, len(c.entries))
	copy(snapshot, c.entries)

	return snapshot
}
