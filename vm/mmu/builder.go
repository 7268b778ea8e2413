package mmu

import (
	"container/list"

	"github.com/sarchlab/vmsim/vm"
	"github.com/sarchlab/vmsim/vm/tlb"
)

// A Builder can build MMUs.
type Builder struct {
	numDirectories      int
	entriesPerDirectory int
	numFrames           int
	numTLBEntries       int
	initialPID          vm.PID
	tlb                 TLB
}

// MakeBuilder returns a Builder with default configurations: page tables
// with 16 directories of 16 entries each, 128 physical frames, and a
// 32-entry TLB.
func MakeBuilder() Builder {
	return Builder{
		numDirectories:      16,
		entriesPerDirectory: 16,
		numFrames:           128,
		numTLBEntries:       32,
	}
}

// WithNumDirectories sets the number of directory slots in each page table.
func (b Builder) WithNumDirectories(n int) Builder {
	b.numDirectories = n
	return b
}

// WithNumEntriesPerDirectory sets the number of PTEs in each page
// directory.
func (b Builder) WithNumEntriesPerDirectory(n int) Builder {
	b.entriesPerDirectory = n
	return b
}

// WithNumFrames sets the number of physical page frames in the machine.
func (b Builder) WithNumFrames(n int) Builder {
	b.numFrames = n
	return b
}

// WithNumTLBEntries sets the number of slots in the TLB the MMU builds for
// itself. It is ignored when a TLB is injected with WithTLB.
func (b Builder) WithNumTLBEntries(n int) Builder {
	b.numTLBEntries = n
	return b
}

// WithTLB injects the translation cache the MMU consults. When not set, the
// MMU builds its own.
func (b Builder) WithTLB(t TLB) Builder {
	b.tlb = t
	return b
}

// WithInitialPID sets the pid of the process the machine boots with.
func (b Builder) WithInitialPID(pid vm.PID) Builder {
	b.initialPID = pid
	return b
}

// Build returns a newly created MMU with a single empty process active and
// an empty ready queue.
func (b Builder) Build(name string) *Comp {
	c := &Comp{
		name:                name,
		numDirectories:      b.numDirectories,
		entriesPerDirectory: b.entriesPerDirectory,
		frames:              vm.NewFrameTable(b.numFrames),
		readyQueue:          list.New(),
	}

	c.tlb = b.tlb
	if c.tlb == nil {
		c.tlb = tlb.MakeBuilder().
			WithNumEntries(b.numTLBEntries).
			Build(name + ".TLB")
	}

	c.current = &Process{
		PID:       b.initialPID,
		PageTable: vm.NewPageTable(b.numDirectories, b.entriesPerDirectory),
	}

	return c
}
