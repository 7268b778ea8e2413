package mmu

import (
	"github.com/sarchlab/vmsim/vm"
)

// A Process is one simulated process: an ID and the page table it owns. The
// MMU keeps inactive processes on its ready queue; the active process is
// held aside until it is switched out.
type Process struct {
	PID       vm.PID
	PageTable *vm.PageTable
}
