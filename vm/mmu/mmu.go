// Package mmu implements the memory-management unit of the simulated
// machine: address translation through the TLB and the page table, demand
// paging, copy-on-write fault resolution, and process switching/forking.
package mmu

import (
	"container/list"
	"errors"

	"github.com/sarchlab/vmsim/vm"
)

// Translation failures the MMU reports to its driver. Anything else that
// goes wrong mid-operation is an invariant breach and panics.
var (
	// ErrFramesExhausted is returned when a fault needs a physical frame
	// and none is free.
	ErrFramesExhausted = errors.New("no free page frame")

	// ErrProtectionViolation is returned when a write faults on a
	// read-only page that has no copy-on-write lineage.
	ErrProtectionViolation = errors.New("access permission denied")
)

// A TLB is the translation cache the MMU consults before walking the page
// table. *tlb.Comp implements it.
type TLB interface {
	Lookup(vpn uint64, access vm.Access) (pfn uint64, found bool)
	Insert(vpn uint64, access vm.Access, pfn uint64)
	InvalidateFrame(pfn uint64)
	Flush()
}

// Hook positions the MMU invokes. Translation-path hooks carry a
// TranslationInfo as the Item; the process hooks carry a ProcessSwitchInfo.
var (
	HookPosTLBHit        = &vm.HookPos{Name: "TLBHit"}
	HookPosTLBMiss       = &vm.HookPos{Name: "TLBMiss"}
	HookPosPageFault     = &vm.HookPos{Name: "PageFault"}
	HookPosPageFree      = &vm.HookPos{Name: "PageFree"}
	HookPosProcessSwitch = &vm.HookPos{Name: "ProcessSwitch"}
	HookPosProcessFork   = &vm.HookPos{Name: "ProcessFork"}
)

// Fault resolutions, reported as the Detail of HookPosPageFault.
const (
	FaultFirstTouch = "first-touch"
	FaultCOWCopy    = "cow-copy"
	FaultCOWUpgrade = "cow-upgrade"
	FaultSpurious   = "spurious"
	FaultDenied     = "denied"
	FaultExhausted  = "exhausted"
)

// TranslationInfo describes the access a translation-path hook fires for.
type TranslationInfo struct {
	PID    vm.PID
	VPN    uint64
	PFN    uint64
	Access vm.Access
}

// ProcessSwitchInfo describes a completed switch-or-fork.
type ProcessSwitchInfo struct {
	From vm.PID
	To   vm.PID
}

// Comp is the MMU. It owns the frame table, the TLB, and the set of
// simulated processes, of which exactly one is active at a time. All
// operations are synchronous state transitions; the driver is responsible
// for serializing calls and only issues translations for the active
// process.
type Comp struct {
	vm.HookableBase

	name string

	numDirectories      int
	entriesPerDirectory int

	tlb    TLB
	frames *vm.FrameTable

	current    *Process
	readyQueue *list.List
}

// Name returns the name of the MMU.
func (c *Comp) Name() string {
	return c.name
}

// CurrentProcess returns the active process.
func (c *Comp) CurrentProcess() *Process {
	return c.current
}

// ReadyProcesses returns the inactive processes in queue order.
func (c *Comp) ReadyProcesses() []*Process {
	procs := make([]*Process, 0, c.readyQueue.Len())
	for e := c.readyQueue.Front(); e != nil; e = e.Next() {
		procs = append(procs, e.Value.(*Process))
	}

	return procs
}

// FrameTable returns the physical frame table shared by all processes.
func (c *Comp) FrameTable() *vm.FrameTable {
	return c.frames
}

// TLB returns the translation cache the MMU consults.
func (c *Comp) TLB() TLB {
	return c.tlb
}

// Translate resolves vpn for the active process: it tries the TLB first,
// then walks the page table, and finally invokes the page-fault handler and
// retries the walk. Successful translations are cached in the TLB. The two
// possible failures are ErrFramesExhausted and ErrProtectionViolation; in
// both cases no mapping state has changed.
func (c *Comp) Translate(vpn uint64, access vm.Access) (uint64, error) {
	if pfn, found := c.tlb.Lookup(vpn, access); found {
		c.invokeTranslationHook(HookPosTLBHit, vpn, pfn, access, nil)
		return pfn, nil
	}

	c.invokeTranslationHook(HookPosTLBMiss, vpn, 0, access, nil)

	pfn, ok := c.current.PageTable.Walk(vpn, access)
	if !ok {
		if err := c.handlePageFault(vpn, access); err != nil {
			return 0, err
		}

		pfn, ok = c.current.PageTable.Walk(vpn, access)
		if !ok {
			// The handler reported success without establishing the
			// requested access, e.g. a read on a write-only page. That is
			// an access-control denial, not a resolvable fault.
			return 0, ErrProtectionViolation
		}
	}

	c.tlb.Insert(vpn, access, pfn)

	return pfn, nil
}

// handlePageFault resolves a translation miss or permission violation for
// the active process. The cases, in order:
//
//   - The PTE was never populated: demand-allocate the lowest free frame.
//   - A write hit a read-only page whose pre-fork permissions included
//     write: copy-on-write. With the frame still shared, the writer gets a
//     private copy; as sole owner, the permission is restored in place.
//   - A write hit a read-only page with no such lineage: denied.
//   - The access is already satisfied: nothing to do. This happens only
//     when the handler is invoked without a preceding failed walk.
func (c *Comp) handlePageFault(vpn uint64, access vm.Access) error {
	pte := c.current.PageTable.EntryForWrite(vpn)

	if !pte.Valid {
		return c.populateFirstTouch(pte, vpn, access)
	}

	if access.Allows(vm.AccessWrite) && !pte.Access.Allows(vm.AccessWrite) {
		if pte.COWRecorded && pte.COWOrigin.Allows(vm.AccessWrite) {
			return c.resolveCopyOnWrite(pte, vpn, access)
		}

		c.invokeTranslationHook(HookPosPageFault, vpn, pte.PFN, access,
			FaultDenied)

		return ErrProtectionViolation
	}

	c.invokeTranslationHook(HookPosPageFault, vpn, pte.PFN, access,
		FaultSpurious)

	return nil
}

func (c *Comp) populateFirstTouch(
	pte *vm.PTE,
	vpn uint64,
	access vm.Access,
) error {
	pfn, ok := c.frames.Allocate()
	if !ok {
		c.invokeTranslationHook(HookPosPageFault, vpn, 0, access,
			FaultExhausted)

		return ErrFramesExhausted
	}

	pte.Valid = true
	pte.Access = access
	pte.PFN = pfn

	c.invokeTranslationHook(HookPosPageFault, vpn, pfn, access,
		FaultFirstTouch)

	return nil
}

func (c *Comp) resolveCopyOnWrite(
	pte *vm.PTE,
	vpn uint64,
	access vm.Access,
) error {
	if c.frames.RefCount(pte.PFN) > 1 {
		// The frame is still shared: the writer gets a private copy and
		// drops its reference on the shared frame.
		newPFN, ok := c.frames.Allocate()
		if !ok {
			c.invokeTranslationHook(HookPosPageFault, vpn, pte.PFN, access,
				FaultExhausted)

			return ErrFramesExhausted
		}

		oldPFN := pte.PFN
		c.frames.ReleaseReference(oldPFN)
		c.tlb.InvalidateFrame(oldPFN)

		pte.PFN = newPFN
		pte.Access = pte.COWOrigin

		c.invokeTranslationHook(HookPosPageFault, vpn, newPFN, access,
			FaultCOWCopy)

		return nil
	}

	// Sole owner: restore the pre-fork permissions in place.
	pte.Access = pte.COWOrigin

	c.invokeTranslationHook(HookPosPageFault, vpn, pte.PFN, access,
		FaultCOWUpgrade)

	return nil
}

// FreePage unmaps vpn from the active process: the page-table entry's
// reference on the frame is released, TLB entries caching the frame are
// invalidated, and the entry is cleared. Freeing a page that is not mapped
// is a no-op, not an error. The COW origin snapshot survives the unmap.
func (c *Comp) FreePage(vpn uint64) {
	pte := c.current.PageTable.Entry(vpn)
	if pte == nil || !pte.Valid {
		return
	}

	pfn := pte.PFN
	c.frames.ReleaseReference(pfn)
	c.tlb.InvalidateFrame(pfn)

	pte.Valid = false
	pte.Access = 0
	pte.PFN = 0

	c.invokeTranslationHook(HookPosPageFree, vpn, pfn, 0, nil)
}

// SwitchProcess makes pid the active process. If pid is on the ready queue
// it is switched in; otherwise a new process with that pid is forked from
// the active one, sharing all of its pages copy-on-write. Either way the
// previously active process goes to the tail of the ready queue and the TLB
// is flushed, since its contents are scoped to the outgoing page table.
func (c *Comp) SwitchProcess(pid vm.PID) {
	pos := HookPosProcessSwitch

	next := c.removeFromReadyQueue(pid)
	if next == nil {
		next = c.fork(pid)
		pos = HookPosProcessFork
	}

	prev := c.current
	c.readyQueue.PushBack(prev)
	c.current = next
	c.tlb.Flush()

	c.InvokeHook(vm.HookCtx{
		Domain: c,
		Pos:    pos,
		Item:   ProcessSwitchInfo{From: prev.PID, To: next.PID},
	})
}

func (c *Comp) removeFromReadyQueue(pid vm.PID) *Process {
	for e := c.readyQueue.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Process)
		if p.PID == pid {
			c.readyQueue.Remove(e)
			return p
		}
	}

	return nil
}

// fork clones the active process's page table into a new process and
// downgrades every shared page to read-only in both tables. The pre-fork
// permissions are recorded before the downgrade, and only if no earlier
// fork recorded them already, so a page always remembers its original
// permissions no matter how many generations share it.
func (c *Comp) fork(pid vm.PID) *Process {
	child := &Process{
		PID:       pid,
		PageTable: vm.NewPageTable(c.numDirectories, c.entriesPerDirectory),
	}

	c.current.PageTable.VisitValid(func(vpn uint64, parent *vm.PTE) {
		parent.RecordCOWOrigin()

		childPTE := child.PageTable.EntryForWrite(vpn)
		*childPTE = *parent

		parent.Access = vm.AccessRead
		childPTE.Access = vm.AccessRead

		c.frames.AddReference(parent.PFN)
	})

	return child
}

func (c *Comp) invokeTranslationHook(
	pos *vm.HookPos,
	vpn, pfn uint64,
	access vm.Access,
	detail interface{},
) {
	c.InvokeHook(vm.HookCtx{
		Domain: c,
		Pos:    pos,
		Item: TranslationInfo{
			PID:    c.current.PID,
			VPN:    vpn,
			PFN:    pfn,
			Access: access,
		},
		Detail: detail,
	})
}
