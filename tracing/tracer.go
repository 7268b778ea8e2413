// Package tracing records the events of a simulated MMU into a data
// recorder so that runs can be inspected after the fact.
package tracing

import (
	"github.com/rs/xid"

	"github.com/sarchlab/vmsim/datarecording"
	"github.com/sarchlab/vmsim/vm"
	"github.com/sarchlab/vmsim/vm/mmu"
)

const eventTableName = "mmu_events"

// An EventEntry is one row of the mmu_events table.
type EventEntry struct {
	RunID  string
	Seq    uint64
	Event  string
	PID    uint32
	VPN    uint64
	PFN    uint64
	Access string
	Detail string
}

// An MMUTracer listens to the hooks of an MMU and records one row per
// event.
type MMUTracer struct {
	backend datarecording.DataRecorder
	runID   string
	seq     uint64
}

// NewMMUTracer creates an MMUTracer that writes into backend. The tracer
// creates the mmu_events table on the backend immediately.
func NewMMUTracer(backend datarecording.DataRecorder) *MMUTracer {
	t := &MMUTracer{
		backend: backend,
		runID:   xid.New().String(),
	}

	backend.CreateTable(eventTableName, EventEntry{})

	return t
}

// Func records one MMU event. It implements vm.Hook.
func (t *MMUTracer) Func(ctx vm.HookCtx) {
	entry := EventEntry{
		RunID: t.runID,
		Seq:   t.seq,
		Event: ctx.Pos.Name,
	}
	t.seq++

	switch item := ctx.Item.(type) {
	case mmu.TranslationInfo:
		entry.PID = uint32(item.PID)
		entry.VPN = item.VPN
		entry.PFN = item.PFN
		entry.Access = item.Access.String()
	case mmu.ProcessSwitchInfo:
		entry.PID = uint32(item.To)
	}

	if detail, ok := ctx.Detail.(string); ok {
		entry.Detail = detail
	}

	t.backend.InsertData(eventTableName, entry)
}

// CollectMMUEvents attaches a new tracer to the MMU so that every event is
// recorded on the backend.
func CollectMMUEvents(
	backend datarecording.DataRecorder,
	m *mmu.Comp,
) *MMUTracer {
	t := NewMMUTracer(backend)
	m.AcceptHook(t)

	return t
}
