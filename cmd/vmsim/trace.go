package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sarchlab/vmsim/vm"
	"github.com/sarchlab/vmsim/vm/mmu"
	"github.com/sarchlab/vmsim/vm/tlb"
)

type traceOp int

const (
	opRead traceOp = iota
	opWrite
	opSwitch
	opFree
	opPrint
)

type traceCommand struct {
	op  traceOp
	arg uint64
}

// parseTraceLine parses one line of the trace format. Blank lines and lines
// starting with '#' are skipped, reported through ok=false.
func parseTraceLine(line string) (command traceCommand, ok bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return traceCommand{}, false, nil
	}

	var op traceOp
	needsArg := true

	switch fields[0] {
	case "r":
		op = opRead
	case "w":
		op = opWrite
	case "s":
		op = opSwitch
	case "f":
		op = opFree
	case "p":
		op = opPrint
		needsArg = false
	default:
		return traceCommand{}, false,
			fmt.Errorf("unknown command %q", fields[0])
	}

	if !needsArg {
		if len(fields) != 1 {
			return traceCommand{}, false,
				fmt.Errorf("command %q takes no argument", fields[0])
		}

		return traceCommand{op: op}, true, nil
	}

	if len(fields) != 2 {
		return traceCommand{}, false,
			fmt.Errorf("command %q needs exactly one argument", fields[0])
	}

	arg, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return traceCommand{}, false,
			fmt.Errorf("argument %q is not a number", fields[1])
	}

	return traceCommand{op: op, arg: arg}, true, nil
}

type driver struct {
	machine *mmu.Comp
	tlb     *tlb.Comp
	out     io.Writer
}

// execute runs one trace command. Translation failures are reported on the
// output but do not stop the trace; the surrounding framework decides when
// a run is over. A vpn the page tables cannot map is a trace error, not a
// machine condition, and stops the run like any other malformed input.
func (d *driver) execute(command traceCommand) error {
	pid := d.machine.CurrentProcess().PID

	switch command.op {
	case opRead:
		return d.translate("r", pid, command.arg, vm.AccessRead)
	case opWrite:
		return d.translate("w", pid, command.arg,
			vm.AccessRead|vm.AccessWrite)
	case opSwitch:
		d.machine.SwitchProcess(vm.PID(command.arg))
		fmt.Fprintf(d.out, "pid %d: switched in\n",
			d.machine.CurrentProcess().PID)
	case opFree:
		if err := d.checkVPN(command.arg); err != nil {
			return err
		}

		d.machine.FreePage(command.arg)
		fmt.Fprintf(d.out, "pid %d: f vpn %d\n", pid, command.arg)
	case opPrint:
		d.printState()
	}

	return nil
}

func (d *driver) translate(name string, pid vm.PID, vpn uint64,
	access vm.Access) error {
	if err := d.checkVPN(vpn); err != nil {
		return err
	}

	pfn, err := d.machine.Translate(vpn, access)
	if err != nil {
		fmt.Fprintf(d.out, "pid %d: %s vpn %d -> fault (%v)\n",
			pid, name, vpn, err)
		return nil
	}

	fmt.Fprintf(d.out, "pid %d: %s vpn %d -> pfn %d\n", pid, name, vpn, pfn)

	return nil
}

func (d *driver) checkVPN(vpn uint64) error {
	numPages := d.machine.CurrentProcess().PageTable.NumPages()
	if vpn >= uint64(numPages) {
		return fmt.Errorf("vpn %d out of range, page tables map %d pages",
			vpn, numPages)
	}

	return nil
}

func (d *driver) printState() {
	fmt.Fprintf(d.out, "current pid: %d\n", d.machine.CurrentProcess().PID)

	fmt.Fprint(d.out, "ready queue:")
	for _, p := range d.machine.ReadyProcesses() {
		fmt.Fprintf(d.out, " %d", p.PID)
	}
	fmt.Fprintln(d.out)

	ft := d.machine.FrameTable()
	fmt.Fprint(d.out, "frames in use:")
	for pfn := 0; pfn < ft.NumFrames(); pfn++ {
		if count := ft.RefCount(uint64(pfn)); count > 0 {
			fmt.Fprintf(d.out, " %d(x%d)", pfn, count)
		}
	}
	fmt.Fprintln(d.out)

	fmt.Fprint(d.out, "tlb:")
	for _, e := range d.tlb.Snapshot() {
		if e.Valid {
			fmt.Fprintf(d.out, " %d->%d[%s]", e.VPN, e.PFN, e.Access)
		}
	}
	fmt.Fprintln(d.out)
}
