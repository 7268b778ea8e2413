package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sarchlab/vmsim/datarecording"
	"github.com/sarchlab/vmsim/monitoring"
	"github.com/sarchlab/vmsim/tracing"
	"github.com/sarchlab/vmsim/vm/mmu"
	"github.com/sarchlab/vmsim/vm/tlb"
)

type rootFlags struct {
	numFrames     int
	numTLBEntries int
	numDirs       int
	numPTEs       int

	record   bool
	recordDB string

	monitor     bool
	portNumber  int
	openBrowser bool
}

func newRootCmd() *cobra.Command {
	flags := rootFlags{}

	cmd := &cobra.Command{
		Use:   "vmsim [trace file]",
		Short: "vmsim executes a memory access trace on a simulated MMU.",
		Long: `vmsim executes a memory access trace on a simulated MMU ` +
			`with a two-level page table, a TLB, demand paging, and ` +
			`copy-on-write forking. The trace is read from the given file, ` +
			`or from stdin when no file is given. Trace commands: ` +
			`"r <vpn>" reads a page, "w <vpn>" writes a page, ` +
			`"s <pid>" switches to (or forks) a process, ` +
			`"f <vpn>" frees a page, and "p" prints the machine state.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, flags)
		},
		SilenceUsage: true,
	}

	cmd.Flags().IntVar(&flags.numFrames, "frames",
		envInt("VMSIM_FRAMES", 128),
		"number of physical page frames")
	cmd.Flags().IntVar(&flags.numTLBEntries, "tlb-entries",
		envInt("VMSIM_TLB_ENTRIES", 32),
		"number of TLB slots")
	cmd.Flags().IntVar(&flags.numDirs, "dirs",
		envInt("VMSIM_DIRS", 16),
		"number of page directories per page table")
	cmd.Flags().IntVar(&flags.numPTEs, "ptes",
		envInt("VMSIM_PTES", 16),
		"number of page table entries per directory")
	cmd.Flags().BoolVar(&flags.record, "record", false,
		"record MMU events into a SQLite database")
	cmd.Flags().StringVar(&flags.recordDB, "record-db",
		os.Getenv("VMSIM_RECORD_DB"),
		"name of the recording database (picked automatically when empty)")
	cmd.Flags().BoolVar(&flags.monitor, "monitor", false,
		"serve the live machine state over HTTP")
	cmd.Flags().IntVar(&flags.portNumber, "port",
		envInt("VMSIM_PORT", 0),
		"port for the monitoring server")
	cmd.Flags().BoolVar(&flags.openBrowser, "open", false,
		"open the monitoring page in a browser")

	return cmd
}

func run(cmd *cobra.Command, args []string, flags rootFlags) error {
	in := cmd.InOrStdin()
	if len(args) == 1 {
		file, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer file.Close()

		in = file
	}

	cache := tlb.MakeBuilder().
		WithNumEntries(flags.numTLBEntries).
		Build("MMU.TLB")
	machine := mmu.MakeBuilder().
		WithNumDirectories(flags.numDirs).
		WithNumEntriesPerDirectory(flags.numPTEs).
		WithNumFrames(flags.numFrames).
		WithTLB(cache).
		Build("MMU")

	if flags.record {
		recorder := datarecording.New(flags.recordDB)
		tracing.CollectMMUEvents(recorder, machine)
	}

	if flags.monitor {
		monitor := monitoring.NewMonitor().WithPortNumber(flags.portNumber)
		monitor.RegisterMMU(machine)
		monitor.RegisterTLB(cache)
		monitor.StartServer()

		if flags.openBrowser {
			monitor.OpenBrowser()
		}
	}

	driver := &driver{
		machine: machine,
		tlb:     cache,
		out:     cmd.OutOrStdout(),
	}

	return driver.runTrace(in)
}

func (d *driver) runTrace(in io.Reader) error {
	scanner := bufio.NewScanner(in)

	lineNo := 0
	for scanner.Scan() {
		lineNo++

		command, ok, err := parseTraceLine(scanner.Text())
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !ok {
			continue
		}

		if err := d.execute(command); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}

	return scanner.Err()
}

func envInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ignoring %s=%q: not an integer\n", key, s)
		return def
	}

	return v
}
