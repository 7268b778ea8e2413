// Package monitoring turns a running simulation into an HTTP server so that
// the machine state can be inspected from outside while a trace executes.
package monitoring

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"

	"github.com/sarchlab/vmsim/vm"
	"github.com/sarchlab/vmsim/vm/mmu"
	"github.com/sarchlab/vmsim/vm/tlb"
)

// Monitor serves the live state of an MMU over HTTP.
type Monitor struct {
	mmu        *mmu.Comp
	tlb        *tlb.Comp
	portNumber int
	url        string
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor. Ports below 1000 are
// rejected and a random free port is picked instead.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterMMU registers the MMU to be monitored.
func (m *Monitor) RegisterMMU(c *mmu.Comp) {
	m.mmu = c
}

// RegisterTLB registers the TLB to be monitored.
func (m *Monitor) RegisterTLB(c *tlb.Comp) {
	m.tlb = c
}

// URL returns the address the monitor serves on. It is empty until
// StartServer has run.
func (m *Monitor) URL() string {
	return m.url
}

// StartServer starts the monitor as a web server.
func (m *Monitor) StartServer() {
	r := mux.NewRouter()
	r.HandleFunc("/api/processes", m.listProcesses)
	r.HandleFunc("/api/frames", m.listFrames)
	r.HandleFunc("/api/tlb", m.listTLBEntries)
	r.HandleFunc("/api/resource", m.listResources)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.url = fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring simulation with %s\n", m.url)

	go func() {
		err := http.Serve(listener, r)
		dieOnErr(err)
	}()
}

// OpenBrowser opens the monitor page in the default browser. StartServer
// must have run first.
func (m *Monitor) OpenBrowser() {
	if m.url == "" {
		log.Panic("monitor server is not started")
	}

	err := browser.OpenURL(m.url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open browser: %v\n", err)
	}
}

type pageRsp struct {
	VPN         uint64 `json:"vpn"`
	PFN         uint64 `json:"pfn"`
	Access      string `json:"access"`
	COWRecorded bool   `json:"cow_recorded"`
	COWOrigin   string `json:"cow_origin,omitempty"`
}

type processRsp struct {
	PID    uint32    `json:"pid"`
	Active bool      `json:"active"`
	Pages  []pageRsp `json:"pages"`
}

func (m *Monitor) listProcesses(w http.ResponseWriter, _ *http.Request) {
	procs := []processRsp{m.processRsp(m.mmu.CurrentProcess(), true)}
	for _, p := range m.mmu.ReadyProcesses() {
		procs = append(procs, m.processRsp(p, false))
	}

	writeJSON(w, procs)
}

func (m *Monitor) processRsp(p *mmu.Process, active bool) processRsp {
	rsp := processRsp{
		PID:    uint32(p.PID),
		Active: active,
		Pages:  []pageRsp{},
	}

	p.PageTable.VisitValid(func(vpn uint64, pte *vm.PTE) {
		page := pageRsp{
			VPN:         vpn,
			PFN:         pte.PFN,
			Access:      pte.Access.String(),
			COWRecorded: pte.COWRecorded,
		}
		if pte.COWRecorded {
			page.COWOrigin = pte.COWOrigin.String()
		}

		rsp.Pages = append(rsp.Pages, page)
	})

	return rsp
}

type frameRsp struct {
	PFN      uint64 `json:"pfn"`
	RefCount uint32 `json:"ref_count"`
}

func (m *Monitor) listFrames(w http.ResponseWriter, _ *http.Request) {
	ft := m.mmu.FrameTable()

	frames := []frameRsp{}
	for pfn := 0; pfn < ft.NumFrames(); pfn++ {
		count := ft.RefCount(uint64(pfn))
		if count == 0 {
			continue
		}

		frames = append(frames, frameRsp{
			PFN:      uint64(pfn),
			RefCount: count,
		})
	}

	writeJSON(w, frames)
}

type tlbEntryRsp struct {
	VPN    uint64 `json:"vpn"`
	PFN    uint64 `json:"pfn"`
	Access string `json:"access"`
}

func (m *Monitor) listTLBEntries(w http.ResponseWriter, _ *http.Request) {
	entries := []tlbEntryRsp{}
	for _, e := range m.tlb.Snapshot() {
		if !e.Valid {
			continue
		}

		entries = append(entries, tlbEntryRsp{
			VPN:    e.VPN,
			PFN:    e.PFN,
			Access: e.Access.String(),
		})
	}

	writeJSON(w, entries)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memoryInfo, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
