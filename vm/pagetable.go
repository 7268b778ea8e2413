package vm

// A PTE is one page-table entry. It maps a virtual page to a physical frame
// together with the permissions the mapping allows.
//
// COWOrigin and COWRecorded snapshot the permissions the page had before its
// first fork. The snapshot is written exactly once and never cleared, so a
// page shared across multiple fork generations still remembers its original,
// pre-downgrade permissions.
type PTE struct {
	Valid  bool
	Access Access
	PFN    uint64

	COWOrigin   Access
	COWRecorded bool
}

// RecordCOWOrigin stores the entry's current permissions as its
// copy-on-write origin. Calls after the first are no-ops.
func (p *PTE) RecordCOWOrigin() {
	if p.COWRecorded {
		return
	}

	p.COWOrigin = p.Access
	p.COWRecorded = true
}

// A Directory is one second-level node of a page table, holding a fixed
// number of PTEs. Directories are created lazily on first touch.
type Directory struct {
	PTEs []PTE
}

// A PageTable is the per-process two-level translation structure: a fixed
// array of directory slots, each slot either empty or owning one Directory.
type PageTable struct {
	numDirectories      int
	entriesPerDirectory int
	directories         []*Directory
}

// NewPageTable creates an empty page table with the given fan-out at each
// level.
func NewPageTable(numDirectories, entriesPerDirectory int) *PageTable {
	if numDirectories <= 0 || entriesPerDirectory <= 0 {
		panic("page table fan-out must be positive")
	}

	return &PageTable{
		numDirectories:      numDirectories,
		entriesPerDirectory: entriesPerDirectory,
		directories:         make([]*Directory, numDirectories),
	}
}

// NumPages returns the number of virtual pages the table can map.
func (pt *PageTable) NumPages() int {
	return pt.numDirectories * pt.entriesPerDirectory
}

func (pt *PageTable) decompose(vpn uint64) (dirIdx, entryIdx int) {
	if vpn >= uint64(pt.NumPages()) {
		panic("vpn out of range")
	}

	return int(vpn) / pt.entriesPerDirectory, int(vpn) % pt.entriesPerDirectory
}

// Entry returns the PTE for vpn, or nil if the covering directory has never
// been touched.
func (pt *PageTable) Entry(vpn uint64) *PTE {
	dirIdx, entryIdx := pt.decompose(vpn)

	dir := pt.directories[dirIdx]
	if dir == nil {
		return nil
	}

	return &dir.PTEs[entryIdx]
}

// EntryForWrite returns the PTE for vpn, creating the covering directory
// zero-initialized if it does not exist yet.
func (pt *PageTable) EntryForWrite(vpn uint64) *PTE {
	dirIdx, entryIdx := pt.decompose(vpn)

	dir := pt.directories[dirIdx]
	if dir == nil {
		dir = &Directory{PTEs: make([]PTE, pt.entriesPerDirectory)}
		pt.directories[dirIdx] = dir
	}

	return &dir.PTEs[entryIdx]
}

// Walk translates vpn. It succeeds only when a valid entry exists and its
// permissions satisfy the requested access; everything else is a fault to be
// resolved by the MMU.
func (pt *PageTable) Walk(vpn uint64, access Access) (pfn uint64, ok bool) {
	pte := pt.Entry(vpn)
	if pte == nil || !pte.Valid || !pte.Access.Allows(access) {
		return 0, false
	}

	return pte.PFN, true
}

// Map installs a valid mapping from vpn to pfn with the given permissions,
// creating the covering directory if needed.
func (pt *PageTable) Map(vpn uint64, access Access, pfn uint64) {
	pte := pt.EntryForWrite(vpn)
	pte.Valid = true
	pte.Access = access
	pte.PFN = pfn
}

// VisitValid calls fn for every valid entry in the table, in ascending vpn
// order. The callback may mutate the entry in place.
func (pt *PageTable) VisitValid(fn func(vpn uint64, pte *PTE)) {
	for d, dir := range pt.directories {
		if dir == nil {
			continue
		}

		for e := range dir.PTEs {
			pte := &dir.PTEs[e]
			if pte.Valid {
				fn(uint64(d*pt.entriesPerDirectory+e), pte)
			}
		}
	}
}
