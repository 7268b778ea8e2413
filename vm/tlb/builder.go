package tlb

// A Builder can build TLBs.
type Builder struct {
	numEntries int
}

// MakeBuilder returns a Builder with default configurations.
func MakeBuilder() Builder {
	return Builder{
		numEntries: 32,
	}
}

// WithNumEntries sets the number of slots in the TLB. The TLB performs no
// eviction, so the slot count must cover every page the active page table
// can map at once.
func (b Builder) WithNumEntries(n int) Builder {
	b.numEntries = n
	return b
}

// Build returns a newly created TLB.
func (b Builder) Build(name string) *Comp {
	if b.numEntries <= 0 {
		panic("tlb must have at least one entry")
	}

	return &Comp{
		name:    name,
		entries: make([]Entry, b.numEntries),
	}
}
