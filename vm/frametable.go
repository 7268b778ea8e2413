package vm

// A FrameTable tracks, for every physical page frame, how many valid
// page-table entries across all processes point at it. A frame with count
// zero is free. A frame with count two or more is shared between processes
// and must be treated as copy-on-write.
type FrameTable struct {
	mapCounts []uint32
}

// NewFrameTable creates a FrameTable with numFrames free frames.
func NewFrameTable(numFrames int) *FrameTable {
	if numFrames <= 0 {
		panic("frame table must have at least one frame")
	}

	return &FrameTable{
		mapCounts: make([]uint32, numFrames),
	}
}

// NumFrames returns the number of physical frames the table manages.
func (ft *FrameTable) NumFrames() int {
	return len(ft.mapCounts)
}

// Allocate claims the lowest-numbered free frame and returns it with its
// count set to one. Lowest-first selection is part of the contract; callers
// and tests may rely on it. ok is false when every frame is taken.
func (ft *FrameTable) Allocate() (pfn uint64, ok bool) {
	for i, count := range ft.mapCounts {
		if count == 0 {
			ft.mapCounts[i] = 1
			return uint64(i), true
		}
	}

	return 0, false
}

// AddReference records one more mapping pointing at pfn.
func (ft *FrameTable) AddReference(pfn uint64) {
	ft.mapCounts[pfn]++
}

// ReleaseReference drops one mapping from pfn. The frame becomes eligible
// for allocation again when its count reaches zero. Frame contents are not
// zeroed on reuse.
func (ft *FrameTable) ReleaseReference(pfn uint64) {
	if ft.mapCounts[pfn] == 0 {
		panic("releasing a frame that has no references")
	}

	ft.mapCounts[pfn]--
}

// RefCount returns the number of mappings currently pointing at pfn.
func (ft *FrameTable) RefCount(pfn uint64) uint32 {
	return ft.mapCounts[pfn]
}
