package metadata

import "math"

// BlockAllocationHandle identifies a live allocation within one BlockMetadata. Handles are
// the allocation offset plus one so that the zero value never refers to a live allocation.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

func handleFromOffset(offset int) BlockAllocationHandle {
	return BlockAllocationHandle(offset + 1)
}

func (h BlockAllocationHandle) offset() int {
	return int(h) - 1
}

// SuballocationType tags the contents of a region of a block. It is only consulted by the
// granularity conflict check: resources of some types may not share a granularity page with
// resources of other types.
type SuballocationType uint32

const (
	SuballocationFree SuballocationType = iota
	SuballocationUnknown
	SuballocationBuffer
	SuballocationImageUnknown
	SuballocationImageLinear
	SuballocationImageOptimal
)

var suballocationTypeMapping = map[SuballocationType]string{
	SuballocationFree:         "FREE",
	SuballocationUnknown:      "UNKNOWN",
	SuballocationBuffer:       "BUFFER",
	SuballocationImageUnknown: "IMAGE_UNKNOWN",
	SuballocationImageLinear:  "IMAGE_LINEAR",
	SuballocationImageOptimal: "IMAGE_OPTIMAL",
}

func (t SuballocationType) String() string {
	return suballocationTypeMapping[t]
}

// Suballocation describes one region of a block, free or used
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Type     SuballocationType
}

// End is the first byte past the region
func (s Suballocation) End() int {
	return s.Offset + s.Size
}
