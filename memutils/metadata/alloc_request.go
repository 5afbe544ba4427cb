package metadata

// AllocationRequestType identifies the technique and placement mode that produced an
// AllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestFirstFit is a lower-address placement from LinearBlockMetadata
	AllocationRequestFirstFit AllocationRequestType = iota
	// AllocationRequestUpperAddress is a placement on the upper stack of LinearBlockMetadata
	AllocationRequestUpperAddress
	// AllocationRequestBuddy is a node placement from BuddyBlockMetadata
	AllocationRequestBuddy
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestFirstFit:     "FirstFit",
	AllocationRequestUpperAddress: "UpperAddress",
	AllocationRequestBuddy:        "Buddy",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and describes where the
// metadata intends to place new memory. Nothing changes in the metadata until the request is passed
// to BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle is the handle the allocation will have once committed
	BlockAllocationHandle BlockAllocationHandle
	// Size is the number of bytes the allocation will consume, which may be larger than requested
	Size int
	// Item describes the region that will be committed
	Item Suballocation
	// Type identifies the placement mode used
	Type AllocationRequestType

	// AllocType is the kind passed to CreateAllocationRequest
	AllocType SuballocationType
	// AlgorithmData is private to the BlockMetadata implementation
	AlgorithmData uint64
}

// Offset is the offset within the block that the allocation will start at
func (r AllocationRequest) Offset() int {
	return r.Item.Offset
}
