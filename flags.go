package vpr

import "github.com/vkngwrapper/core/v2/common"

// AllocationCreateFlags exposes several options for allocation behavior
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = common.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateDedicatedMemory instructs the allocator to give the allocation its own memory
	// region instead of a part of a block
	AllocationCreateDedicatedMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate only allows allocating from existing blocks. No new block or
	// dedicated region is created, so the request fails with ErrOutOfPoolMemory if nothing fits.
	AllocationCreateNeverAllocate
	// AllocationCreateMapped keeps the allocation persistently mapped for its whole life. The pointer
	// is available from Allocation.MappedData. Memory types that are not host visible are avoided
	// when possible, and the flag is ignored if one is selected anyway.
	AllocationCreateMapped
	// AllocationCreateUpperAddress allocates from the top of a block down. It is only permitted in
	// custom pools using PoolCreateLinearAlgorithm with a MaxBlockCount of 1, and allows the block to
	// be used as a double stack.
	AllocationCreateUpperAddress
	// AllocationCreateWithinBudget fails the allocation with provider.ErrOutOfDeviceMemory instead of
	// creating new memory that would exceed the heap budget
	AllocationCreateWithinBudget
	// AllocationCreateCanBecomeLost marks the allocation as eligible for reclamation once it has not
	// been touched for some number of frames. Reclamation itself is not performed by the allocator.
	AllocationCreateCanBecomeLost
	// AllocationCreateStrategyMinMemory selects the smallest free region that fits
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinTime selects the largest free region, which is the fastest to find
	AllocationCreateStrategyMinTime
	// AllocationCreateStrategyMinOffset selects the free region with the lowest offset. This is the
	// default.
	AllocationCreateStrategyMinOffset

	AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyMinTime |
		AllocationCreateStrategyMinOffset
)

func init() {
	AllocationCreateDedicatedMemory.Register("AllocationCreateDedicatedMemory")
	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreateMapped.Register("AllocationCreateMapped")
	AllocationCreateUpperAddress.Register("AllocationCreateUpperAddress")
	AllocationCreateWithinBudget.Register("AllocationCreateWithinBudget")
	AllocationCreateCanBecomeLost.Register("AllocationCreateCanBecomeLost")
	AllocationCreateStrategyMinMemory.Register("AllocationCreateStrategyMinMemory")
	AllocationCreateStrategyMinTime.Register("AllocationCreateStrategyMinTime")
	AllocationCreateStrategyMinOffset.Register("AllocationCreateStrategyMinOffset")
}

// MemoryUsage is passed in AllocationCreateInfo to describe how the memory will be accessed, which
// decides the memory property flags the allocator looks for
type MemoryUsage uint32

const (
	// MemoryUsageUnknown adds no flags of its own: only RequiredFlags and PreferredFlags are used
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageGPUOnly prefers memory that is device local and not host visible
	MemoryUsageGPUOnly
	// MemoryUsageCPUOnly requires host visible, host coherent memory and avoids device local memory
	MemoryUsageCPUOnly
	// MemoryUsageCPUToGPU requires host visible memory and prefers it to be device local. Use it
	// for data written by the host every frame and read by the device.
	MemoryUsageCPUToGPU
	// MemoryUsageGPUToCPU requires host visible memory and prefers it to be host cached. Use it
	// for data written by the device and read back by the host.
	MemoryUsageGPUToCPU
	// MemoryUsageGPULazilyAllocated requires lazily allocated memory. Allocations with this usage
	// are always dedicated.
	MemoryUsageGPULazilyAllocated
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:            "MemoryUsageUnknown",
	MemoryUsageGPUOnly:            "MemoryUsageGPUOnly",
	MemoryUsageCPUOnly:            "MemoryUsageCPUOnly",
	MemoryUsageCPUToGPU:           "MemoryUsageCPUToGPU",
	MemoryUsageGPUToCPU:           "MemoryUsageGPUToCPU",
	MemoryUsageGPULazilyAllocated: "MemoryUsageGPULazilyAllocated",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

// PoolCreateFlags select the allocation technique and other behavior of a custom Pool
type PoolCreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateIgnoreBufferImageGranularity tells the pool that only buffers and linear images, or
	// only optimal images, will be allocated from it, so the device's buffer/image granularity can
	// be ignored and allocations packed more tightly
	PoolCreateIgnoreBufferImageGranularity PoolCreateFlags = 1 << iota
	// PoolCreateLinearAlgorithm selects the linear technique: first fit from the bottom of each block,
	// plus upper address allocations from the top of a single block with stack discipline. This is
	// also the technique used by default pools.
	PoolCreateLinearAlgorithm
	// PoolCreateBuddyAlgorithm selects the buddy technique: every allocation consumes one
	// power-of-two node, which makes fragmentation predictable at the cost of internal waste
	PoolCreateBuddyAlgorithm

	PoolCreateAlgorithmMask = PoolCreateLinearAlgorithm | PoolCreateBuddyAlgorithm
)

func init() {
	PoolCreateIgnoreBufferImageGranularity.Register("PoolCreateIgnoreBufferImageGranularity")
	PoolCreateLinearAlgorithm.Register("PoolCreateLinearAlgorithm")
	PoolCreateBuddyAlgorithm.Register("PoolCreateBuddyAlgorithm")
}
