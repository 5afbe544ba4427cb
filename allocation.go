package vpr

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/internal/device"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils/metadata"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
)

const (
	createdFillPattern   uint8 = 0xDC
	destroyedFillPattern uint8 = 0xEF
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypeDedicated
)

var allocationTypeMapping = map[allocationType]string{
	allocationTypeNone:      "allocationTypeNone",
	allocationTypeBlock:     "allocationTypeBlock",
	allocationTypeDedicated: "allocationTypeDedicated",
}

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

// AllocationState is the position of an Allocation in its lifecycle. Freed is terminal.
type AllocationState uint32

const (
	// AllocationStateUninitialized is the state of a zero Allocation that no allocator call has
	// filled in
	AllocationStateUninitialized AllocationState = iota
	// AllocationStateCommitted is the state of a live allocation that has never been mapped
	AllocationStateCommitted
	// AllocationStateMapped is the state of a live allocation with at least one outstanding map,
	// including persistently mapped allocations
	AllocationStateMapped
	// AllocationStateUnmapped is the state of a live allocation whose maps have all been released
	AllocationStateUnmapped
	// AllocationStateFreed is the state of an allocation after Free. Nothing but the accessors
	// may be called on it.
	AllocationStateFreed
)

var allocationStateMapping = map[AllocationState]string{
	AllocationStateUninitialized: "Uninitialized",
	AllocationStateCommitted:     "Committed",
	AllocationStateMapped:        "Mapped",
	AllocationStateUnmapped:      "Unmapped",
	AllocationStateFreed:         "Freed",
}

func (s AllocationState) String() string {
	str, ok := allocationStateMapping[s]
	if !ok {
		return "unknown"
	}
	return str
}

type allocationFlags uint32

const (
	allocationPersistentMap allocationFlags = 1 << iota
	allocationMappingAllowed
	allocationCanBecomeLost
)

var allocationFlagsMapping = common.NewFlagStringMapping[allocationFlags]()

func init() {
	allocationFlagsMapping.Register(allocationPersistentMap, "allocationPersistentMap")
	allocationFlagsMapping.Register(allocationMappingAllowed, "allocationMappingAllowed")
	allocationFlagsMapping.Register(allocationCanBecomeLost, "allocationCanBecomeLost")
}

type blockData struct {
	handle metadata.BlockAllocationHandle
	block  *deviceMemoryBlock
}

type dedicatedData struct {
	parentPool *Pool
	list       *dedicatedAllocationList
	nextAlloc  *Allocation
	prevAlloc  *Allocation
}

// Allocation is either a region of a memory block or a whole dedicated memory region. It is filled
// in by the Allocator and must not be copied while live: the allocator tracks the address of the
// Allocation it filled in, and a copy is treated as stale.
//
// An Allocation is not safe for concurrent use. Map, Unmap, Free and Update on one Allocation must
// not be called from several goroutines at once. Different Allocations, even in the same block, can
// be used concurrently.
type Allocation struct {
	alignment uint
	size      int
	userData  any
	name      string
	flags     allocationFlags
	state     AllocationState

	lastUseFrameIndex uint32

	memoryTypeIndex   int
	allocationType    allocationType
	suballocationType metadata.SuballocationType
	mapCount          int
	memory            *device.SynchronizedMemory

	parentAllocator *Allocator

	blockData     blockData
	dedicatedData dedicatedData
}

func (a *Allocation) init(allocator *Allocator, mappingAllowed bool, canBecomeLost bool) {
	var flags allocationFlags
	if mappingAllowed {
		flags |= allocationMappingAllowed
	}
	if canBecomeLost {
		flags |= allocationCanBecomeLost
	}

	*a = Allocation{
		alignment:         1,
		flags:             flags,
		parentAllocator:   allocator,
		lastUseFrameIndex: allocator.CurrentFrameIndex(),
	}
}

func (a *Allocation) initBlockAllocation(
	block *deviceMemoryBlock,
	allocHandle metadata.BlockAllocationHandle,
	alignment uint,
	size int,
	suballocationType metadata.SuballocationType,
	mapped bool,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if block == nil || block.memory == nil {
		panic("attempting to init a block allocation using a nil memory block")
	}
	a.allocationType = allocationTypeBlock
	a.alignment = alignment
	a.size = size
	a.memoryTypeIndex = block.memoryTypeIndex
	a.suballocationType = suballocationType
	a.state = AllocationStateCommitted
	if mapped {
		if !a.IsMappingAllowed() {
			panic("attempting to initialize an allocation for mapping that was created without mapping capabilities")
		}
		a.flags |= allocationPersistentMap
		a.state = AllocationStateMapped
	}

	a.memory = block.memory
	a.blockData.handle = allocHandle
	a.blockData.block = block
}

func (a *Allocation) initDedicatedAllocation(
	parentPool *Pool,
	memoryTypeIndex int,
	memory *device.SynchronizedMemory,
	suballocationType metadata.SuballocationType,
	size int,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if memory == nil {
		panic("attempting to init a dedicated allocation using a nil device memory")
	}
	a.allocationType = allocationTypeDedicated
	a.alignment = 0
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.suballocationType = suballocationType
	a.state = AllocationStateCommitted
	if memory.IsPersistentlyMapped() {
		if !a.IsMappingAllowed() {
			panic("attempting to initialize an allocation for mapping that was created without mapping capabilities")
		}
		a.flags |= allocationPersistentMap
		a.state = AllocationStateMapped
	}

	a.dedicatedData.parentPool = parentPool
	a.memory = memory
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) Name() string {
	return a.name
}

func (a *Allocation) State() AllocationState     { return a.state }
func (a *Allocation) MemoryTypeIndex() int       { return a.memoryTypeIndex }
func (a *Allocation) Size() int                  { return a.size }
func (a *Allocation) Alignment() uint            { return a.alignment }
func (a *Allocation) IsDedicated() bool          { return a.allocationType == allocationTypeDedicated }
func (a *Allocation) IsPersistentlyMapped() bool { return a.flags&allocationPersistentMap != 0 }
func (a *Allocation) IsMappingAllowed() bool     { return a.flags&allocationMappingAllowed != 0 }

// CanBecomeLost reports whether the allocation was created with AllocationCreateCanBecomeLost
func (a *Allocation) CanBecomeLost() bool { return a.flags&allocationCanBecomeLost != 0 }

// Memory returns the provider memory region holding this allocation, or nil once it is freed
func (a *Allocation) Memory() provider.DeviceMemory {
	if a.memory == nil {
		return nil
	}
	return a.memory.Memory()
}

func (a *Allocation) MemoryType() provider.MemoryType {
	return a.parentAllocator.deviceMemory.MemoryTypeProperties(a.memoryTypeIndex)
}

// LastUseFrameIndex is the allocator frame index recorded by the most recent Touch, or at creation
func (a *Allocation) LastUseFrameIndex() uint32 {
	return atomic.LoadUint32(&a.lastUseFrameIndex)
}

// Touch records the allocator's current frame index as the last frame this allocation was used in
func (a *Allocation) Touch() {
	atomic.StoreUint32(&a.lastUseFrameIndex, a.parentAllocator.CurrentFrameIndex())
}

// Offset is the offset in bytes of this allocation within Memory. Dedicated allocations are
// always at offset 0.
func (a *Allocation) Offset() int {
	block := a.blockData.block
	if a.allocationType != allocationTypeBlock || block == nil {
		return 0
	}

	block.parentList.mutex.RLock()
	defer block.parentList.mutex.RUnlock()

	return a.offset()
}

// offset must be called with the parent block list locked
func (a *Allocation) offset() int {
	if a.allocationType != allocationTypeBlock || a.blockData.block == nil {
		return 0
	}

	offset, err := a.blockData.block.metadata.AllocationOffset(a.blockData.handle)
	if err != nil {
		panic(fmt.Sprintf("failed to locate offset for handle %+v: %+v", a.blockData.handle, err))
	}

	return offset
}

// MappedData returns a pointer to the start of this allocation if it is currently mapped, or nil
func (a *Allocation) MappedData() unsafe.Pointer {
	if a.memory == nil || (a.mapCount == 0 && !a.IsPersistentlyMapped()) {
		return nil
	}

	data := a.memory.MappedData()
	if data == nil {
		return nil
	}
	return unsafe.Add(data, a.Offset())
}

// checkLive returns ErrInvalidArgument for an allocation that was never filled in and
// ErrStaleAllocation for one that was freed or whose block was destroyed
func (a *Allocation) checkLive() error {
	switch a.state {
	case AllocationStateUninitialized:
		return errors.Wrap(ErrInvalidArgument, "the allocation was never initialized")
	case AllocationStateFreed:
		return errors.Wrap(ErrStaleAllocation, "the allocation has already been freed")
	}

	if a.allocationType == allocationTypeBlock && (a.blockData.block == nil || a.blockData.block.isDestroyed()) {
		return errors.Wrap(ErrStaleAllocation, "the allocation's memory block no longer exists")
	}

	return nil
}

func (a *Allocation) isLive() bool {
	return a.state != AllocationStateUninitialized && a.state != AllocationStateFreed
}

// Map returns a host pointer to the start of this allocation. Every successful call must be paired
// with a call to Unmap. The memory region is mapped through the provider on the first map of any
// allocation it holds, and unmapped when the last map is released. The region's map count is
// shared safely between allocations, but this allocation's own count is not synchronized.
func (a *Allocation) Map() (unsafe.Pointer, error) {
	if a.parentAllocator != nil {
		a.parentAllocator.logger.Debug("Allocation::Map")
	}

	err := a.checkLive()
	if err != nil {
		return nil, err
	}

	if !a.IsMappingAllowed() {
		return nil, errors.Wrapf(ErrInvalidArgument, "memory type %d is not host visible and cannot be mapped", a.memoryTypeIndex)
	}

	var data unsafe.Pointer
	if a.IsPersistentlyMapped() {
		data = a.memory.MappedData()
	} else {
		data, err = a.memory.Map(1)
		if err != nil {
			return nil, err
		}
	}

	a.mapCount++
	a.state = AllocationStateMapped

	return unsafe.Add(data, a.Offset()), nil
}

// Unmap releases one map taken with Map
func (a *Allocation) Unmap() error {
	if a.parentAllocator != nil {
		a.parentAllocator.logger.Debug("Allocation::Unmap")
	}

	err := a.checkLive()
	if err != nil {
		return err
	}

	if a.mapCount == 0 {
		return errors.Wrap(ErrInvalidArgument, "attempted to unmap an allocation that is not mapped")
	}

	if !a.IsPersistentlyMapped() {
		err = a.memory.Unmap(1)
		if err != nil {
			return err
		}
	}

	a.mapCount--
	if a.mapCount == 0 && !a.IsPersistentlyMapped() {
		a.state = AllocationStateUnmapped
	}

	return nil
}

// Free returns this allocation's memory to the allocator. The Allocation is stale afterwards.
func (a *Allocation) Free() error {
	if a.parentAllocator == nil {
		return errors.Wrap(ErrInvalidArgument, "the allocation was never initialized")
	}
	a.parentAllocator.logger.Debug("Allocation::Free")

	return a.parentAllocator.freeMemory(a)
}

// releaseMaps drops the map references this allocation still holds on its memory region
func (a *Allocation) releaseMaps() error {
	if a.mapCount == 0 || a.IsPersistentlyMapped() {
		a.mapCount = 0
		return nil
	}

	err := a.memory.Unmap(a.mapCount)
	a.mapCount = 0
	return err
}

func (a *Allocation) markFreed() {
	a.state = AllocationStateFreed
	a.memory = nil
	a.blockData.block = nil
	a.blockData.handle = metadata.NoAllocation
	a.dedicatedData = dedicatedData{}
}

// Update moves this allocation into the placement held by destination, and destination into the
// placement this allocation held. Both must be live, unmapped-or-owned block allocations from the
// same pool. It exists for defragmenters: after copying the contents, call Update on the moved
// allocation and then Free the destination, which now owns the old placement.
func (a *Allocation) Update(destination *Allocation) error {
	if a.parentAllocator == nil {
		return errors.Wrap(ErrInvalidArgument, "the allocation was never initialized")
	}
	a.parentAllocator.logger.Debug("Allocation::Update")

	if destination == nil || destination == a {
		return errors.Wrap(ErrInvalidArgument, "Update requires a distinct destination allocation")
	}

	err := a.checkLive()
	if err != nil {
		return err
	}
	err = destination.checkLive()
	if err != nil {
		return err
	}

	if a.allocationType != allocationTypeBlock || destination.allocationType != allocationTypeBlock {
		return errors.Wrap(ErrInvalidArgument, "only block allocations can be updated")
	}

	list := a.blockData.block.parentList
	if destination.blockData.block.parentList != list {
		return errors.Wrap(ErrInvalidArgument, "the destination allocation belongs to a different pool")
	}
	if destination.mapCount > 0 && !destination.IsPersistentlyMapped() {
		return errors.Wrap(ErrInvalidArgument, "the destination allocation is mapped")
	}

	list.mutex.Lock()
	defer list.mutex.Unlock()

	return a.swapBlockAllocation(destination)
}

func (a *Allocation) swapBlockAllocation(alloc *Allocation) error {
	oldMemory := a.memory
	newMemory := alloc.memory

	if a.IsPersistentlyMapped() {
		_, err := newMemory.MapPersistent()
		if err != nil {
			return err
		}
	} else if a.mapCount > 0 {
		_, err := newMemory.Map(a.mapCount)
		if err != nil {
			return err
		}
		err = oldMemory.Unmap(a.mapCount)
		if err != nil {
			panic(fmt.Sprintf("unexpected error when releasing map references during an allocation update: %+v", err))
		}
	}

	if alloc.IsPersistentlyMapped() {
		_, err := oldMemory.MapPersistent()
		if err != nil {
			panic(fmt.Sprintf("unexpected error when persistently mapping during an allocation update: %+v", err))
		}
	}

	err := a.blockData.block.metadata.SetAllocationUserData(a.blockData.handle, alloc)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when attempting to set current metadata during block swap: %+v", err))
	}
	err = alloc.blockData.block.metadata.SetAllocationUserData(alloc.blockData.handle, a)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when attempting to set new metadata during block swap: %+v", err))
	}

	a.blockData, alloc.blockData = alloc.blockData, a.blockData
	a.memory, alloc.memory = alloc.memory, a.memory
	a.alignment, alloc.alignment = alloc.alignment, a.alignment
	// Size and kind belong to the placement
	a.size, alloc.size = alloc.size, a.size
	a.suballocationType, alloc.suballocationType = alloc.suballocationType, a.suballocationType

	return nil
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.suballocationType.String())
	json.Name("Size").Int(a.size)

	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}

	if a.name != "" {
		json.Name("Name").String(a.name)
	}

	if a.CanBecomeLost() {
		json.Name("LastUseFrameIndex").Int(int(a.LastUseFrameIndex()))
	}
}

func (a *Allocation) fillAllocation(pattern uint8) {
	if !initializeAllocs || !a.IsMappingAllowed() {
		return
	}

	data, err := a.memory.Map(1)
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to map memory during debug pattern fill: %+v", err))
	}

	dataSlice := unsafe.Slice((*uint8)(unsafe.Add(data, a.offset())), a.size)
	for i := range dataSlice {
		dataSlice[i] = pattern
	}

	err = a.memory.Unmap(1)
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to unmap memory during debug pattern fill: %+v", err))
	}
}

func (a *Allocation) nextDedicatedAlloc() *Allocation {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to get the next dedicated allocation in the linked list, but this is not a dedicated allocation")
	}
	return a.dedicatedData.nextAlloc
}

func (a *Allocation) setNext(alloc *Allocation) {
	a.dedicatedData.nextAlloc = alloc
}

func (a *Allocation) prevDedicatedAlloc() *Allocation {
	if a.allocationType != allocationTypeDedicated {
		panic("attempted to get the prev dedicated allocation in the linked list, but this is not a dedicated allocation")
	}
	return a.dedicatedData.prevAlloc
}

func (a *Allocation) setPrev(alloc *Allocation) {
	a.dedicatedData.prevAlloc = alloc
}

// ParentPool is the custom pool this allocation was made from, or nil for default pools
func (a *Allocation) ParentPool() *Pool {
	switch a.allocationType {
	case allocationTypeBlock:
		if a.blockData.block == nil {
			return nil
		}
		return a.blockData.block.parentList.parentPool
	case allocationTypeDedicated:
		return a.dedicatedData.parentPool
	}

	return nil
}
