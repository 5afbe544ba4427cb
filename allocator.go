package vpr

import (
	"context"
	"log/slog"
	"math"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/internal/device"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils/metadata"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
)

// SetCurrentFrameIndex sets the frame index recorded by Allocation.Touch and by new allocations
func (a *Allocator) SetCurrentFrameIndex(frameIndex uint32) {
	atomic.StoreUint32(&a.currentFrameIndex, frameIndex)
}

func (a *Allocator) CurrentFrameIndex() uint32 {
	return atomic.LoadUint32(&a.currentFrameIndex)
}

func (a *Allocator) calcAllocationParams(
	o *AllocationCreateInfo,
	requiresDedicatedAllocation bool,
) error {
	// GPU lazily allocated requires dedicated allocations
	if requiresDedicatedAllocation || o.Usage == MemoryUsageGPULazilyAllocated {
		o.Flags |= AllocationCreateDedicatedMemory
	}

	if o.Pool != nil {
		if o.Pool.parentAllocator != a {
			return errors.Wrap(ErrInvalidArgument, "the pool belongs to a different allocator")
		}
		if o.Pool.blockList.HasExplicitBlockSize() && o.Flags&AllocationCreateDedicatedMemory != 0 {
			return errors.Wrap(ErrInvalidArgument, "specified AllocationCreateDedicatedMemory with a pool that does not support it")
		}
	}

	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateNeverAllocate != 0 {
		return errors.Wrap(ErrInvalidArgument, "AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate cannot be specified together")
	}

	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateUpperAddress != 0 {
		return errors.Wrap(ErrInvalidArgument, "AllocationCreateDedicatedMemory and AllocationCreateUpperAddress cannot be specified together")
	}

	return nil
}

func (a *Allocator) findMemoryPreferences(
	o *AllocationCreateInfo,
) (requiredFlags, preferredFlags, notPreferredFlags provider.MemoryPropertyFlags) {
	requiredFlags = o.RequiredFlags
	preferredFlags = o.PreferredFlags

	switch o.Usage {
	case MemoryUsageGPUOnly:
		preferredFlags |= provider.MemoryPropertyDeviceLocal
		notPreferredFlags |= provider.MemoryPropertyHostVisible
	case MemoryUsageCPUOnly:
		requiredFlags |= provider.MemoryPropertyHostVisible | provider.MemoryPropertyHostCoherent
		notPreferredFlags |= provider.MemoryPropertyDeviceLocal
	case MemoryUsageCPUToGPU:
		requiredFlags |= provider.MemoryPropertyHostVisible
		preferredFlags |= provider.MemoryPropertyDeviceLocal
	case MemoryUsageGPUToCPU:
		requiredFlags |= provider.MemoryPropertyHostVisible
		preferredFlags |= provider.MemoryPropertyHostCached
	case MemoryUsageGPULazilyAllocated:
		requiredFlags |= provider.MemoryPropertyLazilyAllocated
	}

	if o.Flags&AllocationCreateMapped != 0 {
		preferredFlags |= provider.MemoryPropertyHostVisible
		notPreferredFlags &^= provider.MemoryPropertyHostVisible
	}

	// A flag can't be both required and avoided
	notPreferredFlags &^= requiredFlags | o.PreferredFlags

	return requiredFlags, preferredFlags, notPreferredFlags
}

// FindMemoryTypeIndex returns the memory type an allocation of size bytes with the provided options
// would be placed in. memoryTypeBits restricts the candidates the way
// provider.PlacementRequirements.MemoryTypeBits does. Memory types whose heap has no budget left
// for size bytes, and whose default pool has no free space of that size either, are skipped.
func (a *Allocator) FindMemoryTypeIndex(
	memoryTypeBits uint32,
	o AllocationCreateInfo,
	size int,
) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	return a.findMemoryTypeIndex(memoryTypeBits, &o, size)
}

func (a *Allocator) findMemoryTypeIndex(
	memoryTypeBits uint32,
	o *AllocationCreateInfo,
	size int,
) (int, error) {
	memoryTypeBits &= a.globalMemoryTypeBits
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	requiredFlags, preferredFlags, notPreferredFlags := a.findMemoryPreferences(o)

	budgets := make([]Budget, a.deviceMemory.MemoryHeapCount())
	a.deviceMemory.HeapBudgets(0, budgets)

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		if size > 0 {
			budget := budgets[a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)]
			if budget.Budget-budget.Usage < size && a.memoryBlockLists[memTypeIndex].SumFreeSize() < size {
				// The heap is out of budget and existing blocks can't hold it either
				continue
			}
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(ErrFeatureNotPresent, "no memory type in bits %#x has the required flags %s and budget for %d bytes", memoryTypeBits, requiredFlags.String(), size)
	}

	return bestMemoryTypeIndex, nil
}

func (a *Allocator) allocateDedicatedMemoryPage(
	pool *Pool,
	size int,
	suballocationType metadata.SuballocationType,
	memoryTypeIndex int,
	doMap, isMappingAllowed bool,
	createInfo *AllocationCreateInfo,
	alloc *Allocation,
) (err error) {
	mem, err := a.deviceMemory.AllocateDeviceMemory(memoryTypeIndex, size)
	if err != nil {
		a.logger.Debug("    Allocator::allocateDedicatedMemoryPage FAILED", slog.Any("error", err))
		return err
	}
	defer func() {
		if err != nil {
			a.logger.Debug("    Allocator::allocateDedicatedMemoryPage FAILED", slog.Any("error", err))
			a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, mem)
		}
	}()

	if doMap {
		// Set up our persistent map
		_, err = mem.MapPersistent()
		if err != nil {
			return err
		}
	}

	alloc.init(a, isMappingAllowed, createInfo.Flags&AllocationCreateCanBecomeLost != 0)
	alloc.initDedicatedAllocation(pool, memoryTypeIndex, mem, suballocationType, size)

	alloc.SetUserData(createInfo.UserData)
	alloc.SetName(createInfo.Name)
	a.deviceMemory.AddAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex), size)

	alloc.fillAllocation(createdFillPattern)

	return nil
}

func (a *Allocator) allocateDedicatedMemory(
	pool *Pool,
	size int,
	suballocationType metadata.SuballocationType,
	dedicatedAllocations *dedicatedAllocationList,
	memoryTypeIndex int,
	doMap, isMappingAllowed bool,
	createInfo *AllocationCreateInfo,
	allocations []Allocation,
) error {
	if len(allocations) == 0 {
		panic("called Allocator::allocateDedicatedMemory with empty allocation list")
	}

	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	if createInfo.Flags&AllocationCreateWithinBudget != 0 {
		var budget [1]Budget
		a.deviceMemory.HeapBudgets(heapIndex, budget[:])
		if budget[0].Usage+size*len(allocations) > budget[0].Budget {
			return errors.Wrapf(provider.ErrOutOfDeviceMemory, "%d dedicated allocations of %d bytes would exceed the budget of heap %d", len(allocations), size, heapIndex)
		}
	}

	var err error
	var allocIndex int
	for allocIndex = 0; allocIndex < len(allocations); allocIndex++ {
		err = a.allocateDedicatedMemoryPage(
			pool,
			size,
			suballocationType,
			memoryTypeIndex,
			doMap,
			isMappingAllowed,
			createInfo,
			&allocations[allocIndex],
		)
		if err != nil {
			break
		}
	}

	if err == nil {
		for registerIndex := 0; registerIndex < len(allocations); registerIndex++ {
			dedicatedAllocations.Register(&allocations[registerIndex])
		}

		a.logger.Debug("    Allocated DedicatedMemory", slog.Int("Count", len(allocations)), slog.Int("MemoryTypeIndex", memoryTypeIndex))

		return nil
	}

	// Clean up allocations after error
	for allocIndex > 0 {
		allocIndex--

		currentAlloc := &allocations[allocIndex]
		a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, currentAlloc.memory)
		a.deviceMemory.RemoveAllocation(heapIndex, currentAlloc.Size())
		currentAlloc.markFreed()
	}

	return err
}

func (a *Allocator) allocateMemoryOfType(
	pool *Pool,
	size int,
	alignment uint,
	dedicatedPreferred bool,
	createInfo *AllocationCreateInfo,
	memoryTypeIndex int,
	suballocationType metadata.SuballocationType,
	dedicatedAllocations *dedicatedAllocationList,
	blockAllocations *memoryBlockList,
	allocations []Allocation,
) error {
	if len(allocations) == 0 {
		panic("allocateMemoryOfType called with an empty list of target allocations")
	}
	if createInfo == nil {
		panic("allocateMemoryOfType called with a nil createInfo")
	}

	a.logger.Debug("Allocator::allocateMemoryOfType", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("AllocationCount", len(allocations)), slog.Int("Size", size))

	finalCreateInfo := *createInfo

	mappingAllowed := a.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags&provider.MemoryPropertyHostVisible != 0
	// If memory type is not host visible, disable Mapped
	if !mappingAllowed {
		finalCreateInfo.Flags &^= AllocationCreateMapped
	}
	doMap := finalCreateInfo.Flags&AllocationCreateMapped != 0

	if finalCreateInfo.Flags&AllocationCreateDedicatedMemory != 0 {
		return a.allocateDedicatedMemory(
			pool,
			size,
			suballocationType,
			dedicatedAllocations,
			memoryTypeIndex,
			doMap,
			mappingAllowed,
			&finalCreateInfo,
			allocations,
		)
	}

	canAllocateDedicated := finalCreateInfo.Flags&(AllocationCreateNeverAllocate|AllocationCreateUpperAddress) == 0 &&
		!blockAllocations.HasExplicitBlockSize()

	if canAllocateDedicated {
		// Allocate dedicated memory if requested size is more than half of the largest block size
		if size > blockAllocations.maxBlockSize/2 {
			dedicatedPreferred = true
		}

		// We don't want to create all allocations as dedicated when we're near maximum size, so don't prefer
		// allocations when we're nearing the maximum number of allocations
		maxAllocationCount := a.deviceMemory.MaxMemoryAllocationCount()
		if maxAllocationCount > 0 && maxAllocationCount < math.MaxUint32/4 &&
			a.deviceMemory.AllocationCount() > uint32(maxAllocationCount*3/4) {
			dedicatedPreferred = false
		}

		if dedicatedPreferred {
			err := a.allocateDedicatedMemory(
				pool,
				size,
				suballocationType,
				dedicatedAllocations,
				memoryTypeIndex,
				doMap,
				mappingAllowed,
				&finalCreateInfo,
				allocations,
			)
			if err == nil {
				a.logger.Debug("  Allocated as DedicatedMemory")
				return nil
			}
		}
	}

	err := blockAllocations.Allocate(
		size,
		alignment,
		&finalCreateInfo,
		suballocationType,
		allocations,
	)
	if err == nil || errors.Is(err, ErrInvalidArgument) {
		return err
	}

	// Try dedicated memory
	if canAllocateDedicated && !dedicatedPreferred {
		dedicatedErr := a.allocateDedicatedMemory(
			pool,
			size,
			suballocationType,
			dedicatedAllocations,
			memoryTypeIndex,
			doMap,
			mappingAllowed,
			&finalCreateInfo,
			allocations,
		)
		if dedicatedErr == nil {
			a.logger.Debug("  Allocated as DedicatedMemory")
			return nil
		}
	}

	a.logger.Debug("  AllocateMemory FAILED", slog.Any("error", err))
	return err
}

func (a *Allocator) multiAllocateMemory(
	requirements *provider.PlacementRequirements,
	options *AllocationCreateInfo,
	suballocType metadata.SuballocationType,
	outAllocations []Allocation,
) error {
	if requirements.Size < 1 {
		return errors.Wrapf(ErrInvalidArgument, "provided memory requirement size %d was not a positive integer", requirements.Size)
	}

	alignment := max(requirements.Alignment, 1)
	err := memutils.CheckPow2(alignment, "PlacementRequirements.Alignment")
	if err != nil {
		return err
	}

	for allocIndex := range outAllocations {
		if outAllocations[allocIndex].isLive() {
			return errors.Wrapf(ErrInvalidArgument, "allocation %d already holds live memory", allocIndex)
		}
	}

	err = a.calcAllocationParams(options, requirements.RequiresDedicated)
	if err != nil {
		return err
	}

	memoryBits := requirements.MemoryTypeBits
	if memoryBits == 0 {
		memoryBits = a.globalMemoryTypeBits
	}

	if options.Pool != nil {
		memoryTypeIndex := options.Pool.blockList.memoryTypeIndex
		if memoryBits&(1<<memoryTypeIndex) == 0 {
			return errors.Wrapf(ErrFeatureNotPresent, "the pool's memory type %d is not permitted by memory type bits %#x", memoryTypeIndex, memoryBits)
		}

		return a.allocateMemoryOfType(
			options.Pool,
			requirements.Size,
			alignment,
			requirements.PrefersDedicated,
			options,
			memoryTypeIndex,
			suballocType,
			&options.Pool.dedicatedAllocations,
			&options.Pool.blockList,
			outAllocations,
		)
	}

	memoryTypeIndex, err := a.findMemoryTypeIndex(memoryBits, options, requirements.Size)
	if err != nil {
		return err
	}

	for {
		blockList := a.memoryBlockLists[memoryTypeIndex]
		if blockList == nil {
			return errors.Newf("attempted to allocate from unsupported memory type index %d", memoryTypeIndex)
		}

		allocErr := a.allocateMemoryOfType(
			nil,
			requirements.Size,
			alignment,
			requirements.PrefersDedicated,
			options,
			memoryTypeIndex,
			suballocType,
			a.dedicatedAllocations[memoryTypeIndex],
			blockList,
			outAllocations,
		)

		// Allocation succeeded (or irrevocably failed)
		if allocErr == nil || errors.Is(allocErr, ErrInvalidArgument) {
			return allocErr
		}

		// Remove memory type index from possibilities
		memoryBits &^= 1 << memoryTypeIndex
		// Find a new memory type index
		memoryTypeIndex, err = a.findMemoryTypeIndex(memoryBits, options, requirements.Size)
		if err != nil {
			return allocErr
		}
	}
}

// AllocateMemory fills outAlloc with memory that satisfies requirements. kind describes the resource
// the memory will be bound to, and decides which neighbours must be kept a granularity page away.
// outAlloc must not hold a live allocation.
func (a *Allocator) AllocateMemory(requirements *provider.PlacementRequirements, kind metadata.SuballocationType, o AllocationCreateInfo, outAlloc *Allocation) error {
	a.logger.Debug("Allocator::AllocateMemory")

	if outAlloc == nil {
		return errors.Wrap(ErrInvalidArgument, "attempted to allocate into a nil allocation")
	} else if requirements == nil {
		return errors.Wrap(ErrInvalidArgument, "attempted to allocate with nil placement requirements")
	}

	// Attempt to create a one-length slice for the provided alloc pointer
	outAllocSlice := unsafe.Slice(outAlloc, 1)
	return a.multiAllocateMemory(requirements, &o, kind, outAllocSlice)
}

// AllocateMemorySlice fills every element of allocations with memory that satisfies requirements.
// Either all of them are allocated or, on error, none are.
func (a *Allocator) AllocateMemorySlice(requirements *provider.PlacementRequirements, kind metadata.SuballocationType, o AllocationCreateInfo, allocations []Allocation) error {
	a.logger.Debug("Allocator::AllocateMemorySlice")

	if requirements == nil {
		return errors.Wrap(ErrInvalidArgument, "attempted to allocate with nil placement requirements")
	}

	if len(allocations) == 0 {
		return nil
	}

	return a.multiAllocateMemory(requirements, &o, kind, allocations)
}

// AllocateMemoryForResource asks the provider for the placement requirements of resource and fills
// outAlloc with memory that satisfies them, honoring the provider's dedicated memory advice
func (a *Allocator) AllocateMemoryForResource(resource any, kind metadata.SuballocationType, o AllocationCreateInfo, outAlloc *Allocation) error {
	a.logger.Debug("Allocator::AllocateMemoryForResource")

	if resource == nil {
		return errors.Wrap(ErrInvalidArgument, "attempted to allocate for a nil resource")
	} else if outAlloc == nil {
		return errors.Wrap(ErrInvalidArgument, "attempted to allocate into a nil allocation")
	}

	requirements, err := a.provider.QueryResourcePlacementRequirements(resource)
	if err != nil {
		return err
	}

	outAllocSlice := unsafe.Slice(outAlloc, 1)
	return a.multiAllocateMemory(&requirements, &o, kind, outAllocSlice)
}

// FreeMemory returns alloc's memory to the allocator. Freeing an allocation twice, or freeing a copy
// of a live Allocation, fails with ErrStaleAllocation.
func (a *Allocator) FreeMemory(alloc *Allocation) error {
	a.logger.Debug("Allocator::FreeMemory")

	return a.freeMemory(alloc)
}

func (a *Allocator) freeMemory(alloc *Allocation) error {
	if alloc == nil {
		return errors.Wrap(ErrInvalidArgument, "attempted to free a nil allocation")
	}

	err := alloc.checkLive()
	if err == nil && alloc.parentAllocator != a {
		err = errors.Wrap(ErrInvalidArgument, "the allocation belongs to a different allocator")
	}

	if err == nil {
		switch alloc.allocationType {
		case allocationTypeBlock:
			err = alloc.blockData.block.parentList.Free(alloc)
		case allocationTypeDedicated:
			err = a.freeDedicatedMemory(alloc)
		default:
			panic(errors.AssertionFailedf("attempted to free an allocation with an invalid type %s", alloc.allocationType))
		}
	}

	if errors.Is(err, ErrStaleAllocation) {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "attempted to free a stale allocation",
			slog.Int("memoryTypeIndex", alloc.memoryTypeIndex),
			slog.String("name", alloc.name),
			slog.Any("error", err))
	}

	return err
}

func (a *Allocator) freeDedicatedMemory(alloc *Allocation) error {
	memoryTypeIndex := alloc.MemoryTypeIndex()
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	list := a.dedicatedAllocations[memoryTypeIndex]
	if parentPool := alloc.dedicatedData.parentPool; parentPool != nil {
		list = &parentPool.dedicatedAllocations
	}

	err := list.Unregister(alloc)
	if err != nil {
		return err
	}

	alloc.fillAllocation(destroyedFillPattern)

	err = alloc.releaseMaps()
	if err != nil {
		panic(errors.Wrapf(err, "unexpected error when releasing the map references of a freed dedicated allocation"))
	}

	size := alloc.Size()
	a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, alloc.memory)
	a.deviceMemory.RemoveAllocation(heapIndex, size)

	alloc.markFreed()
	return nil
}

// CheckCorruption validates the corruption markers of every allocation in default and custom pools
// of the memory types in memoryTypeBits. It returns ErrFeatureNotPresent if corruption detection is
// not enabled for any of them.
func (a *Allocator) CheckCorruption(memoryTypeBits uint32) error {
	a.logger.Debug("Allocator::CheckCorruption")

	checked := false

	// Process default pools
	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		if memoryTypeBits&(1<<memoryTypeIndex) == 0 {
			continue
		}

		list := a.memoryBlockLists[memoryTypeIndex]
		if list == nil {
			continue
		}

		err := list.CheckCorruption()
		if errors.Is(err, ErrFeatureNotPresent) {
			continue
		} else if err != nil {
			return err
		}
		checked = true
	}

	// Process custom pools
	poolsChecked, err := a.checkCustomPools(memoryTypeBits)
	if err != nil {
		return err
	}

	if !checked && !poolsChecked {
		return errors.Wrapf(ErrFeatureNotPresent, "corruption detection is not enabled for any memory type in bits %#x", memoryTypeBits)
	}

	return nil
}

func (a *Allocator) checkCustomPools(memoryTypeBits uint32) (checked bool, err error) {
	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	a.pools.Iter(func(id int, pool *Pool) (stop bool) {
		memBit := uint32(1) << pool.blockList.memoryTypeIndex
		if memBit&memoryTypeBits == 0 {
			return false
		}

		poolErr := pool.blockList.CheckCorruption()
		if errors.Is(poolErr, ErrFeatureNotPresent) {
			return false
		} else if poolErr != nil {
			err = errors.Wrapf(poolErr, "pool %d", id)
			return true
		}

		checked = true
		return false
	})

	return checked, err
}

// CreatePool creates a custom pool of blocks on one memory type
func (a *Allocator) CreatePool(createInfo PoolCreateInfo) (*Pool, error) {
	a.logger.Debug("Allocator::CreatePool",
		slog.Int("MemoryTypeIndex", createInfo.MemoryTypeIndex),
		slog.String("Flags", createInfo.Flags.String()),
	)

	if createInfo.MemoryTypeIndex < 0 || createInfo.MemoryTypeIndex >= a.deviceMemory.MemoryTypeCount() {
		return nil, errors.Wrapf(ErrInvalidArgument, "memory type index %d does not exist", createInfo.MemoryTypeIndex)
	}
	if createInfo.BlockSize < 0 || createInfo.MinBlockSize < 0 || createInfo.MinBlockCount < 0 || createInfo.MaxBlockCount < 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "pool sizes and block counts may not be negative")
	}
	if createInfo.MaxBlockCount > 0 && createInfo.MinBlockCount > createInfo.MaxBlockCount {
		return nil, errors.Wrapf(ErrInvalidArgument, "provided MinBlockCount %d was greater than provided MaxBlockCount %d", createInfo.MinBlockCount, createInfo.MaxBlockCount)
	}

	algorithm := createInfo.Flags & PoolCreateAlgorithmMask
	if algorithm == PoolCreateAlgorithmMask {
		return nil, errors.Wrap(ErrInvalidArgument, "PoolCreateLinearAlgorithm and PoolCreateBuddyAlgorithm cannot be specified together")
	}

	if createInfo.MinAllocationAlignment > 0 {
		err := memutils.CheckPow2(createInfo.MinAllocationAlignment, "createInfo.MinAllocationAlignment")
		if err != nil {
			return nil, err
		}
	}
	if createInfo.BuddyMinNodeSize > 0 {
		err := memutils.CheckPow2(createInfo.BuddyMinNodeSize, "createInfo.BuddyMinNodeSize")
		if err != nil {
			return nil, err
		}
	}

	preferredBlockSize := a.calculatePreferredBlockSize(createInfo.MemoryTypeIndex)

	maxBlockSize := preferredBlockSize
	minBlockSize := max(preferredBlockSize/8, 1)
	if createInfo.BlockSize != 0 {
		maxBlockSize = createInfo.BlockSize
		minBlockSize = createInfo.BlockSize
	}
	if createInfo.MinBlockSize != 0 {
		minBlockSize = createInfo.MinBlockSize
	}
	if minBlockSize > maxBlockSize {
		return nil, errors.Wrapf(ErrInvalidArgument, "the minimum block size %d is larger than the maximum block size %d", minBlockSize, maxBlockSize)
	}

	pool := &Pool{
		logger:          a.logger,
		parentAllocator: a,
	}

	pool.blockList.Init(a.useMutex, a, pool, memoryBlockListCreateInfo{
		memoryTypeIndex:        createInfo.MemoryTypeIndex,
		minBlockSize:           minBlockSize,
		maxBlockSize:           maxBlockSize,
		minBlockCount:          createInfo.MinBlockCount,
		maxBlockCount:          createInfo.MaxBlockCount,
		explicitBlockSize:      createInfo.BlockSize != 0,
		algorithm:              algorithm,
		ignoreGranularity:      createInfo.Flags&PoolCreateIgnoreBufferImageGranularity != 0,
		buddyMinNodeSize:       createInfo.BuddyMinNodeSize,
		minAllocationAlignment: createInfo.MinAllocationAlignment,
	})
	pool.dedicatedAllocations.Init(a.useMutex)

	err := pool.blockList.CreateMinBlocks()
	if err != nil {
		destroyErr := pool.blockList.Destroy()
		if destroyErr != nil {
			a.logger.Error("error attempting to destroy pool after creation failure", slog.Any("error", destroyErr))
		}
		return nil, err
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	pool.id = a.nextPoolId
	a.nextPoolId++
	a.pools.Put(pool.id, pool)

	return pool, nil
}

// Destroy releases every block of the default pools. It fails if any allocation or custom pool is
// still alive.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.poolsMutex.RLock()
	poolCount := a.pools.Count()
	a.poolsMutex.RUnlock()

	if poolCount > 0 {
		return errors.Newf("the allocator still has %d custom pools that have not been destroyed", poolCount)
	}

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		if count := a.dedicatedAllocations[memTypeIndex].Count(); count > 0 {
			return errors.Newf("memory type %d still has %d dedicated allocations that remain unfreed", memTypeIndex, count)
		}
	}

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		err := a.memoryBlockLists[memTypeIndex].Destroy()
		if err != nil {
			return err
		}
	}

	return nil
}

// Budget is the usage and budget of one memory heap
type Budget = device.Budget

// HeapBudgets returns the current usage and budget of every memory heap
func (a *Allocator) HeapBudgets() []Budget {
	a.logger.Debug("Allocator::HeapBudgets")

	budgets := make([]Budget, a.deviceMemory.MemoryHeapCount())
	a.deviceMemory.HeapBudgets(0, budgets)
	return budgets
}

// MemoryTypeProperties returns the memory type with the provided index, as reported by the provider
func (a *Allocator) MemoryTypeProperties(memoryTypeIndex int) provider.MemoryType {
	return a.deviceMemory.MemoryTypeProperties(memoryTypeIndex)
}
