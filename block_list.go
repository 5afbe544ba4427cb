package vpr

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/fuchstraumer/VulpesRender-sub001/internal/device"
	"github.com/fuchstraumer/VulpesRender-sub001/internal/utils"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils/metadata"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
)

// memoryBlockListCreateInfo holds the settings of one memory type pool
type memoryBlockListCreateInfo struct {
	memoryTypeIndex int
	minBlockSize    int
	maxBlockSize    int
	minBlockCount   int
	// maxBlockCount of 0 means unlimited
	maxBlockCount int

	explicitBlockSize      bool
	algorithm              PoolCreateFlags
	ignoreGranularity      bool
	buddyMinNodeSize       int
	minAllocationAlignment uint
}

// memoryBlockList is the memory type pool: every block of one memory type belonging to one default
// or custom pool. Blocks are searched in creation order.
type memoryBlockList struct {
	parentAllocator *Allocator
	parentPool      *Pool
	deviceMemory    *device.DeviceMemoryProperties
	logger          *slog.Logger

	memoryTypeIndex int
	minBlockSize    int
	maxBlockSize    int
	lastBlockSize   int
	minBlockCount   int
	maxBlockCount   int

	bufferImageGranularity uint
	explicitBlockSize      bool
	algorithm              PoolCreateFlags
	buddyMinNodeSize       int
	minAllocationAlignment uint

	mutex       utils.OptionalRWMutex
	blocks      []*deviceMemoryBlock
	nextBlockId int
}

func (l *memoryBlockList) Init(useMutex bool, allocator *Allocator, pool *Pool, info memoryBlockListCreateInfo) {
	l.parentAllocator = allocator
	l.parentPool = pool
	l.logger = allocator.logger
	l.deviceMemory = allocator.deviceMemory

	l.memoryTypeIndex = info.memoryTypeIndex
	l.minBlockSize = info.minBlockSize
	l.maxBlockSize = info.maxBlockSize
	l.minBlockCount = info.minBlockCount
	l.maxBlockCount = info.maxBlockCount
	if l.maxBlockCount <= 0 {
		l.maxBlockCount = math.MaxInt
	}

	l.bufferImageGranularity = allocator.deviceMemory.BufferImageGranularity()
	if info.ignoreGranularity {
		l.bufferImageGranularity = 1
	}
	l.explicitBlockSize = info.explicitBlockSize
	l.algorithm = info.algorithm
	if l.algorithm == 0 {
		l.algorithm = PoolCreateLinearAlgorithm
	}
	l.buddyMinNodeSize = info.buddyMinNodeSize
	if l.buddyMinNodeSize <= 0 {
		l.buddyMinNodeSize = metadata.DefaultBuddyMinNodeSize
	}
	l.minAllocationAlignment = max(info.minAllocationAlignment, 1)

	l.mutex.Enable(useMutex)
}

func (l *memoryBlockList) MemoryTypeIndex() int       { return l.memoryTypeIndex }
func (l *memoryBlockList) Algorithm() PoolCreateFlags { return l.algorithm }
func (l *memoryBlockList) HasExplicitBlockSize() bool { return l.explicitBlockSize }

func (l *memoryBlockList) BlockCount() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks)
}

// Destroy releases every block. It fails without releasing anything if any block still holds
// allocations.
func (l *memoryBlockList) Destroy() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var err error
	for _, block := range l.blocks {
		if !block.metadata.IsEmpty() {
			// Logs each unreleased allocation
			err = errors.CombineErrors(err, block.Destroy())
		}
	}
	if err != nil {
		return err
	}

	for _, block := range l.blocks {
		err = block.Destroy()
		if err != nil {
			return err
		}
	}
	l.blocks = nil
	return nil
}

func (l *memoryBlockList) CreateMinBlocks() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for len(l.blocks) < l.minBlockCount {
		_, err := l.CreateBlock(l.nextBlockSize(0))
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddDetailedStatistics(stats)
	}
}

// SumFreeSize is the number of free bytes across all blocks
func (l *memoryBlockList) SumFreeSize() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	sum := 0
	for _, block := range l.blocks {
		sum += block.metadata.SumFreeSize()
	}
	return sum
}

// LargestFreeRegion is the size of the largest free region in any block of the list
func (l *memoryBlockList) LargestFreeRegion() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	largest := 0
	for _, block := range l.blocks {
		largest = max(largest, block.metadata.LargestFreeRegion())
	}
	return largest
}

func (l *memoryBlockList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks) == 0
}

func (l *memoryBlockList) HasNoAllocations() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if !l.blocks[blockIndex].metadata.IsEmpty() {
			return false
		}
	}

	return true
}

// maxUsableBlockSize is the largest request a block of this pool could ever hold
func (l *memoryBlockList) maxUsableBlockSize() int {
	if l.algorithm == PoolCreateBuddyAlgorithm {
		return memutils.PrevPow2(l.maxBlockSize)
	}
	return l.maxBlockSize
}

// nextBlockSize is the size of the block the pool would create next to hold a request of
// requestSize bytes. The first block is the minimum block size and every later block is half again
// as large as the one before it, up to the maximum.
func (l *memoryBlockList) nextBlockSize(requestSize int) int {
	blockSize := l.minBlockSize
	if len(l.blocks) > 0 {
		blockSize = min(l.lastBlockSize+l.lastBlockSize/2, l.maxBlockSize)
	}

	blockSize = min(max(blockSize, requestSize+memutils.DebugMargin), l.maxBlockSize)

	if l.algorithm == PoolCreateBuddyAlgorithm {
		blockSize = memutils.NextPow2(blockSize)
		if blockSize > l.maxBlockSize {
			blockSize = memutils.PrevPow2(l.maxBlockSize)
		}
	}

	return blockSize
}

// CreateBlock creates one block of blockSize bytes through the provider. The caller must hold the
// write lock.
func (l *memoryBlockList) CreateBlock(blockSize int) (*deviceMemoryBlock, error) {
	memory, err := l.deviceMemory.AllocateDeviceMemory(l.memoryTypeIndex, blockSize)
	if err != nil {
		return nil, err
	}

	block := newDeviceMemoryBlock(l, memory, l.nextBlockId)
	l.nextBlockId++
	l.lastBlockSize = blockSize

	l.blocks = append(l.blocks, block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("memoryTypeIndex", l.memoryTypeIndex),
		slog.String("size", humanize.IBytes(uint64(blockSize))))
	return block, nil
}

func (l *memoryBlockList) Remove(block *deviceMemoryBlock) {
	blockIndex := slices.Index(l.blocks, block)
	if blockIndex < 0 {
		panic("attempted to remove a block from a block list that did not belong to it")
	}

	l.blocks = slices.Delete(l.blocks, blockIndex, blockIndex+1)
}

func (l *memoryBlockList) IsCorruptionDetectionEnabled() bool {
	requiredMemFlags := provider.MemoryPropertyHostVisible | provider.MemoryPropertyHostCoherent
	return memutils.DebugMargin > 0 &&
		l.deviceMemory.MemoryTypeProperties(l.memoryTypeIndex).PropertyFlags&requiredMemFlags == requiredMemFlags
}

func (l *memoryBlockList) isMappingAllowed() bool {
	return l.deviceMemory.MemoryTypeProperties(l.memoryTypeIndex).PropertyFlags&provider.MemoryPropertyHostVisible != 0
}

// Allocate fills every element of allocations with a new block allocation. Either all of them are
// made or none are.
func (l *memoryBlockList) Allocate(size int, alignment uint, createInfo *AllocationCreateInfo, suballocType metadata.SuballocationType, allocations []Allocation) (err error) {
	alignment = max(alignment, l.minAllocationAlignment)

	if l.IsCorruptionDetectionEnabled() {
		size = memutils.AlignUp(size, 4)
		alignment = uint(memutils.AlignUp(int(alignment), 4))
	}

	allocIndex := 0

	defer func() {
		if err != nil {
			for allocIndex > 0 {
				allocIndex--

				freeErr := l.Free(&allocations[allocIndex])
				if freeErr != nil {
					panic(fmt.Sprintf("unexpected error when freeing an allocation that was created as part of a failed allocation: %+v", freeErr))
				}
			}
		}
	}()

	l.mutex.Lock()
	defer l.mutex.Unlock()

	for allocIndex = 0; allocIndex < len(allocations); allocIndex++ {
		err = l.allocPage(size, alignment, createInfo, suballocType, &allocations[allocIndex])
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryBlockList) allocPage(size int, alignment uint, createInfo *AllocationCreateInfo, suballocType metadata.SuballocationType, outAlloc *Allocation) error {
	isUpperAddress := createInfo.Flags&AllocationCreateUpperAddress != 0
	if isUpperAddress && (l.algorithm != PoolCreateLinearAlgorithm || l.maxBlockCount != 1) {
		return errors.Wrap(ErrInvalidArgument, "upper address allocations require a linear pool with a MaxBlockCount of 1")
	}

	if size+memutils.DebugMargin > l.maxUsableBlockSize() {
		return errors.Wrapf(ErrOutOfPoolMemory, "a request of %d bytes is larger than the %d byte maximum block size of memory type %d", size, l.maxUsableBlockSize(), l.memoryTypeIndex)
	}

	strategy := allocationStrategy(createInfo.Flags)

	// 1. Search existing blocks, oldest first
	for _, currentBlock := range l.blocks {
		success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo, suballocType, strategy, outAlloc)
		if err != nil {
			return err
		} else if success {
			l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
			return nil
		}
	}

	// 2. Try to create a new block
	if createInfo.Flags&AllocationCreateNeverAllocate != 0 {
		return errors.Wrapf(ErrOutOfPoolMemory, "no existing block of memory type %d can hold %d bytes and new blocks are not permitted", l.memoryTypeIndex, size)
	}
	if len(l.blocks) >= l.maxBlockCount {
		return errors.Wrapf(ErrOutOfPoolMemory, "no existing block of memory type %d can hold %d bytes and the pool already has its maximum of %d blocks", l.memoryTypeIndex, size, l.maxBlockCount)
	}

	newBlockSize := l.nextBlockSize(size)

	if createInfo.Flags&AllocationCreateWithinBudget != 0 {
		heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
		var budget [1]device.Budget
		l.deviceMemory.HeapBudgets(heapIndex, budget[:])
		if budget[0].Usage+newBlockSize > budget[0].Budget {
			return errors.Wrapf(provider.ErrOutOfDeviceMemory, "a new block of %d bytes would exceed the budget of heap %d", newBlockSize, heapIndex)
		}
	}

	block, err := l.CreateBlock(newBlockSize)
	if err != nil {
		return err
	}

	success, err := l.allocFromBlock(block, size, alignment, createInfo, suballocType, strategy, outAlloc)
	if err != nil {
		return err
	} else if !success {
		return errors.Wrapf(ErrOutOfPoolMemory, "a new block of %d bytes could not hold %d bytes with alignment %d", newBlockSize, size, alignment)
	}

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from new block", slog.Int("block.id", block.id))
	return nil
}

func allocationStrategy(flags AllocationCreateFlags) metadata.AllocationStrategy {
	var strategy metadata.AllocationStrategy
	if flags&AllocationCreateStrategyMinOffset != 0 {
		strategy |= metadata.AllocationStrategyMinOffset
	}
	if flags&AllocationCreateStrategyMinMemory != 0 {
		strategy |= metadata.AllocationStrategyMinMemory
	}
	if flags&AllocationCreateStrategyMinTime != 0 {
		strategy |= metadata.AllocationStrategyMinTime
	}
	return strategy
}

func (l *memoryBlockList) allocFromBlock(block *deviceMemoryBlock, size int, alignment uint, createInfo *AllocationCreateInfo, suballocType metadata.SuballocationType, strategy metadata.AllocationStrategy, outAlloc *Allocation) (bool, error) {
	if block.metadata.SumFreeSize() < size {
		return false, nil
	}

	isUpperAddress := createInfo.Flags&AllocationCreateUpperAddress != 0

	success, currRequest, err := block.metadata.CreateAllocationRequest(size, alignment, isUpperAddress, suballocType, strategy)
	if err != nil {
		return false, err
	} else if !success {
		return false, nil
	}

	return true, l.commitAllocationRequest(currRequest, block, size, alignment, createInfo, suballocType, outAlloc)
}

func (l *memoryBlockList) commitAllocationRequest(allocRequest metadata.AllocationRequest, block *deviceMemoryBlock, size int, alignment uint, createInfo *AllocationCreateInfo, suballocType metadata.SuballocationType, outAlloc *Allocation) error {
	isMappingAllowed := l.isMappingAllowed()
	mapped := createInfo.Flags&AllocationCreateMapped != 0 && isMappingAllowed

	outAlloc.init(l.parentAllocator, isMappingAllowed, createInfo.Flags&AllocationCreateCanBecomeLost != 0)
	err := block.metadata.Alloc(allocRequest, outAlloc)
	if err != nil {
		return err
	}

	// Persistent maps hold the block mapped until it is destroyed
	if mapped {
		_, err = block.memory.MapPersistent()
		if err != nil {
			freeErr := block.metadata.Free(allocRequest.BlockAllocationHandle)
			if freeErr != nil {
				panic(fmt.Sprintf("unexpected error when releasing a region whose persistent map failed: %+v", freeErr))
			}
			*outAlloc = Allocation{}
			return err
		}
	}

	outAlloc.initBlockAllocation(block, allocRequest.BlockAllocationHandle, alignment, size, suballocType, mapped)

	outAlloc.SetUserData(createInfo.UserData)
	outAlloc.SetName(createInfo.Name)
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.AddAllocation(heapIndex, size)

	outAlloc.fillAllocation(createdFillPattern)

	if l.IsCorruptionDetectionEnabled() {
		err = block.WriteMagicValueAfterAllocation(outAlloc.offset(), size)
		if err != nil {
			panic(fmt.Sprintf("failed to write magic values with unexpected error: %+v", err))
		}
	}

	return nil
}

// Free returns alloc's region to its block. It fails with ErrStaleAllocation if alloc does not
// hold a live region of this pool.
func (l *memoryBlockList) Free(alloc *Allocation) error {
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	size := alloc.size

	blockToDelete, err := l.freeWithLock(alloc)
	if err != nil {
		return err
	}

	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block",
			slog.Int("block.id", blockToDelete.id),
			slog.String("size", humanize.IBytes(uint64(blockToDelete.metadata.Size()))))
		err = blockToDelete.Destroy()
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
	}

	l.deviceMemory.RemoveAllocation(heapIndex, size)
	return nil
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation) (blockToDelete *deviceMemoryBlock, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	block := alloc.blockData.block
	if block == nil || block.isDestroyed() || block.parentList != l {
		return nil, errors.Wrap(ErrStaleAllocation, "the allocation's memory block no longer exists")
	}

	userData, err := block.metadata.AllocationUserData(alloc.blockData.handle)
	if err != nil || userData != alloc {
		return nil, errors.Wrapf(ErrStaleAllocation, "block %d does not hold this allocation", block.id)
	}

	offset := alloc.offset()

	if l.IsCorruptionDetectionEnabled() {
		err = block.ValidateMagicValueAfterAllocation(offset, alloc.size)
		if err != nil {
			panic(fmt.Sprintf("unexpected error while validating magic values: %+v", err))
		}
	}

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	var heapBudget [1]device.Budget
	l.deviceMemory.HeapBudgets(heapIndex, heapBudget[:])
	budgetExceeded := heapBudget[0].Usage >= heapBudget[0].Budget

	hasEmptyBlockBeforeFree := l.hasEmptyBlock()

	// Linear pools reject upper allocations freed out of order, so nothing changes before this
	err = block.metadata.Free(alloc.blockData.handle)
	if err != nil {
		return nil, err
	}

	if initializeAllocs && alloc.IsMappingAllowed() {
		err = block.fillRegion(offset, alloc.size, destroyedFillPattern)
		if err != nil {
			panic(fmt.Sprintf("failed when attempting to map memory during debug pattern fill: %+v", err))
		}
	}

	err = alloc.releaseMaps()
	if err != nil {
		panic(fmt.Sprintf("unexpected error when releasing the map references of a freed allocation: %+v", err))
	}
	memutils.DebugValidate(block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block",
		slog.Int("block.id", block.id),
		slog.Int("memoryTypeIndex", l.memoryTypeIndex))

	alloc.markFreed()

	canDeleteBlock := len(l.blocks) > l.minBlockCount

	if block.metadata.IsEmpty() && (hasEmptyBlockBeforeFree || budgetExceeded) && canDeleteBlock {
		// The block is empty and we can delete it
		blockToDelete = block
		l.Remove(block)
	} else if !block.metadata.IsEmpty() && hasEmptyBlockBeforeFree && canDeleteBlock {
		// There is an empty block somewhere we don't need
		for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
			if l.blocks[blockIndex].metadata.IsEmpty() {
				blockToDelete = l.blocks[blockIndex]
				l.blocks = slices.Delete(l.blocks, blockIndex, blockIndex+1)
				break
			}
		}
	}

	return blockToDelete, nil
}

func (l *memoryBlockList) hasEmptyBlock() bool {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block.metadata.IsEmpty() {
			return true
		}
	}

	return false
}

// Validate checks every block of the pool
func (l *memoryBlockList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for _, block := range l.blocks {
		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "memory block %d of memory type %d", block.id, l.memoryTypeIndex)
		}
	}

	return nil
}

func (l *memoryBlockList) PrintDetailedMap(json *jwriter.ObjectState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	objState := json.Name("Blocks").Object()
	defer objState.End()

	for i := 0; i < len(l.blocks); i++ {
		block := l.blocks[i]

		blockObj := objState.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("MapReferences").Int(block.memory.References())
		block.metadata.BlockJsonData(&blockObj)

		l.printDetailedMapAllocations(block.metadata, &blockObj)

		blockObj.End()
	}
}

func (l *memoryBlockList) printDetailedMapAllocations(md metadata.BlockMetadata, json *jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			if free {
				obj.Name("Type").String(metadata.SuballocationFree.String())
				obj.Name("Size").Int(size)
				return nil
			}

			alloc, isAllocation := userData.(*Allocation)
			if isAllocation && alloc != nil {
				alloc.printParameters(&obj)
			} else if userData != nil {
				obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
			}

			return nil
		})
}

func (l *memoryBlockList) CheckCorruption() error {
	if !l.IsCorruptionDetectionEnabled() {
		return errors.Wrapf(ErrFeatureNotPresent, "corruption detection is not enabled for memory type %d", l.memoryTypeIndex)
	}

	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			return errors.Newf("unexpected nil block at memory type %d, block %d", l.memoryTypeIndex, blockIndex)
		}

		err := block.CheckCorruption()
		if err != nil {
			return err
		}
	}

	return nil
}
