package device

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
)

// MaxMemoryTypes is the number of memory types that fit in a memory type bitmask
const MaxMemoryTypes = 32

type Budget struct {
	Statistics memutils.Statistics
	// Usage is the number of bytes of real device memory currently allocated from the heap
	Usage int
	// Budget is the number of bytes the process may allocate from the heap
	Budget int
}

type MemoryCallbacks interface {
	Allocate(memoryType int, memory provider.DeviceMemory, size int)
	Free(memoryType int, memory provider.DeviceMemory, size int)
}

type memoryHeap struct {
	size   int
	budget int
	limit  int
}

// DeviceMemoryProperties holds the memory types reported by the provider and tracks, per heap,
// how much real memory has been created and how much of it has been handed out. It is the only
// place the allocator creates or destroys provider memory regions.
type DeviceMemoryProperties struct {
	// Number of real allocations that have been made from device memory
	blockCount []int32
	// Number of user allocations that have actually been doled out for use- this includes the number
	// of dedicated allocations + the number of block suballocations
	allocationCount []int32
	// Size of real allocations that have been made from device memory
	blockBytes []int64
	// Size of user allocations that have actually been doled out for use
	allocationBytes []int64

	// Whether the SynchronizedMemory objects created from this object should use a mutex to control access
	useMutex        bool
	memoryCallbacks MemoryCallbacks
	memoryCount     uint32

	memoryProvider   provider.DeviceMemoryProvider
	memoryProperties provider.MemoryProperties
	heaps            []memoryHeap
}

func NewDeviceMemoryProperties(
	useMutex bool,
	memoryProvider provider.DeviceMemoryProvider,
	memoryCallbacks MemoryCallbacks,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	memoryProperties, err := memoryProvider.QueryMemoryTypeProperties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to query memory type properties")
	}

	typeCount := len(memoryProperties.MemoryTypes)
	if typeCount == 0 {
		return nil, errors.New("the device memory provider reported no memory types")
	}
	if typeCount > MaxMemoryTypes {
		return nil, errors.Newf("the device memory provider reported %d memory types, but at most %d are supported", typeCount, MaxMemoryTypes)
	}

	if memoryProperties.BufferImageGranularity < 1 {
		memoryProperties.BufferImageGranularity = 1
	}
	err = memutils.CheckPow2(memoryProperties.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}

	var heaps []memoryHeap
	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.Index != typeIndex {
			return nil, errors.Newf("memory type %d reported index %d", typeIndex, memoryType.Index)
		}
		if memoryType.HeapIndex < 0 {
			return nil, errors.Newf("memory type %d reported heap index %d", typeIndex, memoryType.HeapIndex)
		}

		for len(heaps) <= memoryType.HeapIndex {
			heaps = append(heaps, memoryHeap{size: -1})
		}

		heap := &heaps[memoryType.HeapIndex]
		if heap.size >= 0 && heap.size != memoryType.HeapSize {
			return nil, errors.Newf("memory types disagree on the size of heap %d: %d and %d", memoryType.HeapIndex, heap.size, memoryType.HeapSize)
		}
		heap.size = memoryType.HeapSize
		heap.budget = memoryType.HeapBudget
	}

	heapLimitCount := len(heapSizeLimits)
	if heapLimitCount > 0 && heapLimitCount != len(heaps) {
		return nil, errors.Newf("HeapSizeLimits was provided with %d entries, but the device has %d heaps", heapLimitCount, len(heaps))
	}

	for heapIndex := range heaps {
		if heaps[heapIndex].size < 0 {
			heaps[heapIndex].size = 0
		}
		if heapLimitCount > 0 {
			heaps[heapIndex].limit = heapSizeLimits[heapIndex]
		}
	}

	return &DeviceMemoryProperties{
		blockCount:      make([]int32, len(heaps)),
		allocationCount: make([]int32, len(heaps)),
		blockBytes:      make([]int64, len(heaps)),
		allocationBytes: make([]int64, len(heaps)),

		useMutex:        useMutex,
		memoryCallbacks: memoryCallbacks,

		memoryProvider:   memoryProvider,
		memoryProperties: memoryProperties,
		heaps:            heaps,
	}, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.heaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) provider.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

// HeapSize is the size of the heap, reduced to the configured heap limit if there is one
func (m *DeviceMemoryProperties) HeapSize(heapIndex int) int {
	heap := m.heaps[heapIndex]
	if heap.limit > 0 && heap.limit < heap.size {
		return heap.limit
	}
	return heap.size
}

func (m *DeviceMemoryProperties) MaxMemoryAllocationCount() int {
	return m.memoryProperties.MaxMemoryAllocationCount
}

func (m *DeviceMemoryProperties) BufferImageGranularity() uint {
	return uint(m.memoryProperties.BufferImageGranularity)
}

func (m *DeviceMemoryProperties) CalculateGlobalMemoryTypeBits() uint32 {
	var typeBits uint32

	for memoryTypeIndex := 0; memoryTypeIndex < m.MemoryTypeCount(); memoryTypeIndex++ {
		typeBits |= 1 << memoryTypeIndex
	}

	return typeBits
}

// AllocationCount is the number of provider memory regions currently alive
func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return errors.Wrapf(provider.ErrOutOfDeviceMemory, "allocating %d bytes would exceed the %d byte limit of heap %d", allocationSize, maxAllocatable, heapIndex)
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateDeviceMemory creates a provider memory region of the requested type and size. The
// region counts against the device allocation limit and the heap size limit before the provider
// is called, and errors from the provider are returned unchanged.
func (m *DeviceMemoryProperties) AllocateDeviceMemory(memoryTypeIndex int, size int) (mem *SynchronizedMemory, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	maxCount := m.memoryProperties.MaxMemoryAllocationCount
	if maxCount > 0 && int(newDeviceCount) > maxCount {
		return nil, errors.Wrapf(provider.ErrTooManyObjects, "the device allows at most %d memory allocations", maxCount)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	if m.heaps[heapIndex].limit == 0 {
		m.addBlockAllocation(heapIndex, size)
	} else {
		err = m.addBlockAllocationWithBudget(heapIndex, size, m.HeapSize(heapIndex))
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	memory, err := m.memoryProvider.CreateMemoryRegion(memoryTypeIndex, size)
	if err != nil {
		return nil, err
	}

	mem = newSynchronizedMemory(m.memoryProvider, memory, size, m.useMutex)

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, memory, size)
	}

	return mem, nil
}

// FreeDeviceMemory returns a region created by AllocateDeviceMemory to the provider
func (m *DeviceMemoryProperties) FreeDeviceMemory(memoryType int, memory *SynchronizedMemory) {
	size := memory.Size()
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryType, memory.Memory(), size)
	}

	memory.Free()

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryType)
	m.removeBlockAllocation(heapIndex, size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

// HeapBudgets fills budgets with the usage of consecutive heaps starting at firstHeap. The budget
// of a heap is the provider's reported budget, or 80% of the heap size when none was reported,
// and never more than the configured heap limit.
func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i

		budgets[i].Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		budgets[i].Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
		budgets[i].Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
		budgets[i].Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

		budgets[i].Usage = budgets[i].Statistics.BlockBytes

		heap := m.heaps[heapIndex]
		budget := heap.budget
		if budget <= 0 {
			budget = heap.size * 8 / 10
		}
		if heap.limit > 0 {
			budget = min(budget, heap.limit)
		}
		budgets[i].Budget = budget
	}
}
