package vpr

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils/metadata"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
	mock_provider "github.com/fuchstraumer/VulpesRender-sub001/provider/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestAllocation_MapReferenceCounting(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	var first, second Allocation
	for _, allocation := range []*Allocation{&first, &second} {
		err := allocator.AllocateMemory(requirements(256, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
			Usage: MemoryUsageCPUOnly,
		}, allocation)
		require.NoError(t, err)
		require.True(t, allocation.IsMappingAllowed())
		require.Nil(t, allocation.MappedData())
	}
	require.Equal(t, 256, second.Offset())

	firstData, err := first.Map()
	require.NoError(t, err)
	require.Equal(t, AllocationStateMapped, first.State())
	require.Equal(t, 1, memoryProvider.mapCalls)

	secondData, err := second.Map()
	require.NoError(t, err)
	require.Equal(t, 1, memoryProvider.mapCalls)
	require.Equal(t, unsafe.Add(firstData, 256), secondData)
	require.Equal(t, secondData, second.MappedData())

	*(*byte)(secondData) = 0xAB
	region := second.Memory().(*fakeRegion)
	require.Equal(t, byte(0xAB), region.data[256])

	require.NoError(t, first.Unmap())
	require.Equal(t, AllocationStateUnmapped, first.State())
	require.Equal(t, 0, memoryProvider.unmapCalls)

	require.NoError(t, second.Unmap())
	require.Equal(t, 1, memoryProvider.unmapCalls)

	err = first.Unmap()
	require.ErrorIs(t, err, ErrInvalidArgument)

	// Freeing a mapped allocation releases its maps
	_, err = first.Map()
	require.NoError(t, err)
	require.NoError(t, first.Free())
	require.Equal(t, 2, memoryProvider.unmapCalls)

	_, err = first.Map()
	require.ErrorIs(t, err, ErrStaleAllocation)

	require.NoError(t, second.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_MapNotHostVisible(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(256, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
	}, &allocation)
	require.NoError(t, err)

	_, err = allocation.Map()
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, AllocationStateCommitted, allocation.State())

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_PersistentMapping(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(256, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageCPUOnly,
		Flags: AllocationCreateMapped,
	}, &allocation)
	require.NoError(t, err)

	require.True(t, allocation.IsPersistentlyMapped())
	require.Equal(t, AllocationStateMapped, allocation.State())
	require.NotNil(t, allocation.MappedData())
	require.Equal(t, 1, memoryProvider.mapCalls)

	data, err := allocation.Map()
	require.NoError(t, err)
	require.Equal(t, allocation.MappedData(), data)
	require.NoError(t, allocation.Unmap())
	require.Equal(t, AllocationStateMapped, allocation.State())
	require.Equal(t, 1, memoryProvider.mapCalls)

	// The block stays mapped until it is destroyed
	require.NoError(t, allocation.Free())
	require.Equal(t, 0, memoryProvider.unmapCalls)

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 1, memoryProvider.unmapCalls)
	require.Equal(t, 0, memoryProvider.liveRegions())
}

func TestAllocation_PersistentMappingDedicated(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(256, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageCPUOnly,
		Flags: AllocationCreateMapped | AllocationCreateDedicatedMemory,
	}, &allocation)
	require.NoError(t, err)
	require.True(t, allocation.IsDedicated())
	require.True(t, allocation.IsPersistentlyMapped())
	require.NotNil(t, allocation.MappedData())

	require.NoError(t, allocation.Free())
	require.Equal(t, 1, memoryProvider.unmapCalls)
	require.Equal(t, 0, memoryProvider.liveRegions())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_MappedIgnoredWithoutHostVisibility(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	pool, err := allocator.CreatePool(PoolCreateInfo{MemoryTypeIndex: 0})
	require.NoError(t, err)

	var allocation Allocation
	err = allocator.AllocateMemory(requirements(256, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateMapped,
	}, &allocation)
	require.NoError(t, err)
	require.False(t, allocation.IsPersistentlyMapped())
	require.False(t, allocation.IsMappingAllowed())
	require.Nil(t, allocation.MappedData())
	require.Equal(t, 0, memoryProvider.mapCalls)

	require.NoError(t, allocation.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_Update(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       4096,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	var moved, destination Allocation
	for _, allocation := range []*Allocation{&moved, &destination} {
		err = allocator.AllocateMemory(requirements(1024, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
			Pool: pool,
		}, allocation)
		require.NoError(t, err)
	}
	require.Equal(t, 0, moved.Offset())
	require.Equal(t, 1024, destination.Offset())

	_, err = moved.Map()
	require.NoError(t, err)

	require.ErrorIs(t, moved.Update(nil), ErrInvalidArgument)
	require.ErrorIs(t, moved.Update(&moved), ErrInvalidArgument)

	require.NoError(t, moved.Update(&destination))
	require.Equal(t, 1024, moved.Offset())
	require.Equal(t, 0, destination.Offset())
	require.Equal(t, AllocationStateMapped, moved.State())

	// The destination now owns the old placement and can be freed
	require.NoError(t, destination.Free())

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Total.AllocationCount)

	require.NoError(t, moved.Unmap())
	require.NoError(t, moved.Free())

	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_UpdateSwapsSize(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       4096,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	var moved, destination Allocation
	err = allocator.AllocateMemory(requirements(256, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool: pool,
	}, &moved)
	require.NoError(t, err)
	err = allocator.AllocateMemory(requirements(1024, 1), metadata.SuballocationImageLinear, AllocationCreateInfo{
		Pool: pool,
	}, &destination)
	require.NoError(t, err)

	require.NoError(t, moved.Update(&destination))
	require.Equal(t, 1024, moved.Size())
	require.Equal(t, 256, destination.Size())

	// Freeing the old placement must release the bytes it actually held
	require.NoError(t, destination.Free())

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Total.AllocationCount)
	require.Equal(t, 1024, stats.Total.AllocationBytes)
	require.Equal(t, 1024, allocator.HeapBudgets()[1].Statistics.AllocationBytes)

	require.NoError(t, moved.Free())

	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Total.AllocationCount)
	require.Equal(t, 0, stats.Total.AllocationBytes)
	require.Equal(t, 0, allocator.HeapBudgets()[1].Statistics.AllocationBytes)

	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_PersistentMapFailure(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       4096,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	var resident Allocation
	err = allocator.AllocateMemory(requirements(1024, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool: pool,
	}, &resident)
	require.NoError(t, err)
	largestFree := pool.LargestFreeRegion()

	mapErr := errors.New("map failed")
	memoryProvider.mapErr = mapErr

	var mapped Allocation
	err = allocator.AllocateMemory(requirements(1024, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateMapped,
	}, &mapped)
	require.ErrorIs(t, err, mapErr)
	require.Equal(t, AllocationStateUninitialized, mapped.State())

	// The region picked for the failed request is free again and nothing stays mapped
	require.Equal(t, largestFree, pool.LargestFreeRegion())
	require.Equal(t, 0, memoryProvider.mapCalls)

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.Total.AllocationCount)
	require.Equal(t, 1024, stats.Total.AllocationBytes)

	memoryProvider.mapErr = nil
	err = allocator.AllocateMemory(requirements(1024, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateMapped,
	}, &mapped)
	require.NoError(t, err)
	require.True(t, mapped.IsPersistentlyMapped())
	require.Equal(t, 1, memoryProvider.mapCalls)

	require.NoError(t, mapped.Free())
	require.NoError(t, resident.Free())
	require.NoError(t, pool.Destroy())
	require.Equal(t, 1, memoryProvider.unmapCalls)
	require.Equal(t, 0, memoryProvider.liveRegions())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_UpdateRejectsMismatchedAllocations(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	var block, dedicated, otherPool Allocation
	err := allocator.AllocateMemory(requirements(256, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageCPUOnly,
	}, &block)
	require.NoError(t, err)

	err = allocator.AllocateMemory(requirements(256, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageCPUOnly,
		Flags: AllocationCreateDedicatedMemory,
	}, &dedicated)
	require.NoError(t, err)

	pool, err := allocator.CreatePool(PoolCreateInfo{MemoryTypeIndex: 1})
	require.NoError(t, err)
	err = allocator.AllocateMemory(requirements(256, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool: pool,
	}, &otherPool)
	require.NoError(t, err)

	require.ErrorIs(t, block.Update(&dedicated), ErrInvalidArgument)
	require.ErrorIs(t, block.Update(&otherPool), ErrInvalidArgument)

	var uninitialized Allocation
	require.ErrorIs(t, uninitialized.Update(&block), ErrInvalidArgument)
	require.ErrorIs(t, block.Update(&uninitialized), ErrInvalidArgument)

	require.NoError(t, otherPool.Free())
	require.ErrorIs(t, block.Update(&otherPool), ErrStaleAllocation)

	require.NoError(t, block.Free())
	require.NoError(t, dedicated.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_StateMachine(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	require.Equal(t, AllocationStateUninitialized, allocation.State())
	require.Equal(t, "Uninitialized", allocation.State().String())

	_, err := allocation.Map()
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.ErrorIs(t, allocation.Unmap(), ErrInvalidArgument)

	err = allocator.AllocateMemory(requirements(256, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageCPUToGPU,
	}, &allocation)
	require.NoError(t, err)
	require.Equal(t, AllocationStateCommitted, allocation.State())

	_, err = allocation.Map()
	require.NoError(t, err)
	require.Equal(t, AllocationStateMapped, allocation.State())

	_, err = allocation.Map()
	require.NoError(t, err)
	require.NoError(t, allocation.Unmap())
	require.Equal(t, AllocationStateMapped, allocation.State())

	require.NoError(t, allocation.Unmap())
	require.Equal(t, AllocationStateUnmapped, allocation.State())

	require.NoError(t, allocation.Free())
	require.Equal(t, AllocationStateFreed, allocation.State())
	require.Nil(t, allocation.Memory())
	require.Equal(t, "Freed", allocation.State().String())

	require.ErrorIs(t, allocation.Unmap(), ErrStaleAllocation)
	require.NoError(t, allocator.Destroy())
}

func TestAllocation_FrameIndex(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	allocator.SetCurrentFrameIndex(5)

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(256, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Flags: AllocationCreateCanBecomeLost,
	}, &allocation)
	require.NoError(t, err)
	require.True(t, allocation.CanBecomeLost())
	require.Equal(t, uint32(5), allocation.LastUseFrameIndex())

	allocator.SetCurrentFrameIndex(9)
	require.Equal(t, uint32(5), allocation.LastUseFrameIndex())
	allocation.Touch()
	require.Equal(t, uint32(9), allocation.LastUseFrameIndex())

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestFindMemoryTypeIndex(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	testCases := map[string]struct {
		memoryTypeBits uint32
		options        AllocationCreateInfo
		size           int
		expected       int
	}{
		"GPUOnly":           {memoryTypeBits: 0b111, options: AllocationCreateInfo{Usage: MemoryUsageGPUOnly}, expected: 0},
		"CPUOnly":           {memoryTypeBits: 0b111, options: AllocationCreateInfo{Usage: MemoryUsageCPUOnly}, expected: 1},
		"GPUToCPU":          {memoryTypeBits: 0b111, options: AllocationCreateInfo{Usage: MemoryUsageGPUToCPU}, expected: 2},
		"CPUToGPU":          {memoryTypeBits: 0b111, options: AllocationCreateInfo{Usage: MemoryUsageCPUToGPU}, expected: 1},
		"RestrictedBits":    {memoryTypeBits: 0b010, options: AllocationCreateInfo{Usage: MemoryUsageGPUToCPU}, expected: 1},
		"OptionBits":        {memoryTypeBits: 0b111, options: AllocationCreateInfo{MemoryTypeBits: 0b100}, expected: 2},
		"LeastCostFallback": {memoryTypeBits: 0b110, options: AllocationCreateInfo{Usage: MemoryUsageGPUOnly}, expected: 1},
		"PreferredFlags":    {memoryTypeBits: 0b111, options: AllocationCreateInfo{
			PreferredFlags: provider.MemoryPropertyHostVisible | provider.MemoryPropertyHostCached,
		}, expected: 2},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			memoryTypeIndex, err := allocator.FindMemoryTypeIndex(testCase.memoryTypeBits, testCase.options, testCase.size)
			require.NoError(t, err)
			require.Equal(t, testCase.expected, memoryTypeIndex)
		})
	}

	_, err := allocator.FindMemoryTypeIndex(0b111, AllocationCreateInfo{Usage: MemoryUsageGPULazilyAllocated}, 0)
	require.ErrorIs(t, err, ErrFeatureNotPresent)

	_, err = allocator.FindMemoryTypeIndex(0b001, AllocationCreateInfo{Usage: MemoryUsageCPUOnly}, 0)
	require.ErrorIs(t, err, ErrFeatureNotPresent)

	// The host heap has a budget of 80% of 4MiB, and no blocks with free space
	_, err = allocator.FindMemoryTypeIndex(0b111, AllocationCreateInfo{RequiredFlags: provider.MemoryPropertyHostVisible}, hostHeapSize)
	require.ErrorIs(t, err, ErrFeatureNotPresent)

	memoryTypeIndex, err := allocator.FindMemoryTypeIndex(0b111, AllocationCreateInfo{RequiredFlags: provider.MemoryPropertyHostVisible}, hostHeapSize/2)
	require.NoError(t, err)
	require.Equal(t, 1, memoryTypeIndex)
}

func TestAllocateMemoryForResource(t *testing.T) {
	ctrl := gomock.NewController(t)

	memoryProvider := mock_provider.NewMockDeviceMemoryProvider(ctrl)
	memoryProvider.EXPECT().QueryMemoryTypeProperties().Return(testMemoryProperties(), nil)

	allocator, err := New(testLogger(), memoryProvider, CreateOptions{})
	require.NoError(t, err)

	resource := "image"
	memoryProvider.EXPECT().QueryResourcePlacementRequirements(resource).Return(provider.PlacementRequirements{
		Size:              4096,
		Alignment:         256,
		MemoryTypeBits:    1 << 1,
		RequiresDedicated: true,
	}, nil)

	region := &fakeRegion{id: 1, data: make([]byte, 4096)}
	memoryProvider.EXPECT().CreateMemoryRegion(1, 4096).Return(region, nil)

	var allocation Allocation
	err = allocator.AllocateMemoryForResource(resource, metadata.SuballocationImageOptimal, AllocationCreateInfo{}, &allocation)
	require.NoError(t, err)
	require.True(t, allocation.IsDedicated())
	require.Equal(t, 1, allocation.MemoryTypeIndex())
	require.Equal(t, provider.DeviceMemory(region), allocation.Memory())
	require.Equal(t, provider.MemoryPropertyHostVisible|provider.MemoryPropertyHostCoherent, allocation.MemoryType().PropertyFlags)

	queryErr := errors.New("unknown resource")
	memoryProvider.EXPECT().QueryResourcePlacementRequirements("missing").Return(provider.PlacementRequirements{}, queryErr)

	var missing Allocation
	err = allocator.AllocateMemoryForResource("missing", metadata.SuballocationBuffer, AllocationCreateInfo{}, &missing)
	require.ErrorIs(t, err, queryErr)

	err = allocator.AllocateMemoryForResource(nil, metadata.SuballocationBuffer, AllocationCreateInfo{}, &missing)
	require.ErrorIs(t, err, ErrInvalidArgument)

	memoryProvider.EXPECT().DestroyMemoryRegion(region)
	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocator_ConcurrentAllocations(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	const workers = 8
	const iterations = 50

	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			allocations := make([]Allocation, 4)
			for iteration := 0; iteration < iterations; iteration++ {
				err := allocator.AllocateMemorySlice(requirements(64*(worker+1), 64), metadata.SuballocationBuffer, AllocationCreateInfo{
					Usage: MemoryUsageCPUOnly,
				}, allocations)
				if err != nil {
					errs <- err
					return
				}

				for i := range allocations {
					_, err = allocations[i].Map()
					if err == nil {
						err = allocations[i].Unmap()
					}
					if err == nil {
						err = allocations[i].Free()
					}
					if err != nil {
						errs <- err
						return
					}
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Total.AllocationCount)

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, memoryProvider.liveRegions())
}
