package vpr

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils/metadata"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresLoggerAndProvider(t *testing.T) {
	_, err := New(nil, newFakeProvider(), CreateOptions{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(testLogger(), nil, CreateOptions{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(testLogger(), newFakeProvider(), CreateOptions{PreferredLargeHeapBlockSize: -1})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(testLogger(), newFakeProvider(), CreateOptions{HeapSizeLimits: []int{0}})
	require.Error(t, err)
}

func TestAllocateMemory(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	// A 16MiB heap prefers 2MiB blocks, and the first block of a default pool is an eighth of that
	var allocation Allocation
	err := allocator.AllocateMemory(requirements(1024, 256), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage:    MemoryUsageGPUOnly,
		Name:     "vertices",
		UserData: 7,
	}, &allocation)
	require.NoError(t, err)

	require.Equal(t, AllocationStateCommitted, allocation.State())
	require.Equal(t, 0, allocation.MemoryTypeIndex())
	require.Equal(t, 1024, allocation.Size())
	require.Equal(t, 0, allocation.Offset())
	require.Equal(t, "vertices", allocation.Name())
	require.Equal(t, 7, allocation.UserData())
	require.False(t, allocation.IsDedicated())
	require.False(t, allocation.IsMappingAllowed())
	require.NotNil(t, allocation.Memory())
	require.Equal(t, []int{262144}, memoryProvider.created)

	budgets := allocator.HeapBudgets()
	require.Len(t, budgets, 2)
	require.Equal(t, 1, budgets[0].Statistics.BlockCount)
	require.Equal(t, 262144, budgets[0].Statistics.BlockBytes)
	require.Equal(t, 1, budgets[0].Statistics.AllocationCount)
	require.Equal(t, 1024, budgets[0].Statistics.AllocationBytes)
	require.Equal(t, 262144, budgets[0].Usage)
	require.Equal(t, deviceHeapSize*8/10, budgets[0].Budget)

	err = allocation.Free()
	require.NoError(t, err)
	require.Equal(t, AllocationStateFreed, allocation.State())

	// The only block of a default pool is kept after it empties
	require.Equal(t, 1, memoryProvider.liveRegions())
	budgets = allocator.HeapBudgets()
	require.Equal(t, 0, budgets[0].Statistics.AllocationCount)
	require.Equal(t, 0, budgets[0].Statistics.AllocationBytes)

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, memoryProvider.liveRegions())
}

func TestAllocateMemory_ReusesExistingBlock(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	allocations := make([]Allocation, 3)
	for i := range allocations {
		err := allocator.AllocateMemory(requirements(1000, 256), metadata.SuballocationBuffer, AllocationCreateInfo{
			Usage: MemoryUsageGPUOnly,
		}, &allocations[i])
		require.NoError(t, err)
	}

	require.Len(t, memoryProvider.created, 1)
	require.Equal(t, 0, allocations[0].Offset())
	require.Equal(t, 1024, allocations[1].Offset())
	require.Equal(t, 2048, allocations[2].Offset())
	require.Equal(t, allocations[0].Memory(), allocations[2].Memory())

	for i := range allocations {
		require.NoError(t, allocations[i].Free())
	}
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_InvalidRequests(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(0, 1), metadata.SuballocationBuffer, AllocationCreateInfo{}, &allocation)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = allocator.AllocateMemory(requirements(64, 3), metadata.SuballocationBuffer, AllocationCreateInfo{}, &allocation)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory | AllocationCreateNeverAllocate,
	}, &allocation)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory | AllocationCreateUpperAddress,
	}, &allocation)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = allocator.AllocateMemory(nil, metadata.SuballocationBuffer, AllocationCreateInfo{}, &allocation)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{}, nil)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		RequiredFlags: provider.MemoryPropertyLazilyAllocated,
	}, &allocation)
	require.ErrorIs(t, err, ErrFeatureNotPresent)

	require.Equal(t, AllocationStateUninitialized, allocation.State())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_IntoLiveAllocation(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{}, &allocation)
	require.NoError(t, err)

	err = allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{}, &allocation)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, AllocationStateCommitted, allocation.State())

	require.NoError(t, allocation.Free())

	// A freed allocation may be filled in again
	err = allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{}, &allocation)
	require.NoError(t, err)
	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_NeverAllocate(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Flags: AllocationCreateNeverAllocate,
	}, &allocation)
	require.ErrorIs(t, err, ErrOutOfPoolMemory)
	require.Empty(t, memoryProvider.created)

	var existing Allocation
	err = allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
	}, &existing)
	require.NoError(t, err)

	err = allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
		Flags: AllocationCreateNeverAllocate,
	}, &allocation)
	require.NoError(t, err)
	require.Len(t, memoryProvider.created, 1)

	require.NoError(t, allocation.Free())
	require.NoError(t, existing.Free())
	require.NoError(t, allocator.Destroy())
}

func TestFreeMemory_DoubleFree(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{}, &allocation)
	require.NoError(t, err)

	require.NoError(t, allocator.FreeMemory(&allocation))

	err = allocator.FreeMemory(&allocation)
	require.ErrorIs(t, err, ErrStaleAllocation)

	err = allocation.Free()
	require.ErrorIs(t, err, ErrStaleAllocation)

	require.NoError(t, allocator.Destroy())
}

func TestFreeMemory_CopiedAllocation(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{}, &allocation)
	require.NoError(t, err)

	copied := allocation
	err = copied.Free()
	require.ErrorIs(t, err, ErrStaleAllocation)
	require.Equal(t, AllocationStateCommitted, allocation.State())

	require.NoError(t, allocation.Free())

	err = copied.Free()
	require.ErrorIs(t, err, ErrStaleAllocation)

	require.NoError(t, allocator.Destroy())
}

func TestFreeMemory_Uninitialized(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	err := allocator.FreeMemory(&allocation)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = allocation.Free()
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = allocator.FreeMemory(nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFreeMemory_OtherAllocator(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})
	_, other := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{}, &allocation)
	require.NoError(t, err)

	err = other.FreeMemory(&allocation)
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
	require.NoError(t, other.Destroy())
}

func TestAllocateMemory_Dedicated(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(1000, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageCPUOnly,
		Flags: AllocationCreateDedicatedMemory,
	}, &allocation)
	require.NoError(t, err)

	require.True(t, allocation.IsDedicated())
	require.True(t, allocation.IsMappingAllowed())
	require.Equal(t, 1, allocation.MemoryTypeIndex())
	require.Equal(t, 0, allocation.Offset())
	require.Equal(t, 1000, allocation.Size())
	require.Equal(t, []int{1000}, memoryProvider.created)

	require.NoError(t, allocation.Free())
	require.Equal(t, []int{1000}, memoryProvider.destroyed)

	err = allocation.Free()
	require.ErrorIs(t, err, ErrStaleAllocation)

	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_LargeRequestsPreferDedicated(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	// More than half of the 2MiB preferred block size
	var allocation Allocation
	err := allocator.AllocateMemory(requirements(1536*1024, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
	}, &allocation)
	require.NoError(t, err)
	require.True(t, allocation.IsDedicated())
	require.Equal(t, []int{1536 * 1024}, memoryProvider.created)

	var advised Allocation
	advisedRequirements := requirements(4096, 1)
	advisedRequirements.PrefersDedicated = true
	err = allocator.AllocateMemory(advisedRequirements, metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
	}, &advised)
	require.NoError(t, err)
	require.True(t, advised.IsDedicated())

	var required Allocation
	requiredRequirements := requirements(4096, 1)
	requiredRequirements.RequiresDedicated = true
	err = allocator.AllocateMemory(requiredRequirements, metadata.SuballocationImageOptimal, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
	}, &required)
	require.NoError(t, err)
	require.True(t, required.IsDedicated())

	// Destroy refuses to run while dedicated allocations remain
	require.Error(t, allocator.Destroy())

	require.NoError(t, allocation.Free())
	require.NoError(t, advised.Free())
	require.NoError(t, required.Free())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, memoryProvider.liveRegions())
}

func TestAllocateMemory_ProviderFailureFallsBack(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})
	memoryProvider.createErr = errors.Wrap(provider.ErrOutOfDeviceMemory, "device exhausted")

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(64, 1), metadata.SuballocationBuffer, AllocationCreateInfo{}, &allocation)
	require.ErrorIs(t, err, provider.ErrOutOfDeviceMemory)
	require.Equal(t, AllocationStateUninitialized, allocation.State())
}

func TestAllocateMemorySlice(t *testing.T) {
	memoryProvider, allocator := readyAllocator(t, CreateOptions{})

	allocations := make([]Allocation, 4)
	err := allocator.AllocateMemorySlice(requirements(512, 512), metadata.SuballocationBuffer, AllocationCreateInfo{
		Usage: MemoryUsageGPUOnly,
	}, allocations)
	require.NoError(t, err)
	require.Len(t, memoryProvider.created, 1)

	for i := range allocations {
		require.Equal(t, AllocationStateCommitted, allocations[i].State())
		require.Equal(t, i*512, allocations[i].Offset())
	}

	for i := range allocations {
		require.NoError(t, allocations[i].Free())
	}

	require.NoError(t, allocator.AllocateMemorySlice(requirements(512, 1), metadata.SuballocationBuffer, AllocationCreateInfo{}, nil))
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemorySlice_RollsBackOnFailure(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       4096,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	allocations := make([]Allocation, 3)
	err = allocator.AllocateMemorySlice(requirements(2048, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool: pool,
	}, allocations)
	require.ErrorIs(t, err, ErrOutOfPoolMemory)

	for i := range allocations {
		require.NotEqual(t, AllocationStateCommitted, allocations[i].State())
	}

	var stats memutils.Statistics
	pool.Statistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)

	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_WithinBudget(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       2 * 1024 * 1024,
	})
	require.NoError(t, err)

	// The 4MiB host heap has a budget of 80%, so only one 2MiB block fits
	var first Allocation
	err = allocator.AllocateMemory(requirements(2*1024*1024, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateWithinBudget,
	}, &first)
	require.NoError(t, err)

	var second Allocation
	err = allocator.AllocateMemory(requirements(2*1024*1024, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateWithinBudget,
	}, &second)
	require.ErrorIs(t, err, provider.ErrOutOfDeviceMemory)

	// Without the flag the budget is advisory
	err = allocator.AllocateMemory(requirements(2*1024*1024, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool: pool,
	}, &second)
	require.NoError(t, err)

	require.NoError(t, first.Free())
	require.NoError(t, second.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_DedicatedWithinBudget(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	pool, err := allocator.CreatePool(PoolCreateInfo{MemoryTypeIndex: 1})
	require.NoError(t, err)

	var allocation Allocation
	err = allocator.AllocateMemory(requirements(hostHeapSize, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateDedicatedMemory | AllocationCreateWithinBudget,
	}, &allocation)
	require.ErrorIs(t, err, provider.ErrOutOfDeviceMemory)

	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_HeapSizeLimit(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{
		HeapSizeLimits: []int{8192, 0},
	})

	pool, err := allocator.CreatePool(PoolCreateInfo{MemoryTypeIndex: 0})
	require.NoError(t, err)

	var allocation Allocation
	err = allocator.AllocateMemory(requirements(16384, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateDedicatedMemory,
	}, &allocation)
	require.ErrorIs(t, err, provider.ErrOutOfDeviceMemory)

	err = allocator.AllocateMemory(requirements(4096, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Pool:  pool,
		Flags: AllocationCreateDedicatedMemory,
	}, &allocation)
	require.NoError(t, err)

	require.NoError(t, allocation.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestAllocateMemory_MemoryCallbacks(t *testing.T) {
	var allocated, freed []int
	var callbackAllocator *Allocator

	memoryProvider, allocator := readyAllocator(t, CreateOptions{
		MemoryCallbackOptions: &MemoryCallbackOptions{
			Allocate: func(allocator *Allocator, memoryType int, memory provider.DeviceMemory, size int, userData any) {
				callbackAllocator = allocator
				require.Equal(t, "callback data", userData)
				allocated = append(allocated, size)
			},
			Free: func(allocator *Allocator, memoryType int, memory provider.DeviceMemory, size int, userData any) {
				freed = append(freed, size)
			},
			UserData: "callback data",
		},
	})

	var allocation Allocation
	err := allocator.AllocateMemory(requirements(100, 1), metadata.SuballocationBuffer, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory,
	}, &allocation)
	require.NoError(t, err)
	require.Equal(t, []int{100}, allocated)
	require.Same(t, allocator, callbackAllocator)

	require.NoError(t, allocation.Free())
	require.Equal(t, []int{100}, freed)
	require.Equal(t, memoryProvider.created, allocated)
	require.NoError(t, allocator.Destroy())
}
