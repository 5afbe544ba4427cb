package vpr

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/fuchstraumer/VulpesRender-sub001/internal/device"
	"github.com/fuchstraumer/VulpesRender-sub001/internal/utils"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const (
	// defaultLargeHeapBlockSize is the value that is used as the PreferredLargeHeapBlockSize when none
	// is provided via CreateOptions. It is equal to 256MiB.
	defaultLargeHeapBlockSize int = 256 * 1024 * 1024

	smallHeapMaxSize int = 1024 * 1024 * 1024 // 1 GiB
)

// CreateOptions contains optional settings when creating an allocator. The zero value is valid.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PreferredLargeHeapBlockSize is the maximum block size of default pools on heaps larger than
	// a gibibyte. Smaller heaps use an eighth of the heap.
	PreferredLargeHeapBlockSize int

	// HeapSizeLimits can be left empty. If it is provided, it must have one entry per heap reported
	// by the provider. Each entry is either the maximum number of bytes that may be allocated from
	// the heap, or 0 for no limit. Allocations past a limit fail with provider.ErrOutOfDeviceMemory.
	HeapSizeLimits []int

	// MemoryCallbackOptions is an optional set of callbacks that is called whenever the allocator
	// creates or destroys a provider memory region
	MemoryCallbackOptions *MemoryCallbackOptions
}

// Allocator hands out Allocations from blocks of provider memory, creating and destroying the blocks
// as needed. All methods may be called concurrently unless the allocator was created with
// AllocatorCreateExternallySynchronized.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger
	provider provider.DeviceMemoryProvider

	createFlags       CreateFlags
	currentFrameIndex uint32

	preferredLargeHeapBlockSize int
	globalMemoryTypeBits        uint32

	nextPoolId int
	poolsMutex utils.OptionalRWMutex
	pools      *swiss.Map[int, *Pool]

	deviceMemory         *device.DeviceMemoryProperties
	memoryBlockLists     [device.MaxMemoryTypes]*memoryBlockList
	dedicatedAllocations [device.MaxMemoryTypes]*dedicatedAllocationList
}

// New creates a new Allocator over memoryProvider. The provider's memory types are queried once,
// here.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, memoryProvider provider.DeviceMemoryProvider, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "a logger is required")
	} else if memoryProvider == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "a device memory provider is required")
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex: useMutex,
		logger:   logger,
		provider: memoryProvider,

		createFlags: options.Flags,
		pools:       swiss.NewMap[int, *Pool](8),
		nextPoolId:  1,
	}
	allocator.poolsMutex.Enable(useMutex)

	if options.PreferredLargeHeapBlockSize == 0 {
		allocator.preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	} else if options.PreferredLargeHeapBlockSize < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "PreferredLargeHeapBlockSize %d is negative", options.PreferredLargeHeapBlockSize)
	} else {
		allocator.preferredLargeHeapBlockSize = options.PreferredLargeHeapBlockSize
	}

	var err error
	allocator.deviceMemory, err = device.NewDeviceMemoryProperties(
		useMutex,
		memoryProvider,
		newRegionObserver(allocator, options.MemoryCallbackOptions),
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	allocator.globalMemoryTypeBits = allocator.deviceMemory.CalculateGlobalMemoryTypeBits()

	// Initialize default pools
	typeCount := allocator.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		preferredBlockSize := allocator.calculatePreferredBlockSize(typeIndex)

		allocator.memoryBlockLists[typeIndex] = &memoryBlockList{}
		allocator.memoryBlockLists[typeIndex].Init(useMutex, allocator, nil, memoryBlockListCreateInfo{
			memoryTypeIndex: typeIndex,
			minBlockSize:    max(preferredBlockSize/8, 1),
			maxBlockSize:    preferredBlockSize,
			algorithm:       PoolCreateLinearAlgorithm,
		})

		allocator.dedicatedAllocations[typeIndex] = &dedicatedAllocationList{}
		allocator.dedicatedAllocations[typeIndex].Init(useMutex)
	}

	logger.Debug("Allocator::New", slog.Int("MemoryTypeCount", typeCount), slog.Int("HeapCount", allocator.deviceMemory.MemoryHeapCount()))

	return allocator, nil
}

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.deviceMemory.HeapSize(heapIndex)
	rawSize := a.preferredLargeHeapBlockSize
	if heapSize <= smallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(max(rawSize, 1), 32)
}
