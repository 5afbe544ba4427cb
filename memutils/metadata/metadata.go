package metadata

import (
	"unsafe"

	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

// BlockMetadata represents a single large allocation of memory within some system. It manages
// suballocations within the block, allowing allocations to be requested and freed, as well as
// enumerated and queried. An implementation is chosen when a pool is created and never changes.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It sizes the block in bytes.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. When the implementation is
	// functioning correctly, it should not be possible for this method to return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the block
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct regions of free memory in the block
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block
	SumFreeSize() int
	// LargestFreeRegion returns the size in bytes of the largest request that could possibly
	// succeed in this block, ignoring alignment and granularity
	LargestFreeRegion() int
	// IsEmpty will return true if this block has no live suballocations. It runs in constant time.
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block, in offset order
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset returns the offset in bytes of a live allocation
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData value provided when the allocation was committed
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData replaces the userData value of a live allocation
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into stats
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into stats
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json *jwriter.ObjectState)

	// CheckCorruption accepts a pointer to the mapped memory that this block manages and verifies
	// the corruption markers after every allocation. Markers only exist when memutils is built with
	// the `debug_mem_utils` build tag, and consumers are responsible for writing them with
	// memutils.WriteMagicValue after each allocation.
	CheckCorruption(blockData unsafe.Pointer) error

	// CreateAllocationRequest finds a place for an allocation without changing the metadata. The
	// returned bool is false when the block cannot hold the allocation. An error is only returned
	// for malformed requests.
	//
	// allocAlignment must be a power of two. upperAddress requests placement from the top of the
	// block down and is only supported by LinearBlockMetadata.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		upperAddress bool,
		allocType SuballocationType,
		strategy AllocationStrategy,
	) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest produced by CreateAllocationRequest on this metadata. It
	// returns an error if the request no longer fits.
	Alloc(request AllocationRequest, userData any) error

	// Free returns a suballocation to free space. It returns an error if the handle does not map
	// to a live allocation, or if the implementation does not permit freeing it yet.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase holds the ledger and granularity shared by the BlockMetadata implementations
// in this package
type BlockMetadataBase struct {
	size                  int
	allocationGranularity uint
	ledger                *Ledger
}

// NewBlockMetadata creates a BlockMetadataBase. If the memory system has no granularity
// requirements, allocationGranularity should be 1.
func NewBlockMetadata(allocationGranularity uint) BlockMetadataBase {
	return BlockMetadataBase{
		allocationGranularity: max(allocationGranularity, 1),
		ledger:                NewLedger(0),
	}
}

// Init prepares this structure for allocations and sizes the block in bytes
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
	m.ledger.Reset(size)
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// Granularity is the page size used for conflict checks between neighbouring suballocations
func (m *BlockMetadataBase) Granularity() uint { return m.allocationGranularity }

// Ledger exposes the ordered region record that backs this metadata
func (m *BlockMetadataBase) Ledger() *Ledger { return m.ledger }

func (m *BlockMetadataBase) AllocationCount() int  { return m.ledger.AllocationCount() }
func (m *BlockMetadataBase) FreeRegionsCount() int { return m.ledger.FreeRegionsCount() }
func (m *BlockMetadataBase) SumFreeSize() int      { return m.ledger.SumFreeSize() }
func (m *BlockMetadataBase) IsEmpty() bool         { return m.ledger.IsEmpty() }

func (m *BlockMetadataBase) LargestFreeRegion() int {
	return m.ledger.LargestFreeRegion()
}

func (m *BlockMetadataBase) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	if allocHandle == NoAllocation || allocHandle == 0 {
		return 0, errors.Wrap(memutils.ErrInvalidArgument, "invalid allocation handle")
	}

	offset := allocHandle.offset()
	region, ok := m.ledger.Region(offset)
	if !ok || region.Type == SuballocationFree {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "no allocation starts at offset %d", offset)
	}
	return offset, nil
}

func (m *BlockMetadataBase) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	return m.ledger.UserData(allocHandle.offset())
}

func (m *BlockMetadataBase) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	return m.ledger.SetUserData(allocHandle.offset(), userData)
}

func (m *BlockMetadataBase) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	return m.ledger.VisitAllRegions(func(region Suballocation) error {
		handle := NoAllocation
		free := region.Type == SuballocationFree
		if !free {
			handle = handleFromOffset(region.Offset)
		}
		return handleBlock(handle, region.Offset, region.Size, region.UserData, free)
	})
}

func (m *BlockMetadataBase) Clear() {
	m.ledger.Clear()
}

// CheckCorruption validates the marker written after every used region of the ledger
func (m *BlockMetadataBase) CheckCorruption(blockData unsafe.Pointer) error {
	return m.ledger.VisitAllRegions(func(region Suballocation) error {
		if region.Type == SuballocationFree {
			return nil
		}

		if !memutils.ValidateMagicValue(blockData, region.End()) {
			return errors.Errorf("memory corruption detected after allocation at offset %d", region.Offset)
		}
		return nil
	})
}

func (m *BlockMetadataBase) writeJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)

	regions := json.Name("Suballocations").Array()
	defer regions.End()

	_ = m.ledger.VisitAllRegions(func(region Suballocation) error {
		obj := regions.Object()
		obj.Name("Offset").Int(region.Offset)
		obj.Name("Size").Int(region.Size)
		obj.Name("Type").String(region.Type.String())
		obj.End()
		return nil
	})
}

func validateAllocationArgs(allocSize int, allocAlignment uint) error {
	if allocSize < 1 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "allocation size must be positive, got %d", allocSize)
	}
	return memutils.CheckPow2(allocAlignment, "allocAlignment")
}
