package metadata

import (
	"github.com/dolthub/swiss"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

// LinearBlockMetadata is a BlockMetadata implementation that places allocations at the lowest
// offset that fits, scanning the block's ledger from the bottom up.
//
// Allocations requested with upperAddress=true are placed from the top of the block down
// instead. Those allocations form a stack: they must be freed in the reverse order they were
// committed. Freeing an upper allocation that is not the most recent one is rejected with
// memutils.ErrInvalidArgument and leaves the block untouched.
type LinearBlockMetadata struct {
	BlockMetadataBase

	upperStack       []int
	upperAllocations *swiss.Map[int, int]
}

var _ BlockMetadata = &LinearBlockMetadata{}

// NewLinearBlockMetadata creates a new LinearBlockMetadata. bufferImageGranularity is the page
// size used to keep conflicting suballocation types apart, or 1 if there are no such requirements.
func NewLinearBlockMetadata(bufferImageGranularity uint) *LinearBlockMetadata {
	return &LinearBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(bufferImageGranularity),
		upperAllocations:  swiss.NewMap[int, int](8),
	}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *LinearBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.upperStack = m.upperStack[:0]
	m.upperAllocations.Clear()
}

// UpperAllocationCount is the depth of the upper address stack
func (m *LinearBlockMetadata) UpperAllocationCount() int {
	return len(m.upperStack)
}

// Validate checks the ledger and confirms that every entry of the upper address stack is a live
// allocation
func (m *LinearBlockMetadata) Validate() error {
	if err := m.ledger.Validate(); err != nil {
		return err
	}

	if len(m.upperStack) != m.upperAllocations.Count() {
		return errors.Wrapf(memutils.ErrCorruptedLedger, "upper stack holds %d entries but %d are indexed", len(m.upperStack), m.upperAllocations.Count())
	}

	for index, offset := range m.upperStack {
		indexed, ok := m.upperAllocations.Get(offset)
		if !ok || indexed != index {
			return errors.Wrapf(memutils.ErrCorruptedLedger, "upper stack entry %d at offset %d is not indexed", index, offset)
		}

		region, ok := m.ledger.Region(offset)
		if !ok || region.Type == SuballocationFree {
			return errors.Wrapf(memutils.ErrCorruptedLedger, "upper stack entry %d at offset %d is not a live allocation", index, offset)
		}
	}

	return nil
}

// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
// in the provided memutils.DetailedStatistics object.
func (m *LinearBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Statistics.BlockCount++
	stats.Statistics.BlockBytes += m.Size()

	_ = m.VisitAllRegions(
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				stats.AddUnusedRange(size)
			} else {
				stats.AddAllocation(size)
			}

			return nil
		})
}

// AddStatistics sums this block's allocation statistics into the statistics currently present in the
// provided memutils.Statistics object.
func (m *LinearBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.SumFreeSize()
	stats.AllocationCount += m.AllocationCount()
}

// BlockJsonData populates a json object with information about this block
func (m *LinearBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("Algorithm").String("Linear")
	json.Name("UpperAllocations").Int(len(m.upperStack))
	m.writeJsonData(json, m.SumFreeSize(), m.AllocationCount(), m.FreeRegionsCount())
}

// CreateAllocationRequest finds the lowest offset that can hold the allocation, or the highest
// one when upperAddress is true. Nothing is changed until the request is passed to Alloc.
func (m *LinearBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	allocType SuballocationType,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	if err := validateAllocationArgs(allocSize, allocAlignment); err != nil {
		return false, AllocationRequest{}, err
	}
	if allocType == SuballocationFree {
		return false, AllocationRequest{}, errors.Wrap(memutils.ErrInvalidArgument, "allocation type cannot be SuballocationFree")
	}
	memutils.DebugValidate(m)

	if allocSize+memutils.DebugMargin > m.SumFreeSize() {
		return false, AllocationRequest{}, nil
	}

	requestType := AllocationRequestFirstFit
	var offset int
	var found bool
	if upperAddress {
		requestType = AllocationRequestUpperAddress
		offset, found = m.ledger.TryFindUpper(allocSize, allocAlignment, m.allocationGranularity, allocType)
	} else {
		offset, found = m.ledger.TryFindWithStrategy(allocSize, allocAlignment, m.allocationGranularity, allocType, strategy)
	}

	if !found {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: handleFromOffset(offset),
		Size:                  allocSize,
		Item: Suballocation{
			Offset: offset,
			Size:   allocSize,
			Type:   allocType,
		},
		Type:      requestType,
		AllocType: allocType,
	}, nil
}

// Alloc commits an AllocationRequest object, creating the suballocation within the block based
// on the data described in the AllocationRequest. It returns an error if the requested region
// is no longer free.
func (m *LinearBlockMetadata) Alloc(req AllocationRequest, userData any) error {
	if req.Type != AllocationRequestFirstFit && req.Type != AllocationRequestUpperAddress {
		return errors.Wrapf(memutils.ErrInvalidArgument, "attempted to allocate a request of type %s, but that type isn't supported by the Linear metadata", req.Type)
	}

	offset := req.Item.Offset
	err := m.ledger.Commit(offset, req.Size, req.AllocType, userData)
	if err != nil {
		return err
	}

	if req.Type == AllocationRequestUpperAddress {
		m.upperAllocations.Put(offset, len(m.upperStack))
		m.upperStack = append(m.upperStack, offset)
	}

	return nil
}

// Free frees a suballocation within the block, causing it to become a free region once again.
// Upper address allocations can only be freed from the top of the stack.
func (m *LinearBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	offset, err := m.AllocationOffset(allocHandle)
	if err != nil {
		return err
	}

	_, isUpper := m.upperAllocations.Get(offset)
	if isUpper {
		top := m.upperStack[len(m.upperStack)-1]
		if top != offset {
			return errors.Wrapf(memutils.ErrInvalidArgument,
				"upper address allocation at offset %d was freed out of order: the most recent upper address allocation is at offset %d",
				offset, top)
		}
	}

	_, err = m.ledger.Release(offset)
	if err != nil {
		return err
	}

	if isUpper {
		m.upperStack = m.upperStack[:len(m.upperStack)-1]
		m.upperAllocations.Delete(offset)
	}

	return nil
}

// Clear instantly frees all allocations
func (m *LinearBlockMetadata) Clear() {
	m.BlockMetadataBase.Clear()
	m.upperStack = m.upperStack[:0]
	m.upperAllocations.Clear()
}
