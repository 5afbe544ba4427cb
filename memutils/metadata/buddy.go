package metadata

import (
	"math/bits"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/google/btree"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

const (
	// DefaultBuddyMinNodeSize is the smallest node a BuddyBlockMetadata will split down to when no
	// other minimum is provided
	DefaultBuddyMinNodeSize = 32

	buddyMaxLevels = 48
)

type buddyAllocation struct {
	level int
	size  int
}

// BuddyBlockMetadata is a BlockMetadata implementation that treats the block as a binary tree of
// power-of-two nodes. An allocation of size S consumes exactly one node of
// NextPow2(max(S, minNodeSize)) bytes. Larger free nodes are split lazily to produce it, and freed
// nodes merge with their buddy for as long as the buddy is also free.
//
// Only the largest power of two that fits in the block is usable. The remainder at the end of the
// block is never allocated and is not counted as free space.
type BuddyBlockMetadata struct {
	BlockMetadataBase

	minNodeSize int
	usableSize  int
	levelCount  int

	freeLists   []*btree.BTreeG[int]
	allocations *swiss.Map[int, buddyAllocation]
}

var _ BlockMetadata = &BuddyBlockMetadata{}

// NewBuddyBlockMetadata creates a new BuddyBlockMetadata. minNodeSize bounds how far nodes will be
// split and is rounded up to a power of two. Values below 1 select DefaultBuddyMinNodeSize.
func NewBuddyBlockMetadata(bufferImageGranularity uint, minNodeSize int) *BuddyBlockMetadata {
	if minNodeSize < 1 {
		minNodeSize = DefaultBuddyMinNodeSize
	}

	return &BuddyBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(bufferImageGranularity),
		minNodeSize:       memutils.NextPow2(minNodeSize),
		allocations:       swiss.NewMap[int, buddyAllocation](8),
	}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BuddyBlockMetadata) Init(size int) {
	m.size = size
	m.usableSize = memutils.PrevPow2(size)
	m.ledger.Reset(m.usableSize)

	m.levelCount = 1
	for m.levelCount < buddyMaxLevels && m.levelNodeSize(m.levelCount) >= m.minNodeSize {
		m.levelCount++
	}

	m.freeLists = make([]*btree.BTreeG[int], m.levelCount)
	for level := range m.freeLists {
		m.freeLists[level] = btree.NewG(ledgerTreeDegree, func(left, right int) bool { return left < right })
	}
	if m.usableSize > 0 {
		m.freeLists[0].ReplaceOrInsert(0)
	}

	m.allocations.Clear()
}

// UsableSize is the number of bytes in the block that can be handed out
func (m *BuddyBlockMetadata) UsableSize() int { return m.usableSize }

// MinNodeSize is the smallest number of bytes an allocation can consume
func (m *BuddyBlockMetadata) MinNodeSize() int { return m.minNodeSize }

func (m *BuddyBlockMetadata) levelNodeSize(level int) int {
	return m.usableSize >> level
}

func (m *BuddyBlockMetadata) levelForNodeSize(nodeSize int) int {
	return bits.Len(uint(m.usableSize)) - bits.Len(uint(nodeSize))
}

// NodeSize returns the number of bytes an allocation of allocSize will consume
func (m *BuddyBlockMetadata) NodeSize(allocSize int) int {
	return memutils.NextPow2(max(allocSize, m.minNodeSize))
}

// FreeRegionsCount is the number of free nodes across all levels
func (m *BuddyBlockMetadata) FreeRegionsCount() int {
	count := 0
	for _, freeList := range m.freeLists {
		count += freeList.Len()
	}
	return count
}

// LargestFreeRegion is the size of the largest free node
func (m *BuddyBlockMetadata) LargestFreeRegion() int {
	for level, freeList := range m.freeLists {
		if freeList.Len() > 0 {
			return m.levelNodeSize(level)
		}
	}
	return 0
}

func (m *BuddyBlockMetadata) Validate() error {
	if err := m.ledger.Validate(); err != nil {
		return err
	}

	if m.allocations.Count() != m.ledger.AllocationCount() {
		return errors.Wrapf(memutils.ErrCorruptedLedger, "buddy tracks %d allocations but the ledger holds %d", m.allocations.Count(), m.ledger.AllocationCount())
	}

	var err error
	freeBytes := 0
	for level, freeList := range m.freeLists {
		nodeSize := m.levelNodeSize(level)
		freeList.Ascend(func(offset int) bool {
			freeBytes += nodeSize

			region := m.ledger.containing(offset)
			switch {
			case offset%nodeSize != 0:
				err = errors.Wrapf(memutils.ErrCorruptedLedger, "free node at offset %d is misaligned for level %d", offset, level)
			case region == nil || !region.isFree() || region.end() < offset+nodeSize:
				err = errors.Wrapf(memutils.ErrCorruptedLedger, "free node at offset %d on level %d is not free in the ledger", offset, level)
			}
			return err == nil
		})
		if err != nil {
			return err
		}
	}

	if freeBytes != m.ledger.SumFreeSize() {
		return errors.Wrapf(memutils.ErrCorruptedLedger, "buddy free nodes hold %d bytes but the ledger has %d free", freeBytes, m.ledger.SumFreeSize())
	}

	m.allocations.Iter(func(offset int, alloc buddyAllocation) bool {
		region, ok := m.ledger.Region(offset)
		if !ok || region.Type == SuballocationFree || region.Size != m.levelNodeSize(alloc.level) {
			err = errors.Wrapf(memutils.ErrCorruptedLedger, "allocation at offset %d does not match its level %d node", offset, alloc.level)
			return true
		}
		return false
	})

	return err
}

// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
// in the provided memutils.DetailedStatistics object.
func (m *BuddyBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Statistics.BlockCount++
	stats.Statistics.BlockBytes += m.Size()

	m.allocations.Iter(func(offset int, alloc buddyAllocation) bool {
		stats.AddAllocation(m.levelNodeSize(alloc.level))
		return false
	})

	for level, freeList := range m.freeLists {
		nodeSize := m.levelNodeSize(level)
		freeList.Ascend(func(offset int) bool {
			stats.AddUnusedRange(nodeSize)
			return true
		})
	}

	if unusable := m.Size() - m.usableSize; unusable > 0 {
		stats.AddUnusedRange(unusable)
	}
}

// AddStatistics sums this block's allocation statistics into the statistics currently present in the
// provided memutils.Statistics object.
func (m *BuddyBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += m.AllocationCount()
	stats.AllocationBytes += m.usableSize - m.SumFreeSize()
}

// BlockJsonData populates a json object with information about this block
func (m *BuddyBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("Algorithm").String("Buddy")
	json.Name("UsableBytes").Int(m.usableSize)
	json.Name("MinNodeSize").Int(m.minNodeSize)

	unusedBytes := m.SumFreeSize() + m.Size() - m.usableSize
	m.writeJsonData(json, unusedBytes, m.AllocationCount(), m.FreeRegionsCount())
}

// CheckCorruption validates the marker written after the requested bytes of every allocation
func (m *BuddyBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	var err error
	m.allocations.Iter(func(offset int, alloc buddyAllocation) bool {
		if !memutils.ValidateMagicValue(blockData, offset+alloc.size) {
			err = errors.Errorf("memory corruption detected after allocation at offset %d", offset)
			return true
		}
		return false
	})
	return err
}

// CreateAllocationRequest finds the smallest free node that can be split down to the node size the
// allocation needs, preferring the lowest offset within a level. Upper address requests are not
// supported.
func (m *BuddyBlockMetadata) CreateAllocationRequest(
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
	if upperAddress {
		return false, AllocationRequest{}, errors.Wrap(memutils.ErrInvalidArgument, "the buddy algorithm does not support upper address allocations")
	}
	memutils.DebugValidate(m)

	// Images occupy whole granularity pages so buffers in neighbouring nodes never share one
	paddedSize, alignment := RoundUpAllocRequest(m.allocationGranularity, allocType, allocSize, allocAlignment)
	nodeSize := m.NodeSize(paddedSize + memutils.DebugMargin)
	if nodeSize > m.usableSize || nodeSize > m.SumFreeSize() {
		return false, AllocationRequest{}, nil
	}

	targetLevel := m.levelForNodeSize(nodeSize)
	for level := targetLevel; level >= 0; level-- {
		offset, found := m.findAlignedFreeNode(level, alignment)
		if !found {
			continue
		}

		return true, AllocationRequest{
			BlockAllocationHandle: handleFromOffset(offset),
			Size:                  nodeSize,
			Item: Suballocation{
				Offset: offset,
				Size:   allocSize,
				Type:   allocType,
			},
			Type:          AllocationRequestBuddy,
			AllocType:     allocType,
			AlgorithmData: uint64(level),
		}, nil
	}

	return false, AllocationRequest{}, nil
}

func (m *BuddyBlockMetadata) findAlignedFreeNode(level int, alignment uint) (int, bool) {
	var offset int
	var found bool
	m.freeLists[level].Ascend(func(candidate int) bool {
		if candidate%int(alignment) == 0 {
			offset = candidate
			found = true
		}
		return !found
	})
	return offset, found
}

// Alloc commits an AllocationRequest object, splitting the free node it names down to the
// allocation's level
func (m *BuddyBlockMetadata) Alloc(req AllocationRequest, userData any) error {
	if req.Type != AllocationRequestBuddy {
		return errors.Wrapf(memutils.ErrInvalidArgument, "attempted to allocate a request of type %s, but that type isn't supported by the Buddy metadata", req.Type)
	}

	offset := req.Item.Offset
	sourceLevel := int(req.AlgorithmData)
	targetLevel := m.levelForNodeSize(req.Size)
	if sourceLevel < 0 || sourceLevel > targetLevel || targetLevel >= m.levelCount || !memutils.IsPow2(req.Size) {
		return errors.Wrapf(memutils.ErrInvalidArgument, "request for %d bytes from level %d is malformed", req.Size, sourceLevel)
	}

	if _, removed := m.freeLists[sourceLevel].Delete(offset); !removed {
		return errors.Wrapf(memutils.ErrInvalidArgument, "node at offset %d on level %d is no longer free", offset, sourceLevel)
	}

	for level := sourceLevel; level < targetLevel; level++ {
		m.freeLists[level+1].ReplaceOrInsert(offset + m.levelNodeSize(level+1))
	}

	err := m.ledger.Commit(offset, req.Size, req.AllocType, userData)
	if err != nil {
		panic(errors.Wrapf(memutils.ErrCorruptedLedger, "free buddy node at offset %d could not be committed: %v", offset, err))
	}

	m.allocations.Put(offset, buddyAllocation{level: targetLevel, size: req.Item.Size})
	return nil
}

// Free frees a suballocation within the block and merges its node with free buddies
func (m *BuddyBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	offset, err := m.AllocationOffset(allocHandle)
	if err != nil {
		return err
	}

	alloc, ok := m.allocations.Get(offset)
	if !ok {
		panic(errors.Wrapf(memutils.ErrCorruptedLedger, "allocation at offset %d has no buddy node", offset))
	}

	_, err = m.ledger.Release(offset)
	if err != nil {
		return err
	}
	m.allocations.Delete(offset)

	level := alloc.level
	for level > 0 {
		buddy := offset ^ m.levelNodeSize(level)
		if _, merged := m.freeLists[level].Delete(buddy); !merged {
			break
		}

		offset = min(offset, buddy)
		level--
	}
	m.freeLists[level].ReplaceOrInsert(offset)

	return nil
}

// Clear instantly frees all allocations
func (m *BuddyBlockMetadata) Clear() {
	m.Init(m.size)
}
