package metadata

import (
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/google/btree"
	"github.com/pkg/errors"
)

const ledgerTreeDegree = 16

type ledgerRegion struct {
	offset    int
	size      int
	allocType SuballocationType
	userData  any
}

func (r *ledgerRegion) end() int {
	return r.offset + r.size
}

func (r *ledgerRegion) isFree() bool {
	return r.allocType == SuballocationFree
}

func (r *ledgerRegion) suballocation() Suballocation {
	return Suballocation{
		Offset:   r.offset,
		Size:     r.size,
		UserData: r.userData,
		Type:     r.allocType,
	}
}

func regionsByOffset(left, right *ledgerRegion) bool {
	return left.offset < right.offset
}

func regionsBySize(left, right *ledgerRegion) bool {
	if left.size != right.size {
		return left.size < right.size
	}
	return left.offset < right.offset
}

func offsetKey(offset int) *ledgerRegion {
	return &ledgerRegion{offset: offset}
}

// Ledger is the ordered record of every region in one block. Regions are sorted by offset,
// never overlap, and together cover the whole block. Two free regions are never adjacent: a
// release merges with free neighbours before it returns.
//
// Free regions are indexed a second and third time, by offset and by size, so that placement
// searches only visit free space and LargestFreeRegion is a tree lookup.
type Ledger struct {
	size            int
	allocationCount int
	sumFreeSize     int

	regions      *btree.BTreeG[*ledgerRegion]
	freeByOffset *btree.BTreeG[*ledgerRegion]
	freeBySize   *btree.BTreeG[*ledgerRegion]
}

// NewLedger creates a ledger covering size bytes, all of them free
func NewLedger(size int) *Ledger {
	ledger := &Ledger{
		regions:      btree.NewG(ledgerTreeDegree, regionsByOffset),
		freeByOffset: btree.NewG(ledgerTreeDegree, regionsByOffset),
		freeBySize:   btree.NewG(ledgerTreeDegree, regionsBySize),
	}
	ledger.Reset(size)
	return ledger
}

// Reset discards every region and resizes the ledger to a single free region of size bytes
func (l *Ledger) Reset(size int) {
	l.regions.Clear(false)
	l.freeByOffset.Clear(false)
	l.freeBySize.Clear(false)

	l.size = size
	l.allocationCount = 0
	l.sumFreeSize = 0

	if size > 0 {
		region := &ledgerRegion{offset: 0, size: size}
		l.regions.ReplaceOrInsert(region)
		l.indexFree(region)
	}
}

// Clear releases every allocation at once
func (l *Ledger) Clear() {
	l.Reset(l.size)
}

func (l *Ledger) Size() int            { return l.size }
func (l *Ledger) AllocationCount() int { return l.allocationCount }
func (l *Ledger) SumFreeSize() int     { return l.sumFreeSize }
func (l *Ledger) FreeRegionsCount() int {
	return l.freeByOffset.Len()
}

// IsEmpty reports whether no region of the ledger is in use
func (l *Ledger) IsEmpty() bool {
	return l.allocationCount == 0
}

// LargestFreeRegion is the size of the biggest free region, or 0 if the ledger is full
func (l *Ledger) LargestFreeRegion() int {
	largest, ok := l.freeBySize.Max()
	if !ok {
		return 0
	}
	return largest.size
}

func (l *Ledger) indexFree(region *ledgerRegion) {
	l.freeByOffset.ReplaceOrInsert(region)
	l.freeBySize.ReplaceOrInsert(region)
	l.sumFreeSize += region.size
}

func (l *Ledger) unindexFree(region *ledgerRegion) {
	mustDelete(l.freeByOffset, region)
	mustDelete(l.freeBySize, region)
	l.sumFreeSize -= region.size
}

func mustDelete(tree *btree.BTreeG[*ledgerRegion], region *ledgerRegion) {
	_, deleted := tree.Delete(region)
	if !deleted {
		panic(errors.Wrapf(memutils.ErrCorruptedLedger, "region at offset %d is missing from an index", region.offset))
	}
}

func (l *Ledger) previous(region *ledgerRegion) *ledgerRegion {
	if region.offset == 0 {
		return nil
	}

	var found *ledgerRegion
	l.regions.DescendLessOrEqual(offsetKey(region.offset-1), func(item *ledgerRegion) bool {
		found = item
		return false
	})
	return found
}

func (l *Ledger) next(region *ledgerRegion) *ledgerRegion {
	if region.end() >= l.size {
		return nil
	}

	var found *ledgerRegion
	l.regions.AscendGreaterOrEqual(offsetKey(region.end()), func(item *ledgerRegion) bool {
		found = item
		return false
	})
	return found
}

func (l *Ledger) containing(offset int) *ledgerRegion {
	if offset < 0 || offset >= l.size {
		return nil
	}

	var found *ledgerRegion
	l.regions.DescendLessOrEqual(offsetKey(offset), func(item *ledgerRegion) bool {
		found = item
		return false
	})

	if found == nil || found.end() <= offset {
		return nil
	}
	return found
}

// TryFind looks for the lowest offset at which size bytes of the provided kind could be committed.
// The offset is a multiple of alignment, lies entirely inside one free region, and, when
// bufferImageGranularity is larger than 1, shares no granularity page with a conflicting
// neighbour on either side. The ledger is not modified.
func (l *Ledger) TryFind(size int, alignment uint, bufferImageGranularity uint, kind SuballocationType) (int, bool) {
	return l.TryFindWithStrategy(size, alignment, bufferImageGranularity, kind, AllocationStrategyMinOffset)
}

// TryFindWithStrategy is TryFind with a choice of which free region to try first. With
// AllocationStrategyMinTime the largest free regions are tried first, with AllocationStrategyMinMemory
// the smallest regions that are big enough are tried first, otherwise the lowest offset wins.
func (l *Ledger) TryFindWithStrategy(size int, alignment uint, bufferImageGranularity uint, kind SuballocationType, strategy AllocationStrategy) (int, bool) {
	if size < 1 || kind == SuballocationFree || size > l.sumFreeSize {
		return 0, false
	}
	alignment = max(alignment, 1)

	var offset int
	var found bool
	tryRegion := func(region *ledgerRegion) bool {
		if region.size < size {
			return true
		}
		offset, found = l.placeLower(region, size, alignment, bufferImageGranularity, kind)
		return !found
	}

	switch {
	case strategy&AllocationStrategyMinTime != 0:
		l.freeBySize.Descend(func(region *ledgerRegion) bool {
			if region.size < size {
				return false
			}
			return tryRegion(region)
		})
	case strategy&AllocationStrategyMinMemory != 0:
		l.freeBySize.AscendGreaterOrEqual(&ledgerRegion{offset: 0, size: size}, tryRegion)
	default:
		l.freeByOffset.Ascend(tryRegion)
	}

	return offset, found
}

// TryFindUpper looks for the highest offset at which size bytes of the provided kind could be
// committed, under the same constraints as TryFind
func (l *Ledger) TryFindUpper(size int, alignment uint, bufferImageGranularity uint, kind SuballocationType) (int, bool) {
	if size < 1 || kind == SuballocationFree || size > l.sumFreeSize {
		return 0, false
	}
	alignment = max(alignment, 1)

	var offset int
	var found bool
	l.freeByOffset.Descend(func(region *ledgerRegion) bool {
		if region.size < size {
			return true
		}
		offset, found = l.placeUpper(region, size, alignment, bufferImageGranularity, kind)
		return !found
	})

	return offset, found
}

func (l *Ledger) placeLower(region *ledgerRegion, size int, alignment, granularity uint, kind SuballocationType) (int, bool) {
	offset := region.offset
	prev := l.previous(region)
	if prev != nil {
		offset += memutils.DebugMargin
	}
	offset = memutils.AlignUp(offset, alignment)

	if granularity > 1 {
		for neighbour := prev; neighbour != nil && BlocksOnSamePage(neighbour.offset, neighbour.size, offset, granularity); neighbour = l.previous(neighbour) {
			if AllocationsConflict(neighbour.allocType, kind) {
				offset = memutils.AlignUp(offset, granularity)
				break
			}
		}
	}

	// The margin after the allocation holds its corruption marker
	if offset+size+memutils.DebugMargin > region.end() {
		return 0, false
	}

	if granularity > 1 {
		for neighbour := l.next(region); neighbour != nil && BlocksOnSamePage(offset, size, neighbour.offset, granularity); neighbour = l.next(neighbour) {
			if AllocationsConflict(kind, neighbour.allocType) {
				return 0, false
			}
		}
	}

	return offset, true
}

func (l *Ledger) placeUpper(region *ledgerRegion, size int, alignment, granularity uint, kind SuballocationType) (int, bool) {
	end := region.end() - memutils.DebugMargin
	next := l.next(region)

	minOffset := region.offset
	prev := l.previous(region)
	if prev != nil {
		minOffset += memutils.DebugMargin
	}

	if end-size < minOffset {
		return 0, false
	}
	offset := memutils.AlignDown(end-size, alignment)

	if granularity > 1 {
		for neighbour := next; neighbour != nil && BlocksOnSamePage(offset, size, neighbour.offset, granularity); neighbour = l.next(neighbour) {
			if AllocationsConflict(kind, neighbour.allocType) {
				offset = memutils.AlignDown(memutils.AlignDown(neighbour.offset, granularity)-size, alignment)
				break
			}
		}
	}

	if offset < minOffset {
		return 0, false
	}

	if granularity > 1 {
		for neighbour := prev; neighbour != nil && BlocksOnSamePage(neighbour.offset, neighbour.size, offset, granularity); neighbour = l.previous(neighbour) {
			if AllocationsConflict(neighbour.allocType, kind) {
				return 0, false
			}
		}
	}

	return offset, true
}

// Commit marks [offset, offset+size) as used by a region of the provided kind. The range must
// lie entirely inside one free region, which is split into up to two smaller free regions.
func (l *Ledger) Commit(offset, size int, kind SuballocationType, userData any) error {
	if size < 1 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "cannot commit a region of %d bytes", size)
	}
	if kind == SuballocationFree {
		return errors.Wrap(memutils.ErrInvalidArgument, "cannot commit a region as free")
	}

	region := l.containing(offset)
	if region == nil || !region.isFree() || offset+size > region.end() {
		return errors.Wrapf(memutils.ErrInvalidArgument, "range [%d, %d) is not inside a single free region", offset, offset+size)
	}

	l.unindexFree(region)

	before := offset - region.offset
	after := region.end() - (offset + size)

	if before > 0 {
		region.size = before
		l.indexFree(region)
	}

	// With no leading free space this replaces the old free region, which shares the offset
	l.regions.ReplaceOrInsert(&ledgerRegion{
		offset:    offset,
		size:      size,
		allocType: kind,
		userData:  userData,
	})

	if after > 0 {
		tail := &ledgerRegion{offset: offset + size, size: after}
		l.regions.ReplaceOrInsert(tail)
		l.indexFree(tail)
	}

	l.allocationCount++
	return nil
}

// Release returns the used region starting at offset to free space, merging it with free
// neighbours, and returns the number of bytes the region held
func (l *Ledger) Release(offset int) (int, error) {
	region, ok := l.regions.Get(offsetKey(offset))
	if !ok || region.isFree() {
		return 0, errors.Wrapf(memutils.ErrInvalidArgument, "no allocation starts at offset %d", offset)
	}

	freed := region.size
	region.allocType = SuballocationFree
	region.userData = nil
	l.allocationCount--

	if next := l.next(region); next != nil && next.isFree() {
		l.unindexFree(next)
		mustDelete(l.regions, next)
		region.size += next.size
	}

	if prev := l.previous(region); prev != nil && prev.isFree() {
		l.unindexFree(prev)
		mustDelete(l.regions, region)
		prev.size += region.size
		region = prev
	}

	l.indexFree(region)
	return freed, nil
}

// Region returns the region starting exactly at offset
func (l *Ledger) Region(offset int) (Suballocation, bool) {
	region, ok := l.regions.Get(offsetKey(offset))
	if !ok {
		return Suballocation{}, false
	}
	return region.suballocation(), true
}

func (l *Ledger) usedRegion(offset int) (*ledgerRegion, error) {
	region, ok := l.regions.Get(offsetKey(offset))
	if !ok || region.isFree() {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "no allocation starts at offset %d", offset)
	}
	return region, nil
}

func (l *Ledger) UserData(offset int) (any, error) {
	region, err := l.usedRegion(offset)
	if err != nil {
		return nil, err
	}
	return region.userData, nil
}

func (l *Ledger) SetUserData(offset int, userData any) error {
	region, err := l.usedRegion(offset)
	if err != nil {
		return err
	}
	region.userData = userData
	return nil
}

// VisitAllRegions calls visit for every region in offset order, stopping at the first error
func (l *Ledger) VisitAllRegions(visit func(region Suballocation) error) error {
	var err error
	l.regions.Ascend(func(item *ledgerRegion) bool {
		err = visit(item.suballocation())
		return err == nil
	})
	return err
}

// Validate walks every region and checks that the ledger covers the block exactly, that no two
// free regions touch, and that the counters and free indices agree with the regions
func (l *Ledger) Validate() error {
	var err error
	expectedOffset := 0
	allocationCount := 0
	freeCount := 0
	freeBytes := 0
	previousFree := false

	l.regions.Ascend(func(region *ledgerRegion) bool {
		switch {
		case region.offset != expectedOffset:
			err = errors.Wrapf(memutils.ErrCorruptedLedger, "region at offset %d should start at %d", region.offset, expectedOffset)
		case region.size < 1:
			err = errors.Wrapf(memutils.ErrCorruptedLedger, "region at offset %d has size %d", region.offset, region.size)
		case region.isFree() && previousFree:
			err = errors.Wrapf(memutils.ErrCorruptedLedger, "free region at offset %d follows another free region", region.offset)
		case region.isFree() && !l.freeByOffset.Has(region):
			err = errors.Wrapf(memutils.ErrCorruptedLedger, "free region at offset %d is not indexed", region.offset)
		}
		if err != nil {
			return false
		}

		if region.isFree() {
			freeCount++
			freeBytes += region.size
		} else {
			allocationCount++
		}
		previousFree = region.isFree()
		expectedOffset = region.end()
		return true
	})
	if err != nil {
		return err
	}

	if expectedOffset != l.size {
		return errors.Wrapf(memutils.ErrCorruptedLedger, "regions cover %d bytes but the ledger holds %d", expectedOffset, l.size)
	}
	if allocationCount != l.allocationCount {
		return errors.Wrapf(memutils.ErrCorruptedLedger, "found %d allocations but counted %d", allocationCount, l.allocationCount)
	}
	if freeBytes != l.sumFreeSize {
		return errors.Wrapf(memutils.ErrCorruptedLedger, "found %d free bytes but counted %d", freeBytes, l.sumFreeSize)
	}
	if freeCount != l.freeByOffset.Len() || freeCount != l.freeBySize.Len() {
		return errors.Wrapf(memutils.ErrCorruptedLedger, "found %d free regions but the indices hold %d and %d", freeCount, l.freeByOffset.Len(), l.freeBySize.Len())
	}

	return nil
}
