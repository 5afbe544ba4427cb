package vpr

import (
	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/internal/utils"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// dedicatedAllocationList is an intrusive doubly linked list of the dedicated allocations made for
// one memory type or one custom pool
type dedicatedAllocationList struct {
	mutex utils.OptionalRWMutex

	count              int
	allocationListHead *Allocation
	allocationListTail *Allocation
}

func (l *dedicatedAllocationList) Init(useMutex bool) {
	l.mutex.Enable(useMutex)
}

func (l *dedicatedAllocationList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	actualCount := 0
	var prev *Allocation
	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextDedicatedAlloc() {
		if alloc.prevDedicatedAlloc() != prev {
			return errors.Newf("dedicated allocation %d in the list does not point back to its predecessor", actualCount)
		}
		if alloc.dedicatedData.list != l {
			return errors.Newf("dedicated allocation %d in the list belongs to another list", actualCount)
		}
		prev = alloc
		actualCount++
	}

	if prev != l.allocationListTail {
		return errors.New("the tail of the dedicated allocation list is not its last element")
	}
	if l.count != actualCount {
		return errors.Newf("the listed number of dedicated allocations in the list (%d) does not match the actual number of allocations (%d)", l.count, actualCount)
	}

	return nil
}

func (l *dedicatedAllocationList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.allocationListHead; item != nil; item = item.nextDedicatedAlloc() {
		stats.Statistics.BlockCount++
		stats.Statistics.BlockBytes += item.size
		stats.AddAllocation(item.size)
	}
}

func (l *dedicatedAllocationList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	stats.BlockCount += l.count
	stats.AllocationCount += l.count

	for item := l.allocationListHead; item != nil; item = item.nextDedicatedAlloc() {
		stats.BlockBytes += item.size
		stats.AllocationBytes += item.size
	}
}

func (l *dedicatedAllocationList) BuildStatsString(json *jwriter.ObjectState) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	s := json.Name("DedicatedAllocations").Array()
	defer s.End()

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.nextDedicatedAlloc() {
		o := s.Object()
		alloc.printParameters(&o)
		o.End()
	}
}

func (l *dedicatedAllocationList) Count() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count
}

func (l *dedicatedAllocationList) IsEmpty() bool {
	return l.Count() == 0
}

func (l *dedicatedAllocationList) Register(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.pushAllocation(alloc)
}

// Unregister removes alloc from the list. It returns ErrStaleAllocation if alloc is not in the list,
// which happens when a copy of a live Allocation is freed.
func (l *dedicatedAllocationList) Unregister(alloc *Allocation) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.contains(alloc) {
		return errors.Wrap(ErrStaleAllocation, "the dedicated allocation is not registered with its memory type")
	}

	l.removeAllocation(alloc)
	return nil
}

func (l *dedicatedAllocationList) contains(alloc *Allocation) bool {
	if alloc.dedicatedData.list != l {
		return false
	}

	prev := alloc.prevDedicatedAlloc()
	if prev == nil {
		return l.allocationListHead == alloc
	}
	return prev.nextDedicatedAlloc() == alloc
}

func (l *dedicatedAllocationList) removeAllocation(alloc *Allocation) {
	prev := alloc.prevDedicatedAlloc()
	next := alloc.nextDedicatedAlloc()

	if prev != nil {
		prev.setNext(next)
	} else {
		l.allocationListHead = next
	}

	if next != nil {
		next.setPrev(prev)
	} else {
		l.allocationListTail = prev
	}

	alloc.setNext(nil)
	alloc.setPrev(nil)
	alloc.dedicatedData.list = nil

	l.count--
}

func (l *dedicatedAllocationList) pushAllocation(alloc *Allocation) {
	alloc.dedicatedData.list = l

	if l.count == 0 {
		l.allocationListHead = alloc
		l.allocationListTail = alloc
		l.count = 1
		return
	}

	alloc.setPrev(l.allocationListTail)
	l.allocationListTail.setNext(alloc)

	l.allocationListTail = alloc
	l.count++
}
