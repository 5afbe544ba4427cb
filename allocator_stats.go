package vpr

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// AllocatorStatistics sums every block and allocation of an Allocator by memory type, by heap, and
// in total. Custom pools and dedicated allocations are included.
type AllocatorStatistics struct {
	MemoryTypes []memutils.DetailedStatistics
	MemoryHeaps []memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// CalculateStatistics fills stats with the current state of every pool. It visits every
// suballocation, so it is too slow to call every frame. HeapBudgets is the cheap alternative.
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	typeCount := a.deviceMemory.MemoryTypeCount()
	heapCount := a.deviceMemory.MemoryHeapCount()

	stats.MemoryTypes = make([]memutils.DetailedStatistics, typeCount)
	stats.MemoryHeaps = make([]memutils.DetailedStatistics, heapCount)
	stats.Total.Clear()
	for typeIndex := range stats.MemoryTypes {
		stats.MemoryTypes[typeIndex].Clear()
	}
	for heapIndex := range stats.MemoryHeaps {
		stats.MemoryHeaps[heapIndex].Clear()
	}

	// Default pools
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		a.memoryBlockLists[typeIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		a.dedicatedAllocations[typeIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	// Custom pools
	a.poolsMutex.RLock()
	a.pools.Iter(func(id int, pool *Pool) (stop bool) {
		typeIndex := pool.blockList.memoryTypeIndex
		pool.blockList.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		pool.dedicatedAllocations.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		return false
	})
	a.poolsMutex.RUnlock()

	// Sum up
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// BuildStatsString returns a JSON document describing every heap and memory type with its usage.
// When detailedMap is true, every block and suballocation of every pool is listed too.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)
	budgets := a.HeapBudgets()

	writer := jwriter.NewWriter()
	json := writer.Object()

	general := json.Name("General").Object()
	general.Name("MemoryHeapCount").Int(len(stats.MemoryHeaps))
	general.Name("MemoryTypeCount").Int(len(stats.MemoryTypes))
	general.Name("BufferImageGranularity").Int(int(a.deviceMemory.BufferImageGranularity()))
	general.Name("CurrentFrameIndex").Int(int(a.CurrentFrameIndex()))
	general.End()

	total := json.Name("Total").Object()
	stats.Total.WriteJSON(&total)
	total.End()

	heaps := json.Name("MemoryHeaps").Object()
	for heapIndex := range stats.MemoryHeaps {
		heap := heaps.Name(fmt.Sprintf("Heap %d", heapIndex)).Object()
		heap.Name("Size").Int(a.deviceMemory.HeapSize(heapIndex))

		budget := heap.Name("Budget").Object()
		budget.Name("BudgetBytes").Int(budgets[heapIndex].Budget)
		budget.Name("UsageBytes").Int(budgets[heapIndex].Usage)
		budget.Name("Usage").String(humanize.IBytes(uint64(budgets[heapIndex].Usage)))
		budget.End()

		heapStats := heap.Name("Stats").Object()
		stats.MemoryHeaps[heapIndex].WriteJSON(&heapStats)
		heapStats.End()

		types := heap.Name("MemoryTypes").Object()
		for typeIndex := range stats.MemoryTypes {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			memType := types.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
			memType.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags.String())
			typeStats := memType.Name("Stats").Object()
			stats.MemoryTypes[typeIndex].WriteJSON(&typeStats)
			typeStats.End()
			memType.End()
		}
		types.End()

		heap.End()
	}
	heaps.End()

	if detailedMap {
		a.printDetailedMap(&json)
	}

	json.End()
	return string(writer.Bytes())
}

func (a *Allocator) printDetailedMap(json *jwriter.ObjectState) {
	defaultPools := json.Name("DefaultPools").Object()
	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		typeObj := defaultPools.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
		typeObj.Name("PreferredBlockSize").Int(a.memoryBlockLists[typeIndex].maxBlockSize)
		a.memoryBlockLists[typeIndex].PrintDetailedMap(&typeObj)
		a.dedicatedAllocations[typeIndex].BuildStatsString(&typeObj)
		typeObj.End()
	}
	defaultPools.End()

	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	pools := make(map[int]*Pool, a.pools.Count())
	a.pools.Iter(func(id int, pool *Pool) (stop bool) {
		pools[id] = pool
		return false
	})
	poolIds := maps.Keys(pools)
	slices.Sort(poolIds)

	customPools := json.Name("CustomPools").Object()
	for _, id := range poolIds {
		poolObj := customPools.Name(strconv.Itoa(id)).Object()
		pools[id].printDetailedMap(&poolObj)
		poolObj.End()
	}
	customPools.End()
}
