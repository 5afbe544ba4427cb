package vpr

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// PoolCreateInfo describes a custom Pool. The zero value creates a linear pool on memory type 0
// whose blocks grow like the allocator's default pools.
type PoolCreateInfo struct {
	// MemoryTypeIndex is the single memory type every block of the pool is created from
	MemoryTypeIndex int
	// Flags selects the allocation technique and other behavior
	Flags PoolCreateFlags

	// BlockSize, if nonzero, is the maximum size of each block and disables dedicated allocation
	// fallback for the pool. If zero, the allocator's preferred block size for the memory type is
	// used.
	BlockSize int
	// MinBlockSize is the size of the first block. If zero, it is BlockSize when BlockSize is set,
	// or an eighth of the preferred block size.
	MinBlockSize int
	// MinBlockCount blocks are created with the pool and kept alive while it exists
	MinBlockCount int
	// MaxBlockCount is the most blocks the pool may hold at once. Zero means unlimited.
	MaxBlockCount int

	// MinAllocationAlignment is raised on every allocation from the pool. It must be zero or a
	// power of two.
	MinAllocationAlignment uint
	// BuddyMinNodeSize is the smallest node of a PoolCreateBuddyAlgorithm pool. It must be zero or
	// a power of two.
	BuddyMinNodeSize int
}

// Pool is a custom set of blocks on one memory type with its own technique and growth limits
type Pool struct {
	logger               *slog.Logger
	blockList            memoryBlockList
	dedicatedAllocations dedicatedAllocationList
	parentAllocator      *Allocator

	id   int
	name string
}

func (p *Pool) SetName(name string) {
	p.logger.Debug("Pool::SetName")

	p.name = name
}

func (p *Pool) Name() string {
	return p.name
}

// ID is unique among the pools of one Allocator
func (p *Pool) ID() int {
	return p.id
}

func (p *Pool) MemoryTypeIndex() int {
	return p.blockList.memoryTypeIndex
}

// Destroy releases the pool's blocks. It fails if any allocation made from the pool is still live.
func (p *Pool) Destroy() error {
	p.logger.Debug("Pool::Destroy")

	p.parentAllocator.poolsMutex.Lock()
	defer p.parentAllocator.poolsMutex.Unlock()

	return p.destroyAfterLock()
}

func (p *Pool) destroyAfterLock() error {
	memutils.DebugValidate(&p.dedicatedAllocations)
	if count := p.dedicatedAllocations.Count(); count > 0 {
		return errors.Newf("the pool still has %d dedicated allocations that remain unfreed", count)
	}

	err := p.blockList.Destroy()
	if err != nil {
		return err
	}

	p.parentAllocator.pools.Delete(p.id)
	return nil
}

// CheckCorruption validates the corruption markers of every allocation in the pool. It returns
// ErrFeatureNotPresent unless corruption detection is enabled for the pool's memory type.
func (p *Pool) CheckCorruption() error {
	p.logger.Debug("Pool::CheckCorruption")
	return p.blockList.CheckCorruption()
}

// Statistics sums the blocks and allocations of the pool, dedicated allocations included
func (p *Pool) Statistics(stats *memutils.Statistics) {
	p.logger.Debug("Pool::Statistics")

	stats.Clear()
	p.blockList.AddStatistics(stats)
	p.dedicatedAllocations.AddStatistics(stats)
}

// LargestFreeRegion is the size of the largest request, ignoring alignment, that the pool's existing
// blocks can hold without growing. It reads each block's free index rather than visiting every range.
func (p *Pool) LargestFreeRegion() int {
	return p.blockList.LargestFreeRegion()
}

// CalculateStatistics is like Statistics but also measures free ranges, which visits every
// suballocation
func (p *Pool) CalculateStatistics(stats *memutils.DetailedStatistics) {
	p.logger.Debug("Pool::CalculateStatistics")

	stats.Clear()
	p.blockList.AddDetailedStatistics(stats)
	p.dedicatedAllocations.AddDetailedStatistics(stats)
}

func (p *Pool) printDetailedMap(json *jwriter.ObjectState) {
	json.Name("Name").String(p.name)
	json.Name("MemoryTypeIndex").Int(p.blockList.memoryTypeIndex)
	json.Name("Algorithm").String(p.blockList.algorithm.String())

	p.blockList.PrintDetailedMap(json)
	p.dedicatedAllocations.BuildStatsString(json)
}
