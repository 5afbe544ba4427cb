package metadata

// AllocationStrategy exposes several options for choosing the location of a new allocation. If
// several are set, MinTime takes precedence over MinMemory. If none is set, the lowest offset is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory chooses the smallest free region that can hold the allocation,
	// possibly at the expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime tries the largest free region first, which is the one most likely to
	// succeed without a conflict
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset chooses the lowest offset that can hold the allocation
	AllocationStrategyMinOffset
)

const AllocationStrategyMask = AllocationStrategyMinMemory | AllocationStrategyMinTime | AllocationStrategyMinOffset
