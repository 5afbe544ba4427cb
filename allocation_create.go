package vpr

import "github.com/fuchstraumer/VulpesRender-sub001/provider"

// AllocationCreateInfo is an options struct that defines the specifics of a new allocation created
// by Allocator.AllocateMemory, Allocator.AllocateMemorySlice or Allocator.AllocateMemoryForResource.
// The zero value is valid.
type AllocationCreateInfo struct {
	// Flags describes the intended behavior of the created Allocation
	Flags AllocationCreateFlags
	// Usage indicates how the new allocation will be used, adding to RequiredFlags and PreferredFlags
	Usage MemoryUsage

	// RequiredFlags indicates what flags must be on the memory type. If no type with these flags can
	// be found, the allocation fails with ErrFeatureNotPresent.
	RequiredFlags provider.MemoryPropertyFlags
	// PreferredFlags indicates a set of flags that should be on the memory type. Each flag is
	// equally important: a type missing fewer of them is preferred.
	PreferredFlags provider.MemoryPropertyFlags

	// MemoryTypeBits is a bitmask of memory types that may be chosen. If it is 0, all memory types
	// are permitted.
	MemoryTypeBits uint32
	// Pool is the custom pool to allocate from. When it is nil, the allocator chooses a memory type
	// and uses its default pool.
	Pool *Pool

	// UserData is an arbitrary value that Allocation.UserData will return. The allocator never reads it.
	UserData any
	// Name is an optional debug name that appears in statistics output and unreleased memory logs
	Name string
}
