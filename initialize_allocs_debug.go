//go:build debug_init_allocs

package vpr

// initializeAllocs causes all new allocations to be filled with a deterministic pattern, and freed
// allocations with another. It helps diagnose reads of uninitialized memory but costs a map of every
// host visible allocation.
const initializeAllocs bool = true
