//go:build !debug_init_allocs

package vpr

const initializeAllocs bool = false
