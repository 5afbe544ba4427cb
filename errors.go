package vpr

import (
	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
)

var (
	// ErrInvalidArgument is wrapped by every error caused by a malformed request: zero sizes, bad
	// alignments, conflicting flags, and frees that break a linear pool's stack order
	ErrInvalidArgument = memutils.ErrInvalidArgument

	// ErrOutOfPoolMemory is returned when no block of a pool can hold a request and the pool is not
	// permitted to grow. Callers can recover by freeing memory or defragmenting.
	ErrOutOfPoolMemory = errors.New("out of pool memory")

	// ErrStaleAllocation is returned when an Allocation that was already freed, or whose block no
	// longer exists, is freed, mapped or updated
	ErrStaleAllocation = errors.New("stale allocation")

	// ErrFeatureNotPresent is returned when no memory type satisfies a request, or when corruption
	// detection is requested but unavailable
	ErrFeatureNotPresent = errors.New("feature not present")
)
