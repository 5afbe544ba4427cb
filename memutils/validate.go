package memutils

// Validatable is used by DebugValidate to act upon any type that can check its own invariants
type Validatable interface {
	Validate() error
}

const (
	// CreatedFillPattern is written across new allocations in debug builds
	CreatedFillPattern uint8 = 0xDC
	// DestroyedFillPattern is written across freed allocations in debug builds
	DestroyedFillPattern uint8 = 0xEF
)
