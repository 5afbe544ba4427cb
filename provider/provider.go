//go:generate mockgen -destination ./mocks/provider.go -package mock_provider . DeviceMemoryProvider

package provider

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
)

// DeviceMemory is an opaque handle to one region of real device memory, as returned by
// DeviceMemoryProvider.CreateMemoryRegion
type DeviceMemory any

// MemoryPropertyFlags describes the access properties of a memory type
type MemoryPropertyFlags uint32

var memoryPropertyFlagsMapping = common.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyFlagsMapping.Register(f, str)
}
func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

const (
	// MemoryPropertyDeviceLocal memory is the most efficient for device access
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible memory can be mapped for host access
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent memory does not need explicit flushes or invalidations
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached memory is cached on the host
	MemoryPropertyHostCached
	// MemoryPropertyLazilyAllocated memory is only committed by the device as it is used
	MemoryPropertyLazilyAllocated
)

func init() {
	MemoryPropertyDeviceLocal.Register("DeviceLocal")
	MemoryPropertyHostVisible.Register("HostVisible")
	MemoryPropertyHostCoherent.Register("HostCoherent")
	MemoryPropertyHostCached.Register("HostCached")
	MemoryPropertyLazilyAllocated.Register("LazilyAllocated")
}

// MemoryType describes one physical memory type and the heap that backs it
type MemoryType struct {
	Index         int
	PropertyFlags MemoryPropertyFlags
	HeapIndex     int
	// HeapSize is the total size in bytes of the backing heap
	HeapSize int
	// HeapBudget is the number of bytes of the backing heap the process may use. If zero, a budget
	// is estimated from HeapSize.
	HeapBudget int
}

// MemoryProperties lists every memory type along with the device limits that apply to all of them
type MemoryProperties struct {
	MemoryTypes []MemoryType
	// BufferImageGranularity is the page size within which linear and optimal resources may not be
	// placed together. Must be a power of two.
	BufferImageGranularity int
	// MaxMemoryAllocationCount is the number of memory regions that may exist at once. Zero means
	// unlimited.
	MaxMemoryAllocationCount int
}

// PlacementRequirements are the size, alignment and memory type constraints of one resource
type PlacementRequirements struct {
	Size           int
	Alignment      uint
	MemoryTypeBits uint32

	// RequiresDedicated is set when the resource must have a memory region of its own
	RequiresDedicated bool
	// PrefersDedicated is set when the provider advises a memory region of its own for this resource
	PrefersDedicated bool
}

// DeviceMemoryProvider creates, maps and destroys real memory regions. The allocator calls it but
// never implements it.
type DeviceMemoryProvider interface {
	// CreateMemoryRegion allocates size bytes from the memory type with the provided index. Failures
	// should wrap ErrOutOfDeviceMemory, ErrOutOfHostMemory or ErrTooManyObjects where they apply.
	CreateMemoryRegion(memoryTypeIndex int, size int) (DeviceMemory, error)
	DestroyMemoryRegion(memory DeviceMemory)
	MapMemoryRegion(memory DeviceMemory, offset int, size int) (unsafe.Pointer, error)
	UnmapMemoryRegion(memory DeviceMemory)
	QueryMemoryTypeProperties() (MemoryProperties, error)
	// QueryResourcePlacementRequirements returns the constraints for binding memory to resource,
	// which is any buffer or image handle the provider understands
	QueryResourcePlacementRequirements(resource any) (PlacementRequirements, error)
}

var (
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrOutOfHostMemory   = errors.New("out of host memory")
	ErrTooManyObjects    = errors.New("too many device memory objects")
)
