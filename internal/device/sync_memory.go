package device

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/internal/utils"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
)

// SynchronizedMemory wraps one provider memory region along with its mapping state. The whole
// region is mapped on the first reference and unmapped when the last reference is released.
// A persistent mapping holds one reference for the life of the region.
type SynchronizedMemory struct {
	mapReferences int
	persistent    bool
	mapData       unsafe.Pointer

	mapMutex utils.OptionalMutex
	memory   provider.DeviceMemory
	size     int

	memoryProvider provider.DeviceMemoryProvider
}

func newSynchronizedMemory(memoryProvider provider.DeviceMemoryProvider, memory provider.DeviceMemory, size int, useMutex bool) *SynchronizedMemory {
	mem := &SynchronizedMemory{
		memory:         memory,
		size:           size,
		memoryProvider: memoryProvider,
	}
	mem.mapMutex.Enable(useMutex)
	return mem
}

func (m *SynchronizedMemory) Memory() provider.DeviceMemory {
	return m.memory
}

func (m *SynchronizedMemory) Size() int {
	return m.size
}

// References is the number of outstanding map references, including the persistent one
func (m *SynchronizedMemory) References() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapReferences
}

func (m *SynchronizedMemory) IsPersistentlyMapped() bool {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.persistent
}

func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapData
}

func (m *SynchronizedMemory) mapWithLock(references int) (unsafe.Pointer, error) {
	if m.mapReferences > 0 {
		if m.mapData == nil {
			return nil, errors.New("the memory is showing existing mapping references, but no mapped memory")
		}

		m.mapReferences += references
		return m.mapData, nil
	}

	mappedData, err := m.memoryProvider.MapMemoryRegion(m.memory, 0, m.size)
	if err != nil {
		return nil, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, nil
}

// Map adds references to the mapping of this memory, mapping it through the provider if there
// were none, and returns the pointer to the start of the region
func (m *SynchronizedMemory) Map(references int) (unsafe.Pointer, error) {
	if references < 1 {
		return nil, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapWithLock(references)
}

// MapPersistent takes the persistent reference if it is not already held and returns the mapped
// pointer. The persistent reference is only released by Free.
func (m *SynchronizedMemory) MapPersistent() (unsafe.Pointer, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.persistent {
		return m.mapData, nil
	}

	data, err := m.mapWithLock(1)
	if err != nil {
		return nil, err
	}
	m.persistent = true
	return data, nil
}

// Unmap releases references taken by Map, unmapping the region when none remain
func (m *SynchronizedMemory) Unmap(references int) error {
	if references < 1 {
		return nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	available := m.mapReferences
	if m.persistent {
		available--
	}

	if available < references {
		return errors.Newf("device memory has %d references being unmapped but only %d are currently mapped", references, available)
	}

	m.mapReferences -= references
	if m.mapReferences == 0 {
		m.memoryProvider.UnmapMemoryRegion(m.memory)
		m.mapData = nil
	}

	return nil
}

// Free unmaps the region if it is still mapped and returns it to the provider
func (m *SynchronizedMemory) Free() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.memoryProvider.UnmapMemoryRegion(m.memory)
		m.mapReferences = 0
		m.persistent = false
		m.mapData = nil
	}

	m.memoryProvider.DestroyMemoryRegion(m.memory)
}
