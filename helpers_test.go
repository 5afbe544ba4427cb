package vpr

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
	"github.com/stretchr/testify/require"
)

const (
	deviceHeapSize = 16 * 1024 * 1024
	hostHeapSize   = 4 * 1024 * 1024
)

type fakeRegion struct {
	id        int
	typeIndex int
	data      []byte
	mapped    bool
	destroyed bool
}

// fakeProvider backs every memory region with a byte slice so that mapping returns real memory
type fakeProvider struct {
	mutex      sync.Mutex
	properties provider.MemoryProperties

	nextID       int
	created      []int
	destroyed    []int
	mapCalls     int
	unmapCalls   int
	createErr    error
	mapErr       error
	requirements map[any]provider.PlacementRequirements
}

func testMemoryProperties() provider.MemoryProperties {
	return provider.MemoryProperties{
		MemoryTypes: []provider.MemoryType{
			{
				Index:         0,
				PropertyFlags: provider.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
				HeapSize:      deviceHeapSize,
			},
			{
				Index:         1,
				PropertyFlags: provider.MemoryPropertyHostVisible | provider.MemoryPropertyHostCoherent,
				HeapIndex:     1,
				HeapSize:      hostHeapSize,
			},
			{
				Index:         2,
				PropertyFlags: provider.MemoryPropertyHostVisible | provider.MemoryPropertyHostCoherent | provider.MemoryPropertyHostCached,
				HeapIndex:     1,
				HeapSize:      hostHeapSize,
			},
		},
		BufferImageGranularity: 1024,
	}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		properties:   testMemoryProperties(),
		requirements: make(map[any]provider.PlacementRequirements),
	}
}

func (p *fakeProvider) region(memory provider.DeviceMemory) *fakeRegion {
	region, ok := memory.(*fakeRegion)
	if !ok || region.destroyed {
		panic(errors.AssertionFailedf("unknown memory region %v", memory))
	}
	return region
}

func (p *fakeProvider) CreateMemoryRegion(memoryTypeIndex int, size int) (provider.DeviceMemory, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.createErr != nil {
		return nil, p.createErr
	}

	p.nextID++
	p.created = append(p.created, size)
	return &fakeRegion{
		id:        p.nextID,
		typeIndex: memoryTypeIndex,
		data:      make([]byte, size),
	}, nil
}

func (p *fakeProvider) DestroyMemoryRegion(memory provider.DeviceMemory) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	region := p.region(memory)
	if region.mapped {
		panic(errors.AssertionFailedf("memory region %d was destroyed while mapped", region.id))
	}
	region.destroyed = true
	p.destroyed = append(p.destroyed, len(region.data))
}

func (p *fakeProvider) MapMemoryRegion(memory provider.DeviceMemory, offset int, size int) (unsafe.Pointer, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.mapErr != nil {
		return nil, p.mapErr
	}

	region := p.region(memory)
	if region.mapped {
		return nil, errors.Newf("memory region %d is already mapped", region.id)
	}
	region.mapped = true
	p.mapCalls++
	return unsafe.Pointer(&region.data[offset]), nil
}

func (p *fakeProvider) UnmapMemoryRegion(memory provider.DeviceMemory) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	region := p.region(memory)
	region.mapped = false
	p.unmapCalls++
}

func (p *fakeProvider) QueryMemoryTypeProperties() (provider.MemoryProperties, error) {
	return p.properties, nil
}

func (p *fakeProvider) QueryResourcePlacementRequirements(resource any) (provider.PlacementRequirements, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	requirements, ok := p.requirements[resource]
	if !ok {
		return provider.PlacementRequirements{}, errors.Newf("unknown resource %v", resource)
	}
	return requirements, nil
}

func (p *fakeProvider) liveRegions() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.created) - len(p.destroyed)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func readyAllocator(t *testing.T, options CreateOptions) (*fakeProvider, *Allocator) {
	memoryProvider := newFakeProvider()

	allocator, err := New(testLogger(), memoryProvider, options)
	require.NoError(t, err)

	return memoryProvider, allocator
}

func requirements(size int, alignment uint) *provider.PlacementRequirements {
	return &provider.PlacementRequirements{
		Size:           size,
		Alignment:      alignment,
		MemoryTypeBits: 0xffffffff,
	}
}
