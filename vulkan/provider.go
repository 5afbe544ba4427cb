package vulkan

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_budget"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2"
	khr_get_memory_requirements2_shim "github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2/shim"
	"github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2"
	khr_get_physical_device_properties2_shim "github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2/shim"
)

// Provider is a provider.DeviceMemoryProvider backed by a Vulkan device. Memory regions it returns
// are core1_0.DeviceMemory objects, and it understands core1_0.Buffer and core1_0.Image resources.
type Provider struct {
	logger              *slog.Logger
	device              core1_0.Device
	physicalDevice      core1_0.PhysicalDevice
	allocationCallbacks *driver.AllocationCallbacks

	dedicatedAllocations bool
	memoryRequirements   khr_get_memory_requirements2_shim.Shim
	properties2          khr_get_physical_device_properties2_shim.Shim
	useMemoryBudget      bool
}

var _ provider.DeviceMemoryProvider = &Provider{}

// NewProvider inspects the device for the core versions and extensions that improve placement
// decisions: dedicated allocation requirements and the memory budget. allocationCallbacks may be nil.
func NewProvider(
	logger *slog.Logger,
	instance core1_0.Instance,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	allocationCallbacks *driver.AllocationCallbacks,
) *Provider {
	p := &Provider{
		logger:              logger,
		device:              device,
		physicalDevice:      physicalDevice,
		allocationCallbacks: allocationCallbacks,
	}

	device11 := core1_1.PromoteDevice(device)
	if device11 != nil {
		// Core 1.1 includes khr_get_memory_requirements2 and khr_dedicated_allocation
		p.dedicatedAllocations = true
		p.memoryRequirements = device11
	}

	physicalDevice11 := core1_1.PromoteInstanceScopedPhysicalDevice(physicalDevice)
	if physicalDevice11 != nil {
		p.properties2 = physicalDevice11
	}

	if p.memoryRequirements == nil && device.IsDeviceExtensionActive(khr_get_memory_requirements2.ExtensionName) {
		extension := khr_get_memory_requirements2.CreateExtensionFromDevice(device)
		p.memoryRequirements = khr_get_memory_requirements2_shim.NewShim(extension, device)
	}

	if p.memoryRequirements != nil && !p.dedicatedAllocations &&
		device.IsDeviceExtensionActive(khr_dedicated_allocation.ExtensionName) {
		p.dedicatedAllocations = true
	}

	if p.properties2 == nil && instance.IsInstanceExtensionActive(khr_get_physical_device_properties2.ExtensionName) {
		extension := khr_get_physical_device_properties2.CreateExtensionFromInstance(instance)
		p.properties2 = khr_get_physical_device_properties2_shim.NewShim(extension, physicalDevice)
	}

	if p.properties2 != nil && device.IsDeviceExtensionActive(ext_memory_budget.ExtensionName) {
		p.useMemoryBudget = true
	}

	logger.Debug("vulkan.NewProvider",
		slog.Bool("DedicatedAllocations", p.dedicatedAllocations),
		slog.Bool("MemoryBudget", p.useMemoryBudget),
	)

	return p
}

var resultSentinels = map[common.VkResult]error{
	core1_0.VKErrorOutOfDeviceMemory: provider.ErrOutOfDeviceMemory,
	core1_0.VKErrorOutOfHostMemory:   provider.ErrOutOfHostMemory,
	core1_0.VKErrorTooManyObjects:    provider.ErrTooManyObjects,
}

// translateResult wraps the provider sentinel matching res, keeping the driver error as a secondary
// error. Results without a sentinel are returned unchanged.
func translateResult(res common.VkResult, err error, operation string) error {
	sentinel, ok := resultSentinels[res]
	if !ok {
		return err
	}
	return errors.WithSecondaryError(errors.Wrapf(sentinel, "vulkan %s returned %s", operation, res), err)
}

func (p *Provider) deviceMemory(memory provider.DeviceMemory) core1_0.DeviceMemory {
	vulkanMemory, ok := memory.(core1_0.DeviceMemory)
	if !ok {
		panic(errors.AssertionFailedf("memory region of type %T was not created by a vulkan provider", memory))
	}
	return vulkanMemory
}

func (p *Provider) CreateMemoryRegion(memoryTypeIndex int, size int) (provider.DeviceMemory, error) {
	memory, res, err := p.device.AllocateMemory(p.allocationCallbacks, core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: memoryTypeIndex,
		AllocationSize:  size,
	})
	if err != nil {
		return nil, translateResult(res, err, "vkAllocateMemory")
	}

	return memory, nil
}

func (p *Provider) DestroyMemoryRegion(memory provider.DeviceMemory) {
	p.deviceMemory(memory).Free(p.allocationCallbacks)
}

func (p *Provider) MapMemoryRegion(memory provider.DeviceMemory, offset int, size int) (unsafe.Pointer, error) {
	data, res, err := p.deviceMemory(memory).Map(offset, size, 0)
	if err != nil {
		return nil, translateResult(res, err, "vkMapMemory")
	}

	return data, nil
}

func (p *Provider) UnmapMemoryRegion(memory provider.DeviceMemory) {
	p.deviceMemory(memory).Unmap()
}

var propertyFlagTranslation = []struct {
	vulkan   core1_0.MemoryPropertyFlags
	provider provider.MemoryPropertyFlags
}{
	{core1_0.MemoryPropertyDeviceLocal, provider.MemoryPropertyDeviceLocal},
	{core1_0.MemoryPropertyHostVisible, provider.MemoryPropertyHostVisible},
	{core1_0.MemoryPropertyHostCoherent, provider.MemoryPropertyHostCoherent},
	{core1_0.MemoryPropertyHostCached, provider.MemoryPropertyHostCached},
	{core1_0.MemoryPropertyLazilyAllocated, provider.MemoryPropertyLazilyAllocated},
}

func translatePropertyFlags(flags core1_0.MemoryPropertyFlags) provider.MemoryPropertyFlags {
	var out provider.MemoryPropertyFlags
	for _, translation := range propertyFlagTranslation {
		if flags&translation.vulkan != 0 {
			out |= translation.provider
		}
	}
	return out
}

func (p *Provider) heapBudgets(heapCount int) ([]int, error) {
	budgets := make([]int, heapCount)
	if !p.useMemoryBudget {
		return budgets, nil
	}

	budgetProperties := ext_memory_budget.PhysicalDeviceMemoryBudgetProperties{}
	properties := core1_1.PhysicalDeviceMemoryProperties2{
		NextOutData: common.NextOutData{
			Next: &budgetProperties,
		},
	}
	err := p.properties2.MemoryProperties2(&properties)
	if err != nil {
		return nil, errors.Wrap(err, "querying the memory budget")
	}

	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		budgets[heapIndex] = budgetProperties.HeapBudget[heapIndex]
	}

	return budgets, nil
}

func (p *Provider) QueryMemoryTypeProperties() (provider.MemoryProperties, error) {
	deviceProperties, err := p.physicalDevice.Properties()
	if err != nil {
		return provider.MemoryProperties{}, errors.Wrap(err, "querying physical device properties")
	}
	memoryProperties := p.physicalDevice.MemoryProperties()

	budgets, err := p.heapBudgets(len(memoryProperties.MemoryHeaps))
	if err != nil {
		return provider.MemoryProperties{}, err
	}

	properties := provider.MemoryProperties{
		MemoryTypes:              make([]provider.MemoryType, 0, len(memoryProperties.MemoryTypes)),
		BufferImageGranularity:   1,
		MaxMemoryAllocationCount: 0,
	}
	if deviceProperties.Limits != nil {
		properties.BufferImageGranularity = max(deviceProperties.Limits.BufferImageGranularity, 1)
		properties.MaxMemoryAllocationCount = deviceProperties.Limits.MaxMemoryAllocationCount
	}

	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		heap := memoryProperties.MemoryHeaps[memoryType.HeapIndex]
		properties.MemoryTypes = append(properties.MemoryTypes, provider.MemoryType{
			Index:         typeIndex,
			PropertyFlags: translatePropertyFlags(memoryType.PropertyFlags),
			HeapIndex:     memoryType.HeapIndex,
			HeapSize:      heap.Size,
			HeapBudget:    budgets[memoryType.HeapIndex],
		})
	}

	return properties, nil
}

func (p *Provider) QueryResourcePlacementRequirements(resource any) (provider.PlacementRequirements, error) {
	var memoryRequirements core1_0.MemoryRequirements
	var requiresDedicated, prefersDedicated bool
	var err error

	switch typed := resource.(type) {
	case core1_0.Buffer:
		requiresDedicated, prefersDedicated, err = p.bufferMemoryRequirements(typed, &memoryRequirements)
	case core1_0.Image:
		requiresDedicated, prefersDedicated, err = p.imageMemoryRequirements(typed, &memoryRequirements)
	default:
		return provider.PlacementRequirements{}, errors.Newf("resources of type %T are not supported by the vulkan provider", resource)
	}
	if err != nil {
		return provider.PlacementRequirements{}, err
	}

	return provider.PlacementRequirements{
		Size:              memoryRequirements.Size,
		Alignment:         uint(memoryRequirements.Alignment),
		MemoryTypeBits:    memoryRequirements.MemoryTypeBits,
		RequiresDedicated: requiresDedicated,
		PrefersDedicated:  prefersDedicated,
	}, nil
}

func (p *Provider) bufferMemoryRequirements(buffer core1_0.Buffer, memoryRequirements *core1_0.MemoryRequirements) (requiresDedicated, prefersDedicated bool, err error) {
	if p.dedicatedAllocations && p.memoryRequirements != nil {
		dedicatedReqs := khr_dedicated_allocation.MemoryDedicatedRequirements{}
		memReqs := core1_1.MemoryRequirements2{
			NextOutData: common.NextOutData{
				Next: &dedicatedReqs,
			},
		}

		err = p.memoryRequirements.BufferMemoryRequirements2(
			core1_1.BufferMemoryRequirementsInfo2{
				Buffer: buffer,
			},
			&memReqs)
		if err != nil {
			return false, false, err
		}

		*memoryRequirements = memReqs.MemoryRequirements
		return dedicatedReqs.RequiresDedicatedAllocation, dedicatedReqs.PrefersDedicatedAllocation, nil
	}

	*memoryRequirements = *buffer.MemoryRequirements()
	return false, false, nil
}

func (p *Provider) imageMemoryRequirements(image core1_0.Image, memoryRequirements *core1_0.MemoryRequirements) (requiresDedicated, prefersDedicated bool, err error) {
	if p.dedicatedAllocations && p.memoryRequirements != nil {
		dedicatedReqs := khr_dedicated_allocation.MemoryDedicatedRequirements{}
		memReqs := core1_1.MemoryRequirements2{
			NextOutData: common.NextOutData{
				Next: &dedicatedReqs,
			},
		}

		err = p.memoryRequirements.ImageMemoryRequirements2(
			core1_1.ImageMemoryRequirementsInfo2{
				Image: image,
			},
			&memReqs)
		if err != nil {
			return false, false, err
		}

		*memoryRequirements = memReqs.MemoryRequirements
		return dedicatedReqs.RequiresDedicatedAllocation, dedicatedReqs.PrefersDedicatedAllocation, nil
	}

	*memoryRequirements = *image.MemoryRequirements()
	return false, false, nil
}
