package vulkan

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/extensions/v2/ext_memory_budget"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2"
	"github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestNewProvider_NoExtensions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	p := NewProvider(testLogger(), instance, physicalDevice, device, nil)
	require.False(t, p.dedicatedAllocations)
	require.False(t, p.useMemoryBudget)
	require.Nil(t, p.memoryRequirements)
	require.Nil(t, p.properties2)
}

func TestNewProvider_Core1_1(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_1(ctrl, common.Vulkan1_1, []string{}, []string{})

	p := NewProvider(testLogger(), instance, physicalDevice, device, nil)
	require.True(t, p.dedicatedAllocations)
	require.Equal(t, device, p.memoryRequirements)
	require.NotNil(t, p.properties2)
	require.False(t, p.useMemoryBudget)
}

func TestNewProvider_DedicatedAllocationExtensions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{},
		[]string{
			khr_get_memory_requirements2.ExtensionName,
			khr_dedicated_allocation.ExtensionName,
		})

	p := NewProvider(testLogger(), instance, physicalDevice, device, nil)
	require.True(t, p.dedicatedAllocations)
	require.NotNil(t, p.memoryRequirements)
}

func TestNewProvider_DedicatedAllocationWithoutRequirements2(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{},
		[]string{
			khr_dedicated_allocation.ExtensionName,
		})

	p := NewProvider(testLogger(), instance, physicalDevice, device, nil)
	require.False(t, p.dedicatedAllocations)
	require.Nil(t, p.memoryRequirements)
}

func TestNewProvider_MemoryBudget(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0,
		[]string{khr_get_physical_device_properties2.ExtensionName},
		[]string{ext_memory_budget.ExtensionName})

	p := NewProvider(testLogger(), instance, physicalDevice, device, nil)
	require.True(t, p.useMemoryBudget)
	require.NotNil(t, p.properties2)
}

func TestNewProvider_MemoryBudgetWithoutProperties2(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{},
		[]string{ext_memory_budget.ExtensionName})

	p := NewProvider(testLogger(), instance, physicalDevice, device, nil)
	require.False(t, p.useMemoryBudget)
}

func TestProviderMemoryRegionLifecycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	p := NewProvider(testLogger(), instance, physicalDevice, device, nil)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 1,
		AllocationSize:  4096,
	}).Return(memory, core1_0.VKSuccess, nil)

	data := make([]byte, 4096)
	memory.EXPECT().Map(0, 4096, core1_0.MemoryMapFlags(0)).Return(unsafe.Pointer(&data[0]), core1_0.VKSuccess, nil)
	memory.EXPECT().Unmap()
	memory.EXPECT().Free(nil)

	region, err := p.CreateMemoryRegion(1, 4096)
	require.NoError(t, err)
	require.Equal(t, memory, region)

	ptr, err := p.MapMemoryRegion(region, 0, 4096)
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(&data[0]), ptr)

	p.UnmapMemoryRegion(region)
	p.DestroyMemoryRegion(region)
}

func TestProviderCreateMemoryRegionOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	p := NewProvider(testLogger(), instance, physicalDevice, device, nil)

	device.EXPECT().AllocateMemory(nil, gomock.Any()).
		Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError())

	_, err := p.CreateMemoryRegion(0, 1<<30)
	require.Error(t, err)
	require.True(t, errors.Is(err, provider.ErrOutOfDeviceMemory))
	require.True(t, stderrors.Is(err, provider.ErrOutOfDeviceMemory))
}

func TestTranslateResult(t *testing.T) {
	cause := errors.New("driver failure")

	testCases := map[string]struct {
		result   common.VkResult
		sentinel error
	}{
		"OutOfDeviceMemory": {result: core1_0.VKErrorOutOfDeviceMemory, sentinel: provider.ErrOutOfDeviceMemory},
		"OutOfHostMemory":   {result: core1_0.VKErrorOutOfHostMemory, sentinel: provider.ErrOutOfHostMemory},
		"TooManyObjects":    {result: core1_0.VKErrorTooManyObjects, sentinel: provider.ErrTooManyObjects},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			err := translateResult(testCase.result, cause, "vkAllocateMemory")
			require.ErrorIs(t, err, testCase.sentinel)
			require.True(t, errors.Is(err, testCase.sentinel))
			require.ErrorContains(t, err, "vkAllocateMemory")
			// The driver error is kept for verbose formatting
			require.Contains(t, fmt.Sprintf("%+v", err), "driver failure")
		})
	}

	unknown := translateResult(core1_0.VKErrorUnknown, cause, "vkMapMemory")
	require.Equal(t, cause, unknown)
	require.False(t, errors.Is(unknown, provider.ErrOutOfDeviceMemory))
}

func TestTranslatePropertyFlags(t *testing.T) {
	require.Equal(t, provider.MemoryPropertyFlags(0), translatePropertyFlags(0))
	require.Equal(t,
		provider.MemoryPropertyDeviceLocal|provider.MemoryPropertyHostVisible|provider.MemoryPropertyHostCoherent,
		translatePropertyFlags(core1_0.MemoryPropertyDeviceLocal|core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent),
	)
	require.Equal(t,
		provider.MemoryPropertyHostCached|provider.MemoryPropertyLazilyAllocated,
		translatePropertyFlags(core1_0.MemoryPropertyHostCached|core1_0.MemoryPropertyLazilyAllocated),
	)
}

func TestQueryResourcePlacementRequirementsUnsupported(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	p := NewProvider(testLogger(), instance, physicalDevice, device, nil)

	_, err := p.QueryResourcePlacementRequirements("not a resource")
	require.Error(t, err)
}
