package vpr

import (
	"context"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/fuchstraumer/VulpesRender-sub001/internal/device"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils"
	"github.com/fuchstraumer/VulpesRender-sub001/memutils/metadata"
)

// deviceMemoryBlock owns one provider memory region for its whole life and divides it up with a
// single allocation technique
type deviceMemoryBlock struct {
	id              int
	memory          *device.SynchronizedMemory
	parentList      *memoryBlockList
	memoryTypeIndex int
	logger          *slog.Logger

	metadata     metadata.BlockMetadata
	deviceMemory *device.DeviceMemoryProperties
}

func newDeviceMemoryBlock(
	list *memoryBlockList,
	newMemory *device.SynchronizedMemory,
	id int,
) *deviceMemoryBlock {
	block := &deviceMemoryBlock{
		id:              id,
		memory:          newMemory,
		parentList:      list,
		memoryTypeIndex: list.memoryTypeIndex,
		logger:          list.logger,
		deviceMemory:    list.deviceMemory,
	}

	switch list.algorithm {
	case PoolCreateBuddyAlgorithm:
		block.metadata = metadata.NewBuddyBlockMetadata(list.bufferImageGranularity, list.buddyMinNodeSize)
	case 0, PoolCreateLinearAlgorithm:
		block.metadata = metadata.NewLinearBlockMetadata(list.bufferImageGranularity)
	default:
		panic(fmt.Sprintf("unknown pool algorithm: %s", list.algorithm.String()))
	}

	block.metadata.Init(newMemory.Size())
	return block
}

func (b *deviceMemoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if !free {
				b.logUnreleasedMemory(offset, size, userData)
			}
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Newf("memory block %d still holds %d allocations", b.id, b.metadata.AllocationCount())
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing memory region")
	}

	b.deviceMemory.FreeDeviceMemory(b.memoryTypeIndex, b.memory)

	b.memory = nil
	return nil
}

func (b *deviceMemoryBlock) isDestroyed() bool {
	return b.memory == nil
}

func (b *deviceMemoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	attrs := []slog.Attr{
		slog.Int("block.id", b.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
	}

	if allocation, ok := userData.(*Allocation); ok && allocation != nil {
		name := allocation.Name()
		if name == "" {
			name = "empty"
		}
		attrs = append(attrs, slog.Any("userData", allocation.UserData()), slog.String("name", name))
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation", attrs...)
}

func (b *deviceMemoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}

	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		allocation, isAllocation := userData.(*Allocation)
		if free && isAllocation {
			return errors.Newf("the region at offset %d is marked as free but contains an allocation object", offset)
		} else if !free && (!isAllocation || allocation == nil) {
			return errors.Newf("the region at offset %d is marked as allocated but has no allocation object", offset)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return b.metadata.Validate()
}

func (b *deviceMemoryBlock) CheckCorruption() (err error) {
	data, err := b.memory.Map(1)
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.memory.Unmap(1)
		if err == nil {
			err = unmapErr
		}
	}()

	return b.metadata.CheckCorruption(data)
}

func (b *deviceMemoryBlock) WriteMagicValueAfterAllocation(allocOffset int, allocSize int) (err error) {
	if memutils.DebugMargin == 0 {
		return errors.New("attempting to write a debug margin outside debug mode")
	} else if memutils.DebugMargin%4 != 0 {
		panic(fmt.Sprintf("invalid debug margin: debug margin %d must be a multiple of 4", memutils.DebugMargin))
	}

	data, err := b.memory.Map(1)
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.memory.Unmap(1)
		if err == nil {
			err = unmapErr
		}
	}()

	memutils.WriteMagicValue(data, allocOffset+allocSize)
	return nil
}

func (b *deviceMemoryBlock) ValidateMagicValueAfterAllocation(allocOffset int, allocSize int) (err error) {
	if memutils.DebugMargin == 0 {
		panic("attempting to validate a debug margin outside debug mode")
	}

	data, err := b.memory.Map(1)
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.memory.Unmap(1)
		if err == nil {
			err = unmapErr
		}
	}()

	if !memutils.ValidateMagicValue(data, allocOffset+allocSize) {
		panic(errors.Wrapf(memutils.ErrCorruptedLedger, "memory corruption detected after the allocation at offset %d in block %d", allocOffset, b.id))
	}

	return nil
}

// fillRegion writes pattern across size bytes at offset. It is used for allocations whose metadata
// entry is already gone.
func (b *deviceMemoryBlock) fillRegion(offset, size int, pattern uint8) (err error) {
	data, err := b.memory.Map(1)
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.memory.Unmap(1)
		if err == nil {
			err = unmapErr
		}
	}()

	region := unsafe.Slice((*uint8)(unsafe.Add(data, offset)), size)
	for i := range region {
		region[i] = pattern
	}

	return nil
}
