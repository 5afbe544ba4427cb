package vpr

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/fuchstraumer/VulpesRender-sub001/provider"
)

// DeviceMemoryCallback is called with every memory region the allocator creates or destroys through
// its provider
type DeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory provider.DeviceMemory,
	size int,
	userData any,
)

// MemoryCallbackOptions is an optional set of callbacks for observing real device memory traffic.
// Allocations and frees made by callers do not map 1:1 to these calls.
type MemoryCallbackOptions struct {
	Allocate DeviceMemoryCallback
	Free     DeviceMemoryCallback
	UserData any
}

// regionObserver is handed to the device layer, which reports each region it creates or
// destroys. Regions are logged at debug level and then passed on to the caller's callbacks.
type regionObserver struct {
	allocator *Allocator
	options   MemoryCallbackOptions
}

func newRegionObserver(allocator *Allocator, options *MemoryCallbackOptions) *regionObserver {
	observer := &regionObserver{allocator: allocator}
	if options != nil {
		observer.options = *options
	}
	return observer
}

func (o *regionObserver) report(event string, callback DeviceMemoryCallback, memoryType int, memory provider.DeviceMemory, size int) {
	o.allocator.logger.LogAttrs(context.Background(), slog.LevelDebug, event,
		slog.Int("memoryTypeIndex", memoryType),
		slog.String("size", humanize.IBytes(uint64(size))))

	if callback != nil {
		callback(o.allocator, memoryType, memory, size, o.options.UserData)
	}
}

func (o *regionObserver) Allocate(memoryType int, memory provider.DeviceMemory, size int) {
	o.report("    Created device memory", o.options.Allocate, memoryType, memory, size)
}

func (o *regionObserver) Free(memoryType int, memory provider.DeviceMemory, size int) {
	o.report("    Destroyed device memory", o.options.Free, memoryType, memory, size)
}
