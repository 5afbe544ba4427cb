//go:build !debug_mem_utils

package memutils

import "unsafe"

// DebugMargin is zero outside debug builds: allocations are packed with no guard bytes
const DebugMargin int = 0

func WriteMagicValue(data unsafe.Pointer, offset int) {}

func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

func FillMemory(data unsafe.Pointer, offset, size int, pattern uint8) {}

func DebugValidate(validatable Validatable) {}

func DebugCheckPow2[T Number](value T, name string) {}
