//go:build debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of bytes kept between neighbouring allocations in a block. In debug
	// builds those bytes hold a magic value that is checked for overwrites.
	DebugMargin int = 16

	corruptionDetectionMagicValue uint32 = 0x7F84E666
	magicValueStride                     = int(unsafe.Sizeof(uint32(0)))
)

// WriteMagicValue fills DebugMargin bytes at data+offset with the corruption detection marker
func WriteMagicValue(data unsafe.Pointer, offset int) {
	for i := 0; i < DebugMargin/magicValueStride; i++ {
		*(*uint32)(unsafe.Add(data, offset+i*magicValueStride)) = corruptionDetectionMagicValue
	}
}

// ValidateMagicValue reports whether the marker written by WriteMagicValue at data+offset is intact
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	for i := 0; i < DebugMargin/magicValueStride; i++ {
		if *(*uint32)(unsafe.Add(data, offset+i*magicValueStride)) != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// FillMemory writes pattern across size bytes at data+offset
func FillMemory(data unsafe.Pointer, offset, size int, pattern uint8) {
	bytes := unsafe.Slice((*uint8)(unsafe.Add(data, offset)), size)
	for i := range bytes {
		bytes[i] = pattern
	}
}

// DebugValidate panics if validatable reports an error
func DebugValidate(validatable Validatable) {
	if err := validatable.Validate(); err != nil {
		panic(err)
	}
}

// DebugCheckPow2 panics if value is not a power of two
func DebugCheckPow2[T Number](value T, name string) {
	if err := CheckPow2[T](value, name); err != nil {
		panic(err)
	}
}
