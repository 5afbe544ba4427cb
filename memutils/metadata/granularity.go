package metadata

import "github.com/fuchstraumer/VulpesRender-sub001/memutils"

// AllocationsConflict reports whether two regions of the provided types must be kept on separate
// granularity pages. The check is symmetric.
func AllocationsConflict(firstType, secondType SuballocationType) bool {
	if firstType > secondType {
		firstType, secondType = secondType, firstType
	}

	switch firstType {
	case SuballocationFree:
		return false
	case SuballocationUnknown:
		return true
	case SuballocationBuffer:
		return secondType == SuballocationImageUnknown || secondType == SuballocationImageOptimal
	case SuballocationImageUnknown:
		return secondType == SuballocationImageUnknown ||
			secondType == SuballocationImageLinear ||
			secondType == SuballocationImageOptimal
	case SuballocationImageLinear:
		return secondType == SuballocationImageOptimal
	case SuballocationImageOptimal:
		return false
	default:
		panic("unknown suballocation type")
	}
}

// BlocksOnSamePage reports whether the last byte of resource A and the first byte of resource B
// fall on the same page of the given size. A must sit entirely before B and pageSize must be a power
// of two.
func BlocksOnSamePage(resourceAOffset, resourceASize, resourceBOffset int, pageSize uint) bool {
	memutils.DebugCheckPow2(pageSize, "pageSize")

	resourceAEnd := resourceAOffset + resourceASize - 1
	resourceAEndPage := memutils.AlignDown(resourceAEnd, pageSize)
	resourceBStartPage := memutils.AlignDown(resourceBOffset, pageSize)
	return resourceAEndPage == resourceBStartPage
}

// RoundUpAllocRequest pads image and unknown requests out to whole granularity pages, which lets
// blocks that only ever hold such requests skip most conflict checks.
func RoundUpAllocRequest(granularity uint, allocType SuballocationType, allocSize int, allocAlignment uint) (int, uint) {
	if granularity > 1 &&
		(allocType == SuballocationUnknown ||
			allocType == SuballocationImageUnknown ||
			allocType == SuballocationImageOptimal) {
		allocAlignment = max(allocAlignment, granularity)
		allocSize = memutils.AlignUp(allocSize, granularity)
	}

	return allocSize, allocAlignment
}
