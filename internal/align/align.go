// Package align contains utilities for aligning virtual/physical addresses
package align

// PageSize is the granularity at which module sections are allocated.
const PageSize = 4096

// Address aligns the given address to a multiple of alignment
func Address[N uint32 | uint64 | int](addr N, alignment N) N {
	if alignment == 0 {
		return addr
	}

	return ((addr + alignment - 1) / alignment) * alignment
}

// Page rounds size up to a whole number of pages
func Page[N uint32 | uint64 | int](size N) N {
	return Address(size, N(PageSize))
}
