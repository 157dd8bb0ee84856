//go:build !linux

package mem

import "unsafe"

// allocAligned over-allocates from the Go heap and slices to a page-aligned
// base. Platforms without an mmap-backed allocator (Windows with WHP accepts
// any aligned pointer) take this path.
func allocAligned(size int) ([]byte, func() error, error) {
	raw := make([]byte, size+PageSize)
	base := uint64(uintptr(unsafe.Pointer(&raw[0])))
	pad := 0
	if rem := base % PageSize; rem != 0 {
		pad = int(PageSize - rem)
	}
	buf := raw[pad : pad+size : pad+size]
	// Keep the original allocation reachable so the aligned view stays valid.
	free := func() error { _ = raw; return nil }
	return buf, free, nil
}
