package mem

import (
	"fmt"
)

// SharedMemory is the contiguous host-owned buffer backing one sandbox's
// guest physical memory. It is allocated page-aligned so backends can hand
// sub-regions directly to the hypervisor.
//
// Ownership is exclusive: while the sandbox is evolved, only the dispatcher
// writes to it, and only at the defined handoff points (the input and output
// data regions).
type SharedMemory struct {
	layout *Layout
	buf    []byte
	free   func() error
}

// NewSharedMemory allocates the host buffer for the layout, loads the guest
// image into the code region, and builds the guest page tables.
func NewSharedMemory(layout *Layout, image []byte) (*SharedMemory, error) {
	code := layout.Region(RegionCode)
	if uint64(len(image)) > code.Size {
		return nil, fmt.Errorf("mem: image of %d bytes exceeds code region of %d", len(image), code.Size)
	}
	buf, free, err := allocAligned(int(layout.Total()))
	if err != nil {
		return nil, fmt.Errorf("mem: allocating %d bytes of guest memory: %w", layout.Total(), err)
	}
	m := &SharedMemory{layout: layout, buf: buf, free: free}
	copy(m.RegionBytes(RegionCode), image)
	m.writePageTables()
	return m, nil
}

// Layout returns the immutable region table.
func (m *SharedMemory) Layout() *Layout { return m.layout }

// Bytes returns the whole backing buffer. The caller must respect region
// ownership; this exists for backends (mapping) and snapshots (wholesale
// copy).
func (m *SharedMemory) Bytes() []byte { return m.buf }

// RegionBytes returns a view of one sub-region.
func (m *SharedMemory) RegionBytes(kind RegionKind) []byte {
	r := m.layout.Region(kind)
	return m.buf[r.Offset:r.End()]
}

// ReadAt copies out of guest memory with bounds checking against the buffer.
func (m *SharedMemory) ReadAt(off uint64, n int) ([]byte, error) {
	if off+uint64(n) > uint64(len(m.buf)) {
		return nil, fmt.Errorf("mem: read of %d bytes at 0x%x overruns guest memory", n, off)
	}
	out := make([]byte, n)
	copy(out, m.buf[off:])
	return out, nil
}

// WriteAt copies into guest memory with bounds checking.
func (m *SharedMemory) WriteAt(off uint64, data []byte) error {
	if off+uint64(len(data)) > uint64(len(m.buf)) {
		return fmt.Errorf("mem: write of %d bytes at 0x%x overruns guest memory", len(data), off)
	}
	copy(m.buf[off:], data)
	return nil
}

// Close releases the backing buffer. The SharedMemory must not be used
// afterwards.
func (m *SharedMemory) Close() error {
	if m.buf == nil {
		return nil
	}
	m.buf = nil
	if m.free != nil {
		return m.free()
	}
	return nil
}
