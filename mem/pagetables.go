package mem

import "encoding/binary"

// Long-mode page table entry flags.
const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	ptePageSize = 1 << 7 // 2 MiB page when set in a PD entry
)

// writePageTables builds the identity mapping the guest runs under: one
// PML4, one PDPT, and one PD of 2 MiB pages covering the first gigabyte.
// Guard pages are enforced by the hypervisor's second-level mapping, not
// here; the guest's own tables map the whole span so a guard hit surfaces
// as an unmapped-GPA exit rather than a guest page fault loop.
func (m *SharedMemory) writePageTables() {
	pt := m.RegionBytes(RegionPageTables)
	base := GuestBase + m.layout.Region(RegionPageTables).Offset

	pml4 := pt[0:PageSize]
	pdpt := pt[PageSize : 2*PageSize]
	pd := pt[2*PageSize : 3*PageSize]

	binary.LittleEndian.PutUint64(pml4, (base+PageSize)|ptePresent|pteWritable)
	binary.LittleEndian.PutUint64(pdpt, (base+2*PageSize)|ptePresent|pteWritable)
	for i := 0; i < PageSize/8; i++ {
		entry := uint64(i)<<21 | ptePresent | pteWritable | ptePageSize
		binary.LittleEndian.PutUint64(pd[i*8:], entry)
	}
}

// PageTableBase returns the guest physical address loaded into CR3.
func (m *SharedMemory) PageTableBase() uint64 {
	return GuestBase + m.layout.Region(RegionPageTables).Offset
}
