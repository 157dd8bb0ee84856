package mem

import (
	"encoding/binary"
)

// The PEB (process environment block) is a single page of little-endian
// fields at fixed offsets. The host fills everything except dispatchPtr
// before the entry point runs; the guest publishes dispatchPtr during its
// initialization so the host knows where to re-enter for later calls.
const (
	pebStackBase    = 0x00 // u64 lowest valid stack address
	pebStackTop     = 0x08 // u64 initial stack pointer
	pebHeapBase     = 0x10 // u64
	pebHeapSize     = 0x18 // u64
	pebInputBase    = 0x20 // u64
	pebInputSize    = 0x28 // u64
	pebOutputBase   = 0x30 // u64
	pebOutputSize   = 0x38 // u64
	pebPanicCtxBase = 0x40 // u64
	pebPanicCtxSize = 0x48 // u64
	pebSeed         = 0x50 // u64 random seed handed to the guest entry
	pebPageSize     = 0x58 // u32
	pebDispatchPtr  = 0x60 // u64 guest-written dispatch function pointer
)

// PEB is the decoded view of the config block.
type PEB struct {
	StackBase    uint64
	StackTop     uint64
	HeapBase     uint64
	HeapSize     uint64
	InputBase    uint64
	InputSize    uint64
	OutputBase   uint64
	OutputSize   uint64
	PanicCtxBase uint64
	PanicCtxSize uint64
	Seed         uint64
	PageSize     uint32
	DispatchPtr  uint64
}

// WritePEB populates the config block from the layout. DispatchPtr is left
// zero; only the guest writes it.
func (m *SharedMemory) WritePEB(seed uint64) {
	l := m.layout
	peb := m.RegionBytes(RegionPEB)
	put := func(off int, v uint64) { binary.LittleEndian.PutUint64(peb[off:], v) }

	stack := l.Region(RegionStack)
	heap := l.Region(RegionHeap)
	input := l.Region(RegionInputData)
	output := l.Region(RegionOutputData)
	panicCtx := l.Region(RegionPanicContext)

	put(pebStackBase, GuestBase+stack.Offset)
	put(pebStackTop, GuestBase+stack.End())
	put(pebHeapBase, GuestBase+heap.Offset)
	put(pebHeapSize, heap.Size)
	put(pebInputBase, GuestBase+input.Offset)
	put(pebInputSize, input.Size)
	put(pebOutputBase, GuestBase+output.Offset)
	put(pebOutputSize, output.Size)
	put(pebPanicCtxBase, GuestBase+panicCtx.Offset)
	put(pebPanicCtxSize, panicCtx.Size)
	put(pebSeed, seed)
	binary.LittleEndian.PutUint32(peb[pebPageSize:], PageSize)
	put(pebDispatchPtr, 0)
}

// ReadPEB decodes the config block.
func (m *SharedMemory) ReadPEB() PEB {
	peb := m.RegionBytes(RegionPEB)
	get := func(off int) uint64 { return binary.LittleEndian.Uint64(peb[off:]) }
	return PEB{
		StackBase:    get(pebStackBase),
		StackTop:     get(pebStackTop),
		HeapBase:     get(pebHeapBase),
		HeapSize:     get(pebHeapSize),
		InputBase:    get(pebInputBase),
		InputSize:    get(pebInputSize),
		OutputBase:   get(pebOutputBase),
		OutputSize:   get(pebOutputSize),
		PanicCtxBase: get(pebPanicCtxBase),
		PanicCtxSize: get(pebPanicCtxSize),
		Seed:         get(pebSeed),
		PageSize:     binary.LittleEndian.Uint32(peb[pebPageSize:]),
		DispatchPtr:  get(pebDispatchPtr),
	}
}

// PEBAddr returns the guest physical address of the config block, passed to
// the guest entry point in its first argument register.
func (m *SharedMemory) PEBAddr() uint64 {
	return GuestBase + m.layout.Region(RegionPEB).Offset
}

// SetDispatchPtr records the guest's dispatch function pointer. Called by
// the guest runtime; the host only reads it.
func (m *SharedMemory) SetDispatchPtr(addr uint64) {
	peb := m.RegionBytes(RegionPEB)
	binary.LittleEndian.PutUint64(peb[pebDispatchPtr:], addr)
}

// DispatchPtr returns the guest-published dispatch function pointer, or zero
// if the guest has not initialized yet.
func (m *SharedMemory) DispatchPtr() uint64 {
	peb := m.RegionBytes(RegionPEB)
	return binary.LittleEndian.Uint64(peb[pebDispatchPtr:])
}
