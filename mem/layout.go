package mem

import (
	"fmt"
)

// GuestBase is the guest physical address the shared buffer is mapped at.
// Offsets in Region are relative to it.
const GuestBase uint64 = 0x0

// Defaults for LayoutConfig fields left at zero.
const (
	DefaultStackSize      = 64 * 1024
	DefaultHeapSize       = 128 * 1024
	DefaultInputDataSize  = 64 * 1024
	DefaultOutputDataSize = 64 * 1024
	DefaultMaxTotalSize   = 1 << 30 // 1 GiB, the span covered by the page tables
)

const (
	pageTableSize    = 3 * PageSize // PML4 + PDPT + PD
	pebSize          = PageSize
	panicContextSize = PageSize
)

// LayoutConfig sizes the configurable regions. All sizes are rounded up to
// page multiples.
type LayoutConfig struct {
	StackSize      uint64 `yaml:"stack_size"`
	HeapSize       uint64 `yaml:"heap_size"`
	InputDataSize  uint64 `yaml:"input_data_size"`
	OutputDataSize uint64 `yaml:"output_data_size"`
	// MaxTotalSize caps the computed total; layouts that would exceed it are
	// rejected at construction.
	MaxTotalSize uint64 `yaml:"max_total_size"`
}

func (c *LayoutConfig) withDefaults() LayoutConfig {
	out := *c
	if out.StackSize == 0 {
		out.StackSize = DefaultStackSize
	}
	if out.HeapSize == 0 {
		out.HeapSize = DefaultHeapSize
	}
	if out.InputDataSize == 0 {
		out.InputDataSize = DefaultInputDataSize
	}
	if out.OutputDataSize == 0 {
		out.OutputDataSize = DefaultOutputDataSize
	}
	if out.MaxTotalSize == 0 {
		out.MaxTotalSize = DefaultMaxTotalSize
	}
	return out
}

// Layout is the immutable region table for one sandbox. It is computed once
// at construction; MultiUse resets reuse the same layout and only restore
// contents.
type Layout struct {
	regions []Region
	total   uint64
}

func roundUpPage(n uint64) uint64 {
	return (n + PageSize - 1) &^ uint64(PageSize-1)
}

// NewLayout computes region offsets for the given configuration and guest
// image size. Regions never overlap; the stack is bracketed by guard pages
// and the heap is separated from it by one, so overflow and underflow trap
// instead of corrupting adjacent state.
func NewLayout(cfg LayoutConfig, imageLen int) (*Layout, error) {
	if imageLen <= 0 {
		return nil, fmt.Errorf("mem: guest image is empty")
	}
	c := cfg.withDefaults()

	codeSize := roundUpPage(uint64(imageLen))
	off := uint64(0)
	next := func(kind RegionKind, size uint64, perm Perm) Region {
		r := Region{Kind: kind, Offset: off, Size: roundUpPage(size), Perm: perm}
		off += r.Size
		return r
	}

	regions := []Region{
		next(RegionPageTables, pageTableSize, PermRead|PermWrite),
		next(RegionPEB, pebSize, PermRead|PermWrite),
		next(RegionCode, codeSize, PermRead|PermExec),
		next(RegionCodeGuard, PageSize, PermNone),
		next(RegionStackGuard, PageSize, PermNone),
		next(RegionStack, c.StackSize, PermRead|PermWrite),
		next(RegionHeapGuard, PageSize, PermNone),
		next(RegionHeap, c.HeapSize, PermRead|PermWrite),
		next(RegionInputData, c.InputDataSize, PermRead|PermWrite),
		next(RegionOutputData, c.OutputDataSize, PermRead|PermWrite),
		next(RegionPanicContext, panicContextSize, PermRead|PermWrite),
	}

	if off > c.MaxTotalSize {
		return nil, fmt.Errorf("mem: layout requires %d bytes, exceeding the configured maximum %d", off, c.MaxTotalSize)
	}

	l := &Layout{regions: regions, total: off}
	// The stack must come after the image; the ordering above guarantees it,
	// but keep the invariant checked since backends rely on it.
	if l.Region(RegionCode).End() > l.Region(RegionStack).Offset {
		return nil, fmt.Errorf("mem: guest image of %d bytes does not fit before the stack region", imageLen)
	}
	return l, nil
}

// Region returns the descriptor for the given kind. Kinds are fixed at
// construction, so a miss is a programmer error and panics.
func (l *Layout) Region(kind RegionKind) Region {
	for _, r := range l.regions {
		if r.Kind == kind {
			return r
		}
	}
	panic(fmt.Sprintf("mem: no region of kind %s", kind))
}

// Regions returns the full region table in ascending offset order.
func (l *Layout) Regions() []Region {
	out := make([]Region, len(l.regions))
	copy(out, l.regions)
	return out
}

// Total returns the size of the host buffer covering all regions, guard
// pages included.
func (l *Layout) Total() uint64 { return l.total }

// RegionAt returns the region containing the guest physical offset.
func (l *Layout) RegionAt(off uint64) (Region, bool) {
	for _, r := range l.regions {
		if r.Contains(off) {
			return r, true
		}
	}
	return Region{}, false
}

// EntryPoint returns the guest physical address of the code region plus the
// image's entry offset.
func (l *Layout) EntryPoint(imageEntry uint64) uint64 {
	return GuestBase + l.Region(RegionCode).Offset + imageEntry
}

// StackPointer returns the initial guest stack pointer: the top of the stack
// region, which grows down toward its guard page.
func (l *Layout) StackPointer() uint64 {
	return GuestBase + l.Region(RegionStack).End()
}

// String renders the region table, one line per region.
func (l *Layout) String() string {
	s := ""
	for _, r := range l.regions {
		s += fmt.Sprintf("%-13s %s [0x%08x, 0x%08x) %8d bytes\n",
			r.Kind, r.Perm, r.Offset, r.End(), r.Size)
	}
	return s
}
