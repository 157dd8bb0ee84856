package mem

import "fmt"

// PageSize is the guest page granularity. The guest runs with 4 KiB pages
// regardless of the host's configured page size; every region boundary is
// aligned to it.
const PageSize = 0x1000

// Perm is a guest memory permission mask, per sub-region.
type Perm uint8

const (
	PermRead  Perm = 1 << 0
	PermWrite Perm = 1 << 1
	PermExec  Perm = 1 << 2

	// PermNone marks a guard page: the region stays unmapped so any guest
	// access traps instead of corrupting a neighbor.
	PermNone Perm = 0
)

func (p Perm) String() string {
	if p == PermNone {
		return "----"
	}
	buf := []byte("---")
	if p&PermRead != 0 {
		buf[0] = 'r'
	}
	if p&PermWrite != 0 {
		buf[1] = 'w'
	}
	if p&PermExec != 0 {
		buf[2] = 'x'
	}
	return string(buf)
}

// RegionKind names each fixed sub-region of guest physical memory.
type RegionKind int

const (
	RegionPageTables RegionKind = iota
	RegionPEB
	RegionCode
	RegionCodeGuard
	RegionStackGuard
	RegionStack
	RegionHeapGuard
	RegionHeap
	RegionInputData
	RegionOutputData
	RegionPanicContext
)

func (k RegionKind) String() string {
	switch k {
	case RegionPageTables:
		return "page-tables"
	case RegionPEB:
		return "peb"
	case RegionCode:
		return "code"
	case RegionCodeGuard:
		return "code-guard"
	case RegionStackGuard:
		return "stack-guard"
	case RegionStack:
		return "stack"
	case RegionHeapGuard:
		return "heap-guard"
	case RegionHeap:
		return "heap"
	case RegionInputData:
		return "input-data"
	case RegionOutputData:
		return "output-data"
	case RegionPanicContext:
		return "panic-context"
	default:
		return fmt.Sprintf("region(%d)", int(k))
	}
}

// Region describes one sub-region: its offset from the guest physical base,
// its size, and the permissions it is mapped with. Guard regions carry
// PermNone and are never mapped.
type Region struct {
	Kind   RegionKind
	Offset uint64
	Size   uint64
	Perm   Perm
}

// End returns the first offset past the region.
func (r Region) End() uint64 { return r.Offset + r.Size }

// Contains reports whether the guest physical offset falls inside the region.
func (r Region) Contains(off uint64) bool {
	return off >= r.Offset && off < r.End()
}

// IsGuard reports whether the region is an intentionally unmapped guard page.
func (r Region) IsGuard() bool { return r.Perm == PermNone }
