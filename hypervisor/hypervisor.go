package hypervisor

import (
	"encoding/binary"
	"fmt"

	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/mem"
)

// Backend selects a virtualization backend.
type Backend int

const (
	// BackendAuto probes in order: KVM, mshv, WHP.
	BackendAuto Backend = iota
	BackendKVM
	BackendMSHV
	BackendWHP
	// BackendFake is the in-process backend; it hosts a GuestProgram instead
	// of running a guest binary and needs no hypervisor capability.
	BackendFake
)

func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendKVM:
		return "kvm"
	case BackendMSHV:
		return "mshv"
	case BackendWHP:
		return "whp"
	case BackendFake:
		return "fake"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// ErrUnavailable reports that no usable hypervisor backend exists on this
// host. Returned at driver creation, never later.
type ErrUnavailable struct {
	Backend Backend
	Reason  string
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("hypervisor: backend %s unavailable: %s", e.Backend, e.Reason)
}

// Driver is the common contract every backend implements. A Driver owns one
// partition and one vCPU, driven synchronously from a single thread.
//
// Calling any method after Close is a programmer error and panics.
type Driver interface {
	// MapMemory exposes the shared buffer as guest physical memory at base.
	// Permissions follow the layout's region table: code is mapped
	// execute+read, data regions read+write, and guard regions are left
	// unmapped so any access traps.
	MapMemory(shared *mem.SharedMemory, base uint64) error

	// SetEntry initializes the vCPU registers for the next Run. Backends
	// configure long mode themselves; callers only supply the
	// general-purpose file.
	SetEntry(regs Registers) error

	// Run resumes the vCPU until the next exit and translates the
	// backend-specific reason into the common Exit vocabulary. Run blocks
	// the calling thread.
	Run() (Exit, error)

	// Registers reads back the current general-purpose register file.
	Registers() (Registers, error)

	// InterruptHandle returns a handle that can cancel a running vCPU from
	// another goroutine.
	InterruptHandle() InterruptHandle

	// Backend identifies the variant, for logs and capability checks.
	Backend() Backend

	// Close tears the partition down and releases all backend resources.
	Close() error
}

// New creates a driver for the requested backend. With BackendAuto it picks
// the first available one. Absence of any hypervisor capability is reported
// here as *ErrUnavailable.
func New(backend Backend) (Driver, error) {
	switch backend {
	case BackendAuto:
		for _, b := range probeOrder {
			drv, err := newPlatformDriver(b)
			if err == nil {
				return drv, nil
			}
			if _, ok := err.(*ErrUnavailable); !ok {
				return nil, err
			}
		}
		return nil, &ErrUnavailable{Backend: BackendAuto, Reason: "no backend present on this host"}
	case BackendFake:
		return nil, fmt.Errorf("hypervisor: the fake backend requires a guest program; use NewFake")
	default:
		return newPlatformDriver(backend)
	}
}

// Available reports whether any hardware backend can be used on this host.
func Available() bool {
	for _, b := range probeOrder {
		if probeBackend(b) {
			return true
		}
	}
	return false
}

// decodeAbort builds an ExitAbort from the guest's panic descriptor. The
// outb payload carries the abort code; the message lives in the
// panic-context block.
func decodeAbort(shared *mem.SharedMemory, data []byte) ExitAbort {
	exit := ExitAbort{}
	if len(data) >= 4 {
		exit.Code = binary.LittleEndian.Uint32(data)
	} else if len(data) >= 1 {
		exit.Code = uint32(data[0])
	}
	ctx := shared.ReadPanicContext()
	if ctx.Kind == mem.PanicCtxPanic || ctx.Kind == mem.PanicCtxFault {
		exit.Message = ctx.Message
		if exit.Code == 0 {
			exit.Code = ctx.Code
		}
	}
	return exit
}

// decodePrint reads the framed console string out of the output region and
// clears the frame so it cannot be replayed.
func decodePrint(shared *mem.SharedMemory) (ExitPrint, error) {
	region := shared.RegionBytes(mem.RegionOutputData)
	payload, err := guestcall.ReadMessage(region)
	if err != nil {
		return ExitPrint{}, fmt.Errorf("hypervisor: reading print payload: %w", err)
	}
	out := ExitPrint{Data: string(payload)}
	guestcall.ClearMessage(region)
	return out, nil
}

// classifyUnmapped resolves an unmapped-GPA exit against the region table:
// a hit inside the guard pages bracketing the stack reports a stack
// overflow, anything else an unmapped access.
func classifyUnmapped(shared *mem.SharedMemory, base, gpa uint64) ExitFault {
	kind := FaultUnmappedAccess
	if r, ok := shared.Layout().RegionAt(gpa - base); ok {
		if r.Kind == mem.RegionStackGuard || r.Kind == mem.RegionHeapGuard {
			kind = FaultStackOverflow
		}
	}
	return ExitFault{Kind: kind, Addr: gpa}
}
