package hypervisor

import "fmt"

// FaultKind is the closed set of guest fault categories. The hardware
// exposes a fixed, small set of exception vectors, so this is a tagged
// enum rather than an open hierarchy.
type FaultKind uint8

const (
	FaultUnknown FaultKind = iota
	FaultDivideByZero
	FaultInvalidOpcode
	FaultDoubleFault
	FaultStackSegment
	FaultGeneralProtection
	FaultPageFault
	// FaultUnmappedAccess is an access to a guest physical address with no
	// mapping, which is how guard-page hits surface.
	FaultUnmappedAccess
	// FaultStackOverflow is an unmapped access that landed in the guard
	// page bracketing the stack.
	FaultStackOverflow
)

func (k FaultKind) String() string {
	switch k {
	case FaultDivideByZero:
		return "divide-by-zero"
	case FaultInvalidOpcode:
		return "invalid-opcode"
	case FaultDoubleFault:
		return "double-fault"
	case FaultStackSegment:
		return "stack-segment-fault"
	case FaultGeneralProtection:
		return "general-protection-fault"
	case FaultPageFault:
		return "page-fault"
	case FaultUnmappedAccess:
		return "unmapped-access"
	case FaultStackOverflow:
		return "stack-overflow"
	default:
		return "unknown-fault"
	}
}

// FaultKindFromVector maps an x86 exception vector to a FaultKind.
func FaultKindFromVector(vector uint32) FaultKind {
	switch vector {
	case 0:
		return FaultDivideByZero
	case 6:
		return FaultInvalidOpcode
	case 8:
		return FaultDoubleFault
	case 12:
		return FaultStackSegment
	case 13:
		return FaultGeneralProtection
	case 14:
		return FaultPageFault
	default:
		return FaultUnknown
	}
}

// Exit is the common exit-event vocabulary every backend translates into.
// Exits are transient: produced per VM exit and consumed immediately by the
// dispatcher, never persisted.
type Exit interface {
	fmt.Stringer
	isExit()
}

// ExitHostCall signals that the guest requested a host function. The call
// envelope is framed in the output data region.
type ExitHostCall struct{}

// ExitPrint carries console output emitted by the guest.
type ExitPrint struct {
	Data string
}

// ExitAbort reports a guest panic: the guest wrote a panic descriptor and
// stopped. The vCPU is not resumable.
type ExitAbort struct {
	Code    uint32
	Message string
}

// ExitFault reports a hardware exception or unmapped access. The vCPU is
// not safely resumable.
type ExitFault struct {
	Kind FaultKind
	Addr uint64
}

// ExitHalt signals the guest executed a halt instruction, which is how it
// hands back control after finishing the pending call.
type ExitHalt struct{}

// ExitCancelled signals the host interrupted the vCPU via the interrupt
// handle.
type ExitCancelled struct{}

// ExitRetry signals a spurious wakeup (EAGAIN/EINTR without a cancellation
// request); the dispatcher re-runs immediately.
type ExitRetry struct{}

// ExitUnknown wraps an exit reason outside the protocol.
type ExitUnknown struct {
	Reason string
}

func (ExitHostCall) isExit()  {}
func (ExitPrint) isExit()     {}
func (ExitAbort) isExit()     {}
func (ExitFault) isExit()     {}
func (ExitHalt) isExit()      {}
func (ExitCancelled) isExit() {}
func (ExitRetry) isExit()     {}
func (ExitUnknown) isExit()   {}

func (ExitHostCall) String() string  { return "host-call" }
func (e ExitPrint) String() string   { return fmt.Sprintf("print(%d bytes)", len(e.Data)) }
func (e ExitAbort) String() string   { return fmt.Sprintf("abort(code=%d, %q)", e.Code, e.Message) }
func (e ExitFault) String() string   { return fmt.Sprintf("fault(%s at 0x%x)", e.Kind, e.Addr) }
func (ExitHalt) String() string      { return "halt" }
func (ExitCancelled) String() string { return "cancelled" }
func (ExitRetry) String() string     { return "retry" }
func (e ExitUnknown) String() string { return "unknown: " + e.Reason }
