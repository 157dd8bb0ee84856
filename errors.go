package hyperlight

import (
	"errors"
	"fmt"

	"github.com/andreiltd/hyperlight/hypervisor"
)

// ErrCancelled reports that a call was interrupted, either through its
// context or through Kill. The vCPU cannot be resumed afterwards.
var ErrCancelled = errors.New("hyperlight: call cancelled")

// ConfigError reports an invalid sandbox configuration, detected before any
// resources are created.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "hyperlight: invalid configuration: " + e.Reason
}

// MemoryMapError reports a failure establishing the guest memory mapping at
// construction.
type MemoryMapError struct {
	Err error
}

func (e *MemoryMapError) Error() string {
	return fmt.Sprintf("hyperlight: mapping guest memory: %v", e.Err)
}

func (e *MemoryMapError) Unwrap() error { return e.Err }

// StateError reports an operation attempted in the wrong lifecycle state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("hyperlight: %s not allowed in state %s", e.Op, e.State)
}

// GuestPanicError reports that the guest aborted: it wrote a panic
// descriptor and halted. The call is lost; a MultiUse sandbox recovers by
// restoring its evolution snapshot, a SingleUse sandbox finishes.
type GuestPanicError struct {
	Code    uint32
	Message string
}

func (e *GuestPanicError) Error() string {
	return fmt.Sprintf("hyperlight: guest panicked (code %d): %s", e.Code, e.Message)
}

// GuestFaultError reports a hardware-level guest failure: an exception or an
// access to unmapped memory, including guard-page hits. The call is lost; a
// MultiUse sandbox recovers by restoring its evolution snapshot, a SingleUse
// sandbox finishes.
type GuestFaultError struct {
	Kind hypervisor.FaultKind
	Addr uint64
}

func (e *GuestFaultError) Error() string {
	return fmt.Sprintf("hyperlight: guest fault: %s at 0x%x", e.Kind, e.Addr)
}

// GuestError reports that the guest function ran and returned a failure. The
// sandbox stays usable.
type GuestError struct {
	Name    string
	Message string
}

func (e *GuestError) Error() string {
	return fmt.Sprintf("hyperlight: guest function %q failed: %s", e.Name, e.Message)
}

// ProtocolError reports a violation of the call protocol: an envelope that
// does not decode, a halt without a result, an exit outside the vocabulary.
// The shared regions can no longer be trusted as they are; a MultiUse
// sandbox discards them by restoring its evolution snapshot.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hyperlight: protocol violation: %s: %v", e.Reason, e.Err)
	}
	return "hyperlight: protocol violation: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Fatal reports whether err tears the sandbox down. Cancellation is the one
// per-call failure that cannot be recovered by restoring memory: the vCPU
// was stopped mid-execution, so the partition is discarded. Everything else
// a MultiUse sandbox survives by restoring its evolution snapshot; for a
// SingleUse sandbox any first call finishes it regardless.
func Fatal(err error) bool {
	return errors.Is(err, ErrCancelled)
}
