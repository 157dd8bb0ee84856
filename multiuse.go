package hyperlight

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/mem"
)

// MultiUseSandbox services any number of guest calls. After each call its
// memory is restored to the snapshot captured at evolution, so calls cannot
// observe each other: the Nth call sees exactly the state the first one did.
//
// The restoration also recovers the sandbox from guest panics, faults and
// protocol violations: the failed call reports its classified error and the
// next call starts from pristine memory. Only cancellation finishes the
// sandbox, since a vCPU stopped mid-execution cannot be reused.
type MultiUseSandbox struct {
	mu       sync.Mutex
	core     *sandboxCore
	snapshot *mem.Snapshot
}

// ID returns the sandbox identifier.
func (s *MultiUseSandbox) ID() uuid.UUID { return s.core.id }

// State returns StateMultiUse while the sandbox is callable.
func (s *MultiUseSandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.state
}

// Functions returns the guest's published function names, sorted.
func (s *MultiUseSandbox) Functions() []string {
	names := s.core.functions()
	sort.Strings(names)
	return names
}

// Call invokes a guest function. The call is validated against the guest's
// published table before the vCPU runs, so an unknown name or a wrong
// parameter list fails fast and leaves the sandbox callable.
func (s *MultiUseSandbox) Call(ctx context.Context, name string, ret guestcall.ParamKind, params ...guestcall.Value) (guestcall.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.core.state != StateMultiUse {
		return guestcall.Void(), &StateError{Op: "calling " + name, State: s.core.state}
	}

	value, err := s.core.call(ctx, name, ret, params)
	recordCall(err)
	if Fatal(err) {
		s.core.log.Warn("guest call cancelled", "sandbox", s.core.id, "function", name, "error", err)
		s.core.finish()
		return guestcall.Void(), err
	}
	if rerr := s.core.shared.Restore(s.snapshot); rerr != nil {
		s.core.finish()
		return guestcall.Void(), &ProtocolError{Reason: "restoring guest memory", Err: rerr}
	}
	recordRestore()
	return value, err
}

// Kill interrupts a call in flight. It reports whether a vCPU was actually
// kicked; a latched-only cancellation returns false.
func (s *MultiUseSandbox) Kill() bool {
	return s.core.driver.InterruptHandle().Kill()
}

// MemoryChecksum returns the checksum of current guest memory. Between
// calls it always equals the evolution snapshot's checksum.
func (s *MultiUseSandbox) MemoryChecksum() ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.core.state == StateFinished {
		return [32]byte{}, &StateError{Op: "checksumming memory", State: StateFinished}
	}
	snap, err := s.core.shared.Snapshot(false)
	if err != nil {
		return [32]byte{}, err
	}
	return snap.Checksum(), nil
}

// SnapshotChecksum returns the checksum of the restore snapshot.
func (s *MultiUseSandbox) SnapshotChecksum() [32]byte { return s.snapshot.Checksum() }

// Close finishes the sandbox and releases its resources.
func (s *MultiUseSandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.core.finish()
	return nil
}
