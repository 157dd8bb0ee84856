package hyperlight

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/andreiltd/hyperlight/guestcall"
)

// SingleUseSandbox services exactly one guest call and finishes, whatever
// the outcome. Nothing is snapshotted or restored; the memory is torn down
// with the sandbox.
type SingleUseSandbox struct {
	mu   sync.Mutex
	core *sandboxCore
}

// ID returns the sandbox identifier.
func (s *SingleUseSandbox) ID() uuid.UUID { return s.core.id }

// State returns StateSingleUse until the one call has happened.
func (s *SingleUseSandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.state
}

// Functions returns the guest's published function names, sorted.
func (s *SingleUseSandbox) Functions() []string {
	names := s.core.functions()
	sort.Strings(names)
	return names
}

// Call invokes a guest function, then finishes the sandbox. A second Call
// fails with a StateError.
func (s *SingleUseSandbox) Call(ctx context.Context, name string, ret guestcall.ParamKind, params ...guestcall.Value) (guestcall.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.core.state != StateSingleUse {
		return guestcall.Void(), &StateError{Op: "calling " + name, State: s.core.state}
	}
	defer s.core.finish()
	value, err := s.core.call(ctx, name, ret, params)
	recordCall(err)
	return value, err
}

// Kill interrupts a call in flight.
func (s *SingleUseSandbox) Kill() bool {
	return s.core.driver.InterruptHandle().Kill()
}

// Close finishes the sandbox and releases its resources.
func (s *SingleUseSandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.core.finish()
	return nil
}
