package guest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/mem"
)

// dispatchAddr is the pseudo-address published as the dispatch function
// pointer. It sits in the canonical upper half, far outside any guest
// physical mapping, so it can never collide with a real code address.
const dispatchAddr = 0xffff_8000_0000_0000

// HandlerFunc is a guest function body. Params have already been checked
// against the registered signature when it runs. Returning an error produces
// a failure envelope; the sandbox stays usable. Panicking aborts the run
// through the panic descriptor.
type HandlerFunc func(rt *Runtime, params []guestcall.Value) (guestcall.Value, error)

type registration struct {
	sig guestcall.Signature
	fn  HandlerFunc
}

// Module is the guest's function registry, assembled before the sandbox
// starts. Registration is rejected after the runtime has entered.
type Module struct {
	funcs  map[string]registration
	sealed bool
}

func NewModule() *Module {
	return &Module{funcs: make(map[string]registration)}
}

// Register adds a function under its signature. Names are unique; a second
// registration under the same name is an error, not a replacement.
func (m *Module) Register(sig guestcall.Signature, fn HandlerFunc) error {
	if m.sealed {
		return fmt.Errorf("guest: registering %q after the runtime entered", sig.Name)
	}
	if fn == nil {
		return fmt.Errorf("guest: registering %q with a nil handler", sig.Name)
	}
	if sig.Name == "" || len(sig.Name) > guestcall.MaxNameLen {
		return fmt.Errorf("guest: invalid function name %q", sig.Name)
	}
	if !sig.Return.Valid() {
		return fmt.Errorf("guest: function %q has an invalid return tag", sig.Name)
	}
	for i, p := range sig.Params {
		if !p.Valid() || p == guestcall.KindVoid {
			return fmt.Errorf("guest: function %q parameter %d has an invalid tag", sig.Name, i)
		}
	}
	if _, ok := m.funcs[sig.Name]; ok {
		return fmt.Errorf("guest: function %q is already registered", sig.Name)
	}
	m.funcs[sig.Name] = registration{sig: sig, fn: fn}
	return nil
}

// Signatures returns the registered function table in name order.
func (m *Module) Signatures() []guestcall.Signature {
	out := make([]guestcall.Signature, 0, len(m.funcs))
	for _, reg := range m.funcs {
		out = append(out, reg.sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Runtime hosts a Module inside a sandbox. It implements the guest side of
// the call protocol; the hypervisor's fake backend drives it through Entry
// and Dispatch.
//
// A Runtime belongs to exactly one sandbox and is driven from one thread at
// a time, so it keeps the current shared memory and trap callback as plain
// fields.
type Runtime struct {
	module *Module
	shared *mem.SharedMemory
	outb   func(port uint16, data []byte)
	seed   uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewRuntime(m *Module) *Runtime {
	return &Runtime{module: m, stopCh: make(chan struct{})}
}

// errRuntimeStopped unwinds a dispatch when the driver abandons the run.
var errRuntimeStopped = errors.New("guest: runtime stopped")

// Stop asks the runtime to unwind any blocked dispatch. The driver calls it
// at teardown; a stopped runtime cannot be reused.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() { close(rt.stopCh) })
}

// Sleep pauses the guest. If the runtime is stopped while sleeping, Sleep
// unwinds the dispatch instead of returning, the way a killed vCPU never
// executes another instruction.
func (rt *Runtime) Sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-rt.stopCh:
		panic(errRuntimeStopped)
	}
}

// DispatchAddr returns the pseudo-address the runtime publishes as its
// dispatch pointer.
func (rt *Runtime) DispatchAddr() uint64 { return dispatchAddr }

// Seed returns the host-provided random seed, available after Entry.
func (rt *Runtime) Seed() uint64 { return rt.seed }

// Entry is the guest initialization path: it publishes the function table
// through the output data region, installs the dispatch pointer, and
// returns, which halts the vCPU back to the host.
func (rt *Runtime) Entry(shared *mem.SharedMemory, seed uint64, outb func(port uint16, data []byte)) error {
	rt.shared = shared
	rt.outb = outb
	rt.seed = seed
	rt.module.sealed = true

	table, err := guestcall.EncodeSignatures(rt.module.Signatures())
	if err != nil {
		return fmt.Errorf("guest: encoding function table: %w", err)
	}
	out := shared.RegionBytes(mem.RegionOutputData)
	if err := guestcall.WriteMessage(out, table); err != nil {
		return fmt.Errorf("guest: publishing function table: %w", err)
	}
	shared.SetDispatchPtr(dispatchAddr)
	return nil
}

// Dispatch answers one host-initiated call framed in the input data region
// and leaves the response envelope in the output data region. Protocol-level
// failures become error envelopes rather than runtime errors: the host
// decides what is fatal.
func (rt *Runtime) Dispatch(shared *mem.SharedMemory, outb func(port uint16, data []byte)) error {
	rt.shared = shared
	rt.outb = outb

	in := shared.RegionBytes(mem.RegionInputData)
	payload, err := guestcall.ReadMessage(in)
	if err != nil {
		return rt.respond(guestcall.ErrResult(guestcall.ResultDecodeFailed, err.Error()))
	}
	if payload == nil {
		return rt.respond(guestcall.ErrResult(guestcall.ResultDecodeFailed, "dispatch with empty input region"))
	}
	call, err := guestcall.DecodeFunctionCall(payload)
	guestcall.ClearMessage(in)
	if err != nil {
		return rt.respond(guestcall.ErrResult(guestcall.ResultDecodeFailed, err.Error()))
	}
	if call.Kind != guestcall.GuestFunction {
		return rt.respond(guestcall.ErrResult(guestcall.ResultDecodeFailed,
			fmt.Sprintf("inbound envelope has kind %s", call.Kind)))
	}

	reg, ok := rt.module.funcs[call.Name]
	if !ok {
		return rt.respond(guestcall.ErrResult(guestcall.ResultNotFound,
			fmt.Sprintf("no guest function %q", call.Name)))
	}
	if err := reg.sig.Check(call); err != nil {
		return rt.respond(guestcall.ErrResult(guestcall.ResultTypeMismatch, err.Error()))
	}

	value, err := rt.invoke(reg, call.Params)
	if err != nil {
		return rt.respond(guestcall.ErrResult(guestcall.ResultInternal, err.Error()))
	}
	if value.Kind() != reg.sig.Return {
		return rt.respond(guestcall.ErrResult(guestcall.ResultInternal,
			fmt.Sprintf("%s returned %s, registered as %s", call.Name, value.Kind(), reg.sig.Return)))
	}
	return rt.respond(guestcall.OKResult(value))
}

// invoke runs the handler with a panic guard. A panicking handler aborts the
// sandbox through the panic-context block; Abort never returns.
func (rt *Runtime) invoke(reg registration, params []guestcall.Value) (guestcall.Value, error) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && errors.Is(err, errRuntimeStopped) {
				panic(r)
			}
			rt.Abort(AbortCodePanic, fmt.Sprintf("%s panicked: %v", reg.sig.Name, r))
		}
	}()
	return reg.fn(rt, params)
}

func (rt *Runtime) respond(res *guestcall.CallResult) error {
	payload, err := res.Encode()
	if err != nil {
		return fmt.Errorf("guest: encoding result envelope: %w", err)
	}
	out := rt.shared.RegionBytes(mem.RegionOutputData)
	if err := guestcall.WriteMessage(out, payload); err != nil {
		return fmt.Errorf("guest: writing result envelope: %w", err)
	}
	return nil
}
