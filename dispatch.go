package hyperlight

import (
	"context"
	"fmt"

	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/hypervisor"
	"github.com/andreiltd/hyperlight/mem"
)

// runToHalt drives the vCPU until the guest halts, servicing print and
// host-call traps along the way. A non-nil return means the run did not
// complete; whether the sandbox survives is the caller's policy (MultiUse
// restores its snapshot, SingleUse finishes).
//
// ctx cancellation is delivered through the driver's interrupt handle: an
// AfterFunc kicks the vCPU, and the resulting cancelled exit surfaces here
// as ErrCancelled. The stop on return matters: once it reports the kill
// callback never started, the cancel latch cannot be set behind a completed
// run, so a timed call that finishes in time cannot poison the next one.
func (c *sandboxCore) runToHalt(ctx context.Context) error {
	killDone := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(killDone)
		c.driver.InterruptHandle().Kill()
	})
	defer func() {
		if !stop() {
			// The kill callback already started: wait it out, then drop any
			// latch no run consumed, so a timeout that raced the final halt
			// cannot leak a cancellation into the next call.
			<-killDone
			c.driver.InterruptHandle().ClearPending()
		}
	}()

	hostCalls := 0
	for {
		exit, err := c.driver.Run()
		if err != nil {
			return &ProtocolError{Reason: "running vCPU", Err: err}
		}
		switch e := exit.(type) {
		case hypervisor.ExitRetry:
			continue
		case hypervisor.ExitPrint:
			c.emitPrint(e.Data)
		case hypervisor.ExitHostCall:
			hostCalls++
			recordHostCall()
			if c.cfg.MaxHostCalls > 0 && hostCalls > c.cfg.MaxHostCalls {
				return &ProtocolError{Reason: fmt.Sprintf("guest exceeded %d host calls in one dispatch", c.cfg.MaxHostCalls)}
			}
			if err := c.serviceHostCall(); err != nil {
				return err
			}
		case hypervisor.ExitHalt:
			return nil
		case hypervisor.ExitAbort:
			return &GuestPanicError{Code: e.Code, Message: e.Message}
		case hypervisor.ExitFault:
			return &GuestFaultError{Kind: e.Kind, Addr: e.Addr}
		case hypervisor.ExitCancelled:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
			}
			return ErrCancelled
		case hypervisor.ExitUnknown:
			return &ProtocolError{Reason: e.Reason}
		default:
			return &ProtocolError{Reason: fmt.Sprintf("unhandled exit %s", exit)}
		}
	}
}

// serviceHostCall answers one guest-initiated host call: envelope out of the
// output region, result into the input region. Failures the guest can act on
// (unknown name, bad types, a failing implementation) go back as error
// envelopes; only a missing or unreadable envelope is fatal, since then the
// shared regions are out of sync.
func (c *sandboxCore) serviceHostCall() error {
	out := c.shared.RegionBytes(mem.RegionOutputData)
	payload, err := guestcall.ReadMessage(out)
	if err != nil {
		return &ProtocolError{Reason: "reading host call envelope", Err: err}
	}
	if payload == nil {
		return &ProtocolError{Reason: "host call trap with empty output region"}
	}
	call, err := guestcall.DecodeFunctionCall(payload)
	guestcall.ClearMessage(out)

	var result *guestcall.CallResult
	switch {
	case err != nil:
		result = guestcall.ErrResult(guestcall.ResultDecodeFailed, err.Error())
	case call.Kind != guestcall.HostFunction:
		result = guestcall.ErrResult(guestcall.ResultDecodeFailed,
			fmt.Sprintf("outbound envelope has kind %s", call.Kind))
	default:
		result = c.executeHostCall(call)
	}

	resp, err := result.Encode()
	if err != nil {
		return &ProtocolError{Reason: "encoding host call result", Err: err}
	}
	if err := guestcall.WriteMessage(c.shared.RegionBytes(mem.RegionInputData), resp); err != nil {
		return &ProtocolError{Reason: "writing host call result", Err: err}
	}
	return nil
}

func (c *sandboxCore) executeHostCall(call *guestcall.FunctionCall) *guestcall.CallResult {
	reg, ok := c.hostFuncs[call.Name]
	if !ok {
		c.log.Debug("guest called unknown host function", "sandbox", c.id, "function", call.Name)
		return guestcall.ErrResult(guestcall.ResultNotFound, fmt.Sprintf("no host function %q", call.Name))
	}
	if err := reg.sig.Check(call); err != nil {
		return guestcall.ErrResult(guestcall.ResultTypeMismatch, err.Error())
	}
	value, err := invokeHostFunc(reg, call.Params)
	if err != nil {
		c.log.Warn("host function failed", "sandbox", c.id, "function", call.Name, "error", err)
		return guestcall.ErrResult(guestcall.ResultInternal, err.Error())
	}
	if value.Kind() != reg.sig.Return {
		return guestcall.ErrResult(guestcall.ResultInternal,
			fmt.Sprintf("host function %q returned %s, registered as %s", call.Name, value.Kind(), reg.sig.Return))
	}
	c.log.Debug("host call served", "sandbox", c.id, "function", call.Name)
	return guestcall.OKResult(value)
}

// call performs one guest function call: host-side validation against the
// published table, envelope into the input region, vCPU through the dispatch
// pointer, result out of the output region.
func (c *sandboxCore) call(ctx context.Context, name string, ret guestcall.ParamKind, params []guestcall.Value) (guestcall.Value, error) {
	sig, ok := c.guestSigs[name]
	if !ok {
		return guestcall.Void(), &guestcall.NotFoundError{Name: name}
	}
	call := &guestcall.FunctionCall{
		Name:   name,
		Params: params,
		Return: ret,
		Kind:   guestcall.GuestFunction,
	}
	if err := sig.Check(call); err != nil {
		return guestcall.Void(), err
	}
	payload, err := call.Encode()
	if err != nil {
		return guestcall.Void(), &ProtocolError{Reason: "encoding call envelope", Err: err}
	}
	if err := guestcall.WriteMessage(c.shared.RegionBytes(mem.RegionInputData), payload); err != nil {
		return guestcall.Void(), &ProtocolError{Reason: "writing call envelope", Err: err}
	}

	regs := hypervisor.EntryRegisters(c.shared.DispatchPtr(), c.shared.Layout().StackPointer(), c.shared.PEBAddr())
	if err := c.driver.SetEntry(regs); err != nil {
		return guestcall.Void(), &ProtocolError{Reason: "preparing vCPU for dispatch", Err: err}
	}

	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	c.log.Debug("guest call", "sandbox", c.id, "function", name)
	if err := c.runToHalt(ctx); err != nil {
		return guestcall.Void(), err
	}

	out := c.shared.RegionBytes(mem.RegionOutputData)
	resp, err := guestcall.ReadMessage(out)
	if err != nil {
		return guestcall.Void(), &ProtocolError{Reason: "reading result envelope", Err: err}
	}
	if resp == nil {
		return guestcall.Void(), &ProtocolError{Reason: "guest halted without a result envelope"}
	}
	result, err := guestcall.DecodeCallResult(resp)
	guestcall.ClearMessage(out)
	if err != nil {
		return guestcall.Void(), &ProtocolError{Reason: "decoding result envelope", Err: err}
	}
	return c.mapResult(name, ret, result)
}

// mapResult translates the wire-level result code onto the host error
// taxonomy.
func (c *sandboxCore) mapResult(name string, ret guestcall.ParamKind, result *guestcall.CallResult) (guestcall.Value, error) {
	switch result.Code {
	case guestcall.ResultOK:
		if result.Value.Kind() != ret {
			return guestcall.Void(), &ProtocolError{
				Reason: fmt.Sprintf("guest returned %s, caller expected %s", result.Value.Kind(), ret),
			}
		}
		return result.Value, nil
	case guestcall.ResultNotFound:
		// The published table said the function exists; a guest-side miss
		// means the table and the registry diverged.
		return guestcall.Void(), &ProtocolError{Reason: fmt.Sprintf("guest rejected %q as unknown after publishing it", name)}
	case guestcall.ResultTypeMismatch:
		return guestcall.Void(), &ProtocolError{Reason: fmt.Sprintf("guest rejected validated call to %q: %s", name, result.Message)}
	case guestcall.ResultDecodeFailed:
		return guestcall.Void(), &ProtocolError{Reason: fmt.Sprintf("guest could not decode call to %q: %s", name, result.Message)}
	case guestcall.ResultGuestAborted:
		return guestcall.Void(), &GuestPanicError{Message: result.Message}
	case guestcall.ResultInternal:
		return guestcall.Void(), &GuestError{Name: name, Message: result.Message}
	default:
		return guestcall.Void(), &ProtocolError{Reason: fmt.Sprintf("unknown result code %d", result.Code)}
	}
}
