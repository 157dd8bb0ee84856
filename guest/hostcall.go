package guest

import (
	"fmt"

	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/mem"
)

// HostCallError reports a host function call that the host answered with a
// failure envelope.
type HostCallError struct {
	Name    string
	Code    guestcall.ResultCode
	Message string
}

func (e *HostCallError) Error() string {
	return fmt.Sprintf("guest: host call %q failed: %s: %s", e.Name, e.Code, e.Message)
}

// CallHost invokes a host-registered function and blocks until the host
// resumes the guest with a response. The request travels through the output
// data region, the response comes back through the input data region.
//
// Valid only while a guest function is executing; calling it outside a
// dispatch is a protocol violation the host will reject.
func (rt *Runtime) CallHost(name string, ret guestcall.ParamKind, params ...guestcall.Value) (guestcall.Value, error) {
	call := &guestcall.FunctionCall{
		Name:   name,
		Params: params,
		Return: ret,
		Kind:   guestcall.HostFunction,
	}
	payload, err := call.Encode()
	if err != nil {
		return guestcall.Void(), err
	}
	out := rt.shared.RegionBytes(mem.RegionOutputData)
	if err := guestcall.WriteMessage(out, payload); err != nil {
		return guestcall.Void(), err
	}

	rt.outb(guestcall.PortCallFunction, nil)

	in := rt.shared.RegionBytes(mem.RegionInputData)
	resp, err := guestcall.ReadMessage(in)
	if err != nil {
		return guestcall.Void(), err
	}
	if resp == nil {
		return guestcall.Void(), &guestcall.DecodeError{Reason: "host resumed without a response envelope"}
	}
	result, err := guestcall.DecodeCallResult(resp)
	guestcall.ClearMessage(in)
	if err != nil {
		return guestcall.Void(), err
	}
	if result.Code != guestcall.ResultOK {
		return guestcall.Void(), &HostCallError{Name: name, Code: result.Code, Message: result.Message}
	}
	if result.Value.Kind() != ret {
		return guestcall.Void(), &guestcall.DecodeError{
			Reason: fmt.Sprintf("host call %q returned %s, want %s", name, result.Value.Kind(), ret),
		}
	}
	return result.Value, nil
}

// Print sends console output to the host. The host consumes the string
// before resuming, so back-to-back prints never overwrite each other.
func (rt *Runtime) Print(s string) error {
	out := rt.shared.RegionBytes(mem.RegionOutputData)
	if err := guestcall.WriteMessage(out, []byte(s)); err != nil {
		return err
	}
	rt.outb(guestcall.PortPrint, nil)
	return nil
}
