package hyperlight

import (
	"fmt"

	"github.com/andreiltd/hyperlight/guestcall"
)

// HostFunc is a host function callable from the guest. Parameters have been
// checked against the registered signature when it runs. Errors travel back
// to the guest as failure envelopes; a panic is caught and reported the same
// way, so a misbehaving guest cannot crash the host through a callback.
type HostFunc func(params []guestcall.Value) (guestcall.Value, error)

type hostRegistration struct {
	sig guestcall.Signature
	fn  HostFunc
}

func checkHostRegistration(sig guestcall.Signature, fn HostFunc) error {
	if fn == nil {
		return &ConfigError{Reason: fmt.Sprintf("host function %q has a nil implementation", sig.Name)}
	}
	if sig.Name == "" || len(sig.Name) > guestcall.MaxNameLen {
		return &ConfigError{Reason: fmt.Sprintf("invalid host function name %q", sig.Name)}
	}
	if !sig.Return.Valid() {
		return &ConfigError{Reason: fmt.Sprintf("host function %q has an invalid return tag", sig.Name)}
	}
	for i, p := range sig.Params {
		if !p.Valid() || p == guestcall.KindVoid {
			return &ConfigError{Reason: fmt.Sprintf("host function %q parameter %d has an invalid tag", sig.Name, i)}
		}
	}
	return nil
}

// invokeHostFunc runs a host function with a panic guard.
func invokeHostFunc(reg hostRegistration, params []guestcall.Value) (v guestcall.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = guestcall.Void()
			err = fmt.Errorf("host function %q panicked: %v", reg.sig.Name, r)
		}
	}()
	return reg.fn(params)
}
