package guestcall

import "fmt"

// DecodeError classifies a byte sequence that does not conform to the
// envelope schema. Malformed input always surfaces as one of these, never as
// undefined behavior or a panic.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("guestcall: decode: %s: %v", e.Reason, e.Err)
	}
	return "guestcall: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NotFoundError reports a call naming a function absent from the recipient's
// registry.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("guestcall: function %q is not registered", e.Name)
}

// TypeMismatchError reports a parameter list or return tag that does not
// match the registered signature. Index is -1 for a return type mismatch.
// WantCount/GotCount are set instead of the tag fields when the parameter
// counts differ.
type TypeMismatchError struct {
	Name      string
	Index     int
	Want      ParamKind
	Got       ParamKind
	WantCount int
	GotCount  int
}

func (e *TypeMismatchError) Error() string {
	if e.WantCount != e.GotCount {
		return fmt.Sprintf("guestcall: %s: call has %d parameters, signature requires %d", e.Name, e.GotCount, e.WantCount)
	}
	if e.Index < 0 {
		return fmt.Sprintf("guestcall: %s: return type is %s, caller expects %s", e.Name, e.Want, e.Got)
	}
	return fmt.Sprintf("guestcall: %s: parameter %d is %s, signature requires %s", e.Name, e.Index, e.Got, e.Want)
}
