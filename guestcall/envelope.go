package guestcall

import (
	"fmt"
)

// Limits on the self-describing envelope. Both sides enforce them on encode
// and decode so a malformed peer cannot force unbounded allocation.
const (
	// MaxNameLen bounds the function name carried in an envelope.
	MaxNameLen = 256
	maxParams  = 64
)

// CallKind says which direction an envelope travels.
type CallKind uint8

const (
	// GuestFunction is a host-initiated call into the guest.
	GuestFunction CallKind = iota + 1
	// HostFunction is a guest-initiated call back into the host.
	HostFunction
)

func (k CallKind) String() string {
	switch k {
	case GuestFunction:
		return "guest-function"
	case HostFunction:
		return "host-function"
	default:
		return fmt.Sprintf("call-kind(%d)", uint8(k))
	}
}

// FunctionCall is the request envelope: one per region, one in flight per
// direction.
type FunctionCall struct {
	Name   string    `cbor:"1,keyasint"`
	Params []Value   `cbor:"2,keyasint,omitempty"`
	Return ParamKind `cbor:"3,keyasint"`
	Kind   CallKind  `cbor:"4,keyasint"`
}

func (c *FunctionCall) validate() error {
	if c.Name == "" {
		return &DecodeError{Reason: "empty function name"}
	}
	if len(c.Name) > MaxNameLen {
		return &DecodeError{Reason: fmt.Sprintf("function name length %d exceeds %d", len(c.Name), MaxNameLen)}
	}
	if len(c.Params) > maxParams {
		return &DecodeError{Reason: fmt.Sprintf("parameter count %d exceeds %d", len(c.Params), maxParams)}
	}
	if !c.Return.Valid() {
		return &DecodeError{Reason: fmt.Sprintf("invalid return tag %d", c.Return)}
	}
	if c.Kind != GuestFunction && c.Kind != HostFunction {
		return &DecodeError{Reason: fmt.Sprintf("invalid call kind %d", c.Kind)}
	}
	for i, p := range c.Params {
		if !p.Kind().Valid() {
			return &DecodeError{Reason: fmt.Sprintf("parameter %d has invalid tag", i)}
		}
	}
	return nil
}

// Encode serializes the call envelope.
func (c *FunctionCall) Encode() ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	return Marshal(c)
}

// DecodeFunctionCall parses and validates a call envelope. Every failure is a
// *DecodeError.
func DecodeFunctionCall(data []byte) (*FunctionCall, error) {
	var c FunctionCall
	if err := Unmarshal(data, &c); err != nil {
		if _, ok := err.(*DecodeError); ok {
			return nil, err
		}
		return nil, &DecodeError{Reason: "malformed call envelope", Err: err}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ResultCode classifies a failed call in the response envelope. The codes are
// part of the wire contract; both runtimes map them onto their own error
// taxonomy.
type ResultCode uint32

const (
	ResultOK ResultCode = iota
	ResultNotFound
	ResultTypeMismatch
	ResultDecodeFailed
	ResultGuestAborted
	ResultInternal
)

func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "ok"
	case ResultNotFound:
		return "not-found"
	case ResultTypeMismatch:
		return "type-mismatch"
	case ResultDecodeFailed:
		return "decode-failed"
	case ResultGuestAborted:
		return "aborted"
	case ResultInternal:
		return "internal"
	default:
		return fmt.Sprintf("result-code(%d)", uint32(c))
	}
}

// CallResult is the response envelope. Exactly one of {Value, error fields}
// is meaningful, selected by Code.
type CallResult struct {
	Code    ResultCode `cbor:"1,keyasint"`
	Value   Value      `cbor:"2,keyasint,omitempty"`
	Message string     `cbor:"3,keyasint,omitempty"`
}

// OKResult builds a success response carrying v.
func OKResult(v Value) *CallResult {
	return &CallResult{Code: ResultOK, Value: v}
}

// ErrResult builds a failure response.
func ErrResult(code ResultCode, msg string) *CallResult {
	return &CallResult{Code: code, Value: Void(), Message: msg}
}

// Encode serializes the response envelope.
func (r *CallResult) Encode() ([]byte, error) {
	if r.Code == ResultOK && !r.Value.Kind().Valid() {
		return nil, &DecodeError{Reason: "result value has invalid tag"}
	}
	return Marshal(r)
}

// DecodeCallResult parses and validates a response envelope.
func DecodeCallResult(data []byte) (*CallResult, error) {
	var r CallResult
	if err := Unmarshal(data, &r); err != nil {
		if _, ok := err.(*DecodeError); ok {
			return nil, err
		}
		return nil, &DecodeError{Reason: "malformed result envelope", Err: err}
	}
	if r.Code > ResultInternal {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown result code %d", r.Code)}
	}
	return &r, nil
}
