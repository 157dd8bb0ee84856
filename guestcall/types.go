package guestcall

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// ParamKind tags a parameter or return value with its wire type. The set is
// closed: both sides of the boundary reject any tag outside it before a call
// is dispatched.
type ParamKind uint8

const (
	KindVoid ParamKind = iota
	KindBool
	KindInt32
	KindInt64
	KindUInt32
	KindUInt64
	KindFloat32
	KindFloat64
	KindString
	KindBytes

	kindMax = KindBytes
)

func (k ParamKind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUInt32:
		return "uint32"
	case KindUInt64:
		return "uint64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a member of the closed tag set.
func (k ParamKind) Valid() bool { return k <= kindMax }

// Value is a tagged union over the supported parameter kinds. The zero Value
// is the void value.
type Value struct {
	kind ParamKind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	raw  []byte
}

// Void returns the void value, used as the result of functions that return
// nothing.
func Void() Value { return Value{kind: KindVoid} }

func Bool(v bool) Value       { return Value{kind: KindBool, b: v} }
func Int32(v int32) Value     { return Value{kind: KindInt32, i: int64(v)} }
func Int64(v int64) Value     { return Value{kind: KindInt64, i: v} }
func UInt32(v uint32) Value   { return Value{kind: KindUInt32, u: uint64(v)} }
func UInt64(v uint64) Value   { return Value{kind: KindUInt64, u: v} }
func Float32(v float32) Value { return Value{kind: KindFloat32, f: float64(v)} }
func Float64(v float64) Value { return Value{kind: KindFloat64, f: v} }
func String(v string) Value   { return Value{kind: KindString, s: v} }

// Bytes wraps a byte slice. The slice is not copied; callers must not mutate
// it after handing it to the protocol.
func Bytes(v []byte) Value { return Value{kind: KindBytes, raw: v} }

// Kind returns the value's type tag.
func (v Value) Kind() ParamKind { return v.kind }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsInt32() (int32, bool)     { return int32(v.i), v.kind == KindInt32 }
func (v Value) AsInt64() (int64, bool)     { return v.i, v.kind == KindInt64 }
func (v Value) AsUInt32() (uint32, bool)   { return uint32(v.u), v.kind == KindUInt32 }
func (v Value) AsUInt64() (uint64, bool)   { return v.u, v.kind == KindUInt64 }
func (v Value) AsFloat32() (float32, bool) { return float32(v.f), v.kind == KindFloat32 }
func (v Value) AsFloat64() (float64, bool) { return v.f, v.kind == KindFloat64 }
func (v Value) AsString() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) AsBytes() ([]byte, bool)    { return v.raw, v.kind == KindBytes }

// Equal reports whether two values have the same tag and payload. Float
// comparison is bitwise so NaN round-trips compare equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindVoid:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt32, KindInt64:
		return v.i == o.i
	case KindUInt32, KindUInt64:
		return v.u == o.u
	case KindFloat32, KindFloat64:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case KindString:
		return v.s == o.s
	case KindBytes:
		if len(v.raw) != len(o.raw) {
			return false
		}
		for i := range v.raw {
			if v.raw[i] != o.raw[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindVoid:
		return "void"
	case KindBool:
		return fmt.Sprintf("bool(%v)", v.b)
	case KindInt32, KindInt64:
		return fmt.Sprintf("%s(%d)", v.kind, v.i)
	case KindUInt32, KindUInt64:
		return fmt.Sprintf("%s(%d)", v.kind, v.u)
	case KindFloat32, KindFloat64:
		return fmt.Sprintf("%s(%g)", v.kind, v.f)
	case KindString:
		return fmt.Sprintf("string(%q)", v.s)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.raw))
	default:
		return v.kind.String()
	}
}

// Values encode as a two-element CBOR array [kind, payload] so the tag
// travels with the payload and the decoder can reject mismatches.

// MarshalCBOR implements cbor.Marshaler.
func (v Value) MarshalCBOR() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindVoid:
		payload = nil
	case KindBool:
		payload = v.b
	case KindInt32:
		payload = int32(v.i)
	case KindInt64:
		payload = v.i
	case KindUInt32:
		payload = uint32(v.u)
	case KindUInt64:
		payload = v.u
	case KindFloat32:
		payload = float32(v.f)
	case KindFloat64:
		payload = v.f
	case KindString:
		payload = v.s
	case KindBytes:
		payload = v.raw
	default:
		return nil, fmt.Errorf("guestcall: cannot encode invalid value kind %d", v.kind)
	}
	return Marshal([2]any{uint8(v.kind), payload})
}

// UnmarshalCBOR implements cbor.Unmarshaler. Any byte sequence that does not
// conform to the [kind, payload] shape yields a DecodeError, never a panic.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var pair [2]cbor.RawMessage
	if err := Unmarshal(data, &pair); err != nil {
		return &DecodeError{Reason: "value is not a [kind, payload] pair", Err: err}
	}
	var rawKind uint8
	if err := Unmarshal(pair[0], &rawKind); err != nil {
		return &DecodeError{Reason: "value kind tag is not an integer", Err: err}
	}
	kind := ParamKind(rawKind)
	if !kind.Valid() {
		return &DecodeError{Reason: fmt.Sprintf("unknown value kind tag %d", rawKind)}
	}
	decoded := Value{kind: kind}
	var err error
	switch kind {
	case KindVoid:
		// Payload ignored; void carries nothing.
	case KindBool:
		err = Unmarshal(pair[1], &decoded.b)
	case KindInt32:
		var x int32
		err = Unmarshal(pair[1], &x)
		decoded.i = int64(x)
	case KindInt64:
		err = Unmarshal(pair[1], &decoded.i)
	case KindUInt32:
		var x uint32
		err = Unmarshal(pair[1], &x)
		decoded.u = uint64(x)
	case KindUInt64:
		err = Unmarshal(pair[1], &decoded.u)
	case KindFloat32:
		var x float32
		err = Unmarshal(pair[1], &x)
		decoded.f = float64(x)
	case KindFloat64:
		err = Unmarshal(pair[1], &decoded.f)
	case KindString:
		err = Unmarshal(pair[1], &decoded.s)
	case KindBytes:
		err = Unmarshal(pair[1], &decoded.raw)
	}
	if err != nil {
		return &DecodeError{Reason: fmt.Sprintf("payload does not decode as %s", kind), Err: err}
	}
	*v = decoded
	return nil
}
