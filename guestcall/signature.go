package guestcall

// Signature describes one registered function: its name, ordered parameter
// tags, and return tag. Registries on both sides of the boundary are maps
// from name to Signature.
type Signature struct {
	Name   string      `cbor:"1,keyasint"`
	Params []ParamKind `cbor:"2,keyasint,omitempty"`
	Return ParamKind   `cbor:"3,keyasint"`
}

// Check validates a call envelope against the signature. It returns a
// *TypeMismatchError on the first divergence and nil when the call conforms.
// The callable is never invoked on a mismatch.
func (s *Signature) Check(call *FunctionCall) error {
	if len(call.Params) != len(s.Params) {
		return &TypeMismatchError{
			Name:      s.Name,
			WantCount: len(s.Params),
			GotCount:  len(call.Params),
		}
	}
	for i, p := range call.Params {
		if p.Kind() != s.Params[i] {
			return &TypeMismatchError{Name: s.Name, Index: i, Want: s.Params[i], Got: p.Kind()}
		}
	}
	if call.Return != s.Return {
		return &TypeMismatchError{Name: s.Name, Index: -1, Want: s.Return, Got: call.Return}
	}
	return nil
}

// EncodeSignatures serializes a function table, used by the guest runtime to
// publish its registry to the host during evolution.
func EncodeSignatures(sigs []Signature) ([]byte, error) {
	return Marshal(sigs)
}

// DecodeSignatures parses a published function table.
func DecodeSignatures(data []byte) ([]Signature, error) {
	var sigs []Signature
	if err := Unmarshal(data, &sigs); err != nil {
		return nil, &DecodeError{Reason: "malformed function table", Err: err}
	}
	for _, s := range sigs {
		if s.Name == "" || len(s.Name) > MaxNameLen {
			return nil, &DecodeError{Reason: "function table entry has invalid name"}
		}
		if !s.Return.Valid() {
			return nil, &DecodeError{Reason: "function table entry has invalid return tag"}
		}
		for _, p := range s.Params {
			if !p.Valid() || p == KindVoid {
				return nil, &DecodeError{Reason: "function table entry has invalid parameter tag"}
			}
		}
	}
	return sigs, nil
}
