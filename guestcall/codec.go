package guestcall

import (
	"github.com/fxamacker/cbor/v2"
)

// The wire format is CBOR with Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length items.
// Deterministic bytes keep the shared-region contents reproducible, which
// the snapshot checksum tests rely on.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	// Core Deterministic Encoding rewrites every NaN to the half-precision
	// quiet NaN, which would change float bits across the boundary. Floats
	// must round-trip bit-exact, so NaNs are encoded as they are.
	opts.NaNConvert = cbor.NaNConvertNone

	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("guestcall: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// The envelope regions are attacker-controlled from the host's point
		// of view; keep the decoder's resource limits tight.
		MaxArrayElements: maxParams + 8,
		MaxNestedLevels:  8,
	}.DecMode()
	if err != nil {
		panic("guestcall: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with the protocol's deterministic encoder.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
