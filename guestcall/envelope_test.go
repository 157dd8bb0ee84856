package guestcall

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueRoundTrip(t *testing.T) {
	values := []Value{
		Void(),
		Bool(true),
		Bool(false),
		Int32(-1),
		Int32(math.MaxInt32),
		Int64(math.MinInt64),
		UInt32(math.MaxUint32),
		UInt64(math.MaxUint64),
		Float32(3.5),
		Float64(math.Inf(-1)),
		Float64(math.NaN()),
		String(""),
		String("Hello, World!"),
		String("héllo \x00 wörld"),
		Bytes(nil),
		Bytes([]byte{0, 1, 2, 255}),
	}
	for _, v := range values {
		t.Run(v.String(), func(t *testing.T) {
			data, err := Marshal(v)
			require.NoError(t, err)
			var got Value
			require.NoError(t, Unmarshal(data, &got))
			assert.True(t, v.Equal(got), "round trip changed value: %s -> %s", v, got)
			assert.Equal(t, v.Kind(), got.Kind())
		})
	}
}

func TestFloatBitsSurviveEncoding(t *testing.T) {
	// A NaN with a payload the encoder must not canonicalize away.
	bits := uint64(0x7ff8deadbeef0001)
	v := Float64(math.Float64frombits(bits))

	data, err := Marshal(v)
	require.NoError(t, err)
	var got Value
	require.NoError(t, Unmarshal(data, &got))
	f, ok := got.AsFloat64()
	require.True(t, ok)
	assert.Equal(t, bits, math.Float64bits(f))
}

func TestValueDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", []byte{0x82}},
		{"not an array", []byte{0x01}},
		{"unknown kind tag", mustMarshal(t, [2]any{uint8(200), nil})},
		{"payload kind mismatch", mustMarshal(t, [2]any{uint8(KindInt32), "text"})},
		{"string where bytes expected", mustMarshal(t, [2]any{uint8(KindBool), 7})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Value
			err := Unmarshal(tt.data, &v)
			require.Error(t, err)
		})
	}
}

func TestFunctionCallRoundTrip(t *testing.T) {
	call := &FunctionCall{
		Name:   "PrintOutput",
		Params: []Value{String("Hello, World!"), Int32(42)},
		Return: KindInt32,
		Kind:   GuestFunction,
	}
	data, err := call.Encode()
	require.NoError(t, err)

	got, err := DecodeFunctionCall(data)
	require.NoError(t, err)
	assert.Equal(t, call.Name, got.Name)
	assert.Equal(t, call.Return, got.Return)
	assert.Equal(t, call.Kind, got.Kind)
	require.Len(t, got.Params, 2)
	assert.True(t, call.Params[0].Equal(got.Params[0]))
	assert.True(t, call.Params[1].Equal(got.Params[1]))
}

func TestFunctionCallValidation(t *testing.T) {
	longName := make([]byte, MaxNameLen+1)
	for i := range longName {
		longName[i] = 'a'
	}
	tests := []struct {
		name string
		call FunctionCall
	}{
		{"empty name", FunctionCall{Return: KindVoid, Kind: GuestFunction}},
		{"oversized name", FunctionCall{Name: string(longName), Return: KindVoid, Kind: GuestFunction}},
		{"bad kind", FunctionCall{Name: "f", Return: KindVoid, Kind: 9}},
		{"bad return tag", FunctionCall{Name: "f", Return: 99, Kind: GuestFunction}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.call.Encode()
			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)
		})
	}
}

func TestDecodeFunctionCallClassifiesGarbage(t *testing.T) {
	inputs := [][]byte{
		{},
		{0xff, 0xff, 0xff},
		[]byte("not cbor at all"),
		mustMarshal(t, "just a string"),
		mustMarshal(t, map[int]any{1: "f", 4: 200}), // invalid call kind
	}
	for _, data := range inputs {
		_, err := DecodeFunctionCall(data)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr, "input % x must classify as DecodeError", data)
	}
}

func TestCallResultRoundTrip(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		r := OKResult(UInt64(7))
		data, err := r.Encode()
		require.NoError(t, err)
		got, err := DecodeCallResult(data)
		require.NoError(t, err)
		assert.Equal(t, ResultOK, got.Code)
		assert.True(t, r.Value.Equal(got.Value))
	})
	t.Run("error", func(t *testing.T) {
		r := ErrResult(ResultNotFound, "no such function")
		data, err := r.Encode()
		require.NoError(t, err)
		got, err := DecodeCallResult(data)
		require.NoError(t, err)
		assert.Equal(t, ResultNotFound, got.Code)
		assert.Equal(t, "no such function", got.Message)
	})
	t.Run("unknown code rejected", func(t *testing.T) {
		data := mustMarshal(t, map[int]any{1: uint32(77)})
		_, err := DecodeCallResult(data)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
	})
}

func TestSignatureCheck(t *testing.T) {
	sig := &Signature{
		Name:   "Add",
		Params: []ParamKind{KindInt32, KindInt32},
		Return: KindInt32,
	}

	t.Run("conforming call", func(t *testing.T) {
		call := &FunctionCall{
			Name:   "Add",
			Params: []Value{Int32(1), Int32(2)},
			Return: KindInt32,
			Kind:   GuestFunction,
		}
		assert.NoError(t, sig.Check(call))
	})

	t.Run("wrong tag", func(t *testing.T) {
		call := &FunctionCall{
			Name:   "Add",
			Params: []Value{Int32(1), String("2")},
			Return: KindInt32,
			Kind:   GuestFunction,
		}
		var mismatch *TypeMismatchError
		require.ErrorAs(t, sig.Check(call), &mismatch)
		assert.Equal(t, 1, mismatch.Index)
		assert.Equal(t, KindInt32, mismatch.Want)
		assert.Equal(t, KindString, mismatch.Got)
	})

	t.Run("wrong arity", func(t *testing.T) {
		call := &FunctionCall{
			Name:   "Add",
			Params: []Value{Int32(1)},
			Return: KindInt32,
			Kind:   GuestFunction,
		}
		var mismatch *TypeMismatchError
		require.ErrorAs(t, sig.Check(call), &mismatch)
		assert.Equal(t, 2, mismatch.WantCount)
		assert.Equal(t, 1, mismatch.GotCount)
	})

	t.Run("wrong return tag", func(t *testing.T) {
		call := &FunctionCall{
			Name:   "Add",
			Params: []Value{Int32(1), Int32(2)},
			Return: KindInt64,
			Kind:   GuestFunction,
		}
		var mismatch *TypeMismatchError
		require.ErrorAs(t, sig.Check(call), &mismatch)
		assert.Equal(t, -1, mismatch.Index)
	})
}

func TestSignatureTableRoundTrip(t *testing.T) {
	sigs := []Signature{
		{Name: "PrintOutput", Params: []ParamKind{KindString}, Return: KindInt32},
		{Name: "Checksum", Return: KindUInt64},
	}
	data, err := EncodeSignatures(sigs)
	require.NoError(t, err)
	got, err := DecodeSignatures(data)
	require.NoError(t, err)
	assert.Equal(t, sigs, got)

	_, err = DecodeSignatures([]byte{0xde, 0xad})
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal %v: %v", v, err)
	}
	return data
}
