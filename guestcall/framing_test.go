package guestcall

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFraming(t *testing.T) {
	region := make([]byte, 64)

	t.Run("empty region reads as no message", func(t *testing.T) {
		payload, err := ReadMessage(region)
		require.NoError(t, err)
		assert.Nil(t, payload)
	})

	t.Run("write then read", func(t *testing.T) {
		require.NoError(t, WriteMessage(region, []byte("abc")))
		payload, err := ReadMessage(region)
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), payload)
	})

	t.Run("clear removes the message", func(t *testing.T) {
		ClearMessage(region)
		payload, err := ReadMessage(region)
		require.NoError(t, err)
		assert.Nil(t, payload)
		for i, b := range region {
			assert.Zero(t, b, "byte %d not cleared", i)
		}
	})

	t.Run("oversized write rejected", func(t *testing.T) {
		err := WriteMessage(region, make([]byte, len(region)))
		require.Error(t, err)
	})

	t.Run("corrupt length classifies as decode error", func(t *testing.T) {
		binary.LittleEndian.PutUint32(region, 1<<30)
		_, err := ReadMessage(region)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		ClearMessage(region)
	})

	t.Run("region too small for header", func(t *testing.T) {
		_, err := ReadMessage(make([]byte, 2))
		require.Error(t, err)
		require.Error(t, WriteMessage(make([]byte, 2), nil))
	})
}
