package guestcall

import (
	"encoding/binary"
	"fmt"
)

// Each envelope region holds at most one message, framed as a 4-byte
// little-endian length followed by the payload. A zero length means the
// region is empty. Strict request/response alternation means no locking is
// needed: exactly one side owns a region between traps.

const frameHeaderLen = 4

// WriteMessage frames payload into region, replacing any previous message.
func WriteMessage(region, payload []byte) error {
	if len(region) < frameHeaderLen {
		return fmt.Errorf("guestcall: region of %d bytes cannot hold a frame header", len(region))
	}
	if len(payload) > len(region)-frameHeaderLen {
		return fmt.Errorf("guestcall: message of %d bytes exceeds region capacity %d",
			len(payload), len(region)-frameHeaderLen)
	}
	binary.LittleEndian.PutUint32(region, uint32(len(payload)))
	copy(region[frameHeaderLen:], payload)
	return nil
}

// ReadMessage returns the framed payload, or nil if the region is empty. The
// returned slice aliases the region; callers decode before the next handoff.
// A length that overruns the region is a *DecodeError.
func ReadMessage(region []byte) ([]byte, error) {
	if len(region) < frameHeaderLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("region of %d bytes cannot hold a frame header", len(region))}
	}
	n := binary.LittleEndian.Uint32(region)
	if n == 0 {
		return nil, nil
	}
	if n > uint32(len(region)-frameHeaderLen) {
		return nil, &DecodeError{Reason: fmt.Sprintf("frame length %d overruns region of %d bytes", n, len(region))}
	}
	return region[frameHeaderLen : frameHeaderLen+int(n)], nil
}

// ClearMessage zeroes the frame so stale envelopes cannot be replayed after a
// handoff completes.
func ClearMessage(region []byte) {
	if len(region) < frameHeaderLen {
		return
	}
	n := binary.LittleEndian.Uint32(region)
	if n > uint32(len(region)-frameHeaderLen) {
		n = uint32(len(region) - frameHeaderLen)
	}
	for i := 0; i < frameHeaderLen+int(n); i++ {
		region[i] = 0
	}
}
