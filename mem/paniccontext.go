package mem

import (
	"encoding/binary"
)

// The panic-context block records why the guest stopped abnormally. The
// guest runtime writes it before halting on a panic or unhandled fault; the
// host reads it when classifying the exit. Layout, little-endian:
//
//	u32 kind  (none / panic / fault)
//	u32 code  (abort code or fault vector)
//	u64 addr  (faulting address, zero for panics)
//	u32 len   (message length)
//	...       message bytes
const (
	PanicCtxNone  uint32 = 0
	PanicCtxPanic uint32 = 1
	PanicCtxFault uint32 = 2
)

const panicCtxHeader = 4 + 4 + 8 + 4

// PanicContext is the decoded block.
type PanicContext struct {
	Kind    uint32
	Code    uint32
	Addr    uint64
	Message string
}

// WritePanicContext records a panic or fault descriptor, truncating the
// message to the block's capacity.
func (m *SharedMemory) WritePanicContext(ctx PanicContext) {
	block := m.RegionBytes(RegionPanicContext)
	msg := ctx.Message
	if max := len(block) - panicCtxHeader; len(msg) > max {
		msg = msg[:max]
	}
	binary.LittleEndian.PutUint32(block[0:], ctx.Kind)
	binary.LittleEndian.PutUint32(block[4:], ctx.Code)
	binary.LittleEndian.PutUint64(block[8:], ctx.Addr)
	binary.LittleEndian.PutUint32(block[16:], uint32(len(msg)))
	copy(block[panicCtxHeader:], msg)
}

// ReadPanicContext decodes the block. A corrupt length is clamped rather
// than trusted.
func (m *SharedMemory) ReadPanicContext() PanicContext {
	block := m.RegionBytes(RegionPanicContext)
	n := binary.LittleEndian.Uint32(block[16:])
	if max := uint32(len(block) - panicCtxHeader); n > max {
		n = max
	}
	return PanicContext{
		Kind:    binary.LittleEndian.Uint32(block[0:]),
		Code:    binary.LittleEndian.Uint32(block[4:]),
		Addr:    binary.LittleEndian.Uint64(block[8:]),
		Message: string(block[panicCtxHeader : panicCtxHeader+int(n)]),
	}
}

// ClearPanicContext resets the block to the none state.
func (m *SharedMemory) ClearPanicContext() {
	block := m.RegionBytes(RegionPanicContext)
	for i := range block[:panicCtxHeader] {
		block[i] = 0
	}
}
