package mem

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Snapshot is a captured copy of the entire guest memory buffer, used to
// restore a MultiUse sandbox to its just-evolved state between calls.
// Restoration is always a whole-region copy, never an incremental diff.
//
// The copy may be LZ4-compressed at capture time; guest memories are mostly
// zero pages, so compression typically shrinks the snapshot by an order of
// magnitude at negligible capture cost.
type Snapshot struct {
	sum        [32]byte
	data       []byte
	rawLen     int
	compressed bool
}

// Snapshot captures the current guest memory contents.
func (m *SharedMemory) Snapshot(compress bool) (*Snapshot, error) {
	s := &Snapshot{
		sum:        blake3.Sum256(m.buf),
		rawLen:     len(m.buf),
		compressed: compress,
	}
	if !compress {
		s.data = make([]byte, len(m.buf))
		copy(s.data, m.buf)
		return s, nil
	}
	bound := lz4.CompressBlockBound(len(m.buf))
	dst := make([]byte, bound)
	var c lz4.Compressor
	n, err := c.CompressBlock(m.buf, dst)
	if err != nil {
		return nil, fmt.Errorf("mem: compressing snapshot: %w", err)
	}
	if n == 0 {
		// Incompressible; store raw.
		s.compressed = false
		s.data = make([]byte, len(m.buf))
		copy(s.data, m.buf)
		return s, nil
	}
	s.data = dst[:n:n]
	return s, nil
}

// Restore copies the snapshot back over guest memory wholesale and verifies
// the checksum recorded at capture.
func (m *SharedMemory) Restore(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("mem: nil snapshot")
	}
	if s.rawLen != len(m.buf) {
		return fmt.Errorf("mem: snapshot covers %d bytes, guest memory is %d", s.rawLen, len(m.buf))
	}
	if s.compressed {
		n, err := lz4.UncompressBlock(s.data, m.buf)
		if err != nil {
			return fmt.Errorf("mem: decompressing snapshot: %w", err)
		}
		if n != s.rawLen {
			return fmt.Errorf("mem: snapshot decompressed to %d bytes, expected %d", n, s.rawLen)
		}
	} else {
		copy(m.buf, s.data)
	}
	if got := blake3.Sum256(m.buf); got != s.sum {
		return fmt.Errorf("mem: snapshot checksum mismatch after restore")
	}
	return nil
}

// Checksum returns the blake3 digest of the snapshot's uncompressed
// contents.
func (s *Snapshot) Checksum() [32]byte { return s.sum }

// Size returns the stored (possibly compressed) snapshot size in bytes.
func (s *Snapshot) Size() int { return len(s.data) }

// RegionChecksum digests one sub-region of live guest memory. Tests use it
// to confirm that a restored sandbox is indistinguishable from a freshly
// evolved one.
func (m *SharedMemory) RegionChecksum(kind RegionKind) [32]byte {
	return blake3.Sum256(m.RegionBytes(kind))
}
