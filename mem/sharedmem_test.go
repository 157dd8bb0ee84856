package mem

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func newTestMemory(t *testing.T, image []byte) *SharedMemory {
	t.Helper()
	l, err := NewLayout(LayoutConfig{}, len(image))
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	m, err := NewSharedMemory(l, image)
	if err != nil {
		t.Fatalf("NewSharedMemory: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSharedMemory(t *testing.T) {
	image := []byte{0x90, 0x90, 0xf4} // nop; nop; hlt
	m := newTestMemory(t, image)

	t.Run("image loaded into code region", func(t *testing.T) {
		code := m.RegionBytes(RegionCode)
		if !bytes.Equal(code[:len(image)], image) {
			t.Errorf("code region starts with % x, want % x", code[:len(image)], image)
		}
	})

	t.Run("buffer is page aligned", func(t *testing.T) {
		if uint64(len(m.Bytes()))%PageSize != 0 {
			t.Errorf("buffer length %d not a page multiple", len(m.Bytes()))
		}
	})

	t.Run("bounded reads and writes", func(t *testing.T) {
		heap := m.Layout().Region(RegionHeap)
		if err := m.WriteAt(heap.Offset, []byte("abc")); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
		got, err := m.ReadAt(heap.Offset, 3)
		if err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		if string(got) != "abc" {
			t.Errorf("ReadAt = %q", got)
		}
		if err := m.WriteAt(m.Layout().Total()-1, []byte("xy")); err == nil {
			t.Error("out-of-bounds write accepted")
		}
		if _, err := m.ReadAt(m.Layout().Total(), 1); err == nil {
			t.Error("out-of-bounds read accepted")
		}
	})

	t.Run("page tables identity map with 2MiB pages", func(t *testing.T) {
		pt := m.RegionBytes(RegionPageTables)
		pml4e := binary.LittleEndian.Uint64(pt)
		if pml4e&ptePresent == 0 {
			t.Fatal("PML4 entry not present")
		}
		pde := binary.LittleEndian.Uint64(pt[2*PageSize:])
		if pde&ptePageSize == 0 {
			t.Error("first PD entry is not a 2MiB page")
		}
		if pde>>21<<21 != 0 {
			t.Errorf("first PD entry maps 0x%x, want 0x0", pde>>21<<21)
		}
	})
}

func TestPEB(t *testing.T) {
	m := newTestMemory(t, []byte{0xf4})
	m.WritePEB(0xdeadbeef)

	peb := m.ReadPEB()
	l := m.Layout()
	if peb.Seed != 0xdeadbeef {
		t.Errorf("Seed = 0x%x", peb.Seed)
	}
	if peb.PageSize != PageSize {
		t.Errorf("PageSize = %d", peb.PageSize)
	}
	if peb.StackTop != GuestBase+l.Region(RegionStack).End() {
		t.Errorf("StackTop = 0x%x", peb.StackTop)
	}
	if peb.InputBase != GuestBase+l.Region(RegionInputData).Offset {
		t.Errorf("InputBase = 0x%x", peb.InputBase)
	}
	if peb.DispatchPtr != 0 {
		t.Errorf("DispatchPtr = 0x%x before guest init, want 0", peb.DispatchPtr)
	}

	m.SetDispatchPtr(0x1234)
	if m.DispatchPtr() != 0x1234 {
		t.Errorf("DispatchPtr = 0x%x after set", m.DispatchPtr())
	}
}

func TestSnapshotRestore(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "raw"
		if compress {
			name = "lz4"
		}
		t.Run(name, func(t *testing.T) {
			m := newTestMemory(t, []byte{0xf4})
			m.WritePEB(1)
			heap := m.Layout().Region(RegionHeap)
			if err := m.WriteAt(heap.Offset, []byte("before")); err != nil {
				t.Fatal(err)
			}

			snap, err := m.Snapshot(compress)
			if err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
			want := m.RegionChecksum(RegionHeap)

			// Scribble over heap and stack, then restore.
			if err := m.WriteAt(heap.Offset, []byte("mutated!")); err != nil {
				t.Fatal(err)
			}
			stack := m.Layout().Region(RegionStack)
			if err := m.WriteAt(stack.Offset, bytes.Repeat([]byte{0xaa}, 128)); err != nil {
				t.Fatal(err)
			}

			if err := m.Restore(snap); err != nil {
				t.Fatalf("Restore: %v", err)
			}
			if got := m.RegionChecksum(RegionHeap); got != want {
				t.Error("heap differs from snapshot after restore")
			}
			data, _ := m.ReadAt(heap.Offset, 6)
			if string(data) != "before" {
				t.Errorf("heap content = %q after restore", data)
			}
		})
	}

	t.Run("size mismatch rejected", func(t *testing.T) {
		a := newTestMemory(t, []byte{0xf4})
		b := newTestMemory(t, make([]byte, 3*PageSize))
		snap, err := a.Snapshot(false)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.Restore(snap); err == nil {
			t.Error("restore accepted a snapshot of a different layout")
		}
	})

	t.Run("compressed snapshot is smaller for zero-heavy memory", func(t *testing.T) {
		m := newTestMemory(t, []byte{0xf4})
		snap, err := m.Snapshot(true)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Size() >= len(m.Bytes()) {
			t.Errorf("compressed snapshot of %d bytes not smaller than %d bytes of memory", snap.Size(), len(m.Bytes()))
		}
	})
}
