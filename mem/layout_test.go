package mem

import (
	"testing"
)

func TestNewLayout(t *testing.T) {
	t.Run("regions are page aligned and non overlapping", func(t *testing.T) {
		l, err := NewLayout(LayoutConfig{StackSize: 1000, HeapSize: 5000}, 123)
		if err != nil {
			t.Fatalf("NewLayout returned error: %v", err)
		}
		var prevEnd uint64
		for _, r := range l.Regions() {
			if r.Offset%PageSize != 0 {
				t.Errorf("region %s offset 0x%x not page-aligned", r.Kind, r.Offset)
			}
			if r.Size%PageSize != 0 {
				t.Errorf("region %s size 0x%x not a page multiple", r.Kind, r.Size)
			}
			if r.Offset < prevEnd {
				t.Errorf("region %s at 0x%x overlaps previous region ending at 0x%x", r.Kind, r.Offset, prevEnd)
			}
			prevEnd = r.End()
		}
		if l.Total() != prevEnd {
			t.Errorf("Total() = %d, want %d", l.Total(), prevEnd)
		}
	})

	t.Run("stack and heap separated by a guard page", func(t *testing.T) {
		l, err := NewLayout(LayoutConfig{}, 4096)
		if err != nil {
			t.Fatalf("NewLayout returned error: %v", err)
		}
		stack := l.Region(RegionStack)
		guard := l.Region(RegionHeapGuard)
		heap := l.Region(RegionHeap)
		if guard.Offset != stack.End() {
			t.Errorf("heap guard at 0x%x, want 0x%x (stack end)", guard.Offset, stack.End())
		}
		if heap.Offset != guard.End() {
			t.Errorf("heap at 0x%x, want 0x%x (guard end)", heap.Offset, guard.End())
		}
		if !guard.IsGuard() {
			t.Error("heap guard region is mapped")
		}
	})

	t.Run("stack bracketed by guards", func(t *testing.T) {
		l, err := NewLayout(LayoutConfig{}, 4096)
		if err != nil {
			t.Fatalf("NewLayout returned error: %v", err)
		}
		stack := l.Region(RegionStack)
		below := l.Region(RegionStackGuard)
		above := l.Region(RegionHeapGuard)
		if below.End() != stack.Offset || !below.IsGuard() {
			t.Error("no guard page immediately below the stack")
		}
		if above.Offset != stack.End() || !above.IsGuard() {
			t.Error("no guard page immediately above the stack")
		}
	})

	t.Run("total size cap enforced", func(t *testing.T) {
		_, err := NewLayout(LayoutConfig{HeapSize: 1 << 20, MaxTotalSize: 1 << 19}, 4096)
		if err == nil {
			t.Fatal("expected error for layout exceeding MaxTotalSize")
		}
	})

	t.Run("empty image rejected", func(t *testing.T) {
		if _, err := NewLayout(LayoutConfig{}, 0); err == nil {
			t.Fatal("expected error for empty image")
		}
	})

	t.Run("entry point and stack pointer", func(t *testing.T) {
		l, err := NewLayout(LayoutConfig{}, 4096)
		if err != nil {
			t.Fatalf("NewLayout returned error: %v", err)
		}
		if got := l.EntryPoint(0x40); got != GuestBase+l.Region(RegionCode).Offset+0x40 {
			t.Errorf("EntryPoint(0x40) = 0x%x", got)
		}
		if got := l.StackPointer(); got != GuestBase+l.Region(RegionStack).End() {
			t.Errorf("StackPointer() = 0x%x", got)
		}
	})

	t.Run("RegionAt resolves offsets", func(t *testing.T) {
		l, err := NewLayout(LayoutConfig{}, 4096)
		if err != nil {
			t.Fatalf("NewLayout returned error: %v", err)
		}
		stack := l.Region(RegionStack)
		if r, ok := l.RegionAt(stack.Offset + 1); !ok || r.Kind != RegionStack {
			t.Errorf("RegionAt inside stack = %v, %v", r.Kind, ok)
		}
		if _, ok := l.RegionAt(l.Total()); ok {
			t.Error("RegionAt past the end resolved to a region")
		}
	})
}
