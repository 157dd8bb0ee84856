// Package mem defines and allocates the guest physical address space of a
// sandbox: the immutable region layout (code, stack, heap, call-data
// regions, PEB config block, guard pages), the page-aligned host buffer
// backing it, the guest's long-mode page tables, and whole-memory snapshots
// used by MultiUse sandbox resets.
package mem
