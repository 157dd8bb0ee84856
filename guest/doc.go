// Package guest implements the in-process guest runtime: the function
// registry, the dispatch loop answering host-initiated calls, and the
// outbound primitives (host calls, console output, aborts) a guest function
// can use.
//
// A Runtime is hosted by the fake hypervisor backend and speaks the same
// shared-region protocol a compiled guest binary would, so everything above
// the driver treats both identically.
package guest
