// Package hypervisor abstracts over the virtualization backends that create
// and drive a sandbox's micro-VM: KVM and the Microsoft hypervisor (mshv) on
// Linux, the Windows Hypervisor Platform on Windows, and an in-process fake
// used by tests and hypervisor-less CI.
//
// A Driver owns one partition with one vCPU. Backends differ only in the
// system calls they issue; they all translate low-level exits into the same
// Exit vocabulary, so the dispatcher above never sees backend detail. The
// three exits every backend must map identically are a trapped I/O-port
// write (the call-request signal), an access to an unmapped guard page
// (a fault), and a halt instruction.
//
// Drivers are not safe for concurrent use; one sandbox drives its driver
// from a single thread. Calling any method after Close is a programmer
// error and panics.
package hypervisor
