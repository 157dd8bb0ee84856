package guestcall

// I/O port numbers the guest writes to signal the host. An outb to one of
// these is the controlled trap that produces a VM exit; the port selects the
// action and any payload travels through the shared regions, since a port
// write itself carries at most four bytes.
const (
	// PortPrint requests console output. The string is framed in the output
	// data region.
	PortPrint uint16 = 99

	// PortCallFunction requests a host function call. The call envelope is
	// framed in the output data region.
	PortCallFunction uint16 = 101

	// PortAbort reports a guest panic. The panic descriptor is in the
	// panic-context block; the outb payload carries the abort code.
	PortAbort uint16 = 102

	// PortFault is emitted only by the in-process test backend to surface a
	// simulated memory fault; hardware backends report faults as
	// unmapped-GPA exits instead. The payload is kind (u32) then address
	// (u64), little-endian.
	PortFault uint16 = 103
)
