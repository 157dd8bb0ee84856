package guest

import (
	"encoding/binary"
	"fmt"

	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/mem"
)

// Abort codes carried in the outb payload alongside the panic descriptor.
const (
	AbortCodePanic uint32 = 1
	AbortCodeFault uint32 = 2
)

// x86 exception vectors accepted by RaiseFault.
const (
	VectorDivideByZero      uint32 = 0
	VectorInvalidOpcode     uint32 = 6
	VectorDoubleFault       uint32 = 8
	VectorStackSegment      uint32 = 12
	VectorGeneralProtection uint32 = 13
	VectorPageFault         uint32 = 14
)

// Abort reports an unrecoverable guest failure: it writes the panic
// descriptor and traps to the host, which ends the run. Abort does not
// return; the host never resumes an aborted vCPU.
func (rt *Runtime) Abort(code uint32, msg string) {
	rt.shared.WritePanicContext(mem.PanicContext{
		Kind:    mem.PanicCtxPanic,
		Code:    code,
		Message: msg,
	})
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], code)
	rt.outb(guestcall.PortAbort, payload[:])
	panic("guest: vCPU resumed after abort")
}

// RaiseFault simulates a hardware exception at addr. On real hardware the
// fault would surface as a VM exit; in-process it travels through the fault
// port so the driver can classify it the same way, guard pages included.
// RaiseFault does not return.
func (rt *Runtime) RaiseFault(vector uint32, addr uint64) {
	rt.shared.WritePanicContext(mem.PanicContext{
		Kind:    mem.PanicCtxFault,
		Code:    vector,
		Addr:    addr,
		Message: fmt.Sprintf("exception vector %d at 0x%x", vector, addr),
	})
	var desc [12]byte
	binary.LittleEndian.PutUint32(desc[:], vector)
	binary.LittleEndian.PutUint64(desc[4:], addr)
	rt.outb(guestcall.PortFault, desc[:])
	panic("guest: vCPU resumed after fault")
}

// StackGuardAddr returns an address inside the stack guard page, for guests
// exercising overflow detection.
func (rt *Runtime) StackGuardAddr() uint64 {
	guard := rt.shared.Layout().Region(mem.RegionStackGuard)
	return mem.GuestBase + guard.Offset + guard.Size/2
}
