package hypervisor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/mem"
)

// GuestProgram is an in-process stand-in for a guest binary, used by the
// fake backend. Instead of machine code in the code region, the "guest" is
// Go code that talks to the same shared regions and signals the host through
// the same port traps, so the dispatch and protocol layers above the driver
// run unmodified.
//
// The outb callback blocks until the host resumes the vCPU, exactly like a
// hardware port trap would.
type GuestProgram interface {
	// Entry runs the guest initialization path: set up the runtime, publish
	// the function table, install the dispatch address, then return. Return
	// translates to a halt.
	Entry(shared *mem.SharedMemory, seed uint64, outb func(port uint16, data []byte)) error

	// Dispatch handles one inbound call already framed in the input data
	// region and leaves the result in the output data region.
	Dispatch(shared *mem.SharedMemory, outb func(port uint16, data []byte)) error

	// DispatchAddr is the pseudo-address the program publishes as its
	// dispatch pointer. The driver uses it to tell an initial entry from a
	// dispatch resume.
	DispatchAddr() uint64

	// Stop asks the program to unwind promptly. The driver calls it when it
	// abandons a run; Close blocks until the program goroutine has exited,
	// so a program that ignores Stop delays teardown.
	Stop()
}

// errProgramStopped aborts a parked program goroutine when the driver
// abandons the current run.
var errProgramStopped = errors.New("hypervisor: fake program stopped")

type fakeDriver struct {
	program GuestProgram

	shared *mem.SharedMemory
	base   uint64
	regs   Registers

	// The program runs on its own goroutine and rendezvous with Run through
	// these. quit is replaced per program run; closing it abandons the
	// goroutine at its next trap.
	exitCh   chan Exit
	resumeCh chan struct{}
	kickCh   chan struct{}
	quit     chan struct{}
	done     chan struct{}
	active   bool

	interrupt *interruptHandle
	closed    bool
}

// NewFake creates a driver that hosts program in-process. It is always
// available and needs no hypervisor capability.
func NewFake(program GuestProgram) Driver {
	d := &fakeDriver{
		program:  program,
		exitCh:   make(chan Exit),
		resumeCh: make(chan struct{}),
		kickCh:   make(chan struct{}, 1),
	}
	d.interrupt = newInterruptHandle(func(uint64) {
		select {
		case d.kickCh <- struct{}{}:
		default:
		}
	})
	recordDriverCreate(BackendFake)
	return d
}

func (d *fakeDriver) checkOpen() {
	if d.closed {
		panic("hypervisor: fake driver used after Close")
	}
}

func (d *fakeDriver) MapMemory(shared *mem.SharedMemory, base uint64) error {
	d.checkOpen()
	for _, r := range shared.Layout().Regions() {
		if r.IsGuard() {
			continue
		}
		recordMapOperation()
	}
	d.shared = shared
	d.base = base
	return nil
}

func (d *fakeDriver) SetEntry(regs Registers) error {
	d.checkOpen()
	d.abandon()
	d.regs = regs
	if d.regs.RFLAGS == 0 {
		d.regs.RFLAGS = 0x2
	}
	return nil
}

func (d *fakeDriver) Registers() (Registers, error) {
	d.checkOpen()
	return d.regs, nil
}

// release reclaims the current program goroutine after a terminal exit: it
// has either returned already (halt) or is parked in its final trap, which
// the closed quit channel unwinds. Waiting for it here means the goroutine
// can no longer touch guest memory once the exit is reported, so the host is
// free to restore a snapshot or unmap.
func (d *fakeDriver) release() {
	if d.active {
		close(d.quit)
		<-d.done
		d.active = false
	}
}

// abandon additionally fires the program's Stop hook, for runs cut short
// while the program may be mid-computation rather than parked in a trap.
func (d *fakeDriver) abandon() {
	if d.active {
		d.program.Stop()
	}
	d.release()
}

func (d *fakeDriver) Run() (Exit, error) {
	d.checkOpen()
	if d.interrupt.cancelRequested() {
		d.interrupt.clearCancel()
		recordCancellation()
		return ExitCancelled{}, nil
	}

	if !d.active {
		d.start()
	} else {
		d.resumeCh <- struct{}{}
	}
	recordRun()

	d.interrupt.enterRun(0)
	defer d.interrupt.leaveRun()
	for {
		select {
		case exit := <-d.exitCh:
			switch exit.(type) {
			case ExitHalt, ExitAbort, ExitFault:
				d.release()
			}
			recordExit(exit)
			return exit, nil
		case <-d.kickCh:
			// Cancellation landed while the program is between traps. The
			// goroutine keeps running until its next trap, where the closed
			// quit channel stops it.
			if d.interrupt.cancelRequested() {
				d.interrupt.clearCancel()
				recordCancellation()
				d.abandon()
				return ExitCancelled{}, nil
			}
		}
	}
}

// start launches the program goroutine for the current register file: the
// layout entry point runs Entry, the published dispatch address runs
// Dispatch.
func (d *fakeDriver) start() {
	quit := make(chan struct{})
	done := make(chan struct{})
	d.quit = quit
	d.done = done
	d.active = true

	rip := d.regs.RIP
	seed := d.regs.RSI
	code := d.shared.Layout().Region(mem.RegionCode)
	entry := rip != d.program.DispatchAddr() &&
		rip >= d.base+code.Offset && rip < d.base+code.End()

	send := func(exit Exit) {
		select {
		case d.exitCh <- exit:
		case <-quit:
		}
	}
	outb := func(port uint16, data []byte) {
		send(d.translatePort(port, data))
		select {
		case <-d.resumeCh:
		case <-quit:
			panic(errProgramStopped)
		}
	}

	go func() {
		defer close(done)
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if err, ok := r.(error); ok && errors.Is(err, errProgramStopped) {
				return
			}
			// A panic that escaped the program's own runtime. Record it the
			// way a guest abort would so the host classifies it uniformly.
			msg := fmt.Sprint(r)
			d.shared.WritePanicContext(mem.PanicContext{Kind: mem.PanicCtxPanic, Message: msg})
			send(ExitAbort{Message: msg})
		}()

		var err error
		if entry {
			err = d.program.Entry(d.shared, seed, outb)
		} else {
			if rip != d.program.DispatchAddr() {
				send(ExitFault{Kind: FaultUnmappedAccess, Addr: rip})
				return
			}
			err = d.program.Dispatch(d.shared, outb)
		}
		if err != nil {
			msg := err.Error()
			d.shared.WritePanicContext(mem.PanicContext{Kind: mem.PanicCtxPanic, Message: msg})
			send(ExitAbort{Message: msg})
			return
		}
		send(ExitHalt{})
	}()
}

func (d *fakeDriver) translatePort(port uint16, data []byte) Exit {
	switch port {
	case guestcall.PortCallFunction:
		return ExitHostCall{}
	case guestcall.PortPrint:
		exit, err := decodePrint(d.shared)
		if err != nil {
			return ExitUnknown{Reason: err.Error()}
		}
		return exit
	case guestcall.PortAbort:
		return decodeAbort(d.shared, data)
	case guestcall.PortFault:
		if len(data) < 12 {
			return ExitUnknown{Reason: "short fault descriptor"}
		}
		vector := binary.LittleEndian.Uint32(data)
		addr := binary.LittleEndian.Uint64(data[4:])
		if vector == 14 {
			// Simulated page faults go through the same guard-page
			// classification as real unmapped-GPA exits.
			return classifyUnmapped(d.shared, d.base, addr)
		}
		return ExitFault{Kind: FaultKindFromVector(vector), Addr: addr}
	default:
		return ExitUnknown{Reason: fmt.Sprintf("write to unhandled port 0x%x", port)}
	}
}

func (d *fakeDriver) InterruptHandle() InterruptHandle { return d.interrupt }

func (d *fakeDriver) Backend() Backend { return BackendFake }

func (d *fakeDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.abandon()
	d.interrupt.markDropped()
	recordDriverClose(BackendFake)
	return nil
}
