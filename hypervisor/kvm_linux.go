//go:build linux

package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/mem"
)

// kvmDriver drives one KVM virtual machine with a single vCPU.
type kvmDriver struct {
	sysFd  int
	vmFd   int
	vcpuFd int
	run    []byte // mmapped kvm_run

	shared *mem.SharedMemory
	base   uint64
	slots  uint32

	interrupt *interruptHandle
	closed    bool
}

func newKVMDriver() (Driver, error) {
	sysFd, err := unix.Open(kvmDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &ErrUnavailable{Backend: BackendKVM, Reason: fmt.Sprintf("opening %s: %v", kvmDevice, err)}
	}
	version, err := kvmIoctl(sysFd, kvmGetAPIVersion, 0)
	if err != nil || version != kvmAPIVersion {
		unix.Close(sysFd)
		return nil, &ErrUnavailable{Backend: BackendKVM, Reason: fmt.Sprintf("API version %d (err %v), need %d", version, err, kvmAPIVersion)}
	}
	vmFd, err := kvmIoctl(sysFd, kvmCreateVM, 0)
	if err != nil {
		unix.Close(sysFd)
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_VM: %w", err)
	}
	vcpuFd, err := kvmIoctl(int(vmFd), kvmCreateVCPU, 0)
	if err != nil {
		unix.Close(int(vmFd))
		unix.Close(sysFd)
		return nil, fmt.Errorf("hypervisor: KVM_CREATE_VCPU: %w", err)
	}
	mmapSize, err := kvmIoctl(sysFd, kvmGetVCPUMmapSize, 0)
	if err != nil {
		unix.Close(int(vcpuFd))
		unix.Close(int(vmFd))
		unix.Close(sysFd)
		return nil, fmt.Errorf("hypervisor: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	runBuf, err := unix.Mmap(int(vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(vcpuFd))
		unix.Close(int(vmFd))
		unix.Close(sysFd)
		return nil, fmt.Errorf("hypervisor: mapping kvm_run: %w", err)
	}

	d := &kvmDriver{
		sysFd:     sysFd,
		vmFd:      int(vmFd),
		vcpuFd:    int(vcpuFd),
		run:       runBuf,
		interrupt: newInterruptHandle(sendInterruptSignal),
	}
	recordDriverCreate(BackendKVM)
	return d, nil
}

func (d *kvmDriver) checkOpen() {
	if d.closed {
		panic("hypervisor: kvm driver used after Close")
	}
}

func (d *kvmDriver) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&d.run[0]))
}

func (d *kvmDriver) MapMemory(shared *mem.SharedMemory, base uint64) error {
	d.checkOpen()
	buf := shared.Bytes()
	for _, r := range shared.Layout().Regions() {
		if r.IsGuard() {
			// Left unmapped: any access exits with KVM_EXIT_MMIO.
			continue
		}
		var flags uint32
		if r.Perm&mem.PermWrite == 0 {
			flags = kvmMemReadonly
		}
		region := kvmUserMemoryRegion{
			slot:          d.slots,
			flags:         flags,
			guestPhysAddr: base + r.Offset,
			memorySize:    r.Size,
			userspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[r.Offset]))),
		}
		if _, err := kvmIoctlPtr(d.vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
			return fmt.Errorf("hypervisor: mapping %s region at 0x%x: %w", r.Kind, base+r.Offset, err)
		}
		d.slots++
		recordMapOperation()
	}
	d.shared = shared
	d.base = base
	return d.setLongMode()
}

// setLongMode puts the vCPU directly into 64-bit mode: flat 4-level paging
// rooted at the layout's page tables, flat code and data segments.
func (d *kvmDriver) setLongMode() error {
	var sregs kvmSregs
	if _, err := kvmIoctlPtr(d.vcpuFd, kvmGetSregs, unsafe.Pointer(&sregs)); err != nil {
		return fmt.Errorf("hypervisor: KVM_GET_SREGS: %w", err)
	}
	code := kvmSegment{
		base: 0, limit: 0xffffffff, selector: 0x8,
		typ: 0xb, present: 1, s: 1, l: 1, g: 1,
	}
	data := kvmSegment{
		base: 0, limit: 0xffffffff, selector: 0x10,
		typ: 0x3, present: 1, s: 1, db: 1, g: 1,
	}
	sregs.cs = code
	sregs.ds, sregs.es, sregs.fs, sregs.gs, sregs.ss = data, data, data, data, data
	sregs.cr3 = d.shared.PageTableBase()
	sregs.cr4 = longModeCR4
	sregs.cr0 = longModeCR0
	sregs.efer = longModeEFER
	if _, err := kvmIoctlPtr(d.vcpuFd, kvmSetSregs, unsafe.Pointer(&sregs)); err != nil {
		return fmt.Errorf("hypervisor: KVM_SET_SREGS: %w", err)
	}
	return nil
}

func (d *kvmDriver) SetEntry(regs Registers) error {
	d.checkOpen()
	kr := kvmRegs{
		rax: regs.RAX, rbx: regs.RBX, rcx: regs.RCX, rdx: regs.RDX,
		rsi: regs.RSI, rdi: regs.RDI, rsp: regs.RSP, rbp: regs.RBP,
		r8: regs.R8, r9: regs.R9, r10: regs.R10, r11: regs.R11,
		r12: regs.R12, r13: regs.R13, r14: regs.R14, r15: regs.R15,
		rip: regs.RIP, rflags: regs.RFLAGS,
	}
	if kr.rflags == 0 {
		kr.rflags = 0x2
	}
	if _, err := kvmIoctlPtr(d.vcpuFd, kvmSetRegs, unsafe.Pointer(&kr)); err != nil {
		return fmt.Errorf("hypervisor: KVM_SET_REGS: %w", err)
	}
	return nil
}

func (d *kvmDriver) Registers() (Registers, error) {
	d.checkOpen()
	var kr kvmRegs
	if _, err := kvmIoctlPtr(d.vcpuFd, kvmGetRegs, unsafe.Pointer(&kr)); err != nil {
		return Registers{}, fmt.Errorf("hypervisor: KVM_GET_REGS: %w", err)
	}
	return Registers{
		RAX: kr.rax, RBX: kr.rbx, RCX: kr.rcx, RDX: kr.rdx,
		RSI: kr.rsi, RDI: kr.rdi, RSP: kr.rsp, RBP: kr.rbp,
		R8: kr.r8, R9: kr.r9, R10: kr.r10, R11: kr.r11,
		R12: kr.r12, R13: kr.r13, R14: kr.r14, R15: kr.r15,
		RIP: kr.rip, RFLAGS: kr.rflags,
	}, nil
}

func (d *kvmDriver) Run() (Exit, error) {
	d.checkOpen()
	if d.interrupt.cancelRequested() {
		d.interrupt.clearCancel()
		recordCancellation()
		return ExitCancelled{}, nil
	}

	d.interrupt.enterRun(uint64(unix.Gettid()))
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.vcpuFd), kvmRun, 0)
	d.interrupt.leaveRun()
	recordRun()

	if errno == unix.EINTR || errno == unix.EAGAIN {
		if d.interrupt.cancelRequested() {
			d.interrupt.clearCancel()
			recordCancellation()
			return ExitCancelled{}, nil
		}
		return ExitRetry{}, nil
	}
	if errno != 0 {
		return nil, fmt.Errorf("hypervisor: KVM_RUN: %w", errno)
	}

	run := d.runData()
	exit := d.translateExit(run)
	recordExit(exit)
	return exit, nil
}

func (d *kvmDriver) translateExit(run *kvmRunData) Exit {
	switch run.exitReason {
	case kvmExitIO:
		direction, size, port, count, dataOffset := run.io()
		if direction != kvmIODirectionOut {
			return ExitUnknown{Reason: fmt.Sprintf("unexpected IO read on port 0x%x", port)}
		}
		n := int(size) * int(count)
		if dataOffset == 0 || int(dataOffset)+n > len(d.run) {
			return ExitUnknown{Reason: "IO exit with invalid data offset"}
		}
		data := d.run[dataOffset : int(dataOffset)+n]
		return d.translatePort(port, data)
	case kvmExitHLT:
		return ExitHalt{}
	case kvmExitMMIO:
		return classifyUnmapped(d.shared, d.base, run.mmioPhysAddr())
	case kvmExitShutdown:
		// Triple fault: the guest took an exception while delivering one.
		return ExitFault{Kind: FaultDoubleFault}
	case kvmExitIntr:
		if d.interrupt.cancelRequested() {
			d.interrupt.clearCancel()
			recordCancellation()
			return ExitCancelled{}
		}
		return ExitRetry{}
	case kvmExitFailEntry, kvmExitInternalError:
		return ExitUnknown{Reason: fmt.Sprintf("kvm exit reason %d", run.exitReason)}
	default:
		return ExitUnknown{Reason: fmt.Sprintf("kvm exit reason %d", run.exitReason)}
	}
}

func (d *kvmDriver) translatePort(port uint16, data []byte) Exit {
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
	default:
		return ExitUnknown{Reason: fmt.Sprintf("write to unhandled port 0x%x", port)}
	}
}

func (d *kvmDriver) InterruptHandle() InterruptHandle { return d.interrupt }

func (d *kvmDriver) Backend() Backend { return BackendKVM }

func (d *kvmDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.interrupt.markDropped()
	var firstErr error
	if err := unix.Munmap(d.run); err != nil {
		firstErr = err
	}
	for _, fd := range []int{d.vcpuFd, d.vmFd, d.sysFd} {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	recordDriverClose(BackendKVM)
	return firstErr
}

func kvmIoctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func kvmIoctlPtr(fd int, req uintptr, arg unsafe.Pointer) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// sendInterruptSignal kicks a vCPU thread out of its blocking run ioctl.
// SIGURG is used because the Go runtime keeps it unblocked on every thread
// for preemption, and a spurious one is harmless: the run loop retries.
func sendInterruptSignal(tid uint64) {
	_ = unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG)
}
