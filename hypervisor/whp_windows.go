//go:build windows

package hypervisor

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/mem"
)

// Windows Hypervisor Platform backend. WHP is a user-mode DLL surface over
// Hyper-V, so everything goes through winhvplatform.dll procs instead of
// device ioctls.
var (
	winhvplatform = windows.NewLazySystemDLL("winhvplatform.dll")

	procGetCapability           = winhvplatform.NewProc("WHvGetCapability")
	procCreatePartition         = winhvplatform.NewProc("WHvCreatePartition")
	procSetPartitionProperty    = winhvplatform.NewProc("WHvSetPartitionProperty")
	procSetupPartition          = winhvplatform.NewProc("WHvSetupPartition")
	procDeletePartition         = winhvplatform.NewProc("WHvDeletePartition")
	procCreateVirtualProcessor  = winhvplatform.NewProc("WHvCreateVirtualProcessor")
	procDeleteVirtualProcessor  = winhvplatform.NewProc("WHvDeleteVirtualProcessor")
	procMapGpaRange             = winhvplatform.NewProc("WHvMapGpaRange")
	procRunVirtualProcessor     = winhvplatform.NewProc("WHvRunVirtualProcessor")
	procCancelRunVirtualProc    = winhvplatform.NewProc("WHvCancelRunVirtualProcessor")
	procSetVirtualProcessorRegs = winhvplatform.NewProc("WHvSetVirtualProcessorRegisters")
	procGetVirtualProcessorRegs = winhvplatform.NewProc("WHvGetVirtualProcessorRegisters")
)

// WHV_CAPABILITY_CODE and WHV_PARTITION_PROPERTY_CODE values.
const (
	whpCapHypervisorPresent = 0x00000000
	whpPropProcessorCount   = 0x00001fff
)

// WHV_MAP_GPA_RANGE_FLAGS.
const (
	whpMapRead    = 1 << 0
	whpMapWrite   = 1 << 1
	whpMapExecute = 1 << 2
)

// WHV_RUN_VP_EXIT_REASON values.
const (
	whpExitMemoryAccess = 0x00000001
	whpExitIOPortAccess = 0x00000002
	whpExitHalt         = 0x00000008
	whpExitCanceled     = 0x00002001
)

// WHV_REGISTER_NAME values.
const (
	whpRegRAX    = 0x00000000
	whpRegRCX    = 0x00000001
	whpRegRDX    = 0x00000002
	whpRegRBX    = 0x00000003
	whpRegRSP    = 0x00000004
	whpRegRBP    = 0x00000005
	whpRegRSI    = 0x00000006
	whpRegRDI    = 0x00000007
	whpRegR8     = 0x00000008
	whpRegR15    = 0x0000000F
	whpRegRIP    = 0x00000010
	whpRegRFLAGS = 0x00000011

	whpRegES = 0x00000040
	whpRegCS = 0x00000041
	whpRegSS = 0x00000042
	whpRegDS = 0x00000043
	whpRegFS = 0x00000044
	whpRegGS = 0x00000045

	whpRegCR0  = 0x00000080
	whpRegCR3  = 0x00000082
	whpRegCR4  = 0x00000083
	whpRegEFER = 0x00000086
)

// whpRegValue mirrors the 16-byte WHV_REGISTER_VALUE union. Scalar registers
// live in the first qword; segment registers pack base, limit, selector and
// attributes across both.
type whpRegValue [2]uint64

func whpScalar(v uint64) whpRegValue { return whpRegValue{v, 0} }

func whpSegment(selector uint16, attributes uint16) whpRegValue {
	return whpRegValue{0, uint64(0xffffffff) | uint64(selector)<<32 | uint64(attributes)<<48}
}

// whpExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT: reason, reserved, a 40-byte
// VP context, then the reason-specific union.
type whpExitContext struct {
	exitReason uint32
	_          uint32
	vpContext  [40]byte
	payload    [216]byte
}

// Offsets inside the IO-port-access and memory-access payloads, past the
// instruction byte count and bytes.
const (
	whpIOAccessInfoOffset = 20 // u32; bit 3 = IsWrite
	whpIOPortOffset       = 24 // u16 port number
	whpIORAXOffset        = 32 // u64 rax at exit
	whpMemGPAOffset       = 24 // u64 faulting gpa
)

func whpCall(proc *windows.LazyProc, args ...uintptr) error {
	hr, _, _ := proc.Call(args...)
	if int32(hr) < 0 {
		return fmt.Errorf("hypervisor: %s: HRESULT 0x%08x", proc.Name, uint32(hr))
	}
	return nil
}

func whpHypervisorPresent() (bool, error) {
	if err := winhvplatform.Load(); err != nil {
		return false, err
	}
	var present uint32
	var written uint32
	err := whpCall(procGetCapability,
		whpCapHypervisorPresent,
		uintptr(unsafe.Pointer(&present)),
		unsafe.Sizeof(present),
		uintptr(unsafe.Pointer(&written)))
	if err != nil {
		return false, err
	}
	return present != 0, nil
}

type whpDriver struct {
	partition uintptr // WHV_PARTITION_HANDLE
	vpIndex   uint32

	shared *mem.SharedMemory
	base   uint64

	interrupt *interruptHandle
	closed    bool
}

func newWHPDriver() (Driver, error) {
	present, err := whpHypervisorPresent()
	if err != nil || !present {
		reason := "hypervisor platform not present"
		if err != nil {
			reason = err.Error()
		}
		return nil, &ErrUnavailable{Backend: BackendWHP, Reason: reason}
	}
	var partition uintptr
	if err := whpCall(procCreatePartition, uintptr(unsafe.Pointer(&partition))); err != nil {
		return nil, err
	}
	processorCount := uint32(1)
	if err := whpCall(procSetPartitionProperty, partition, whpPropProcessorCount,
		uintptr(unsafe.Pointer(&processorCount)), unsafe.Sizeof(processorCount)); err != nil {
		procDeletePartition.Call(partition)
		return nil, err
	}
	if err := whpCall(procSetupPartition, partition); err != nil {
		procDeletePartition.Call(partition)
		return nil, err
	}
	d := &whpDriver{partition: partition}
	if err := whpCall(procCreateVirtualProcessor, partition, uintptr(d.vpIndex), 0); err != nil {
		procDeletePartition.Call(partition)
		return nil, err
	}
	// WHP has a first-class cancel call, so the kick does not need the
	// thread id the handle carries for the signal-based backends.
	d.interrupt = newInterruptHandle(func(uint64) {
		procCancelRunVirtualProc.Call(d.partition, uintptr(d.vpIndex), 0)
	})
	recordDriverCreate(BackendWHP)
	return d, nil
}

func (d *whpDriver) checkOpen() {
	if d.closed {
		panic("hypervisor: whp driver used after Close")
	}
}

func (d *whpDriver) MapMemory(shared *mem.SharedMemory, base uint64) error {
	d.checkOpen()
	buf := shared.Bytes()
	for _, r := range shared.Layout().Regions() {
		if r.IsGuard() {
			continue
		}
		flags := uintptr(whpMapRead)
		if r.Perm&mem.PermWrite != 0 {
			flags |= whpMapWrite
		}
		if r.Perm&mem.PermExec != 0 {
			flags |= whpMapExecute
		}
		err := whpCall(procMapGpaRange,
			d.partition,
			uintptr(unsafe.Pointer(&buf[r.Offset])),
			uintptr(base+r.Offset),
			uintptr(r.Size),
			flags)
		if err != nil {
			return fmt.Errorf("hypervisor: mapping %s region at 0x%x: %w", r.Kind, base+r.Offset, err)
		}
		recordMapOperation()
	}
	d.shared = shared
	d.base = base
	return d.setLongMode()
}

func (d *whpDriver) setLongMode() error {
	const (
		codeAttr = 0xa09b
		dataAttr = 0xc093
	)
	names := []uint32{
		whpRegCR3, whpRegCR4, whpRegCR0, whpRegEFER,
		whpRegCS, whpRegDS, whpRegES, whpRegFS, whpRegGS, whpRegSS,
	}
	values := []whpRegValue{
		whpScalar(d.shared.PageTableBase()),
		whpScalar(longModeCR4),
		whpScalar(longModeCR0),
		whpScalar(longModeEFER),
		whpSegment(0x8, codeAttr),
		whpSegment(0x10, dataAttr),
		whpSegment(0x10, dataAttr),
		whpSegment(0x10, dataAttr),
		whpSegment(0x10, dataAttr),
		whpSegment(0x10, dataAttr),
	}
	return d.setRegisters(names, values)
}

func (d *whpDriver) setRegisters(names []uint32, values []whpRegValue) error {
	return whpCall(procSetVirtualProcessorRegs,
		d.partition,
		uintptr(d.vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])))
}

var whpGPRegNames = []uint32{
	whpRegRAX, whpRegRBX, whpRegRCX, whpRegRDX,
	whpRegRSI, whpRegRDI, whpRegRSP, whpRegRBP,
	whpRegR8, whpRegR8 + 1, whpRegR8 + 2, whpRegR8 + 3,
	whpRegR8 + 4, whpRegR8 + 5, whpRegR8 + 6, whpRegR15,
	whpRegRIP, whpRegRFLAGS,
}

func (d *whpDriver) SetEntry(regs Registers) error {
	d.checkOpen()
	rflags := regs.RFLAGS
	if rflags == 0 {
		rflags = 0x2
	}
	values := []whpRegValue{
		whpScalar(regs.RAX), whpScalar(regs.RBX), whpScalar(regs.RCX), whpScalar(regs.RDX),
		whpScalar(regs.RSI), whpScalar(regs.RDI), whpScalar(regs.RSP), whpScalar(regs.RBP),
		whpScalar(regs.R8), whpScalar(regs.R9), whpScalar(regs.R10), whpScalar(regs.R11),
		whpScalar(regs.R12), whpScalar(regs.R13), whpScalar(regs.R14), whpScalar(regs.R15),
		whpScalar(regs.RIP), whpScalar(rflags),
	}
	return d.setRegisters(whpGPRegNames, values)
}

func (d *whpDriver) Registers() (Registers, error) {
	d.checkOpen()
	values := make([]whpRegValue, len(whpGPRegNames))
	err := whpCall(procGetVirtualProcessorRegs,
		d.partition,
		uintptr(d.vpIndex),
		uintptr(unsafe.Pointer(&whpGPRegNames[0])),
		uintptr(len(whpGPRegNames)),
		uintptr(unsafe.Pointer(&values[0])))
	if err != nil {
		return Registers{}, err
	}
	v := func(i int) uint64 { return values[i][0] }
	return Registers{
		RAX: v(0), RBX: v(1), RCX: v(2), RDX: v(3),
		RSI: v(4), RDI: v(5), RSP: v(6), RBP: v(7),
		R8: v(8), R9: v(9), R10: v(10), R11: v(11),
		R12: v(12), R13: v(13), R14: v(14), R15: v(15),
		RIP: v(16), RFLAGS: v(17),
	}, nil
}

func (d *whpDriver) Run() (Exit, error) {
	d.checkOpen()
	if d.interrupt.cancelRequested() {
		d.interrupt.clearCancel()
		recordCancellation()
		return ExitCancelled{}, nil
	}

	var ctx whpExitContext
	d.interrupt.enterRun(uint64(windows.GetCurrentThreadId()))
	err := whpCall(procRunVirtualProcessor,
		d.partition,
		uintptr(d.vpIndex),
		uintptr(unsafe.Pointer(&ctx)),
		unsafe.Sizeof(ctx))
	d.interrupt.leaveRun()
	recordRun()
	if err != nil {
		return nil, err
	}

	exit := d.translateExit(&ctx)
	recordExit(exit)
	return exit, nil
}

func (d *whpDriver) translateExit(ctx *whpExitContext) Exit {
	switch ctx.exitReason {
	case whpExitIOPortAccess:
		accessInfo := binary.LittleEndian.Uint32(ctx.payload[whpIOAccessInfoOffset:])
		if accessInfo&(1<<3) == 0 { // IsWrite clear
			return ExitUnknown{Reason: "unexpected IO port read exit"}
		}
		port := binary.LittleEndian.Uint16(ctx.payload[whpIOPortOffset:])
		var data [4]byte
		binary.LittleEndian.PutUint32(data[:], uint32(binary.LittleEndian.Uint64(ctx.payload[whpIORAXOffset:])))
		return d.translatePort(port, data[:])
	case whpExitHalt:
		return ExitHalt{}
	case whpExitMemoryAccess:
		gpa := binary.LittleEndian.Uint64(ctx.payload[whpMemGPAOffset:])
		return classifyUnmapped(d.shared, d.base, gpa)
	case whpExitCanceled:
		if d.interrupt.cancelRequested() {
			d.interrupt.clearCancel()
			recordCancellation()
			return ExitCancelled{}
		}
		return ExitRetry{}
	default:
		return ExitUnknown{Reason: fmt.Sprintf("exit reason 0x%x", ctx.exitReason)}
	}
}

func (d *whpDriver) translatePort(port uint16, data []byte) Exit {
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

func (d *whpDriver) InterruptHandle() InterruptHandle { return d.interrupt }

func (d *whpDriver) Backend() Backend { return BackendWHP }

func (d *whpDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.interrupt.markDropped()
	procDeleteVirtualProcessor.Call(d.partition, uintptr(d.vpIndex))
	err := whpCall(procDeletePartition, d.partition)
	recordDriverClose(BackendWHP)
	return err
}
