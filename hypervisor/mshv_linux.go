//go:build linux

package hypervisor

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/andreiltd/hyperlight/guestcall"
	"github.com/andreiltd/hyperlight/mem"
)

// Microsoft hypervisor (mshv) backend: Linux running as a Hyper-V root
// partition exposes /dev/mshv, with an ioctl surface parallel to KVM's but
// speaking the Hyper-V TLFS vocabulary: partitions instead of VMs, VPs
// instead of vCPUs, and intercept messages instead of kvm_run exits.
const mshvDevice = "/dev/mshv"

// ioctl encoding helpers (asm-generic, _IOC_WRITE=1, _IOC_READ=2).
func mshvIOW(nr, size uintptr) uintptr  { return 1<<30 | size<<16 | 0xB8<<8 | nr }
func mshvIOR(nr, size uintptr) uintptr  { return 2<<30 | size<<16 | 0xB8<<8 | nr }
func mshvIOWR(nr, size uintptr) uintptr { return 3<<30 | size<<16 | 0xB8<<8 | nr }

// mshvCreatePartitionArgs mirrors struct mshv_create_partition.
type mshvCreatePartitionArgs struct {
	ptFlags       uint64
	ptIsolation   uint64
	ptMainVTL     uint8
	ptReservedPad [7]uint8
}

// mshvUserMemRegion mirrors struct mshv_user_mem_region.
type mshvUserMemRegion struct {
	size      uint64
	guestPfn  uint64
	userspace uint64
	flags     uint32
	rsvd      uint32
}

const (
	mshvMemFlagExec  = 1 << 0
	mshvMemFlagWrite = 1 << 1
)

// mshvRegAssoc mirrors struct hv_register_assoc: name, padding, 16-byte
// value.
type mshvRegAssoc struct {
	name  uint32
	_     [4]byte
	value [2]uint64
}

// mshvVPRegisters mirrors struct mshv_vp_registers.
type mshvVPRegisters struct {
	count uint32
	_     [4]byte
	regs  uintptr // *mshvRegAssoc
}

// Hyper-V register names (TLFS).
const (
	hvRegRAX    = 0x00020000
	hvRegRCX    = 0x00020001
	hvRegRDX    = 0x00020002
	hvRegRBX    = 0x00020003
	hvRegRSP    = 0x00020004
	hvRegRBP    = 0x00020005
	hvRegRSI    = 0x00020006
	hvRegRDI    = 0x00020007
	hvRegR8     = 0x00020008
	hvRegR15    = 0x0002000F
	hvRegRIP    = 0x00020010
	hvRegRFLAGS = 0x00020011

	hvRegCR0  = 0x00040000
	hvRegCR3  = 0x00040002
	hvRegCR4  = 0x00040003
	hvRegEFER = 0x00080001

	hvRegES = 0x00060000
	hvRegCS = 0x00060001
	hvRegSS = 0x00060002
	hvRegDS = 0x00060003
	hvRegFS = 0x00060004
	hvRegGS = 0x00060005
)

// Hyper-V message types delivered by MSHV_RUN_VP.
const (
	hvMsgUnmappedGPA    = 0x80000000
	hvMsgGPAIntercept   = 0x80000001
	hvMsgHaltIntercept  = 0x80000050
	hvMsgIOPortIntercept = 0x80010000
)

// hvMessage mirrors struct hv_message: a 16-byte header followed by a
// 240-byte type-specific payload.
type hvMessage struct {
	messageType uint32
	payloadSize uint8
	flags       uint8
	_           [2]byte
	_           uint64 // reserved
	payload     [240]byte
}

// Intercept payloads start with the common intercept header (40 bytes);
// the fields we need sit at fixed offsets past it.
const (
	hvInterceptHeaderLen = 40
	hvIOPortOffset       = hvInterceptHeaderLen + 0  // u16 port number
	hvIOAccessInfoOffset = hvInterceptHeaderLen + 2  // u8: bit0 = in
	hvIORAXOffset        = hvInterceptHeaderLen + 8  // u64 rax at intercept
	hvGPAOffset          = hvInterceptHeaderLen + 16 // u64 faulting gpa
)

var (
	mshvCreatePartition = mshvIOW(0x00, unsafe.Sizeof(mshvCreatePartitionArgs{}))
	mshvSetGuestMemory  = mshvIOW(0x02, unsafe.Sizeof(mshvUserMemRegion{}))
	mshvCreateVP        = mshvIOW(0x04, 8)
	mshvGetVPRegisters  = mshvIOWR(0x05, unsafe.Sizeof(mshvVPRegisters{}))
	mshvSetVPRegisters  = mshvIOW(0x06, unsafe.Sizeof(mshvVPRegisters{}))
	mshvRunVP           = mshvIOR(0x07, unsafe.Sizeof(hvMessage{}))
)

type mshvDriver struct {
	devFd       int
	partitionFd int
	vpFd        int

	shared *mem.SharedMemory
	base   uint64

	interrupt *interruptHandle
	closed    bool
}

func newMSHVDriver() (Driver, error) {
	devFd, err := unix.Open(mshvDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &ErrUnavailable{Backend: BackendMSHV, Reason: fmt.Sprintf("opening %s: %v", mshvDevice, err)}
	}
	args := mshvCreatePartitionArgs{}
	partFd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(devFd), mshvCreatePartition, uintptr(unsafe.Pointer(&args)))
	if errno != 0 {
		unix.Close(devFd)
		return nil, fmt.Errorf("hypervisor: MSHV_CREATE_PARTITION: %w", errno)
	}
	var vpIndex uint64
	vpFd, _, errno := unix.Syscall(unix.SYS_IOCTL, partFd, mshvCreateVP, uintptr(unsafe.Pointer(&vpIndex)))
	if errno != 0 {
		unix.Close(int(partFd))
		unix.Close(devFd)
		return nil, fmt.Errorf("hypervisor: MSHV_CREATE_VP: %w", errno)
	}
	d := &mshvDriver{
		devFd:       devFd,
		partitionFd: int(partFd),
		vpFd:        int(vpFd),
		interrupt:   newInterruptHandle(sendInterruptSignal),
	}
	recordDriverCreate(BackendMSHV)
	return d, nil
}

func (d *mshvDriver) checkOpen() {
	if d.closed {
		panic("hypervisor: mshv driver used after Close")
	}
}

func (d *mshvDriver) MapMemory(shared *mem.SharedMemory, base uint64) error {
	d.checkOpen()
	buf := shared.Bytes()
	for _, r := range shared.Layout().Regions() {
		if r.IsGuard() {
			continue
		}
		var flags uint32
		if r.Perm&mem.PermWrite != 0 {
			flags |= mshvMemFlagWrite
		}
		if r.Perm&mem.PermExec != 0 {
			flags |= mshvMemFlagExec
		}
		region := mshvUserMemRegion{
			size:      r.Size,
			guestPfn:  (base + r.Offset) / mem.PageSize,
			userspace: uint64(uintptr(unsafe.Pointer(&buf[r.Offset]))),
			flags:     flags,
		}
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.partitionFd), mshvSetGuestMemory, uintptr(unsafe.Pointer(&region))); errno != 0 {
			return fmt.Errorf("hypervisor: mapping %s region at 0x%x: %w", r.Kind, base+r.Offset, errno)
		}
		recordMapOperation()
	}
	d.shared = shared
	d.base = base
	return d.setLongMode()
}

// Flat 64-bit segment descriptors in the Hyper-V register encoding:
// base (u64), then limit (u32), selector (u16), attributes (u16).
func hvSegment(selector uint16, attributes uint16) [2]uint64 {
	return [2]uint64{0, uint64(0xffffffff) | uint64(selector)<<32 | uint64(attributes)<<48}
}

func (d *mshvDriver) setLongMode() error {
	const (
		codeAttr = 0xa09b // present, code, long, granularity
		dataAttr = 0xc093 // present, data, writable, big, granularity
	)
	regs := []mshvRegAssoc{
		{name: hvRegCR3, value: [2]uint64{d.shared.PageTableBase()}},
		{name: hvRegCR4, value: [2]uint64{longModeCR4}},
		{name: hvRegCR0, value: [2]uint64{longModeCR0}},
		{name: hvRegEFER, value: [2]uint64{longModeEFER}},
		{name: hvRegCS, value: hvSegment(0x8, codeAttr)},
		{name: hvRegDS, value: hvSegment(0x10, dataAttr)},
		{name: hvRegES, value: hvSegment(0x10, dataAttr)},
		{name: hvRegFS, value: hvSegment(0x10, dataAttr)},
		{name: hvRegGS, value: hvSegment(0x10, dataAttr)},
		{name: hvRegSS, value: hvSegment(0x10, dataAttr)},
	}
	return d.setRegisters(regs)
}

func (d *mshvDriver) setRegisters(regs []mshvRegAssoc) error {
	args := mshvVPRegisters{
		count: uint32(len(regs)),
		regs:  uintptr(unsafe.Pointer(&regs[0])),
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.vpFd), mshvSetVPRegisters, uintptr(unsafe.Pointer(&args))); errno != 0 {
		return fmt.Errorf("hypervisor: MSHV_SET_VP_REGISTERS: %w", errno)
	}
	return nil
}

func (d *mshvDriver) SetEntry(regs Registers) error {
	d.checkOpen()
	rflags := regs.RFLAGS
	if rflags == 0 {
		rflags = 0x2
	}
	assoc := []mshvRegAssoc{
		{name: hvRegRAX, value: [2]uint64{regs.RAX}},
		{name: hvRegRBX, value: [2]uint64{regs.RBX}},
		{name: hvRegRCX, value: [2]uint64{regs.RCX}},
		{name: hvRegRDX, value: [2]uint64{regs.RDX}},
		{name: hvRegRSI, value: [2]uint64{regs.RSI}},
		{name: hvRegRDI, value: [2]uint64{regs.RDI}},
		{name: hvRegRSP, value: [2]uint64{regs.RSP}},
		{name: hvRegRBP, value: [2]uint64{regs.RBP}},
		{name: hvRegR8, value: [2]uint64{regs.R8}},
		{name: hvRegR8 + 1, value: [2]uint64{regs.R9}},
		{name: hvRegR8 + 2, value: [2]uint64{regs.R10}},
		{name: hvRegR8 + 3, value: [2]uint64{regs.R11}},
		{name: hvRegR8 + 4, value: [2]uint64{regs.R12}},
		{name: hvRegR8 + 5, value: [2]uint64{regs.R13}},
		{name: hvRegR8 + 6, value: [2]uint64{regs.R14}},
		{name: hvRegR15, value: [2]uint64{regs.R15}},
		{name: hvRegRIP, value: [2]uint64{regs.RIP}},
		{name: hvRegRFLAGS, value: [2]uint64{rflags}},
	}
	return d.setRegisters(assoc)
}

func (d *mshvDriver) Registers() (Registers, error) {
	d.checkOpen()
	names := []uint32{
		hvRegRAX, hvRegRBX, hvRegRCX, hvRegRDX,
		hvRegRSI, hvRegRDI, hvRegRSP, hvRegRBP,
		hvRegR8, hvRegR8 + 1, hvRegR8 + 2, hvRegR8 + 3,
		hvRegR8 + 4, hvRegR8 + 5, hvRegR8 + 6, hvRegR15,
		hvRegRIP, hvRegRFLAGS,
	}
	assoc := make([]mshvRegAssoc, len(names))
	for i, n := range names {
		assoc[i].name = n
	}
	args := mshvVPRegisters{count: uint32(len(assoc)), regs: uintptr(unsafe.Pointer(&assoc[0]))}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.vpFd), mshvGetVPRegisters, uintptr(unsafe.Pointer(&args))); errno != 0 {
		return Registers{}, fmt.Errorf("hypervisor: MSHV_GET_VP_REGISTERS: %w", errno)
	}
	v := func(i int) uint64 { return assoc[i].value[0] }
	return Registers{
		RAX: v(0), RBX: v(1), RCX: v(2), RDX: v(3),
		RSI: v(4), RDI: v(5), RSP: v(6), RBP: v(7),
		R8: v(8), R9: v(9), R10: v(10), R11: v(11),
		R12: v(12), R13: v(13), R14: v(14), R15: v(15),
		RIP: v(16), RFLAGS: v(17),
	}, nil
}

func (d *mshvDriver) Run() (Exit, error) {
	d.checkOpen()
	if d.interrupt.cancelRequested() {
		d.interrupt.clearCancel()
		recordCancellation()
		return ExitCancelled{}, nil
	}

	var msg hvMessage
	d.interrupt.enterRun(uint64(unix.Gettid()))
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.vpFd), mshvRunVP, uintptr(unsafe.Pointer(&msg)))
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
		return nil, fmt.Errorf("hypervisor: MSHV_RUN_VP: %w", errno)
	}

	exit := d.translateMessage(&msg)
	recordExit(exit)
	return exit, nil
}

func (d *mshvDriver) translateMessage(msg *hvMessage) Exit {
	switch msg.messageType {
	case hvMsgIOPortIntercept:
		accessInfo := msg.payload[hvIOAccessInfoOffset]
		if accessInfo&1 != 0 { // string/in access
			return ExitUnknown{Reason: "unexpected IO port read intercept"}
		}
		port := binary.LittleEndian.Uint16(msg.payload[hvIOPortOffset:])
		var data [4]byte
		binary.LittleEndian.PutUint32(data[:], uint32(binary.LittleEndian.Uint64(msg.payload[hvIORAXOffset:])))
		return d.translatePort(port, data[:])
	case hvMsgHaltIntercept:
		return ExitHalt{}
	case hvMsgUnmappedGPA, hvMsgGPAIntercept:
		gpa := binary.LittleEndian.Uint64(msg.payload[hvGPAOffset:])
		return classifyUnmapped(d.shared, d.base, gpa)
	default:
		return ExitUnknown{Reason: fmt.Sprintf("hv message type 0x%x", msg.messageType)}
	}
}

func (d *mshvDriver) translatePort(port uint16, data []byte) Exit {
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

func (d *mshvDriver) InterruptHandle() InterruptHandle { return d.interrupt }

func (d *mshvDriver) Backend() Backend { return BackendMSHV }

func (d *mshvDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.interrupt.markDropped()
	var firstErr error
	for _, fd := range []int{d.vpFd, d.partitionFd, d.devFd} {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	recordDriverClose(BackendMSHV)
	return firstErr
}
