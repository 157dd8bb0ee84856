//go:build linux

package hypervisor

// Mirrors of the KVM uapi structures this backend exchanges with the
// kernel. Field order and padding must match <linux/kvm.h> exactly.

const (
	kvmDevice = "/dev/kvm"

	// Stable API version the backend requires.
	kvmAPIVersion = 12
)

// ioctl request numbers for x86-64.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMmapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
)

// kvm_run exit reasons.
const (
	kvmExitIO            = 2
	kvmExitHLT           = 5
	kvmExitMMIO          = 6
	kvmExitShutdown      = 8
	kvmExitFailEntry     = 9
	kvmExitIntr          = 10
	kvmExitInternalError = 17
)

const (
	kvmIODirectionOut = 1

	// KVM_MEM_READONLY, used for the code region so guest writes to its own
	// text trap instead of succeeding.
	kvmMemReadonly = 1 << 1
)

// kvmUserMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserMemoryRegion struct {
	slot          uint32
	flags         uint32
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
}

// kvmRegs mirrors struct kvm_regs.
type kvmRegs struct {
	rax, rbx, rcx, rdx uint64
	rsi, rdi, rsp, rbp uint64
	r8, r9, r10, r11   uint64
	r12, r13, r14, r15 uint64
	rip, rflags        uint64
}

// kvmSegment mirrors struct kvm_segment.
type kvmSegment struct {
	base                           uint64
	limit                          uint32
	selector                       uint16
	typ                            uint8
	present, dpl, db, s, l, g, avl uint8
	unusable                       uint8
	padding                        uint8
}

// kvmDtable mirrors struct kvm_dtable.
type kvmDtable struct {
	base    uint64
	limit   uint16
	padding [3]uint16
}

// kvmSregs mirrors struct kvm_sregs.
type kvmSregs struct {
	cs, ds, es, fs, gs, ss  kvmSegment
	tr, ldt                 kvmSegment
	gdt, idt                kvmDtable
	cr0, cr2, cr3, cr4, cr8 uint64
	efer                    uint64
	apicBase                uint64
	interruptBitmap         [4]uint64 // 256 vectors / 64
}

// kvmRunData mirrors the head of struct kvm_run up to and including the
// exit union. The union is large; we only declare the bytes we index.
type kvmRunData struct {
	requestInterruptWindow uint8
	immediateExit          uint8
	_                      [6]uint8

	exitReason                 uint32
	readyForInterruptInjection uint8
	ifFlag                     uint8
	flags                      uint16

	cr8      uint64
	apicBase uint64

	// Exit union, interpreted per exitReason.
	data [32]uint64
}

// IO exit view of the union: direction, size, port, count, data_offset.
func (r *kvmRunData) io() (direction, size uint8, port uint16, count uint32, dataOffset uint64) {
	w0 := r.data[0]
	direction = uint8(w0)
	size = uint8(w0 >> 8)
	port = uint16(w0 >> 16)
	count = uint32(w0 >> 32)
	dataOffset = r.data[1]
	return
}

// MMIO exit view of the union: faulting guest physical address.
func (r *kvmRunData) mmioPhysAddr() uint64 { return r.data[0] }
