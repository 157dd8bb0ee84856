package hypervisor

// Registers holds the x86-64 general-purpose register file plus RIP and
// RFLAGS, mirroring the layout backends exchange with the hypervisor.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI           uint64
	RSP, RBP           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
	RFLAGS             uint64
}

// EntryRegisters builds the register file for entering guest code at rip
// with the given stack pointer. Arguments follow the SysV convention:
// first in RDI, second in RSI, third in RDX.
func EntryRegisters(rip, rsp uint64, args ...uint64) Registers {
	r := Registers{
		RIP: rip,
		RSP: rsp,
		// Bit 1 of RFLAGS is architecturally reserved and always set.
		RFLAGS: 0x2,
	}
	if len(args) > 0 {
		r.RDI = args[0]
	}
	if len(args) > 1 {
		r.RSI = args[1]
	}
	if len(args) > 2 {
		r.RDX = args[2]
	}
	return r
}

// Long-mode control register bits, shared by the KVM and mshv backends when
// they put the vCPU directly into 64-bit mode.
const (
	cr4PAE        = 1 << 5
	cr4OSFXSR     = 1 << 9
	cr4OSXMMEXCPT = 1 << 10

	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

const (
	longModeCR0  = cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	longModeCR4  = cr4PAE | cr4OSFXSR | cr4OSXMMEXCPT
	longModeEFER = eferLME | eferLMA
)
