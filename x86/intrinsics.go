package x86

// Intrinsics is the set of privileged instructions the hypervisor core
// executes. A physical core provides one implementation; the sim package
// provides a software one.
type Intrinsics interface {
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	ReadMSR(msr uint32) (uint64, error)
	WriteMSR(msr uint32, value uint64) error

	ReadCR0() uint64
	ReadCR3() uint64
	ReadCR4() uint64
	WriteCR4(value uint64) error

	// VMXOn enters VMX root operation using the region at phys.
	VMXOn(phys uint64) error
	VMXOff() error

	VMClear(phys uint64) error
	VMPtrLd(phys uint64) error
	VMRead(field VMCSField) (uint64, error)
	VMWrite(field VMCSField, value uint64) error

	// VMLaunch and VMResume hand the core to the guest. A nil return means
	// the guest is running; control comes back through the next exit.
	VMLaunch() error
	VMResume() error

	// Halt stops the core. On hardware it never returns.
	Halt()
}
