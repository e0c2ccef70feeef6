package x86

// For more information check out https://man7.org/linux/man-pages/man4/msr.4.html
// and Appendix A (VMX capability reporting facility) of the Intel SDM.
const (
	MSRFeatureControl = 0x3a
	MSREFER           = 0xc0000080
	MSRFSBase         = 0xc0000100
	MSRGSBase         = 0xc0000101

	MSRVMXBasic             = 0x480
	MSRVMXPinBasedCtls      = 0x481
	MSRVMXProcBasedCtls     = 0x482
	MSRVMXExitCtls          = 0x483
	MSRVMXEntryCtls         = 0x484
	MSRVMXMisc              = 0x485
	MSRVMXCR0Fixed0         = 0x486
	MSRVMXCR0Fixed1         = 0x487
	MSRVMXCR4Fixed0         = 0x488
	MSRVMXCR4Fixed1         = 0x489
	MSRVMXProcBasedCtls2    = 0x48b
	MSRVMXEPTVPIDCap        = 0x48c
	MSRVMXTruePinBasedCtls  = 0x48d
	MSRVMXTrueProcBasedCtls = 0x48e
	MSRVMXTrueExitCtls      = 0x48f
	MSRVMXTrueEntryCtls     = 0x490
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlxLock          = 1
	FeatureControlxVMXInsideSMX  = (1 << 1)
	FeatureControlxVMXOutsideSMX = (1 << 2)
)

// MemoryTypeWriteBack is the IA32_VMX_BASIC memory type required for VMX
// regions and the VMCS.
const (
	MemoryTypeUncacheable = 0
	MemoryTypeWriteBack   = 6
)

// VMXBasic is the value of IA32_VMX_BASIC.
type VMXBasic uint64

// Revision is the VMCS revision identifier, bits 30:0.
func (b VMXBasic) Revision() uint32 {
	return uint32(b & 0x7fffffff)
}

// RegionSize is the number of bytes to allocate for the VMXON region and
// VMCS, bits 44:32.
func (b VMXBasic) RegionSize() uint64 {
	return (uint64(b) >> 32) & 0x1fff
}

// PhysAddrWidth32 reports bit 48: VMX structures limited to 32-bit
// physical addresses.
func (b VMXBasic) PhysAddrWidth32() bool {
	return (b>>48)&1 != 0
}

// MemoryType is the memory type for VMX structures, bits 53:50.
func (b VMXBasic) MemoryType() uint64 {
	return (uint64(b) >> 50) & 0xf
}

// TrueControls reports bit 55: the IA32_VMX_TRUE_*_CTLS MSRs exist.
func (b VMXBasic) TrueControls() bool {
	return (b>>55)&1 != 0
}

// NewVMXBasic assembles an IA32_VMX_BASIC value.
func NewVMXBasic(revision uint32, size uint64, width32 bool, memType uint64, trueCtls bool) VMXBasic {
	v := uint64(revision&0x7fffffff) | (size&0x1fff)<<32 | (memType&0xf)<<50

	if width32 {
		v |= 1 << 48
	}

	if trueCtls {
		v |= 1 << 55
	}

	return VMXBasic(v)
}

// AdjustControls applies an allowed-0/allowed-1 capability MSR value to a
// desired VM-execution control setting.
func AdjustControls(desired uint32, capability uint64) uint32 {
	allowed0 := uint32(capability)
	allowed1 := uint32(capability >> 32)

	return (desired | allowed0) & allowed1
}
