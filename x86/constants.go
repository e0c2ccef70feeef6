package x86

const (
	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xEM = (1 << 2)
	CR0xTS = (1 << 3)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xNW = (1 << 29)
	CR0xCD = (1 << 30)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xVME        = 1
	CR4xPVI        = (1 << 1)
	CR4xTSD        = (1 << 2)
	CR4xDE         = (1 << 3)
	CR4xPSE        = (1 << 4)
	CR4xPAE        = (1 << 5)
	CR4xMCE        = (1 << 6)
	CR4xPGE        = (1 << 7)
	CR4xPCE        = (1 << 8)
	CR4xOSFXSR     = (1 << 9)
	CR4xOSXMMEXCPT = (1 << 10)
	CR4xUMIP       = (1 << 11)
	CR4xVMXE       = (1 << 13)
	CR4xSMXE       = (1 << 14)
	CR4xFSGSBASE   = (1 << 16)
	CR4xPCIDE      = (1 << 17)
	CR4xOSXSAVE    = (1 << 18)
	CR4xSMEP       = (1 << 20)
	CR4xSMAP       = (1 << 21)

	// RFLAGS bits.
	RFLAGSxReserved = (1 << 1)
	RFLAGSxIF       = (1 << 9)
	RFLAGSxVM       = (1 << 17)
)

const (
	// CPUID leaf 1 ECX bit 5 reports VMX.
	CPUIDFeatures        = 0x1
	CPUIDFeaturesECXxVMX = (1 << 5)

	// CPUID leaf 0x80000008 EAX[7:0] reports the physical address width.
	CPUIDAddressSizes = 0x80000008
)

const (
	// PageSize is the base page size. Every VMX region, VMCS and page-table
	// node occupies exactly one of these.
	PageSize  = 0x1000
	PageShift = 12

	// Large page sizes used by the host page table.
	PageSize2M = 1 << 21
	PageSize1G = 1 << 30

	// DefaultPhysAddrBits is the physical address width assumed when CPUID
	// does not report one.
	DefaultPhysAddrBits = 52
)

// 64-bit page table entry bits.
const (
	PTExPresent      = 1
	PTExRW           = (1 << 1)
	PTExUser         = (1 << 2)
	PTExWriteThrough = (1 << 3)
	PTExCacheDisable = (1 << 4)
	PTExAccessed     = (1 << 5)
	PTExDirty        = (1 << 6)
	PTExPS           = (1 << 7)
	PTExGlobal       = (1 << 8)
	PTExNX           = (1 << 63)
)
