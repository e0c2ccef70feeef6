package x86

// VMCSField is a VMCS component encoding as used by VMREAD/VMWRITE.
type VMCSField uint32

// Encodings from Intel SDM Appendix B.
const (
	// 16-bit host state.
	VMCSHostESSelector VMCSField = 0x0c00
	VMCSHostCSSelector VMCSField = 0x0c02
	VMCSHostSSSelector VMCSField = 0x0c04
	VMCSHostDSSelector VMCSField = 0x0c06
	VMCSHostFSSelector VMCSField = 0x0c08
	VMCSHostGSSelector VMCSField = 0x0c0a
	VMCSHostTRSelector VMCSField = 0x0c0c

	// 64-bit guest state.
	VMCSLinkPointer VMCSField = 0x2800

	// 32-bit control fields.
	VMCSPinBasedControls  VMCSField = 0x4000
	VMCSProcBasedControls VMCSField = 0x4002
	VMCSExitControls      VMCSField = 0x400c
	VMCSEntryControls     VMCSField = 0x4012

	// 32-bit read-only data fields.
	VMCSInstructionError VMCSField = 0x4400
	VMCSExitReason       VMCSField = 0x4402
	VMCSExitInstrLength  VMCSField = 0x440c

	// Natural-width read-only data fields.
	VMCSExitQualification VMCSField = 0x6400

	// Natural-width guest state.
	VMCSGuestCR0    VMCSField = 0x6800
	VMCSGuestCR3    VMCSField = 0x6802
	VMCSGuestCR4    VMCSField = 0x6804
	VMCSGuestRSP    VMCSField = 0x681c
	VMCSGuestRIP    VMCSField = 0x681e
	VMCSGuestRFLAGS VMCSField = 0x6820

	// Natural-width host state.
	VMCSHostCR0      VMCSField = 0x6c00
	VMCSHostCR3      VMCSField = 0x6c02
	VMCSHostCR4      VMCSField = 0x6c04
	VMCSHostFSBase   VMCSField = 0x6c06
	VMCSHostGSBase   VMCSField = 0x6c08
	VMCSHostTRBase   VMCSField = 0x6c0a
	VMCSHostGDTRBase VMCSField = 0x6c0c
	VMCSHostIDTRBase VMCSField = 0x6c0e
	VMCSHostRSP      VMCSField = 0x6c14
	VMCSHostRIP      VMCSField = 0x6c16
)

// VM-exit and VM-entry control bits.
const (
	ExitCtlsxHostAddrSpaceSize = (1 << 9)
	ExitCtlsxAckInterrupt      = (1 << 15)
	ExitCtlsxSaveEFER          = (1 << 20)
	ExitCtlsxLoadEFER          = (1 << 21)

	EntryCtlsxIA32eGuest = (1 << 9)
	EntryCtlsxLoadEFER   = (1 << 15)

	ProcCtlsxHLTExiting = (1 << 7)
)
