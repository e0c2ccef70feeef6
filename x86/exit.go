package x86

import "fmt"

// ExitReason is a basic VM-exit reason, bits 15:0 of the exit-reason field.
type ExitReason uint16

const (
	ExitExceptionOrNMI      ExitReason = 0
	ExitExternalInterrupt   ExitReason = 1
	ExitTripleFault         ExitReason = 2
	ExitINITSignal          ExitReason = 3
	ExitSIPI                ExitReason = 4
	ExitIOSMI               ExitReason = 5
	ExitOtherSMI            ExitReason = 6
	ExitInterruptWindow     ExitReason = 7
	ExitNMIWindow           ExitReason = 8
	ExitTaskSwitch          ExitReason = 9
	ExitCPUID               ExitReason = 10
	ExitGETSEC              ExitReason = 11
	ExitHLT                 ExitReason = 12
	ExitINVD                ExitReason = 13
	ExitINVLPG              ExitReason = 14
	ExitRDPMC               ExitReason = 15
	ExitRDTSC               ExitReason = 16
	ExitRSM                 ExitReason = 17
	ExitVMCALL              ExitReason = 18
	ExitVMCLEAR             ExitReason = 19
	ExitVMLAUNCH            ExitReason = 20
	ExitVMPTRLD             ExitReason = 21
	ExitVMPTRST             ExitReason = 22
	ExitVMREAD              ExitReason = 23
	ExitVMRESUME            ExitReason = 24
	ExitVMWRITE             ExitReason = 25
	ExitVMXOFF              ExitReason = 26
	ExitVMXON               ExitReason = 27
	ExitCRAccess            ExitReason = 28
	ExitMOVDR               ExitReason = 29
	ExitIOInstruction       ExitReason = 30
	ExitRDMSR               ExitReason = 31
	ExitWRMSR               ExitReason = 32
	ExitInvalidGuestState   ExitReason = 33
	ExitMSRLoading          ExitReason = 34
	ExitMWAIT               ExitReason = 36
	ExitMonitorTrapFlag     ExitReason = 37
	ExitMONITOR             ExitReason = 39
	ExitPAUSE               ExitReason = 40
	ExitMachineCheck        ExitReason = 41
	ExitTPRBelowThreshold   ExitReason = 43
	ExitAPICAccess          ExitReason = 44
	ExitVirtualizedEOI      ExitReason = 45
	ExitGDTRIDTRAccess      ExitReason = 46
	ExitLDTRTRAccess        ExitReason = 47
	ExitEPTViolation        ExitReason = 48
	ExitEPTMisconfiguration ExitReason = 49
	ExitINVEPT              ExitReason = 50
	ExitRDTSCP              ExitReason = 51
	ExitPreemptionTimer     ExitReason = 52
	ExitINVVPID             ExitReason = 53
	ExitWBINVD              ExitReason = 54
	ExitXSETBV              ExitReason = 55
	ExitAPICWrite           ExitReason = 56
	ExitRDRAND              ExitReason = 57
	ExitINVPCID             ExitReason = 58
	ExitVMFUNC              ExitReason = 59
	ExitENCLS               ExitReason = 60
	ExitRDSEED              ExitReason = 61
	ExitPMLFull             ExitReason = 62
	ExitXSAVES              ExitReason = 63
	ExitXRSTORS             ExitReason = 64
	ExitPCONFIG             ExitReason = 65
	ExitSPPEvent            ExitReason = 66
	ExitUMWAIT              ExitReason = 67
	ExitTPAUSE              ExitReason = 68
	ExitLOADIWKEY           ExitReason = 69

	// NumExitReasons bounds the basic exit reason space.
	NumExitReasons = 70
)

// ExitReasonEntryFailure is bit 31 of the full exit-reason field.
const ExitReasonEntryFailure = 1 << 31

//nolint:gochecknoglobals
var exitReasonNames = [NumExitReasons]string{
	ExitExceptionOrNMI:      "exception or non-maskable interrupt (NMI)",
	ExitExternalInterrupt:   "external interrupt",
	ExitTripleFault:         "triple fault",
	ExitINITSignal:          "INIT signal",
	ExitSIPI:                "start-up IPI (SIPI)",
	ExitIOSMI:               "I/O system-management interrupt (SMI)",
	ExitOtherSMI:            "other SMI",
	ExitInterruptWindow:     "interrupt window",
	ExitNMIWindow:           "NMI window",
	ExitTaskSwitch:          "task switch",
	ExitCPUID:               "CPUID",
	ExitGETSEC:              "GETSEC",
	ExitHLT:                 "HLT",
	ExitINVD:                "INVD",
	ExitINVLPG:              "INVLPG",
	ExitRDPMC:               "RDPMC",
	ExitRDTSC:               "RDTSC",
	ExitRSM:                 "RSM",
	ExitVMCALL:              "VMCALL",
	ExitVMCLEAR:             "VMCLEAR",
	ExitVMLAUNCH:            "VMLAUNCH",
	ExitVMPTRLD:             "VMPTRLD",
	ExitVMPTRST:             "VMPTRST",
	ExitVMREAD:              "VMREAD",
	ExitVMRESUME:            "VMRESUME",
	ExitVMWRITE:             "VMWRITE",
	ExitVMXOFF:              "VMXOFF",
	ExitVMXON:               "VMXON",
	ExitCRAccess:            "control-register accesses",
	ExitMOVDR:               "MOV DR",
	ExitIOInstruction:       "I/O instruction",
	ExitRDMSR:               "RDMSR",
	ExitWRMSR:               "WRMSR",
	ExitInvalidGuestState:   "VM-entry failure due to invalid guest state",
	ExitMSRLoading:          "VM-entry failure due to MSR loading",
	ExitMWAIT:               "MWAIT",
	ExitMonitorTrapFlag:     "monitor trap flag",
	ExitMONITOR:             "MONITOR",
	ExitPAUSE:               "PAUSE",
	ExitMachineCheck:        "VM-entry failure due to machine-check event",
	ExitTPRBelowThreshold:   "TPR below threshold",
	ExitAPICAccess:          "APIC access",
	ExitVirtualizedEOI:      "virtualized EOI",
	ExitGDTRIDTRAccess:      "access to GDTR or IDTR",
	ExitLDTRTRAccess:        "access to LDTR or TR",
	ExitEPTViolation:        "EPT violation",
	ExitEPTMisconfiguration: "EPT misconfiguration",
	ExitINVEPT:              "INVEPT",
	ExitRDTSCP:              "RDTSCP",
	ExitPreemptionTimer:     "VMX-preemption timer expired",
	ExitINVVPID:             "INVVPID",
	ExitWBINVD:              "WBINVD or WBNOINVD",
	ExitXSETBV:              "XSETBV",
	ExitAPICWrite:           "APIC write",
	ExitRDRAND:              "RDRAND",
	ExitINVPCID:             "INVPCID",
	ExitVMFUNC:              "VMFUNC",
	ExitENCLS:               "ENCLS",
	ExitRDSEED:              "RDSEED",
	ExitPMLFull:             "page-modification log full",
	ExitXSAVES:              "XSAVES",
	ExitXRSTORS:             "XRSTORS",
	ExitPCONFIG:             "PCONFIG",
	ExitSPPEvent:            "SPP-related event",
	ExitUMWAIT:              "UMWAIT",
	ExitTPAUSE:              "TPAUSE",
	ExitLOADIWKEY:           "LOADIWKEY",
}

func (r ExitReason) String() string {
	if r.Valid() && exitReasonNames[r] != "" {
		return exitReasonNames[r]
	}

	return fmt.Sprintf("ExitReason(%d)", uint16(r))
}

// Valid reports whether r lies inside the architectural reason space.
func (r ExitReason) Valid() bool {
	return r < NumExitReasons
}

// IsEntryFailure reports whether r is one of the VM-entry failure reasons.
func (r ExitReason) IsEntryFailure() bool {
	switch r {
	case ExitInvalidGuestState, ExitMSRLoading, ExitMachineCheck:
		return true
	}

	return false
}

// BasicExitReason extracts the basic reason from the full exit-reason field.
func BasicExitReason(full uint64) ExitReason {
	return ExitReason(full & 0xffff)
}
