package x86

// Regs are the general purpose registers saved on every exit.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// SavedState is the per-vCPU saved register block. The exit entry path
// fills it from the VMCS and the exit handlers read and modify it before
// the guest is resumed.
type SavedState struct {
	Regs

	// ExitReason is the full 32-bit exit-reason field.
	ExitReason    uint64
	Qualification uint64
	InstrLen      uint64

	CR0 uint64
	CR3 uint64
	CR4 uint64

	// Snapshots of the fixed-bit capability MSRs taken at construction,
	// used by the consistency checks.
	CR0Fixed0 uint64
	CR0Fixed1 uint64
	CR4Fixed0 uint64
	CR4Fixed1 uint64
}

// BasicExitReason is the basic reason of the last exit.
func (s *SavedState) BasicExitReason() ExitReason {
	return BasicExitReason(s.ExitReason)
}

// EntryFailed reports whether the last exit was a failed VM entry.
func (s *SavedState) EntryFailed() bool {
	return s.ExitReason&ExitReasonEntryFailure != 0 || s.BasicExitReason().IsEntryFailure()
}
