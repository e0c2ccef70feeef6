// Package vcpu implements the vCPU state machine.
//
// A vCPU owns a VMCS, a host context and an exit dispatcher. Host vCPUs
// (one per physical core) also own the core's VMX root operation; guest
// vCPUs borrow it from the host vCPU of their core.
//
//	Created --Run--> Running --Halt--> Halted
//	   |                                 ^
//	   +-------------Halt----------------+
package vcpu

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/bobuhiro11/govmx/exit"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/bobuhiro11/govmx/x86"
)

var (
	// ErrHalted is returned by Run and Exit once the vCPU has halted.
	ErrHalted = errors.New("vcpu halted")

	// ErrNotRunning is returned by Exit for a vCPU that was never launched.
	ErrNotRunning = errors.New("vcpu not running")

	errGuestWithoutHost = errors.New("guest vcpu needs a host vcpu")
	errNoMemory         = errors.New("no guest memory reader")
)

// RunState is the position of a vCPU in its state machine.
type RunState uint32

const (
	Created RunState = iota
	Running
	Halted
)

func (s RunState) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Halted:
		return "halted"
	}

	return fmt.Sprintf("RunState(%d)", uint32(s))
}

// PageTable is the host page table: it resolves physical addresses of the
// vCPU's structures and provides HOST_CR3.
type PageTable interface {
	VirtToPhys(virt uint64) (uint64, error)
	RootPhysicalAddress() uint64
}

// HaltFunc runs once a vCPU has entered the Halted state.
type HaltFunc func(v *VCPU, reason error)

// VCPU is one virtual CPU bound to a physical core.
type VCPU struct {
	id    ID
	state atomic.Uint32

	intr  x86.Intrinsics
	alloc PageAllocator
	log   logrus.FieldLogger

	vmx      *vmx.VMX
	ownsVMX  bool
	host     *VCPU
	ctx      *HostContext
	vmcs     *VMCS
	launched bool
	exits    *exit.Dispatcher

	halt      HaltFunc
	mem       io.ReaderAt
	entry     x86.Regs
	hostEntry uint64
}

// Option configures a VCPU.
type Option func(*VCPU)

// WithHaltFunc replaces what Halt does after the state change. The default
// halts the core for host vCPUs and hands the core back to the host vCPU
// for guests.
func WithHaltFunc(fn HaltFunc) Option {
	return func(v *VCPU) {
		v.halt = fn
	}
}

// WithHost makes a guest vCPU share the VMX root operation of host.
func WithHost(host *VCPU) Option {
	return func(v *VCPU) {
		v.host = host
	}
}

// WithEntry sets the guest registers of the first launch.
func WithEntry(regs x86.Regs) Option {
	return func(v *VCPU) {
		v.entry = regs
	}
}

// WithHostEntry sets HOST_RIP, the address of the exit entry stub.
func WithHostEntry(rip uint64) Option {
	return func(v *VCPU) {
		v.hostEntry = rip
	}
}

// WithMemory lets Dump disassemble the instruction at the guest RIP. r is
// indexed by guest linear address.
func WithMemory(r io.ReaderAt) Option {
	return func(v *VCPU) {
		v.mem = r
	}
}

func haltCore(v *VCPU, _ error) {
	v.intr.Halt()
}

func returnToHost(v *VCPU, _ error) {
	if err := v.host.vmcs.Load(); err != nil {
		v.log.WithError(err).Error("returning core to host vcpu")

		return
	}

	v.log.WithField("host", v.host.id).Info("core returned to host vcpu")
}

// New builds a vCPU in the Created state. A host vCPU enters VMX root
// operation on the core intr belongs to; everything acquired is released
// again if a later step fails.
func New(id ID, intr x86.Intrinsics, alloc PageAllocator, pt PageTable,
	log logrus.FieldLogger, opts ...Option,
) (*VCPU, error) {
	v := &VCPU{
		id:    id,
		intr:  intr,
		alloc: alloc,
		log:   log.WithField("vcpu", id),
		entry: x86.Regs{RFLAGS: x86.RFLAGSxReserved},
	}

	for _, opt := range opts {
		opt(v)
	}

	if err := v.init(pt); err != nil {
		v.Release()

		return nil, err
	}

	return v, nil
}

func (v *VCPU) init(pt PageTable) error {
	var err error

	if v.id.IsHost() {
		if v.vmx, err = vmx.New(v.intr, v.alloc, pt, v.log); err != nil {
			return err
		}

		v.ownsVMX = true

		if v.halt == nil {
			v.halt = haltCore
		}
	} else {
		if v.host == nil {
			return fmt.Errorf("%v: %w", v.id, errGuestWithoutHost)
		}

		v.vmx = v.host.vmx

		if v.halt == nil {
			v.halt = returnToHost
		}
	}

	fixed, err := vmx.ReadFixedMSRs(v.intr)
	if err != nil {
		return err
	}

	if v.ctx, err = NewHostContext(v.alloc, fixed); err != nil {
		return err
	}

	if v.vmcs, err = newVMCS(v.intr, v.alloc, pt, v.vmx.Basic().Revision()); err != nil {
		return err
	}

	if err := v.vmcs.Load(); err != nil {
		return err
	}

	if err := v.vmcs.writeControls(); err != nil {
		return err
	}

	if err := v.vmcs.writeHost(v.intr, v.ctx, pt.RootPhysicalAddress(), v.hostEntry); err != nil {
		return err
	}

	if err := v.vmcs.writeGuest(v.intr, &v.entry); err != nil {
		return err
	}

	v.ctx.State.Regs = v.entry
	v.exits = exit.NewDispatcher(v.log)

	return nil
}

func (v *VCPU) ID() ID {
	return v.id
}

func (v *VCPU) RunState() RunState {
	return RunState(v.state.Load())
}

// State is the saved register block of the last exit.
func (v *VCPU) State() *x86.SavedState {
	return &v.ctx.State
}

// Context is the host context of the vCPU.
func (v *VCPU) Context() *HostContext {
	return v.ctx
}

// VMCS is the control structure of the vCPU.
func (v *VCPU) VMCS() *VMCS {
	return v.vmcs
}

// Exits is the dispatcher exit handlers register with.
func (v *VCPU) Exits() *exit.Dispatcher {
	return v.exits
}

// Run enters the guest: VMLAUNCH the first time, VMRESUME afterwards. A nil
// return means the guest is running and control comes back through Exit.
// If entry fails the instruction error is reported and the vCPU halts.
func (v *VCPU) Run() error {
	if v.RunState() == Halted {
		return fmt.Errorf("%v: %w", v.id, ErrHalted)
	}

	if err := v.vmcs.Load(); err != nil {
		v.Halt(err)

		return err
	}

	op, enter := "vmresume", v.intr.VMResume
	if !v.launched {
		op, enter = "vmlaunch", v.intr.VMLaunch
	}

	if err := enter(); err != nil {
		code, rerr := v.vmcs.Read(x86.VMCSInstructionError)
		if rerr != nil {
			v.log.WithError(rerr).Warn("reading VM-instruction error")
		}

		err = fmt.Errorf("%s: %w (instruction error %d)", op, err, code)
		v.Halt(err)

		return err
	}

	v.launched = true
	v.state.CompareAndSwap(uint32(Created), uint32(Running))

	return nil
}

// Halt moves the vCPU to Halted, reports reason with a dump and runs the
// halt function. reason may be nil.
func (v *VCPU) Halt(reason error) {
	v.state.Store(uint32(Halted))

	entry := v.log.WithField("state", Halted)
	if reason != nil {
		entry = entry.WithError(reason)
	}

	entry.Error("vcpu halted")
	v.Dump("halt")
	v.halt(v, reason)
}

type fieldRef struct {
	field x86.VMCSField
	dst   *uint64
}

// exitFields are read into the saved state on every exit.
func (v *VCPU) exitFields() []fieldRef {
	s := &v.ctx.State

	return []fieldRef{
		{x86.VMCSExitReason, &s.ExitReason},
		{x86.VMCSExitQualification, &s.Qualification},
		{x86.VMCSExitInstrLength, &s.InstrLen},
		{x86.VMCSGuestRIP, &s.RIP},
		{x86.VMCSGuestRSP, &s.RSP},
		{x86.VMCSGuestRFLAGS, &s.RFLAGS},
		{x86.VMCSGuestCR0, &s.CR0},
		{x86.VMCSGuestCR3, &s.CR3},
		{x86.VMCSGuestCR4, &s.CR4},
	}
}

// Exit is the exit entry path. It saves the exit information and guest
// state into the saved state and hands the exit to the dispatcher, which
// either resumes the guest or halts the vCPU.
func (v *VCPU) Exit() error {
	switch v.RunState() {
	case Halted:
		return fmt.Errorf("%v: %w", v.id, ErrHalted)
	case Created:
		return fmt.Errorf("%v: %w", v.id, ErrNotRunning)
	}

	for _, f := range v.exitFields() {
		val, err := v.vmcs.Read(f.field)
		if err != nil {
			v.Halt(err)

			return err
		}

		*f.dst = val
	}

	v.exits.Handle(v)

	return nil
}

// WriteBack stores the guest RIP, RSP and RFLAGS of the saved state into
// the VMCS.
func (v *VCPU) WriteBack() error {
	s := &v.ctx.State

	return v.vmcs.write([]fieldValue{
		{x86.VMCSGuestRIP, s.RIP},
		{x86.VMCSGuestRSP, s.RSP},
		{x86.VMCSGuestRFLAGS, s.RFLAGS},
	})
}

// CheckConsistency runs the architectural checks a failed VM entry is most
// often caused by: guest CR0/CR4 against the fixed-bit snapshots and the
// control fields against their capability MSRs.
func (v *VCPU) CheckConsistency() error {
	s := &v.ctx.State

	return errors.Join(
		vmx.CheckFixedBits("guest cr0", s.CR0, s.CR0Fixed0, s.CR0Fixed1),
		vmx.CheckFixedBits("guest cr4", s.CR4, s.CR4Fixed0, s.CR4Fixed1),
		v.vmcs.checkControls(),
	)
}

// Dump logs the saved state. It does not change the vCPU.
func (v *VCPU) Dump(header string) {
	if v.ctx == nil {
		return
	}

	s := &v.ctx.State
	log := v.log.WithField("header", header)

	log.WithFields(logrus.Fields{
		"state":         v.RunState(),
		"reason":        s.BasicExitReason(),
		"full":          fmt.Sprintf("%#x", s.ExitReason),
		"qualification": fmt.Sprintf("%#x", s.Qualification),
		"length":        s.InstrLen,
	}).Info("vcpu dump")

	for _, line := range formatRegs(&s.Regs) {
		log.Info(line)
	}

	log.Infof("cr0=%#016x cr3=%#016x cr4=%#016x", s.CR0, s.CR3, s.CR4)

	if asm, err := v.instruction(s.RIP); err != nil {
		log.WithError(err).Debug("no instruction at rip")
	} else {
		log.Infof("%#x: %s", s.RIP, asm)
	}
}

func formatRegs(r *x86.Regs) []string {
	return []string{
		fmt.Sprintf("rax=%#016x rbx=%#016x rcx=%#016x rdx=%#016x", r.RAX, r.RBX, r.RCX, r.RDX),
		fmt.Sprintf("rsi=%#016x rdi=%#016x rsp=%#016x rbp=%#016x", r.RSI, r.RDI, r.RSP, r.RBP),
		fmt.Sprintf("r8 =%#016x r9 =%#016x r10=%#016x r11=%#016x", r.R8, r.R9, r.R10, r.R11),
		fmt.Sprintf("r12=%#016x r13=%#016x r14=%#016x r15=%#016x", r.R12, r.R13, r.R14, r.R15),
		fmt.Sprintf("rip=%#016x rflags=%#x", r.RIP, r.RFLAGS),
	}
}

// instruction disassembles the bytes at rip in GNU syntax.
func (v *VCPU) instruction(rip uint64) (string, error) {
	if v.mem == nil {
		return "", errNoMemory
	}

	insn := make([]byte, 16)

	n, err := v.mem.ReadAt(insn, int64(rip))
	if n == 0 {
		return "", fmt.Errorf("reading rip %#x: %w", rip, err)
	}

	d, err := x86asm.Decode(insn[:n], 64)
	if err != nil {
		return "", fmt.Errorf("decoding % x: %w", insn[:n], err)
	}

	return x86asm.GNUSyntax(d, rip, nil), nil
}

// Release frees the VMCS and host context and, for host vCPUs, leaves VMX
// root operation. Like vmx.VMX.Release it never fails; problems are logged.
func (v *VCPU) Release() {
	defer func() {
		if r := recover(); r != nil {
			v.log.WithField("panic", r).Error("releasing vcpu")
		}
	}()

	v.state.Store(uint32(Halted))

	if v.vmcs != nil {
		if err := v.vmcs.release(v.alloc); err != nil {
			v.log.WithError(err).Error("releasing VMCS")
		}

		v.vmcs = nil
	}

	if v.ctx != nil {
		if err := v.ctx.release(v.alloc); err != nil {
			v.log.WithError(err).Error("releasing host context")
		}
	}

	if v.ownsVMX {
		v.vmx.Release()
		v.ownsVMX = false
	}
}
