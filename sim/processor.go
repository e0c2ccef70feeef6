// Package sim provides a software x86 processor that implements
// x86.Intrinsics. It keeps just enough architectural state (control
// registers, MSRs, a VMCS field store) to drive the VMX lifecycle, the
// vCPU and the exit dispatcher without hardware.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/govmx/x86"
)

var (
	// ErrGeneralProtection is returned for accesses real hardware would fault on.
	ErrGeneralProtection = errors.New("general protection fault")

	// ErrVMFail is VMfailInvalid / VMfailValid from a VMX instruction.
	ErrVMFail = errors.New("vmx instruction failed")
)

// Revision is the VMCS revision identifier reported by default.
const Revision = 0x12

// Step names a privileged operation that Fail can make fail.
type Step string

const (
	StepWriteCR4 Step = "wrcr4"
	StepWriteMSR Step = "wrmsr"
	StepVMXOn    Step = "vmxon"
	StepVMXOff   Step = "vmxoff"
	StepVMClear  Step = "vmclear"
	StepVMPtrLd  Step = "vmptrld"
	StepVMWrite  Step = "vmwrite"
	StepVMLaunch Step = "vmlaunch"
	StepVMResume Step = "vmresume"
)

// Processor is one simulated logical processor.
type Processor struct {
	mu sync.Mutex

	cpuid map[uint32][4]uint32
	msrs  map[uint32]uint64

	cr0, cr3, cr4 uint64

	vmxOn   bool
	loaded  bool
	current uint64
	vmcs    map[uint64]map[x86.VMCSField]uint64
	memory  func(phys uint64) []byte

	fail map[Step]error

	launches, resumes, halts int
}

// New returns a processor with an Intel-like VMX capable configuration.
// memory resolves a physical page to its bytes so VMXON can check the
// revision identifier; it may be nil.
func New(memory func(phys uint64) []byte) *Processor {
	p := &Processor{
		cpuid: map[uint32][4]uint32{
			0:                     {0x16, 0x756e6547, 0x6c65746e, 0x49656e69}, // GenuineIntel
			x86.CPUIDFeatures:     {0x000906ea, 0, x86.CPUIDFeaturesECXxVMX, 0},
			0x80000000:            {0x80000008, 0, 0, 0},
			x86.CPUIDAddressSizes: {0x3027, 0, 0, 0}, // 39 physical, 48 linear
		},
		msrs: map[uint32]uint64{
			x86.MSRFeatureControl:       0,
			x86.MSRVMXBasic:             uint64(x86.NewVMXBasic(Revision, x86.PageSize, false, x86.MemoryTypeWriteBack, true)),
			x86.MSRVMXCR0Fixed0:         x86.CR0xPE | x86.CR0xNE | x86.CR0xPG,
			x86.MSRVMXCR0Fixed1:         0xffffffff,
			x86.MSRVMXCR4Fixed0:         x86.CR4xVMXE,
			x86.MSRVMXCR4Fixed1:         0x003767ff,
			x86.MSRVMXTruePinBasedCtls:  0x0000007f_00000016,
			x86.MSRVMXTrueProcBasedCtls: 0xfff9fffe_04006172,
			x86.MSRVMXTrueExitCtls:      0x01ffffff_00036dfb,
			x86.MSRVMXTrueEntryCtls:     0x0003ffff_000011fb,
			x86.MSREFER:                 0xd01,
		},
		cr0:    x86.CR0xPE | x86.CR0xMP | x86.CR0xET | x86.CR0xNE | x86.CR0xWP | x86.CR0xAM | x86.CR0xPG,
		cr3:    0x1000,
		cr4:    x86.CR4xPAE | x86.CR4xPGE | x86.CR4xOSFXSR | x86.CR4xOSXMMEXCPT,
		vmcs:   map[uint64]map[x86.VMCSField]uint64{},
		memory: memory,
		fail:   map[Step]error{},
	}

	return p
}

// SetCPUID overrides a CPUID leaf.
func (p *Processor) SetCPUID(leaf uint32, eax, ebx, ecx, edx uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cpuid[leaf] = [4]uint32{eax, ebx, ecx, edx}
}

// SetMSR overrides an MSR without going through WriteMSR.
func (p *Processor) SetMSR(msr uint32, value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.msrs[msr] = value
}

// SetCR0 overrides CR0.
func (p *Processor) SetCR0(v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cr0 = v
}

// SetCR4 overrides CR4 without the WriteCR4 checks.
func (p *Processor) SetCR4(v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cr4 = v
}

// Fail makes step return err until cleared with a nil err.
func (p *Processor) Fail(step Step, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		delete(p.fail, step)

		return
	}

	p.fail[step] = err
}

func (p *Processor) failed(step Step) error {
	if err, ok := p.fail[step]; ok {
		return fmt.Errorf("%s: %w", step, err)
	}

	return nil
}

// VMXOperation reports whether the processor is in VMX root operation.
func (p *Processor) VMXOperation() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.vmxOn
}

// Counts returns how many times VMLAUNCH, VMRESUME and HLT ran.
func (p *Processor) Counts() (launches, resumes, halts int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.launches, p.resumes, p.halts
}

func (p *Processor) CPUID(leaf, _ uint32) (eax, ebx, ecx, edx uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.cpuid[leaf]

	return r[0], r[1], r[2], r[3]
}

func (p *Processor) ReadMSR(msr uint32) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.msrs[msr]
	if !ok {
		return 0, fmt.Errorf("rdmsr %#x: %w", msr, ErrGeneralProtection)
	}

	return v, nil
}

func (p *Processor) WriteMSR(msr uint32, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failed(StepWriteMSR); err != nil {
		return err
	}

	old, ok := p.msrs[msr]
	if !ok {
		return fmt.Errorf("wrmsr %#x: %w", msr, ErrGeneralProtection)
	}

	if msr == x86.MSRFeatureControl && old&x86.FeatureControlxLock != 0 {
		return fmt.Errorf("wrmsr %#x: locked: %w", msr, ErrGeneralProtection)
	}

	p.msrs[msr] = value

	return nil
}

func (p *Processor) ReadCR0() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cr0
}

func (p *Processor) ReadCR3() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cr3
}

func (p *Processor) ReadCR4() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cr4
}

func (p *Processor) WriteCR4(value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failed(StepWriteCR4); err != nil {
		return err
	}

	if p.vmxOn && value&x86.CR4xVMXE == 0 {
		return fmt.Errorf("clearing CR4.VMXE in VMX operation: %w", ErrGeneralProtection)
	}

	p.cr4 = value

	return nil
}

func (p *Processor) VMXOn(phys uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failed(StepVMXOn); err != nil {
		return err
	}

	if p.cr4&x86.CR4xVMXE == 0 {
		return fmt.Errorf("vmxon with CR4.VMXE clear: %w", ErrGeneralProtection)
	}

	if p.vmxOn {
		return fmt.Errorf("vmxon in VMX operation: %w", ErrVMFail)
	}

	if phys&(x86.PageSize-1) != 0 {
		return fmt.Errorf("vmxon region %#x not page aligned: %w", phys, ErrVMFail)
	}

	if err := p.checkRevision(phys); err != nil {
		return fmt.Errorf("vmxon: %w", err)
	}

	p.vmxOn = true

	return nil
}

func (p *Processor) checkRevision(phys uint64) error {
	if p.memory == nil {
		return nil
	}

	b := p.memory(phys)
	if len(b) < 4 {
		return fmt.Errorf("region %#x not backed: %w", phys, ErrVMFail)
	}

	rev := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	if want := x86.VMXBasic(p.msrs[x86.MSRVMXBasic]).Revision(); rev != want {
		return fmt.Errorf("revision %#x, want %#x: %w", rev, want, ErrVMFail)
	}

	return nil
}

func (p *Processor) VMXOff() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failed(StepVMXOff); err != nil {
		return err
	}

	if !p.vmxOn {
		return fmt.Errorf("vmxoff outside VMX operation: %w", ErrVMFail)
	}

	p.vmxOn = false
	p.loaded = false

	return nil
}

func (p *Processor) VMClear(phys uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failed(StepVMClear); err != nil {
		return err
	}

	if !p.vmxOn {
		return fmt.Errorf("vmclear outside VMX operation: %w", ErrVMFail)
	}

	if err := p.checkRevision(phys); err != nil {
		return fmt.Errorf("vmclear: %w", err)
	}

	p.vmcs[phys] = map[x86.VMCSField]uint64{}

	if p.current == phys {
		p.loaded = false
	}

	return nil
}

func (p *Processor) VMPtrLd(phys uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failed(StepVMPtrLd); err != nil {
		return err
	}

	if _, ok := p.vmcs[phys]; !ok || !p.vmxOn {
		return fmt.Errorf("vmptrld %#x: %w", phys, ErrVMFail)
	}

	p.current = phys
	p.loaded = true

	return nil
}

func (p *Processor) VMRead(field x86.VMCSField) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fields, ok := p.vmcs[p.current]
	if !ok || !p.loaded {
		return 0, fmt.Errorf("vmread %#x without current VMCS: %w", field, ErrVMFail)
	}

	return fields[field], nil
}

func (p *Processor) VMWrite(field x86.VMCSField, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failed(StepVMWrite); err != nil {
		return err
	}

	fields, ok := p.vmcs[p.current]
	if !ok || !p.loaded {
		return fmt.Errorf("vmwrite %#x without current VMCS: %w", field, ErrVMFail)
	}

	fields[field] = value

	return nil
}

func (p *Processor) VMLaunch() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(StepVMLaunch); err != nil {
		return err
	}

	p.launches++

	return nil
}

func (p *Processor) VMResume() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(StepVMResume); err != nil {
		return err
	}

	p.resumes++

	return nil
}

func (p *Processor) enter(step Step) error {
	fields, ok := p.vmcs[p.current]
	if !ok || !p.loaded {
		return fmt.Errorf("%s without current VMCS: %w", step, ErrVMFail)
	}

	if err := p.failed(step); err != nil {
		// VM-instruction error 7: VM entry with invalid control field(s).
		fields[x86.VMCSInstructionError] = 7

		return err
	}

	return nil
}

func (p *Processor) Halt() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.halts++
}

// InjectExit stores the exit information fields of the current VMCS the
// way hardware does on a VM exit. The caller then delivers the exit to the
// vCPU.
func (p *Processor) InjectExit(reason uint64, qualification, instrLen uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fields, ok := p.vmcs[p.current]
	if !ok || !p.loaded {
		return fmt.Errorf("exit without current VMCS: %w", ErrVMFail)
	}

	fields[x86.VMCSExitReason] = reason
	fields[x86.VMCSExitQualification] = qualification
	fields[x86.VMCSExitInstrLength] = instrLen

	return nil
}
