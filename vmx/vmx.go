// Package vmx moves the current core in and out of VMX root operation.
//
// New runs every architectural precondition as a gate: CPUID, the
// IA32_VMX_BASIC capability MSR, the CR0/CR4 fixed-bit MSRs and
// IA32_FEATURE_CONTROL. Only then is CR4.VMXE set and VMXON executed.
package vmx

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/x86"
)

// ErrHardwareUnsupported is returned when a capability check fails.
var ErrHardwareUnsupported = errors.New("hardware does not support VMX operation")

// PageAllocator provides the VMXON region.
type PageAllocator interface {
	Alloc() (*memory.Page, error)
	Free(*memory.Page) error
}

// Translator resolves the physical address of a hypervisor virtual address.
// hpt.Table is one.
type Translator interface {
	VirtToPhys(virt uint64) (uint64, error)
}

// VMX is the VMX root operation state of one core.
type VMX struct {
	intr  x86.Intrinsics
	alloc PageAllocator
	log   logrus.FieldLogger

	basic  x86.VMXBasic
	region *memory.Page
	phys   uint64
	on     bool
}

// CheckCPUID verifies CPUID.1:ECX.VMX.
func CheckCPUID(intr x86.Intrinsics) error {
	_, _, ecx, _ := intr.CPUID(x86.CPUIDFeatures, 0)
	if ecx&x86.CPUIDFeaturesECXxVMX == 0 {
		return fmt.Errorf("cpuid: VMX not reported: %w", ErrHardwareUnsupported)
	}

	return nil
}

// CheckCapabilitiesMSR verifies IA32_VMX_BASIC: no 32-bit physical address
// limit, write-back memory type and the true capability controls.
func CheckCapabilitiesMSR(basic x86.VMXBasic) error {
	if basic.PhysAddrWidth32() {
		return fmt.Errorf("vmx basic %#x: physical addresses limited to 32 bits: %w",
			uint64(basic), ErrHardwareUnsupported)
	}

	if basic.MemoryType() != x86.MemoryTypeWriteBack {
		return fmt.Errorf("vmx basic %#x: memory type %d is not write-back: %w",
			uint64(basic), basic.MemoryType(), ErrHardwareUnsupported)
	}

	if !basic.TrueControls() {
		return fmt.Errorf("vmx basic %#x: true controls unavailable: %w",
			uint64(basic), ErrHardwareUnsupported)
	}

	return nil
}

// CheckFixedBits verifies r against a fixed0/fixed1 MSR pair: every bit set
// in fixed0 must be set in r and every bit clear in fixed1 must be clear.
func CheckFixedBits(name string, r, fixed0, fixed1 uint64) error {
	if bad := (^r & fixed0) | (r &^ fixed1); bad != 0 {
		return fmt.Errorf("%s %#x violates fixed0 %#x fixed1 %#x (bits %#x): %w",
			name, r, fixed0, fixed1, bad, ErrHardwareUnsupported)
	}

	return nil
}

// FixedMSRs are the CR0/CR4 fixed-bit capability MSRs.
type FixedMSRs struct {
	CR0Fixed0, CR0Fixed1 uint64
	CR4Fixed0, CR4Fixed1 uint64
}

// MSRReader reads model specific registers. x86.Intrinsics is one.
type MSRReader interface {
	ReadMSR(msr uint32) (uint64, error)
}

// ReadFixedMSRs reads the four fixed-bit MSRs.
func ReadFixedMSRs(r MSRReader) (FixedMSRs, error) {
	var f FixedMSRs

	for _, m := range []struct {
		msr uint32
		dst *uint64
	}{
		{x86.MSRVMXCR0Fixed0, &f.CR0Fixed0},
		{x86.MSRVMXCR0Fixed1, &f.CR0Fixed1},
		{x86.MSRVMXCR4Fixed0, &f.CR4Fixed0},
		{x86.MSRVMXCR4Fixed1, &f.CR4Fixed1},
	} {
		v, err := r.ReadMSR(m.msr)
		if err != nil {
			return f, fmt.Errorf("reading fixed msr %#x: %w: %w", m.msr, err, ErrHardwareUnsupported)
		}

		*m.dst = v
	}

	return f, nil
}

// checkControlRegisters validates CR0 and CR4. Before VMXE is set, the
// VMXE requirement of CR4 fixed0 is ignored since New is about to set it.
func checkControlRegisters(intr x86.Intrinsics, f FixedMSRs, enabled bool) error {
	if err := CheckFixedBits("cr0", intr.ReadCR0(), f.CR0Fixed0, f.CR0Fixed1); err != nil {
		return err
	}

	cr4Fixed0 := f.CR4Fixed0
	if !enabled {
		cr4Fixed0 &^= x86.CR4xVMXE
	}

	return CheckFixedBits("cr4", intr.ReadCR4(), cr4Fixed0, f.CR4Fixed1)
}

// CheckFeatureControl makes sure IA32_FEATURE_CONTROL permits VMXON outside
// SMX, locking it if the firmware left it unlocked.
func CheckFeatureControl(intr x86.Intrinsics) error {
	fc, err := intr.ReadMSR(x86.MSRFeatureControl)
	if err != nil {
		return fmt.Errorf("reading feature control: %w: %w", err, ErrHardwareUnsupported)
	}

	if fc&x86.FeatureControlxLock != 0 {
		if fc&x86.FeatureControlxVMXOutsideSMX == 0 {
			return fmt.Errorf("feature control %#x locked with VMX outside SMX disabled: %w",
				fc, ErrHardwareUnsupported)
		}

		return nil
	}

	fc |= x86.FeatureControlxVMXOutsideSMX | x86.FeatureControlxLock
	if err := intr.WriteMSR(x86.MSRFeatureControl, fc); err != nil {
		return fmt.Errorf("locking feature control: %w: %w", err, ErrHardwareUnsupported)
	}

	return nil
}

// New enters VMX root operation on the core intr belongs to. On failure
// CR4 and the region are restored to their state before the call; only a
// feature-control lock, which the architecture makes permanent, remains.
func New(intr x86.Intrinsics, alloc PageAllocator, xlate Translator, log logrus.FieldLogger) (*VMX, error) {
	v := &VMX{intr: intr, alloc: alloc, log: log}

	if err := CheckCPUID(intr); err != nil {
		return nil, err
	}

	basic, err := intr.ReadMSR(x86.MSRVMXBasic)
	if err != nil {
		return nil, fmt.Errorf("reading vmx basic: %w: %w", err, ErrHardwareUnsupported)
	}

	v.basic = x86.VMXBasic(basic)
	if err := CheckCapabilitiesMSR(v.basic); err != nil {
		return nil, err
	}

	fixed, err := ReadFixedMSRs(intr)
	if err != nil {
		return nil, err
	}

	if err := checkControlRegisters(intr, fixed, false); err != nil {
		return nil, err
	}

	if err := CheckFeatureControl(intr); err != nil {
		return nil, err
	}

	cr4 := intr.ReadCR4()
	if cr4&x86.CR4xVMXE != 0 {
		log.Warn("VMX was already enabled, forcing VMXOFF")

		if err := intr.VMXOff(); err != nil {
			log.WithError(err).Warn("VMXOFF of stale VMX operation failed")
		}
	}

	if err := intr.WriteCR4(cr4 | x86.CR4xVMXE); err != nil {
		return nil, fmt.Errorf("setting CR4.VMXE: %w", err)
	}

	if err := v.start(xlate, fixed); err != nil {
		if rerr := intr.WriteCR4(cr4); rerr != nil {
			log.WithError(rerr).Error("restoring CR4 failed")
		}

		if v.region != nil {
			if ferr := alloc.Free(v.region); ferr != nil {
				log.WithError(ferr).Error("freeing VMXON region failed")
			}

			v.region = nil
		}

		return nil, err
	}

	log.WithField("region", fmt.Sprintf("%#x", v.phys)).Debug("entered VMX root operation")

	return v, nil
}

func (v *VMX) start(xlate Translator, fixed FixedMSRs) error {
	if err := checkControlRegisters(v.intr, fixed, true); err != nil {
		return err
	}

	region, err := v.alloc.Alloc()
	if err != nil {
		return fmt.Errorf("allocating VMXON region: %w", err)
	}

	v.region = region

	if v.phys, err = xlate.VirtToPhys(region.Virt); err != nil {
		return fmt.Errorf("resolving VMXON region: %w", err)
	}

	binary.LittleEndian.PutUint32(region.Bytes, v.basic.Revision())

	if err := v.intr.VMXOn(v.phys); err != nil {
		return fmt.Errorf("vmxon %#x: %w", v.phys, err)
	}

	v.on = true

	return nil
}

// Basic is the IA32_VMX_BASIC value read at construction.
func (v *VMX) Basic() x86.VMXBasic {
	return v.basic
}

// RegionPhys is the physical address of the VMXON region.
func (v *VMX) RegionPhys() uint64 {
	return v.phys
}

// Enabled reports whether the core is still in VMX root operation.
func (v *VMX) Enabled() bool {
	return v != nil && v.on
}

// Release leaves VMX root operation and clears CR4.VMXE. It may run while
// an error is unwinding, so it never panics and never returns an error;
// failures are logged.
func (v *VMX) Release() {
	if v == nil || !v.on {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			v.log.WithField("panic", r).Error("leaving VMX operation")
		}
	}()

	v.on = false

	if err := v.intr.VMXOff(); err != nil {
		v.log.WithError(err).Error("VMXOFF failed")
	}

	if err := v.intr.WriteCR4(v.intr.ReadCR4() &^ x86.CR4xVMXE); err != nil {
		v.log.WithError(err).Error("clearing CR4.VMXE failed")
	}

	if err := v.alloc.Free(v.region); err != nil {
		v.log.WithError(err).Error("freeing VMXON region failed")
	}

	v.region = nil
}
