// Package probe reports the VMX capabilities of a real core without
// changing any state: CPUID, IA32_VMX_BASIC, the fixed-bit and true control
// MSRs and IA32_FEATURE_CONTROL.
package probe

import (
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/govmx/cpuid"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/bobuhiro11/govmx/x86"
)

// Control is one allowed-settings capability MSR: bits that must be 1 in
// the low half, bits that may be 1 in the high half.
type Control struct {
	Name    string
	MSR     uint32
	Value   uint64
	Missing bool
}

func (c Control) MustBeOne() uint32 { return uint32(c.Value) }
func (c Control) MayBeOne() uint32  { return uint32(c.Value >> 32) }

// Report is what Collect found. Problems lists every check New would fail.
type Report struct {
	Core           int
	Vendor         string
	Features       cpuid.Entry
	Basic          x86.VMXBasic
	Fixed          vmx.FixedMSRs
	FeatureControl uint64
	Controls       []Control
	Problems       []error
}

// CPUIDFunc executes CPUID on the core being probed.
type CPUIDFunc func(leaf, subleaf uint32) cpuid.Entry

// Collect reads the VMX capabilities of the core msrs and id belong to.
// Only a missing msr device or an unreadable IA32_VMX_BASIC is an error;
// failed checks are recorded in the report.
func Collect(core int, id CPUIDFunc, msrs MSRReader) (*Report, error) {
	r := &Report{
		Core:     core,
		Vendor:   id(cpuid.LeafVendor, 0).Vendor(),
		Features: id(cpuid.LeafFeatures, 0),
	}

	if r.Features.Regs[cpuid.ECX]&(1<<cpuid.VMX) == 0 {
		r.Problems = append(r.Problems, fmt.Errorf("cpuid: VMX not reported: %w", vmx.ErrHardwareUnsupported))

		return r, nil
	}

	basic, err := msrs.ReadMSR(x86.MSRVMXBasic)
	if err != nil {
		return nil, err
	}

	r.Basic = x86.VMXBasic(basic)
	if err := vmx.CheckCapabilitiesMSR(r.Basic); err != nil {
		r.Problems = append(r.Problems, err)
	}

	fixed, err := vmx.ReadFixedMSRs(msrs)
	if err != nil {
		r.Problems = append(r.Problems, err)
	}

	r.Fixed = fixed

	if r.FeatureControl, err = msrs.ReadMSR(x86.MSRFeatureControl); err != nil {
		r.Problems = append(r.Problems, err)
	} else if r.FeatureControl&x86.FeatureControlxLock != 0 &&
		r.FeatureControl&x86.FeatureControlxVMXOutsideSMX == 0 {
		r.Problems = append(r.Problems, fmt.Errorf("feature control %#x locked with VMX outside SMX disabled: %w",
			r.FeatureControl, vmx.ErrHardwareUnsupported))
	}

	for _, c := range []Control{
		{Name: "pin-based", MSR: x86.MSRVMXTruePinBasedCtls},
		{Name: "proc-based", MSR: x86.MSRVMXTrueProcBasedCtls},
		{Name: "exit", MSR: x86.MSRVMXTrueExitCtls},
		{Name: "entry", MSR: x86.MSRVMXTrueEntryCtls},
	} {
		if c.Value, err = msrs.ReadMSR(c.MSR); err != nil {
			c.Missing = true
		}

		r.Controls = append(r.Controls, c)
	}

	return r, nil
}

// Supported reports whether every check passed.
func (r *Report) Supported() bool {
	return len(r.Problems) == 0
}

// FeatureControlState describes IA32_FEATURE_CONTROL.
func FeatureControlState(fc uint64) string {
	switch {
	case fc&x86.FeatureControlxLock == 0:
		return "unlocked (VMX enable locks it)"
	case fc&x86.FeatureControlxVMXOutsideSMX != 0:
		return "locked, VMX outside SMX enabled"
	}

	return "locked, VMX outside SMX disabled"
}

// Write prints r the way the probe command shows it.
func (r *Report) Write(w io.Writer) {
	fmt.Fprintf(w, "core %d: %s\n", r.Core, r.Vendor)

	fmt.Fprintf(w, "F_1_Ecx.\n")
	printFeatures(w, cpuid.AllF1Ecx, r.Features.Regs[cpuid.ECX])

	if r.Basic != 0 {
		fmt.Fprintf(w, "IA32_VMX_BASIC %#x: revision %#x, region %d bytes, memory type %d, 32-bit %v, true controls %v\n",
			uint64(r.Basic), r.Basic.Revision(), r.Basic.RegionSize(), r.Basic.MemoryType(),
			r.Basic.PhysAddrWidth32(), r.Basic.TrueControls())
		fmt.Fprintf(w, "CR0 fixed0 %#x fixed1 %#x\n", r.Fixed.CR0Fixed0, r.Fixed.CR0Fixed1)
		fmt.Fprintf(w, "CR4 fixed0 %#x fixed1 %#x\n", r.Fixed.CR4Fixed0, r.Fixed.CR4Fixed1)
		fmt.Fprintf(w, "IA32_FEATURE_CONTROL %#x: %s\n", r.FeatureControl, FeatureControlState(r.FeatureControl))
	}

	for _, c := range r.Controls {
		if c.Missing {
			fmt.Fprintf(w, "%s controls: unavailable\n", c.Name)

			continue
		}

		fmt.Fprintf(w, "%s controls: must be 1 %#08x, may be 1 %#08x\n", c.Name, c.MustBeOne(), c.MayBeOne())
	}

	if r.Supported() {
		fmt.Fprintf(w, "VMX operation: supported\n")

		return
	}

	fmt.Fprintf(w, "VMX operation: unsupported\n")

	for _, p := range r.Problems {
		fmt.Fprintf(w, "* %v\n", p)
	}
}

func printFeatures[T cpuid.Feature](w io.Writer, features []T, reg uint32) {
	enabled, disabled := cpuid.Split(features, reg)

	fmt.Fprintf(w, "* Enabled:")

	for _, f := range enabled {
		fmt.Fprintf(w, " %s", f.String())
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, f := range disabled {
		fmt.Fprintf(w, " %s", f.String())
	}

	fmt.Fprintf(w, "\n\n")
}

// Run pins to core and reports its capabilities to w.
func Run(w io.Writer, core int) error {
	unpin, err := Pin(core)
	if err != nil {
		return err
	}
	defer unpin()

	msrs, err := OpenMSR(core)
	if err != nil {
		return err
	}
	defer msrs.Close()

	r, err := Collect(core, func(leaf, subleaf uint32) cpuid.Entry { return cpuid.Read(leaf, subleaf) }, msrs)
	if err != nil {
		return err
	}

	r.Write(w)

	if !r.Supported() {
		return errors.Join(r.Problems...)
	}

	return nil
}
