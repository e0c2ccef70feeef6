package vcpu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/bobuhiro11/govmx/x86"
)

// VMCS is the control structure of one vCPU.
type VMCS struct {
	intr x86.Intrinsics
	page *memory.Page
	phys uint64
}

func newVMCS(intr x86.Intrinsics, alloc PageAllocator, xlate vmx.Translator, revision uint32) (*VMCS, error) {
	page, err := alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating VMCS: %w", err)
	}

	c := &VMCS{intr: intr, page: page}

	if c.phys, err = xlate.VirtToPhys(page.Virt); err != nil {
		alloc.Free(page)

		return nil, fmt.Errorf("resolving VMCS: %w", err)
	}

	binary.LittleEndian.PutUint32(page.Bytes, revision)

	if err := intr.VMClear(c.phys); err != nil {
		alloc.Free(page)

		return nil, fmt.Errorf("vmclear %#x: %w", c.phys, err)
	}

	return c, nil
}

// Phys is the VMCS pointer.
func (c *VMCS) Phys() uint64 {
	return c.phys
}

// Load makes this the current VMCS of the core.
func (c *VMCS) Load() error {
	if err := c.intr.VMPtrLd(c.phys); err != nil {
		return fmt.Errorf("vmptrld %#x: %w", c.phys, err)
	}

	return nil
}

func (c *VMCS) Read(f x86.VMCSField) (uint64, error) {
	v, err := c.intr.VMRead(f)
	if err != nil {
		return 0, fmt.Errorf("vmread %#x: %w", uint32(f), err)
	}

	return v, nil
}

type fieldValue struct {
	field x86.VMCSField
	value uint64
}

func (c *VMCS) write(fields []fieldValue) error {
	for _, f := range fields {
		if err := c.intr.VMWrite(f.field, f.value); err != nil {
			return fmt.Errorf("vmwrite %#x=%#x: %w", uint32(f.field), f.value, err)
		}
	}

	return nil
}

// controls pairs each VM-execution control field with the TRUE capability
// MSR that bounds it.
var controls = []struct {
	field   x86.VMCSField
	msr     uint32
	desired uint32
}{
	{x86.VMCSPinBasedControls, x86.MSRVMXTruePinBasedCtls, 0},
	{x86.VMCSProcBasedControls, x86.MSRVMXTrueProcBasedCtls, x86.ProcCtlsxHLTExiting},
	{x86.VMCSExitControls, x86.MSRVMXTrueExitCtls,
		x86.ExitCtlsxHostAddrSpaceSize | x86.ExitCtlsxAckInterrupt | x86.ExitCtlsxSaveEFER | x86.ExitCtlsxLoadEFER},
	{x86.VMCSEntryControls, x86.MSRVMXTrueEntryCtls, x86.EntryCtlsxIA32eGuest | x86.EntryCtlsxLoadEFER},
}

func (c *VMCS) writeControls() error {
	for _, ctl := range controls {
		capability, err := c.intr.ReadMSR(ctl.msr)
		if err != nil {
			return fmt.Errorf("reading control capability %#x: %w", ctl.msr, vmx.ErrHardwareUnsupported)
		}

		if err := c.write([]fieldValue{{ctl.field, uint64(x86.AdjustControls(ctl.desired, capability))}}); err != nil {
			return err
		}
	}

	return nil
}

// checkControls verifies every control field against its capability MSR:
// allowed-0 bits set and nothing outside allowed-1.
func (c *VMCS) checkControls() error {
	var errs []error

	for _, ctl := range controls {
		capability, err := c.intr.ReadMSR(ctl.msr)
		if err != nil {
			errs = append(errs, fmt.Errorf("reading control capability %#x: %w", ctl.msr, err))

			continue
		}

		v, err := c.Read(ctl.field)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		err = vmx.CheckFixedBits(fmt.Sprintf("control %#x", uint32(ctl.field)),
			v, capability&0xffffffff, capability>>32)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *VMCS) writeHost(intr x86.Intrinsics, ctx *HostContext, cr3, entry uint64) error {
	return c.write([]fieldValue{
		{x86.VMCSHostCSSelector, SelectorCode},
		{x86.VMCSHostSSSelector, SelectorData},
		{x86.VMCSHostDSSelector, SelectorData},
		{x86.VMCSHostESSelector, SelectorData},
		{x86.VMCSHostFSSelector, SelectorData},
		{x86.VMCSHostGSSelector, SelectorData},
		{x86.VMCSHostTRSelector, SelectorTSS},
		{x86.VMCSHostCR0, intr.ReadCR0()},
		{x86.VMCSHostCR3, cr3},
		{x86.VMCSHostCR4, intr.ReadCR4()},
		{x86.VMCSHostFSBase, 0},
		{x86.VMCSHostGSBase, 0},
		{x86.VMCSHostTRBase, ctx.TSSBase()},
		{x86.VMCSHostGDTRBase, ctx.GDTBase()},
		{x86.VMCSHostIDTRBase, 0},
		{x86.VMCSHostRSP, ctx.StackTop()},
		{x86.VMCSHostRIP, entry},
	})
}

// writeGuest starts the guest where the core currently is: its control
// registers become the guest's and execution continues at regs.RIP.
func (c *VMCS) writeGuest(intr x86.Intrinsics, regs *x86.Regs) error {
	return c.write([]fieldValue{
		{x86.VMCSLinkPointer, ^uint64(0)},
		{x86.VMCSGuestCR0, intr.ReadCR0()},
		{x86.VMCSGuestCR3, intr.ReadCR3()},
		{x86.VMCSGuestCR4, intr.ReadCR4()},
		{x86.VMCSGuestRSP, regs.RSP},
		{x86.VMCSGuestRIP, regs.RIP},
		{x86.VMCSGuestRFLAGS, regs.RFLAGS | x86.RFLAGSxReserved},
	})
}

func (c *VMCS) release(alloc PageAllocator) error {
	var errs []error

	if err := c.intr.VMClear(c.phys); err != nil {
		errs = append(errs, fmt.Errorf("vmclear %#x: %w", c.phys, err))
	}

	if err := alloc.Free(c.page); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
