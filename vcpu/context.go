package vcpu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/bobuhiro11/govmx/x86"
)

// StackPages is the size of each host stack.
const StackPages = 2

// tssOffset is where the TSS lives in the descriptor table page.
const tssOffset = 0x800

// PageAllocator provides the pages of a vCPU.
type PageAllocator interface {
	Alloc() (*memory.Page, error)
	AllocN(n int) (*memory.Page, error)
	Free(*memory.Page) error
}

// HostContext is the host side of a vCPU: the stacks exits run on, the
// descriptor tables loaded on every exit and the saved guest registers.
type HostContext struct {
	InterruptStack *memory.Page
	Stack          *memory.Page
	Tables         *memory.Page

	State x86.SavedState
}

func top(p *memory.Page) uint64 {
	return p.Virt + uint64(len(p.Bytes))
}

// NewHostContext allocates the stacks and descriptor tables and snapshots
// the fixed-bit capability MSRs into the saved state.
func NewHostContext(alloc PageAllocator, fixed vmx.FixedMSRs) (*HostContext, error) {
	c := &HostContext{}

	var err error

	if c.InterruptStack, err = alloc.AllocN(StackPages); err != nil {
		return nil, fmt.Errorf("interrupt stack: %w", err)
	}

	if c.Stack, err = alloc.AllocN(StackPages); err != nil {
		c.release(alloc)

		return nil, fmt.Errorf("host stack: %w", err)
	}

	if c.Tables, err = alloc.Alloc(); err != nil {
		c.release(alloc)

		return nil, fmt.Errorf("descriptor tables: %w", err)
	}

	encodeTSS(c.Tables.Bytes[tssOffset:], top(c.Stack), top(c.InterruptStack))
	encodeGDT(c.Tables.Bytes, c.TSSBase())

	c.State.CR0Fixed0, c.State.CR0Fixed1 = fixed.CR0Fixed0, fixed.CR0Fixed1
	c.State.CR4Fixed0, c.State.CR4Fixed1 = fixed.CR4Fixed0, fixed.CR4Fixed1

	return c, nil
}

// StackTop is the initial host RSP on exit.
func (c *HostContext) StackTop() uint64 {
	return top(c.Stack)
}

func (c *HostContext) GDTBase() uint64 {
	return c.Tables.Virt
}

func (c *HostContext) TSSBase() uint64 {
	return c.Tables.Virt + tssOffset
}

// GDT decodes the descriptor table.
func (c *HostContext) GDT() []Descriptor {
	ds := make([]Descriptor, gdtEntries)
	for i := range ds {
		ds[i] = Descriptor(binary.LittleEndian.Uint64(c.Tables.Bytes[i*8:]))
	}

	return ds
}

func (c *HostContext) release(alloc PageAllocator) error {
	var errs []error

	for _, p := range []**memory.Page{&c.InterruptStack, &c.Stack, &c.Tables} {
		if *p == nil {
			continue
		}

		if err := alloc.Free(*p); err != nil {
			errs = append(errs, err)
		}

		*p = nil
	}

	return errors.Join(errs...)
}
