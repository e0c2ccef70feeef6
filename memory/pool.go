package memory

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/govmx/x86"
)

var (
	// ErrOutOfMemory is returned when the pool cannot satisfy an allocation.
	ErrOutOfMemory = errors.New("memory pool exhausted")

	errBadPoolSize = errors.New("pool size must be a non-zero multiple of the page size")
	errBadPhysBase = errors.New("pool physical base must be page aligned")
	errNotFromPool = errors.New("page does not belong to the pool")
)

const (
	// Poison is an instruction that should force a vmexit.
	// it fills memory to make catching guest errors easier.
	// vmcall, nop is this pattern
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)

// Page is a run of one or more contiguous pages handed out by a Pool.
type Page struct {
	Virt  uint64
	Phys  uint64
	Bytes []byte
}

// Pages is the number of pages in the run.
func (p *Page) Pages() int {
	return len(p.Bytes) / x86.PageSize
}

// Pool is the page allocator backing every structure the hypervisor owns:
// VMX regions, VMCSs, stacks, descriptor tables and page-table nodes.
// Physical addresses are physBase plus the offset into the mapping.
type Pool struct {
	mu       sync.Mutex
	buf      []byte
	physBase uint64
	used     []bool
	nfree    int
}

// NewPool maps size bytes of anonymous memory for the pool.
func NewPool(size int, physBase uint64) (*Pool, error) {
	if size <= 0 || size%x86.PageSize != 0 {
		return nil, fmt.Errorf("%d: %w", size, errBadPoolSize)
	}

	if physBase%x86.PageSize != 0 {
		return nil, fmt.Errorf("%#x: %w", physBase, errBadPhysBase)
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if errors.Is(err, unix.ENOMEM) {
		return nil, fmt.Errorf("mmap pool of %d bytes: %w", size, ErrOutOfMemory)
	}

	if err != nil {
		return nil, fmt.Errorf("mmap pool: %w", err)
	}

	n := size / x86.PageSize

	// Poison memory.
	// 0 is valid instruction and if you start running in the middle of all those
	// 0's it is impossible to diagnore.
	for i := 0; i < len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	return &Pool{
		buf:      buf,
		physBase: physBase,
		used:     make([]bool, n),
		nfree:    n,
	}, nil
}

// Base is the virtual address of the first pool page.
func (p *Pool) Base() uint64 {
	if len(p.buf) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&p.buf[0])))
}

// PhysBase is the physical address of the first pool page.
func (p *Pool) PhysBase() uint64 {
	return p.physBase
}

// Size is the pool size in bytes.
func (p *Pool) Size() int {
	return len(p.buf)
}

// Free pages left.
func (p *Pool) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.nfree
}

// Alloc returns one zeroed page.
func (p *Pool) Alloc() (*Page, error) {
	return p.AllocN(1)
}

// AllocN returns n physically contiguous zeroed pages.
func (p *Pool) AllocN(n int) (*Page, error) {
	if n <= 0 {
		return nil, fmt.Errorf("allocating %d pages: %w", n, ErrOutOfMemory)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	run := 0

	for i := range p.used {
		if p.used[i] {
			run = 0

			continue
		}

		run++
		if run < n {
			continue
		}

		first := i - n + 1
		for j := first; j <= i; j++ {
			p.used[j] = true
		}

		p.nfree -= n

		b := p.buf[first*x86.PageSize : (i+1)*x86.PageSize : (i+1)*x86.PageSize]
		clear(b)

		return &Page{
			Virt:  p.Base() + uint64(first*x86.PageSize),
			Phys:  p.physBase + uint64(first*x86.PageSize),
			Bytes: b,
		}, nil
	}

	return nil, fmt.Errorf("allocating %d pages (%d free): %w", n, p.nfree, ErrOutOfMemory)
}

// Free returns pg to the pool and poisons it.
func (p *Pool) Free(pg *Page) error {
	if pg == nil {
		return nil
	}

	off, ok := p.offset(pg.Virt)
	if !ok || pg.Phys != p.physBase+off {
		return fmt.Errorf("%#x: %w", pg.Virt, errNotFromPool)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	first := int(off / x86.PageSize)
	for i := first; i < first+pg.Pages(); i++ {
		if p.used[i] {
			p.used[i] = false
			p.nfree++
		}
	}

	for i := 0; i < len(pg.Bytes); i += len(Poison) {
		copy(pg.Bytes[i:], Poison)
	}

	return nil
}

func (p *Pool) offset(virt uint64) (uint64, bool) {
	base := p.Base()
	if virt < base || virt >= base+uint64(len(p.buf)) {
		return 0, false
	}

	return virt - base, true
}

// Contains reports whether virt lies inside the pool.
func (p *Pool) Contains(virt uint64) bool {
	_, ok := p.offset(virt)

	return ok
}

// VirtToPhys translates an address inside the pool.
func (p *Pool) VirtToPhys(virt uint64) (uint64, error) {
	off, ok := p.offset(virt)
	if !ok {
		return 0, fmt.Errorf("%#x: %w", virt, errNotFromPool)
	}

	return p.physBase + off, nil
}

// PhysToBytes returns the rest of the pool page containing phys, or nil if
// phys is outside the pool.
func (p *Pool) PhysToBytes(phys uint64) []byte {
	if phys < p.physBase || phys >= p.physBase+uint64(len(p.buf)) {
		return nil
	}

	off := phys - p.physBase
	end := (off &^ (x86.PageSize - 1)) + x86.PageSize

	return p.buf[off:end]
}

// Descriptors describes the pool as one descriptor per page, ready to be
// added to a Map and the host page table.
func (p *Pool) Descriptors(typ Type) []Descriptor {
	ds := make([]Descriptor, 0, len(p.used))
	for off := 0; off < len(p.buf); off += x86.PageSize {
		ds = append(ds, Descriptor{
			Phys: p.physBase + uint64(off),
			Virt: p.Base() + uint64(off),
			Type: typ,
		})
	}

	return ds
}

// Release unmaps the pool. No page may be used afterwards.
func (p *Pool) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.buf == nil {
		return nil
	}

	err := unix.Munmap(p.buf)
	p.buf = nil

	return err
}
