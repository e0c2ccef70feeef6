// Package hpt implements the host page table: the 4-level translation
// structure the hypervisor uses to address its own memory.
//
// Every table level is a node of 512 entries backed by one page from an
// Allocator, so the hardware can walk it. Nodes live in an arena and refer
// to their children by handle; intermediate nodes are allocated the first
// time an index below them is mapped.
package hpt

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/x86"
)

var (
	// ErrMappingConflict is returned when mapping an address whose leaf entry
	// is already populated. Mappings are never overwritten.
	ErrMappingConflict = errors.New("virtual address already mapped")

	// ErrNotMapped is returned when no leaf entry maps the address.
	ErrNotMapped = errors.New("virtual address not mapped")

	// ErrUnaligned is returned when an address is not aligned to the
	// requested granularity.
	ErrUnaligned = errors.New("address not aligned to granularity")

	// ErrOutOfRange is returned for non-canonical addresses, unknown
	// granularities and bad node handles.
	ErrOutOfRange = errors.New("out of range")
)

// Granularity is the size of the page a leaf entry maps.
type Granularity uint64

const (
	Size4K Granularity = x86.PageSize
	Size2M Granularity = x86.PageSize2M
	Size1G Granularity = x86.PageSize1G
)

func (g Granularity) String() string {
	switch g {
	case Size4K:
		return "4K"
	case Size2M:
		return "2M"
	case Size1G:
		return "1G"
	}

	return fmt.Sprintf("Granularity(%#x)", uint64(g))
}

// level is the table level a granularity is mapped at.
func (g Granularity) level() (int, error) {
	switch g {
	case Size1G:
		return levelPDPT, nil
	case Size2M:
		return levelPD, nil
	case Size4K:
		return levelPT, nil
	}

	return 0, fmt.Errorf("granularity %v: %w", g, ErrOutOfRange)
}

// Rights are the access rights of a mapping.
type Rights int

const (
	ReadWrite Rights = iota
	ReadExecute
	ReadWriteExecute
)

// Cache is the caching policy of a mapping.
type Cache int

const (
	WriteBack Cache = iota
	Uncacheable
)

const (
	levelPML4 = iota
	levelPDPT
	levelPD
	levelPT

	numLevels = 4
)

const entriesPerNode = 512

//nolint:gochecknoglobals
var levelShifts = [numLevels]uint{39, 30, 21, 12}

//nolint:gochecknoglobals
var levelSizes = [numLevels]Granularity{1 << 39, Size1G, Size2M, Size4K}

// Allocator hands out the pages nodes live in. memory.Pool is one.
type Allocator interface {
	Alloc() (*memory.Page, error)
	Free(*memory.Page) error
}

// handle names a node in the table's arena. The zero handle is never used.
type handle int32

type node struct {
	page     *memory.Page
	entries  *[entriesPerNode]uint64
	children [entriesPerNode]handle
	level    int

	// base is the first virtual address of the window this node backs.
	base uint64
}

// Table is a host page table.
type Table struct {
	mu sync.Mutex

	alloc    Allocator
	nodes    []*node
	free     []handle
	root     handle
	rootPhys uint64
	physMask uint64
}

// Option configures a Table.
type Option func(*Table)

// WithPhysAddrBits sets the implementation's physical address width. Leaf
// and table addresses are masked to it.
func WithPhysAddrBits(bits uint) Option {
	return func(t *Table) {
		if bits == 0 || bits > x86.DefaultPhysAddrBits {
			bits = x86.DefaultPhysAddrBits
		}

		t.physMask = ((uint64(1) << bits) - 1) &^ (x86.PageSize - 1)
	}
}

// New allocates the top-level node.
func New(alloc Allocator, opts ...Option) (*Table, error) {
	t := &Table{
		alloc: alloc,
		nodes: []*node{nil},
	}

	WithPhysAddrBits(x86.DefaultPhysAddrBits)(t)

	for _, opt := range opts {
		opt(t)
	}

	root, err := t.newNode(levelPML4, 0)
	if err != nil {
		return nil, fmt.Errorf("allocating top level: %w", err)
	}

	t.root = root
	t.rootPhys = t.nodes[root].page.Phys

	return t, nil
}

// RootPhysicalAddress is the physical address of the top-level node, the
// value loaded into CR3. It never changes after New.
func (t *Table) RootPhysicalAddress() uint64 {
	return t.rootPhys
}

// PhysMask is the mask applied to physical addresses stored in entries.
func (t *Table) PhysMask() uint64 {
	return t.physMask
}

func (t *Table) newNode(level int, base uint64) (handle, error) {
	pg, err := t.alloc.Alloc()
	if err != nil {
		return 0, err
	}

	n := &node{
		page:    pg,
		entries: (*[entriesPerNode]uint64)(unsafe.Pointer(&pg.Bytes[0])),
		level:   level,
		base:    base,
	}

	if len(t.free) > 0 {
		h := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.nodes[h] = n

		return h, nil
	}

	t.nodes = append(t.nodes, n)

	return handle(len(t.nodes) - 1), nil
}

func (t *Table) node(h handle) (*node, error) {
	if h <= 0 || int(h) >= len(t.nodes) || t.nodes[h] == nil {
		return nil, fmt.Errorf("node handle %d: %w", h, ErrOutOfRange)
	}

	return t.nodes[h], nil
}

func index(virt uint64, level int) int {
	return int((virt >> levelShifts[level]) & (entriesPerNode - 1))
}

func canonical(virt uint64) bool {
	return virt < 1<<47 || virt >= 0xffff_8000_0000_0000
}

func (t *Table) attrs(g Granularity, rights Rights, cache Cache) (uint64, error) {
	e := uint64(x86.PTExPresent)

	switch rights {
	case ReadWrite:
		e |= x86.PTExRW | x86.PTExNX
	case ReadExecute:
	case ReadWriteExecute:
		e |= x86.PTExRW
	default:
		return 0, fmt.Errorf("rights %d: %w", rights, ErrOutOfRange)
	}

	switch cache {
	case WriteBack:
	case Uncacheable:
		e |= x86.PTExCacheDisable | x86.PTExWriteThrough
	default:
		return 0, fmt.Errorf("cache policy %d: %w", cache, ErrOutOfRange)
	}

	if g != Size4K {
		e |= x86.PTExPS
	}

	return e, nil
}

// Map maps virt to phys with a leaf of size g. Missing intermediate nodes
// are allocated and linked. Mapping an address whose leaf is already
// present, or which lies under a larger leaf, fails with
// ErrMappingConflict.
func (t *Table) Map(virt, phys uint64, g Granularity, rights Rights, cache Cache) error {
	target, err := g.level()
	if err != nil {
		return err
	}

	if !canonical(virt) {
		return fmt.Errorf("virt %#x not canonical: %w", virt, ErrOutOfRange)
	}

	if virt%uint64(g) != 0 || phys%uint64(g) != 0 {
		return fmt.Errorf("virt %#x phys %#x at %v: %w", virt, phys, g, ErrUnaligned)
	}

	attrs, err := t.attrs(g, rights, cache)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.node(t.root)
	if err != nil {
		return err
	}

	for level := levelPML4; level < target; level++ {
		idx := index(virt, level)
		e := n.entries[idx]

		if e&x86.PTExPresent != 0 {
			if e&x86.PTExPS != 0 {
				return fmt.Errorf("virt %#x lies under a %v page: %w", virt, levelSizes[level], ErrMappingConflict)
			}

			if n, err = t.node(n.children[idx]); err != nil {
				return err
			}

			continue
		}

		base := n.base + uint64(idx)*uint64(levelSizes[level])

		h, err := t.newNode(level+1, base)
		if err != nil {
			return fmt.Errorf("allocating level %d node for %#x: %w", level+1, virt, err)
		}

		child := t.nodes[h]
		n.children[idx] = h
		n.entries[idx] = (child.page.Phys & t.physMask) | x86.PTExPresent | x86.PTExRW
		n = child
	}

	idx := index(virt, target)
	if n.entries[idx]&x86.PTExPresent != 0 {
		return fmt.Errorf("virt %#x at %v: %w", virt, g, ErrMappingConflict)
	}

	n.entries[idx] = (phys & t.physMask) | attrs

	return nil
}

// Unmap clears the leaf entry mapping virt, whatever its granularity.
// Intermediate nodes that become empty are kept.
func (t *Table) Unmap(virt uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, idx, _, err := t.walk(virt)
	if err != nil {
		return err
	}

	n.entries[idx] = 0

	return nil
}

// walk finds the leaf entry mapping virt. The caller holds t.mu.
func (t *Table) walk(virt uint64) (*node, int, Granularity, error) {
	if !canonical(virt) {
		return nil, 0, 0, fmt.Errorf("virt %#x not canonical: %w", virt, ErrOutOfRange)
	}

	n, err := t.node(t.root)
	if err != nil {
		return nil, 0, 0, err
	}

	for level := levelPML4; level < numLevels; level++ {
		idx := index(virt, level)
		e := n.entries[idx]

		if e&x86.PTExPresent == 0 {
			return nil, 0, 0, fmt.Errorf("virt %#x: %w", virt, ErrNotMapped)
		}

		if level == levelPT || (level != levelPML4 && e&x86.PTExPS != 0) {
			return n, idx, levelSizes[level], nil
		}

		if n, err = t.node(n.children[idx]); err != nil {
			return nil, 0, 0, err
		}
	}

	return nil, 0, 0, fmt.Errorf("virt %#x: %w", virt, ErrNotMapped)
}

// Lookup returns the leaf entry mapping virt and its granularity.
func (t *Table) Lookup(virt uint64) (Entry, Granularity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, idx, g, err := t.walk(virt)
	if err != nil {
		return 0, 0, err
	}

	return Entry(n.entries[idx]), g, nil
}

// VirtToPhys translates virt through the table.
func (t *Table) VirtToPhys(virt uint64) (uint64, error) {
	e, g, err := t.Lookup(virt)
	if err != nil {
		return 0, err
	}

	off := uint64(g) - 1

	return (e.Address() &^ off) | (virt & off), nil
}

// Walk calls fn for every leaf entry in virtual address order until fn
// returns false.
func (t *Table) Walk(fn func(virt uint64, e Entry, g Granularity) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.walkNode(t.root, fn)
}

func (t *Table) walkNode(h handle, fn func(uint64, Entry, Granularity) bool) bool {
	n, err := t.node(h)
	if err != nil {
		return true
	}

	for idx, e := range n.entries {
		if e&x86.PTExPresent == 0 {
			continue
		}

		virt := n.base + uint64(idx)*uint64(levelSizes[n.level])
		if virt >= 1<<47 {
			virt |= 0xffff_0000_0000_0000
		}

		if n.level == levelPT || (n.level != levelPML4 && e&x86.PTExPS != 0) {
			if !fn(virt, Entry(e), levelSizes[n.level]) {
				return false
			}

			continue
		}

		if !t.walkNode(n.children[idx], fn) {
			return false
		}
	}

	return true
}

// Nodes is the number of live nodes, the top level included.
func (t *Table) Nodes() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.nodes) - 1 - len(t.free)
}

// Release frees every node back to the allocator. The table must not be
// used afterwards.
func (t *Table) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == 0 {
		return nil
	}

	err := t.freeNode(t.root)
	t.root = 0

	return err
}

// freeNode frees h and its entire subtree.
func (t *Table) freeNode(h handle) error {
	n, err := t.node(h)
	if err != nil {
		return err
	}

	var errs []error

	for _, c := range n.children {
		if c != 0 {
			errs = append(errs, t.freeNode(c))
		}
	}

	errs = append(errs, t.alloc.Free(n.page))
	t.nodes[h] = nil
	t.free = append(t.free, h)

	return errors.Join(errs...)
}
