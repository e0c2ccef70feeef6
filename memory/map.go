package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/bobuhiro11/govmx/x86"
)

var (
	errAddrSpaceOccupied = errors.New("address space occupied")
	errUnalignedDesc     = errors.New("descriptor addresses must be page aligned")

	// ErrNotFound is returned for a virtual address no descriptor covers.
	ErrNotFound = errors.New("no memory descriptor for address")
)

// Map is the set of memory descriptors the platform registered, ordered by
// virtual address.
type Map struct {
	mu    sync.RWMutex
	descs *btree.BTreeG[Descriptor]
}

func NewMap() *Map {
	return &Map{
		descs: btree.NewG(8, func(a, b Descriptor) bool { return a.Virt < b.Virt }),
	}
}

// Add registers d. A virtual page may only be described once.
func (m *Map) Add(d Descriptor) error {
	if d.Virt%x86.PageSize != 0 || d.Phys%x86.PageSize != 0 {
		return fmt.Errorf("virt %#x phys %#x: %w", d.Virt, d.Phys, errUnalignedDesc)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.descs.Get(d); ok {
		return fmt.Errorf("virt %#x: %w", d.Virt, errAddrSpaceOccupied)
	}

	m.descs.ReplaceOrInsert(d)

	return nil
}

// Remove drops the descriptor of the page containing virt.
func (m *Map) Remove(virt uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.descs.Delete(Descriptor{Virt: virt &^ (x86.PageSize - 1)})

	return ok
}

// Lookup returns the descriptor of the page containing virt.
func (m *Map) Lookup(virt uint64) (Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.descs.Get(Descriptor{Virt: virt &^ (x86.PageSize - 1)})
}

// VirtToPhys translates virt using the registered descriptors.
func (m *Map) VirtToPhys(virt uint64) (uint64, error) {
	d, ok := m.Lookup(virt)
	if !ok {
		return 0, fmt.Errorf("%#x: %w", virt, ErrNotFound)
	}

	return d.Phys | virt&(x86.PageSize-1), nil
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.descs.Len()
}

// Ascend calls fn for every descriptor in virtual address order until fn
// returns false.
func (m *Map) Ascend(fn func(Descriptor) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.descs.Ascend(fn)
}
