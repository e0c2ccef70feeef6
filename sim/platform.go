package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/govmx/x86"
)

var (
	errNoSuchCore  = errors.New("no such core")
	errLoaderRange = errors.New("outside loader memory")
)

// Platform is a machine of simulated processors plus the loader memory the
// boot path uses to hand data to the hypervisor.
type Platform struct {
	mu     sync.RWMutex
	cpus   []*Processor
	loader []byte
	phys   func(phys uint64) []byte

	affinity []int
}

// NewPlatform returns a platform with cores processors and loaderSize bytes
// of loader memory.
func NewPlatform(cores, loaderSize int) *Platform {
	p := &Platform{loader: make([]byte, loaderSize)}

	for i := 0; i < cores; i++ {
		p.cpus = append(p.cpus, New(p.physBytes))
	}

	return p
}

func (p *Platform) physBytes(phys uint64) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.phys == nil {
		return nil
	}

	return p.phys(phys)
}

// SetPhysMemory tells the processors how to reach physical memory.
func (p *Platform) SetPhysMemory(fn func(phys uint64) []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.phys = fn
}

// Cores is the number of processors.
func (p *Platform) Cores() int {
	return len(p.cpus)
}

// Processor returns the simulated processor of core.
func (p *Platform) Processor(core int) (*Processor, error) {
	if core < 0 || core >= len(p.cpus) {
		return nil, fmt.Errorf("core %d of %d: %w", core, len(p.cpus), errNoSuchCore)
	}

	return p.cpus[core], nil
}

// Intrinsics returns the processor of core as x86.Intrinsics.
func (p *Platform) Intrinsics(core int) (x86.Intrinsics, error) {
	return p.Processor(core)
}

// SetAffinity records that the caller pinned itself to core.
func (p *Platform) SetAffinity(core int) error {
	if _, err := p.Processor(core); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.affinity = append(p.affinity, core)

	return nil
}

// Affinity is every core SetAffinity was called with, in order.
func (p *Platform) Affinity() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return append([]int(nil), p.affinity...)
}

// ReadAt reads loader memory.
func (p *Platform) ReadAt(b []byte, off int64) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if off < 0 || off+int64(len(b)) > int64(len(p.loader)) {
		return 0, fmt.Errorf("loader memory [%#x, %#x) out of range: %w", off, off+int64(len(b)), errLoaderRange)
	}

	return copy(b, p.loader[off:]), nil
}

// WriteAt writes loader memory.
func (p *Platform) WriteAt(b []byte, off int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if off < 0 || off+int64(len(b)) > int64(len(p.loader)) {
		return 0, fmt.Errorf("loader memory [%#x, %#x) out of range: %w", off, off+int64(len(b)), errLoaderRange)
	}

	return copy(p.loader[off:], b), nil
}
