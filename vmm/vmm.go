// Package vmm is the hypervisor context. One VMM owns everything a running
// hypervisor needs: its debug ring and logger, the memory pool, the memory
// descriptor map, the host page table and one host vCPU per started core.
// The platform talks to it only through Request.
package vmm

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/govmx/debugring"
	"github.com/bobuhiro11/govmx/hpt"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vcpu"
	"github.com/bobuhiro11/govmx/x86"
)

var (
	errPoolInitialized = errors.New("memory pool already initialized")
	errNoPool          = errors.New("memory pool not initialized")
	errCoreBusy        = errors.New("core already runs a vcpu")
	errCoreIdle        = errors.New("core runs no vcpu")
	errBadCore         = errors.New("core out of range")
	errMDLTooLong      = errors.New("memory descriptor list too long")
)

// maxMDL bounds the descriptors one AddMDL request may carry.
const maxMDL = 1 << 16

// Platform is what the hypervisor needs from the machine it runs on.
type Platform interface {
	// Intrinsics returns the privileged instruction set of core.
	Intrinsics(core int) (x86.Intrinsics, error)

	// SetAffinity pins the calling thread to core.
	SetAffinity(core int) error

	// ReadAt reads loader memory, where the boot path leaves the memory
	// descriptor list.
	io.ReaderAt
}

// PhysMemorySetter is implemented by platforms that need to be told how
// physical addresses of the pool resolve.
type PhysMemorySetter interface {
	SetPhysMemory(fn func(phys uint64) []byte)
}

// Extension registers exit handlers on every vCPU the VMM creates.
type Extension func(v *vcpu.VCPU) error

// VMM is the hypervisor context.
type VMM struct {
	platform Platform
	ring     *debugring.Ring
	log      *logrus.Logger

	physBits   uint
	extensions []Extension
	tee        io.Writer
	level      logrus.Level

	mu     sync.Mutex
	pool   *memory.Pool
	mdl    *memory.Map
	pt     *hpt.Table
	ids    vcpu.IDGenerator
	hosts  map[int]*vcpu.VCPU
	busy   map[int]bool
	guests map[vcpu.ID]*vcpu.VCPU
}

// Option configures a VMM.
type Option func(*VMM)

// WithRingCapacity sets the size of the debug ring.
func WithRingCapacity(n int) Option {
	return func(v *VMM) {
		v.ring = debugring.New(n)
	}
}

// WithPhysAddrBits sets the physical address width of the host page table.
func WithPhysAddrBits(bits uint) Option {
	return func(v *VMM) {
		v.physBits = bits
	}
}

// WithLogOutput copies everything written to the debug ring to w as well.
func WithLogOutput(w io.Writer) Option {
	return func(v *VMM) {
		v.tee = w
	}
}

// WithLogLevel sets the level of the VMM logger.
func WithLogLevel(level logrus.Level) Option {
	return func(v *VMM) {
		v.level = level
	}
}

// WithExtension adds an extension run on every new vCPU before it is
// launched.
func WithExtension(ext Extension) Option {
	return func(v *VMM) {
		v.extensions = append(v.extensions, ext)
	}
}

// New returns a VMM for platform. Nothing is allocated until the platform
// sends InitMemoryPool.
func New(platform Platform, opts ...Option) *VMM {
	v := &VMM{
		platform: platform,
		ring:     debugring.New(debugring.DefaultCapacity),
		log:      logrus.New(),
		physBits: x86.DefaultPhysAddrBits,
		level:    logrus.InfoLevel,
		mdl:      memory.NewMap(),
		hosts:    map[int]*vcpu.VCPU{},
		busy:     map[int]bool{},
		guests:   map[vcpu.ID]*vcpu.VCPU{},
	}

	for _, opt := range opts {
		opt(v)
	}

	var out io.Writer = v.ring
	if v.tee != nil {
		out = io.MultiWriter(v.ring, v.tee)
	}

	v.log.SetOutput(out)
	v.log.SetLevel(v.level)
	v.log.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})

	return v
}

// Log is the logger writing to the debug ring.
func (v *VMM) Log() logrus.FieldLogger {
	return v.log
}

// Dump returns the contents of the debug ring.
func (v *VMM) Dump() string {
	return v.ring.String()
}

// Map is the memory descriptor map.
func (v *VMM) Map() *memory.Map {
	return v.mdl
}

// PageTable returns the host page table, nil before InitMemoryPool.
func (v *VMM) PageTable() *hpt.Table {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.pt
}

func (v *VMM) initMemoryPool(size int, physBase uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pool != nil {
		return errPoolInitialized
	}

	pool, err := memory.NewPool(size, physBase)
	if err != nil {
		return err
	}

	pt, err := hpt.New(pool, hpt.WithPhysAddrBits(v.physBits))
	if err != nil {
		pool.Release()

		return err
	}

	ds := pool.Descriptors(memory.TypeRead | memory.TypeWrite)
	for i, d := range ds {
		if err := v.addDescriptor(pt, d); err != nil {
			for _, added := range ds[:i] {
				v.mdl.Remove(added.Virt)
			}

			pt.Release()
			pool.Release()

			return err
		}
	}

	if s, ok := v.platform.(PhysMemorySetter); ok {
		s.SetPhysMemory(pool.PhysToBytes)
	}

	v.pool, v.pt = pool, pt

	v.log.WithFields(logrus.Fields{
		"size":  size,
		"phys":  fmt.Sprintf("%#x", physBase),
		"cr3":   fmt.Sprintf("%#x", pt.RootPhysicalAddress()),
		"nodes": pt.Nodes(),
	}).Info("memory pool initialized")

	return nil
}

func (v *VMM) addDescriptor(pt *hpt.Table, d memory.Descriptor) error {
	if err := v.mdl.Add(d); err != nil {
		return err
	}

	if err := pt.MapDescriptor(d); err != nil {
		v.mdl.Remove(d.Virt)

		return fmt.Errorf("mapping %#x: %w", d.Virt, err)
	}

	return nil
}

func (v *VMM) addMDL(addr uint64, count int) error {
	if count < 0 || count > maxMDL {
		return fmt.Errorf("%d descriptors: %w", count, errMDLTooLong)
	}

	b := make([]byte, count*memory.DescriptorSize)
	if _, err := v.platform.ReadAt(b, int64(addr)); err != nil {
		return fmt.Errorf("reading memory descriptor list at %#x: %w", addr, err)
	}

	ds, err := memory.DecodeDescriptors(b, count)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pt == nil {
		return errNoPool
	}

	for i, d := range ds {
		if err := v.addDescriptor(v.pt, d); err != nil {
			// A failed list leaves nothing behind, so it can be retried.
			for _, added := range ds[:i] {
				v.mdl.Remove(added.Virt)

				if uerr := v.pt.Unmap(added.Virt); uerr != nil {
					v.log.WithError(uerr).WithField("virt", fmt.Sprintf("%#x", added.Virt)).Error("unmapping descriptor")
				}
			}

			return err
		}
	}

	v.log.WithField("count", count).Info("memory descriptors added")

	return nil
}

// reserve claims core for a new host vCPU.
func (v *VMM) reserve(core int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pool == nil {
		return errNoPool
	}

	if v.busy[core] {
		return fmt.Errorf("core %d: %w", core, errCoreBusy)
	}

	v.busy[core] = true

	return nil
}

func (v *VMM) unreserve(core int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.busy, core)
}

func (v *VMM) initVMM(core int) error {
	if core < 0 || core > 0xffff {
		return fmt.Errorf("%d: %w", core, errBadCore)
	}

	if err := v.reserve(core); err != nil {
		return err
	}

	started := false

	defer func() {
		if !started {
			v.unreserve(core)
		}
	}()

	host, err := v.startHost(core)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.hosts[core] = host
	v.mu.Unlock()

	started = true

	return nil
}

func (v *VMM) startHost(core int) (*vcpu.VCPU, error) {
	if err := v.platform.SetAffinity(core); err != nil {
		return nil, fmt.Errorf("pinning to core %d: %w", core, err)
	}

	intr, err := v.platform.Intrinsics(core)
	if err != nil {
		return nil, err
	}

	host, err := v.newVCPU(vcpu.ID(core), intr)
	if err != nil {
		return nil, err
	}

	if err := host.Run(); err != nil {
		host.Release()

		return nil, err
	}

	v.log.WithFields(logrus.Fields{"core": core, "vcpu": host.ID()}).Info("vmm started")

	return host, nil
}

func (v *VMM) newVCPU(id vcpu.ID, intr x86.Intrinsics, opts ...vcpu.Option) (*vcpu.VCPU, error) {
	v.mu.Lock()
	pool, pt := v.pool, v.pt
	v.mu.Unlock()

	opts = append(opts, vcpu.WithMemory(&hostMemory{pt: pt, pool: pool}))

	c, err := vcpu.New(id, intr, pool, pt, v.log.WithField("core", id.Core()), opts...)
	if err != nil {
		return nil, err
	}

	for _, ext := range v.extensions {
		if err := ext(c); err != nil {
			c.Release()

			return nil, fmt.Errorf("extension on vcpu %v: %w", id, err)
		}
	}

	return c, nil
}

func (v *VMM) finiVMM(core int) error {
	v.mu.Lock()
	host, ok := v.hosts[core]

	var guests []*vcpu.VCPU

	for id, g := range v.guests {
		if int(id.Core()) == core {
			guests = append(guests, g)
			delete(v.guests, id)
		}
	}

	delete(v.hosts, core)
	delete(v.busy, core)
	v.mu.Unlock()

	if !ok {
		return fmt.Errorf("core %d: %w", core, errCoreIdle)
	}

	for _, g := range guests {
		g.Release()
	}

	host.Release()
	v.log.WithField("core", core).Info("vmm stopped")

	return nil
}

// VCPU returns the host vCPU of core.
func (v *VMM) VCPU(core int) (*vcpu.VCPU, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	h, ok := v.hosts[core]

	return h, ok
}

// Cores lists the cores running a host vCPU in increasing order.
func (v *VMM) Cores() []int {
	v.mu.Lock()
	defer v.mu.Unlock()

	cores := make([]int, 0, len(v.hosts))
	for c := range v.hosts {
		cores = append(cores, c)
	}

	sort.Ints(cores)

	return cores
}

// AddGuest creates a guest vCPU on core sharing the VMX root operation of
// the core's host vCPU. The guest is not launched.
func (v *VMM) AddGuest(core int) (*vcpu.VCPU, error) {
	host, ok := v.VCPU(core)
	if !ok {
		return nil, fmt.Errorf("core %d: %w", core, errCoreIdle)
	}

	intr, err := v.platform.Intrinsics(core)
	if err != nil {
		return nil, err
	}

	id := vcpu.GuestID(v.ids.Next(), uint16(core))

	g, err := v.newVCPU(id, intr, vcpu.WithHost(host))

	// Building the guest loaded its VMCS, and a failed build cleared it.
	// Either way the core stays with the host until the guest is run.
	if lerr := host.VMCS().Load(); lerr != nil {
		if g != nil {
			g.Release()
		}

		return nil, errors.Join(err, lerr)
	}

	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.guests[id] = g
	v.mu.Unlock()

	return g, nil
}

// Exit delivers the exit pending on core to its host vCPU.
func (v *VMM) Exit(core int) error {
	host, ok := v.VCPU(core)
	if !ok {
		return fmt.Errorf("core %d: %w", core, errCoreIdle)
	}

	return host.Exit()
}

// Close stops every core and releases the page table and the pool.
func (v *VMM) Close() error {
	for _, core := range v.Cores() {
		if err := v.finiVMM(core); err != nil {
			v.log.WithError(err).Error("stopping core")
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pool == nil {
		return nil
	}

	err := errors.Join(v.pt.Release(), v.pool.Release())
	v.pool, v.pt = nil, nil

	return err
}

// hostMemory reads hypervisor memory by virtual address through the host
// page table.
type hostMemory struct {
	pt   *hpt.Table
	pool *memory.Pool
}

func (m *hostMemory) ReadAt(b []byte, off int64) (int, error) {
	n := 0

	for n < len(b) {
		phys, err := m.pt.VirtToPhys(uint64(off) + uint64(n))
		if err != nil {
			return n, err
		}

		page := m.pool.PhysToBytes(phys)
		if page == nil {
			return n, io.EOF
		}

		n += copy(b[n:], page)
	}

	return n, nil
}
