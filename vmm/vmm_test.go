package vmm_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobuhiro11/govmx/exit"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/sim"
	"github.com/bobuhiro11/govmx/vcpu"
	"github.com/bobuhiro11/govmx/vmm"
	"github.com/bobuhiro11/govmx/x86"
)

const (
	poolSize = 64 * x86.PageSize
	physBase = 0x1000000
	mdlAddr  = 0x100
)

func newVMM(t *testing.T, cores int, opts ...vmm.Option) (*vmm.VMM, *sim.Platform) {
	t.Helper()

	p := sim.NewPlatform(cores, x86.PageSize)
	v := vmm.New(p, opts...)

	t.Cleanup(func() {
		if err := v.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return v, p
}

func initPool(t *testing.T, v *vmm.VMM) {
	t.Helper()

	if got := v.Request(vmm.InitMemoryPool, poolSize, physBase); got != vmm.Success {
		t.Fatalf("InitMemoryPool: got %v, want %v\n%s", got, vmm.Success, v.Dump())
	}
}

func startCore(t *testing.T, v *vmm.VMM, core int) {
	t.Helper()

	if got := v.Request(vmm.InitVMM, uint64(core), 0); got != vmm.Success {
		t.Fatalf("InitVMM(%d): got %v, want %v\n%s", core, got, vmm.Success, v.Dump())
	}
}

func processor(t *testing.T, p *sim.Platform, core int) *sim.Processor {
	t.Helper()

	cpu, err := p.Processor(core)
	if err != nil {
		t.Fatalf("Processor(%d): %v", core, err)
	}

	return cpu
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		err  error
		want vmm.Status
	}{
		{nil, vmm.Success},
		{errors.New("x"), vmm.Failure},
		{memory.ErrOutOfMemory, vmm.FailureBadAlloc},
		{fmt.Errorf("mapping: %w", memory.ErrOutOfMemory), vmm.FailureBadAlloc},
	} {
		if got := vmm.StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v): got %v, want %v", tt.err, got, tt.want)
		}

		if got := errors.Is(tt.want.Err(), vmm.ErrBadAlloc); got != (tt.want == vmm.FailureBadAlloc) {
			t.Errorf("%v.Err(): got %v", tt.want, tt.want.Err())
		}
	}
}

func TestRequestFailures(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		code vmm.Code
		arg1 uint64
		arg2 uint64
		want vmm.Status
		log  string
	}{
		{"unknown code", vmm.Code(99), 0, 0, vmm.Failure, "unknown request code"},
		{"InitVMM before pool", vmm.InitVMM, 0, 0, vmm.Failure, "memory pool not initialized"},
		{"AddMDL before pool", vmm.AddMDL, mdlAddr, 1, vmm.Failure, "memory pool not initialized"},
		{"FiniVMM idle core", vmm.FiniVMM, 0, 0, vmm.Failure, "core runs no vcpu"},
		{"pool not page sized", vmm.InitMemoryPool, 100, physBase, vmm.Failure, "multiple of the page size"},
		{"pool too small", vmm.InitMemoryPool, x86.PageSize, physBase, vmm.FailureBadAlloc, "memory pool exhausted"},
	} {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v, _ := newVMM(t, 1)

			if got := v.Request(tt.code, tt.arg1, tt.arg2); got != tt.want {
				t.Errorf("Request(%v): got %v, want %v", tt.code, got, tt.want)
			}

			if !strings.Contains(v.Dump(), tt.log) {
				t.Errorf("debug ring does not mention %q:\n%s", tt.log, v.Dump())
			}
		})
	}
}

func TestInitMemoryPool(t *testing.T) {
	t.Parallel()

	v, _ := newVMM(t, 1)

	if got := v.Request(vmm.InitMemoryPool, x86.PageSize, physBase); got != vmm.FailureBadAlloc {
		t.Fatalf("tiny pool: got %v, want %v", got, vmm.FailureBadAlloc)
	}

	if v.Map().Len() != 0 || v.PageTable() != nil {
		t.Fatalf("failed InitMemoryPool left %d descriptors behind", v.Map().Len())
	}

	initPool(t, v)

	if got := v.Map().Len(); got != poolSize/x86.PageSize {
		t.Errorf("descriptors: got %d, want %d", got, poolSize/x86.PageSize)
	}

	pt := v.PageTable()

	v.Map().Ascend(func(d memory.Descriptor) bool {
		phys, err := pt.VirtToPhys(d.Virt)
		if err != nil || phys != d.Phys {
			t.Errorf("VirtToPhys(%#x): got %#x, %v, want %#x", d.Virt, phys, err, d.Phys)
		}

		return true
	})

	if got := v.Request(vmm.InitMemoryPool, poolSize, physBase); got != vmm.Failure {
		t.Errorf("second InitMemoryPool: got %v, want %v", got, vmm.Failure)
	}
}

func TestAddMDL(t *testing.T) {
	t.Parallel()

	v, p := newVMM(t, 1)
	initPool(t, v)

	ds := []memory.Descriptor{
		{Phys: 0xfee00000, Virt: 0x10000, Type: memory.TypeRead | memory.TypeWrite | memory.TypeUncacheable},
		{Phys: 0x200000, Virt: 0x11000, Type: memory.TypeRead | memory.TypeExecute},
	}

	if _, err := p.WriteAt(memory.EncodeDescriptors(ds), mdlAddr); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if got := v.Request(vmm.AddMDL, mdlAddr, uint64(len(ds))); got != vmm.Success {
		t.Fatalf("AddMDL: got %v, want %v\n%s", got, vmm.Success, v.Dump())
	}

	for _, d := range ds {
		got, ok := v.Map().Lookup(d.Virt)
		if !ok {
			t.Fatalf("Lookup(%#x): not found", d.Virt)
		}

		if diff := cmp.Diff(d, got); diff != "" {
			t.Errorf("Lookup(%#x) mismatch (-want +got):\n%s", d.Virt, diff)
		}

		phys, err := v.PageTable().VirtToPhys(d.Virt + 0x123)
		if err != nil || phys != d.Phys+0x123 {
			t.Errorf("VirtToPhys(%#x): got %#x, %v", d.Virt+0x123, phys, err)
		}
	}

	if got := v.Request(vmm.AddMDL, mdlAddr, uint64(len(ds))); got != vmm.Failure {
		t.Errorf("AddMDL twice: got %v, want %v", got, vmm.Failure)
	}

	if got := v.Request(vmm.AddMDL, x86.PageSize-8, 1); got != vmm.Failure {
		t.Errorf("AddMDL past loader memory: got %v, want %v", got, vmm.Failure)
	}
}

func TestAddMDLRollback(t *testing.T) {
	t.Parallel()

	v, p := newVMM(t, 1)
	initPool(t, v)

	first := memory.Descriptor{Phys: 0x200000, Virt: 0x10000, Type: memory.TypeRead | memory.TypeWrite}
	bad := []memory.Descriptor{first, first}

	if _, err := p.WriteAt(memory.EncodeDescriptors(bad), mdlAddr); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if got := v.Request(vmm.AddMDL, mdlAddr, uint64(len(bad))); got != vmm.Failure {
		t.Fatalf("AddMDL with a duplicate: got %v, want %v", got, vmm.Failure)
	}

	if _, ok := v.Map().Lookup(first.Virt); ok {
		t.Errorf("descriptor %#x left in the map", first.Virt)
	}

	if _, err := v.PageTable().VirtToPhys(first.Virt); err == nil {
		t.Errorf("descriptor %#x left mapped", first.Virt)
	}

	if _, err := p.WriteAt(memory.EncodeDescriptors(bad[:1]), mdlAddr); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if got := v.Request(vmm.AddMDL, mdlAddr, 1); got != vmm.Success {
		t.Errorf("AddMDL retry: got %v, want %v", got, vmm.Success)
	}
}

func TestInitFiniVMM(t *testing.T) {
	t.Parallel()

	v, p := newVMM(t, 2)
	initPool(t, v)
	startCore(t, v, 0)
	startCore(t, v, 1)

	if diff := cmp.Diff([]int{0, 1}, v.Cores()); diff != "" {
		t.Errorf("Cores mismatch (-want +got):\n%s", diff)
	}

	for core := 0; core < 2; core++ {
		cpu := processor(t, p, core)
		if !cpu.VMXOperation() {
			t.Errorf("core %d not in VMX operation", core)
		}

		if launches, _, _ := cpu.Counts(); launches != 1 {
			t.Errorf("core %d launches: got %d, want 1", core, launches)
		}

		host, ok := v.VCPU(core)
		if !ok || host.ID() != vcpu.ID(core) || host.RunState() != vcpu.Running {
			t.Errorf("VCPU(%d): got %v, %v", core, host, ok)
		}
	}

	if got := v.Request(vmm.InitVMM, 0, 0); got != vmm.Failure {
		t.Errorf("InitVMM on busy core: got %v, want %v", got, vmm.Failure)
	}

	if got := v.Request(vmm.FiniVMM, 0, 0); got != vmm.Success {
		t.Fatalf("FiniVMM: got %v, want %v", got, vmm.Success)
	}

	if processor(t, p, 0).VMXOperation() {
		t.Error("core 0 still in VMX operation after FiniVMM")
	}

	if got := v.Request(vmm.FiniVMM, 0, 0); got != vmm.Failure {
		t.Errorf("FiniVMM twice: got %v, want %v", got, vmm.Failure)
	}

	// The core can be started again.
	startCore(t, v, 0)
}

func TestInitVMMBadCore(t *testing.T) {
	t.Parallel()

	v, p := newVMM(t, 1)
	initPool(t, v)

	for _, core := range []uint64{1, 0x10000} {
		if got := v.Request(vmm.InitVMM, core, 0); got != vmm.Failure {
			t.Errorf("InitVMM(%d): got %v, want %v", core, got, vmm.Failure)
		}
	}

	cpu := processor(t, p, 0)
	cpu.Fail(sim.StepVMXOn, errors.New("vmxon refused"))

	if got := v.Request(vmm.InitVMM, 0, 0); got != vmm.Failure {
		t.Fatalf("InitVMM with failing VMXON: got %v, want %v", got, vmm.Failure)
	}

	if cpu.VMXOperation() || len(v.Cores()) != 0 {
		t.Error("failed InitVMM left the core running")
	}

	cpu.Fail(sim.StepVMXOn, nil)
	startCore(t, v, 0)
}

func TestExitClaimedByExtension(t *testing.T) {
	t.Parallel()

	var claimed int

	ext := func(c *vcpu.VCPU) error {
		return c.Exits().AddForReason(x86.ExitCPUID, func(exit.VCPU, *exit.Info) (bool, error) {
			claimed++

			return true, nil
		})
	}

	v, p := newVMM(t, 1, vmm.WithExtension(ext))
	initPool(t, v)
	startCore(t, v, 0)

	cpu := processor(t, p, 0)
	if err := cpu.InjectExit(uint64(x86.ExitCPUID), 0, 2); err != nil {
		t.Fatalf("InjectExit: %v", err)
	}

	if err := v.Exit(0); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	host, _ := v.VCPU(0)

	if claimed != 1 {
		t.Errorf("handler calls: got %d, want 1", claimed)
	}

	if host.State().RIP != 2 {
		t.Errorf("RIP: got %#x, want 2", host.State().RIP)
	}

	if _, resumes, halts := cpu.Counts(); resumes != 1 || halts != 0 {
		t.Errorf("resumes, halts: got %d, %d, want 1, 0", resumes, halts)
	}

	if got := host.Exits().Count(x86.ExitCPUID); got != 1 {
		t.Errorf("Count(CPUID): got %d, want 1", got)
	}
}

func TestExitUnhandledHalts(t *testing.T) {
	t.Parallel()

	v, p := newVMM(t, 1)
	initPool(t, v)
	startCore(t, v, 0)

	cpu := processor(t, p, 0)
	if err := cpu.InjectExit(uint64(x86.ExitHLT), 0, 1); err != nil {
		t.Fatalf("InjectExit: %v", err)
	}

	if err := v.Exit(0); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	host, _ := v.VCPU(0)
	if host.RunState() != vcpu.Halted {
		t.Errorf("RunState: got %v, want %v", host.RunState(), vcpu.Halted)
	}

	if _, _, halts := cpu.Counts(); halts != 1 {
		t.Errorf("halts: got %d, want 1", halts)
	}

	for _, want := range []string{"unhandled exit", "vcpu halted", "vcpu dump"} {
		if !strings.Contains(v.Dump(), want) {
			t.Errorf("debug ring does not mention %q", want)
		}
	}

	if err := v.Exit(0); !errors.Is(err, vcpu.ErrHalted) {
		t.Errorf("Exit after halt: got %v, want %v", err, vcpu.ErrHalted)
	}

	if err := v.Exit(1); err == nil {
		t.Error("Exit on idle core: got nil error")
	}
}

func TestExtensionPanicRecovered(t *testing.T) {
	t.Parallel()

	v, _ := newVMM(t, 1, vmm.WithExtension(func(*vcpu.VCPU) error {
		panic("extension bug")
	}))
	initPool(t, v)

	if got := v.Request(vmm.InitVMM, 0, 0); got != vmm.Failure {
		t.Fatalf("InitVMM: got %v, want %v", got, vmm.Failure)
	}

	if !strings.Contains(v.Dump(), "extension bug") {
		t.Errorf("panic not logged:\n%s", v.Dump())
	}

	if len(v.Cores()) != 0 {
		t.Errorf("Cores: got %v, want none", v.Cores())
	}
}

func TestExtensionError(t *testing.T) {
	t.Parallel()

	v, p := newVMM(t, 1, vmm.WithExtension(func(*vcpu.VCPU) error {
		return errors.New("no handlers today")
	}))
	initPool(t, v)

	if got := v.Request(vmm.InitVMM, 0, 0); got != vmm.Failure {
		t.Fatalf("InitVMM: got %v, want %v", got, vmm.Failure)
	}

	if processor(t, p, 0).VMXOperation() {
		t.Error("vcpu not released after extension error")
	}
}

func TestAddGuest(t *testing.T) {
	t.Parallel()

	v, p := newVMM(t, 2)
	initPool(t, v)
	startCore(t, v, 1)

	if _, err := v.AddGuest(0); err == nil {
		t.Error("AddGuest on idle core: got nil error")
	}

	g1, err := v.AddGuest(1)
	if err != nil {
		t.Fatalf("AddGuest: %v", err)
	}

	g2, err := v.AddGuest(1)
	if err != nil {
		t.Fatalf("AddGuest: %v", err)
	}

	for _, g := range []*vcpu.VCPU{g1, g2} {
		if !g.ID().IsGuest() || g.ID().Core() != 1 {
			t.Errorf("guest id %v: want a guest on core 1", g.ID())
		}

		if g.RunState() != vcpu.Created {
			t.Errorf("guest %v: got %v, want %v", g.ID(), g.RunState(), vcpu.Created)
		}
	}

	if g1.ID() == g2.ID() {
		t.Errorf("guest ids collide: %v", g1.ID())
	}

	// The host keeps the core until a guest runs.
	cpu := processor(t, p, 1)
	if err := cpu.InjectExit(uint64(x86.ExitHLT), 0, 1); err != nil {
		t.Fatalf("InjectExit: %v", err)
	}

	host, _ := v.VCPU(1)
	if err := v.Exit(1); err != nil || host.State().ExitReason != uint64(x86.ExitHLT) {
		t.Errorf("host exit: got %v, reason %#x", err, host.State().ExitReason)
	}

	if got := v.Request(vmm.FiniVMM, 1, 0); got != vmm.Success {
		t.Fatalf("FiniVMM: got %v, want %v", got, vmm.Success)
	}

	if g1.RunState() != vcpu.Halted || g2.RunState() != vcpu.Halted {
		t.Error("FiniVMM did not release the guests")
	}
}

func TestAddGuestFailureKeepsHost(t *testing.T) {
	t.Parallel()

	errNoGuests := errors.New("guests not allowed")

	v, p := newVMM(t, 1, vmm.WithExtension(func(c *vcpu.VCPU) error {
		if c.ID().IsGuest() {
			return errNoGuests
		}

		return nil
	}))
	initPool(t, v)
	startCore(t, v, 0)

	if _, err := v.AddGuest(0); !errors.Is(err, errNoGuests) {
		t.Fatalf("AddGuest: got %v, want %v", err, errNoGuests)
	}

	cpu := processor(t, p, 0)
	if err := cpu.InjectExit(uint64(x86.ExitHLT), 0, 1); err != nil {
		t.Fatalf("InjectExit: %v", err)
	}

	host, _ := v.VCPU(0)
	if err := v.Exit(0); err != nil || host.State().ExitReason != uint64(x86.ExitHLT) {
		t.Errorf("host exit after failed AddGuest: got %v, reason %#x", err, host.State().ExitReason)
	}
}

func TestDebugRing(t *testing.T) {
	t.Parallel()

	var tee bytes.Buffer

	v, _ := newVMM(t, 1, vmm.WithRingCapacity(64), vmm.WithLogOutput(&tee))
	initPool(t, v)

	if got := len(v.Dump()); got != 64 {
		t.Errorf("ring length: got %d, want 64", got)
	}

	if !strings.Contains(tee.String(), "memory pool initialized") {
		t.Errorf("tee: got %q", tee.String())
	}

	if !strings.HasSuffix(tee.String(), v.Dump()) {
		t.Errorf("ring %q is not the tail of the log", v.Dump())
	}
}

func TestBoot(t *testing.T) {
	t.Parallel()

	cfg := vmm.DefaultConfig()
	cfg.Cores = 4
	cfg.PoolSize = "512K"
	cfg.Descriptors = []memory.Descriptor{{Phys: 0xb8000, Virt: 0x10000, Type: memory.TypeRead | memory.TypeWrite}}

	p := sim.NewPlatform(cfg.Cores, x86.PageSize)
	v := vmm.New(p, cfg.Options()...)

	defer v.Close()

	if err := v.Boot(context.Background(), cfg, p, mdlAddr); err != nil {
		t.Fatalf("Boot: %v\n%s", err, v.Dump())
	}

	if diff := cmp.Diff([]int{0, 1, 2, 3}, v.Cores()); diff != "" {
		t.Errorf("Cores mismatch (-want +got):\n%s", diff)
	}

	if _, ok := v.Map().Lookup(0x10000); !ok {
		t.Error("extra descriptor not added")
	}

	if got := len(p.Affinity()); got != cfg.Cores {
		t.Errorf("affinity calls: got %d, want %d", got, cfg.Cores)
	}
}

func TestBootMissingCore(t *testing.T) {
	t.Parallel()

	cfg := vmm.DefaultConfig()
	cfg.Cores = 3

	p := sim.NewPlatform(2, x86.PageSize)
	v := vmm.New(p)

	defer v.Close()

	err := v.Boot(context.Background(), cfg, p, mdlAddr)
	if !errors.Is(err, vmm.ErrFailure) {
		t.Fatalf("Boot: got %v, want %v", err, vmm.ErrFailure)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	for _, tt := range []struct {
		name    string
		yaml    string
		want    vmm.Config
		wantErr bool
	}{
		{
			name: "defaults",
			yaml: "{}\n",
			want: vmm.DefaultConfig(),
		},
		{
			name: "full",
			yaml: `cores: 2
pool_size: 2M
phys_base: 0x2000000
phys_addr_bits: 39
ring_capacity: 4096
descriptors:
  - {phys: 0xfee00000, virt: 0x10000, type: 0x103}
`,
			want: vmm.Config{
				Cores:        2,
				PoolSize:     "2M",
				PhysBase:     0x2000000,
				PhysAddrBits: 39,
				RingCapacity: 4096,
				Descriptors: []memory.Descriptor{{
					Phys: 0xfee00000,
					Virt: 0x10000,
					Type: memory.TypeRead | memory.TypeWrite | memory.TypeUncacheable,
				}},
			},
		},
		{name: "unknown key", yaml: "coars: 2\n", wantErr: true},
		{name: "no cores", yaml: "cores: 0\n", wantErr: true},
		{name: "bad size", yaml: "pool_size: 1T\n", wantErr: true},
		{name: "odd size", yaml: "pool_size: 1000\n", wantErr: true},
		{name: "unaligned base", yaml: "phys_base: 0x1001\n", wantErr: true},
		{name: "address bits", yaml: "phys_addr_bits: 64\n", wantErr: true},
	} {
		path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
		if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}

		got, err := vmm.LoadConfig(path)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: got error %v, want error %v", tt.name, err, tt.wantErr)

			continue
		}

		if tt.wantErr {
			continue
		}

		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s: mismatch (-want +got):\n%s", tt.name, diff)
		}
	}

	if _, err := vmm.LoadConfig(filepath.Join(dir, "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v, want %v", err, os.ErrNotExist)
	}
}
