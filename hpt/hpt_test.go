package hpt_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/bobuhiro11/govmx/hpt"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/x86"
)

func newTable(t *testing.T, pages int, opts ...hpt.Option) (*hpt.Table, *memory.Pool) {
	t.Helper()

	pool, err := memory.NewPool(pages*x86.PageSize, 0x100000)
	if err != nil {
		t.Fatalf("NewPool: got %v, want nil", err)
	}

	t.Cleanup(func() { pool.Release() })

	tbl, err := hpt.New(pool, opts...)
	if err != nil {
		t.Fatalf("New: got %v, want nil", err)
	}

	return tbl, pool
}

func TestMapRoundTrip(t *testing.T) {
	t.Parallel()

	tbl, _ := newTable(t, 16)

	if err := tbl.Map(0x2000, 0x1000, hpt.Size4K, hpt.ReadWrite, hpt.WriteBack); err != nil {
		t.Fatalf("Map: got %v, want nil", err)
	}

	e, g, err := tbl.Lookup(0x2000)
	if err != nil {
		t.Fatalf("Lookup: got %v, want nil", err)
	}

	if want := uint64(0x1000) & tbl.PhysMask(); e.Address() != want {
		t.Errorf("Address: got %#x, want %#x", e.Address(), want)
	}

	if g != hpt.Size4K {
		t.Errorf("granularity: got %v, want %v", g, hpt.Size4K)
	}

	if !e.Present() || !e.Writable() || e.Executable() || e.Large() {
		t.Errorf("entry %v: want present, writable, non-executable 4K", e)
	}

	if err := tbl.Map(0x2000, 0x1000, hpt.Size4K, hpt.ReadWrite, hpt.WriteBack); !errors.Is(err, hpt.ErrMappingConflict) {
		t.Fatalf("second Map: got %v, want %v", err, hpt.ErrMappingConflict)
	}

	if err := tbl.Unmap(0x2000); err != nil {
		t.Fatalf("Unmap: got %v, want nil", err)
	}

	if _, _, err := tbl.Lookup(0x2000); !errors.Is(err, hpt.ErrNotMapped) {
		t.Fatalf("Lookup after Unmap: got %v, want %v", err, hpt.ErrNotMapped)
	}

	if err := tbl.Map(0x2000, 0x5000, hpt.Size4K, hpt.ReadExecute, hpt.WriteBack); err != nil {
		t.Fatalf("Map after Unmap: got %v, want nil", err)
	}

	if pa, err := tbl.VirtToPhys(0x2123); err != nil || pa != 0x5123 {
		t.Errorf("VirtToPhys(0x2123): got (%#x, %v), want (0x5123, nil)", pa, err)
	}
}

func TestLazyNodeAllocation(t *testing.T) {
	t.Parallel()

	tbl, pool := newTable(t, 16)

	if n := tbl.Nodes(); n != 1 {
		t.Fatalf("Nodes after New: got %d, want 1", n)
	}

	if err := tbl.Map(0x2000, 0x1000, hpt.Size4K, hpt.ReadWrite, hpt.WriteBack); err != nil {
		t.Fatalf("Map: %v", err)
	}

	// PDPT, PD and PT are created on the first 4K mapping.
	if n := tbl.Nodes(); n != 4 {
		t.Errorf("Nodes after first map: got %d, want 4", n)
	}

	// Same PT.
	if err := tbl.Map(0x3000, 0x1000, hpt.Size4K, hpt.ReadWrite, hpt.WriteBack); err != nil {
		t.Fatalf("Map: %v", err)
	}

	if n := tbl.Nodes(); n != 4 {
		t.Errorf("Nodes after second map: got %d, want 4", n)
	}

	free := pool.FreePages()

	if err := tbl.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if got := pool.FreePages(); got != free+4 {
		t.Errorf("FreePages after Release: got %d, want %d", got, free+4)
	}
}

func TestGranularities(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		virt   uint64
		phys   uint64
		g      hpt.Granularity
		rights hpt.Rights
		cache  hpt.Cache
	}{
		{"4K", 0x7f00_0000_1000, 0x20_0000, hpt.Size4K, hpt.ReadWriteExecute, hpt.WriteBack},
		{"2M", 0x7f00_0020_0000, 0x40_0000, hpt.Size2M, hpt.ReadExecute, hpt.Uncacheable},
		{"1G", 0x7f00_4000_0000, 0x4000_0000, hpt.Size1G, hpt.ReadWrite, hpt.WriteBack},
		{"HighHalf", 0xffff_8000_0000_0000, 0x1000, hpt.Size4K, hpt.ReadWrite, hpt.WriteBack},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			tbl, _ := newTable(t, 16)

			if err := tbl.Map(test.virt, test.phys, test.g, test.rights, test.cache); err != nil {
				t.Fatalf("Map: got %v, want nil", err)
			}

			e, g, err := tbl.Lookup(test.virt + uint64(test.g) - 1)
			if err != nil {
				t.Fatalf("Lookup: got %v, want nil", err)
			}

			if g != test.g {
				t.Errorf("granularity: got %v, want %v", g, test.g)
			}

			if e.Large() != (test.g != hpt.Size4K) {
				t.Errorf("Large: got %v for %v", e.Large(), test.g)
			}

			if e.Rights() != test.rights {
				t.Errorf("Rights: got %v, want %v", e.Rights(), test.rights)
			}

			if e.Uncacheable() != (test.cache == hpt.Uncacheable) {
				t.Errorf("Uncacheable: got %v, want %v", e.Uncacheable(), test.cache == hpt.Uncacheable)
			}

			pa, err := tbl.VirtToPhys(test.virt + 0x123)
			if err != nil || pa != test.phys+0x123 {
				t.Errorf("VirtToPhys: got (%#x, %v), want (%#x, nil)", pa, err, test.phys+0x123)
			}
		})
	}
}

func TestMapErrors(t *testing.T) {
	t.Parallel()

	tbl, _ := newTable(t, 16)

	if err := tbl.Map(0x4000_0000, 0x4000_0000, hpt.Size1G, hpt.ReadWrite, hpt.WriteBack); err != nil {
		t.Fatalf("Map 1G: %v", err)
	}

	for _, test := range []struct {
		name string
		virt uint64
		phys uint64
		g    hpt.Granularity
		want error
	}{
		{"UnderLargePage", 0x4020_0000, 0, hpt.Size2M, hpt.ErrMappingConflict},
		{"UnderLargePage4K", 0x4000_1000, 0, hpt.Size4K, hpt.ErrMappingConflict},
		{"UnalignedVirt", 0x1001, 0, hpt.Size4K, hpt.ErrUnaligned},
		{"UnalignedPhys", 0x20_0000, 0x1000, hpt.Size2M, hpt.ErrUnaligned},
		{"NonCanonical", 0x8000_0000_0000, 0, hpt.Size4K, hpt.ErrOutOfRange},
		{"BadGranularity", 0x1000, 0, hpt.Granularity(0x8000), hpt.ErrOutOfRange},
	} {
		if err := tbl.Map(test.virt, test.phys, test.g, hpt.ReadWrite, hpt.WriteBack); !errors.Is(err, test.want) {
			t.Errorf("%s: got %v, want %v", test.name, err, test.want)
		}
	}

	if err := tbl.Unmap(0x9000); !errors.Is(err, hpt.ErrNotMapped) {
		t.Errorf("Unmap unmapped: got %v, want %v", err, hpt.ErrNotMapped)
	}
}

func TestTableOverSmallerMapping(t *testing.T) {
	t.Parallel()

	tbl, _ := newTable(t, 16)

	if err := tbl.Map(0x20_0000, 0x1000, hpt.Size4K, hpt.ReadWrite, hpt.WriteBack); err != nil {
		t.Fatalf("Map 4K: %v", err)
	}

	// The PD entry now points at a page table.
	if err := tbl.Map(0x20_0000, 0x20_0000, hpt.Size2M, hpt.ReadWrite, hpt.WriteBack); !errors.Is(err, hpt.ErrMappingConflict) {
		t.Fatalf("Map 2M over table: got %v, want %v", err, hpt.ErrMappingConflict)
	}
}

func TestPhysAddrMask(t *testing.T) {
	t.Parallel()

	tbl, _ := newTable(t, 16, hpt.WithPhysAddrBits(39))

	if want := uint64(0x7f_ffff_f000); tbl.PhysMask() != want {
		t.Fatalf("PhysMask: got %#x, want %#x", tbl.PhysMask(), want)
	}

	if err := tbl.Map(0x1000, 0x100_0000_1000, hpt.Size4K, hpt.ReadWrite, hpt.WriteBack); err != nil {
		t.Fatalf("Map: %v", err)
	}

	e, _, err := tbl.Lookup(0x1000)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if e.Address() != 0x1000 {
		t.Errorf("Address: got %#x, want 0x1000", e.Address())
	}
}

func TestAllocationFailure(t *testing.T) {
	t.Parallel()

	// Room for the top level and one more node only.
	tbl, _ := newTable(t, 2)

	if err := tbl.Map(0x1000, 0x1000, hpt.Size4K, hpt.ReadWrite, hpt.WriteBack); !errors.Is(err, memory.ErrOutOfMemory) {
		t.Fatalf("Map: got %v, want %v", err, memory.ErrOutOfMemory)
	}
}

func TestWalk(t *testing.T) {
	t.Parallel()

	tbl, _ := newTable(t, 32)

	want := []uint64{0x1000, 0x20_0000, 0x4000_0000, 0xffff_8000_0000_0000}
	sizes := []hpt.Granularity{hpt.Size4K, hpt.Size2M, hpt.Size1G, hpt.Size4K}

	for i := len(want) - 1; i >= 0; i-- {
		if err := tbl.Map(want[i], want[i], sizes[i], hpt.ReadWrite, hpt.WriteBack); err != nil {
			t.Fatalf("Map(%#x): %v", want[i], err)
		}
	}

	var got []uint64

	tbl.Walk(func(virt uint64, _ hpt.Entry, _ hpt.Granularity) bool {
		got = append(got, virt)

		return true
	})

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Walk mismatch (-want +got):\n%s", diff)
	}
}

func TestWalkHighIndices(t *testing.T) {
	t.Parallel()

	tbl, _ := newTable(t, 32)

	// Each address sits at a non-zero PML4 and PDPT index.
	want := []uint64{0x80_4000_0000, 0x80_4020_1000, 0x4080_4000_0000}
	sizes := []hpt.Granularity{hpt.Size4K, hpt.Size4K, hpt.Size2M}

	for i, virt := range want {
		if err := tbl.Map(virt, uint64(i+1)<<21, sizes[i], hpt.ReadWrite, hpt.WriteBack); err != nil {
			t.Fatalf("Map(%#x): %v", virt, err)
		}
	}

	var got []uint64

	tbl.Walk(func(virt uint64, _ hpt.Entry, _ hpt.Granularity) bool {
		got = append(got, virt)

		return true
	})

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Walk mismatch (-want +got):\n%s", diff)
	}
}

func TestConflictNamesCoveringPage(t *testing.T) {
	t.Parallel()

	tbl, _ := newTable(t, 16)

	if err := tbl.Map(0x4000_0000, 0x4000_0000, hpt.Size1G, hpt.ReadWrite, hpt.WriteBack); err != nil {
		t.Fatalf("Map 1G: %v", err)
	}

	err := tbl.Map(0x4000_1000, 0, hpt.Size4K, hpt.ReadWrite, hpt.WriteBack)
	if !errors.Is(err, hpt.ErrMappingConflict) || !strings.Contains(err.Error(), "under a 1G page") {
		t.Errorf("Map 4K under 1G: got %v", err)
	}
}

func TestConcurrentMap(t *testing.T) {
	t.Parallel()

	tbl, _ := newTable(t, 64)

	var g errgroup.Group

	for core := 0; core < 8; core++ {
		core := core

		g.Go(func() error {
			for i := 0; i < 16; i++ {
				virt := uint64(core)<<21 | uint64(i)<<12
				if err := tbl.Map(virt, virt, hpt.Size4K, hpt.ReadWrite, hpt.WriteBack); err != nil {
					return err
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Map: %v", err)
	}

	n := 0

	tbl.Walk(func(uint64, hpt.Entry, hpt.Granularity) bool {
		n++

		return true
	})

	if n != 8*16 {
		t.Errorf("mappings: got %d, want %d", n, 8*16)
	}

	// One PDPT, one PD and one PT per 2M window.
	if got := tbl.Nodes(); got != 1+1+1+8 {
		t.Errorf("Nodes: got %d, want %d", got, 11)
	}
}
