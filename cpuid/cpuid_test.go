package cpuid_test

import (
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobuhiro11/govmx/cpuid"
)

func TestCPUID(t *testing.T) {
	t.Parallel()

	if runtime.GOARCH != "amd64" {
		t.Skip("CPUID is amd64 only")
	}

	eax, ebx, ecx, edx := cpuid.CPUID(0)

	t.Logf("eax:0x%x ebx:0x%x ecx:0x%x edx:0x%x",
		eax, ebx, ecx, edx)

	vendor := cpuid.Read(cpuid.LeafVendor, 0).Vendor()
	if vendor != "GenuineIntel" && vendor != "AuthenticAMD" {
		t.Fatalf("Unknown CPU vender found: %s", vendor)
	}
}

func TestVendor(t *testing.T) {
	t.Parallel()

	e := cpuid.Entry{Regs: [4]uint32{0xd, 0x756e6547, 0x6c65746e, 0x49656e69}}
	if got := e.Vendor(); got != "GenuineIntel" {
		t.Fatalf("Vendor: got %q, want GenuineIntel", got)
	}
}

func TestPatch(t *testing.T) {
	t.Parallel()

	ids := []cpuid.Entry{
		{Function: 0},
		{Function: 1, Regs: [4]uint32{0, 0, 1 << 31, 1}},
		{Function: 7, Index: 0},
	}

	vmx := &cpuid.CPUIDPatch{Function: 1, Reg: cpuid.ECX, Bit: uint8(cpuid.VMX)}
	if err := cpuid.Patch(ids, []*cpuid.CPUIDPatch{vmx}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	want := []cpuid.Entry{
		{Function: 0},
		{Function: 1, Regs: [4]uint32{0, 0, 1<<31 | 1<<5, 1}},
		{Function: 7, Index: 0},
	}

	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("Patch mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []*cpuid.CPUIDPatch{
		{Function: 1, Reg: cpuid.ECX, Bit: 32},
		{Function: 1, Reg: cpuid.Register(4), Bit: 1},
	} {
		if err := cpuid.Patch(ids, []*cpuid.CPUIDPatch{bad}); err == nil {
			t.Errorf("Patch(%+v): got nil error", *bad)
		}
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	enabled, disabled := cpuid.Split(cpuid.AllF1Ecx, 1<<5|1<<31)

	if diff := cmp.Diff([]cpuid.F1Ecx{cpuid.VMX, cpuid.HYPERVISOR}, enabled); diff != "" {
		t.Errorf("enabled mismatch (-want +got):\n%s", diff)
	}

	if len(enabled)+len(disabled) != len(cpuid.AllF1Ecx) {
		t.Errorf("got %d+%d features, want %d", len(enabled), len(disabled), len(cpuid.AllF1Ecx))
	}
}

func TestFeatureString(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		f    interface{ String() string }
		want string
	}{
		{cpuid.VMX, "VMX"},
		{cpuid.FPU, "FPU"},
		{cpuid.SPEC_CTRL_SSBD, "SPEC_CTRL_SSBD"},
		{cpuid.F1Ecx(16), "F1Ecx(16)"},
	} {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("String: got %q, want %q", got, tt.want)
		}
	}
}
