// Package cpuid executes CPUID on the host and decodes feature bits.
package cpuid

import (
	"errors"
	"fmt"
)

// Leaves the probe and the simulator care about.
const (
	LeafVendor   uint32 = 0x0
	LeafFeatures uint32 = 0x1
	LeafExtended uint32 = 0x7
	LeafAddrSize uint32 = 0x80000008
)

func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, 0)
}

// CPUIDEx executes CPUID with a subleaf in ECX.
func CPUIDEx(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, subleaf)
}

// Register selects an output register of CPUID.
type Register int

const (
	EAX Register = iota
	EBX
	ECX
	EDX
)

// Entry is the output of one CPUID leaf/subleaf.
type Entry struct {
	Function uint32
	Index    uint32
	Regs     [4]uint32
}

// Read executes CPUID for function/index on the current core.
func Read(function, index uint32) Entry {
	e := Entry{Function: function, Index: index}
	e.Regs[EAX], e.Regs[EBX], e.Regs[ECX], e.Regs[EDX] = cpuidLow(function, index)

	return e
}

// Vendor decodes the vendor string of leaf 0.
func (e Entry) Vendor() string {
	b := make([]byte, 0, 12)
	for _, r := range []Register{EBX, EDX, ECX} {
		x := e.Regs[r]
		b = append(b, byte(x), byte(x>>8), byte(x>>16), byte(x>>24))
	}

	return string(b)
}

type CPUIDPatch struct {
	Function uint32
	Index    uint32
	Reg      Register
	Bit      uint8
}

var errInvalidPatchset = errors.New("invalid patch. Only bits 0-31 of EAX-EDX allowed")

// Patch sets the patched feature bits in every matching entry, e.g. to
// advertise VMX on a simulated processor seeded from the host.
func Patch(ids []Entry, patches []*CPUIDPatch) error {
	for _, patch := range patches {
		if patch.Bit > 31 || patch.Reg < EAX || patch.Reg > EDX {
			return fmt.Errorf("%+v: %w", *patch, errInvalidPatchset)
		}
	}

	for i := range ids {
		for _, patch := range patches {
			if ids[i].Function == patch.Function && ids[i].Index == patch.Index {
				ids[i].Regs[patch.Reg] |= 1 << patch.Bit
			}
		}
	}

	return nil
}
