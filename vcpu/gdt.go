package vcpu

import "encoding/binary"

// Host selectors. Every host vCPU uses the same GDT layout.
const (
	SelectorCode = 0x08
	SelectorData = 0x10
	SelectorTSS  = 0x18

	gdtEntries = 5 // null, code, data, TSS (two slots)
)

// Access byte bits of a segment descriptor.
const (
	AccessAccessed   = 1 << 0
	AccessRW         = 1 << 1
	AccessExecutable = 1 << 3
	AccessSegment    = 1 << 4 // code or data, clear for system descriptors
	AccessPresent    = 1 << 7

	// AccessTSSAvailable is the system type of an available 64-bit TSS.
	AccessTSSAvailable = 0x9
)

// Flags nibble of a segment descriptor.
const (
	FlagLong        = 1 << 1
	FlagDefault32   = 1 << 2
	FlagGranularity = 1 << 3
)

// Descriptor is one 8-byte GDT entry.
//
//	63       56 55   52 51   48 47      40 39       16 15        0
//	base 31:24 | flags | limit  | access   | base 23:0 | limit 15:0
//	                    19:16
type Descriptor uint64

// NewDescriptor encodes a segment descriptor with a 32-bit base and a
// 20-bit limit.
func NewDescriptor(base, limit uint32, access, flags uint8) Descriptor {
	d := uint64(limit & 0xffff)
	d |= uint64(base&0xffffff) << 16
	d |= uint64(access) << 40
	d |= uint64((limit>>16)&0xf) << 48
	d |= uint64(flags&0xf) << 52
	d |= uint64(base>>24) << 56

	return Descriptor(d)
}

func (d Descriptor) Base() uint32 {
	return uint32((d>>16)&0xffffff) | uint32(d>>56)<<24
}

func (d Descriptor) Limit() uint32 {
	return uint32(d&0xffff) | uint32((d>>48)&0xf)<<16
}

func (d Descriptor) Access() uint8 {
	return uint8(d >> 40)
}

func (d Descriptor) Flags() uint8 {
	return uint8(d>>52) & 0xf
}

// NewTSSDescriptor encodes the 16-byte system descriptor of a 64-bit TSS.
func NewTSSDescriptor(base uint64, limit uint32) [2]Descriptor {
	low := NewDescriptor(uint32(base), limit, AccessPresent|AccessTSSAvailable, 0)

	return [2]Descriptor{low, Descriptor(base >> 32)}
}

// TSS field offsets, Intel SDM Vol. 3 figure 8-11.
const (
	tssRSP0      = 0x04
	tssIST1      = 0x24
	tssIOMapBase = 0x66
	TSSSize      = 0x68
)

// encodeTSS writes a TSS using rsp0 for privilege changes and ist1 for
// interrupts delivered on the interrupt stack. The I/O map base points
// past the limit so there is no I/O permission bitmap.
func encodeTSS(b []byte, rsp0, ist1 uint64) {
	clear(b[:TSSSize])
	binary.LittleEndian.PutUint64(b[tssRSP0:], rsp0)
	binary.LittleEndian.PutUint64(b[tssIST1:], ist1)
	binary.LittleEndian.PutUint16(b[tssIOMapBase:], TSSSize)
}

// encodeGDT writes the host GDT for a TSS at tss.
func encodeGDT(b []byte, tss uint64) {
	gdt := [gdtEntries]Descriptor{
		0,
		NewDescriptor(0, 0xfffff, AccessPresent|AccessSegment|AccessExecutable|AccessRW|AccessAccessed,
			FlagLong|FlagGranularity),
		NewDescriptor(0, 0xfffff, AccessPresent|AccessSegment|AccessRW|AccessAccessed,
			FlagDefault32|FlagGranularity),
	}

	t := NewTSSDescriptor(tss, TSSSize-1)
	gdt[3], gdt[4] = t[0], t[1]

	for i, d := range gdt {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(d))
	}
}
