package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Type is the attribute tag of a memory descriptor.
type Type uint64

const (
	TypeRead        Type = 1 << 0
	TypeWrite       Type = 1 << 1
	TypeExecute     Type = 1 << 2
	TypeUncacheable Type = 1 << 8
)

func (t Type) String() string {
	var b strings.Builder

	for _, f := range []struct {
		t Type
		c byte
	}{{TypeRead, 'r'}, {TypeWrite, 'w'}, {TypeExecute, 'x'}} {
		if t&f.t != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}

	if t&TypeUncacheable != 0 {
		b.WriteString(" uc")
	}

	return b.String()
}

// Descriptor ties a virtual page of the hypervisor to its physical page.
type Descriptor struct {
	Phys uint64 `yaml:"phys"`
	Virt uint64 `yaml:"virt"`
	Type Type   `yaml:"type"`
}

// DescriptorSize is the size of an encoded descriptor.
const DescriptorSize = 24

var errShortDescriptorList = errors.New("descriptor list truncated")

// EncodeDescriptors lays ds out the way the loader hands them across the
// platform boundary: phys, virt, type as little endian 64-bit words.
func EncodeDescriptors(ds []Descriptor) []byte {
	b := make([]byte, len(ds)*DescriptorSize)
	for i, d := range ds {
		o := i * DescriptorSize
		binary.LittleEndian.PutUint64(b[o:], d.Phys)
		binary.LittleEndian.PutUint64(b[o+8:], d.Virt)
		binary.LittleEndian.PutUint64(b[o+16:], uint64(d.Type))
	}

	return b
}

// DecodeDescriptors is the inverse of EncodeDescriptors.
func DecodeDescriptors(b []byte, n int) ([]Descriptor, error) {
	if len(b) < n*DescriptorSize {
		return nil, fmt.Errorf("%d bytes for %d descriptors: %w", len(b), n, errShortDescriptorList)
	}

	ds := make([]Descriptor, n)
	for i := range ds {
		o := i * DescriptorSize
		ds[i] = Descriptor{
			Phys: binary.LittleEndian.Uint64(b[o:]),
			Virt: binary.LittleEndian.Uint64(b[o+8:]),
			Type: Type(binary.LittleEndian.Uint64(b[o+16:])),
		}
	}

	return ds, nil
}
