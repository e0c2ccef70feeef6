// Package iodev emulates port I/O devices behind the I/O-instruction exit.
// A Bus installed on a vCPU claims IN and OUT exits to the ports of its
// devices and moves the data between the device and the guest RAX.
package iodev

import (
	"errors"
	"fmt"
)

// Device is a block of I/O ports. data holds the bytes of one access, least
// significant first.
type Device interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	IOPort() uint64
	Size() uint64
}

var (
	// ErrShutdown is returned by a device write that powers the machine off.
	ErrShutdown = errors.New("guest requested shutdown")

	// ErrReset is returned by a device write that resets the machine.
	ErrReset = errors.New("guest requested reset")

	errPortConflict = errors.New("port range already claimed")
)

// Qualification is the exit qualification of an I/O-instruction exit.
type Qualification uint64

const (
	qualIn        = 1 << 3
	qualString    = 1 << 4
	qualRep       = 1 << 5
	qualImmediate = 1 << 6
)

// NewQualification encodes the qualification of an IN (in) or OUT of size
// bytes through DX.
func NewQualification(port uint16, size int, in bool) Qualification {
	q := Qualification(port)<<16 | Qualification(size-1)&0x7
	if in {
		q |= qualIn
	}

	return q
}

// Size is the access width in bytes: 1, 2 or 4.
func (q Qualification) Size() int { return int(q&0x7) + 1 }

// In reports an IN; false is OUT.
func (q Qualification) In() bool { return q&qualIn != 0 }

// StringOp reports INS/OUTS.
func (q Qualification) StringOp() bool { return q&qualString != 0 }

// Rep reports a REP prefix.
func (q Qualification) Rep() bool { return q&qualRep != 0 }

// Immediate reports that the port was an immediate operand rather than DX.
func (q Qualification) Immediate() bool { return q&qualImmediate != 0 }

// Port is the accessed port.
func (q Qualification) Port() uint64 { return uint64(q>>16) & 0xffff }

func (q Qualification) String() string {
	dir := "out"
	if q.In() {
		dir = "in"
	}

	return fmt.Sprintf("%s %#x/%d", dir, q.Port(), q.Size())
}
