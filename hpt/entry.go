package hpt

import (
	"fmt"

	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/x86"
)

// Entry is a raw page-table entry.
type Entry uint64

// entryAddrMask extracts bits 51:12.
const entryAddrMask = 0x000f_ffff_ffff_f000

func (e Entry) Present() bool     { return e&x86.PTExPresent != 0 }
func (e Entry) Writable() bool    { return e&x86.PTExRW != 0 }
func (e Entry) Executable() bool  { return e&x86.PTExNX == 0 }
func (e Entry) Large() bool       { return e&x86.PTExPS != 0 }
func (e Entry) Uncacheable() bool { return e&x86.PTExCacheDisable != 0 }

// Address is the physical address the entry points at.
func (e Entry) Address() uint64 {
	return uint64(e) & entryAddrMask
}

// Rights decodes the access rights.
func (e Entry) Rights() Rights {
	switch {
	case e.Writable() && e.Executable():
		return ReadWriteExecute
	case e.Executable():
		return ReadExecute
	}

	return ReadWrite
}

func (e Entry) String() string {
	if !e.Present() {
		return "not present"
	}

	rights := map[Rights]string{ReadWrite: "rw-", ReadExecute: "r-x", ReadWriteExecute: "rwx"}[e.Rights()]
	cache := "wb"

	if e.Uncacheable() {
		cache = "uc"
	}

	return fmt.Sprintf("%#x %s %s", e.Address(), rights, cache)
}

// DescriptorAttributes picks the rights and cache policy for a memory
// descriptor. Read-only memory is mapped read-write: the host table only
// distinguishes the three rights sets.
func DescriptorAttributes(t memory.Type) (Rights, Cache) {
	rights := ReadWrite

	switch {
	case t&memory.TypeExecute != 0 && t&memory.TypeWrite != 0:
		rights = ReadWriteExecute
	case t&memory.TypeExecute != 0:
		rights = ReadExecute
	}

	cache := WriteBack
	if t&memory.TypeUncacheable != 0 {
		cache = Uncacheable
	}

	return rights, cache
}

// MapDescriptor maps one 4 KiB page described by d.
func (t *Table) MapDescriptor(d memory.Descriptor) error {
	rights, cache := DescriptorAttributes(d.Type)

	return t.Map(d.Virt, d.Phys, Size4K, rights, cache)
}
