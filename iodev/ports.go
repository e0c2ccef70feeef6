package iodev

// Discard is a block of ports that ignores writes and reads as zero, like
// the POST diagnostic port 0x80.
type Discard struct {
	Base, Len uint64
}

func (d *Discard) Read(_ uint64, data []byte) error {
	clear(data)

	return nil
}

func (d *Discard) Write(uint64, []byte) error { return nil }

func (d *Discard) IOPort() uint64 { return d.Base }

func (d *Discard) Size() uint64 { return d.Len }

// PowerControlPort is the ACPI sleep control register used by EDK2 on
// cloud-hypervisor, see OvmfPkg/Include/IndustryStandard/CloudHv.h.
const PowerControlPort = 0x600

const (
	resetValue = 1

	// SLP_TYPa is bits 4:2 and S5 is type 5; SLP_EN is bit 5.
	slpTypS5 = 5 << 2
	slpEn    = 1 << 5
)

// PowerControl turns guest reset and S5 requests into ErrReset and
// ErrShutdown. The error halts the vCPU that wrote it.
type PowerControl struct{}

func (PowerControl) Read(_ uint64, data []byte) error {
	clear(data)

	return nil
}

func (PowerControl) Write(_ uint64, data []byte) error {
	switch data[0] {
	case resetValue:
		return ErrReset
	case slpTypS5 | slpEn:
		return ErrShutdown
	}

	return nil
}

func (PowerControl) IOPort() uint64 { return PowerControlPort }

func (PowerControl) Size() uint64 { return 8 }
