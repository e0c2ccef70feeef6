// Package pci emulates PCI configuration space access mechanism #1: a
// guest writes a bus/device/function/register address to port 0xcf8 and
// reads the register through ports 0xcfc-0xcff.
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	ConfigAddress = 0xcf8
	ConfigData    = 0xcfc

	// MaxSlots is the number of devices on bus 0.
	MaxSlots = 32
)

var errTooManyDevices = errors.New("pci: more devices than slots on bus 0")

type address uint32

func (a address) registerOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) function() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) device() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) bus() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) enabled() bool {
	return uint32(a)>>31 == 1
}

// DeviceHeader is the type 0 configuration header of a function.
type DeviceHeader struct {
	VendorID                uint16
	DeviceID                uint16
	Command                 uint16
	Status                  uint16
	RevisionID              uint8
	ClassCode               [3]uint8 // programming interface, subclass, class
	CacheLineSize           uint8
	LatencyTimer            uint8
	HeaderType              uint8
	BIST                    uint8
	BaseAddressRegister     [6]uint32
	CardbusCISPointer       uint32
	SubsystemVendorID       uint16
	SubsystemID             uint16
	ExpansionROMBaseAddress uint32
	CapabilitiesPointer     uint8
	Reserved                [7]uint8
	InterruptLine           uint8
	InterruptPin            uint8
	MinGnt                  uint8
	MaxLat                  uint8
}

func (h *DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// HostBridge is the header of an i440FX host bridge.
func HostBridge() DeviceHeader {
	return DeviceHeader{
		VendorID:  0x8086,
		DeviceID:  0x1237,
		ClassCode: [3]uint8{0, 0, 0x06},
	}
}

// PCI is bus 0 with the host bridge at 00:00.0 and one function per
// device. It is an iodev.Device covering ports 0xcf8-0xcff.
type PCI struct {
	mu      sync.Mutex
	addr    address
	headers [][]byte
	log     logrus.FieldLogger
}

// New builds bus 0. devs take the slots after the host bridge.
func New(log logrus.FieldLogger, devs ...DeviceHeader) (*PCI, error) {
	devs = append([]DeviceHeader{HostBridge()}, devs...)
	if len(devs) > MaxSlots {
		return nil, errTooManyDevices
	}

	p := &PCI{log: log}

	for i := range devs {
		b, err := devs[i].Bytes()
		if err != nil {
			return nil, err
		}

		p.headers = append(p.headers, b)
	}

	return p, nil
}

func (p *PCI) IOPort() uint64 {
	return ConfigAddress
}

func (p *PCI) Size() uint64 {
	return 8
}

func (p *PCI) Read(port uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < ConfigData {
		if port == ConfigAddress && len(data) == 4 {
			binary.LittleEndian.PutUint32(data, uint32(p.addr))

			return nil
		}

		fill(data)

		return nil
	}

	header := p.selected()
	if header == nil {
		// No device answers: the read floats high.
		fill(data)

		return nil
	}

	// See pci_conf1_read in linux/arch/x86/pci/direct.c.
	offset := int(p.addr.registerOffset()) + int(port-ConfigData)

	for i := range data {
		data[i] = 0
		if offset+i < len(header) {
			data[i] = header[offset+i]
		}
	}

	return nil
}

func (p *PCI) Write(port uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port == ConfigAddress && len(data) == 4 {
		p.addr = address(binary.LittleEndian.Uint32(data))

		p.log.WithFields(logrus.Fields{
			"bus":  p.addr.bus(),
			"slot": p.addr.device(),
			"func": p.addr.function(),
		}).Debug("pci config address")

		return nil
	}

	// Headers are read-only; BAR sizing is not emulated.
	p.log.WithFields(logrus.Fields{
		"port":   port,
		"offset": p.addr.registerOffset(),
	}).Debug("pci config write ignored")

	return nil
}

// selected returns the header addressed by the config address register.
func (p *PCI) selected() []byte {
	a := p.addr
	if !a.enabled() || a.bus() != 0 || a.function() != 0 {
		return nil
	}

	if int(a.device()) >= len(p.headers) {
		return nil
	}

	return p.headers[a.device()]
}

func fill(data []byte) {
	for i := range data {
		data[i] = 0xff
	}
}
