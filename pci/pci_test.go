package pci_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/bobuhiro11/govmx/pci"
)

func newBus(t *testing.T, devs ...pci.DeviceHeader) *pci.PCI {
	t.Helper()

	log, _ := test.NewNullLogger()

	p, err := pci.New(log, devs...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return p
}

func configRead(t *testing.T, p *pci.PCI, slot, offset uint32, size int) []byte {
	t.Helper()

	addr := make([]byte, 4)
	binary.LittleEndian.PutUint32(addr, 1<<31|slot<<11|offset&0xfc)

	if err := p.Write(pci.ConfigAddress, addr); err != nil {
		t.Fatalf("Write address: %v", err)
	}

	data := make([]byte, size)
	if err := p.Read(pci.ConfigData+uint64(offset&3), data); err != nil {
		t.Fatalf("Read data: %v", err)
	}

	return data
}

func TestHeaderBytes(t *testing.T) {
	t.Parallel()

	h := pci.HostBridge()

	b, err := h.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	if len(b) != 64 {
		t.Fatalf("header length: got %d, want 64", len(b))
	}

	if !bytes.Equal(b[:4], []byte{0x86, 0x80, 0x37, 0x12}) || b[0x0b] != 0x06 {
		t.Errorf("header: got % x", b[:16])
	}
}

func TestConfigRead(t *testing.T) {
	t.Parallel()

	virtio := pci.DeviceHeader{VendorID: 0x1af4, DeviceID: 0x1000, InterruptPin: 1}
	p := newBus(t, virtio)

	for _, tt := range []struct {
		name   string
		slot   uint32
		offset uint32
		size   int
		want   []byte
	}{
		{"bridge id", 0, 0, 4, []byte{0x86, 0x80, 0x37, 0x12}},
		{"bridge device word", 0, 2, 2, []byte{0x37, 0x12}},
		{"bridge class", 0, 0x0b, 1, []byte{0x06}},
		{"second slot", 1, 0, 4, []byte{0xf4, 0x1a, 0x00, 0x10}},
		{"interrupt pin", 1, 0x3d, 1, []byte{1}},
		{"past header", 1, 0x40, 4, []byte{0, 0, 0, 0}},
		{"empty slot", 2, 0, 4, []byte{0xff, 0xff, 0xff, 0xff}},
	} {
		if got := configRead(t, p, tt.slot, tt.offset, tt.size); !bytes.Equal(got, tt.want) {
			t.Errorf("%s: got % x, want % x", tt.name, got, tt.want)
		}
	}
}

func TestConfigAddress(t *testing.T) {
	t.Parallel()

	p := newBus(t)
	want := []byte{0x08, 0x10, 0x00, 0x80}

	if err := p.Write(pci.ConfigAddress, want); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 4)
	if err := p.Read(pci.ConfigAddress, got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, want) {
		t.Errorf("address register: got % x, want % x", got, want)
	}

	// Disabled address selects nothing.
	if err := p.Write(pci.ConfigAddress, []byte{0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 2)
	if err := p.Read(pci.ConfigData, data); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(data, []byte{0xff, 0xff}) {
		t.Errorf("disabled read: got % x", data)
	}
}

func TestTooManyDevices(t *testing.T) {
	t.Parallel()

	log, _ := test.NewNullLogger()

	if _, err := pci.New(log, make([]pci.DeviceHeader, pci.MaxSlots)...); err == nil {
		t.Error("New with 33 functions: got nil error")
	}
}
