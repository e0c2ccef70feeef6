package iodev

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/govmx/exit"
	"github.com/bobuhiro11/govmx/vcpu"
	"github.com/bobuhiro11/govmx/x86"
)

// Bus dispatches port I/O to its devices.
type Bus struct {
	mu   sync.RWMutex
	devs []Device
	log  logrus.FieldLogger
}

func NewBus(log logrus.FieldLogger) *Bus {
	return &Bus{log: log}
}

// Register adds d. Port ranges may not overlap.
func (b *Bus) Register(d Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	lo, hi := d.IOPort(), d.IOPort()+d.Size()

	for _, o := range b.devs {
		if lo < o.IOPort()+o.Size() && o.IOPort() < hi {
			return fmt.Errorf("ports [%#x, %#x): %w", lo, hi, errPortConflict)
		}
	}

	b.devs = append(b.devs, d)

	return nil
}

func (b *Bus) find(port uint64) Device {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, d := range b.devs {
		if port >= d.IOPort() && port < d.IOPort()+d.Size() {
			return d
		}
	}

	return nil
}

// Handle is the I/O-instruction exit handler. String instructions and
// ports without a device are left unclaimed.
func (b *Bus) Handle(v exit.VCPU, info *exit.Info) (bool, error) {
	q := Qualification(info.Qualification)
	if q.StringOp() {
		return false, nil
	}

	d := b.find(q.Port())
	if d == nil {
		return false, nil
	}

	b.log.WithField("io", q).Debug("port access")

	state := v.State()
	data := make([]byte, 8)

	if q.In() {
		if err := d.Read(q.Port(), data[:q.Size()]); err != nil {
			return false, fmt.Errorf("%v: %w", q, err)
		}

		val := binary.LittleEndian.Uint64(data)

		// A 32-bit write to EAX clears the upper half of RAX.
		if q.Size() == 4 {
			state.RAX = val
		} else {
			mask := uint64(1)<<(8*q.Size()) - 1
			state.RAX = state.RAX&^mask | val&mask
		}

		return true, nil
	}

	binary.LittleEndian.PutUint64(data, state.RAX)

	if err := d.Write(q.Port(), data[:q.Size()]); err != nil {
		return false, fmt.Errorf("%v: %w", q, err)
	}

	return true, nil
}

// Extension installs the bus on a vCPU.
func (b *Bus) Extension() func(*vcpu.VCPU) error {
	return func(c *vcpu.VCPU) error {
		return c.Exits().AddForReason(x86.ExitIOInstruction, b.Handle)
	}
}
