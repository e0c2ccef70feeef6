// Package serial emulates the 16550 UART at COM1 as a port I/O device.
// Transmitted bytes go to a writer; there is no interrupt controller, so
// IER is stored but never raises an interrupt.
package serial

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	COM1Addr = 0x03f8
)

// Serial is shared by every vCPU the port bus is installed on.
type Serial struct {
	mu sync.Mutex

	IER byte
	LCR byte

	inputChan chan byte
	out       io.Writer
	log       logrus.FieldLogger
}

func New(out io.Writer, log logrus.FieldLogger) (*Serial, error) {
	s := &Serial{
		IER: 0, LCR: 0,
		inputChan: make(chan byte, 10000),
		out:       out,
		log:       log,
	}

	return s, nil
}

func (s *Serial) GetInputChan() chan<- byte {
	return s.inputChan
}

func (s *Serial) dlab() bool {
	return s.LCR&0x80 != 0
}

func (s *Serial) IOPort() uint64 {
	return COM1Addr
}

func (s *Serial) Size() uint64 {
	return 0x8
}

func (s *Serial) Read(port uint64, values []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// RBR
		select {
		case values[0] = <-s.inputChan:
		default:
			values[0] = 0
		}
	case port == 0 && s.dlab():
		// DLL
		values[0] = 0xc // baud rate 9600
	case port == 1 && !s.dlab():
		// IER
		values[0] = s.IER
	case port == 1 && s.dlab():
		// DLM
		values[0] = 0x0 // baud rate 9600
	case port == 3:
		// LCR
		values[0] = s.LCR
	case port == 5:
		// LSR
		values[0] = 0x60 // THR is empty
		if len(s.inputChan) > 0 {
			values[0] |= 0x1 // Data available
		}
	default:
		// IIR, MCR, MSR, scratch
		values[0] = 0
	}

	return nil
}

func (s *Serial) Write(port uint64, values []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// THR
		_, err := s.out.Write(values[:1])

		return err
	case port == 1 && !s.dlab():
		// IER
		s.IER = values[0]
	case port == 3:
		// LCR
		s.LCR = values[0]
	default:
		s.log.WithFields(logrus.Fields{"port": port, "value": values[0]}).Debug("serial register ignored")
	}

	return nil
}
