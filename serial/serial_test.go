package serial_test

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/bobuhiro11/govmx/serial"
)

func newSerial(t *testing.T) (*serial.Serial, *bytes.Buffer) {
	t.Helper()

	var out bytes.Buffer

	log, _ := test.NewNullLogger()

	s, err := serial.New(&out, log)
	if err != nil {
		t.Fatal(err)
	}

	return s, &out
}

func TestTransmit(t *testing.T) {
	t.Parallel()

	s, out := newSerial(t)

	for _, c := range []byte("ok\n") {
		if err := s.Write(serial.COM1Addr, []byte{c}); err != nil {
			t.Fatal(err)
		}
	}

	if out.String() != "ok\n" {
		t.Errorf("got %q, want %q", out.String(), "ok\n")
	}

	// With DLAB set, port 0 is the divisor latch.
	if err := s.Write(serial.COM1Addr+3, []byte{0x80}); err != nil {
		t.Fatal(err)
	}

	if err := s.Write(serial.COM1Addr, []byte{'x'}); err != nil {
		t.Fatal(err)
	}

	if out.String() != "ok\n" {
		t.Errorf("divisor write reached the output: %q", out.String())
	}
}

func TestReceive(t *testing.T) {
	t.Parallel()

	s, _ := newSerial(t)
	lsr := []byte{0}

	if err := s.Read(serial.COM1Addr+5, lsr); err != nil || lsr[0] != 0x60 {
		t.Fatalf("LSR: got %#x, %v, want 0x60", lsr[0], err)
	}

	s.GetInputChan() <- 'a'

	if err := s.Read(serial.COM1Addr+5, lsr); err != nil || lsr[0] != 0x61 {
		t.Fatalf("LSR with data: got %#x, %v, want 0x61", lsr[0], err)
	}

	rbr := []byte{0}
	if err := s.Read(serial.COM1Addr, rbr); err != nil || rbr[0] != 'a' {
		t.Fatalf("RBR: got %q, %v, want 'a'", rbr[0], err)
	}

	// An empty receiver reads as zero instead of blocking.
	if err := s.Read(serial.COM1Addr, rbr); err != nil || rbr[0] != 0 {
		t.Fatalf("empty RBR: got %q, %v", rbr[0], err)
	}
}

func TestRegisters(t *testing.T) {
	t.Parallel()

	s, _ := newSerial(t)

	for i := 0; i < 8; i++ {
		if err := s.Write(uint64(serial.COM1Addr+i), []byte{0}); err != nil {
			t.Fatal(err)
		}

		if err := s.Read(uint64(serial.COM1Addr+i), []byte{0}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Write(serial.COM1Addr+1, []byte{0x3}); err != nil || s.IER != 0x3 {
		t.Errorf("IER: got %#x, %v", s.IER, err)
	}
}
