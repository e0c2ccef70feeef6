package vmm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/bobuhiro11/govmx/control"
	"github.com/bobuhiro11/govmx/x86"
)

var errUnknownMessage = errors.New("unknown control message")

// ControlSocketPath returns the default control socket path for pid.
func ControlSocketPath(pid int) string {
	return fmt.Sprintf("/tmp/govmx-%d.sock", pid)
}

// StartControlSocket listens on a Unix domain socket and serves control
// clients until the returned listener is closed.
func (v *VMM) StartControlSocket(path string) (io.Closer, error) {
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	go func() {
		defer os.Remove(path)

		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			go v.handleControl(conn)
		}
	}()

	v.log.WithField("path", path).Info("control socket listening")

	return l, nil
}

// handleControl answers messages on conn until the client hangs up.
func (v *VMM) handleControl(conn net.Conn) {
	defer conn.Close()

	s, r := control.NewSender(conn), control.NewReceiver(conn)

	for {
		t, payload, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				v.log.WithError(err).Warn("control connection")
			}

			return
		}

		if err := v.serveControl(s, t, payload); err != nil {
			v.log.WithError(err).Warn("control reply")

			return
		}
	}
}

func (v *VMM) serveControl(s *control.Sender, t control.MsgType, payload []byte) error {
	switch t {
	case control.MsgRequest:
		code, arg1, arg2, err := control.DecodeRequest(payload)
		if err != nil {
			return s.SendError(err)
		}

		return s.SendStatus(uint64(v.Request(Code(code), arg1, arg2)))
	case control.MsgDump:
		return s.SendDumpText(v.Dump())
	case control.MsgStats:
		return s.SendStats(v.Stats())
	}

	return s.SendError(fmt.Errorf("%v: %w", t, errUnknownMessage))
}

// Stats snapshots the memory state and the exit counters of every core.
func (v *VMM) Stats() *control.Stats {
	st := &control.Stats{Descriptors: v.mdl.Len()}

	v.mu.Lock()
	if v.pool != nil {
		st.FreePages = v.pool.FreePages()
		st.PageTableNodes = v.pt.Nodes()
	}

	guests := map[int]int{}
	for id := range v.guests {
		guests[int(id.Core())]++
	}
	v.mu.Unlock()

	for _, core := range v.Cores() {
		host, ok := v.VCPU(core)
		if !ok {
			continue
		}

		c := control.CoreStats{
			Core:      core,
			VCPU:      uint64(host.ID()),
			State:     host.RunState().String(),
			Guests:    guests[core],
			Exits:     map[uint16]uint64{},
			Unhandled: host.Exits().Unhandled(),
		}

		for r := x86.ExitReason(0); r < x86.NumExitReasons; r++ {
			if n := host.Exits().Count(r); n > 0 {
				c.Exits[uint16(r)] = n
			}
		}

		st.Cores = append(st.Cores, c)
	}

	return st
}
