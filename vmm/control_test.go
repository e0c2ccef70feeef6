package vmm_test

import (
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobuhiro11/govmx/control"
	"github.com/bobuhiro11/govmx/vmm"
	"github.com/bobuhiro11/govmx/x86"
)

func dial(t *testing.T, path string) *control.Client {
	t.Helper()

	c, err := control.Dial(path, time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	t.Cleanup(func() { c.Close() })

	return c
}

func TestControlSocket(t *testing.T) {
	t.Parallel()

	v, p := newVMM(t, 2)
	path := filepath.Join(t.TempDir(), "ctl.sock")

	l, err := v.StartControlSocket(path)
	if err != nil {
		t.Fatalf("StartControlSocket: %v", err)
	}

	defer l.Close()

	c := dial(t, path)

	for _, tt := range []struct {
		code vmm.Code
		arg1 uint64
		arg2 uint64
		want vmm.Status
	}{
		{vmm.InitVMM, 0, 0, vmm.Failure},
		{vmm.InitMemoryPool, poolSize, physBase, vmm.Success},
		{vmm.InitVMM, 0, 0, vmm.Success},
		{vmm.InitVMM, 1, 0, vmm.Success},
		{vmm.FiniVMM, 1, 0, vmm.Success},
	} {
		got, err := c.Request(uint64(tt.code), tt.arg1, tt.arg2)
		if err != nil {
			t.Fatalf("Request(%v): %v", tt.code, err)
		}

		if vmm.Status(got) != tt.want {
			t.Errorf("Request(%v, %d): got %v, want %v", tt.code, tt.arg1, vmm.Status(got), tt.want)
		}
	}

	cpu := processor(t, p, 0)
	if err := cpu.InjectExit(uint64(x86.ExitHLT), 0, 1); err != nil {
		t.Fatalf("InjectExit: %v", err)
	}

	if err := v.Exit(0); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	dump, err := c.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}

	if dump != v.Dump() || !strings.Contains(dump, "unhandled exit") {
		t.Errorf("Dump: got %q", dump)
	}

	st, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if len(st.Cores) != 1 {
		t.Fatalf("Stats cores: got %d, want 1", len(st.Cores))
	}

	core := st.Cores[0]
	if core.State != "halted" || core.Unhandled != 1 || core.Exits[uint16(x86.ExitHLT)] != 1 {
		t.Errorf("core stats: got %+v", core)
	}

	if st.Descriptors != poolSize/x86.PageSize || st.FreePages == 0 || st.PageTableNodes == 0 {
		t.Errorf("memory stats: got %+v", st)
	}
}

func TestControlSocketUnknownMessage(t *testing.T) {
	t.Parallel()

	v, _ := newVMM(t, 1)
	path := filepath.Join(t.TempDir(), "ctl.sock")

	l, err := v.StartControlSocket(path)
	if err != nil {
		t.Fatalf("StartControlSocket: %v", err)
	}

	defer l.Close()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	defer conn.Close()

	if err := control.NewSender(conn).Send(control.MsgType(42), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	typ, payload, err := control.NewReceiver(conn).Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if typ != control.MsgError || !strings.Contains(string(payload), "unknown control message") {
		t.Errorf("got %v %q, want an error reply", typ, payload)
	}

	if err := control.NewSender(conn).Send(control.MsgRequest, []byte{1, 2}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	typ, _, err = control.NewReceiver(conn).Next()
	if err != nil || typ != control.MsgError {
		t.Errorf("short request: got %v, %v, want an error reply", typ, err)
	}
}
