package probe

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/bobuhiro11/govmx/vmx"
)

// MSRReader reads model specific registers of one core.
type MSRReader = vmx.MSRReader

// MSRFile reads MSRs through the msr driver, /dev/cpu/N/msr.
type MSRFile struct {
	fd int
}

// OpenMSR opens the msr device of core read-only.
func OpenMSR(core int) (*MSRFile, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", core)

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s (is the msr module loaded?): %w", path, err)
	}

	return &MSRFile{fd: fd}, nil
}

// ReadMSR reads msr. The file offset selects the register.
func (f *MSRFile) ReadMSR(msr uint32) (uint64, error) {
	b := make([]byte, 8)

	n, err := unix.Pread(f.fd, b, int64(msr))
	if err != nil {
		return 0, fmt.Errorf("rdmsr %#x: %w", msr, err)
	}

	if n != len(b) {
		return 0, fmt.Errorf("rdmsr %#x: short read of %d bytes", msr, n)
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (f *MSRFile) Close() error {
	return unix.Close(f.fd)
}

// Pin locks the calling goroutine to its thread and the thread to core, so
// CPUID reports on the same core the MSRs are read from. The returned
// function undoes the thread lock.
func Pin(core int) (func(), error) {
	runtime.LockOSThread()

	var set unix.CPUSet

	set.Zero()
	set.Set(core)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()

		return nil, fmt.Errorf("pinning to core %d: %w", core, err)
	}

	return runtime.UnlockOSThread, nil
}
