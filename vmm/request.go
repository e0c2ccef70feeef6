package vmm

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/govmx/memory"
)

// Code selects the operation of a platform request.
type Code uint64

const (
	// InitMemoryPool(size, physBase) creates the memory pool and the host
	// page table mapping it.
	InitMemoryPool Code = iota + 1

	// AddMDL(addr, count) reads count memory descriptors from loader
	// memory at addr and maps each page into the host page table.
	AddMDL

	// InitVMM(core) starts a host vCPU on core.
	InitVMM

	// FiniVMM(core) stops the vCPUs of core and leaves VMX operation.
	FiniVMM
)

func (c Code) String() string {
	switch c {
	case InitMemoryPool:
		return "InitMemoryPool"
	case AddMDL:
		return "AddMDL"
	case InitVMM:
		return "InitVMM"
	case FiniVMM:
		return "FiniVMM"
	}

	return fmt.Sprintf("Code(%d)", uint64(c))
}

// Status is the result of a platform request.
type Status uint64

const (
	Success Status = iota
	Failure
	FailureBadAlloc
)

func (s Status) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	case FailureBadAlloc:
		return "FAILURE_BAD_ALLOC"
	}

	return fmt.Sprintf("Status(%d)", uint64(s))
}

var (
	// ErrFailure is the error form of Failure.
	ErrFailure = errors.New("request failed")

	// ErrBadAlloc is the error form of FailureBadAlloc.
	ErrBadAlloc = errors.New("request failed: out of memory")

	errUnknownCode = errors.New("unknown request code")
)

// Err converts s back to an error, nil for Success.
func (s Status) Err() error {
	switch s {
	case Success:
		return nil
	case FailureBadAlloc:
		return ErrBadAlloc
	}

	return ErrFailure
}

// StatusFor maps err to the status reported across the platform boundary.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, memory.ErrOutOfMemory):
		return FailureBadAlloc
	}

	return Failure
}

// Request is the platform boundary. Every failure, including a panic, is
// logged to the debug ring and converted to a Status.
func (v *VMM) Request(code Code, arg1, arg2 uint64) (status Status) {
	log := v.log.WithField("request", code)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("request failed")

			status = Failure
		}
	}()

	err := v.request(code, arg1, arg2)
	if err != nil {
		log.WithError(err).Error("request failed")
	}

	return StatusFor(err)
}

func (v *VMM) request(code Code, arg1, arg2 uint64) error {
	switch code {
	case InitMemoryPool:
		return v.initMemoryPool(int(arg1), arg2)
	case AddMDL:
		return v.addMDL(arg1, int(arg2))
	case InitVMM:
		return v.initVMM(int(arg1))
	case FiniVMM:
		return v.finiVMM(int(arg1))
	}

	return fmt.Errorf("%v: %w", code, errUnknownCode)
}
