// Package exit routes VM exits through registered handlers.
//
// A Dispatcher holds one list of handlers that see every exit and one list
// per basic exit reason. Handlers are consulted most recently registered
// first; the first one to claim the exit resumes the guest. An exit nobody
// claims, or a handler that fails, halts the vCPU.
package exit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/bobuhiro11/govmx/x86"
)

var (
	// ErrUnhandledExit is the halt reason when no handler claims an exit.
	ErrUnhandledExit = errors.New("unhandled exit")

	// ErrReasonOutOfRange is returned by AddForReason for a reason the
	// architecture does not define.
	ErrReasonOutOfRange = errors.New("exit reason out of range")

	// ErrHandlerPanic is the halt reason when a handler panics.
	ErrHandlerPanic = errors.New("exit handler panicked")
)

// VCPU is what the dispatcher needs from the vCPU that took the exit.
type VCPU interface {
	State() *x86.SavedState

	// WriteBack stores the guest registers of State into the control
	// structure before the guest is resumed.
	WriteBack() error

	// Run resumes the guest. A non-nil error means the vCPU already
	// halted itself.
	Run() error
	Halt(reason error)
	Dump(header string)
	CheckConsistency() error
}

// Info describes the exit being handled. A handler that claims the exit
// may set the Ignore flags to take over register write-back or RIP
// advance itself, e.g. when it redirects the guest.
type Info struct {
	Reason        x86.ExitReason
	Qualification uint64

	IgnoreWriteBack bool
	IgnoreAdvance   bool
}

// Handler inspects an exit and reports whether it claimed it. A non-nil
// error halts the vCPU.
type Handler func(v VCPU, info *Info) (bool, error)

// Dispatcher is the exit handler pipeline of one vCPU.
type Dispatcher struct {
	mu       sync.RWMutex
	every    []Handler
	byReason [x86.NumExitReasons][]Handler

	log logrus.FieldLogger

	counts    [x86.NumExitReasons]atomic.Uint64
	unhandled atomic.Uint64
}

// NewDispatcher returns a dispatcher with no handlers. log should already
// carry the vcpu field.
func NewDispatcher(log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{log: log}
}

// Add registers h for every exit, ahead of all earlier registrations.
func (d *Dispatcher) Add(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.every = prepend(d.every, h)
}

// AddForReason registers h for exits with the given basic reason, ahead of
// all earlier registrations for that reason.
func (d *Dispatcher) AddForReason(reason x86.ExitReason, h Handler) error {
	if !reason.Valid() {
		return fmt.Errorf("%d: %w", reason, ErrReasonOutOfRange)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.byReason[reason] = prepend(d.byReason[reason], h)

	return nil
}

func prepend(list []Handler, h Handler) []Handler {
	return append([]Handler{h}, list...)
}

func (d *Dispatcher) handlers(reason x86.ExitReason) (every, specific []Handler) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	every = d.every
	if reason.Valid() {
		specific = d.byReason[reason]
	}

	return every, specific
}

// Handle resolves the exit recorded in v's saved state. It either resumes
// the guest through v.Run or halts v; a panicking or failing handler halts
// v and never reaches Run. v.Halt is called at most once, even when it
// panics itself.
func (d *Dispatcher) Handle(v VCPU) {
	halted := false
	halt := func(err error) {
		halted = true
		v.Halt(err)
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("exit handler failed")

			if !halted {
				halt(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
			}
		}
	}()

	state := v.State()
	reason := state.BasicExitReason()
	info := &Info{Reason: reason, Qualification: state.Qualification}

	if reason.Valid() {
		d.counts[reason].Add(1)
	}

	every, specific := d.handlers(reason)

	for _, list := range [][]Handler{every, specific} {
		for _, h := range list {
			claimed, err := h(v, info)
			if err != nil {
				d.log.WithError(err).WithField("reason", reason).Error("exit handler failed")
				halt(err)

				return
			}

			if claimed {
				d.resume(v, info, halt)

				return
			}
		}
	}

	d.unhandled.Add(1)
	d.log.WithFields(logrus.Fields{
		"reason":        reason,
		"full":          fmt.Sprintf("%#x", state.ExitReason),
		"qualification": fmt.Sprintf("%#x", state.Qualification),
	}).Error("unhandled exit")

	if state.EntryFailed() {
		v.Dump("vm entry failure")

		if err := v.CheckConsistency(); err != nil {
			d.log.WithError(err).Error("consistency check")
		}
	}

	halt(fmt.Errorf("%v: %w", reason, ErrUnhandledExit))
}

func (d *Dispatcher) resume(v VCPU, info *Info, halt func(error)) {
	state := v.State()

	if !info.IgnoreAdvance {
		state.RIP += state.InstrLen
	}

	if !info.IgnoreWriteBack {
		if err := v.WriteBack(); err != nil {
			d.log.WithError(err).Error("writing back guest registers")
			halt(err)

			return
		}
	}

	if err := v.Run(); err != nil {
		d.log.WithError(err).Error("resuming guest")
	}
}

// Count is the number of exits seen with the given basic reason.
func (d *Dispatcher) Count(reason x86.ExitReason) uint64 {
	if !reason.Valid() {
		return 0
	}

	return d.counts[reason].Load()
}

// Unhandled is the number of exits no handler claimed.
func (d *Dispatcher) Unhandled() uint64 {
	return d.unhandled.Load()
}
