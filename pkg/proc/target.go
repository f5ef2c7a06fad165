package proc

import (
	"errors"
	"fmt"
)

// Target is the traced process as seen by the tracer engine. Every thread
// passed to its methods, other than Resume, must be stopped.
type Target interface {
	// Pid returns the id of the initial thread.
	Pid() int
	// Resume continues a stopped thread delivering sig, if not zero.
	Resume(tid, sig int) error
	// Wait blocks until any traced thread reports an event.
	Wait() (Event, error)
	// StepInstruction executes one instruction of tid and waits for it.
	StepInstruction(tid int) (Event, error)
	PC(tid int) (uint64, error)
	SetPC(tid int, pc uint64) error
	PeekWord(tid int, addr uint64) (uint64, error)
	PokeWord(tid int, addr, word uint64) error
}

// EventKind is the reason a thread stopped or went away.
type EventKind uint8

const (
	// EventTrap is a SIGTRAP stop: a breakpoint or a completed step.
	EventTrap EventKind = iota
	// EventClone is reported by a thread that created NewTid.
	EventClone
	// EventSignal is a stop caused by the delivery of Signal.
	EventSignal
	// EventExited means the thread exited with ExitStatus.
	EventExited
	// EventKilled means the thread was terminated by Signal.
	EventKilled
)

func (k EventKind) String() string {
	switch k {
	case EventTrap:
		return "trap"
	case EventClone:
		return "clone"
	case EventSignal:
		return "signal"
	case EventExited:
		return "exited"
	case EventKilled:
		return "killed"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is one notification from the traced process.
type Event struct {
	Tid        int
	Kind       EventKind
	Signal     int
	ExitStatus int
	NewTid     int
}

func (ev Event) String() string {
	switch ev.Kind {
	case EventClone:
		return fmt.Sprintf("thread %d: clone %d", ev.Tid, ev.NewTid)
	case EventSignal, EventKilled:
		return fmt.Sprintf("thread %d: %s %s", ev.Tid, ev.Kind, SignalName(ev.Signal))
	case EventExited:
		return fmt.Sprintf("thread %d: exited %d", ev.Tid, ev.ExitStatus)
	}
	return fmt.Sprintf("thread %d: %s", ev.Tid, ev.Kind)
}

// ErrUnknownThread is returned when a thread that is not traced reports an
// event.
var ErrUnknownThread = errors.New("event from unknown thread")

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// threadMemory is the Memory of a target seen through thread tid.
type threadMemory struct {
	t   Target
	tid int
}

func (m threadMemory) PeekWord(addr uint64) (uint64, error) {
	return m.t.PeekWord(m.tid, addr)
}

func (m threadMemory) PokeWord(addr, word uint64) error {
	return m.t.PokeWord(m.tid, addr, word)
}
