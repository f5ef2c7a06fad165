package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/covtrace/pkg/proc"
)

// Resume continues thread tid delivering sig.
func (dbp *Process) Resume(tid, sig int) (err error) {
	if dbp.exited {
		return dbp.exitedError()
	}
	dbp.execPtraceFunc(func() { err = ptraceCont(tid, sig) })
	return
}

// StepInstruction executes a single instruction of tid and waits for the
// thread to stop again. The returned event is a trap once the step
// completed, a signal stop or the exit of the thread otherwise.
func (dbp *Process) StepInstruction(tid int) (proc.Event, error) {
	if dbp.exited {
		return proc.Event{}, dbp.exitedError()
	}
	var err error
	dbp.execPtraceFunc(func() { err = ptraceSingleStep(tid, 0) })
	if err != nil {
		return proc.Event{}, err
	}
	for {
		var status sys.WaitStatus
		wpid, err := sys.Wait4(tid, &status, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return proc.Event{}, fmt.Errorf("wait4 %d: %w", tid, err)
		}
		return dbp.event(wpid, &status)
	}
}

// PeekWord reads a word of memory through thread tid.
func (dbp *Process) PeekWord(tid int, addr uint64) (word uint64, err error) {
	if dbp.exited {
		return 0, dbp.exitedError()
	}
	dbp.execPtraceFunc(func() { word, err = ptracePeekWord(tid, addr) })
	return
}

// PokeWord writes a word of memory through thread tid.
func (dbp *Process) PokeWord(tid int, addr, word uint64) (err error) {
	if dbp.exited {
		return dbp.exitedError()
	}
	dbp.execPtraceFunc(func() { err = ptracePokeWord(tid, addr, word) })
	return
}
