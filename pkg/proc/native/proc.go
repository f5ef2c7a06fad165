// Package native is the ptrace backend of the tracer: a Process is a
// proc.Target controlling a process launched or attached on this machine.
package native

import (
	"errors"
	"runtime"
	"sort"
	"sync"

	"github.com/go-delve/covtrace/pkg/proc"
)

var (
	// ErrLaunchFailed is returned when the target can not be started.
	ErrLaunchFailed = errors.New("could not launch process")
	// ErrAttachFailed is returned when the target can not be attached.
	ErrAttachFailed = errors.New("could not attach to process")
	// ErrUnsupportedArch is returned on architectures where breakpoints
	// can not be injected.
	ErrUnsupportedArch = errors.New("unsupported architecture")
)

// Process represents a traced process.
type Process struct {
	pid int

	// initial holds the threads traced when the process was launched or
	// attached.
	initial []int
	// live holds every thread not yet reported as gone.
	live map[int]struct{}

	exe string

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}
	closeOnce      sync.Once

	childProcess bool // this process was launched, not attached to
	exited       bool
	exitStatus   int
}

// newProcess returns an initialized Process struct. Before returning,
// it will also launch a goroutine in order to handle ptrace(2)
// functions. For more information, see the documentation on
// `handlePtraceFuncs`.
func newProcess(pid int) *Process {
	dbp := &Process{
		pid:            pid,
		live:           make(map[int]struct{}),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Pid returns the process pid.
func (dbp *Process) Pid() int {
	return dbp.pid
}

// Threads returns the threads traced when the process was launched or
// attached, in ascending order.
func (dbp *Process) Threads() []int {
	r := append([]int(nil), dbp.initial...)
	sort.Ints(r)
	return r
}

// Executable returns the path of the executable of the process.
func (dbp *Process) Executable() string {
	return dbp.exe
}

// Arch returns the architecture of the process.
func (dbp *Process) Arch() *proc.Arch {
	return proc.NativeArch()
}

// Exited returns true once every thread of the process went away.
func (dbp *Process) Exited() bool {
	return dbp.exited
}

func (dbp *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *Process) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

// threadGone removes tid from the live threads, the process is over
// when none is left.
func (dbp *Process) threadGone(tid, status int) {
	delete(dbp.live, tid)
	if tid == dbp.pid {
		dbp.exitStatus = status
	}
	if len(dbp.live) == 0 {
		dbp.exited = true
	}
}

// close stops the ptrace goroutine.
func (dbp *Process) close() {
	dbp.closeOnce.Do(func() {
		close(dbp.ptraceChan)
	})
}

func (dbp *Process) exitedError() error {
	return proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitStatus}
}
