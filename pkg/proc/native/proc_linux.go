package native

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/execabs"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/covtrace/pkg/logflags"
	"github.com/go-delve/covtrace/pkg/proc"
)

// statusStopped is the state of a stopped process in /proc/<pid>/stat.
const statusStopped = 'T'

const (
	ptraceOptionsLaunch = sys.PTRACE_O_TRACECLONE | sys.PTRACE_O_EXITKILL
	ptraceOptionsAttach = sys.PTRACE_O_TRACECLONE
)

// LaunchConfig describes the standard streams of a launched process.
type LaunchConfig struct {
	// Stdin is a file read as standard input, os.Stdin when empty.
	Stdin string
	// Redirect is a file receiving both standard output and standard
	// error, they are inherited when empty.
	Redirect string
	// Dir is the working directory of the process.
	Dir string
}

// Launch creates and begins tracing a new process. First entry in
// `cmd` is the program to run, and then rest are the arguments
// to be supplied to that process. The process is stopped at its entry
// point when Launch returns.
func Launch(cmd []string, cfg LaunchConfig) (*Process, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: no command", ErrLaunchFailed)
	}
	if proc.NativeArch() == nil {
		return nil, ErrUnsupportedArch
	}
	var (
		process *execabs.Cmd
		err     error
	)

	stdin, stdout, stderr, closefn, err := openRedirects(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}

	dbp := newProcess(0)
	dbp.execPtraceFunc(func() {
		process = execabs.Command(cmd[0])
		process.Args = cmd
		process.Stdin = stdin
		process.Stdout = stdout
		process.Stderr = stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		if cfg.Dir != "" {
			process.Dir = cfg.Dir
		}
		err = process.Start()
	})
	closefn()
	if err != nil {
		dbp.close()
		return nil, fmt.Errorf("%w: %w", ErrLaunchFailed, err)
	}
	dbp.pid = process.Process.Pid
	dbp.childProcess = true

	var status sys.WaitStatus
	if _, err := sys.Wait4(dbp.pid, &status, sys.WALL, nil); err != nil {
		dbp.close()
		return nil, fmt.Errorf("%w: waiting for target execve failed: %w", ErrLaunchFailed, err)
	}
	if !status.Stopped() {
		dbp.close()
		return nil, fmt.Errorf("%w: process %d did not stop at exec (status %#x)", ErrLaunchFailed, dbp.pid, uint32(status))
	}
	dbp.execPtraceFunc(func() { err = sys.PtraceSetOptions(dbp.pid, ptraceOptionsLaunch) })
	if err != nil {
		_ = dbp.Kill()
		return nil, fmt.Errorf("%w: could not set options for process %d: %w", ErrLaunchFailed, dbp.pid, err)
	}
	dbp.live[dbp.pid] = struct{}{}
	dbp.initial = []int{dbp.pid}
	dbp.exe = findExecutable(dbp.pid)
	logflags.NativeLogger().Debugf("launched %q as process %d", cmd, dbp.pid)
	return dbp, nil
}

func openRedirects(cfg LaunchConfig) (stdin, stdout, stderr *os.File, closefn func(), err error) {
	toclose := []*os.File{}
	closefn = func() {
		for _, f := range toclose {
			_ = f.Close()
		}
	}

	stdin = os.Stdin
	if cfg.Stdin != "" {
		stdin, err = os.Open(cfg.Stdin)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		toclose = append(toclose, stdin)
	}

	stdout, stderr = os.Stdout, os.Stderr
	if cfg.Redirect != "" {
		f, err := os.Create(cfg.Redirect)
		if err != nil {
			closefn()
			return nil, nil, nil, nil, err
		}
		toclose = append(toclose, f)
		stdout, stderr = f, f
	}
	return stdin, stdout, stderr, closefn, nil
}

// Attach to an existing process with the given PID. Every thread of the
// process is attached and stopped when Attach returns.
func Attach(pid int) (*Process, error) {
	if proc.NativeArch() == nil {
		return nil, ErrUnsupportedArch
	}
	dbp := newProcess(pid)
	for {
		tids, err := tasks(pid)
		if err != nil {
			dbp.detachAll()
			return nil, fmt.Errorf("%w: %w", ErrAttachFailed, err)
		}
		added := 0
		for _, tid := range tids {
			if _, ok := dbp.live[tid]; ok {
				continue
			}
			if err := dbp.attachThread(tid); err != nil {
				if tid != pid && errors.Is(err, sys.ESRCH) {
					// exited between listing and attaching
					continue
				}
				dbp.detachAll()
				return nil, fmt.Errorf("%w: %w", ErrAttachFailed, err)
			}
			added++
		}
		// threads created while attaching are picked up by the next pass
		if added == 0 {
			break
		}
	}
	if _, ok := dbp.live[pid]; !ok {
		dbp.detachAll()
		return nil, fmt.Errorf("%w: process %d not found", ErrAttachFailed, pid)
	}
	for tid := range dbp.live {
		dbp.initial = append(dbp.initial, tid)
	}
	dbp.exe = findExecutable(pid)
	logflags.NativeLogger().Debugf("attached to process %d, threads %v", pid, dbp.Threads())
	return dbp, nil
}

// attachThread attaches tid and waits for its attach stop.
func (dbp *Process) attachThread(tid int) error {
	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(tid) })
	if err != nil && err != sys.EPERM {
		return fmt.Errorf("could not attach to thread %d: %w", tid, err)
	}
	if err == sys.EPERM {
		// Already traced because of PTRACE_O_TRACECLONE, if we truly
		// don't have permissions the wait below fails.
		logflags.NativeLogger().Debugf("attaching thread %d returned EPERM", tid)
	}
	var status sys.WaitStatus
	if _, err := sys.Wait4(tid, &status, sys.WALL, nil); err != nil {
		return fmt.Errorf("could not wait for thread %d: %w", tid, err)
	}
	if status.Exited() || status.Signaled() {
		return fmt.Errorf("thread %d: %w", tid, sys.ESRCH)
	}
	dbp.execPtraceFunc(func() { err = sys.PtraceSetOptions(tid, ptraceOptionsAttach) })
	if err != nil {
		return fmt.Errorf("could not set options for thread %d: %w", tid, err)
	}
	dbp.live[tid] = struct{}{}
	return nil
}

// tasks lists the threads of pid.
func tasks(pid int) ([]int, error) {
	des, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	r := make([]int, 0, len(des))
	for _, de := range des {
		tid, err := strconv.Atoi(de.Name())
		if err != nil {
			continue
		}
		r = append(r, tid)
	}
	return r, nil
}

// findExecutable resolves /proc/<pid>/exe, the path the module is mapped
// with.
func findExecutable(pid int) string {
	path := fmt.Sprintf("/proc/%d/exe", pid)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}

// Wait blocks until any traced thread changes state.
func (dbp *Process) Wait() (proc.Event, error) {
	if dbp.exited {
		return proc.Event{}, dbp.exitedError()
	}
	for {
		var status sys.WaitStatus
		wpid, err := sys.Wait4(-1, &status, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return proc.Event{}, fmt.Errorf("wait4: %w", err)
		}
		return dbp.event(wpid, &status)
	}
}

// event translates a wait status into a proc.Event.
func (dbp *Process) event(wpid int, status *sys.WaitStatus) (proc.Event, error) {
	ev := proc.Event{Tid: wpid}
	switch {
	case status.Exited():
		ev.Kind = proc.EventExited
		ev.ExitStatus = status.ExitStatus()
		dbp.threadGone(wpid, ev.ExitStatus)
	case status.Signaled():
		ev.Kind = proc.EventKilled
		ev.Signal = int(status.Signal())
		dbp.threadGone(wpid, -ev.Signal)
	case status.Stopped():
		sig := status.StopSignal()
		switch {
		case sig == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE:
			var (
				cloned uint
				err    error
			)
			dbp.execPtraceFunc(func() { cloned, err = sys.PtraceGetEventMsg(wpid) })
			if err != nil {
				return ev, fmt.Errorf("could not get event message of thread %d: %w", wpid, err)
			}
			ev.Kind = proc.EventClone
			ev.NewTid = int(cloned)
			dbp.live[ev.NewTid] = struct{}{}
		case sig == sys.SIGTRAP:
			ev.Kind = proc.EventTrap
		default:
			ev.Kind = proc.EventSignal
			ev.Signal = int(sig)
		}
	default:
		return ev, fmt.Errorf("unexpected wait status %#x for thread %d", uint32(*status), wpid)
	}
	if logflags.Native() {
		logflags.NativeLogger().Debugf("wait: %s", ev)
	}
	return ev, nil
}

// Kill kills the process and reaps every traced thread.
func (dbp *Process) Kill() error {
	if dbp.exited {
		dbp.close()
		return nil
	}
	target := dbp.pid
	if dbp.childProcess {
		// launched processes have their own process group
		target = -dbp.pid
	}
	if err := sys.Kill(target, sys.SIGKILL); err != nil && err != sys.ESRCH {
		return errors.New("could not deliver signal " + err.Error())
	}
	for !dbp.exited {
		var status sys.WaitStatus
		wpid, err := sys.Wait4(-1, &status, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			// ECHILD: nothing left to reap
			dbp.exited = true
			break
		}
		if status.Exited() || status.Signaled() {
			dbp.threadGone(wpid, 0)
		}
	}
	dbp.close()
	return nil
}

// Detach detaches from every stopped thread, the process keeps running
// untraced.
func (dbp *Process) Detach() error {
	if dbp.exited {
		dbp.close()
		return nil
	}
	err := dbp.detachAll()
	// For some reason the process will sometimes enter stopped state after a
	// detach, this doesn't happen immediately either.
	// We have to wait a bit here, then check if the main thread is stopped and
	// SIGCONT it if it is.
	time.Sleep(50 * time.Millisecond)
	if status(dbp.pid) == statusStopped {
		_ = sys.Kill(dbp.pid, sys.SIGCONT)
	}
	dbp.close()
	return err
}

func (dbp *Process) detachAll() error {
	var errs []error
	for tid := range dbp.live {
		var err error
		dbp.execPtraceFunc(func() { err = ptraceDetach(tid, 0) })
		if err != nil && err != sys.ESRCH {
			errs = append(errs, fmt.Errorf("could not detach thread %d: %w", tid, err))
		}
		delete(dbp.live, tid)
	}
	if len(dbp.live) == 0 && dbp.pid != 0 {
		dbp.close()
	}
	return errors.Join(errs...)
}

// status returns the state letter of /proc/<pid>/stat.
func status(pid int) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return '\000'
	}
	// The second field is the name of the task in parentheses, it can
	// contain both parentheses and spaces.
	for i := len(line) - 1; i > 0; i-- {
		if line[i] == ')' {
			if i+2 < len(line) {
				return rune(line[i+2])
			}
			break
		}
	}
	return '\000'
}
