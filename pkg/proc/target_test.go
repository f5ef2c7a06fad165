package proc_test

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/go-delve/covtrace/pkg/proc"
	"github.com/go-delve/covtrace/pkg/proc/linutil"
)

type stepKind uint8

const (
	stepCall    stepKind = iota // execute the instruction at addr
	stepTrap                    // trap at addr, as if the trap byte had been executed earlier
	stepRawTrap                 // SIGTRAP with pc at addr, no breakpoint involved
	stepSignal
	stepClone
	stepExit
	stepKilled
)

// step is one action of a scripted thread.
type step struct {
	kind      stepKind
	addr      uint64
	sig       int
	status    int
	child     int
	childProg []step
	stopFirst bool
}

func call(addr uint64) step      { return step{kind: stepCall, addr: addr} }
func trapAt(addr uint64) step    { return step{kind: stepTrap, addr: addr} }
func rawTrap(pc uint64) step     { return step{kind: stepRawTrap, addr: pc} }
func raise(sig unix.Signal) step { return step{kind: stepSignal, sig: int(sig)} }
func exit(status int) step       { return step{kind: stepExit, status: status} }
func killed(sig unix.Signal) step {
	return step{kind: stepKilled, sig: int(sig)}
}

func clone(tid int, prog ...step) step {
	return step{kind: stepClone, child: tid, childProg: prog}
}

type fakeThread struct {
	tid         int
	prog        []step
	idx         int
	pc          uint64
	running     bool
	trapped     bool
	trappedAt   uint64
	stepSignals []int
	delivered   []int
}

// fakeTarget is a scripted process sharing one memory between its threads.
// Threads run in the order they were resumed.
type fakeTarget struct {
	t       *testing.T
	pid     int
	mem     *fakeMemory
	threads map[int]*fakeThread
	runq    []int
	queue   []proc.Event
	waits   int
	gone    map[int]*fakeThread
}

func newFakeTarget(t *testing.T, pid int, prog ...step) *fakeTarget {
	f := &fakeTarget{
		t:       t,
		pid:     pid,
		mem:     newFakeMemory(0, 0x1000),
		threads: make(map[int]*fakeThread),
		gone:    make(map[int]*fakeThread),
	}
	f.threads[pid] = &fakeThread{tid: pid, prog: prog}
	return f
}

func (f *fakeTarget) thread(tid int) *fakeThread {
	if th := f.threads[tid]; th != nil {
		return th
	}
	return f.gone[tid]
}

func (f *fakeTarget) Pid() int { return f.pid }

func (f *fakeTarget) stopped(tid int) (*fakeThread, error) {
	th, ok := f.threads[tid]
	if !ok {
		return nil, unix.ESRCH
	}
	if th.running {
		f.t.Errorf("thread %d accessed while running", tid)
		return nil, unix.ESRCH
	}
	return th, nil
}

func (f *fakeTarget) checkRewound(th *fakeThread) {
	if th.trapped && th.pc != th.trappedAt {
		f.t.Errorf("thread %d continued at %#x, inside the breakpoint at %#x", th.tid, th.pc, th.trappedAt)
	}
	th.trapped = false
}

func (f *fakeTarget) Resume(tid, sig int) error {
	th, err := f.stopped(tid)
	if err != nil {
		return err
	}
	f.checkRewound(th)
	if sig != 0 {
		th.delivered = append(th.delivered, sig)
	}
	th.running = true
	f.runq = append(f.runq, tid)
	return nil
}

func (f *fakeTarget) Wait() (proc.Event, error) {
	f.waits++
	if len(f.queue) > 0 {
		ev := f.queue[0]
		f.queue = f.queue[1:]
		return ev, nil
	}
	for len(f.runq) > 0 {
		tid := f.runq[0]
		f.runq = f.runq[1:]
		if th := f.threads[tid]; th != nil {
			return f.run(th), nil
		}
	}
	return proc.Event{}, unix.ECHILD
}

func (f *fakeTarget) exitThread(th *fakeThread, status int) proc.Event {
	delete(f.threads, th.tid)
	f.gone[th.tid] = th
	return proc.Event{Tid: th.tid, Kind: proc.EventExited, ExitStatus: status}
}

// run executes th until it produces an event.
func (f *fakeTarget) run(th *fakeThread) proc.Event {
	for {
		if th.idx >= len(th.prog) {
			return f.exitThread(th, 0)
		}
		s := th.prog[th.idx]
		switch s.kind {
		case stepCall:
			if f.mem.bytes[s.addr] == 0xCC {
				th.pc, th.trapped, th.trappedAt = s.addr+1, true, s.addr
				th.running = false
				return proc.Event{Tid: th.tid, Kind: proc.EventTrap}
			}
			th.pc = s.addr + 1
			th.idx++
		case stepTrap:
			th.idx++
			th.pc, th.trapped, th.trappedAt = s.addr+1, true, s.addr
			th.running = false
			return proc.Event{Tid: th.tid, Kind: proc.EventTrap}
		case stepRawTrap:
			th.idx++
			th.pc = s.addr
			th.running = false
			return proc.Event{Tid: th.tid, Kind: proc.EventTrap}
		case stepSignal:
			th.idx++
			th.running = false
			return proc.Event{Tid: th.tid, Kind: proc.EventSignal, Signal: s.sig}
		case stepClone:
			th.idx++
			th.running = false
			f.threads[s.child] = &fakeThread{tid: s.child, prog: s.childProg}
			stopEv := proc.Event{Tid: s.child, Kind: proc.EventSignal, Signal: int(unix.SIGSTOP)}
			cloneEv := proc.Event{Tid: th.tid, Kind: proc.EventClone, NewTid: s.child}
			if s.stopFirst {
				f.queue = append(f.queue, cloneEv)
				return stopEv
			}
			f.queue = append(f.queue, stopEv)
			return cloneEv
		case stepExit:
			return f.exitThread(th, s.status)
		case stepKilled:
			ev := f.exitThread(th, 0)
			ev.Kind, ev.Signal = proc.EventKilled, s.sig
			return ev
		}
	}
}

func (f *fakeTarget) StepInstruction(tid int) (proc.Event, error) {
	th, err := f.stopped(tid)
	if err != nil {
		return proc.Event{}, err
	}
	if len(th.stepSignals) > 0 {
		sig := th.stepSignals[0]
		th.stepSignals = th.stepSignals[1:]
		return proc.Event{Tid: tid, Kind: proc.EventSignal, Signal: sig}, nil
	}
	f.checkRewound(th)
	if th.idx >= len(th.prog) {
		return f.exitThread(th, 0), nil
	}
	s := th.prog[th.idx]
	switch s.kind {
	case stepCall:
		if f.mem.bytes[s.addr] == 0xCC {
			f.t.Errorf("thread %d stepped into the armed breakpoint at %#x", tid, s.addr)
		}
		th.pc = s.addr + 1
	case stepSignal:
		th.idx++
		return proc.Event{Tid: tid, Kind: proc.EventSignal, Signal: s.sig}, nil
	case stepExit:
		return f.exitThread(th, s.status), nil
	}
	th.idx++
	return proc.Event{Tid: tid, Kind: proc.EventTrap}, nil
}

func (f *fakeTarget) PC(tid int) (uint64, error) {
	th, err := f.stopped(tid)
	if err != nil {
		return 0, err
	}
	return th.pc, nil
}

func (f *fakeTarget) SetPC(tid int, pc uint64) error {
	th, err := f.stopped(tid)
	if err != nil {
		return err
	}
	th.pc = pc
	return nil
}

func (f *fakeTarget) PeekWord(tid int, addr uint64) (uint64, error) {
	if _, err := f.stopped(tid); err != nil {
		return 0, err
	}
	return f.mem.PeekWord(addr)
}

func (f *fakeTarget) PokeWord(tid int, addr, word uint64) error {
	if _, err := f.stopped(tid); err != nil {
		return err
	}
	return f.mem.PokeWord(addr, word)
}

type fakeLocator struct {
	rng      linutil.ModuleRange
	err      error
	forgot   []int
	describe int
}

func (l *fakeLocator) Locate(pid int, module string) (linutil.ModuleRange, error) {
	return l.rng, l.err
}

func (l *fakeLocator) Describe(pid int, module string, addr uint64) string {
	l.describe++
	return fmt.Sprintf("%s+%#x", module, addr-l.rng.Start)
}

func (l *fakeLocator) Forget(pid int) {
	l.forgot = append(l.forgot, pid)
}

// recordSink remembers every hit and crash.
type recordSink struct {
	hits    []proc.Hit
	crashes []proc.Crash
}

func (s *recordSink) Hit(h proc.Hit)     { s.hits = append(s.hits, h) }
func (s *recordSink) Crash(c proc.Crash) { s.crashes = append(s.crashes, c) }

func (s *recordSink) names() []string {
	r := make([]string, len(s.hits))
	for i := range s.hits {
		r[i] = s.hits[i].Symbol.Name
	}
	return r
}
