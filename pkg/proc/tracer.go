package proc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/go-delve/covtrace/pkg/logflags"
	"github.com/go-delve/covtrace/pkg/proc/linutil"
	"github.com/go-delve/covtrace/pkg/symbols"
)

// State is the state of a Tracer.
type State uint8

const (
	NotStarted State = iota
	Launching
	Installing
	Running
	Handling
	Terminated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Launching:
		return "Launching"
	case Installing:
		return "Installing"
	case Running:
		return "Running"
	case Handling:
		return "Handling"
	case Terminated:
		return "Terminated"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// OutcomeKind is the way a run terminated.
type OutcomeKind uint8

const (
	// Clean means every traced thread went away.
	Clean OutcomeKind = iota
	// Crashed means a thread stopped with a crash signal.
	Crashed
	// Error means the run was aborted by a tracing failure.
	Error
)

func (k OutcomeKind) String() string {
	switch k {
	case Clean:
		return "clean"
	case Crashed:
		return "crashed"
	case Error:
		return "error"
	}
	return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
}

// Outcome is the terminal state of a run.
type Outcome struct {
	Kind  OutcomeKind
	Crash *Crash // set when Kind is Crashed
	Err   error  // set when Kind is Error
}

// ModuleLocator finds the executable mapping of a module, see
// linutil.Locator.
type ModuleLocator interface {
	Locate(pid int, module string) (linutil.ModuleRange, error)
	Describe(pid int, module string, addr uint64) string
}

// Tracer runs the event loop of one traced process.
type Tracer struct {
	target   Target
	catalog  *symbols.Catalog
	locator  ModuleLocator
	sink     TraceSink
	opts     *Options
	arch     *Arch
	crashSet map[int]bool

	state   State
	module  string
	rng     linutil.ModuleRange
	bps     *BreakpointTable
	threads *ThreadSet
	// lastTid is the thread of the last handled event.
	lastTid int

	log logflags.Logger
}

// NewTracer returns a tracer for target, which must be stopped at its entry
// point. Targets implementing Arch() *Arch choose the architecture, AMD64
// is assumed otherwise. Targets implementing Threads() []int start with
// all of those threads traced and stopped.
func NewTracer(target Target, catalog *symbols.Catalog, locator ModuleLocator, sink TraceSink, opts *Options) *Tracer {
	if catalog == nil {
		catalog = symbols.Empty()
	}
	if sink == nil {
		sink = DiscardSink{}
	}
	if opts == nil {
		opts = &Options{}
	}
	arch := AMD64Arch()
	if a, ok := target.(interface{ Arch() *Arch }); ok {
		arch = a.Arch()
	}
	t := &Tracer{
		target:   target,
		catalog:  catalog,
		locator:  locator,
		sink:     sink,
		opts:     opts,
		arch:     arch,
		crashSet: opts.crashSet(),
		state:    Launching,
		bps:      NewBreakpointTable(arch, opts),
		threads:  newThreadSet(target.Pid()),
		lastTid:  target.Pid(),
		log:      logflags.TracerLogger().WithField("pid", target.Pid()),
	}
	if lt, ok := target.(interface{ Threads() []int }); ok {
		for _, tid := range lt.Threads() {
			t.threads.seed(tid)
		}
	}
	return t
}

// State returns the current state of the tracer.
func (t *Tracer) State() State {
	return t.state
}

// Breakpoints returns the breakpoint table.
func (t *Tracer) Breakpoints() *BreakpointTable {
	return t.bps
}

// Threads returns the set of traced threads.
func (t *Tracer) Threads() *ThreadSet {
	return t.threads
}

// ModuleRange returns the range of the instrumented module, valid after
// Install.
func (t *Tracer) ModuleRange() linutil.ModuleRange {
	return t.rng
}

// Install locates module in the target and installs a breakpoint for every
// symbol of the catalog that resolves inside it. A module that can not be
// located or a memory access failure is fatal to the run.
func (t *Tracer) Install(module string) (int, error) {
	if t.state != Launching {
		return 0, fmt.Errorf("can not install breakpoints in state %s", t.state)
	}
	t.state = Installing
	t.module = module
	pid := t.target.Pid()

	rng, err := t.locator.Locate(pid, module)
	if err != nil {
		t.state = Terminated
		return 0, fmt.Errorf("could not locate module %s: %w", module, err)
	}
	t.rng = rng

	n, err := t.bps.Install(threadMemory{t.target, pid}, rng, t.catalog.Symbols())
	if err != nil {
		t.state = Terminated
		return n, fmt.Errorf("could not install breakpoints: %w", err)
	}
	t.log.Debugf("module %s at %s, %d breakpoints from %d symbols", module, rng, n, t.catalog.Len())
	t.log.Debugf("crash signals %v", sortedSignals(t.crashSet))
	return n, nil
}

// Run drives the event loop until every traced thread went away or a
// crash is classified. The returned error is set only when the outcome is
// Error.
func (t *Tracer) Run() (Outcome, error) {
	if t.state != Installing {
		return t.fail(fmt.Errorf("can not run in state %s", t.state))
	}
	for {
		t.state = Running
		if err := t.resumeStopped(); err != nil {
			return t.fail(err)
		}

		ev, err := t.target.Wait()
		if err != nil {
			return t.fail(fmt.Errorf("could not wait for traced threads: %w", err))
		}

		t.state = Handling
		t.log.Debugf("event %s", ev)
		out, done := t.handle(ev)
		if done {
			t.state = Terminated
			if out.Kind == Error {
				t.log.Errorf("tracing aborted: %v", out.Err)
				return out, out.Err
			}
			t.log.Debugf("terminated: %s", out.Kind)
			return out, nil
		}
	}
}

func (t *Tracer) fail(err error) (Outcome, error) {
	t.state = Terminated
	t.log.Errorf("tracing aborted: %v", err)
	return Outcome{Kind: Error, Err: err}, err
}

func (t *Tracer) resumeStopped() error {
	for _, tid := range t.threads.stoppedTids() {
		th := t.threads.get(tid)
		if err := t.target.Resume(tid, th.sig); err != nil {
			if errors.Is(err, unix.ESRCH) {
				// killed while stopped, its exit is reported by Wait
				t.log.Debugf("thread %d vanished before resume", tid)
				th.stopped, th.sig = false, 0
				continue
			}
			return fmt.Errorf("could not resume thread %d: %w", tid, err)
		}
		th.stopped, th.sig = false, 0
	}
	return nil
}

func errorOutcome(err error) (Outcome, bool) {
	return Outcome{Kind: Error, Err: err}, true
}

// handle dispatches one event. It returns true when the run is over.
func (t *Tracer) handle(ev Event) (Outcome, bool) {
	th := t.threads.get(ev.Tid)
	if th == nil {
		if ev.Kind == EventSignal && ev.Signal == int(unix.SIGSTOP) {
			// initial stop of a thread whose clone event is still pending
			t.log.Debugf("parking thread %d until its clone event", ev.Tid)
			t.threads.park(ev.Tid)
			return Outcome{}, false
		}
		return errorOutcome(fmt.Errorf("%w: %s", ErrUnknownThread, ev))
	}
	t.lastTid = ev.Tid

	switch ev.Kind {
	case EventTrap:
		return t.handleTrap(ev.Tid)

	case EventClone:
		if t.threads.Contains(ev.NewTid) {
			return errorOutcome(fmt.Errorf("thread %d created thread %d which is already traced", ev.Tid, ev.NewTid))
		}
		t.threads.add(ev.NewTid)
		t.threads.stop(ev.Tid, 0)
		t.log.Debugf("new thread %d, %d threads", ev.NewTid, t.threads.Len())

	case EventExited, EventKilled:
		t.threads.remove(ev.Tid)
		if t.threads.Len() == 0 {
			t.forget()
			return Outcome{Kind: Clean}, true
		}

	case EventSignal:
		if th.fresh && ev.Signal == int(unix.SIGSTOP) {
			th.fresh = false
			t.threads.stop(ev.Tid, 0)
			return Outcome{}, false
		}
		if t.crashSet[ev.Signal] {
			return t.crash(ev.Tid, ev.Signal)
		}
		t.threads.stop(ev.Tid, ev.Signal)

	default:
		return errorOutcome(fmt.Errorf("unknown event %s", ev))
	}
	return Outcome{}, false
}

func (t *Tracer) handleTrap(tid int) (Outcome, bool) {
	pc, err := t.target.PC(tid)
	if err != nil {
		return errorOutcome(fmt.Errorf("could not read PC of thread %d: %w", tid, err))
	}
	addr := pc - uint64(t.arch.BreakpointSize())
	bp := t.bps.Find(addr)
	if bp == nil {
		t.log.Warnf("unexpected trap in thread %d at %#x", tid, pc)
		t.threads.stop(tid, 0)
		return Outcome{}, false
	}

	if !bp.Armed() {
		// trapped before another thread restored the original word
		if err := t.target.SetPC(tid, addr); err != nil {
			return errorOutcome(fmt.Errorf("could not set PC of thread %d: %w", tid, err))
		}
		t.log.Debugf("phantom hit of %s in thread %d", bp.Symbol.Name, tid)
		t.threads.stop(tid, 0)
		return Outcome{}, false
	}

	mem := threadMemory{t.target, tid}
	if _, err := t.bps.Restore(mem, addr); err != nil {
		return errorOutcome(err)
	}
	if err := t.target.SetPC(tid, addr); err != nil {
		return errorOutcome(fmt.Errorf("could not set PC of thread %d: %w", tid, err))
	}
	bp.HitCount++
	t.sink.Hit(Hit{Tid: tid, Addr: addr, Symbol: bp.Symbol, Count: bp.HitCount})

	if t.opts.Rearm {
		return t.stepOver(tid, bp)
	}
	t.threads.stop(tid, 0)
	return Outcome{}, false
}

// stepOver executes the original instruction at bp in thread tid and
// writes the trap back.
func (t *Tracer) stepOver(tid int, bp *Breakpoint) (Outcome, bool) {
	pending := 0
	for {
		ev, err := t.target.StepInstruction(tid)
		if err != nil {
			return errorOutcome(fmt.Errorf("could not single step thread %d: %w", tid, err))
		}
		switch ev.Kind {
		case EventTrap:
			if err := t.bps.Rearm(threadMemory{t.target, tid}, bp.Addr); err != nil {
				return errorOutcome(err)
			}
			t.threads.stop(tid, pending)
			return Outcome{}, false

		case EventSignal:
			if t.crashSet[ev.Signal] {
				return t.crash(tid, ev.Signal)
			}
			if ev.Signal != int(unix.SIGSTOP) {
				pending = ev.Signal
			}

		case EventClone:
			if t.threads.Contains(ev.NewTid) {
				return errorOutcome(fmt.Errorf("thread %d created thread %d which is already traced", tid, ev.NewTid))
			}
			t.threads.add(ev.NewTid)

		case EventExited, EventKilled:
			t.log.Warnf("thread %d went away while stepping over %s, breakpoint left disarmed", tid, bp.Symbol.Name)
			t.threads.remove(tid)
			if t.threads.Len() == 0 {
				t.forget()
				return Outcome{Kind: Clean}, true
			}
			return Outcome{}, false
		}
	}
}

func (t *Tracer) crash(tid, sig int) (Outcome, bool) {
	c := Crash{Tid: tid, Signal: sig}
	pc, err := t.target.PC(tid)
	if err != nil {
		t.log.Warnf("could not read PC of crashed thread %d: %v", tid, err)
		c.Location = "unknown"
	} else {
		c.PC = pc
		c.Location = t.locator.Describe(t.target.Pid(), t.module, pc)
	}
	t.threads.stop(tid, sig)
	t.log.Errorf("thread %d crashed: %s at %s", tid, SignalName(sig), c.Location)
	if cr, ok := t.sink.(CrashReporter); ok {
		cr.Crash(c)
	}
	return Outcome{Kind: Crashed, Crash: &c}, true
}

func (t *Tracer) forget() {
	if f, ok := t.locator.(interface{ Forget(pid int) }); ok {
		f.Forget(t.target.Pid())
	}
}

// Release restores every armed breakpoint through a stopped thread. It is
// a no-op once the process is gone.
func (t *Tracer) Release() error {
	if t.bps.Len() == 0 || t.threads.Len() == 0 {
		return nil
	}
	tid := t.lastTid
	if th := t.threads.get(tid); th == nil || !th.stopped {
		tid = t.target.Pid()
		if stopped := t.threads.stoppedTids(); len(stopped) > 0 {
			tid = stopped[0]
		}
	}
	if err := t.bps.RestoreAll(threadMemory{t.target, tid}); err != nil {
		return fmt.Errorf("could not restore breakpoints: %w", err)
	}
	return nil
}
