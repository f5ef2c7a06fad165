package proc

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Options is the configuration of a tracer run. It is built once at
// startup and never modified afterwards.
type Options struct {
	// PIE is set when the traced module is position independent: symbol
	// offsets are relative to the start of its executable mapping.
	PIE bool
	// ModuleBase is added to symbol offsets of a non-PIE module.
	ModuleBase uint64
	// Rearm reinstalls every breakpoint after it is hit so that every hit
	// is reported, instead of only the first one.
	Rearm bool
	// Verbose reports skipped breakpoints and unexpected traps.
	Verbose bool
	// CrashSignals is the set of stop signals that end the run as a crash.
	// If nil DefaultCrashSignals is used.
	CrashSignals []unix.Signal
}

// DefaultCrashSignals returns the signals that are evidence of a defect in
// the traced program.
func DefaultCrashSignals() []unix.Signal {
	return []unix.Signal{unix.SIGSEGV, unix.SIGILL, unix.SIGFPE, unix.SIGABRT, unix.SIGUSR1, unix.SIGUSR2}
}

func (o *Options) crashSet() map[int]bool {
	sigs := o.CrashSignals
	if sigs == nil {
		sigs = DefaultCrashSignals()
	}
	r := make(map[int]bool, len(sigs))
	for _, sig := range sigs {
		r[int(sig)] = true
	}
	return r
}

// SignalName returns the name of sig, for example SIGSEGV.
func SignalName(sig int) string {
	if name := unix.SignalName(unix.Signal(sig)); name != "" {
		return name
	}
	return unix.Signal(sig).String()
}

// ParseSignal returns the signal called name. The SIG prefix is optional
// and a decimal signal number is also accepted.
func ParseSignal(name string) (unix.Signal, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if n, err := strconv.Atoi(name); err == nil {
		return unix.Signal(n), n > 0 && unix.SignalName(unix.Signal(n)) != ""
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	return sig, sig != 0
}

func sortedSignals(set map[int]bool) []int {
	r := make([]int, 0, len(set))
	for sig := range set {
		r = append(r, sig)
	}
	sort.Ints(r)
	return r
}
