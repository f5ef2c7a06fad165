package proc

import "github.com/go-delve/covtrace/pkg/symbols"

// Hit is one stop at a breakpoint.
type Hit struct {
	Tid    int
	Addr   uint64
	Symbol symbols.Entry
	// Count is the hit count of the breakpoint including this hit.
	Count uint64
}

// TraceSink receives breakpoint hits. Hit is called synchronously from the
// event loop while the hitting thread is stopped: it must not fail and must
// not block for an unbounded time.
type TraceSink interface {
	Hit(Hit)
}

// Crash describes the stop that classified a run as crashed.
type Crash struct {
	Tid      int
	Signal   int
	PC       uint64
	Location string
}

// CrashReporter is implemented by sinks that also report crashes.
type CrashReporter interface {
	Crash(Crash)
}

// DiscardSink drops every hit.
type DiscardSink struct{}

func (DiscardSink) Hit(Hit) {}
