package tracesink

import "github.com/go-delve/covtrace/pkg/proc"

// Multi forwards every hit to all of its sinks, and crashes to those that
// implement proc.CrashReporter.
type Multi []proc.TraceSink

func (m Multi) Hit(h proc.Hit) {
	for _, s := range m {
		s.Hit(h)
	}
}

func (m Multi) Crash(c proc.Crash) {
	for _, s := range m {
		if cr, ok := s.(proc.CrashReporter); ok {
			cr.Crash(c)
		}
	}
}
