package tracesink

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/go-delve/covtrace/pkg/proc"
	"github.com/go-delve/covtrace/pkg/symbols"
)

// CounterEntry is the number of hits of one breakpoint.
type CounterEntry struct {
	Addr   uint64
	Symbol symbols.Entry
	Hits   uint64
}

// Counter aggregates hits per breakpoint.
type Counter struct {
	m     map[uint64]*CounterEntry
	crash *proc.Crash
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	return &Counter{m: make(map[uint64]*CounterEntry)}
}

// Hit counts h.
func (c *Counter) Hit(h proc.Hit) {
	e := c.m[h.Addr]
	if e == nil {
		e = &CounterEntry{Addr: h.Addr, Symbol: h.Symbol}
		c.m[h.Addr] = e
	}
	e.Hits++
}

// Crash records cr, it is printed at the end of the summary.
func (c *Counter) Crash(cr proc.Crash) {
	c.crash = &cr
}

// Entries returns the counted breakpoints sorted by address.
func (c *Counter) Entries() []CounterEntry {
	r := make([]CounterEntry, 0, len(c.m))
	for _, e := range c.m {
		r = append(r, *e)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// Covered returns the number of distinct breakpoints hit.
func (c *Counter) Covered() int {
	return len(c.m)
}

// Summary writes a table of the hits. When total is not zero the
// coverage ratio over total breakpoints is also printed.
func (c *Counter) Summary(w io.Writer, total int) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tHITS\tSYMBOL")
	for _, e := range c.Entries() {
		fmt.Fprintf(tw, "%#x\t%d\t%s\n", e.Addr, e.Hits, e.Symbol.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if total > 0 {
		fmt.Fprintf(w, "covered %d/%d breakpoints (%.1f%%)\n", c.Covered(), total, 100*float64(c.Covered())/float64(total))
	}
	if c.crash != nil {
		fmt.Fprintf(w, "crashed with %s in thread %d at %s\n", proc.SignalName(c.crash.Signal), c.crash.Tid, c.crash.Location)
	}
	return nil
}
