// Package tracesink contains the consumers of breakpoint hits.
package tracesink

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/go-delve/covtrace/pkg/proc"
)

const (
	ansiCyan  = "\x1b[36m"
	ansiRed   = "\x1b[31m"
	ansiReset = "\x1b[0m"
)

// Console prints one line per hit:
//
//	[trace] (0000000000401139) main.foo
//
// followed by the address and hit count of the breakpoint when HitCount
// is set. Write errors are dropped.
type Console struct {
	out      io.Writer
	color    bool
	hitCount bool
}

// NewConsole returns a Console writing to f, colored if f is a terminal.
func NewConsole(f *os.File, hitCount bool) *Console {
	if isatty.IsTerminal(f.Fd()) {
		return &Console{out: colorable.NewColorable(f), color: true, hitCount: hitCount}
	}
	return NewConsoleWriter(f, hitCount)
}

// NewConsoleWriter returns a Console writing to w without colors.
func NewConsoleWriter(w io.Writer, hitCount bool) *Console {
	return &Console{out: colorable.NewNonColorable(w), hitCount: hitCount}
}

func (c *Console) tag(tag, color string) string {
	if !c.color {
		return tag
	}
	return color + tag + ansiReset
}

// Hit prints h.
func (c *Console) Hit(h proc.Hit) {
	if c.hitCount {
		fmt.Fprintf(c.out, "%s (%016x) %s %#x hits=%d\n", c.tag("[trace]", ansiCyan), h.Symbol.Offset, h.Symbol.Name, h.Addr, h.Count)
		return
	}
	fmt.Fprintf(c.out, "%s (%016x) %s\n", c.tag("[trace]", ansiCyan), h.Symbol.Offset, h.Symbol.Name)
}

// Crash prints cr.
func (c *Console) Crash(cr proc.Crash) {
	fmt.Fprintf(c.out, "%s %s tid=%d pc=%#x (%s)\n", c.tag("[crash]", ansiRed), proc.SignalName(cr.Signal), cr.Tid, cr.PC, cr.Location)
}
