package proc

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/go-delve/covtrace/pkg/logflags"
	"github.com/go-delve/covtrace/pkg/proc/linutil"
	"github.com/go-delve/covtrace/pkg/symbols"
)

// Memory is the view of the traced address space through one stopped
// thread.
type Memory interface {
	PeekWord(addr uint64) (uint64, error)
	PokeWord(addr, word uint64) error
}

// Breakpoint represents a trap instruction injected at the entry of a
// symbol.
type Breakpoint struct {
	Addr         uint64 // Address the trap is written at.
	OriginalWord uint64 // Word at Addr before patching.
	PatchedWord  uint64 // OriginalWord with the trap instruction in its lowest bytes.
	HitCount     uint64 // Number of times the breakpoint has been hit.
	Symbol       symbols.Entry

	armed bool
}

// Armed returns true if the patched word is currently in memory.
func (bp *Breakpoint) Armed() bool {
	return bp.armed
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("Breakpoint %s at %#x armed=%t hits=%d", bp.Symbol.Name, bp.Addr, bp.armed, bp.HitCount)
}

// BreakpointError is returned when the memory of the traced process can not
// be read or written at a breakpoint address.
type BreakpointError struct {
	Op     string // "read" or "write"
	Addr   uint64
	Symbol string
	Err    error
}

func (e *BreakpointError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("could not %s memory at %#x: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("could not %s memory at %#x (%s): %v", e.Op, e.Addr, e.Symbol, e.Err)
}

func (e *BreakpointError) Unwrap() error {
	return e.Err
}

// BreakpointTable owns every breakpoint of a run, keyed by address.
// Breakpoints are never removed from the table.
type BreakpointTable struct {
	arch *Arch
	opts *Options
	m    map[uint64]*Breakpoint
}

// NewBreakpointTable creates an empty table.
func NewBreakpointTable(arch *Arch, opts *Options) *BreakpointTable {
	return &BreakpointTable{arch: arch, opts: opts, m: make(map[uint64]*Breakpoint)}
}

// Resolve returns the address of sym inside the module.
func (t *BreakpointTable) Resolve(rng linutil.ModuleRange, sym symbols.Entry) uint64 {
	if t.opts.PIE {
		return sym.Offset + rng.Start
	}
	return sym.Offset + t.opts.ModuleBase
}

// Install writes a breakpoint at the address of every symbol that resolves
// inside rng. Symbols resolving to an address that already has a
// breakpoint, or outside rng, are skipped. Returns the number of
// breakpoints installed. A failure to read or write memory stops the
// installation and is returned as a *BreakpointError.
func (t *BreakpointTable) Install(mem Memory, rng linutil.ModuleRange, syms []symbols.Entry) (int, error) {
	log := logflags.BreakpointsLogger()
	n := 0
	for _, sym := range syms {
		addr := t.Resolve(rng, sym)
		if bp, exists := t.m[addr]; exists {
			log.Debugf("skipping %s: address %#x already used by %s", sym.Name, addr, bp.Symbol.Name)
			continue
		}
		if !rng.Contains(addr) {
			log.Debugf("skipping %s: address %#x outside of module %s", sym.Name, addr, rng)
			continue
		}
		orig, err := mem.PeekWord(addr)
		if err != nil {
			return n, &BreakpointError{Op: "read", Addr: addr, Symbol: sym.Name, Err: err}
		}
		bp := &Breakpoint{
			Addr:         addr,
			OriginalWord: orig,
			PatchedWord:  t.arch.PatchWord(orig),
			Symbol:       sym,
		}
		if err := mem.PokeWord(addr, bp.PatchedWord); err != nil {
			return n, &BreakpointError{Op: "write", Addr: addr, Symbol: sym.Name, Err: err}
		}
		bp.armed = true
		t.m[addr] = bp
		n++
	}
	log.Debugf("installed %d breakpoints out of %d symbols", n, len(syms))
	return n, nil
}

// Restore writes the original word back at addr. Restoring a breakpoint
// that is not armed does nothing.
func (t *BreakpointTable) Restore(mem Memory, addr uint64) (*Breakpoint, error) {
	bp, ok := t.m[addr]
	if !ok {
		return nil, fmt.Errorf("no breakpoint at %#x", addr)
	}
	if !bp.armed {
		return bp, nil
	}
	if err := t.writeTrapBytes(mem, bp, bp.OriginalWord); err != nil {
		return bp, err
	}
	bp.armed = false
	return bp, nil
}

// Rearm writes the trap back at addr.
func (t *BreakpointTable) Rearm(mem Memory, addr uint64) error {
	bp, ok := t.m[addr]
	if !ok {
		return fmt.Errorf("no breakpoint at %#x", addr)
	}
	if bp.armed {
		return nil
	}
	if err := t.writeTrapBytes(mem, bp, bp.PatchedWord); err != nil {
		return err
	}
	bp.armed = true
	return nil
}

// writeTrapBytes copies the bytes covered by the trap instruction from word
// to memory at bp.Addr. The rest of the word is read back first: it may hold
// the trap of a neighbouring breakpoint.
func (t *BreakpointTable) writeTrapBytes(mem Memory, bp *Breakpoint, word uint64) error {
	cur, err := mem.PeekWord(bp.Addr)
	if err != nil {
		return &BreakpointError{Op: "read", Addr: bp.Addr, Symbol: bp.Symbol.Name, Err: err}
	}
	mask := t.arch.trapMask()
	if err := mem.PokeWord(bp.Addr, cur&^mask|word&mask); err != nil {
		return &BreakpointError{Op: "write", Addr: bp.Addr, Symbol: bp.Symbol.Name, Err: err}
	}
	return nil
}

// Find returns the breakpoint at addr or nil.
func (t *BreakpointTable) Find(addr uint64) *Breakpoint {
	return t.m[addr]
}

// Len returns the number of breakpoints in the table.
func (t *BreakpointTable) Len() int {
	return len(t.m)
}

// Breakpoints returns every breakpoint sorted by address.
func (t *BreakpointTable) Breakpoints() []*Breakpoint {
	r := make([]*Breakpoint, 0, len(t.m))
	for _, bp := range t.m {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

// RestoreAll restores every armed breakpoint. If the process no longer
// exists there is nothing to restore and no error is returned, other
// errors are collected.
func (t *BreakpointTable) RestoreAll(mem Memory) error {
	var errs []error
	for _, bp := range t.Breakpoints() {
		if !bp.armed {
			continue
		}
		if _, err := t.Restore(mem, bp.Addr); err != nil {
			if processGone(err) {
				logflags.BreakpointsLogger().Debugf("process gone, not restoring remaining breakpoints")
				return nil
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func processGone(err error) bool {
	var pe ErrProcessExited
	return errors.Is(err, unix.ESRCH) || errors.As(err, &pe)
}
