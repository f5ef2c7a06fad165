// Package symbols loads the code symbols of the module being traced.
//
// Symbols come from an external symbol table dump, by default the output of
// nm(1) or 'go tool nm', and are described by their offset from the load
// base of the module.
package symbols

import (
	"errors"
	"fmt"
)

// ErrSourceUnavailable is returned when the symbol source can not be
// opened. It is not fatal: tracing proceeds with an empty catalog.
var ErrSourceUnavailable = errors.New("symbol source unavailable")

// Entry is a code symbol of the traced module.
type Entry struct {
	// Offset is relative to the module load base.
	Offset uint64
	Name   string
}

func (e Entry) String() string {
	return fmt.Sprintf("%s@%#x", e.Name, e.Offset)
}

// Source reads a list of code symbols from path.
// New formats are supported by implementing this interface.
type Source interface {
	Load(path string) ([]Entry, error)
}
