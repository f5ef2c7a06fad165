package symbols

import (
	"errors"

	"github.com/derekparker/trie"
)

// Catalog is the immutable list of code symbols of the traced module.
// It must outlive the breakpoints created from it.
type Catalog struct {
	entries []Entry
	names   *trie.Trie
}

// Load reads the catalog from path using src. If the source can not be
// opened the returned error wraps ErrSourceUnavailable and the returned
// catalog is empty but usable.
func Load(src Source, path string) (*Catalog, error) {
	entries, err := src.Load(path)
	if err != nil && errors.Is(err, ErrSourceUnavailable) {
		return Empty(), err
	}
	return New(entries), err
}

// New returns a catalog of entries, in the given order.
func New(entries []Entry) *Catalog {
	c := &Catalog{entries: entries, names: trie.New()}
	for i := range entries {
		name := entries[i].Name
		if n, ok := c.names.Find(name); ok {
			idx := n.Meta().(*[]int)
			*idx = append(*idx, i)
			continue
		}
		c.names.Add(name, &[]int{i})
	}
	return c
}

// Empty returns a catalog without symbols.
func Empty() *Catalog {
	return New(nil)
}

// Symbols returns all symbols in source order. Duplicates are preserved.
func (c *Catalog) Symbols() []Entry {
	return c.entries
}

// Len returns the number of symbols in the catalog.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// Lookup returns the first symbol called name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	n, ok := c.names.Find(name)
	if !ok {
		return Entry{}, false
	}
	return c.entries[(*n.Meta().(*[]int))[0]], true
}

// Filter returns a catalog containing only the symbols whose name starts
// with one of prefixes, in source order. With no prefixes the receiver is
// returned.
func (c *Catalog) Filter(prefixes ...string) *Catalog {
	if len(prefixes) == 0 {
		return c
	}
	keep := make([]bool, len(c.entries))
	for _, pfx := range prefixes {
		for _, name := range c.names.PrefixSearch(pfx) {
			n, ok := c.names.Find(name)
			if !ok {
				continue
			}
			for _, i := range *n.Meta().(*[]int) {
				keep[i] = true
			}
		}
	}
	var entries []Entry
	for i := range c.entries {
		if keep[i] {
			entries = append(entries, c.entries[i])
		}
	}
	return New(entries)
}
