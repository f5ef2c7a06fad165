package linutil

import (
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/covtrace/pkg/logflags"
)

const locatorCacheSize = 64

type locatorKey struct {
	pid    int
	module string
}

// Locator finds the executable mapping of a module in a running process.
// Results are cached per process, the range of a module does not change
// for the lifetime of a process.
type Locator struct {
	cache *lru.Cache
	// procfs is the mount point of procfs, tests change it.
	procfs string
}

// NewLocator returns a new Locator.
func NewLocator() *Locator {
	cache, err := lru.New(locatorCacheSize)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &Locator{cache: cache, procfs: "/proc"}
}

// Locate returns the range of the first executable mapping of module in
// process pid. An unreadable mapping table is returned as an error, as is
// a module that can not be found.
func (l *Locator) Locate(pid int, module string) (ModuleRange, error) {
	key := locatorKey{pid, module}
	if v, ok := l.cache.Get(key); ok {
		return v.(ModuleRange), nil
	}

	log := logflags.MapsLogger()
	maps, err := l.readMaps(pid)
	if err != nil {
		return ModuleRange{}, err
	}
	r, err := FindModule(maps, module)
	if err != nil {
		return ModuleRange{}, fmt.Errorf("process %d: %w", pid, err)
	}
	log.Debugf("module %s of process %d at %s", module, pid, r)
	l.cache.Add(key, r)
	return r, nil
}

// Forget drops the cached ranges of process pid.
func (l *Locator) Forget(pid int) {
	for _, k := range l.cache.Keys() {
		if k.(locatorKey).pid == pid {
			l.cache.Remove(k)
		}
	}
}

// Describe formats addr relative to the start of module in process pid,
// for example "target+0x1139". The absolute address is returned if the
// module can not be located or addr is outside of it.
func (l *Locator) Describe(pid int, module string, addr uint64) string {
	r, err := l.Locate(pid, module)
	if err != nil || !r.Contains(addr) {
		return fmt.Sprintf("%#x", addr)
	}
	return fmt.Sprintf("%s+%#x", filepath.Base(module), addr-r.Start)
}

func (l *Locator) readMaps(pid int) ([]Mapping, error) {
	path := filepath.Join(l.procfs, fmt.Sprint(pid), "maps")
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not read mapping table: %v", err)
	}
	defer fh.Close()
	maps, err := ParseMaps(fh)
	if err != nil {
		return nil, fmt.Errorf("could not read mapping table %s: %v", path, err)
	}
	return maps, nil
}
