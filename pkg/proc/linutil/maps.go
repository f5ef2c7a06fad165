package linutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrModuleNotFound is returned when no executable mapping of the
// requested module exists in the process.
var ErrModuleNotFound = errors.New("module not found")

// Mapping is one record of /proc/<pid>/maps.
type Mapping struct {
	Start, End uint64
	Perms      string
	Offset     uint64
	Dev        string
	Inode      uint64
	Path       string
}

// Executable returns true if the mapping is executable.
func (m *Mapping) Executable() bool {
	return strings.Contains(m.Perms, "x")
}

// ModuleRange is the address range [Start, End) of the executable mapping
// of a module in one process.
type ModuleRange struct {
	Start, End uint64
}

// Contains returns true if addr is inside the range.
func (r ModuleRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

func (r ModuleRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// ParseMaps parses the contents of a /proc/<pid>/maps file. Records that
// can not be parsed are skipped.
//
// Each record has the form:
//
//	<start>-<end> <perms> <offset> <dev> <inode> [path]
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1024*1024)
	for s.Scan() {
		m, ok := parseMapping(s.Text())
		if ok {
			maps = append(maps, m)
		}
	}
	return maps, s.Err()
}

func parseMapping(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}
	dash := strings.IndexByte(fields[0], '-')
	if dash < 0 {
		return Mapping{}, false
	}
	var m Mapping
	var err error
	if m.Start, err = strconv.ParseUint(fields[0][:dash], 16, 64); err != nil {
		return Mapping{}, false
	}
	if m.End, err = strconv.ParseUint(fields[0][dash+1:], 16, 64); err != nil {
		return Mapping{}, false
	}
	m.Perms = fields[1]
	if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return Mapping{}, false
	}
	m.Dev = fields[3]
	if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return Mapping{}, false
	}
	if len(fields) > 5 {
		m.Path = strings.Join(fields[5:], " ")
	}
	return m, true
}

// FindModule returns the range of the first executable mapping whose path
// contains module.
func FindModule(maps []Mapping, module string) (ModuleRange, error) {
	for i := range maps {
		if maps[i].Executable() && strings.Contains(maps[i].Path, module) {
			return ModuleRange{Start: maps[i].Start, End: maps[i].End}, nil
		}
	}
	return ModuleRange{}, fmt.Errorf("%w: no executable mapping of %q", ErrModuleNotFound, module)
}
