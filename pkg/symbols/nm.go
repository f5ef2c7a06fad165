package symbols

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-delve/covtrace/pkg/logflags"
)

// NmReader reads the output of nm(1) and 'go tool nm'. Each line has the
// form:
//
//	<hex-address> <type> <name> [ignored...]
//
// Only text symbols (type 't' or 'T') are kept, lines that can not be
// parsed are skipped.
type NmReader struct {
	// PIE is set when the addresses in the source are already relative
	// to the load base of the module.
	PIE bool
	// ModuleBase is subtracted from the addresses of a non-PIE module to
	// obtain image relative offsets. It must match the load base the
	// linker used when the symbol source was produced.
	ModuleBase uint64
}

// Load implements Source.
func (r NmReader) Load(path string) ([]Entry, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer fh.Close()

	log := logflags.SymbolsLogger()

	var (
		entries []Entry
		skipped int
		lineno  int
	)
	s := bufio.NewScanner(fh)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for s.Scan() {
		lineno++
		e, ok, err := r.parseLine(s.Text())
		if err != nil {
			skipped++
			if logflags.Symbols() {
				log.Debugf("%s:%d: %v", path, lineno, err)
			}
			continue
		}
		if ok {
			entries = append(entries, e)
		}
	}
	if err := s.Err(); err != nil {
		return entries, fmt.Errorf("reading %s: %v", path, err)
	}
	log.Debugf("loaded %d text symbols from %s (%d malformed lines skipped)", len(entries), path, skipped)
	return entries, nil
}

// parseLine parses one line of nm output. It returns ok == false for well
// formed records that are not text symbols.
func (r NmReader) parseLine(line string) (e Entry, ok bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Entry{}, false, nil
	}
	if len(fields) < 3 {
		// undefined symbols have no address, 'U name'
		if len(fields) == 2 && len(fields[0]) == 1 {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("malformed record %q", line)
	}
	if !IsText(fields[1]) {
		return Entry{}, false, nil
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("bad address %q", fields[0])
	}
	if !r.PIE {
		if addr < r.ModuleBase {
			return Entry{}, false, fmt.Errorf("address %#x below module base %#x", addr, r.ModuleBase)
		}
		addr -= r.ModuleBase
	}
	return Entry{Offset: addr, Name: fields[2]}, true, nil
}

// IsText returns true if typ is the nm type code of a symbol in the text
// (code) section.
func IsText(typ string) bool {
	return typ == "T" || typ == "t"
}
