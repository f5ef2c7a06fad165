package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var tracer = false
var symbols = false
var breakpoints = false
var native = false
var maps = false

var logOut io.WriteCloser
var runID string

// Components lists every value accepted by --log-output.
var Components = []string{"tracer", "symbols", "breakpoints", "native", "maps"}

var textFormatterInstance = &textFormatter{}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if runID != "" {
		if fields == nil {
			fields = Fields{}
		}
		fields["run"] = runID
	}
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

// makeFlaggableLogger returns a logger that logs everything when flag is
// set and only errors otherwise.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Tracer returns true if the tracer engine should log.
func Tracer() bool {
	return tracer
}

// TracerLogger returns a logger for the tracer engine.
func TracerLogger() Logger {
	return makeFlaggableLogger(tracer, Fields{"layer": "tracer"})
}

// Symbols returns true if symbol loading should be logged.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for the symbols package.
func SymbolsLogger() Logger {
	return makeFlaggableLogger(symbols, Fields{"layer": "symbols"})
}

// Breakpoints returns true if breakpoint installation and restoration
// should be logged.
func Breakpoints() bool {
	return breakpoints
}

// BreakpointsLogger returns a logger for the breakpoint table.
func BreakpointsLogger() Logger {
	return makeFlaggableLogger(breakpoints, Fields{"layer": "proc", "kind": "breakpoints"})
}

// Native returns true if the ptrace backend should log.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the ptrace backend.
func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

// Maps returns true if the module locator should log.
func Maps() bool {
	return maps
}

// MapsLogger returns a logger for the module locator.
func MapsLogger() Logger {
	return makeFlaggableLogger(maps, Fields{"layer": "maps"})
}

// SetRunID attaches id as the "run" field of every logger created
// afterwards.
func SetRunID(id string) {
	runID = id
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "covtrace-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "tracer"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "tracer":
			tracer = true
		case "symbols":
			symbols = true
		case "breakpoints":
			breakpoints = true
		case "native":
			native = true
		case "maps":
			maps = true
		case "all":
			tracer, symbols, breakpoints, native, maps = true, true, true, true, true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'covtrace help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *strings.Builder = new(strings.Builder)
	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), strings.ToLower(entry.Level.String()))
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(b, "%v ", layer)
	}
	for k, v := range entry.Data {
		if k == "layer" {
			continue
		}
		fmt.Fprintf(b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
