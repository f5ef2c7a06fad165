package logflags

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer func() {
		loggerFactory = nil
	}()
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.TraceLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.TraceLevel, level)
		}
		if len(fields) != 1 || fields["foo"] != "bar" {
			t.Fatalf("expected fields to be {'foo':'bar'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	actual := makeLogger(logrus.TraceLevel, Fields{"foo": "bar"})
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeFlaggableLogger_withFlagFalse(t *testing.T) {
	actual := makeFlaggableLogger(false, Fields{"foo": "bar"})
	actualEntry, expectedType := actual.(*logrusLogger)
	if !expectedType {
		t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrus.Entry)(nil)), reflect.TypeOf(actualEntry))
	}
	if actualEntry.Entry.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.ErrorLevel, actualEntry.Logger.Level)
	}
	if len(actualEntry.Entry.Data) != 1 || actualEntry.Data["foo"] != "bar" {
		t.Fatalf("expected actualEntry.Entry.Data to be {'foo':'bar'}; but was <%v>", actualEntry.Data)
	}
}

func TestMakeFlaggableLogger_withFlagTrue(t *testing.T) {
	actual := makeFlaggableLogger(true, Fields{"foo": "bar"})
	actualEntry, expectedType := actual.(*logrusLogger)
	if !expectedType {
		t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrus.Entry)(nil)), reflect.TypeOf(actualEntry))
	}
	if actualEntry.Entry.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected level to be <%v>; but was <%v>", logrus.DebugLevel, actualEntry.Logger.Level)
	}
}

func TestRunIDField(t *testing.T) {
	SetRunID("b3f1")
	defer SetRunID("")
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	l := makeFlaggableLogger(true, Fields{"layer": "tracer"})
	l.Debugf("hello %d", 1)
	out := logOut.(*bufferWriter).String()
	for _, want := range []string{"debug tracer ", "run=b3f1 ", "hello 1\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q does not contain %q", out, want)
		}
	}
}

func TestSetup(t *testing.T) {
	defer func() {
		tracer, symbols, breakpoints, native, maps = false, false, false, false, false
		logOut = nil
	}()

	if err := Setup(false, "tracer", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog, got %v", err)
	}

	if err := Setup(true, "symbols,maps", ""); err != nil {
		t.Fatal(err)
	}
	if !Symbols() || !Maps() || Tracer() || Native() || Breakpoints() {
		t.Fatalf("wrong components enabled: tracer=%v symbols=%v breakpoints=%v native=%v maps=%v", Tracer(), Symbols(), Breakpoints(), Native(), Maps())
	}

	if err := Setup(true, "all", ""); err != nil {
		t.Fatal(err)
	}
	if !Tracer() || !Native() || !Breakpoints() {
		t.Fatal("'all' did not enable every component")
	}
}

func TestSetupLogDest(t *testing.T) {
	defer func() {
		tracer = false
		logOut = nil
	}()
	dest := filepath.Join(t.TempDir(), "covtrace.log")
	if err := Setup(true, "", dest); err != nil {
		t.Fatal(err)
	}
	TracerLogger().Infof("to the %s", "file")
	Close()
	buf, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf, []byte("to the file")) {
		t.Fatalf("log file does not contain message: %q", buf)
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}
