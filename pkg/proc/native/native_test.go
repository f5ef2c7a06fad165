package native_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/execabs"
	"golang.org/x/sys/unix"

	"github.com/go-delve/covtrace/pkg/logflags"
	"github.com/go-delve/covtrace/pkg/proc"
	"github.com/go-delve/covtrace/pkg/proc/linutil"
	"github.com/go-delve/covtrace/pkg/proc/native"
	protest "github.com/go-delve/covtrace/pkg/proc/test"
	"github.com/go-delve/covtrace/pkg/symbols"
)

func TestMain(m *testing.M) {
	if logConf := os.Getenv("COVTRACE_TEST_LOG"); logConf != "" {
		logflags.Setup(true, logConf, "")
	}
	os.Exit(protest.RunTestsWithFixtures(m))
}

type recordSink struct {
	hits    []proc.Hit
	crashes []proc.Crash
}

func (s *recordSink) Hit(h proc.Hit)     { s.hits = append(s.hits, h) }
func (s *recordSink) Crash(c proc.Crash) { s.crashes = append(s.crashes, c) }

func (s *recordSink) count(name string) int {
	n := 0
	for _, h := range s.hits {
		if h.Symbol.Name == name {
			n++
		}
	}
	return n
}

func (s *recordSink) index(name string) int {
	for i, h := range s.hits {
		if h.Symbol.Name == name {
			return i
		}
	}
	return -1
}

type traceResult struct {
	sink    *recordSink
	outcome proc.Outcome
	tracer  *proc.Tracer
	output  string
}

func loadCatalog(t *testing.T, fixture protest.Fixture) *symbols.Catalog {
	t.Helper()
	catalog, err := symbols.Load(symbols.NmReader{}, fixture.Symbols)
	if err != nil {
		t.Fatalf("loading symbols: %v", err)
	}
	catalog = catalog.Filter("main.")
	if _, ok := catalog.Lookup("main.foo"); !ok {
		t.Fatalf("main.foo not in %s", fixture.Symbols)
	}
	return catalog
}

func traceFixture(t *testing.T, name string, opts *proc.Options, cfg native.LaunchConfig, args ...string) traceResult {
	t.Helper()
	protest.MustSupportPtrace(t)
	fixture := protest.BuildFixture(t, name)
	catalog := loadCatalog(t, fixture)

	if cfg.Redirect == "" {
		cfg.Redirect = filepath.Join(t.TempDir(), "output")
	}
	p, err := native.Launch(append([]string{fixture.Path}, args...), cfg)
	if err != nil {
		protest.SkipOnPermission(t, err)
		t.Fatalf("Launch: %v", err)
	}
	defer p.Kill()

	sink := &recordSink{}
	tr := proc.NewTracer(p, catalog, linutil.NewLocator(), sink, opts)
	if _, err := tr.Install(p.Executable()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	out, err := tr.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := tr.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	buf, _ := os.ReadFile(cfg.Redirect)
	return traceResult{sink: sink, outcome: out, tracer: tr, output: string(buf)}
}

func TestTraceSimple(t *testing.T) {
	r := traceFixture(t, "covsimple", &proc.Options{}, native.LaunchConfig{})
	if r.outcome.Kind != proc.Clean {
		t.Fatalf("expected clean exit, got %s", r.outcome.Kind)
	}
	foo, bar := r.sink.index("main.foo"), r.sink.index("main.bar")
	if foo < 0 || bar < 0 || foo > bar {
		t.Fatalf("expected main.foo then main.bar, hits %v", r.sink.hits)
	}
	if r.sink.count("main.foo") != 1 {
		t.Fatalf("main.foo hit %d times", r.sink.count("main.foo"))
	}
	for _, h := range r.sink.hits {
		if h.Addr != h.Symbol.Offset {
			t.Fatalf("non-PIE address %#x differs from offset %#x", h.Addr, h.Symbol.Offset)
		}
		if !r.tracer.ModuleRange().Contains(h.Addr) {
			t.Fatalf("hit outside of module %s: %#x", r.tracer.ModuleRange(), h.Addr)
		}
	}
	if strings.TrimSpace(r.output) != "3" {
		t.Fatalf("target output changed by tracing: %q", r.output)
	}
}

func TestTraceHitCount(t *testing.T) {
	r := traceFixture(t, "covtwice", &proc.Options{Rearm: true}, native.LaunchConfig{})
	if r.outcome.Kind != proc.Clean {
		t.Fatalf("expected clean exit, got %s", r.outcome.Kind)
	}
	if n := r.sink.count("main.foo"); n != 2 {
		t.Fatalf("expected 2 hits of main.foo, got %d", n)
	}
	sym, _ := loadCatalog(t, protest.BuildFixture(t, "covtwice")).Lookup("main.foo")
	if bp := r.tracer.Breakpoints().Find(sym.Offset); bp == nil || bp.HitCount != 2 {
		t.Fatalf("wrong breakpoint state %v", bp)
	}
	if strings.TrimSpace(r.output) != "2" {
		t.Fatalf("target output changed by tracing: %q", r.output)
	}
}

func TestTraceSingleShot(t *testing.T) {
	r := traceFixture(t, "covtwice", &proc.Options{}, native.LaunchConfig{})
	if n := r.sink.count("main.foo"); n != 1 {
		t.Fatalf("expected 1 hit of main.foo, got %d", n)
	}
}

func TestTraceCrash(t *testing.T) {
	r := traceFixture(t, "covsegv", &proc.Options{}, native.LaunchConfig{})
	if r.outcome.Kind != proc.Crashed {
		t.Fatalf("expected crash, got %s", r.outcome.Kind)
	}
	if r.outcome.Crash.Signal != int(unix.SIGSEGV) {
		t.Fatalf("expected SIGSEGV, got %s", proc.SignalName(r.outcome.Crash.Signal))
	}
	if len(r.sink.crashes) != 1 {
		t.Fatalf("crash not reported to the sink")
	}
	if r.sink.count("main.foo") != 1 || r.sink.count("main.bar") != 1 {
		t.Fatalf("unexpected hits %v", r.sink.hits)
	}
	if strings.Contains(r.output, "unreachable") {
		t.Fatal("target continued after the crash")
	}
}

func TestTraceThreads(t *testing.T) {
	r := traceFixture(t, "covthreads", &proc.Options{}, native.LaunchConfig{})
	if r.outcome.Kind != proc.Clean {
		t.Fatalf("expected clean exit, got %s", r.outcome.Kind)
	}
	ts := r.tracer.Threads()
	if ts.Peak() < 2 || ts.Len() != 0 {
		t.Fatalf("thread set peak=%d len=%d", ts.Peak(), ts.Len())
	}
	if r.sink.count("main.foo") != 1 || r.sink.count("main.bar") != 1 {
		t.Fatalf("unexpected hits %v", r.sink.hits)
	}
}

func TestLaunchRedirects(t *testing.T) {
	dir := t.TempDir()
	stdin := filepath.Join(dir, "input")
	if err := os.WriteFile(stdin, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := native.LaunchConfig{Stdin: stdin, Redirect: filepath.Join(dir, "output")}
	r := traceFixture(t, "covecho", &proc.Options{}, cfg, "a", "b")
	if !strings.Contains(r.output, "stdout 5\n") || !strings.Contains(r.output, "stderr [a b]\n") {
		t.Fatalf("wrong output %q", r.output)
	}
	if r.sink.count("main.foo") != 1 {
		t.Fatalf("unexpected hits %v", r.sink.hits)
	}
}

func TestLaunchFailed(t *testing.T) {
	protest.MustSupportPtrace(t)
	_, err := native.Launch([]string{filepath.Join(t.TempDir(), "does-not-exist")}, native.LaunchConfig{})
	if !errors.Is(err, native.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
	if _, err := native.Launch(nil, native.LaunchConfig{}); !errors.Is(err, native.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
}

func TestAttachFailed(t *testing.T) {
	protest.MustSupportPtrace(t)
	// pid_max is at most 2^22
	if _, err := native.Attach(1 << 23); !errors.Is(err, native.ErrAttachFailed) {
		t.Fatalf("expected ErrAttachFailed, got %v", err)
	}
}

func TestAttach(t *testing.T) {
	protest.MustSupportPtrace(t)
	fixture := protest.BuildFixture(t, "covsleep")
	catalog := loadCatalog(t, fixture)

	var stdout bytes.Buffer
	cmd := execabs.Command(fixture.Path)
	cmd.Stdout = &stdout
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	defer cmd.Process.Kill()
	// let the runtime start its threads
	time.Sleep(200 * time.Millisecond)

	p, err := native.Attach(cmd.Process.Pid)
	if err != nil {
		protest.SkipOnPermission(t, err)
		t.Fatalf("Attach: %v", err)
	}
	defer p.Kill()
	if tids := p.Threads(); len(tids) < 2 {
		t.Fatalf("expected every thread of the runtime to be attached, got %v", tids)
	}

	sink := &recordSink{}
	tr := proc.NewTracer(p, catalog, linutil.NewLocator(), sink, &proc.Options{})
	if tr.Threads().Len() != len(p.Threads()) {
		t.Fatalf("tracer does not track the attached threads: %d", tr.Threads().Len())
	}
	if _, err := tr.Install(p.Executable()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	out, err := tr.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Kind != proc.Clean {
		t.Fatalf("expected clean exit, got %s", out.Kind)
	}
	if sink.count("main.foo") != 1 {
		t.Fatalf("unexpected hits %v", sink.hits)
	}
}

func TestExecutable(t *testing.T) {
	protest.MustSupportPtrace(t)
	fixture := protest.BuildFixture(t, "covsimple")
	p, err := native.Launch([]string{fixture.Path}, native.LaunchConfig{Redirect: filepath.Join(t.TempDir(), "out")})
	if err != nil {
		protest.SkipOnPermission(t, err)
		t.Fatal(err)
	}
	defer p.Kill()
	want, _ := filepath.EvalSymlinks(fixture.Path)
	if p.Executable() != want {
		t.Fatalf("expected executable %s, got %s", want, p.Executable())
	}
	if tids := p.Threads(); len(tids) != 1 || tids[0] != p.Pid() {
		t.Fatalf("launched process should have one thread, got %v", tids)
	}
	if err := p.Kill(); err != nil {
		t.Fatal(err)
	}
	if !p.Exited() {
		t.Fatal("process not reaped by Kill")
	}
	if _, err := p.Wait(); err == nil {
		t.Fatal("Wait after Kill should fail")
	}
}
