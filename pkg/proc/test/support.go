package test

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"golang.org/x/sys/execabs"
	"golang.org/x/sys/unix"
)

// Fixture is a test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the test binary.
	Path string
	// Source is the absolute path of the test binary source.
	Source string
	// Symbols is the path of the 'go tool nm' output for the binary.
	Symbols string
}

// Fixtures is a map of Fixture.Name to Fixture.
var Fixtures = make(map[string]Fixture)
var fixturesMu sync.Mutex

// FindFixturesDir returns the path of the _fixtures directory.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// BuildFixture compiles _fixtures/<name>.go without optimizations and
// dumps its symbol table. The test is skipped if the go command is not
// available.
func BuildFixture(t testing.TB, name string) Fixture {
	t.Helper()
	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	if f, ok := Fixtures[name]; ok {
		return f
	}

	gocmd, err := execabs.LookPath("go")
	if err != nil {
		t.Skip("go command not available")
	}

	fixturesDir := FindFixturesDir()

	// Make a (good enough) random temporary file name
	r := make([]byte, 4)
	rand.Read(r)
	path := filepath.Join(fixturesDir, name+".go")
	tmpfile := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	cmd := execabs.Command(gocmd, "build", "-buildmode=exe", "-gcflags=all=-N -l", "-o", tmpfile, name+".go")
	cmd.Dir = fixturesDir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Error compiling %s: %v\n%s", path, err, out)
	}

	nm, err := execabs.Command(gocmd, "tool", "nm", tmpfile).Output()
	if err != nil {
		os.Remove(tmpfile)
		t.Fatalf("Error reading symbols of %s: %v", path, err)
	}
	symfile := tmpfile + ".nm"
	if err := os.WriteFile(symfile, nm, 0o600); err != nil {
		t.Fatal(err)
	}

	source, _ := filepath.Abs(path)
	Fixtures[name] = Fixture{Name: name, Path: tmpfile, Source: source, Symbols: symfile}
	return Fixtures[name]
}

// RunTestsWithFixtures will pre-compile test fixtures before running test
// methods. Test binaries are deleted before exiting.
func RunTestsWithFixtures(m *testing.M) int {
	status := m.Run()

	// Remove the fixtures.
	for _, f := range Fixtures {
		os.Remove(f.Path)
		os.Remove(f.Symbols)
	}
	return status
}

// MustSupportPtrace skips the test when breakpoints can not be injected
// on this machine.
func MustSupportPtrace(t testing.TB) {
	t.Helper()
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skipf("tracing not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
	}
}

// SkipOnPermission skips the test if err is a ptrace permission failure,
// common in containers.
func SkipOnPermission(t testing.TB, err error) {
	t.Helper()
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		t.Skipf("ptrace not permitted: %v", err)
	}
}
