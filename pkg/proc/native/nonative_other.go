//go:build !linux

package native

import (
	"errors"

	"github.com/go-delve/covtrace/pkg/proc"
)

// ErrNativeBackendDisabled is returned on operating systems without a
// ptrace backend.
var ErrNativeBackendDisabled = errors.New("native backend only available on linux")

// LaunchConfig describes the standard streams of a launched process.
type LaunchConfig struct {
	Stdin    string
	Redirect string
	Dir      string
}

// Launch returns ErrNativeBackendDisabled.
func Launch(_ []string, _ LaunchConfig) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

// Attach returns ErrNativeBackendDisabled.
func Attach(_ int) (*Process, error) {
	return nil, ErrNativeBackendDisabled
}

func (dbp *Process) Resume(tid, sig int) error { return ErrNativeBackendDisabled }
func (dbp *Process) Wait() (proc.Event, error) { return proc.Event{}, ErrNativeBackendDisabled }
func (dbp *Process) StepInstruction(int) (proc.Event, error) {
	return proc.Event{}, ErrNativeBackendDisabled
}
func (dbp *Process) PC(int) (uint64, error)               { return 0, ErrNativeBackendDisabled }
func (dbp *Process) SetPC(int, uint64) error              { return ErrNativeBackendDisabled }
func (dbp *Process) PeekWord(int, uint64) (uint64, error) { return 0, ErrNativeBackendDisabled }
func (dbp *Process) PokeWord(int, uint64, uint64) error   { return ErrNativeBackendDisabled }
func (dbp *Process) Kill() error                          { return ErrNativeBackendDisabled }
func (dbp *Process) Detach() error                        { return ErrNativeBackendDisabled }
