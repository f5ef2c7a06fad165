//go:build linux && !amd64

package native

// PC returns ErrUnsupportedArch.
func (dbp *Process) PC(tid int) (uint64, error) {
	return 0, ErrUnsupportedArch
}

// SetPC returns ErrUnsupportedArch.
func (dbp *Process) SetPC(tid int, pc uint64) error {
	return ErrUnsupportedArch
}
