package native

import (
	"encoding/binary"
	"fmt"
	"syscall"

	sys "golang.org/x/sys/unix"
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(pid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(pid), uintptr(0), uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// ptracePeekWord reads the little endian word at addr.
func ptracePeekWord(tid int, addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := sys.PtracePeekData(tid, uintptr(addr), buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read at %#x: %d bytes", addr, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ptracePokeWord writes word at addr.
func ptracePokeWord(tid int, addr, word uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	n, err := sys.PtracePokeData(tid, uintptr(addr), buf[:])
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write at %#x: %d bytes", addr, n)
	}
	return nil
}
