package native

import (
	sys "golang.org/x/sys/unix"
)

// PC returns the instruction pointer of thread tid.
func (dbp *Process) PC(tid int) (uint64, error) {
	if dbp.exited {
		return 0, dbp.exitedError()
	}
	var (
		regs sys.PtraceRegs
		err  error
	)
	dbp.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return 0, err
	}
	return regs.Rip, nil
}

// SetPC sets RIP to the value specified by 'pc'.
func (dbp *Process) SetPC(tid int, pc uint64) error {
	if dbp.exited {
		return dbp.exitedError()
	}
	var (
		regs sys.PtraceRegs
		err  error
	)
	dbp.execPtraceFunc(func() {
		err = sys.PtraceGetRegs(tid, &regs)
		if err != nil {
			return
		}
		regs.Rip = pc
		err = sys.PtraceSetRegs(tid, &regs)
	})
	return err
}
