package proc

import "runtime"

// Arch describes the CPU architecture of the traced process.
type Arch struct {
	Name       string
	ptrSize    int
	breakInstr []byte
}

var amd64BreakInstruction = []byte{0xCC}

// AMD64Arch returns the AMD64 architecture.
func AMD64Arch() *Arch {
	return &Arch{
		Name:       "amd64",
		ptrSize:    8,
		breakInstr: amd64BreakInstruction,
	}
}

// ArchForGOARCH returns the architecture named by goarch, or nil if
// breakpoints can not be injected on it.
func ArchForGOARCH(goarch string) *Arch {
	switch goarch {
	case "amd64":
		return AMD64Arch()
	}
	return nil
}

// NativeArch returns the architecture of the running tracer.
func NativeArch() *Arch {
	return ArchForGOARCH(runtime.GOARCH)
}

// PtrSize returns the size of a pointer, which is also the size of the
// machine words read and written by the breakpoint table.
func (a *Arch) PtrSize() int {
	return a.ptrSize
}

// BreakpointInstruction returns the trap instruction.
func (a *Arch) BreakpointInstruction() []byte {
	return a.breakInstr
}

// BreakpointSize returns the width of the trap instruction, the amount the
// instruction pointer is past the breakpoint address when a trap is
// reported.
func (a *Arch) BreakpointSize() int {
	return len(a.breakInstr)
}

// PatchWord returns word with its lowest bytes replaced by the trap
// instruction. Words are little endian.
func (a *Arch) PatchWord(word uint64) uint64 {
	for i, b := range a.breakInstr {
		shift := uint(8 * i)
		word = (word &^ (0xff << shift)) | uint64(b)<<shift
	}
	return word
}

// trapMask covers the bytes of a word replaced by the trap instruction.
func (a *Arch) trapMask() uint64 {
	return 1<<(8*uint(len(a.breakInstr))) - 1
}
