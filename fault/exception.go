// Package fault delivers host processor exceptions raised inside translated
// code to registered handlers.
package fault

import "fmt"

// Code classifies a host exception.
type Code int

const (
	// IllegalInstruction is raised by an undefined opcode such as ud2.
	IllegalInstruction Code = iota
	// AccessViolation is raised by a load or store to an unmapped or
	// protected page.
	AccessViolation
)

func (c Code) String() string {
	switch c {
	case IllegalInstruction:
		return "illegal-instruction"
	case AccessViolation:
		return "access-violation"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// AccessType is the kind of memory access that faulted.
type AccessType int

const (
	AccessUnknown AccessType = iota
	AccessRead
	AccessWrite
	AccessExecute
)

// x86-64 general purpose register numbers, as used by HostContext.GPR.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// RFLAGS bits.
const (
	FlagCF = 1 << 0
	FlagPF = 1 << 2
	FlagZF = 1 << 6
	FlagSF = 1 << 7
	FlagOF = 1 << 11
)

// HostContext is the captured register state of a host thread.
type HostContext struct {
	RIP    uint64
	RFLAGS uint64
	GPR    [16]uint64
	XMM    [16][16]byte
}

// RSP returns the stack pointer.
func (c *HostContext) RSP() uint64 { return c.GPR[RSP] }

// Exception describes one host exception.
type Exception struct {
	Code         Code
	FaultAddress uint64
	Access       AccessType
	Context      *HostContext
}

// PC returns the address of the faulting instruction.
func (e *Exception) PC() uint64 { return e.Context.RIP }

func (e *Exception) String() string {
	return fmt.Sprintf("%s at pc=%#x addr=%#x", e.Code, e.Context.RIP, e.FaultAddress)
}
