// Package exit defines the closed set of reasons an emulation run can stop,
// and the record carried back to the caller describing why.
package exit

import "fmt"

// Reason is the closed enum of guest-visible stop conditions. It is the
// boundary between the engine and its caller: both the interpreter and the
// JIT-backed executor normalize to this set before returning.
type Reason int

const (
	// None must never be observed after Run returns; seeing it is a
	// programmer error in the interpreter or executor, not a valid guest
	// outcome.
	None Reason = iota
	UnalignedPc
	OutOfBoundsPc
	InstructionFetchFault
	UndefinedInstruction
	MemoryReadFault
	MemoryWriteFault
	Ecall
	Ebreak
)

func (r Reason) String() string {
	switch r {
	case None:
		return "None"
	case UnalignedPc:
		return "UnalignedPc"
	case OutOfBoundsPc:
		return "OutOfBoundsPc"
	case InstructionFetchFault:
		return "InstructionFetchFault"
	case UndefinedInstruction:
		return "UndefinedInstruction"
	case MemoryReadFault:
		return "MemoryReadFault"
	case MemoryWriteFault:
		return "MemoryWriteFault"
	case Ecall:
		return "Ecall"
	case Ebreak:
		return "Ebreak"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// RegisterID names a register slot for Record.TargetRegister; 0..31 are the
// integer registers, NoRegister means the field does not apply.
type RegisterID int

const NoRegister RegisterID = -1

// Record is the boundary value returned by Run: it is populated either by
// the interpreter directly, or by the executor after deriving the precise
// fault detail via a one-instruction interpreter fallback (see
// pkg/jit/runtime).
type Record struct {
	Reason         Reason
	FaultyAddress  uint64
	TargetRegister RegisterID
	PC             uint64
}

func (r Record) String() string {
	return fmt.Sprintf("%s(pc=%#x, addr=%#x, reg=%d)", r.Reason, r.PC, r.FaultyAddress, r.TargetRegister)
}

// Simple builds a Record for reasons that carry no extra detail.
func Simple(reason Reason, pc uint64) Record {
	return Record{Reason: reason, PC: pc, TargetRegister: NoRegister}
}

// Fault builds a Record for a memory-access failure.
func Fault(reason Reason, pc uint64, faultyAddress uint64, target RegisterID) Record {
	return Record{Reason: reason, PC: pc, FaultyAddress: faultyAddress, TargetRegister: target}
}
