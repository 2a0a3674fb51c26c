package amd64

// ExitCode is the value a compiled block leaves in RAX on return. Most
// values correspond directly to exit.Reason; three are internal to the
// JIT<->executor protocol and must never escape the outer loop (see
// pkg/jit/runtime).
type ExitCode uint64

const (
	ExitBlockNotGenerated ExitCode = iota // RDX carries the guest PC to resolve
	ExitSingleStep                        // RDX carries the next guest PC
	ExitUnsupportedInstruction            // RDX carries the PC of the instruction
	ExitUnalignedPc
	ExitOutOfBoundsPc
	ExitMemoryReadFault
	ExitMemoryWriteFault
	ExitEcall
	ExitEbreak
	ExitUndefinedInstruction
)
