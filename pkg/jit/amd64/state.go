package amd64

// State is the machine layout the trampoline hands compiled blocks a
// pointer to (in RDI). Every field is a fixed-width, naturally-aligned
// integer so its byte offset is stable across the Go and assembly sides
// without relying on reflection or cgo.
type State struct {
	X        [32]uint64 // guest integer registers x0..x31; x0 is kept at 0
	PC       uint64
	MemBase  uintptr // address of guest memory's backing byte array
	MemSize  uint64
	PermBase uintptr // address of the parallel permission byte array
}

// Field byte offsets within State, used by both the code generator (to
// emit loads/stores against RDI) and the executor (which only touches the
// struct through Go field access, never these constants directly).
const (
	OffsetX        = 0
	OffsetPC       = 32 * 8
	OffsetMemBase  = OffsetPC + 8
	OffsetMemSize  = OffsetMemBase + 8
	OffsetPermBase = OffsetMemSize + 8
)

// Reserved register roles, stable for the lifetime of a compiled block.
const (
	StateReg = RDI // pointer to State, loaded once at block entry

	Scratch1 = RAX
	Scratch2 = RCX
	Scratch3 = RDX
	Scratch4 = R8
	Scratch5 = R9
	Scratch6 = R10
	Scratch7 = R11
)

// hostPool lists the callee-saved registers available to the register
// cache for holding guest registers across instructions within a block.
var hostPool = []Reg{RBX, R12, R13, R14, R15, RBP}
