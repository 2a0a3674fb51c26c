//go:build linux && amd64

// Package runtime implements the executor: the outer loop that owns the
// translation cache, compiles blocks on a cache miss, calls into generated
// code through the trampoline, and falls back to the interpreter for the
// handful of exit reasons that need precise fault detail the JIT's inline
// checks don't compute. Grounded on the teacher's Runtime/ExecuteBlock
// (pkg/pvm/jit/runtime.go, pkg/pvm/jit_integration.go), generalized from its
// map-based block cache to codebuffer's array-indexed translation table and
// from its JAM exit-reason encoding to this engine's exit.Reason enum.
package runtime

import (
	"context"
	"unsafe"

	"rv64emu/pkg/cpu"
	"rv64emu/pkg/errors"
	"rv64emu/pkg/exit"
	"rv64emu/pkg/interpreter"
	"rv64emu/pkg/jit/amd64"
	"rv64emu/pkg/jit/codebuffer"
	"rv64emu/pkg/jit/trampoline"
	"rv64emu/pkg/memory"
	"rv64emu/pkg/metrics"
	"rv64emu/pkg/trace"
)

// maxCompiledBlockBytes bounds the scratch buffer a single CompileBlock call
// writes into; real basic blocks (at most a few dozen guest instructions
// before a terminator) never come close to it.
const maxCompiledBlockBytes = 64 * 1024

// Config controls the executor's translation cache and code generator.
type Config struct {
	CodeBufferSize       int
	MaxGuestPC           uint64
	Multithreaded        bool
	SkipPermissionChecks bool
	SingleStep           bool
}

// Executor drives guest execution through the JIT, one translated block at
// a time, with an interpreter fallback for exit reasons that need detail
// the JIT's generic fault exits don't carry.
type Executor struct {
	code    *codebuffer.Buffer
	mem     *memory.Memory
	cfg     Config
	scratch []byte

	// blockInstrCount records how many guest instructions each compiled
	// block covers, for instruction-retirement accounting: the translation
	// cache itself only stores a host code offset per PC, not a guest
	// instruction count, so this is tracked alongside it rather than
	// threading a second field through codebuffer.
	blockInstrCount map[uint64]int

	// Metrics is optional; a nil value disables instrumentation entirely
	// (metrics.Registry's methods are nil-receiver safe).
	Metrics *metrics.Registry

	// Trace is optional; when set, every freshly compiled block's
	// (guestPC, codeBytes) pair is appended to it before the block runs.
	Trace *trace.Writer
}

// New creates an executor operating over mem.
func New(mem *memory.Memory, cfg Config) (*Executor, error) {
	var flags codebuffer.Flags
	if cfg.Multithreaded {
		flags |= codebuffer.Multithreaded
	}
	if cfg.SkipPermissionChecks {
		flags |= codebuffer.SkipPermissionChecks
	}
	code, err := codebuffer.New(codebuffer.Config{
		Flags:      flags,
		TotalSize:  cfg.CodeBufferSize,
		MaxGuestPC: cfg.MaxGuestPC,
	})
	if err != nil {
		return nil, err
	}
	return &Executor{
		code:            code,
		mem:             mem,
		cfg:             cfg,
		scratch:         make([]byte, maxCompiledBlockBytes),
		blockInstrCount: make(map[uint64]int),
	}, nil
}

// Close releases the executable region backing the translation cache.
func (e *Executor) Close() error {
	return e.code.Close()
}

// Run drives c from its current PC until a terminal exit condition,
// checking ctx for cancellation between block boundaries (generated code
// itself never yields; see pkg/jit/amd64's no-suspension-point design).
func (e *Executor) Run(ctx context.Context, c *cpu.State) (exit.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return exit.Record{}, err
		}
		rec, cont := e.step(c)
		if !cont {
			return rec, nil
		}
	}
}

func (e *Executor) amd64Config() amd64.Config {
	return amd64.Config{
		MaxGuestPC:           e.cfg.MaxGuestPC,
		SkipPermissionChecks: e.cfg.SkipPermissionChecks,
		SingleStep:           e.cfg.SingleStep,
	}
}

// step runs one translated block (compiling it first on a cache miss) and
// reports whether the loop should continue.
func (e *Executor) step(c *cpu.State) (exit.Record, bool) {
	blockPC := c.PC
	offset, ok := e.code.Get(blockPC)
	if !ok {
		n, instrCount, err := amd64.CompileBlock(e.scratch, e.mem, blockPC, e.amd64Config())
		if err != nil {
			errors.Fatal("jit/runtime: compiling block at pc %#x: %v", blockPC, err)
		}
		offset = e.code.Insert(blockPC, e.scratch[:n])
		e.blockInstrCount[blockPC] = instrCount
		e.Metrics.BlockCompiled(int(offset) + n)
		if e.Trace != nil {
			if err := e.Trace.Record(blockPC, e.scratch[:n]); err != nil {
				errors.Fatal("jit/runtime: writing trace record: %v", err)
			}
		}
	}

	var st amd64.State
	st.X = c.X
	st.PC = c.PC
	st.MemBase = uintptr(unsafe.Pointer(&e.mem.Bytes()[0]))
	st.MemSize = e.mem.Size()
	st.PermBase = uintptr(unsafe.Pointer(&e.mem.PermissionBytes()[0]))

	entry := e.code.Address(offset)
	rawExit, nextPC := trampoline.CallJITCode(entry, uintptr(unsafe.Pointer(&st)))

	c.X = st.X
	c.PC = nextPC

	switch amd64.ExitCode(rawExit) {
	case amd64.ExitBlockNotGenerated, amd64.ExitSingleStep:
		e.Metrics.GuestInstructions(uint64(e.blockInstrCount[blockPC]))
		c.PC = nextPC
		return exit.Record{}, true

	case amd64.ExitUnsupportedInstruction, amd64.ExitMemoryReadFault, amd64.ExitMemoryWriteFault:
		// The JIT's generic fault exit doesn't carry target_register or
		// faulty_address; re-run the one instruction at the faulting PC
		// through the interpreter to recover them precisely. The
		// instructions before it in this block already committed and are
		// not separately counted here, an accepted approximation in the
		// guest-instruction metric (see DESIGN.md).
		e.Metrics.InterpreterFallback(fallbackLabel(amd64.ExitCode(rawExit)))
		c.PC = nextPC
		rec := interpreter.Step(e.mem, c)
		e.Metrics.GuestInstructions(1)
		if rec.Reason == exit.None {
			return exit.Record{}, true
		}
		return rec, false

	case amd64.ExitUnalignedPc:
		return exit.Simple(exit.UnalignedPc, nextPC), false
	case amd64.ExitOutOfBoundsPc:
		return exit.Simple(exit.OutOfBoundsPc, nextPC), false
	case amd64.ExitEcall:
		e.Metrics.GuestInstructions(uint64(e.blockInstrCount[blockPC]))
		return exit.Simple(exit.Ecall, nextPC), false
	case amd64.ExitEbreak:
		e.Metrics.GuestInstructions(uint64(e.blockInstrCount[blockPC]))
		return exit.Simple(exit.Ebreak, nextPC), false
	case amd64.ExitUndefinedInstruction:
		return exit.Simple(exit.UndefinedInstruction, nextPC), false

	default:
		errors.Fatal("jit/runtime: compiled block returned unknown exit code %d", rawExit)
		return exit.Record{}, false
	}
}

// fallbackLabel names the metric label for the JIT exit code that triggered
// an interpreter fallback. The two fault codes have a direct exit.Reason
// counterpart and share metrics.ExitReasonLabel's wording with the
// interpreter's own fault exits; ExitUnsupportedInstruction has no
// exit.Reason counterpart (the JIT, not the interpreter, is what declined
// the instruction), so it gets its own label here.
func fallbackLabel(code amd64.ExitCode) string {
	switch code {
	case amd64.ExitMemoryReadFault:
		return metrics.ExitReasonLabel(exit.MemoryReadFault)
	case amd64.ExitMemoryWriteFault:
		return metrics.ExitReasonLabel(exit.MemoryWriteFault)
	default:
		return "unsupported_instruction"
	}
}
