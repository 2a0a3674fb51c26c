//go:build linux && amd64

package amd64

import (
	"rv64emu/pkg/decoder"
	"rv64emu/pkg/memory"
)

const blockAlign = 4

// Config controls how a block is compiled, mirroring the Code Buffer's
// per-run flags.
type Config struct {
	MaxGuestPC           uint64
	SkipPermissionChecks bool
	SingleStep           bool
}

// Compiler translates one guest basic block into x86-64 machine code.
type Compiler struct {
	asm  *Assembler
	regs *RegCache
	mem  *memory.Memory
	cfg  Config
}

// CompileBlock emits host code for the basic block beginning at pc into
// buf, stopping at the first terminator (branch, jump, ecall/ebreak,
// undefined or unsupported instruction) or, in single-step mode, after one
// instruction. It returns the number of bytes written and the number of
// guest instructions the block covers (for instruction-retirement
// accounting; see pkg/jit/runtime).
func CompileBlock(buf []byte, mem *memory.Memory, pc uint64, cfg Config) (int, int, error) {
	asm := NewAssembler(buf)
	c := &Compiler{asm: asm, regs: NewRegCache(asm), mem: mem, cfg: cfg}

	c.emitPrologue()

	instrCount := 0
	for {
		word, _, err := mem.ReadChecked(pc, 4, memory.Execute)
		if err != nil {
			c.emitExitImm(ExitUnsupportedInstruction, pc)
			break
		}
		inst := decoder.Decode(le32(word))
		terminal := c.compileInstruction(pc, inst)
		instrCount++
		c.regs.EndInstruction()
		if terminal || c.cfg.SingleStep {
			if !terminal {
				c.regs.FlushAll()
				c.emitExitImm(ExitSingleStep, pc+4)
			}
			break
		}
		pc += 4
	}

	return asm.Offset(), instrCount, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (c *Compiler) emitPrologue() {
	c.asm.Push(RBX)
	c.asm.Push(R12)
	c.asm.Push(R13)
	c.asm.Push(R14)
	c.asm.Push(R15)
	c.asm.Push(RBP)
}

func (c *Compiler) emitEpilogueTail() {
	c.asm.Pop(RBP)
	c.asm.Pop(R15)
	c.asm.Pop(R14)
	c.asm.Pop(R13)
	c.asm.Pop(R12)
	c.asm.Pop(RBX)
	c.asm.Ret()
}

// emitExitImm flushes the register cache and returns (code, pc) as an
// immediate pair. Used for every terminator whose next PC is known at
// compile time.
func (c *Compiler) emitExitImm(code ExitCode, pc uint64) {
	c.regs.FlushAll()
	c.asm.MovRegImm64(RAX, uint64(code))
	c.asm.MovRegImm64(RDX, pc)
	c.emitEpilogueTail()
}

// emitExitReg is like emitExitImm but the next-PC value is already sitting
// in a host register. Nothing in this package calls it: emitDynamicJump
// emits its exits inline and branches use emitExitImm.
func (c *Compiler) emitExitReg(code ExitCode, pcReg Reg) {
	c.regs.FlushAll()
	if pcReg != RDX {
		c.asm.MovRegReg(RDX, pcReg)
	}
	c.asm.MovRegImm64(RAX, uint64(code))
	c.emitEpilogueTail()
}

// patchNear patches a 4-byte near-jump displacement at offset (the
// instruction's opcode bytes precede it; see the Jxx Near helpers in the
// assembler, all of which are 6 bytes: 2-byte opcode + rel32).
func (c *Compiler) patchNear(offset int) {
	target := c.asm.Offset()
	rel := int32(target - (offset + 6))
	buf := c.asm.Bytes()
	buf[offset+2] = byte(rel)
	buf[offset+3] = byte(rel >> 8)
	buf[offset+4] = byte(rel >> 16)
	buf[offset+5] = byte(rel >> 24)
}

// patchJmp5 patches a 5-byte JmpRel32 (opcode + imm32) emitted at offset to
// land at target, which — unlike patchNear — may already be known rather
// than being "right here."
func (c *Compiler) patchJmp5(offset, target int) {
	rel := int32(target - (offset + 5))
	buf := c.asm.Bytes()
	buf[offset+1] = byte(rel)
	buf[offset+2] = byte(rel >> 8)
	buf[offset+3] = byte(rel >> 16)
	buf[offset+4] = byte(rel >> 24)
}
