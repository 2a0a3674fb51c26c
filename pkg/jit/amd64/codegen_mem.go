//go:build linux && amd64

package amd64

import (
	"rv64emu/pkg/decoder"
	"rv64emu/pkg/memory"
)

func widthOf(op decoder.Op) int32 {
	switch op {
	case decoder.Lb, decoder.Lbu, decoder.Sb:
		return 1
	case decoder.Lh, decoder.Lhu, decoder.Sh:
		return 2
	case decoder.Lw, decoder.Lwu, decoder.Sw:
		return 4
	default: // Ld, Sd
		return 8
	}
}

// emitMemoryGuard inlines the bounds and (unless configured off) permission
// checks a hardware-protected guest would get for free. It leaves addrReg
// untouched; on any failure it flushes the register cache and exits with a
// generic fault, exactly as the interpreter would report it before the
// executor's one-instruction fallback recovers the precise detail.
//
// Data accesses are not alignment-checked here, matching the interpreter
// (see pkg/interpreter), which never enforces data alignment — only
// instruction fetch does. Enforcing it only in the JIT would make a
// misaligned load/store fault under the JIT and succeed under the
// interpreter fallback it delegates to, breaking their required
// equivalence.
func (c *Compiler) emitMemoryGuard(addrReg Reg, width int32, write bool, pc uint64) {
	faultCode := ExitMemoryReadFault
	if write {
		faultCode = ExitMemoryWriteFault
	}

	c.asm.MovRegReg(Scratch7, addrReg)
	c.asm.AddRegImm32(Scratch7, width)
	c.asm.MovRegMem64(Scratch4, StateReg, OffsetMemSize)
	c.asm.CmpRegReg(Scratch7, Scratch4)
	boundsOK := c.asm.Offset()
	c.asm.JbeNear(0)
	c.emitExitImm(faultCode, pc)
	c.patchNear(boundsOK)

	if c.cfg.SkipPermissionChecks {
		return
	}

	required := memory.Read
	if write {
		required = memory.Write
	}

	c.asm.MovRegMem64(Scratch4, StateReg, OffsetPermBase)
	c.asm.AddRegReg(Scratch4, addrReg)
	c.asm.MovRegMem8(Scratch1, Scratch4, 0)
	for i := int32(1); i < width; i++ {
		c.asm.MovRegMem8(Scratch2, Scratch4, i)
		c.asm.AndRegReg(Scratch1, Scratch2)
	}
	c.asm.AndRegImm32(Scratch1, int32(required))
	c.asm.CmpRegImm32(Scratch1, int32(required))
	permOK := c.asm.Offset()
	c.asm.JeNear(0)
	c.emitExitImm(faultCode, pc)
	c.patchNear(permOK)
}

func (c *Compiler) effectiveAddr(rs1 int, imm int64) Reg {
	base := c.regs.Get(rs1)
	c.asm.MovRegReg(Scratch6, base)
	c.asm.AddRegImm32(Scratch6, int32(imm))
	return Scratch6
}

func (c *Compiler) compileLoad(pc uint64, inst decoder.Instruction) {
	addr := c.effectiveAddr(inst.Rs1, inst.Imm)
	width := widthOf(inst.Op)
	c.emitMemoryGuard(addr, width, false, pc)

	ptr := Scratch5
	c.asm.MovRegMem64(ptr, StateReg, OffsetMemBase)
	c.asm.AddRegReg(ptr, addr)

	dst := c.regs.Bind(inst.Rd)
	switch inst.Op {
	case decoder.Lb:
		c.asm.MovRegMem8Signed(dst, ptr, 0)
	case decoder.Lbu:
		c.asm.MovRegMem8(dst, ptr, 0)
	case decoder.Lh:
		c.asm.MovRegMem16Signed(dst, ptr, 0)
	case decoder.Lhu:
		c.asm.MovRegMem16(dst, ptr, 0)
	case decoder.Lw:
		c.asm.MovRegMem32Signed(dst, ptr, 0)
	case decoder.Lwu:
		c.asm.MovRegMem32(dst, ptr, 0)
	case decoder.Ld:
		c.asm.MovRegMem64(dst, ptr, 0)
	}
}

func (c *Compiler) compileStore(pc uint64, inst decoder.Instruction) {
	addr := c.effectiveAddr(inst.Rs1, inst.Imm)
	width := widthOf(inst.Op)
	c.emitMemoryGuard(addr, width, true, pc)
	// Fetched after the guard, which clobbers Scratch1 (where x0 is
	// materialized).
	value := c.regs.Get(inst.Rs2)

	ptr := Scratch5
	c.asm.MovRegMem64(ptr, StateReg, OffsetMemBase)
	c.asm.AddRegReg(ptr, addr)

	switch inst.Op {
	case decoder.Sb:
		c.asm.MovMem8Reg(ptr, 0, value)
	case decoder.Sh:
		c.asm.MovMem16Reg(ptr, 0, value)
	case decoder.Sw:
		c.asm.MovMem32Reg(ptr, 0, value)
	case decoder.Sd:
		c.asm.MovMemReg64(ptr, 0, value)
	}
}
