//go:build linux && amd64

package amd64

import "rv64emu/pkg/decoder"

// compileInstruction emits code for one decoded instruction at pc and
// reports whether it terminates the block.
func (c *Compiler) compileInstruction(pc uint64, inst decoder.Instruction) bool {
	switch inst.Op {
	case decoder.Undefined:
		c.emitExitImm(ExitUndefinedInstruction, pc)
		return true

	case decoder.Lui:
		dst := c.regs.Bind(inst.Rd)
		c.asm.MovRegImm64(dst, uint64(inst.Imm))
		return false

	case decoder.Auipc:
		dst := c.regs.Bind(inst.Rd)
		c.asm.MovRegImm64(dst, pc+uint64(inst.Imm))
		return false

	case decoder.Jal:
		target := pc + uint64(inst.Imm)
		if inst.Rd != 0 {
			link := c.regs.Bind(inst.Rd)
			c.asm.MovRegImm64(link, pc+4)
		}
		c.emitStaticJump(target)
		return true

	case decoder.Jalr:
		base := c.regs.Get(inst.Rs1)
		target := Scratch6
		c.asm.MovRegReg(target, base)
		c.asm.AddRegImm32(target, int32(inst.Imm))
		c.asm.MovRegImm64(Scratch7, ^uint64(1))
		c.asm.AndRegReg(target, Scratch7)
		if inst.Rd != 0 {
			link := c.regs.Bind(inst.Rd)
			c.asm.MovRegImm64(link, pc+4)
		}
		c.emitDynamicJump(target)
		return true

	case decoder.Beq, decoder.Bne, decoder.Blt, decoder.Bge, decoder.Bltu, decoder.Bgeu:
		c.compileBranch(pc, inst)
		return true

	case decoder.Lb, decoder.Lbu, decoder.Lh, decoder.Lhu, decoder.Lw, decoder.Lwu, decoder.Ld:
		c.compileLoad(pc, inst)
		return false

	case decoder.Sb, decoder.Sh, decoder.Sw, decoder.Sd:
		c.compileStore(pc, inst)
		return false

	case decoder.Addi, decoder.Slti, decoder.Sltiu, decoder.Xori, decoder.Ori, decoder.Andi,
		decoder.Slli, decoder.Srli, decoder.Srai:
		c.compileOpImm(inst)
		return false

	case decoder.Addiw, decoder.Slliw, decoder.Srliw, decoder.Sraiw:
		c.compileOpImm32(inst)
		return false

	case decoder.Add, decoder.Sub, decoder.Sll, decoder.Slt, decoder.Sltu, decoder.Xor,
		decoder.Srl, decoder.Sra, decoder.Or, decoder.And:
		c.compileOp(inst)
		return false

	case decoder.Addw, decoder.Subw, decoder.Sllw, decoder.Srlw, decoder.Sraw:
		c.compileOp32(inst)
		return false

	case decoder.Mul, decoder.Div, decoder.Divu, decoder.Rem, decoder.Remu:
		c.compileMulDiv(inst)
		return false

	case decoder.Mulw, decoder.Divw, decoder.Divuw, decoder.Remw, decoder.Remuw:
		c.compileMulDiv32(inst)
		return false

	case decoder.Mulh, decoder.Mulhsu, decoder.Mulhu:
		// By design (see DESIGN.md Open Questions): the 128-bit-producing
		// high-half multiplies are left to the interpreter rather than
		// reproduced with x86's two-register mul/imul output convention.
		c.emitExitImm(ExitUnsupportedInstruction, pc)
		return true

	case decoder.Fence:
		return false

	case decoder.Ecall:
		c.emitExitImm(ExitEcall, pc)
		return true

	case decoder.Ebreak:
		c.emitExitImm(ExitEbreak, pc)
		return true

	default:
		c.emitExitImm(ExitUnsupportedInstruction, pc)
		return true
	}
}

func (c *Compiler) emitStaticJump(target uint64) {
	if target%blockAlign != 0 {
		c.emitExitImm(ExitUnalignedPc, target)
		return
	}
	if target/blockAlign >= c.cfg.MaxGuestPC/blockAlign {
		c.emitExitImm(ExitOutOfBoundsPc, target)
		return
	}
	c.emitExitImm(ExitBlockNotGenerated, target)
}

// emitDynamicJump is the jalr path: target is already computed (masked,
// not yet validated) in a register.
func (c *Compiler) emitDynamicJump(target Reg) {
	c.asm.TestRegReg(target, target) // cheap no-op placeholder for symmetry with static path
	c.regs.FlushAll()
	c.asm.MovRegReg(Scratch1, target)
	c.asm.AndRegImm32(Scratch1, blockAlign-1)
	c.asm.CmpRegImm32(Scratch1, 0)
	okAlign := c.asm.Offset()
	c.asm.JeNear(0)
	c.asm.MovRegImm64(RAX, uint64(ExitUnalignedPc))
	c.asm.MovRegReg(RDX, target)
	c.emitEpilogueTail()
	c.patchNear(okAlign)

	c.asm.MovRegImm64(Scratch2, c.cfg.MaxGuestPC)
	c.asm.CmpRegReg(target, Scratch2)
	okBound := c.asm.Offset()
	c.asm.JbNear(0)
	c.asm.MovRegImm64(RAX, uint64(ExitOutOfBoundsPc))
	c.asm.MovRegReg(RDX, target)
	c.emitEpilogueTail()
	c.patchNear(okBound)

	c.asm.MovRegImm64(RAX, uint64(ExitBlockNotGenerated))
	c.asm.MovRegReg(RDX, target)
	c.emitEpilogueTail()
}

func (c *Compiler) compileBranch(pc uint64, inst decoder.Instruction) {
	a := c.regs.Get(inst.Rs1)
	b := c.regs.Get(inst.Rs2)
	taken := pc + uint64(inst.Imm)
	fallthroughPC := pc + 4

	c.asm.CmpRegReg(a, b)
	takenOffset := c.asm.Offset()
	switch inst.Op {
	case decoder.Beq:
		c.asm.JeNear(0)
	case decoder.Bne:
		c.asm.JneNear(0)
	case decoder.Blt:
		c.asm.JlNear(0)
	case decoder.Bge:
		c.asm.JgeNear(0)
	case decoder.Bltu:
		c.asm.JbNear(0)
	case decoder.Bgeu:
		c.asm.JaeNear(0)
	}

	c.emitStaticJump(fallthroughPC)
	c.patchNear(takenOffset)
	c.emitStaticJump(taken)
}

func (c *Compiler) compileOpImm(inst decoder.Instruction) {
	src := c.regs.Get(inst.Rs1)
	dst := c.regs.Bind(inst.Rd)
	if dst != src {
		c.asm.MovRegReg(dst, src)
	}
	switch inst.Op {
	case decoder.Addi:
		c.asm.AddRegImm32(dst, int32(inst.Imm))
	case decoder.Slti:
		c.asm.CmpRegImm32(dst, int32(inst.Imm))
		c.asm.Setl(dst)
		c.asm.MovzxRegReg8(dst, dst)
	case decoder.Sltiu:
		c.asm.CmpRegImm32(dst, int32(inst.Imm))
		c.asm.Setb(dst)
		c.asm.MovzxRegReg8(dst, dst)
	case decoder.Xori:
		c.asm.XorRegImm32(dst, int32(inst.Imm))
	case decoder.Ori:
		c.asm.OrRegImm32(dst, int32(inst.Imm))
	case decoder.Andi:
		c.asm.AndRegImm32(dst, int32(inst.Imm))
	case decoder.Slli:
		c.asm.ShlRegImm8(dst, byte(inst.Shamt&0x3F))
	case decoder.Srli:
		c.asm.ShrRegImm8(dst, byte(inst.Shamt&0x3F))
	case decoder.Srai:
		c.asm.SarRegImm8(dst, byte(inst.Shamt&0x3F))
	}
}

func (c *Compiler) compileOpImm32(inst decoder.Instruction) {
	src := c.regs.Get(inst.Rs1)
	dst := c.regs.Bind(inst.Rd)
	if dst != src {
		c.asm.MovRegReg(dst, src)
	}
	switch inst.Op {
	case decoder.Addiw:
		c.asm.AddRegImm32(dst, int32(inst.Imm))
	case decoder.Slliw:
		c.asm.ShlRegImm8(dst, byte(inst.Shamt&0x1F))
	case decoder.Srliw:
		// Zero the upper 32 bits (no direct 32-bit-view AND-immediate
		// exists in this assembler) before the logical shift.
		c.asm.ShlRegImm8(dst, 32)
		c.asm.ShrRegImm8(dst, 32)
		c.asm.ShrRegImm8(dst, byte(inst.Shamt&0x1F))
	case decoder.Sraiw:
		c.asm.MovsxdRegReg(dst, dst)
		c.asm.SarRegImm8(dst, byte(inst.Shamt&0x1F))
	}
	c.asm.MovsxdRegReg(dst, dst)
}

func (c *Compiler) compileOp(inst decoder.Instruction) {
	a := c.regs.Get(inst.Rs1)
	b := c.regs.Get(inst.Rs2)
	dst := c.regs.Bind(inst.Rd)
	if dst != a {
		c.asm.MovRegReg(dst, a)
	}
	switch inst.Op {
	case decoder.Add:
		c.asm.AddRegReg(dst, b)
	case decoder.Sub:
		c.asm.SubRegReg(dst, b)
	case decoder.Xor:
		c.asm.XorRegReg(dst, b)
	case decoder.Or:
		c.asm.OrRegReg(dst, b)
	case decoder.And:
		c.asm.AndRegReg(dst, b)
	case decoder.Slt:
		c.asm.CmpRegReg(dst, b)
		c.asm.Setl(dst)
		c.asm.MovzxRegReg8(dst, dst)
	case decoder.Sltu:
		c.asm.CmpRegReg(dst, b)
		c.asm.Setb(dst)
		c.asm.MovzxRegReg8(dst, dst)
	case decoder.Sll, decoder.Srl, decoder.Sra:
		if b != RCX {
			c.asm.MovRegReg(RCX, b)
		}
		c.asm.AndRegImm32(RCX, 0x3F)
		switch inst.Op {
		case decoder.Sll:
			c.asm.ShlRegCL(dst)
		case decoder.Srl:
			c.asm.ShrRegCL(dst)
		case decoder.Sra:
			c.asm.SarRegCL(dst)
		}
	}
}

func (c *Compiler) compileOp32(inst decoder.Instruction) {
	a := c.regs.Get(inst.Rs1)
	b := c.regs.Get(inst.Rs2)
	dst := c.regs.Bind(inst.Rd)
	if dst != a {
		c.asm.MovRegReg(dst, a)
	}
	switch inst.Op {
	case decoder.Addw:
		c.asm.AddRegReg32(dst, b)
	case decoder.Subw:
		c.asm.SubRegReg32(dst, b)
	case decoder.Sllw, decoder.Srlw, decoder.Sraw:
		if b != RCX {
			c.asm.MovRegReg(RCX, b)
		}
		c.asm.AndRegImm32(RCX, 0x1F)
		switch inst.Op {
		case decoder.Sllw:
			c.asm.Shl32RegCL(dst)
		case decoder.Srlw:
			c.asm.Shr32RegCL(dst)
		case decoder.Sraw:
			c.asm.Sar32RegCL(dst)
		}
	}
	c.asm.MovsxdRegReg(dst, dst)
}

func (c *Compiler) compileMulDiv(inst decoder.Instruction) {
	a := c.regs.Get(inst.Rs1)
	b := c.regs.Get(inst.Rs2)
	dst := c.regs.Bind(inst.Rd)
	switch inst.Op {
	case decoder.Mul:
		if dst != a {
			c.asm.MovRegReg(dst, a)
		}
		c.asm.IMulRegReg(dst, b)
	case decoder.Div:
		c.emitDivRem(dst, a, b, true, false, false)
	case decoder.Divu:
		c.emitDivRem(dst, a, b, false, false, false)
	case decoder.Rem:
		c.emitDivRem(dst, a, b, true, true, false)
	case decoder.Remu:
		c.emitDivRem(dst, a, b, false, true, false)
	}
}

func (c *Compiler) compileMulDiv32(inst decoder.Instruction) {
	a := c.regs.Get(inst.Rs1)
	b := c.regs.Get(inst.Rs2)
	dst := c.regs.Bind(inst.Rd)
	switch inst.Op {
	case decoder.Mulw:
		if dst != a {
			c.asm.MovRegReg(dst, a)
		}
		c.asm.IMulRegReg32(dst, b)
		c.asm.MovsxdRegReg(dst, dst)
	case decoder.Divw:
		c.emitDivRem(dst, a, b, true, false, true)
	case decoder.Divuw:
		c.emitDivRem(dst, a, b, false, false, true)
	case decoder.Remw:
		c.emitDivRem(dst, a, b, true, true, true)
	case decoder.Remuw:
		c.emitDivRem(dst, a, b, false, true, true)
	}
}

// emitDivRem computes a quotient or remainder of a÷b, handling RISC-V's
// defined div-by-zero and signed-overflow (MinInt / -1) special cases
// before falling through to the x86 idiv/div instruction, which would
// otherwise raise a machine-level divide fault in exactly those two
// cases — unlike RISC-V, which defines a result instead of trapping.
func (c *Compiler) emitDivRem(dst, a, b Reg, signed, wantRemainder, is32 bool) {
	// Copy the divisor first: b may itself be RAX (x0 is materialized there).
	divisor := Scratch2
	c.asm.MovRegReg(divisor, b)
	c.asm.MovRegReg(RAX, a)
	if is32 {
		if signed {
			c.asm.MovsxdRegReg(RAX, RAX)
			c.asm.MovsxdRegReg(divisor, divisor)
		} else {
			c.asm.ShlRegImm8(RAX, 32)
			c.asm.ShrRegImm8(RAX, 32)
			c.asm.ShlRegImm8(divisor, 32)
			c.asm.ShrRegImm8(divisor, 32)
		}
	}

	var doneJumps []int

	c.asm.TestRegReg(divisor, divisor)
	toHardware1 := c.asm.Offset()
	c.asm.JneNear(0)
	if wantRemainder {
		if dst != RAX {
			c.asm.MovRegReg(dst, RAX)
		}
	} else {
		c.asm.MovRegImm64(dst, ^uint64(0))
	}
	doneJumps = append(doneJumps, c.asm.Offset())
	c.asm.JmpRel32(0)
	c.patchNear(toHardware1)

	if signed {
		minVal := int64(-1) << 63
		if is32 {
			minVal = int64(-1) << 31
		}
		c.asm.MovRegImm64(Scratch3, uint64(minVal))
		c.asm.CmpRegReg(RAX, Scratch3)
		toHardware2 := c.asm.Offset()
		c.asm.JneNear(0)
		c.asm.CmpRegImm32(divisor, -1)
		toHardware3 := c.asm.Offset()
		c.asm.JneNear(0)
		if wantRemainder {
			c.asm.XorRegReg(dst, dst)
		} else {
			c.asm.MovRegImm64(dst, uint64(minVal))
		}
		doneJumps = append(doneJumps, c.asm.Offset())
		c.asm.JmpRel32(0)
		c.patchNear(toHardware2)
		c.patchNear(toHardware3)
	}

	if signed {
		c.asm.Cqo()
		c.asm.IDiv(divisor)
	} else {
		c.asm.XorRegReg(RDX, RDX)
		c.asm.Div(divisor)
	}
	if wantRemainder {
		if dst != RDX {
			c.asm.MovRegReg(dst, RDX)
		}
	} else if dst != RAX {
		c.asm.MovRegReg(dst, RAX)
	}

	end := c.asm.Offset()
	for _, off := range doneJumps {
		c.patchJmp5(off, end)
	}
	if is32 {
		c.asm.MovsxdRegReg(dst, dst)
	}
}
