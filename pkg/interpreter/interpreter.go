// Package interpreter implements the reference single-step semantics for
// RV64IM: the always-available fallback the JIT delegates to for anything
// it does not handle inline.
package interpreter

import (
	"math/bits"

	"rv64emu/pkg/cpu"
	"rv64emu/pkg/decoder"
	"rv64emu/pkg/exit"
	"rv64emu/pkg/memory"
)

// Step executes exactly one guest instruction at cpu.PC against mem,
// returning Ok(exit.None) on ordinary advancement or a populated exit
// record on any terminal condition (fault, undefined opcode, ecall,
// ebreak).
func Step(mem *memory.Memory, c *cpu.State) exit.Record {
	pc := c.PC
	if pc&3 != 0 {
		return exit.Simple(exit.UnalignedPc, pc)
	}

	raw, faulty, err := mem.ReadChecked(pc, 4, memory.Execute)
	if err != nil {
		return exit.Fault(exit.InstructionFetchFault, pc, faulty, exit.NoRegister)
	}
	word := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24

	inst := decoder.Decode(word)
	if inst.Op == decoder.Undefined {
		return exit.Simple(exit.UndefinedInstruction, pc)
	}

	nextPC := pc + 4
	rec, handled := execute(mem, c, pc, inst, &nextPC)
	if handled {
		return rec
	}
	c.PC = nextPC
	return exit.Record{Reason: exit.None, PC: nextPC, TargetRegister: exit.NoRegister}
}

// execute runs the semantics of inst. It returns (record, true) for a
// terminal exit, or (zero, false) on ordinary completion with *nextPC set
// to the instruction's control-flow target (pc+4 unless overwritten).
func execute(mem *memory.Memory, c *cpu.State, pc uint64, inst decoder.Instruction, nextPC *uint64) (exit.Record, bool) {
	rs1 := int64(c.ReadReg(inst.Rs1))
	rs2 := int64(c.ReadReg(inst.Rs2))
	u1 := uint64(rs1)
	u2 := uint64(rs2)

	switch inst.Op {
	case decoder.Lui:
		c.WriteReg(inst.Rd, uint64(inst.Imm))
	case decoder.Auipc:
		c.WriteReg(inst.Rd, pc+uint64(inst.Imm))

	case decoder.Jal:
		target := pc + uint64(inst.Imm)
		c.WriteReg(inst.Rd, pc+4)
		*nextPC = target
	case decoder.Jalr:
		target := (u1 + uint64(inst.Imm)) &^ 1
		c.WriteReg(inst.Rd, pc+4)
		*nextPC = target

	case decoder.Beq:
		if u1 == u2 {
			*nextPC = pc + uint64(inst.Imm)
		}
	case decoder.Bne:
		if u1 != u2 {
			*nextPC = pc + uint64(inst.Imm)
		}
	case decoder.Blt:
		if rs1 < rs2 {
			*nextPC = pc + uint64(inst.Imm)
		}
	case decoder.Bge:
		if rs1 >= rs2 {
			*nextPC = pc + uint64(inst.Imm)
		}
	case decoder.Bltu:
		if u1 < u2 {
			*nextPC = pc + uint64(inst.Imm)
		}
	case decoder.Bgeu:
		if u1 >= u2 {
			*nextPC = pc + uint64(inst.Imm)
		}

	case decoder.Lb, decoder.Lh, decoder.Lw, decoder.Ld, decoder.Lbu, decoder.Lhu, decoder.Lwu:
		return load(mem, c, pc, inst, u1)

	case decoder.Sb, decoder.Sh, decoder.Sw, decoder.Sd:
		return store(mem, c, pc, inst, u1, u2)

	case decoder.Addi:
		c.WriteReg(inst.Rd, uint64(rs1+inst.Imm))
	case decoder.Slti:
		c.WriteReg(inst.Rd, boolToReg(rs1 < inst.Imm))
	case decoder.Sltiu:
		c.WriteReg(inst.Rd, boolToReg(u1 < uint64(inst.Imm)))
	case decoder.Xori:
		c.WriteReg(inst.Rd, u1^uint64(inst.Imm))
	case decoder.Ori:
		c.WriteReg(inst.Rd, u1|uint64(inst.Imm))
	case decoder.Andi:
		c.WriteReg(inst.Rd, u1&uint64(inst.Imm))
	case decoder.Slli:
		c.WriteReg(inst.Rd, u1<<(uint64(inst.Shamt)&0x3F))
	case decoder.Srli:
		c.WriteReg(inst.Rd, u1>>(uint64(inst.Shamt)&0x3F))
	case decoder.Srai:
		c.WriteReg(inst.Rd, uint64(rs1>>(uint64(inst.Shamt)&0x3F)))

	case decoder.Addiw:
		c.WriteReg(inst.Rd, signExtend32(int32(rs1)+int32(inst.Imm)))
	case decoder.Slliw:
		c.WriteReg(inst.Rd, signExtend32(int32(uint32(rs1)<<(inst.Shamt&0x1F))))
	case decoder.Srliw:
		c.WriteReg(inst.Rd, signExtend32(int32(uint32(rs1)>>(inst.Shamt&0x1F))))
	case decoder.Sraiw:
		c.WriteReg(inst.Rd, signExtend32(int32(rs1)>>(inst.Shamt&0x1F)))

	case decoder.Add:
		c.WriteReg(inst.Rd, u1+u2)
	case decoder.Sub:
		c.WriteReg(inst.Rd, u1-u2)
	case decoder.Sll:
		c.WriteReg(inst.Rd, u1<<(u2&0x3F))
	case decoder.Slt:
		c.WriteReg(inst.Rd, boolToReg(rs1 < rs2))
	case decoder.Sltu:
		c.WriteReg(inst.Rd, boolToReg(u1 < u2))
	case decoder.Xor:
		c.WriteReg(inst.Rd, u1^u2)
	case decoder.Srl:
		c.WriteReg(inst.Rd, u1>>(u2&0x3F))
	case decoder.Sra:
		c.WriteReg(inst.Rd, uint64(rs1>>(u2&0x3F)))
	case decoder.Or:
		c.WriteReg(inst.Rd, u1|u2)
	case decoder.And:
		c.WriteReg(inst.Rd, u1&u2)

	case decoder.Addw:
		c.WriteReg(inst.Rd, signExtend32(int32(rs1)+int32(rs2)))
	case decoder.Subw:
		c.WriteReg(inst.Rd, signExtend32(int32(rs1)-int32(rs2)))
	case decoder.Sllw:
		c.WriteReg(inst.Rd, signExtend32(int32(uint32(rs1)<<(uint32(rs2)&0x1F))))
	case decoder.Srlw:
		c.WriteReg(inst.Rd, signExtend32(int32(uint32(rs1)>>(uint32(rs2)&0x1F))))
	case decoder.Sraw:
		c.WriteReg(inst.Rd, signExtend32(int32(rs1)>>(uint32(rs2)&0x1F)))

	case decoder.Mul:
		c.WriteReg(inst.Rd, u1*u2)
	case decoder.Mulh:
		c.WriteReg(inst.Rd, uint64(mulhSigned(rs1, rs2)))
	case decoder.Mulhsu:
		c.WriteReg(inst.Rd, uint64(mulhSignedUnsigned(rs1, u2)))
	case decoder.Mulhu:
		hi, _ := bits.Mul64(u1, u2)
		c.WriteReg(inst.Rd, hi)
	case decoder.Div:
		c.WriteReg(inst.Rd, uint64(divSigned(rs1, rs2)))
	case decoder.Divu:
		c.WriteReg(inst.Rd, divUnsigned(u1, u2))
	case decoder.Rem:
		c.WriteReg(inst.Rd, uint64(remSigned(rs1, rs2)))
	case decoder.Remu:
		c.WriteReg(inst.Rd, remUnsigned(u1, u2))

	case decoder.Mulw:
		c.WriteReg(inst.Rd, signExtend32(int32(rs1)*int32(rs2)))
	case decoder.Divw:
		c.WriteReg(inst.Rd, signExtend32(divSigned32(int32(rs1), int32(rs2))))
	case decoder.Divuw:
		c.WriteReg(inst.Rd, signExtend32(int32(divUnsigned32(uint32(rs1), uint32(rs2)))))
	case decoder.Remw:
		c.WriteReg(inst.Rd, signExtend32(remSigned32(int32(rs1), int32(rs2))))
	case decoder.Remuw:
		c.WriteReg(inst.Rd, signExtend32(int32(remUnsigned32(uint32(rs1), uint32(rs2)))))

	case decoder.Fence:
		// no-op at execution time regardless of predecessor/successor bits

	case decoder.Ecall:
		return exit.Simple(exit.Ecall, pc), true
	case decoder.Ebreak:
		return exit.Simple(exit.Ebreak, pc), true
	}

	return exit.Record{}, false
}

func load(mem *memory.Memory, c *cpu.State, pc uint64, inst decoder.Instruction, base uint64) (exit.Record, bool) {
	addr := base + uint64(inst.Imm)
	var width uint64
	switch inst.Op {
	case decoder.Lb, decoder.Lbu:
		width = 1
	case decoder.Lh, decoder.Lhu:
		width = 2
	case decoder.Lw, decoder.Lwu:
		width = 4
	case decoder.Ld:
		width = 8
	}
	data, faulty, err := mem.ReadChecked(addr, width, memory.Read)
	if err != nil {
		return exit.Fault(exit.MemoryReadFault, pc, faulty, exit.RegisterID(inst.Rd)), true
	}
	var v uint64
	switch inst.Op {
	case decoder.Lb:
		v = uint64(int64(int8(data[0])))
	case decoder.Lbu:
		v = uint64(data[0])
	case decoder.Lh:
		v = uint64(int64(int16(le16(data))))
	case decoder.Lhu:
		v = uint64(le16(data))
	case decoder.Lw:
		v = uint64(int64(int32(le32(data))))
	case decoder.Lwu:
		v = uint64(le32(data))
	case decoder.Ld:
		v = le64(data)
	}
	c.WriteReg(inst.Rd, v)
	return exit.Record{}, false
}

func store(mem *memory.Memory, c *cpu.State, pc uint64, inst decoder.Instruction, base, value uint64) (exit.Record, bool) {
	addr := base + uint64(inst.Imm)
	var buf []byte
	switch inst.Op {
	case decoder.Sb:
		buf = []byte{byte(value)}
	case decoder.Sh:
		buf = putLE16(uint16(value))
	case decoder.Sw:
		buf = putLE32(uint32(value))
	case decoder.Sd:
		buf = putLE64(value)
	}
	if faulty, err := mem.WriteChecked(addr, buf, memory.Write); err != nil {
		return exit.Fault(exit.MemoryWriteFault, pc, faulty, exit.RegisterID(inst.Rs2)), true
	}
	return exit.Record{}, false
}

func boolToReg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func signExtend32(v int32) uint64 {
	return uint64(int64(v))
}

// --- M-extension numeric contract ---

func divSigned(a, b int64) int64 {
	if b == 0 {
		return -1
	}
	if a == -1<<63 && b == -1 {
		return a
	}
	return a / b
}

func remSigned(a, b int64) int64 {
	if b == 0 {
		return a
	}
	if a == -1<<63 && b == -1 {
		return 0
	}
	return a % b
}

func divUnsigned(a, b uint64) uint64 {
	if b == 0 {
		return ^uint64(0)
	}
	return a / b
}

func remUnsigned(a, b uint64) uint64 {
	if b == 0 {
		return a
	}
	return a % b
}

func divSigned32(a, b int32) int32 {
	if b == 0 {
		return -1
	}
	if a == -1<<31 && b == -1 {
		return a
	}
	return a / b
}

func remSigned32(a, b int32) int32 {
	if b == 0 {
		return a
	}
	if a == -1<<31 && b == -1 {
		return 0
	}
	return a % b
}

func divUnsigned32(a, b uint32) uint32 {
	if b == 0 {
		return ^uint32(0)
	}
	return a / b
}

func remUnsigned32(a, b uint32) uint32 {
	if b == 0 {
		return a
	}
	return a % b
}

// mulhSigned returns the high 64 bits of the full 128-bit signed product of
// a and b, via an unsigned 128-bit multiply with sign correction. The JIT
// does not compile mulh; it falls back to this interpreter for it.
func mulhSigned(a, b int64) int64 {
	hi, _ := bits.Mul64(uint64(a), uint64(b))
	res := int64(hi)
	if a < 0 {
		res -= b
	}
	if b < 0 {
		res -= a
	}
	return res
}

// mulhSignedUnsigned returns the high 64 bits of the signed*unsigned
// product of a (signed) and b (unsigned).
func mulhSignedUnsigned(a int64, b uint64) int64 {
	hi, _ := bits.Mul64(uint64(a), b)
	res := int64(hi)
	if a < 0 {
		res -= int64(b)
	}
	return res
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func le64(b []byte) uint64 {
	return uint64(le32(b[0:4])) | uint64(le32(b[4:8]))<<32
}

func putLE16(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }
func putLE32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}
func putLE64(v uint64) []byte {
	return append(putLE32(uint32(v)), putLE32(uint32(v>>32))...)
}
