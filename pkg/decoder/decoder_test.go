package decoder

import "testing"

// encodeR builds an R-type word (register-register ops and the M extension).
func encodeR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

// encodeI builds an I-type word (loads, addi/slti/..., jalr).
func encodeI(imm uint32, rs1, funct3, rd, opcode uint32) uint32 {
	return (imm&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func TestDecodeAdd(t *testing.T) {
	// add x3, x1, x2
	word := encodeR(0b0000000, 2, 1, 0b000, 3, opcodeOp)
	inst := Decode(word)
	if inst.Op != Add || inst.Rd != 3 || inst.Rs1 != 1 || inst.Rs2 != 2 {
		t.Errorf("Decode(add x3,x1,x2) = %+v", inst)
	}
}

func TestDecodeSubDistinguishedByFunct7(t *testing.T) {
	word := encodeR(0b0100000, 2, 1, 0b000, 3, opcodeOp)
	inst := Decode(word)
	if inst.Op != Sub {
		t.Errorf("Decode(sub-shaped word) = %v, want Sub", inst.Op)
	}
}

func TestDecodeMulDivFromFunct7One(t *testing.T) {
	tests := []struct {
		funct3 uint32
		want   Op
	}{
		{0b000, Mul}, {0b001, Mulh}, {0b010, Mulhsu}, {0b011, Mulhu},
		{0b100, Div}, {0b101, Divu}, {0b110, Rem}, {0b111, Remu},
	}
	for _, tt := range tests {
		word := encodeR(0b0000001, 6, 5, tt.funct3, 7, opcodeOp)
		inst := Decode(word)
		if inst.Op != tt.want {
			t.Errorf("funct3=%03b decoded to %v, want %v", tt.funct3, inst.Op, tt.want)
		}
		if inst.Rd != 7 || inst.Rs1 != 5 || inst.Rs2 != 6 {
			t.Errorf("funct3=%03b register fields = %+v", tt.funct3, inst)
		}
	}
}

func TestDecodeAddiSignExtendsNegativeImmediate(t *testing.T) {
	// addi x1, x0, -1: imm field is all ones.
	word := encodeI(0xFFF, 0, 0b000, 1, opcodeOpImm)
	inst := Decode(word)
	if inst.Op != Addi {
		t.Fatalf("Decode = %v, want Addi", inst.Op)
	}
	if inst.Imm != -1 {
		t.Errorf("Imm = %d, want -1", inst.Imm)
	}
}

func TestDecodeSlliUsesSixBitShamtOnRV64(t *testing.T) {
	// slli x1, x1, 40: shamt needs the full 6-bit field, not RV32's 5-bit one.
	word := (uint32(0) << 26) | (uint32(40) << 20) | (1 << 15) | (0b001 << 12) | (1 << 7) | opcodeOpImm
	inst := Decode(word)
	if inst.Op != Slli {
		t.Fatalf("Decode = %v, want Slli", inst.Op)
	}
	if inst.Shamt != 40 {
		t.Errorf("Shamt = %d, want 40", inst.Shamt)
	}
}

func TestDecodeSrliVsSraiByTag(t *testing.T) {
	logical := (uint32(0b000000) << 26) | (5 << 20) | (1 << 15) | (0b101 << 12) | (1 << 7) | opcodeOpImm
	arith := (uint32(0b010000) << 26) | (5 << 20) | (1 << 15) | (0b101 << 12) | (1 << 7) | opcodeOpImm
	if inst := Decode(logical); inst.Op != Srli {
		t.Errorf("logical-tagged word decoded to %v, want Srli", inst.Op)
	}
	if inst := Decode(arith); inst.Op != Srai {
		t.Errorf("arithmetic-tagged word decoded to %v, want Srai", inst.Op)
	}
}

func TestDecodeSlliwRejectsNonzeroFunct7(t *testing.T) {
	// slliw with a bogus funct7 must decode Undefined, not silently accept it.
	word := (uint32(1) << 25) | (5 << 20) | (1 << 15) | (0b001 << 12) | (1 << 7) | opcodeOpImm32
	if inst := Decode(word); inst.Op != Undefined {
		t.Errorf("Decode(bad slliw) = %v, want Undefined", inst.Op)
	}
}

func TestDecodeEcallEbreak(t *testing.T) {
	if inst := Decode(encodeI(0, 0, 0, 0, opcodeSystem)); inst.Op != Ecall {
		t.Errorf("imm=0 decoded to %v, want Ecall", inst.Op)
	}
	if inst := Decode(encodeI(1, 0, 0, 0, opcodeSystem)); inst.Op != Ebreak {
		t.Errorf("imm=1 decoded to %v, want Ebreak", inst.Op)
	}
	if inst := Decode(encodeI(2, 0, 0, 0, opcodeSystem)); inst.Op != Undefined {
		t.Errorf("imm=2 decoded to %v, want Undefined", inst.Op)
	}
}

func TestDecodeJalImmediateSpansAndSignExtends(t *testing.T) {
	// jal x1, -2: encodes bit20..1 = all ones (bits [20|10:1|11|19:12] =
	// 1 1111111111 1 11111111 with the implicit bit 0 clear is offset -2).
	word := uint32(0)
	word |= 1 << 31       // bit20
	word |= 0x3FF << 21   // bit10_1
	word |= 1 << 20       // bit11
	word |= 0xFF << 12    // bit19_12
	word |= 1 << 7        // rd = 1
	word |= opcodeJal
	inst := Decode(word)
	if inst.Op != Jal || inst.Rd != 1 {
		t.Fatalf("Decode = %+v", inst)
	}
	if inst.Imm != -2 {
		t.Errorf("Imm = %d, want -2", inst.Imm)
	}
}

func TestDecodeUnknownOpcodeIsUndefined(t *testing.T) {
	if inst := Decode(0x7F); inst.Op != Undefined {
		t.Errorf("Decode(reserved opcode) = %v, want Undefined", inst.Op)
	}
}

func TestDecodeIsPure(t *testing.T) {
	word := encodeR(0b0000000, 2, 1, 0b000, 3, opcodeOp)
	first := Decode(word)
	second := Decode(word)
	if first != second {
		t.Errorf("Decode is not pure: %+v != %+v", first, second)
	}
}
