//go:build linux && amd64

package runtime

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rv64emu/pkg/cpu"
	"rv64emu/pkg/exit"
	"rv64emu/pkg/interpreter"
	"rv64emu/pkg/memory"
)

const (
	opOp      = 0b0110011
	opOpImm   = 0b0010011
	opLoad    = 0b0000011
	opStore   = 0b0100011
	opBranch  = 0b1100011
	opSystem  = 0b1110011
)

func encodeR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeI(imm int32, rs1, funct3, rd, opcode uint32) uint32 {
	return (uint32(imm)&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeS(rs1, rs2 uint32, imm int32, funct3 uint32) uint32 {
	u := uint32(imm)
	lo := u & 0x1F
	hi := (u >> 5) & 0x7F
	return hi<<25 | rs2<<20 | rs1<<15 | funct3<<12 | lo<<7 | opStore
}

func encodeBne(rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	bit11 := (u >> 11) & 1
	bit4_1 := (u >> 1) & 0xF
	bit10_5 := (u >> 5) & 0x3F
	bit12 := (u >> 12) & 1
	return bit12<<31 | bit10_5<<25 | rs2<<20 | rs1<<15 | 0b001<<12 | bit4_1<<8 | bit11<<7 | opBranch
}

func encodeSystem(imm uint32) uint32 {
	return (imm & 0xFFF) << 20 | opSystem
}

func le32bytes(w uint32) []byte {
	return []byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)}
}

func newProgramMem(t *testing.T, size uint64, words ...uint32) *memory.Memory {
	t.Helper()
	mem := memory.New(size)
	if err := mem.SetPermissions(0, size, memory.Read|memory.Write|memory.Execute); err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
	for i, w := range words {
		if err := mem.Write(uint64(i)*4, le32bytes(w)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	return mem
}

// runBothEngines executes the same program from identical initial states
// through the JIT-backed executor and the plain interpreter, over separate
// memory copies so neither run can observe the other's side effects.
func runBothEngines(t *testing.T, words []uint32, initial cpu.State) (exit.Record, *cpu.State, exit.Record, *cpu.State) {
	t.Helper()
	const memSize = 64 * 1024

	jitMem := newProgramMem(t, memSize, words...)
	exec, err := New(jitMem, Config{CodeBufferSize: 64 * 1024, MaxGuestPC: memSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = exec.Close() }()

	jitState := initial
	jitRec, err := exec.Run(context.Background(), &jitState)
	if err != nil {
		t.Fatalf("Executor.Run: %v", err)
	}

	interpMem := newProgramMem(t, memSize, words...)
	interpState := initial
	var interpRec exit.Record
	for i := 0; i < 100000; i++ {
		interpRec = interpreter.Step(interpMem, &interpState)
		if interpRec.Reason != exit.None {
			break
		}
	}

	return jitRec, &jitState, interpRec, &interpState
}

func TestExecutorMatchesInterpreterLoopSum(t *testing.T) {
	words := []uint32{
		encodeI(1, 1, 0b000, 1, opOpImm),  // addi x1, x1, 1
		encodeI(-1, 2, 0b000, 2, opOpImm), // addi x2, x2, -1
		encodeBne(2, 0, -8),               // bne x2, x0, -8
		encodeSystem(0),                   // ecall
	}
	initial := cpu.State{}
	initial.WriteReg(2, 5)

	jitRec, jitState, interpRec, interpState := runBothEngines(t, words, initial)

	if diff := cmp.Diff(interpRec, jitRec); diff != "" {
		t.Errorf("exit record mismatch (-interpreter +jit):\n%s", diff)
	}
	if diff := cmp.Diff(interpState, jitState); diff != "" {
		t.Errorf("final state mismatch (-interpreter +jit):\n%s", diff)
	}
	if jitState.ReadReg(1) != 5 {
		t.Errorf("x1 = %d, want 5", jitState.ReadReg(1))
	}
}

func TestExecutorMatchesInterpreterDivByZero(t *testing.T) {
	words := []uint32{
		encodeI(10, 0, 0b000, 1, opOpImm),        // addi x1, x0, 10
		encodeR(0b0000001, 0, 1, 0b100, 3, opOp), // div x3, x1, x0
		encodeSystem(0),
	}
	jitRec, jitState, interpRec, interpState := runBothEngines(t, words, cpu.State{})

	if diff := cmp.Diff(interpRec, jitRec); diff != "" {
		t.Errorf("exit record mismatch (-interpreter +jit):\n%s", diff)
	}
	if diff := cmp.Diff(interpState, jitState); diff != "" {
		t.Errorf("final state mismatch (-interpreter +jit):\n%s", diff)
	}
}

func TestExecutorMatchesInterpreterLoadStore(t *testing.T) {
	const dataAddr = 0x400
	words := []uint32{
		encodeI(1, 0, 0b000, 1, opOpImm),      // addi x1, x0, 1
		encodeI(dataAddr, 0, 0b000, 2, opOpImm), // addi x2, x0, dataAddr
		encodeS(2, 1, 0, 0b011),                // sd x1, 0(x2)
		encodeI(0, 2, 0b011, 3, opLoad),        // ld x3, 0(x2)
		encodeSystem(0),
	}
	jitRec, jitState, interpRec, interpState := runBothEngines(t, words, cpu.State{})

	if diff := cmp.Diff(interpRec, jitRec); diff != "" {
		t.Errorf("exit record mismatch (-interpreter +jit):\n%s", diff)
	}
	if diff := cmp.Diff(interpState, jitState); diff != "" {
		t.Errorf("final state mismatch (-interpreter +jit):\n%s", diff)
	}
	if jitState.ReadReg(3) != 1 {
		t.Errorf("x3 = %d, want 1", jitState.ReadReg(3))
	}
}

// TestExecutorFallsBackForMulh exercises the one case compileInstruction
// refuses to generate directly (see pkg/jit/amd64's Mulh/Mulhsu/Mulhu
// handling): the executor must recover by falling back to the interpreter
// for that single instruction and then resume compiling normally.
func TestExecutorFallsBackForMulh(t *testing.T) {
	words := []uint32{
		encodeI(-1, 0, 0b000, 1, opOpImm),        // addi x1, x0, -1
		encodeI(-1, 0, 0b000, 2, opOpImm),        // addi x2, x0, -1
		encodeR(0b0000001, 2, 1, 0b001, 3, opOp), // mulh x3, x1, x2
		encodeSystem(0),
	}
	jitRec, jitState, interpRec, interpState := runBothEngines(t, words, cpu.State{})

	if diff := cmp.Diff(interpRec, jitRec); diff != "" {
		t.Errorf("exit record mismatch (-interpreter +jit):\n%s", diff)
	}
	if diff := cmp.Diff(interpState, jitState); diff != "" {
		t.Errorf("final state mismatch (-interpreter +jit):\n%s", diff)
	}
	// (-1)*(-1) = 1, whose high 64 bits are 0.
	if jitState.ReadReg(3) != 0 {
		t.Errorf("x3 = %d, want 0", jitState.ReadReg(3))
	}
}

// TestExecutorReusesTranslationAcrossLoopIterations runs a tight loop whose
// body is a single block executed many times, relying on the translation
// cache rather than recompiling on every iteration. A broken cache (e.g. one
// that always missed) would still produce the correct answer but this also
// stands as a regression guard should a future change make Get/Insert
// disagree on key normalization.
func TestExecutorReusesTranslationAcrossLoopIterations(t *testing.T) {
	words := []uint32{
		encodeI(-1, 1, 0b000, 1, opOpImm), // addi x1, x1, -1
		encodeBne(1, 0, -4),               // bne x1, x0, -4
		encodeSystem(0),                   // ecall
	}
	initial := cpu.State{}
	initial.WriteReg(1, 1000)

	mem := newProgramMem(t, 64*1024, words...)
	exec, err := New(mem, Config{CodeBufferSize: 64 * 1024, MaxGuestPC: 64 * 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = exec.Close() }()

	state := initial
	rec, err := exec.Run(context.Background(), &state)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Reason != exit.Ecall {
		t.Fatalf("rec = %v, want Ecall", rec)
	}
	if state.ReadReg(1) != 0 {
		t.Errorf("x1 = %d, want 0", state.ReadReg(1))
	}
}

func TestExecutorRespectsContextCancellation(t *testing.T) {
	mem := newProgramMem(t, 4096, encodeI(0, 0, 0b000, 0, opOpImm)) // addi x0, x0, 0 (nop)
	exec, err := New(mem, Config{CodeBufferSize: 4096, MaxGuestPC: 4096})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = exec.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := cpu.State{}
	_, err = exec.Run(ctx, &state)
	if err == nil {
		t.Error("Run with an already-cancelled context returned nil error")
	}
}
