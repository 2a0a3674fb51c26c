package cpu

import "testing"

func TestZeroRegisterIsHardwired(t *testing.T) {
	var s State
	s.WriteReg(0, 0xdeadbeef)
	if got := s.ReadReg(0); got != 0 {
		t.Errorf("ReadReg(0) = %#x after WriteReg(0, ...), want 0", got)
	}
	if s.X[0] != 0 {
		t.Errorf("X[0] = %#x, want 0 (write must be dropped, not just masked on read)", s.X[0])
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	var s State
	for r := 1; r < NumRegisters; r++ {
		s.WriteReg(r, uint64(r)*0x1111)
	}
	for r := 1; r < NumRegisters; r++ {
		want := uint64(r) * 0x1111
		if got := s.ReadReg(r); got != want {
			t.Errorf("ReadReg(%d) = %#x, want %#x", r, got, want)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := &State{PC: 0x1000}
	s.WriteReg(5, 42)

	clone := s.Clone()
	clone.WriteReg(5, 99)
	clone.PC = 0x2000

	if got := s.ReadReg(5); got != 42 {
		t.Errorf("original register mutated through clone: got %d, want 42", got)
	}
	if s.PC != 0x1000 {
		t.Errorf("original PC mutated through clone: got %#x, want %#x", s.PC, 0x1000)
	}
}
