//go:build linux && amd64

// Package trampoline bridges the Go runtime into JIT-generated machine code
// and back. The call has no Go-visible stack frame on the far side: the
// generated block itself follows the System V AMD64 ABI, taking the state
// pointer in RDI and returning (exit reason, next PC) in RAX:RDX.
package trampoline

// CallJITCode transfers control to a compiled block at entryPoint, passing
// statePtr as its sole argument. The block runs to one of its exit points
// and returns the encoded exit reason and resume PC.
func CallJITCode(entryPoint uintptr, statePtr uintptr) (exitReason uint64, nextPC uint64)
