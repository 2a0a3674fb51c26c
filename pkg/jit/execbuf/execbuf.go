//go:build linux && amd64

// Package execbuf implements the host-OS-backed executable region the code
// generator writes into: a single RWX mmap with a bump-allocated,
// 16-byte-aligned cursor. It is not resizable; exhaustion is a fatal
// engineering error.
package execbuf

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"rv64emu/pkg/errors"
)

const alignment = 16

// Buffer is a bump-allocated region of executable memory.
type Buffer struct {
	mem  []byte
	used int
	mu   sync.Mutex
}

// New allocates size bytes of RWX memory via an anonymous mmap.
func New(size int) (*Buffer, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "execbuf: mmap failed")
	}
	// Reserve offset 0: the translation cache uses slot value 0 to mean
	// "absent", so no legitimate installation may land there.
	return &Buffer{mem: mem, used: alignment}, nil
}

// Insert writes code at the current bump cursor, advances it (aligned to
// 16 bytes), and returns the byte offset the write started at. Overflow is
// a programmer error: the executable region is fixed-size by design.
func (b *Buffer) Insert(code []byte) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := b.used
	end := offset + len(code)
	if end > len(b.mem) {
		errors.Fatal("execbuf: out of executable memory: need %d more bytes, have %d", end-len(b.mem), len(b.mem)-offset)
	}
	copy(b.mem[offset:end], code)
	b.used = align(end, alignment)
	return uint32(offset)
}

func align(v, to int) int {
	return (v + to - 1) &^ (to - 1)
}

// Address returns a pointer to the byte at offset within the buffer, valid
// for the buffer's lifetime.
func (b *Buffer) Address(offset uint32) uintptr {
	return uintptr(unsafe.Pointer(&b.mem[offset]))
}

// Base returns the buffer's base address.
func (b *Buffer) Base() uintptr {
	return uintptr(unsafe.Pointer(&b.mem[0]))
}

// Used reports how many bytes of the region have been committed.
func (b *Buffer) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Close releases the mapping.
func (b *Buffer) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}
