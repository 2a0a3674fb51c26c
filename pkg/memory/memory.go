// Package memory implements the guest's flat, byte-granular address space:
// a data buffer and a parallel permission buffer, both software-checked.
// This is the shared contract between the interpreter and the JIT.
package memory

import (
	"rv64emu/pkg/errors"
)

// Perm is a bitmask of the access classes a byte of guest memory may grant.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Execute
)

func (p Perm) Has(bit Perm) bool { return p&bit != 0 }

// Memory is a flat guest address space. It is not resizable after
// construction and does not assume any alignment of addr.
type Memory struct {
	data        []byte
	permissions []Perm
	size        uint64
}

// New allocates a guest memory of the given size, with all permissions
// clear; callers (typically the loader) grant regions explicitly via
// SetPermissions.
func New(size uint64) *Memory {
	return &Memory{
		data:        make([]byte, size),
		permissions: make([]Perm, size),
		size:        size,
	}
}

func (m *Memory) Size() uint64 { return m.size }

// inBounds reports whether [addr, addr+length) lies within the buffer,
// guarding against addr+length overflowing uint64.
func (m *Memory) inBounds(addr, length uint64) bool {
	if length == 0 {
		return addr <= m.size
	}
	end := addr + length
	if end < addr { // overflow
		return false
	}
	return end <= m.size
}

// Read copies length bytes starting at addr, bounds-checked only.
func (m *Memory) Read(addr, length uint64) ([]byte, error) {
	if !m.inBounds(addr, length) {
		return nil, errors.Newf("memory: read [%#x, %#x) out of bounds (size %#x)", addr, addr+length, m.size)
	}
	out := make([]byte, length)
	copy(out, m.data[addr:addr+length])
	return out, nil
}

// Write copies bytes into the buffer starting at addr, bounds-checked only.
func (m *Memory) Write(addr uint64, bytes []byte) error {
	length := uint64(len(bytes))
	if !m.inBounds(addr, length) {
		return errors.Newf("memory: write [%#x, %#x) out of bounds (size %#x)", addr, addr+length, m.size)
	}
	copy(m.data[addr:addr+length], bytes)
	return nil
}

// checkPermission returns the first address in [addr, addr+length) whose
// permission byte lacks any bit in required, or ok=true if none do.
func (m *Memory) checkPermission(addr, length uint64, required Perm) (faulty uint64, ok bool) {
	for i := uint64(0); i < length; i++ {
		if m.permissions[addr+i]&required != required {
			return addr + i, false
		}
	}
	return 0, true
}

// ReadChecked additionally requires every permission byte in the range to
// carry all bits in required.
func (m *Memory) ReadChecked(addr, length uint64, required Perm) ([]byte, uint64, error) {
	if !m.inBounds(addr, length) {
		return nil, addr, errors.Newf("memory: read [%#x, %#x) out of bounds (size %#x)", addr, addr+length, m.size)
	}
	if faulty, ok := m.checkPermission(addr, length, required); !ok {
		return nil, faulty, errors.Newf("memory: read at %#x missing permission %v", faulty, required)
	}
	out := make([]byte, length)
	copy(out, m.data[addr:addr+length])
	return out, 0, nil
}

// WriteChecked additionally requires every permission byte in the range to
// carry all bits in required.
func (m *Memory) WriteChecked(addr uint64, bytes []byte, required Perm) (uint64, error) {
	length := uint64(len(bytes))
	if !m.inBounds(addr, length) {
		return addr, errors.Newf("memory: write [%#x, %#x) out of bounds (size %#x)", addr, addr+length, m.size)
	}
	if faulty, ok := m.checkPermission(addr, length, required); !ok {
		return faulty, errors.Newf("memory: write at %#x missing permission %v", faulty, required)
	}
	copy(m.data[addr:addr+length], bytes)
	return 0, nil
}

// SetPermissions overwrites the permission byte for every address in range
// with exactly flags (not merged with the existing value).
func (m *Memory) SetPermissions(addr, length uint64, flags Perm) error {
	if !m.inBounds(addr, length) {
		return errors.Newf("memory: set-permissions [%#x, %#x) out of bounds (size %#x)", addr, addr+length, m.size)
	}
	for i := uint64(0); i < length; i++ {
		m.permissions[addr+i] = flags
	}
	return nil
}

// Permission returns the permission byte at addr, for callers (tests, the
// loader's tests) that need a single read.
func (m *Memory) Permission(addr uint64) Perm {
	if addr >= m.size {
		return 0
	}
	return m.permissions[addr]
}

// Bytes exposes the raw backing slice so the JIT can take its address for
// the memory_base used by inline generated accesses.

func (m *Memory) Bytes() []byte { return m.data }

// PermissionBytes exposes the raw permission buffer for the same reason
// Bytes does: the JIT needs its address for the permission-check codegen.
func (m *Memory) PermissionBytes() []Perm { return m.permissions }
