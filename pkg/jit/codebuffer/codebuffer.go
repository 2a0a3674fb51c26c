//go:build linux && amd64

// Package codebuffer implements the translation cache: a fixed-size array
// mapping guest PC to compiled host code offset, backed by an execbuf.Buffer.
// Generalizes the teacher's map[types.Register]*CompiledBlock runtime table
// (pkg/pvm/jit/runtime.go) into the array-indexed, release/acquire-published
// design this engine's memory model calls for: guest PCs are dense and
// bounded by the program's address space, so an array slot per 4-byte-aligned
// PC is both simpler and faster than a map, and supports safe concurrent
// publication without a reader-side lock.
package codebuffer

import (
	"sync"
	"sync/atomic"

	"rv64emu/pkg/errors"
	"rv64emu/pkg/jit/execbuf"
)

const blockAlign = 4

// Flags configure a Buffer's concurrency and permission-check behavior.
type Flags uint32

const (
	// Multithreaded enables release/acquire ordering on the translation
	// table's per-block offset slots for safe concurrent publish/lookup.
	// Without it, slot access is an ordinary load/store.
	Multithreaded Flags = 1 << iota
	// SkipPermissionChecks is accepted in Config.Flags but not read by the
	// Buffer; the code generator takes this setting from amd64.Config.
	SkipPermissionChecks
)

// Config sizes and configures a Buffer at construction.
type Config struct {
	Flags      Flags
	TotalSize  int
	MaxGuestPC uint64
}

// Buffer is the translation cache: a fixed-size slot array over an
// executable buffer. Slot 0 means "not yet translated"; a non-zero slot is
// a byte offset into the executable buffer's backing array. Once published,
// a slot is never overwritten or evicted for the Buffer's lifetime.
type Buffer struct {
	exec  *execbuf.Buffer
	slots []uint32
	mu    sync.Mutex
	mt    bool
}

// New allocates a translation cache sized for guest PCs up to cfg.MaxGuestPC
// and an executable region of cfg.TotalSize bytes.
func New(cfg Config) (*Buffer, error) {
	exec, err := execbuf.New(cfg.TotalSize)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		exec:  exec,
		slots: make([]uint32, cfg.MaxGuestPC/blockAlign+1),
		mt:    cfg.Flags&Multithreaded != 0,
	}, nil
}

func (b *Buffer) index(pc uint64) (int, bool) {
	if pc&(blockAlign-1) != 0 {
		return 0, false
	}
	idx := pc / blockAlign
	if idx >= uint64(len(b.slots)) {
		return 0, false
	}
	return int(idx), true
}

func (b *Buffer) load(idx int) uint32 {
	if b.mt {
		return atomic.LoadUint32(&b.slots[idx])
	}
	return b.slots[idx]
}

func (b *Buffer) store(idx int, v uint32) {
	if b.mt {
		atomic.StoreUint32(&b.slots[idx], v)
		return
	}
	b.slots[idx] = v
}

// Get reports the host code offset installed for guestPC, if any. It
// returns false for a misaligned or out-of-range PC, or one with no
// installed block yet.
func (b *Buffer) Get(guestPC uint64) (uint32, bool) {
	idx, ok := b.index(guestPC)
	if !ok {
		return 0, false
	}
	v := b.load(idx)
	return v, v != 0
}

// Insert installs code as the translation for guestPC and returns its host
// offset. If another goroutine already won the race to install this PC
// (only possible in Multithreaded mode, where insertion isn't otherwise
// serialized against lookup), the winner's offset is returned and code's
// bytes are discarded unpublished. Insert at a misaligned or out-of-range
// guestPC is a programmer error: the caller should have validated the PC
// before compiling a block for it.
func (b *Buffer) Insert(guestPC uint64, code []byte) uint32 {
	idx, ok := b.index(guestPC)
	if !ok {
		errors.Fatal("codebuffer: insert at unaligned or out-of-range guest pc %#x", guestPC)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if v := b.load(idx); v != 0 {
		return v
	}
	offset := b.exec.Insert(code)
	b.store(idx, offset)
	return offset
}

// InsertStandalone installs code (an out-of-line helper, for instance)
// without publishing it into the translation table. The trampoline is not
// installed this way: it is Go assembly linked into the binary.
func (b *Buffer) InsertStandalone(code []byte) uint32 {
	return b.exec.Insert(code)
}

// Base returns the executable buffer's base address. Generated code does
// not look up the translation table itself; the executor does, via Get.
func (b *Buffer) Base() uintptr {
	return b.exec.Base()
}

// Address returns the host address of the code installed at offset.
func (b *Buffer) Address(offset uint32) uintptr {
	return b.exec.Address(offset)
}

// Close releases the underlying executable mapping.
func (b *Buffer) Close() error {
	return b.exec.Close()
}
