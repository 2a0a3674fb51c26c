package amd64

import "sort"

// RegCache tracks which guest registers currently live in which host
// registers for the block being compiled, generalizing the teacher's fixed
// PVM-register-to-x86-register table into a dynamic LRU-managed cache: RV64
// has 32 architectural registers and only six spare callee-saved host
// registers, so a static mapping can't cover the working set of a typical
// block.
type RegCache struct {
	asm *Assembler

	hostToGuest map[Reg]int // host register -> guest register index it holds, or -1 if free
	guestToHost map[int]Reg // guest register index -> host register, absent if spilled
	dirty       map[int]bool
	pinned      map[Reg]bool // registers an in-progress instruction has already read; never evicted mid-instruction
	lru         []Reg        // least-recently-used first
}

// NewRegCache creates an empty cache over the fixed host register pool.
func NewRegCache(asm *Assembler) *RegCache {
	c := &RegCache{
		asm:         asm,
		hostToGuest: make(map[Reg]int, len(hostPool)),
		guestToHost: make(map[int]Reg, len(hostPool)),
		dirty:       make(map[int]bool, len(hostPool)),
		pinned:      make(map[Reg]bool, len(hostPool)),
	}
	for _, r := range hostPool {
		c.hostToGuest[r] = -1
		c.lru = append(c.lru, r)
	}
	return c
}

func (c *RegCache) touch(r Reg) {
	for i, h := range c.lru {
		if h == r {
			c.lru = append(c.lru[:i], c.lru[i+1:]...)
			break
		}
	}
	c.lru = append(c.lru, r)
}

// Get returns a host register holding guest register g's current value,
// loading it from State if it isn't already cached. x0 is not cached: it
// is always materialized as zero via xor.
func (c *RegCache) Get(g int) Reg {
	if g == 0 {
		c.asm.XorRegReg(Scratch1, Scratch1)
		return Scratch1
	}
	if h, ok := c.guestToHost[g]; ok {
		c.touch(h)
		c.pinned[h] = true
		return h
	}
	h := c.allocate(g)
	c.asm.MovRegMem64(h, StateReg, int32(OffsetX+g*8))
	c.guestToHost[g] = h
	c.hostToGuest[h] = g
	c.touch(h)
	c.pinned[h] = true
	return h
}

// Bind reserves a host register to receive a freshly computed value for
// guest register g, marking it dirty without reloading from State. Used
// by codegen right before it writes the instruction's result.
func (c *RegCache) Bind(g int) Reg {
	if g == 0 {
		return Scratch1 // writes to x0 are computed but discarded by the caller
	}
	if h, ok := c.guestToHost[g]; ok {
		c.touch(h)
		c.dirty[g] = true
		c.pinned[h] = true
		return h
	}
	h := c.allocate(g)
	c.guestToHost[g] = h
	c.hostToGuest[h] = g
	c.dirty[g] = true
	c.touch(h)
	c.pinned[h] = true
	return h
}

// allocate picks a host register for a new binding, evicting the least
// recently used unpinned occupant (flushing it first if dirty). A register
// an in-progress instruction has already read via Get is pinned so Bind
// cannot steal it out from under that same instruction.
func (c *RegCache) allocate(g int) Reg {
	for _, h := range c.lru {
		if c.hostToGuest[h] == -1 {
			return h
		}
	}
	for _, h := range c.lru {
		if !c.pinned[h] {
			c.evict(h)
			return h
		}
	}
	// Every slot is pinned by the current instruction (at most 2 source
	// registers plus a destination can be live at once, well under the
	// pool size), so this is unreachable in practice.
	victim := c.lru[0]
	c.evict(victim)
	return victim
}

// EndInstruction clears pins, making every cached register eligible for
// eviction again. Called by the compiler after each instruction.
func (c *RegCache) EndInstruction() {
	for h := range c.pinned {
		delete(c.pinned, h)
	}
}

func (c *RegCache) evict(h Reg) {
	g := c.hostToGuest[h]
	if g == -1 {
		return
	}
	if c.dirty[g] {
		c.asm.MovMemReg64(StateReg, int32(OffsetX+g*8), h)
		delete(c.dirty, g)
	}
	delete(c.guestToHost, g)
	c.hostToGuest[h] = -1
}

// FlushAll writes every dirty cached register back to State. Required
// before any exit point, since the interpreter fallback and the trampoline
// caller only ever observe State. Dirty marks are kept, so each later exit
// on another code path of the block stores the same registers again.
//
// Dirty guest indices are flushed in sorted order rather than Go's
// randomized map iteration order, so CompileBlock produces byte-identical
// output across runs for the same guest PC.
func (c *RegCache) FlushAll() {
	guests := make([]int, 0, len(c.dirty))
	for g, isDirty := range c.dirty {
		if isDirty {
			guests = append(guests, g)
		}
	}
	sort.Ints(guests)
	for _, g := range guests {
		h := c.guestToHost[g]
		c.asm.MovMemReg64(StateReg, int32(OffsetX+g*8), h)
	}
}

// InvalidateAll drops every cached binding without flushing. CompileBlock
// does not call it: each block is compiled with a fresh RegCache.
func (c *RegCache) InvalidateAll() {
	for _, h := range hostPool {
		c.hostToGuest[h] = -1
	}
	c.guestToHost = make(map[int]Reg, len(hostPool))
	c.dirty = make(map[int]bool, len(hostPool))
	c.lru = c.lru[:0]
	c.lru = append(c.lru, hostPool...)
}
