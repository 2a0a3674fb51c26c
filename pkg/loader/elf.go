// Package loader parses an RV64 ELF executable and populates guest memory
// from its PT_LOAD segments, grounded on the teacher pack's ELF loader
// (syifan-m2sim2/loader/elf.go) adapted from AArch64 to RISC-V and from a
// Segment-list intermediate form to writing straight into an already
// allocated memory.Memory.
package loader

import (
	"debug/elf"
	"io"

	"rv64emu/pkg/errors"
	"rv64emu/pkg/memory"
)

const pageSize = 4096

// Image describes a loaded executable's placement in guest memory.
type Image struct {
	Base       uint64 // first loaded virtual address
	Size       uint64 // Base..Base+Size covers every PT_LOAD range, 4 KiB rounded
	EntryPoint uint64
}

// Load parses the ELF file at path, verifies it is a 64-bit little-endian
// RV64 executable, and writes every PT_LOAD segment's contents and
// permissions into mem.
func Load(path string, mem *memory.Memory) (Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return Image{}, errors.Wrap(err, "loader: opening ELF file")
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS64 {
		return Image{}, errors.Newf("loader: not a 64-bit ELF (class %v)", f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return Image{}, errors.Newf("loader: not little-endian (data %v)", f.Data)
	}
	if f.Type != elf.ET_EXEC {
		return Image{}, errors.Newf("loader: not an executable (type %v)", f.Type)
	}
	if f.Machine != elf.EM_RISCV {
		return Image{}, errors.Newf("loader: not an RV64 binary (machine %v)", f.Machine)
	}

	var base uint64
	haveBase := false
	var end uint64

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return Image{}, errors.Wrap(err, "loader: reading segment")
			}
			if uint64(n) != phdr.Filesz {
				return Image{}, errors.Newf("loader: short read for segment at %#x: got %d, want %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		if err := mem.Write(phdr.Vaddr, data); err != nil {
			return Image{}, errors.Wrap(err, "loader: writing segment into guest memory")
		}

		var perm memory.Perm
		if phdr.Flags&elf.PF_R != 0 {
			perm |= memory.Read
		}
		if phdr.Flags&elf.PF_W != 0 {
			perm |= memory.Write
		}
		if phdr.Flags&elf.PF_X != 0 {
			perm |= memory.Execute
		}
		if err := mem.SetPermissions(phdr.Vaddr, phdr.Memsz, perm); err != nil {
			return Image{}, errors.Wrap(err, "loader: granting segment permissions")
		}

		if !haveBase || phdr.Vaddr < base {
			base = phdr.Vaddr
			haveBase = true
		}
		if segEnd := phdr.Vaddr + phdr.Memsz; segEnd > end {
			end = segEnd
		}
	}

	if !haveBase {
		return Image{}, errors.Newf("loader: no PT_LOAD segments found")
	}
	if base == 0 || base%pageSize != 0 {
		return Image{}, errors.Newf("loader: base address %#x is not a nonzero, 4 KiB-aligned value", base)
	}

	return Image{
		Base:       base,
		Size:       roundUp4K(end - base),
		EntryPoint: f.Entry,
	}, nil
}

func roundUp4K(v uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}
