// Package elf loads a static ELF64 executable into a process's address
// space and builds its initial System V AMD64 user stack (spec.md §4.11,
// §6). Grounded on gokvm's machine.LoadLinux ELF branch
// (machine/machine.go), which walks debug/elf's PT_LOAD program headers
// and copies each segment's file bytes to its physical address; here the
// destination is a writer callback into a process's own frames (via
// internal/pmm + internal/vmem) instead of one flat guest-memory byte
// slice, and only PT_LOAD is ever honored (spec.md §6: "other program
// header types ignored in Phase 1", no dynamic linking).
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrNotELF         = errors.New("elf: not an ELF file")
	ErrWrongClass     = errors.New("elf: not a 64-bit executable")
	ErrWrongType      = errors.New("elf: not ET_EXEC")
	ErrWrongMachine   = errors.New("elf: machine does not match build target")
	ErrArgvTooLarge   = errors.New("elf: argv/envp exceed the stack reservation")
)

// Segment is one PT_LOAD program header's destination and permissions,
// ready for a caller to map and populate.
type Segment struct {
	VAddr    uint64
	MemSize  uint64
	FileSize uint64
	Data     []byte // FileSize bytes read from the ELF; the remaining MemSize-FileSize are BSS (zero-fill)
	Read     bool
	Write    bool
	Exec     bool
}

// Image is a parsed, validated ELF64 executable ready to load.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Load parses r as an ELF64 ET_EXEC file for the given machine (e.g.
// elf.EM_X86_64 or elf.EM_AARCH64), per spec.md §6's executable-format
// contract. Any failure here is the caller's cue to return ENOEXEC
// (spec.md §4.11) rather than propagate a generic error.
func Load(r io.ReaderAt, want elf.Machine) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, ErrWrongClass
	}

	if f.Type != elf.ET_EXEC {
		return nil, ErrWrongType
	}

	if f.Machine != want {
		return nil, fmt.Errorf("%w: file=%s want=%s", ErrWrongMachine, f.Machine, want)
	}

	img := &Image{Entry: f.Entry}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, p.Filesz)

		n, err := p.ReadAt(data, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("elf: reading segment @%#x: %w", p.Vaddr, err)
		}

		if uint64(n) != p.Filesz {
			return nil, fmt.Errorf("elf: segment @%#x short read: %d/%d bytes", p.Vaddr, n, p.Filesz)
		}

		img.Segments = append(img.Segments, Segment{
			VAddr:    p.Vaddr,
			MemSize:  p.Memsz,
			FileSize: p.Filesz,
			Data:     data,
			Read:     p.Flags&elf.PF_R != 0,
			Write:    p.Flags&elf.PF_W != 0,
			Exec:     p.Flags&elf.PF_X != 0,
		})
	}

	return img, nil
}

// BuildInitialStack lays out the System V AMD64 ABI argv/envp stack frame
// (spec.md §4.11): [argc][argv ptrs][NULL][envp ptrs][NULL][argv
// strings][envp strings], auxv omitted. top is the highest usable stack
// address (exclusive); the returned stack pointer is 16-byte aligned per
// the ABI and spec.md §4.11's explicit requirement. The returned byte
// slice is meant to be copied to [sp, top) in the process's mapped stack
// region.
func BuildInitialStack(top uint64, argv, envp []string) (sp uint64, image []byte, err error) {
	var strs bytes.Buffer

	argvOff := make([]uint64, len(argv))
	envpOff := make([]uint64, len(envp))

	for i, s := range argv {
		argvOff[i] = uint64(strs.Len())
		strs.WriteString(s)
		strs.WriteByte(0)
	}

	for i, s := range envp {
		envpOff[i] = uint64(strs.Len())
		strs.WriteString(s)
		strs.WriteByte(0)
	}

	// Pointer block: argc, argv[...], NULL, envp[...], NULL.
	ptrCount := 1 + len(argv) + 1 + len(envp) + 1
	ptrBlockSize := uint64(ptrCount * 8)
	stringsSize := uint64(strs.Len())

	total := ptrBlockSize + stringsSize
	if total > top {
		return 0, nil, ErrArgvTooLarge
	}

	// Reserve the block just below top, then round the start down to a
	// 16-byte boundary as the ABI requires for the final SP.
	stringsBase := top - stringsSize
	sp = stringsBase - ptrBlockSize
	sp &^= 0xF

	image = make([]byte, top-sp)
	stringsRelBase := stringsBase - sp

	binary.LittleEndian.PutUint64(image[0:8], uint64(len(argv)))

	off := uint64(8)
	for _, o := range argvOff {
		binary.LittleEndian.PutUint64(image[off:off+8], stringsBase+o)
		off += 8
	}

	off += 8 // NULL terminator for argv

	for _, o := range envpOff {
		binary.LittleEndian.PutUint64(image[off:off+8], stringsBase+o)
		off += 8
	}

	off += 8 // NULL terminator for envp

	copy(image[stringsRelBase:], strs.Bytes())

	return sp, image, nil
}
