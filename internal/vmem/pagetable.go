package vmem

// Long-mode page-table construction (spec.md §4.4: "Kernel/user page-table
// setup"). Adapted from gokvm's machine.initSregs (machine/machine.go),
// which hand-builds a one-shot identity-mapped PML4/PDPT/PD for its single
// flat guest. That version writes directly at a fixed pageTableBase inside
// one VM-wide memory slice and never frees or rebuilds it; here the same
// byte-for-byte table shape is built at a caller-supplied base so it can
// back any process's AddressSpace.PageTableBase (the kernel half every
// address space shares, per spec.md §4.4), and is exposed as a function of
// (mem, base) instead of a Machine method.

import "errors"

var ErrRegionOutOfBounds = errors.New("vmem: page-table region exceeds backing memory")

const (
	// pageTableSize is six 4KiB pages: one PML4, one PDPT, four PDs,
	// covering up to 4GiB of 2MiB pages — the same layout gokvm's
	// initSregs hard-codes.
	pageTableSize = 0x6000

	pml4Present = 0x03 // present, read/write
	pdptPresent = 0x63 // present, read/write, accessed, dirty
	pdLargePage = 0xe3 // present, read/write, accessed, dirty, 2MiB page
)

// BuildIdentityMap writes a flat identity-mapped long-mode page-table tree
// (PML4 -> one PDPT -> four PDs of 2MiB pages, covering 4GiB) into
// mem[base:base+pageTableSize], the way gokvm's initSregs does for its
// single guest, and returns the CR3 value (== base). One of these is built
// once at boot for the kernel's shared upper half; every process's
// AddressSpace.PageTableBase either reuses it directly (Phase 1 has no
// per-process kernel copy beyond the shared upper-level tables, spec.md
// §4.4) or is rebuilt identically into a fresh frame range.
func BuildIdentityMap(mem []byte, base uint64) (cr3 uint64, err error) {
	if base+pageTableSize > uint64(len(mem)) {
		return 0, ErrRegionOutOfBounds
	}

	table := mem[base : base+pageTableSize]
	for i := range table {
		table[i] = 0
	}

	putEntry(table, 0, pml4Present, base+0x1000)

	for i := uint64(0); i < 4; i++ {
		putEntry(table, 0x1000+i*8, pdptPresent, base+(i+2)*0x1000)
	}

	const twoMiB = 0x2_00_000

	for i := uint64(0); i < 0x1_0000_0000; i += twoMiB {
		putLargeEntry(table, 0x2000+(i/twoMiB)*8, i|pdLargePage)
	}

	return base, nil
}

// putEntry writes a page-table entry whose low flags byte is flags and
// whose physical target address is addr (address bits 12-39, matching
// gokvm's byte-at-a-time encode in initSregs).
func putEntry(table []byte, off uint64, flags uint8, addr uint64) {
	table[off] = flags | uint8((addr>>8)&0xff)
	table[off+1] = uint8((addr >> 16) & 0xff)
	table[off+2] = uint8((addr >> 24) & 0xff)
	table[off+3] = uint8((addr >> 32) & 0xff)
}

// putLargeEntry writes a full already-flagged 2MiB PD entry verbatim.
func putLargeEntry(table []byte, off uint64, entry uint64) {
	table[off] = uint8(entry)
	table[off+1] = uint8(entry >> 8)
	table[off+2] = uint8(entry >> 16)
	table[off+3] = uint8(entry >> 24)
}
