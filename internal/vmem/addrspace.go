// Package vmem models the per-process virtual address space (spec.md
// §4.4): kernel pages shared (higher half) across every address space,
// user pages private and lower half. Generalized from gokvm's
// memory.AddressSpace (memory/addressSpace.go), which tracks a flat list of
// named sub-ranges inside one VM's guest-physical space; here every
// process gets its own AddressSpace, rooted at a page-table base frame
// (the CR3/TTBR value stored in the PCB, spec.md §3), and the range list
// tracks that process's own user mappings instead of one shared VM's
// device windows.
package vmem

import (
	"errors"
	"fmt"
)

var ErrOverlap = errors.New("vmem: region overlaps an existing mapping")

// Perm is the protection of one mapped region.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser // absent => supervisor-only (kernel half)
)

// Region is one mapped virtual range: [Start, Start+Size), backed by the
// physical frames in Frames (one per page, in order).
type Region struct {
	Name   string
	Start  uint64
	Size   uint64
	Perm   Perm
	Frames []int // physical frame numbers, pmm.Allocator indices
}

func (r Region) End() uint64 { return r.Start + r.Size }

func (r Region) overlaps(o Region) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// AddressSpace is one process's page-table root plus its user-half mapping
// list (spec.md §4.4). The kernel half is never stored here: every
// AddressSpace implicitly shares the single kernel mapping installed once
// at boot, the way spec.md §4.4 describes ("kernel pages are mapped into
// every address space ... by sharing upper-level tables").
type AddressSpace struct {
	PageTableBase int // physical frame number of the top-level page table (CR3/TTBR)
	Regions       []Region
}

func New(pageTableBase int) *AddressSpace {
	return &AddressSpace{PageTableBase: pageTableBase}
}

// Map installs a new user region, failing if it overlaps an existing one.
func (as *AddressSpace) Map(r Region) error {
	for _, existing := range as.Regions {
		if existing.overlaps(r) {
			return fmt.Errorf("%w: %s [%#x,%#x) vs %s [%#x,%#x)",
				ErrOverlap, r.Name, r.Start, r.End(), existing.Name, existing.Start, existing.End())
		}
	}

	as.Regions = append(as.Regions, r)

	return nil
}

// Unmap removes the region starting at addr, if any.
func (as *AddressSpace) Unmap(addr uint64) bool {
	for i, r := range as.Regions {
		if r.Start == addr {
			as.Regions = append(as.Regions[:i], as.Regions[i+1:]...)

			return true
		}
	}

	return false
}

// Translate finds the region (if any) covering addr, for copy_from_user /
// copy_to_user range checks (spec.md §4.8).
func (as *AddressSpace) Translate(addr uint64) (Region, bool) {
	for _, r := range as.Regions {
		if addr >= r.Start && addr < r.End() {
			return r, true
		}
	}

	return Region{}, false
}

// Fork duplicates the parent's user mappings eagerly (spec.md §4.4 Phase 1:
// "copy user pages eagerly"; copy-on-write is an optional refinement this
// build does not implement). newPageTableBase is the child's freshly
// allocated page-table root; frameCopier copies the physical contents of
// one parent frame into a newly allocated child frame and returns the
// child's frame number.
func (as *AddressSpace) Fork(newPageTableBase int, frameCopier func(parentFrame int) (int, error)) (*AddressSpace, error) {
	child := New(newPageTableBase)

	for _, r := range as.Regions {
		childFrames := make([]int, len(r.Frames))

		for i, pf := range r.Frames {
			cf, err := frameCopier(pf)
			if err != nil {
				return nil, fmt.Errorf("vmem: fork region %s frame %d: %w", r.Name, i, err)
			}

			childFrames[i] = cf
		}

		child.Regions = append(child.Regions, Region{
			Name: r.Name, Start: r.Start, Size: r.Size, Perm: r.Perm, Frames: childFrames,
		})
	}

	return child, nil
}

// Reset discards every user mapping, the first step of exec (spec.md
// §4.4/§4.11: "Exec tears down the old user mapping").
func (as *AddressSpace) Reset() {
	as.Regions = nil
}
