// Fork/exec/wait (spec.md §4.11, C12).
package kernel

import (
	"debug/elf"
	"errors"
	"io"

	"github.com/nanokernel/nanokernel/internal/errno"
	kelf "github.com/nanokernel/nanokernel/internal/kernel/elf"
	"github.com/nanokernel/nanokernel/internal/pmm"
	"github.com/nanokernel/nanokernel/internal/vmem"
)

// Fork allocates a new PCB, duplicates the parent's address space, FD
// table, and signal state, and places the child in READY with Context
// set to return 0 from fork (the parent's own fork() call site is
// expected to use the returned pid as its own return value) — spec.md
// §4.11.
func (k *Kernel) Fork(parent *PCB, parentSpace *vmem.AddressSpace, newPageTableBase int,
	frameCopier func(int) (int, error),
) (*PCB, *vmem.AddressSpace, error) {
	child, err := k.Table.Alloc(parent.Name, parent.Sched.Priority)
	if err != nil {
		return nil, nil, errno.EAGAIN
	}

	childSpace, err := parentSpace.Fork(newPageTableBase, frameCopier)
	if err != nil {
		k.Table.slots[child.Pid].State = StateFree

		return nil, nil, errno.ENOMEM
	}

	child.FDs = parent.FDs.Fork()
	child.Signal = parent.Signal.Fork()
	child.ParentPid = parent.Pid
	child.Memory = parent.Memory
	child.Context = parent.Context
	child.Context.PageTableBase = newPageTableBase
	child.Context.RAX = 0 // fork() returns 0 in the child
	child.Space = childSpace

	parent.Children = append(parent.Children, child.Pid)

	k.Sched.MakeReady(child)

	return child, childSpace, nil
}

// sysForkSyscall implements fork() by eagerly duplicating every frame the
// parent's Space tracks, via a frameCopier backed by this kernel's own
// internal/pmm allocator and the guest-physical bytes mem carries (spec.md
// §4.11, C12). parentFrame/childFrame are pmm frame numbers; byte offset
// is frame*pmm.PageSize, the same convention internal/vmem.Region.Frames
// documents. A PCB that never exec'd (Space == nil, the built-in servers)
// cannot fork.
func (k *Kernel) sysForkSyscall(p *PCB, mem UserMemory) int64 {
	if p.Space == nil {
		return retval(errno.EINVAL)
	}

	frameCopier := func(parentFrame int) (int, error) {
		childFrame, err := k.PMM.AllocPages(0, pmm.ZoneNormal)
		if err != nil {
			return 0, errno.ENOMEM
		}

		src := parentFrame * pmm.PageSize
		dst := childFrame * pmm.PageSize

		if src < 0 || dst < 0 || src+pmm.PageSize > len(mem.Mem) || dst+pmm.PageSize > len(mem.Mem) {
			return 0, errno.EFAULT
		}

		copy(mem.Mem[dst:dst+pmm.PageSize], mem.Mem[src:src+pmm.PageSize])

		return childFrame, nil
	}

	child, _, err := k.Fork(p, p.Space, p.Context.PageTableBase, frameCopier)
	if err != nil {
		return retval(err)
	}

	return int64(child.Pid)
}

// Execve replaces p's image with the ELF64 executable in elfBytes
// (spec.md §4.11). want is the build's target machine (elf.EM_X86_64 or
// elf.EM_AARCH64). stackTop is the highest address of the process's
// mapped user stack region. mapSegment is called once per PT_LOAD
// segment so the caller can allocate frames and copy Data/zero-fill BSS
// into the new address space; mapStack similarly installs the initial
// stack image built from argv/envp.
func (k *Kernel) Execve(p *PCB, space *vmem.AddressSpace, elfBytes []byte, argv, envp []string, want elf.Machine,
	mapSegment func(kelf.Segment) error, mapStack func(sp uint64, image []byte) error,
) error {
	img, err := kelf.Load(byteReaderAt(elfBytes), want)
	if err != nil {
		return errno.ENOEXEC
	}

	sp, stackImage, err := kelf.BuildInitialStack(p.Memory.UserStackBase+p.Memory.UserStackSize, argv, envp)
	if err != nil {
		return errno.E2BIG
	}

	space.Reset()

	for _, seg := range img.Segments {
		if err := mapSegment(seg); err != nil {
			return errno.ENOMEM
		}
	}

	if err := mapStack(sp, stackImage); err != nil {
		return errno.ENOMEM
	}

	p.Context.RIP = img.Entry
	p.Context.RSP = sp
	p.Context.PageTableBase = space.PageTableBase
	p.Space = space
	p.FDs.CloseExecFDs()
	p.Signal.ResetOnExec()

	return nil
}

// byteReaderAt adapts a []byte to io.ReaderAt without pulling in
// bytes.Reader's extra Read/Seek surface this package doesn't need.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, errors.New("elf: short buffer")
	}

	n := copy(p, b[off:])

	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// execStackOrder sizes every syscall-exec'd process's stack at
// 2^execStackOrder pages (1MiB, matching cmd/nanokernel/boot.go's own
// initStackSize for init), allocated fresh from internal/pmm's NORMAL
// zone rather than reusing a fixed low-memory slot, so a forked child's
// stack is never aliased onto its still-resident parent's.
const execStackOrder = 8

// sysExecveSyscall implements execve for this build's syscall ABI. The
// VFS server carries no real file content (spec.md's Non-goal scopes out
// server policy, only the IPC/dispatch mechanism is implemented here), so
// rather than taking a path this entry point reads the ELF image directly
// out of the caller's own already-mapped memory: a.A0/a.A1 give the
// image's address and length, a.A2 (if nonzero) a NUL-terminated argv[0]
// override. PT_LOAD segments are copied to their link address exactly as
// cmd/nanokernel/boot.go's copySegment does for init (spec.md §4.11); the
// stack is fresh pmm-backed memory so Fork's frame-copy path has real
// frames to duplicate on a subsequent fork() from the exec'd process.
// That stack comes from ZoneNormal, which cmd/nanokernel/boot.go places
// above the KernelBase it passes in mem, so there CopyFromUser/CopyToUser
// reject syscall-argument pointers into the new stack.
func (k *Kernel) sysExecveSyscall(p *PCB, a Args, mem UserMemory) int64 {
	elfBytes, err := mem.CopyFromUser(a.A0, int(a.A1))
	if err != nil {
		return retval(errno.EFAULT)
	}

	name := p.Name
	if a.A2 != 0 {
		if raw, rerr := mem.CopyFromUser(a.A2, MessageInlineBytes); rerr == nil {
			name = string(raw[:cstrLen(raw)])
		}
	}

	stackBase, err := k.PMM.AllocPages(execStackOrder, pmm.ZoneNormal)
	if err != nil {
		return retval(errno.ENOMEM)
	}

	stackFrames := make([]int, 1<<uint(execStackOrder))
	for i := range stackFrames {
		stackFrames[i] = stackBase + i
	}

	stackAddr := uint64(stackBase) * pmm.PageSize
	stackSize := uint64(len(stackFrames)) * pmm.PageSize

	space := vmem.New(p.Context.PageTableBase)

	mapSegment := func(seg kelf.Segment) error {
		return mapExecSegment(mem.Mem, space, seg)
	}

	mapStack := func(sp uint64, image []byte) error {
		if err := copyIntoGuest(mem.Mem, sp, image); err != nil {
			return err
		}

		return space.Map(vmem.Region{
			Name: "stack", Start: stackAddr, Size: stackSize,
			Perm: vmem.PermUser | vmem.PermRead | vmem.PermWrite, Frames: stackFrames,
		})
	}

	p.Memory.UserStackBase = stackAddr
	p.Memory.UserStackSize = stackSize

	if err := k.Execve(p, space, elfBytes, []string{name}, nil, elf.EM_X86_64, mapSegment, mapStack); err != nil {
		_ = k.PMM.FreePages(stackBase, execStackOrder)

		return retval(err)
	}

	return 0
}

// mapExecSegment writes one PT_LOAD segment's file bytes and zero-filled
// BSS tail directly into guest-physical memory at its link address,
// mirroring cmd/nanokernel/boot.go's copySegment; under this build's flat
// identity map, two simultaneously resident processes whose images
// overlap in virtual address space will clobber each other; this is the
// single shared page table's inherited Phase 1 limitation
// (internal/vmem/pagetable.go), not something this entry point resolves.
func mapExecSegment(guestMem []byte, space *vmem.AddressSpace, seg kelf.Segment) error {
	end := seg.VAddr + seg.MemSize
	if end > uint64(len(guestMem)) || end < seg.VAddr {
		return errno.ENOMEM
	}

	n := copy(guestMem[seg.VAddr:], seg.Data)
	for i := seg.VAddr + uint64(n); i < end; i++ {
		guestMem[i] = 0
	}

	perm := vmem.PermUser
	if seg.Read {
		perm |= vmem.PermRead
	}
	if seg.Write {
		perm |= vmem.PermWrite
	}
	if seg.Exec {
		perm |= vmem.PermExec
	}

	if err := space.Map(vmem.Region{Name: "load", Start: seg.VAddr, Size: seg.MemSize, Perm: perm}); err != nil {
		return errno.ENOMEM
	}

	return nil
}

// copyIntoGuest writes image to guestMem[addr:], bounds-checked.
func copyIntoGuest(guestMem []byte, addr uint64, image []byte) error {
	end := addr + uint64(len(image))
	if end > uint64(len(guestMem)) || end < addr {
		return errno.ENOMEM
	}

	copy(guestMem[addr:], image)

	return nil
}

// Exit implements spec.md §4.11's exit(status): mark ZOMBIE, close FDs,
// notify the parent, reparent children.
func (k *Kernel) Exit(p *PCB, status int) {
	p.ExitStatus = status
	p.HasExited = true
	p.FDs.CloseAll()

	k.Table.Reparent(p.Pid)

	parent, err := k.Table.Lookup(p.ParentPid)
	if err != nil {
		p.State = StateZombie

		return
	}

	ignoringChld := parent.Signal.Dispositions[SIGCHLD].Kind == DispIgnore
	if ignoringChld {
		p.State = StateDead
		p.HasBeenReaped = true
		p.State = StateFree

		return
	}

	p.State = StateZombie
	parent.Signal.Pending |= 1 << uint(SIGCHLD)

	if parent.State == StateBlocked && parent.BlockReason == BlockWaitChild &&
		(parent.WaitSource == 0 || parent.WaitSource == p.Pid) {
		_ = k.Sched.Unblock(parent)
	}
}

// Wait implements spec.md §4.11's wait/waitpid: blocks in WAIT_CHILD
// until a matching child is ZOMBIE, then reaps it. targetPid 0 means
// "any child" (waitpid(-1, ...) at the syscall ABI level).
func (k *Kernel) Wait(p *PCB, targetPid int) (reapedPid, status int, err error) {
	for _, cpid := range p.Children {
		c, lookupErr := k.Table.Lookup(cpid)
		if lookupErr != nil {
			continue
		}

		if c.State == StateZombie && (targetPid == 0 || targetPid == cpid) {
			return k.reap(p, c)
		}
	}

	if targetPid != 0 {
		found := false

		for _, cpid := range p.Children {
			if cpid == targetPid {
				found = true

				break
			}
		}

		if !found {
			return 0, 0, errno.ECHILD
		}
	} else if len(p.Children) == 0 {
		return 0, 0, errno.ECHILD
	}

	k.Sched.BlockPCB(p, BlockWaitChild, targetPid)

	return 0, 0, ErrWouldBlock
}

func (k *Kernel) reap(parent, child *PCB) (int, int, error) {
	pid, status := child.Pid, child.ExitStatus

	for i, cpid := range parent.Children {
		if cpid == pid {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)

			break
		}
	}

	if err := k.Table.Free(pid); err != nil {
		return 0, 0, errno.EIO
	}

	return pid, status, nil
}

func (k *Kernel) sysWait(p *PCB, _ *Args) int64 {
	pid, _, err := k.Wait(p, 0)
	if err != nil {
		return retval(err)
	}

	return int64(pid)
}

func (k *Kernel) sysWaitpid(p *PCB, a Args, mem UserMemory) int64 {
	target := int(int32(a.A0))
	if target < 0 {
		target = 0
	}

	pid, status, err := k.Wait(p, target)
	if err != nil {
		return retval(err)
	}

	if a.A1 != 0 {
		var buf [4]byte
		buf[0] = byte(status)
		_ = mem.CopyToUser(a.A1, buf[:])
	}

	return int64(pid)
}
