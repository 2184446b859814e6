package kernel

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/nanokernel/nanokernel/internal/pmm"
	"github.com/nanokernel/nanokernel/internal/vmem"
)

// buildMinimalELF64 synthesizes the smallest valid ET_EXEC ELF64 x86_64
// file with a single PT_LOAD segment, mirroring internal/kernel/elf's own
// test helper of the same shape (unexported there, so not reusable here).
func buildMinimalELF64(t *testing.T, entry uint64, payload []byte) []byte {
	t.Helper()

	const (
		ehsize = 64
		phsize = 56
	)

	var buf bytes.Buffer

	hdr := elf.Header64{
		Ident:     [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)},
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     1,
	}

	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatalf("writing ELF header: %v", err)
	}

	ph := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    ehsize + phsize,
		Vaddr:  entry,
		Paddr:  entry,
		Filesz: uint64(len(payload)),
		Memsz:  uint64(len(payload)),
		Align:  0x1000,
	}

	if err := binary.Write(&buf, binary.LittleEndian, ph); err != nil {
		t.Fatalf("writing program header: %v", err)
	}

	buf.Write(payload)

	return buf.Bytes()
}

// newForkExecKernel builds a Kernel with a real pmm.Allocator and a fake
// guest-physical memory slice, for tests that need sysForkSyscall and
// sysExecveSyscall to actually allocate and copy frames. The low half of
// the frames is put in ZoneDMA, which these tests never allocate from, so
// ZoneNormal frames (exec stacks, fork copies) lie above the low addresses
// the synthetic ELF images load at, as cmd/nanokernel/boot.go's low-memory
// reservation arranges for real images.
func newForkExecKernel(t *testing.T, totalFrames int) (*Kernel, UserMemory) {
	t.Helper()

	alloc := pmm.New(totalFrames, totalFrames/2, totalFrames)
	k := New(8, alloc)

	mem := make([]byte, totalFrames*pmm.PageSize)

	return k, UserMemory{Mem: mem, KernelBase: uint64(len(mem))}
}

func TestSysForkSyscallRequiresSpace(t *testing.T) {
	k, mem := newForkExecKernel(t, 64)

	p, err := k.Table.Alloc("orphan", DefaultPriority)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	p.FDs = NewFDTable(k)
	p.Signal = NewSignalState()

	if rv := k.sysForkSyscall(p, mem); rv >= 0 {
		t.Fatalf("sysForkSyscall on a never-exec'd PCB = %d, want negative errno", rv)
	}
}

func TestSysForkSyscallDuplicatesFramesEagerly(t *testing.T) {
	k, mem := newForkExecKernel(t, 64)

	parent, err := k.Table.Alloc("parent", DefaultPriority)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	parent.FDs = NewFDTable(k)
	parent.Signal = NewSignalState()

	frame, err := k.PMM.AllocPages(0, pmm.ZoneNormal)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}

	const want = byte(0x42)

	base := frame * pmm.PageSize
	for i := 0; i < pmm.PageSize; i++ {
		mem.Mem[base+i] = want
	}

	parent.Space = vmem.New(0)
	if err := parent.Space.Map(vmem.Region{
		Name: "data", Start: uint64(base), Size: pmm.PageSize,
		Perm: vmem.PermUser | vmem.PermRead | vmem.PermWrite, Frames: []int{frame},
	}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	rv := k.sysForkSyscall(parent, mem)
	if rv < 0 {
		t.Fatalf("sysForkSyscall = %d, want a child pid", rv)
	}

	child, err := k.Table.Lookup(int(rv))
	if err != nil {
		t.Fatalf("Lookup(child): %v", err)
	}

	if child.Space == nil || len(child.Space.Regions) != 1 {
		t.Fatalf("child.Space = %+v, want one duplicated region", child.Space)
	}

	childFrame := child.Space.Regions[0].Frames[0]
	if childFrame == frame {
		t.Fatal("child's region reuses the parent's frame number, want a distinct copy")
	}

	childBase := childFrame * pmm.PageSize
	for i := 0; i < pmm.PageSize; i++ {
		if mem.Mem[childBase+i] != want {
			t.Fatalf("child frame byte %d = %#x, want %#x", i, mem.Mem[childBase+i], want)
		}
	}

	// Mutating the parent's frame afterward must not affect the child's copy.
	for i := 0; i < pmm.PageSize; i++ {
		mem.Mem[base+i] = 0xFF
	}

	for i := 0; i < pmm.PageSize; i++ {
		if mem.Mem[childBase+i] != want {
			t.Fatalf("child frame byte %d changed to %#x after parent mutation, want unaffected %#x",
				i, mem.Mem[childBase+i], want)
		}
	}

	if child.ParentPid != parent.Pid {
		t.Errorf("child.ParentPid = %d, want %d", child.ParentPid, parent.Pid)
	}

	if child.Context.RAX != 0 {
		t.Errorf("child.Context.RAX = %d, want 0 (fork() return value)", child.Context.RAX)
	}
}

func TestSysExecveSyscallLoadsImageAndMapsStack(t *testing.T) {
	k, mem := newForkExecKernel(t, 512)

	p, err := k.Table.Alloc("init", DefaultPriority)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	p.FDs = NewFDTable(k)
	p.Signal = NewSignalState()
	p.Space = vmem.New(0)

	const entry = uint64(0x8000)

	raw := buildMinimalELF64(t, entry, []byte{0x90, 0x90, 0xC3})

	copy(mem.Mem[0x1000:], raw)

	rv := k.sysExecveSyscall(p, Args{A0: 0x1000, A1: uint64(len(raw))}, mem)
	if rv != 0 {
		t.Fatalf("sysExecveSyscall = %d, want 0", rv)
	}

	if p.Context.RIP != entry {
		t.Errorf("p.Context.RIP = %#x, want %#x", p.Context.RIP, entry)
	}

	if p.Space == nil {
		t.Fatal("p.Space = nil after Execve")
	}

	var sawLoad, sawStack bool

	for _, r := range p.Space.Regions {
		switch r.Name {
		case "load":
			sawLoad = true

			if r.Start != entry {
				t.Errorf("load region Start = %#x, want %#x", r.Start, entry)
			}
		case "stack":
			sawStack = true

			if len(r.Frames) == 0 {
				t.Error("stack region has no backing frames")
			}
		}
	}

	if !sawLoad {
		t.Error("Space has no \"load\" region after Execve")
	}

	if !sawStack {
		t.Error("Space has no \"stack\" region after Execve")
	}

	if p.Context.RSP == 0 {
		t.Error("p.Context.RSP = 0 after Execve, want a valid stack pointer")
	}

	if mem.Mem[entry] != 0x90 || mem.Mem[entry+1] != 0x90 || mem.Mem[entry+2] != 0xC3 {
		t.Errorf("guest memory at entry = % x, want the ELF payload copied in place", mem.Mem[entry:entry+3])
	}
}

func TestSysExecveSyscallThenForkDuplicatesExecdStack(t *testing.T) {
	k, mem := newForkExecKernel(t, 1024)

	p, err := k.Table.Alloc("child-of-exec", DefaultPriority)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	p.FDs = NewFDTable(k)
	p.Signal = NewSignalState()
	p.Space = vmem.New(0)

	raw := buildMinimalELF64(t, 0x9000, []byte{0x90, 0xC3})
	copy(mem.Mem[0x2000:], raw)

	if rv := k.sysExecveSyscall(p, Args{A0: 0x2000, A1: uint64(len(raw))}, mem); rv != 0 {
		t.Fatalf("sysExecveSyscall = %d, want 0", rv)
	}

	rv := k.sysForkSyscall(p, mem)
	if rv < 0 {
		t.Fatalf("sysForkSyscall after exec = %d, want a child pid", rv)
	}

	child, err := k.Table.Lookup(int(rv))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if len(child.Space.Regions) != len(p.Space.Regions) {
		t.Fatalf("child has %d regions, want %d (matching the exec'd parent)",
			len(child.Space.Regions), len(p.Space.Regions))
	}

	for i, r := range child.Space.Regions {
		parentRegion := p.Space.Regions[i]
		if len(r.Frames) != len(parentRegion.Frames) {
			t.Errorf("region %q has %d frames, want %d", r.Name, len(r.Frames), len(parentRegion.Frames))
		}
	}
}
