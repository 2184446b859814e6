// Syscall dispatch (spec.md §4.8, §6, C8). The architecture-specific
// entry (fast-syscall trap, register save, kernel-stack switch) lives
// outside this package per spec.md §4.8's own split between the
// mechanism (trap entry) and the table-driven dispatch this package
// implements; the former is cmd/nanokernel/boot.go's handleSyscall, which
// decodes the vCPU registers and calls Dispatch.
package kernel

import (
	"errors"

	"github.com/nanokernel/nanokernel/internal/errno"
)

// Syscall numbers (spec.md §4.8's "non-exhaustive... exact numbers are a
// stable ABI per build"); this build's stable table.
const (
	SysRead = iota
	SysWrite
	SysOpen
	SysClose
	SysLseek
	SysDup
	SysDup2
	SysPipe
	SysFcntl
	SysFork
	SysExecve
	SysWait
	SysWaitpid
	SysExit
	SysGetpid
	SysGetppid
	SysKill
	SysSigaction
	SysSigprocmask
	SysSigreturn
	SysBrk
	SysSetpgid
	SysGetpgid
	SysSetsid
	SysGetsid
	SysSend
	SysReceive
	SysSendrec

	numSyscalls
)

// FcntlCmd values used by the Fcntl handler.
const (
	FDupFD = iota
)

// VFS request/reply message types (spec.md §2's control-flow summary:
// "user processes invoke syscalls (C8) which may call into C9 (IPC to a
// server)" — open/lseek are the two syscalls this build routes to the
// VFS server, pid PidVFS, rather than handling locally the way pipe I/O
// is). The wire shape per request:
//
//	open:  Arg[0]=flags, Arg[1]=mode, Data/DataLen=NUL-or-length-terminated path
//	       reply Arg[0]=VFSToken (>=0) or -errno (<0)
//	lseek: Arg[0]=VFSToken, Arg[1]=offset, Arg[2]=whence
//	       reply Arg[0]=new offset (>=0) or -errno (<0)
const (
	vfsReqOpen = iota
	vfsReqLseek
)

// Args is the decoded syscall argument set (spec.md §6: x86_64 RDI, RSI,
// RDX, R10, R8, R9; ARM64 X0…X5 — architecture-neutral at this layer).
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
}

// CopyFromUser and CopyToUser are the user-memory access primitives
// spec.md §4.8 requires: reject kernel-range addresses, never fault into
// a kernel panic. mem is supplied by the caller (the hypervisor-backed
// guest memory slice, see internal/kvmreal.VM.Mem); kernelBase marks
// where the user-accessible range ends.
type UserMemory struct {
	Mem        []byte
	KernelBase uint64
}

func (u UserMemory) rangeOK(addr uint64, n int) bool {
	if n < 0 {
		return false
	}

	end := addr + uint64(n)

	return addr < u.KernelBase && end <= u.KernelBase && end >= addr && end <= uint64(len(u.Mem))
}

// CopyFromUser reads n bytes at addr, returning EFAULT for any
// kernel-range or out-of-bounds access (spec.md §4.8).
func (u UserMemory) CopyFromUser(addr uint64, n int) ([]byte, error) {
	if !u.rangeOK(addr, n) {
		return nil, errno.EFAULT
	}

	out := make([]byte, n)
	copy(out, u.Mem[addr:addr+uint64(n)])

	return out, nil
}

// CopyToUser writes data to addr, returning EFAULT for any kernel-range
// or out-of-bounds access.
func (u UserMemory) CopyToUser(addr uint64, data []byte) error {
	if !u.rangeOK(addr, len(data)) {
		return errno.EFAULT
	}

	copy(u.Mem[addr:addr+uint64(len(data))], data)

	return nil
}

// Dispatch indexes into the syscall table and invokes the handler,
// returning the negative-errno-or-result value to place in the return
// register (spec.md §4.8).
func (k *Kernel) Dispatch(p *PCB, num int, a Args, mem UserMemory) int64 {
	switch num {
	case SysRead:
		return k.sysRead(p, a, mem)
	case SysWrite:
		return k.sysWrite(p, a, mem)
	case SysOpen:
		return k.sysOpen(p, a, mem)
	case SysClose:
		return retval(p.FDs.Close(int(a.A0)))
	case SysLseek:
		return k.sysLseek(p, a)
	case SysDup:
		return k.sysDup(p, a)
	case SysDup2:
		return k.sysDup2(p, a)
	case SysPipe:
		return k.sysPipe(p, a, mem)
	case SysFcntl:
		return k.sysFcntl(p, a)
	case SysFork:
		return k.sysForkSyscall(p, mem)
	case SysExecve:
		return k.sysExecveSyscall(p, a, mem)
	case SysWait:
		return k.sysWait(p, nil)
	case SysWaitpid:
		return k.sysWaitpid(p, a, mem)
	case SysExit:
		k.Exit(p, int(int32(a.A0)))

		return 0
	case SysGetpid:
		return int64(p.Pid)
	case SysGetppid:
		return int64(p.ParentPid)
	case SysKill:
		return retval(k.Kill(p, int(a.A0), int(a.A1)))
	case SysSigaction:
		return retval(k.sysSigaction(p, a))
	case SysSigprocmask:
		return retval(k.sysSigprocmask(p, a))
	case SysSigreturn:
		return k.sysSigreturn(p, a)
	case SysBrk:
		return k.sysBrk(p, a)
	case SysSetpgid:
		p.PGID = int(a.A1)
		if p.PGID == 0 {
			p.PGID = p.Pid
		}

		return 0
	case SysGetpgid:
		return int64(p.PGID)
	case SysSetsid:
		p.SID = p.Pid
		p.PGID = p.Pid

		return int64(p.SID)
	case SysGetsid:
		return int64(p.SID)
	case SysSend:
		return k.sysSend(p, a, mem)
	case SysReceive:
		return k.sysReceive(p, a, mem)
	case SysSendrec:
		return k.sysSendrec(p, a, mem)
	default:
		return retval(errno.ENOSYS)
	}
}

func retval(err error) int64 {
	if err == nil {
		return 0
	}

	if e, ok := err.(errno.Errno); ok {
		return errno.Retval(e)
	}

	return errno.Retval(errno.EIO)
}

func (k *Kernel) sysRead(p *PCB, a Args, mem UserMemory) int64 {
	obj, err := p.FDs.Get(int(a.A0))
	if err != nil {
		return retval(errno.EBADF)
	}

	if obj.Kind != FilePipeRead {
		return retval(errno.ENOSYS) // regular-file I/O is delegated to the VFS server, out of this handler's scope
	}

	buf := make([]byte, a.A2)

	n, err := k.Read(p, obj.Pipe, buf)
	if err != nil {
		if err == ErrWouldBlock {
			return errno.Retval(errno.EAGAIN)
		}

		return retval(errno.EIO)
	}

	if err := mem.CopyToUser(a.A1, buf[:n]); err != nil {
		return retval(errno.EFAULT)
	}

	return int64(n)
}

func (k *Kernel) sysWrite(p *PCB, a Args, mem UserMemory) int64 {
	obj, err := p.FDs.Get(int(a.A0))
	if err != nil {
		return retval(errno.EBADF)
	}

	data, err := mem.CopyFromUser(a.A1, int(a.A2))
	if err != nil {
		return retval(errno.EFAULT)
	}

	if obj.Kind != FilePipeWrite {
		return retval(errno.ENOSYS)
	}

	n, err := k.Write(p, obj.Pipe, data)
	if err != nil {
		if err == ErrEPIPE {
			return retval(errno.EPIPE)
		}

		if err == ErrWouldBlock {
			return errno.Retval(errno.EAGAIN)
		}

		return retval(errno.EIO)
	}

	return int64(n)
}

// sysOpen implements open(path, flags, mode) by sending a vfsReqOpen
// request to the VFS server and installing a FileRegular FileObject
// carrying the token it returns (spec.md §2: open is a C8 syscall that
// calls into C9 IPC to a server).
func (k *Kernel) sysOpen(p *PCB, a Args, mem UserMemory) int64 {
	raw, err := mem.CopyFromUser(a.A0, MessageInlineBytes)
	if err != nil {
		return retval(errno.EFAULT)
	}

	req := Message{Type: vfsReqOpen, Arg: [4]uint64{a.A1, a.A2}}
	req.DataLen = copy(req.Data[:], raw[:cstrLen(raw)])

	var reply Message
	if err := k.SendRec(p, PidVFS, req, &reply); err != nil {
		if err == ErrWouldBlock {
			return errno.Retval(errno.EAGAIN)
		}

		return retval(errFromIPC(err))
	}

	result := int64(reply.Arg[0])
	if result < 0 {
		return result
	}

	obj := &FileObject{Kind: FileRegular, VFSToken: int(result)}

	fd, err := p.FDs.Install(obj, 0)
	if err != nil {
		return retval(errno.EMFILE)
	}

	return int64(fd)
}

// sysLseek implements lseek(fd, offset, whence) by forwarding to the VFS
// server, keyed on the FileObject's VFSToken (spec.md §2, as sysOpen
// above); pipes have no seek position, so FilePipeRead/FilePipeWrite fds
// fail with ESPIPE without a round trip.
func (k *Kernel) sysLseek(p *PCB, a Args) int64 {
	obj, err := p.FDs.Get(int(a.A0))
	if err != nil {
		return retval(errno.EBADF)
	}

	if obj.Kind != FileRegular && obj.Kind != FileDevice {
		return retval(errno.ESPIPE)
	}

	req := Message{Type: vfsReqLseek, Arg: [4]uint64{uint64(obj.VFSToken), a.A1, a.A2}}

	var reply Message
	if err := k.SendRec(p, PidVFS, req, &reply); err != nil {
		if err == ErrWouldBlock {
			return errno.Retval(errno.EAGAIN)
		}

		return retval(errFromIPC(err))
	}

	return int64(reply.Arg[0])
}

// cstrLen returns the length of the NUL-terminated string in b, or
// len(b) if no NUL byte is present.
func cstrLen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}

	return len(b)
}

func (k *Kernel) sysDup(p *PCB, a Args) int64 {
	fd, err := p.FDs.DupFD(int(a.A0), 0)
	if err != nil {
		return retval(errno.EBADF)
	}

	return int64(fd)
}

func (k *Kernel) sysDup2(p *PCB, a Args) int64 {
	obj, err := p.FDs.Get(int(a.A0))
	if err != nil {
		return retval(errno.EBADF)
	}

	if err := p.FDs.InstallAt(int(a.A1), obj); err != nil {
		return retval(errno.EBADF)
	}

	return int64(a.A1)
}

func (k *Kernel) sysPipe(p *PCB, a Args, mem UserMemory) int64 {
	pipe := NewPipe()

	rObj := &FileObject{Kind: FilePipeRead, Pipe: pipe}
	wObj := &FileObject{Kind: FilePipeWrite, Pipe: pipe}

	rfd, err := p.FDs.Install(rObj, 0)
	if err != nil {
		return retval(errno.EMFILE)
	}

	wfd, err := p.FDs.Install(wObj, 0)
	if err != nil {
		_ = p.FDs.Close(rfd)

		return retval(errno.EMFILE)
	}

	var out [8]byte
	out[0], out[1] = byte(rfd), byte(wfd)

	if err := mem.CopyToUser(a.A0, out[:]); err != nil {
		return retval(errno.EFAULT)
	}

	return 0
}

func (k *Kernel) sysFcntl(p *PCB, a Args) int64 {
	switch int(a.A1) {
	case FDupFD:
		fd, err := p.FDs.DupFD(int(a.A0), int(a.A2))
		if err != nil {
			return retval(errno.EBADF)
		}

		return int64(fd)
	default:
		return retval(errno.EINVAL)
	}
}

func (k *Kernel) sysSigaction(p *PCB, a Args) error {
	sig := int(a.A0)
	if sig <= 0 || sig >= maxSignal {
		return errno.EINVAL
	}

	if sig == SIGKILL || sig == SIGSTOP {
		return errno.EINVAL
	}

	kind := DispositionKind(a.A1)
	p.Signal.Dispositions[sig] = Disposition{Kind: kind, Handler: a.A2}

	return nil
}

func (k *Kernel) sysSigprocmask(p *PCB, a Args) error {
	const (
		SigBlock = iota
		SigUnblock
		SigSetMask
	)

	mask := uint32(a.A1)

	switch int(a.A0) {
	case SigBlock:
		p.Signal.Blocked |= mask
	case SigUnblock:
		p.Signal.Blocked &^= mask
	case SigSetMask:
		p.Signal.Blocked = mask
	default:
		return errno.EINVAL
	}

	return nil
}

func (k *Kernel) sysSigreturn(p *PCB, a Args) int64 {
	// The caller (architecture-specific trap return path) is expected to
	// have already popped the SignalFrame off the user stack and calls
	// SigReturn directly; this dispatch entry exists only so SysSigreturn
	// has a table slot, matching spec.md §4.8's "dedicated sigreturn
	// syscall".
	return 0
}

func (k *Kernel) sysBrk(p *PCB, a Args) int64 {
	if a.A0 == 0 {
		return int64(p.Memory.Break)
	}

	p.Memory.Break = a.A0

	return int64(p.Memory.Break)
}

// Kill implements spec.md §4.10's kill(pid, sig): SIGKILL terminates the
// target at once (terminateForSignal); any other signal only sets its
// pending bit, for DeliverPending to act on. A BLOCKED target is not woken,
// so its blocked call does not return EINTR.
func (k *Kernel) Kill(sender *PCB, pid, sig int) error {
	target, err := k.Table.Lookup(pid)
	if err != nil {
		return errno.EINVAL
	}

	if sig == SIGKILL {
		k.terminateForSignal(target, sig)

		return nil
	}

	target.Signal.Pending |= 1 << uint(sig)

	return nil
}

func (k *Kernel) sysSend(p *PCB, a Args, mem UserMemory) int64 {
	msg := decodeMessage(a, mem)

	if err := k.Send(p, int(a.A0), msg); err != nil {
		if err == ErrWouldBlock {
			return errno.Retval(errno.EAGAIN)
		}

		return retval(errFromIPC(err))
	}

	return 0
}

func (k *Kernel) sysReceive(p *PCB, a Args, mem UserMemory) int64 {
	var msg Message
	if err := k.Receive(p, int(a.A0), &msg); err != nil {
		if err == ErrWouldBlock {
			return errno.Retval(errno.EAGAIN)
		}

		return retval(errFromIPC(err))
	}

	encodeMessage(msg, a, mem)

	return 0
}

func (k *Kernel) sysSendrec(p *PCB, a Args, mem UserMemory) int64 {
	out := decodeMessage(a, mem)

	var in Message
	if err := k.SendRec(p, int(a.A0), out, &in); err != nil {
		if err == ErrWouldBlock {
			return errno.Retval(errno.EAGAIN)
		}

		return retval(errFromIPC(err))
	}

	encodeMessage(in, a, mem)

	return 0
}

func errFromIPC(err error) error {
	switch {
	case errors.Is(err, ErrInvalidDst):
		return errno.EINVAL
	case errors.Is(err, ErrSelfSend):
		return errno.EDEADLK
	default:
		return errno.EIO
	}
}

// decodeMessage/encodeMessage marshal a Message to/from the A1 user
// pointer's wire layout for the send/receive/sendrec syscalls; the exact
// byte layout is this build's private ABI (spec.md §9 open question).
func decodeMessage(a Args, mem UserMemory) Message {
	var msg Message

	raw, err := mem.CopyFromUser(a.A1, messageWireSize)
	if err != nil {
		return msg
	}

	unmarshalMessage(raw, &msg)

	return msg
}

func encodeMessage(msg Message, a Args, mem UserMemory) {
	raw := marshalMessage(msg)
	_ = mem.CopyToUser(a.A1, raw)
}
