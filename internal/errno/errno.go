// Package errno defines the stable errno table syscalls return to user
// space (spec §6/§7). Values match golang.org/x/sys/unix numerically so a
// caller can compare against real POSIX errno if it wants to, but the type
// is distinct so a kernel panic can never be confused with a user-visible
// error return.
package errno

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno is a negative-encodable POSIX error number, as returned by a
// syscall handler. The syscall return path negates it before writing RAX.
type Errno int

const (
	EPERM   Errno = Errno(unix.EPERM)
	ENOENT  Errno = Errno(unix.ENOENT)
	EINTR   Errno = Errno(unix.EINTR)
	EIO     Errno = Errno(unix.EIO)
	EBADF   Errno = Errno(unix.EBADF)
	ECHILD  Errno = Errno(unix.ECHILD)
	EAGAIN  Errno = Errno(unix.EAGAIN)
	ENOMEM  Errno = Errno(unix.ENOMEM)
	EACCES  Errno = Errno(unix.EACCES)
	EFAULT  Errno = Errno(unix.EFAULT)
	EBUSY   Errno = Errno(unix.EBUSY)
	EEXIST  Errno = Errno(unix.EEXIST)
	ENOTDIR Errno = Errno(unix.ENOTDIR)
	EISDIR  Errno = Errno(unix.EISDIR)
	EINVAL  Errno = Errno(unix.EINVAL)
	ENFILE  Errno = Errno(unix.ENFILE)
	EMFILE  Errno = Errno(unix.EMFILE)
	EPIPE   Errno = Errno(unix.EPIPE)
	ERANGE  Errno = Errno(unix.ERANGE)
	ENOSYS  Errno = Errno(unix.ENOSYS)
	ESPIPE  Errno = Errno(unix.ESPIPE)
	EDEADLK Errno = Errno(unix.EDEADLK)
	ENOEXEC Errno = Errno(unix.ENOEXEC)
	E2BIG   Errno = Errno(unix.E2BIG)
)

var names = map[Errno]string{
	EPERM: "EPERM", ENOENT: "ENOENT", EINTR: "EINTR", EIO: "EIO",
	EBADF: "EBADF", ECHILD: "ECHILD", EAGAIN: "EAGAIN", ENOMEM: "ENOMEM",
	EACCES: "EACCES", EFAULT: "EFAULT", EBUSY: "EBUSY", EEXIST: "EEXIST",
	ENOTDIR: "ENOTDIR", EISDIR: "EISDIR", EINVAL: "EINVAL", ENFILE: "ENFILE",
	EMFILE: "EMFILE", EPIPE: "EPIPE", ERANGE: "ERANGE", ENOSYS: "ENOSYS",
	ESPIPE: "ESPIPE", EDEADLK: "EDEADLK", ENOEXEC: "ENOEXEC", E2BIG: "E2BIG",
}

func (e Errno) Error() string {
	if name, ok := names[e]; ok {
		return name
	}

	return fmt.Sprintf("errno(%d)", int(e))
}

// Retval encodes e as the negative return value a syscall handler places in
// the architecture's return register. A nil error encodes to 0.
func Retval(e error) int64 {
	if e == nil {
		return 0
	}

	var ke Errno
	if as, ok := e.(Errno); ok {
		ke = as
	} else {
		ke = EIO
	}

	return -int64(ke)
}
