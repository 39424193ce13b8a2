// Package abi holds the Linux error numbers shared by every subsystem and the
// conversion from Go errors to the negative result words handed back to user
// mode.
package abi

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Linux errno values (asm-generic, as used by riscv64).
const (
	EPERM        = 1
	ENOENT       = 2
	ESRCH        = 3
	EINTR        = 4
	EIO          = 5
	ENXIO        = 6
	E2BIG        = 7
	ENOEXEC      = 8
	EBADF        = 9
	ECHILD       = 10
	EAGAIN       = 11
	ENOMEM       = 12
	EACCES       = 13
	EFAULT       = 14
	EBUSY        = 16
	EEXIST       = 17
	EXDEV        = 18
	ENODEV       = 19
	ENOTDIR      = 20
	EISDIR       = 21
	EINVAL       = 22
	ENFILE       = 23
	EMFILE       = 24
	ENOTTY       = 25
	EFBIG        = 27
	ENOSPC       = 28
	ESPIPE       = 29
	EROFS        = 30
	EPIPE        = 32
	ERANGE       = 34
	ENAMETOOLONG = 36
	ENOSYS       = 38
	ENOTEMPTY    = 39
	ELOOP        = 40
	ETIMEDOUT    = 110
)

var errnoNames = map[int]string{
	EPERM:        "EPERM",
	ENOENT:       "ENOENT",
	ESRCH:        "ESRCH",
	EINTR:        "EINTR",
	EIO:          "EIO",
	ENXIO:        "ENXIO",
	E2BIG:        "E2BIG",
	ENOEXEC:      "ENOEXEC",
	EBADF:        "EBADF",
	ECHILD:       "ECHILD",
	EAGAIN:       "EAGAIN",
	ENOMEM:       "ENOMEM",
	EACCES:       "EACCES",
	EFAULT:       "EFAULT",
	EBUSY:        "EBUSY",
	EEXIST:       "EEXIST",
	EXDEV:        "EXDEV",
	ENODEV:       "ENODEV",
	ENOTDIR:      "ENOTDIR",
	EISDIR:       "EISDIR",
	EINVAL:       "EINVAL",
	ENFILE:       "ENFILE",
	EMFILE:       "EMFILE",
	ENOTTY:       "ENOTTY",
	EFBIG:        "EFBIG",
	ENOSPC:       "ENOSPC",
	ESPIPE:       "ESPIPE",
	EROFS:        "EROFS",
	EPIPE:        "EPIPE",
	ERANGE:       "ERANGE",
	ENAMETOOLONG: "ENAMETOOLONG",
	ENOSYS:       "ENOSYS",
	ENOTEMPTY:    "ENOTEMPTY",
	ELOOP:        "ELOOP",
	ETIMEDOUT:    "ETIMEDOUT",
}

// Errno is an error that carries a Linux error number.
type Errno int

func (e Errno) Error() string {
	if name, ok := errnoNames[int(e)]; ok {
		return name
	}

	return fmt.Sprintf("errno %d", int(e))
}

// Errno implements Carrier.
func (e Errno) Errno() int {
	return int(e)
}

// Carrier is implemented by errors that map onto a specific errno.
type Carrier interface {
	Errno() int
}

// Error is a sentinel error with a message and an errno.
type Error struct {
	errno int
	msg   string
}

// NewError returns a sentinel that reports errno when it reaches user mode.
func NewError(errno int, msg string) *Error {
	return &Error{errno: errno, msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

func (e *Error) Errno() int {
	return e.errno
}

// ErrnoOf returns the positive errno for err. Wrapped errors are unwrapped
// with errors.Cause. Errors with no known mapping become EIO.
func ErrnoOf(err error) int64 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)

	if c, ok := cause.(Carrier); ok {
		return int64(c.Errno())
	}

	switch cause {
	case context.Canceled:
		return EINTR
	case context.DeadlineExceeded:
		return ETIMEDOUT
	}

	return EIO
}

// Ret converts err into a syscall result word: 0 for nil, -errno otherwise.
func Ret(err error) int64 {
	return -ErrnoOf(err)
}

// IsError reports whether a raw result word is in the Linux error range.
func IsError(ret int64) bool {
	return ret < 0 && ret >= -4095
}
