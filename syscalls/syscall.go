// Package syscalls decodes the riscv64 syscall trap and runs the handler
// for the requested operation.
package syscalls

import (
	"context"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

// SysArgs is one decoded trap: the resolved operation and its six raw
// argument words. Handlers read words only through the typed accessors.
type SysArgs struct {
	Sysno linux.Sysno
	Args  [6]uint64
}

// Int reads word i as a signed native integer.
func (a SysArgs) Int(i int) int64 {
	return int64(a.Args[i])
}

// Uint64 is the raw register, for flag words that use every bit.
func (a SysArgs) Uint64(i int) uint64 {
	return a.Args[i]
}

// Int32 reads the low 32 bits of word i as a C int.
func (a SysArgs) Int32(i int) int32 {
	return int32(uint32(a.Args[i]))
}

func (a SysArgs) Uint32(i int) uint32 {
	return uint32(a.Args[i])
}

// Addr reads word i as a user address. It is never dereferenced here.
func (a SysArgs) Addr(i int) uint64 {
	return a.Args[i]
}

// Size reads word i as a size_t.
func (a SysArgs) Size(i int) uint64 {
	return a.Args[i]
}

// Off reads word i as an off_t.
func (a SysArgs) Off(i int) int64 {
	return int64(a.Args[i])
}

// FD reads word i as a descriptor, including AT_FDCWD.
func (a SysArgs) FD(i int) int {
	return int(a.Int32(i))
}

// Handler runs one operation for t. A non-nil error becomes the -errno
// result; otherwise the returned value is handed back unchanged.
type Handler func(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error)

// Syscalls is the handler table, indexed by operation number.
var Syscalls [1024]Handler

// noop is the handler of operations that are accepted and do nothing.
func noop(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return 0, nil
}

func init() {
	Syscalls[linux.MEMBARRIER] = noop
	Syscalls[linux.SYSLOG] = noop
	Syscalls[linux.SIGTIMEDWAIT] = noop
}
