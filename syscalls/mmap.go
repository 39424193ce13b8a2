package syscalls

import (
	"context"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	"github.com/evanphx/rvos/memory"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var (
	ErrNotMappable = abi.NewError(abi.ENODEV, "file does not support mapping")
	ErrMapAccess   = abi.NewError(abi.EACCES, "file mode does not permit mapping")
)

// sysBrk reports the current break for 0 and for requests it cannot
// satisfy.
func sysBrk(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return int64(t.Memory().Brk(args.Addr(0))), nil
}

func sysMmap(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	req := memory.MapRequest{
		Addr:   args.Addr(0),
		Length: args.Size(1),
		Prot:   linux.DecodeMmapProt(args.Uint32(2)),
		Flags:  linux.DecodeMmapFlags(args.Uint32(3)),
		Offset: args.Off(5),
	}

	if req.Flags&linux.MAP_ANONYMOUS == 0 {
		f, err := t.Process.FDs.Get(args.FD(4))
		if err != nil {
			return 0, err
		}

		rf, ok := f.Impl.(*kernel.RegularFile)
		if !ok {
			return 0, ErrNotMappable
		}

		if !f.Flags().Readable() {
			return 0, ErrMapAccess
		}

		if req.Flags&linux.MAP_SHARED != 0 && req.Prot&linux.PROT_WRITE != 0 && !f.Flags().Writable() {
			return 0, ErrMapAccess
		}

		req.Backing = rf.Handle
	}

	addr, err := t.Memory().Map(req)
	if err != nil {
		l.Debug("mmap failed", "addr", req.Addr, "length", req.Length, "flags", req.Flags, "error", err)
		return 0, err
	}

	return int64(addr), nil
}

func sysMunmap(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return 0, t.Memory().Unmap(args.Addr(0), args.Size(1))
}

func sysMprotect(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	prot := linux.DecodeMmapProt(args.Uint32(2))

	return 0, t.Memory().Protect(args.Addr(0), args.Size(1), prot)
}

func sysMsync(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	flags := args.Uint32(2)

	if flags&^uint32(linux.MS_ASYNC|linux.MS_INVALIDATE|linux.MS_SYNC) != 0 {
		return 0, errors.Wrapf(ErrBadFlags, "msync %#x", flags)
	}

	if flags&linux.MS_ASYNC != 0 && flags&linux.MS_SYNC != 0 {
		return 0, errors.Wrap(ErrBadFlags, "msync: MS_ASYNC with MS_SYNC")
	}

	return 0, t.Memory().Sync(args.Addr(0), args.Size(1))
}

func init() {
	Syscalls[linux.BRK] = sysBrk
	Syscalls[linux.MMAP] = sysMmap
	Syscalls[linux.MUNMAP] = sysMunmap
	Syscalls[linux.MPROTECT] = sysMprotect
	Syscalls[linux.MSYNC] = sysMsync
}
