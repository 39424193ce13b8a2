package syscalls

import (
	"context"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var ErrBadFlags = abi.NewError(abi.EINVAL, "invalid flags")

func readPath(t *kernel.Task, addr uint64) (string, error) {
	return t.ReadCString(addr, kernel.PathMax)
}

func sysOpenat(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		dirfd = args.FD(0)
		flags = linux.DecodeOpenFlags(args.Uint32(2))
		mode  = args.Uint32(3)
	)

	path, err := readPath(t, args.Addr(1))
	if err != nil {
		return 0, err
	}

	l.Trace("open file", "path", path, "flags", flags)

	fd, err := t.Open(ctx, dirfd, path, flags, mode)
	if err != nil {
		return 0, err
	}

	return int64(fd), nil
}

func sysMkdirat(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	path, err := readPath(t, args.Addr(1))
	if err != nil {
		return 0, err
	}

	return 0, t.Mkdir(ctx, args.FD(0), path, args.Uint32(2))
}

func sysUnlinkat(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	removeDir, ok := linux.DecodeUnlinkatFlags(args.Uint32(2))
	if !ok {
		return 0, errors.Wrapf(ErrBadFlags, "unlinkat %#x", args.Uint32(2))
	}

	path, err := readPath(t, args.Addr(1))
	if err != nil {
		return 0, err
	}

	return 0, t.Unlink(ctx, args.FD(0), path, removeDir)
}

func sysFstatat(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		dirfd = args.FD(0)
		buf   = args.Addr(2)
		flags = linux.DecodeFstatatFlags(args.Uint32(3))
	)

	path, err := readPath(t, args.Addr(1))
	if err != nil {
		return 0, err
	}

	st, err := t.Stat(ctx, dirfd, path, flags)
	if err != nil {
		return 0, err
	}

	return 0, t.CopyOut(buf, st)
}

func sysFstat(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	f, err := t.Process.FDs.Get(args.FD(0))
	if err != nil {
		return 0, err
	}

	st, err := f.Stat(ctx)
	if err != nil {
		return 0, err
	}

	return 0, t.CopyOut(args.Addr(1), st)
}

func sysStatfs(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	path, err := readPath(t, args.Addr(0))
	if err != nil {
		return 0, err
	}

	sf, err := t.Statfs(ctx, path)
	if err != nil {
		return 0, err
	}

	return 0, t.CopyOut(args.Addr(1), sf)
}

func sysGetdents64(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		fd   = args.FD(0)
		addr = args.Addr(1)
		sz   = clampCount(args.Size(2))
	)

	f, err := t.Process.FDs.Get(fd)
	if err != nil {
		return 0, err
	}

	data, err := f.Getdents(ctx, sz)
	if err != nil {
		return 0, err
	}

	if err := t.CopyOutBytes(addr, data); err != nil {
		return 0, err
	}

	return int64(len(data)), nil
}

func sysFaccessat(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	mode, ok := linux.DecodeAccessMode(args.Uint32(2))
	if !ok {
		return 0, errors.Wrapf(ErrBadFlags, "access mode %#x", args.Uint32(2))
	}

	path, err := readPath(t, args.Addr(1))
	if err != nil {
		return 0, err
	}

	return 0, t.Access(ctx, args.FD(0), path, mode)
}

func sysFchmodat(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	path, err := readPath(t, args.Addr(1))
	if err != nil {
		return 0, err
	}

	return 0, t.Chmod(ctx, args.FD(0), path, args.Uint32(2))
}

func sysUtimensat(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		dirfd    = args.FD(0)
		pathAddr = args.Addr(1)
		timeAddr = args.Addr(2)
	)

	nofollow, ok := linux.DecodeUtimensatFlags(args.Uint32(3))
	if !ok {
		return 0, errors.Wrapf(ErrBadFlags, "utimensat %#x", args.Uint32(3))
	}

	var path string

	if pathAddr != 0 {
		p, err := readPath(t, pathAddr)
		if err != nil {
			return 0, err
		}

		path = p
	}

	var times *[2]linux.Timespec

	if timeAddr != 0 {
		times = new([2]linux.Timespec)
		if err := t.CopyIn(timeAddr, times); err != nil {
			return 0, err
		}
	}

	return 0, t.Utimens(ctx, dirfd, path, times, nofollow)
}

func sysMount(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var source, data string

	if addr := args.Addr(0); addr != 0 {
		s, err := readPath(t, addr)
		if err != nil {
			return 0, err
		}

		source = s
	}

	target, err := readPath(t, args.Addr(1))
	if err != nil {
		return 0, err
	}

	fstype, err := t.ReadCString(args.Addr(2), 64)
	if err != nil {
		return 0, err
	}

	if addr := args.Addr(4); addr != 0 {
		d, err := t.ReadCString(addr, 4096)
		if err != nil {
			return 0, err
		}

		data = d
	}

	return 0, t.Mount(ctx, source, target, fstype, data)
}

func sysUmount2(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	target, err := readPath(t, args.Addr(0))
	if err != nil {
		return 0, err
	}

	if flags := linux.DecodeUmountFlags(args.Uint32(1)); flags != 0 {
		l.Trace("umount flags ignored", "flags", flags)
	}

	return 0, t.Unmount(ctx, target)
}

func sysGetcwd(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	buf, err := t.Getcwd(clampCount(args.Size(1)))
	if err != nil {
		return 0, err
	}

	if err := t.CopyOutBytes(args.Addr(0), buf); err != nil {
		return 0, err
	}

	return int64(len(buf)), nil
}

func sysChdir(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	path, err := readPath(t, args.Addr(0))
	if err != nil {
		return 0, err
	}

	return 0, t.Chdir(ctx, path)
}

func sysUmask(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return int64(t.Process.FS.SwapUmask(args.Uint32(0) & 0777)), nil
}

func init() {
	Syscalls[linux.OPENAT] = sysOpenat
	Syscalls[linux.MKDIRAT] = sysMkdirat
	Syscalls[linux.UNLINKAT] = sysUnlinkat
	Syscalls[linux.FSTATAT] = sysFstatat
	Syscalls[linux.FSTAT] = sysFstat
	Syscalls[linux.STATFS] = sysStatfs
	Syscalls[linux.GETDENTS64] = sysGetdents64
	Syscalls[linux.FACCESSAT] = sysFaccessat
	Syscalls[linux.FCHMODAT] = sysFchmodat
	Syscalls[linux.UTIMENSAT] = sysUtimensat
	Syscalls[linux.MOUNT] = sysMount
	Syscalls[linux.UNMOUNT] = sysUmount2
	Syscalls[linux.GETCWD] = sysGetcwd
	Syscalls[linux.CHDIR] = sysChdir
	Syscalls[linux.UMASK] = sysUmask
}
