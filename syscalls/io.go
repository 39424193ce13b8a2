package syscalls

import (
	"context"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// MaxRW caps one read or write, as MAX_RW_COUNT does.
const MaxRW = 0x7ffff000

// IovMax is UIO_MAXIOV.
const IovMax = 1024

var (
	ErrBadCount = abi.NewError(abi.EINVAL, "invalid count")
	ErrBadCmd   = abi.NewError(abi.EINVAL, "invalid command")
)

func clampCount(n uint64) int {
	if n > MaxRW {
		return MaxRW
	}

	return int(n)
}

func sysClose(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return 0, t.Process.FDs.Close(args.FD(0))
}

// rwChunk bounds the kernel buffer user data moves through.
const rwChunk = 64 * 1024

func chunkLen(n int) int {
	if n > rwChunk {
		return rwChunk
	}

	return n
}

// readInto fills up to sz bytes of user memory at addr from read, one
// chunk at a time. Streams return after the first chunk that yields data.
func readInto(t *kernel.Task, addr uint64, sz int, stream bool, read func(b []byte) (int, error)) (int64, error) {
	buf := make([]byte, chunkLen(sz))

	var total int64

	for total < int64(sz) {
		b := buf[:chunkLen(sz-int(total))]

		n, err := read(b)
		if n > 0 {
			if cerr := t.CopyOutBytes(addr+uint64(total), b[:n]); cerr != nil {
				if total > 0 {
					return total, nil
				}

				return 0, cerr
			}

			total += int64(n)
		}

		if err != nil {
			if total > 0 {
				return total, nil
			}

			return 0, err
		}

		if n < len(b) || stream {
			break
		}
	}

	return total, nil
}

// writeFrom hands up to sz bytes of user memory at addr to write, one
// chunk at a time.
func writeFrom(t *kernel.Task, addr uint64, sz int, write func(b []byte) (int, error)) (int64, error) {
	buf := make([]byte, chunkLen(sz))

	var total int64

	for total < int64(sz) {
		b := buf[:chunkLen(sz-int(total))]

		if err := t.CopyInBytes(addr+uint64(total), b); err != nil {
			if total > 0 {
				return total, nil
			}

			return 0, err
		}

		n, err := write(b)
		total += int64(n)

		if err != nil {
			if total > 0 {
				return total, nil
			}

			return 0, err
		}

		if n < len(b) {
			break
		}
	}

	return total, nil
}

func sysRead(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		fd   = args.FD(0)
		addr = args.Addr(1)
		sz   = clampCount(args.Size(2))
	)

	f, err := t.Process.FDs.Get(fd)
	if err != nil {
		return 0, err
	}

	if sz == 0 {
		return 0, nil
	}

	return readInto(t, addr, sz, f.Stream(), func(b []byte) (int, error) {
		return f.Read(ctx, b)
	})
}

func sysWrite(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		fd   = args.FD(0)
		addr = args.Addr(1)
		sz   = clampCount(args.Size(2))
	)

	f, err := t.Process.FDs.Get(fd)
	if err != nil {
		return 0, err
	}

	if sz == 0 {
		return 0, nil
	}

	return writeFrom(t, addr, sz, func(b []byte) (int, error) {
		return f.Write(ctx, b)
	})
}

func readIovecs(t *kernel.Task, addr uint64, cnt int32) ([]linux.IoVec, error) {
	if cnt < 0 || cnt > IovMax {
		return nil, errors.Wrapf(ErrBadCount, "iovec count %d", cnt)
	}

	iovs := make([]linux.IoVec, cnt)

	if cnt > 0 {
		if err := t.CopyIn(addr, iovs); err != nil {
			return nil, err
		}
	}

	var total uint64

	for _, iov := range iovs {
		total += iov.Len
		if int64(iov.Len) < 0 || total > MaxRW {
			return nil, errors.Wrap(ErrBadCount, "iovec length")
		}
	}

	return iovs, nil
}

func sysReadv(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		fd  = args.FD(0)
		iov = args.Addr(1)
		cnt = args.Int32(2)
	)

	f, err := t.Process.FDs.Get(fd)
	if err != nil {
		return 0, err
	}

	iovs, err := readIovecs(t, iov, cnt)
	if err != nil {
		return 0, err
	}

	var total int64

	stream := f.Stream()

	for _, v := range iovs {
		if v.Len == 0 {
			continue
		}

		n, err := readInto(t, v.Base, int(v.Len), stream, func(b []byte) (int, error) {
			return f.Read(ctx, b)
		})
		total += n

		if err != nil {
			if total > 0 {
				return total, nil
			}

			return 0, err
		}

		if n < int64(v.Len) {
			break
		}
	}

	return total, nil
}

func sysWritev(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		fd  = args.FD(0)
		iov = args.Addr(1)
		cnt = args.Int32(2)
	)

	f, err := t.Process.FDs.Get(fd)
	if err != nil {
		return 0, err
	}

	iovs, err := readIovecs(t, iov, cnt)
	if err != nil {
		return 0, err
	}

	var total int64

	for _, v := range iovs {
		if v.Len == 0 {
			continue
		}

		n, err := writeFrom(t, v.Base, int(v.Len), func(b []byte) (int, error) {
			return f.Write(ctx, b)
		})
		total += n

		if err != nil {
			if total > 0 {
				return total, nil
			}

			return 0, err
		}

		if n < int64(v.Len) {
			break
		}
	}

	return total, nil
}

func sysPread64(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		fd   = args.FD(0)
		addr = args.Addr(1)
		sz   = clampCount(args.Size(2))
		off  = args.Off(3)
	)

	f, err := t.Process.FDs.Get(fd)
	if err != nil {
		return 0, err
	}

	switch {
	case !f.Flags().Readable():
		return 0, kernel.ErrBadFD
	case f.Stream():
		return 0, kernel.ErrNotSeeker
	case off < 0:
		return 0, kernel.ErrBadOffset
	}

	return readInto(t, addr, sz, false, func(b []byte) (int, error) {
		n, err := f.PRead(ctx, b, off)
		off += int64(n)

		return n, err
	})
}

func sysLseek(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		fd  = args.FD(0)
		off = args.Off(1)
	)

	whence, ok := linux.DecodeWhence(args.Uint32(2))
	if !ok {
		return 0, errors.Wrapf(kernel.ErrBadOffset, "whence %d", args.Uint32(2))
	}

	f, err := t.Process.FDs.Get(fd)
	if err != nil {
		return 0, err
	}

	return f.Seek(ctx, off, whence)
}

func sysDup(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	fds := t.Process.FDs

	f, err := fds.Get(args.FD(0))
	if err != nil {
		return 0, err
	}

	f.IncRef()

	nfd, err := fds.Install(f, 0, false)
	if err != nil {
		f.DecRef()
		return 0, err
	}

	return int64(nfd), nil
}

func sysDup3(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		oldfd = args.FD(0)
		newfd = args.FD(1)
		flags = args.Uint32(2)
	)

	if flags&^uint32(linux.O_CLOEXEC) != 0 || oldfd == newfd {
		return 0, errors.Wrap(ErrBadCount, "dup3 flags")
	}

	fds := t.Process.FDs

	f, err := fds.Get(oldfd)
	if err != nil {
		return 0, err
	}

	f.IncRef()

	if err := fds.Replace(newfd, f, flags&uint32(linux.O_CLOEXEC) != 0); err != nil {
		f.DecRef()
		return 0, err
	}

	return int64(newfd), nil
}

// settableFlags are the status flags F_SETFL may change.
const settableFlags = linux.O_APPEND | linux.O_NONBLOCK | linux.O_DIRECT | linux.O_NOATIME

func sysFcntl(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		fd  = args.FD(0)
		cmd = args.Int32(1)
	)

	fds := t.Process.FDs

	f, err := fds.Get(fd)
	if err != nil {
		return 0, err
	}

	switch cmd {
	case linux.F_DUPFD, linux.F_DUPFD_CLOEXEC:
		min := args.Int32(2)
		if min < 0 {
			return 0, errors.Wrap(ErrBadCmd, "negative descriptor")
		}

		f.IncRef()

		nfd, err := fds.Install(f, int(min), cmd == linux.F_DUPFD_CLOEXEC)
		if err != nil {
			f.DecRef()
			return 0, err
		}

		return int64(nfd), nil
	case linux.F_GETFD:
		cloexec, err := fds.CloseOnExecFlag(fd)
		if err != nil {
			return 0, err
		}

		if cloexec {
			return linux.FD_CLOEXEC, nil
		}

		return 0, nil
	case linux.F_SETFD:
		return 0, fds.SetCloseOnExec(fd, args.Uint32(2)&linux.FD_CLOEXEC != 0)
	case linux.F_GETFL:
		return int64(f.Flags()), nil
	case linux.F_SETFL:
		next := linux.DecodeOpenFlags(args.Uint32(2))
		f.SetFlags(f.Flags()&^settableFlags | next&settableFlags)
		return 0, nil
	default:
		l.Trace("unsupported fcntl", "cmd", cmd)
		return 0, errors.Wrapf(ErrBadCmd, "fcntl %d", cmd)
	}
}

func sysIoctl(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	f, err := t.Process.FDs.Get(args.FD(0))
	if err != nil {
		return 0, err
	}

	return f.Ioctl(ctx, t, args.Uint32(1), args.Addr(2))
}

func sysFsync(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	f, err := t.Process.FDs.Get(args.FD(0))
	if err != nil {
		return 0, err
	}

	return 0, f.Sync()
}

// sendfileChunk bounds how much is staged in kernel memory at a time.
const sendfileChunk = 64 * 1024

func sysSendfile64(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		outfd   = args.FD(0)
		infd    = args.FD(1)
		offAddr = args.Addr(2)
		count   = clampCount(args.Size(3))
	)

	fds := t.Process.FDs

	out, err := fds.Get(outfd)
	if err != nil {
		return 0, err
	}

	in, err := fds.Get(infd)
	if err != nil {
		return 0, err
	}

	if !in.Flags().Readable() || !out.Flags().Writable() {
		return 0, kernel.ErrBadFD
	}

	var (
		usePos bool
		pos    int64
	)

	if offAddr != 0 {
		if err := t.CopyIn(offAddr, &pos); err != nil {
			return 0, err
		}

		if pos < 0 {
			return 0, kernel.ErrBadOffset
		}

		usePos = true
	}

	var total int64

	buf := make([]byte, sendfileChunk)

	for total < int64(count) {
		chunk := buf
		if rem := int64(count) - total; rem < int64(len(chunk)) {
			chunk = chunk[:rem]
		}

		var n int

		if usePos {
			n, err = in.PRead(ctx, chunk, pos)
			pos += int64(n)
		} else {
			n, err = in.Read(ctx, chunk)
		}

		if n == 0 || err != nil {
			break
		}

		w, werr := out.Write(ctx, chunk[:n])
		total += int64(w)

		if werr != nil {
			err = werr
			break
		}

		if w < n {
			break
		}
	}

	if usePos {
		if cerr := t.CopyOut(offAddr, pos); cerr != nil {
			return 0, cerr
		}
	}

	if total == 0 && err != nil {
		return 0, err
	}

	return total, nil
}

func sysPipe2(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		addr  = args.Addr(0)
		flags = args.Uint32(1)
	)

	if flags&^uint32(linux.O_CLOEXEC|linux.O_NONBLOCK|linux.O_DIRECT) != 0 {
		return 0, errors.Wrap(ErrBadCount, "pipe2 flags")
	}

	of := linux.OpenFlags(flags)
	cloexec := of&linux.O_CLOEXEC != 0

	r, w := kernel.NewPipe(of)

	fds := t.Process.FDs

	rfd, err := fds.Install(r, 0, cloexec)
	if err != nil {
		r.DecRef()
		w.DecRef()
		return 0, err
	}

	wfd, err := fds.Install(w, 0, cloexec)
	if err != nil {
		fds.Close(rfd)
		w.DecRef()
		return 0, err
	}

	if err := t.CopyOut(addr, [2]int32{int32(rfd), int32(wfd)}); err != nil {
		fds.Close(rfd)
		fds.Close(wfd)
		return 0, err
	}

	return 0, nil
}

func init() {
	Syscalls[linux.CLOSE] = sysClose
	Syscalls[linux.READ] = sysRead
	Syscalls[linux.WRITE] = sysWrite
	Syscalls[linux.READV] = sysReadv
	Syscalls[linux.WRITEV] = sysWritev
	Syscalls[linux.PREAD64] = sysPread64
	Syscalls[linux.LSEEK] = sysLseek
	Syscalls[linux.DUP] = sysDup
	Syscalls[linux.DUP3] = sysDup3
	Syscalls[linux.FCNTL64] = sysFcntl
	Syscalls[linux.IOCTL] = sysIoctl
	Syscalls[linux.FSYNC] = sysFsync
	Syscalls[linux.SENDFILE64] = sysSendfile64
	Syscalls[linux.PIPE2] = sysPipe2
}
