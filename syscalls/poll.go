package syscalls

import (
	"context"
	"time"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// withSigmask installs the mask at addr for a wait. The returned func
// puts the old mask back unless the wait was interrupted; then it stays
// until the signal is delivered on the way back to user mode.
func withSigmask(t *kernel.Task, addr, size uint64) (func(error), error) {
	if addr == 0 {
		return func(error) {}, nil
	}

	if size != linux.SignalSetSize {
		return nil, ErrSigsetSize
	}

	var set linux.SignalSet
	if err := t.CopyIn(addr, &set); err != nil {
		return nil, err
	}

	t.SetTemporarySigMask(set)

	return func(err error) {
		if abi.ErrnoOf(err) != abi.EINTR {
			t.RestoreSigMask()
		}
	}, nil
}

func sysPpoll(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		fdsAddr = args.Addr(0)
		nfds    = args.Size(1)
		tsAddr  = args.Addr(2)
	)

	if nfds > t.Process.Limit(linux.RLIMIT_NOFILE).Cur {
		return 0, errors.Wrapf(ErrBadCount, "nfds %d", nfds)
	}

	timeout := time.Duration(-1)

	if tsAddr != 0 {
		var ts linux.Timespec
		if err := t.CopyIn(tsAddr, &ts); err != nil {
			return 0, err
		}

		if !ts.Valid() {
			return 0, kernel.ErrBadTime
		}

		timeout = ts.Duration()
	}

	fds := make([]linux.PollFd, nfds)

	if nfds > 0 {
		if err := t.CopyIn(fdsAddr, fds); err != nil {
			return 0, err
		}
	}

	done, err := withSigmask(t, args.Addr(3), args.Size(4))
	if err != nil {
		return 0, err
	}

	n, err := t.Poll(ctx, fds, timeout)
	done(err)
	if err != nil {
		return 0, err
	}

	if nfds > 0 {
		if err := t.CopyOut(fdsAddr, fds); err != nil {
			return 0, err
		}
	}

	return int64(n), nil
}

func sysEpollCreate1(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	cloexec, ok := linux.DecodeEpollCreateFlags(args.Uint32(0))
	if !ok {
		return 0, errors.Wrapf(ErrBadFlags, "epoll_create1 %#x", args.Uint32(0))
	}

	f := kernel.NewEventPollFile()

	fd, err := t.Process.FDs.Install(f, 0, cloexec)
	if err != nil {
		f.DecRef()
		return 0, err
	}

	return int64(fd), nil
}

func eventPoll(t *kernel.Task, fd int) (*kernel.EventPoll, error) {
	f, err := t.Process.FDs.Get(fd)
	if err != nil {
		return nil, err
	}

	ep, ok := f.Impl.(*kernel.EventPoll)
	if !ok {
		return nil, kernel.ErrPollNotPoll
	}

	return ep, nil
}

func sysEpollCtl(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		epfd    = args.FD(0)
		fd      = args.FD(2)
		evAddr  = args.Addr(3)
		opValue = args.Int32(1)
	)

	op, ok := linux.DecodeEpollCtlOp(opValue)
	if !ok {
		return 0, errors.Wrapf(ErrBadCmd, "epoll_ctl op %d", opValue)
	}

	ep, err := eventPoll(t, epfd)
	if err != nil {
		return 0, err
	}

	f, err := t.Process.FDs.Get(fd)
	if err != nil {
		return 0, err
	}

	var ev linux.EpollEvent

	if op != linux.EPOLL_CTL_DEL {
		if err := t.CopyIn(evAddr, &ev); err != nil {
			return 0, err
		}
	}

	return 0, ep.Ctl(op, fd, f, ev)
}

// EpollMaxEvents bounds maxevents the way EP_MAX_EVENTS does.
const EpollMaxEvents = 0x7fffffff / 16

func sysEpollPwait(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		epfd    = args.FD(0)
		evAddr  = args.Addr(1)
		max     = int(args.Int32(2))
		timeout = args.Int32(3)
	)

	if max > EpollMaxEvents {
		return 0, kernel.ErrPollBadCount
	}

	ep, err := eventPoll(t, epfd)
	if err != nil {
		return 0, err
	}

	d := time.Duration(-1)
	if timeout >= 0 {
		d = time.Duration(timeout) * time.Millisecond
	}

	done, err := withSigmask(t, args.Addr(4), args.Size(5))
	if err != nil {
		return 0, err
	}

	evs, err := ep.Wait(ctx, t, max, d)
	done(err)
	if err != nil {
		return 0, err
	}

	if len(evs) > 0 {
		if err := t.CopyOut(evAddr, evs); err != nil {
			return 0, err
		}
	}

	return int64(len(evs)), nil
}

func init() {
	Syscalls[linux.PPOLL] = sysPpoll
	Syscalls[linux.EPOLL_CREATE] = sysEpollCreate1
	Syscalls[linux.EPOLL_CTL] = sysEpollCtl
	Syscalls[linux.EPOLL_WAIT] = sysEpollPwait
}
