package syscalls

import (
	"context"
	"time"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

func sysClockGetTime(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	ts, err := t.Process.Kernel.Clock.Now(t, int(args.Int32(0)))
	if err != nil {
		return 0, err
	}

	return 0, t.CopyOut(args.Addr(1), ts)
}

func sysGettimeofday(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	if addr := args.Addr(0); addr != 0 {
		now := t.Process.Kernel.Clock.Realtime()

		tv := linux.Timeval{Sec: now.Unix(), Usec: int64(now.Nanosecond() / 1000)}
		if err := t.CopyOut(addr, tv); err != nil {
			return 0, err
		}
	}

	// The timezone argument is obsolete; a zeroed struct timezone is
	// reported.
	if addr := args.Addr(1); addr != 0 {
		if err := t.CopyOut(addr, [2]int32{}); err != nil {
			return 0, err
		}
	}

	return 0, nil
}

func sysNanosleep(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		reqAddr = args.Addr(0)
		remAddr = args.Addr(1)
	)

	var req linux.Timespec
	if err := t.CopyIn(reqAddr, &req); err != nil {
		return 0, err
	}

	if !req.Valid() {
		return 0, kernel.ErrBadTime
	}

	left, err := t.Sleep(ctx, req.Duration())
	if err != nil {
		if remAddr != 0 {
			if cerr := t.CopyOut(remAddr, linux.DurationToTimespec(left)); cerr != nil {
				return 0, cerr
			}
		}

		return 0, err
	}

	return 0, nil
}

func sysTimes(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	if addr := args.Addr(0); addr != 0 {
		if err := t.CopyOut(addr, t.Process.Times()); err != nil {
			return 0, err
		}
	}

	up := t.Process.Kernel.Clock.Monotonic()

	return int64(up / (time.Second / linux.ClockTicks)), nil
}

// sysSetitimer takes the new value from the second argument and stores
// the old one through the third.
func sysSetitimer(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		which   = int(args.Int32(0))
		valAddr = args.Addr(1)
		oldAddr = args.Addr(2)
	)

	var val linux.ItimerVal

	if valAddr != 0 {
		if err := t.CopyIn(valAddr, &val); err != nil {
			return 0, err
		}
	}

	old, err := t.Process.SetITimer(which, val)
	if err != nil {
		return 0, err
	}

	if oldAddr != 0 {
		if err := t.CopyOut(oldAddr, old); err != nil {
			return 0, err
		}
	}

	return 0, nil
}

func sysGetitimer(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	val, err := t.Process.GetITimer(int(args.Int32(0)))
	if err != nil {
		return 0, err
	}

	return 0, t.CopyOut(args.Addr(1), val)
}

func sysGetrusage(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	ru, err := t.Rusage(int(args.Int32(0)))
	if err != nil {
		return 0, err
	}

	return 0, t.CopyOut(args.Addr(1), ru)
}

func sysPrlimit64(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		pid      = int(args.Int32(0))
		resource = int(args.Int32(1))
		newAddr  = args.Addr(2)
		oldAddr  = args.Addr(3)
	)

	if pid < 0 {
		return 0, errors.Wrap(kernel.ErrBadResource, "negative pid")
	}

	var next *linux.RLimit

	if newAddr != 0 {
		next = new(linux.RLimit)
		if err := t.CopyIn(newAddr, next); err != nil {
			return 0, err
		}
	}

	old, err := t.Process.Kernel.Prlimit(t, pid, resource, next)
	if err != nil {
		return 0, err
	}

	if oldAddr != 0 {
		if err := t.CopyOut(oldAddr, old); err != nil {
			return 0, err
		}
	}

	return 0, nil
}

func init() {
	Syscalls[linux.CLOCK_GET_TIME] = sysClockGetTime
	Syscalls[linux.GETTIMEOFDAY] = sysGettimeofday
	Syscalls[linux.NANO_SLEEP] = sysNanosleep
	Syscalls[linux.TIMES] = sysTimes
	Syscalls[linux.SETITIMER] = sysSetitimer
	Syscalls[linux.GETTIMER] = sysGetitimer
	Syscalls[linux.GETRUSAGE] = sysGetrusage
	Syscalls[linux.PRLIMIT64] = sysPrlimit64
}
