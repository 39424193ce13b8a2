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

var ErrFutexOp = abi.NewError(abi.ENOSYS, "unsupported futex operation")

// sysFutex takes uaddr, op, val, timeout (or val2), uaddr2, val3.
func sysFutex(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		addr  = args.Addr(0)
		val   = args.Uint32(2)
		addr2 = args.Addr(4)
		val3  = args.Uint32(5)
	)

	cmd, _, realtime := linux.DecodeFutexOp(args.Int32(1))

	ft := t.Process.Kernel.Futex
	mm := t.Memory()

	switch cmd {
	case linux.FUTEX_WAIT, linux.FUTEX_WAIT_BITSET:
		bitset := uint32(linux.FUTEX_BITSET_MATCH_ANY)
		if cmd == linux.FUTEX_WAIT_BITSET {
			bitset = val3
		}

		var deadline time.Time

		if ts := args.Addr(3); ts != 0 {
			var tspec linux.Timespec
			if err := t.CopyIn(ts, &tspec); err != nil {
				return 0, err
			}

			if !tspec.Valid() {
				return 0, kernel.ErrBadTime
			}

			switch {
			case cmd == linux.FUTEX_WAIT:
				// FUTEX_WAIT's timeout is relative.
				deadline = time.Now().Add(tspec.Duration())
			case realtime:
				deadline = time.Unix(tspec.Sec, tspec.Nsec)
			default:
				deadline = t.Process.Kernel.Clock.MonotonicDeadline(tspec)
			}
		}

		return 0, ft.Wait(ctx, t, addr, val, bitset, deadline)
	case linux.FUTEX_WAKE, linux.FUTEX_WAKE_BITSET:
		bitset := uint32(linux.FUTEX_BITSET_MATCH_ANY)
		if cmd == linux.FUTEX_WAKE_BITSET {
			bitset = val3
		}

		if bitset == 0 {
			return 0, kernel.ErrFutexBitset
		}

		return int64(ft.Wake(mm, addr, int(val), bitset)), nil
	case linux.FUTEX_REQUEUE, linux.FUTEX_CMP_REQUEUE:
		nrequeue := int(args.Int32(3))
		if int32(val) < 0 || nrequeue < 0 {
			return 0, errors.Wrap(ErrBadCount, "negative futex count")
		}

		var cmp *uint32
		if cmd == linux.FUTEX_CMP_REQUEUE {
			cmp = &val3
		}

		n, err := ft.Requeue(mm, addr, addr2, int(val), nrequeue, cmp)
		if err != nil {
			return 0, err
		}

		return int64(n), nil
	default:
		l.Debug("unsupported futex op", "op", cmd)
		return 0, errors.Wrapf(ErrFutexOp, "op %d", cmd)
	}
}

func sysSetRobustList(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return 0, t.SetRobustList(args.Addr(0), args.Size(1))
}

func sysGetRobustList(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		pid      = int(args.Int32(0))
		headAddr = args.Addr(1)
		lenAddr  = args.Addr(2)
	)

	target := t

	if pid != 0 {
		o, ok := t.Process.Kernel.Task(pid)
		if !ok {
			return 0, kernel.ErrNoSuchProcess
		}

		target = o
	}

	head, length := target.RobustList()

	if err := t.CopyOut(headAddr, head); err != nil {
		return 0, err
	}

	return 0, t.CopyOut(lenAddr, length)
}

func init() {
	Syscalls[linux.FUTEX] = sysFutex
	Syscalls[linux.SET_ROBUST_LIST] = sysSetRobustList
	Syscalls[linux.GET_ROBUST_LIST] = sysGetRobustList
}
