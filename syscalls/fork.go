package syscalls

import (
	"context"
	"runtime"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// sysClone follows the riscv64 argument order: flags, stack, parent tid,
// tls, child tid.
func sysClone(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	flags, exitSignal := linux.DecodeCloneFlags(args.Uint64(0))

	ca := kernel.CloneArgs{
		Flags:      flags,
		ExitSignal: exitSignal,
		Stack:      args.Addr(1),
		ParentTID:  args.Addr(2),
		ChildTID:   args.Addr(4),
	}

	if flags&linux.CLONE_SETTLS != 0 {
		ca.TLS = args.Addr(3)
	}

	tid, err := t.Clone(ca)
	if err != nil {
		l.Debug("clone failed", "flags", flags, "error", err)
		return 0, err
	}

	return int64(tid), nil
}

func sysWait4(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		pid       = int(args.Int32(0))
		statAddr  = args.Addr(1)
		usageAddr = args.Addr(3)
	)

	opts, ok := linux.DecodeWaitFlags(args.Uint32(2))
	if !ok {
		return 0, errors.Wrapf(ErrBadFlags, "wait4 options %#x", args.Uint32(2))
	}

	// Every process is in one group, so group waits are waits for any
	// child.
	if pid < -1 || pid == 0 {
		pid = -1
	}

	res, err := t.Wait(ctx, pid, opts&linux.WNOHANG == 0)
	if err != nil {
		return 0, err
	}

	if res.Pid == 0 {
		return 0, nil
	}

	l.Trace("wait4-found-child", "pid", res.Pid, "status", res.Status.Code)

	if statAddr != 0 {
		if err := t.CopyOut(statAddr, res.Status.Status()); err != nil {
			return 0, err
		}
	}

	if usageAddr != 0 {
		if err := t.CopyOut(usageAddr, res.Usage.Rusage()); err != nil {
			return 0, err
		}
	}

	return int64(res.Pid), nil
}

func sysExit(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	t.Exit(int(args.Int32(0)))
	return 0, nil
}

func sysExitGroup(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	t.ExitGroup(int(args.Int32(0)))
	return 0, nil
}

func sysSetTidAddress(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	t.SetClearTID(args.Addr(0))
	return int64(t.Tid), nil
}

func sysSchedYield(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	runtime.Gosched()
	return 0, nil
}

func init() {
	Syscalls[linux.CLONE] = sysClone
	Syscalls[linux.WAIT4] = sysWait4
	Syscalls[linux.EXIT] = sysExit
	Syscalls[linux.EXIT_GROUP] = sysExitGroup
	Syscalls[linux.SET_TID_ADDRESS] = sysSetTidAddress
	Syscalls[linux.SCHED_YIELD] = sysSchedYield
}
