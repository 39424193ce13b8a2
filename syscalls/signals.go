package syscalls

import (
	"context"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var ErrSigsetSize = abi.NewError(abi.EINVAL, "invalid sigset size")

func sysRtSigaction(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		signo   = int(args.Int32(0))
		actAddr = args.Addr(1)
		oldAddr = args.Addr(2)
	)

	if args.Size(3) != linux.SignalSetSize {
		return 0, ErrSigsetSize
	}

	var act *linux.SigAction

	if actAddr != 0 {
		act = new(linux.SigAction)
		if err := t.CopyIn(actAddr, act); err != nil {
			l.Error("error copying sigaction", "error", err)
			return 0, err
		}
	}

	old, err := t.Process.SigAction(signo, act)
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

func sysRtSigprocmask(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		setAddr = args.Addr(1)
		oldAddr = args.Addr(2)
	)

	if args.Size(3) != linux.SignalSetSize {
		return 0, ErrSigsetSize
	}

	old := t.SigMask()

	if setAddr != 0 {
		how, ok := linux.DecodeSigMaskHow(args.Uint64(0))
		if !ok {
			return 0, errors.Wrapf(ErrBadCmd, "sigprocmask how %d", args.Uint64(0))
		}

		var set linux.SignalSet
		if err := t.CopyIn(setAddr, &set); err != nil {
			return 0, err
		}

		old = t.SetSigMask(how, set)
	}

	if oldAddr != 0 {
		if err := t.CopyOut(oldAddr, old); err != nil {
			return 0, err
		}
	}

	return 0, nil
}

// sysRtSigreturn resumes the interrupted trap, so its result is whatever
// that trap returned.
func sysRtSigreturn(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	ret, err := t.SigReturn()
	if err != nil {
		l.Error("sigreturn without a signal frame", "task", t.Tid)
		return 0, err
	}

	return ret, nil
}

func sysKill(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		pid   = int(args.Int32(0))
		signo = int(args.Int32(1))
	)

	return 0, t.Process.Kernel.Kill(t.Process, pid, signo)
}

func sysTkill(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	var (
		tid   = int(args.Int32(0))
		signo = int(args.Int32(1))
	)

	if tid <= 0 {
		return 0, kernel.ErrBadSignal
	}

	return 0, t.Process.Kernel.Tkill(tid, signo)
}

func init() {
	Syscalls[linux.SIGACTION] = sysRtSigaction
	Syscalls[linux.SIGPROCMASK] = sysRtSigprocmask
	Syscalls[linux.SIGRETURN] = sysRtSigreturn
	Syscalls[linux.KILL] = sysKill
	Syscalls[linux.TKILL] = sysTkill
}
