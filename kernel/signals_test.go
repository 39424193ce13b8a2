package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

// handlerContext records the handlers it is asked to run.
type handlerContext struct {
	funcContext
	entered []int
}

func (h *handlerContext) EnterHandler(ctx context.Context, t *Task, signo int, act linux.SigAction) error {
	h.entered = append(h.entered, signo)
	return nil
}

// parked blocks a program until release closes or a signal arrives, then
// takes its signals.
func parked(release chan struct{}) func(ctx context.Context, t *Task) {
	return func(ctx context.Context, t *Task) {
		ctx, done := t.Interruptible(ctx)
		defer done()

		select {
		case <-release:
		case <-ctx.Done():
		}

		t.HandleSignals(ctx, 0)
	}
}

func TestSignals(t *testing.T) {
	n := neko.Modern(t)

	ctx := context.Background()

	n.It("holds blocked signals until they are unblocked", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		hc := &handlerContext{}
		init.setUserContext(hc)

		_, err := init.Process.SigAction(linux.SIGUSR1, &linux.SigAction{Handler: 0x4000})
		require.NoError(t, err)

		init.SetSigMask(linux.SIG_BLOCK, linux.SignalBit(linux.SIGUSR1))

		require.NoError(t, init.Process.SendSignal(linux.SIGUSR1))

		require.Equal(t, int64(7), init.HandleSignals(ctx, 7))
		require.Empty(t, hc.entered)
		require.True(t, init.PendingSignals().Has(linux.SIGUSR1))

		init.SetSigMask(linux.SIG_UNBLOCK, linux.SignalBit(linux.SIGUSR1))

		init.HandleSignals(ctx, 7)
		require.Equal(t, []int{linux.SIGUSR1}, hc.entered)
		require.False(t, init.PendingSignals().Has(linux.SIGUSR1))
	})

	n.It("masks the signal while its handler runs and restores on return", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		hc := &handlerContext{}
		init.setUserContext(hc)

		_, err := init.Process.SigAction(linux.SIGUSR2, &linux.SigAction{
			Handler: 0x4000,
			Mask:    uint64(linux.SignalBit(linux.SIGHUP)),
		})
		require.NoError(t, err)

		require.NoError(t, init.SendSignal(linux.SIGUSR2))

		init.HandleSignals(ctx, -int64(abi.EINTR))

		mask := init.SigMask()
		require.True(t, mask.Has(linux.SIGUSR2))
		require.True(t, mask.Has(linux.SIGHUP))

		ret, err := init.SigReturn()
		require.NoError(t, err)
		require.Equal(t, -int64(abi.EINTR), ret)

		require.Equal(t, linux.SignalSet(0), init.SigMask())
	})

	n.It("runs a handler unblocked only by a temporary mask", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		hc := &handlerContext{}
		init.setUserContext(hc)

		_, err := init.Process.SigAction(linux.SIGUSR1, &linux.SigAction{Handler: 0x4000})
		require.NoError(t, err)

		usr1 := linux.SignalBit(linux.SIGUSR1)

		init.SetSigMask(linux.SIG_BLOCK, usr1)
		require.NoError(t, init.SendSignal(linux.SIGUSR1))

		init.SetTemporarySigMask(0)
		require.False(t, init.SigMask().Has(linux.SIGUSR1))

		init.HandleSignals(ctx, -int64(abi.EINTR))
		require.Equal(t, []int{linux.SIGUSR1}, hc.entered)

		// The handler runs with the temporary mask plus its own signal.
		require.Equal(t, usr1, init.SigMask())

		ret, err := init.SigReturn()
		require.NoError(t, err)
		require.Equal(t, -int64(abi.EINTR), ret)

		require.Equal(t, usr1, init.SigMask())

		init.HandleSignals(ctx, 0)
		require.Equal(t, usr1, init.SigMask())
	})

	n.It("drops a temporary mask when no signal is delivered", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		hup := linux.SignalBit(linux.SIGHUP)
		init.SetSigMask(linux.SIG_BLOCK, hup)

		init.SetTemporarySigMask(linux.SignalBit(linux.SIGUSR2))
		init.SetTemporarySigMask(linux.SignalBit(linux.SIGTERM))
		require.Equal(t, linux.SignalBit(linux.SIGTERM), init.SigMask())

		require.Equal(t, int64(5), init.HandleSignals(ctx, 5))
		require.Equal(t, hup, init.SigMask())

		init.SetTemporarySigMask(0)
		init.RestoreSigMask()
		require.Equal(t, hup, init.SigMask())
	})

	n.It("fails sigreturn without a handler frame", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		_, err := init.SigReturn()
		require.Equal(t, int64(abi.EFAULT), abi.ErrnoOf(err))
	})

	n.It("resets a one-shot handler after delivery", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		init.setUserContext(&handlerContext{})

		_, err := init.Process.SigAction(linux.SIGUSR1, &linux.SigAction{Handler: 0x4000, Flags: linux.SA_RESETHAND})
		require.NoError(t, err)

		require.NoError(t, init.SendSignal(linux.SIGUSR1))
		init.HandleSignals(ctx, 0)

		old, err := init.Process.SigAction(linux.SIGUSR1, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(linux.SIG_DFL), old.Handler)
	})

	n.It("discards pending signals that become ignored", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		init.SetSigMask(linux.SIG_BLOCK, linux.SignalBit(linux.SIGUSR2))
		require.NoError(t, init.Process.SendSignal(linux.SIGUSR2))
		require.True(t, init.PendingSignals().Has(linux.SIGUSR2))

		_, err := init.Process.SigAction(linux.SIGUSR2, &linux.SigAction{Handler: linux.SIG_IGN})
		require.NoError(t, err)

		require.False(t, init.PendingSignals().Has(linux.SIGUSR2))
	})

	n.It("drops signals whose default is to ignore", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		require.NoError(t, init.Process.SendSignal(linux.SIGCHLD))
		require.False(t, init.PendingSignals().Has(linux.SIGCHLD))
	})

	n.It("refuses to change SIGKILL and SIGSTOP", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		for _, signo := range []int{linux.SIGKILL, linux.SIGSTOP} {
			_, err := init.Process.SigAction(signo, &linux.SigAction{Handler: linux.SIG_IGN})
			require.Equal(t, int64(abi.EINVAL), abi.ErrnoOf(err))
		}

		_, err := init.Process.SigAction(0, nil)
		require.Equal(t, int64(abi.EINVAL), abi.ErrnoOf(err))

		_, err = init.Process.SigAction(linux.NSIG+1, nil)
		require.Equal(t, int64(abi.EINVAL), abi.ErrnoOf(err))
	})

	n.It("never blocks SIGKILL", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		init.SetSigMask(linux.SIG_SETMASK, ^linux.SignalSet(0))
		require.False(t, init.SigMask().Has(linux.SIGKILL))
	})

	n.It("discards handled signals the context can not run", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		_, err := init.Process.SigAction(linux.SIGUSR1, &linux.SigAction{Handler: 0x4000})
		require.NoError(t, err)

		require.NoError(t, init.SendSignal(linux.SIGUSR1))
		require.Equal(t, int64(3), init.HandleSignals(ctx, 3))

		require.False(t, init.PendingSignals().Has(linux.SIGUSR1))

		st, _ := init.Process.Status()
		require.Equal(t, Running, st)
	})

	n.It("targets kill by pid", func(t *testing.T) {
		k := newTestKernel(t)

		release := make(chan struct{})
		defer close(release)

		init := newInit(t, k, parked(release))

		pid := fork(t, init)

		require.Equal(t, int64(abi.ESRCH), abi.ErrnoOf(k.Kill(init.Process, 999, linux.SIGTERM)))
		require.NoError(t, k.Kill(init.Process, pid, 0))
		require.Equal(t, int64(abi.EINVAL), abi.ErrnoOf(k.Kill(init.Process, pid, 100)))

		require.NoError(t, k.Kill(init.Process, pid, linux.SIGKILL))

		res, err := init.Wait(ctx, pid, true)
		require.NoError(t, err)
		require.Equal(t, linux.SIGKILL, res.Status.Signo)
	})

	n.It("skips init and the sender when broadcasting", func(t *testing.T) {
		k := newTestKernel(t)

		release := make(chan struct{})
		defer close(release)

		init := newInit(t, k, parked(release))

		pid := fork(t, init)
		other := fork(t, init)

		child, ok := k.Process(pid)
		require.True(t, ok)

		require.NoError(t, k.Kill(child, -1, linux.SIGTERM))

		res, err := init.Wait(ctx, other, true)
		require.NoError(t, err)
		require.Equal(t, linux.SIGTERM, res.Status.Signo)

		st, _ := child.Status()
		require.Equal(t, Running, st)

		st, _ = init.Process.Status()
		require.Equal(t, Running, st)
	})

	n.It("interrupts a sleeping task", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		_, err := init.Process.SigAction(linux.SIGUSR1, &linux.SigAction{Handler: 0x4000})
		require.NoError(t, err)

		go func() {
			time.Sleep(30 * time.Millisecond)
			k.Tkill(init.Tid, linux.SIGUSR1)
		}()

		left, err := init.Sleep(ctx, 5*time.Second)
		require.Equal(t, int64(abi.EINTR), abi.ErrnoOf(err))
		require.True(t, left > 0)
	})

	n.Meow()
}
