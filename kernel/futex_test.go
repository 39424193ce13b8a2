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

const futexAddr = 0x10200

func waitAsync(ft *FutexTable, t *Task, addr uint64, val, bitset uint32, deadline time.Time) chan error {
	errs := make(chan error, 1)

	go func() {
		errs <- ft.Wait(context.Background(), t, addr, val, bitset, deadline)
	}()

	return errs
}

func waitForWaiters(t *testing.T, ft *FutexTable, n int) {
	require.Eventually(t, func() bool {
		return ft.Waiting() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFutex(t *testing.T) {
	n := neko.Modern(t)

	n.It("fails with EAGAIN when the value differs", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		require.NoError(t, init.CopyOut(futexAddr, uint32(3)))

		err := k.Futex.Wait(context.Background(), init, futexAddr, 4, linux.FUTEX_BITSET_MATCH_ANY, time.Time{})
		require.Equal(t, int64(abi.EAGAIN), abi.ErrnoOf(err))
	})

	n.It("rejects unaligned addresses and empty bitsets", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		err := k.Futex.Wait(context.Background(), init, futexAddr+1, 0, linux.FUTEX_BITSET_MATCH_ANY, time.Time{})
		require.Equal(t, int64(abi.EINVAL), abi.ErrnoOf(err))

		err = k.Futex.Wait(context.Background(), init, futexAddr, 0, 0, time.Time{})
		require.Equal(t, int64(abi.EINVAL), abi.ErrnoOf(err))
	})

	n.It("wakes a waiter", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		errs := waitAsync(k.Futex, init, futexAddr, 0, linux.FUTEX_BITSET_MATCH_ANY, time.Time{})
		waitForWaiters(t, k.Futex, 1)

		require.Equal(t, 1, k.Futex.Wake(init.Memory(), futexAddr, 1, linux.FUTEX_BITSET_MATCH_ANY))
		require.NoError(t, <-errs)
		require.Equal(t, 0, k.Futex.Waiting())
	})

	n.It("only wakes waiters with an intersecting bitset", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		errs := waitAsync(k.Futex, init, futexAddr, 0, 0x1, time.Time{})
		waitForWaiters(t, k.Futex, 1)

		require.Equal(t, 0, k.Futex.Wake(init.Memory(), futexAddr, 1, 0x2))
		require.Equal(t, 1, k.Futex.Wake(init.Memory(), futexAddr, 1, 0x3))
		require.NoError(t, <-errs)
	})

	n.It("times out", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		err := k.Futex.Wait(context.Background(), init, futexAddr, 0, linux.FUTEX_BITSET_MATCH_ANY, time.Now().Add(20*time.Millisecond))
		require.Equal(t, int64(abi.ETIMEDOUT), abi.ErrnoOf(err))
		require.Equal(t, 0, k.Futex.Waiting())
	})

	n.It("is interrupted by a signal", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		_, err := init.Process.SigAction(linux.SIGUSR1, &linux.SigAction{Handler: 0x4000})
		require.NoError(t, err)

		errs := waitAsync(k.Futex, init, futexAddr, 0, linux.FUTEX_BITSET_MATCH_ANY, time.Time{})
		waitForWaiters(t, k.Futex, 1)

		require.NoError(t, init.SendSignal(linux.SIGUSR1))

		require.Equal(t, int64(abi.EINTR), abi.ErrnoOf(<-errs))
	})

	n.It("requeues waiters to another address", func(t *testing.T) {
		k := newTestKernel(t)

		release := make(chan struct{})
		defer close(release)

		init := newInit(t, k, func(ctx context.Context, t *Task) {
			<-release
		})

		const other = futexAddr + 8

		thread, err := init.Clone(CloneArgs{
			Flags: linux.CLONE_VM | linux.CLONE_SIGHAND | linux.CLONE_THREAD,
		})
		require.NoError(t, err)

		second, ok := k.Task(thread)
		require.True(t, ok)

		first := waitAsync(k.Futex, init, futexAddr, 0, linux.FUTEX_BITSET_MATCH_ANY, time.Time{})
		waitForWaiters(t, k.Futex, 1)

		moved := waitAsync(k.Futex, second, futexAddr, 0, linux.FUTEX_BITSET_MATCH_ANY, time.Time{})
		waitForWaiters(t, k.Futex, 2)

		cmp := uint32(0)
		total, err := k.Futex.Requeue(init.Memory(), futexAddr, other, 1, 1, &cmp)
		require.NoError(t, err)
		require.Equal(t, 2, total)

		require.NoError(t, <-first)

		require.Equal(t, 0, k.Futex.Wake(init.Memory(), futexAddr, 1, linux.FUTEX_BITSET_MATCH_ANY))
		require.Equal(t, 1, k.Futex.Wake(init.Memory(), other, 1, linux.FUTEX_BITSET_MATCH_ANY))
		require.NoError(t, <-moved)
	})

	n.It("refuses to requeue when the compare value differs", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		cmp := uint32(9)
		_, err := k.Futex.Requeue(init.Memory(), futexAddr, futexAddr+8, 1, 1, &cmp)
		require.Equal(t, int64(abi.EAGAIN), abi.ErrnoOf(err))
	})

	n.It("releases a wait nobody can wake", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		errs := waitAsync(k.Futex, init, futexAddr, 0, linux.FUTEX_BITSET_MATCH_ANY, time.Time{})
		waitForWaiters(t, k.Futex, 1)

		k.Futex.CheckDeadWait()

		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("dead wait was not released")
		}
	})

	n.It("leaves a wait alone while another thread runs", func(t *testing.T) {
		k := newTestKernel(t)

		release := make(chan struct{})
		defer close(release)

		init := newInit(t, k, func(ctx context.Context, t *Task) {
			<-release
		})

		_, err := init.Clone(CloneArgs{
			Flags: linux.CLONE_VM | linux.CLONE_SIGHAND | linux.CLONE_THREAD,
		})
		require.NoError(t, err)

		errs := waitAsync(k.Futex, init, futexAddr, 0, linux.FUTEX_BITSET_MATCH_ANY, time.Time{})
		waitForWaiters(t, k.Futex, 1)

		k.Futex.CheckDeadWait()
		require.Equal(t, 1, k.Futex.Waiting())

		k.Futex.Wake(init.Memory(), futexAddr, 1, linux.FUTEX_BITSET_MATCH_ANY)
		require.NoError(t, <-errs)
	})

	n.It("only scans for dead waits after something changed", func(t *testing.T) {
		k := newTestKernel(t)

		release := make(chan struct{})
		defer close(release)

		init := newInit(t, k, func(ctx context.Context, t *Task) {
			<-release
		})

		_, err := init.Clone(CloneArgs{
			Flags: linux.CLONE_VM | linux.CLONE_SIGHAND | linux.CLONE_THREAD,
		})
		require.NoError(t, err)

		k.Futex.CheckDeadWait()
		require.Equal(t, uint64(0), k.Futex.Scans())

		errs := waitAsync(k.Futex, init, futexAddr, 0, linux.FUTEX_BITSET_MATCH_ANY, time.Time{})
		waitForWaiters(t, k.Futex, 1)

		before := k.Futex.Scans()

		for i := 0; i < 100; i++ {
			k.Futex.CheckDeadWait()
		}

		require.Equal(t, before+1, k.Futex.Scans())
		require.Equal(t, 1, k.Futex.Waiting())

		k.Futex.noteChange()
		k.Futex.CheckDeadWait()
		require.Equal(t, before+2, k.Futex.Scans())

		k.Futex.Wake(init.Memory(), futexAddr, 1, linux.FUTEX_BITSET_MATCH_ANY)
		require.NoError(t, <-errs)
	})

	n.It("scans again when a thread exits", func(t *testing.T) {
		k := newTestKernel(t)

		release := make(chan struct{})

		init := newInit(t, k, func(ctx context.Context, t *Task) {
			<-release
		})

		_, err := init.Clone(CloneArgs{
			Flags: linux.CLONE_VM | linux.CLONE_SIGHAND | linux.CLONE_THREAD,
		})
		require.NoError(t, err)

		errs := waitAsync(k.Futex, init, futexAddr, 0, linux.FUTEX_BITSET_MATCH_ANY, time.Time{})
		waitForWaiters(t, k.Futex, 1)

		k.Futex.CheckDeadWait()
		require.Equal(t, 1, k.Futex.Waiting())

		close(release)

		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("wait left behind by the exiting thread was not released")
		}
	})

	n.It("never releases a timed wait", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		errs := waitAsync(k.Futex, init, futexAddr, 0, linux.FUTEX_BITSET_MATCH_ANY, time.Now().Add(100*time.Millisecond))
		waitForWaiters(t, k.Futex, 1)

		k.Futex.CheckDeadWait()

		require.Equal(t, int64(abi.ETIMEDOUT), abi.ErrnoOf(<-errs))
	})

	n.It("marks held robust futexes owner-died on exit", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		const (
			head = 0x10400
			lock = 0x10500
		)

		// A one entry list whose futex word sits at offset 8 of the entry.
		require.NoError(t, init.CopyOut(head, struct {
			Next          uint64
			FutexOffset   int64
			ListOpPending uint64
		}{Next: lock, FutexOffset: 8}))

		require.NoError(t, init.CopyOut(lock, uint64(head)))
		require.NoError(t, init.CopyOut(lock+8, uint32(init.Tid)|futexWaitersBit))

		require.Error(t, init.SetRobustList(head, 8))
		require.NoError(t, init.SetRobustList(head, linux.RobustListHeadSize))

		init.exitRobustList()

		var word uint32
		require.NoError(t, init.CopyIn(lock+8, &word))
		require.Equal(t, uint32(futexWaitersBit|futexOwnerDiedBit), word)
	})

	n.Meow()
}
