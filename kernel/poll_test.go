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

func installPipe(t *testing.T, task *Task, flags linux.OpenFlags) (int, int, *File) {
	r, w := NewPipe(flags)

	rfd, err := task.Process.FDs.Install(r, 0, false)
	require.NoError(t, err)

	wfd, err := task.Process.FDs.Install(w, 0, false)
	require.NoError(t, err)

	return rfd, wfd, w
}

func TestPoll(t *testing.T) {
	n := neko.Modern(t)

	ctx := context.Background()

	n.It("reports ready descriptors without waiting", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		rfd, wfd, _ := installPipe(t, init, 0)

		fds := []linux.PollFd{
			{Fd: int32(rfd), Events: linux.POLLIN},
			{Fd: int32(wfd), Events: linux.POLLOUT},
			{Fd: -1, Events: linux.POLLIN},
			{Fd: 40, Events: linux.POLLIN},
		}

		n, err := init.Poll(ctx, fds, 0)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		require.Equal(t, int16(0), fds[0].Revents)
		require.Equal(t, int16(linux.POLLOUT), fds[1].Revents)
		require.Equal(t, int16(0), fds[2].Revents)
		require.Equal(t, int16(linux.POLLNVAL), fds[3].Revents)
	})

	n.It("waits for data", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		rfd, _, w := installPipe(t, init, 0)

		go func() {
			time.Sleep(20 * time.Millisecond)
			w.Write(ctx, []byte("x"))
		}()

		fds := []linux.PollFd{{Fd: int32(rfd), Events: linux.POLLIN}}

		n, err := init.Poll(ctx, fds, -1)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, int16(linux.POLLIN), fds[0].Revents)
	})

	n.It("reports hangup even when not asked", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		rfd, wfd, _ := installPipe(t, init, 0)
		require.NoError(t, init.Process.FDs.Close(wfd))

		fds := []linux.PollFd{{Fd: int32(rfd)}}

		n, err := init.Poll(ctx, fds, 0)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		require.Equal(t, int16(linux.POLLHUP), fds[0].Revents)
	})

	n.It("returns zero when the timeout passes", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		rfd, _, _ := installPipe(t, init, 0)

		fds := []linux.PollFd{{Fd: int32(rfd), Events: linux.POLLIN}}

		n, err := init.Poll(ctx, fds, 20*time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, 0, n)
	})

	n.Meow()
}

func TestEventPoll(t *testing.T) {
	n := neko.Modern(t)

	ctx := context.Background()

	n.It("reports level triggered readiness until drained", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		r, w := NewPipe(0)

		epf := NewEventPollFile()
		ep := epf.Impl.(*EventPoll)

		require.NoError(t, ep.Ctl(linux.EPOLL_CTL_ADD, 3, r, linux.EpollEvent{Events: linux.POLLIN, Data: 42}))

		evs, err := ep.Wait(ctx, init, 8, 0)
		require.NoError(t, err)
		require.Empty(t, evs)

		_, err = w.Write(ctx, []byte("ab"))
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			evs, err = ep.Wait(ctx, init, 8, 0)
			require.NoError(t, err)
			require.Len(t, evs, 1)
			require.Equal(t, uint64(42), evs[0].Data)
			require.Equal(t, uint32(linux.POLLIN), evs[0].Events)
		}

		_, err = r.Read(ctx, make([]byte, 2))
		require.NoError(t, err)

		evs, err = ep.Wait(ctx, init, 8, 0)
		require.NoError(t, err)
		require.Empty(t, evs)
	})

	n.It("reports an edge once", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		r, w := NewPipe(0)

		ep := NewEventPollFile().Impl.(*EventPoll)

		require.NoError(t, ep.Ctl(linux.EPOLL_CTL_ADD, 3, r, linux.EpollEvent{Events: linux.POLLIN | linux.EPOLLET}))

		_, err := w.Write(ctx, []byte("a"))
		require.NoError(t, err)

		evs, err := ep.Wait(ctx, init, 8, 0)
		require.NoError(t, err)
		require.Len(t, evs, 1)

		evs, err = ep.Wait(ctx, init, 8, 0)
		require.NoError(t, err)
		require.Empty(t, evs)

		_, err = w.Write(ctx, []byte("b"))
		require.NoError(t, err)

		evs, err = ep.Wait(ctx, init, 8, 0)
		require.NoError(t, err)
		require.Len(t, evs, 1)
	})

	n.It("disables one-shot entries until modified", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		r, w := NewPipe(0)

		ep := NewEventPollFile().Impl.(*EventPoll)

		ev := linux.EpollEvent{Events: linux.POLLIN | linux.EPOLLONESHOT}
		require.NoError(t, ep.Ctl(linux.EPOLL_CTL_ADD, 3, r, ev))

		_, err := w.Write(ctx, []byte("a"))
		require.NoError(t, err)

		evs, err := ep.Wait(ctx, init, 8, 0)
		require.NoError(t, err)
		require.Len(t, evs, 1)

		evs, err = ep.Wait(ctx, init, 8, 0)
		require.NoError(t, err)
		require.Empty(t, evs)

		require.NoError(t, ep.Ctl(linux.EPOLL_CTL_MOD, 3, r, ev))

		evs, err = ep.Wait(ctx, init, 8, 0)
		require.NoError(t, err)
		require.Len(t, evs, 1)
	})

	n.It("wakes a blocked wait", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		r, w := NewPipe(0)

		ep := NewEventPollFile().Impl.(*EventPoll)
		require.NoError(t, ep.Ctl(linux.EPOLL_CTL_ADD, 3, r, linux.EpollEvent{Events: linux.POLLIN | linux.EPOLLET}))

		go func() {
			time.Sleep(20 * time.Millisecond)
			w.Write(ctx, []byte("a"))
		}()

		evs, err := ep.Wait(ctx, init, 8, -1)
		require.NoError(t, err)
		require.Len(t, evs, 1)
	})

	n.It("validates control operations", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		r, _ := NewPipe(0)

		epf := NewEventPollFile()
		ep := epf.Impl.(*EventPoll)

		require.Equal(t, int64(abi.ENOENT), abi.ErrnoOf(ep.Ctl(linux.EPOLL_CTL_MOD, 3, r, linux.EpollEvent{})))
		require.Equal(t, int64(abi.ENOENT), abi.ErrnoOf(ep.Ctl(linux.EPOLL_CTL_DEL, 3, r, linux.EpollEvent{})))

		require.NoError(t, ep.Ctl(linux.EPOLL_CTL_ADD, 3, r, linux.EpollEvent{Events: linux.POLLIN}))
		require.Equal(t, int64(abi.EEXIST), abi.ErrnoOf(ep.Ctl(linux.EPOLL_CTL_ADD, 3, r, linux.EpollEvent{})))

		require.Equal(t, int64(abi.EINVAL), abi.ErrnoOf(ep.Ctl(linux.EPOLL_CTL_ADD, 4, epf, linux.EpollEvent{})))

		fd, err := init.Open(ctx, linux.AT_FDCWD, "/file", linux.O_CREAT|linux.O_RDWR, 0644)
		require.NoError(t, err)

		f, err := init.Process.FDs.Get(fd)
		require.NoError(t, err)

		require.Equal(t, int64(abi.EPERM), abi.ErrnoOf(ep.Ctl(linux.EPOLL_CTL_ADD, fd, f, linux.EpollEvent{})))

		_, err = ep.Wait(ctx, init, 0, 0)
		require.Equal(t, int64(abi.EINVAL), abi.ErrnoOf(err))
	})

	n.It("is readable when a watched file is ready", func(t *testing.T) {
		r, w := NewPipe(0)

		inner := NewEventPollFile()
		require.NoError(t, inner.Impl.(*EventPoll).Ctl(linux.EPOLL_CTL_ADD, 3, r, linux.EpollEvent{Events: linux.POLLIN}))

		outer := NewEventPollFile().Impl.(*EventPoll)
		require.NoError(t, outer.Ctl(linux.EPOLL_CTL_ADD, 4, inner, linux.EpollEvent{Events: linux.POLLIN}))

		require.Empty(t, outer.harvest(8))

		_, err := w.Write(ctx, []byte("a"))
		require.NoError(t, err)

		require.Len(t, outer.harvest(8), 1)
	})

	n.Meow()
}
