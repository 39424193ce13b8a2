package kernel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/pkg/waiter"
)

var (
	ErrPollExists   = abi.NewError(abi.EEXIST, "already registered with epoll")
	ErrPollMissing  = abi.NewError(abi.ENOENT, "not registered with epoll")
	ErrPollLoop     = abi.NewError(abi.EINVAL, "epoll cannot watch itself")
	ErrPollNotPoll  = abi.NewError(abi.EINVAL, "not an epoll file")
	ErrPollRegular  = abi.NewError(abi.EPERM, "file does not support polling")
	ErrPollBadCount = abi.NewError(abi.EINVAL, "invalid event count")
)

const alwaysReported = waiter.EventHUp | waiter.EventErr

// Poll fills in Revents for each entry of fds, waiting up to timeout (a
// negative timeout waits forever) for at least one to become ready. It
// returns the number of entries with events.
func (t *Task) Poll(ctx context.Context, fds []linux.PollFd, timeout time.Duration) (int, error) {
	ch := make(chan struct{}, 1)

	files := make([]*File, len(fds))
	entries := make([]*waiter.Entry, len(fds))

	for i, pfd := range fds {
		if pfd.Fd < 0 {
			continue
		}

		f, err := t.Process.FDs.Get(int(pfd.Fd))
		if err != nil {
			continue
		}

		mask := waiter.EventType(linux.DecodePollEvents(pfd.Events)) | alwaysReported

		files[i] = f
		entries[i] = waiter.NewChannelEntry(mask, ch)
		f.EventRegister(entries[i])
	}

	defer func() {
		for i, f := range files {
			if f != nil {
				f.EventUnregister(entries[i])
			}
		}
	}()

	scan := func() int {
		n := 0

		for i := range fds {
			pfd := &fds[i]
			pfd.Revents = 0

			if pfd.Fd < 0 {
				continue
			}

			f := files[i]
			if f == nil {
				pfd.Revents = linux.POLLNVAL
				n++
				continue
			}

			want := waiter.EventType(linux.DecodePollEvents(pfd.Events)) | alwaysReported
			if ready := f.Readiness(want) & want; ready != 0 {
				pfd.Revents = int16(ready)
				n++
			}
		}

		return n
	}

	if n := scan(); n > 0 || timeout == 0 {
		return n, nil
	}

	var expired <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expired = timer.C
	}

	ctx, done := t.Interruptible(ctx)
	defer done()

	for {
		select {
		case <-ch:
			if n := scan(); n > 0 {
				return n, nil
			}
		case <-expired:
			return scan(), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

type pollKey struct {
	file *File
	fd   int
}

type pollEntry struct {
	ep    *EventPoll
	key   pollKey
	mask  uint32
	data  uint64
	entry waiter.Entry

	edge     int32
	disabled bool
}

func (pe *pollEntry) events() waiter.EventType {
	return waiter.EventType(pe.mask&0xffff) | alwaysReported
}

// EventPoll is an epoll instance.
type EventPoll struct {
	mu      sync.Mutex
	entries map[pollKey]*pollEntry
	order   []*pollEntry

	queue waiter.Queue
}

// NewEventPollFile returns a file for a new epoll instance.
func NewEventPollFile() *File {
	ep := &EventPoll{entries: make(map[pollKey]*pollEntry)}

	return NewFile(nil, linux.O_RDWR, ep)
}

func (ep *EventPoll) Read(ctx context.Context, f *File, dst []byte, off int64) (int, error) {
	return 0, ErrPollNotPoll
}

func (ep *EventPoll) Write(ctx context.Context, f *File, src []byte, off int64) (int, error) {
	return 0, ErrPollNotPoll
}

func (ep *EventPoll) Readiness(mask waiter.EventType) waiter.EventType {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for _, pe := range ep.order {
		if pe.disabled {
			continue
		}

		if pe.key.file.Readiness(pe.events()) != 0 {
			return mask & waiter.EventIn
		}
	}

	return 0
}

func (ep *EventPoll) EventRegister(e *waiter.Entry) {
	ep.queue.EventRegister(e)
}

func (ep *EventPoll) EventUnregister(e *waiter.Entry) {
	ep.queue.EventUnregister(e)
}

func (ep *EventPoll) Stat() linux.Stat {
	return linux.Stat{Mode: 0600, Nlink: 1, Blksize: 4096}
}

func (ep *EventPoll) Release() error {
	ep.mu.Lock()
	order := ep.order
	ep.order = nil
	ep.entries = make(map[pollKey]*pollEntry)
	ep.mu.Unlock()

	for _, pe := range order {
		pe.key.file.EventUnregister(&pe.entry)
	}

	return nil
}

func edgeCallback(e *waiter.Entry, ready waiter.EventType) {
	pe := e.Context.(*pollEntry)

	atomic.StoreInt32(&pe.edge, 1)
	pe.ep.queue.Notify(waiter.EventIn)
}

// Ctl applies an epoll_ctl operation for descriptor fd referring to f.
func (ep *EventPoll) Ctl(op linux.EpollCtlOp, fd int, f *File, ev linux.EpollEvent) error {
	if f.Impl == ep {
		return ErrPollLoop
	}

	switch f.Impl.(type) {
	case *RegularFile, *DirFile:
		return ErrPollRegular
	}

	key := pollKey{file: f, fd: fd}

	ep.mu.Lock()

	pe, exists := ep.entries[key]

	switch op {
	case linux.EPOLL_CTL_ADD:
		if exists {
			ep.mu.Unlock()
			return ErrPollExists
		}

		pe = &pollEntry{ep: ep, key: key, mask: ev.Events, data: ev.Data}
		pe.entry.Context = pe
		pe.entry.Callback = edgeCallback
		pe.entry.Mask = pe.events()

		// Readiness at registration counts as an edge.
		pe.edge = 1

		ep.entries[key] = pe
		ep.order = append(ep.order, pe)
		ep.mu.Unlock()

		f.EventRegister(&pe.entry)
	case linux.EPOLL_CTL_MOD:
		if !exists {
			ep.mu.Unlock()
			return ErrPollMissing
		}

		pe.mask = ev.Events
		pe.data = ev.Data
		pe.disabled = false
		atomic.StoreInt32(&pe.edge, 1)
		ep.mu.Unlock()

		f.EventUnregister(&pe.entry)
		pe.entry.Mask = pe.events()
		f.EventRegister(&pe.entry)
	case linux.EPOLL_CTL_DEL:
		if !exists {
			ep.mu.Unlock()
			return ErrPollMissing
		}

		delete(ep.entries, key)
		for i, o := range ep.order {
			if o == pe {
				ep.order = append(ep.order[:i:i], ep.order[i+1:]...)
				break
			}
		}
		ep.mu.Unlock()

		f.EventUnregister(&pe.entry)
	default:
		ep.mu.Unlock()
		return ErrBadOffset
	}

	ep.queue.Notify(waiter.EventIn)

	return nil
}

func (ep *EventPoll) harvest(max int) []linux.EpollEvent {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	var out []linux.EpollEvent

	for _, pe := range ep.order {
		if len(out) >= max {
			break
		}

		if pe.disabled {
			continue
		}

		edgeTriggered := pe.mask&linux.EPOLLET != 0
		if edgeTriggered && atomic.LoadInt32(&pe.edge) == 0 {
			continue
		}

		ready := pe.key.file.Readiness(pe.events()) & pe.events()
		if ready == 0 {
			continue
		}

		if edgeTriggered {
			atomic.StoreInt32(&pe.edge, 0)
		}

		if pe.mask&linux.EPOLLONESHOT != 0 {
			pe.disabled = true
		}

		out = append(out, linux.EpollEvent{Events: uint32(ready), Data: pe.data})
	}

	return out
}

// Wait returns up to max ready events, waiting up to timeout (negative
// waits forever).
func (ep *EventPoll) Wait(ctx context.Context, t *Task, max int, timeout time.Duration) ([]linux.EpollEvent, error) {
	if max <= 0 {
		return nil, ErrPollBadCount
	}

	ch := make(chan struct{}, 1)
	e := ep.queue.RegisterChannel(waiter.EventIn, ch)
	defer ep.queue.EventUnregister(e)

	if evs := ep.harvest(max); len(evs) > 0 || timeout == 0 {
		return evs, nil
	}

	var expired <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expired = timer.C
	}

	ctx, done := t.Interruptible(ctx)
	defer done()

	for {
		select {
		case <-ch:
			if evs := ep.harvest(max); len(evs) > 0 {
				return evs, nil
			}
		case <-expired:
			return ep.harvest(max), nil
		case <-ctx.Done():
			log.L.Trace("epoll-wait-interrupted", "tid", t.Tid)
			return nil, ctx.Err()
		}
	}
}
