package kernel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/memory"
)

var (
	ErrFutexValue   = abi.NewError(abi.EAGAIN, "futex value mismatch")
	ErrFutexAlign   = abi.NewError(abi.EINVAL, "unaligned futex address")
	ErrFutexTimeout = abi.NewError(abi.ETIMEDOUT, "futex wait timed out")
	ErrFutexBitset  = abi.NewError(abi.EINVAL, "empty futex bitset")
)

type futexKey struct {
	mm   *memory.VirtualMemory
	addr uint64
}

type futexWaiter struct {
	key    futexKey
	bitset uint32
	task   *Task
	timed  bool

	woken chan struct{}
	done  bool
}

// FutexTable holds every futex wait queue in the kernel, keyed by address
// space and address.
type FutexTable struct {
	k *Kernel

	// waiting is the number of queued waiters. CheckDeadWait returns
	// after loading it when nothing waits.
	waiting int64

	// changes counts what can leave a group with nobody to wake it: a
	// queued waiter, a task starting or exiting, an exec. scanned is its
	// value at the last scan, so CheckDeadWait only walks the process
	// table after something moved.
	changes uint64
	scanned uint64
	scans   uint64

	mu     sync.Mutex
	queues map[futexKey][]*futexWaiter
	byTask map[*Task]*futexWaiter
}

func NewFutexTable(k *Kernel) *FutexTable {
	return &FutexTable{
		k:      k,
		queues: make(map[futexKey][]*futexWaiter),
		byTask: make(map[*Task]*futexWaiter),
	}
}

// Waiting returns the number of tasks blocked in a futex wait.
func (ft *FutexTable) Waiting() int {
	return int(atomic.LoadInt64(&ft.waiting))
}

// noteChange makes the next CheckDeadWait scan.
func (ft *FutexTable) noteChange() {
	atomic.AddUint64(&ft.changes, 1)
}

// Scans returns how many times CheckDeadWait has walked the wait groups.
func (ft *FutexTable) Scans() uint64 {
	return atomic.LoadUint64(&ft.scans)
}

// wakeLocked completes w. ft.mu must be held.
func (ft *FutexTable) wakeLocked(w *futexWaiter) {
	if w.done {
		return
	}

	w.done = true
	close(w.woken)

	if ft.byTask[w.task] == w {
		delete(ft.byTask, w.task)
	}

	atomic.AddInt64(&ft.waiting, -1)
}

func (ft *FutexTable) removeLocked(w *futexWaiter) {
	q := ft.queues[w.key]

	for i, o := range q {
		if o == w {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}

	if len(q) == 0 {
		delete(ft.queues, w.key)
	} else {
		ft.queues[w.key] = q
	}
}

// Wait blocks t while the word at addr holds val, until a wake with an
// intersecting bitset, the deadline (zero for none), or a signal.
func (ft *FutexTable) Wait(ctx context.Context, t *Task, addr uint64, val uint32, bitset uint32, deadline time.Time) error {
	if addr%4 != 0 {
		return ErrFutexAlign
	}

	if bitset == 0 {
		return ErrFutexBitset
	}

	mm := t.Memory()

	w := &futexWaiter{
		key:    futexKey{mm: mm, addr: addr},
		bitset: bitset,
		task:   t,
		timed:  !deadline.IsZero(),
		woken:  make(chan struct{}),
	}

	ft.mu.Lock()

	cur, err := mm.Load32(addr)
	if err != nil {
		ft.mu.Unlock()
		return err
	}

	if cur != val {
		ft.mu.Unlock()
		return ErrFutexValue
	}

	ft.queues[w.key] = append(ft.queues[w.key], w)
	ft.byTask[t] = w
	ft.noteChange()
	atomic.AddInt64(&ft.waiting, 1)

	ft.mu.Unlock()

	log.L.Trace("futex-wait", "tid", t.Tid, "addr", addr, "val", val)

	ctx, done := t.Interruptible(ctx)
	defer done()

	var timeout <-chan time.Time

	if w.timed {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()

		timeout = timer.C
	}

	var result error

	select {
	case <-w.woken:
		return nil
	case <-timeout:
		result = ErrFutexTimeout
	case <-ctx.Done():
		result = ctx.Err()
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	if w.done {
		// Woken while giving up; the wake counts.
		return nil
	}

	ft.removeLocked(w)
	ft.wakeLocked(w)

	return result
}

// Wake wakes up to n waiters on addr whose bitset intersects bitset and
// returns how many it woke.
func (ft *FutexTable) Wake(mm *memory.VirtualMemory, addr uint64, n int, bitset uint32) int {
	if n <= 0 || bitset == 0 {
		return 0
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	key := futexKey{mm: mm, addr: addr}

	var (
		woken int
		keep  []*futexWaiter
	)

	for _, w := range ft.queues[key] {
		if woken < n && w.bitset&bitset != 0 {
			ft.wakeLocked(w)
			woken++
			continue
		}

		keep = append(keep, w)
	}

	if len(keep) == 0 {
		delete(ft.queues, key)
	} else {
		ft.queues[key] = keep
	}

	return woken
}

// Requeue wakes up to nwake waiters on addr and moves up to nrequeue of the
// rest to addr2. When cmp is set the word at addr must equal it. It
// returns the number woken plus the number moved.
func (ft *FutexTable) Requeue(mm *memory.VirtualMemory, addr, addr2 uint64, nwake, nrequeue int, cmp *uint32) (int, error) {
	if addr%4 != 0 || addr2%4 != 0 {
		return 0, ErrFutexAlign
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	if cmp != nil {
		cur, err := mm.Load32(addr)
		if err != nil {
			return 0, err
		}

		if cur != *cmp {
			return 0, ErrFutexValue
		}
	}

	from := futexKey{mm: mm, addr: addr}
	to := futexKey{mm: mm, addr: addr2}

	var (
		woken, moved int
		keep         []*futexWaiter
	)

	for _, w := range ft.queues[from] {
		switch {
		case woken < nwake:
			ft.wakeLocked(w)
			woken++
		case moved < nrequeue && from != to:
			w.key = to
			ft.queues[to] = append(ft.queues[to], w)
			moved++
		default:
			keep = append(keep, w)
		}
	}

	if len(keep) == 0 {
		delete(ft.queues, from)
	} else {
		ft.queues[from] = keep
	}

	return woken + moved, nil
}

// CheckDeadWait releases wait groups nobody can wake: every task that
// shares the address space has exited, or is itself in an untimed futex
// wait. The released waits return as if woken.
func (ft *FutexTable) CheckDeadWait() {
	if atomic.LoadInt64(&ft.waiting) == 0 {
		return
	}

	gen := atomic.LoadUint64(&ft.changes)
	if atomic.SwapUint64(&ft.scanned, gen) == gen {
		return
	}

	atomic.AddUint64(&ft.scans, 1)

	ft.mu.Lock()
	spaces := make(map[*memory.VirtualMemory]struct{})
	for key := range ft.queues {
		spaces[key.mm] = struct{}{}
	}
	ft.mu.Unlock()

	for mm := range spaces {
		live := ft.liveTasks(mm)

		ft.mu.Lock()

		dead := true
		for _, t := range live {
			w, ok := ft.byTask[t]
			if !ok || w.timed || w.key.mm != mm {
				dead = false
				break
			}
		}

		if dead {
			var released int

			for key, q := range ft.queues {
				if key.mm != mm {
					continue
				}

				for _, w := range q {
					ft.wakeLocked(w)
					released++
				}

				delete(ft.queues, key)
			}

			log.L.Debug("released dead futex wait group", "waiters", released, "live", len(live))
		}

		ft.mu.Unlock()
	}
}

// liveTasks returns the running tasks whose process uses mm.
func (ft *FutexTable) liveTasks(mm *memory.VirtualMemory) []*Task {
	var out []*Task

	for _, p := range ft.k.processes.All() {
		if p.Memory() != mm {
			continue
		}

		for _, t := range p.Threads() {
			if !t.Exited() {
				out = append(out, t)
			}
		}
	}

	return out
}

// Robust futex list handling, as in the kernel's exit_robust_list.
const (
	futexWaitersBit   = 0x80000000
	futexOwnerDiedBit = 0x40000000
	futexTIDMask      = 0x3fffffff

	robustListLimit = 2048
)

func (t *Task) SetRobustList(head, length uint64) error {
	if length != linux.RobustListHeadSize {
		return abi.NewError(abi.EINVAL, "bad robust list length")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.robustList = head
	t.robustLen = length

	return nil
}

func (t *Task) RobustList() (uint64, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.robustList, t.robustLen
}

// SetClearTID records the address cleared and woken when t exits.
func (t *Task) SetClearTID(addr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clearTID = addr
}

// exitRobustList marks futexes t still holds as owner-died and wakes a
// waiter on each.
func (t *Task) exitRobustList() {
	head, _ := t.RobustList()
	if head == 0 {
		return
	}

	var hdr struct {
		Next          uint64
		FutexOffset   int64
		ListOpPending uint64
	}

	if err := t.CopyIn(head, &hdr); err != nil {
		return
	}

	handle := func(entry uint64) {
		addr := uint64(int64(entry) + hdr.FutexOffset)

		var word uint32
		if err := t.CopyIn(addr, &word); err != nil {
			return
		}

		if int(word&futexTIDMask) != t.Tid {
			return
		}

		next := (word & futexWaitersBit) | futexOwnerDiedBit
		if err := t.CopyOut(addr, next); err != nil {
			return
		}

		if word&futexWaitersBit != 0 {
			t.Process.Kernel.Futex.Wake(t.Memory(), addr, 1, linux.FUTEX_BITSET_MATCH_ANY)
		}
	}

	entry := hdr.Next
	for i := 0; entry != head && entry != 0 && i < robustListLimit; i++ {
		var next uint64
		if err := t.CopyIn(entry, &next); err != nil {
			break
		}

		if entry != hdr.ListOpPending {
			handle(entry)
		}

		entry = next
	}

	if hdr.ListOpPending != 0 {
		handle(hdr.ListOpPending)
	}
}
