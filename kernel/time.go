package kernel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/log"
)

// DefaultTimerFrequency is the qemu virt board's timebase.
const DefaultTimerFrequency = 10_000_000

var (
	ErrBadClock = abi.NewError(abi.EINVAL, "invalid clock id")
	ErrBadTimer = abi.NewError(abi.EINVAL, "invalid timer")
	ErrBadTime  = abi.NewError(abi.EINVAL, "invalid time value")
)

// Clock is the kernel's time source. Monotonic time counts from boot in
// units of the platform timer.
type Clock struct {
	boot time.Time
	freq uint64
}

func NewClock() *Clock {
	return &Clock{
		boot: time.Now(),
		freq: DefaultTimerFrequency,
	}
}

// SetFrequency records the hardware timer frequency.
func (c *Clock) SetFrequency(hz uint64) {
	if hz == 0 {
		return
	}

	atomic.StoreUint64(&c.freq, hz)
}

func (c *Clock) Frequency() uint64 {
	return atomic.LoadUint64(&c.freq)
}

// Boot returns the wall clock time at boot.
func (c *Clock) Boot() time.Time {
	return c.boot
}

func (c *Clock) Monotonic() time.Duration {
	return time.Since(c.boot)
}

func (c *Clock) Realtime() time.Time {
	return time.Now()
}

// Ticks returns the timer counter value.
func (c *Clock) Ticks() uint64 {
	d := c.Monotonic()
	hz := c.Frequency()

	sec := uint64(d / time.Second)
	rem := uint64(d % time.Second)

	return sec*hz + rem*hz/uint64(time.Second)
}

// Round rounds d up to a whole number of timer ticks.
func (c *Clock) Round(d time.Duration) time.Duration {
	tick := time.Duration(uint64(time.Second) / c.Frequency())
	if tick <= 1 {
		return d
	}

	if r := d % tick; r != 0 {
		d += tick - r
	}

	return d
}

// MonotonicDeadline converts an absolute CLOCK_MONOTONIC time.
func (c *Clock) MonotonicDeadline(ts linux.Timespec) time.Time {
	return c.boot.Add(ts.Duration())
}

// Now reads clock id on behalf of t.
func (c *Clock) Now(t *Task, id int) (linux.Timespec, error) {
	switch id {
	case linux.CLOCK_REALTIME, linux.CLOCK_REALTIME_COARSE:
		return linux.TimeToTimespec(c.Realtime()), nil
	case linux.CLOCK_MONOTONIC, linux.CLOCK_MONOTONIC_RAW, linux.CLOCK_MONOTONIC_COARSE, linux.CLOCK_BOOTTIME:
		return linux.DurationToTimespec(c.Monotonic()), nil
	case linux.CLOCK_PROCESS_CPUTIME_ID:
		u := t.Process.usage()
		return linux.DurationToTimespec(u.Utime + u.Stime), nil
	case linux.CLOCK_THREAD_CPUTIME_ID:
		utime, stime := t.CPUTimes()
		return linux.DurationToTimespec(utime + stime), nil
	default:
		return linux.Timespec{}, ErrBadClock
	}
}

// Sleep blocks for d. When interrupted it returns EINTR with the time
// left.
func (t *Task) Sleep(ctx context.Context, d time.Duration) (time.Duration, error) {
	clock := t.Process.Kernel.Clock
	d = clock.Round(d)

	deadline := time.Now().Add(d)

	ctx, done := t.Interruptible(ctx)
	defer done()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		left := time.Until(deadline)
		if left < 0 {
			left = 0
		}

		return left, ctx.Err()
	}
}

// Times returns the process's and its reaped children's CPU time in
// clock ticks.
func (p *Process) Times() linux.Tms {
	u := p.usage()
	c := p.ChildUsage()

	ticks := func(d time.Duration) int64 {
		return int64(d / (time.Second / linux.ClockTicks))
	}

	return linux.Tms{
		Utime:  ticks(u.Utime),
		Stime:  ticks(u.Stime),
		Cutime: ticks(c.Utime),
		Cstime: ticks(c.Stime),
	}
}

// itimers are the setitimer timers of a process. Only ITIMER_REAL fires;
// the CPU time timers keep the values they were given.
type itimers struct {
	mu sync.Mutex

	real       *time.Timer
	gen        int
	realExpiry time.Time
	realIntvl  time.Duration

	virt linux.ItimerVal
	prof linux.ItimerVal
}

func (it *itimers) stop() {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.gen++

	if it.real != nil {
		it.real.Stop()
		it.real = nil
	}
}

func (it *itimers) realValueLocked() linux.ItimerVal {
	var left time.Duration

	if it.real != nil {
		left = time.Until(it.realExpiry)
		if left <= 0 {
			left = time.Microsecond
		}
	}

	return linux.ItimerVal{
		Interval: linux.DurationToTimeval(it.realIntvl),
		Value:    linux.DurationToTimeval(left),
	}
}

func (p *Process) armRealLocked(d time.Duration) {
	it := &p.timers

	gen := it.gen
	it.realExpiry = time.Now().Add(d)

	it.real = time.AfterFunc(d, func() {
		it.mu.Lock()
		if it.gen != gen {
			it.mu.Unlock()
			return
		}

		if it.realIntvl > 0 {
			p.armRealLocked(it.realIntvl)
		} else {
			it.real = nil
		}
		it.mu.Unlock()

		log.L.Trace("itimer-real-expired", "pid", p.Pid)

		p.SendSignal(linux.SIGALRM)
	})
}

// SetITimer arms timer which with val and returns the previous value.
func (p *Process) SetITimer(which int, val linux.ItimerVal) (linux.ItimerVal, error) {
	if val.Value.Usec < 0 || val.Value.Usec >= 1e6 || val.Interval.Usec < 0 || val.Interval.Usec >= 1e6 ||
		val.Value.Sec < 0 || val.Interval.Sec < 0 {
		return linux.ItimerVal{}, ErrBadTime
	}

	it := &p.timers

	it.mu.Lock()
	defer it.mu.Unlock()

	switch which {
	case linux.ITIMER_REAL:
		old := it.realValueLocked()

		it.gen++
		if it.real != nil {
			it.real.Stop()
			it.real = nil
		}

		it.realIntvl = val.Interval.Duration()

		if d := val.Value.Duration(); d > 0 {
			p.armRealLocked(d)
		} else {
			it.realIntvl = 0
		}

		return old, nil
	case linux.ITIMER_VIRTUAL:
		old := it.virt
		it.virt = val
		return old, nil
	case linux.ITIMER_PROF:
		old := it.prof
		it.prof = val
		return old, nil
	default:
		return linux.ItimerVal{}, ErrBadTimer
	}
}

func (p *Process) GetITimer(which int) (linux.ItimerVal, error) {
	it := &p.timers

	it.mu.Lock()
	defer it.mu.Unlock()

	switch which {
	case linux.ITIMER_REAL:
		return it.realValueLocked(), nil
	case linux.ITIMER_VIRTUAL:
		return it.virt, nil
	case linux.ITIMER_PROF:
		return it.prof, nil
	default:
		return linux.ItimerVal{}, ErrBadTimer
	}
}
