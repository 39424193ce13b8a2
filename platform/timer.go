package platform

import (
	"sync"
	"time"
)

// timer is a hart's timer: a counter running at the board's timebase and
// a comparator.
type timer struct {
	mu       sync.Mutex
	freq     uint64
	start    time.Time
	deadline uint64
}

func (t *timer) init(freq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.freq = freq
	t.start = time.Now()
	t.deadline = ^uint64(0)
}

func (t *timer) now() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.freq == 0 {
		return 0
	}

	d := time.Since(t.start)

	sec := uint64(d / time.Second)
	rem := uint64(d % time.Second)

	return sec*t.freq + rem*t.freq/uint64(time.Second)
}

func (t *timer) set(deadline uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deadline = deadline
}

func (t *timer) pending() bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.freq != 0 && now >= t.deadline
}
