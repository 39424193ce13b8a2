package kernel

import (
	"context"
	"sync"

	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/pkg/ilist"
	"github.com/evanphx/rvos/pkg/waiter"
)

// Children is the set of processes a parent can wait on.
type Children struct {
	mu sync.Mutex

	count     int
	processes ilist.List

	events waiter.Queue
}

func (c *Children) Add(p *Process) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.count++
	c.processes.PushBack(p)

	st, _ := p.Status()
	if st == Dead {
		c.events.Notify(waiter.EventExit)
	}
}

func (c *Children) remove(p *Process) {
	c.count--
	c.processes.Remove(p)
}

// TakeAll empties the set and returns what was in it.
func (c *Children) TakeAll() []*Process {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Process
	for it := c.processes.Front(); it != nil; {
		p := it.(*Process)
		it = it.Next()

		c.remove(p)
		out = append(out, p)
	}

	return out
}

func (c *Children) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.count
}

func (c *Children) ProcessExited(p *Process) {
	log.L.Trace("process-exited", "pid", p.Pid)
	c.events.Notify(waiter.EventExit)
}

// reapOnce looks for a dead child matching pid (-1 for any). found reports
// whether any child matched at all.
func (c *Children) reapOnce(pid int) (reaped *Process, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.L.Trace("process-reap-once", "count", c.count, "pid", pid)

	for it := c.processes.Front(); it != nil; it = it.Next() {
		p := it.(*Process)

		if pid > 0 && p.Pid != pid {
			continue
		}

		found = true

		if st, _ := p.Status(); st == Dead {
			c.remove(p)
			return p, true
		}
	}

	return nil, found
}

// WaitResult describes a reaped child.
type WaitResult struct {
	Pid    int
	Status ExitStatus
	Usage  Usage
}

// Wait reaps a child of t's process. pid is a specific child or -1 for
// any. With block false and nothing to reap it returns a zero result.
func (t *Task) Wait(ctx context.Context, pid int, block bool) (WaitResult, error) {
	p := t.Process
	c := &p.children

	reap := func() (WaitResult, bool, error) {
		child, found := c.reapOnce(pid)
		if !found {
			return WaitResult{}, false, ErrNoChildren
		}

		if child == nil {
			return WaitResult{}, false, nil
		}

		_, status := child.Status()
		usage := child.usage()
		usage.add(child.ChildUsage())

		p.mu.Lock()
		p.childUsage.add(usage)
		p.mu.Unlock()

		p.Kernel.processes.Unregister(child)

		return WaitResult{Pid: child.Pid, Status: status, Usage: usage}, true, nil
	}

	if !block {
		res, _, err := reap()
		return res, err
	}

	ch := make(chan struct{}, 1)
	ev := c.events.RegisterChannel(waiter.EventExit, ch)
	defer c.events.EventUnregister(ev)

	ctx, done := t.Interruptible(ctx)
	defer done()

	for {
		res, ok, err := reap()
		if err != nil || ok {
			return res, err
		}

		log.L.Trace("process-waiting-reap", "pid", p.Pid)

		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-ch:
			// ok, try the loop again
		}
	}
}
