// Package waiter implements event-mask wait queues. Objects that can become
// ready (pipes, processes, epoll instances) own a Queue; interested parties
// register an Entry with a mask and are called back on matching Notify.
package waiter

import (
	"sync"

	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/pkg/ilist"
)

type EventType uint64

// Readiness events share the poll(2) bit layout so they can be handed to
// user mode unchanged.
const (
	EventIn  EventType = 0x01
	EventPri EventType = 0x02
	EventOut EventType = 0x04
	EventErr EventType = 0x08
	EventHUp EventType = 0x10

	// EventExit is raised by processes; it is outside the poll bit range.
	EventExit EventType = 1 << 32
)

// Waitable is implemented by objects that report readiness.
type Waitable interface {
	Readiness(mask EventType) EventType
	EventRegister(e *Entry)
	EventUnregister(e *Entry)
}

// Entry is a registration on a Queue.
type Entry struct {
	ilist.Entry

	Mask     EventType
	Context  interface{}
	Callback func(e *Entry, ready EventType)
}

type Queue struct {
	mu sync.RWMutex

	count   int
	waiters ilist.List
}

func (q *Queue) EventRegister(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.count++

	q.waiters.PushBack(e)
}

func (q *Queue) EventUnregister(e *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.count--

	q.waiters.Remove(e)
}

func triggerChan(e *Entry, _ EventType) {
	c := e.Context.(chan struct{})

	select {
	case c <- struct{}{}:
	default:
	}
}

// NewChannelEntry returns an entry that signals c without blocking when any
// event in mask fires. c should be buffered.
func NewChannelEntry(mask EventType, c chan struct{}) *Entry {
	return &Entry{
		Callback: triggerChan,
		Context:  c,
		Mask:     mask,
	}
}

// RegisterChannel registers a channel entry and returns it for Unregister.
func (q *Queue) RegisterChannel(mask EventType, c chan struct{}) *Entry {
	e := NewChannelEntry(mask, c)

	q.EventRegister(e)

	return e
}

// Notify calls back every entry whose mask intersects mask.
func (q *Queue) Notify(mask EventType) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	log.L.Trace("waiters-notify", "count", q.count, "mask", mask)

	for it := q.waiters.Front(); it != nil; it = it.Next() {
		e := it.(*Entry)
		if ready := mask & e.Mask; ready != 0 {
			e.Callback(e, ready)
		}
	}
}

// Len returns the number of registered entries.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.count
}
