// Package ilist is an intrusive doubly linked list. Elements embed Entry and
// are linked without extra allocation.
package ilist

// Linker is implemented by every element stored in a List. Embedding Entry
// provides it.
type Linker interface {
	Next() Linker
	Prev() Linker
	SetNext(Linker)
	SetPrev(Linker)
}

// List is a doubly linked list of Linkers. The zero value is empty.
//
// Not safe for concurrent use; callers hold their own lock.
type List struct {
	head Linker
	tail Linker
	len  int
}

// Empty returns true iff the list is empty.
func (l *List) Empty() bool {
	return l.head == nil
}

// Len returns the number of elements.
func (l *List) Len() int {
	return l.len
}

// Front returns the first element or nil.
func (l *List) Front() Linker {
	return l.head
}

// Back returns the last element or nil.
func (l *List) Back() Linker {
	return l.tail
}

// PushBack appends e.
func (l *List) PushBack(e Linker) {
	e.SetNext(nil)
	e.SetPrev(l.tail)

	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}

	l.tail = e
	l.len++
}

// PushFront prepends e.
func (l *List) PushFront(e Linker) {
	e.SetNext(l.head)
	e.SetPrev(nil)

	if l.head != nil {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}

	l.head = e
	l.len++
}

// Remove unlinks e. e must be in l.
func (l *List) Remove(e Linker) {
	prev := e.Prev()
	next := e.Next()

	if prev != nil {
		prev.SetNext(next)
	} else if l.head == e {
		l.head = next
	} else {
		return
	}

	if next != nil {
		next.SetPrev(prev)
	} else {
		l.tail = prev
	}

	e.SetNext(nil)
	e.SetPrev(nil)
	l.len--
}

// Entry is embedded in list elements.
type Entry struct {
	next Linker
	prev Linker
}

func (e *Entry) Next() Linker {
	return e.next
}

func (e *Entry) Prev() Linker {
	return e.prev
}

func (e *Entry) SetNext(n Linker) {
	e.next = n
}

func (e *Entry) SetPrev(p Linker) {
	e.prev = p
}
