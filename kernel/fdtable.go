package kernel

import (
	"sync"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/log"
)

var ErrTooManyFiles = abi.NewError(abi.EMFILE, "too many open files")

type fdEntry struct {
	file    *File
	cloexec bool
}

// FDTable maps descriptors to open files. CLONE_FILES shares one table
// between processes.
type FDTable struct {
	mu      sync.Mutex
	refs    int
	entries []fdEntry
	limit   func() int
}

// NewFDTable returns an empty table. limit returns the current
// RLIMIT_NOFILE value and is consulted on every install.
func NewFDTable(limit func() int) *FDTable {
	return &FDTable{refs: 1, limit: limit}
}

func (t *FDTable) Get(fd int) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.entries) || t.entries[fd].file == nil {
		return nil, ErrBadFD
	}

	return t.entries[fd].file, nil
}

// Install places f at the lowest free descriptor at or above min. The
// table takes over the caller's reference.
func (t *FDTable) Install(f *File, min int, cloexec bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := t.limit()

	for fd := min; fd < limit; fd++ {
		if fd >= len(t.entries) {
			t.grow(fd + 1)
		}

		if t.entries[fd].file == nil {
			t.entries[fd] = fdEntry{file: f, cloexec: cloexec}
			return fd, nil
		}
	}

	return -1, ErrTooManyFiles
}

func (t *FDTable) grow(n int) {
	if n <= len(t.entries) {
		return
	}

	next := make([]fdEntry, n)
	copy(next, t.entries)
	t.entries = next
}

// Replace installs f at fd, closing whatever was there.
func (t *FDTable) Replace(fd int, f *File, cloexec bool) error {
	t.mu.Lock()

	if fd < 0 || fd >= t.limit() {
		t.mu.Unlock()
		return ErrBadFD
	}

	t.grow(fd + 1)

	old := t.entries[fd].file
	t.entries[fd] = fdEntry{file: f, cloexec: cloexec}
	t.mu.Unlock()

	if old != nil {
		old.DecRef()
	}

	return nil
}

// Remove takes fd out of the table and returns its file with the table's
// reference still held.
func (t *FDTable) Remove(fd int) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.entries) || t.entries[fd].file == nil {
		return nil, ErrBadFD
	}

	f := t.entries[fd].file
	t.entries[fd] = fdEntry{}

	return f, nil
}

// Close removes fd and drops the table's reference.
func (t *FDTable) Close(fd int) error {
	f, err := t.Remove(fd)
	if err != nil {
		return err
	}

	if err := f.DecRef(); err != nil {
		log.L.Debug("error releasing file", "fd", fd, "error", err)
	}

	return nil
}

func (t *FDTable) CloseOnExecFlag(fd int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.entries) || t.entries[fd].file == nil {
		return false, ErrBadFD
	}

	return t.entries[fd].cloexec, nil
}

func (t *FDTable) SetCloseOnExec(fd int, cloexec bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= len(t.entries) || t.entries[fd].file == nil {
		return ErrBadFD
	}

	t.entries[fd].cloexec = cloexec

	return nil
}

// CloseOnExec closes every descriptor marked close-on-exec.
func (t *FDTable) CloseOnExec() {
	var closing []*File

	t.mu.Lock()
	for fd, e := range t.entries {
		if e.file != nil && e.cloexec {
			closing = append(closing, e.file)
			t.entries[fd] = fdEntry{}
		}
	}
	t.mu.Unlock()

	for _, f := range closing {
		f.DecRef()
	}
}

// Count returns the number of open descriptors.
func (t *FDTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.file != nil {
			n++
		}
	}

	return n
}

// Share returns t with another reference, as CLONE_FILES does.
func (t *FDTable) Share() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refs++

	return t
}

// Fork copies the table. Every file gains a reference; close-on-exec
// flags are kept.
func (t *FDTable) Fork(limit func() int) *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()

	cpy := &FDTable{
		refs:    1,
		entries: make([]fdEntry, len(t.entries)),
		limit:   limit,
	}

	for fd, e := range t.entries {
		if e.file != nil {
			e.file.IncRef()
		}

		cpy.entries[fd] = e
	}

	return cpy
}

// Release drops one reference. The last one closes every file.
func (t *FDTable) Release() {
	t.mu.Lock()

	t.refs--
	if t.refs > 0 {
		t.mu.Unlock()
		return
	}

	entries := t.entries
	t.entries = nil
	t.mu.Unlock()

	for _, e := range entries {
		if e.file != nil {
			e.file.DecRef()
		}
	}
}
