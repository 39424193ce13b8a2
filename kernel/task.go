package kernel

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/memory"
	"github.com/pkg/errors"
)

// PathMax bounds strings read from user memory.
const PathMax = 4096

var ErrStringTooLong = abi.NewError(abi.ENAMETOOLONG, "string exceeds limit")

type prockey struct{}

func GetTask(ctx context.Context) (*Task, bool) {
	if v := ctx.Value(prockey{}); v != nil {
		return v.(*Task), true
	}

	return nil, false
}

func SetTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, prockey{}, t)
}

// UserContext is the user-mode half of a task: whatever executes the
// program and traps into the kernel for syscalls.
type UserContext interface {
	// Run executes user code until the task exits or exec replaces the
	// context. Implementations poll Task.ShouldStop after each trap.
	Run(ctx context.Context, t *Task)

	// Clone returns the context of a new task that resumes by returning 0
	// from clone. Zero stack or tls leave the value unchanged.
	Clone(stack, tls uint64) UserContext
}

// Task is a thread of a process.
type Task struct {
	Tid     int
	Process *Process

	mu       sync.Mutex
	uc       UserContext
	exited   bool
	exitCode int
	done     chan struct{}

	// detached threads are being removed by exec and do not set the
	// process exit status.
	detached bool

	clearTID   uint64
	robustList uint64
	robustLen  uint64

	// Signal state is guarded by Process.sigMu.
	sigMask   linux.SignalSet
	pending   linux.SignalSet
	frames    []sigFrame
	killed    bool

	// savedMask is put back on the next return to user mode when
	// restoreMask is set.
	savedMask   linux.SignalSet
	restoreMask bool

	interrupt func()

	acct accounting
}

type accounting struct {
	mu sync.Mutex

	started      time.Time
	lastExit     time.Time
	enteredAt    time.Time
	inKernel     bool
	utime, stime time.Duration
	nvcsw        int64
}

func newTask(p *Process, uc UserContext) *Task {
	now := time.Now()

	t := &Task{
		Process: p,
		uc:      uc,
		done:    make(chan struct{}),
	}

	t.acct.started = now
	t.acct.lastExit = now

	return t
}

func (t *Task) UserContext() UserContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.uc
}

func (t *Task) setUserContext(uc UserContext) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.uc = uc
}

func (t *Task) Exited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.exited
}

// Done is closed once the task has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// ShouldStop reports whether a user context running as uc must return
// control to the kernel.
func (t *Task) ShouldStop(uc UserContext) bool {
	if t.Exited() || t.Killed() {
		return true
	}

	return t.UserContext() != uc
}

// Run drives the task's user contexts until it exits. A program that
// returns without calling exit exits with status 0.
func (t *Task) Run(ctx context.Context) {
	ctx = SetTask(ctx, t)

	for !t.Exited() {
		uc := t.UserContext()
		if uc == nil {
			t.Exit(0)
			break
		}

		uc.Run(ctx, t)

		if t.Exited() {
			break
		}

		if t.UserContext() == uc {
			t.Exit(0)
		}
	}
}

// EnterKernel and ExitKernel bracket every trap so CPU time can be split
// between user and system time.
func (t *Task) EnterKernel() {
	t.acct.mu.Lock()
	defer t.acct.mu.Unlock()

	now := time.Now()
	t.acct.utime += now.Sub(t.acct.lastExit)
	t.acct.enteredAt = now
	t.acct.inKernel = true
}

func (t *Task) ExitKernel() {
	t.acct.mu.Lock()
	defer t.acct.mu.Unlock()

	now := time.Now()
	t.acct.stime += now.Sub(t.acct.enteredAt)
	t.acct.lastExit = now
	t.acct.inKernel = false
}

// CPUTimes returns user and system time consumed so far.
func (t *Task) CPUTimes() (time.Duration, time.Duration) {
	t.acct.mu.Lock()
	defer t.acct.mu.Unlock()

	utime, stime := t.acct.utime, t.acct.stime
	now := time.Now()

	if t.acct.inKernel {
		stime += now.Sub(t.acct.enteredAt)
	} else if !t.exitedLocked() {
		utime += now.Sub(t.acct.lastExit)
	}

	return utime, stime
}

func (t *Task) exitedLocked() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Interruptible returns a context that is cancelled when a signal is
// delivered to the task. Blocking operations wait on it so they return
// EINTR. The returned func must be called once the wait is over.
func (t *Task) Interruptible(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	p := t.Process

	p.sigMu.Lock()
	t.interrupt = cancel
	pending := t.killed || t.deliverableLocked() != 0
	p.sigMu.Unlock()

	if pending {
		cancel()
	}

	t.acct.mu.Lock()
	t.acct.nvcsw++
	t.acct.mu.Unlock()

	return ctx, func() {
		p.sigMu.Lock()
		t.interrupt = nil
		p.sigMu.Unlock()

		cancel()
	}
}

// interruptLocked wakes the task from a blocking wait. p.sigMu must be held.
func (t *Task) interruptLocked() {
	if t.interrupt != nil {
		t.interrupt()
	}
}

// Memory returns the address space the task runs in.
func (t *Task) Memory() *memory.VirtualMemory {
	return t.Process.Memory()
}

type readAdapter struct {
	sub    *memory.VirtualMemory
	offset uint64
}

func (ra *readAdapter) Read(b []byte) (int, error) {
	if err := ra.sub.CopyIn(ra.offset, b); err != nil {
		return 0, err
	}

	ra.offset += uint64(len(b))

	return len(b), nil
}

type writeAdapter struct {
	sub    *memory.VirtualMemory
	offset uint64
}

func (wa *writeAdapter) Write(b []byte) (int, error) {
	if err := wa.sub.CopyOut(wa.offset, b); err != nil {
		return 0, err
	}

	wa.offset += uint64(len(b))

	return len(b), nil
}

// CopyIn decodes a fixed size value from user memory at addr.
func (t *Task) CopyIn(addr uint64, val interface{}) error {
	return binary.Read(&readAdapter{sub: t.Memory(), offset: addr}, binary.LittleEndian, val)
}

// CopyOut encodes a fixed size value into user memory at addr.
func (t *Task) CopyOut(addr uint64, val interface{}) error {
	return binary.Write(&writeAdapter{sub: t.Memory(), offset: addr}, binary.LittleEndian, val)
}

func (t *Task) CopyInBytes(addr uint64, b []byte) error {
	return t.Memory().CopyIn(addr, b)
}

func (t *Task) CopyOutBytes(addr uint64, b []byte) error {
	return t.Memory().CopyOut(addr, b)
}

// ReadCString reads a NUL terminated string of at most max bytes.
func (t *Task) ReadCString(addr uint64, max int) (string, error) {
	var buf bytes.Buffer

	var chunk [64]byte

	mem := t.Memory()

	for buf.Len() <= max {
		// Read byte-wise near region ends so a string ending just before an
		// unmapped page does not fault.
		n := len(chunk)
		if rem := memory.PageSize - (addr % memory.PageSize); rem < uint64(n) {
			n = int(rem)
		}

		if err := mem.CopyIn(addr, chunk[:n]); err != nil {
			return "", err
		}

		if i := bytes.IndexByte(chunk[:n], 0); i >= 0 {
			buf.Write(chunk[:i])

			if buf.Len() > max {
				break
			}

			return buf.String(), nil
		}

		buf.Write(chunk[:n])
		addr += uint64(n)
	}

	return "", errors.Wrapf(ErrStringTooLong, "limit %d", max)
}

// ReadStringArray reads a NULL terminated array of string pointers, as
// execve's argv and envp.
func (t *Task) ReadStringArray(addr uint64) ([]string, error) {
	var out []string

	if addr == 0 {
		return nil, nil
	}

	for {
		var ptr uint64
		if err := t.CopyIn(addr, &ptr); err != nil {
			return nil, err
		}

		if ptr == 0 {
			return out, nil
		}

		s, err := t.ReadCString(ptr, PathMax*32)
		if err != nil {
			return nil, err
		}

		out = append(out, s)
		addr += 8

		if len(out) > 1<<16 {
			return nil, abi.Errno(abi.E2BIG)
		}
	}
}
