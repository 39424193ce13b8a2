package platform

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/evanphx/rvos/kernel"
	"github.com/evanphx/rvos/log"
)

type cpukey struct{}

// WithCPU returns ctx carrying cpu, the explicit per-core context every
// dispatch runs under.
func WithCPU(ctx context.Context, cpu *CPU) context.Context {
	return context.WithValue(ctx, cpukey{}, cpu)
}

func CPUFrom(ctx context.Context) (*CPU, bool) {
	if v := ctx.Value(cpukey{}); v != nil {
		return v.(*CPU), true
	}

	return nil, false
}

// CPU is one hart. Its identity and trap vector are written once during
// bring-up and owned by the cpu afterwards.
type CPU struct {
	m       *Machine
	id      uint
	primary bool

	mu         sync.Mutex
	trap       TrapHandler
	identified bool
	online     bool

	irqs  int32
	timer timer
}

func (c *CPU) ID() uint {
	return c.id
}

func (c *CPU) Primary() bool {
	return c.primary
}

func (c *CPU) identify() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.identified = true
}

func (c *CPU) Identified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.identified
}

// SetTrapVector installs the handler traps on this cpu go to. It can only
// be set once.
func (c *CPU) SetTrapVector(h TrapHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.trap != nil {
		return ErrVectorSet
	}

	c.trap = h

	return nil
}

func (c *CPU) HasTrapVector() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.trap != nil
}

func (c *CPU) setOnline() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.online = true
}

func (c *CPU) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.online
}

// EnableIRQs unmasks interrupts. Interrupts can not be taken until a trap
// vector is installed.
func (c *CPU) EnableIRQs() error {
	if !c.HasTrapVector() {
		return ErrNoTrapVector
	}

	atomic.StoreInt32(&c.irqs, 1)

	return nil
}

func (c *CPU) DisableIRQs() {
	atomic.StoreInt32(&c.irqs, 0)
}

func (c *CPU) IRQsEnabled() bool {
	return atomic.LoadInt32(&c.irqs) == 1
}

// Ticks reads this cpu's timer.
func (c *CPU) Ticks() uint64 {
	return c.timer.now()
}

// SetTimer arms the timer comparator.
func (c *CPU) SetTimer(deadline uint64) {
	c.timer.set(deadline)
}

// TimerPending reports whether the comparator has been reached.
func (c *CPU) TimerPending() bool {
	return c.timer.pending()
}

// Syscall is the ecall path from user mode: it enters the kernel on
// behalf of t, runs the trap vector, and delivers pending signals on the
// way back out. A cpu that is not online refuses.
func (c *CPU) Syscall(ctx context.Context, t *kernel.Task, id uint64, args [6]uint64) (int64, error) {
	c.mu.Lock()
	online, trap := c.online, c.trap
	c.mu.Unlock()

	if !online {
		log.L.Error("syscall on cpu before bring-up", "cpu", c.id, "id", id)
		return 0, ErrOffline
	}

	ctx = WithCPU(kernel.SetTask(ctx, t), c)

	t.EnterKernel()
	defer t.ExitKernel()

	ret := trap.Dispatch(ctx, id, args)

	return t.HandleSignals(ctx, ret), nil
}
