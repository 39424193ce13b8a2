// Package platform brings up the riscv64 qemu virt machine: per-CPU
// identity, trap vector, interrupt and timer state, and the primary and
// secondary entry sequences that hand control to the kernel.
package platform

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/log"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const Name = "riscv64_qemu_virt"

// PlatformName identifies the board.
func PlatformName() string {
	return Name
}

// DefaultTimerFrequency is the qemu virt timebase, used when the
// devicetree does not give one.
const DefaultTimerFrequency = 10_000_000

type Config struct {
	// IRQ enables external interrupt handling through the PLIC.
	IRQ bool

	// SMP is the number of harts brought up.
	SMP int

	TimerFrequency uint64
	MaxCPUs        int
}

func DefaultConfig() Config {
	return Config{
		IRQ:            true,
		SMP:            1,
		TimerFrequency: DefaultTimerFrequency,
		MaxCPUs:        8,
	}
}

var (
	ErrNoTrapVector   = errors.New("trap vector not installed")
	ErrVectorSet      = errors.New("trap vector already installed")
	ErrBadCPU         = errors.New("cpu id out of range")
	ErrNoSMP          = errors.New("secondary cpus not configured")
	ErrNotBooted      = errors.New("primary cpu has not booted")
	ErrAlreadyBooted  = errors.New("cpu already brought up")
	ErrNotIdentified  = errors.New("cpu entry sequence incomplete")
	ErrOffline        = abi.NewError(abi.ENOSYS, "cpu is not online")
	ErrFrequencyFixed = errors.New("timer frequency already discovered")
)

// TrapHandler is what the trap vector runs for a syscall from user mode.
type TrapHandler interface {
	Dispatch(ctx context.Context, id uint64, args [6]uint64) int64
}

type TrapHandlerFunc func(ctx context.Context, id uint64, args [6]uint64) int64

func (f TrapHandlerFunc) Dispatch(ctx context.Context, id uint64, args [6]uint64) int64 {
	return f(ctx, id, args)
}

// MainFunc is the kernel's primary entry point.
type MainFunc func(ctx context.Context, cpu *CPU, dtb []byte) error

// SecondaryFunc is the kernel's entry point on every other hart.
type SecondaryFunc func(ctx context.Context, cpu *CPU) error

// Machine holds the per-boot state of the board. Everything ClearBSS
// resets is written during bring-up and read-only afterwards.
type Machine struct {
	cfg Config

	Main          MainFunc
	MainSecondary SecondaryFunc

	trap TrapHandler

	mu        sync.Mutex
	cpus      []*CPU
	board     BoardInfo
	booted    bool
	plic      *PLIC
	timerFreq uint64

	// FrequencyHook receives the timer frequency once it is known.
	FrequencyHook func(hz uint64)

	log hclog.Logger
}

func NewMachine(cfg Config, trap TrapHandler) *Machine {
	if cfg.MaxCPUs <= 0 {
		cfg.MaxCPUs = 8
	}

	if cfg.SMP <= 0 {
		cfg.SMP = 1
	}

	if cfg.TimerFrequency == 0 {
		cfg.TimerFrequency = DefaultTimerFrequency
	}

	m := &Machine{
		cfg:  cfg,
		trap: trap,
		log:  log.L.Named("platform"),
	}

	m.ClearBSS()

	return m
}

func (m *Machine) Config() Config {
	return m.cfg
}

// ClearBSS zeroes the state bring-up fills in.
func (m *Machine) ClearBSS() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cpus = make([]*CPU, m.cfg.MaxCPUs)
	m.board = BoardInfo{}
	m.booted = false
	m.plic = NewPLIC(m.cfg.MaxCPUs)
	atomic.StoreUint64(&m.timerFreq, 0)
}

// TimerFrequency returns the discovered timer frequency, 0 before the
// primary has booted.
func (m *Machine) TimerFrequency() uint64 {
	return atomic.LoadUint64(&m.timerFreq)
}

func (m *Machine) setTimerFrequency(hz uint64) error {
	if !atomic.CompareAndSwapUint64(&m.timerFreq, 0, hz) {
		return ErrFrequencyFixed
	}

	if m.FrequencyHook != nil {
		m.FrequencyHook(hz)
	}

	return nil
}

func (m *Machine) Board() BoardInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.board
}

func (m *Machine) PLIC() *PLIC {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.plic
}

// CPU returns the cpu with id once its entry sequence has started.
func (m *Machine) CPU(id uint) (*CPU, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(id) >= len(m.cpus) || m.cpus[id] == nil {
		return nil, false
	}

	return m.cpus[id], true
}

// Online returns every cpu that finished bring-up, in id order.
func (m *Machine) Online() []*CPU {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*CPU

	for _, c := range m.cpus {
		if c != nil && c.Online() {
			out = append(out, c)
		}
	}

	return out
}

func (m *Machine) newCPU(id uint, primary bool) (*CPU, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(id) >= len(m.cpus) {
		return nil, errors.Wrapf(ErrBadCPU, "cpu %d", id)
	}

	if m.cpus[id] != nil {
		return nil, errors.Wrapf(ErrAlreadyBooted, "cpu %d", id)
	}

	c := &CPU{m: m, id: id, primary: primary}
	m.cpus[id] = c

	return c, nil
}

// EntryPrimary is the boot hart's path from firmware to the kernel: clear
// static state, take the cpu identity, install the trap vector, discover
// the board, then call Main.
func (m *Machine) EntryPrimary(ctx context.Context, cpuID uint, dtb []byte) error {
	if m.trap == nil {
		return ErrNoTrapVector
	}

	m.ClearBSS()

	cpu, err := m.newCPU(cpuID, true)
	if err != nil {
		return err
	}

	cpu.identify()

	if err := cpu.SetTrapVector(m.trap); err != nil {
		return err
	}

	board := m.discoverBoard(dtb)

	m.mu.Lock()
	m.board = board
	m.booted = true
	m.mu.Unlock()

	if err := m.setTimerFrequency(board.TimerFrequency); err != nil {
		return err
	}

	m.log.Debug("primary cpu entered", "cpu", cpuID, "timer-frequency", board.TimerFrequency, "cpus", board.CPUs, "dtb", board.ShortFingerprint())

	if m.Main == nil {
		return nil
	}

	return m.Main(WithCPU(ctx, cpu), cpu, dtb)
}

// EntrySecondary brings up another hart. The board was already discovered
// by the primary, so no devicetree is passed.
func (m *Machine) EntrySecondary(ctx context.Context, cpuID uint) error {
	if m.cfg.SMP <= 1 {
		return ErrNoSMP
	}

	if int(cpuID) >= m.cfg.SMP {
		return errors.Wrapf(ErrBadCPU, "cpu %d of %d", cpuID, m.cfg.SMP)
	}

	m.mu.Lock()
	booted := m.booted
	m.mu.Unlock()

	if !booted {
		return ErrNotBooted
	}

	cpu, err := m.newCPU(cpuID, false)
	if err != nil {
		return err
	}

	if err := cpu.SetTrapVector(m.trap); err != nil {
		return err
	}

	cpu.identify()

	m.log.Debug("secondary cpu entered", "cpu", cpuID)

	if m.MainSecondary == nil {
		return nil
	}

	return m.MainSecondary(WithCPU(ctx, cpu), cpu)
}

// PlatformInit brings up the primary cpu's devices. The cpu accepts
// interrupts and syscalls once it returns.
func (m *Machine) PlatformInit(cpu *CPU) error {
	if !cpu.primary {
		return errors.Wrapf(ErrBadCPU, "cpu %d is not the primary", cpu.id)
	}

	return m.initDevices(cpu)
}

func (m *Machine) PlatformInitSecondary(cpu *CPU) error {
	if cpu.primary {
		return errors.Wrapf(ErrBadCPU, "cpu %d is the primary", cpu.id)
	}

	return m.initDevices(cpu)
}

func (m *Machine) initDevices(cpu *CPU) error {
	if !cpu.Identified() || !cpu.HasTrapVector() {
		return errors.Wrapf(ErrNotIdentified, "cpu %d", cpu.id)
	}

	if m.cfg.IRQ {
		m.PLIC().InitCPU(cpu.id)
	}

	cpu.timer.init(m.TimerFrequency())

	cpu.setOnline()

	m.log.Debug("cpu online", "cpu", cpu.id, "irq", m.cfg.IRQ)

	return nil
}
