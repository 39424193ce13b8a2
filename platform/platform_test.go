package platform

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/kernel"
	"github.com/evanphx/rvos/platform/fdt"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

type idleContext struct{}

func (idleContext) Run(ctx context.Context, t *kernel.Task) {}

func (idleContext) Clone(stack, tls uint64) kernel.UserContext {
	return idleContext{}
}

func echoHandler() TrapHandler {
	return TrapHandlerFunc(func(ctx context.Context, id uint64, args [6]uint64) int64 {
		return int64(id + args[0])
	})
}

func TestEntry(t *testing.T) {
	n := neko.Modern(t)

	n.It("runs the primary sequence in order", func(t *testing.T) {
		m := NewMachine(DefaultConfig(), echoHandler())

		var got *CPU

		m.Main = func(ctx context.Context, cpu *CPU, dtb []byte) error {
			got = cpu

			require.True(t, cpu.Identified())
			require.True(t, cpu.HasTrapVector())
			require.False(t, cpu.Online())
			require.Equal(t, uint64(DefaultTimerFrequency), m.TimerFrequency())

			c, ok := CPUFrom(ctx)
			require.True(t, ok)
			require.Equal(t, cpu, c)

			return m.PlatformInit(cpu)
		}

		require.NoError(t, m.EntryPrimary(context.Background(), 0, nil))

		require.NotNil(t, got)
		require.True(t, got.Primary())
		require.True(t, got.Online())
		require.True(t, m.PLIC().Ready(0))
		require.Len(t, m.Online(), 1)
	})

	n.It("takes the timer frequency from the devicetree", func(t *testing.T) {
		blob, err := fdt.QemuVirt(2, 12_500_000)
		require.NoError(t, err)

		var hooked uint64

		m := NewMachine(DefaultConfig(), echoHandler())
		m.FrequencyHook = func(hz uint64) { hooked = hz }

		require.NoError(t, m.EntryPrimary(context.Background(), 0, blob))

		require.Equal(t, uint64(12_500_000), m.TimerFrequency())
		require.Equal(t, uint64(12_500_000), hooked)

		b := m.Board()
		require.True(t, b.FromDevicetree)
		require.Equal(t, 2, b.CPUs)
		require.Equal(t, "riscv-virtio,qemu", b.Model)
		require.NotEqual(t, [32]byte{}, b.Fingerprint)
	})

	n.It("falls back to the configured frequency", func(t *testing.T) {
		blob, err := fdt.QemuVirt(1, 0)
		require.NoError(t, err)

		cfg := DefaultConfig()
		cfg.TimerFrequency = 1_000_000

		m := NewMachine(cfg, echoHandler())
		require.NoError(t, m.EntryPrimary(context.Background(), 0, blob))

		require.Equal(t, uint64(1_000_000), m.TimerFrequency())
		require.False(t, m.Board().FromDevicetree)
	})

	n.It("logs the devicetree fingerprint on entry", func(t *testing.T) {
		blob, err := fdt.QemuVirt(1, 10_000_000)
		require.NoError(t, err)

		var buf bytes.Buffer

		m := NewMachine(DefaultConfig(), echoHandler())
		m.log = hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Debug})

		require.NoError(t, m.EntryPrimary(context.Background(), 0, blob))

		fp := FingerprintOf(blob)
		require.Equal(t, fp, m.Board().Fingerprint)

		short := hex.EncodeToString(fp[:8])
		require.Equal(t, short, m.Board().ShortFingerprint())
		require.Contains(t, buf.String(), "primary cpu entered")
		require.Contains(t, buf.String(), "dtb="+short)
	})

	n.It("has no fingerprint without a devicetree", func(t *testing.T) {
		m := NewMachine(DefaultConfig(), echoHandler())
		require.NoError(t, m.EntryPrimary(context.Background(), 0, nil))

		require.Equal(t, "", m.Board().ShortFingerprint())
	})

	n.It("ignores a corrupt devicetree", func(t *testing.T) {
		m := NewMachine(DefaultConfig(), echoHandler())
		require.NoError(t, m.EntryPrimary(context.Background(), 0, []byte("not a devicetree")))

		require.Equal(t, uint64(DefaultTimerFrequency), m.TimerFrequency())
	})

	n.It("refuses to boot without a trap handler", func(t *testing.T) {
		m := NewMachine(DefaultConfig(), nil)
		require.ErrorIs(t, m.EntryPrimary(context.Background(), 0, nil), ErrNoTrapVector)
	})

	n.It("refuses secondaries without smp", func(t *testing.T) {
		m := NewMachine(DefaultConfig(), echoHandler())
		require.NoError(t, m.EntryPrimary(context.Background(), 0, nil))

		require.ErrorIs(t, m.EntrySecondary(context.Background(), 1), ErrNoSMP)
	})

	n.It("refuses secondaries before the primary", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SMP = 2

		m := NewMachine(cfg, echoHandler())
		require.ErrorIs(t, m.EntrySecondary(context.Background(), 1), ErrNotBooted)
	})

	n.It("brings up secondaries", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SMP = 2

		m := NewMachine(cfg, echoHandler())

		m.Main = func(ctx context.Context, cpu *CPU, dtb []byte) error {
			return m.PlatformInit(cpu)
		}

		m.MainSecondary = func(ctx context.Context, cpu *CPU) error {
			require.False(t, cpu.Primary())
			require.Error(t, m.PlatformInit(cpu))

			return m.PlatformInitSecondary(cpu)
		}

		require.NoError(t, m.EntryPrimary(context.Background(), 0, nil))
		require.NoError(t, m.EntrySecondary(context.Background(), 1))

		require.Len(t, m.Online(), 2)

		require.ErrorIs(t, m.EntrySecondary(context.Background(), 1), ErrAlreadyBooted)
		require.ErrorIs(t, m.EntrySecondary(context.Background(), 2), ErrBadCPU)
	})

	n.It("skips the plic without irqs", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.IRQ = false

		m := NewMachine(cfg, echoHandler())
		m.Main = func(ctx context.Context, cpu *CPU, dtb []byte) error {
			return m.PlatformInit(cpu)
		}

		require.NoError(t, m.EntryPrimary(context.Background(), 0, nil))
		require.False(t, m.PLIC().Ready(0))
	})

	n.Meow()
}

func TestCPU(t *testing.T) {
	n := neko.Modern(t)

	n.It("installs the trap vector once", func(t *testing.T) {
		c := &CPU{}

		require.ErrorIs(t, c.EnableIRQs(), ErrNoTrapVector)

		require.NoError(t, c.SetTrapVector(echoHandler()))
		require.ErrorIs(t, c.SetTrapVector(echoHandler()), ErrVectorSet)

		require.NoError(t, c.EnableIRQs())
		require.True(t, c.IRQsEnabled())

		c.DisableIRQs()
		require.False(t, c.IRQsEnabled())
	})

	n.It("refuses syscalls before it is online", func(t *testing.T) {
		k, err := kernel.NewKernel(kernel.DefaultConfig())
		require.NoError(t, err)

		task, err := k.CreateInit(idleContext{}, "init")
		require.NoError(t, err)

		m := NewMachine(DefaultConfig(), echoHandler())
		require.NoError(t, m.EntryPrimary(context.Background(), 0, nil))

		cpu, ok := m.CPU(0)
		require.True(t, ok)

		_, err = cpu.Syscall(context.Background(), task, 172, [6]uint64{})
		require.Error(t, err)
		require.Equal(t, int64(abi.ENOSYS), abi.ErrnoOf(err))

		require.NoError(t, m.PlatformInit(cpu))

		ret, err := cpu.Syscall(context.Background(), task, 172, [6]uint64{3})
		require.NoError(t, err)
		require.Equal(t, int64(175), ret)
	})

	n.It("runs the handler with the task and cpu in context", func(t *testing.T) {
		k, err := kernel.NewKernel(kernel.DefaultConfig())
		require.NoError(t, err)

		task, err := k.CreateInit(idleContext{}, "init")
		require.NoError(t, err)

		var (
			sawTask *kernel.Task
			sawCPU  *CPU
		)

		m := NewMachine(DefaultConfig(), TrapHandlerFunc(func(ctx context.Context, id uint64, args [6]uint64) int64 {
			sawTask, _ = kernel.GetTask(ctx)
			sawCPU, _ = CPUFrom(ctx)
			return 0
		}))

		m.Main = func(ctx context.Context, cpu *CPU, dtb []byte) error {
			return m.PlatformInit(cpu)
		}

		require.NoError(t, m.EntryPrimary(context.Background(), 0, nil))

		cpu, _ := m.CPU(0)

		_, err = cpu.Syscall(context.Background(), task, 0, [6]uint64{})
		require.NoError(t, err)

		require.Equal(t, task, sawTask)
		require.Equal(t, cpu, sawCPU)
	})

	n.It("counts timer ticks once online", func(t *testing.T) {
		m := NewMachine(DefaultConfig(), echoHandler())
		m.Main = func(ctx context.Context, cpu *CPU, dtb []byte) error {
			return m.PlatformInit(cpu)
		}

		require.NoError(t, m.EntryPrimary(context.Background(), 0, nil))

		cpu, _ := m.CPU(0)

		require.Eventually(t, func() bool { return cpu.Ticks() > 0 }, time.Second, time.Millisecond)

		cpu.SetTimer(cpu.Ticks())
		require.True(t, cpu.TimerPending())

		cpu.SetTimer(^uint64(0))
		require.False(t, cpu.TimerPending())
	})

	n.Meow()
}

func TestPLIC(t *testing.T) {
	n := neko.Modern(t)

	n.It("claims the highest priority enabled source", func(t *testing.T) {
		p := NewPLIC(2)
		p.InitCPU(0)

		p.SetPriority(10, 1)
		p.SetPriority(11, 5)
		p.SetPriority(12, 7)

		p.Enable(0, 10)
		p.Enable(0, 11)

		p.Raise(10)
		p.Raise(11)
		p.Raise(12)

		require.Equal(t, 11, p.Claim(0))
		p.Complete(0, 11)

		require.Equal(t, 10, p.Claim(0))
		require.Equal(t, 0, p.Claim(0))

		require.Equal(t, 0, p.Claim(1), "uninitialized context claims nothing")
	})

	n.It("drops sources outside the range", func(t *testing.T) {
		p := NewPLIC(1)
		p.InitCPU(0)

		p.SetPriority(0, 3)
		p.Enable(0, NumIRQs)
		p.Raise(-1)

		require.Equal(t, 0, p.Claim(0))
	})

	n.Meow()
}
