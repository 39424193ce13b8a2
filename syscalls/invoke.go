package syscalls

import (
	"context"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/platform"
	"github.com/evanphx/rvos/trace"
	hclog "github.com/hashicorp/go-hclog"
)

// LivenessGuard runs before every resolved operation to release tasks
// left waiting with nothing able to wake them.
type LivenessGuard interface {
	CheckDeadWait()
}

// UnknownExitCode is the exit code of a task that traps with an
// identifier no operation is assigned to.
const UnknownExitCode = -1

// Dispatcher is the trap handler for syscalls. It holds no locks and
// keeps no per-call state.
type Dispatcher struct {
	Kernel   *kernel.Kernel
	Guard    LivenessGuard
	Recorder trace.Recorder

	// Table overrides Syscalls when set.
	Table *[1024]Handler

	log hclog.Logger
}

func NewDispatcher(k *kernel.Kernel) *Dispatcher {
	l := log.L.Named("syscall")

	return &Dispatcher{
		Kernel:   k,
		Guard:    k.Futex,
		Recorder: trace.NewLogRecorder(l),
		log:      l,
	}
}

func (d *Dispatcher) handler(s linux.Sysno) Handler {
	table := &Syscalls
	if d.Table != nil {
		table = d.Table
	}

	if n := s.Number(); n < uint64(len(table)) {
		return table[n]
	}

	return nil
}

// Dispatch runs operation id for the task and cpu carried in ctx and
// returns the result word. Interrupts on the cpu are masked when it
// returns, on every path.
func (d *Dispatcher) Dispatch(ctx context.Context, id uint64, args [6]uint64) int64 {
	l := d.log
	if l == nil {
		l = log.L
	}

	cpu, ok := platform.CPUFrom(ctx)
	if !ok {
		l.Error("syscall trap without a cpu", "id", id)
		return -abi.ENOSYS
	}

	defer cpu.DisableIRQs()

	t, ok := kernel.GetTask(ctx)
	if !ok {
		l.Error("syscall trap without a current task", "cpu", cpu.ID(), "id", id)
		return -abi.ENOSYS
	}

	sysno, ok := linux.Resolve(id)
	if !ok {
		l.Error("unknown syscall", "id", id, "task", t.Tid, "cpu", cpu.ID())

		if l.IsDebug() {
			l.Debug("unknown syscall arguments", "args", spew.Sdump(args))
		}

		t.Exit(UnknownExitCode)

		return -abi.ENOSYS
	}

	h := d.handler(sysno)
	if h == nil {
		l.Error("syscall has no handler", "id", id, "name", sysno.String())
		return -abi.ENOSYS
	}

	if d.Guard != nil {
		d.Guard.CheckDeadWait()
	}

	d.record(trace.Record{
		Phase: trace.Enter,
		CPU:   int(cpu.ID()),
		Task:  t.Tid,
		Sysno: id,
		Name:  sysno.String(),
	})

	ret, err := h(ctx, l, t, SysArgs{Sysno: sysno, Args: args})
	if err != nil {
		ret = abi.Ret(err)

		if l.IsTrace() {
			l.Trace("syscall failed", "name", sysno.String(), "task", t.Tid, "error", err)
		}
	}

	d.record(trace.Record{
		Phase:  trace.Exit,
		CPU:    int(cpu.ID()),
		Task:   t.Tid,
		Sysno:  id,
		Name:   sysno.String(),
		Result: ret,
	})

	return ret
}

func (d *Dispatcher) record(r trace.Record) {
	if d.Recorder != nil {
		r.Time = time.Now()
		d.Recorder.Record(r)
	}
}
