package kernel

import (
	"context"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/log"
)

var (
	ErrBadSignal     = abi.NewError(abi.EINVAL, "invalid signal")
	ErrNoSignalFrame = abi.NewError(abi.EFAULT, "no signal frame to return from")
)

// SignalTarget is implemented by user contexts that can run signal
// handlers. Contexts that do not implement it have handled signals
// discarded.
type SignalTarget interface {
	// EnterHandler arranges for user execution to continue in the handler
	// for signo. The handler later returns through rt_sigreturn.
	EnterHandler(ctx context.Context, t *Task, signo int, act linux.SigAction) error
}

// SignalActions is the sigaction table. CLONE_SIGHAND shares it.
type SignalActions struct {
	actions [linux.NSIG]linux.SigAction
}

func (s *SignalActions) fork() *SignalActions {
	cpy := *s
	return &cpy
}

// resetHandled returns caught signals to their default, as exec does.
func (s *SignalActions) resetHandled() {
	for i, act := range s.actions {
		if act.Handler != linux.SIG_DFL && act.Handler != linux.SIG_IGN {
			s.actions[i] = linux.SigAction{}
		}
	}
}

type defaultAction int

const (
	actTerminate defaultAction = iota
	actIgnore
)

func defaultActionFor(signo int) defaultAction {
	switch signo {
	case linux.SIGCHLD, linux.SIGCONT, linux.SIGURG, linux.SIGWINCH:
		return actIgnore
	case linux.SIGSTOP, linux.SIGTSTP, linux.SIGTTIN, linux.SIGTTOU:
		// Job control is not modelled; stop signals are dropped.
		return actIgnore
	default:
		return actTerminate
	}
}

// ignoredLocked reports whether signo would be discarded on delivery.
func (p *Process) ignoredLocked(signo int) bool {
	if signo == linux.SIGKILL {
		return false
	}

	act := p.actions.actions[signo-1]

	switch act.Handler {
	case linux.SIG_IGN:
		return true
	case linux.SIG_DFL:
		return defaultActionFor(signo) == actIgnore
	default:
		return false
	}
}

// SigAction installs act for signo if act is non-nil and returns the
// previous action.
func (p *Process) SigAction(signo int, act *linux.SigAction) (linux.SigAction, error) {
	if !linux.ValidSignal(signo) {
		return linux.SigAction{}, ErrBadSignal
	}

	if act != nil && (signo == linux.SIGKILL || signo == linux.SIGSTOP) {
		return linux.SigAction{}, ErrBadSignal
	}

	threads := p.Threads()

	p.sigMu.Lock()
	defer p.sigMu.Unlock()

	old := p.actions.actions[signo-1]

	if act != nil {
		a := *act
		a.Mask &^= uint64(linux.UnblockableSignals)
		p.actions.actions[signo-1] = a

		log.L.Trace("add-signal-handler", "signal", signo, "handler", a.Handler)

		// Pending signals that are now ignored are discarded.
		if p.ignoredLocked(signo) {
			bit := linux.SignalBit(signo)
			p.sigQueue &^= bit
			for _, t := range threads {
				t.pending &^= bit
			}
		}
	}

	return old, nil
}

// SigMask returns the task's blocked set.
func (t *Task) SigMask() linux.SignalSet {
	t.Process.sigMu.Lock()
	defer t.Process.sigMu.Unlock()

	return t.sigMask
}

// SetSigMask applies how with set and returns the previous mask.
func (t *Task) SetSigMask(how linux.SigMaskHow, set linux.SignalSet) linux.SignalSet {
	p := t.Process

	p.sigMu.Lock()
	defer p.sigMu.Unlock()

	old := t.sigMask

	switch how {
	case linux.SIG_BLOCK:
		t.sigMask |= set
	case linux.SIG_UNBLOCK:
		t.sigMask &^= set
	case linux.SIG_SETMASK:
		t.sigMask = set
	}

	t.sigMask &^= linux.UnblockableSignals

	if t.deliverableLocked() != 0 {
		t.interruptLocked()
	}

	return old
}

// SetTemporarySigMask blocks set until the task next returns to user
// mode, as ppoll and epoll_pwait do. A handler delivered on that return
// runs with set in force and its sigreturn restores the earlier mask.
func (t *Task) SetTemporarySigMask(set linux.SignalSet) {
	p := t.Process

	p.sigMu.Lock()
	defer p.sigMu.Unlock()

	if !t.restoreMask {
		t.savedMask = t.sigMask
		t.restoreMask = true
	}

	t.sigMask = set &^ linux.UnblockableSignals

	if t.deliverableLocked() != 0 {
		t.interruptLocked()
	}
}

// RestoreSigMask drops a mask installed by SetTemporarySigMask.
func (t *Task) RestoreSigMask() {
	t.Process.sigMu.Lock()
	defer t.Process.sigMu.Unlock()

	t.restoreSigMaskLocked()
}

func (t *Task) restoreSigMaskLocked() {
	if t.restoreMask {
		t.sigMask = t.savedMask
		t.restoreMask = false
	}
}

// deliverableLocked returns the pending signals the task may take.
func (t *Task) deliverableLocked() linux.SignalSet {
	return (t.pending | t.Process.sigQueue) &^ t.sigMask
}

// PendingSignals returns the signals pending for the task.
func (t *Task) PendingSignals() linux.SignalSet {
	t.Process.sigMu.Lock()
	defer t.Process.sigMu.Unlock()

	return t.pending | t.Process.sigQueue
}

// Killed reports whether a group exit or fatal signal is tearing the task
// down.
func (t *Task) Killed() bool {
	t.Process.sigMu.Lock()
	defer t.Process.sigMu.Unlock()

	return t.killed
}

// SendSignal queues signo for the process and wakes a thread that can
// take it. This doesn't execute the handler, that happens on the way back
// to user mode.
func (p *Process) SendSignal(signo int) error {
	if !linux.ValidSignal(signo) {
		return ErrBadSignal
	}

	if st, _ := p.Status(); st == Dead {
		return nil
	}

	if signo == linux.SIGKILL {
		p.exitGroup(ExitStatus{Signo: signo})
		return nil
	}

	threads := p.Threads()

	p.sigMu.Lock()
	defer p.sigMu.Unlock()

	if p.ignoredLocked(signo) {
		log.L.Trace("signal-ignored", "pid", p.Pid, "signal", signo)
		return nil
	}

	p.sigQueue |= linux.SignalBit(signo)

	for _, t := range threads {
		if !t.sigMask.Has(signo) {
			t.interruptLocked()
			break
		}
	}

	return nil
}

// SendSignal queues signo for this thread only.
func (t *Task) SendSignal(signo int) error {
	if !linux.ValidSignal(signo) {
		return ErrBadSignal
	}

	p := t.Process

	if signo == linux.SIGKILL {
		p.exitGroup(ExitStatus{Signo: signo})
		return nil
	}

	p.sigMu.Lock()
	defer p.sigMu.Unlock()

	if p.ignoredLocked(signo) {
		return nil
	}

	t.pending |= linux.SignalBit(signo)

	if !t.sigMask.Has(signo) {
		t.interruptLocked()
	}

	return nil
}

type sigFrame struct {
	mask linux.SignalSet
	ret  int64
}

// dequeueLocked takes the lowest deliverable signal, thread-directed
// first.
func (t *Task) dequeueLocked() (int, bool) {
	set := t.pending &^ t.sigMask
	fromTask := true

	if set == 0 {
		set = t.Process.sigQueue &^ t.sigMask
		fromTask = false
	}

	if set == 0 {
		return 0, false
	}

	for signo := 1; signo <= linux.NSIG; signo++ {
		if set.Has(signo) {
			bit := linux.SignalBit(signo)
			if fromTask {
				t.pending &^= bit
			} else {
				t.Process.sigQueue &^= bit
			}

			return signo, true
		}
	}

	return 0, false
}

// HandleSignals runs on the way back to user mode after a trap. ret is
// the value the trap produced; the value returned is what user mode sees.
// Killed tasks exit here.
func (t *Task) HandleSignals(ctx context.Context, ret int64) int64 {
	p := t.Process

	for {
		p.sigMu.Lock()

		if t.killed {
			p.sigMu.Unlock()

			_, status := p.Status()
			t.exit(status)

			return ret
		}

		signo, ok := t.dequeueLocked()
		if !ok {
			t.restoreSigMaskLocked()
			p.sigMu.Unlock()
			return ret
		}

		act := p.actions.actions[signo-1]

		switch act.Handler {
		case linux.SIG_IGN:
			p.sigMu.Unlock()
			continue
		case linux.SIG_DFL:
			p.sigMu.Unlock()

			if defaultActionFor(signo) == actIgnore {
				continue
			}

			log.L.Debug("signal-terminate", "pid", p.Pid, "tid", t.Tid, "signal", linux.SignalName(signo))

			p.exitGroup(ExitStatus{Signo: signo})
			t.exit(ExitStatus{Signo: signo})

			return ret
		}

		target, ok := t.UserContext().(SignalTarget)
		if !ok {
			p.sigMu.Unlock()
			log.L.Debug("signal-no-target", "tid", t.Tid, "signal", signo)
			continue
		}

		frame := sigFrame{mask: t.sigMask, ret: ret}
		if t.restoreMask {
			frame.mask = t.savedMask
			t.restoreMask = false
		}

		t.frames = append(t.frames, frame)

		if act.Flags&linux.SA_NODEFER == 0 {
			t.sigMask |= linux.SignalBit(signo)
		}

		t.sigMask |= linux.SignalSet(act.Mask)
		t.sigMask &^= linux.UnblockableSignals

		if act.Flags&linux.SA_RESETHAND != 0 {
			p.actions.actions[signo-1] = linux.SigAction{}
		}

		p.sigMu.Unlock()

		log.L.Trace("process-setup-signal", "signal", signo, "handler", act.Handler)

		if err := target.EnterHandler(ctx, t, signo, act); err != nil {
			log.L.Error("error entering signal handler", "signal", signo, "error", err)

			p.exitGroup(ExitStatus{Signo: linux.SIGSEGV})
			t.exit(ExitStatus{Signo: linux.SIGSEGV})

			return ret
		}

		// One handler frame per return to user mode.
		return ret
	}
}

// SigReturn pops the innermost handler frame, restoring the signal mask,
// and returns the result the interrupted trap had produced.
func (t *Task) SigReturn() (int64, error) {
	p := t.Process

	p.sigMu.Lock()
	defer p.sigMu.Unlock()

	if len(t.frames) == 0 {
		return 0, ErrNoSignalFrame
	}

	frame := t.frames[len(t.frames)-1]
	t.frames = t.frames[:len(t.frames)-1]

	t.sigMask = frame.mask

	return frame.ret, nil
}

// Kill implements kill(2) targeting. pid > 0 is one process, 0 and -1 are
// every process the caller may signal, < -1 is the process -pid. A zero
// signo only checks for existence.
func (k *Kernel) Kill(sender *Process, pid int, signo int) error {
	if signo != 0 && !linux.ValidSignal(signo) {
		return ErrBadSignal
	}

	var targets []*Process

	switch {
	case pid > 0:
		p, ok := k.processes.Lookup(pid)
		if !ok {
			return ErrNoSuchProcess
		}

		targets = append(targets, p)
	case pid < -1:
		p, ok := k.processes.Lookup(-pid)
		if !ok {
			return ErrNoSuchProcess
		}

		targets = append(targets, p)
	default:
		for _, p := range k.processes.All() {
			if pid == -1 && (p.Pid == 1 || p == sender) {
				continue
			}

			targets = append(targets, p)
		}

		if len(targets) == 0 {
			return ErrNoSuchProcess
		}
	}

	if signo == 0 {
		return nil
	}

	for _, p := range targets {
		if err := p.SendSignal(signo); err != nil {
			return err
		}
	}

	return nil
}

// Tkill signals a single thread.
func (k *Kernel) Tkill(tid int, signo int) error {
	if tid <= 0 || (signo != 0 && !linux.ValidSignal(signo)) {
		return ErrBadSignal
	}

	t, ok := k.processes.LookupTask(tid)
	if !ok {
		return ErrNoSuchProcess
	}

	if signo == 0 {
		return nil
	}

	return t.SendSignal(signo)
}
