package kernel

import (
	"sync"
	"time"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/memory"
	"github.com/evanphx/rvos/pkg/ilist"
	"github.com/pkg/errors"
)

var (
	ErrNoSuchProcess = abi.NewError(abi.ESRCH, "no such process")
	ErrNoChildren    = abi.NewError(abi.ECHILD, "no child processes")
)

type ProcessStatus int

const (
	Running ProcessStatus = iota
	Dead
)

type ExitStatus struct {
	Code  int
	Signo int
}

// Status encodes the wait4 status word.
func (e ExitStatus) Status() int32 {
	if e.Signo != 0 {
		return int32(e.Signo) & 0x7f
	}

	return (int32(e.Code) & 0xff) << 8
}

// FSContext is the filesystem state CLONE_FS shares.
type FSContext struct {
	mu    sync.Mutex
	cwd   string
	umask uint32
}

func (f *FSContext) Cwd() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cwd
}

func (f *FSContext) SetCwd(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cwd = p
}

// SwapUmask sets the umask and returns the previous one.
func (f *FSContext) SwapUmask(mask uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	old := f.umask
	f.umask = mask & 0777

	return old
}

func (f *FSContext) Umask() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.umask
}

func (f *FSContext) fork() *FSContext {
	f.mu.Lock()
	defer f.mu.Unlock()

	return &FSContext{cwd: f.cwd, umask: f.umask}
}

// Usage is accumulated resource usage.
type Usage struct {
	Utime, Stime time.Duration
	MaxRSS       int64
	NVCSw        int64
}

func (u *Usage) add(o Usage) {
	u.Utime += o.Utime
	u.Stime += o.Stime
	u.NVCSw += o.NVCSw

	if o.MaxRSS > u.MaxRSS {
		u.MaxRSS = o.MaxRSS
	}
}

type Process struct {
	Kernel *Kernel
	Pid    int

	// Used by the parent's Children to list its children. Protected by
	// that list's mu.
	ilist.Entry

	children Children

	FDs *FDTable
	FS  *FSContext

	Started time.Time

	mu          sync.Mutex
	parent      *Process
	mem         *memory.VirtualMemory
	threads     map[int]*Task
	status      ProcessStatus
	exitStatus  ExitStatus
	statusSet   bool
	exiting     bool
	exitSignal  int
	limits      [linux.RLIM_NLIMITS]linux.RLimit
	exitedUsage Usage
	childUsage  Usage
	vforkDone   chan struct{}
	done        chan struct{}
	name        string

	sigMu    sync.Mutex
	actions  *SignalActions
	sigQueue linux.SignalSet

	timers itimers
}

func (p *Process) Parent() *Process {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.parent
}

// PPid returns the parent's pid, 0 for init.
func (p *Process) PPid() int {
	if parent := p.Parent(); parent != nil {
		return parent.Pid
	}

	return 0
}

func (p *Process) Memory() *memory.VirtualMemory {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.mem
}

func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.name
}

// Done is closed once the process is dead.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Status() (ProcessStatus, ExitStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status, p.exitStatus
}

// Threads returns the live threads.
func (p *Process) Threads() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Task, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}

	return out
}

// Leader returns the thread whose tid equals the pid, if it is alive.
func (p *Process) Leader() (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.threads[p.Pid]
	return t, ok
}

func (p *Process) Limit(resource int) linux.RLimit {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.limits[resource]
}

// CreateInit builds pid 1 with its first task and starts nothing. The
// caller starts it with StartTask once its user context is ready.
func (k *Kernel) CreateInit(uc UserContext, name string) (*Task, error) {
	p := &Process{
		Kernel:  k,
		FS:      &FSContext{cwd: "/", umask: 022},
		Started: time.Now(),
		mem:     memory.NewVirtualMemory(),
		threads: make(map[int]*Task),
		actions: &SignalActions{},
		limits:  k.Config.Limits,
		done:    make(chan struct{}),
		name:    name,
	}

	p.FDs = NewFDTable(p.fdLimit)

	t := newTask(p, uc)

	if err := k.processes.Register(p, t); err != nil {
		return nil, err
	}

	log.L.Debug("created init process", "pid", p.Pid)

	return t, nil
}

// StartTask hands t to the kernel's runner.
func (k *Kernel) StartTask(t *Task) {
	k.start(t)
}

func (p *Process) fdLimit() int {
	lim := p.Limit(linux.RLIMIT_NOFILE).Cur
	if max := p.Kernel.Config.MaxOpenFiles; lim > max {
		lim = max
	}

	return int(lim)
}

// CloneArgs are the decoded clone(2) arguments.
type CloneArgs struct {
	Flags      linux.CloneFlags
	ExitSignal int
	Stack      uint64
	ParentTID  uint64
	TLS        uint64
	ChildTID   uint64
}

var ErrBadClone = abi.NewError(abi.EINVAL, "invalid clone flag combination")

// Clone creates a thread or a process from t and starts it. It returns
// the new task's tid.
func (t *Task) Clone(args CloneArgs) (int, error) {
	f := args.Flags

	if f&linux.CLONE_THREAD != 0 && f&linux.CLONE_SIGHAND == 0 {
		return 0, ErrBadClone
	}

	if f&linux.CLONE_SIGHAND != 0 && f&linux.CLONE_VM == 0 {
		return 0, ErrBadClone
	}

	uc := t.UserContext()
	if uc == nil {
		return 0, errors.Wrap(ErrBadClone, "task has no user context")
	}

	parent := t.Process
	k := parent.Kernel

	var child *Task

	if f&linux.CLONE_THREAD != 0 {
		child = newTask(parent, uc.Clone(args.Stack, args.TLS))

		if err := k.processes.AddThread(parent, child); err != nil {
			return 0, err
		}
	} else {
		p := parent.fork(f, args.ExitSignal)

		child = newTask(p, uc.Clone(args.Stack, args.TLS))

		if err := k.processes.Register(p, child); err != nil {
			p.FDs.Release()
			return 0, err
		}

		parent.mu.Lock()
		p.parent = parent
		parent.mu.Unlock()

		parent.children.Add(p)
	}

	parent.sigMu.Lock()
	child.sigMask = t.sigMask
	parent.sigMu.Unlock()

	if f&linux.CLONE_PARENT_SETTID != 0 {
		if err := t.CopyOut(args.ParentTID, int32(child.Tid)); err != nil {
			log.L.Debug("clone: parent tid write faulted", "addr", args.ParentTID)
		}
	}

	if f&linux.CLONE_CHILD_SETTID != 0 {
		if err := child.CopyOut(args.ChildTID, int32(child.Tid)); err != nil {
			log.L.Debug("clone: child tid write faulted", "addr", args.ChildTID)
		}
	}

	if f&linux.CLONE_CHILD_CLEARTID != 0 {
		child.clearTID = args.ChildTID
	}

	log.L.Trace("clone", "parent", t.Tid, "child", child.Tid, "flags", f)

	k.Futex.noteChange()

	k.start(child)

	if f&linux.CLONE_VFORK != 0 {
		child.Process.mu.Lock()
		done := child.Process.vforkDone
		child.Process.mu.Unlock()

		if done != nil {
			<-done
		}
	}

	return child.Tid, nil
}

func (p *Process) fork(f linux.CloneFlags, exitSignal int) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()

	child := &Process{
		Kernel:     p.Kernel,
		Started:    time.Now(),
		threads:    make(map[int]*Task),
		limits:     p.limits,
		exitSignal: exitSignal,
		done:       make(chan struct{}),
		name:       p.name,
	}

	if f&linux.CLONE_VM != 0 {
		child.mem = p.mem
	} else {
		child.mem = p.mem.Fork()
	}

	if f&linux.CLONE_FILES != 0 {
		child.FDs = p.FDs.Share()
	} else {
		child.FDs = p.FDs.Fork(child.fdLimit)
	}

	if f&linux.CLONE_FS != 0 {
		child.FS = p.FS
	} else {
		child.FS = p.FS.fork()
	}

	p.sigMu.Lock()
	if f&linux.CLONE_SIGHAND != 0 {
		child.actions = p.actions
	} else {
		child.actions = p.actions.fork()
	}
	p.sigMu.Unlock()

	if f&linux.CLONE_VFORK != 0 {
		child.vforkDone = make(chan struct{})
	}

	return child
}

// releaseVfork lets a vfork parent continue. Called on exec and exit.
func (p *Process) releaseVfork() {
	p.mu.Lock()
	done := p.vforkDone
	p.vforkDone = nil
	p.mu.Unlock()

	if done != nil {
		close(done)
	}
}

// Exit ends the calling thread. The process exits once its last thread is
// gone, with the leader's code unless a group exit fixed the status.
func (t *Task) Exit(code int) {
	t.exit(ExitStatus{Code: code})
}

func (t *Task) exit(status ExitStatus) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}

	t.exited = true
	t.exitCode = status.Code
	clearTID := t.clearTID
	detached := t.detached
	t.mu.Unlock()

	p := t.Process
	k := p.Kernel

	log.L.Trace("task-exit", "tid", t.Tid, "pid", p.Pid, "code", status.Code)

	t.exitRobustList()

	if clearTID != 0 {
		if err := t.CopyOut(clearTID, int32(0)); err == nil {
			k.Futex.Wake(t.Memory(), clearTID, 1, linux.FUTEX_BITSET_MATCH_ANY)
		}
	}

	utime, stime := t.CPUTimes()

	t.acct.mu.Lock()
	nvcsw := t.acct.nvcsw
	t.acct.mu.Unlock()

	p.mu.Lock()
	delete(p.threads, t.Tid)
	p.exitedUsage.add(Usage{Utime: utime, Stime: stime, NVCSw: nvcsw})

	last := len(p.threads) == 0

	// Without a group exit the process reports the leader's status.
	if !p.exiting && !detached && (t.Tid == p.Pid || (last && !p.statusSet)) {
		p.exitStatus = status
		p.statusSet = true
	}
	p.mu.Unlock()

	if t.Tid != p.Pid {
		k.processes.ReleaseTask(t)
	}

	close(t.done)

	if last {
		p.finish()
	} else {
		// A lone thread exiting may leave the rest of its group waiting on
		// each other.
		k.Futex.noteChange()
		k.Futex.CheckDeadWait()
	}
}

// ExitGroup ends every thread in the process with code.
func (t *Task) ExitGroup(code int) {
	t.Process.exitGroup(ExitStatus{Code: code})
	t.exit(ExitStatus{Code: code})
}

func (p *Process) exitGroup(status ExitStatus) {
	p.mu.Lock()
	if !p.exiting {
		p.exiting = true
		p.exitStatus = status
	}

	threads := make([]*Task, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.mu.Unlock()

	p.sigMu.Lock()
	for _, t := range threads {
		t.killed = true
		t.interruptLocked()
	}
	p.sigMu.Unlock()
}

// Exiting reports whether a group exit is in progress.
func (p *Process) Exiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exiting
}

// finish turns the process into a zombie once its last thread is gone.
func (p *Process) finish() {
	k := p.Kernel

	p.timers.stop()
	p.FDs.Release()

	p.mu.Lock()
	p.status = Dead
	parent := p.parent
	status := p.exitStatus
	exitSignal := p.exitSignal
	p.mu.Unlock()

	close(p.done)

	log.L.Trace("process-exit", "pid", p.Pid, "code", status.Code, "signal", status.Signo)

	p.releaseVfork()

	init, hasInit := k.processes.Lookup(1)

	for _, orphan := range p.children.TakeAll() {
		if !hasInit || init == p {
			continue
		}

		orphan.mu.Lock()
		orphan.parent = init
		orphan.mu.Unlock()

		init.children.Add(orphan)
	}

	if parent != nil {
		parent.children.ProcessExited(p)

		if exitSignal != 0 {
			parent.SendSignal(exitSignal)
		}
	} else {
		k.processes.Unregister(p)
	}

	k.Futex.noteChange()
	k.Futex.CheckDeadWait()
}

// usage sums exited and live thread time.
func (p *Process) usage() Usage {
	p.mu.Lock()
	u := p.exitedUsage
	threads := make([]*Task, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	mem := p.mem
	p.mu.Unlock()

	for _, t := range threads {
		utime, stime := t.CPUTimes()
		u.Utime += utime
		u.Stime += stime
	}

	u.MaxRSS = int64(mem.Size() / 1024)

	return u
}

// ChildUsage returns the usage of reaped children.
func (p *Process) ChildUsage() Usage {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.childUsage
}

// Usage returns the process's own resource usage.
func (p *Process) Usage() Usage {
	return p.usage()
}

type ProcessManager struct {
	mu        sync.RWMutex
	highWater int
	ids       map[int]struct{}
	processes map[int]*Process
	tasks     map[int]*Task
}

func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		ids:       make(map[int]struct{}),
		processes: make(map[int]*Process),
		tasks:     make(map[int]*Task),
	}
}

// maxID bounds pid and tid allocation, as pid_max does.
const maxID = 1 << 22

var ErrNoIDs = abi.NewError(abi.EAGAIN, "out of process ids")

func (pm *ProcessManager) allocID() (int, error) {
	for i := 1; i <= pm.highWater; i++ {
		if _, ok := pm.ids[i]; !ok {
			pm.ids[i] = struct{}{}
			return i, nil
		}
	}

	if pm.highWater >= maxID {
		return 0, ErrNoIDs
	}

	pm.highWater++
	pm.ids[pm.highWater] = struct{}{}

	return pm.highWater, nil
}

// Register assigns a pid to p and makes t its leader thread.
func (pm *ProcessManager) Register(p *Process, t *Task) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	id, err := pm.allocID()
	if err != nil {
		return err
	}

	p.Pid = id
	t.Tid = id

	pm.processes[id] = p
	pm.tasks[id] = t

	p.mu.Lock()
	p.threads[id] = t
	p.mu.Unlock()

	return nil
}

func (pm *ProcessManager) AddThread(p *Process, t *Task) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exiting {
		return ErrNoSuchProcess
	}

	id, err := pm.allocID()
	if err != nil {
		return err
	}

	t.Tid = id
	pm.tasks[id] = t
	p.threads[id] = t

	return nil
}

// ReleaseTask frees a non-leader thread id.
func (pm *ProcessManager) ReleaseTask(t *Task) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	delete(pm.tasks, t.Tid)
	delete(pm.ids, t.Tid)
}

// Unregister frees a reaped process and its leader id.
func (pm *ProcessManager) Unregister(p *Process) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	delete(pm.processes, p.Pid)
	delete(pm.tasks, p.Pid)
	delete(pm.ids, p.Pid)
}

func (pm *ProcessManager) Lookup(pid int) (*Process, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p, ok := pm.processes[pid]
	return p, ok
}

func (pm *ProcessManager) LookupTask(tid int) (*Task, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	t, ok := pm.tasks[tid]
	if !ok || t.Exited() {
		return nil, false
	}

	return t, true
}

func (pm *ProcessManager) All() []*Process {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make([]*Process, 0, len(pm.processes))
	for i := 1; i <= pm.highWater; i++ {
		if p, ok := pm.processes[i]; ok {
			out = append(out, p)
		}
	}

	return out
}

// Count returns the number of processes, zombies included.
func (pm *ProcessManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return len(pm.processes)
}
