// Package kernel holds the subsystems the syscall layer drives: tasks and
// processes, file descriptors, pipes, signals, futexes, polling and time.
package kernel

import (
	"context"
	"sync"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/fs"
	"github.com/evanphx/rvos/fs/memfs"
	"github.com/evanphx/rvos/log"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

type Config struct {
	Hostname   string
	Release    string
	Version    string
	Domainname string

	// TotalRAM is what sysinfo reports.
	TotalRAM uint64

	DirentCacheSize int

	// Limits are the resource limits of the init process. Children inherit
	// their parent's limits.
	Limits [linux.RLIM_NLIMITS]linux.RLimit

	// MaxOpenFiles caps RLIMIT_NOFILE.
	MaxOpenFiles uint64
}

func DefaultConfig() Config {
	cfg := Config{
		Hostname:        "rvos",
		Release:         "6.1.0-rvos",
		Version:         "#1 SMP",
		Domainname:      "(none)",
		TotalRAM:        1 << 30,
		DirentCacheSize: fs.DefaultDirentCacheSize,
		MaxOpenFiles:    1 << 16,
	}

	for i := range cfg.Limits {
		cfg.Limits[i] = linux.RLimit{Cur: linux.RLimInfinity, Max: linux.RLimInfinity}
	}

	cfg.Limits[linux.RLIMIT_NOFILE] = linux.RLimit{Cur: 1024, Max: 4096}
	cfg.Limits[linux.RLIMIT_STACK] = linux.RLimit{Cur: 8 << 20, Max: linux.RLimInfinity}
	cfg.Limits[linux.RLIMIT_CORE] = linux.RLimit{Cur: 0, Max: linux.RLimInfinity}

	return cfg
}

// Runner starts a task's user context on some CPU. It must not block.
type Runner func(ctx context.Context, t *Task)

type Kernel struct {
	Config Config
	Clock  *Clock
	Futex  *FutexTable
	Mounts *fs.MountNamespace

	processes *ProcessManager

	mu     sync.Mutex
	runner Runner
	loader Loader

	log hclog.Logger
}

func NewKernel(cfg Config) (*Kernel, error) {
	root := memfs.New()

	ns, err := fs.NewMountNamespace(root, cfg.DirentCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating mount namespace")
	}

	k := &Kernel{
		Config:    cfg,
		Clock:     NewClock(),
		Mounts:    ns,
		processes: NewProcessManager(),
		log:       log.L.Named("kernel"),
	}

	k.Futex = NewFutexTable(k)

	k.runner = func(ctx context.Context, t *Task) {
		go t.Run(ctx)
	}

	return k, nil
}

// SetRunner replaces how new tasks are started.
func (k *Kernel) SetRunner(r Runner) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.runner = r
}

// SetLoader installs the program loader used by execve.
func (k *Kernel) SetLoader(l Loader) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.loader = l
}

func (k *Kernel) start(t *Task) {
	k.mu.Lock()
	r := k.runner
	k.mu.Unlock()

	r(SetTask(context.Background(), t), t)
}

// Process returns the live or zombie process with pid.
func (k *Kernel) Process(pid int) (*Process, bool) {
	return k.processes.Lookup(pid)
}

// Task finds a thread by tid.
func (k *Kernel) Task(tid int) (*Task, bool) {
	return k.processes.LookupTask(tid)
}

// Processes returns every process, init first.
func (k *Kernel) Processes() []*Process {
	return k.processes.All()
}
