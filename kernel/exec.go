package kernel

import (
	"context"
	"path"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/fs"
	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/memory"
	"github.com/pkg/errors"
)

var (
	ErrNoLoader = abi.NewError(abi.ENOEXEC, "no program loader installed")
	ErrNotExec  = abi.NewError(abi.EACCES, "not an executable file")
)

// ExecRequest is what a Loader gets to build a new program image.
type ExecRequest struct {
	Task   *Task
	Dirent *fs.Dirent
	Path   string
	Argv   []string
	Envv   []string

	// Mem is the fresh address space the program is loaded into.
	Mem *memory.VirtualMemory
}

// Loader turns an executable file into a user context.
type Loader interface {
	Load(ctx context.Context, req ExecRequest) (UserContext, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, req ExecRequest) (UserContext, error)

func (f LoaderFunc) Load(ctx context.Context, req ExecRequest) (UserContext, error) {
	return f(ctx, req)
}

// Exec replaces the program t's process runs. On failure the old image is
// untouched. On success the other threads are gone and t continues in the
// new user context once its current trap returns.
func (t *Task) Exec(ctx context.Context, p string, argv, envv []string) error {
	proc := t.Process
	k := proc.Kernel

	full, err := t.ResolvePath(linux.AT_FDCWD, p)
	if err != nil {
		return err
	}

	d, err := k.Mounts.LookupPath(ctx, full)
	if err != nil {
		return err
	}

	if d.Inode.StableAttr.Type != fs.RegularFile {
		return errors.Wrapf(ErrNotExec, "exec: %s", full)
	}

	us, err := d.Inode.Ops.UnstableAttr(ctx, d.Inode)
	if err != nil {
		return err
	}

	if us.Perms&0111 == 0 {
		return errors.Wrapf(ErrNotExec, "exec: %s", full)
	}

	k.mu.Lock()
	loader := k.loader
	k.mu.Unlock()

	if loader == nil {
		return ErrNoLoader
	}

	mem := memory.NewVirtualMemory()

	uc, err := loader.Load(ctx, ExecRequest{
		Task:   t,
		Dirent: d,
		Path:   full,
		Argv:   argv,
		Envv:   envv,
		Mem:    mem,
	})
	if err != nil {
		return err
	}

	if err := t.killOtherThreads(ctx); err != nil {
		return err
	}

	proc.mu.Lock()
	proc.mem = mem
	proc.name = path.Base(full)
	proc.mu.Unlock()

	k.Futex.noteChange()

	proc.FDs.CloseOnExec()

	proc.sigMu.Lock()
	proc.actions = proc.actions.fork()
	proc.actions.resetHandled()
	t.frames = nil
	proc.sigMu.Unlock()

	proc.releaseVfork()

	t.setUserContext(uc)

	log.L.Debug("exec", "pid", proc.Pid, "path", full, "argc", len(argv))

	return nil
}

// killOtherThreads ends every thread but t without ending the process.
func (t *Task) killOtherThreads(ctx context.Context) error {
	p := t.Process

	var others []*Task
	for _, o := range p.Threads() {
		if o != t {
			others = append(others, o)
		}
	}

	if len(others) == 0 {
		return nil
	}

	for _, o := range others {
		o.mu.Lock()
		o.detached = true
		o.mu.Unlock()
	}

	p.sigMu.Lock()
	for _, o := range others {
		o.killed = true
		o.interruptLocked()
	}
	p.sigMu.Unlock()

	for _, o := range others {
		select {
		case <-o.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
