package main

import (
	"context"
	"io"
	"os"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/fs"
	_ "github.com/evanphx/rvos/fs/host"
	"github.com/evanphx/rvos/fs/tarfs"
	"github.com/evanphx/rvos/kernel"
	"github.com/evanphx/rvos/log"
	"github.com/evanphx/rvos/platform"
	"github.com/evanphx/rvos/platform/fdt"
	"github.com/evanphx/rvos/syscalls"
	"github.com/evanphx/rvos/trace"
	"github.com/pkg/errors"
)

type bootOptions struct {
	DTB      string
	Initrd   string
	TraceDB  string
	HostRoot string
	SMP      int
	IRQ      bool
	Echo     bool
	Argv     []string
}

// HostMount is where --host-root appears inside the machine.
const HostMount = "/host"

type machine struct {
	k    *kernel.Kernel
	m    *platform.Machine
	d    *syscalls.Dispatcher
	blob []byte

	store *trace.Store
}

func (mc *machine) Close() error {
	if mc.store != nil {
		return mc.store.Close()
	}

	return nil
}

func newMachine(ctx context.Context, opts bootOptions) (*machine, error) {
	k, err := kernel.NewKernel(kernel.DefaultConfig())
	if err != nil {
		return nil, err
	}

	if err := populateRoot(ctx, k, opts); err != nil {
		return nil, err
	}

	mc := &machine{k: k, d: syscalls.NewDispatcher(k)}

	if opts.TraceDB != "" {
		store, err := trace.Open(opts.TraceDB)
		if err != nil {
			return nil, err
		}

		mc.store = store
		mc.d.Recorder = trace.Multi{mc.d.Recorder, store}
	}

	cfg := platform.DefaultConfig()
	cfg.IRQ = opts.IRQ

	if opts.SMP > 0 {
		cfg.SMP = opts.SMP
	}

	mc.m = platform.NewMachine(cfg, mc.d)
	mc.m.FrequencyHook = k.Clock.SetFrequency

	if opts.DTB != "" {
		mc.blob, err = os.ReadFile(opts.DTB)
		if err != nil {
			mc.Close()
			return nil, errors.Wrap(err, "reading devicetree")
		}
	} else {
		mc.blob, err = fdt.QemuVirt(mc.m.Config().SMP, cfg.TimerFrequency)
		if err != nil {
			mc.Close()
			return nil, err
		}
	}

	return mc, nil
}

func populateRoot(ctx context.Context, k *kernel.Kernel, opts bootOptions) error {
	root, err := k.Mounts.LookupPath(ctx, "/")
	if err != nil {
		return err
	}

	if opts.Initrd != "" {
		f, err := os.Open(opts.Initrd)
		if err != nil {
			return errors.Wrap(err, "opening initrd")
		}
		defer f.Close()

		n, err := tarfs.Unpack(ctx, f, root.Inode)
		if err != nil {
			return errors.Wrapf(err, "unpacking %s", opts.Initrd)
		}

		log.L.Info("unpacked initrd", "path", opts.Initrd, "entries", n)
	}

	if opts.HostRoot != "" {
		if _, err := root.Inode.Ops.Mkdir(ctx, root.Inode, HostMount[1:], 0755); err != nil && errors.Cause(err) != fs.ErrExists {
			return err
		}

		fsys, err := fs.NewFilesystem(ctx, "hostfs", opts.HostRoot, "")
		if err != nil {
			return err
		}

		if err := k.Mounts.Mount(ctx, HostMount, fsys, opts.HostRoot); err != nil {
			return err
		}
	}

	return nil
}

// scriptLoader lets execve run script files from the machine's
// filesystem.
func scriptLoader(m *platform.Machine, echo io.Writer) kernel.Loader {
	return kernel.LoaderFunc(func(ctx context.Context, req kernel.ExecRequest) (kernel.UserContext, error) {
		inode := req.Dirent.Inode

		st, err := inode.Stat(ctx)
		if err != nil {
			return nil, err
		}

		h, err := inode.Ops.Open(ctx, inode, linux.O_RDONLY)
		if err != nil {
			return nil, err
		}
		defer h.Close()

		lines, err := ParseScript(io.NewSectionReader(h, 0, st.Size))
		if err != nil {
			return nil, errors.Wrap(kernel.ErrNotExec, err.Error())
		}

		return NewScript(m, lines, req.Argv, echo), nil
	})
}

// exitCode folds an exit status the way a shell reports it.
func exitCode(st kernel.ExitStatus) int {
	if st.Signo != 0 {
		return 128 + st.Signo
	}

	return st.Code & 0xff
}

// boot brings up every hart, runs the script as init on a console wired
// to stdin and stdout, and returns init's exit code.
func boot(ctx context.Context, opts bootOptions, script io.Reader, stdin io.Reader, stdout io.Writer) (int, error) {
	lines, err := ParseScript(script)
	if err != nil {
		return 0, err
	}

	mc, err := newMachine(ctx, opts)
	if err != nil {
		return 0, err
	}
	defer mc.Close()

	var echo io.Writer
	if opts.Echo {
		echo = stdout
	}

	k, m := mc.k, mc.m

	k.SetLoader(scriptLoader(m, echo))

	var (
		up       = make(chan struct{})
		initTask *kernel.Task
	)

	m.Main = func(ctx context.Context, cpu *platform.CPU, dtb []byte) error {
		if err := m.PlatformInit(cpu); err != nil {
			return err
		}

		close(up)

		t, err := k.CreateInit(NewScript(m, lines, opts.Argv, echo), "init")
		if err != nil {
			return err
		}

		if err := kernel.NewConsole(stdin, stdout).Install(t.Process.FDs); err != nil {
			return err
		}

		initTask = t

		log.L.Info("starting init", "cpu", cpu.ID(), "harts", m.Config().SMP, "timer-hz", m.TimerFrequency(), "dtb", m.Board().ShortFingerprint())

		k.StartTask(t)

		select {
		case <-t.Process.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.MainSecondary = func(ctx context.Context, cpu *platform.CPU) error {
		return m.PlatformInitSecondary(cpu)
	}

	errc := make(chan error, 1)

	go func() {
		errc <- m.EntryPrimary(ctx, 0, mc.blob)
	}()

	select {
	case <-up:
	case err := <-errc:
		if err == nil {
			err = errors.New("primary cpu returned before coming online")
		}

		return 0, err
	}

	for id := 1; id < m.Config().SMP; id++ {
		if err := m.EntrySecondary(ctx, uint(id)); err != nil {
			return 0, errors.Wrapf(err, "starting cpu %d", id)
		}
	}

	if err := <-errc; err != nil {
		return 0, err
	}

	_, status := initTask.Process.Status()

	return exitCode(status), nil
}
