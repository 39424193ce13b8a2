package syscalls

import (
	"context"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysExecve(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	path, err := readPath(t, args.Addr(0))
	if err != nil {
		return 0, err
	}

	argv, err := t.ReadStringArray(args.Addr(1))
	if err != nil {
		l.Error("error copying argv data", "error", err)
		return 0, err
	}

	envv, err := t.ReadStringArray(args.Addr(2))
	if err != nil {
		l.Error("error copying envp data", "error", err)
		return 0, err
	}

	if err := t.Exec(ctx, path, argv, envv); err != nil {
		l.Debug("unable to exec process", "error", err, "path", path)
		return 0, err
	}

	return 0, nil
}

func init() {
	Syscalls[linux.EXECVE] = sysExecve
}
