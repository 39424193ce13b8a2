package syscalls

import (
	"context"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

// Every task runs as root.
func sysGetUID(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return 0, nil
}

func sysGetPid(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return int64(t.Process.Pid), nil
}

func sysGetPPid(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return int64(t.Process.PPid()), nil
}

func sysGetTid(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return int64(t.Tid), nil
}

func sysUname(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return 0, t.CopyOut(args.Addr(0), t.Process.Kernel.Uname())
}

func sysSysinfo(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) (int64, error) {
	return 0, t.CopyOut(args.Addr(0), t.Process.Kernel.SysInfo())
}

func init() {
	Syscalls[linux.GETUID] = sysGetUID
	Syscalls[linux.GETEUID] = sysGetUID
	Syscalls[linux.GETGID] = sysGetUID
	Syscalls[linux.GETEGID] = sysGetUID
	Syscalls[linux.GETPID] = sysGetPid
	Syscalls[linux.GETPPID] = sysGetPPid
	Syscalls[linux.GETTID] = sysGetTid
	Syscalls[linux.UNAME] = sysUname
	Syscalls[linux.SYSINFO] = sysSysinfo
}
