package kernel

import (
	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/log"
)

var (
	ErrBadResource = abi.NewError(abi.EINVAL, "invalid resource limit")
	ErrLimitDenied = abi.NewError(abi.EPERM, "resource limit above the kernel maximum")
)

// Prlimit reads and optionally replaces a resource limit of process pid (0
// for the caller's).
func (k *Kernel) Prlimit(caller *Task, pid int, resource int, next *linux.RLimit) (linux.RLimit, error) {
	if resource < 0 || resource >= linux.RLIM_NLIMITS {
		return linux.RLimit{}, ErrBadResource
	}

	p := caller.Process

	if pid != 0 && pid != p.Pid {
		target, ok := k.processes.Lookup(pid)
		if !ok {
			return linux.RLimit{}, ErrNoSuchProcess
		}

		p = target
	}

	if next != nil {
		if next.Cur > next.Max {
			return linux.RLimit{}, ErrBadResource
		}

		if resource == linux.RLIMIT_NOFILE && next.Max > k.Config.MaxOpenFiles {
			return linux.RLimit{}, ErrLimitDenied
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.limits[resource]

	if next != nil {
		p.limits[resource] = *next

		log.L.Trace("set-rlimit", "pid", p.Pid, "resource", resource, "cur", next.Cur, "max", next.Max)
	}

	return old, nil
}

func toTimeval(u Usage) (linux.Timeval, linux.Timeval) {
	return linux.DurationToTimeval(u.Utime), linux.DurationToTimeval(u.Stime)
}

// Rusage converts accumulated usage to struct rusage.
func (u Usage) Rusage() linux.Rusage {
	utime, stime := toTimeval(u)

	return linux.Rusage{
		Utime:  utime,
		Stime:  stime,
		MaxRSS: u.MaxRSS,
		NVCSw:  u.NVCSw,
	}
}

// Rusage returns getrusage(2) data for who.
func (t *Task) Rusage(who int) (linux.Rusage, error) {
	switch who {
	case linux.RUSAGE_SELF:
		return t.Process.Usage().Rusage(), nil
	case linux.RUSAGE_CHILDREN:
		return t.Process.ChildUsage().Rusage(), nil
	case linux.RUSAGE_THREAD:
		utime, stime := t.CPUTimes()

		t.acct.mu.Lock()
		nvcsw := t.acct.nvcsw
		t.acct.mu.Unlock()

		return Usage{Utime: utime, Stime: stime, NVCSw: nvcsw}.Rusage(), nil
	default:
		return linux.Rusage{}, abi.NewError(abi.EINVAL, "invalid rusage target")
	}
}

// SysInfo fills struct sysinfo. Free memory is the configured total less
// what every address space has mapped.
func (k *Kernel) SysInfo() linux.SysInfo {
	procs := k.processes.All()

	seen := make(map[interface{}]struct{})

	var used uint64
	for _, p := range procs {
		mm := p.Memory()
		if mm == nil {
			continue
		}

		if _, ok := seen[mm]; ok {
			continue
		}

		seen[mm] = struct{}{}
		used += mm.Size()
	}

	free := uint64(0)
	if used < k.Config.TotalRAM {
		free = k.Config.TotalRAM - used
	}

	return linux.SysInfo{
		Uptime:   int64(k.Clock.Monotonic().Seconds()),
		TotalRAM: k.Config.TotalRAM,
		FreeRAM:  free,
		Procs:    uint16(len(procs)),
		MemUnit:  1,
	}
}

// Uname fills struct new_utsname.
func (k *Kernel) Uname() linux.UtsName {
	var u linux.UtsName

	linux.SetUtsField(&u.Sysname, "Linux")
	linux.SetUtsField(&u.Nodename, k.Config.Hostname)
	linux.SetUtsField(&u.Release, k.Config.Release)
	linux.SetUtsField(&u.Version, k.Config.Version)
	linux.SetUtsField(&u.Machine, "riscv64")
	linux.SetUtsField(&u.Domainname, k.Config.Domainname)

	return u
}
