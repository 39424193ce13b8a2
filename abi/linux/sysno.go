package linux

import "sort"

// Sysno is a resolved syscall operation. Its value is the Linux riscv64
// syscall number.
type Sysno uint64

const (
	GETCWD          Sysno = 17
	EPOLL_CREATE    Sysno = 20
	EPOLL_CTL       Sysno = 21
	EPOLL_WAIT      Sysno = 22
	DUP             Sysno = 23
	DUP3            Sysno = 24
	FCNTL64         Sysno = 25
	IOCTL           Sysno = 29
	MKDIRAT         Sysno = 34
	UNLINKAT        Sysno = 35
	UNMOUNT         Sysno = 39
	MOUNT           Sysno = 40
	STATFS          Sysno = 43
	FACCESSAT       Sysno = 48
	CHDIR           Sysno = 49
	FCHMODAT        Sysno = 53
	OPENAT          Sysno = 56
	CLOSE           Sysno = 57
	PIPE2           Sysno = 59
	GETDENTS64      Sysno = 61
	LSEEK           Sysno = 62
	READ            Sysno = 63
	WRITE           Sysno = 64
	READV           Sysno = 65
	WRITEV          Sysno = 66
	PREAD64         Sysno = 67
	SENDFILE64      Sysno = 71
	PPOLL           Sysno = 73
	FSTATAT         Sysno = 79
	FSTAT           Sysno = 80
	FSYNC           Sysno = 82
	UTIMENSAT       Sysno = 88
	EXIT            Sysno = 93
	EXIT_GROUP      Sysno = 94
	SET_TID_ADDRESS Sysno = 96
	FUTEX           Sysno = 98
	SET_ROBUST_LIST Sysno = 99
	GET_ROBUST_LIST Sysno = 100
	NANO_SLEEP      Sysno = 101
	GETTIMER        Sysno = 102
	SETITIMER       Sysno = 103
	CLOCK_GET_TIME  Sysno = 113
	SYSLOG          Sysno = 116
	SCHED_YIELD     Sysno = 124
	KILL            Sysno = 129
	TKILL           Sysno = 130
	SIGACTION       Sysno = 134
	SIGPROCMASK     Sysno = 135
	SIGTIMEDWAIT    Sysno = 137
	SIGRETURN       Sysno = 139
	TIMES           Sysno = 153
	UNAME           Sysno = 160
	GETRUSAGE       Sysno = 165
	UMASK           Sysno = 166
	GETTIMEOFDAY    Sysno = 169
	GETPID          Sysno = 172
	GETPPID         Sysno = 173
	GETUID          Sysno = 174
	GETEUID         Sysno = 175
	GETGID          Sysno = 176
	GETEGID         Sysno = 177
	GETTID          Sysno = 178
	SYSINFO         Sysno = 179
	BRK             Sysno = 214
	MUNMAP          Sysno = 215
	CLONE           Sysno = 220
	EXECVE          Sysno = 221
	MMAP            Sysno = 222
	MPROTECT        Sysno = 226
	MSYNC           Sysno = 227
	WAIT4           Sysno = 260
	PRLIMIT64       Sysno = 261
	MEMBARRIER      Sysno = 283
)

// maxSysno bounds the resolver table. Every id at or above it is unknown.
const maxSysno = 512

var sysnoNames = [maxSysno]string{
	GETCWD:          "GETCWD",
	EPOLL_CREATE:    "EPOLL_CREATE",
	EPOLL_CTL:       "EPOLL_CTL",
	EPOLL_WAIT:      "EPOLL_WAIT",
	DUP:             "DUP",
	DUP3:            "DUP3",
	FCNTL64:         "FCNTL64",
	IOCTL:           "IOCTL",
	MKDIRAT:         "MKDIRAT",
	UNLINKAT:        "UNLINKAT",
	UNMOUNT:         "UNMOUNT",
	MOUNT:           "MOUNT",
	STATFS:          "STATFS",
	FACCESSAT:       "FACCESSAT",
	CHDIR:           "CHDIR",
	FCHMODAT:        "FCHMODAT",
	OPENAT:          "OPENAT",
	CLOSE:           "CLOSE",
	PIPE2:           "PIPE2",
	GETDENTS64:      "GETDENTS64",
	LSEEK:           "LSEEK",
	READ:            "READ",
	WRITE:           "WRITE",
	READV:           "READV",
	WRITEV:          "WRITEV",
	PREAD64:         "PREAD64",
	SENDFILE64:      "SENDFILE64",
	PPOLL:           "PPOLL",
	FSTATAT:         "FSTATAT",
	FSTAT:           "FSTAT",
	FSYNC:           "FSYNC",
	UTIMENSAT:       "UTIMENSAT",
	EXIT:            "EXIT",
	EXIT_GROUP:      "EXIT_GROUP",
	SET_TID_ADDRESS: "SET_TID_ADDRESS",
	FUTEX:           "FUTEX",
	SET_ROBUST_LIST: "SET_ROBUST_LIST",
	GET_ROBUST_LIST: "GET_ROBUST_LIST",
	NANO_SLEEP:      "NANO_SLEEP",
	GETTIMER:        "GETTIMER",
	SETITIMER:       "SETITIMER",
	CLOCK_GET_TIME:  "CLOCK_GET_TIME",
	SYSLOG:          "SYSLOG",
	SCHED_YIELD:     "SCHED_YIELD",
	KILL:            "KILL",
	TKILL:           "TKILL",
	SIGACTION:       "SIGACTION",
	SIGPROCMASK:     "SIGPROCMASK",
	SIGTIMEDWAIT:    "SIGTIMEDWAIT",
	SIGRETURN:       "SIGRETURN",
	TIMES:           "TIMES",
	UNAME:           "UNAME",
	GETRUSAGE:       "GETRUSAGE",
	UMASK:           "UMASK",
	GETTIMEOFDAY:    "GETTIMEOFDAY",
	GETPID:          "GETPID",
	GETPPID:         "GETPPID",
	GETUID:          "GETUID",
	GETEUID:         "GETEUID",
	GETGID:          "GETGID",
	GETEGID:         "GETEGID",
	GETTID:          "GETTID",
	SYSINFO:         "SYSINFO",
	BRK:             "BRK",
	MUNMAP:          "MUNMAP",
	CLONE:           "CLONE",
	EXECVE:          "EXECVE",
	MMAP:            "MMAP",
	MPROTECT:        "MPROTECT",
	MSYNC:           "MSYNC",
	WAIT4:           "WAIT4",
	PRLIMIT64:       "PRLIMIT64",
	MEMBARRIER:      "MEMBARRIER",
}

// Resolve maps a raw identifier onto a Sysno. It is total: any value not
// in the supported set reports false.
func Resolve(id uint64) (Sysno, bool) {
	if id >= maxSysno || sysnoNames[id] == "" {
		return 0, false
	}

	return Sysno(id), true
}

// Number re-encodes the operation as its raw identifier.
func (s Sysno) Number() uint64 {
	return uint64(s)
}

func (s Sysno) String() string {
	if uint64(s) < maxSysno && sysnoNames[s] != "" {
		return sysnoNames[s]
	}

	return "UNKNOWN"
}

// LookupName returns the operation with the given symbolic name. Names are
// matched case-sensitively against String.
func LookupName(name string) (Sysno, bool) {
	for i, n := range sysnoNames {
		if n != "" && n == name {
			return Sysno(i), true
		}
	}

	return 0, false
}

// Sysnos lists every supported operation in numeric order.
func Sysnos() []Sysno {
	var out []Sysno

	for i, n := range sysnoNames {
		if n != "" {
			out = append(out, Sysno(i))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}
