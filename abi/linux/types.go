// Package linux describes the riscv64 Linux user ABI: syscall numbers, the
// structures copied across the user/kernel boundary and the flag families
// carried in argument words.
package linux

import "time"

// Timespec is struct timespec.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// NsecToTimespec converts a nanosecond count.
func NsecToTimespec(ns int64) Timespec {
	return Timespec{Sec: ns / 1e9, Nsec: ns % 1e9}
}

// DurationToTimespec converts a time.Duration.
func DurationToTimespec(d time.Duration) Timespec {
	return NsecToTimespec(d.Nanoseconds())
}

// TimeToTimespec converts a wall clock time.
func TimeToTimespec(t time.Time) Timespec {
	return NsecToTimespec(t.UnixNano())
}

func (ts Timespec) Duration() time.Duration {
	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
}

// Valid reports whether the nanosecond field is in range.
func (ts Timespec) Valid() bool {
	return ts.Sec >= 0 && ts.Nsec >= 0 && ts.Nsec < 1e9
}

// Special tv_nsec values for utimensat.
const (
	UTIME_NOW  = (1 << 30) - 1
	UTIME_OMIT = (1 << 30) - 2
)

// Timeval is struct timeval.
type Timeval struct {
	Sec  int64
	Usec int64
}

func DurationToTimeval(d time.Duration) Timeval {
	us := d.Microseconds()
	return Timeval{Sec: us / 1e6, Usec: us % 1e6}
}

func (tv Timeval) Duration() time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

// ItimerVal is struct itimerval.
type ItimerVal struct {
	Interval Timeval
	Value    Timeval
}

// Tms is struct tms, in clock ticks.
type Tms struct {
	Utime  int64
	Stime  int64
	Cutime int64
	Cstime int64
}

// ClockTicks is USER_HZ.
const ClockTicks = 100

// Rusage is struct rusage.
type Rusage struct {
	Utime    Timeval
	Stime    Timeval
	MaxRSS   int64
	IXRSS    int64
	IDRSS    int64
	ISRSS    int64
	MinFlt   int64
	MajFlt   int64
	NSwap    int64
	InBlock  int64
	OuBlock  int64
	MsgSnd   int64
	MsgRcv   int64
	NSignals int64
	NVCSw    int64
	NIvCSw   int64
}

// Stat is the riscv64 (asm-generic) struct stat.
type Stat struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    uint64
	_       uint64
	Size    int64
	Blksize int32
	_       int32
	Blocks  int64
	ATime   Timespec
	MTime   Timespec
	CTime   Timespec
	_       [2]uint32
}

// Statfs is the 64-bit struct statfs.
type Statfs struct {
	Type    int64
	Bsize   int64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Fsid    [2]int32
	Namelen int64
	Frsize  int64
	Flags   int64
	Spare   [4]int64
}

// Filesystem magic numbers reported by statfs.
const (
	TMPFS_MAGIC  = 0x01021994
	HOSTFS_MAGIC = 0x00c0ffee
)

// UtsName is struct new_utsname.
type UtsName struct {
	Sysname    [65]byte
	Nodename   [65]byte
	Release    [65]byte
	Version    [65]byte
	Machine    [65]byte
	Domainname [65]byte
}

// SetUtsField copies s into a NUL terminated uname field.
func SetUtsField(dst *[65]byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// SysInfo is struct sysinfo for 64-bit targets.
type SysInfo struct {
	Uptime    int64
	Loads     [3]uint64
	TotalRAM  uint64
	FreeRAM   uint64
	SharedRAM uint64
	BufferRAM uint64
	TotalSwap uint64
	FreeSwap  uint64
	Procs     uint16
	_         uint16
	_         uint32
	TotalHigh uint64
	FreeHigh  uint64
	MemUnit   uint32
	_         uint32
}

// RLimit is struct rlimit64.
type RLimit struct {
	Cur uint64
	Max uint64
}

// RLimInfinity is RLIM_INFINITY.
const RLimInfinity = ^uint64(0)

// Resource limit identifiers.
const (
	RLIMIT_CPU = iota
	RLIMIT_FSIZE
	RLIMIT_DATA
	RLIMIT_STACK
	RLIMIT_CORE
	RLIMIT_RSS
	RLIMIT_NPROC
	RLIMIT_NOFILE
	RLIMIT_MEMLOCK
	RLIMIT_AS
	RLIMIT_LOCKS
	RLIMIT_SIGPENDING
	RLIMIT_MSGQUEUE
	RLIMIT_NICE
	RLIMIT_RTPRIO
	RLIMIT_RTTIME
	RLIM_NLIMITS
)

// IoVec is struct iovec.
type IoVec struct {
	Base uint64
	Len  uint64
}

// PollFd is struct pollfd.
type PollFd struct {
	Fd      int32
	Events  int16
	Revents int16
}

// EpollEvent is struct epoll_event. It is not packed on riscv64.
type EpollEvent struct {
	Events uint32
	_      uint32
	Data   uint64
}

// SigAction is the riscv64 kernel struct sigaction (no sa_restorer).
type SigAction struct {
	Handler uint64
	Flags   uint64
	Mask    uint64
}

// Special handler values.
const (
	SIG_DFL = 0
	SIG_IGN = 1
)

// Dirent64Header is the fixed part of struct linux_dirent64.
type Dirent64Header struct {
	Ino    uint64
	Off    int64
	Reclen uint16
	Type   uint8
}

// Directory entry types.
const (
	DT_UNKNOWN = 0
	DT_FIFO    = 1
	DT_CHR     = 2
	DT_DIR     = 4
	DT_BLK     = 6
	DT_REG     = 8
	DT_LNK     = 10
	DT_SOCK    = 12
)

// RobustListHeadSize is sizeof(struct robust_list_head).
const RobustListHeadSize = 24

// Winsize is struct winsize.
type Winsize struct {
	Row    uint16
	Col    uint16
	Xpixel uint16
	Ypixel uint16
}
