package linux

// Each flag family below documents how unknown bits are handled when a raw
// argument word is decoded. Strict families reject unknown bits; lenient
// families truncate them.

// AT_FDCWD as a 32-bit descriptor value.
const AT_FDCWD = -100

// *at() flags.
const (
	AT_SYMLINK_NOFOLLOW = 0x100
	AT_REMOVEDIR        = 0x200
	AT_EMPTY_PATH       = 0x1000
)

// WaitFlags are the wait4 options. Strict.
type WaitFlags uint32

const (
	WNOHANG     WaitFlags = 0x1
	WUNTRACED   WaitFlags = 0x2
	WCONTINUED  WaitFlags = 0x8
	WNOTHREAD   WaitFlags = 0x20000000
	WALL        WaitFlags = 0x40000000
	WCLONE      WaitFlags = 0x80000000
	waitFlagAll           = WNOHANG | WUNTRACED | WCONTINUED | WNOTHREAD | WALL | WCLONE
)

// DecodeWaitFlags rejects any bit outside the known set.
func DecodeWaitFlags(raw uint32) (WaitFlags, bool) {
	f := WaitFlags(raw)
	if f&^waitFlagAll != 0 {
		return 0, false
	}

	return f, true
}

// MmapProt is a PROT_* set. Lenient.
type MmapProt uint32

const (
	PROT_NONE      MmapProt = 0
	PROT_READ      MmapProt = 0x1
	PROT_WRITE     MmapProt = 0x2
	PROT_EXEC      MmapProt = 0x4
	PROT_GROWSDOWN MmapProt = 0x01000000
	PROT_GROWSUP   MmapProt = 0x02000000
	mmapProtAll             = PROT_READ | PROT_WRITE | PROT_EXEC | PROT_GROWSDOWN | PROT_GROWSUP
)

// DecodeMmapProt drops unknown bits.
func DecodeMmapProt(raw uint32) MmapProt {
	return MmapProt(raw) & mmapProtAll
}

// MmapFlags is a MAP_* set. Lenient.
type MmapFlags uint32

const (
	MAP_SHARED     MmapFlags = 0x01
	MAP_PRIVATE    MmapFlags = 0x02
	MAP_FIXED      MmapFlags = 0x10
	MAP_ANONYMOUS  MmapFlags = 0x20
	MAP_GROWSDOWN  MmapFlags = 0x0100
	MAP_DENYWRITE  MmapFlags = 0x0800
	MAP_EXECUTABLE MmapFlags = 0x1000
	MAP_LOCKED     MmapFlags = 0x2000
	MAP_NORESERVE  MmapFlags = 0x4000
	MAP_POPULATE   MmapFlags = 0x8000
	MAP_NONBLOCK   MmapFlags = 0x10000
	MAP_STACK      MmapFlags = 0x20000
	MAP_HUGETLB    MmapFlags = 0x40000
	mmapFlagAll              = MAP_SHARED | MAP_PRIVATE | MAP_FIXED | MAP_ANONYMOUS | MAP_GROWSDOWN |
		MAP_DENYWRITE | MAP_EXECUTABLE | MAP_LOCKED | MAP_NORESERVE | MAP_POPULATE | MAP_NONBLOCK |
		MAP_STACK | MAP_HUGETLB
)

// DecodeMmapFlags drops unknown bits.
func DecodeMmapFlags(raw uint32) MmapFlags {
	return MmapFlags(raw) & mmapFlagAll
}

// msync flags.
const (
	MS_ASYNC      = 1
	MS_INVALIDATE = 2
	MS_SYNC       = 4
)

// OpenFlags is an O_* set. Lenient, like Linux open(2).
type OpenFlags uint32

const (
	O_RDONLY    OpenFlags = 0x0
	O_WRONLY    OpenFlags = 0x1
	O_RDWR      OpenFlags = 0x2
	O_ACCMODE   OpenFlags = 0x3
	O_CREAT     OpenFlags = 0x40
	O_EXCL      OpenFlags = 0x80
	O_NOCTTY    OpenFlags = 0x100
	O_TRUNC     OpenFlags = 0x200
	O_APPEND    OpenFlags = 0x400
	O_NONBLOCK  OpenFlags = 0x800
	O_DSYNC     OpenFlags = 0x1000
	O_DIRECT    OpenFlags = 0x4000
	O_LARGEFILE OpenFlags = 0x8000
	O_DIRECTORY OpenFlags = 0x10000
	O_NOFOLLOW  OpenFlags = 0x20000
	O_NOATIME   OpenFlags = 0x40000
	O_CLOEXEC   OpenFlags = 0x80000
	O_SYNC      OpenFlags = 0x101000
	O_PATH      OpenFlags = 0x200000
	openFlagAll           = O_ACCMODE | O_CREAT | O_EXCL | O_NOCTTY | O_TRUNC | O_APPEND |
		O_NONBLOCK | O_DSYNC | O_DIRECT | O_LARGEFILE | O_DIRECTORY | O_NOFOLLOW | O_NOATIME |
		O_CLOEXEC | O_SYNC | O_PATH
)

// DecodeOpenFlags drops unknown bits.
func DecodeOpenFlags(raw uint32) OpenFlags {
	return OpenFlags(raw) & openFlagAll
}

// Readable reports whether the access mode permits reads.
func (f OpenFlags) Readable() bool {
	acc := f & O_ACCMODE
	return acc == O_RDONLY || acc == O_RDWR
}

// Writable reports whether the access mode permits writes.
func (f OpenFlags) Writable() bool {
	acc := f & O_ACCMODE
	return acc == O_WRONLY || acc == O_RDWR
}

// CloneFlags is a CLONE_* set. Lenient; the low byte is the exit signal.
type CloneFlags uint64

const (
	CSIGNAL              CloneFlags = 0x000000ff
	CLONE_VM             CloneFlags = 0x00000100
	CLONE_FS             CloneFlags = 0x00000200
	CLONE_FILES          CloneFlags = 0x00000400
	CLONE_SIGHAND        CloneFlags = 0x00000800
	CLONE_PIDFD          CloneFlags = 0x00001000
	CLONE_PTRACE         CloneFlags = 0x00002000
	CLONE_VFORK          CloneFlags = 0x00004000
	CLONE_PARENT         CloneFlags = 0x00008000
	CLONE_THREAD         CloneFlags = 0x00010000
	CLONE_NEWNS          CloneFlags = 0x00020000
	CLONE_SYSVSEM        CloneFlags = 0x00040000
	CLONE_SETTLS         CloneFlags = 0x00080000
	CLONE_PARENT_SETTID  CloneFlags = 0x00100000
	CLONE_CHILD_CLEARTID CloneFlags = 0x00200000
	CLONE_DETACHED       CloneFlags = 0x00400000
	CLONE_UNTRACED       CloneFlags = 0x00800000
	CLONE_CHILD_SETTID   CloneFlags = 0x01000000
	cloneFlagAll                    = 0x01ffff00
)

// DecodeCloneFlags splits the word into known flag bits and the exit signal.
func DecodeCloneFlags(raw uint64) (CloneFlags, int) {
	return CloneFlags(raw) & cloneFlagAll, int(raw & uint64(CSIGNAL))
}

// EPOLL_CLOEXEC is the only epoll_create1 flag. Strict.
const EPOLL_CLOEXEC = 0x80000

// DecodeEpollCreateFlags rejects any bit other than EPOLL_CLOEXEC.
func DecodeEpollCreateFlags(raw uint32) (cloexec bool, ok bool) {
	if raw&^EPOLL_CLOEXEC != 0 {
		return false, false
	}

	return raw&EPOLL_CLOEXEC != 0, true
}

// EpollCtlOp is an epoll_ctl operation.
type EpollCtlOp int

const (
	EPOLL_CTL_ADD EpollCtlOp = 1
	EPOLL_CTL_DEL EpollCtlOp = 2
	EPOLL_CTL_MOD EpollCtlOp = 3
)

func DecodeEpollCtlOp(raw int32) (EpollCtlOp, bool) {
	switch op := EpollCtlOp(raw); op {
	case EPOLL_CTL_ADD, EPOLL_CTL_DEL, EPOLL_CTL_MOD:
		return op, true
	}

	return 0, false
}

// Poll and epoll event bits.
const (
	POLLIN     = 0x0001
	POLLPRI    = 0x0002
	POLLOUT    = 0x0004
	POLLERR    = 0x0008
	POLLHUP    = 0x0010
	POLLNVAL   = 0x0020
	POLLRDNORM = 0x0040
	POLLRDBAND = 0x0080
	POLLWRNORM = 0x0100
	POLLWRBAND = 0x0200
	POLLMSG    = 0x0400
	POLLRDHUP  = 0x2000

	EPOLLET      = 1 << 31
	EPOLLONESHOT = 1 << 30
)

// DecodePollEvents truncates a poll event word to its 16 defined bits.
func DecodePollEvents(raw int16) uint32 {
	return uint32(uint16(raw))
}

// DecodeUnlinkatFlags accepts only AT_REMOVEDIR. Strict.
func DecodeUnlinkatFlags(raw uint32) (removeDir bool, ok bool) {
	if raw&^AT_REMOVEDIR != 0 {
		return false, false
	}

	return raw&AT_REMOVEDIR != 0, true
}

// DecodeUtimensatFlags accepts only AT_SYMLINK_NOFOLLOW. Strict.
func DecodeUtimensatFlags(raw uint32) (nofollow bool, ok bool) {
	if raw&^AT_SYMLINK_NOFOLLOW != 0 {
		return false, false
	}

	return raw&AT_SYMLINK_NOFOLLOW != 0, true
}

// FstatatFlags is the fstatat flag set. Lenient.
type FstatatFlags uint32

// DecodeFstatatFlags keeps AT_SYMLINK_NOFOLLOW and AT_EMPTY_PATH.
func DecodeFstatatFlags(raw uint32) FstatatFlags {
	return FstatatFlags(raw) & (AT_SYMLINK_NOFOLLOW | AT_EMPTY_PATH)
}

// Access modes for faccessat. Strict.
const (
	F_OK = 0
	X_OK = 1
	W_OK = 2
	R_OK = 4
)

func DecodeAccessMode(raw uint32) (uint32, bool) {
	if raw&^uint32(R_OK|W_OK|X_OK) != 0 {
		return 0, false
	}

	return raw, true
}

// umount2 flags. Lenient.
const (
	MNT_FORCE       = 1
	MNT_DETACH      = 2
	MNT_EXPIRE      = 4
	UMOUNT_NOFOLLOW = 8
)

func DecodeUmountFlags(raw uint32) uint32 {
	return raw & (MNT_FORCE | MNT_DETACH | MNT_EXPIRE | UMOUNT_NOFOLLOW)
}

// Whence values for lseek.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

func DecodeWhence(raw uint32) (int, bool) {
	switch raw {
	case SEEK_SET, SEEK_CUR, SEEK_END:
		return int(raw), true
	}

	return 0, false
}

// fcntl commands.
const (
	F_DUPFD         = 0
	F_GETFD         = 1
	F_SETFD         = 2
	F_GETFL         = 3
	F_SETFL         = 4
	F_DUPFD_CLOEXEC = 1030

	FD_CLOEXEC = 1
)

// SigMaskHow is the sigprocmask operation.
type SigMaskHow int

const (
	SIG_BLOCK   SigMaskHow = 0
	SIG_UNBLOCK SigMaskHow = 1
	SIG_SETMASK SigMaskHow = 2
)

func DecodeSigMaskHow(raw uint64) (SigMaskHow, bool) {
	switch h := SigMaskHow(raw); h {
	case SIG_BLOCK, SIG_UNBLOCK, SIG_SETMASK:
		return h, true
	}

	return 0, false
}

// Clock identifiers.
const (
	CLOCK_REALTIME           = 0
	CLOCK_MONOTONIC          = 1
	CLOCK_PROCESS_CPUTIME_ID = 2
	CLOCK_THREAD_CPUTIME_ID  = 3
	CLOCK_MONOTONIC_RAW      = 4
	CLOCK_REALTIME_COARSE    = 5
	CLOCK_MONOTONIC_COARSE   = 6
	CLOCK_BOOTTIME           = 7
)

// Interval timers.
const (
	ITIMER_REAL    = 0
	ITIMER_VIRTUAL = 1
	ITIMER_PROF    = 2
)

// getrusage targets.
const (
	RUSAGE_SELF     = 0
	RUSAGE_CHILDREN = -1
	RUSAGE_THREAD   = 1
)

// Futex operations. Unknown operations report ENOSYS.
const (
	FUTEX_WAIT             = 0
	FUTEX_WAKE             = 1
	FUTEX_FD               = 2
	FUTEX_REQUEUE          = 3
	FUTEX_CMP_REQUEUE      = 4
	FUTEX_WAKE_OP          = 5
	FUTEX_WAIT_BITSET      = 9
	FUTEX_WAKE_BITSET      = 10
	FUTEX_PRIVATE_FLAG     = 128
	FUTEX_CLOCK_REALTIME   = 256
	FUTEX_BITSET_MATCH_ANY = 0xffffffff
)

// DecodeFutexOp strips the private and clock flags from op.
func DecodeFutexOp(raw int32) (cmd int, private bool, realtime bool) {
	return int(raw &^ (FUTEX_PRIVATE_FLAG | FUTEX_CLOCK_REALTIME)),
		raw&FUTEX_PRIVATE_FLAG != 0,
		raw&FUTEX_CLOCK_REALTIME != 0
}

// Terminal ioctls.
const (
	TCGETS     = 0x5401
	TIOCGPGRP  = 0x540f
	TIOCGWINSZ = 0x5413
)

// File mode bits.
const (
	S_IFMT   = 0170000
	S_IFSOCK = 0140000
	S_IFLNK  = 0120000
	S_IFREG  = 0100000
	S_IFBLK  = 060000
	S_IFDIR  = 040000
	S_IFCHR  = 020000
	S_IFIFO  = 010000

	ModeRegular         = S_IFREG
	ModeDirectory       = S_IFDIR
	ModeSymlink         = S_IFLNK
	ModeNamedPipe       = S_IFIFO
	ModeCharacterDevice = S_IFCHR
	ModeBlockDevice     = S_IFBLK
	ModeSocket          = S_IFSOCK

	PermMask = 07777
)

// MakeDeviceID encodes a major/minor pair the way new_encode_dev does.
func MakeDeviceID(major uint16, minor uint32) uint32 {
	return (minor & 0xff) | ((uint32(major) & 0xfff) << 8) | ((minor >> 8) << 20)
}

// DecodeDeviceID splits a device id into major and minor.
func DecodeDeviceID(rdev uint32) (uint16, uint32) {
	major := uint16((rdev >> 8) & 0xfff)
	minor := (rdev & 0xff) | ((rdev >> 20) << 8)
	return major, minor
}
