package fs

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
)

var (
	ErrUnknownPath    = abi.NewError(abi.ENOENT, "unknown path")
	ErrNotSymlink     = abi.NewError(abi.EINVAL, "not symlink")
	ErrNotDirectory   = abi.NewError(abi.ENOTDIR, "not a directory")
	ErrIsDirectory    = abi.NewError(abi.EISDIR, "is a directory")
	ErrExists         = abi.NewError(abi.EEXIST, "file exists")
	ErrNotEmpty       = abi.NewError(abi.ENOTEMPTY, "directory not empty")
	ErrReadOnly       = abi.NewError(abi.EROFS, "read-only filesystem")
	ErrBusy           = abi.NewError(abi.EBUSY, "mount point busy")
	ErrNotMountPoint  = abi.NewError(abi.EINVAL, "not a mount point")
	ErrSymlinkLoop    = abi.NewError(abi.ELOOP, "too many levels of symbolic links")
	ErrNameTooLong    = abi.NewError(abi.ENAMETOOLONG, "file name too long")
	ErrNotImplemented = abi.NewError(abi.EPERM, "operation not supported by filesystem")
	ErrUnknownFS      = abi.NewError(abi.ENODEV, "unknown filesystem type")
)

// InodeType enumerates types of Inodes.
type InodeType int

const (
	// RegularFile is a regular file.
	RegularFile InodeType = iota

	// Directory is a directory.
	Directory

	// Symlink is a symbolic link.
	Symlink

	// Pipe is a pipe (named or regular).
	Pipe

	// Socket is a socket.
	Socket

	// CharacterDevice is a character device.
	CharacterDevice

	// BlockDevice is a block device.
	BlockDevice

	// Anonymous is an anonymous type when none of the above apply.
	// Epoll fds and event-driven fds fit this category.
	Anonymous
)

// String returns a human-readable representation of the InodeType.
func (n InodeType) String() string {
	switch n {
	case RegularFile:
		return "file"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Pipe:
		return "pipe"
	case Socket:
		return "socket"
	case CharacterDevice:
		return "character-device"
	case BlockDevice:
		return "block-device"
	case Anonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// LinuxMode returns the S_IF* bits for the type.
func (n InodeType) LinuxMode() uint32 {
	switch n {
	case RegularFile:
		return linux.ModeRegular
	case Directory:
		return linux.ModeDirectory
	case Symlink:
		return linux.ModeSymlink
	case Pipe:
		return linux.ModeNamedPipe
	case Socket:
		return linux.ModeSocket
	case CharacterDevice:
		return linux.ModeCharacterDevice
	case BlockDevice:
		return linux.ModeBlockDevice
	default:
		return 0
	}
}

// DirentType returns the DT_* value reported by getdents64.
func (n InodeType) DirentType() uint8 {
	switch n {
	case RegularFile:
		return linux.DT_REG
	case Directory:
		return linux.DT_DIR
	case Symlink:
		return linux.DT_LNK
	case Pipe:
		return linux.DT_FIFO
	case Socket:
		return linux.DT_SOCK
	case CharacterDevice:
		return linux.DT_CHR
	case BlockDevice:
		return linux.DT_BLK
	default:
		return linux.DT_UNKNOWN
	}
}

type InodeStableAttr struct {
	// Type is the InodeType of a InodeOperations.
	Type InodeType

	// DeviceID is the device on which a InodeOperations resides.
	DeviceID uint64

	// InodeID uniquely identifies InodeOperations on its device.
	InodeID uint64

	// BlockSize is the block size of data backing this InodeOperations.
	BlockSize int64

	// DeviceFileMajor is the major device number of this Node, if it is a
	// device file.
	DeviceFileMajor uint16

	// DeviceFileMinor is the minor device number of this Node, if it is a
	// device file.
	DeviceFileMinor uint32
}

func (attr *InodeStableAttr) SetType(mode os.FileMode) {
	switch mode & os.ModeType {
	case 0:
		attr.Type = RegularFile
	case os.ModeDir:
		attr.Type = Directory
	case os.ModeSymlink:
		attr.Type = Symlink
	case os.ModeNamedPipe:
		attr.Type = Pipe
	case os.ModeSocket:
		attr.Type = Socket
	case os.ModeDevice | os.ModeCharDevice:
		attr.Type = CharacterDevice
	case os.ModeDevice:
		attr.Type = BlockDevice
	default:
		attr.Type = Anonymous
	}
}

// InodeUnstableAttr contains Inode attributes that may change over the
// lifetime of the Inode.
type InodeUnstableAttr struct {
	// Size is the file size in bytes.
	Size int64

	// Usage is the actual data usage in bytes.
	Usage int64

	// Perms is the protection (read/write/execute for user/group/other).
	Perms uint32

	UserId, GroupId uint32

	// AccessTime is the time of last access
	AccessTime time.Time

	// ModificationTime is the time of last modification.
	ModificationTime time.Time

	// StatusChangeTime is the time of last attribute modification.
	StatusChangeTime time.Time

	// Links is the number of hard links.
	Links uint64
}

// Handle is an open data stream on a regular file. Offsets are kept by
// the caller.
type Handle interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

type ReadDirEmit interface {
	EmitEntry(name string, inode *Inode) bool
}

type InodeOps interface {
	LookupChild(ctx context.Context, inode *Inode, name string) (*Inode, error)
	UnstableAttr(ctx context.Context, inode *Inode) (*InodeUnstableAttr, error)
	ReadLink(ctx context.Context, inode *Inode) (string, error)
	ReadDir(ctx context.Context, inode *Inode, offset int, emit ReadDirEmit) error
	Open(ctx context.Context, inode *Inode, flags linux.OpenFlags) (Handle, error)

	Create(ctx context.Context, dir *Inode, name string, perms uint32) (*Inode, error)
	Mkdir(ctx context.Context, dir *Inode, name string, perms uint32) (*Inode, error)
	Unlink(ctx context.Context, dir *Inode, name string) error
	Rmdir(ctx context.Context, dir *Inode, name string) error

	SetPerms(ctx context.Context, inode *Inode, perms uint32) error

	// SetTimes updates access and modification times. A nil time is left
	// alone.
	SetTimes(ctx context.Context, inode *Inode, atime, mtime *time.Time) error
}

type Inode struct {
	StableAttr InodeStableAttr
	FS         Filesystem

	Ops InodeOps
}

func NewInode(fsys Filesystem, attr InodeStableAttr, ops InodeOps) *Inode {
	return &Inode{
		StableAttr: attr,
		FS:         fsys,
		Ops:        ops,
	}
}

func (i *Inode) IsDir() bool {
	return i.StableAttr.Type == Directory
}

// Stat fills in a struct stat for the inode.
func (i *Inode) Stat(ctx context.Context) (linux.Stat, error) {
	us, err := i.Ops.UnstableAttr(ctx, i)
	if err != nil {
		return linux.Stat{}, err
	}

	blksize := i.StableAttr.BlockSize
	if blksize == 0 {
		blksize = 4096
	}

	return linux.Stat{
		Dev:     i.StableAttr.DeviceID,
		Ino:     i.StableAttr.InodeID,
		Mode:    i.StableAttr.Type.LinuxMode() | (us.Perms & linux.PermMask),
		Nlink:   uint32(us.Links),
		UID:     us.UserId,
		GID:     us.GroupId,
		Rdev:    uint64(linux.MakeDeviceID(i.StableAttr.DeviceFileMajor, i.StableAttr.DeviceFileMinor)),
		Size:    us.Size,
		Blksize: int32(blksize),
		Blocks:  (us.Usage + 511) / 512,
		ATime:   linux.TimeToTimespec(us.AccessTime),
		MTime:   linux.TimeToTimespec(us.ModificationTime),
		CTime:   linux.TimeToTimespec(us.StatusChangeTime),
	}, nil
}
