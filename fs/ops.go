package fs

import (
	"context"
	"time"

	"github.com/evanphx/rvos/abi/linux"
)

// StandardDirOps provides the file-only operations for directory inodes.
type StandardDirOps struct{}

func (_ StandardDirOps) ReadLink(ctx context.Context, inode *Inode) (string, error) {
	return "", ErrNotSymlink
}

func (_ StandardDirOps) Open(ctx context.Context, inode *Inode, flags linux.OpenFlags) (Handle, error) {
	return nil, ErrIsDirectory
}

// StandardFileOps provides the directory-only operations for non-directory
// inodes.
type StandardFileOps struct{}

func (_ StandardFileOps) LookupChild(ctx context.Context, inode *Inode, name string) (*Inode, error) {
	return nil, ErrNotDirectory
}

func (_ StandardFileOps) ReadDir(ctx context.Context, inode *Inode, offset int, emit ReadDirEmit) error {
	return ErrNotDirectory
}

func (_ StandardFileOps) Create(ctx context.Context, dir *Inode, name string, perms uint32) (*Inode, error) {
	return nil, ErrNotDirectory
}

func (_ StandardFileOps) Mkdir(ctx context.Context, dir *Inode, name string, perms uint32) (*Inode, error) {
	return nil, ErrNotDirectory
}

func (_ StandardFileOps) Unlink(ctx context.Context, dir *Inode, name string) error {
	return ErrNotDirectory
}

func (_ StandardFileOps) Rmdir(ctx context.Context, dir *Inode, name string) error {
	return ErrNotDirectory
}

// ReadOnlyOps rejects every mutation.
type ReadOnlyOps struct{}

func (_ ReadOnlyOps) SetPerms(ctx context.Context, inode *Inode, perms uint32) error {
	return ErrReadOnly
}

func (_ ReadOnlyOps) SetTimes(ctx context.Context, inode *Inode, atime, mtime *time.Time) error {
	return ErrReadOnly
}
