package kernel

import (
	"context"
	"time"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/fs"
	"github.com/evanphx/rvos/log"
	"github.com/pkg/errors"
)

var (
	ErrEmptyPath   = abi.NewError(abi.ENOENT, "empty path")
	ErrAccess      = abi.NewError(abi.EACCES, "permission denied")
	ErrRange       = abi.NewError(abi.ERANGE, "buffer too small")
	ErrMountTarget = abi.NewError(abi.EBUSY, "path is a mount point")
)

// ResolvePath turns p into an absolute path, relative paths starting at
// dirfd (AT_FDCWD for the working directory).
func (t *Task) ResolvePath(dirfd int, p string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}

	if p[0] == '/' {
		return fs.Join("/", p), nil
	}

	if dirfd == linux.AT_FDCWD {
		return fs.Join(t.Process.FS.Cwd(), p), nil
	}

	f, err := t.Process.FDs.Get(dirfd)
	if err != nil {
		return "", err
	}

	if f.Dirent == nil || !f.Dirent.IsDir() {
		return "", fs.ErrNotDirectory
	}

	return fs.Join(f.Dirent.Path, p), nil
}

func (t *Task) mounts() *fs.MountNamespace {
	return t.Process.Kernel.Mounts
}

// lookup resolves dirfd and p to a dirent. An empty p with emptyPath set
// names the file dirfd refers to.
func (t *Task) lookup(ctx context.Context, dirfd int, p string, follow, emptyPath bool) (*fs.Dirent, error) {
	if p == "" && emptyPath {
		if dirfd == linux.AT_FDCWD {
			return t.mounts().LookupPath(ctx, t.Process.FS.Cwd())
		}

		f, err := t.Process.FDs.Get(dirfd)
		if err != nil {
			return nil, err
		}

		if f.Dirent == nil {
			return nil, ErrEmptyPath
		}

		return f.Dirent, nil
	}

	full, err := t.ResolvePath(dirfd, p)
	if err != nil {
		return nil, err
	}

	if follow {
		return t.mounts().LookupPath(ctx, full)
	}

	return t.mounts().LookupDirent(ctx, full)
}

// OpenFile opens the file at p without installing it.
func (t *Task) OpenFile(ctx context.Context, dirfd int, p string, flags linux.OpenFlags, mode uint32) (*File, error) {
	full, err := t.ResolvePath(dirfd, p)
	if err != nil {
		return nil, err
	}

	ns := t.mounts()

	var d *fs.Dirent

	if flags&linux.O_CREAT != 0 {
		parent, name, err := ns.LookupParent(ctx, full)
		if err != nil {
			return nil, err
		}

		existing, err := ns.LookupDirent(ctx, full)
		switch {
		case err == nil:
			if flags&linux.O_EXCL != 0 {
				return nil, errors.Wrapf(fs.ErrExists, "create: %s", full)
			}

			d = existing

			if d.Inode.StableAttr.Type == fs.Symlink {
				if d, err = ns.LookupPath(ctx, full); err != nil {
					return nil, err
				}
			}
		case errors.Cause(err) == fs.ErrUnknownPath:
			perms := mode &^ t.Process.FS.Umask() & linux.PermMask

			inode, err := parent.Inode.Ops.Create(ctx, parent.Inode, name, perms)
			if err != nil {
				return nil, err
			}

			log.L.Trace("file-created", "path", full, "perms", perms)

			d = &fs.Dirent{Name: name, Path: full, Parent: parent, Inode: inode}
		default:
			return nil, err
		}
	} else if flags&linux.O_NOFOLLOW != 0 {
		d, err = ns.LookupDirent(ctx, full)
		if err != nil {
			return nil, err
		}

		if d.Inode.StableAttr.Type == fs.Symlink {
			return nil, fs.ErrSymlinkLoop
		}
	} else {
		d, err = ns.LookupPath(ctx, full)
		if err != nil {
			return nil, err
		}
	}

	return t.openDirent(ctx, d, flags)
}

func (t *Task) openDirent(ctx context.Context, d *fs.Dirent, flags linux.OpenFlags) (*File, error) {
	inode := d.Inode

	if inode.IsDir() {
		if flags.Writable() || flags&linux.O_TRUNC != 0 {
			return nil, errors.Wrapf(fs.ErrIsDirectory, "open: %s", d.Path)
		}

		return NewFile(d, flags, &DirFile{Inode: inode}), nil
	}

	if flags&linux.O_DIRECTORY != 0 {
		return nil, errors.Wrapf(fs.ErrNotDirectory, "open: %s", d.Path)
	}

	h, err := inode.Ops.Open(ctx, inode, flags)
	if err != nil {
		return nil, err
	}

	if flags&linux.O_TRUNC != 0 && flags.Writable() {
		if err := h.Truncate(0); err != nil {
			h.Close()
			return nil, err
		}
	}

	return NewFile(d, flags, &RegularFile{Inode: inode, Handle: h}), nil
}

// Open implements openat and returns the new descriptor.
func (t *Task) Open(ctx context.Context, dirfd int, p string, flags linux.OpenFlags, mode uint32) (int, error) {
	f, err := t.OpenFile(ctx, dirfd, p, flags, mode)
	if err != nil {
		return -1, err
	}

	fd, err := t.Process.FDs.Install(f, 0, flags&linux.O_CLOEXEC != 0)
	if err != nil {
		f.DecRef()
		return -1, err
	}

	return fd, nil
}

func (t *Task) Mkdir(ctx context.Context, dirfd int, p string, mode uint32) error {
	full, err := t.ResolvePath(dirfd, p)
	if err != nil {
		return err
	}

	parent, name, err := t.mounts().LookupParent(ctx, full)
	if err != nil {
		return err
	}

	perms := mode &^ t.Process.FS.Umask() & 0777

	_, err = parent.Inode.Ops.Mkdir(ctx, parent.Inode, name, perms)

	return err
}

// Unlink removes a file, or an empty directory when removeDir is set.
func (t *Task) Unlink(ctx context.Context, dirfd int, p string, removeDir bool) error {
	full, err := t.ResolvePath(dirfd, p)
	if err != nil {
		return err
	}

	ns := t.mounts()

	parent, name, err := ns.LookupParent(ctx, full)
	if err != nil {
		return err
	}

	target, err := ns.LookupDirent(ctx, full)
	if err != nil {
		return err
	}

	for _, mnt := range ns.Mounts() {
		if mnt.Path == target.Path {
			return errors.Wrapf(ErrMountTarget, "unlink: %s", full)
		}
	}

	if removeDir {
		if !target.IsDir() {
			return errors.Wrapf(fs.ErrNotDirectory, "rmdir: %s", full)
		}

		err = parent.Inode.Ops.Rmdir(ctx, parent.Inode, name)
	} else {
		if target.IsDir() {
			return errors.Wrapf(fs.ErrIsDirectory, "unlink: %s", full)
		}

		err = parent.Inode.Ops.Unlink(ctx, parent.Inode, name)
	}

	if err != nil {
		return err
	}

	ns.Invalidate()

	return nil
}

// Stat implements fstatat.
func (t *Task) Stat(ctx context.Context, dirfd int, p string, flags linux.FstatatFlags) (linux.Stat, error) {
	if p == "" && flags&linux.AT_EMPTY_PATH != 0 && dirfd != linux.AT_FDCWD {
		f, err := t.Process.FDs.Get(dirfd)
		if err != nil {
			return linux.Stat{}, err
		}

		return f.Stat(ctx)
	}

	d, err := t.lookup(ctx, dirfd, p, flags&linux.AT_SYMLINK_NOFOLLOW == 0, flags&linux.AT_EMPTY_PATH != 0)
	if err != nil {
		return linux.Stat{}, err
	}

	return d.Inode.Stat(ctx)
}

// Statfs reports on the filesystem holding p.
func (t *Task) Statfs(ctx context.Context, p string) (linux.Statfs, error) {
	d, err := t.lookup(ctx, linux.AT_FDCWD, p, true, false)
	if err != nil {
		return linux.Statfs{}, err
	}

	return d.Inode.FS.Statfs(ctx)
}

func (t *Task) Chdir(ctx context.Context, p string) error {
	d, err := t.lookup(ctx, linux.AT_FDCWD, p, true, false)
	if err != nil {
		return err
	}

	if !d.IsDir() {
		return errors.Wrapf(fs.ErrNotDirectory, "chdir: %s", d.Path)
	}

	t.Process.FS.SetCwd(d.Path)

	return nil
}

// Getcwd returns the working directory as user mode receives it: NUL
// terminated, failing with ERANGE if size can not hold it.
func (t *Task) Getcwd(size int) ([]byte, error) {
	cwd := t.Process.FS.Cwd()

	if len(cwd)+1 > size {
		return nil, ErrRange
	}

	return append([]byte(cwd), 0), nil
}

// Access implements faccessat. Tasks run as root, so only existence and
// execute permission are checked.
func (t *Task) Access(ctx context.Context, dirfd int, p string, mode uint32) error {
	d, err := t.lookup(ctx, dirfd, p, true, false)
	if err != nil {
		return err
	}

	if mode&linux.X_OK == 0 || d.IsDir() {
		return nil
	}

	us, err := d.Inode.Ops.UnstableAttr(ctx, d.Inode)
	if err != nil {
		return err
	}

	if us.Perms&0111 == 0 {
		return errors.Wrapf(ErrAccess, "execute: %s", d.Path)
	}

	return nil
}

func (t *Task) Chmod(ctx context.Context, dirfd int, p string, mode uint32) error {
	d, err := t.lookup(ctx, dirfd, p, true, false)
	if err != nil {
		return err
	}

	return d.Inode.Ops.SetPerms(ctx, d.Inode, mode&linux.PermMask)
}

// Utimens implements utimensat. A nil times sets both to now.
func (t *Task) Utimens(ctx context.Context, dirfd int, p string, times *[2]linux.Timespec, nofollow bool) error {
	d, err := t.lookup(ctx, dirfd, p, !nofollow, true)
	if err != nil {
		return err
	}

	now := time.Now()

	if times == nil {
		return d.Inode.Ops.SetTimes(ctx, d.Inode, &now, &now)
	}

	var set [2]*time.Time

	for i, ts := range times {
		switch ts.Nsec {
		case linux.UTIME_OMIT:
		case linux.UTIME_NOW:
			set[i] = &now
		default:
			if !ts.Valid() {
				return ErrBadTime
			}

			tm := time.Unix(ts.Sec, ts.Nsec)
			set[i] = &tm
		}
	}

	if set[0] == nil && set[1] == nil {
		return nil
	}

	return d.Inode.Ops.SetTimes(ctx, d.Inode, set[0], set[1])
}

// Mount creates a filesystem of fstype from source and mounts it at target.
func (t *Task) Mount(ctx context.Context, source, target, fstype, data string) error {
	full, err := t.ResolvePath(linux.AT_FDCWD, target)
	if err != nil {
		return err
	}

	fsys, err := fs.NewFilesystem(ctx, fstype, source, data)
	if err != nil {
		return err
	}

	if err := t.mounts().Mount(ctx, full, fsys, source); err != nil {
		return err
	}

	log.L.Debug("mounted filesystem", "type", fstype, "source", source, "target", full)

	return nil
}

func (t *Task) Unmount(ctx context.Context, target string) error {
	full, err := t.ResolvePath(linux.AT_FDCWD, target)
	if err != nil {
		return err
	}

	return t.mounts().Unmount(ctx, full)
}
