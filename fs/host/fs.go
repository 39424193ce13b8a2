// Package host exposes a directory of the host read-only. mount(2) creates
// it for the "hostfs" type with the source naming the host path.
package host

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/fs"
	"github.com/evanphx/rvos/log"
	"golang.org/x/sys/unix"
)

func init() {
	fs.RegisterFilesystem("hostfs", func(ctx context.Context, source, data string) (fs.Filesystem, error) {
		return NewHostFS(source)
	})
}

type HostFS struct {
	dev  *fs.Device
	path string
	root *fs.Inode
}

func lstat(path string) (*unix.Stat_t, error) {
	var st unix.Stat_t

	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT {
			return nil, fs.ErrUnknownPath
		}

		return nil, err
	}

	return &st, nil
}

func statToStableAttr(st *unix.Stat_t, mode os.FileMode) fs.InodeStableAttr {
	var attr fs.InodeStableAttr
	attr.BlockSize = int64(st.Blksize)
	major, minor := linux.DecodeDeviceID(uint32(st.Rdev))
	attr.DeviceFileMajor = major
	attr.DeviceFileMinor = minor
	attr.DeviceID = uint64(st.Dev)
	attr.InodeID = uint64(st.Ino)
	attr.SetType(mode)

	return attr
}

func NewHostFS(path string) (*HostFS, error) {
	h := &HostFS{
		dev:  fs.NewAnonDevice(),
		path: path,
	}

	log.L.Trace("creating host fs", "path", path)

	stat, err := os.Stat(path)
	if err != nil {
		log.L.Error("error stating hostfs path", "error", err)
		return nil, err
	}

	if !stat.IsDir() {
		return nil, fs.ErrNotDirectory
	}

	st, err := lstat(path)
	if err != nil {
		return nil, err
	}

	h.root = fs.NewInode(h, statToStableAttr(st, stat.Mode()), &Dir{host: h, FSPath: FSPath{Path: path}})

	return h, nil
}

func (h *HostFS) Name() string {
	return "hostfs"
}

func (h *HostFS) Root() *fs.Inode {
	return h.root
}

func (h *HostFS) Device() *fs.Device {
	return h.dev
}

func (h *HostFS) Statfs(ctx context.Context) (linux.Statfs, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(h.path, &st); err != nil {
		return linux.Statfs{}, err
	}

	return linux.Statfs{
		Type:    linux.HOSTFS_MAGIC,
		Bsize:   int64(st.Bsize),
		Blocks:  uint64(st.Blocks),
		Bfree:   uint64(st.Bfree),
		Bavail:  uint64(st.Bavail),
		Files:   uint64(st.Files),
		Ffree:   uint64(st.Ffree),
		Namelen: 255,
		Frsize:  int64(st.Bsize),
		Flags:   1, // ST_RDONLY
	}, nil
}

func (h *HostFS) newInode(path string) (*fs.Inode, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fs.ErrUnknownPath
		}

		return nil, err
	}

	st, err := lstat(path)
	if err != nil {
		return nil, err
	}

	attr := statToStableAttr(st, info.Mode())

	if info.IsDir() {
		return fs.NewInode(h, attr, &Dir{host: h, FSPath: FSPath{Path: path}}), nil
	}

	return fs.NewInode(h, attr, &Entry{FSPath: FSPath{Path: path}}), nil
}

type FSPath struct {
	fs.ReadOnlyOps

	Path string
}

func convertTS(ts unix.Timespec) time.Time {
	return time.Unix(int64(ts.Sec), int64(ts.Nsec))
}

func (p *FSPath) UnstableAttr(ctx context.Context, inode *fs.Inode) (*fs.InodeUnstableAttr, error) {
	st, err := lstat(p.Path)
	if err != nil {
		return nil, err
	}

	var us fs.InodeUnstableAttr
	us.AccessTime = convertTS(st.Atim)
	us.ModificationTime = convertTS(st.Mtim)
	us.StatusChangeTime = convertTS(st.Ctim)
	us.GroupId = st.Gid
	us.UserId = st.Uid
	us.Perms = st.Mode & linux.PermMask
	us.Size = st.Size
	us.Usage = st.Blocks * 512
	us.Links = uint64(st.Nlink)

	return &us, nil
}

func (p *FSPath) Create(ctx context.Context, dir *fs.Inode, name string, perms uint32) (*fs.Inode, error) {
	return nil, fs.ErrReadOnly
}

func (p *FSPath) Mkdir(ctx context.Context, dir *fs.Inode, name string, perms uint32) (*fs.Inode, error) {
	return nil, fs.ErrReadOnly
}

func (p *FSPath) Unlink(ctx context.Context, dir *fs.Inode, name string) error {
	return fs.ErrReadOnly
}

func (p *FSPath) Rmdir(ctx context.Context, dir *fs.Inode, name string) error {
	return fs.ErrReadOnly
}

type Dir struct {
	fs.StandardDirOps
	FSPath

	host *HostFS
}

func (d *Dir) LookupChild(ctx context.Context, inode *fs.Inode, name string) (*fs.Inode, error) {
	log.L.Trace("lookup child on host fs", "dir", d.Path, "name", name)

	return d.host.newInode(filepath.Join(d.Path, name))
}

func (d *Dir) ReadDir(ctx context.Context, inode *fs.Inode, offset int, emit fs.ReadDirEmit) error {
	infos, err := ioutil.ReadDir(d.Path)
	if err != nil {
		return err
	}

	if offset >= len(infos) {
		return nil
	}

	for _, ent := range infos[offset:] {
		child, err := d.host.newInode(filepath.Join(d.Path, ent.Name()))
		if err != nil {
			continue
		}

		if !emit.EmitEntry(ent.Name(), child) {
			break
		}
	}

	return nil
}

type Entry struct {
	FSPath
}

func (e *Entry) LookupChild(ctx context.Context, inode *fs.Inode, name string) (*fs.Inode, error) {
	return nil, fs.ErrNotDirectory
}

func (e *Entry) ReadDir(ctx context.Context, inode *fs.Inode, offset int, emit fs.ReadDirEmit) error {
	return fs.ErrNotDirectory
}

func (e *Entry) ReadLink(ctx context.Context, inode *fs.Inode) (string, error) {
	if inode.StableAttr.Type != fs.Symlink {
		return "", fs.ErrNotSymlink
	}

	return os.Readlink(e.Path)
}

func (e *Entry) Open(ctx context.Context, inode *fs.Inode, flags linux.OpenFlags) (fs.Handle, error) {
	if flags.Writable() || flags&linux.O_TRUNC != 0 {
		return nil, fs.ErrReadOnly
	}

	f, err := os.Open(e.Path)
	if err != nil {
		return nil, err
	}

	return &readOnly{File: f}, nil
}

type readOnly struct {
	*os.File
}

func (r *readOnly) WriteAt(b []byte, off int64) (int, error) {
	return 0, fs.ErrReadOnly
}

func (r *readOnly) Truncate(size int64) error {
	return fs.ErrReadOnly
}
