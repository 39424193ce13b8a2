// Package memfs is an in-memory filesystem. It backs the root of every
// machine and is what mount(2) creates for "tmpfs".
package memfs

import (
	"context"
	"sync"
	"time"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/fs"
)

const blockSize = 4096

func init() {
	fs.RegisterFilesystem("tmpfs", func(ctx context.Context, source, data string) (fs.Filesystem, error) {
		return New(), nil
	})
}

type FS struct {
	dev  *fs.Device
	root *fs.Inode
}

func New() *FS {
	m := &FS{
		dev: fs.NewAnonDevice(),
	}

	m.root = m.newDir(0755)

	return m
}

func (m *FS) Name() string {
	return "tmpfs"
}

func (m *FS) Root() *fs.Inode {
	return m.root
}

func (m *FS) Device() *fs.Device {
	return m.dev
}

func (m *FS) Statfs(ctx context.Context) (linux.Statfs, error) {
	return linux.Statfs{
		Type:    linux.TMPFS_MAGIC,
		Bsize:   blockSize,
		Frsize:  blockSize,
		Namelen: 255,
		Fsid:    [2]int32{int32(m.dev.Minor), int32(m.dev.Major)},
	}, nil
}

func (m *FS) stable(t fs.InodeType) fs.InodeStableAttr {
	return fs.InodeStableAttr{
		Type:      t,
		DeviceID:  m.dev.DeviceID(),
		InodeID:   m.dev.NextIno(),
		BlockSize: blockSize,
	}
}

func newNode(perms uint32, links uint64) node {
	now := time.Now()

	return node{
		attr: fs.InodeUnstableAttr{
			Perms:            perms & linux.PermMask,
			AccessTime:       now,
			ModificationTime: now,
			StatusChangeTime: now,
			Links:            links,
		},
	}
}

func (m *FS) newDir(perms uint32) *fs.Inode {
	d := &Dir{
		node:     newNode(perms, 2),
		fsys:     m,
		children: make(map[string]*fs.Inode),
	}

	return fs.NewInode(m, m.stable(fs.Directory), d)
}

func (m *FS) newFile(perms uint32) *fs.Inode {
	return fs.NewInode(m, m.stable(fs.RegularFile), &File{node: newNode(perms, 1)})
}

// node carries the attributes every memfs inode has.
type node struct {
	mu   sync.Mutex
	attr fs.InodeUnstableAttr
}

func (n *node) UnstableAttr(ctx context.Context, inode *fs.Inode) (*fs.InodeUnstableAttr, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	attr := n.attr
	return &attr, nil
}

func (n *node) SetPerms(ctx context.Context, inode *fs.Inode, perms uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.attr.Perms = perms & linux.PermMask
	n.attr.StatusChangeTime = time.Now()

	return nil
}

func (n *node) SetTimes(ctx context.Context, inode *fs.Inode, atime, mtime *time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if atime != nil {
		n.attr.AccessTime = *atime
	}

	if mtime != nil {
		n.attr.ModificationTime = *mtime
	}

	n.attr.StatusChangeTime = time.Now()

	return nil
}

func (n *node) touch() {
	now := time.Now()
	n.attr.ModificationTime = now
	n.attr.StatusChangeTime = now
}

type Dir struct {
	fs.StandardDirOps
	node

	fsys     *FS
	children map[string]*fs.Inode
	order    []string
}

func (d *Dir) LookupChild(ctx context.Context, inode *fs.Inode, name string) (*fs.Inode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch name {
	case ".":
		return inode, nil
	}

	child, ok := d.children[name]
	if !ok {
		return nil, fs.ErrUnknownPath
	}

	return child, nil
}

func (d *Dir) ReadDir(ctx context.Context, inode *fs.Inode, offset int, emit fs.ReadDirEmit) error {
	d.mu.Lock()
	if offset >= len(d.order) {
		d.mu.Unlock()
		return nil
	}

	names := append([]string(nil), d.order[offset:]...)
	children := make([]*fs.Inode, len(names))
	for i, name := range names {
		children[i] = d.children[name]
	}
	d.mu.Unlock()

	for i, name := range names {
		if !emit.EmitEntry(name, children[i]) {
			break
		}
	}

	return nil
}

func (d *Dir) add(name string, child *fs.Inode) error {
	if _, ok := d.children[name]; ok {
		return fs.ErrExists
	}

	d.children[name] = child
	d.order = append(d.order, name)
	d.touch()

	return nil
}

func (d *Dir) remove(name string) {
	delete(d.children, name)

	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}

	d.touch()
}

func (d *Dir) Create(ctx context.Context, dir *fs.Inode, name string, perms uint32) (*fs.Inode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	child := d.fsys.newFile(perms)
	if err := d.add(name, child); err != nil {
		return nil, err
	}

	return child, nil
}

func (d *Dir) Mkdir(ctx context.Context, dir *fs.Inode, name string, perms uint32) (*fs.Inode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	child := d.fsys.newDir(perms)
	if err := d.add(name, child); err != nil {
		return nil, err
	}

	d.attr.Links++

	return child, nil
}

// Symlink creates a symbolic link named name pointing at target.
func (d *Dir) Symlink(ctx context.Context, dir *fs.Inode, name, target string) (*fs.Inode, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	link := &Link{node: newNode(0777, 1), target: target}
	link.attr.Size = int64(len(target))

	child := fs.NewInode(d.fsys, d.fsys.stable(fs.Symlink), link)
	if err := d.add(name, child); err != nil {
		return nil, err
	}

	return child, nil
}

func (d *Dir) Unlink(ctx context.Context, dir *fs.Inode, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	child, ok := d.children[name]
	if !ok {
		return fs.ErrUnknownPath
	}

	if child.IsDir() {
		return fs.ErrIsDirectory
	}

	if f, ok := child.Ops.(*File); ok {
		f.mu.Lock()
		f.attr.Links--
		f.mu.Unlock()
	}

	d.remove(name)

	return nil
}

func (d *Dir) Rmdir(ctx context.Context, dir *fs.Inode, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	child, ok := d.children[name]
	if !ok {
		return fs.ErrUnknownPath
	}

	sub, ok := child.Ops.(*Dir)
	if !ok {
		return fs.ErrNotDirectory
	}

	sub.mu.Lock()
	empty := len(sub.children) == 0
	sub.mu.Unlock()

	if !empty {
		return fs.ErrNotEmpty
	}

	d.remove(name)
	d.attr.Links--

	return nil
}

type File struct {
	fs.StandardFileOps
	node

	body []byte
}

func (f *File) ReadLink(ctx context.Context, inode *fs.Inode) (string, error) {
	return "", fs.ErrNotSymlink
}

func (f *File) UnstableAttr(ctx context.Context, inode *fs.Inode) (*fs.InodeUnstableAttr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	attr := f.attr
	attr.Size = int64(len(f.body))
	attr.Usage = int64((len(f.body) + blockSize - 1) / blockSize * blockSize)

	return &attr, nil
}

func (f *File) Open(ctx context.Context, inode *fs.Inode, flags linux.OpenFlags) (fs.Handle, error) {
	return &handle{f: f}, nil
}

// SetContents replaces the file body.
func (f *File) SetContents(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.body = append([]byte(nil), b...)
	f.touch()
}

type handle struct {
	f *File
}

func (h *handle) ReadAt(b []byte, off int64) (int, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()

	h.f.attr.AccessTime = time.Now()

	if off >= int64(len(h.f.body)) {
		return 0, nil
	}

	return copy(b, h.f.body[off:]), nil
}

func (h *handle) WriteAt(b []byte, off int64) (int, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()

	if need := off + int64(len(b)); need > int64(len(h.f.body)) {
		if need <= int64(cap(h.f.body)) {
			old := len(h.f.body)
			h.f.body = h.f.body[:need]

			for i := old; i < int(off); i++ {
				h.f.body[i] = 0
			}
		} else {
			grown := make([]byte, need, need*2)
			copy(grown, h.f.body)
			h.f.body = grown
		}
	}

	n := copy(h.f.body[off:], b)
	h.f.touch()

	return n, nil
}

func (h *handle) Truncate(size int64) error {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()

	switch {
	case size < int64(len(h.f.body)):
		h.f.body = h.f.body[:size]
	case size > int64(len(h.f.body)):
		grown := make([]byte, size)
		copy(grown, h.f.body)
		h.f.body = grown
	}

	h.f.touch()

	return nil
}

func (h *handle) Sync() error {
	return nil
}

func (h *handle) Close() error {
	return nil
}

type Link struct {
	fs.StandardFileOps
	node

	target string
}

func (l *Link) ReadLink(ctx context.Context, inode *fs.Inode) (string, error) {
	return l.target, nil
}

func (l *Link) Open(ctx context.Context, inode *fs.Inode, flags linux.OpenFlags) (fs.Handle, error) {
	return nil, fs.ErrSymlinkLoop
}
