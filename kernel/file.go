package kernel

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/fs"
	"github.com/evanphx/rvos/pkg/waiter"
	"github.com/pkg/errors"
)

var (
	ErrBadFD      = abi.NewError(abi.EBADF, "bad file descriptor")
	ErrNotSeeker  = abi.NewError(abi.ESPIPE, "illegal seek")
	ErrBadOffset  = abi.NewError(abi.EINVAL, "invalid offset")
	ErrNotTTY     = abi.NewError(abi.ENOTTY, "inappropriate ioctl for device")
	ErrWouldBlock = abi.NewError(abi.EAGAIN, "operation would block")
	ErrNotDirFile = abi.NewError(abi.ENOTDIR, "not a directory")
	ErrDirFile    = abi.NewError(abi.EISDIR, "is a directory")
)

// FileImpl is what an open file is backed by.
type FileImpl interface {
	waiter.Waitable

	// Read and Write take the file offset for seekable files and -1 for
	// streams.
	Read(ctx context.Context, f *File, dst []byte, off int64) (int, error)
	Write(ctx context.Context, f *File, src []byte, off int64) (int, error)

	// Release runs when the last reference to the file is dropped.
	Release() error
}

// Seekable is implemented by impls with a position and size.
type Seekable interface {
	Size(ctx context.Context) (int64, error)
}

// Ioctler is implemented by impls that accept ioctl commands.
type Ioctler interface {
	Ioctl(ctx context.Context, t *Task, cmd uint32, arg uint64) (int64, error)
}

// Syncer is implemented by impls with state to flush.
type Syncer interface {
	Sync() error
}

// Stater is implemented by impls without a filesystem inode.
type Stater interface {
	Stat() linux.Stat
}

type File struct {
	refs int64

	mu     sync.Mutex
	flags  linux.OpenFlags
	offset int64

	Dirent *fs.Dirent
	Impl   FileImpl
}

// NewFile returns a file holding one reference.
func NewFile(d *fs.Dirent, flags linux.OpenFlags, impl FileImpl) *File {
	return &File{
		refs:   1,
		flags:  flags &^ linux.O_CLOEXEC,
		Dirent: d,
		Impl:   impl,
	}
}

func (f *File) IncRef() {
	atomic.AddInt64(&f.refs, 1)
}

// DecRef drops a reference and releases the impl with the last one.
func (f *File) DecRef() error {
	if atomic.AddInt64(&f.refs, -1) > 0 {
		return nil
	}

	return f.Impl.Release()
}

func (f *File) Flags() linux.OpenFlags {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.flags
}

// settableFlags are the status flags F_SETFL may change.
const settableFlags = linux.O_APPEND | linux.O_NONBLOCK | linux.O_DIRECT | linux.O_NOATIME

func (f *File) SetFlags(flags linux.OpenFlags) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.flags = (f.flags &^ settableFlags) | (flags & settableFlags)
}

func (f *File) NonBlocking() bool {
	return f.Flags()&linux.O_NONBLOCK != 0
}

func (f *File) seekable() (Seekable, bool) {
	s, ok := f.Impl.(Seekable)
	return s, ok
}

// Stream reports whether the file has no position, like a pipe or the
// console.
func (f *File) Stream() bool {
	_, ok := f.seekable()
	return !ok
}

func (f *File) Read(ctx context.Context, dst []byte) (int, error) {
	if !f.Flags().Readable() {
		return 0, ErrBadFD
	}

	if _, ok := f.seekable(); !ok {
		return f.Impl.Read(ctx, f, dst, -1)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.Impl.Read(ctx, f, dst, f.offset)
	f.offset += int64(n)

	return n, err
}

func (f *File) Write(ctx context.Context, src []byte) (int, error) {
	if !f.Flags().Writable() {
		return 0, ErrBadFD
	}

	s, ok := f.seekable()
	if !ok {
		return f.Impl.Write(ctx, f, src, -1)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.flags&linux.O_APPEND != 0 {
		size, err := s.Size(ctx)
		if err != nil {
			return 0, err
		}

		f.offset = size
	}

	n, err := f.Impl.Write(ctx, f, src, f.offset)
	f.offset += int64(n)

	return n, err
}

// PRead reads at off without moving the file offset.
func (f *File) PRead(ctx context.Context, dst []byte, off int64) (int, error) {
	if !f.Flags().Readable() {
		return 0, ErrBadFD
	}

	if _, ok := f.seekable(); !ok {
		return 0, ErrNotSeeker
	}

	if off < 0 {
		return 0, ErrBadOffset
	}

	return f.Impl.Read(ctx, f, dst, off)
}

func (f *File) Seek(ctx context.Context, off int64, whence int) (int64, error) {
	s, ok := f.seekable()
	if !ok {
		return 0, ErrNotSeeker
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64

	switch whence {
	case linux.SEEK_SET:
	case linux.SEEK_CUR:
		base = f.offset
	case linux.SEEK_END:
		size, err := s.Size(ctx)
		if err != nil {
			return 0, err
		}

		base = size
	default:
		return 0, ErrBadOffset
	}

	next := base + off
	if next < 0 {
		return 0, ErrBadOffset
	}

	f.offset = next

	return next, nil
}

func (f *File) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.offset
}

func (f *File) Readiness(mask waiter.EventType) waiter.EventType {
	return f.Impl.Readiness(mask)
}

func (f *File) EventRegister(e *waiter.Entry) {
	f.Impl.EventRegister(e)
}

func (f *File) EventUnregister(e *waiter.Entry) {
	f.Impl.EventUnregister(e)
}

func (f *File) Stat(ctx context.Context) (linux.Stat, error) {
	if s, ok := f.Impl.(Stater); ok {
		return s.Stat(), nil
	}

	if f.Dirent == nil {
		return linux.Stat{Mode: linux.S_IFREG | 0600, Nlink: 1, Blksize: 4096}, nil
	}

	return f.Dirent.Inode.Stat(ctx)
}

func (f *File) Sync() error {
	if s, ok := f.Impl.(Syncer); ok {
		return s.Sync()
	}

	return nil
}

func (f *File) Ioctl(ctx context.Context, t *Task, cmd uint32, arg uint64) (int64, error) {
	if i, ok := f.Impl.(Ioctler); ok {
		return i.Ioctl(ctx, t, cmd, arg)
	}

	return 0, ErrNotTTY
}

// AlwaysReady is embedded by impls that never block.
type AlwaysReady struct{}

func (AlwaysReady) Readiness(mask waiter.EventType) waiter.EventType {
	return mask & (waiter.EventIn | waiter.EventOut)
}

func (AlwaysReady) EventRegister(e *waiter.Entry)   {}
func (AlwaysReady) EventUnregister(e *waiter.Entry) {}

// RegularFile is an open inode with a data handle.
type RegularFile struct {
	AlwaysReady

	Inode  *fs.Inode
	Handle fs.Handle
}

func (r *RegularFile) Read(ctx context.Context, f *File, dst []byte, off int64) (int, error) {
	n, err := r.Handle.ReadAt(dst, off)
	if err == io.EOF {
		err = nil
	}

	return n, err
}

func (r *RegularFile) Write(ctx context.Context, f *File, src []byte, off int64) (int, error) {
	return r.Handle.WriteAt(src, off)
}

func (r *RegularFile) Size(ctx context.Context) (int64, error) {
	us, err := r.Inode.Ops.UnstableAttr(ctx, r.Inode)
	if err != nil {
		return 0, err
	}

	return us.Size, nil
}

func (r *RegularFile) Sync() error {
	return r.Handle.Sync()
}

func (r *RegularFile) Release() error {
	return r.Handle.Close()
}

// DirFile is an open directory. Reads fail; entries come from Getdents.
type DirFile struct {
	AlwaysReady

	Inode *fs.Inode
}

func (d *DirFile) Read(ctx context.Context, f *File, dst []byte, off int64) (int, error) {
	return 0, ErrDirFile
}

func (d *DirFile) Write(ctx context.Context, f *File, src []byte, off int64) (int, error) {
	return 0, ErrDirFile
}

func (d *DirFile) Size(ctx context.Context) (int64, error) {
	return 0, nil
}

func (d *DirFile) Release() error {
	return nil
}

type direntEmitter struct {
	buf   []byte
	size  int
	index int64
	full  bool
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func (e *direntEmitter) emit(name string, ino uint64, typ uint8) bool {
	reclen := align8(19 + len(name) + 1)

	if len(e.buf)+reclen > e.size {
		e.full = true
		return false
	}

	rec := make([]byte, reclen)

	le := leUint{rec}
	le.put64(0, ino)
	le.put64(8, uint64(e.index+1))
	le.put16(16, uint16(reclen))
	rec[18] = typ
	copy(rec[19:], name)

	e.buf = append(e.buf, rec...)
	e.index++

	return true
}

func (e *direntEmitter) EmitEntry(name string, inode *fs.Inode) bool {
	return e.emit(name, inode.StableAttr.InodeID, inode.StableAttr.Type.DirentType())
}

type leUint struct {
	b []byte
}

func (l leUint) put64(off int, v uint64) {
	for i := 0; i < 8; i++ {
		l.b[off+i] = byte(v >> (8 * i))
	}
}

func (l leUint) put16(off int, v uint16) {
	l.b[off] = byte(v)
	l.b[off+1] = byte(v >> 8)
}

// Getdents encodes linux_dirent64 records that fit in size bytes,
// starting at the file's position. It returns an empty slice at the end
// of the directory.
func (f *File) Getdents(ctx context.Context, size int) ([]byte, error) {
	d, ok := f.Impl.(*DirFile)
	if !ok {
		return nil, ErrNotDirFile
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	e := &direntEmitter{size: size, index: f.offset}

	self := d.Inode.StableAttr.InodeID
	parent := self
	if f.Dirent != nil && f.Dirent.Parent != nil {
		parent = f.Dirent.Parent.Inode.StableAttr.InodeID
	}

	if e.index == 0 && !e.emit(".", self, linux.DT_DIR) {
		return nil, errors.Wrap(ErrBadOffset, "buffer too small")
	}

	if e.index == 1 && !e.emit("..", parent, linux.DT_DIR) {
		if len(e.buf) == 0 {
			return nil, errors.Wrap(ErrBadOffset, "buffer too small")
		}
	}

	if !e.full && e.index >= 2 {
		if err := d.Inode.Ops.ReadDir(ctx, d.Inode, int(e.index-2), e); err != nil {
			return nil, err
		}
	}

	if len(e.buf) == 0 && e.full {
		return nil, errors.Wrap(ErrBadOffset, "buffer too small")
	}

	f.offset = e.index

	return e.buf, nil
}
