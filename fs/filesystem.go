package fs

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/evanphx/rvos/abi/linux"
	"github.com/pkg/errors"
)

// Filesystem is a mountable tree of inodes.
type Filesystem interface {
	Name() string
	Root() *Inode
	Device() *Device
	Statfs(ctx context.Context) (linux.Statfs, error)
}

// Device identifies the backing device of a filesystem instance.
type Device struct {
	Major uint16
	Minor uint32

	nextIno uint64
}

var nextAnonMinor uint32

// NewAnonDevice allocates an unnamed device, as Linux does for memory
// backed filesystems.
func NewAnonDevice() *Device {
	return &Device{
		Minor: atomic.AddUint32(&nextAnonMinor, 1),
	}
}

func (d *Device) DeviceID() uint64 {
	return uint64(linux.MakeDeviceID(d.Major, d.Minor))
}

// NextIno returns a fresh inode number on the device.
func (d *Device) NextIno() uint64 {
	return atomic.AddUint64(&d.nextIno, 1)
}

// MountFunc builds a filesystem for mount(2). source and data are the
// strings user mode passed.
type MountFunc func(ctx context.Context, source, data string) (Filesystem, error)

var (
	registryMu sync.Mutex
	registry   = map[string]MountFunc{}
)

// RegisterFilesystem makes a filesystem type available to mount.
func RegisterFilesystem(name string, fn MountFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = fn
}

// NewFilesystem builds a filesystem of the named type.
func NewFilesystem(ctx context.Context, fstype, source, data string) (Filesystem, error) {
	registryMu.Lock()
	fn, ok := registry[fstype]
	registryMu.Unlock()

	if !ok {
		return nil, errors.Wrapf(ErrUnknownFS, "fstype: %s", fstype)
	}

	return fn(ctx, source, data)
}

// Filesystems lists the registered type names.
func Filesystems() []string {
	registryMu.Lock()
	defer registryMu.Unlock()

	var names []string
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
