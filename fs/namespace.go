package fs

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const (
	DefaultDirentCacheSize = 1000

	maxSymlinkTraversals = 40
	maxNameLen           = 255
)

type Mount struct {
	Path   string
	Source string
	FS     Filesystem
}

type MountNamespace struct {
	mu sync.RWMutex

	Root        *Dirent
	DirentCache *lru.Cache[string, *Dirent]

	mounts map[string]*Mount
}

func NewMountNamespace(root Filesystem, cacheSize int) (*MountNamespace, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultDirentCacheSize
	}

	cache, err := lru.New[string, *Dirent](cacheSize)
	if err != nil {
		return nil, err
	}

	m := &MountNamespace{
		DirentCache: cache,
		mounts:      make(map[string]*Mount),
	}

	m.SetRoot(root.Root())
	m.mounts["/"] = &Mount{Path: "/", Source: "rootfs", FS: root}

	return m, nil
}

func (m *MountNamespace) SetRoot(i *Inode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Root = &Dirent{Inode: i, Path: "/"}
	m.DirentCache.Purge()
}

// Mount attaches fsys over the directory at target.
func (m *MountNamespace) Mount(ctx context.Context, target string, fsys Filesystem, source string) error {
	target = path.Clean(target)

	d, err := m.LookupPath(ctx, target)
	if err != nil {
		return err
	}

	if !d.IsDir() {
		return errors.Wrapf(ErrNotDirectory, "mount target: %s", target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mounts[d.Path]; ok {
		return errors.Wrapf(ErrBusy, "mount target: %s", d.Path)
	}

	m.mounts[d.Path] = &Mount{Path: d.Path, Source: source, FS: fsys}
	m.DirentCache.Purge()

	return nil
}

// Unmount detaches the filesystem mounted at target. The root and mounts
// that have other mounts below them can not be detached.
func (m *MountNamespace) Unmount(ctx context.Context, target string) error {
	d, err := m.LookupPath(ctx, target)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d.Path == "/" {
		return errors.Wrap(ErrBusy, "root filesystem")
	}

	if _, ok := m.mounts[d.Path]; !ok {
		return errors.Wrapf(ErrNotMountPoint, "target: %s", d.Path)
	}

	for p := range m.mounts {
		if strings.HasPrefix(p, d.Path+"/") {
			return errors.Wrapf(ErrBusy, "nested mount: %s", p)
		}
	}

	delete(m.mounts, d.Path)
	m.DirentCache.Purge()

	return nil
}

// Mounts returns the mount table sorted by path.
func (m *MountNamespace) Mounts() []Mount {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Mount
	for _, mnt := range m.mounts {
		out = append(out, *mnt)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Path < out[j].Path
	})

	return out
}

// Invalidate drops cached lookups. Callers that remove entries use it.
// It waits for lookups in flight, so none of them can cache a dirent the
// caller just removed.
func (m *MountNamespace) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DirentCache.Purge()
}

// LookupPath resolves an absolute path, following a trailing symlink.
func (m *MountNamespace) LookupPath(ctx context.Context, p string) (*Dirent, error) {
	return m.lookup(ctx, p, true)
}

// LookupDirent resolves an absolute path without following a trailing
// symlink.
func (m *MountNamespace) LookupDirent(ctx context.Context, p string) (*Dirent, error) {
	return m.lookup(ctx, p, false)
}

// LookupParent resolves the directory that holds p and returns it with the
// final path component.
func (m *MountNamespace) LookupParent(ctx context.Context, p string) (*Dirent, string, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil, "", errors.Wrap(ErrBusy, "root has no parent")
	}

	dir, name := path.Split(p)

	if len(name) > maxNameLen {
		return nil, "", ErrNameTooLong
	}

	parent, err := m.LookupPath(ctx, dir)
	if err != nil {
		return nil, "", err
	}

	if !parent.IsDir() {
		return nil, "", errors.Wrapf(ErrNotDirectory, "component: %s", parent.Path)
	}

	return parent, name, nil
}

func cacheKey(p string, follow bool) string {
	if follow {
		return "F" + p
	}

	return "N" + p
}

func (m *MountNamespace) lookup(ctx context.Context, p string, follow bool) (*Dirent, error) {
	p = path.Clean("/" + p)

	key := cacheKey(p, follow)

	if val, ok := m.DirentCache.Get(key); ok {
		return val, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	d, err := m.walk(ctx, p, follow, 0)
	if err != nil {
		return nil, err
	}

	m.DirentCache.Add(key, d)

	return d, nil
}

func (m *MountNamespace) walk(ctx context.Context, p string, follow bool, depth int) (*Dirent, error) {
	if depth > maxSymlinkTraversals {
		return nil, ErrSymlinkLoop
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cur := m.Root

	if p == "/" {
		return cur, nil
	}

	sections := strings.Split(p[1:], "/")

	for i, part := range sections {
		if cur.Inode.StableAttr.Type != Directory {
			return nil, errors.Wrapf(ErrNotDirectory, "component: %s", cur.Path)
		}

		if len(part) > maxNameLen {
			return nil, ErrNameTooLong
		}

		cp := childPath(cur.Path, part)

		var child *Inode

		if mnt, ok := m.mounts[cp]; ok {
			child = mnt.FS.Root()
		} else {
			i, err := cur.Inode.Ops.LookupChild(ctx, cur.Inode, part)
			if err != nil {
				return nil, errors.Wrapf(err, "lookup: %s", cp)
			}

			child = i
		}

		last := i == len(sections)-1

		if child.StableAttr.Type == Symlink && (!last || follow) {
			target, err := child.Ops.ReadLink(ctx, child)
			if err != nil {
				return nil, err
			}

			next := Join(cur.Path, target)
			if !last {
				next = next + "/" + strings.Join(sections[i+1:], "/")
			}

			return m.walk(ctx, path.Clean(next), follow, depth+1)
		}

		cur = &Dirent{Inode: child, Parent: cur, Name: part, Path: cp}
	}

	return cur, nil
}
