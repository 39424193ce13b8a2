package fs_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/fs"
	"github.com/evanphx/rvos/fs/memfs"
	"github.com/stretchr/testify/require"
)

func mkdirs(t *testing.T, root *fs.Inode, names ...string) *fs.Inode {
	ctx := context.Background()

	cur := root
	for _, name := range names {
		next, err := cur.Ops.Mkdir(ctx, cur, name, 0755)
		require.NoError(t, err)
		cur = next
	}

	return cur
}

// pausingDir holds the first lookup of name until release is closed.
type pausingDir struct {
	fs.InodeOps

	name    string
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (p *pausingDir) LookupChild(ctx context.Context, inode *fs.Inode, name string) (*fs.Inode, error) {
	child, err := p.InodeOps.LookupChild(ctx, inode, name)

	if name == p.name && p.armed.CompareAndSwap(true, false) {
		close(p.entered)
		<-p.release
	}

	return child, err
}

func TestMountNamespace(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves nested paths", func(t *testing.T) {
		root := memfs.New()
		b := mkdirs(t, root.Root(), "a", "b")

		_, err := b.Ops.Create(ctx, b, "file", 0644)
		require.NoError(t, err)

		ns, err := fs.NewMountNamespace(root, 0)
		require.NoError(t, err)

		d, err := ns.LookupPath(ctx, "/a/b/file")
		require.NoError(t, err)
		require.Equal(t, "/a/b/file", d.Path)
		require.Equal(t, "file", d.Name)
		require.Equal(t, "/a/b", d.Parent.Path)

		d, err = ns.LookupPath(ctx, "/a/./b/../b/file")
		require.NoError(t, err)
		require.Equal(t, "/a/b/file", d.Path)

		_, err = ns.LookupPath(ctx, "/a/nope")
		require.Equal(t, int64(abi.ENOENT), abi.ErrnoOf(err))

		_, err = ns.LookupPath(ctx, "/a/b/file/x")
		require.Equal(t, int64(abi.ENOTDIR), abi.ErrnoOf(err))
	})

	t.Run("follows symlinks", func(t *testing.T) {
		root := memfs.New()
		a := mkdirs(t, root.Root(), "a")

		_, err := a.Ops.Create(ctx, a, "real", 0644)
		require.NoError(t, err)

		dir := root.Root().Ops.(*memfs.Dir)
		_, err = dir.Symlink(ctx, root.Root(), "link", "a")
		require.NoError(t, err)

		ns, err := fs.NewMountNamespace(root, 0)
		require.NoError(t, err)

		d, err := ns.LookupPath(ctx, "/link/real")
		require.NoError(t, err)
		require.Equal(t, "/a/real", d.Path)

		d, err = ns.LookupDirent(ctx, "/link")
		require.NoError(t, err)
		require.Equal(t, fs.Symlink, d.Inode.StableAttr.Type)

		_, err = dir.Symlink(ctx, root.Root(), "loop", "loop")
		require.NoError(t, err)

		_, err = ns.LookupPath(ctx, "/loop")
		require.Equal(t, int64(abi.ELOOP), abi.ErrnoOf(err))
	})

	t.Run("mounts shadow directories", func(t *testing.T) {
		root := memfs.New()
		mkdirs(t, root.Root(), "mnt")

		ns, err := fs.NewMountNamespace(root, 0)
		require.NoError(t, err)

		before, err := ns.LookupPath(ctx, "/mnt")
		require.NoError(t, err)

		sub := memfs.New()
		mkdirs(t, sub.Root(), "inside")

		require.NoError(t, ns.Mount(ctx, "/mnt", sub, "none"))

		err = ns.Mount(ctx, "/mnt", memfs.New(), "none")
		require.Equal(t, int64(abi.EBUSY), abi.ErrnoOf(err))

		d, err := ns.LookupPath(ctx, "/mnt/inside")
		require.NoError(t, err)
		require.Equal(t, sub, d.Inode.FS)

		mounted, err := ns.LookupPath(ctx, "/mnt")
		require.NoError(t, err)
		require.NotEqual(t, before.Inode, mounted.Inode)

		require.Len(t, ns.Mounts(), 2)

		require.NoError(t, ns.Unmount(ctx, "/mnt"))

		_, err = ns.LookupPath(ctx, "/mnt/inside")
		require.Equal(t, int64(abi.ENOENT), abi.ErrnoOf(err))

		err = ns.Unmount(ctx, "/mnt")
		require.Equal(t, int64(abi.EINVAL), abi.ErrnoOf(err))

		err = ns.Unmount(ctx, "/")
		require.Equal(t, int64(abi.EBUSY), abi.ErrnoOf(err))
	})

	t.Run("finds the parent of new entries", func(t *testing.T) {
		root := memfs.New()
		mkdirs(t, root.Root(), "etc")

		ns, err := fs.NewMountNamespace(root, 0)
		require.NoError(t, err)

		parent, name, err := ns.LookupParent(ctx, "/etc/hosts")
		require.NoError(t, err)
		require.Equal(t, "/etc", parent.Path)
		require.Equal(t, "hosts", name)

		_, _, err = ns.LookupParent(ctx, "/missing/hosts")
		require.Equal(t, int64(abi.ENOENT), abi.ErrnoOf(err))
	})

	t.Run("does not cache entries removed during a lookup", func(t *testing.T) {
		root := memfs.New()
		rootInode := root.Root()

		_, err := rootInode.Ops.Create(ctx, rootInode, "x", 0644)
		require.NoError(t, err)

		ns, err := fs.NewMountNamespace(root, 0)
		require.NoError(t, err)

		dir := rootInode.Ops.(*memfs.Dir)

		gate := &pausingDir{
			InodeOps: dir,
			name:     "x",
			entered:  make(chan struct{}),
			release:  make(chan struct{}),
		}
		gate.armed.Store(true)
		rootInode.Ops = gate

		found := make(chan error, 1)
		go func() {
			_, err := ns.LookupPath(ctx, "/x")
			found <- err
		}()

		<-gate.entered

		require.NoError(t, dir.Unlink(ctx, rootInode, "x"))

		invalidated := make(chan struct{})
		go func() {
			ns.Invalidate()
			close(invalidated)
		}()

		// Invalidate has to wait for the lookup in flight.
		select {
		case <-invalidated:
		case <-time.After(50 * time.Millisecond):
		}

		close(gate.release)

		require.NoError(t, <-found)
		<-invalidated

		_, err = ns.LookupPath(ctx, "/x")
		require.Equal(t, int64(abi.ENOENT), abi.ErrnoOf(err))
	})

	t.Run("joins relative paths", func(t *testing.T) {
		require.Equal(t, "/a/b", fs.Join("/a", "b"))
		require.Equal(t, "/b", fs.Join("/a", "/b"))
		require.Equal(t, "/", fs.Join("/a", ".."))
		require.Equal(t, "/", fs.Join("/", "../.."))
	})
}
