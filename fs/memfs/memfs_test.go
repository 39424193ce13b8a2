package memfs

import (
	"context"
	"testing"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/evanphx/rvos/fs"
	"github.com/stretchr/testify/require"
)

type collect struct {
	names []string
}

func (c *collect) EmitEntry(name string, inode *fs.Inode) bool {
	c.names = append(c.names, name)
	return true
}

func TestMemFS(t *testing.T) {
	ctx := context.Background()

	t.Run("files hold data written through handles", func(t *testing.T) {
		m := New()
		root := m.Root()

		f, err := root.Ops.Create(ctx, root, "data", 0644)
		require.NoError(t, err)

		h, err := f.Ops.Open(ctx, f, linux.O_RDWR)
		require.NoError(t, err)

		_, err = h.WriteAt([]byte("hello"), 3)
		require.NoError(t, err)

		buf := make([]byte, 8)
		n, err := h.ReadAt(buf, 0)
		require.NoError(t, err)
		require.Equal(t, 8, n)
		require.Equal(t, []byte{0, 0, 0, 'h', 'e', 'l', 'l', 'o'}, buf)

		require.NoError(t, h.Truncate(2))
		require.NoError(t, h.Truncate(4))

		st, err := f.Stat(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(4), st.Size)
		require.Equal(t, uint32(linux.S_IFREG|0644), st.Mode)
		require.Equal(t, m.Device().DeviceID(), st.Dev)

		n, err = h.ReadAt(buf, 0)
		require.NoError(t, err)
		require.Equal(t, []byte{0, 0, 0, 0}, buf[:n])
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		m := New()
		root := m.Root()

		_, err := root.Ops.Mkdir(ctx, root, "d", 0755)
		require.NoError(t, err)

		_, err = root.Ops.Create(ctx, root, "d", 0644)
		require.Equal(t, int64(abi.EEXIST), abi.ErrnoOf(err))
	})

	t.Run("removes entries by kind", func(t *testing.T) {
		m := New()
		root := m.Root()

		d, err := root.Ops.Mkdir(ctx, root, "d", 0755)
		require.NoError(t, err)
		_, err = d.Ops.Create(ctx, d, "f", 0644)
		require.NoError(t, err)

		require.Equal(t, int64(abi.EISDIR), abi.ErrnoOf(root.Ops.Unlink(ctx, root, "d")))
		require.Equal(t, int64(abi.ENOTEMPTY), abi.ErrnoOf(root.Ops.Rmdir(ctx, root, "d")))
		require.Equal(t, int64(abi.ENOTDIR), abi.ErrnoOf(d.Ops.Rmdir(ctx, d, "f")))

		require.NoError(t, d.Ops.Unlink(ctx, d, "f"))
		require.NoError(t, root.Ops.Rmdir(ctx, root, "d"))

		_, err = root.Ops.LookupChild(ctx, root, "d")
		require.Equal(t, int64(abi.ENOENT), abi.ErrnoOf(err))
	})

	t.Run("lists entries in creation order from an offset", func(t *testing.T) {
		m := New()
		root := m.Root()

		for _, name := range []string{"c", "a", "b"} {
			_, err := root.Ops.Create(ctx, root, name, 0644)
			require.NoError(t, err)
		}

		var all collect
		require.NoError(t, root.Ops.ReadDir(ctx, root, 0, &all))
		require.Equal(t, []string{"c", "a", "b"}, all.names)

		var tail collect
		require.NoError(t, root.Ops.ReadDir(ctx, root, 2, &tail))
		require.Equal(t, []string{"b"}, tail.names)
	})

	t.Run("changes permissions", func(t *testing.T) {
		m := New()
		root := m.Root()

		f, err := root.Ops.Create(ctx, root, "f", 0644)
		require.NoError(t, err)

		require.NoError(t, f.Ops.SetPerms(ctx, f, 0100600))

		us, err := f.Ops.UnstableAttr(ctx, f)
		require.NoError(t, err)
		require.Equal(t, uint32(0600), us.Perms)
	})

	t.Run("is registered as tmpfs", func(t *testing.T) {
		fsys, err := fs.NewFilesystem(ctx, "tmpfs", "none", "")
		require.NoError(t, err)

		st, err := fsys.Statfs(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(linux.TMPFS_MAGIC), st.Type)

		_, err = fs.NewFilesystem(ctx, "ext9", "none", "")
		require.Equal(t, int64(abi.ENODEV), abi.ErrnoOf(err))
	})
}
