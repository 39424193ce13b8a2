package kernel

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func direntNames(buf []byte) []string {
	var names []string

	for len(buf) >= 19 {
		reclen := int(binary.LittleEndian.Uint16(buf[16:]))

		name := buf[19:reclen]
		for i, b := range name {
			if b == 0 {
				name = name[:i]
				break
			}
		}

		names = append(names, string(name))
		buf = buf[reclen:]
	}

	return names
}

func TestFileOperations(t *testing.T) {
	n := neko.Modern(t)

	ctx := context.Background()

	n.It("creates, writes and reads back a file", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		fd, err := init.Open(ctx, linux.AT_FDCWD, "/hello", linux.O_CREAT|linux.O_RDWR, 0666)
		require.NoError(t, err)
		require.Equal(t, 0, fd)

		f, err := init.Process.FDs.Get(fd)
		require.NoError(t, err)

		_, err = f.Write(ctx, []byte("hello world"))
		require.NoError(t, err)

		_, err = f.Seek(ctx, 6, linux.SEEK_SET)
		require.NoError(t, err)

		buf := make([]byte, 16)
		n, err := f.Read(ctx, buf)
		require.NoError(t, err)
		require.Equal(t, "world", string(buf[:n]))

		st, err := init.Stat(ctx, linux.AT_FDCWD, "/hello", 0)
		require.NoError(t, err)
		require.Equal(t, int64(11), st.Size)
		require.Equal(t, uint32(0644), st.Mode&0777)
	})

	n.It("fails an exclusive create of an existing file", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		_, err := init.Open(ctx, linux.AT_FDCWD, "/a", linux.O_CREAT|linux.O_WRONLY, 0644)
		require.NoError(t, err)

		_, err = init.Open(ctx, linux.AT_FDCWD, "/a", linux.O_CREAT|linux.O_EXCL|linux.O_WRONLY, 0644)
		require.Equal(t, int64(abi.EEXIST), abi.ErrnoOf(err))
	})

	n.It("reports missing files", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		_, err := init.Open(ctx, linux.AT_FDCWD, "/missing", linux.O_RDONLY, 0)
		require.Equal(t, int64(abi.ENOENT), abi.ErrnoOf(err))

		_, err = init.Open(ctx, linux.AT_FDCWD, "", linux.O_RDONLY, 0)
		require.Equal(t, int64(abi.ENOENT), abi.ErrnoOf(err))
	})

	n.It("checks directory flags on open", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		require.NoError(t, init.Mkdir(ctx, linux.AT_FDCWD, "/dir", 0755))

		_, err := init.Open(ctx, linux.AT_FDCWD, "/dir", linux.O_WRONLY, 0)
		require.Equal(t, int64(abi.EISDIR), abi.ErrnoOf(err))

		_, err = init.Open(ctx, linux.AT_FDCWD, "/f", linux.O_CREAT|linux.O_WRONLY, 0644)
		require.NoError(t, err)

		_, err = init.Open(ctx, linux.AT_FDCWD, "/f", linux.O_RDONLY|linux.O_DIRECTORY, 0)
		require.Equal(t, int64(abi.ENOTDIR), abi.ErrnoOf(err))
	})

	n.It("lists a directory", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		require.NoError(t, init.Mkdir(ctx, linux.AT_FDCWD, "/dir", 0755))

		for _, name := range []string{"/dir/one", "/dir/two"} {
			_, err := init.Open(ctx, linux.AT_FDCWD, name, linux.O_CREAT|linux.O_WRONLY, 0644)
			require.NoError(t, err)
		}

		f, err := init.OpenFile(ctx, linux.AT_FDCWD, "/dir", linux.O_RDONLY|linux.O_DIRECTORY, 0)
		require.NoError(t, err)

		buf, err := f.Getdents(ctx, 4096)
		require.NoError(t, err)
		require.Equal(t, []string{".", "..", "one", "two"}, direntNames(buf))

		buf, err = f.Getdents(ctx, 4096)
		require.NoError(t, err)
		require.Empty(t, buf)
	})

	n.It("continues a listing across small buffers", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		_, err := init.Open(ctx, linux.AT_FDCWD, "/x", linux.O_CREAT|linux.O_WRONLY, 0644)
		require.NoError(t, err)

		f, err := init.OpenFile(ctx, linux.AT_FDCWD, "/", linux.O_RDONLY, 0)
		require.NoError(t, err)

		_, err = f.Getdents(ctx, 8)
		require.Equal(t, int64(abi.EINVAL), abi.ErrnoOf(err))

		var names []string

		for {
			buf, err := f.Getdents(ctx, 24)
			require.NoError(t, err)

			if len(buf) == 0 {
				break
			}

			names = append(names, direntNames(buf)...)
		}

		require.Equal(t, []string{".", "..", "x"}, names)
	})

	n.It("unlinks files and removes empty directories", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		require.NoError(t, init.Mkdir(ctx, linux.AT_FDCWD, "/dir", 0755))

		_, err := init.Open(ctx, linux.AT_FDCWD, "/dir/f", linux.O_CREAT|linux.O_WRONLY, 0644)
		require.NoError(t, err)

		require.Equal(t, int64(abi.EISDIR), abi.ErrnoOf(init.Unlink(ctx, linux.AT_FDCWD, "/dir", false)))
		require.Equal(t, int64(abi.ENOTDIR), abi.ErrnoOf(init.Unlink(ctx, linux.AT_FDCWD, "/dir/f", true)))

		require.NoError(t, init.Unlink(ctx, linux.AT_FDCWD, "/dir/f", false))

		_, err = init.Stat(ctx, linux.AT_FDCWD, "/dir/f", 0)
		require.Equal(t, int64(abi.ENOENT), abi.ErrnoOf(err))

		require.NoError(t, init.Unlink(ctx, linux.AT_FDCWD, "/dir", true))
	})

	n.It("resolves relative paths against the working directory", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		require.NoError(t, init.Mkdir(ctx, linux.AT_FDCWD, "/home", 0755))
		require.NoError(t, init.Chdir(ctx, "/home"))

		_, err := init.Open(ctx, linux.AT_FDCWD, "notes", linux.O_CREAT|linux.O_WRONLY, 0644)
		require.NoError(t, err)

		_, err = init.Stat(ctx, linux.AT_FDCWD, "/home/notes", 0)
		require.NoError(t, err)

		cwd, err := init.Getcwd(64)
		require.NoError(t, err)
		require.Equal(t, "/home\x00", string(cwd))

		_, err = init.Getcwd(5)
		require.Equal(t, int64(abi.ERANGE), abi.ErrnoOf(err))

		require.Equal(t, int64(abi.ENOTDIR), abi.ErrnoOf(init.Chdir(ctx, "/home/notes")))
	})

	n.It("checks execute permission", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		_, err := init.Open(ctx, linux.AT_FDCWD, "/prog", linux.O_CREAT|linux.O_WRONLY, 0644)
		require.NoError(t, err)

		require.NoError(t, init.Access(ctx, linux.AT_FDCWD, "/prog", linux.R_OK))
		require.Equal(t, int64(abi.EACCES), abi.ErrnoOf(init.Access(ctx, linux.AT_FDCWD, "/prog", linux.X_OK)))

		require.NoError(t, init.Chmod(ctx, linux.AT_FDCWD, "/prog", 0755))
		require.NoError(t, init.Access(ctx, linux.AT_FDCWD, "/prog", linux.X_OK))
	})

	n.It("applies the umask", func(t *testing.T) {
		k := newTestKernel(t)
		init := newInit(t, k, nil)

		require.Equal(t, uint32(022), init.Process.FS.SwapUmask(077))

		_, err := init.Open(ctx, linux.AT_FDCWD, "/private", linux.O_CREAT|linux.O_WRONLY, 0666)
		require.NoError(t, err)

		st, err := init.Stat(ctx, linux.AT_FDCWD, "/private", 0)
		require.NoError(t, err)
		require.Equal(t, uint32(0600), st.Mode&0777)
	})

	n.Meow()
}
