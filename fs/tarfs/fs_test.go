package tarfs

import (
	"archive/tar"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/evanphx/rvos/fs"
	"github.com/evanphx/rvos/fs/memfs"
	"github.com/stretchr/testify/require"
)

func buildTar(t *testing.T) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	mtime := time.Unix(1500000000, 0)

	add := func(hdr *tar.Header, body string) {
		hdr.ModTime = mtime
		hdr.Size = int64(len(body))
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}

	add(&tar.Header{Name: "./", Typeflag: tar.TypeDir, Mode: 0755}, "")
	add(&tar.Header{Name: "./etc/", Typeflag: tar.TypeDir, Mode: 0755}, "")
	add(&tar.Header{Name: "./etc/hostname", Typeflag: tar.TypeReg, Mode: 0644}, "rvos\n")
	add(&tar.Header{Name: "bin/sh", Typeflag: tar.TypeReg, Mode: 0755}, "#!")
	add(&tar.Header{Name: "bin/shell", Typeflag: tar.TypeSymlink, Linkname: "sh", Mode: 0777}, "")
	add(&tar.Header{Name: "dev/null", Typeflag: tar.TypeChar, Mode: 0666}, "")

	require.NoError(t, tw.Close())

	return buf.Bytes()
}

func TestUnpack(t *testing.T) {
	ctx := context.Background()

	root := memfs.New()

	n, err := Unpack(ctx, bytes.NewReader(buildTar(t)), root.Root())
	require.NoError(t, err)
	require.Equal(t, 6, n)

	ns, err := fs.NewMountNamespace(root, 0)
	require.NoError(t, err)

	d, err := ns.LookupPath(ctx, "/etc/hostname")
	require.NoError(t, err)

	h, err := d.Inode.Ops.Open(ctx, d.Inode, 0)
	require.NoError(t, err)

	buf := make([]byte, 16)
	cnt, err := h.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "rvos\n", string(buf[:cnt]))

	st, err := d.Inode.Stat(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1500000000), st.MTime.Sec)

	d, err = ns.LookupPath(ctx, "/bin/shell")
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", d.Path)

	_, err = ns.LookupPath(ctx, "/dev")
	require.NoError(t, err)

	_, err = ns.LookupPath(ctx, "/dev/null")
	require.Error(t, err)
}
