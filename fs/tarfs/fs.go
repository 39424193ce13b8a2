// Package tarfs unpacks a tar archive into a writable filesystem tree. The
// boot path uses it to populate the root tmpfs from an initrd.
package tarfs

import (
	"archive/tar"
	"context"
	"io"
	"path"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/rvos/fs"
	"github.com/evanphx/rvos/log"
	"github.com/pkg/errors"
)

// Symlinker is implemented by directories that can hold symlinks.
type Symlinker interface {
	Symlink(ctx context.Context, dir *fs.Inode, name, target string) (*fs.Inode, error)
}

type unpacker struct {
	ctx  context.Context
	root *fs.Inode
}

func cleanName(name string) string {
	name = strings.TrimPrefix(name, "./")
	name = strings.Trim(name, "/")

	if name == "." {
		return ""
	}

	return path.Clean(name)
}

func (u *unpacker) lookup(dir *fs.Inode, name string) (*fs.Inode, error) {
	child, err := dir.Ops.LookupChild(u.ctx, dir, name)
	if err != nil {
		return nil, err
	}

	return child, nil
}

// findParent returns the directory that holds name, creating any missing
// intermediate directories.
func (u *unpacker) findParent(name string) (*fs.Inode, error) {
	dirName := path.Dir(name)

	parent := u.root

	if dirName == "." || dirName == "" {
		return parent, nil
	}

	for _, sec := range strings.Split(dirName, "/") {
		ch, err := u.lookup(parent, sec)
		if errors.Cause(err) == fs.ErrUnknownPath {
			ch, err = parent.Ops.Mkdir(u.ctx, parent, sec, 0755)
		}

		if err != nil {
			return nil, err
		}

		if !ch.IsDir() {
			return nil, errors.Wrapf(fs.ErrNotDirectory, "component: %s", sec)
		}

		parent = ch
	}

	return parent, nil
}

func (u *unpacker) entry(hdr *tar.Header, body io.Reader) error {
	name := cleanName(hdr.Name)

	perms := uint32(hdr.FileInfo().Mode().Perm())

	if name == "" {
		return u.root.Ops.SetPerms(u.ctx, u.root, perms)
	}

	parent, err := u.findParent(name)
	if err != nil {
		return err
	}

	base := path.Base(name)

	var inode *fs.Inode

	switch hdr.Typeflag {
	case tar.TypeDir:
		inode, err = u.lookup(parent, base)
		if errors.Cause(err) == fs.ErrUnknownPath {
			inode, err = parent.Ops.Mkdir(u.ctx, parent, base, perms)
		}
	case tar.TypeReg, tar.TypeRegA:
		inode, err = parent.Ops.Create(u.ctx, parent, base, perms)
		if err != nil {
			break
		}

		var h fs.Handle
		h, err = inode.Ops.Open(u.ctx, inode, 0)
		if err != nil {
			break
		}

		_, err = io.Copy(&writer{h: h}, body)
		h.Close()
	case tar.TypeSymlink:
		sl, ok := parent.Ops.(Symlinker)
		if !ok {
			return errors.Wrapf(fs.ErrNotImplemented, "symlink: %s", name)
		}

		inode, err = sl.Symlink(u.ctx, parent, base, hdr.Linkname)
	default:
		log.L.Debug("skipping unsupported tar entry", "name", hdr.Name, "header", spew.Sdump(hdr))
		return nil
	}

	if err != nil {
		return errors.Wrapf(err, "unpacking %s", name)
	}

	mtime := hdr.ModTime
	atime := hdr.AccessTime
	if atime.IsZero() {
		atime = mtime
	}

	return inode.Ops.SetTimes(u.ctx, inode, &atime, &mtime)
}

type writer struct {
	h   fs.Handle
	off int64
}

func (w *writer) Write(b []byte) (int, error) {
	n, err := w.h.WriteAt(b, w.off)
	w.off += int64(n)
	return n, err
}

// Unpack extracts the archive in r below root and returns the number of
// entries it created.
func Unpack(ctx context.Context, r io.Reader, root *fs.Inode) (int, error) {
	tr := tar.NewReader(r)

	u := &unpacker{ctx: ctx, root: root}

	var count int

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return count, err
		}

		if err := u.entry(hdr, tr); err != nil {
			return count, err
		}

		count++
	}

	return count, nil
}
