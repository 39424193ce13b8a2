package fs

import (
	"path"
	"strings"
)

// Dirent is a resolved path: the inode plus where it was found.
type Dirent struct {
	Name   string
	Path   string
	Parent *Dirent
	Inode  *Inode
}

func (d *Dirent) IsDir() bool {
	return d.Inode.IsDir()
}

// Join resolves p against the absolute directory base.
func Join(base, p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}

	return path.Clean(base + "/" + p)
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}

	return parent + "/" + name
}
