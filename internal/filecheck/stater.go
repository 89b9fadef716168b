package filecheck

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Stater answers whether a path is readable on the local host.
type Stater interface {
	Readable(path string) (bool, error)
}

// LocalDisk checks paths on the local filesystem. A non-empty Root is
// prepended to every path, for hosts that keep artifacts under a storage root.
type LocalDisk struct {
	Root string
}

// Readable reports whether path is a regular file that can be opened.
func (d LocalDisk) Readable(path string) (bool, error) {
	if d.Root != "" {
		path = filepath.Join(d.Root, path)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}
