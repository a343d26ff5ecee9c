package cache

import (
	"errors"
	"io/fs"
	"path"
	"strings"
	"time"
)

var ErrInvalidPath = errors.New("invalid store path")

// FileStore persists tile bytes under slash-separated relative paths
type FileStore interface {
	// Find reports whether path exists and when it was last written
	Find(path string) (modTime time.Time, ok bool)
	// Read returns fs.ErrNotExist (wrapped) when path is missing
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Remove(path string) error
	// FileSizes returns the sizes of the files in up to maxDirs subdirectories of dir
	FileSizes(dir string, maxDirs int) ([]int64, error)
	Name() string
	Close() error
}

func cleanPath(p string) (string, error) {
	if p == "" {
		return "", ErrInvalidPath
	}
	c := path.Clean(strings.TrimPrefix(p, "/"))
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", ErrInvalidPath
	}
	return c, nil
}

func notExist(p string) error {
	return &fs.PathError{Op: "read", Path: p, Err: fs.ErrNotExist}
}
