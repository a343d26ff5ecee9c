package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tilestream/internal/metrics"
)

// FileSystemStore implements file-based tile storage
// Structure: {root}/{cacheName}/{level}/{row}/{row}_{col}{suffix}
type FileSystemStore struct {
	mu   sync.RWMutex
	root string
}

func NewFileSystemStore(root string) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &FileSystemStore{
		root: root,
	}, nil
}

func (s *FileSystemStore) Name() string { return "file" }

func (s *FileSystemStore) Root() string { return s.root }

func (s *FileSystemStore) buildFilePath(p string) (string, error) {
	c, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(c)), nil
}

func (s *FileSystemStore) Find(p string) (time.Time, bool) {
	filePath, err := s.buildFilePath(p)
	if err != nil {
		return time.Time{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(filePath)
	if err != nil || !info.Mode().IsRegular() {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

func (s *FileSystemStore) Read(p string) ([]byte, error) {
	filePath, err := s.buildFilePath(p)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return os.ReadFile(filePath)
}

func (s *FileSystemStore) Write(p string, data []byte) error {
	filePath, err := s.buildFilePath(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write tile: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move tile into place: %w", err)
	}

	metrics.StoreBytesWritten.WithLabelValues(s.Name()).Add(float64(len(data)))
	return nil
}

func (s *FileSystemStore) Remove(p string) error {
	filePath, err := s.buildFilePath(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileSystemStore) FileSizes(dir string, maxDirs int) ([]int64, error) {
	dirPath, err := s.buildFilePath(dir)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var sizes []int64
	dirs := 0
	for _, e := range entries {
		if dirs >= maxDirs {
			break
		}
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dirPath, e.Name()))
		if err != nil {
			continue
		}
		dirs++
		for _, f := range files {
			if f.IsDir() || strings.HasSuffix(f.Name(), ".tmp") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			sizes = append(sizes, info.Size())
		}
	}
	return sizes, nil
}

func (s *FileSystemStore) Close() error { return nil }
