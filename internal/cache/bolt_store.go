package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"tilestream/internal/metrics"
)

var tilesBucket = []byte("tiles")

// modTimeLen is the width of the write time prefix stored before each value
const modTimeLen = 8

// BoltStore keeps tiles in a single bbolt file, keyed by tile path
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "tiles.db"), 0660, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open tile database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tilesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tiles bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Name() string { return "bolt" }

func (s *BoltStore) Find(p string) (time.Time, bool) {
	key, err := cleanPath(p)
	if err != nil {
		return time.Time{}, false
	}

	var modTime time.Time
	found := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(tilesBucket).Get([]byte(key))
		if len(v) < modTimeLen {
			return nil
		}
		modTime = time.Unix(0, int64(binary.BigEndian.Uint64(v[:modTimeLen])))
		found = true
		return nil
	})
	return modTime, found
}

func (s *BoltStore) Read(p string) ([]byte, error) {
	key, err := cleanPath(p)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(tilesBucket).Get([]byte(key))
		if len(v) < modTimeLen {
			return notExist(p)
		}
		// bbolt values are only valid inside the transaction
		data = bytes.Clone(v[modTimeLen:])
		return nil
	})
	return data, err
}

func (s *BoltStore) Write(p string, data []byte) error {
	key, err := cleanPath(p)
	if err != nil {
		return err
	}

	v := make([]byte, modTimeLen+len(data))
	binary.BigEndian.PutUint64(v[:modTimeLen], uint64(time.Now().UnixNano()))
	copy(v[modTimeLen:], data)

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(tilesBucket).Put([]byte(key), v)
	})
	if err != nil {
		return fmt.Errorf("failed to write tile: %w", err)
	}

	metrics.StoreBytesWritten.WithLabelValues(s.Name()).Add(float64(len(data)))
	return nil
}

func (s *BoltStore) Remove(p string) error {
	key, err := cleanPath(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(tilesBucket).Delete([]byte(key))
	})
}

// FileSizes scans keys under dir, grouping them by their next path segment
func (s *BoltStore) FileSizes(dir string, maxDirs int) ([]int64, error) {
	d, err := cleanPath(dir)
	if err != nil {
		return nil, err
	}
	prefix := []byte(d + "/")

	var sizes []int64
	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(tilesBucket).Cursor()
		seen := map[string]bool{}
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rest := string(k[len(prefix):])
			sub, _, nested := strings.Cut(rest, "/")
			if !nested {
				continue
			}
			if !seen[sub] {
				if len(seen) >= maxDirs {
					break
				}
				seen[sub] = true
			}
			if len(v) >= modTimeLen {
				sizes = append(sizes, int64(len(v)-modTimeLen))
			}
		}
		return nil
	})
	return sizes, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
