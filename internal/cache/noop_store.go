package cache

import "time"

// NoopStore keeps nothing; every tile is fetched from the network
type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) Name() string { return "disabled" }

func (s *NoopStore) Find(path string) (time.Time, bool) {
	return time.Time{}, false
}

func (s *NoopStore) Read(path string) ([]byte, error) {
	return nil, notExist(path)
}

func (s *NoopStore) Write(path string, data []byte) error {
	return nil
}

func (s *NoopStore) Remove(path string) error {
	return nil
}

func (s *NoopStore) FileSizes(dir string, maxDirs int) ([]int64, error) {
	return nil, nil
}

func (s *NoopStore) Close() error { return nil }
