package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewFileStore creates a tile store based on the store type
func NewFileStore(storeType, dir string, log *zap.Logger) (FileStore, error) {
	switch storeType {
	case "file":
		log.Info("Using file store", zap.String("store_dir", dir))
		return NewFileSystemStore(dir)
	case "bolt":
		log.Info("Using bolt store", zap.String("store_dir", dir))
		return NewBoltStore(dir)
	case "disabled":
		log.Info("File store disabled")
		return NewNoopStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s (supported: file, bolt, disabled)", storeType)
	}
}

// Factory returns a Registry factory building a cache of the given name and capacity
func Factory(name string, capacity int64) func() *MemoryCache {
	return func() *MemoryCache {
		return NewMemoryCache(name, capacity)
	}
}
