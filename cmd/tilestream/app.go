package main

import (
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilestream/internal/cache"
	"tilestream/internal/catalog"
	"tilestream/internal/config"
	"tilestream/internal/level"
	"tilestream/internal/logger"
	"tilestream/internal/retrieve"
)

// app is the wiring shared by every command.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   cache.FileStore
	exec    *retrieve.Executor
	catalog *catalog.Catalog
}

func newApp(cfg *config.Config) (*app, error) {
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := cache.NewFileStore(cfg.Store, cfg.StoreDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize file store: %w", err)
	}

	exec := retrieve.NewExecutor(retrieve.ExecutorOptions{
		PoolSize:          cfg.RetrievalPoolSize,
		QueueSize:         cfg.RetrievalQueueSize,
		StaleRequestLimit: cfg.RetrievalStaleLimit,
	}, log)

	cat := catalog.New(cfg.CatalogDir, catalog.Deps{
		Store:     store,
		Retriever: retrieve.NewLoader(retrieve.NewHTTPRetriever(cfg.UserAgent)),
		Executor:  exec,
		Caches:    cache.NewRegistry(),
		Absent: level.AbsentOptions{
			MaxTries:         cfg.AbsentMaxTries,
			MinCheckInterval: cfg.AbsentCheckInterval,
			TryAgainInterval: cfg.AbsentTryAgain,
		},
		TextureCacheBytes:   cfg.TextureCacheBytes,
		PlaceNameCacheBytes: cfg.PlaceNameCacheBytes,
		ConnectTimeout:      cfg.URLConnectTimeout,
		ReadTimeout:         cfg.URLReadTimeout,
		Offline:             cfg.Offline,
	}, log)
	if err := cat.Scan(); err != nil {
		log.Warn("Initial catalog scan failed", zap.Error(err))
	}

	return &app{cfg: cfg, log: log, store: store, exec: exec, catalog: cat}, nil
}

func (a *app) dataset(name string) (*catalog.Dataset, error) {
	ds := a.catalog.Get(name)
	if ds == nil {
		return nil, fmt.Errorf("dataset %q not found in %s", name, a.cfg.CatalogDir)
	}
	return ds, nil
}

func (a *app) Close() {
	a.exec.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("Failed to close file store", zap.Error(err))
	}
	a.log.Sync()
}

// startVips brings up libvips for fallback composition.
func (a *app) startVips() {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: a.cfg.VipsConcurrency,
		MaxCacheMem:      a.cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			a.log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			a.log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	a.log.Info("VIPS initialized",
		zap.Int("max_cache_mb", a.cfg.VipsMaxCacheMB),
		zap.Int("concurrency", a.cfg.VipsConcurrency),
	)
}
