package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"tilestream/internal/cache"
	"tilestream/internal/layer"
	"tilestream/internal/level"
	"tilestream/internal/retrieve"
)

// Deps are the shared services every dataset's layer is built on.
type Deps struct {
	Store     cache.FileStore
	Retriever retrieve.Retriever
	Executor  layer.Executor
	Caches    *cache.Registry

	Absent              level.AbsentOptions
	TextureCacheBytes   int64
	PlaceNameCacheBytes int64
	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	Offline             bool
}

// Dataset is a loaded descriptor with its layer. Exactly one of Tiled and Names is set.
type Dataset struct {
	Descriptor Descriptor
	Levels     *level.LevelSet
	Tiled      *layer.TiledLayer
	Names      *layer.PlaceNameLayer
}

func (d *Dataset) Name() string { return d.Descriptor.Name }

// Catalog holds the datasets found in a directory of descriptors.
type Catalog struct {
	dir    string
	deps   Deps
	logger *zap.Logger

	mu       sync.RWMutex
	datasets map[string]*Dataset
}

func New(dir string, deps Deps, logger *zap.Logger) *Catalog {
	return &Catalog{
		dir:      dir,
		deps:     deps,
		logger:   logger,
		datasets: map[string]*Dataset{},
	}
}

// Scan reads every *.toml file in the catalog directory. Descriptors that fail to
// parse or build are logged and skipped. Datasets already loaded keep their layers.
func (c *Catalog) Scan() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("failed to read catalog directory: %w", err)
	}

	found := map[string]*Dataset{}
	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".toml" {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())

		d, err := LoadDescriptor(path)
		if err != nil {
			c.logger.Warn("Failed to load descriptor, skipping", zap.String("path", path), zap.Error(err))
			continue
		}
		if _, dup := found[d.Name]; dup {
			c.logger.Warn("Duplicate dataset name, skipping", zap.String("path", path), zap.String("dataset", d.Name))
			continue
		}

		if existing := c.Get(d.Name); existing != nil {
			found[d.Name] = existing
			continue
		}
		ds, err := c.Build(d)
		if err != nil {
			c.logger.Warn("Failed to build dataset, skipping", zap.String("path", path), zap.Error(err))
			continue
		}
		found[d.Name] = ds
		c.logger.Info("Loaded dataset",
			zap.String("dataset", d.Name),
			zap.String("kind", string(d.Kind)),
			zap.Int("num_levels", d.NumLevels))
	}

	c.mu.Lock()
	c.datasets = found
	c.mu.Unlock()
	return nil
}

// LoadDescriptor decodes and validates one descriptor file. Unknown keys are errors.
func LoadDescriptor(path string) (Descriptor, error) {
	var d Descriptor
	md, err := toml.DecodeFile(path, &d)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Descriptor{}, fmt.Errorf("%w: unknown keys %s", level.ErrConfiguration, strings.Join(keys, ", "))
	}
	if d.Name == "" {
		d.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	d.applyDefaults()
	if err := d.validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Build creates the level set and layer for d.
func (c *Catalog) Build(d Descriptor) (*Dataset, error) {
	ls, err := level.New(d.Params(c.deps.Absent))
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", d.Name, err)
	}

	opts := layer.Options{
		Name:                     d.Name,
		LevelSet:                 ls,
		Store:                    c.deps.Store,
		Retriever:                c.deps.Retriever,
		Executor:                 c.deps.Executor,
		Caches:                   c.deps.Caches,
		Log:                      c.logger,
		DetailHint:               d.DetailHint,
		ForceLevelZeroLoads:      d.ForceLevelZero,
		RetainLevelZeroTiles:     d.RetainLevelZero,
		NetworkRetrievalDisabled: c.deps.Offline,
		PackagedEntry:            d.PackagedEntry,
		ConnectTimeout:           c.deps.ConnectTimeout,
		ReadTimeout:              c.deps.ReadTimeout,
	}

	ds := &Dataset{Descriptor: d, Levels: ls}
	if d.Kind == PlaceNames {
		opts.CacheCapacity = c.deps.PlaceNameCacheBytes
		ds.Names, err = layer.NewPlaceNameLayer(opts, d.DistanceBand)
	} else {
		opts.CacheCapacity = c.deps.TextureCacheBytes
		ds.Tiled, err = layer.NewTiledLayer(opts)
	}
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", d.Name, err)
	}
	return ds, nil
}

func (c *Catalog) Get(name string) *Dataset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.datasets[name]
}

// Datasets returns the loaded datasets ordered by name.
func (c *Catalog) Datasets() []*Dataset {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Dataset, 0, len(c.datasets))
	for _, d := range c.datasets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
