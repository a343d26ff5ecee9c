// Package layer binds a level set to its caches, file store and retrieval pipeline
// and runs per-frame tile selection over it.
package layer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tilestream/internal/cache"
	"tilestream/internal/geo"
	"tilestream/internal/level"
	"tilestream/internal/lod"
	"tilestream/internal/retrieve"
	"tilestream/internal/scheduler"
	"tilestream/internal/tile"
)

var (
	// ErrCorruptLocal means stored tile bytes could not be decoded.
	ErrCorruptLocal = errors.New("corrupt local tile")
	// ErrAbsent means the tile is known to be missing upstream.
	ErrAbsent = errors.New("tile marked absent")
	// ErrOffline means the tile is not stored locally and network retrieval is off.
	ErrOffline = errors.New("tile not stored locally and network retrieval is disabled")
)

const (
	TextureCacheName   = "texture"
	PlaceNameCacheName = "placenames"

	DefaultPlaceNameCacheCapacity = 2_000_000
)

// Executor accepts retrieval tasks and reports which keys it is already working on.
type Executor interface {
	retrieve.Submitter
	Contains(key tile.Key) bool
}

// Options configures a layer. LevelSet, Store, Retriever, Executor and Caches are required.
type Options struct {
	Name      string
	LevelSet  *level.LevelSet
	Store     cache.FileStore
	Retriever retrieve.Retriever
	Executor  Executor
	Caches    *cache.Registry
	Log       *zap.Logger

	// CacheCapacity sizes the shared memory cache the first time it is created.
	CacheCapacity int64
	// URLBuilder defaults to one chosen from the first level's service URL.
	URLBuilder retrieve.URLBuilder

	// DetailHint raises (positive) or lowers (negative) the resolution imagery is drawn at.
	DetailHint float64
	// SplitScale is the detail factor of Mercator and place-name layers.
	SplitScale float64
	// QueueCapacity bounds the requests a single frame can make.
	QueueCapacity int

	ForceLevelZeroLoads      bool
	RetainLevelZeroTiles     bool
	NetworkRetrievalDisabled bool
	// PackagedEntry marks services that wrap each tile in a zip archive.
	PackagedEntry bool

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

func (o *Options) validate() error {
	var missing []string
	if o.LevelSet == nil {
		missing = append(missing, "LevelSet")
	}
	if o.Store == nil {
		missing = append(missing, "Store")
	}
	if o.Retriever == nil {
		missing = append(missing, "Retriever")
	}
	if o.Executor == nil {
		missing = append(missing, "Executor")
	}
	if o.Caches == nil {
		missing = append(missing, "Caches")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: layer %q is missing %v", level.ErrConfiguration, o.Name, missing)
	}
	if o.Name == "" {
		o.Name = o.LevelSet.FirstLevel().Dataset()
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.URLBuilder == nil {
		o.URLBuilder = retrieve.NewURLBuilder(o.LevelSet.FirstLevel().Service())
	}
	if o.SplitScale == 0 {
		o.SplitScale = lod.DefaultSplitScale
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = scheduler.DefaultCapacity
	}
	return nil
}

// SelectedTile is one tile chosen for a frame. When the tile's own payload is not
// resident, Payload and Fallback come from its nearest resident ancestor and Transform
// locates the tile inside the ancestor's texture.
type SelectedTile struct {
	Tile      *tile.Tile
	Payload   tile.Payload
	Fallback  *tile.Tile
	Transform tile.FallbackTransform
}

// Frame is the result of one selection pass.
type Frame struct {
	Tiles []SelectedTile
	Stats lod.Stats
	// Requested is the number of retrievals handed to the executor; Dropped were
	// discarded because the executor was full.
	Requested int
	Dropped   int
}

type decodeFunc func(t *tile.Tile, data []byte) (tile.Payload, error)

// base is the tile bookkeeping shared by every layer kind.
type base struct {
	opts   Options
	levels *level.LevelSet
	cache  *cache.MemoryCache
	log    *zap.Logger
	decode decodeFunc
	text   bool

	levelZero sync.Map // tile.Key -> *tile.Tile, when RetainLevelZeroTiles
}

func newBase(opts Options, cacheName string, capacity int64, decode decodeFunc, text bool) (*base, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.CacheCapacity > 0 {
		capacity = opts.CacheCapacity
	}
	return &base{
		opts:   opts,
		levels: opts.LevelSet,
		cache:  opts.Caches.Get(cacheName, cache.Factory(cacheName, capacity)),
		log:    opts.Log.Named("layer").With(zap.String("layer", opts.Name)),
		decode: decode,
		text:   text,
	}, nil
}

func (b *base) Name() string                  { return b.opts.Name }
func (b *base) LevelSet() *level.LevelSet     { return b.levels }
func (b *base) Store() cache.FileStore        { return b.opts.Store }
func (b *base) Submitter() retrieve.Submitter { return b.opts.Executor }
func (b *base) Cache() *cache.MemoryCache     { return b.cache }

// tileFor returns the resident tile for (row, column) at l, or a fresh one.
func (b *base) tileFor(l *level.Level, row, column int) *tile.Tile {
	key := tile.NewKey(l.Number(), row, column, l.CacheName())
	if b.opts.RetainLevelZeroTiles && l.Number() == 0 {
		if t, ok := b.levelZero.Load(key); ok {
			return t.(*tile.Tile)
		}
	}
	if t, ok := b.cache.Get(key); ok {
		return t
	}
	return tile.New(b.levels.TileSector(l, row, column), l, row, column)
}

// Tile returns the tile at (levelNumber, row, column), or nil outside the level set.
func (b *base) Tile(levelNumber, row, column int) *tile.Tile {
	l := b.levels.Level(levelNumber)
	if l == nil || row < 0 || column < 0 {
		return nil
	}
	if column >= int(b.levels.NumColumnsInLevel(l)) {
		return nil
	}
	t := b.tileFor(l, row, column)
	// a tile that only shares an edge with the set, such as a row past the pole, is outside
	overlap, ok := t.Sector().Intersection(b.levels.Sector())
	if !ok || overlap.DeltaLat() <= 0 || overlap.DeltaLon() <= 0 {
		return nil
	}
	return t
}

func (b *base) publish(t *tile.Tile) {
	if b.opts.RetainLevelZeroTiles && t.LevelNumber() == 0 {
		b.levelZero.Store(t.Key(), t)
		return
	}
	if !b.cache.Put(t.Key(), t) {
		b.log.Debug("tile too large for memory cache", zap.Stringer("tile", t), zap.Int64("size", t.SizeInBytes()))
	}
}

func (b *base) isAbsent(t *tile.Tile) bool {
	return b.levels.IsResourceAbsent(t.LevelNumber(), t.Row(), t.Column())
}

// roots returns the top level tiles overlapping the view.
func (b *base) roots(visible geo.Sector) []*node {
	s, ok := b.levels.Sector().Intersection(visible)
	if !ok {
		return nil
	}
	first := b.levels.FirstLevel()
	r := b.levels.TileRange(first, s)
	out := make([]*node, 0, r.Count())
	for row := r.FirstRow; row <= r.LastRow; row++ {
		for col := r.FirstCol; col <= r.LastCol; col++ {
			out = append(out, &node{b: b, tile: b.tileFor(first, row, col)})
		}
	}
	return out
}

// TilesInSector returns the tiles of levelNumber covering sector in row-major order.
func (b *base) TilesInSector(sector geo.Sector, levelNumber int) []*tile.Tile {
	l := b.levels.Level(levelNumber)
	if l == nil {
		return nil
	}
	s, ok := b.levels.Sector().Intersection(sector)
	if !ok {
		return nil
	}
	r := b.levels.TileRange(l, s)
	out := make([]*tile.Tile, 0, r.Count())
	for row := r.FirstRow; row <= r.LastRow; row++ {
		for col := r.FirstCol; col <= r.LastCol; col++ {
			out = append(out, b.tileFor(l, row, col))
		}
	}
	return out
}

func (b *base) CountTilesInSector(sector geo.Sector, maxLevel int) int64 {
	return b.levels.CountTilesInSector(sector, maxLevel)
}

func (b *base) ComputeLevelForResolution(sector geo.Sector, resolution float64) int {
	return b.levels.ComputeLevelForResolution(sector, resolution)
}

// node adapts a tile to the traversal.
type node struct {
	b    *base
	tile *tile.Tile
}

func (n *node) Sector() geo.Sector { return n.tile.Sector() }
func (n *node) LevelNumber() int   { return n.tile.LevelNumber() }
func (n *node) IsResident() bool   { return n.tile.HasPayload() }

func (n *node) CanSplit() bool {
	lvl := n.tile.LevelNumber()
	if n.b.levels.IsFinalLevel(lvl) {
		return false
	}
	last := n.b.levels.LastLevelFor(n.tile.Sector())
	return last != nil && lvl < last.Number()
}

var childOffsets = [4][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}

func (n *node) Children() []*node {
	next := n.b.levels.Level(n.tile.LevelNumber() + 1)
	if next == nil {
		return nil
	}
	out := make([]*node, 4)
	for i, off := range childOffsets {
		row, col := 2*n.tile.Row()+off[0], 2*n.tile.Column()+off[1]
		out[i] = &node{b: n.b, tile: n.b.tileFor(next, row, col)}
	}
	return out
}
