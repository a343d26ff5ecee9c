package tile

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tilestream/internal/geo"
	"tilestream/internal/level"
)

// referenceOverhead approximates the key and pointer bookkeeping of one cached tile.
const referenceOverhead = 32

type payloadBox struct {
	p Payload
}

// Tile is one cell of a level. Its payload is published once by a loader and read
// by everyone else. Tiles are shared between frames through the cache, so per-frame
// state such as fallbacks lives in the selection result instead.
type Tile struct {
	key    Key
	sector geo.Sector
	level  *level.Level

	pathOnce sync.Once
	path     string

	payload    atomic.Pointer[payloadBox]
	updateTime atomic.Int64
}

func New(sector geo.Sector, l *level.Level, row, column int) *Tile {
	return &Tile{
		key:    NewKey(l.Number(), row, column, l.CacheName()),
		sector: sector,
		level:  l,
	}
}

func (t *Tile) Key() Key            { return t.key }
func (t *Tile) Sector() geo.Sector  { return t.sector }
func (t *Tile) Level() *level.Level { return t.level }
func (t *Tile) LevelNumber() int    { return t.key.Level }
func (t *Tile) Row() int            { return t.key.Row }
func (t *Tile) Column() int         { return t.key.Column }

// Path is the file store location {levelPath}/{row}/{row}_{column}{suffix}.
func (t *Tile) Path() string {
	t.pathOnce.Do(func() {
		row := strconv.Itoa(t.key.Row)
		t.path = t.level.Path() + "/" + row + "/" + row + "_" + strconv.Itoa(t.key.Column) + t.level.FormatSuffix()
	})
	return t.path
}

func (t *Tile) Payload() Payload {
	if b := t.payload.Load(); b != nil {
		return b.p
	}
	return nil
}

// SetPayload publishes p and stamps the update time.
func (t *Tile) SetPayload(p Payload) {
	t.payload.Store(&payloadBox{p: p})
	t.updateTime.Store(time.Now().UnixMilli())
}

func (t *Tile) ClearPayload() {
	t.payload.Store(nil)
}

// HasPayload reports whether the tile's own data is resident.
func (t *Tile) HasPayload() bool {
	return t.payload.Load() != nil
}

func (t *Tile) UpdateTime() int64      { return t.updateTime.Load() }
func (t *Tile) SetUpdateTime(ms int64) { t.updateTime.Store(ms) }

// IsExpired reports whether the tile was last updated before its level's expiry time.
func (t *Tile) IsExpired() bool {
	return t.level.IsExpired(t.UpdateTime())
}

// TransformFrom maps the tile into the texture space of ancestor. It is the identity
// for a nil ancestor.
func (t *Tile) TransformFrom(ancestor *Tile) FallbackTransform {
	if ancestor == nil {
		return Identity
	}
	return ComputeFallbackTransform(t.key, ancestor.key.Level)
}

func (t *Tile) SizeInBytes() int64 {
	size := t.sector.SizeInBytes() + referenceOverhead + int64(len(t.Path()))
	if p := t.Payload(); p != nil {
		size += p.SizeInBytes()
	}
	return size
}

func (t *Tile) String() string {
	return t.key.String()
}
