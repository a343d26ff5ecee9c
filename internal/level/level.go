package level

import (
	"math"
	"sync/atomic"

	"tilestream/internal/geo"
)

// Level is one resolution tier of a LevelSet.
type Level struct {
	number       int
	name         string
	tileDelta    geo.LatLon
	tileWidth    int
	tileHeight   int
	cacheName    string
	service      string
	dataset      string
	formatSuffix string
	path         string
	texelSize    float64
	active       atomic.Bool
	expiryTime   atomic.Int64
	absent       *AbsentRegistry
}

func (l *Level) Number() int             { return l.number }
func (l *Level) Name() string            { return l.name }
func (l *Level) TileDelta() geo.LatLon   { return l.tileDelta }
func (l *Level) TileWidth() int          { return l.tileWidth }
func (l *Level) TileHeight() int         { return l.tileHeight }
func (l *Level) CacheName() string       { return l.cacheName }
func (l *Level) Service() string         { return l.service }
func (l *Level) Dataset() string         { return l.dataset }
func (l *Level) FormatSuffix() string    { return l.formatSuffix }
func (l *Level) Path() string            { return l.path }
func (l *Level) Absent() *AbsentRegistry { return l.absent }

// IsEmpty reports a level that exists in the pyramid but holds no data.
func (l *Level) IsEmpty() bool { return l.name == "" }

// TexelSize is the angular size of one texel in radians.
func (l *Level) TexelSize() float64 { return l.texelSize }

func (l *Level) IsActive() bool        { return l.active.Load() }
func (l *Level) SetActive(on bool)     { l.active.Store(on) }
func (l *Level) ExpiryTime() int64     { return l.expiryTime.Load() }
func (l *Level) SetExpiryTime(t int64) { l.expiryTime.Store(t) }

func (l *Level) IsResourceAbsent(n int64) bool { return l.absent.IsAbsent(n) }
func (l *Level) MarkResourceAbsent(n int64)    { l.absent.MarkAbsent(n) }
func (l *Level) UnmarkResourceAbsent(n int64)  { l.absent.UnmarkAbsent(n) }

// IsExpired reports whether something last updated at updateTime (unix ms) predates
// the level's expiry time.
func (l *Level) IsExpired(updateTime int64) bool {
	return IsExpired(updateTime, l.ExpiryTime())
}

// IsExpired is true when both times are set and the update happened before expiry.
func IsExpired(updateTime, expiryTime int64) bool {
	return updateTime > 0 && expiryTime > 0 && updateTime < expiryTime
}

func texelSize(delta geo.LatLon, tileHeight int) float64 {
	if tileHeight <= 0 {
		return math.Inf(1)
	}
	return delta.Lat * math.Pi / 180 / float64(tileHeight)
}
