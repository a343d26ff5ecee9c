package level

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"tilestream/internal/geo"
)

var ErrConfiguration = errors.New("invalid level set configuration")

// Projection selects how tile rows map onto latitude.
type Projection string

const (
	Geographic Projection = "geographic"
	Mercator   Projection = "mercator"
)

// mercatorSpan is the projected y extent of the Mercator square.
const mercatorSpan = 360.0

// SectorResolution caps the last usable level for tiles intersecting Sector.
type SectorResolution struct {
	Sector geo.Sector `toml:"sector"`
	Level  int        `toml:"level"`
}

// Params describes a tile pyramid. Sector, NumLevels, LevelZeroTileDelta, TileWidth,
// TileHeight, CacheName and FormatSuffix are required.
type Params struct {
	Sector             geo.Sector
	LevelZeroTileDelta geo.LatLon
	// TileOrigin defaults to (-90, -180), or (-180, -180) in projected y for Mercator.
	TileOrigin        *geo.LatLon
	NumLevels         int
	NumEmptyLevels    int
	InactiveLevels    []int
	TileWidth         int
	TileHeight        int
	CacheName         string
	ServiceURL        string
	Dataset           string
	FormatSuffix      string
	ExpiryTime        int64
	Projection        Projection
	SectorResolutions []SectorResolution
	Absent            AbsentOptions
}

func (p Params) validate() error {
	var missing []string
	if err := p.Sector.Validate(); err != nil {
		missing = append(missing, "sector")
	}
	if p.NumLevels < 1 {
		missing = append(missing, "num_levels")
	}
	if p.LevelZeroTileDelta.Lat <= 0 || p.LevelZeroTileDelta.Lon <= 0 {
		missing = append(missing, "level_zero_tile_delta")
	}
	if p.TileWidth < 1 || p.TileHeight < 1 {
		missing = append(missing, "tile_size")
	}
	if p.CacheName == "" {
		missing = append(missing, "cache_name")
	}
	if p.FormatSuffix == "" {
		missing = append(missing, "format_suffix")
	}
	switch p.Projection {
	case "", Geographic, Mercator:
	default:
		missing = append(missing, "projection")
	}
	for _, i := range p.InactiveLevels {
		if i < 0 || i >= p.NumLevels {
			missing = append(missing, "inactive_levels")
			break
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// LevelSet is the ordered pyramid of levels for one dataset.
type LevelSet struct {
	sector              geo.Sector
	levelZeroTileDelta  geo.LatLon
	tileOrigin          geo.LatLon
	projection          Projection
	levels              []*Level
	numLevelZeroColumns int
	sectorLevelLimits   []SectorResolution
}

func New(p Params) (*LevelSet, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Projection == "" {
		p.Projection = Geographic
	}
	origin := geo.DefaultTileOrigin
	if p.Projection == Mercator {
		origin = geo.LatLon{Lat: -mercatorSpan / 2, Lon: -180}
	}
	if p.TileOrigin != nil {
		origin = *p.TileOrigin
	}
	if p.Absent.MaxTries == 0 && p.Absent.MinCheckInterval == 0 {
		p.Absent = DefaultAbsentOptions()
	}

	ls := &LevelSet{
		sector:             p.Sector,
		levelZeroTileDelta: p.LevelZeroTileDelta,
		tileOrigin:         origin,
		projection:         p.Projection,
		levels:             make([]*Level, 0, p.NumLevels),
	}

	firstCol := geo.ComputeColumn(p.LevelZeroTileDelta.Lon, p.Sector.MinLon, origin.Lon)
	lastCol := geo.ComputeColumn(p.LevelZeroTileDelta.Lon, p.Sector.MaxLon, origin.Lon)
	ls.numLevelZeroColumns = max(1, lastCol-firstCol+1)

	for i := 0; i < p.NumLevels; i++ {
		name := ""
		if i >= p.NumEmptyLevels {
			name = strconv.Itoa(i - p.NumEmptyLevels)
		}
		scale := math.Pow(2, float64(i))
		delta := geo.LatLon{Lat: p.LevelZeroTileDelta.Lat / scale, Lon: p.LevelZeroTileDelta.Lon / scale}
		l := &Level{
			number:       i,
			name:         name,
			tileDelta:    delta,
			tileWidth:    p.TileWidth,
			tileHeight:   p.TileHeight,
			cacheName:    p.CacheName,
			service:      p.ServiceURL,
			dataset:      p.Dataset,
			formatSuffix: p.FormatSuffix,
			path:         p.CacheName + "/" + name,
			texelSize:    texelSize(delta, p.TileHeight),
			absent:       NewAbsentRegistry(p.Absent),
		}
		l.active.Store(true)
		l.expiryTime.Store(p.ExpiryTime)
		ls.levels = append(ls.levels, l)
	}
	for _, i := range p.InactiveLevels {
		ls.levels[i].SetActive(false)
	}

	if len(p.SectorResolutions) > 0 {
		limits := make([]SectorResolution, len(p.SectorResolutions))
		copy(limits, p.SectorResolutions)
		// finest limits first
		for i := 1; i < len(limits); i++ {
			for j := i; j > 0 && limits[j].Level > limits[j-1].Level; j-- {
				limits[j], limits[j-1] = limits[j-1], limits[j]
			}
		}
		ls.sectorLevelLimits = limits
	}
	return ls, nil
}

func (ls *LevelSet) Sector() geo.Sector             { return ls.sector }
func (ls *LevelSet) LevelZeroTileDelta() geo.LatLon { return ls.levelZeroTileDelta }
func (ls *LevelSet) TileOrigin() geo.LatLon         { return ls.tileOrigin }
func (ls *LevelSet) Projection() Projection         { return ls.projection }
func (ls *LevelSet) Levels() []*Level               { return ls.levels }
func (ls *LevelSet) NumLevels() int                 { return len(ls.levels) }
func (ls *LevelSet) NumLevelZeroColumns() int       { return ls.numLevelZeroColumns }
func (ls *LevelSet) FirstLevel() *Level             { return ls.levels[0] }
func (ls *LevelSet) LastLevel() *Level              { return ls.levels[len(ls.levels)-1] }

// Level returns nil when n is out of range.
func (ls *LevelSet) Level(n int) *Level {
	if n < 0 || n >= len(ls.levels) {
		return nil
	}
	return ls.levels[n]
}

func (ls *LevelSet) IsFinalLevel(n int) bool { return n == len(ls.levels)-1 }

func (ls *LevelSet) IsLevelEmpty(n int) bool { return ls.levels[n].IsEmpty() }

// LastLevelFor returns the finest level usable inside sector, honouring sector
// resolution limits. It returns nil when sector lies outside the level set.
func (ls *LevelSet) LastLevelFor(sector geo.Sector) *Level {
	if !ls.sector.Intersects(sector) {
		return nil
	}
	last := ls.LastLevel()
	for _, sr := range ls.sectorLevelLimits {
		if sr.Sector.Intersects(sector) && sr.Level <= last.Number() {
			return ls.Level(sr.Level)
		}
	}
	return last
}

// LastLevelAt is LastLevelFor for a single location.
func (ls *LevelSet) LastLevelAt(p geo.LatLon) *Level {
	last := ls.LastLevel()
	for _, sr := range ls.sectorLevelLimits {
		if sr.Sector.Contains(p) && sr.Level <= last.Number() {
			return ls.Level(sr.Level)
		}
	}
	return last
}

// NumColumnsInLevel is the number of tile columns spanning the set at level l.
func (ls *LevelSet) NumColumnsInLevel(l *Level) int64 {
	delta := l.Number() - ls.FirstLevel().Number()
	return int64(1<<uint(delta)) * int64(ls.numLevelZeroColumns)
}

// TileNumber identifies a tile within its level for the absent registry.
func (ls *LevelSet) TileNumber(l *Level, row, column int) int64 {
	if row < 0 {
		return -1
	}
	return int64(row)*ls.NumColumnsInLevel(l) + int64(column)
}

// IsResourceAbsent is true for empty or inactive levels and for tiles marked missing.
func (ls *LevelSet) IsResourceAbsent(levelNumber, row, column int) bool {
	l := ls.Level(levelNumber)
	if l == nil {
		return true
	}
	return l.IsEmpty() || !l.IsActive() || l.IsResourceAbsent(ls.TileNumber(l, row, column))
}

func (ls *LevelSet) MarkResourceAbsent(levelNumber, row, column int) {
	if l := ls.Level(levelNumber); l != nil {
		l.MarkResourceAbsent(ls.TileNumber(l, row, column))
	}
}

func (ls *LevelSet) UnmarkResourceAbsent(levelNumber, row, column int) {
	if l := ls.Level(levelNumber); l != nil {
		l.UnmarkResourceAbsent(ls.TileNumber(l, row, column))
	}
}

// SetExpiryTime applies t (unix ms) to every level.
func (ls *LevelSet) SetExpiryTime(t int64) {
	for _, l := range ls.levels {
		l.SetExpiryTime(t)
	}
}

func (ls *LevelSet) projectLat(lat float64) float64 {
	if ls.projection == Mercator {
		return geo.MercatorY(lat)
	}
	return lat
}

func (ls *LevelSet) unprojectLat(y float64) float64 {
	if ls.projection == Mercator {
		return geo.MercatorLatitude(y)
	}
	return y
}

// ComputeRow returns the row at level l containing lat.
func (ls *LevelSet) ComputeRow(l *Level, lat float64) int {
	delta := l.TileDelta().Lat
	row := geo.ComputeRow(delta, ls.projectLat(lat), ls.tileOrigin.Lat)
	if ls.projection == Mercator {
		maxRow := int(math.Ceil(mercatorSpan/delta)) - 1
		row = max(0, min(row, maxRow))
	}
	return row
}

func (ls *LevelSet) ComputeColumn(l *Level, lon float64) int {
	return geo.ComputeColumn(l.TileDelta().Lon, lon, ls.tileOrigin.Lon)
}

// TileSector returns the geographic bounds of (row, column) at level l.
func (ls *LevelSet) TileSector(l *Level, row, column int) geo.Sector {
	s := geo.TileSector(row, column, l.TileDelta(), ls.tileOrigin)
	if ls.projection == Mercator {
		s.MinLat = ls.unprojectLat(s.MinLat)
		s.MaxLat = ls.unprojectLat(s.MaxLat)
	}
	return s
}

// TileRange returns the rows and columns of level l intersecting sector.
func (ls *LevelSet) TileRange(l *Level, sector geo.Sector) geo.TileRange {
	return geo.TileRange{
		FirstRow: ls.ComputeRow(l, sector.MinLat),
		LastRow:  ls.ComputeRow(l, sector.MaxLat),
		FirstCol: ls.ComputeColumn(l, sector.MinLon),
		LastCol:  ls.ComputeColumn(l, sector.MaxLon),
	}
}

// TopLevelRange is the level zero tile range covering the whole set.
func (ls *LevelSet) TopLevelRange() geo.TileRange {
	return ls.TileRange(ls.FirstLevel(), ls.sector)
}

// CountTilesInSector sums the tiles covering sector over the non-empty levels up to
// and including maxLevel.
func (ls *LevelSet) CountTilesInSector(sector geo.Sector, maxLevel int) int64 {
	var count int64
	for i := 0; i <= maxLevel && i < len(ls.levels); i++ {
		l := ls.levels[i]
		if l.IsEmpty() {
			continue
		}
		count += ls.TileRange(l, sector).Count()
	}
	return count
}

// ComputeLevelForResolution returns the level number whose texel size best matches
// resolution (radians per texel). The first non-empty level at or below the
// resolution is compared against the next coarser non-empty level and the closer
// of the two wins.
func (ls *LevelSet) ComputeLevelForResolution(sector geo.Sector, resolution float64) int {
	target := ls.LastLevelFor(sector)
	if target == nil {
		target = ls.LastLevel()
	}
	for i := 0; i < target.Number(); i++ {
		l := ls.levels[i]
		if l.IsEmpty() {
			continue
		}
		if l.TexelSize() <= resolution {
			target = l
			break
		}
	}

	var prev *Level
	for i := target.Number() - 1; i >= 0; i-- {
		if !ls.levels[i].IsEmpty() {
			prev = ls.levels[i]
			break
		}
	}
	if prev != nil && math.Abs(prev.TexelSize()-resolution) < math.Abs(target.TexelSize()-resolution) {
		target = prev
	}
	return target.Number()
}
