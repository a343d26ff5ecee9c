// Package bulk downloads every missing tile of a region into a layer's file store,
// throttled by the shared retrieval executor's capacity.
package bulk

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/montanaflynn/stats"

	"tilestream/internal/cache"
	"tilestream/internal/geo"
	"tilestream/internal/level"
	"tilestream/internal/retrieve"
	"tilestream/internal/tile"
)

const (
	// MaxTilesPerRegion bounds the tiles held in memory per fetch wave.
	MaxTilesPerRegion = 200
	// MaxTilesPerSample bounds each random region sampled by the estimate.
	MaxTilesPerSample = 36
	// DefaultAverageTileSize is assumed until tiles of the source are on disk.
	DefaultAverageTileSize = 350_000

	runSamples      = 20
	estimateSamples = 6
	averageSizeDirs = 2
)

// Source is a layer that can be bulk downloaded.
type Source interface {
	Name() string
	LevelSet() *level.LevelSet
	Store() cache.FileStore
	Submitter() retrieve.Submitter
	// IsLocal reports a fresh copy of t in the store.
	IsLocal(t *tile.Tile) bool
	// Download fetches t into the store.
	Download(ctx context.Context, t *tile.Tile) error
}

var averageSizes sync.Map // Source -> int64

// AverageTileSize averages the stored tile files in up to two row directories of the
// first non-empty level. The result is remembered per source once data exists.
func AverageTileSize(src Source) int64 {
	if v, ok := averageSizes.Load(src); ok {
		return v.(int64)
	}
	ls := src.LevelSet()
	target := ls.FirstLevel()
	for target.IsEmpty() && target != ls.LastLevel() {
		target = ls.Level(target.Number() + 1)
	}

	sizes, err := src.Store().FileSizes(target.Path(), averageSizeDirs)
	if err != nil || len(sizes) == 0 {
		return DefaultAverageTileSize
	}
	data := make(stats.Float64Data, len(sizes))
	for i, s := range sizes {
		data[i] = float64(s)
	}
	mean, err := stats.Mean(data)
	if err != nil || mean <= 0 {
		return DefaultAverageTileSize
	}
	avg := int64(mean)
	averageSizes.Store(src, avg)
	return avg
}

// EstimateMissingDataSize estimates the bytes still to download for sector at
// resolution, sampling a few random regions of the target level.
func EstimateMissingDataSize(src Source, sector geo.Sector, resolution float64) int64 {
	e := newEstimator(context.Background(), src, sector, resolution, nil)
	missing, err := e.estimateMissingTiles(estimateSamples)
	if err != nil {
		return 0
	}
	return missing * AverageTileSize(src)
}

type estimator struct {
	ctx    context.Context
	src    Source
	levels *level.LevelSet
	sector geo.Sector
	level  int
	rand   *rand.Rand
}

func newEstimator(ctx context.Context, src Source, sector geo.Sector, resolution float64, r *rand.Rand) *estimator {
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	ls := src.LevelSet()
	return &estimator{
		ctx:    ctx,
		src:    src,
		levels: ls,
		sector: sector,
		level:  ls.ComputeLevelForResolution(sector, resolution),
		rand:   r,
	}
}

// countTiles is the number of tiles of levelNumber covering s.
func (e *estimator) countTiles(s geo.Sector, levelNumber int) int64 {
	l := e.levels.Level(levelNumber)
	inter, ok := e.levels.Sector().Intersection(s)
	if l == nil || !ok {
		return 0
	}
	return e.levels.TileRange(l, inter).Count()
}

// missingTiles lists the tiles of levelNumber in s that are neither absent nor stored.
func (e *estimator) missingTiles(s geo.Sector, levelNumber int) ([]*tile.Tile, error) {
	l := e.levels.Level(levelNumber)
	inter, ok := e.levels.Sector().Intersection(s)
	if l == nil || !ok {
		return nil, nil
	}
	r := e.levels.TileRange(l, inter)
	var out []*tile.Tile
	for row := r.FirstRow; row <= r.LastRow; row++ {
		for col := r.FirstCol; col <= r.LastCol; col++ {
			if err := e.ctx.Err(); err != nil {
				return nil, err
			}
			if e.levels.IsResourceAbsent(levelNumber, row, col) {
				continue
			}
			t := tile.New(e.levels.TileSector(l, row, col), l, row, col)
			if e.src.IsLocal(t) {
				continue
			}
			out = append(out, t)
		}
	}
	return out, nil
}

// regionDivisions splits s so that each region holds at most maxCount tiles of levelNumber.
func (e *estimator) regionDivisions(s geo.Sector, levelNumber int, maxCount int64) int {
	count := e.countTiles(s, levelNumber)
	if count <= maxCount {
		return 1
	}
	return int(math.Ceil(math.Sqrt(float64(count) / float64(maxCount))))
}

// randomRegions picks n distinct cells of a div x div grid over s, or every cell when
// the grid has fewer than n.
func (e *estimator) randomRegions(s geo.Sector, div, n int) []geo.Sector {
	if n > div*div {
		return s.SubdivideN(div)
	}
	seen := make(map[[2]int]bool, n)
	out := make([]geo.Sector, 0, n)
	for len(out) < n {
		row, col := e.rand.IntN(div), e.rand.IntN(div)
		if seen[[2]int{row, col}] {
			continue
		}
		seen[[2]int{row, col}] = true
		out = append(out, s.Cell(row, col, div))
	}
	return out
}

// estimateMissingTiles extrapolates the missing fraction of sampled regions at the
// target level to every non-empty level up to it.
func (e *estimator) estimateMissingTiles(samples int) (int64, error) {
	total := e.levels.CountTilesInSector(e.sector, e.level)

	div := e.regionDivisions(e.sector, e.level, MaxTilesPerSample)
	regions := e.randomRegions(e.sector, div, samples)
	if len(regions) < samples {
		regions = []geo.Sector{e.sector}
	}

	counts := make(stats.Float64Data, 0, len(regions))
	missing := make(stats.Float64Data, 0, len(regions))
	for _, r := range regions {
		m, err := e.missingTiles(r, e.level)
		if err != nil {
			return 0, err
		}
		counts = append(counts, float64(e.countTiles(r, e.level)))
		missing = append(missing, float64(len(m)))
	}

	sumCount, _ := stats.Sum(counts)
	sumMissing, _ := stats.Sum(missing)
	return extrapolate(total, sumMissing, sumCount), nil
}

func extrapolate(total int64, missing, sampled float64) int64 {
	if sampled <= 0 {
		return 0
	}
	return int64(float64(total) * (missing / sampled))
}
