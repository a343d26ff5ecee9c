package level

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tilestream/internal/geo"
)

func testParams() Params {
	return Params{
		Sector:             geo.FullSphere,
		LevelZeroTileDelta: geo.LatLon{Lat: 36, Lon: 36},
		NumLevels:          5,
		NumEmptyLevels:     1,
		TileWidth:          512,
		TileHeight:         512,
		CacheName:          "Earth/BMNG",
		ServiceURL:         "http://tiles.example.com/wms",
		Dataset:            "bmng",
		FormatSuffix:       ".jpg",
	}
}

func TestNewLevelSet(t *testing.T) {
	ls, err := New(testParams())
	require.NoError(t, err)
	require.Equal(t, 5, ls.NumLevels())
	require.Equal(t, 10, ls.NumLevelZeroColumns())
	require.Equal(t, geo.DefaultTileOrigin, ls.TileOrigin())

	require.True(t, ls.Level(0).IsEmpty())
	require.Equal(t, "Earth/BMNG/", ls.Level(0).Path())
	require.Equal(t, "0", ls.Level(1).Name())
	require.Equal(t, "Earth/BMNG/3", ls.Level(4).Path())
	require.Equal(t, geo.LatLon{Lat: 4.5, Lon: 4.5}, ls.Level(3).TileDelta())
	require.InDelta(t, 4.5*math.Pi/180/512, ls.Level(3).TexelSize(), 1e-15)
	require.True(t, ls.IsFinalLevel(4))
	require.Nil(t, ls.Level(5))
}

func TestNewLevelSetRejectsMissingParams(t *testing.T) {
	p := testParams()
	p.CacheName = ""
	p.NumLevels = 0
	_, err := New(p)
	require.ErrorIs(t, err, ErrConfiguration)
	require.Contains(t, err.Error(), "cache_name")
	require.Contains(t, err.Error(), "num_levels")

	p = testParams()
	p.InactiveLevels = []int{9}
	_, err = New(p)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestTileNumberAndAbsence(t *testing.T) {
	ls, err := New(testParams())
	require.NoError(t, err)

	l := ls.Level(2)
	require.Equal(t, int64(40), ls.NumColumnsInLevel(l))
	require.Equal(t, int64(3*40+7), ls.TileNumber(l, 3, 7))
	require.Equal(t, int64(-1), ls.TileNumber(l, -1, 7))

	// empty level is always absent
	require.True(t, ls.IsResourceAbsent(0, 0, 0))

	require.False(t, ls.IsResourceAbsent(2, 1, 1))
	ls.MarkResourceAbsent(2, 1, 1)
	require.True(t, ls.IsResourceAbsent(2, 1, 1))
	require.False(t, ls.IsResourceAbsent(2, 1, 2))
	ls.UnmarkResourceAbsent(2, 1, 1)
	require.False(t, ls.IsResourceAbsent(2, 1, 1))
}

func TestInactiveLevelIsAbsent(t *testing.T) {
	p := testParams()
	p.InactiveLevels = []int{3}
	ls, err := New(p)
	require.NoError(t, err)
	require.False(t, ls.Level(3).IsActive())
	require.True(t, ls.IsResourceAbsent(3, 0, 0))
}

func TestAbsentRegistryTries(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewAbsentRegistry(AbsentOptions{MaxTries: 3, MinCheckInterval: 10 * time.Second})
	r.now = func() time.Time { return now }

	r.MarkAbsent(7)
	require.True(t, r.IsAbsent(7), "recent mark holds within check interval")

	now = now.Add(11 * time.Second)
	require.False(t, r.IsAbsent(7), "one try lapses after the check interval")

	r.MarkAbsent(7)
	r.MarkAbsent(7)
	now = now.Add(time.Hour)
	require.True(t, r.IsAbsent(7), "max tries reached")
	require.Equal(t, 1, r.Len())

	r.UnmarkAbsent(7)
	require.False(t, r.IsAbsent(7))
}

func TestAbsentRegistryTryAgainInterval(t *testing.T) {
	r := NewAbsentRegistry(AbsentOptions{MaxTries: 1, TryAgainInterval: 20 * time.Millisecond})
	r.MarkAbsent(1)
	require.True(t, r.IsAbsent(1))
	require.Eventually(t, func() bool { return !r.IsAbsent(1) }, time.Second, 5*time.Millisecond)
}

func TestIsExpired(t *testing.T) {
	require.False(t, IsExpired(0, 100))
	require.False(t, IsExpired(100, 0))
	require.True(t, IsExpired(50, 100))
	require.False(t, IsExpired(150, 100))
}

func TestSetExpiryTimePropagates(t *testing.T) {
	ls, err := New(testParams())
	require.NoError(t, err)
	ls.SetExpiryTime(1234)
	for _, l := range ls.Levels() {
		require.Equal(t, int64(1234), l.ExpiryTime())
		require.True(t, l.IsExpired(1000))
	}
}

func TestSectorResolutionLimits(t *testing.T) {
	p := testParams()
	p.SectorResolutions = []SectorResolution{
		{Sector: geo.SectorFromDegrees(0, 10, 0, 10), Level: 2},
		{Sector: geo.SectorFromDegrees(0, 20, 0, 20), Level: 3},
	}
	ls, err := New(p)
	require.NoError(t, err)
	require.Equal(t, 3, ls.LastLevelFor(geo.SectorFromDegrees(15, 16, 15, 16)).Number())
	// limits are checked finest first
	require.Equal(t, 3, ls.LastLevelFor(geo.SectorFromDegrees(5, 6, 5, 6)).Number())
	require.Equal(t, 4, ls.LastLevelFor(geo.SectorFromDegrees(-50, -40, -50, -40)).Number())
	require.Equal(t, 3, ls.LastLevelAt(geo.LatLon{Lat: 5, Lon: 5}).Number())
	require.Equal(t, 4, ls.LastLevelAt(geo.LatLon{Lat: 45, Lon: 45}).Number())
}

func TestComputeLevelForResolution(t *testing.T) {
	ls, err := New(testParams())
	require.NoError(t, err)

	// exactly matches level 3
	require.Equal(t, 3, ls.ComputeLevelForResolution(geo.FullSphere, ls.Level(3).TexelSize()))
	// finer than anything available
	require.Equal(t, 4, ls.ComputeLevelForResolution(geo.FullSphere, 1e-12))
	// just coarser than level 3 picks the closer coarser level
	res := ls.Level(2).TexelSize() * 0.95
	require.Equal(t, 2, ls.ComputeLevelForResolution(geo.FullSphere, res))
}

func TestCountTilesInSector(t *testing.T) {
	ls, err := New(testParams())
	require.NoError(t, err)
	// level 0 is empty; level 1 has 20x10 tiles, level 2 has 40x20
	require.Equal(t, int64(200+800), ls.CountTilesInSector(geo.FullSphere, 2))
}

func TestMercatorRows(t *testing.T) {
	p := testParams()
	p.Projection = Mercator
	p.Sector = geo.SectorFromDegrees(-geo.MaxMercatorLatitude, geo.MaxMercatorLatitude, -180, 180)
	p.LevelZeroTileDelta = geo.LatLon{Lat: 360, Lon: 360}
	p.NumEmptyLevels = 0
	ls, err := New(p)
	require.NoError(t, err)

	l1 := ls.Level(1)
	require.Equal(t, 0, ls.ComputeRow(l1, -30))
	require.Equal(t, 1, ls.ComputeRow(l1, 30))
	require.Equal(t, 1, ls.ComputeRow(l1, geo.MaxMercatorLatitude))

	s := ls.TileSector(l1, 1, 1)
	require.InDelta(t, 0, s.MinLat, 1e-9)
	require.InDelta(t, geo.MaxMercatorLatitude, s.MaxLat, 1e-6)
	require.Equal(t, int64(1), ls.TopLevelRange().Count())
}
