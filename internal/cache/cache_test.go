package cache

import (
	"errors"
	"io/fs"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilestream/internal/geo"
	"tilestream/internal/level"
	"tilestream/internal/tile"
)

func newTestTile(t *testing.T, ls *level.LevelSet, row, col, payload int) *tile.Tile {
	t.Helper()
	l := ls.Level(3)
	tl := tile.New(ls.TileSector(l, row, col), l, row, col)
	if payload > 0 {
		tl.SetPayload(&tile.TexturePayload{Data: make([]byte, payload)})
	}
	return tl
}

func testLevelSet(t *testing.T) *level.LevelSet {
	t.Helper()
	ls, err := level.New(level.Params{
		Sector:             geo.FullSphere,
		LevelZeroTileDelta: geo.LatLon{Lat: 36, Lon: 36},
		NumLevels:          4,
		TileWidth:          256,
		TileHeight:         256,
		CacheName:          "cache/test",
		FormatSuffix:       ".png",
	})
	require.NoError(t, err)
	return ls
}

func TestMemoryCacheEvictsToLowWater(t *testing.T) {
	ls := testLevelSet(t)
	c := NewMemoryCache("evict", 10_000)
	require.Equal(t, int64(8500), c.LowWater())

	var evicted []tile.Key
	c.AddListener(func(key tile.Key, _ *tile.Tile) { evicted = append(evicted, key) })

	tiles := make([]*tile.Tile, 20)
	for i := range tiles {
		tiles[i] = newTestTile(t, ls, 1, i, 1000)
		require.True(t, c.Put(tiles[i].Key(), tiles[i]))
		require.LessOrEqual(t, c.SizeInBytes(), c.Capacity())
	}

	require.NotEmpty(t, evicted)
	// oldest first
	for i, k := range evicted {
		require.Equal(t, tiles[i].Key(), k)
	}
	require.False(t, c.Contains(tiles[0].Key()))
	require.True(t, c.Contains(tiles[19].Key()))
}

func TestMemoryCacheLRUOrder(t *testing.T) {
	ls := testLevelSet(t)
	a := newTestTile(t, ls, 0, 0, 1000)
	b := newTestTile(t, ls, 0, 1, 1000)
	size := a.SizeInBytes()

	// room for exactly three entries
	c := NewMemoryCache("lru", 3*size)
	c.SetLowWater(3*size - 1)
	require.True(t, c.Put(a.Key(), a))
	require.True(t, c.Put(b.Key(), b))
	d := newTestTile(t, ls, 0, 2, 1000)
	require.True(t, c.Put(d.Key(), d))

	// touch a so b becomes least recently used
	_, ok := c.Get(a.Key())
	require.True(t, ok)

	e := newTestTile(t, ls, 0, 3, 1000)
	require.True(t, c.Put(e.Key(), e))

	require.True(t, c.Contains(a.Key()))
	require.False(t, c.Contains(b.Key()))
	require.True(t, c.Contains(d.Key()))
	require.True(t, c.Contains(e.Key()))
}

func TestMemoryCacheRejectsOversize(t *testing.T) {
	ls := testLevelSet(t)
	c := NewMemoryCache("oversize", 500)
	big := newTestTile(t, ls, 0, 0, 1000)
	require.False(t, c.Put(big.Key(), big))
	require.Zero(t, c.Len())
}

func TestMemoryCacheReplaceReaccounts(t *testing.T) {
	ls := testLevelSet(t)
	c := NewMemoryCache("replace", 100_000)
	tl := newTestTile(t, ls, 0, 0, 0)
	require.True(t, c.Put(tl.Key(), tl))
	before := c.SizeInBytes()

	tl.SetPayload(&tile.TexturePayload{Data: make([]byte, 5000)})
	require.True(t, c.Put(tl.Key(), tl))
	require.Equal(t, before+5000, c.SizeInBytes())
	require.Equal(t, 1, c.Len())

	c.Remove(tl.Key())
	require.Zero(t, c.SizeInBytes())
	_, ok := c.Get(tl.Key())
	require.False(t, ok)
}

func TestMemoryCacheIndependentlyBuiltTilesHit(t *testing.T) {
	ls := testLevelSet(t)
	c := NewMemoryCache("identity", 100_000)
	a := newTestTile(t, ls, 5, 9, 10)
	require.True(t, c.Put(a.Key(), a))

	b := newTestTile(t, ls, 5, 9, 0)
	got, ok := c.Get(b.Key())
	require.True(t, ok)
	require.Same(t, a, got)
}

func TestMemoryCacheConcurrent(t *testing.T) {
	ls := testLevelSet(t)
	c := NewMemoryCache("concurrent", 50_000)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tl := newTestTile(t, ls, w, i, 500)
				c.Put(tl.Key(), tl)
				c.Get(tl.Key())
			}
		}(w)
	}
	wg.Wait()
	require.LessOrEqual(t, c.SizeInBytes(), c.Capacity())

	var total int64
	c.mu.Lock()
	for e := c.lruList.Front(); e != nil; e = e.Next() {
		total += e.Value.(*entry).size
	}
	c.mu.Unlock()
	require.Equal(t, c.SizeInBytes(), total)
}

func TestRegistrySharesCaches(t *testing.T) {
	r := NewRegistry()
	calls := 0
	factory := func() *MemoryCache {
		calls++
		return NewMemoryCache("shared", 1000)
	}
	a := r.Get("shared", factory)
	b := r.Get("shared", factory)
	require.Same(t, a, b)
	require.Equal(t, 1, calls)

	_, ok := r.Lookup("other")
	require.False(t, ok)
	r.Get("other", Factory("other", 10))
	require.Equal(t, []string{"other", "shared"}, r.Names())
}

func testStores(t *testing.T) map[string]FileStore {
	t.Helper()
	fsStore, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	boltStore, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })
	return map[string]FileStore{"file": fsStore, "bolt": boltStore}
}

func TestFileStores(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			p := "Earth/BMNG/2/5/5_7.jpg"
			_, ok := s.Find(p)
			require.False(t, ok)
			_, err := s.Read(p)
			require.True(t, errors.Is(err, fs.ErrNotExist))

			require.NoError(t, s.Write(p, []byte("tile-bytes")))
			mod, ok := s.Find(p)
			require.True(t, ok)
			require.False(t, mod.IsZero())

			data, err := s.Read(p)
			require.NoError(t, err)
			require.Equal(t, []byte("tile-bytes"), data)

			require.NoError(t, s.Remove(p))
			_, ok = s.Find(p)
			require.False(t, ok)
			require.NoError(t, s.Remove(p))
		})
	}
}

func TestFileStoreSizes(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Write("ds/0/0/0_0.jpg", make([]byte, 100)))
			require.NoError(t, s.Write("ds/0/0/0_1.jpg", make([]byte, 300)))
			require.NoError(t, s.Write("ds/0/1/1_0.jpg", make([]byte, 200)))
			require.NoError(t, s.Write("ds/0/2/2_0.jpg", make([]byte, 999)))

			sizes, err := s.FileSizes("ds/0", 2)
			require.NoError(t, err)
			require.ElementsMatch(t, []int64{100, 300, 200}, sizes)

			sizes, err = s.FileSizes("ds/9", 2)
			require.NoError(t, err)
			require.Empty(t, sizes)
		})
	}
}

func TestFileStoreRejectsEscapingPath(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, s.Write("../outside.jpg", []byte("x")), ErrInvalidPath)
			_, err := s.Read("")
			require.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestNewFileStore(t *testing.T) {
	log := zap.NewNop()
	s, err := NewFileStore("disabled", "", log)
	require.NoError(t, err)
	require.Equal(t, "disabled", s.Name())
	require.NoError(t, s.Write("a/b", []byte("x")))
	_, ok := s.Find("a/b")
	require.False(t, ok)

	s, err = NewFileStore("file", t.TempDir(), log)
	require.NoError(t, err)
	require.Equal(t, "file", s.Name())

	_, err = NewFileStore("s3", "", log)
	require.Error(t, err)
}
