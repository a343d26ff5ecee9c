package layer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilestream/internal/cache"
	"tilestream/internal/geo"
	"tilestream/internal/level"
	"tilestream/internal/lod"
	"tilestream/internal/metrics"
	"tilestream/internal/retrieve"
	"tilestream/internal/tile"
)

var jpeg = []byte("\xff\xd8\xff\xe0fake-jpeg-body")

type tileServer struct {
	*httptest.Server
	hits    atomic.Int32
	mu      sync.Mutex
	status  int
	missing map[string]bool
	gate    chan struct{}
	body    func(path string) (string, []byte)
}

func newTileServer(t *testing.T) *tileServer {
	s := &tileServer{missing: map[string]bool{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.mu.Lock()
		missing, gate, body, status := s.missing[r.URL.Path], s.gate, s.body, s.status
		s.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if missing {
			http.NotFound(w, r)
			return
		}
		if body != nil {
			ct, data := body(r.URL.Path)
			w.Header().Set("Content-Type", ct)
			w.Write(data)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(jpeg)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *tileServer) set(fn func(s *tileServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

type env struct {
	srv    *tileServer
	levels *level.LevelSet
	store  cache.FileStore
	caches *cache.Registry
	exec   *retrieve.Executor
	loader *retrieve.Loader
}

// newEnv builds a three level imagery set over the globe: 50, 200 and 800 tiles.
func newEnv(t *testing.T) *env {
	t.Helper()
	srv := newTileServer(t)
	store, err := cache.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)
	exec := retrieve.NewExecutor(retrieve.ExecutorOptions{PoolSize: 5, QueueSize: 100}, zap.NewNop())
	t.Cleanup(exec.Close)
	return &env{
		srv:    srv,
		levels: newLevels(t, srv.URL),
		store:  store,
		caches: cache.NewRegistry(),
		exec:   exec,
		loader: retrieve.NewLoader(retrieve.NewHTTPRetriever("tilestream-test")),
	}
}

func newLevels(t *testing.T, url string) *level.LevelSet {
	t.Helper()
	ls, err := level.New(level.Params{
		Sector:             geo.FullSphere,
		LevelZeroTileDelta: geo.LatLon{Lat: 36, Lon: 36},
		NumLevels:          3,
		TileWidth:          512,
		TileHeight:         512,
		CacheName:          "Earth/Test",
		ServiceURL:         url + "/{dataset}/{z}/{x}/{y}.jpg",
		Dataset:            "test",
		FormatSuffix:       ".jpg",
	})
	require.NoError(t, err)
	return ls
}

func (e *env) layer(t *testing.T, mutate ...func(*Options)) *TiledLayer {
	t.Helper()
	opts := Options{
		Name:      "test",
		LevelSet:  e.levels,
		Store:     e.store,
		Retriever: e.loader,
		Executor:  e.exec,
		Caches:    e.caches,
	}
	for _, m := range mutate {
		m(&opts)
	}
	l, err := NewTiledLayer(opts)
	require.NoError(t, err)
	return l
}

func (e *env) idle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return e.exec.Pending() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func viewAt(lat, lon, elevation float64) lod.View {
	return lod.View{
		Eye:    geo.Position{LatLon: geo.LatLon{Lat: lat, Lon: lon}, Elevation: elevation},
		Center: geo.LatLon{Lat: lat, Lon: lon},
	}
}

func TestSelectRequestsThenServesTopLevel(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t)
	v := viewAt(0, 0, 1e9)

	f := l.Select(v)
	require.Empty(t, f.Tiles)
	require.Equal(t, 50, f.Stats.Selected)
	require.Equal(t, 50, f.Requested)
	e.idle(t)

	f = l.Select(v)
	require.Len(t, f.Tiles, 50)
	require.Zero(t, f.Requested)
	for _, st := range f.Tiles {
		require.Nil(t, st.Fallback)
		require.Equal(t, tile.Identity, st.Transform)
		require.Equal(t, jpeg, st.Payload.(*tile.TexturePayload).Data)
	}
	require.Equal(t, int32(50), e.srv.hits.Load())

	// stored on the way through
	_, ok := e.store.Find(l.Tile(0, 2, 3).Path())
	require.True(t, ok)
}

func TestSelectSubstitutesResidentAncestor(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t, func(o *Options) { o.NetworkRetrievalDisabled = true })

	anc := l.Tile(0, 2, 1)
	anc.SetPayload(&tile.TexturePayload{Data: jpeg, Format: "jpg"})
	l.publish(anc)

	f := l.Select(viewAt(-8, -133, 10_000))
	require.Positive(t, f.Stats.Requested)

	var found bool
	for _, st := range f.Tiles {
		if st.Tile.Key() != tile.NewKey(2, 9, 5, "Earth/Test") {
			continue
		}
		found = true
		require.Same(t, anc, st.Fallback)
		require.Equal(t, tile.FallbackTransform{Scale: 4, OffsetS: 0.25, OffsetT: 0.25, LevelDelta: 2}, st.Transform)
		require.Equal(t, anc.Payload(), st.Payload)
		require.False(t, st.Tile.HasPayload())
	}
	require.True(t, found)
}

func TestAtMaxResolution(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t)
	require.True(t, l.AtMaxResolution(viewAt(-8, -133, 10_000)))
	require.False(t, l.AtMaxResolution(viewAt(-8, -133, 1e8)))

	ls, err := level.New(level.Params{
		Sector:             geo.Sector{MinLat: 0, MaxLat: 36, MinLon: 0, MaxLon: 36},
		LevelZeroTileDelta: geo.LatLon{Lat: 36, Lon: 36},
		NumLevels:          3,
		TileWidth:          512,
		TileHeight:         512,
		CacheName:          "Earth/Patch",
		ServiceURL:         e.srv.URL + "/{dataset}/{z}/{x}/{y}.jpg",
		Dataset:            "patch",
		FormatSuffix:       ".jpg",
	})
	require.NoError(t, err)
	e.levels = ls
	patch := e.layer(t)
	require.True(t, patch.AtMaxResolution(viewAt(-8, -133, 1e8)))
	require.False(t, patch.AtMaxResolution(viewAt(18, 18, 1e8)))
}

func TestNotFoundMarksAbsent(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t)
	e.srv.set(func(s *tileServer) { s.missing["/test/1/3/2.jpg"] = true })

	tl := l.Tile(1, 2, 3)
	err := l.load(context.Background(), tl)
	require.ErrorIs(t, err, retrieve.ErrNotFound)
	require.True(t, e.levels.IsResourceAbsent(1, 2, 3))

	require.ErrorIs(t, l.load(context.Background(), tl), ErrAbsent)
	require.Equal(t, int32(1), e.srv.hits.Load())
}

func TestTransientFailureChangesNothing(t *testing.T) {
	e := newEnv(t)
	e.srv.set(func(s *tileServer) { s.status = http.StatusServiceUnavailable })
	l := e.layer(t)

	err := l.load(context.Background(), l.Tile(1, 2, 3))
	require.ErrorIs(t, err, retrieve.ErrTransient)
	require.False(t, e.levels.IsResourceAbsent(1, 2, 3))
}

func TestCorruptLocalTileIsDiscarded(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t)
	tl := l.Tile(1, 4, 4)
	require.NoError(t, e.store.Write(tl.Path(), []byte("<html>not an image</html>")))

	err := l.load(context.Background(), tl)
	require.ErrorIs(t, err, ErrCorruptLocal)
	_, ok := e.store.Find(tl.Path())
	require.False(t, ok)
	require.True(t, e.levels.IsResourceAbsent(1, 4, 4))
	require.Zero(t, e.srv.hits.Load())
}

func TestLocalTileLoadsWithoutNetwork(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t)
	tl := l.Tile(1, 4, 4)
	require.NoError(t, e.store.Write(tl.Path(), jpeg))

	require.NoError(t, l.load(context.Background(), tl))
	require.True(t, tl.HasPayload())
	require.Zero(t, e.srv.hits.Load())
	require.Same(t, tl, l.Tile(1, 4, 4))
}

func TestExpiredLocalTileIsRefetched(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t)
	tl := l.Tile(1, 4, 4)
	require.NoError(t, e.store.Write(tl.Path(), []byte("\xff\xd8\xff\xe0stale")))
	e.levels.SetExpiryTime(time.Now().Add(time.Hour).UnixMilli())

	require.NoError(t, l.load(context.Background(), tl))
	require.Equal(t, jpeg, tl.Payload().(*tile.TexturePayload).Data)
	require.Equal(t, int32(1), e.srv.hits.Load())
}

func TestOfflineLayerDoesNotFetch(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t, func(o *Options) { o.NetworkRetrievalDisabled = true })
	err := l.load(context.Background(), l.Tile(1, 1, 1))
	require.ErrorIs(t, err, ErrOffline)
	require.False(t, e.levels.IsResourceAbsent(1, 1, 1))
	require.Zero(t, e.srv.hits.Load())
}

func TestLayersSharingACacheFetchOnce(t *testing.T) {
	e := newEnv(t)
	gate := make(chan struct{})
	e.srv.set(func(s *tileServer) { s.gate = gate })
	a, b := e.layer(t), e.layer(t)
	require.Same(t, a.Cache(), b.Cache())

	var wg sync.WaitGroup
	for _, l := range []*TiledLayer{a, b} {
		wg.Add(1)
		go func(l *TiledLayer) {
			defer wg.Done()
			l.load(context.Background(), l.Tile(2, 1, 1))
		}(l)
	}
	require.Eventually(t, func() bool { return e.srv.hits.Load() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.Equal(t, int32(1), e.srv.hits.Load())
	require.True(t, a.Tile(2, 1, 1).HasPayload())
	require.True(t, b.Tile(2, 1, 1).HasPayload())
}

func TestExecutorDedupesAcrossLayers(t *testing.T) {
	e := newEnv(t)
	gate := make(chan struct{})
	e.srv.set(func(s *tileServer) { s.gate = gate })
	a, b := e.layer(t), e.layer(t)
	v := viewAt(0, 0, 1e9)

	require.Equal(t, 50, a.Select(v).Requested)
	require.Zero(t, b.Select(v).Requested)
	close(gate)
	e.idle(t)
	require.Equal(t, int32(50), e.srv.hits.Load())
}

func TestRetainedLevelZeroSurvivesEviction(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t, func(o *Options) {
		o.RetainLevelZeroTiles = true
		o.CacheCapacity = 1000
	})
	tl := l.Tile(0, 0, 0)
	tl.SetPayload(&tile.TexturePayload{Data: make([]byte, 5000)})
	l.publish(tl)
	l.Cache().Clear()
	require.Same(t, tl, l.Tile(0, 0, 0))
}

func TestForceLevelZeroLoads(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t, func(o *Options) {
		o.ForceLevelZeroLoads = true
		o.NetworkRetrievalDisabled = true
	})
	for row := 0; row < 5; row++ {
		for col := 0; col < 10; col++ {
			require.NoError(t, e.store.Write(l.Tile(0, row, col).Path(), jpeg))
		}
	}
	f := l.Select(viewAt(0, 0, 1e9))
	require.Len(t, f.Tiles, 50)
	require.Zero(t, f.Requested)
}

func TestTilesInSector(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t)
	tiles := l.TilesInSector(geo.SectorFromDegrees(-89, -19, -179, -145), 1)
	require.Len(t, tiles, 8)
	require.Equal(t, tile.NewKey(1, 0, 0, "Earth/Test"), tiles[0].Key())
	require.Equal(t, tile.NewKey(1, 0, 1, "Earth/Test"), tiles[1].Key())
	require.Equal(t, tile.NewKey(1, 1, 0, "Earth/Test"), tiles[2].Key())
	require.Equal(t, int64(2+8), l.CountTilesInSector(geo.SectorFromDegrees(-89, -19, -179, -145), 1))

	require.Nil(t, l.Tile(9, 0, 0))
	require.Nil(t, l.Tile(0, 0, 10))
}

func TestOptionsValidation(t *testing.T) {
	_, err := NewTiledLayer(Options{Name: "broken"})
	require.ErrorIs(t, err, level.ErrConfiguration)
	require.Contains(t, err.Error(), "LevelSet")
}

func TestDecodeTexture(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t)
	tl := l.Tile(0, 0, 0)

	_, err := decodeTexture(tl, nil)
	require.Error(t, err)
	_, err = decodeTexture(tl, []byte("\x89PNG\r\n\x1a\n...."))
	require.Error(t, err)
	p, err := decodeTexture(tl, jpeg)
	require.NoError(t, err)
	require.Equal(t, "jpg", p.(*tile.TexturePayload).Format)
}

func TestPlaceNameLayer(t *testing.T) {
	e := newEnv(t)
	e.srv.set(func(s *tileServer) {
		s.body = func(path string) (string, []byte) {
			return "text/plain", []byte(fmt.Sprintf("{\"name\":%q,\"lat\":1,\"lon\":2}\n\n{\"name\":\"b\",\"lat\":3,\"lon\":4}\n", path))
		}
	})
	ls, err := level.New(level.Params{
		Sector:             geo.FullSphere,
		LevelZeroTileDelta: geo.LatLon{Lat: 36, Lon: 36},
		NumLevels:          1,
		TileWidth:          1,
		TileHeight:         1,
		CacheName:          "Earth/Places",
		ServiceURL:         e.srv.URL + "/places/{z}/{x}/{y}",
		Dataset:            "places",
		FormatSuffix:       ".jsonl",
	})
	require.NoError(t, err)
	l, err := NewPlaceNameLayer(Options{
		LevelSet:  ls,
		Store:     e.store,
		Retriever: e.loader,
		Executor:  e.exec,
		Caches:    e.caches,
	}, lod.DistanceBand{Max: 2e6})
	require.NoError(t, err)
	require.Equal(t, "places", l.Name())

	far := l.Select(viewAt(0, 0, 1e8))
	require.Empty(t, far.Tiles)
	require.Equal(t, 50, far.Stats.Invisible)

	v := viewAt(1, 2, 1e6)
	f := l.Select(v)
	require.Positive(t, f.Requested)
	e.idle(t)

	f = l.Select(v)
	require.NotEmpty(t, f.Tiles)
	names := Names(f)
	require.Len(t, names, 2*len(f.Tiles))
	require.True(t, strings.HasPrefix(names[0].Name, "/places/0/"))
	require.Equal(t, geo.LatLon{Lat: 3, Lon: 4}, names[1].Location)

	_, ok := e.caches.Lookup(PlaceNameCacheName)
	require.True(t, ok)
}

func TestDecodePlaceNamesRejectsGarbage(t *testing.T) {
	_, err := decodePlaceNames(nil, []byte("{\"name\":\"ok\"}\nnot json\n"))
	require.ErrorContains(t, err, "line 2")
	p, err := decodePlaceNames(nil, nil)
	require.NoError(t, err)
	require.Empty(t, p.(*tile.NavigationPayload).Names)
}

func TestLookup(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t)

	_, err := l.Lookup(5, 0, 0)
	require.ErrorIs(t, err, ErrNoSuchTile)
	_, err = l.Lookup(0, 0, 10)
	require.ErrorIs(t, err, ErrNoSuchTile)
	require.NotNil(t, l.Tile(0, 4, 0))
	require.Nil(t, l.Tile(0, 5, 0))
	_, err = l.Lookup(0, 5, 0)
	require.ErrorIs(t, err, ErrNoSuchTile)
	require.Nil(t, l.Tile(1, 10, 0))
	require.Zero(t, e.exec.Pending())
	require.Zero(t, e.srv.hits.Load())

	t.Run("stored", func(t *testing.T) {
		require.NoError(t, e.store.Write(l.Tile(1, 3, 3).Path(), jpeg))
		st, err := l.Lookup(1, 3, 3)
		require.NoError(t, err)
		require.Nil(t, st.Fallback)
		require.Equal(t, jpeg, st.Payload.(*tile.TexturePayload).Data)
		require.True(t, l.Tile(1, 3, 3).HasPayload())
	})

	t.Run("pending then fetched", func(t *testing.T) {
		_, err := l.Lookup(1, 7, 7)
		require.ErrorIs(t, err, ErrPending)
		e.idle(t)
		st, err := l.Lookup(1, 7, 7)
		require.NoError(t, err)
		require.Nil(t, st.Fallback)
	})

	t.Run("ancestor", func(t *testing.T) {
		gate := make(chan struct{})
		e.srv.set(func(s *tileServer) { s.gate = gate })
		defer close(gate)
		require.NoError(t, e.store.Write(l.Tile(0, 2, 1).Path(), jpeg))

		st, err := l.Lookup(2, 9, 5)
		require.NoError(t, err)
		require.Equal(t, tile.NewKey(0, 2, 1, "Earth/Test"), st.Fallback.Key())
		require.Equal(t, tile.FallbackTransform{Scale: 4, OffsetS: 0.25, OffsetT: 0.25, LevelDelta: 2}, st.Transform)
		require.True(t, e.exec.Contains(tile.NewKey(2, 9, 5, "Earth/Test")))
	})

	t.Run("absent", func(t *testing.T) {
		e.levels.MarkResourceAbsent(2, 0, 0)
		_, err := l.Lookup(2, 0, 0)
		require.ErrorIs(t, err, ErrAbsent)
	})
}

func storedBytes(t *testing.T, store string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.StoreBytesWritten.WithLabelValues(store).Write(&m))
	return m.GetCounter().GetValue()
}

func TestFetchCountsStoredBytesOnce(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t)
	before := storedBytes(t, e.store.Name())

	_, err := l.Lookup(2, 4, 4)
	require.ErrorIs(t, err, ErrPending)
	e.idle(t)
	_, ok := e.store.Find(l.Tile(2, 4, 4).Path())
	require.True(t, ok)
	require.Equal(t, float64(len(jpeg)), storedBytes(t, e.store.Name())-before)
}

func TestLookupOffline(t *testing.T) {
	e := newEnv(t)
	l := e.layer(t, func(o *Options) { o.NetworkRetrievalDisabled = true })
	_, err := l.Lookup(1, 1, 1)
	require.ErrorIs(t, err, ErrOffline)
	require.Zero(t, e.exec.Pending())
}
