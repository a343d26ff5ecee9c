package retrieve

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tilestream/internal/geo"
	"tilestream/internal/level"
	"tilestream/internal/tile"
)

type funcTask struct {
	key      tile.Key
	priority float64
	run      func(ctx context.Context)
}

func (t *funcTask) Key() tile.Key           { return t.key }
func (t *funcTask) Priority() float64       { return t.priority }
func (t *funcTask) Run(ctx context.Context) { t.run(ctx) }

func key(col int) tile.Key { return tile.NewKey(3, 1, col, "test") }

func TestExecutorPriorityOrder(t *testing.T) {
	e := NewExecutor(ExecutorOptions{PoolSize: 1, QueueSize: 10}, zap.NewNop())
	defer e.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, e.Submit(&funcTask{key: key(0), run: func(context.Context) {
		close(started)
		<-release
	}}))
	<-started

	var mu sync.Mutex
	var order []float64
	var wg sync.WaitGroup
	for i, p := range []float64{3, 1, 2} {
		wg.Add(1)
		require.True(t, e.Submit(&funcTask{key: key(i + 1), priority: p, run: func(context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
		}}))
	}
	close(release)
	wg.Wait()
	require.Equal(t, []float64{1, 2, 3}, order)
}

func TestExecutorDedupesQueuedAndActive(t *testing.T) {
	e := NewExecutor(ExecutorOptions{PoolSize: 1, QueueSize: 10}, zap.NewNop())
	defer e.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	block := &funcTask{key: key(0), run: func(context.Context) {
		close(started)
		<-release
	}}
	require.True(t, e.Submit(block))
	<-started

	// running
	require.False(t, e.Submit(&funcTask{key: key(0), run: func(context.Context) {}}))
	require.True(t, e.Contains(key(0)))

	// queued
	require.True(t, e.Submit(&funcTask{key: key(1), run: func(context.Context) {}}))
	require.False(t, e.Submit(&funcTask{key: key(1), run: func(context.Context) {}}))
	require.Equal(t, 2, e.Pending())

	close(release)
	require.Eventually(t, func() bool { return e.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.False(t, e.Contains(key(0)))
}

func TestExecutorQueueCapacity(t *testing.T) {
	e := NewExecutor(ExecutorOptions{PoolSize: 1, QueueSize: 2}, zap.NewNop())
	defer e.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, e.Submit(&funcTask{key: key(0), run: func(context.Context) {
		close(started)
		<-release
	}}))
	<-started

	noop := func(context.Context) {}
	require.True(t, e.IsAvailable())
	require.True(t, e.Submit(&funcTask{key: key(1), run: noop}))
	require.True(t, e.Submit(&funcTask{key: key(2), run: noop}))
	require.False(t, e.IsAvailable())
	require.False(t, e.Submit(&funcTask{key: key(3), run: noop}))
	close(release)
}

func TestExecutorDropsStaleTasks(t *testing.T) {
	e := NewExecutor(ExecutorOptions{PoolSize: 1, QueueSize: 10, StaleRequestLimit: 20 * time.Millisecond}, zap.NewNop())
	defer e.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	require.True(t, e.Submit(&funcTask{key: key(0), run: func(context.Context) {
		close(started)
		<-release
	}}))
	<-started

	var ran atomic.Bool
	require.True(t, e.Submit(&funcTask{key: key(1), run: func(context.Context) { ran.Store(true) }}))
	time.Sleep(60 * time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return e.Pending() == 0 }, time.Second, 5*time.Millisecond)
	require.False(t, ran.Load())
}

func TestExecutorRecoversPanics(t *testing.T) {
	e := NewExecutor(ExecutorOptions{PoolSize: 1, QueueSize: 10}, zap.NewNop())
	defer e.Close()

	require.True(t, e.Submit(&funcTask{key: key(0), run: func(context.Context) { panic("boom") }}))
	done := make(chan struct{})
	require.True(t, e.Submit(&funcTask{key: key(1), run: func(context.Context) { close(done) }}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestExecutorCloseRejects(t *testing.T) {
	e := NewExecutor(DefaultExecutorOptions(), zap.NewNop())
	e.Close()
	require.False(t, e.IsAvailable())
	require.False(t, e.Submit(&funcTask{key: key(0), run: func(context.Context) {}}))
	e.Close()
}

func TestHTTPRetrieverClassifies(t *testing.T) {
	var zipBody bytes.Buffer
	zw := zip.NewWriter(&zipBody)
	w, err := zw.Create("tile.dds")
	require.NoError(t, err)
	_, err = w.Write([]byte("packed"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>error</html>"))
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
	})
	mux.HandleFunc("/zip", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(zipBody.Bytes())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewHTTPRetriever("tilestream-test")
	ctx := context.Background()

	data, err := r.Fetch(ctx, Request{URL: srv.URL + "/ok"})
	require.NoError(t, err)
	require.Equal(t, []byte("jpeg"), data)

	_, err = r.Fetch(ctx, Request{URL: srv.URL + "/missing"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = r.Fetch(ctx, Request{URL: srv.URL + "/broken"})
	require.ErrorIs(t, err, ErrTransient)

	_, err = r.Fetch(ctx, Request{URL: srv.URL + "/html"})
	require.ErrorIs(t, err, ErrNotFound)

	data, err = r.Fetch(ctx, Request{URL: srv.URL + "/html", AllowText: true})
	require.NoError(t, err)
	require.Contains(t, string(data), "error")

	_, err = r.Fetch(ctx, Request{URL: srv.URL + "/empty"})
	require.ErrorIs(t, err, ErrMalformed)
	data, err = r.Fetch(ctx, Request{URL: srv.URL + "/empty", AllowText: true})
	require.NoError(t, err)
	require.Empty(t, data)

	data, err = r.Fetch(ctx, Request{URL: srv.URL + "/zip", PackagedEntry: true})
	require.NoError(t, err)
	require.Equal(t, []byte("packed"), data)

	_, err = r.Fetch(ctx, Request{URL: srv.URL + "/ok", PackagedEntry: true})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestHTTPRetrieverUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPRetriever("").Fetch(context.Background(), Request{URL: url, ConnectTimeout: 200 * time.Millisecond})
	require.ErrorIs(t, err, ErrTransient)
}

type countingRetriever struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingRetriever) Fetch(ctx context.Context, req Request) ([]byte, error) {
	c.calls.Add(1)
	<-c.release
	return []byte(req.URL), nil
}

func TestLoaderCollapsesConcurrentFetches(t *testing.T) {
	inner := &countingRetriever{release: make(chan struct{})}
	l := NewLoader(inner)

	var wg sync.WaitGroup
	results := make([][]byte, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.Fetch(context.Background(), Request{URL: "http://x/tile"})
		}(i)
	}
	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	require.Equal(t, int32(1), inner.calls.Load())
	for i, r := range results {
		require.NoError(t, errs[i])
		require.Equal(t, []byte("http://x/tile"), r)
	}
}

func TestURLBuilders(t *testing.T) {
	ls, err := level.New(level.Params{
		Sector:             geo.FullSphere,
		LevelZeroTileDelta: geo.LatLon{Lat: 36, Lon: 36},
		NumLevels:          4,
		NumEmptyLevels:     1,
		TileWidth:          512,
		TileHeight:         512,
		CacheName:          "Earth/BMNG",
		ServiceURL:         "http://worldwind25.arc.nasa.gov/tile/tile.aspx",
		Dataset:            "bmng.200405",
		FormatSuffix:       ".dds",
	})
	require.NoError(t, err)
	l := ls.Level(3)
	tl := tile.New(ls.TileSector(l, 4, 9), l, 4, 9)

	u, err := NewURLBuilder(l.Service()).URL(tl)
	require.NoError(t, err)
	require.Equal(t, "http://worldwind25.arc.nasa.gov/tile/tile.aspx?T=bmng.200405&L=2&X=9&Y=4", u)

	u, err = NewURLBuilder("http://tiles/{dataset}/{z}/{x}/{y}.png").URL(tl)
	require.NoError(t, err)
	require.Equal(t, "http://tiles/bmng.200405/2/9/4.png", u)
}
