package bulk

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tilestream/internal/geo"
	"tilestream/internal/metrics"
	"tilestream/internal/retrieve"
	"tilestream/internal/tile"
)

// DefaultPollDelay is the pause between submission passes while the executor is busy.
const DefaultPollDelay = time.Second

var ErrInvalidRequest = errors.New("invalid bulk request")

// Progress is a snapshot of a bulk download. Totals start as estimates and are
// corrected as tiles turn out to be absent upstream.
type Progress struct {
	TotalCount   int64     `json:"total_count"`
	CurrentCount int64     `json:"current_count"`
	TotalSize    int64     `json:"total_size"`
	CurrentSize  int64     `json:"current_size"`
	LastUpdate   time.Time `json:"last_update"`
}

// Percent is CurrentCount as a percentage of TotalCount.
func (p Progress) Percent() float64 {
	if p.TotalCount <= 0 {
		return 0
	}
	return 100 * float64(p.CurrentCount) / float64(p.TotalCount)
}

// normalize keeps the totals at or above the current counts.
func (p *Progress) normalize() {
	if p.TotalCount < p.CurrentCount {
		p.TotalCount = p.CurrentCount
		p.TotalSize = p.CurrentSize
	}
}

type EventType int

const (
	RetrievalSucceeded EventType = iota
	RetrievalFailed
)

func (t EventType) String() string {
	if t == RetrievalSucceeded {
		return "retrieval-succeeded"
	}
	return "retrieval-failed"
}

// Event reports the outcome of one tile download.
type Event struct {
	Type   EventType
	Source string
	Path   string
	Err    error
}

type Listener func(Event)

type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCanceled  State = "canceled"
	StateFailed    State = "failed"
)

type options struct {
	listener    Listener
	pollDelay   time.Duration
	limiter     *rate.Limiter
	maxAttempts int
	log         *zap.Logger
	rand        *rand.Rand
}

type Option func(*options)

func WithListener(l Listener) Option { return func(o *options) { o.listener = l } }

func WithPollDelay(d time.Duration) Option { return func(o *options) { o.pollDelay = d } }

func WithLogger(log *zap.Logger) Option { return func(o *options) { o.log = log } }

// WithRate caps submissions to perSecond tiles per second. Zero means no cap.
func WithRate(perSecond float64) Option {
	return func(o *options) {
		if perSecond > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithMaxAttempts gives up on a tile after n transient failures. Zero leaves the
// decision to the level set's absent registry.
func WithMaxAttempts(n int) Option { return func(o *options) { o.maxAttempts = n } }

func withRand(r *rand.Rand) Option { return func(o *options) { o.rand = r } }

// Handle controls a running bulk download.
type Handle struct {
	id         string
	src        Source
	sector     geo.Sector
	resolution float64
	opts       options
	est        *estimator

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	progress    Progress
	missing     map[tile.Key]*tile.Tile
	attempts    map[tile.Key]int
	averageSize int64
	state       State
	err         error
}

// Start begins downloading every tile of sector, at every non-empty level up to the one
// matching resolution (radians per texel), that is neither stored nor known absent.
func Start(ctx context.Context, src Source, sector geo.Sector, resolution float64, opts ...Option) (*Handle, error) {
	if resolution < 0 {
		return nil, fmt.Errorf("%w: negative resolution %g", ErrInvalidRequest, resolution)
	}
	if err := sector.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !src.LevelSet().Sector().Intersects(sector) {
		return nil, fmt.Errorf("%w: %v is outside %s", ErrInvalidRequest, sector, src.Name())
	}

	o := options{pollDelay: DefaultPollDelay, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:         uuid.NewString(),
		src:        src,
		sector:     sector,
		resolution: resolution,
		opts:       o,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		missing:    make(map[tile.Key]*tile.Tile),
		attempts:   make(map[tile.Key]int),
		state:      StateRunning,
	}
	h.est = newEstimator(ctx, src, sector, resolution, o.rand)
	h.opts.log = o.log.Named("bulk").With(zap.String("job", h.id), zap.String("source", src.Name()))

	metrics.BulkJobsActive.Inc()
	go h.run()
	return h, nil
}

func (h *Handle) ID() string         { return h.id }
func (h *Handle) Source() Source     { return h.src }
func (h *Handle) Sector() geo.Sector { return h.sector }
func (h *Handle) Level() int         { return h.est.level }

func (h *Handle) Progress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Cancel stops the job at its next yield point. Progress made so far is kept.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed when the job stops.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job stops and returns context.Canceled for a canceled job or
// the error that aborted it.
func (h *Handle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) run() {
	defer close(h.done)
	defer metrics.BulkJobsActive.Dec()
	defer h.cancel()

	err := h.fill()

	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case err == nil:
		h.state = StateCompleted
		h.progress.TotalCount = h.progress.CurrentCount
		h.progress.TotalSize = h.progress.CurrentSize
		h.opts.log.Info("bulk download finished",
			zap.Int64("tiles", h.progress.CurrentCount),
			zap.String("size", humanize.Bytes(uint64(max(h.progress.CurrentSize, 0)))))
	case errors.Is(err, context.Canceled):
		h.state = StateCanceled
		h.err = err
		h.opts.log.Warn("bulk download canceled",
			zap.Int64("tiles", h.progress.CurrentCount), zap.Int64("estimated", h.progress.TotalCount))
	default:
		h.state = StateFailed
		h.err = err
		h.opts.log.Error("bulk download failed", zap.Error(err))
	}
}

func (h *Handle) fill() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bulk download of %s panicked: %v", h.src.Name(), r)
		}
	}()

	estimate, err := h.est.estimateMissingTiles(runSamples)
	if err != nil {
		return err
	}
	avg := AverageTileSize(h.src)
	h.mu.Lock()
	h.averageSize = avg
	h.progress.TotalCount = estimate
	h.progress.TotalSize = estimate * avg
	h.progress.LastUpdate = time.Now()
	h.mu.Unlock()
	h.opts.log.Info("bulk download started",
		zap.Int("level", h.est.level),
		zap.Int64("estimated_tiles", estimate),
		zap.String("estimated_size", humanize.Bytes(uint64(max(estimate*avg, 0)))))

	ls := h.src.LevelSet()
	for lvl := 0; lvl <= h.est.level; lvl++ {
		if ls.IsLevelEmpty(lvl) {
			continue
		}
		div := h.est.regionDivisions(h.sector, lvl, MaxTilesPerRegion)
		for _, region := range h.sector.SubdivideN(div) {
			if err := h.fillRegion(region, lvl); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handle) fillRegion(region geo.Sector, lvl int) error {
	tiles, err := h.est.missingTiles(region, lvl)
	if err != nil {
		return err
	}
	if len(tiles) == 0 {
		return nil
	}

	order := make([]tile.Key, len(tiles))
	h.mu.Lock()
	for i, t := range tiles {
		h.missing[t.Key()] = t
		order[i] = t.Key()
	}
	h.mu.Unlock()

	for {
		remaining, err := h.submitMissing(order)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return nil
		}
		select {
		case <-h.ctx.Done():
			return h.ctx.Err()
		case <-time.After(h.opts.pollDelay):
		}
	}
}

// submitMissing hands still-missing tiles to the executor while it has capacity and
// returns how many remain outstanding.
func (h *Handle) submitMissing(order []tile.Key) (int, error) {
	exec := h.src.Submitter()
	ls := h.src.LevelSet()
	for _, key := range order {
		if err := h.ctx.Err(); err != nil {
			return 0, err
		}
		if !exec.IsAvailable() {
			break
		}
		h.mu.Lock()
		t, ok := h.missing[key]
		h.mu.Unlock()
		if !ok {
			continue
		}

		if ls.IsResourceAbsent(t.LevelNumber(), t.Row(), t.Column()) {
			h.removeAbsent(t)
			continue
		}
		if h.src.IsLocal(t) {
			h.removeRetrieved(t)
			continue
		}
		if h.opts.limiter != nil {
			if err := h.opts.limiter.Wait(h.ctx); err != nil {
				return 0, err
			}
		}
		exec.Submit(&task{h: h, tile: t})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	remaining := 0
	for _, key := range order {
		if _, ok := h.missing[key]; ok {
			remaining++
		}
	}
	return remaining, nil
}

func (h *Handle) removeRetrieved(t *tile.Tile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.missing[t.Key()]; !ok {
		return
	}
	delete(h.missing, t.Key())
	h.progress.CurrentCount++
	h.progress.CurrentSize += h.averageSize
	h.progress.LastUpdate = time.Now()
	h.progress.normalize()
}

func (h *Handle) removeAbsent(t *tile.Tile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.missing[t.Key()]; !ok {
		return
	}
	delete(h.missing, t.Key())
	h.progress.TotalCount--
	h.progress.TotalSize -= h.averageSize
	h.progress.LastUpdate = time.Now()
	h.progress.normalize()
}

// completed records the outcome of a download. Any unsuccessful retrieval marks the
// tile absent; WithMaxAttempts bounds retries when marks lapse before the next pass.
func (h *Handle) completed(t *tile.Tile, err error) {
	switch {
	case err == nil:
		metrics.BulkTilesRetrieved.WithLabelValues(h.src.Name()).Inc()
		h.removeRetrieved(t)
	case errors.Is(err, context.Canceled):
	case errors.Is(err, retrieve.ErrTransient):
		ls := h.src.LevelSet()
		ls.MarkResourceAbsent(t.LevelNumber(), t.Row(), t.Column())
		h.mu.Lock()
		h.attempts[t.Key()]++
		giveUp := h.opts.maxAttempts > 0 && h.attempts[t.Key()] >= h.opts.maxAttempts
		h.mu.Unlock()
		if giveUp || ls.IsResourceAbsent(t.LevelNumber(), t.Row(), t.Column()) {
			h.removeAbsent(t)
		}
	default:
		h.removeAbsent(t)
	}

	if h.opts.listener != nil {
		ev := Event{Type: RetrievalSucceeded, Source: h.src.Name(), Path: t.Path()}
		if err != nil {
			ev.Type, ev.Err = RetrievalFailed, err
		}
		h.opts.listener(ev)
	}
}

// task downloads one tile for a bulk job on the shared executor.
type task struct {
	h    *Handle
	tile *tile.Tile
}

func (t *task) Key() tile.Key { return t.tile.Key() }

// Priority sorts bulk tasks after every frame request.
func (t *task) Priority() float64 { return float64(t.tile.LevelNumber()) + 1e12 }

func (t *task) Run(ctx context.Context) {
	if t.h.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.h.ctx, cancel)
	defer stop()

	t.h.completed(t.tile, t.h.src.Download(ctx, t.tile))
}
