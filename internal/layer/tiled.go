package layer

import (
	"context"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"

	"tilestream/internal/bulk"
	"tilestream/internal/cache"
	"tilestream/internal/geo"
	"tilestream/internal/level"
	"tilestream/internal/lod"
	"tilestream/internal/metrics"
	"tilestream/internal/scheduler"
	"tilestream/internal/tile"
)

// TiledLayer serves imagery from a geographic or Mercator level set.
type TiledLayer struct {
	*base
}

func NewTiledLayer(opts Options) (*TiledLayer, error) {
	b, err := newBase(opts, TextureCacheName, cache.DefaultCapacity, decodeTexture, false)
	if err != nil {
		return nil, err
	}
	return &TiledLayer{base: b}, nil
}

func (l *TiledLayer) Projection() level.Projection { return l.levels.Projection() }

// needToSplit picks the refinement metric for the layer's projection.
func (l *TiledLayer) needToSplit(v lod.View, eye r3.Vector, lvl *level.Level, s geo.Sector) bool {
	g := v.GlobeModel()
	if l.levels.Projection() == level.Mercator {
		return lod.NeedToSplit(g, eye, s, l.opts.SplitScale)
	}
	fov := v.FieldOfView
	if fov <= 0 {
		fov = 45
	}
	return lod.NeedToSplitTexel(g, eye, s, lvl.TexelSize(), lod.DefaultDetailHintOrigin+l.opts.DetailHint, fov)
}

// Select chooses the tiles covering v, substitutes resident ancestors for tiles still
// loading and hands the frame's retrievals to the executor, closest first.
func (l *TiledLayer) Select(v lod.View) Frame {
	eye := v.EyePoint()
	p := &framePolicy{
		b:         l.base,
		view:      v,
		ref:       v.ReferencePoint(),
		queue:     scheduler.NewRequestQueue(l.opts.QueueCapacity),
		fallbacks: true,
		split: func(n *node) bool {
			return l.needToSplit(v, eye, n.tile.Level(), n.tile.Sector())
		},
		forceLevelZero: l.opts.ForceLevelZeroLoads,
	}
	return p.run(l.roots(v.Visible()))
}

// AtMaxResolution reports whether the view centre wants more detail than the level
// set offers there: the next-to-last level at the centre already needs to split. A
// centre outside the set counts as at max resolution.
func (l *TiledLayer) AtMaxResolution(v lod.View) bool {
	c := v.Center
	if !l.levels.Sector().Contains(c) {
		return true
	}
	last := l.levels.LastLevelAt(c)
	if last.Number() == 0 {
		return true
	}
	nextToLast := l.levels.Level(last.Number() - 1)
	row, col := l.levels.ComputeRow(nextToLast, c.Lat), l.levels.ComputeColumn(nextToLast, c.Lon)
	return l.needToSplit(v, v.EyePoint(), nextToLast, l.levels.TileSector(nextToLast, row, col))
}

// MakeLocal starts a bulk download of sector at resolution (radians per texel).
func (l *TiledLayer) MakeLocal(ctx context.Context, sector geo.Sector, resolution float64, opts ...bulk.Option) (*bulk.Handle, error) {
	return bulk.Start(ctx, l, sector, resolution, opts...)
}

// EstimatedMissingDataSize estimates the bytes MakeLocal would download.
func (l *TiledLayer) EstimatedMissingDataSize(sector geo.Sector, resolution float64) int64 {
	return bulk.EstimateMissingDataSize(l, sector, resolution)
}

// framePolicy is the per-frame state of one selection pass.
type framePolicy struct {
	b              *base
	view           lod.View
	ref            r3.Vector
	queue          *scheduler.RequestQueue
	fallbacks      bool
	split          func(n *node) bool
	visible        func(n *node) bool
	forceLevelZero bool

	selected []SelectedTile
}

func (p *framePolicy) run(roots []*node) Frame {
	stats := lod.Selector[*node]{Bounds: p.b.levels.Sector(), Policy: p}.Walk(roots)

	sent, dropped := p.queue.Drain(p.b.opts.Executor)
	if sent > 0 {
		metrics.FrameRequests.WithLabelValues(p.b.opts.Name).Add(float64(sent))
	}
	if dropped > 0 {
		metrics.FrameRequestsDropped.WithLabelValues(p.b.opts.Name).Add(float64(dropped))
		p.b.log.Debug("executor full, dropped frame requests", zap.Int("dropped", dropped))
	}
	return Frame{Tiles: p.selected, Stats: stats, Requested: sent, Dropped: dropped}
}

func (p *framePolicy) IsVisible(n *node) bool {
	if !p.view.IsSectorVisible(n.Sector()) {
		return false
	}
	return p.visible == nil || p.visible(n)
}

func (p *framePolicy) NeedToSplit(n *node) bool { return p.split(n) }

func (p *framePolicy) Select(n *node, ancestor *node, hasAncestor bool) {
	t := n.tile
	if !t.HasPayload() && p.forceLevelZero && t.LevelNumber() == 0 && !p.b.isAbsent(t) {
		if ok, err := p.b.loadLocal(t); err != nil {
			p.b.discardCorrupt(t, err)
		} else if ok {
			p.b.publish(t)
		}
	}

	if t.HasPayload() {
		if t.IsExpired() {
			p.request(t)
		}
		p.selected = append(p.selected, SelectedTile{Tile: t, Payload: t.Payload(), Transform: tile.Identity})
		return
	}

	p.request(t)
	if !p.fallbacks || !hasAncestor || !ancestor.tile.HasPayload() {
		return
	}
	a := ancestor.tile
	p.selected = append(p.selected, SelectedTile{
		Tile:      t,
		Payload:   a.Payload(),
		Fallback:  a,
		Transform: t.TransformFrom(a),
	})
}

func (p *framePolicy) Request(n *node) { p.request(n.tile) }

// request queues a retrieval for t unless it is resident and fresh, absent, or already
// being retrieved. Priority is the distance from the tile centre to the view centre.
func (p *framePolicy) request(t *tile.Tile) {
	if t.HasPayload() && !t.IsExpired() {
		return
	}
	if p.b.isAbsent(t) || p.b.opts.Executor.Contains(t.Key()) {
		return
	}
	priority := p.ref.Sub(p.view.GlobeModel().SectorCenterPoint(t.Sector())).Norm()
	p.queue.Offer(p.b.newRequestTask(t, priority))
}
