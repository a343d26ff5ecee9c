package layer

import (
	"tilestream/internal/lod"
	"tilestream/internal/scheduler"
	"tilestream/internal/tile"
)

// PlaceNameLayer serves navigation tiles, drawn only while the eye is within the
// layer's distance band.
type PlaceNameLayer struct {
	*base
	band lod.DistanceBand
}

func NewPlaceNameLayer(opts Options, band lod.DistanceBand) (*PlaceNameLayer, error) {
	b, err := newBase(opts, PlaceNameCacheName, DefaultPlaceNameCacheCapacity, decodePlaceNames, true)
	if err != nil {
		return nil, err
	}
	return &PlaceNameLayer{base: b, band: band}, nil
}

func (l *PlaceNameLayer) Band() lod.DistanceBand { return l.band }

// Select picks the navigation tiles in view. Tiles still loading are requested and left
// out; place names have no fallback.
func (l *PlaceNameLayer) Select(v lod.View) Frame {
	g, eye := v.GlobeModel(), v.EyePoint()
	p := &framePolicy{
		b:     l.base,
		view:  v,
		ref:   v.ReferencePoint(),
		queue: scheduler.NewRequestQueue(l.opts.QueueCapacity),
		visible: func(n *node) bool {
			return l.band.Contains(g, v.Eye, n.Sector())
		},
		split: func(n *node) bool {
			return lod.NeedToSplit(g, eye, n.Sector(), l.opts.SplitScale)
		},
	}
	return p.run(l.roots(v.Visible()))
}

// Names flattens the place names of a frame.
func Names(f Frame) []tile.PlaceName {
	var out []tile.PlaceName
	for _, st := range f.Tiles {
		if p, ok := st.Payload.(*tile.NavigationPayload); ok {
			out = append(out, p.Names...)
		}
	}
	return out
}
