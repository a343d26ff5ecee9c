package layer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"go.uber.org/zap"

	"tilestream/internal/metrics"
	"tilestream/internal/retrieve"
	"tilestream/internal/tile"
)

// RequestTask loads one tile, from the file store when a fresh copy is there and
// from the network otherwise, and publishes it to the memory cache.
type RequestTask struct {
	b        *base
	tile     *tile.Tile
	priority float64
}

func (b *base) newRequestTask(t *tile.Tile, priority float64) *RequestTask {
	return &RequestTask{b: b, tile: t, priority: priority}
}

func (r *RequestTask) Key() tile.Key     { return r.tile.Key() }
func (r *RequestTask) Priority() float64 { return r.priority }
func (r *RequestTask) Tile() *tile.Tile  { return r.tile }

func (r *RequestTask) Run(ctx context.Context) {
	if err := r.b.load(ctx, r.tile); err != nil && !errors.Is(err, ErrAbsent) {
		r.b.log.Debug("tile load failed", zap.Stringer("tile", r.tile), zap.Error(err))
	}
}

// load fills t's payload and publishes it.
func (b *base) load(ctx context.Context, t *tile.Tile) error {
	if b.isAbsent(t) {
		return ErrAbsent
	}

	ok, err := b.loadLocal(t)
	if err != nil {
		b.discardCorrupt(t, err)
		return err
	}
	if ok {
		metrics.TileLoads.WithLabelValues(b.opts.Name, metrics.ResultLocal).Inc()
		b.publish(t)
		return nil
	}

	data, err := b.fetch(ctx, t)
	if err != nil {
		return err
	}
	p, err := b.decode(t, data)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrCorruptLocal, t.Path(), err)
		b.discardCorrupt(t, err)
		return err
	}

	t.SetPayload(p)
	b.levels.UnmarkResourceAbsent(t.LevelNumber(), t.Row(), t.Column())
	b.publish(t)
	metrics.TileLoads.WithLabelValues(b.opts.Name, metrics.ResultSuccess).Inc()
	return nil
}

// loadLocal reads t from the file store. A stored copy older than the level's expiry
// time is deleted and reported as missing.
func (b *base) loadLocal(t *tile.Tile) (bool, error) {
	if !b.isLocal(t) {
		return false, nil
	}
	data, err := b.opts.Store.Read(t.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorruptLocal, t.Path(), err)
	}
	p, err := b.decode(t, data)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorruptLocal, t.Path(), err)
	}
	t.SetPayload(p)
	return true, nil
}

// isLocal reports a fresh stored copy of t, deleting an expired one.
func (b *base) isLocal(t *tile.Tile) bool {
	mod, ok := b.opts.Store.Find(t.Path())
	if !ok {
		return false
	}
	if t.Level().IsExpired(mod.UnixMilli()) {
		if err := b.opts.Store.Remove(t.Path()); err != nil {
			b.log.Warn("failed to remove expired tile", zap.String("path", t.Path()), zap.Error(err))
		}
		return false
	}
	return true
}

func (b *base) discardCorrupt(t *tile.Tile, err error) {
	metrics.TileLoads.WithLabelValues(b.opts.Name, metrics.ResultCorrupt).Inc()
	if rmErr := b.opts.Store.Remove(t.Path()); rmErr != nil {
		b.log.Warn("failed to remove corrupt tile", zap.String("path", t.Path()), zap.Error(rmErr))
	}
	b.levels.MarkResourceAbsent(t.LevelNumber(), t.Row(), t.Column())
	b.log.Debug("discarded corrupt tile", zap.String("path", t.Path()), zap.Error(err))
}

// fetch downloads t and writes it to the file store. Not-found and malformed answers
// mark the tile absent; transient failures change nothing.
func (b *base) fetch(ctx context.Context, t *tile.Tile) ([]byte, error) {
	if b.opts.NetworkRetrievalDisabled {
		return nil, ErrOffline
	}
	url, err := b.opts.URLBuilder.URL(t)
	if err != nil {
		return nil, err
	}

	data, err := b.opts.Retriever.Fetch(ctx, retrieve.Request{
		URL:            url,
		ConnectTimeout: b.opts.ConnectTimeout,
		ReadTimeout:    b.opts.ReadTimeout,
		PackagedEntry:  b.opts.PackagedEntry,
		AllowText:      b.text,
	})
	switch {
	case err == nil:
	case errors.Is(err, retrieve.ErrNotFound):
		b.levels.MarkResourceAbsent(t.LevelNumber(), t.Row(), t.Column())
		metrics.TileLoads.WithLabelValues(b.opts.Name, metrics.ResultNotFound).Inc()
		return nil, err
	case errors.Is(err, retrieve.ErrMalformed):
		b.levels.MarkResourceAbsent(t.LevelNumber(), t.Row(), t.Column())
		metrics.TileLoads.WithLabelValues(b.opts.Name, metrics.ResultCorrupt).Inc()
		return nil, err
	default:
		metrics.TileLoads.WithLabelValues(b.opts.Name, metrics.ResultTransient).Inc()
		return nil, err
	}

	if err := b.opts.Store.Write(t.Path(), data); err != nil {
		b.log.Warn("failed to store tile", zap.String("path", t.Path()), zap.Error(err))
	}
	return data, nil
}

// IsLocal reports whether a fresh copy of t is in the file store.
func (b *base) IsLocal(t *tile.Tile) bool {
	return b.isLocal(t)
}

// Download fetches t into the file store without loading it into memory.
func (b *base) Download(ctx context.Context, t *tile.Tile) error {
	if b.isAbsent(t) {
		return ErrAbsent
	}
	if _, err := b.fetch(ctx, t); err != nil {
		return err
	}
	b.levels.UnmarkResourceAbsent(t.LevelNumber(), t.Row(), t.Column())
	return nil
}
