package layer

import (
	"errors"

	"tilestream/internal/tile"
)

var (
	ErrNoSuchTile = errors.New("tile outside the level set")
	// ErrPending means the tile is being retrieved and no ancestor can stand in.
	ErrPending = errors.New("tile not yet available")
)

// lookupPriority puts direct tile lookups ahead of every frame request.
const lookupPriority = -1

// Lookup returns the tile at (levelNumber, row, column) for a single-tile client.
// A tile neither resident nor stored is scheduled for retrieval and answered with its
// nearest resident or stored ancestor when there is one.
func (b *base) Lookup(levelNumber, row, column int) (SelectedTile, error) {
	t := b.Tile(levelNumber, row, column)
	if t == nil {
		return SelectedTile{}, ErrNoSuchTile
	}
	if own, ok := b.resident(t); ok {
		if own.IsExpired() {
			b.schedule(own)
		}
		return SelectedTile{Tile: own, Payload: own.Payload(), Transform: tile.Identity}, nil
	}
	if b.isAbsent(t) {
		return SelectedTile{}, ErrAbsent
	}

	b.schedule(t)
	for lvl := levelNumber - 1; lvl >= 0; lvl-- {
		shift := uint(levelNumber - lvl)
		a := b.Tile(lvl, row>>shift, column>>shift)
		if a == nil {
			continue
		}
		if anc, ok := b.resident(a); ok {
			return SelectedTile{Tile: t, Payload: anc.Payload(), Fallback: anc, Transform: t.TransformFrom(anc)}, nil
		}
	}
	if b.opts.NetworkRetrievalDisabled {
		return SelectedTile{}, ErrOffline
	}
	return SelectedTile{}, ErrPending
}

// resident returns t with its payload, loading a stored copy when needed.
func (b *base) resident(t *tile.Tile) (*tile.Tile, bool) {
	if t.HasPayload() {
		return t, true
	}
	if b.isAbsent(t) {
		return nil, false
	}
	ok, err := b.loadLocal(t)
	if err != nil {
		b.discardCorrupt(t, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	b.publish(t)
	return t, true
}

func (b *base) schedule(t *tile.Tile) {
	if b.opts.NetworkRetrievalDisabled || b.opts.Executor.Contains(t.Key()) {
		return
	}
	b.opts.Executor.Submit(b.newRequestTask(t, lookupPriority))
}
