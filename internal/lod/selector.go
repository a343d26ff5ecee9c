// Package lod selects the tiles that cover a view at an adequate resolution,
// walking a tile pyramid from its top level and tracking the nearest resident
// ancestor of every tile it selects.
package lod

import (
	"tilestream/internal/geo"
)

// Node is a tile in a pyramid.
type Node[N any] interface {
	Sector() geo.Sector
	LevelNumber() int
	// IsResident reports whether the tile's payload is loaded.
	IsResident() bool
	// CanSplit is false at the final level.
	CanSplit() bool
	Children() []N
}

// Policy holds the per-dataset decisions of a walk.
type Policy[N any] interface {
	IsVisible(n N) bool
	NeedToSplit(n N) bool
	// Select receives a tile chosen for display together with the nearest ancestor
	// that was resident, or level zero, when it was pushed.
	Select(n N, ancestor N, hasAncestor bool)
	// Request asks for an intermediate tile's payload while the walk refines past it.
	Request(n N)
}

type State int

const (
	Invisible State = iota
	VisibleCoarse
	VisibleRefine
)

func (s State) String() string {
	switch s {
	case VisibleCoarse:
		return "visible-coarse"
	case VisibleRefine:
		return "visible-refine"
	default:
		return "invisible"
	}
}

// Classify places a tile in one of the three selection states.
func Classify[N Node[N]](p Policy[N], n N) State {
	if !p.IsVisible(n) {
		return Invisible
	}
	if !n.CanSplit() || !p.NeedToSplit(n) {
		return VisibleCoarse
	}
	return VisibleRefine
}

// Stats counts the tiles a walk visited per state.
type Stats struct {
	Invisible int `json:"invisible"`
	Selected  int `json:"selected"`
	Refined   int `json:"refined"`
	Requested int `json:"requested"`
}

// Selector walks a pyramid with an explicit stack instead of recursion.
type Selector[N Node[N]] struct {
	// Bounds is the sector the pyramid covers. Children outside it are never visited.
	Bounds geo.Sector
	Policy Policy[N]
}

type frame[N any] struct {
	node        N
	ancestor    N
	hasAncestor bool
}

// Walk visits roots and their descendants depth first, in the order a recursive walk
// over roots and then SW, SE, NW, NE children would.
func (s Selector[N]) Walk(roots []N) Stats {
	var stats Stats
	stack := make([]frame[N], 0, len(roots)+16)
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, frame[N]{node: roots[i]})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := f.node

		switch Classify(s.Policy, n) {
		case Invisible:
			stats.Invisible++
			continue
		case VisibleCoarse:
			stats.Selected++
			s.Policy.Select(n, f.ancestor, f.hasAncestor)
			continue
		}

		stats.Refined++
		ancestor, has := f.ancestor, f.hasAncestor
		resident := n.IsResident()
		if resident || n.LevelNumber() == 0 {
			ancestor, has = n, true
		}
		if !resident && n.LevelNumber() != 0 {
			stats.Requested++
			s.Policy.Request(n)
		}

		children := n.Children()
		for i := len(children) - 1; i >= 0; i-- {
			c := children[i]
			if !c.Sector().Intersects(s.Bounds) {
				continue
			}
			stack = append(stack, frame[N]{node: c, ancestor: ancestor, hasAncestor: has})
		}
	}
	return stats
}
