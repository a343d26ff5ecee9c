package lod

import (
	"math"

	"github.com/golang/geo/r3"

	"tilestream/internal/geo"
)

const (
	// DefaultSplitScale is the detail factor of the logarithmic split test.
	DefaultSplitScale = 0.9
	// DefaultDetailHintOrigin is added to a layer's detail hint for the texel test.
	DefaultDetailHintOrigin = 2.8
)

// NeedToSplit compares a tile's cell size against its distance from eye on a log scale:
// the tile splits unless log10(cellSize) <= log10(minDistance) - detailFactor, where
// minDistance is the nearest of the four corners and the centre.
func NeedToSplit(g geo.Globe, eye r3.Vector, s geo.Sector, detailFactor float64) bool {
	minDistance := g.MinCornerDistance(eye, s)
	return NeedToSplitAt(CellSize(g, s), minDistance, detailFactor)
}

// CellSize is the nominal ground size of a tile used by NeedToSplit.
func CellSize(g geo.Globe, s geo.Sector) float64 {
	return math.Pi * s.DeltaLatRadians() * g.Radius / 20
}

func NeedToSplitAt(cellSize, minDistance, detailFactor float64) bool {
	return !(math.Log10(cellSize) <= math.Log10(minDistance)-detailFactor)
}

// NeedToSplitTexel splits when a level's texel size in meters exceeds a fraction of
// the eye distance. The fraction is 10^-detailFactor scaled by the field of view, and
// the factor is reduced for tiles beyond 75 degrees of latitude.
func NeedToSplitTexel(g geo.Globe, eye r3.Vector, s geo.Sector, texelSize, detailFactor, fovDegrees float64) bool {
	texelMeters := g.Radius * texelSize
	if s.MinLat >= 75 || s.MaxLat <= -75 {
		detailFactor *= 0.9
	}
	detailScale := math.Pow(10, -detailFactor)
	fovScale := math.Tan(fovDegrees*math.Pi/360) / math.Tan(45*math.Pi/360)
	fovScale = math.Max(0, math.Min(1, fovScale))

	scaled := g.MinCornerDistance(eye, s) * detailScale * fovScale
	return texelMeters > scaled
}
