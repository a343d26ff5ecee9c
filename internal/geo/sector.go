package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

var ErrInvalidSector = errors.New("invalid sector")

// LatLon is a geographic location in degrees.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Sector is an axis-aligned latitude/longitude region in degrees.
type Sector struct {
	MinLat float64 `json:"min_lat" toml:"min_lat"`
	MaxLat float64 `json:"max_lat" toml:"max_lat"`
	MinLon float64 `json:"min_lon" toml:"min_lon"`
	MaxLon float64 `json:"max_lon" toml:"max_lon"`
}

// FullSphere covers the whole globe.
var FullSphere = Sector{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}

// NewSector validates the bounds and returns the sector.
func NewSector(minLat, maxLat, minLon, maxLon float64) (Sector, error) {
	s := Sector{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}
	if err := s.Validate(); err != nil {
		return Sector{}, err
	}
	return s, nil
}

// SectorFromDegrees builds a sector without validation. Use it for bounds that are
// correct by construction.
func SectorFromDegrees(minLat, maxLat, minLon, maxLon float64) Sector {
	return Sector{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}
}

// SectorFromBound converts an orb bound, whose points are (lon, lat), into a sector.
func SectorFromBound(b orb.Bound) Sector {
	return Sector{MinLat: b.Min[1], MaxLat: b.Max[1], MinLon: b.Min[0], MaxLon: b.Max[0]}
}

func (s Sector) Validate() error {
	for _, v := range []float64{s.MinLat, s.MaxLat, s.MinLon, s.MaxLon} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite bound in %s", ErrInvalidSector, s)
		}
	}
	if s.MinLat > s.MaxLat || s.MinLon > s.MaxLon {
		return fmt.Errorf("%w: min exceeds max in %s", ErrInvalidSector, s)
	}
	if s.MinLat < -90 || s.MaxLat > 90 || s.MinLon < -180 || s.MaxLon > 180 {
		return fmt.Errorf("%w: %s out of range", ErrInvalidSector, s)
	}
	return nil
}

// Bound returns the sector as an orb bound with (lon, lat) points.
func (s Sector) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{s.MinLon, s.MinLat}, Max: orb.Point{s.MaxLon, s.MaxLat}}
}

func (s Sector) DeltaLat() float64 { return s.MaxLat - s.MinLat }
func (s Sector) DeltaLon() float64 { return s.MaxLon - s.MinLon }

func (s Sector) DeltaLatRadians() float64 { return s.DeltaLat() * math.Pi / 180 }

func (s Sector) Centroid() LatLon {
	return LatLon{Lat: 0.5 * (s.MinLat + s.MaxLat), Lon: 0.5 * (s.MinLon + s.MaxLon)}
}

// Corners returns the SW, SE, NE and NW corners.
func (s Sector) Corners() [4]LatLon {
	return [4]LatLon{
		{Lat: s.MinLat, Lon: s.MinLon},
		{Lat: s.MinLat, Lon: s.MaxLon},
		{Lat: s.MaxLat, Lon: s.MaxLon},
		{Lat: s.MaxLat, Lon: s.MinLon},
	}
}

// Intersects reports whether the sectors overlap. Shared edges count as overlap.
func (s Sector) Intersects(o Sector) bool {
	return s.Bound().Intersects(o.Bound())
}

// Intersection returns the overlapping region. ok is false when the sectors are disjoint.
func (s Sector) Intersection(o Sector) (Sector, bool) {
	if !s.Intersects(o) {
		return Sector{}, false
	}
	return Sector{
		MinLat: math.Max(s.MinLat, o.MinLat),
		MaxLat: math.Min(s.MaxLat, o.MaxLat),
		MinLon: math.Max(s.MinLon, o.MinLon),
		MaxLon: math.Min(s.MaxLon, o.MaxLon),
	}, true
}

func (s Sector) Contains(p LatLon) bool {
	return p.Lat >= s.MinLat && p.Lat <= s.MaxLat && p.Lon >= s.MinLon && p.Lon <= s.MaxLon
}

// Subdivide splits the sector at its midpoints into SW, SE, NW and NE quadrants.
// The order matches the child tile order (2r,2c), (2r,2c+1), (2r+1,2c), (2r+1,2c+1).
func (s Sector) Subdivide() [4]Sector {
	midLat := 0.5 * (s.MinLat + s.MaxLat)
	midLon := 0.5 * (s.MinLon + s.MaxLon)
	return s.split(midLat, midLon)
}

// SubdivideMercator splits latitude at the Mercator midpoint instead of the geographic one.
func (s Sector) SubdivideMercator() [4]Sector {
	midLat := MercatorMidLatitude(s.MinLat, s.MaxLat)
	midLon := 0.5 * (s.MinLon + s.MaxLon)
	return s.split(midLat, midLon)
}

func (s Sector) split(midLat, midLon float64) [4]Sector {
	return [4]Sector{
		{MinLat: s.MinLat, MaxLat: midLat, MinLon: s.MinLon, MaxLon: midLon},
		{MinLat: s.MinLat, MaxLat: midLat, MinLon: midLon, MaxLon: s.MaxLon},
		{MinLat: midLat, MaxLat: s.MaxLat, MinLon: s.MinLon, MaxLon: midLon},
		{MinLat: midLat, MaxLat: s.MaxLat, MinLon: midLon, MaxLon: s.MaxLon},
	}
}

// SubdivideN splits the sector into a div x div grid, rows of increasing latitude,
// columns of increasing longitude, in row-major order.
func (s Sector) SubdivideN(div int) []Sector {
	if div < 1 {
		div = 1
	}
	dLat := s.DeltaLat() / float64(div)
	dLon := s.DeltaLon() / float64(div)
	out := make([]Sector, 0, div*div)
	for row := 0; row < div; row++ {
		for col := 0; col < div; col++ {
			out = append(out, s.cell(row, col, dLat, dLon))
		}
	}
	return out
}

// Cell returns the (row, col) cell of a div x div grid over the sector.
func (s Sector) Cell(row, col, div int) Sector {
	return s.cell(row, col, s.DeltaLat()/float64(div), s.DeltaLon()/float64(div))
}

func (s Sector) cell(row, col int, dLat, dLon float64) Sector {
	minLat := s.MinLat + dLat*float64(row)
	minLon := s.MinLon + dLon*float64(col)
	return Sector{MinLat: minLat, MaxLat: minLat + dLat, MinLon: minLon, MaxLon: minLon + dLon}
}

// SizeInBytes approximates the memory held by a sector value.
func (s Sector) SizeInBytes() int64 {
	return 4 * 8
}

func (s Sector) String() string {
	return fmt.Sprintf("(%g, %g), (%g, %g)", s.MinLat, s.MinLon, s.MaxLat, s.MaxLon)
}
