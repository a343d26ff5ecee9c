package geo

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// WGS84EquatorialRadius is the globe radius in meters.
const WGS84EquatorialRadius = 6378137.0

// Position is a location with an elevation in meters above the globe surface.
type Position struct {
	LatLon
	Elevation float64 `json:"elevation"`
}

// Sphere is a bounding volume in cartesian coordinates.
type Sphere struct {
	Center r3.Vector
	Radius float64
}

// Globe maps geographic coordinates onto a sphere.
type Globe struct {
	Radius float64
}

func Earth() Globe {
	return Globe{Radius: WGS84EquatorialRadius}
}

// Degrees converts a degree value to an s1.Angle.
func Degrees(d float64) s1.Angle {
	return s1.Angle(d) * s1.Degree
}

// ComputePoint returns the cartesian point for the given location and elevation.
func (g Globe) ComputePoint(lat, lon, elevation float64) r3.Vector {
	p := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
	return p.Vector.Mul(g.Radius + elevation)
}

func (g Globe) PositionPoint(p Position) r3.Vector {
	return g.ComputePoint(p.Lat, p.Lon, p.Elevation)
}

// SectorCornerPoints returns the surface points of the sector corners, SW, SE, NE, NW.
func (g Globe) SectorCornerPoints(s Sector) [4]r3.Vector {
	var pts [4]r3.Vector
	for i, c := range s.Corners() {
		pts[i] = g.ComputePoint(c.Lat, c.Lon, 0)
	}
	return pts
}

func (g Globe) SectorCenterPoint(s Sector) r3.Vector {
	c := s.Centroid()
	return g.ComputePoint(c.Lat, c.Lon, 0)
}

// SectorBoundingSphere returns a sphere centred on the sector centre that encloses its
// corners and edge midpoints.
func (g Globe) SectorBoundingSphere(s Sector) Sphere {
	center := g.SectorCenterPoint(s)
	c := s.Centroid()
	radius := 0.0
	consider := func(lat, lon float64) {
		radius = math.Max(radius, g.ComputePoint(lat, lon, 0).Sub(center).Norm())
	}
	for _, corner := range s.Corners() {
		consider(corner.Lat, corner.Lon)
	}
	consider(s.MinLat, c.Lon)
	consider(s.MaxLat, c.Lon)
	consider(c.Lat, s.MinLon)
	consider(c.Lat, s.MaxLon)
	return Sphere{Center: center, Radius: radius}
}

// SectorDistance is the distance from eye to the closest point of the sector, found by
// clamping the eye location into the sector.
func (g Globe) SectorDistance(eye Position, s Sector) float64 {
	lat := math.Max(s.MinLat, math.Min(s.MaxLat, eye.Lat))
	lon := math.Max(s.MinLon, math.Min(s.MaxLon, eye.Lon))
	return g.PositionPoint(eye).Sub(g.ComputePoint(lat, lon, 0)).Norm()
}

// MinCornerDistance is the smallest distance from eye to the four corners and centre of s.
func (g Globe) MinCornerDistance(eye r3.Vector, s Sector) float64 {
	d := eye.Sub(g.SectorCenterPoint(s)).Norm()
	for _, p := range g.SectorCornerPoints(s) {
		d = math.Min(d, eye.Sub(p).Norm())
	}
	return d
}

// SurfaceDistance is the great circle distance in meters between two locations.
func (g Globe) SurfaceDistance(a, b LatLon) float64 {
	la := s2.LatLngFromDegrees(a.Lat, a.Lon)
	lb := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return la.Distance(lb).Radians() * g.Radius
}
