package lod

import (
	"math"

	"github.com/golang/geo/r3"

	"tilestream/internal/geo"
)

// View is the per-frame camera state selection works against.
type View struct {
	Globe geo.Globe
	Eye   geo.Position
	// Center is the ground point the view looks at; request priorities are distances to it.
	Center geo.LatLon
	// VisibleSector limits selection to what is on screen. The zero value means the whole globe.
	VisibleSector geo.Sector
	// FieldOfView is the vertical field of view in degrees. Zero means 45.
	FieldOfView float64
	// Frustum culls tiles by bounding sphere when set.
	Frustum *Frustum
}

// GlobeModel is the view's globe, Earth when unset.
func (v View) GlobeModel() geo.Globe {
	if v.Globe.Radius == 0 {
		return geo.Earth()
	}
	return v.Globe
}

func (v View) EyePoint() r3.Vector {
	return v.GlobeModel().PositionPoint(v.Eye)
}

// ReferencePoint is the surface point at the view centre.
func (v View) ReferencePoint() r3.Vector {
	return v.GlobeModel().ComputePoint(v.Center.Lat, v.Center.Lon, 0)
}

func (v View) Visible() geo.Sector {
	if v.VisibleSector == (geo.Sector{}) {
		return geo.FullSphere
	}
	return v.VisibleSector
}

func (v View) fieldOfView() float64 {
	if v.FieldOfView <= 0 {
		return 45
	}
	return v.FieldOfView
}

// Plane is n·p + d = 0 with n pointing into the frustum.
type Plane struct {
	Normal r3.Vector
	D      float64
}

func (p Plane) Distance(point r3.Vector) float64 {
	return p.Normal.Dot(point) + p.D
}

// Frustum is a convex view volume bounded by inward facing planes.
type Frustum struct {
	Planes []Plane
}

// LookAtFrustum builds the view volume of a camera at eye looking at target with the
// globe's radial direction as up. fovY is in degrees.
func LookAtFrustum(eye, target r3.Vector, fovY, aspect, near, far float64) Frustum {
	forward := target.Sub(eye).Normalize()
	up := eye.Normalize()
	right := forward.Cross(up)
	if right.Norm() < 1e-12 {
		// looking straight down; any horizontal axis will do
		right = forward.Ortho()
	}
	right = right.Normalize()
	up = right.Cross(forward).Normalize()

	v := fovY * math.Pi / 360
	h := math.Atan(math.Tan(v) * aspect)

	planeThrough := func(n, point r3.Vector) Plane {
		n = n.Normalize()
		return Plane{Normal: n, D: -n.Dot(point)}
	}
	return Frustum{Planes: []Plane{
		planeThrough(forward, eye.Add(forward.Mul(near))),
		planeThrough(forward.Mul(-1), eye.Add(forward.Mul(far))),
		planeThrough(right.Mul(math.Cos(h)).Add(forward.Mul(math.Sin(h))), eye),
		planeThrough(right.Mul(-math.Cos(h)).Add(forward.Mul(math.Sin(h))), eye),
		planeThrough(up.Mul(math.Cos(v)).Add(forward.Mul(math.Sin(v))), eye),
		planeThrough(up.Mul(-math.Cos(v)).Add(forward.Mul(math.Sin(v))), eye),
	}}
}

func (f Frustum) IntersectsSphere(s geo.Sphere) bool {
	for _, p := range f.Planes {
		if p.Distance(s.Center) < -s.Radius {
			return false
		}
	}
	return true
}

// DistanceBand limits a dataset to eye distances in [Min, Max] meters. A zero Max means
// no upper limit.
type DistanceBand struct {
	Min float64 `json:"min" toml:"min"`
	Max float64 `json:"max" toml:"max"`
}

func (b DistanceBand) IsZero() bool { return b.Min == 0 && b.Max == 0 }

// Contains tests the distance from eye to the closest point of s.
func (b DistanceBand) Contains(g geo.Globe, eye geo.Position, s geo.Sector) bool {
	if b.IsZero() {
		return true
	}
	d := g.SectorDistance(eye, s)
	if d < b.Min {
		return false
	}
	return b.Max <= 0 || d <= b.Max
}

// IsSectorVisible tests s against the view's visible sector and, when the view has one,
// its frustum.
func (v View) IsSectorVisible(s geo.Sector) bool {
	if !s.Intersects(v.Visible()) {
		return false
	}
	if v.Frustum != nil && !v.Frustum.IntersectsSphere(v.GlobeModel().SectorBoundingSphere(s)) {
		return false
	}
	return true
}
