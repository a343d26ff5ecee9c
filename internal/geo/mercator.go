package geo

import "math"

// MaxMercatorLatitude is the latitude at which the Mercator square ends.
const MaxMercatorLatitude = 85.05112877980659

// MercatorY maps a latitude in degrees to projected y, scaled so that the latitude range
// ±MaxMercatorLatitude maps to ±180.
func MercatorY(lat float64) float64 {
	lat = math.Max(-MaxMercatorLatitude, math.Min(MaxMercatorLatitude, lat))
	phi := lat * math.Pi / 180
	y := math.Log(math.Tan(math.Pi/4 + phi/2))
	return y * 180 / math.Pi
}

// MercatorLatitude is the inverse of MercatorY.
func MercatorLatitude(y float64) float64 {
	r := y * math.Pi / 180
	return (2*math.Atan(math.Exp(r)) - math.Pi/2) * 180 / math.Pi
}

// MercatorMidLatitude is the latitude halfway between minLat and maxLat in projected y.
func MercatorMidLatitude(minLat, maxLat float64) float64 {
	return MercatorLatitude(0.5 * (MercatorY(minLat) + MercatorY(maxLat)))
}
