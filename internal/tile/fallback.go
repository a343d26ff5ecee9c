package tile

// FallbackTransform locates a tile inside an ancestor's texture. The tile covers
// [OffsetS, OffsetS+1/Scale] x [OffsetT, OffsetT+1/Scale] of the ancestor, with s
// increasing eastward and t increasing northward.
type FallbackTransform struct {
	Scale      float64 `json:"scale"`
	OffsetS    float64 `json:"offset_s"`
	OffsetT    float64 `json:"offset_t"`
	LevelDelta int     `json:"level_delta"`
}

var Identity = FallbackTransform{Scale: 1}

// ComputeFallbackTransform returns the transform for tile k drawn from its ancestor at
// ancestorLevel: scale 2^k and offset (column mod scale, row mod scale) / scale.
func ComputeFallbackTransform(k Key, ancestorLevel int) FallbackTransform {
	delta := k.Level - ancestorLevel
	if delta <= 0 {
		return Identity
	}
	scale := 1 << uint(delta)
	return FallbackTransform{
		Scale:      float64(scale),
		OffsetS:    float64(k.Column%scale) / float64(scale),
		OffsetT:    float64(k.Row%scale) / float64(scale),
		LevelDelta: delta,
	}
}

// Region returns the covered sub-rectangle of the ancestor texture.
func (f FallbackTransform) Region() (s0, t0, s1, t1 float64) {
	size := 1 / f.Scale
	return f.OffsetS, f.OffsetT, f.OffsetS + size, f.OffsetT + size
}
