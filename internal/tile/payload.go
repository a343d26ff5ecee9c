package tile

import "tilestream/internal/geo"

// Payload is the data a tile carries once loaded.
type Payload interface {
	SizeInBytes() int64
}

// TexturePayload holds encoded imagery ready for the renderer.
type TexturePayload struct {
	Data   []byte
	Format string
}

func (p *TexturePayload) SizeInBytes() int64 {
	return int64(len(p.Data) + len(p.Format))
}

// PlaceName is one labelled location.
type PlaceName struct {
	Name     string     `json:"name"`
	Location geo.LatLon `json:"location"`
}

// NavigationPayload holds the place names of a navigation tile.
type NavigationPayload struct {
	Names []PlaceName
}

func (p *NavigationPayload) SizeInBytes() int64 {
	var n int64
	for _, pn := range p.Names {
		n += int64(len(pn.Name)) + 16
	}
	return n
}
