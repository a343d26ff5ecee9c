package layer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"tilestream/internal/geo"
	"tilestream/internal/tile"
)

var errEmpty = errors.New("empty tile data")

var magic = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

// decodeTexture wraps encoded imagery. Known image suffixes are checked against the
// data's signature so an error page saved under a tile path is caught.
func decodeTexture(t *tile.Tile, data []byte) (tile.Payload, error) {
	if len(data) == 0 {
		return nil, errEmpty
	}
	format := strings.ToLower(strings.TrimPrefix(t.Level().FormatSuffix(), "."))
	switch format {
	case "dds":
		if !bytes.HasPrefix(data, []byte("DDS ")) {
			return nil, fmt.Errorf("not a dds texture")
		}
	default:
		if want, ok := magic[format]; ok {
			if got := http.DetectContentType(data); got != want {
				return nil, fmt.Errorf("expected %s, found %s", want, got)
			}
		}
	}
	return &tile.TexturePayload{Data: data, Format: format}, nil
}

type placeNameRecord struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// decodePlaceNames reads one JSON object per line: {"name": ..., "lat": ..., "lon": ...}.
// Blank lines are skipped. An empty tile is valid.
func decodePlaceNames(_ *tile.Tile, data []byte) (tile.Payload, error) {
	p := &tile.NavigationPayload{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec placeNameRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.Name == "" {
			return nil, fmt.Errorf("line %d: missing name", line)
		}
		p.Names = append(p.Names, tile.PlaceName{
			Name:     rec.Name,
			Location: geo.LatLon{Lat: rec.Lat, Lon: rec.Lon},
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}
