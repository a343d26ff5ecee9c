package catalog

import (
	"fmt"
	"time"

	"tilestream/internal/geo"
	"tilestream/internal/level"
	"tilestream/internal/lod"
)

// Kind is the sort of data a dataset serves.
type Kind string

const (
	Imagery    Kind = "imagery"
	Mercator   Kind = "mercator"
	PlaceNames Kind = "placenames"
)

// Descriptor is one dataset as written in its TOML file.
type Descriptor struct {
	Name               string                   `toml:"name" json:"name"`
	Kind               Kind                     `toml:"kind" json:"kind"`
	Sector             geo.Sector               `toml:"sector" json:"sector"`
	LevelZeroTileDelta geo.LatLon               `toml:"level_zero_tile_delta" json:"level_zero_tile_delta"`
	NumLevels          int                      `toml:"num_levels" json:"num_levels"`
	NumEmptyLevels     int                      `toml:"num_empty_levels" json:"num_empty_levels"`
	InactiveLevels     []int                    `toml:"inactive_levels" json:"inactive_levels,omitempty"`
	TileWidth          int                      `toml:"tile_width" json:"tile_width"`
	TileHeight         int                      `toml:"tile_height" json:"tile_height"`
	FormatSuffix       string                   `toml:"format_suffix" json:"format_suffix"`
	ServiceURL         string                   `toml:"service_url" json:"service_url"`
	Dataset            string                   `toml:"dataset" json:"dataset"`
	CacheName          string                   `toml:"cache_name" json:"cache_name"`
	Expiry             time.Time                `toml:"expiry" json:"expiry,omitzero"`
	DistanceBand       lod.DistanceBand         `toml:"distance_band" json:"distance_band,omitzero"`
	SectorResolutions  []level.SectorResolution `toml:"sector_resolutions" json:"sector_resolutions,omitempty"`
	DetailHint         float64                  `toml:"detail_hint" json:"detail_hint,omitempty"`
	PackagedEntry      bool                     `toml:"packaged_entry" json:"packaged_entry,omitempty"`
	ForceLevelZero     bool                     `toml:"force_level_zero_loads" json:"force_level_zero_loads,omitempty"`
	RetainLevelZero    bool                     `toml:"retain_level_zero_tiles" json:"retain_level_zero_tiles,omitempty"`
}

func (d *Descriptor) applyDefaults() {
	if d.Kind == "" {
		d.Kind = Imagery
	}
	if d.Dataset == "" {
		d.Dataset = d.Name
	}
	if d.CacheName == "" {
		d.CacheName = "Earth/" + d.Name
	}
	if d.TileWidth == 0 && d.TileHeight == 0 {
		d.TileWidth, d.TileHeight = 512, 512
	}
	if d.FormatSuffix == "" && d.Kind == PlaceNames {
		d.FormatSuffix = ".json"
	}
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: dataset has no name", level.ErrConfiguration)
	}
	switch d.Kind {
	case Imagery, Mercator, PlaceNames:
	default:
		return fmt.Errorf("%w: dataset %q has unknown kind %q", level.ErrConfiguration, d.Name, d.Kind)
	}
	if d.Kind == PlaceNames && d.DistanceBand.Max > 0 && d.DistanceBand.Min > d.DistanceBand.Max {
		return fmt.Errorf("%w: dataset %q distance band is inverted", level.ErrConfiguration, d.Name)
	}
	return nil
}

// Params converts the descriptor into level set parameters.
func (d Descriptor) Params(absent level.AbsentOptions) level.Params {
	p := level.Params{
		Sector:             d.Sector,
		LevelZeroTileDelta: d.LevelZeroTileDelta,
		NumLevels:          d.NumLevels,
		NumEmptyLevels:     d.NumEmptyLevels,
		InactiveLevels:     d.InactiveLevels,
		TileWidth:          d.TileWidth,
		TileHeight:         d.TileHeight,
		CacheName:          d.CacheName,
		ServiceURL:         d.ServiceURL,
		Dataset:            d.Dataset,
		FormatSuffix:       d.FormatSuffix,
		SectorResolutions:  d.SectorResolutions,
		Absent:             absent,
	}
	if !d.Expiry.IsZero() {
		p.ExpiryTime = d.Expiry.UnixMilli()
	}
	if d.Kind == Mercator {
		p.Projection = level.Mercator
	}
	return p
}
