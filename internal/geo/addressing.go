package geo

import "math"

// gridEpsilon absorbs floating point noise when a coordinate lies on a grid line.
const gridEpsilon = 1e-9

// DefaultTileOrigin is the global tiling origin shared by every dataset unless it sets its own.
var DefaultTileOrigin = LatLon{Lat: -90, Lon: -180}

// ComputeRow returns the row of the tile containing latitude, for tiles of height delta
// laid out from origin. A latitude on the top edge of the grid maps to the last row.
func ComputeRow(delta, latitude, origin float64) int {
	if delta <= 0 {
		return 0
	}
	row := int(math.Floor((latitude-origin)/delta + gridEpsilon))
	if latitude-origin == 180 {
		row--
	}
	return row
}

// ComputeColumn returns the column of the tile containing longitude. The grid spans 360
// degrees from origin, so longitudes west of the origin wrap around.
func ComputeColumn(delta, longitude, origin float64) int {
	if delta <= 0 {
		return 0
	}
	gridLon := longitude - origin
	if gridLon < 0 {
		gridLon += 360
	}
	col := int(math.Floor(gridLon/delta + gridEpsilon))
	if longitude-origin == 360 {
		col--
	}
	return col
}

// ComputeRowLatitude is the minimum latitude of row.
func ComputeRowLatitude(row int, delta, origin float64) float64 {
	return origin + float64(row)*delta
}

// ComputeColumnLongitude is the minimum longitude of column.
func ComputeColumnLongitude(column int, delta, origin float64) float64 {
	return origin + float64(column)*delta
}

// TileSector returns the sector covered by (row, column) for a level with the given tile delta.
func TileSector(row, column int, delta, origin LatLon) Sector {
	minLat := ComputeRowLatitude(row, delta.Lat, origin.Lat)
	minLon := ComputeColumnLongitude(column, delta.Lon, origin.Lon)
	return Sector{MinLat: minLat, MaxLat: minLat + delta.Lat, MinLon: minLon, MaxLon: minLon + delta.Lon}
}

// TileRange is an inclusive row/column rectangle.
type TileRange struct {
	FirstRow, LastRow int
	FirstCol, LastCol int
}

// ComputeTileRange returns the rows and columns of the tiles intersecting sector.
func ComputeTileRange(sector Sector, delta, origin LatLon) TileRange {
	return TileRange{
		FirstRow: ComputeRow(delta.Lat, sector.MinLat, origin.Lat),
		LastRow:  ComputeRow(delta.Lat, sector.MaxLat, origin.Lat),
		FirstCol: ComputeColumn(delta.Lon, sector.MinLon, origin.Lon),
		LastCol:  ComputeColumn(delta.Lon, sector.MaxLon, origin.Lon),
	}
}

func (r TileRange) Rows() int { return r.LastRow - r.FirstRow + 1 }
func (r TileRange) Cols() int { return r.LastCol - r.FirstCol + 1 }

func (r TileRange) Count() int64 {
	if r.Rows() <= 0 || r.Cols() <= 0 {
		return 0
	}
	return int64(r.Rows()) * int64(r.Cols())
}
