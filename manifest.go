package aeronav

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"
)

// maxMercatorLat is the latitude clamp applied before tile math. Web
// mercator diverges at the poles; chart corners reported slightly beyond
// the projection's domain would otherwise produce out-of-range tile rows.
const maxMercatorLat = 85.0

// TileCoord addresses one tile in the XYZ scheme (y=0 at the north edge).
type TileCoord struct {
	Z uint32
	X uint32
	Y uint32
}

func (t TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Children returns the four tiles at zoom z+1 covering this tile.
func (t TileCoord) Children() [4]TileCoord {
	x, y := t.X*2, t.Y*2
	return [4]TileCoord{
		{t.Z + 1, x, y},
		{t.Z + 1, x + 1, y},
		{t.Z + 1, x, y + 1},
		{t.Z + 1, x + 1, y + 1},
	}
}

// Manifest is the set of tiles a tileset's datasets cover, per zoom level.
// Tile coordinates are stored in one bitmap per zoom, keyed by packed
// (x,y).
type Manifest struct {
	zooms map[uint32]*roaring64.Bitmap
}

func packXY(x, y uint32) uint64 {
	return uint64(x)<<32 | uint64(y)
}

func unpackXY(id uint64) (x, y uint32) {
	return uint32(id >> 32), uint32(id)
}

// BuildManifest enumerates the tiles covered by a set of reprojected
// rasters between zmin and zmax. A raster contributes to every zoom at or
// below its max level of detail; the mosaic stack guarantees finer data
// paints over it wherever both cover a tile.
func BuildManifest(lg *zap.SugaredLogger, rasters []*ReprojectedRaster, zmin, zmax int) *Manifest {
	m := &Manifest{zooms: make(map[uint32]*roaring64.Bitmap)}
	for z := zmin; z <= zmax; z++ {
		m.zooms[uint32(z)] = roaring64.New()
	}
	for _, rr := range rasters {
		if rr == nil {
			continue
		}
		for z := zmin; z <= zmax && z <= rr.MaxLOD; z++ {
			bm := m.zooms[uint32(z)]
			for _, b := range splitAntimeridian(rr.GeoBounds) {
				addCoveredTiles(bm, b, uint32(z))
			}
		}
	}
	for z := zmin; z <= zmax; z++ {
		lg.Debugf("manifest: zoom %d has %d tiles", z, m.zooms[uint32(z)].GetCardinality())
	}
	return m
}

// splitAntimeridian breaks a geographic box that crosses ±180° (west edge
// numerically east of the east edge) into two in-range boxes.
func splitAntimeridian(b Bounds) []Bounds {
	if b.MinX <= b.MaxX {
		return []Bounds{b}
	}
	return []Bounds{
		{MinX: b.MinX, MinY: b.MinY, MaxX: 180, MaxY: b.MaxY},
		{MinX: -180, MinY: b.MinY, MaxX: b.MaxX, MaxY: b.MaxY},
	}
}

func clampLat(lat float64) float64 {
	if lat > maxMercatorLat {
		return maxMercatorLat
	}
	if lat < -maxMercatorLat {
		return -maxMercatorLat
	}
	return lat
}

// clampLon keeps sub-pixel georeferencing drift on rewrapped rasters from
// escaping the tile grid.
func clampLon(lon float64) float64 {
	if lon < -180 {
		return -180
	}
	if lon > 180 {
		return 180
	}
	return lon
}

// addCoveredTiles adds every zoom-z tile intersecting the geographic box to
// the bitmap. The box must not cross the antimeridian.
func addCoveredTiles(bm *roaring64.Bitmap, b Bounds, z uint32) {
	nw := maptile.At(orb.Point{clampLon(b.MinX), clampLat(b.MaxY)}, maptile.Zoom(z))
	se := maptile.At(orb.Point{clampLon(b.MaxX), clampLat(b.MinY)}, maptile.Zoom(z))
	maxTile := uint32(1)<<z - 1
	if se.X > maxTile {
		se.X = maxTile
	}
	if se.Y > maxTile {
		se.Y = maxTile
	}
	for x := nw.X; x <= se.X; x++ {
		for y := nw.Y; y <= se.Y; y++ {
			bm.Add(packXY(x, y))
		}
	}
}

// Contains reports whether the manifest covers the tile.
func (m *Manifest) Contains(t TileCoord) bool {
	bm := m.zooms[t.Z]
	return bm != nil && bm.Contains(packXY(t.X, t.Y))
}

// Count returns the number of tiles at a zoom level.
func (m *Manifest) Count(z uint32) uint64 {
	bm := m.zooms[z]
	if bm == nil {
		return 0
	}
	return bm.GetCardinality()
}

// Zooms returns the manifest's zoom levels in ascending order.
func (m *Manifest) Zooms() []uint32 {
	zs := make([]uint32, 0, len(m.zooms))
	for z := range m.zooms {
		zs = append(zs, z)
	}
	sort.Slice(zs, func(i, j int) bool { return zs[i] < zs[j] })
	return zs
}

// Tiles returns the tile coordinates at a zoom level, in bitmap (row-major
// by x) order.
func (m *Manifest) Tiles(z uint32) []TileCoord {
	bm := m.zooms[z]
	if bm == nil {
		return nil
	}
	out := make([]TileCoord, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		x, y := unpackXY(it.Next())
		out = append(out, TileCoord{Z: z, X: x, Y: y})
	}
	return out
}

// TotalCount returns the number of tiles across all zoom levels.
func (m *Manifest) TotalCount() uint64 {
	var n uint64
	for _, bm := range m.zooms {
		n += bm.GetCardinality()
	}
	return n
}
