package aeronav

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/godal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileMercBounds(t *testing.T) {
	world := tileMercBounds(TileCoord{Z: 0, X: 0, Y: 0})
	assert.InDelta(t, -originShift, world.MinX, 1e-6)
	assert.InDelta(t, originShift, world.MaxX, 1e-6)
	assert.InDelta(t, -originShift, world.MinY, 1e-6)
	assert.InDelta(t, originShift, world.MaxY, 1e-6)

	// Tile row 0 is the northern hemisphere.
	nw := tileMercBounds(TileCoord{Z: 1, X: 0, Y: 0})
	assert.InDelta(t, -originShift, nw.MinX, 1e-6)
	assert.InDelta(t, 0, nw.MaxX, 1e-6)
	assert.InDelta(t, 0, nw.MinY, 1e-6)
	assert.InDelta(t, originShift, nw.MaxY, 1e-6)
}

func TestTilePath(t *testing.T) {
	p := TilePath("/tiles/sec", TileCoord{Z: 12, X: 700, Y: 1425})
	assert.Equal(t, filepath.Join("/tiles/sec", "12", "700", "1425.png"), p)
}

// writeSolidTile writes a 256x256 rgba png of one solid color.
func writeSolidTile(t *testing.T, path string, r, g, b, a float64) {
	t.Helper()
	ds, err := godal.Create(godal.Memory, "", 4, godal.Byte, TileSize, TileSize)
	require.NoError(t, err)
	defer ds.Close()
	for i, v := range []float64{r, g, b, a} {
		require.NoError(t, ds.Bands()[i].Fill(v, 0))
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	out, err := ds.Translate(path, []string{"-of", "PNG"},
		godal.ConfigOption("GDAL_PAM_ENABLED=NO"))
	require.NoError(t, err)
	require.NoError(t, out.Close())
}

func readPixel(t *testing.T, path string, x, y int) [4]uint8 {
	t.Helper()
	ds, err := godal.Open(path, godal.RasterOnly())
	require.NoError(t, err)
	defer ds.Close()
	var px [4]uint8
	for i, b := range ds.Bands() {
		buf := make([]uint8, 1)
		require.NoError(t, b.Read(x, y, buf, 1, 1))
		px[i] = buf[0]
	}
	return px
}

func TestOverviewCompositingQuadrants(t *testing.T) {
	root := t.TempDir()
	parent := TileCoord{Z: 4, X: 3, Y: 2}
	children := parent.Children()

	// Distinct solid colors: NW red, NE green, SW blue, SE gray.
	writeSolidTile(t, TilePath(root, children[0]), 255, 0, 0, 255)
	writeSolidTile(t, TilePath(root, children[1]), 0, 255, 0, 255)
	writeSolidTile(t, TilePath(root, children[2]), 0, 0, 255, 255)
	writeSolidTile(t, TilePath(root, children[3]), 128, 128, 128, 255)

	state, err := BuildOverviewTile(root, parent)
	require.NoError(t, err)
	assert.Equal(t, TileWritten, state)

	p := TilePath(root, parent)
	assert.Equal(t, [4]uint8{255, 0, 0, 255}, readPixel(t, p, 64, 64), "north-west quadrant")
	assert.Equal(t, [4]uint8{0, 255, 0, 255}, readPixel(t, p, 192, 64), "north-east quadrant")
	assert.Equal(t, [4]uint8{0, 0, 255, 255}, readPixel(t, p, 64, 192), "south-west quadrant")
	assert.Equal(t, [4]uint8{128, 128, 128, 255}, readPixel(t, p, 192, 192), "south-east quadrant")
}

func TestOverviewPartialChildren(t *testing.T) {
	root := t.TempDir()
	parent := TileCoord{Z: 6, X: 10, Y: 20}
	// Only the south-east child exists.
	writeSolidTile(t, TilePath(root, parent.Children()[3]), 200, 100, 50, 255)

	state, err := BuildOverviewTile(root, parent)
	require.NoError(t, err)
	assert.Equal(t, TileWritten, state)

	p := TilePath(root, parent)
	px := readPixel(t, p, 192, 192)
	assert.Equal(t, uint8(255), px[3])
	// The empty quadrants stay fully transparent.
	assert.Equal(t, uint8(0), readPixel(t, p, 64, 64)[3])
}

func TestOverviewNoChildren(t *testing.T) {
	root := t.TempDir()
	parent := TileCoord{Z: 3, X: 1, Y: 1}
	state, err := BuildOverviewTile(root, parent)
	require.NoError(t, err)
	assert.Equal(t, TileSkippedTransparent, state)
	_, statErr := os.Stat(TilePath(root, parent))
	assert.True(t, os.IsNotExist(statErr))
}

func TestOverviewSkipsExisting(t *testing.T) {
	root := t.TempDir()
	parent := TileCoord{Z: 3, X: 1, Y: 1}
	writeSolidTile(t, TilePath(root, parent), 1, 2, 3, 255)
	before, err := os.Stat(TilePath(root, parent))
	require.NoError(t, err)

	state, err := BuildOverviewTile(root, parent)
	require.NoError(t, err)
	assert.Equal(t, TileSkippedExisting, state)
	after, err := os.Stat(TilePath(root, parent))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

// mercRaster writes a georeferenced EPSG:3857 rgba GTiff covering the
// given box, filled with one solid color.
func mercRaster(t *testing.T, path string, box Bounds, w, h int, r, g, b, a float64) {
	t.Helper()
	ds, err := godal.Create(godal.GTiff, path, 4, godal.Byte, w, h)
	require.NoError(t, err)
	defer ds.Close()
	sr, err := godal.NewSpatialRefFromEPSG(WebMercatorEPSG)
	require.NoError(t, err)
	defer sr.Close()
	require.NoError(t, ds.SetSpatialRef(sr))
	require.NoError(t, ds.SetGeoTransform([6]float64{
		box.MinX, box.Width() / float64(w), 0,
		box.MaxY, 0, -box.Height() / float64(h),
	}))
	for i, v := range []float64{r, g, b, a} {
		require.NoError(t, ds.Bands()[i].Fill(v, 0))
	}
}

func TestCutBaseTile(t *testing.T) {
	dir := t.TempDir()
	tile := TileCoord{Z: 2, X: 1, Y: 1}
	src := filepath.Join(dir, "src.tif")
	mercRaster(t, src, tileMercBounds(tile), 512, 512, 10, 20, 30, 255)

	out := filepath.Join(dir, "tiles")
	state, err := CutBaseTile(src, out, tile, godal.Nearest)
	require.NoError(t, err)
	assert.Equal(t, TileWritten, state)
	assert.Equal(t, [4]uint8{10, 20, 30, 255}, readPixel(t, TilePath(out, tile), 128, 128))

	state, err = CutBaseTile(src, out, tile, godal.Nearest)
	require.NoError(t, err)
	assert.Equal(t, TileSkippedExisting, state)
}

func TestCutBaseTileTransparent(t *testing.T) {
	dir := t.TempDir()
	tile := TileCoord{Z: 2, X: 1, Y: 1}
	src := filepath.Join(dir, "src.tif")
	mercRaster(t, src, tileMercBounds(tile), 64, 64, 10, 20, 30, 0)

	out := filepath.Join(dir, "tiles")
	state, err := CutBaseTile(src, out, tile, godal.Nearest)
	require.NoError(t, err)
	assert.Equal(t, TileSkippedTransparent, state)
	_, statErr := os.Stat(TilePath(out, tile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCutBaseTilePartialCoverage(t *testing.T) {
	dir := t.TempDir()
	tile := TileCoord{Z: 2, X: 1, Y: 1}
	tb := tileMercBounds(tile)
	// Source covers only the western half of the tile.
	half := Bounds{MinX: tb.MinX, MinY: tb.MinY, MaxX: tb.MinX + tb.Width()/2, MaxY: tb.MaxY}
	src := filepath.Join(dir, "src.tif")
	mercRaster(t, src, half, 256, 512, 10, 20, 30, 255)

	out := filepath.Join(dir, "tiles")
	state, err := CutBaseTile(src, out, tile, godal.Nearest)
	require.NoError(t, err)
	assert.Equal(t, TileWritten, state)

	p := TilePath(out, tile)
	assert.Equal(t, uint8(255), readPixel(t, p, 64, 128)[3], "covered half is opaque")
	assert.Equal(t, uint8(0), readPixel(t, p, 200, 128)[3], "uncovered half is transparent")
}
