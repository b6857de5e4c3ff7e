package aeronav

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/airbusgeo/godal"
)

// TileSize is the edge length of an output tile in pixels.
const TileSize = 256

// TileState is the terminal state of one tile's generation.
type TileState int

const (
	// TileWritten means the tile image was produced and persisted.
	TileWritten TileState = iota
	// TileSkippedTransparent means the tile had no opaque pixels and was
	// discarded without writing.
	TileSkippedTransparent
	// TileSkippedExisting means an output file already existed and was left
	// untouched.
	TileSkippedExisting
)

// tileMercBounds returns the EPSG:3857 extent of a tile. Tile rows count
// from the north edge while mercator y grows northward, so row y maps to
// the top of the tile at originShift - y*tileWidth.
func tileMercBounds(t TileCoord) Bounds {
	tw := worldWidth / float64(uint64(1)<<t.Z)
	minX := -originShift + float64(t.X)*tw
	maxY := originShift - float64(t.Y)*tw
	return Bounds{MinX: minX, MinY: maxY - tw, MaxX: minX + tw, MaxY: maxY}
}

// TilePath returns the output path of a tile under root, in the
// {z}/{x}/{y}.png layout.
func TilePath(root string, t TileCoord) string {
	return filepath.Join(root,
		strconv.FormatUint(uint64(t.Z), 10),
		strconv.FormatUint(uint64(t.X), 10),
		strconv.FormatUint(uint64(t.Y), 10)+".png")
}

// allTransparent reports whether the dataset's last band (alpha) contains
// only zero samples.
func allTransparent(ds *godal.Dataset) (bool, error) {
	st := ds.Structure()
	bands := ds.Bands()
	alpha := bands[len(bands)-1]
	buf := make([]uint8, st.SizeX*st.SizeY)
	if err := alpha.Read(0, 0, buf, st.SizeX, st.SizeY); err != nil {
		return false, fmt.Errorf("read alpha: %w", err)
	}
	for _, v := range buf {
		if v != 0 {
			return false, nil
		}
	}
	return true, nil
}

// writePNG persists a memory tile, creating the {z}/{x} directory if
// needed. Directory creation is idempotent and safe to race across
// workers. PAM sidecars are suppressed: the tile tree carries its
// georeferencing in its path structure.
func writePNG(ds *godal.Dataset, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := ds.Translate(path, []string{"-of", "PNG"},
		godal.ConfigOption("GDAL_PAM_ENABLED=NO"))
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return out.Close()
}

// CutBaseTile produces one leaf tile by resampling the mosaic's exact
// mercator window for the tile coordinate. Windows that extend past the
// mosaic edge are padded with transparent pixels. An existing output file
// short-circuits all work.
func CutBaseTile(mosaicPath, outRoot string, t TileCoord, alg godal.ResamplingAlg) (TileState, error) {
	outPath := TilePath(outRoot, t)
	if _, err := os.Stat(outPath); err == nil {
		return TileSkippedExisting, nil
	}

	src, err := godal.Open(mosaicPath, godal.RasterOnly())
	if err != nil {
		return 0, fmt.Errorf("open mosaic: %w", err)
	}
	defer src.Close()

	tile, err := readTileWindow(src, tileMercBounds(t), alg)
	if err != nil {
		return 0, fmt.Errorf("tile %s: %w", t, err)
	}
	defer tile.Close()

	empty, err := allTransparent(tile)
	if err != nil {
		return 0, fmt.Errorf("tile %s: %w", t, err)
	}
	if empty {
		return TileSkippedTransparent, nil
	}
	if err := writePNG(tile, outPath); err != nil {
		return 0, err
	}
	return TileWritten, nil
}

// readTileWindow resamples the part of src covered by the mercator box
// into a TileSize square memory dataset, leaving uncovered pixels
// transparent.
func readTileWindow(src *godal.Dataset, box Bounds, alg godal.ResamplingAlg) (*godal.Dataset, error) {
	gt6, err := src.GeoTransform()
	if err != nil {
		return nil, err
	}
	gt := GeoTransform(gt6)
	inv, err := gt.Invert()
	if err != nil {
		return nil, err
	}
	st := src.Structure()
	nb := st.NBands

	tile, err := godal.Create(godal.Memory, "", nb, godal.Byte, TileSize, TileSize)
	if err != nil {
		return nil, err
	}
	for i, b := range src.Bands() {
		if err := tile.Bands()[i].SetColorInterp(b.ColorInterp()); err != nil {
			tile.Close()
			return nil, err
		}
	}

	// Fractional source window of the tile box, clamped to the raster.
	c0, r0 := inv.Apply(box.MinX, box.MaxY)
	c1, r1 := inv.Apply(box.MaxX, box.MinY)
	sx0 := math.Max(c0, 0)
	sy0 := math.Max(r0, 0)
	sx1 := math.Min(c1, float64(st.SizeX))
	sy1 := math.Min(r1, float64(st.SizeY))
	if sx1 <= sx0 || sy1 <= sy0 {
		return tile, nil
	}

	// Destination sub-rectangle covered by the clamped window.
	scale := TileSize / (c1 - c0)
	dx0 := int(math.Floor((sx0 - c0) * scale))
	dy0 := int(math.Floor((sy0 - r0) * scale))
	dx1 := int(math.Ceil((sx1 - c0) * scale))
	dy1 := int(math.Ceil((sy1 - r0) * scale))
	dw, dh := dx1-dx0, dy1-dy0
	if dw < 1 || dh < 1 {
		return tile, nil
	}

	buf := make([]uint8, dw*dh*nb)
	err = src.Read(int(math.Floor(sx0)), int(math.Floor(sy0)), buf, dw, dh,
		godal.Window(int(math.Ceil(sx1))-int(math.Floor(sx0)), int(math.Ceil(sy1))-int(math.Floor(sy0))),
		godal.Resampling(alg), godal.BandInterleaved())
	if err != nil {
		tile.Close()
		return nil, fmt.Errorf("read window: %w", err)
	}
	if err := tile.Write(dx0, dy0, buf, dw, dh, godal.BandInterleaved()); err != nil {
		tile.Close()
		return nil, fmt.Errorf("write tile buffer: %w", err)
	}
	return tile, nil
}

// BuildOverviewTile synthesizes a parent tile from its four children at
// zoom+1. Children are composited onto a double-size canvas at their
// quadrant position and downsampled with average resampling. A parent with
// no existing children is skipped entirely.
//
// All children must already be durably written: the caller is responsible
// for running overview synthesis strictly after the finer zoom completes.
func BuildOverviewTile(outRoot string, t TileCoord) (TileState, error) {
	outPath := TilePath(outRoot, t)
	if _, err := os.Stat(outPath); err == nil {
		return TileSkippedExisting, nil
	}

	var children [4]*godal.Dataset
	defer func() {
		for _, c := range children {
			if c != nil {
				c.Close()
			}
		}
	}()
	nb, found := 0, false
	for i, ct := range t.Children() {
		p := TilePath(outRoot, ct)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		ds, err := godal.Open(p, godal.RasterOnly())
		if err != nil {
			return 0, fmt.Errorf("open child %s: %w", ct, err)
		}
		children[i] = ds
		if !found {
			nb = ds.Structure().NBands
			found = true
		}
	}
	if !found {
		return TileSkippedTransparent, nil
	}

	canvas, err := godal.Create(godal.Memory, "", nb, godal.Byte, 2*TileSize, 2*TileSize)
	if err != nil {
		return 0, err
	}
	defer canvas.Close()
	for i, ct := range t.Children() {
		if children[i] == nil {
			continue
		}
		buf := make([]uint8, TileSize*TileSize*nb)
		if err := children[i].Read(0, 0, buf, TileSize, TileSize, godal.BandInterleaved()); err != nil {
			return 0, fmt.Errorf("read child %s: %w", ct, err)
		}
		// Child rows count from the north like pixel rows, so the quadrant
		// offset follows the coordinate deltas directly.
		dx := int(ct.X-2*t.X) * TileSize
		dy := int(ct.Y-2*t.Y) * TileSize
		if err := canvas.Write(dx, dy, buf, TileSize, TileSize, godal.BandInterleaved()); err != nil {
			return 0, fmt.Errorf("compose child %s: %w", ct, err)
		}
	}

	down, err := canvas.Translate("", []string{
		"-of", "MEM",
		"-outsize", strconv.Itoa(TileSize), strconv.Itoa(TileSize),
		"-r", "average",
	})
	if err != nil {
		return 0, fmt.Errorf("downsample %s: %w", t, err)
	}
	defer down.Close()

	empty, err := allTransparent(down)
	if err != nil {
		return 0, fmt.Errorf("tile %s: %w", t, err)
	}
	if empty {
		return TileSkippedTransparent, nil
	}
	if err := writePNG(down, outPath); err != nil {
		return 0, err
	}
	return TileWritten, nil
}
