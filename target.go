package aeronav

import (
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
)

const (
	earthRadius = 6378137.0
	originShift = math.Pi * earthRadius
	worldWidth  = 2 * originShift
)

// boundaryDensity is the number of samples taken along each edge of a
// bounding box before transforming it to another projection. Sampling only
// the corners underestimates the transformed extent of curved edges.
const boundaryDensity = 21

// webMercatorProj4 is EPSG:3857 as a proj4 string, used to build the
// antimeridian-shifted reference projection.
const webMercatorProj4 = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=%g " +
	"+x_0=0 +y_0=0 +k=1 +units=m +nadgrids=@null +wgs84=0,0,0,0,0,0,0 +no_defs"

// TargetSpec is the destination grid computed for one dataset: the affine
// transform, and the raster size in pixels.
type TargetSpec struct {
	Transform GeoTransform
	Width     int
	Height    int
}

// Bounds returns the georeferenced extent of the target grid.
func (t TargetSpec) Bounds() Bounds {
	return windowBounds(t.Transform, Window{Width: t.Width, Height: t.Height})
}

// Resolution returns the target pixel size.
func (t TargetSpec) Resolution() float64 {
	return t.Transform[1]
}

// pointTransformer reprojects coordinate arrays in place. It exists so the
// target calculation is testable without a PROJ-backed transform.
type pointTransformer interface {
	transformPoints(xs, ys []float64, ok []bool) error
}

type projTransform struct {
	trn *godal.Transform
}

func (p projTransform) transformPoints(xs, ys []float64, ok []bool) error {
	return p.trn.TransformEx(xs, ys, nil, ok)
}

// transformedBounds reprojects a bounding box by densifying its boundary and
// taking the min/max of the points that transform successfully.
func transformedBounds(tr pointTransformer, src Bounds) (Bounds, error) {
	cols, rows := boundarySamples(1, 1, boundaryDensity)
	xs := make([]float64, len(cols))
	ys := make([]float64, len(rows))
	for i := range cols {
		xs[i] = src.MinX + cols[i]*src.Width()
		ys[i] = src.MinY + rows[i]*src.Height()
	}
	ok := make([]bool, len(xs))
	if err := tr.transformPoints(xs, ys, ok); err != nil {
		return Bounds{}, fmt.Errorf("transform bounds: %w", err)
	}
	out := Bounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	n := 0
	for i := range xs {
		if !ok[i] || math.IsInf(xs[i], 0) || math.IsNaN(xs[i]) ||
			math.IsInf(ys[i], 0) || math.IsNaN(ys[i]) {
			continue
		}
		out.MinX = math.Min(out.MinX, xs[i])
		out.MinY = math.Min(out.MinY, ys[i])
		out.MaxX = math.Max(out.MaxX, xs[i])
		out.MaxY = math.Max(out.MaxY, ys[i])
		n++
	}
	if n < 2 {
		return Bounds{}, fmt.Errorf("transform bounds: no points transformed successfully")
	}
	return out, nil
}

// suggestedTarget computes the destination transform and raster size for
// reprojecting a width*height source extent. The resolution is estimated
// from the local scale of the transformation at the window center (a
// one-pixel step along each axis), and the raster is sized to cover the
// transformed bounds at that resolution.
func suggestedTarget(tr pointTransformer, width, height int, src Bounds) (TargetSpec, error) {
	dst, err := transformedBounds(tr, src)
	if err != nil {
		return TargetSpec{}, err
	}
	res, ok := localResolution(tr, width, height, src)
	if !ok {
		res = math.Max(dst.Width()/float64(width), dst.Height()/float64(height))
	}
	if res <= 0 || math.IsInf(res, 0) || math.IsNaN(res) {
		return TargetSpec{}, fmt.Errorf("degenerate destination resolution %g", res)
	}
	return targetForBounds(dst, res), nil
}

// localResolution measures the destination ground size of one source pixel
// by transforming one-pixel steps at the window center and the four edge
// midpoints, keeping the finest scale that transforms cleanly. Local
// sampling is used rather than the global bounds ratio so that a window
// wrapping around the projection's seam keeps its true resolution instead
// of inheriting a near-worldwide extent; taking the minimum discards
// samples whose step itself straddles the seam.
func localResolution(tr pointTransformer, width, height int, src Bounds) (float64, bool) {
	pxw := src.Width() / float64(width)
	pxh := src.Height() / float64(height)
	cx := src.MinX + src.Width()/2
	cy := src.MinY + src.Height()/2
	probes := [][2]float64{
		{cx, cy},
		{src.MinX, cy}, {src.MaxX - pxw, cy},
		{cx, src.MinY}, {cx, src.MaxY - pxh},
	}
	best := math.Inf(1)
	for _, p := range probes {
		xs := []float64{p[0], p[0] + pxw, p[0]}
		ys := []float64{p[1], p[1], p[1] + pxh}
		ok := make([]bool, 3)
		if err := tr.transformPoints(xs, ys, ok); err != nil || !ok[0] || !ok[1] || !ok[2] {
			continue
		}
		rx := math.Hypot(xs[1]-xs[0], ys[1]-ys[0])
		ry := math.Hypot(xs[2]-xs[0], ys[2]-ys[0])
		res := math.Max(rx, ry)
		if res > 0 && !math.IsInf(res, 0) && !math.IsNaN(res) && res < best {
			best = res
		}
	}
	if math.IsInf(best, 1) {
		return 0, false
	}
	return best, true
}

// targetForBounds grids a destination box at a fixed resolution, north-up.
func targetForBounds(dst Bounds, res float64) TargetSpec {
	w := int(math.Ceil(dst.Width()/res - 1e-9))
	h := int(math.Ceil(dst.Height()/res - 1e-9))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return TargetSpec{
		Transform: GeoTransform{dst.MinX, res, 0, dst.MaxY, 0, -res},
		Width:     w,
		Height:    h,
	}
}

// antimeridianTarget computes the destination grid for a source window that
// straddles ±180° longitude. The usual calculation is unsafe there: under
// the true destination projection the window's transformed boundary appears
// to span nearly the whole globe, which yields a uselessly coarse
// resolution and an exploded raster width. The grid is instead computed
// under a reference projection whose longitude origin sits on the
// antimeridian, where the window is compact, and the resulting origin is
// unwrapped into continuous true-projection coordinates (possibly beyond
// +20037508m; the geobound clip brings it back into range).
//
// trShifted must transform source coordinates into the lon_0=180 web
// mercator frame. The destination projection is assumed to be mercator-like
// (y values identical in both frames).
func antimeridianTarget(trShifted pointTransformer, width, height int, src Bounds) (TargetSpec, error) {
	shifted, err := suggestedTarget(trShifted, width, height, src)
	if err != nil {
		return TargetSpec{}, err
	}
	// Shifted frame x=0 is the antimeridian, true frame x=0 is Greenwich:
	// a shifted coordinate s corresponds to the continuous true coordinate
	// s + originShift.
	shifted.Transform[0] += originShift
	return shifted, nil
}

// resolveGeoBound fills the nil components of a geobound from computed
// geographic bounds. Each set component is a constraint on the matching
// edge; unset components keep the dataset's own extent.
func resolveGeoBound(gb *GeoBound, computed Bounds) Bounds {
	out := computed
	if gb == nil {
		return out
	}
	if gb.MinLon != nil {
		out.MinX = *gb.MinLon
	}
	if gb.MinLat != nil {
		out.MinY = *gb.MinLat
	}
	if gb.MaxLon != nil {
		out.MaxX = *gb.MaxLon
	}
	if gb.MaxLat != nil {
		out.MaxY = *gb.MaxLat
	}
	return out
}

// clipToGeoBound trims a target grid to a geographic bound. toGeo and
// fromGeo transform between the destination projection and geographic
// coordinates. Both directions normalize around the seam (PROJ wraps
// inverse-projection longitudes into ±180°), so transformed samples are
// unwrapped toward the grid center in each frame. The clip snaps to the
// existing pixel grid, so clipping an already-clipped target to the same
// bound is a no-op.
func clipToGeoBound(spec TargetSpec, gb *GeoBound, toGeo, fromGeo pointTransformer) (TargetSpec, error) {
	if gb == nil {
		return spec, nil
	}
	dstBounds := spec.Bounds()
	centerX := (dstBounds.MinX + dstBounds.MaxX) / 2
	geo, err := unwrappedBounds(toGeo, dstBounds, centerX/originShift*180, 360)
	if err != nil {
		return TargetSpec{}, fmt.Errorf("geobound: %w", err)
	}
	clipGeo := resolveGeoBound(gb, geo)
	clipDst, err := unwrappedBounds(fromGeo, clipGeo, centerX, worldWidth)
	if err != nil {
		return TargetSpec{}, fmt.Errorf("geobound: %w", err)
	}

	res := spec.Resolution()
	col0 := math.Floor((clipDst.MinX-spec.Transform[0])/res + 1e-6)
	row0 := math.Floor((spec.Transform[3]-clipDst.MaxY)/res + 1e-6)
	col1 := math.Ceil((clipDst.MaxX-spec.Transform[0])/res - 1e-6)
	row1 := math.Ceil((spec.Transform[3]-clipDst.MinY)/res - 1e-6)
	col0 = math.Max(col0, 0)
	row0 = math.Max(row0, 0)
	col1 = math.Min(col1, float64(spec.Width))
	row1 = math.Min(row1, float64(spec.Height))
	if col1 <= col0 || row1 <= row0 {
		return TargetSpec{}, fmt.Errorf("geobound clips dataset to an empty extent")
	}

	out := TargetSpec{
		Transform: GeoTransform{
			spec.Transform[0] + col0*res, res, 0,
			spec.Transform[3] - row0*res, 0, -res,
		},
		Width:  int(col1 - col0),
		Height: int(row1 - row0),
	}
	// A grid that extended beyond the +180° seam and whose clipped extent
	// now starts at (or within a pixel of) the seam is rewrapped onto the
	// western hemisphere.
	if dstBounds.MaxX > originShift+1e-6 && out.Transform[0] >= originShift-res {
		out.Transform[0] -= worldWidth
	}
	return out, nil
}

// unwrappedBounds is transformedBounds with seam handling: each
// transformed sample is shifted by whole periods (the world width in
// mercator meters, 360 in degrees) toward center, so a box whose
// projection wraps around ±180° still yields a compact extent in the same
// continuous frame as the grid being clipped.
func unwrappedBounds(tr pointTransformer, src Bounds, center, period float64) (Bounds, error) {
	cols, rows := boundarySamples(1, 1, boundaryDensity)
	xs := make([]float64, len(cols))
	ys := make([]float64, len(rows))
	for i := range cols {
		xs[i] = src.MinX + cols[i]*src.Width()
		ys[i] = src.MinY + rows[i]*src.Height()
	}
	ok := make([]bool, len(xs))
	if err := tr.transformPoints(xs, ys, ok); err != nil {
		return Bounds{}, fmt.Errorf("transform bounds: %w", err)
	}
	out := Bounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	n := 0
	for i := range xs {
		if !ok[i] || math.IsInf(xs[i], 0) || math.IsNaN(xs[i]) ||
			math.IsInf(ys[i], 0) || math.IsNaN(ys[i]) {
			continue
		}
		x := xs[i] + period*math.Round((center-xs[i])/period)
		out.MinX = math.Min(out.MinX, x)
		out.MinY = math.Min(out.MinY, ys[i])
		out.MaxX = math.Max(out.MaxX, x)
		out.MaxY = math.Max(out.MaxY, ys[i])
		n++
	}
	if n < 2 {
		return Bounds{}, fmt.Errorf("transform bounds: no points transformed successfully")
	}
	return out, nil
}
