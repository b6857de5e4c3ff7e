package aeronav

import (
	"fmt"
	"math"
)

// GeoTransform is an affine transform from pixel to georeferenced
// coordinates, in GDAL coefficient order:
//
//	x = gt[0] + col*gt[1] + row*gt[2]
//	y = gt[3] + col*gt[4] + row*gt[5]
type GeoTransform [6]float64

// Apply maps a pixel coordinate to georeferenced space.
func (gt GeoTransform) Apply(col, row float64) (x, y float64) {
	x = gt[0] + col*gt[1] + row*gt[2]
	y = gt[3] + col*gt[4] + row*gt[5]
	return x, y
}

// Rotated reports whether the transform has non-zero rotation/shear terms.
func (gt GeoTransform) Rotated() bool {
	return gt[2] != 0 || gt[4] != 0
}

// Invert returns the transform mapping georeferenced coordinates back to
// pixels.
func (gt GeoTransform) Invert() (GeoTransform, error) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if math.Abs(det) < 1e-15 {
		return GeoTransform{}, fmt.Errorf("geotransform is not invertible")
	}
	inv := GeoTransform{}
	inv[1] = gt[5] / det
	inv[2] = -gt[2] / det
	inv[4] = -gt[4] / det
	inv[5] = gt[1] / det
	inv[0] = -(inv[1]*gt[0] + inv[2]*gt[3])
	inv[3] = -(inv[4]*gt[0] + inv[5]*gt[3])
	return inv, nil
}

// Windowed rebases the transform onto a window's origin, so that window
// pixel (0,0) maps to the same location as raster pixel (win.X, win.Y).
func (gt GeoTransform) Windowed(win Window) GeoTransform {
	out := gt
	out[0], out[3] = gt.Apply(float64(win.X), float64(win.Y))
	return out
}

// Bounds is an axis-aligned box in georeferenced coordinates.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

func (b Bounds) Width() float64  { return b.MaxX - b.MinX }
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

// Contains reports whether the point lies inside or on the box.
func (b Bounds) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Intersect clips b to other.
func (b Bounds) Intersect(other Bounds) Bounds {
	return Bounds{
		MinX: math.Max(b.MinX, other.MinX),
		MinY: math.Max(b.MinY, other.MinY),
		MaxX: math.Min(b.MaxX, other.MaxX),
		MaxY: math.Min(b.MaxY, other.MaxY),
	}
}

// windowBounds returns the georeferenced bounding box of a pixel window
// under gt. The min/max is taken over all four transformed corners, so the
// result stays correct for transforms that contain rotation: a naive
// corner-to-corner read places the geometric minimum at the wrong corner as
// soon as the rotation terms are non-zero.
func windowBounds(gt GeoTransform, win Window) Bounds {
	c0x, c0y := gt.Apply(float64(win.X), float64(win.Y))
	c1x, c1y := gt.Apply(float64(win.X+win.Width), float64(win.Y))
	c2x, c2y := gt.Apply(float64(win.X), float64(win.Y+win.Height))
	c3x, c3y := gt.Apply(float64(win.X+win.Width), float64(win.Y+win.Height))
	return Bounds{
		MinX: math.Min(math.Min(c0x, c1x), math.Min(c2x, c3x)),
		MinY: math.Min(math.Min(c0y, c1y), math.Min(c2y, c3y)),
		MaxX: math.Max(math.Max(c0x, c1x), math.Max(c2x, c3x)),
		MaxY: math.Max(math.Max(c0y, c1y), math.Max(c2y, c3y)),
	}
}

// boundarySamples returns pixel coordinates densified along the edges of a
// width*height window (origin 0,0). n is the number of samples per edge.
func boundarySamples(width, height, n int) (cols, rows []float64) {
	cols = make([]float64, 0, 4*n)
	rows = make([]float64, 0, 4*n)
	w, h := float64(width), float64(height)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n-1)
		cols = append(cols, t*w, t*w, 0, w)
		rows = append(rows, 0, h, t*h, t*h)
	}
	return cols, rows
}

// solveAffine fits the least-squares affine transform mapping pixel
// coordinates (px,py) to projected coordinates (x,y). At least three
// non-collinear points are required; the fit is deterministic for a fixed
// point set.
func solveAffine(px, py, x, y []float64) (GeoTransform, error) {
	n := len(px)
	if n < 3 || len(py) != n || len(x) != n || len(y) != n {
		return GeoTransform{}, fmt.Errorf("affine fit needs at least 3 points, got %d", n)
	}

	// Normal equations for the basis [1, px, py], shared by both axes.
	var a [3][3]float64
	var bx, by [3]float64
	for i := 0; i < n; i++ {
		v := [3]float64{1, px[i], py[i]}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				a[r][c] += v[r] * v[c]
			}
			bx[r] += v[r] * x[i]
			by[r] += v[r] * y[i]
		}
	}

	cx, err := solve3(a, bx)
	if err != nil {
		return GeoTransform{}, err
	}
	cy, err := solve3(a, by)
	if err != nil {
		return GeoTransform{}, err
	}
	return GeoTransform{cx[0], cx[1], cx[2], cy[0], cy[1], cy[2]}, nil
}

// solve3 solves a 3x3 linear system by Gaussian elimination with partial
// pivoting.
func solve3(a [3][3]float64, b [3]float64) ([3]float64, error) {
	m := [3][4]float64{}
	for r := 0; r < 3; r++ {
		copy(m[r][:3], a[r][:])
		m[r][3] = b[r]
	}
	for col := 0; col < 3; col++ {
		pivot := col
		for r := col + 1; r < 3; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		m[col], m[pivot] = m[pivot], m[col]
		if math.Abs(m[col][col]) < 1e-10 {
			return [3]float64{}, fmt.Errorf("ill-conditioned affine fit (collinear points?)")
		}
		for r := 0; r < 3; r++ {
			if r == col {
				continue
			}
			f := m[r][col] / m[col][col]
			for c := col; c < 4; c++ {
				m[r][c] -= f * m[col][c]
			}
		}
	}
	return [3]float64{m[0][3] / m[0][0], m[1][3] / m[1][1], m[2][3] / m[2][2]}, nil
}
