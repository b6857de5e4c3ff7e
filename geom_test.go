package aeronav

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowBoundsRotation(t *testing.T) {
	// 90° rotation: x = 100 + 0*col - 2*row, y = 500 + 2*col + 0*row.
	gt := GeoTransform{100, 0, -2, 500, 2, 0}
	win := Window{X: 0, Y: 0, Width: 10, Height: 5}
	b := windowBounds(gt, win)

	corners := [][2]float64{{0, 0}, {10, 0}, {0, 5}, {10, 5}}
	for _, c := range corners {
		x, y := gt.Apply(c[0], c[1])
		assert.True(t, b.Contains(x, y), "corner (%g,%g)->(%g,%g) outside %+v", c[0], c[1], x, y, b)
	}
	assert.Equal(t, Bounds{MinX: 90, MinY: 500, MaxX: 100, MaxY: 520}, b)
}

func TestWindowBoundsNorthUp(t *testing.T) {
	gt := GeoTransform{1000, 10, 0, 2000, 0, -10}
	b := windowBounds(gt, Window{X: 2, Y: 3, Width: 4, Height: 5})
	assert.Equal(t, Bounds{MinX: 1020, MinY: 1920, MaxX: 1060, MaxY: 1970}, b)
}

func TestGeoTransformInvert(t *testing.T) {
	gt := GeoTransform{100, 2, 0.5, 500, -0.25, -2}
	inv, err := gt.Invert()
	require.NoError(t, err)
	for _, p := range [][2]float64{{0, 0}, {13, 7}, {-4, 22}} {
		x, y := gt.Apply(p[0], p[1])
		c, r := inv.Apply(x, y)
		assert.InDelta(t, p[0], c, 1e-9)
		assert.InDelta(t, p[1], r, 1e-9)
	}
}

func TestGeoTransformWindowed(t *testing.T) {
	gt := GeoTransform{1000, 10, 0, 2000, 0, -10}
	wgt := gt.Windowed(Window{X: 5, Y: 8})
	x, y := wgt.Apply(0, 0)
	ex, ey := gt.Apply(5, 8)
	assert.Equal(t, ex, x)
	assert.Equal(t, ey, y)
}

func TestSolveAffineRecovers(t *testing.T) {
	want := GeoTransform{-500, 1.5, 0.25, 8000, -0.1, -1.5}
	px := []float64{0, 100, 0, 100, 37}
	py := []float64{0, 0, 80, 80, 61}
	xs := make([]float64, len(px))
	ys := make([]float64, len(px))
	for i := range px {
		xs[i], ys[i] = want.Apply(px[i], py[i])
	}
	got, err := solveAffine(px, py, xs, ys)
	require.NoError(t, err)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6, "coefficient %d", i)
	}
}

func TestSolveAffineCollinear(t *testing.T) {
	px := []float64{0, 1, 2}
	py := []float64{0, 1, 2}
	_, err := solveAffine(px, py, []float64{0, 10, 20}, []float64{0, 5, 10})
	assert.ErrorContains(t, err, "ill-conditioned")
}

func TestSolveAffineTooFewPoints(t *testing.T) {
	_, err := solveAffine([]float64{0, 1}, []float64{0, 1}, []float64{0, 1}, []float64{0, 1})
	assert.Error(t, err)
}

func TestBoundarySamples(t *testing.T) {
	cols, rows := boundarySamples(1, 1, 11)
	require.Len(t, cols, 44)
	require.Len(t, rows, 44)
	for i := range cols {
		assert.True(t, cols[i] >= 0 && cols[i] <= 1)
		assert.True(t, rows[i] >= 0 && rows[i] <= 1)
		onEdge := cols[i] == 0 || cols[i] == 1 || rows[i] == 0 || rows[i] == 1
		assert.True(t, onEdge, "sample %d (%g,%g) not on the boundary", i, cols[i], rows[i])
	}
}

func TestBoundsIntersect(t *testing.T) {
	a := Bounds{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	b := Bounds{MinX: 5, MinY: -5, MaxX: 15, MaxY: 5}
	got := a.Intersect(b)
	assert.Equal(t, Bounds{MinX: 5, MinY: 0, MaxX: 10, MaxY: 5}, got)
	assert.False(t, math.IsNaN(got.Width()))
}
