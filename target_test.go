package aeronav

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMercator transforms lon/lat degrees into web mercator meters with a
// configurable longitude origin, wrapping into (-180,180] like PROJ does.
type fakeMercator struct {
	lon0 float64
}

func (m fakeMercator) transformPoints(xs, ys []float64, ok []bool) error {
	for i := range xs {
		lon := xs[i] - m.lon0
		for lon > 180 {
			lon -= 360
		}
		for lon <= -180 {
			lon += 360
		}
		xs[i] = lon / 180 * originShift
		ys[i] = earthRadius * math.Log(math.Tan(math.Pi/4+ys[i]*math.Pi/360))
		if ok != nil {
			ok[i] = true
		}
	}
	return nil
}

// fakeInverseMercator maps web mercator meters back to lon/lat degrees,
// linearly: x beyond ±originShift yields longitudes beyond ±180°.
type fakeInverseMercator struct{}

func (fakeInverseMercator) transformPoints(xs, ys []float64, ok []bool) error {
	for i := range xs {
		xs[i] = xs[i] / originShift * 180
		ys[i] = (2*math.Atan(math.Exp(ys[i]/earthRadius)) - math.Pi/2) * 180 / math.Pi
		if ok != nil {
			ok[i] = true
		}
	}
	return nil
}

// fakeWrappingInverseMercator normalizes output longitudes into (-180,180]
// the way PROJ's inverse projections do.
type fakeWrappingInverseMercator struct{}

func (fakeWrappingInverseMercator) transformPoints(xs, ys []float64, ok []bool) error {
	if err := (fakeInverseMercator{}).transformPoints(xs, ys, ok); err != nil {
		return err
	}
	for i := range xs {
		for xs[i] > 180 {
			xs[i] -= 360
		}
		for xs[i] <= -180 {
			xs[i] += 360
		}
	}
	return nil
}

func TestSuggestedTargetPreservesScale(t *testing.T) {
	// 10°x10° window at the equator, nowhere near the antimeridian.
	src := Bounds{MinX: -5, MinY: -5, MaxX: 5, MaxY: 5}
	spec, err := suggestedTarget(fakeMercator{}, 1000, 1000, src)
	require.NoError(t, err)
	assert.InEpsilon(t, 1000, spec.Width, 0.2)
	assert.Greater(t, spec.Height, 900)
	assert.Less(t, spec.Height, 1300)
	assert.Greater(t, spec.Resolution(), 0.0)
}

func TestAntimeridianTargetDoesNotExplode(t *testing.T) {
	// 10°x10° window centered on ±180°.
	src := Bounds{MinX: 175, MinY: 50, MaxX: 185, MaxY: 60}
	const srcW, srcH = 1000, 1000

	natural, err := suggestedTarget(fakeMercator{}, srcW, srcH, src)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, natural.Width, 10*srcW,
		"the unshifted calculation should span nearly the whole globe")

	safe, err := antimeridianTarget(fakeMercator{lon0: 180}, srcW, srcH, src)
	require.NoError(t, err)
	assert.LessOrEqual(t, safe.Width, 2*srcW)

	// Origin is expressed in continuous true-projection coordinates east of
	// Greenwich, beyond the +180° seam.
	assert.Greater(t, safe.Transform[0], originShift/2)
	b := safe.Bounds()
	assert.Greater(t, b.MaxX, originShift)
}

func TestResolveGeoBound(t *testing.T) {
	computed := Bounds{MinX: -10, MinY: -20, MaxX: 30, MaxY: 40}
	lon := -5.0
	lat := 35.0
	gb := &GeoBound{MinLon: &lon, MaxLat: &lat}
	got := resolveGeoBound(gb, computed)
	assert.Equal(t, Bounds{MinX: -5, MinY: -20, MaxX: 30, MaxY: 35}, got)

	assert.Equal(t, computed, resolveGeoBound(nil, computed))
}

func TestClipToGeoBoundIdempotent(t *testing.T) {
	src := Bounds{MinX: -5, MinY: -5, MaxX: 5, MaxY: 5}
	spec, err := suggestedTarget(fakeMercator{}, 1000, 1000, src)
	require.NoError(t, err)

	minLon := -2.0
	maxLat := 3.5
	gb := &GeoBound{MinLon: &minLon, MaxLat: &maxLat}
	toGeo := fakeInverseMercator{}
	fromGeo := fakeMercator{}

	clipped, err := clipToGeoBound(spec, gb, toGeo, fromGeo)
	require.NoError(t, err)
	assert.Less(t, clipped.Width, spec.Width)
	assert.Less(t, clipped.Height, spec.Height)
	assert.Equal(t, spec.Resolution(), clipped.Resolution())

	again, err := clipToGeoBound(clipped, gb, toGeo, fromGeo)
	require.NoError(t, err)
	assert.Equal(t, clipped, again)
}

func TestClipToGeoBoundEmpty(t *testing.T) {
	src := Bounds{MinX: -5, MinY: -5, MaxX: 5, MaxY: 5}
	spec, err := suggestedTarget(fakeMercator{}, 100, 100, src)
	require.NoError(t, err)

	minLon := 50.0
	gb := &GeoBound{MinLon: &minLon}
	_, err = clipToGeoBound(spec, gb, fakeInverseMercator{}, fakeMercator{})
	assert.ErrorContains(t, err, "empty extent")
}

func TestClipToGeoBoundRewrapsSplitDataset(t *testing.T) {
	// Eastern half of a split dataset, gridded in unwrapped coordinates
	// beyond +180°, clipped on its west edge to exactly the antimeridian.
	src := Bounds{MinX: 175, MinY: 50, MaxX: 185, MaxY: 60}
	spec, err := antimeridianTarget(fakeMercator{lon0: 180}, 1000, 1000, src)
	require.NoError(t, err)

	minLon := 180.0
	gb := &GeoBound{MinLon: &minLon}
	clipped, err := clipToGeoBound(spec, gb, fakeInverseMercator{}, fakeMercator{})
	require.NoError(t, err)

	// The surviving extent lies fully east of +180°, so the origin must be
	// rewrapped onto the western hemisphere.
	assert.Less(t, clipped.Transform[0], 0.0)
	assert.InDelta(t, -originShift, clipped.Transform[0], spec.Resolution()*2)
	assert.LessOrEqual(t, clipped.Width, spec.Width)
}

func TestClipToGeoBoundSplitDatasetEastHalf(t *testing.T) {
	// Eastern half of a split dataset with the longitude normalization real
	// inverse projections apply: the grid spans 175°..185° in unwrapped
	// coordinates, and the inverse transform reports the far side as
	// -180°..-175° instead of 180°..185°.
	src := Bounds{MinX: 175, MinY: 50, MaxX: 185, MaxY: 60}
	spec, err := antimeridianTarget(fakeMercator{lon0: 180}, 1000, 1000, src)
	require.NoError(t, err)
	res := spec.Resolution()

	minLon := 180.0
	gb := &GeoBound{MinLon: &minLon}
	clipped, err := clipToGeoBound(spec, gb, fakeWrappingInverseMercator{}, fakeMercator{})
	require.NoError(t, err)

	// Same result as with the linear inverse: roughly half the grid
	// survives, rewrapped onto the western hemisphere.
	assert.Less(t, clipped.Width, spec.Width)
	assert.InDelta(t, -originShift, clipped.Transform[0], 2*res)
	b := clipped.Bounds()
	assert.InDelta(t, -175.0/180*originShift, b.MaxX, 2*res)
}

func TestClipToGeoBoundSplitDatasetWestHalf(t *testing.T) {
	src := Bounds{MinX: 175, MinY: 50, MaxX: 185, MaxY: 60}
	spec, err := antimeridianTarget(fakeMercator{lon0: 180}, 1000, 1000, src)
	require.NoError(t, err)
	res := spec.Resolution()

	maxLon := 180.0
	gb := &GeoBound{MaxLon: &maxLon}
	clipped, err := clipToGeoBound(spec, gb, fakeWrappingInverseMercator{}, fakeMercator{})
	require.NoError(t, err)

	// The western half keeps its natural origin and ends at the seam; no
	// rewrap applies.
	assert.Less(t, clipped.Width, spec.Width)
	assert.InDelta(t, 175.0/180*originShift, clipped.Transform[0], 2*res)
	b := clipped.Bounds()
	assert.InDelta(t, originShift, b.MaxX, 2*res)
	assert.LessOrEqual(t, b.MaxX, originShift+res)
}

func TestTransformedBoundsDensifies(t *testing.T) {
	// Mercator stretches latitudes: the transformed top edge of a wide box
	// is straight, but the sides sampled only at the corners would miss
	// nothing here; this guards the plumbing rather than the projection.
	src := Bounds{MinX: -10, MinY: 0, MaxX: 10, MaxY: 10}
	b, err := transformedBounds(fakeMercator{}, src)
	require.NoError(t, err)
	assert.InDelta(t, -10.0/180*originShift, b.MinX, 1)
	assert.InDelta(t, 10.0/180*originShift, b.MaxX, 1)
	assert.InDelta(t, 0, b.MinY, 1)
}
