package aeronav

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/godal"
	"go.uber.org/zap"
)

// WebMercatorEPSG is the destination projection of every reprojected
// dataset and of the tile pyramid.
const WebMercatorEPSG = 3857

// geographicEPSG is the projection of raw lon/lat coordinates (gcps,
// geobounds, tile math).
const geographicEPSG = 4326

// ReprojectedRaster references one dataset's warped scratch output, with the
// derived geographic bounding box the manifest builder needs.
type ReprojectedRaster struct {
	Dataset string
	Path    string
	// GeoBounds is the raster extent in geographic coordinates. For a
	// dataset touching the antimeridian MinX may exceed MaxX.
	GeoBounds Bounds
	MaxLOD    int
}

// ReprojectOptions control the warp of source charts into the destination
// projection.
type ReprojectOptions struct {
	// Resampling is the warp resampling method.
	Resampling godal.ResamplingAlg
	// WarpThreads is the per-warp GDAL thread count.
	WarpThreads int
	// CreationOptions are extra GTiff creation options for scratch outputs.
	CreationOptions []string
}

// ResamplingFromName maps a user-supplied method name to a warp algorithm.
func ResamplingFromName(name string) (godal.ResamplingAlg, error) {
	switch strings.ToLower(name) {
	case "nearest", "near":
		return godal.Nearest, nil
	case "bilinear":
		return godal.Bilinear, nil
	case "cubic":
		return godal.Cubic, nil
	case "cubicspline":
		return godal.CubicSpline, nil
	case "lanczos":
		return godal.Lanczos, nil
	case "average":
		return godal.Average, nil
	case "mode":
		return godal.Mode, nil
	}
	return godal.Nearest, fmt.Errorf("unknown resampling method %q "+
		"(valid: nearest, bilinear, cubic, cubicspline, lanczos, average, mode)", name)
}

// scratchName builds the scratch filename for a dataset's reprojected
// output. Chart names contain spaces and apostrophes that have no business
// in file paths.
func scratchName(dataset string) string {
	safe := strings.NewReplacer(" ", "_", "'", "").Replace(dataset)
	return "__" + safe + ".tif"
}

// ReprojectedPath returns the scratch path of a dataset's reprojected
// raster.
func ReprojectedPath(scratch, dataset string) string {
	return filepath.Join(scratch, scratchName(dataset))
}

// openReprojected loads the descriptor of an existing reprojected raster,
// deriving its geographic bounds. Returns nil with no error when the file
// does not exist.
func openReprojected(scratch string, ds *Dataset) (*ReprojectedRaster, error) {
	path := ReprojectedPath(scratch, ds.Name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	gd, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer gd.Close()
	sr4326, err := godal.NewSpatialRefFromEPSG(geographicEPSG)
	if err != nil {
		return nil, err
	}
	defer sr4326.Close()
	b, err := gd.Bounds(sr4326)
	if err != nil {
		return nil, fmt.Errorf("bounds of %s: %w", path, err)
	}
	return &ReprojectedRaster{
		Dataset:   ds.Name,
		Path:      path,
		GeoBounds: Bounds{MinX: b[0], MinY: b[1], MaxX: b[2], MaxY: b[3]},
		MaxLOD:    ds.EffectiveMaxLOD(),
	}, nil
}

// Reproject warps one dataset into the destination projection, producing
// its scratch raster. An existing scratch output short-circuits the warp:
// reprojected rasters are regenerated by deleting the scratch directory,
// not by revalidation.
//
// Failures here are fatal for the dataset: a chart with wrong
// georeferencing, an unreadable source or a broken mask would corrupt the
// mosaic, so the dataset is dropped from the run rather than warped
// approximately.
func Reproject(lg *zap.SugaredLogger, srcDir, scratch string, ds *Dataset, opts ReprojectOptions) (*ReprojectedRaster, error) {
	if rr, err := openReprojected(scratch, ds); err != nil {
		return nil, err
	} else if rr != nil {
		lg.Debugf("%s: reusing %s", ds.Name, rr.Path)
		return rr, nil
	}

	srcPath := filepath.Join(srcDir, ds.Source())
	src, err := godal.Open(srcPath, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()

	if src.Projection() == "" {
		return nil, fmt.Errorf("no projection information in %s", srcPath)
	}
	srcSR := src.SpatialRef()
	st := src.Structure()
	win := ds.Window
	if win.X+win.Width > st.SizeX || win.Y+win.Height > st.SizeY {
		return nil, fmt.Errorf("window %+v exceeds raster size %dx%d", win, st.SizeX, st.SizeY)
	}

	// Crop to the window and normalize the band layout to have a trailing
	// alpha band. The crop is a derived scratch artifact: the source file is
	// never modified, even for paletted charts that need expansion.
	cropPath := filepath.Join(scratch, "__crop_"+scratchName(ds.Name))
	crop, err := cropWithAlpha(src, cropPath, win, opts.CreationOptions)
	if err != nil {
		return nil, fmt.Errorf("crop %s: %w", ds.Name, err)
	}
	defer func() {
		crop.Close()
		os.Remove(cropPath)
	}()

	if len(ds.GCPs) > 0 {
		gt, err := gcpTransform(ds.GCPs, srcSR)
		if err != nil {
			return nil, fmt.Errorf("gcps for %s: %w", ds.Name, err)
		}
		if err := crop.SetGeoTransform([6]float64(gt)); err != nil {
			return nil, fmt.Errorf("set gcp transform: %w", err)
		}
	}

	if err := burnMasks(crop, ds.Masks, win); err != nil {
		return nil, fmt.Errorf("masks for %s: %w", ds.Name, err)
	}

	spec, err := computeTarget(crop, ds)
	if err != nil {
		return nil, fmt.Errorf("target for %s: %w", ds.Name, err)
	}

	outPath := ReprojectedPath(scratch, ds.Name)
	if err := warpToTarget(crop, outPath, spec, opts); err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("warp %s: %w", ds.Name, err)
	}
	lg.Infof("%s: reprojected to %dx%d @ %.2fm/px", ds.Name, spec.Width, spec.Height, spec.Resolution())
	return openReprojected(scratch, ds)
}

// cropWithAlpha extracts the dataset window into a scratch GTiff whose last
// band is alpha. Paletted charts are expanded to rgba; gray and rgb charts
// get a synthetic alpha band (initially opaque); charts that already carry
// an alpha band keep it untouched.
func cropWithAlpha(src *godal.Dataset, path string, win Window, creation []string) (*godal.Dataset, error) {
	st := src.Structure()
	switches := []string{
		"-srcwin",
		fmt.Sprintf("%d", win.X), fmt.Sprintf("%d", win.Y),
		fmt.Sprintf("%d", win.Width), fmt.Sprintf("%d", win.Height),
	}
	srcBands := src.Bands()
	ct := srcBands[0].ColorTable()
	paletted := st.NBands == 1 && len(ct.Entries) > 0 && ct.PaletteInterp == godal.RGBPalette
	hasAlpha := st.NBands > 1 && srcBands[st.NBands-1].ColorInterp() == godal.CIAlpha
	switch {
	case paletted:
		switches = append(switches, "-expand", "rgba")
	case hasAlpha:
	case st.NBands == 1:
		switches = append(switches, "-b", "1", "-b", "1")
	case st.NBands == 3:
		switches = append(switches, "-b", "1", "-b", "2", "-b", "3", "-b", "1")
	}
	co := append([]string{"COMPRESS=LZW", "TILED=YES"}, creation...)
	crop, err := src.Translate(path, switches, godal.GTiff, godal.CreationOption(co...))
	if err != nil {
		return nil, err
	}
	bands := crop.Bands()
	alpha := bands[len(bands)-1]
	if err := alpha.SetColorInterp(godal.CIAlpha); err != nil {
		crop.Close()
		return nil, fmt.Errorf("set alpha interp: %w", err)
	}
	if !paletted && !hasAlpha {
		if err := alpha.Fill(255, 0); err != nil {
			crop.Close()
			return nil, fmt.Errorf("fill alpha: %w", err)
		}
	}
	return crop, nil
}

// gcpTransform fits the affine transform mapping window pixels to the
// source projection from the dataset's ground control points. The gcp
// pixel coordinates are window-relative; their lon/lat is projected into
// the native srs before the fit so the resulting transform composes with
// the source projection like a native one.
func gcpTransform(gcps []GCP, srcSR *godal.SpatialRef) (GeoTransform, error) {
	sr4326, err := godal.NewSpatialRefFromEPSG(geographicEPSG)
	if err != nil {
		return GeoTransform{}, err
	}
	defer sr4326.Close()
	trn, err := godal.NewTransform(sr4326, srcSR)
	if err != nil {
		return GeoTransform{}, err
	}
	defer trn.Close()

	n := len(gcps)
	px := make([]float64, n)
	py := make([]float64, n)
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, g := range gcps {
		px[i] = g.Pixel
		py[i] = g.Line
		xs[i] = g.Lon
		ys[i] = g.Lat
	}
	if err := trn.TransformEx(xs, ys, nil, nil); err != nil {
		return GeoTransform{}, fmt.Errorf("project gcps: %w", err)
	}
	return solveAffine(px, py, xs, ys)
}

// burnMasks zeroes the alpha band inside each exclusion polygon. Ring
// coordinates are full-raster pixels; they are rebased onto the window and
// pushed through the crop's geotransform, so this must run after any gcp
// override.
func burnMasks(crop *godal.Dataset, masks []Ring, win Window) error {
	if len(masks) == 0 {
		return nil
	}
	gt6, err := crop.GeoTransform()
	if err != nil {
		return err
	}
	gt := GeoTransform(gt6)
	alphaIdx := len(crop.Bands()) - 1
	for i, ring := range masks {
		wkt := &strings.Builder{}
		wkt.WriteString("POLYGON((")
		for j, pt := range ring {
			if j > 0 {
				wkt.WriteString(",")
			}
			x, y := gt.Apply(pt[0]-float64(win.X), pt[1]-float64(win.Y))
			fmt.Fprintf(wkt, "%f %f", x, y)
		}
		wkt.WriteString("))")
		g, err := godal.NewGeometryFromWKT(wkt.String(), crop.SpatialRef())
		if err != nil {
			return fmt.Errorf("mask %d: %w", i, err)
		}
		err = crop.RasterizeGeometry(g,
			godal.Bands(alphaIdx), godal.Values(0), godal.AllTouched())
		g.Close()
		if err != nil {
			return fmt.Errorf("rasterize mask %d: %w", i, err)
		}
	}
	return nil
}

// computeTarget runs the reprojection target calculation for the cropped
// dataset: destination transform and size, antimeridian-safe when flagged,
// clipped to the geobound when present.
func computeTarget(crop *godal.Dataset, ds *Dataset) (TargetSpec, error) {
	gt6, err := crop.GeoTransform()
	if err != nil {
		return TargetSpec{}, err
	}
	st := crop.Structure()
	srcBounds := windowBounds(GeoTransform(gt6), Window{Width: st.SizeX, Height: st.SizeY})

	dstSR, err := godal.NewSpatialRefFromEPSG(WebMercatorEPSG)
	if err != nil {
		return TargetSpec{}, err
	}
	defer dstSR.Close()
	srcSR := crop.SpatialRef()

	var spec TargetSpec
	if ds.AntimeridianSplit {
		shiftedSR, err := godal.NewSpatialRefFromProj4(fmt.Sprintf(webMercatorProj4, 180.0))
		if err != nil {
			return TargetSpec{}, err
		}
		defer shiftedSR.Close()
		toShifted, err := godal.NewTransform(srcSR, shiftedSR)
		if err != nil {
			return TargetSpec{}, err
		}
		defer toShifted.Close()
		spec, err = antimeridianTarget(projTransform{toShifted}, st.SizeX, st.SizeY, srcBounds)
		if err != nil {
			return TargetSpec{}, err
		}
	} else {
		toDst, err := godal.NewTransform(srcSR, dstSR)
		if err != nil {
			return TargetSpec{}, err
		}
		defer toDst.Close()
		spec, err = suggestedTarget(projTransform{toDst}, st.SizeX, st.SizeY, srcBounds)
		if err != nil {
			return TargetSpec{}, err
		}
	}

	if ds.GeoBound != nil {
		geoSR, err := godal.NewSpatialRefFromEPSG(geographicEPSG)
		if err != nil {
			return TargetSpec{}, err
		}
		defer geoSR.Close()
		toGeo, err := godal.NewTransform(dstSR, geoSR)
		if err != nil {
			return TargetSpec{}, err
		}
		defer toGeo.Close()
		fromGeo, err := godal.NewTransform(geoSR, dstSR)
		if err != nil {
			return TargetSpec{}, err
		}
		defer fromGeo.Close()
		spec, err = clipToGeoBound(spec, ds.GeoBound, projTransform{toGeo}, projTransform{fromGeo})
		if err != nil {
			return TargetSpec{}, err
		}
	}
	return spec, nil
}

// warpToTarget reprojects the crop onto the computed destination grid.
func warpToTarget(crop *godal.Dataset, outPath string, spec TargetSpec, opts ReprojectOptions) error {
	b := spec.Bounds()
	threads := opts.WarpThreads
	if threads <= 0 {
		threads = 4
	}
	switches := []string{
		"-t_srs", fmt.Sprintf("EPSG:%d", WebMercatorEPSG),
		"-te", fmt.Sprintf("%f", b.MinX), fmt.Sprintf("%f", b.MinY),
		fmt.Sprintf("%f", b.MaxX), fmt.Sprintf("%f", b.MaxY),
		"-ts", fmt.Sprintf("%d", spec.Width), fmt.Sprintf("%d", spec.Height),
		"-r", opts.Resampling.String(),
		"-multi", "-wo", fmt.Sprintf("NUM_THREADS=%d", threads),
	}
	co := append([]string{"COMPRESS=LZW", "TILED=YES"}, opts.CreationOptions...)
	out, err := godal.Warp(outPath, []*godal.Dataset{crop}, switches,
		godal.GTiff, godal.CreationOption(co...))
	if err != nil {
		return err
	}
	return out.Close()
}
