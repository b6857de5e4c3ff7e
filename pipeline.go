package aeronav

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/airbusgeo/godal"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pipeline runs the chart-to-tile-tree batch for one catalog. Construct it
// once per run; it holds no mutable state between Build calls beyond what
// lives in the scratch and output directories.
type Pipeline struct {
	Catalog   *Catalog
	SourceDir string
	Scratch   string
	OutRoot   string
	// Workers sizes the parallel phases (reprojection, base tile cutting).
	Workers int
	// Resampling is used for the warp and for base tile reads.
	Resampling godal.ResamplingAlg
	// CreationOptions are extra GTiff creation options for scratch rasters.
	CreationOptions []string
	// Cleanup removes mosaic sidecars once the run completes.
	Cleanup bool
	Log     *zap.SugaredLogger
}

// BuildStats summarizes one Build run.
type BuildStats struct {
	DatasetsReprojected int
	DatasetsFailed      int
	ZoomsFailed         int
	TilesPlanned        int
	TilesWritten        int64
	SkippedExisting     int64
	SkippedTransparent  int64
}

// ZoomCount is one zoom level's tile count in a manifest summary.
type ZoomCount struct {
	Zoom  uint32
	Tiles uint64
}

// workerCount resolves the pool size: the explicit parameter, or the
// available CPU count.
func (p *Pipeline) workerCount() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.NumCPU()
}

// Tilesets returns the catalog's tileset names.
func (p *Pipeline) Tilesets() []string {
	return p.Catalog.TilesetNames()
}

// ManifestSummary computes per-zoom tile counts for a tileset from the
// reprojected rasters already present in scratch. Members without a
// scratch raster reduce coverage and are reported loudly.
func (p *Pipeline) ManifestSummary(tileset string) ([]ZoomCount, error) {
	ts := p.Catalog.Tileset(tileset)
	if ts == nil {
		return nil, fmt.Errorf("unknown tileset %q", tileset)
	}
	rasters := p.loadScratchRasters(ts)
	zmin, zmax := p.Catalog.ZoomRange(ts)
	m := BuildManifest(p.Log, rasters, zmin, zmax)
	out := make([]ZoomCount, 0, zmax-zmin+1)
	for _, z := range m.Zooms() {
		out = append(out, ZoomCount{Zoom: z, Tiles: m.Count(z)})
	}
	return out, nil
}

// loadScratchRasters opens the existing reprojected raster descriptor of
// each tileset member, warning about absentees.
func (p *Pipeline) loadScratchRasters(ts *Tileset) []*ReprojectedRaster {
	rasters := make([]*ReprojectedRaster, 0, len(ts.Datasets))
	for _, name := range ts.Datasets {
		ds := p.Catalog.Dataset(name)
		rr, err := openReprojected(p.Scratch, ds)
		if err != nil {
			p.Log.Warnf("%s: cannot read reprojected raster, coverage reduced: %v", name, err)
			continue
		}
		if rr == nil {
			p.Log.Warnf("%s: no reprojected raster in %s, coverage reduced", name, p.Scratch)
			continue
		}
		rasters = append(rasters, rr)
	}
	return rasters
}

// Build produces the tile tree for a tileset between zmin and zmax
// (negative values derive the range from the catalog). Dataset- and
// zoom-scoped failures are collected and reported without stopping the
// run; Build returns a non-nil error if any scope failed.
func (p *Pipeline) Build(ctx context.Context, tileset string, zmin, zmax int) (*BuildStats, error) {
	ts := p.Catalog.Tileset(tileset)
	if ts == nil {
		return nil, fmt.Errorf("unknown tileset %q", tileset)
	}
	if zmin < 0 || zmax < 0 {
		czmin, czmax := p.Catalog.ZoomRange(ts)
		if zmin < 0 {
			zmin = czmin
		}
		if zmax < 0 {
			zmax = czmax
		}
	}
	if zmin > zmax {
		return nil, fmt.Errorf("zoom range %d..%d is empty", zmin, zmax)
	}
	outDir := filepath.Join(p.OutRoot, ts.Path)
	for _, dir := range []string{p.Scratch, outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			// No natural scope: an unusable directory fails the whole run.
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	stats := &BuildStats{}
	var scoped []error

	rasters, datasetErrs := p.reprojectAll(ctx, ts)
	scoped = append(scoped, datasetErrs...)
	stats.DatasetsFailed = len(datasetErrs)
	for _, rr := range rasters {
		if rr != nil {
			stats.DatasetsReprojected++
		}
	}
	p.Log.Infof("reprojection: %d ok, %d failed", stats.DatasetsReprojected, stats.DatasetsFailed)

	manifest := BuildManifest(p.Log, rasters, zmin, zmax)
	stats.TilesPlanned = int(manifest.TotalCount())
	p.Log.Infof("manifest: %d tiles planned across zooms %d..%d", stats.TilesPlanned, zmin, zmax)

	runID := uuid.New()
	vrts := make(map[uint32]string, zmax-zmin+1)
	for z := zmin; z <= zmax; z++ {
		if manifest.Count(uint32(z)) == 0 {
			continue
		}
		stack := BuildStack(z, rasters)
		if stack == nil {
			continue
		}
		if err := stack.Materialize(p.Log, p.Scratch, runID); err != nil {
			zerr := &ZoomError{Zoom: z, Err: err}
			p.Log.Errorf("%v", zerr)
			scoped = append(scoped, zerr)
			stats.ZoomsFailed++
			continue
		}
		vrts[uint32(z)] = stack.VRTPath
	}
	if p.Cleanup {
		defer func() {
			for _, v := range vrts {
				os.Remove(v)
			}
		}()
	}

	if err := p.cutBaseTiles(ctx, manifest, vrts, outDir, stats); err != nil {
		scoped = append(scoped, err)
	}
	p.Log.Infof("base tiles: %d written, %d existing, %d transparent",
		stats.TilesWritten, stats.SkippedExisting, stats.SkippedTransparent)

	overviewErrs := p.buildOverviews(ctx, manifest, vrts, outDir, zmin, zmax, stats)
	scoped = append(scoped, overviewErrs...)
	stats.ZoomsFailed += len(overviewErrs)

	p.Log.Infof("run complete: %d/%d tiles written, %d existing, %d transparent, %d datasets failed, %d zooms failed",
		stats.TilesWritten, stats.TilesPlanned, stats.SkippedExisting,
		stats.SkippedTransparent, stats.DatasetsFailed, stats.ZoomsFailed)
	return stats, errors.Join(scoped...)
}

// reprojectAll warps every tileset member in parallel. Failures are
// dataset-scoped: each is recorded and the remaining members continue. The
// returned slice holds one entry per member, nil where reprojection
// failed.
func (p *Pipeline) reprojectAll(ctx context.Context, ts *Tileset) ([]*ReprojectedRaster, []error) {
	rasters := make([]*ReprojectedRaster, len(ts.Datasets))
	var mu sync.Mutex
	var errs []error

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workerCount())
	opts := ReprojectOptions{
		Resampling:      p.Resampling,
		WarpThreads:     p.workerCount(),
		CreationOptions: p.CreationOptions,
	}
	for i, name := range ts.Datasets {
		i, ds := i, p.Catalog.Dataset(name)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rr, err := Reproject(p.Log, p.SourceDir, p.Scratch, ds, opts)
			if err != nil {
				derr := &DatasetError{Name: ds.Name, Err: err}
				p.Log.Errorf("%v", derr)
				mu.Lock()
				errs = append(errs, derr)
				mu.Unlock()
				return nil
			}
			rasters[i] = rr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return rasters, errs
}

// cutBaseTiles cuts every manifest tile whose zoom has a mosaic, across a
// single flattened multi-zoom work list so zoom levels interleave and the
// pool stays busy when tile counts vary sharply by zoom.
func (p *Pipeline) cutBaseTiles(ctx context.Context, m *Manifest, vrts map[uint32]string, outDir string, stats *BuildStats) error {
	type job struct {
		tile TileCoord
		vrt  string
	}
	var jobs []job
	for _, z := range m.Zooms() {
		vrt, ok := vrts[z]
		if !ok {
			continue
		}
		for _, t := range m.Tiles(z) {
			jobs = append(jobs, job{tile: t, vrt: vrt})
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	bar := progressbar.Default(int64(len(jobs)), "cutting tiles")
	var mu sync.Mutex
	failedZooms := make(map[uint32]struct{})
	wp := pool.New().WithMaxGoroutines(p.workerCount()).WithErrors()
	for _, j := range jobs {
		j := j
		wp.Go(func() error {
			defer bar.Add(1)
			if err := ctx.Err(); err != nil {
				return err
			}
			state, err := CutBaseTile(j.vrt, outDir, j.tile, p.Resampling)
			if err != nil {
				mu.Lock()
				failedZooms[j.tile.Z] = struct{}{}
				mu.Unlock()
				return &ZoomError{Zoom: int(j.tile.Z), Err: err}
			}
			switch state {
			case TileWritten:
				atomic.AddInt64(&stats.TilesWritten, 1)
			case TileSkippedExisting:
				atomic.AddInt64(&stats.SkippedExisting, 1)
			case TileSkippedTransparent:
				atomic.AddInt64(&stats.SkippedTransparent, 1)
			}
			return nil
		})
	}
	err := wp.Wait()
	stats.ZoomsFailed += len(failedZooms)
	return err
}

// buildOverviews walks zoom levels strictly from fine to coarse,
// synthesizing manifest tiles at zooms that have no mosaic (a failed or
// absent stack) from the four children at the next finer level. The walk
// is sequential because a parent can only be composed once the whole finer
// level is durably written.
func (p *Pipeline) buildOverviews(ctx context.Context, m *Manifest, vrts map[uint32]string, outDir string, zmin, zmax int, stats *BuildStats) []error {
	var errs []error
	for z := zmax - 1; z >= zmin; z-- {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, hasMosaic := vrts[uint32(z)]; hasMosaic {
			continue
		}
		written := int64(0)
		for _, t := range m.Tiles(uint32(z)) {
			state, err := BuildOverviewTile(outDir, t)
			if err != nil {
				zerr := &ZoomError{Zoom: z, Err: err}
				p.Log.Errorf("%v", zerr)
				errs = append(errs, zerr)
				break
			}
			switch state {
			case TileWritten:
				written++
				stats.TilesWritten++
			case TileSkippedExisting:
				stats.SkippedExisting++
			case TileSkippedTransparent:
				stats.SkippedTransparent++
			}
		}
		if written > 0 {
			p.Log.Infof("zoom %d: %d overview tiles synthesized", z, written)
		}
	}
	return errs
}
