package aeronav

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/airbusgeo/godal"
	"github.com/google/uuid"
	"github.com/tbonfort/gobs"
	"go.uber.org/zap"
)

// MosaicStack is the ordered virtual stack of reprojected rasters for one
// zoom level. Members run from most general to most specific: later
// entries paint over earlier ones wherever both have opaque pixels.
type MosaicStack struct {
	Zoom    int
	Members []*ReprojectedRaster
	// VRTPath is the mosaic sidecar, set once Materialize has run.
	VRTPath string
}

// bandSignature captures the parts of a raster's band layout that every
// stack member must agree on.
type bandSignature struct {
	count   int
	dtype   godal.DataType
	interps string
}

func signatureOf(path string) (bandSignature, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return bandSignature{}, err
	}
	defer ds.Close()
	sig := bandSignature{count: ds.Structure().NBands}
	for i, b := range ds.Bands() {
		st := b.Structure()
		if i == 0 {
			sig.dtype = st.DataType
		} else if st.DataType != sig.dtype {
			return bandSignature{}, fmt.Errorf("mixed band data types in %s", path)
		}
		sig.interps += b.ColorInterp().Name()
	}
	return sig, nil
}

// BuildStack selects and orders the rasters contributing to one zoom
// level. A raster is eligible when its max level of detail is at least the
// zoom. Members are ordered by max level of detail descending so the
// finest dataset lands on top of the paint order; catalog order breaks
// ties, keeping the stack deterministic. Returns nil when no raster is
// eligible.
func BuildStack(zoom int, rasters []*ReprojectedRaster) *MosaicStack {
	var members []*ReprojectedRaster
	for _, rr := range rasters {
		if rr != nil && rr.MaxLOD >= zoom {
			members = append(members, rr)
		}
	}
	if len(members) == 0 {
		return nil
	}
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].MaxLOD > members[j].MaxLOD
	})
	return &MosaicStack{Zoom: zoom, Members: members}
}

// Materialize checks the stack's band consistency and writes its VRT
// sidecar into scratch. The VRT is declared at the finest member
// resolution so compositing never upsamples a finer source, and composites
// through each member's alpha band. runID keys the sidecar name so
// concurrent runs over one scratch directory cannot collide.
//
// A band layout mismatch between members is fatal for this zoom level: the
// stack would otherwise silently coerce bands.
func (ms *MosaicStack) Materialize(lg *zap.SugaredLogger, scratch string, runID uuid.UUID) error {
	paths := make([]string, len(ms.Members))
	for i, m := range ms.Members {
		paths[i] = m.Path
	}
	if err := preloadDatasets(paths); err != nil {
		return fmt.Errorf("preload stack members: %w", err)
	}

	var ref bandSignature
	for i, m := range ms.Members {
		sig, err := signatureOf(m.Path)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", m.Dataset, err)
		}
		if i == 0 {
			ref = sig
			continue
		}
		if sig != ref {
			return fmt.Errorf("band layout of %s (%d bands %s %s) does not match %s (%d bands %s %s)",
				m.Dataset, sig.count, sig.dtype, sig.interps,
				ms.Members[0].Dataset, ref.count, ref.dtype, ref.interps)
		}
	}

	vrtPath := filepath.Join(scratch, fmt.Sprintf("__mosaic_%s_z%d.vrt", runID, ms.Zoom))
	vrt, err := godal.BuildVRT(vrtPath, paths,
		[]string{"-resolution", "highest", "-addalpha"})
	if err != nil {
		return fmt.Errorf("build vrt: %w", err)
	}
	st := vrt.Structure()
	if err := vrt.Close(); err != nil {
		return fmt.Errorf("close vrt: %w", err)
	}
	ms.VRTPath = vrtPath
	lg.Infof("zoom %d: mosaic of %d datasets, %dx%d", ms.Zoom, len(ms.Members), st.SizeX, st.SizeY)
	return nil
}

// preloadDatasets opens and closes each path concurrently so remote
// members are pulled into the VSI cache before the serial VRT build.
func preloadDatasets(paths []string) error {
	pool := gobs.NewPool(25)
	batch := pool.Batch()
	for _, p := range paths {
		p := p
		batch.Submit(func() error {
			ds, err := godal.Open(p)
			if err != nil {
				return err
			}
			ds.Close()
			return nil
		})
	}
	return batch.Wait()
}
