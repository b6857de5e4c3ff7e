package aeronav

import (
	"fmt"
	"os"
	"sort"

	"sigs.k8s.io/yaml"
)

// DefaultMaxLOD is the level of detail assumed for datasets that do not
// declare one. It matches the native resolution of a sectional chart.
const DefaultMaxLOD = 12

// Window is a pixel rectangle selecting the valid sub-region of a source
// raster.
type Window struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Ring is a closed polygon in source pixel coordinates. The first and last
// vertices must be identical.
type Ring [][2]float64

// Closed reports whether the ring explicitly closes on itself.
func (r Ring) Closed() bool {
	if len(r) < 4 {
		return false
	}
	return r[0] == r[len(r)-1]
}

// GCP ties a pixel location, relative to the dataset window's origin, to a
// geographic coordinate.
type GCP struct {
	Pixel float64 `json:"pixel"`
	Line  float64 `json:"line"`
	Lon   float64 `json:"lon"`
	Lat   float64 `json:"lat"`
}

// GeoBound constrains the reprojected extent of a dataset in geographic
// coordinates. Nil components are filled in from the dataset's computed
// bounds, i.e. each component is a constraint, not an override.
type GeoBound struct {
	MinLon *float64 `json:"min_lon,omitempty"`
	MinLat *float64 `json:"min_lat,omitempty"`
	MaxLon *float64 `json:"max_lon,omitempty"`
	MaxLat *float64 `json:"max_lat,omitempty"`
}

// Dataset describes one chart extract. Several datasets may reference the
// same source file with different windows (insets, antimeridian halves).
type Dataset struct {
	Name string `json:"name"`
	// SourceFile is the raster the window is cut from, relative to the
	// extraction directory. Defaults to "<name>.tif".
	SourceFile string `json:"source_file,omitempty"`
	Window     Window `json:"window"`
	// Masks further restrict valid pixels within the window. Coordinates are
	// in full source raster pixels.
	Masks []Ring `json:"masks,omitempty"`
	// GCPs override the source raster's georeferencing for this dataset.
	GCPs []GCP `json:"gcps,omitempty"`
	// GeoBound trims non-rectangular cutoffs after reprojection.
	GeoBound *GeoBound `json:"geobound,omitempty"`
	// AntimeridianSplit marks a dataset whose window straddles the ±180°
	// meridian. Such datasets pair with a sibling covering the other
	// hemisphere and need the antimeridian-safe target calculation.
	AntimeridianSplit bool `json:"antimeridian,omitempty"`
	// MaxLOD is the finest zoom level this dataset is an appropriate source
	// for. Zero means DefaultMaxLOD.
	MaxLOD int `json:"max_lod,omitempty"`
}

// EffectiveMaxLOD returns the dataset's max level of detail, applying the
// default for unset values.
func (d *Dataset) EffectiveMaxLOD() int {
	if d.MaxLOD <= 0 {
		return DefaultMaxLOD
	}
	return d.MaxLOD
}

// Source returns the dataset's backing raster filename.
func (d *Dataset) Source() string {
	if d.SourceFile != "" {
		return d.SourceFile
	}
	return d.Name + ".tif"
}

// Tileset is a named, ordered collection of datasets that mosaic into one
// tile tree.
type Tileset struct {
	Name string `json:"name"`
	// Path is the output directory key under the tile root.
	Path     string   `json:"path"`
	Datasets []string `json:"datasets"`
}

// Catalog holds the dataset and tileset descriptors for a run. It is loaded
// once at startup and never mutated afterwards.
type Catalog struct {
	datasets map[string]*Dataset
	tilesets map[string]*Tileset
}

type catalogFile struct {
	Datasets []Dataset `json:"datasets"`
	Tilesets []Tileset `json:"tilesets"`
}

// LoadCatalog reads and validates a catalog description from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(buf)
}

// ParseCatalog builds a catalog from YAML bytes.
func ParseCatalog(buf []byte) (*Catalog, error) {
	cf := catalogFile{}
	if err := yaml.UnmarshalStrict(buf, &cf); err != nil {
		return nil, fmt.Errorf("unmarshal catalog: %w", err)
	}
	cat := &Catalog{
		datasets: make(map[string]*Dataset, len(cf.Datasets)),
		tilesets: make(map[string]*Tileset, len(cf.Tilesets)),
	}
	for i := range cf.Datasets {
		ds := &cf.Datasets[i]
		if err := validateDataset(ds); err != nil {
			return nil, fmt.Errorf("dataset %q: %w", ds.Name, err)
		}
		if _, ok := cat.datasets[ds.Name]; ok {
			return nil, fmt.Errorf("duplicate dataset %q", ds.Name)
		}
		cat.datasets[ds.Name] = ds
	}
	for i := range cf.Tilesets {
		ts := &cf.Tilesets[i]
		if ts.Name == "" {
			return nil, fmt.Errorf("tileset %d: missing name", i)
		}
		if ts.Path == "" {
			return nil, fmt.Errorf("tileset %q: missing path", ts.Name)
		}
		if len(ts.Datasets) == 0 {
			return nil, fmt.Errorf("tileset %q: no datasets", ts.Name)
		}
		for _, name := range ts.Datasets {
			if _, ok := cat.datasets[name]; !ok {
				return nil, fmt.Errorf("tileset %q: unknown dataset %q", ts.Name, name)
			}
		}
		if _, ok := cat.tilesets[ts.Name]; ok {
			return nil, fmt.Errorf("duplicate tileset %q", ts.Name)
		}
		cat.tilesets[ts.Name] = ts
	}
	return cat, nil
}

func validateDataset(ds *Dataset) error {
	if ds.Name == "" {
		return fmt.Errorf("missing name")
	}
	if ds.Window.Width <= 0 || ds.Window.Height <= 0 {
		return fmt.Errorf("window must have positive size, got %dx%d",
			ds.Window.Width, ds.Window.Height)
	}
	if ds.Window.X < 0 || ds.Window.Y < 0 {
		return fmt.Errorf("window offset may not be negative")
	}
	for i, ring := range ds.Masks {
		// An open ring is a data error: auto-closing would hide typos in
		// hand-digitized mask coordinates.
		if !ring.Closed() {
			return fmt.Errorf("mask %d does not close (%d vertices)", i, len(ring))
		}
	}
	if len(ds.GCPs) > 0 && len(ds.GCPs) < 3 {
		return fmt.Errorf("need at least 3 gcps, got %d", len(ds.GCPs))
	}
	return nil
}

// Dataset returns the named dataset descriptor, or nil.
func (c *Catalog) Dataset(name string) *Dataset {
	return c.datasets[name]
}

// Tileset returns the named tileset descriptor, or nil.
func (c *Catalog) Tileset(name string) *Tileset {
	return c.tilesets[name]
}

// TilesetNames returns the catalog's tileset names in sorted order.
func (c *Catalog) TilesetNames() []string {
	names := make([]string, 0, len(c.tilesets))
	for name := range c.tilesets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DatasetCount returns the number of datasets in the catalog.
func (c *Catalog) DatasetCount() int {
	return len(c.datasets)
}

// ZoomRange derives the zoom span of a tileset: zero through the largest
// member max level of detail.
func (c *Catalog) ZoomRange(ts *Tileset) (zmin, zmax int) {
	for _, name := range ts.Datasets {
		if ds := c.datasets[name]; ds != nil && ds.EffectiveMaxLOD() > zmax {
			zmax = ds.EffectiveMaxLOD()
		}
	}
	return 0, zmax
}
