package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"github.com/vfrmap/aeronav"
	"go.uber.org/zap"
)

var (
	catalogPath string
	sourceDir   string
	scratchDir  string
	outRoot     string
	workers     int
	resampling  string
	copts       string
	cleanup     bool
	useGCS      bool
	blocksize   string
	numBlocks   int
	verbose     bool
	zoomMin     int
	zoomMax     int

	lg        *zap.SugaredLogger
	startTime time.Time
)

var rootCmd = &cobra.Command{
	Use:   "aeronav-tiles",
	Short: "build web map tile pyramids from aeronautical charts",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		startTime = time.Now()
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
		zl, err := cfg.Build()
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		lg = zl.Sugar()

		if useGCS {
			ctx := cmd.Context()
			stcl, err := storage.NewClient(ctx)
			if err != nil {
				return fmt.Errorf("storage.newclient: %w", err)
			}
			gcsh, err := gcs.Handle(ctx, gcs.GCSClient(stcl))
			if err != nil {
				return fmt.Errorf("gcs.handle: %w", err)
			}
			gcsa, err := osio.NewAdapter(gcsh,
				osio.BlockSize(blocksize), osio.NumCachedBlocks(numBlocks))
			if err != nil {
				return fmt.Errorf("osio.new: %w", err)
			}
			if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
				return fmt.Errorf("register osio: %w", err)
			}
		}
		godal.RegisterAll()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		lg.Debugf("command %s took %.1fs", cmd.Name(), time.Since(startTime).Seconds())
		lg.Sync()
	},
}

func newPipeline() (*aeronav.Pipeline, error) {
	cat, err := aeronav.LoadCatalog(catalogPath)
	if err != nil {
		return nil, err
	}
	alg, err := aeronav.ResamplingFromName(resampling)
	if err != nil {
		return nil, err
	}
	var creation []string
	if copts != "" {
		if creation, err = shellwords.Parse(copts); err != nil {
			return nil, fmt.Errorf("parse creation options: %w", err)
		}
	}
	return &aeronav.Pipeline{
		Catalog:         cat,
		SourceDir:       sourceDir,
		Scratch:         scratchDir,
		OutRoot:         outRoot,
		Workers:         workers,
		Resampling:      alg,
		CreationOptions: creation,
		Cleanup:         cleanup,
		Log:             lg,
	}, nil
}

var buildCmd = &cobra.Command{
	Use:   "build tileset",
	Short: "reproject a tileset's charts and cut its tile tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline()
		if err != nil {
			return err
		}
		_, err = p.Build(cmd.Context(), args[0], zoomMin, zoomMax)
		return err
	},
}

var tilesetsCmd = &cobra.Command{
	Use:   "tilesets",
	Short: "list the catalog's tilesets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline()
		if err != nil {
			return err
		}
		for _, name := range p.Tilesets() {
			ts := p.Catalog.Tileset(name)
			zmin, zmax := p.Catalog.ZoomRange(ts)
			fmt.Printf("%s\t%d datasets\tzoom %d-%d\n", name, len(ts.Datasets), zmin, zmax)
		}
		return nil
	},
}

var manifestCmd = &cobra.Command{
	Use:   "manifest tileset",
	Short: "print per-zoom tile counts for a tileset's current scratch state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline()
		if err != nil {
			return err
		}
		counts, err := p.ManifestSummary(args[0])
		if err != nil {
			return err
		}
		total := uint64(0)
		for _, zc := range counts {
			fmt.Printf("zoom %2d: %d tiles\n", zc.Zoom, zc.Tiles)
			total += zc.Tiles
		}
		fmt.Printf("total: %d tiles\n", total)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&catalogPath, "catalog", "catalog.yaml", "dataset/tileset catalog file")
	pf.StringVar(&sourceDir, "src", ".", "directory holding extracted chart rasters")
	pf.StringVar(&scratchDir, "scratch", "/tmp/aeronav-tiles", "scratch directory for reprojected rasters")
	pf.StringVar(&outRoot, "out", ".", "tile output root")
	pf.BoolVar(&verbose, "verbose", false, "verbose output")
	pf.BoolVar(&useGCS, "gcs", false, "enable gs:// paths")
	pf.StringVar(&blocksize, "blocksize", "512k", "gs cache blocksize")
	pf.IntVar(&numBlocks, "numblocks", 1000, "number of gs cached blocks")
	rootCmd.AddCommand(buildCmd, tilesetsCmd, manifestCmd)

	buildCmd.Flags().IntVar(&workers, "workers", 4, "parallel workers for reprojection and tile cutting")
	buildCmd.Flags().StringVar(&resampling, "resampling", "bilinear", "warp/tile resampling method")
	buildCmd.Flags().StringVar(&copts, "co", "", "extra tif creation options, e.g. \"BIGTIFF=YES NUM_THREADS=4\"")
	buildCmd.Flags().BoolVar(&cleanup, "cleanup", false, "remove mosaic sidecars after the run")
	buildCmd.Flags().IntVar(&zoomMin, "zmin", -1, "minimum zoom level (default: 0)")
	buildCmd.Flags().IntVar(&zoomMax, "zmax", -1, "maximum zoom level (default: from catalog)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
