package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/moresane/internal/core"
	"github.com/jo-hoe/moresane/internal/fits"
	"github.com/jo-hoe/moresane/internal/grid"
	"github.com/jo-hoe/moresane/internal/mask"
	"github.com/jo-hoe/moresane/internal/moresane"
	"github.com/jo-hoe/moresane/internal/render"
)

// cliFlags carries everything the command line can set.
type cliFlags struct {
	params core.JobParams

	maskName     string
	outputName   string
	modelName    string
	residualName string
	restoredName string
	logLevel     string
	quickLook    bool
}

var flags = cliFlags{params: core.DefaultJobParams()}

var rootCmd = &cobra.Command{
	Use:   "moresane DIRTY PSF",
	Short: "MORESANE wavelet deconvolution of radio interferometric images",
	Long: `moresane deconvolves a dirty map against its point spread function
using sparse model estimation in the isotropic undecimated wavelet
domain, and writes the model, residual and restored FITS images.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return run(args[0], args[1])
	},
}

func init() {
	p := &flags.params
	f := rootCmd.Flags()

	f.StringVarP(&flags.maskName, "mask", "m", "", "FITS or SVG mask confining source detection")
	f.StringVarP(&flags.outputName, "outputname", "o", "", "prefix for the output files (default: dirty map name)")
	f.StringVar(&flags.modelName, "modelname", "", "explicit model output path")
	f.StringVar(&flags.residualName, "residualname", "", "explicit residual output path")
	f.StringVar(&flags.restoredName, "restoredname", "", "explicit restored output path")

	f.BoolVarP(&p.SingleRun, "singlerun", "s", false, "run a single pass instead of the scale-by-scale driver")
	f.IntVarP(&p.Subregion, "subregion", "r", 0, "size in pixels of the central region to deconvolve (0 = full map)")
	f.IntVar(&p.ScaleCount, "scalecount", 0, "cap on the wavelet scales considered (0 = log2(size)-1)")
	f.IntVar(&p.StartScale, "startscale", p.StartScale, "first maximum scale of the scale-by-scale driver")
	f.IntVar(&p.StopScale, "stopscale", p.StopScale, "last maximum scale of the scale-by-scale driver")
	f.Float64Var(&p.SigmaLevel, "sigmalevel", p.SigmaLevel, "detection threshold in units of the noise estimate")
	f.Float64VarP(&p.LoopGain, "loopgain", "l", p.LoopGain, "major loop gain")
	f.Float64Var(&p.Tolerance, "tolerance", p.Tolerance, "fraction of the scale maximum an object must reach")
	f.Float64Var(&p.Accuracy, "accuracy", p.Accuracy, "relative residual-std improvement that stops the major loop")
	f.IntVar(&p.MajorLoopMiter, "majorloopmiter", p.MajorLoopMiter, "iteration cap of the major loop")
	f.IntVar(&p.MinorLoopMiter, "minorloopmiter", p.MinorLoopMiter, "iteration cap of the conjugate gradient minor loop")
	f.StringVar(&p.DecomMode, "decommode", p.DecomMode, "wavelet decomposition execution: serial or parallel")
	f.IntVar(&p.CoreCount, "corecount", p.CoreCount, "worker count for parallel decomposition (0 = all cores)")
	f.StringVar(&p.ConvMode, "convmode", p.ConvMode, "FFT convolution boundary handling: linear or circular")
	f.BoolVar(&p.EnforcePositivity, "enforcepositivity", false, "clip negative model pixels every minor iteration")
	f.BoolVarP(&p.EdgeSuppression, "edgesuppression", "e", false, "suppress scale-dependent edge corruption")
	f.IntVar(&p.EdgeOffset, "edgeoffset", 0, "additional border width masked by edge suppression")
	f.Float64Var(&p.FluxThreshold, "fluxthreshold", 0, "stop once the residual peak drops below this flux (Jy)")
	f.BoolVar(&p.NegComp, "negcomp", false, "model negative rather than positive components")
	f.IntVar(&p.EdgeExcl, "edgeexcl", 0, "border width excluded from the noise estimate")
	f.IntVar(&p.IntExcl, "intexcl", 0, "interior size excluded from the noise estimate")

	f.StringVar(&flags.logLevel, "loglevel", "info", "log level: debug, info, warn or error")
	f.BoolVar(&flags.quickLook, "quicklook", false, "also write a PNG rendering of each output")
}

func run(dirtyPath, psfPath string) error {
	if err := configureLogging(flags.logLevel); err != nil {
		return err
	}

	dirty, err := fits.ReadFile(dirtyPath)
	if err != nil {
		return fmt.Errorf("failed to read dirty map: %w", err)
	}
	psf, err := fits.ReadFile(psfPath)
	if err != nil {
		return fmt.Errorf("failed to read PSF: %w", err)
	}
	var maskPlane *grid.Map
	if flags.maskName != "" {
		maskPlane, err = mask.Load(flags.maskName, dirty.Data.Width, dirty.Data.Height)
		if err != nil {
			return fmt.Errorf("failed to load mask: %w", err)
		}
	}

	opts, err := flags.params.Options()
	if err != nil {
		return err
	}

	dec, err := moresane.NewDeconvolver(dirty.Data, psf.Data, maskPlane)
	if err != nil {
		return err
	}
	slog.Info("deconvolution started",
		"dirty", dirtyPath, "psf", psfPath,
		"size", dirty.Data.Width, "single_run", flags.params.SingleRun)

	if flags.params.SingleRun {
		err = dec.Moresane(opts)
	} else {
		err = dec.MoresaneByScale(opts)
	}
	if err != nil {
		return err
	}

	cellsize := dirty.Header.FloatOr("CDELT1", 1)
	if err := dec.Restore(cellsize); err != nil {
		return err
	}
	slog.Info("restoring beam fitted",
		"bmaj_deg", dec.Beam.BMaj, "bmin_deg", dec.Beam.BMin, "bpa_deg", dec.Beam.BPA)

	prefix := flags.outputName
	if prefix == "" {
		prefix = strings.TrimSuffix(dirtyPath, filepath.Ext(dirtyPath))
	}

	restoredHdr := dirty.Header.Clone()
	restoredHdr.SetFloat("BMAJ", dec.Beam.BMaj, "restoring beam major axis (deg)")
	restoredHdr.SetFloat("BMIN", dec.Beam.BMin, "restoring beam minor axis (deg)")
	restoredHdr.SetFloat("BPA", dec.Beam.BPA, "restoring beam position angle (deg)")

	outputs := []struct {
		path   string
		header *fits.Header
		plane  *grid.Map
	}{
		{orDefault(flags.modelName, prefix+"_model.fits"), dirty.Header, dec.Model},
		{orDefault(flags.residualName, prefix+"_residual.fits"), dirty.Header, dec.Residual},
		{orDefault(flags.restoredName, prefix+"_restored.fits"), restoredHdr, dec.Restored},
	}
	for _, out := range outputs {
		if err := fits.WriteFile(out.path, out.header, out.plane); err != nil {
			return fmt.Errorf("failed to write %s: %w", out.path, err)
		}
		slog.Info("output written", "path", out.path)
		if flags.quickLook {
			if err := writeQuickLook(out.path, out.plane); err != nil {
				return err
			}
		}
	}
	return nil
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func writeQuickLook(fitsPath string, plane *grid.Map) error {
	pngPath := strings.TrimSuffix(fitsPath, filepath.Ext(fitsPath)) + ".png"
	data, err := render.PNG(plane)
	if err != nil {
		return err
	}
	if err := os.WriteFile(pngPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", pngPath, err)
	}
	slog.Info("quick look written", "path", pngPath)
	return nil
}

func configureLogging(level string) error {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
