package moresane

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/jo-hoe/moresane/internal/fftconv"
	"github.com/jo-hoe/moresane/internal/grid"
	"github.com/jo-hoe/moresane/internal/iuwt"
)

// Deconvolver holds the state of a deconvolution: the dirty map, the
// PSF, an optional mask, and the accumulating model/residual pair.
type Deconvolver struct {
	// Model, Residual and Restored are the engine outputs. Residual
	// always satisfies residual = dirty - model (*) PSF for the run
	// that produced it.
	Model    *grid.Map
	Residual *grid.Map
	Restored *grid.Map
	Beam     BeamParams

	dirty    *grid.Map // working input; by-scale runs point it at the residual
	psf      *grid.Map
	mask     *grid.Map
	complete bool
}

// NewDeconvolver validates the inputs and prepares a run. The dirty
// map must be square with even dimensions; the PSF must match it or be
// exactly twice its size. An optional mask confines source detection.
func NewDeconvolver(dirty, psf, mask *grid.Map) (*Deconvolver, error) {
	if dirty.Width != dirty.Height {
		return nil, fmt.Errorf("dirty map is %dx%d, only square maps are supported", dirty.Width, dirty.Height)
	}
	if dirty.Width%2 == 1 {
		return nil, fmt.Errorf("image size is uneven, please use even dimensions")
	}
	doubleSize := psf.Width == 2*dirty.Width && psf.Height == 2*dirty.Height
	if !psf.SameSize(dirty) && !doubleSize {
		return nil, fmt.Errorf("PSF is %dx%d, want %dx%d or %dx%d",
			psf.Width, psf.Height, dirty.Width, dirty.Height, 2*dirty.Width, 2*dirty.Height)
	}
	if mask != nil && !mask.SameSize(dirty) {
		return nil, fmt.Errorf("mask is %dx%d, want %dx%d", mask.Width, mask.Height, dirty.Width, dirty.Height)
	}
	return &Deconvolver{
		Model:    grid.NewMap(dirty.Width, dirty.Height),
		Residual: dirty.Clone(),
		dirty:    dirty,
		psf:      psf,
		mask:     mask,
	}, nil
}

// kernelFor builds a convolution kernel matched to size x size planes
// from whatever central region of the PSF covers them best. Linear
// kernels prefer a double-size crop so no information is lost to
// padding.
func (d *Deconvolver) kernelFor(size int, mode fftconv.Mode) (*fftconv.Kernel, error) {
	psf := d.psf
	switch {
	case psf.Width == size || psf.Width == 2*size:
		return fftconv.NewKernel(psf, size, size, mode)
	case mode == fftconv.Linear && psf.Width >= 2*size:
		crop, err := psf.CenterCrop(2 * size)
		if err != nil {
			return nil, err
		}
		return fftconv.NewKernel(crop, size, size, mode)
	case psf.Width > size:
		crop, err := psf.CenterCrop(size)
		if err != nil {
			return nil, err
		}
		return fftconv.NewKernel(crop, size, size, mode)
	default:
		return nil, fmt.Errorf("PSF of size %d cannot convolve %d-pixel planes", psf.Width, size)
	}
}

// Moresane performs a single deconvolution run with the given options,
// accumulating into Model and replacing Residual. This is the major
// loop of the algorithm; each iteration denoises the wavelet
// decomposition of the residual, extracts the dominant sources and
// fits them by conjugate gradients before a loop-gain model update.
func (d *Deconvolver) Moresane(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	slog.Info("starting deconvolution run")

	size := d.dirty.Width
	subregion := opts.Subregion
	if subregion <= 0 || subregion > size {
		subregion = size
		slog.Info("assuming subregion covers the full map", "subregion_px", subregion)
	}
	maxScaleCount := int(math.Log2(float64(size)) - 1)
	scaleCount := opts.ScaleCount
	if scaleCount <= 0 || scaleCount > maxScaleCount {
		scaleCount = maxScaleCount
		slog.Info("assuming maximum scale", "scale_count", scaleCount)
	}

	dirtySub, err := d.dirty.CenterCrop(subregion)
	if err != nil {
		return fmt.Errorf("invalid subregion: %w", err)
	}
	psfSub, err := d.psf.CenterCrop(subregion)
	if err != nil {
		return fmt.Errorf("invalid PSF subregion: %w", err)
	}

	subKernel, err := d.kernelFor(subregion, opts.ConvMode)
	if err != nil {
		return fmt.Errorf("failed to prepare subregion kernel: %w", err)
	}
	dataKernel, err := d.kernelFor(size, opts.ConvMode)
	if err != nil {
		return fmt.Errorf("failed to prepare full-map kernel: %w", err)
	}

	// Scale energies of the PSF decomposition weight the per-scale
	// maxima so detections are comparable across scales.
	psfDecomposition, _ := iuwt.Decompose(psfSub, scaleCount, 0, opts.DecomMode, opts.CoreCount)
	psfEnergies := make([]float64, len(psfDecomposition))
	for i, plane := range psfDecomposition {
		psfEnergies[i] = plane.Norm()
	}

	var maskSub *grid.Map
	if d.mask != nil {
		maskSub, err = d.mask.CenterCrop(subregion)
		if err != nil {
			return fmt.Errorf("invalid mask subregion: %w", err)
		}
	}

	suppression := suppressionCube(scaleCount, subregion, opts)

	model := grid.NewMap(size, size)
	var residual *grid.Map

	majorIter := 0
	maxCoeff := 1.0
	stdCurrent := 1000.0
	stdLast := 1.0
	stdRatio := 1.0
	minScale := 0

	// Cached across inner iterations; refreshed whenever the minimum
	// scale drops back to zero.
	var threshCube grid.Cube
	var scaleMaxima []float64
	var x *grid.Map

	for majorIter < opts.MajorLoopMiter && maxCoeff > 0 &&
		stdRatio > opts.Accuracy && dirtySub.Max() > opts.FluxThreshold {

		// The inner loop re-estimates the model at a higher scale when
		// the SNR of a fit is poor. If no scale does a better job it
		// terminates the run.
		for minScale < scaleCount {
			if minScale == 0 {
				decomposition, _ := iuwt.Decompose(dirtySub, scaleCount, 0, opts.DecomMode, opts.CoreCount)
				thresholds := EstimateThreshold(decomposition, opts.EdgeExcl, opts.IntExcl)
				if maskSub != nil {
					masked := dirtySub.Clone()
					masked.Mul(maskSub)
					decomposition, _ = iuwt.Decompose(masked, scaleCount, 0, opts.DecomMode, opts.CoreCount)
				}
				threshCube = ApplyThreshold(decomposition, thresholds, opts.SigmaLevel, opts.NegComp)
				if suppression != nil {
					threshCube.Mul(suppression)
				}
				scaleMaxima = make([]float64, len(threshCube))
				for i, plane := range threshCube {
					scaleMaxima[i] = plane.Max() / psfEnergies[i]
				}
			}

			maxIndex := minScale
			for i := minScale + 1; i < len(scaleMaxima); i++ {
				if scaleMaxima[i] > scaleMaxima[maxIndex] {
					maxIndex = i
				}
			}
			maxScale := maxIndex + 1
			maxCoeff = scaleMaxima[maxIndex]

			if maxCoeff == 0 {
				slog.Info("no significant wavelet coefficients detected")
				break
			}

			slog.Info("scale window selected", "min_scale", minScale, "max_scale", maxScale)

			// Empty scales below the maximum are skipped, along with
			// everything beneath them.
			scaleAdjust := 0
			for i := maxIndex - 1; i >= 0; i-- {
				if scaleMaxima[i] == 0 {
					scaleAdjust = i + 1
					slog.Info("empty scale encountered", "ignoring_scales_at_or_below", scaleAdjust)
					break
				}
			}

			threshSlice := threshCube.Slice(scaleAdjust, maxScale)
			extracted, sourceMask := ExtractSources(threshSlice, opts.Tolerance, opts.NegComp)
			recomposed := iuwt.Recompose(extracted, scaleAdjust, nil, opts.DecomMode, opts.CoreCount)

			// Minor loop: conjugate gradient descent of the model
			// against the PSF, confined to the extracted source
			// support in wavelet space.
			applyA := func(p *grid.Map) *grid.Map {
				ap := subKernel.Convolve(p)
				apCube, _ := iuwt.Decompose(ap, maxScale, scaleAdjust, opts.DecomMode, opts.CoreCount)
				apCube.Mul(sourceMask)
				return iuwt.Recompose(apCube, scaleAdjust, nil, opts.DecomMode, opts.CoreCount)
			}

			x = grid.NewMap(subregion, subregion)
			r := recomposed.Clone()
			p := recomposed.Clone()

			minorIter := 0
			snrLast := 0.0
			snrCurrent := 0.0

			for minorIter < opts.MinorLoopMiter {
				ap := applyA(p)

				// A search direction with no response through the PSF
				// cannot reduce the residual; dividing by its energy
				// would poison the model with NaNs.
				pAp := p.Dot(ap)
				if pAp == 0 {
					slog.Info("search direction vanished - exiting minor loop")
					break
				}
				alpha := r.Dot(r) / pAp

				xn := x.Clone()
				xn.AddScaled(alpha, p)

				// The positivity constraint necessitates recomputing
				// the search direction.
				if opts.EnforcePositivity && xn.Min() < 0 {
					xn.ClampNegative()
					p = xn.Sub(x)
					p.Scale(1 / alpha)
					ap = applyA(p)
				}

				rn := r.Clone()
				rn.AddScaled(-alpha, ap)

				beta := rn.Dot(rn) / r.Dot(r)
				pn := rn.Clone()
				pn.AddScaled(beta, p)
				p = pn

				modelCube, _ := iuwt.Decompose(subKernel.Convolve(xn), maxScale, scaleAdjust, opts.DecomMode, opts.CoreCount)
				modelCube.Mul(sourceMask)

				snrLast = snrCurrent
				snrCurrent = SNR(extracted, modelCube)
				minorIter++

				slog.Debug("minor loop iteration", "iteration", minorIter, "snr_db", snrCurrent)

				if minorIter == 1 && snrCurrent > 40 {
					slog.Info("SNR too large on first iteration - false detection, incrementing the minimum scale")
					minScale++
					break
				}
				if snrCurrent > 40 {
					slog.Info("model has reached <1% error - exiting minor loop")
					x = xn
					minScale = 0
					break
				}
				if minorIter > 2 && snrCurrent <= snrLast {
					if snrCurrent > 10.5 {
						slog.Info("SNR has decreased - exiting minor loop",
							"approx_error_pct", int(100/math.Pow(10, snrCurrent/20)))
						minScale = 0
					} else {
						slog.Info("SNR has decreased and is too small - incrementing the minimum scale")
						minScale++
					}
					break
				}

				r = rn
				x = xn
			}

			slog.Info("minor loop finished", "iterations", minorIter)

			if minorIter == opts.MinorLoopMiter && snrCurrent > 10.5 {
				slog.Info("maximum minor loop iterations exceeded",
					"approx_error_pct", int(100/math.Pow(10, snrCurrent/20)))
				minScale = 0
				break
			}
			if minScale == 0 {
				break
			}
		}

		if minScale == scaleCount {
			slog.Info("all scales are performing poorly - stopping")
			break
		}

		// Deconvolution step: the model convolved with the PSF is
		// subtracted from the dirty map to give the residual.
		if maxCoeff > 0 {
			model.AddCenter(opts.LoopGain, x)
			residual = d.dirty.Sub(dataKernel.Convolve(model))

			stdLast = stdCurrent
			resSub, cerr := residual.CenterCrop(subregion)
			if cerr != nil {
				return cerr
			}
			stdCurrent = resSub.Std()
			stdRatio = (stdLast - stdCurrent) / stdLast

			// A deconvolution step that worsens the residual is
			// reverted so the previous model survives.
			if stdRatio < 0 {
				slog.Info("residual has worsened - reverting changes")
				model.AddCenter(-opts.LoopGain, x)
				residual = d.dirty.Sub(dataKernel.Convolve(model))
				resSub, cerr = residual.CenterCrop(subregion)
				if cerr != nil {
					return cerr
				}
			}

			dirtySub = resSub
			majorIter++
			slog.Info("major loop iteration complete", "iterations", majorIter)
		}

		if majorIter == 0 {
			slog.Info("current run did no work - finished")
			d.complete = true
			break
		}
	}

	if majorIter > 0 {
		d.Model.AddScaled(1, model)
		d.Residual = residual
	}
	return nil
}

// MoresaneByScale runs the engine scale-by-scale, removing sources at
// the lower scales before admitting higher ones. Each run consumes the
// residual of the previous one; the caller's dirty map is restored
// afterwards.
func (d *Deconvolver) MoresaneByScale(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	original := d.dirty
	defer func() {
		d.dirty = original
		d.complete = false
	}()

	maxScaleCount := int(math.Log2(float64(d.dirty.Width)) - 1)
	for scaleCount := opts.StartScale; !d.complete; scaleCount++ {
		slog.Info("deconvolving", "scale_count", scaleCount)

		runOpts := opts
		runOpts.ScaleCount = scaleCount
		if err := d.Moresane(runOpts); err != nil {
			return err
		}
		d.dirty = d.Residual

		if scaleCount+1 > maxScaleCount || scaleCount+1 > opts.StopScale {
			slog.Info("maximum scale reached - finished")
			break
		}
	}
	return nil
}

// Restore fits the clean beam to the PSF, convolves it with the model
// and adds the residual, producing the restored map. cellsize is the
// map cell size in degrees (CDELT), carried into the beam parameters.
func (d *Deconvolver) Restore(cellsize float64) error {
	beam, params, err := BeamFit(d.psf, d.Model.Width, d.Model.Height, cellsize)
	if err != nil {
		return fmt.Errorf("failed to fit restoring beam: %w", err)
	}
	kernel, err := fftconv.NewKernel(beam, d.Model.Width, d.Model.Height, fftconv.Circular)
	if err != nil {
		return fmt.Errorf("failed to prepare restoring kernel: %w", err)
	}
	d.Restored = kernel.Convolve(d.Model)
	d.Restored.AddScaled(1, d.Residual)
	d.Beam = params
	return nil
}

// suppressionCube builds the per-scale edge masks. The undecimated
// transform corrupts a border of 2*2^i pixels at scale i; the mask
// zeroes at least that much, widened by the configured offset.
func suppressionCube(scaleCount, subregion int, opts Options) grid.Cube {
	if !opts.EdgeSuppression && opts.EdgeOffset <= 0 {
		return nil
	}
	cube := grid.NewCube(scaleCount, subregion, subregion)
	if !opts.EdgeSuppression {
		for _, plane := range cube {
			fillInterior(plane, opts.EdgeOffset)
		}
		return cube
	}
	edgeCorruption := 0
	for i := 0; i < scaleCount; i++ {
		edgeCorruption += 2 * (1 << uint(i))
		border := edgeCorruption
		if opts.EdgeOffset > edgeCorruption {
			border = opts.EdgeOffset
		}
		fillInterior(cube[i], border)
	}
	return cube
}

func fillInterior(plane *grid.Map, border int) {
	for y := border; y < plane.Height-border; y++ {
		for x := border; x < plane.Width-border; x++ {
			plane.Pix[y*plane.Width+x] = 1
		}
	}
}
