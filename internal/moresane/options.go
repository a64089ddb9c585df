// Package moresane implements the MORESANE deconvolution algorithm:
// model estimation by conjugate gradients over wavelet-space source
// support, driven by a loop-gain major cycle against the dirty map.
package moresane

import (
	"fmt"

	"github.com/jo-hoe/moresane/internal/fftconv"
	"github.com/jo-hoe/moresane/internal/iuwt"
)

// Options carries the full parameter surface of a deconvolution run.
type Options struct {
	// Subregion is the size in pixels of the central region to be
	// analysed and deconvolved. Zero means the whole map.
	Subregion int
	// ScaleCount caps the wavelet scales considered. Zero means
	// log2(size)-1.
	ScaleCount int
	// StartScale and StopScale bound the scale-by-scale driver.
	StartScale int
	StopScale  int
	// SigmaLevel is the threshold in units of the per-scale noise
	// estimate.
	SigmaLevel float64
	// LoopGain fractionally accumulates each minor-cycle model.
	LoopGain float64
	// Tolerance selects significant objects: those whose peak wavelet
	// coefficient exceeds Tolerance times the scale maximum.
	Tolerance float64
	// Accuracy stops the major loop once the relative improvement of
	// the residual standard deviation falls below it.
	Accuracy float64
	// MajorLoopMiter and MinorLoopMiter are the iteration caps of the
	// two loops.
	MajorLoopMiter int
	MinorLoopMiter int
	// DecomMode and CoreCount control wavelet transform execution.
	DecomMode iuwt.Mode
	CoreCount int
	// ConvMode selects linear or circular FFT convolution.
	ConvMode fftconv.Mode
	// EnforcePositivity clips negative model pixels each minor
	// iteration.
	EnforcePositivity bool
	// EdgeSuppression masks out the scale-dependent edge corruption of
	// the undecimated transform; EdgeOffset widens the masked border.
	EdgeSuppression bool
	EdgeOffset      int
	// FluxThreshold stops the major loop once the residual peak drops
	// below it (Jy).
	FluxThreshold float64
	// NegComp keeps negative rather than positive thresholded
	// coefficients.
	NegComp bool
	// EdgeExcl and IntExcl restrict the noise estimate to the interior
	// or the border of each scale plane.
	EdgeExcl int
	IntExcl  int
}

// DefaultOptions returns the canonical MORESANE parameters.
func DefaultOptions() Options {
	return Options{
		StartScale:     1,
		StopScale:      20,
		SigmaLevel:     4,
		LoopGain:       0.1,
		Tolerance:      0.75,
		Accuracy:       1e-6,
		MajorLoopMiter: 100,
		MinorLoopMiter: 30,
		DecomMode:      iuwt.Serial,
		CoreCount:      1,
		ConvMode:       fftconv.Linear,
	}
}

// Validate rejects parameter combinations the engine cannot run.
func (o *Options) Validate() error {
	if o.SigmaLevel <= 0 {
		return fmt.Errorf("sigma level must be positive, got %v", o.SigmaLevel)
	}
	if o.LoopGain <= 0 || o.LoopGain > 1 {
		return fmt.Errorf("loop gain must be in (0, 1], got %v", o.LoopGain)
	}
	if o.Tolerance <= 0 || o.Tolerance > 1 {
		return fmt.Errorf("tolerance must be in (0, 1], got %v", o.Tolerance)
	}
	if o.MajorLoopMiter <= 0 || o.MinorLoopMiter <= 0 {
		return fmt.Errorf("loop iteration caps must be positive")
	}
	if o.StartScale <= 0 {
		return fmt.Errorf("start scale must be positive, got %d", o.StartScale)
	}
	if _, err := iuwt.ParseMode(string(o.DecomMode)); err != nil {
		return err
	}
	if _, err := fftconv.ParseMode(string(o.ConvMode)); err != nil {
		return err
	}
	return nil
}
