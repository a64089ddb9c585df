package core

import (
	"strconv"

	"github.com/jo-hoe/moresane/internal/fftconv"
	"github.com/jo-hoe/moresane/internal/iuwt"
	"github.com/jo-hoe/moresane/internal/moresane"
)

// JobParams is the serialisable parameter surface of a deconvolution
// job: the engine options plus the run mode. It travels as JSON in the
// job record and as YAML in the service defaults.
type JobParams struct {
	SingleRun         bool    `json:"singleRun" yaml:"singleRun"`
	Subregion         int     `json:"subregion" yaml:"subregion" validate:"min=0"`
	ScaleCount        int     `json:"scaleCount" yaml:"scaleCount" validate:"min=0"`
	StartScale        int     `json:"startScale" yaml:"startScale" validate:"min=0"`
	StopScale         int     `json:"stopScale" yaml:"stopScale" validate:"min=0"`
	SigmaLevel        float64 `json:"sigmaLevel" yaml:"sigmaLevel" validate:"min=0"`
	LoopGain          float64 `json:"loopGain" yaml:"loopGain" validate:"min=0,max=1"`
	Tolerance         float64 `json:"tolerance" yaml:"tolerance" validate:"min=0,max=1"`
	Accuracy          float64 `json:"accuracy" yaml:"accuracy" validate:"min=0"`
	MajorLoopMiter    int     `json:"majorLoopMiter" yaml:"majorLoopMiter" validate:"min=0"`
	MinorLoopMiter    int     `json:"minorLoopMiter" yaml:"minorLoopMiter" validate:"min=0"`
	DecomMode         string  `json:"decomMode" yaml:"decomMode" validate:"omitempty,oneof=serial parallel"`
	CoreCount         int     `json:"coreCount" yaml:"coreCount" validate:"min=0"`
	ConvMode          string  `json:"convMode" yaml:"convMode" validate:"omitempty,oneof=linear circular"`
	EnforcePositivity bool    `json:"enforcePositivity" yaml:"enforcePositivity"`
	EdgeSuppression   bool    `json:"edgeSuppression" yaml:"edgeSuppression"`
	EdgeOffset        int     `json:"edgeOffset" yaml:"edgeOffset" validate:"min=0"`
	FluxThreshold     float64 `json:"fluxThreshold" yaml:"fluxThreshold"`
	NegComp           bool    `json:"negComp" yaml:"negComp"`
	EdgeExcl          int     `json:"edgeExcl" yaml:"edgeExcl" validate:"min=0"`
	IntExcl           int     `json:"intExcl" yaml:"intExcl" validate:"min=0"`
}

// DefaultJobParams returns the canonical engine defaults.
func DefaultJobParams() JobParams {
	opts := moresane.DefaultOptions()
	return JobParams{
		StartScale:     opts.StartScale,
		StopScale:      opts.StopScale,
		SigmaLevel:     opts.SigmaLevel,
		LoopGain:       opts.LoopGain,
		Tolerance:      opts.Tolerance,
		Accuracy:       opts.Accuracy,
		MajorLoopMiter: opts.MajorLoopMiter,
		MinorLoopMiter: opts.MinorLoopMiter,
		DecomMode:      string(opts.DecomMode),
		CoreCount:      opts.CoreCount,
		ConvMode:       string(opts.ConvMode),
	}
}

// Normalize fills unset fields with the canonical defaults, so a
// sparse configuration or submission still yields a runnable
// parameter set.
func (p *JobParams) Normalize() {
	defaults := DefaultJobParams()
	if p.StartScale == 0 {
		p.StartScale = defaults.StartScale
	}
	if p.StopScale == 0 {
		p.StopScale = defaults.StopScale
	}
	if p.SigmaLevel == 0 {
		p.SigmaLevel = defaults.SigmaLevel
	}
	if p.LoopGain == 0 {
		p.LoopGain = defaults.LoopGain
	}
	if p.Tolerance == 0 {
		p.Tolerance = defaults.Tolerance
	}
	if p.Accuracy == 0 {
		p.Accuracy = defaults.Accuracy
	}
	if p.MajorLoopMiter == 0 {
		p.MajorLoopMiter = defaults.MajorLoopMiter
	}
	if p.MinorLoopMiter == 0 {
		p.MinorLoopMiter = defaults.MinorLoopMiter
	}
	if p.DecomMode == "" {
		p.DecomMode = defaults.DecomMode
	}
	if p.CoreCount == 0 {
		p.CoreCount = defaults.CoreCount
	}
	if p.ConvMode == "" {
		p.ConvMode = defaults.ConvMode
	}
}

// Options converts the parameter set into validated engine options.
func (p JobParams) Options() (moresane.Options, error) {
	decomMode, err := iuwt.ParseMode(p.DecomMode)
	if err != nil {
		return moresane.Options{}, err
	}
	convMode, err := fftconv.ParseMode(p.ConvMode)
	if err != nil {
		return moresane.Options{}, err
	}
	opts := moresane.Options{
		Subregion:         p.Subregion,
		ScaleCount:        p.ScaleCount,
		StartScale:        p.StartScale,
		StopScale:         p.StopScale,
		SigmaLevel:        p.SigmaLevel,
		LoopGain:          p.LoopGain,
		Tolerance:         p.Tolerance,
		Accuracy:          p.Accuracy,
		MajorLoopMiter:    p.MajorLoopMiter,
		MinorLoopMiter:    p.MinorLoopMiter,
		DecomMode:         decomMode,
		CoreCount:         p.CoreCount,
		ConvMode:          convMode,
		EnforcePositivity: p.EnforcePositivity,
		EdgeSuppression:   p.EdgeSuppression,
		EdgeOffset:        p.EdgeOffset,
		FluxThreshold:     p.FluxThreshold,
		NegComp:           p.NegComp,
		EdgeExcl:          p.EdgeExcl,
		IntExcl:           p.IntExcl,
	}
	if err := opts.Validate(); err != nil {
		return moresane.Options{}, err
	}
	return opts, nil
}

// ApplyValues overrides fields from string form values, ignoring keys
// that are absent. Unparseable values are reported rather than
// silently defaulted.
func (p *JobParams) ApplyValues(values map[string]string) error {
	var err error
	setBool := func(key string, dst *bool) {
		if v, ok := values[key]; ok && err == nil {
			*dst, err = strconv.ParseBool(v)
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := values[key]; ok && err == nil {
			*dst, err = strconv.Atoi(v)
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := values[key]; ok && err == nil {
			*dst, err = strconv.ParseFloat(v, 64)
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := values[key]; ok {
			*dst = v
		}
	}

	setBool("singleRun", &p.SingleRun)
	setInt("subregion", &p.Subregion)
	setInt("scaleCount", &p.ScaleCount)
	setInt("startScale", &p.StartScale)
	setInt("stopScale", &p.StopScale)
	setFloat("sigmaLevel", &p.SigmaLevel)
	setFloat("loopGain", &p.LoopGain)
	setFloat("tolerance", &p.Tolerance)
	setFloat("accuracy", &p.Accuracy)
	setInt("majorLoopMiter", &p.MajorLoopMiter)
	setInt("minorLoopMiter", &p.MinorLoopMiter)
	setString("decomMode", &p.DecomMode)
	setInt("coreCount", &p.CoreCount)
	setString("convMode", &p.ConvMode)
	setBool("enforcePositivity", &p.EnforcePositivity)
	setBool("edgeSuppression", &p.EdgeSuppression)
	setInt("edgeOffset", &p.EdgeOffset)
	setFloat("fluxThreshold", &p.FluxThreshold)
	setBool("negComp", &p.NegComp)
	setInt("edgeExcl", &p.EdgeExcl)
	setInt("intExcl", &p.IntExcl)
	return err
}
