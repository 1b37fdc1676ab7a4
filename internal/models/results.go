package models

import "time"

// LesionScore is the contribution of one connected calcified region within a
// single slice.
type LesionScore struct {
	// Label is the mask label the lesion belongs to (0 for unlabeled masks).
	Label int

	// Slice is the z index of the slice the region was found in.
	Slice int

	// VoxelCount is the number of thresholded voxels in the region.
	VoxelCount int

	// AreaMM2 is the in-plane region area.
	AreaMM2 float64

	// MaxHU is the peak intensity inside the region.
	MaxHU float64

	// DensityFactor is the Agatston density weighting derived from MaxHU.
	DensityFactor float64

	// Agatston is AreaMM2 times DensityFactor.
	Agatston float64
}

// CalciumResult holds the complete output of one calcium scoring pass. The
// result carries per-lesion detail so a reporting layer can render it without
// recomputation.
type CalciumResult struct {
	SeriesID    string
	ThresholdHU float64

	// Agatston is the total score summed over all lesions and slices.
	Agatston float64

	// VolumeMM3 is the thresholded voxel count times the unit voxel volume.
	VolumeMM3 float64

	// MassMG is the calibrated calcium mass.
	MassMG float64

	// PerVessel maps mask labels to their Agatston subtotal. A binary mask
	// produces a single entry under its one label.
	PerVessel map[int]float64

	// Percentile is the age/gender percentile rank of the Agatston score,
	// or -1 when no reference table matched.
	Percentile float64

	// RiskCategory is the configured risk band the Agatston score falls in.
	RiskCategory string

	Lesions    []LesionScore
	ComputedAt time.Time
}

// MapStats summarizes a parametric map over its valid voxels.
type MapStats struct {
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
}

// ParametricMap is a scalar field over the full field of view. Voxels that
// could not be computed hold NaN and are excluded from Stats.
type ParametricMap struct {
	Name       string
	Data       []float64
	NX, NY, NZ int
	Stats      MapStats
}

// At returns the map value at voxel (x, y, z).
func (m *ParametricMap) At(x, y, z int) float64 {
	return m.Data[z*m.NX*m.NY+y*m.NX+x]
}

// TICSummary is an extracted time-intensity curve with its derived scalars.
type TICSummary struct {
	// Times are the acquisition times in seconds.
	Times []float64

	// Values are the baseline-corrected mean ROI intensities per time point.
	Values []float64

	// Peak is the maximum enhancement value.
	Peak float64

	// TimeToPeak is the acquisition time of the peak, in seconds.
	TimeToPeak float64

	// AUC is the trapezoidal area under the curve.
	AUC float64

	// Baseline is the pre-contrast intensity subtracted from the raw samples.
	Baseline float64
}

// PerfusionParams is one derived flow triple. The central volume theorem
// CBV = CBF * MTT links the three values; Indeterminate marks triples whose
// deconvolution did not converge within budget.
type PerfusionParams struct {
	// CBF is blood flow in mL/min/100g.
	CBF float64

	// CBV is blood volume in mL/100g.
	CBV float64

	// MTT is mean transit time in seconds.
	MTT float64

	// Indeterminate is true when the residue solve stopped at the iteration
	// budget without meeting the convergence tolerance. The values are the
	// partial solution, usable but flagged.
	Indeterminate bool

	// Iterations is the number of refinement iterations the solver ran.
	Iterations int
}

// PerfusionResult is a single-ROI perfusion analysis outcome, including the
// raw curves it was derived from.
type PerfusionResult struct {
	SeriesID string
	Params   PerfusionParams
	Tissue   TICSummary
	Arterial TICSummary

	ComputedAt time.Time
}

// PerfusionMaps is the full-field parametric map output. Per-block failures
// leave NaN holes rather than failing the whole map.
type PerfusionMaps struct {
	SeriesID string
	CBF      ParametricMap
	CBV      ParametricMap
	MTT      ParametricMap

	// BlockSize is the cubic block edge used for the per-block solve.
	BlockSize int

	// IndeterminateBlocks counts blocks whose solve hit the iteration budget.
	IndeterminateBlocks int

	// FailedBlocks counts blocks that produced no values at all.
	FailedBlocks int

	ComputedAt time.Time
}

// RegionalPerfusion aggregates parametric maps over a drawn ROI.
type RegionalPerfusion struct {
	CBF MapStats
	CBV MapStats
	MTT MapStats

	// VoxelCount is the number of valid ROI voxels aggregated.
	VoxelCount int

	// AsymmetryPct is the relative CBF difference against a contralateral
	// ROI in percent, or NaN when no contralateral ROI was supplied.
	AsymmetryPct float64
}
