// Package perfusion derives tissue blood-flow parameters from dynamic
// contrast volume series: time-intensity curve extraction, residue-function
// deconvolution against an arterial input, and full-field parametric maps.
package perfusion

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"

	"voxelstation/internal/models"
	"voxelstation/pkg/volume"
)

// ErrInsufficientTimepoints is returned when a series has too few frames for
// curve analysis.
var ErrInsufficientTimepoints = errors.New("series has too few time points")

// minTimepoints is the smallest series length a deconvolution is attempted
// on. Fewer frames than this cannot resolve a residue function.
const minTimepoints = 4

// baselineFrames is the number of leading pre-contrast frames averaged into
// the baseline estimate.
const baselineFrames = 3

// ExtractTIC samples the mean ROI intensity at every time point of the
// series and derives the curve scalars: peak enhancement, time to peak, and
// trapezoidal area under the curve. The baseline estimated from the leading
// frames is subtracted from all samples.
func ExtractTIC(series *volume.Series, roi *volume.Mask) (models.TICSummary, error) {
	if series.Len() < minTimepoints {
		return models.TICSummary{}, fmt.Errorf("%w: have %d, need %d",
			ErrInsufficientTimepoints, series.Len(), minTimepoints)
	}
	if roi == nil || roi.Empty() {
		return models.TICSummary{}, fmt.Errorf("empty ROI")
	}
	if !roi.Matches(series.Geometry()) {
		return models.TICSummary{}, fmt.Errorf("ROI dimensions do not match series")
	}

	nx, ny, nz := series.Geometry().Dims()
	raw := make([]float64, series.Len())
	for t := 0; t < series.Len(); t++ {
		frame := series.Frame(t)
		sum, n := 0.0, 0
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					if roi.Label(x, y, z) > 0 {
						sum += frame.At(x, y, z)
						n++
					}
				}
			}
		}
		raw[t] = sum / float64(n)
	}

	return summarize(series.Times(), raw), nil
}

// ExtractVoxelTIC samples a single voxel's curve across the series.
func ExtractVoxelTIC(series *volume.Series, x, y, z int) (models.TICSummary, error) {
	if series.Len() < minTimepoints {
		return models.TICSummary{}, fmt.Errorf("%w: have %d, need %d",
			ErrInsufficientTimepoints, series.Len(), minTimepoints)
	}
	if !series.Geometry().InBounds(x, y, z) {
		return models.TICSummary{}, fmt.Errorf("voxel (%d,%d,%d) out of bounds", x, y, z)
	}
	raw := make([]float64, series.Len())
	for t := 0; t < series.Len(); t++ {
		raw[t] = series.Frame(t).At(x, y, z)
	}
	return summarize(series.Times(), raw), nil
}

// summarize baseline-corrects the raw samples and computes the curve
// scalars.
func summarize(times, raw []float64) models.TICSummary {
	nBase := baselineFrames
	if nBase > len(raw) {
		nBase = len(raw)
	}
	baseline := floats.Sum(raw[:nBase]) / float64(nBase)

	values := make([]float64, len(raw))
	for i, v := range raw {
		values[i] = v - baseline
	}

	peakIdx := floats.MaxIdx(values)
	return models.TICSummary{
		Times:      times,
		Values:     values,
		Peak:       values[peakIdx],
		TimeToPeak: times[peakIdx],
		AUC:        integrate.Trapezoidal(times, values),
		Baseline:   baseline,
	}
}
