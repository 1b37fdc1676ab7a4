// Package calcium implements coronary calcium quantification: Agatston,
// volume, and mass scores over a grid plus an externally supplied lesion
// mask, with configurable risk bands and percentile reference lookup.
package calcium

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voxelstation/internal/models"
	"voxelstation/pkg/volume"
)

// ErrMissingMask is returned when no lesion mask is supplied. There is no
// meaningful default mask, so this fails the computation fast.
var ErrMissingMask = errors.New("no lesion mask supplied")

// RiskBand is one step of the risk category function. A score falls in the
// band when it is at most MaxScore; bands must be supplied in ascending
// MaxScore order with the final band covering everything above the rest.
type RiskBand struct {
	MaxScore float64 `yaml:"maxScore"`
	Category string  `yaml:"category"`
}

// DefaultRiskBands are the conventional Agatston bands. Clinical guidelines
// vary, so deployments override these through configuration.
func DefaultRiskBands() []RiskBand {
	return []RiskBand{
		{MaxScore: 0, Category: "minimal"},
		{MaxScore: 10, Category: "mild"},
		{MaxScore: 100, Category: "moderate"},
		{MaxScore: 400, Category: "moderately high"},
		{MaxScore: -1, Category: "high"}, // -1 marks the open-ended band
	}
}

// Options control one scoring pass.
type Options struct {
	// ThresholdHU is the calcium intensity threshold, 130 HU by convention.
	ThresholdHU float64

	// MinAreaMM2 drops connected regions smaller than this in-plane area,
	// per the Agatston acquisition protocol. Zero disables the minimum.
	MinAreaMM2 float64

	// MassCalibrationFactor converts HU-weighted voxel volume to milligrams
	// of calcium hydroxyapatite. The default corresponds to a standard
	// 120 kVp phantom calibration; sites substitute their own.
	MassCalibrationFactor float64

	// RiskBands is the risk category step function.
	RiskBands []RiskBand

	// Reference is the age/gender percentile table, or nil to skip
	// percentile ranking.
	Reference *ReferenceTable

	// PatientAge and PatientGender select the reference row.
	PatientAge    int
	PatientGender string
}

// DefaultOptions returns the conventional scoring parameters.
func DefaultOptions() Options {
	return Options{
		ThresholdHU:           130,
		MinAreaMM2:            1.0,
		MassCalibrationFactor: 0.00079,
		RiskBands:             DefaultRiskBands(),
	}
}

// Score computes all calcium scores for a fixed (grid, mask, threshold)
// triple. The result is deterministic: lesions are discovered in scan order
// and no step depends on map iteration or randomness.
//
// The mask marks candidate lesion voxels; only mask voxels at or above the
// threshold contribute. Labeled masks produce per-vessel subtotals.
func Score(ctx context.Context, grid *volume.Grid, mask *volume.Mask, opts Options) (*models.CalciumResult, error) {
	if grid == nil {
		return nil, fmt.Errorf("nil grid")
	}
	if mask == nil || mask.Empty() {
		return nil, ErrMissingMask
	}
	if !mask.Matches(grid) {
		return nil, fmt.Errorf("lesion mask dimensions do not match grid")
	}

	nx, ny, nz := grid.Dims()
	sx, sy, _ := grid.Spacing()
	pixelArea := sx * sy
	voxelVol := grid.VoxelVolume()

	res := &models.CalciumResult{
		ThresholdHU: opts.ThresholdHU,
		Percentile:  -1,
		PerVessel:   make(map[int]float64),
	}

	// Agatston scoring is defined per 2D slice: connected regions are found
	// in-plane and their contributions summed across slices.
	visited := make([]bool, nx*ny)
	for z := 0; z < nz; z++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for i := range visited {
			visited[i] = false
		}

		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if visited[y*nx+x] || !aboveThreshold(grid, mask, x, y, z, opts.ThresholdHU) {
					continue
				}

				region := floodFill(grid, mask, visited, x, y, z, opts.ThresholdHU)

				// Volume and mass scores count every thresholded voxel,
				// regardless of the Agatston area minimum.
				res.VolumeMM3 += float64(region.count) * voxelVol
				res.MassMG += region.huSum * voxelVol * opts.MassCalibrationFactor

				area := float64(region.count) * pixelArea
				if opts.MinAreaMM2 > 0 && area < opts.MinAreaMM2 {
					continue
				}

				factor := DensityFactor(region.maxHU)
				lesion := models.LesionScore{
					Label:         region.label,
					Slice:         z,
					VoxelCount:    region.count,
					AreaMM2:       area,
					MaxHU:         region.maxHU,
					DensityFactor: factor,
					Agatston:      area * factor,
				}
				res.Agatston += lesion.Agatston
				if res.PerVessel != nil {
					res.PerVessel[region.label] += lesion.Agatston
				}
				res.Lesions = append(res.Lesions, lesion)
			}
		}
	}

	res.RiskCategory = Categorize(res.Agatston, opts.RiskBands)
	if opts.Reference != nil {
		res.Percentile = opts.Reference.Percentile(res.Agatston, opts.PatientAge, opts.PatientGender)
	}
	res.ComputedAt = time.Now()
	return res, nil
}

// DensityFactor returns the Agatston density weighting for a region's peak
// intensity: 1 for [130,200), 2 for [200,300), 3 for [300,400), 4 at or
// above 400.
func DensityFactor(maxHU float64) float64 {
	switch {
	case maxHU < 130:
		return 0
	case maxHU < 200:
		return 1
	case maxHU < 300:
		return 2
	case maxHU < 400:
		return 3
	default:
		return 4
	}
}

// Categorize returns the risk band a score falls in. Bands are evaluated in
// order; a MaxScore below zero marks the open-ended top band.
func Categorize(score float64, bands []RiskBand) string {
	for _, b := range bands {
		if b.MaxScore < 0 || score <= b.MaxScore {
			return b.Category
		}
	}
	return ""
}

type region struct {
	label int
	count int
	maxHU float64
	huSum float64
}

func aboveThreshold(grid *volume.Grid, mask *volume.Mask, x, y, z int, threshold float64) bool {
	return mask.Label(x, y, z) > 0 && grid.At(x, y, z) >= threshold
}

// floodFill collects the 8-connected in-plane region starting at (x, y) on
// slice z. Growth stays within the seed voxel's mask label, so touching
// lesions of different vessels form separate regions. Neighbor visitation
// order is fixed, keeping discovery deterministic.
func floodFill(grid *volume.Grid, mask *volume.Mask, visited []bool, x, y, z int, threshold float64) region {
	nx, ny, _ := grid.Dims()
	reg := region{label: mask.Label(x, y, z)}

	stack := [][2]int{{x, y}}
	visited[y*nx+x] = true

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		hu := grid.At(p[0], p[1], z)
		reg.count++
		reg.huSum += hu
		if hu > reg.maxHU {
			reg.maxHU = hu
		}

		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				qx, qy := p[0]+dx, p[1]+dy
				if qx < 0 || qx >= nx || qy < 0 || qy >= ny || visited[qy*nx+qx] {
					continue
				}
				if mask.Label(qx, qy, z) != reg.label || grid.At(qx, qy, z) < threshold {
					continue
				}
				visited[qy*nx+qx] = true
				stack = append(stack, [2]int{qx, qy})
			}
		}
	}
	return reg
}
