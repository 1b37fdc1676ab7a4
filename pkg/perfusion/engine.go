package perfusion

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"voxelstation/internal/models"
	"voxelstation/pkg/volume"
)

// Options control a perfusion analysis pass.
type Options struct {
	Deconv DeconvOptions

	// BlockSize is the cubic block edge, in voxels, the parametric maps are
	// solved at. Every voxel of a block shares that block's mean-curve
	// solution; 1 solves per voxel.
	BlockSize int

	// Workers caps the number of concurrent block solves.
	Workers int

	// CBFScale converts the peak scaled residue (1/s) to mL/min/100g.
	CBFScale float64

	// CBVCorrection converts the tissue/arterial AUC ratio to mL/100g,
	// folding in tissue density and the large/small-vessel hematocrit
	// correction.
	CBVCorrection float64
}

// DefaultOptions returns standard analysis parameters: 60 s/min and
// 100 g scaling over a 1.04 g/mL tissue density, and a 0.73 hematocrit
// correction on blood volume.
func DefaultOptions() Options {
	return Options{
		Deconv:        DefaultDeconvOptions(),
		BlockSize:     4,
		Workers:       runtime.NumCPU(),
		CBFScale:      60 * 100 / 1.04,
		CBVCorrection: 0.73 * 100 / 1.04,
	}
}

// MTTSeconds derives mean transit time from the central volume theorem,
// CBV = CBF * MTT, converting CBF's per-minute basis to seconds: CBV in
// mL/100g over CBF in mL/min/100g times 60.
func MTTSeconds(cbf, cbv float64) float64 {
	if cbf <= 0 {
		return math.NaN()
	}
	return cbv / cbf * 60
}

// Engine runs perfusion analyses. It owns the series for the duration of one
// call only; the store keeps ownership of the underlying grids.
type Engine struct {
	opts Options
}

// NewEngine creates an engine with the given options, filling zero fields
// from the defaults.
func NewEngine(opts Options) *Engine {
	def := DefaultOptions()
	if opts.BlockSize <= 0 {
		opts.BlockSize = def.BlockSize
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.CBFScale == 0 {
		opts.CBFScale = def.CBFScale
	}
	if opts.CBVCorrection == 0 {
		opts.CBVCorrection = def.CBVCorrection
	}
	if opts.Deconv.RegularizationFraction == 0 {
		opts.Deconv.RegularizationFraction = def.Deconv.RegularizationFraction
	}
	if opts.Deconv.MaxIterations == 0 {
		opts.Deconv.MaxIterations = def.Deconv.MaxIterations
	}
	if opts.Deconv.Tolerance == 0 {
		opts.Deconv.Tolerance = def.Deconv.Tolerance
	}
	if opts.Deconv.Timeout == 0 {
		opts.Deconv.Timeout = def.Deconv.Timeout
	}
	return &Engine{opts: opts}
}

// AnalyzeROI runs the full single-ROI pipeline: curve extraction for the
// arterial input and tissue ROIs, deconvolution, and parameter derivation.
// A non-converged solve yields an indeterminate (flagged) result, not an
// error.
func (e *Engine) AnalyzeROI(ctx context.Context, series *volume.Series, aifROI, tissueROI *volume.Mask) (*models.PerfusionResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	arterial, err := ExtractTIC(series, aifROI)
	if err != nil {
		return nil, fmt.Errorf("arterial input: %w", err)
	}
	tissue, err := ExtractTIC(series, tissueROI)
	if err != nil {
		return nil, fmt.Errorf("tissue ROI: %w", err)
	}

	params, err := e.deriveParams(arterial, tissue)
	if err != nil {
		return nil, err
	}

	return &models.PerfusionResult{
		Params:     params,
		Tissue:     tissue,
		Arterial:   arterial,
		ComputedAt: time.Now(),
	}, nil
}

// deriveParams turns an arterial/tissue curve pair into a flow triple.
func (e *Engine) deriveParams(arterial, tissue models.TICSummary) (models.PerfusionParams, error) {
	if arterial.AUC <= 0 {
		return models.PerfusionParams{}, fmt.Errorf("degenerate arterial input curve (AUC %g)", arterial.AUC)
	}

	dec, err := Deconvolve(arterial.Times, arterial.Values, tissue.Values, e.opts.Deconv)
	if err != nil {
		return models.PerfusionParams{}, fmt.Errorf("deconvolution: %w", err)
	}

	cbf := MaxResidue(dec.Residue) * e.opts.CBFScale
	cbv := tissue.AUC / arterial.AUC * e.opts.CBVCorrection
	if cbv < 0 {
		cbv = 0
	}

	return models.PerfusionParams{
		CBF:           cbf,
		CBV:           cbv,
		MTT:           MTTSeconds(cbf, cbv),
		Indeterminate: !dec.Converged,
		Iterations:    dec.Iterations,
	}, nil
}

// ComputeMaps generates CBF, CBV, and MTT maps over the full field of view.
// The volume is divided into cubic blocks solved concurrently; a failed
// block leaves NaN holes in the maps and is counted rather than failing the
// whole computation. Cancelling the context stops the remaining blocks.
func (e *Engine) ComputeMaps(ctx context.Context, series *volume.Series, aifROI *volume.Mask) (*models.PerfusionMaps, error) {
	arterial, err := ExtractTIC(series, aifROI)
	if err != nil {
		return nil, fmt.Errorf("arterial input: %w", err)
	}
	if arterial.AUC <= 0 {
		return nil, fmt.Errorf("degenerate arterial input curve (AUC %g)", arterial.AUC)
	}

	nx, ny, nz := series.Geometry().Dims()
	size := nx * ny * nz

	maps := &models.PerfusionMaps{
		CBF:       models.ParametricMap{Name: "CBF", Data: nanSlice(size), NX: nx, NY: ny, NZ: nz},
		CBV:       models.ParametricMap{Name: "CBV", Data: nanSlice(size), NX: nx, NY: ny, NZ: nz},
		MTT:       models.ParametricMap{Name: "MTT", Data: nanSlice(size), NX: nx, NY: ny, NZ: nz},
		BlockSize: e.opts.BlockSize,
	}

	var indeterminate, failed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	bs := e.opts.BlockSize
	for bz := 0; bz < nz; bz += bs {
		for by := 0; by < ny; by += bs {
			for bx := 0; bx < nx; bx += bs {
				bx, by, bz := bx, by, bz
				g.Go(func() error {
					select {
					case <-ctx.Done():
						return ctx.Err()
					default:
					}
					e.solveBlock(series, arterial, maps, bx, by, bz, &indeterminate, &failed)
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	maps.IndeterminateBlocks = int(indeterminate.Load())
	maps.FailedBlocks = int(failed.Load())
	maps.CBF.Stats = summarizeMap(maps.CBF.Data)
	maps.CBV.Stats = summarizeMap(maps.CBV.Data)
	maps.MTT.Stats = summarizeMap(maps.MTT.Data)
	maps.ComputedAt = time.Now()
	return maps, nil
}

// solveBlock deconvolves the block's mean curve and writes the derived
// triple into every voxel of the block. Blocks are disjoint, so concurrent
// writes never overlap.
func (e *Engine) solveBlock(series *volume.Series, arterial models.TICSummary, maps *models.PerfusionMaps, bx, by, bz int, indeterminate, failed *atomic.Int64) {
	nx, ny, nz := series.Geometry().Dims()
	bs := e.opts.BlockSize
	x1, y1, z1 := minInt(bx+bs, nx), minInt(by+bs, ny), minInt(bz+bs, nz)

	// Mean raw curve over the block.
	raw := make([]float64, series.Len())
	count := 0
	for t := 0; t < series.Len(); t++ {
		sum := 0.0
		count = 0
		for z := bz; z < z1; z++ {
			for y := by; y < y1; y++ {
				for x := bx; x < x1; x++ {
					sum += series.Frame(t).At(x, y, z)
					count++
				}
			}
		}
		raw[t] = sum / float64(count)
	}

	tissue := summarize(series.Times(), raw)
	params, err := e.deriveParams(arterial, tissue)
	if err != nil {
		failed.Add(1)
		return
	}
	if params.Indeterminate {
		indeterminate.Add(1)
	}

	for z := bz; z < z1; z++ {
		for y := by; y < y1; y++ {
			for x := bx; x < x1; x++ {
				idx := z*nx*ny + y*nx + x
				maps.CBF.Data[idx] = params.CBF
				maps.CBV.Data[idx] = params.CBV
				maps.MTT.Data[idx] = params.MTT
			}
		}
	}
}

// RegionalStats aggregates the parametric maps over a drawn ROI. When a
// contralateral ROI is supplied the result carries the relative CBF
// asymmetry in percent; otherwise AsymmetryPct is NaN.
func RegionalStats(maps *models.PerfusionMaps, roi, contralateral *volume.Mask) (*models.RegionalPerfusion, error) {
	if roi == nil || roi.Empty() {
		return nil, fmt.Errorf("empty ROI")
	}

	cbf := collectROI(&maps.CBF, roi)
	cbv := collectROI(&maps.CBV, roi)
	mtt := collectROI(&maps.MTT, roi)
	if len(cbf) == 0 {
		return nil, fmt.Errorf("ROI covers no valid map voxels")
	}

	reg := &models.RegionalPerfusion{
		CBF:          summarizeMap(cbf),
		CBV:          summarizeMap(cbv),
		MTT:          summarizeMap(mtt),
		VoxelCount:   len(cbf),
		AsymmetryPct: math.NaN(),
	}

	if contralateral != nil && !contralateral.Empty() {
		other := collectROI(&maps.CBF, contralateral)
		if len(other) > 0 {
			a, b := reg.CBF.Mean, stat.Mean(other, nil)
			if a+b > 0 {
				reg.AsymmetryPct = math.Abs(a-b) / ((a + b) / 2) * 100
			}
		}
	}
	return reg, nil
}

// collectROI gathers the valid (non-NaN) map values under an ROI.
func collectROI(m *models.ParametricMap, roi *volume.Mask) []float64 {
	var out []float64
	for z := 0; z < m.NZ; z++ {
		for y := 0; y < m.NY; y++ {
			for x := 0; x < m.NX; x++ {
				if roi.Label(x, y, z) > 0 {
					v := m.At(x, y, z)
					if !math.IsNaN(v) {
						out = append(out, v)
					}
				}
			}
		}
	}
	return out
}

// summarizeMap computes the summary statistics of a map's valid voxels.
func summarizeMap(data []float64) models.MapStats {
	valid := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return models.MapStats{
			Min: math.NaN(), Max: math.NaN(), Mean: math.NaN(), StdDev: math.NaN(),
		}
	}

	st := models.MapStats{
		Min:  valid[0],
		Max:  valid[0],
		Mean: stat.Mean(valid, nil),
	}
	for _, v := range valid {
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
	}
	if len(valid) > 1 {
		st.StdDev = stat.StdDev(valid, nil)
	}
	return st
}

func nanSlice(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
