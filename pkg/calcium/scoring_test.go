package calcium

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"voxelstation/pkg/volume"
)

// scene assembles a synthetic scan: an air-filled raster with 0.5x0.5x1 mm
// voxels that lesions are painted into before the grid is built.
type scene struct {
	nx, ny, nz int
	data       []float64
	labels     map[[3]int]int
}

func newScene() *scene {
	nx, ny, nz := 32, 32, 8
	data := make([]float64, nx*ny*nz)
	for i := range data {
		data[i] = -1000
	}
	return &scene{nx: nx, ny: ny, nz: nz, data: data, labels: make(map[[3]int]int)}
}

func (s *scene) set(x, y, z int, hu float64, label int) {
	s.data[z*s.nx*s.ny+y*s.nx+x] = hu
	s.labels[[3]int{x, y, z}] = label
}

// lesion paints a w-by-h block on slice z at the given HU and vessel label.
func (s *scene) lesion(x0, y0, z, w, h int, hu float64, label int) {
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			s.set(x, y, z, hu, label)
		}
	}
}

func (s *scene) build(t *testing.T) (*volume.Grid, *volume.Mask) {
	t.Helper()
	g, err := volume.NewGrid(s.data, s.nx, s.ny, s.nz, 0.5, 0.5, 1, r3.Vec{})
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	mask := volume.MaskForGrid(g)
	for p, label := range s.labels {
		mask.Set(p[0], p[1], p[2], label)
	}
	return g, mask
}

// A 4x4 voxel lesion at 250 HU with 0.5 mm pixels covers 4 mm²; density
// factor 2 gives an Agatston score of exactly 8.
func TestAgatstonScenario(t *testing.T) {
	s := newScene()
	s.lesion(10, 10, 2, 4, 4, 250, 1)
	g, mask := s.build(t)

	res, err := Score(context.Background(), g, mask, DefaultOptions())
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	if math.Abs(res.Agatston-8.0) > 1e-9 {
		t.Errorf("Agatston = %v, want 8.0", res.Agatston)
	}
	if math.Abs(res.VolumeMM3-4.0) > 1e-9 {
		t.Errorf("volume = %v mm3, want 4.0", res.VolumeMM3)
	}
	// 16 voxels at 250 HU: 4000 * 0.25 mm3 * 0.00079 mg.
	wantMass := 4000 * 0.25 * 0.00079
	if math.Abs(res.MassMG-wantMass) > 1e-9 {
		t.Errorf("mass = %v mg, want %v", res.MassMG, wantMass)
	}
	if len(res.Lesions) != 1 {
		t.Fatalf("found %d lesions, want 1", len(res.Lesions))
	}
	if res.Lesions[0].DensityFactor != 2 {
		t.Errorf("density factor = %v, want 2", res.Lesions[0].DensityFactor)
	}
	if res.RiskCategory != "mild" {
		t.Errorf("risk category = %q, want mild", res.RiskCategory)
	}
	if res.Percentile != -1 {
		t.Errorf("percentile without a reference table = %v, want -1", res.Percentile)
	}
}

func TestScoreDeterministic(t *testing.T) {
	s := newScene()
	s.lesion(2, 2, 1, 3, 3, 180, 1)
	s.lesion(20, 5, 1, 2, 5, 320, 2)
	s.lesion(8, 24, 4, 4, 2, 450, 1)
	g, mask := s.build(t)

	ctx := context.Background()
	first, err := Score(ctx, g, mask, DefaultOptions())
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Score(ctx, g, mask, DefaultOptions())
		if err != nil {
			t.Fatalf("Score failed: %v", err)
		}
		if again.Agatston != first.Agatston || again.VolumeMM3 != first.VolumeMM3 || again.MassMG != first.MassMG {
			t.Fatalf("run %d differs: %+v vs %+v", i, again, first)
		}
		if len(again.Lesions) != len(first.Lesions) {
			t.Fatalf("run %d found %d lesions, first run %d", i, len(again.Lesions), len(first.Lesions))
		}
		for j := range again.Lesions {
			if again.Lesions[j] != first.Lesions[j] {
				t.Fatalf("lesion %d differs between runs", j)
			}
		}
	}
}

func TestScoreRequiresMask(t *testing.T) {
	g, _ := newScene().build(t)

	if _, err := Score(context.Background(), g, nil, DefaultOptions()); !errors.Is(err, ErrMissingMask) {
		t.Errorf("nil mask error = %v, want ErrMissingMask", err)
	}
	empty := volume.MaskForGrid(g)
	if _, err := Score(context.Background(), g, empty, DefaultOptions()); !errors.Is(err, ErrMissingMask) {
		t.Errorf("empty mask error = %v, want ErrMissingMask", err)
	}
}

func TestScoreThresholdBoundary(t *testing.T) {
	s := newScene()
	// One voxel exactly at 130 HU, one just below. The 130 voxel scores,
	// the other does not.
	s.set(5, 5, 0, 130, 1)
	s.set(10, 10, 0, 129.999, 1)
	g, mask := s.build(t)

	opts := DefaultOptions()
	opts.MinAreaMM2 = 0 // let the single voxel through
	res, err := Score(context.Background(), g, mask, opts)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	if len(res.Lesions) != 1 {
		t.Fatalf("found %d lesions, want 1 (only the 130 HU voxel)", len(res.Lesions))
	}
	if res.Lesions[0].DensityFactor != 1 {
		t.Errorf("density factor at 130 HU = %v, want 1", res.Lesions[0].DensityFactor)
	}
}

func TestScoreMinAreaFiltersAgatstonOnly(t *testing.T) {
	s := newScene()
	// A single 0.25 mm2 voxel: below the 1 mm2 Agatston minimum but still
	// counted in the volume and mass scores.
	s.set(5, 5, 0, 300, 1)
	g, mask := s.build(t)

	res, err := Score(context.Background(), g, mask, DefaultOptions())
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if res.Agatston != 0 {
		t.Errorf("Agatston = %v, want 0 for a sub-minimum lesion", res.Agatston)
	}
	if math.Abs(res.VolumeMM3-0.25) > 1e-12 {
		t.Errorf("volume = %v mm3, want 0.25", res.VolumeMM3)
	}
	if res.MassMG <= 0 {
		t.Errorf("mass = %v mg, want positive", res.MassMG)
	}
}

func TestScoreDiagonalConnectivity(t *testing.T) {
	s := newScene()
	// Two voxels touching only diagonally are one 8-connected region.
	s.set(5, 5, 0, 200, 1)
	s.set(6, 6, 0, 200, 1)
	g, mask := s.build(t)

	opts := DefaultOptions()
	opts.MinAreaMM2 = 0
	res, err := Score(context.Background(), g, mask, opts)
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}
	if len(res.Lesions) != 1 {
		t.Errorf("found %d lesions, want 1 merged diagonal region", len(res.Lesions))
	}
	if res.Lesions[0].VoxelCount != 2 {
		t.Errorf("region has %d voxels, want 2", res.Lesions[0].VoxelCount)
	}
}

func TestScorePerVesselSubtotals(t *testing.T) {
	s := newScene()
	s.lesion(2, 2, 0, 4, 4, 250, 1)   // LAD
	s.lesion(20, 20, 0, 4, 4, 150, 2) // RCA
	g, mask := s.build(t)

	res, err := Score(context.Background(), g, mask, DefaultOptions())
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	if math.Abs(res.PerVessel[1]-8.0) > 1e-9 {
		t.Errorf("vessel 1 score = %v, want 8.0", res.PerVessel[1])
	}
	if math.Abs(res.PerVessel[2]-4.0) > 1e-9 {
		t.Errorf("vessel 2 score = %v, want 4.0", res.PerVessel[2])
	}
	sum := res.PerVessel[1] + res.PerVessel[2]
	if math.Abs(sum-res.Agatston) > 1e-9 {
		t.Errorf("per-vessel sum %v != total %v", sum, res.Agatston)
	}
}

// Touching lesions with different vessel labels must stay separate regions;
// merging them would attribute both to the seed's vessel.
func TestScoreAdjacentVesselsStaySeparate(t *testing.T) {
	s := newScene()
	s.lesion(5, 5, 0, 2, 2, 250, 1)
	s.lesion(7, 5, 0, 2, 2, 150, 2) // shares an edge with vessel 1
	g, mask := s.build(t)

	res, err := Score(context.Background(), g, mask, DefaultOptions())
	if err != nil {
		t.Fatalf("Score failed: %v", err)
	}

	if len(res.Lesions) != 2 {
		t.Fatalf("found %d lesions, want 2 (one per vessel label)", len(res.Lesions))
	}
	// Vessel 1: 1 mm2 at 250 HU (factor 2). Vessel 2: 1 mm2 at 150 HU (factor 1).
	if math.Abs(res.PerVessel[1]-2.0) > 1e-9 {
		t.Errorf("vessel 1 score = %v, want 2.0", res.PerVessel[1])
	}
	if math.Abs(res.PerVessel[2]-1.0) > 1e-9 {
		t.Errorf("vessel 2 score = %v, want 1.0", res.PerVessel[2])
	}
}

func TestScoreCancellation(t *testing.T) {
	s := newScene()
	s.lesion(2, 2, 0, 4, 4, 250, 1)
	g, mask := s.build(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Score(ctx, g, mask, DefaultOptions()); !errors.Is(err, context.Canceled) {
		t.Errorf("Score with cancelled context error = %v, want context.Canceled", err)
	}
}

func TestDensityFactorBands(t *testing.T) {
	cases := []struct {
		hu   float64
		want float64
	}{
		{129.999, 0},
		{130, 1},
		{199.999, 1},
		{200, 2},
		{300, 3},
		{399.999, 3},
		{400, 4},
		{2000, 4},
	}
	for _, c := range cases {
		if got := DensityFactor(c.hu); got != c.want {
			t.Errorf("DensityFactor(%v) = %v, want %v", c.hu, got, c.want)
		}
	}
}

func TestCategorize(t *testing.T) {
	bands := DefaultRiskBands()
	cases := []struct {
		score float64
		want  string
	}{
		{0, "minimal"},
		{0.5, "mild"},
		{10, "mild"},
		{55, "moderate"},
		{400, "moderately high"},
		{401, "high"},
		{10000, "high"},
	}
	for _, c := range cases {
		if got := Categorize(c.score, bands); got != c.want {
			t.Errorf("Categorize(%v) = %q, want %q", c.score, got, c.want)
		}
	}
}

func TestPercentileInterpolation(t *testing.T) {
	table := &ReferenceTable{Rows: []PercentileRow{
		{Gender: "male", AgeMin: 45, AgeMax: 49, P25: 0, P50: 10, P75: 50, P90: 200},
		{Gender: "female", AgeMin: 45, AgeMax: 49, P25: 0, P50: 0, P75: 10, P90: 60},
	}}

	if got := table.Percentile(10, 47, "male"); got != 50 {
		t.Errorf("score at the median = %v, want 50", got)
	}
	// Halfway between P50=10 and P75=50.
	if got := table.Percentile(30, 47, "male"); math.Abs(got-62.5) > 1e-9 {
		t.Errorf("interpolated percentile = %v, want 62.5", got)
	}
	if got := table.Percentile(0, 47, "male"); got != 25 {
		t.Errorf("zero score percentile = %v, want 25 (floor)", got)
	}
	if got := table.Percentile(1e6, 47, "male"); got != 90 {
		t.Errorf("huge score percentile = %v, want 90 (ceiling)", got)
	}
	if got := table.Percentile(10, 47, "MALE"); got != 50 {
		t.Errorf("gender match must be case-insensitive, got %v", got)
	}
	if got := table.Percentile(10, 80, "male"); got != -1 {
		t.Errorf("unmatched age = %v, want -1", got)
	}
}

func TestLoadReferenceTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "percentiles.yaml")
	doc := `rows:
  - gender: male
    ageMin: 40
    ageMax: 44
    p25: 0
    p50: 1
    p75: 20
    p90: 90
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing table: %v", err)
	}

	table, err := LoadReferenceTable(path)
	if err != nil {
		t.Fatalf("LoadReferenceTable failed: %v", err)
	}
	if len(table.Rows) != 1 {
		t.Fatalf("loaded %d rows, want 1", len(table.Rows))
	}
	if table.Rows[0].P90 != 90 {
		t.Errorf("P90 = %v, want 90", table.Rows[0].P90)
	}

	if _, err := LoadReferenceTable(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing table file")
	}
}
