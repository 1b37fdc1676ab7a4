package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"voxelstation/internal/models"
	"voxelstation/internal/phantom"
	"voxelstation/pkg/analysis"
	"voxelstation/pkg/config"
	"voxelstation/pkg/measurement"
	"voxelstation/pkg/mpr"
	"voxelstation/pkg/perfusion"
	"voxelstation/pkg/volume"
)

func main() {
	configPath := flag.String("config", "voxelstation.yaml", "Configuration file (YAML)")
	outputDir := flag.String("output", "output", "Directory for extracted slice images")
	workers := flag.Int("workers", 0, "Perfusion worker count (default: from config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *workers > 0 {
		cfg.Perfusion.Workers = *workers
	}

	ctx := context.Background()

	fmt.Println("================================")
	fmt.Println("VOXELSTATION VOLUMETRIC ANALYSIS CORE")
	fmt.Println("Synthetic phantom demonstration")
	fmt.Println("================================")

	// The phantom loaders stand in for the DICOM pixel loader collaborator.
	ctLoader := &phantom.CTLoader{
		NX: 128, NY: 128, NZ: 64,
		SX: 0.5, SY: 0.5, SZ: 1.0,
		Lesions: []phantom.Lesion{
			{CX: 50, CY: 60, CZ: 30, Radius: 3, PeakHU: 450, Label: 1},
			{CX: 80, CY: 55, CZ: 32, Radius: 2, PeakHU: 250, Label: 2},
		},
	}
	perfLoader := &phantom.PerfusionLoader{
		NX: 32, NY: 32, NZ: 8,
		SX: 1, SY: 1, SZ: 2,
		Frames:         30,
		TissueFraction: 0.25,
	}
	store := volume.NewStore(ctLoader, perfLoader)

	// Step 1: load the study volume.
	fmt.Println("Step 1: Loading study volume...")
	start := time.Now()
	grid, err := store.Load(ctx, "demo-ct")
	if err != nil {
		log.Fatalf("Failed to load volume: %v", err)
	}
	nx, ny, nz := grid.Dims()
	sx, sy, sz := grid.Spacing()
	fmt.Printf("Loaded %dx%dx%d volume, spacing %.1fx%.1fx%.1f mm\n", nx, ny, nz, sx, sy, sz)

	// Step 2: MPR extraction at the crosshair position.
	fmt.Println("Step 2: Extracting MPR planes at the crosshair...")
	cross := mpr.NewCrosshair(grid)
	cross.SetPlanePoint(mpr.Axial, 50, 60)
	cross.SetSlice(mpr.Axial, 30)
	for _, axis := range []mpr.Axis{mpr.Axial, mpr.Sagittal, mpr.Coronal} {
		plane, err := mpr.ExtractPlane(grid, axis, cross.NormalizedPosition(axis))
		if err != nil {
			log.Fatalf("Plane extraction failed: %v", err)
		}
		path := filepath.Join(*outputDir, fmt.Sprintf("%s_%03d.jpg", axis, plane.SliceIndex))
		if err := plane.SaveJPEG(path, mpr.WindowSoftTissue); err != nil {
			log.Printf("Warning: failed to save %s plane: %v", axis, err)
		} else if cfg.Output.Verbose {
			fmt.Printf("Saved %s plane (%dx%d, %.1fx%.1f mm/px) to %s\n",
				axis, plane.Width, plane.Height, plane.SpacingU, plane.SpacingV, path)
		}
	}

	// Step 3: measurements between the phantom lesions.
	fmt.Println("Step 3: Running measurements...")
	eng := measurement.NewEngine(grid)
	mustDo(eng.Begin(models.Distance))
	mustDo(eng.AddPoint(r3.Vec{X: 50, Y: 60, Z: 30}))
	mustDo(eng.AddPoint(r3.Vec{X: 80, Y: 55, Z: 32}))
	dist, err := eng.Complete()
	if err != nil {
		log.Fatalf("Distance measurement failed: %v", err)
	}
	fmt.Printf("Lesion separation: %.2f %s\n", dist.Value, dist.Unit)

	mustDo(eng.Begin(models.HU))
	mustDo(eng.AddPoint(r3.Vec{X: 50, Y: 60, Z: 30}))
	hu, err := eng.Complete()
	if err != nil {
		log.Fatalf("HU measurement failed: %v", err)
	}
	fmt.Printf("Intensity at lesion center: %.0f HU (%s)\n", hu.Value, hu.Tissue)

	// Step 4: calcium scoring through the result cache.
	fmt.Println("Step 4: Calcium scoring...")
	calciumOpts, err := cfg.CalciumOptions()
	if err != nil {
		log.Fatalf("Failed to assemble calcium options: %v", err)
	}
	cache := analysis.NewCache()
	scorer := analysis.NewCalciumScorer(cache)
	score, err := scorer.Score(ctx, "demo-ct", grid, ctLoader.LesionMask(), calciumOpts)
	if err != nil {
		log.Fatalf("Calcium scoring failed: %v", err)
	}
	fmt.Printf("Agatston score: %.1f (%s)\n", score.Agatston, score.RiskCategory)
	fmt.Printf("Volume score:   %.1f mm3\n", score.VolumeMM3)
	fmt.Printf("Mass score:     %.2f mg\n", score.MassMG)
	for label, sub := range score.PerVessel {
		fmt.Printf("  vessel %d: %.1f\n", label, sub)
	}

	// Step 5: perfusion maps over the dynamic series.
	fmt.Println("Step 5: Perfusion analysis...")
	series, err := store.LoadSeries(ctx, "demo-perf")
	if err != nil {
		log.Fatalf("Failed to load dynamic series: %v", err)
	}
	analyzer := analysis.NewPerfusionAnalyzer(cache, cfg.PerfusionOptions())
	maps, err := analyzer.Maps(ctx, "demo-perf", series, perfLoader.ArteryMask())
	if err != nil {
		log.Fatalf("Perfusion map generation failed: %v", err)
	}
	printMap(&maps.CBF, "mL/min/100g")
	printMap(&maps.CBV, "mL/100g")
	printMap(&maps.MTT, "s")
	if maps.IndeterminateBlocks > 0 || maps.FailedBlocks > 0 {
		fmt.Printf("Solver: %d indeterminate blocks, %d failed blocks\n",
			maps.IndeterminateBlocks, maps.FailedBlocks)
	}

	regional, err := perfusion.RegionalStats(maps, perfLoader.TissueMask(), nil)
	if err != nil {
		log.Fatalf("Regional analysis failed: %v", err)
	}
	fmt.Printf("Tissue ROI: CBF %.1f mL/min/100g over %d voxels\n",
		regional.CBF.Mean, regional.VoxelCount)

	fmt.Printf("\nCompleted in %.2f seconds\n", time.Since(start).Seconds())
}

func printMap(m *models.ParametricMap, unit string) {
	if math.IsNaN(m.Stats.Mean) {
		fmt.Printf("%s map: no valid voxels\n", m.Name)
		return
	}
	fmt.Printf("%s map: mean %.2f %s (min %.2f, max %.2f, sd %.2f)\n",
		m.Name, m.Stats.Mean, unit, m.Stats.Min, m.Stats.Max, m.Stats.StdDev)
}

func mustDo(err error) {
	if err != nil {
		log.Fatalf("Measurement step failed: %v", err)
	}
}
