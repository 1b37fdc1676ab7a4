// Package config provides configuration loading and management for
// voxelstation. It handles loading configuration from YAML files and
// provides clinically conventional default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"voxelstation/pkg/calcium"
	"voxelstation/pkg/perfusion"
	"voxelstation/pkg/picking"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Calcium scoring parameters. Risk bands and calibration live here
	// rather than in code because clinical guidelines vary by site.
	Calcium struct {
		// ThresholdHU is the calcium intensity threshold (130 HU by
		// convention).
		ThresholdHU float64 `yaml:"thresholdHU"`

		// MinAreaMM2 is the minimum in-plane lesion area scored.
		MinAreaMM2 float64 `yaml:"minAreaMM2"`

		// MassCalibrationFactor converts HU-weighted volume to mg.
		MassCalibrationFactor float64 `yaml:"massCalibrationFactor"`

		// RiskBands is the risk category step function in ascending order.
		RiskBands []calcium.RiskBand `yaml:"riskBands"`

		// ReferenceTablePath points to the age/gender percentile YAML, empty
		// to skip percentile ranking.
		ReferenceTablePath string `yaml:"referenceTablePath"`
	} `yaml:"calcium"`

	// Perfusion analysis parameters.
	Perfusion struct {
		// BlockSize is the cubic block edge the parametric maps are solved at.
		BlockSize int `yaml:"blockSize"`

		// Workers caps concurrent block solves.
		Workers int `yaml:"workers"`

		// CBFScale converts peak residue (1/s) to mL/min/100g.
		CBFScale float64 `yaml:"cbfScale"`

		// CBVCorrection converts the AUC ratio to mL/100g.
		CBVCorrection float64 `yaml:"cbvCorrection"`

		// RegularizationFraction is the sSVD truncation fraction.
		RegularizationFraction float64 `yaml:"regularizationFraction"`

		// MaxIterations bounds the deconvolution refinement.
		MaxIterations int `yaml:"maxIterations"`

		// Tolerance is the convergence residual.
		Tolerance float64 `yaml:"tolerance"`

		// SolverTimeoutMS bounds one solve in milliseconds.
		SolverTimeoutMS int `yaml:"solverTimeoutMs"`
	} `yaml:"perfusion"`

	// Picking parameters.
	Picking struct {
		// SurfaceThresholdHU is the isosurface level pick rays stop at.
		SurfaceThresholdHU float64 `yaml:"surfaceThresholdHU"`

		// StepMM is the ray-march step.
		StepMM float64 `yaml:"stepMM"`

		// FallbackDepthMM is the fixed pick depth when a ray misses.
		FallbackDepthMM float64 `yaml:"fallbackDepthMM"`
	} `yaml:"picking"`

	// Output parameters.
	Output struct {
		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with conventional defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	calciumDefaults := calcium.DefaultOptions()
	cfg.Calcium.ThresholdHU = calciumDefaults.ThresholdHU
	cfg.Calcium.MinAreaMM2 = calciumDefaults.MinAreaMM2
	cfg.Calcium.MassCalibrationFactor = calciumDefaults.MassCalibrationFactor
	cfg.Calcium.RiskBands = calciumDefaults.RiskBands

	perfusionDefaults := perfusion.DefaultOptions()
	cfg.Perfusion.BlockSize = perfusionDefaults.BlockSize
	cfg.Perfusion.Workers = runtime.NumCPU()
	cfg.Perfusion.CBFScale = perfusionDefaults.CBFScale
	cfg.Perfusion.CBVCorrection = perfusionDefaults.CBVCorrection
	cfg.Perfusion.RegularizationFraction = perfusionDefaults.Deconv.RegularizationFraction
	cfg.Perfusion.MaxIterations = perfusionDefaults.Deconv.MaxIterations
	cfg.Perfusion.Tolerance = perfusionDefaults.Deconv.Tolerance
	cfg.Perfusion.SolverTimeoutMS = int(perfusionDefaults.Deconv.Timeout / time.Millisecond)

	pickingDefaults := picking.DefaultOptions()
	cfg.Picking.SurfaceThresholdHU = pickingDefaults.SurfaceThreshold
	cfg.Picking.StepMM = pickingDefaults.StepMM
	cfg.Picking.FallbackDepthMM = pickingDefaults.FallbackDepthMM

	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CalciumOptions assembles the scoring options from the configuration,
// loading the percentile reference table when one is configured.
func (c *Config) CalciumOptions() (calcium.Options, error) {
	opts := calcium.Options{
		ThresholdHU:           c.Calcium.ThresholdHU,
		MinAreaMM2:            c.Calcium.MinAreaMM2,
		MassCalibrationFactor: c.Calcium.MassCalibrationFactor,
		RiskBands:             c.Calcium.RiskBands,
	}
	if c.Calcium.ReferenceTablePath != "" {
		table, err := calcium.LoadReferenceTable(c.Calcium.ReferenceTablePath)
		if err != nil {
			return calcium.Options{}, err
		}
		opts.Reference = table
	}
	return opts, nil
}

// PerfusionOptions assembles the analysis options from the configuration.
func (c *Config) PerfusionOptions() perfusion.Options {
	return perfusion.Options{
		BlockSize:     c.Perfusion.BlockSize,
		Workers:       c.Perfusion.Workers,
		CBFScale:      c.Perfusion.CBFScale,
		CBVCorrection: c.Perfusion.CBVCorrection,
		Deconv: perfusion.DeconvOptions{
			RegularizationFraction: c.Perfusion.RegularizationFraction,
			MaxIterations:          c.Perfusion.MaxIterations,
			Tolerance:              c.Perfusion.Tolerance,
			Timeout:                time.Duration(c.Perfusion.SolverTimeoutMS) * time.Millisecond,
		},
	}
}

// PickingOptions assembles the pick options from the configuration.
func (c *Config) PickingOptions() picking.Options {
	return picking.Options{
		SurfaceThreshold: c.Picking.SurfaceThresholdHU,
		StepMM:           c.Picking.StepMM,
		FallbackDepthMM:  c.Picking.FallbackDepthMM,
	}
}
