// Package config loads the fitting tuning parameters from JSON. Fields
// are pointer-typed so partial configs merge cleanly over the built-in
// defaults; the canonical defaults file is the single source of truth for
// production values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/fit.defaults.json"

// TuningConfig represents the root configuration for fit tuning
// parameters. All fields are optional; Get* accessors fall back to the
// built-in defaults when a field is absent.
type TuningConfig struct {
	// Noise and geometry
	Sigma  *float64 `json:"sigma,omitempty"`   // noise standard deviation
	ZScale *float64 `json:"zscale,omitempty"`  // z anisotropy factor
	Offset *float64 `json:"offset,omitempty"`  // particle inset level
	Pad    *int     `json:"pad,omitempty"`     // image pad in voxels
	Invert *bool    `json:"invert,omitempty"`  // raw image is light-on-dark

	// Render mode
	Difference   *bool `json:"difference,omitempty"`    // difference-mode particle renders
	ConstOffset  *bool `json:"const_offset,omitempty"`  // ILM - off*P instead of ILM*(1-off*P)
	NLogs        *bool `json:"nlogs,omitempty"`         // include log-normalization in likelihood

	// Overlap prior
	DoPrior            *bool    `json:"do_prior,omitempty"`
	PriorCutoffFactor  *float64 `json:"prior_cutoff_factor,omitempty"`
	PriorThreshold     *float64 `json:"prior_threshold,omitempty"`

	// Derivatives
	FDStep *float64 `json:"fd_step,omitempty"` // finite-difference step
}

// EmptyTuningConfig returns a TuningConfig with all fields unset. Use
// LoadTuningConfig to load actual values from a file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must
// have a .json extension and stay under the size cap. Fields omitted
// from the file retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from
// DefaultConfigPath, searching upward from the working directory. Panics
// if the file cannot be found; intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that set values are in range.
func (c *TuningConfig) Validate() error {
	if c.Sigma != nil && *c.Sigma <= 0 {
		return fmt.Errorf("sigma must be positive, got %f", *c.Sigma)
	}
	if c.ZScale != nil && *c.ZScale <= 0 {
		return fmt.Errorf("zscale must be positive, got %f", *c.ZScale)
	}
	if c.Pad != nil && *c.Pad < 0 {
		return fmt.Errorf("pad must be non-negative, got %d", *c.Pad)
	}
	if c.PriorCutoffFactor != nil && *c.PriorCutoffFactor < 2 {
		return fmt.Errorf("prior_cutoff_factor must be at least 2, got %f", *c.PriorCutoffFactor)
	}
	if c.FDStep != nil && *c.FDStep <= 0 {
		return fmt.Errorf("fd_step must be positive, got %f", *c.FDStep)
	}
	return nil
}

// GetSigma returns the noise scale or its default.
func (c *TuningConfig) GetSigma() float64 {
	if c.Sigma == nil {
		return 0.04
	}
	return *c.Sigma
}

// GetZScale returns the anisotropy factor or its default.
func (c *TuningConfig) GetZScale() float64 {
	if c.ZScale == nil {
		return 1.0
	}
	return *c.ZScale
}

// GetOffset returns the particle inset level or its default.
func (c *TuningConfig) GetOffset() float64 {
	if c.Offset == nil {
		return 1.0
	}
	return *c.Offset
}

// GetPad returns the image pad or its default.
func (c *TuningConfig) GetPad() int {
	if c.Pad == nil {
		return 16
	}
	return *c.Pad
}

// GetInvert returns the invert flag or its default.
func (c *TuningConfig) GetInvert() bool {
	if c.Invert == nil {
		return false
	}
	return *c.Invert
}

// GetDifference returns the difference-render flag or its default.
func (c *TuningConfig) GetDifference() bool {
	if c.Difference == nil {
		return true
	}
	return *c.Difference
}

// GetConstOffset returns the constant-offset mode flag or its default.
func (c *TuningConfig) GetConstOffset() bool {
	if c.ConstOffset == nil {
		return false
	}
	return *c.ConstOffset
}

// GetNLogs returns the log-normalization flag or its default.
func (c *TuningConfig) GetNLogs() bool {
	if c.NLogs == nil {
		return false
	}
	return *c.NLogs
}

// GetDoPrior returns the overlap-prior flag or its default.
func (c *TuningConfig) GetDoPrior() bool {
	if c.DoPrior == nil {
		return true
	}
	return *c.DoPrior
}

// GetPriorCutoffFactor returns the cell-list cutoff factor or its
// default.
func (c *TuningConfig) GetPriorCutoffFactor() float64 {
	if c.PriorCutoffFactor == nil {
		return 2.2
	}
	return *c.PriorCutoffFactor
}

// GetPriorThreshold returns the log-prior acceptance threshold or its
// default.
func (c *TuningConfig) GetPriorThreshold() float64 {
	if c.PriorThreshold == nil {
		return -100.0
	}
	return *c.PriorThreshold
}

// GetFDStep returns the finite-difference step or its default.
func (c *TuningConfig) GetFDStep() float64 {
	if c.FDStep == nil {
		return 1e-3
	}
	return *c.FDStep
}
