package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for the perception
// engine. The schema matches the /api/config endpoint so the same JSON
// can be used for both startup configuration and inspection.
type TuningConfig struct {
	// Time engine params
	FilterLagCount   *int     `json:"filter_lag_count,omitempty"`
	FilterStateDim   *int     `json:"filter_state_dim,omitempty"`
	FilterDT         *string  `json:"filter_dt,omitempty"` // duration string like "30ms"
	ProcessNoisePos  *float64 `json:"process_noise_pos,omitempty"`
	ProcessNoiseVel  *float64 `json:"process_noise_vel,omitempty"`
	ProcessNoiseAcc  *float64 `json:"process_noise_acc,omitempty"`
	InitVelVar       *float64 `json:"init_vel_var,omitempty"`
	InitAccVar       *float64 `json:"init_acc_var,omitempty"`
	DefaultMeasNoise *float64 `json:"default_meas_noise,omitempty"`

	// Space engine params
	HexResolution   *int     `json:"hex_resolution,omitempty"`
	AltitudeBucketM *float64 `json:"altitude_bucket_m,omitempty"`

	// Tracking params
	GateRadiusM          *float64 `json:"gate_radius_m,omitempty"`
	MahalanobisThreshold *float64 `json:"mahalanobis_threshold,omitempty"`
	RetirementThreshold  *string  `json:"retirement_threshold,omitempty"` // duration string like "30s"
	MaxAdmissibleLatency *string  `json:"max_admissible_latency,omitempty"`
	CIOmegaTolerance     *float64 `json:"ci_omega_tolerance,omitempty"`

	// Trust params
	ClockSkewTolerance *string `json:"clock_skew_tolerance,omitempty"`
	FreshnessWindow    *string `json:"freshness_window,omitempty"`
	RootPublicKey      *string `json:"root_public_key,omitempty"` // base64

	// Engine params
	QueueCapacity   *int  `json:"queue_capacity,omitempty"`
	DrainOnShutdown *bool `json:"drain_on_shutdown,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/<pkg>/
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.FilterStateDim != nil {
		if n := *c.FilterStateDim; n <= 0 || n%3 != 0 || n > 9 {
			return fmt.Errorf("filter_state_dim must be 3, 6, or 9, got %d", n)
		}
	}
	if c.FilterLagCount != nil && *c.FilterLagCount < 0 {
		return fmt.Errorf("filter_lag_count must be non-negative, got %d", *c.FilterLagCount)
	}
	if c.HexResolution != nil {
		if r := *c.HexResolution; r < 0 || r > 15 {
			return fmt.Errorf("hex_resolution must be in [0, 15], got %d", r)
		}
	}
	if c.AltitudeBucketM != nil && *c.AltitudeBucketM <= 0 {
		return fmt.Errorf("altitude_bucket_m must be positive, got %f", *c.AltitudeBucketM)
	}
	if c.GateRadiusM != nil && *c.GateRadiusM <= 0 {
		return fmt.Errorf("gate_radius_m must be positive, got %f", *c.GateRadiusM)
	}
	if c.MahalanobisThreshold != nil && *c.MahalanobisThreshold <= 0 {
		return fmt.Errorf("mahalanobis_threshold must be positive, got %f", *c.MahalanobisThreshold)
	}
	if c.QueueCapacity != nil && *c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", *c.QueueCapacity)
	}
	for name, v := range map[string]*string{
		"filter_dt":              c.FilterDT,
		"retirement_threshold":   c.RetirementThreshold,
		"max_admissible_latency": c.MaxAdmissibleLatency,
		"clock_skew_tolerance":   c.ClockSkewTolerance,
		"freshness_window":       c.FreshnessWindow,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	if c.FilterDT != nil && *c.FilterDT != "" {
		if d, err := time.ParseDuration(*c.FilterDT); err == nil && d <= 0 {
			return fmt.Errorf("filter_dt must be positive, got %s", *c.FilterDT)
		}
	}
	if c.RootPublicKey != nil && *c.RootPublicKey != "" {
		if _, err := base64.StdEncoding.DecodeString(*c.RootPublicKey); err != nil {
			return fmt.Errorf("invalid root_public_key: %w", err)
		}
	}
	return nil
}

// duration parses a duration pointer with a fallback default.
func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetFilterLagCount returns the filter_lag_count value or the default.
func (c *TuningConfig) GetFilterLagCount() int {
	if c.FilterLagCount == nil {
		return 20
	}
	return *c.FilterLagCount
}

// GetFilterStateDim returns the filter_state_dim value or the default.
func (c *TuningConfig) GetFilterStateDim() int {
	if c.FilterStateDim == nil {
		return 9
	}
	return *c.FilterStateDim
}

// GetFilterDT parses and returns the filter slot width.
func (c *TuningConfig) GetFilterDT() time.Duration {
	return duration(c.FilterDT, 30*time.Millisecond)
}

// GetProcessNoisePos returns the process_noise_pos value or the default.
func (c *TuningConfig) GetProcessNoisePos() float64 {
	if c.ProcessNoisePos == nil {
		return 0.01
	}
	return *c.ProcessNoisePos
}

// GetProcessNoiseVel returns the process_noise_vel value or the default.
func (c *TuningConfig) GetProcessNoiseVel() float64 {
	if c.ProcessNoiseVel == nil {
		return 0.05
	}
	return *c.ProcessNoiseVel
}

// GetProcessNoiseAcc returns the process_noise_acc value or the default.
func (c *TuningConfig) GetProcessNoiseAcc() float64 {
	if c.ProcessNoiseAcc == nil {
		return 0.1
	}
	return *c.ProcessNoiseAcc
}

// GetInitVelVar returns the init_vel_var value or the default.
func (c *TuningConfig) GetInitVelVar() float64 {
	if c.InitVelVar == nil {
		return 4.0
	}
	return *c.InitVelVar
}

// GetInitAccVar returns the init_acc_var value or the default.
func (c *TuningConfig) GetInitAccVar() float64 {
	if c.InitAccVar == nil {
		return 1.0
	}
	return *c.InitAccVar
}

// GetDefaultMeasNoise returns the default_meas_noise value or the default.
func (c *TuningConfig) GetDefaultMeasNoise() float64 {
	if c.DefaultMeasNoise == nil {
		return 0.1
	}
	return *c.DefaultMeasNoise
}

// GetHexResolution returns the hex_resolution value or the default
// (resolution 10, ~66m cell edge).
func (c *TuningConfig) GetHexResolution() int {
	if c.HexResolution == nil {
		return 10
	}
	return *c.HexResolution
}

// GetAltitudeBucketM returns the altitude_bucket_m value or the default.
func (c *TuningConfig) GetAltitudeBucketM() float64 {
	if c.AltitudeBucketM == nil {
		return 25.0
	}
	return *c.AltitudeBucketM
}

// GetGateRadiusM returns the gate_radius_m value or the default.
func (c *TuningConfig) GetGateRadiusM() float64 {
	if c.GateRadiusM == nil {
		return 50.0
	}
	return *c.GateRadiusM
}

// GetMahalanobisThreshold returns the mahalanobis_threshold value or
// the default (chi-squared, 3 dof, 95%).
func (c *TuningConfig) GetMahalanobisThreshold() float64 {
	if c.MahalanobisThreshold == nil {
		return 7.815
	}
	return *c.MahalanobisThreshold
}

// GetRetirementThreshold parses and returns the track retirement age.
func (c *TuningConfig) GetRetirementThreshold() time.Duration {
	return duration(c.RetirementThreshold, 30*time.Second)
}

// GetMaxAdmissibleLatency parses and returns the staleness gate bound.
func (c *TuningConfig) GetMaxAdmissibleLatency() time.Duration {
	return duration(c.MaxAdmissibleLatency, 600*time.Millisecond)
}

// GetCIOmegaTolerance returns the ci_omega_tolerance value or the default.
func (c *TuningConfig) GetCIOmegaTolerance() float64 {
	if c.CIOmegaTolerance == nil {
		return 1e-4
	}
	return *c.CIOmegaTolerance
}

// GetClockSkewTolerance parses and returns the future-timestamp bound.
func (c *TuningConfig) GetClockSkewTolerance() time.Duration {
	return duration(c.ClockSkewTolerance, 2*time.Second)
}

// GetFreshnessWindow parses and returns the admission-layer past bound.
func (c *TuningConfig) GetFreshnessWindow() time.Duration {
	return duration(c.FreshnessWindow, 5*time.Minute)
}

// GetRootPublicKey decodes the configured root authority key, or nil
// when unset.
func (c *TuningConfig) GetRootPublicKey() []byte {
	if c.RootPublicKey == nil || *c.RootPublicKey == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(*c.RootPublicKey)
	if err != nil {
		return nil
	}
	return b
}

// GetQueueCapacity returns the queue_capacity value or the default.
func (c *TuningConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 1024
	}
	return *c.QueueCapacity
}

// GetDrainOnShutdown returns the drain_on_shutdown value or the default.
func (c *TuningConfig) GetDrainOnShutdown() bool {
	if c.DrainOnShutdown == nil {
		return true
	}
	return *c.DrainOnShutdown
}
