package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/fusion/internal/fusion/core"
	"github.com/banshee-data/fusion/internal/fusion/state"
)

// DefaultConfigPath is the path to the canonical filter defaults file.
const DefaultConfigPath = "config/fusion.defaults.json"

// FilterConfig is the JSON configuration of a fusion core. Every field is
// optional; the Get* methods supply the default for any field left out, so
// partial configs are safe.
type FilterConfig struct {
	// Inertial model
	Gravity       *float64 `json:"gravity,omitempty"`
	NoiseAcc      *float64 `json:"noise_acc,omitempty"`
	NoiseAccBias  *float64 `json:"noise_acc_bias,omitempty"`
	NoiseGyro     *float64 `json:"noise_gyro,omitempty"`
	NoiseGyroBias *float64 `json:"noise_gyro_bias,omitempty"`
	FixedBias     *bool    `json:"fixed_bias,omitempty"`

	// History
	MaxDelay     *string `json:"max_delay,omitempty"` // duration string like "2s"
	CleanupEvery *int    `json:"cleanup_every,omitempty"`
	MaxStateGap  *string `json:"max_state_gap,omitempty"` // duration string like "50ms"

	// Watchdog
	FuzzyThreshold *float64 `json:"fuzzy_threshold,omitempty"`
	FuzzyWindow    *int     `json:"fuzzy_window,omitempty"`
	DriftFreeState *string  `json:"drift_free_state,omitempty"`

	// AuxStates extends the core state with deployment-specific fields.
	AuxStates []AuxState `json:"aux_states,omitempty"`
}

// AuxState describes one auxiliary state field.
type AuxState struct {
	Name  string  `json:"name"`
	Kind  string  `json:"kind"` // vector3, quaternion or scalar
	Noise float64 `json:"noise"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyFilterConfig returns a FilterConfig with all fields unset.
func EmptyFilterConfig() *FilterConfig {
	return &FilterConfig{}
}

// LoadFilterConfig loads a FilterConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadFilterConfig(path string) (*FilterConfig, error) {
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

	cfg := EmptyFilterConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents up to the repository
// root. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *FilterConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/fusion/core/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadFilterConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *FilterConfig) Validate() error {
	noises := []struct {
		name string
		v    *float64
	}{
		{"noise_acc", c.NoiseAcc},
		{"noise_acc_bias", c.NoiseAccBias},
		{"noise_gyro", c.NoiseGyro},
		{"noise_gyro_bias", c.NoiseGyroBias},
	}
	for _, n := range noises {
		if n.v != nil && *n.v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", n.name, *n.v)
		}
	}

	if c.Gravity != nil && *c.Gravity < 0 {
		return fmt.Errorf("gravity must be non-negative, got %f", *c.Gravity)
	}

	if c.MaxDelay != nil && *c.MaxDelay != "" {
		d, err := time.ParseDuration(*c.MaxDelay)
		if err != nil {
			return fmt.Errorf("invalid max_delay '%s': %w", *c.MaxDelay, err)
		}
		if d <= 0 {
			return fmt.Errorf("max_delay must be positive, got %s", d)
		}
	}

	if c.MaxStateGap != nil && *c.MaxStateGap != "" {
		d, err := time.ParseDuration(*c.MaxStateGap)
		if err != nil {
			return fmt.Errorf("invalid max_state_gap '%s': %w", *c.MaxStateGap, err)
		}
		if d < 0 {
			return fmt.Errorf("max_state_gap must be non-negative, got %s", d)
		}
	}

	if c.CleanupEvery != nil && *c.CleanupEvery < 0 {
		return fmt.Errorf("cleanup_every must be non-negative, got %d", *c.CleanupEvery)
	}

	if c.FuzzyThreshold != nil && *c.FuzzyThreshold <= 0 {
		return fmt.Errorf("fuzzy_threshold must be positive, got %f", *c.FuzzyThreshold)
	}

	if c.FuzzyWindow != nil && *c.FuzzyWindow < 1 {
		return fmt.Errorf("fuzzy_window must be at least 1, got %d", *c.FuzzyWindow)
	}

	// Layout construction checks field names, kinds, noise and the
	// drift-free reference.
	if _, err := c.Layout(); err != nil {
		return err
	}

	return nil
}

// Layout builds the state layout: the core fields, AuxStates in order, and
// the drift-free field.
func (c *FilterConfig) Layout() (*state.Layout, error) {
	aux := make([]state.Field, 0, len(c.AuxStates))
	for _, a := range c.AuxStates {
		kind, err := state.ParseFieldKind(a.Kind)
		if err != nil {
			return nil, fmt.Errorf("aux state %q: %w", a.Name, err)
		}
		aux = append(aux, state.Field{Name: a.Name, Kind: kind, Noise: a.Noise})
	}
	l, err := state.NewLayout(c.GetDriftFreeState(), aux...)
	if err != nil {
		return nil, fmt.Errorf("state layout: %w", err)
	}
	return l, nil
}

// CoreOptions converts the configuration to the core's runtime options.
func (c *FilterConfig) CoreOptions() core.Options {
	return core.Options{
		Gravity:        c.GetGravity(),
		NoiseAcc:       c.GetNoiseAcc(),
		NoiseAccBias:   c.GetNoiseAccBias(),
		NoiseGyro:      c.GetNoiseGyro(),
		NoiseGyroBias:  c.GetNoiseGyroBias(),
		FixedBias:      c.GetFixedBias(),
		MaxDelay:       c.GetMaxDelay().Seconds(),
		CleanupEvery:   c.GetCleanupEvery(),
		FuzzyThreshold: c.GetFuzzyThreshold(),
		FuzzyWindow:    c.GetFuzzyWindow(),
		MaxStateGap:    c.GetMaxStateGap().Seconds(),
	}
}

var defaults = core.DefaultOptions()

// GetGravity returns the gravity value or the default.
func (c *FilterConfig) GetGravity() float64 {
	if c.Gravity == nil {
		return defaults.Gravity
	}
	return *c.Gravity
}

// GetNoiseAcc returns the noise_acc value or the default.
func (c *FilterConfig) GetNoiseAcc() float64 {
	if c.NoiseAcc == nil {
		return defaults.NoiseAcc
	}
	return *c.NoiseAcc
}

// GetNoiseAccBias returns the noise_acc_bias value or the default.
func (c *FilterConfig) GetNoiseAccBias() float64 {
	if c.NoiseAccBias == nil {
		return defaults.NoiseAccBias
	}
	return *c.NoiseAccBias
}

// GetNoiseGyro returns the noise_gyro value or the default.
func (c *FilterConfig) GetNoiseGyro() float64 {
	if c.NoiseGyro == nil {
		return defaults.NoiseGyro
	}
	return *c.NoiseGyro
}

// GetNoiseGyroBias returns the noise_gyro_bias value or the default.
func (c *FilterConfig) GetNoiseGyroBias() float64 {
	if c.NoiseGyroBias == nil {
		return defaults.NoiseGyroBias
	}
	return *c.NoiseGyroBias
}

// GetFixedBias returns the fixed_bias value or the default.
func (c *FilterConfig) GetFixedBias() bool {
	if c.FixedBias == nil {
		return false
	}
	return *c.FixedBias
}

// GetMaxDelay parses and returns MaxDelay as a time.Duration.
func (c *FilterConfig) GetMaxDelay() time.Duration {
	def := time.Duration(defaults.MaxDelay * float64(time.Second))
	if c.MaxDelay == nil || *c.MaxDelay == "" {
		return def
	}
	d, err := time.ParseDuration(*c.MaxDelay)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetMaxStateGap parses and returns MaxStateGap as a time.Duration.
func (c *FilterConfig) GetMaxStateGap() time.Duration {
	def := time.Duration(defaults.MaxStateGap * float64(time.Second))
	if c.MaxStateGap == nil || *c.MaxStateGap == "" {
		return def
	}
	d, err := time.ParseDuration(*c.MaxStateGap)
	if err != nil {
		return def
	}
	return d
}

// GetCleanupEvery returns the cleanup_every value or the default.
func (c *FilterConfig) GetCleanupEvery() int {
	if c.CleanupEvery == nil {
		return defaults.CleanupEvery
	}
	return *c.CleanupEvery
}

// GetFuzzyThreshold returns the fuzzy_threshold value or the default.
func (c *FilterConfig) GetFuzzyThreshold() float64 {
	if c.FuzzyThreshold == nil {
		return defaults.FuzzyThreshold
	}
	return *c.FuzzyThreshold
}

// GetFuzzyWindow returns the fuzzy_window value or the default.
func (c *FilterConfig) GetFuzzyWindow() int {
	if c.FuzzyWindow == nil {
		return defaults.FuzzyWindow
	}
	return *c.FuzzyWindow
}

// GetDriftFreeState returns the drift_free_state value; empty disables the
// watchdog.
func (c *FilterConfig) GetDriftFreeState() string {
	if c.DriftFreeState == nil {
		return ""
	}
	return *c.DriftFreeState
}
