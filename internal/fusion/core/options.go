package core

import (
	"fmt"
)

// Options holds the numeric policy of a Core. Noise values are continuous
// noise densities (standard deviations per √s).
type Options struct {
	Gravity float64 // magnitude of the world +Z gravity vector, m/s²

	NoiseAcc      float64
	NoiseAccBias  float64
	NoiseGyro     float64
	NoiseGyroBias float64

	// FixedBias suppresses corrections and process noise on both IMU biases.
	FixedBias bool

	// MaxDelay is the longest sensor latency, in seconds, the filter must
	// still be able to correct for. Retention never prunes inside it.
	MaxDelay float64
	// CleanupEvery is the number of propagation steps between CleanUpBuffers
	// runs. Zero disables automatic cleanup.
	CleanupEvery int

	FuzzyThreshold float64 // default threshold for measurements that do not supply one
	FuzzyWindow    int     // number of recent drift-free jumps kept for inspection

	// MaxStateGap is the largest distance, in seconds, between a measurement
	// and the buffered state it is applied to.
	MaxStateGap float64
}

// DefaultOptions returns values suited to a consumer-grade MEMS IMU at a
// few hundred Hz.
func DefaultOptions() Options {
	return Options{
		Gravity:        9.81,
		NoiseAcc:       0.083,
		NoiseAccBias:   0.0083,
		NoiseGyro:      0.0013,
		NoiseGyroBias:  0.00013,
		MaxDelay:       2.0,
		CleanupEvery:   100,
		FuzzyThreshold: 0.1,
		FuzzyWindow:    32,
		MaxStateGap:    0.05,
	}
}

// Validate checks that the options describe a usable filter.
func (o Options) Validate() error {
	noises := map[string]float64{
		"noise_acc":       o.NoiseAcc,
		"noise_acc_bias":  o.NoiseAccBias,
		"noise_gyro":      o.NoiseGyro,
		"noise_gyro_bias": o.NoiseGyroBias,
	}
	for name, v := range noises {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %g", name, v)
		}
	}
	if o.MaxDelay <= 0 {
		return fmt.Errorf("max_delay must be positive, got %g", o.MaxDelay)
	}
	if o.CleanupEvery < 0 {
		return fmt.Errorf("cleanup_every must be non-negative, got %d", o.CleanupEvery)
	}
	if o.FuzzyThreshold <= 0 {
		return fmt.Errorf("fuzzy_threshold must be positive, got %g", o.FuzzyThreshold)
	}
	if o.FuzzyWindow < 1 {
		return fmt.Errorf("fuzzy_window must be at least 1, got %d", o.FuzzyWindow)
	}
	if o.MaxStateGap < 0 {
		return fmt.Errorf("max_state_gap must be non-negative, got %g", o.MaxStateGap)
	}
	return nil
}
