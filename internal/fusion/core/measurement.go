package core

import (
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/fusion/internal/fusion/state"
)

// Measurement is a timestamped sensor reading that knows how to correct a
// state. Apply is called with the buffered state bracketing Time (whose
// covariance is already propagated) and returns whether a correction was
// applied. A measurement may be applied more than once when an older
// measurement arrives late and the history after it is replayed.
type Measurement interface {
	Time() float64
	SensorID() int
	// Valid is false only for the sentinel returned by failed lookups.
	Valid() bool
	Apply(s *state.State, u Updater) bool
}

// Updater is the privileged view of the core handed to a measurement while
// it is applied. It is the only way to mutate a buffered state.
type Updater interface {
	Layout() *state.Layout
	// FuzzyThreshold is the configured default watchdog threshold.
	FuzzyThreshold() float64

	// ClosestState returns the live buffered state nearest to t.
	ClosestState(t float64) (*state.State, bool)
	PreviousMeasurement(t float64, sensorID int) Measurement
	AccumF(older, newer *state.State) (*mat.Dense, bool)

	// ApplyCorrection composes correction into s and replays the history
	// after it. The caller is responsible for having updated s.Cov.
	ApplyCorrection(s *state.State, correction *mat.VecDense, fuzzyThreshold float64) bool
	// KalmanUpdate runs a standard EKF update of s with observation
	// Jacobian h, residual and measurement noise r, then applies it.
	KalmanUpdate(s *state.State, h mat.Matrix, residual mat.Vector, r mat.Symmetric, fuzzyThreshold float64) bool
	// GainUpdate applies a precomputed gain k with innovation covariance
	// innov: P -= K S Kᵀ, correction = K residual.
	GainUpdate(s *state.State, k mat.Matrix, innov mat.Symmetric, residual mat.Vector, fuzzyThreshold float64) bool
}

type invalidMeasurement struct{}

func (invalidMeasurement) Time() float64                     { return -1 }
func (invalidMeasurement) SensorID() int                     { return -1 }
func (invalidMeasurement) Valid() bool                       { return false }
func (invalidMeasurement) Apply(*state.State, Updater) bool { return false }

// InvalidMeasurement is the sentinel returned when no measurement matches.
var InvalidMeasurement Measurement = invalidMeasurement{}
