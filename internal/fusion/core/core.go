package core

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fusion/internal/fusion/buffer"
	"github.com/banshee-data/fusion/internal/fusion/state"
	"github.com/banshee-data/fusion/internal/monitoring"
)

// Stats counts what the core did with its inputs. Every dropped input is
// counted here as well as logged.
type Stats struct {
	StatesPropagated      int64
	IMUOutOfOrder         int64 // inertial samples not newer than the latest state
	MeasurementsApplied   int64
	MeasurementsReapplied int64 // re-applied after an older measurement replayed the history
	MeasurementsQueued    int64
	MeasurementsStale     int64 // older than the oldest retained state
	MeasurementsGap       int64 // no buffered state within MaxStateGap
	MeasurementsRejected  int64 // the measurement model declined to apply
	MeasurementsEarly     int64 // arrived before init or before the first prediction
	MeasurementsReplaced  int64 // displaced from the history by a later one at the same timestamp
	NonFiniteTime         int64 // inputs stamped NaN or ±Inf
	Replays               int64
	FuzzyEvents           int64
	StatesPruned          int64
	MeasurementsPruned    int64
}

// Core is the time-synchronised estimation engine. It keeps the state and
// measurement histories, propagates state and covariance from inertial
// input, and applies delayed measurements by correcting the past and
// replaying the history after it.
//
// Core is single-threaded: every method runs to completion and none may be
// called concurrently. Callers delivering inertial and measurement callbacks
// from several goroutines must serialise them.
type Core struct {
	opts    Options
	layout  *state.Layout
	manager SensorManager

	states       *buffer.Sorted[*state.State]
	measurements *buffer.Sorted[Measurement]
	pending      *buffer.Queue[Measurement]

	// timePPropagated is the propagation horizon: the newest state whose
	// covariance is valid.
	timePPropagated float64
	g               r3.Vec
	qc              []float64 // continuous process noise variances per error component

	initialized    bool
	predictionMade bool
	fuzzy          bool

	watchdog     *FuzzyTracker
	sinceCleanup int
	stats        Stats
	upd          updater
}

// New builds a core. The manager must be fully configured and must outlive
// the core; New does not call it.
func New(manager SensorManager, layout *state.Layout, opts Options) (*Core, error) {
	if manager == nil {
		return nil, errors.New("core: nil sensor manager")
	}
	if layout == nil {
		return nil, errors.New("core: nil state layout")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("core: invalid options: %w", err)
	}
	c := &Core{
		opts:         opts,
		layout:       layout,
		manager:      manager,
		states:       buffer.NewSorted[*state.State](nil),
		measurements: buffer.NewSorted(InvalidMeasurement),
		pending:      buffer.NewQueue[Measurement](),
		g:            r3.Vec{Z: opts.Gravity},
		watchdog:     NewFuzzyTracker(layout, opts.FuzzyWindow),
	}
	c.qc = processNoise(layout, opts)
	c.upd = updater{c: c}
	return c, nil
}

// processNoise lays the squared noise densities out along the error state.
func processNoise(l *state.Layout, o Options) []float64 {
	qc := make([]float64, l.ErrorDim())
	set := func(name string, sigma float64) {
		off := l.ErrorOffset(name)
		for k := 0; k < 3; k++ {
			qc[off+k] = sigma * sigma
		}
	}
	set(state.Velocity, o.NoiseAcc)
	set(state.Attitude, o.NoiseGyro)
	if !o.FixedBias {
		set(state.GyroBias, o.NoiseGyroBias)
		set(state.AccelBias, o.NoiseAccBias)
	}
	for _, f := range l.AuxFields() {
		off := l.ErrorOffset(f.Name)
		n := 3
		if f.Kind == state.KindScalar {
			n = 1
		}
		for k := 0; k < n; k++ {
			qc[off+k] = f.Noise * f.Noise
		}
	}
	return qc
}

// Init seeds the filter from m, discarding any previous history. It returns
// false, leaving the filter uninitialized, when m is unusable.
func (c *Core) Init(m *InitMeasurement) bool {
	if m == nil {
		return false
	}
	if !finiteTime(m.T) {
		c.stats.NonFiniteTime++
		monitoring.Logf("core: init rejected: non-finite timestamp %v", m.T)
		c.initialized = false
		return false
	}
	s := state.New(c.layout, m.T)
	for name, v := range m.Values {
		if err := s.SetValues(name, v); err != nil {
			monitoring.Logf("core: init rejected: %v", err)
			c.initialized = false
			return false
		}
	}
	if !c.manager.InitState(s, m) {
		monitoring.Logf("core: init rejected by sensor manager at t=%.6f", m.T)
		c.initialized = false
		return false
	}
	p := m.Cov
	if p == nil {
		p = c.manager.InitialCovariance(s)
	}
	if p == nil || p.SymmetricDim() != c.layout.ErrorDim() {
		monitoring.Logf("core: init rejected: covariance does not match error dimension %d", c.layout.ErrorDim())
		c.initialized = false
		return false
	}
	s.Cov.CopySym(p)

	c.states.Clear()
	c.measurements.Clear()
	c.pending.Clear()
	c.states.Insert(s.Time, s)
	c.timePPropagated = s.Time
	c.initialized = true
	c.predictionMade = false
	c.fuzzy = false
	c.watchdog.Reset()
	c.sinceCleanup = 0

	c.manager.PublishStateInitialized(s.Clone())
	monitoring.Logf("core: initialized at t=%.6f", s.Time)
	return true
}

// ProcessIMU propagates the filter to t using a raw inertial sample.
// Samples must arrive in increasing time order; others are dropped.
func (c *Core) ProcessIMU(acc, gyro r3.Vec, t float64, seq uint64) {
	next, prev, ok := c.beginStep(acc, gyro, t, seq)
	if !ok {
		return
	}
	c.propagateState(prev, next)
	c.finishStep(next)
}

// ProcessExtState propagates the filter to t from an externally computed
// state. With alreadyPropagated the supplied position, velocity and attitude
// become the nominal state at t; otherwise they are ignored and the state
// is propagated internally. The covariance is always propagated from the
// inertial input. Use either ProcessIMU or ProcessExtState for a deployment.
func (c *Core) ProcessExtState(acc, gyro, p, v r3.Vec, q quat.Number, alreadyPropagated bool, t float64, seq uint64) {
	next, prev, ok := c.beginStep(acc, gyro, t, seq)
	if !ok {
		return
	}
	c.propagateState(prev, next)
	if alreadyPropagated {
		next.SetVec3(state.Position, p)
		next.SetVec3(state.Velocity, v)
		next.SetQuat(state.Attitude, q)
	}
	c.finishStep(next)
}

func (c *Core) beginStep(acc, gyro r3.Vec, t float64, seq uint64) (next, prev *state.State, ok bool) {
	if !c.initialized {
		monitoring.Debugf("core: inertial input at t=%.6f before init", t)
		return nil, nil, false
	}
	if !finiteTime(t) {
		c.stats.NonFiniteTime++
		monitoring.Logf("core: dropping inertial input with non-finite timestamp %v", t)
		return nil, nil, false
	}
	_, prev, _ = c.states.Last()
	if t <= prev.Time {
		c.stats.IMUOutOfOrder++
		monitoring.Logf("core: dropping inertial input at t=%.6f, latest state is t=%.6f", t, prev.Time)
		return nil, nil, false
	}
	if !c.predictionMade {
		// integrate the first interval with the real input instead of zeros
		prev.Acc = acc
		prev.Gyro = gyro
		c.predictionMade = true
	}
	next = state.New(c.layout, t)
	next.Seq = seq
	next.Acc = acc
	next.Gyro = gyro
	return next, prev, true
}

func (c *Core) finishStep(next *state.State) {
	c.states.Insert(next.Time, next)
	c.stats.StatesPropagated++
	c.propagatePOneStep()
	c.manager.PublishStateAfterPropagation(next.Clone())
	c.handlePendingMeasurements()

	if c.opts.CleanupEvery > 0 {
		c.sinceCleanup++
		if c.sinceCleanup >= c.opts.CleanupEvery {
			c.sinceCleanup = 0
			c.CleanUpBuffers()
		}
	}
}

// finiteTime reports whether t can be ordered against the history. NaN
// compares false against everything and would slip past every ordering check.
func finiteTime(t float64) bool {
	return !math.IsNaN(t) && !math.IsInf(t, 0)
}

// Initialized reports whether Init has succeeded.
func (c *Core) Initialized() bool { return c.initialized }

// PredictionMade reports whether at least one propagation step exists.
func (c *Core) PredictionMade() bool { return c.predictionMade }

// PropagatedTime is the propagation horizon.
func (c *Core) PropagatedTime() float64 { return c.timePPropagated }

// Fuzzy reports whether a correction moved the drift-free field by more than
// its threshold since the last ResetFuzzy or Init.
func (c *Core) Fuzzy() bool { return c.fuzzy }

// ResetFuzzy clears the fuzzy flag and the watchdog window.
func (c *Core) ResetFuzzy() {
	c.fuzzy = false
	c.watchdog.Reset()
}

// Watchdog exposes the fuzzy-tracking watchdog for inspection.
func (c *Core) Watchdog() *FuzzyTracker { return c.watchdog }

func (c *Core) Stats() Stats { return c.stats }

func (c *Core) Layout() *state.Layout { return c.layout }

func (c *Core) Options() Options { return c.opts }

// StateCount, MeasurementCount and PendingCount report buffer sizes.
func (c *Core) StateCount() int       { return c.states.Len() }
func (c *Core) MeasurementCount() int { return c.measurements.Len() }
func (c *Core) PendingCount() int     { return c.pending.Len() }

// StateTimes returns the timestamps of the state history, oldest first.
func (c *Core) StateTimes() []float64 { return c.states.Times() }

// MeasurementTimes returns the timestamps of the measurement history.
func (c *Core) MeasurementTimes() []float64 { return c.measurements.Times() }

// Latest returns a copy of the newest state, or nil before Init.
func (c *Core) Latest() *state.State {
	if !c.initialized {
		return nil
	}
	_, s, ok := c.states.Last()
	if !ok {
		return nil
	}
	return s.Clone()
}

// ClosestState returns a copy of the buffered state nearest to t, or nil if
// the filter is uninitialized.
func (c *Core) ClosestState(t float64) *state.State {
	if !c.initialized {
		return nil
	}
	s, ok := c.states.Closest(t)
	if !ok {
		return nil
	}
	return s.Clone()
}

// StateAtTime returns a copy of the state at exactly t, or one interpolated
// between the buffered states bracketing t. It returns nil outside the
// buffered span or before Init.
func (c *Core) StateAtTime(t float64) *state.State {
	if !c.initialized {
		return nil
	}
	if s, ok := c.states.At(t); ok {
		return s.Clone()
	}
	before, okB := c.states.Before(t)
	after, okA := c.states.After(t)
	if !okB || !okA {
		return nil
	}
	return state.Interpolate(before, after, t)
}

// PreviousMeasurement returns the newest applied measurement of sensorID
// strictly before t, or InvalidMeasurement.
func (c *Core) PreviousMeasurement(t float64, sensorID int) Measurement {
	found := c.measurements.Invalid()
	c.measurements.Descend(t, func(_ float64, m Measurement) bool {
		if m.SensorID() == sensorID {
			found = m
			return false
		}
		return true
	})
	return found
}

// SetPCore overwrites the core block (position through accelerometer bias)
// of the covariance at the propagation horizon, the newest state whose
// covariance is valid. p must be CoreErrorDim square.
func (c *Core) SetPCore(p mat.Symmetric) bool {
	if !c.initialized || p.SymmetricDim() != state.CoreErrorDim {
		return false
	}
	s, ok := c.states.At(c.timePPropagated)
	if !ok {
		return false
	}
	for i := 0; i < state.CoreErrorDim; i++ {
		for j := i; j < state.CoreErrorDim; j++ {
			s.Cov.SetSym(i, j, p.At(i, j))
		}
	}
	return true
}
