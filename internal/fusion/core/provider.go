package core

import (
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/fusion/internal/fusion/state"
)

// SensorManager is the deployment-specific customization provider. The core
// holds it for its whole lifetime, never calls it from New, and only ever
// invokes it from the goroutine driving the core. Implementations shared
// between several cores must be reentrant.
type SensorManager interface {
	// InitState completes a freshly seeded state. s already carries every
	// value the init measurement supplied. Returning false rejects the
	// init measurement and leaves the filter uninitialized.
	InitState(s *state.State, m *InitMeasurement) bool
	// InitialCovariance supplies the starting covariance when the init
	// measurement carries none.
	InitialCovariance(s *state.State) *mat.SymDense

	// AugmentCorrection may edit a correction before it is composed into s.
	AugmentCorrection(s *state.State, correction []float64)
	// SanityCheckCorrection observes a correction after it was applied.
	SanityCheckCorrection(s, before *state.State, correction []float64)

	PublishStateInitialized(s *state.State)
	PublishStateAfterPropagation(s *state.State)
	PublishStateAfterUpdate(s *state.State)
}

// BaseManager is a SensorManager with conservative defaults. Embed it and
// override only the hooks a deployment needs.
type BaseManager struct {
	// Required lists the fields an init measurement must provide. Nil means
	// position and attitude.
	Required []string
	// Variances maps field names to the initial variance of each of their
	// error components. Fields not listed use DefaultVariance.
	Variances       map[string]float64
	DefaultVariance float64
}

var defaultRequired = []string{state.Position, state.Attitude}

func (b *BaseManager) InitState(s *state.State, m *InitMeasurement) bool {
	req := b.Required
	if req == nil {
		req = defaultRequired
	}
	for _, name := range req {
		if !m.Has(name) {
			return false
		}
	}
	return true
}

func (b *BaseManager) InitialCovariance(s *state.State) *mat.SymDense {
	l := s.Layout()
	p := mat.NewSymDense(l.ErrorDim(), nil)
	def := b.DefaultVariance
	if def <= 0 {
		def = 1
	}
	for _, f := range l.Fields() {
		v, ok := b.Variances[f.Name]
		if !ok {
			v = def
		}
		off := l.ErrorOffset(f.Name)
		n := 3
		if f.Kind == state.KindScalar {
			n = 1
		}
		for k := 0; k < n; k++ {
			p.SetSym(off+k, off+k, v)
		}
	}
	return p
}

func (b *BaseManager) AugmentCorrection(*state.State, []float64)              {}
func (b *BaseManager) SanityCheckCorrection(_, _ *state.State, _ []float64) {}
func (b *BaseManager) PublishStateInitialized(*state.State)                   {}
func (b *BaseManager) PublishStateAfterPropagation(*state.State)              {}
func (b *BaseManager) PublishStateAfterUpdate(*state.State)                   {}

// InitMeasurement seeds the filter. Values maps field names to nominal
// values in the field's layout (3 for vectors, w x y z for quaternions, 1
// for scalars). Cov, when set, must match the layout's error dimension.
type InitMeasurement struct {
	T      float64
	Values map[string][]float64
	Cov    *mat.SymDense
}

func (m *InitMeasurement) Time() float64 { return m.T }

// Has reports whether the measurement carries a value for name.
func (m *InitMeasurement) Has(name string) bool {
	_, ok := m.Values[name]
	return ok
}
