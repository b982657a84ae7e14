package sensors

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fusion/internal/fusion/core"
	"github.com/banshee-data/fusion/internal/fusion/state"
)

// Position is an absolute world-frame position fix (GPS in a local frame,
// motion capture, total station).
type Position struct {
	T      float64
	Sensor int
	Z      r3.Vec
	// Sigma is the per-axis standard deviation in metres.
	Sigma float64
	// FuzzyThreshold overrides the core's default when positive.
	FuzzyThreshold float64
}

func (m *Position) Time() float64 { return m.T }
func (m *Position) SensorID() int { return m.Sensor }
func (m *Position) Valid() bool   { return true }

// Apply updates s with H selecting the position block.
func (m *Position) Apply(s *state.State, u core.Updater) bool {
	l := u.Layout()
	h := selectBlock(l, state.Position, 1)

	p := s.Position()
	res := mat.NewVecDense(3, []float64{m.Z.X - p.X, m.Z.Y - p.Y, m.Z.Z - p.Z})

	return u.KalmanUpdate(s, h, res, isotropic(m.Sigma), threshold(m.FuzzyThreshold, u))
}

// selectBlock returns the 3×n matrix scale·[0 … I … 0] over field's error
// block.
func selectBlock(l *state.Layout, field string, scale float64) *mat.Dense {
	h := mat.NewDense(3, l.ErrorDim(), nil)
	off := l.ErrorOffset(field)
	for k := 0; k < 3; k++ {
		h.Set(k, off+k, scale)
	}
	return h
}

func isotropic(sigma float64) *mat.SymDense {
	v := sigma * sigma
	return mat.NewSymDense(3, []float64{
		v, 0, 0,
		0, v, 0,
		0, 0, v,
	})
}

func threshold(own float64, u core.Updater) float64 {
	if own > 0 {
		return own
	}
	return u.FuzzyThreshold()
}
