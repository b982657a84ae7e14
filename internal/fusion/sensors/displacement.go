package sensors

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/fusion/internal/fusion/core"
	"github.com/banshee-data/fusion/internal/fusion/state"
	"github.com/banshee-data/fusion/internal/monitoring"
)

// Displacement is a relative position measurement (wheel or visual
// odometry): the world-frame translation since the previous Displacement
// from the same sensor. The first one from a sensor only anchors the next.
//
// Because it observes two states, the update uses the cross covariance
// between them, F·P_old, built from the accumulated transition.
type Displacement struct {
	T      float64
	Sensor int
	Delta  r3.Vec
	Sigma  float64

	FuzzyThreshold float64
}

func (m *Displacement) Time() float64 { return m.T }
func (m *Displacement) SensorID() int { return m.Sensor }
func (m *Displacement) Valid() bool   { return true }

func (m *Displacement) Apply(s *state.State, u core.Updater) bool {
	prev := u.PreviousMeasurement(m.T, m.Sensor)
	if !prev.Valid() {
		return true
	}
	old, ok := u.ClosestState(prev.Time())
	if !ok || old.Time >= s.Time {
		monitoring.Debugf("sensors: displacement at t=%.6f has no earlier anchor state", m.T)
		return false
	}
	f, ok := u.AccumF(old, s)
	if !ok {
		return false
	}

	l := u.Layout()
	n := l.ErrorDim()
	hNew := selectBlock(l, state.Position, 1)
	hOld := selectBlock(l, state.Position, -1)

	// cross covariance P(new, old) = F P_old
	var pno mat.Dense
	pno.Mul(f, old.Cov)

	// S = Hn Pn Hnᵀ + Ho Po Hoᵀ + Hn Pno Hoᵀ + (Hn Pno Hoᵀ)ᵀ + R
	var a, b, cross, S mat.Dense
	a.Product(hNew, s.Cov, hNew.T())
	b.Product(hOld, old.Cov, hOld.T())
	cross.Product(hNew, &pno, hOld.T())
	S.Add(&a, &b)
	S.Add(&S, &cross)
	S.Add(&S, cross.T())
	S.Add(&S, isotropic(m.Sigma))

	sym := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			sym.SetSym(i, j, 0.5*(S.At(i, j)+S.At(j, i)))
		}
	}

	// K = (Pn Hnᵀ + Pno Hoᵀ) S⁻¹
	var pht, t2 mat.Dense
	pht.Mul(s.Cov, hNew.T())
	t2.Mul(&pno, hOld.T())
	pht.Add(&pht, &t2)

	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		monitoring.Logf("sensors: displacement innovation covariance at t=%.6f is not positive definite", m.T)
		return false
	}
	var sInv mat.SymDense
	if err := chol.InverseTo(&sInv); err != nil {
		return false
	}
	k := mat.NewDense(n, 3, nil)
	k.Mul(&pht, &sInv)

	pNew, pOld := s.Position(), old.Position()
	pred := r3.Sub(pNew, pOld)
	res := mat.NewVecDense(3, []float64{m.Delta.X - pred.X, m.Delta.Y - pred.Y, m.Delta.Z - pred.Z})

	return u.GainUpdate(s, k, sym, res, threshold(m.FuzzyThreshold, u))
}
